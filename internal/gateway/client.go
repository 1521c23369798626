package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"quoteflow/internal/channel"
	"quoteflow/internal/metrics"
	"quoteflow/logger"
	"quoteflow/models"
)

// command is a text frame sent by a client.
type command struct {
	Type     string          `json:"type"`
	Provider string          `json:"provider,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Symbol   string          `json:"symbol,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

type reply struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Message string `json:"message,omitempty"`
}

// client is one websocket connection. It forwards every category until it
// subscribes to a topic; from then on only its topics and status messages
// are forwarded.
type client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	queue  *outQueue
	log    *logger.Entry

	ctx    context.Context
	cancel context.CancelFunc

	topicsMu sync.RWMutex
	topics   map[models.Topic]models.Subscription

	dropped atomic.Uint64
	lagged  atomic.Uint64
}

func newClient(s *Server, id string, conn *websocket.Conn) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		id:     id,
		server: s,
		conn:   conn,
		queue:  newOutQueue(s.cfg.ClientQueue),
		log:    s.log.WithField("client", id),
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[models.Topic]models.Subscription),
	}
}

// serve runs all tasks of the client and returns once every one has ended.
func (c *client) serve() {
	var wg sync.WaitGroup
	for _, category := range models.Categories {
		h := c.server.source.Subscribe(category)
		wg.Add(1)
		go func(category models.Category) {
			defer wg.Done()
			defer h.Close()
			c.forward(category, h)
			c.lagged.Add(h.Dropped())
		}(category)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	go func() {
		defer wg.Done()
		c.readPump()
	}()
	wg.Wait()

	c.releaseTopics()
	c.log.WithFields(logger.Fields{
		"dropped": c.dropped.Load(),
		"lagged":  c.lagged.Load(),
	}).Info("client disconnected")
	metrics.EmitDropMetric(logger.GetLogger(), metrics.DropMetricGateway, c.dropped.Load(), "", "", c.id)
}

type recvHandle interface {
	Recv(ctx context.Context) (models.MarketMessage, error)
}

func (c *client) forward(category models.Category, h recvHandle) {
	for {
		msg, err := h.Recv(c.ctx)
		if err != nil {
			if !errors.Is(err, channel.ErrClosed) && c.ctx.Err() == nil {
				c.log.WithError(err).WithField("category", category.String()).Warn("forwarder stopped")
			}
			// a closed stream ends the whole client
			c.cancel()
			return
		}
		if !c.wants(msg) {
			continue
		}
		frame, err := models.Encode(msg)
		if err != nil {
			c.log.WithError(err).Warn("dropping unencodable message")
			continue
		}
		c.enqueue(frame)
	}
}

func (c *client) enqueue(frame []byte) {
	if c.queue.push(frame) {
		c.dropped.Add(1)
	}
}

func (c *client) send(r reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *client) wants(msg models.MarketMessage) bool {
	if msg.Category() == models.CategoryStatus {
		return true
	}
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	if len(c.topics) == 0 {
		return true
	}
	_, ok := c.topics[models.NewTopic(msg.Source(), msg.Category().String(), models.SymbolOf(msg))]
	return ok
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.cancel()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case frame := <-c.queue.frames:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.WithError(err).Debug("write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.WithError(err).Debug("ping failed")
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer c.cancel()

	pongWait := 2 * c.server.cfg.PingPeriod
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.ctx.Err() == nil {
				c.log.WithError(err).Debug("read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			continue
		}
		c.handle(data)
	}
}

func (c *client) handle(data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.send(reply{Type: "error", Message: "invalid json"})
		return
	}

	switch cmd.Type {
	case "ping":
		c.send(reply{Type: "pong"})
	case "subscribe", "unsubscribe":
		c.handleSubscription(cmd)
	default:
		c.send(reply{Type: "error", Message: "unknown command " + cmd.Type})
	}
}

func (c *client) handleSubscription(cmd command) {
	if cmd.Provider == "" || cmd.Channel == "" || cmd.Symbol == "" {
		c.send(reply{Type: "error", Message: "provider, channel and symbol are required"})
		return
	}
	key := models.NewTopic(cmd.Provider, cmd.Channel, cmd.Symbol)
	sub := models.Subscription{Symbol: cmd.Symbol, Channel: strings.ToLower(cmd.Channel), Params: cmd.Params}

	if cmd.Type == "subscribe" {
		c.topicsMu.RLock()
		_, exists := c.topics[key]
		c.topicsMu.RUnlock()
		if !exists {
			if err := c.control(func(ctl Control) error { return ctl.Subscribe(c.ctx, cmd.Provider, sub) }); err != nil {
				c.send(reply{Type: "error", Topic: key.String(), Message: err.Error()})
				return
			}
			c.topicsMu.Lock()
			c.topics[key] = sub
			c.topicsMu.Unlock()
		}
		c.send(reply{Type: "subscribed", Topic: key.String()})
		return
	}

	c.topicsMu.Lock()
	prev, exists := c.topics[key]
	delete(c.topics, key)
	c.topicsMu.Unlock()
	if exists {
		if err := c.control(func(ctl Control) error { return ctl.Unsubscribe(c.ctx, cmd.Provider, prev) }); err != nil {
			c.log.WithError(err).WithField("topic", key.String()).Warn("unsubscribe failed")
		}
	}
	c.send(reply{Type: "unsubscribed", Topic: key.String()})
}

func (c *client) control(fn func(Control) error) error {
	if c.server.control == nil {
		return errors.New("subscriptions are not available on this gateway")
	}
	return fn(c.server.control)
}

// releaseTopics drops the client's interest once all its tasks have ended.
func (c *client) releaseTopics() {
	c.topicsMu.Lock()
	topics := c.topics
	c.topics = make(map[models.Topic]models.Subscription)
	c.topicsMu.Unlock()

	if c.server.control == nil || len(topics) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	for key, sub := range topics {
		if err := c.server.control.Unsubscribe(ctx, key.Provider, sub); err != nil {
			c.log.WithError(err).WithField("topic", key.String()).Warn("release subscription failed")
		}
	}
}
