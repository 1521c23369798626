package bybit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"quoteflow/logger"
	"quoteflow/models"
	"quoteflow/reader/wsconn"

	"github.com/google/uuid"
)

const (
	ProviderName    = "bybit"
	defaultCategory = "spot"
	defaultDepth    = 50
	defaultInterval = "1"
	keepAlive       = 20 * time.Second
)

var (
	orderbookDepths = map[string][]int{
		"spot":    {1, 50, 200},
		"linear":  {1, 50, 200, 500},
		"inverse": {1, 50, 200, 500},
	}
	klineIntervals = map[string]bool{
		"1": true, "3": true, "5": true, "15": true, "30": true, "60": true,
		"120": true, "240": true, "360": true, "720": true, "D": true, "W": true, "M": true,
	}
)

// Upstream is one v5 public websocket connection.
type Upstream struct {
	provider string
	category string
	conn     *wsconn.Conn
	now      func() time.Time
	log      *logger.Entry

	booksMu sync.Mutex
	books   map[string]*book

	tickersMu sync.Mutex
	tickers   map[string]tickerData
}

// Dial connects to the v5 public stream. The "category" param (spot, linear,
// inverse) picks the default endpoint.
func Dial(ctx context.Context, cfg models.ProviderConfig) (*Upstream, error) {
	category := defaultCategory
	if _, err := cfg.Param("category", &category); err != nil {
		return nil, err
	}
	category = strings.ToLower(strings.TrimSpace(category))
	if _, ok := orderbookDepths[category]; !ok {
		return nil, fmt.Errorf("unsupported bybit category %q", category)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "wss://stream.bybit.com/v5/public/" + category
	}
	name := cfg.Name
	if name == "" {
		name = ProviderName
	}

	var localIP string
	if _, err := cfg.Param("local_ip", &localIP); err != nil {
		return nil, err
	}

	log := logger.GetLogger().WithComponent("bybit_upstream").WithField("provider", name)
	conn, err := wsconn.Dial(ctx, endpoint, wsconn.Options{
		ReadTimeout:     3 * keepAlive,
		WritesPerSecond: 10,
		Burst:           10,
		PingInterval:    keepAlive,
		PingFrame: func() []byte {
			return []byte(`{"op":"ping","req_id":"` + uuid.NewString() + `"}`)
		},
		LocalAddr: localIP,
		Log:       log,
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(logger.Fields{"endpoint": endpoint, "category": category}).Info("bybit stream connected")

	return &Upstream{
		provider: name,
		category: category,
		conn:     conn,
		now:      time.Now,
		log:      log,
		books:    make(map[string]*book),
		tickers:  make(map[string]tickerData),
	}, nil
}

type request struct {
	Op    string   `json:"op"`
	Args  []string `json:"args"`
	ReqID string   `json:"req_id"`
}

func (u *Upstream) Subscribe(ctx context.Context, sub models.Subscription) error {
	return u.send(ctx, "subscribe", sub)
}

func (u *Upstream) Unsubscribe(ctx context.Context, sub models.Subscription) error {
	if err := u.send(ctx, "unsubscribe", sub); err != nil {
		return err
	}
	switch sub.Channel {
	case models.ChannelOrderBook:
		u.booksMu.Lock()
		delete(u.books, strings.ToUpper(sub.Symbol))
		u.booksMu.Unlock()
	case models.ChannelTicker:
		u.tickersMu.Lock()
		delete(u.tickers, strings.ToUpper(sub.Symbol))
		u.tickersMu.Unlock()
	}
	return nil
}

func (u *Upstream) send(ctx context.Context, op string, sub models.Subscription) error {
	topic, err := TopicName(u.category, sub)
	if err != nil {
		return err
	}
	req := request{Op: op, Args: []string{topic}, ReqID: uuid.NewString()}
	if err := u.conn.WriteJSON(ctx, req); err != nil {
		return fmt.Errorf("%s %s: %w", op, topic, err)
	}
	u.log.WithFields(logger.Fields{"topic": topic, "req_id": req.ReqID}).Debug(op + " sent")
	return nil
}

func (u *Upstream) Receive(ctx context.Context) ([]models.MarketMessage, error) {
	frame, err := u.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	msgs, err := u.normalize(frame)
	if err != nil {
		u.log.WithError(err).Warn("dropping unparseable bybit frame")
		return nil, nil
	}
	return msgs, nil
}

func (u *Upstream) Close() error {
	return u.conn.Close()
}

// TopicName maps a subscription onto a v5 topic.
func TopicName(category string, sub models.Subscription) (string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(sub.Symbol))
	if symbol == "" {
		return "", fmt.Errorf("bybit subscription without symbol")
	}

	switch sub.Channel {
	case models.ChannelTicker:
		return "tickers." + symbol, nil
	case models.ChannelTrade:
		return "publicTrade." + symbol, nil
	case models.ChannelOrderBook:
		depth := defaultDepth
		if _, err := sub.Param("depth", &depth); err != nil {
			return "", err
		}
		allowed := false
		for _, d := range orderbookDepths[category] {
			if d == depth {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("bybit %s orderbook depth %d not supported", category, depth)
		}
		return fmt.Sprintf("orderbook.%d.%s", depth, symbol), nil
	case models.ChannelCandle:
		interval := defaultInterval
		if _, err := sub.Param("interval", &interval); err != nil {
			return "", err
		}
		if !klineIntervals[interval] {
			return "", fmt.Errorf("bybit kline interval %q not supported", interval)
		}
		return "kline." + interval + "." + symbol, nil
	default:
		return "", fmt.Errorf("bybit has no %q channel", sub.Channel)
	}
}
