// Package wsconn wraps a gorilla websocket client connection with the write
// serialization, control-frame pacing and keepalive the provider upstreams share.
package wsconn

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"quoteflow/logger"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultHandshake    = 10 * time.Second
)

type Options struct {
	// ReadTimeout bounds the silence between two frames. Zero disables it.
	ReadTimeout time.Duration
	// WritesPerSecond paces outgoing frames; Burst defaults to 1.
	WritesPerSecond float64
	Burst           int
	// PingInterval enables the keepalive loop. PingFrame, when set, is sent
	// as a text frame instead of a websocket ping control frame.
	PingInterval time.Duration
	PingFrame    func() []byte
	Header       http.Header
	// LocalAddr binds outgoing connections to one local IP.
	LocalAddr string
	Log       *logger.Entry
}

type Conn struct {
	conn    *websocket.Conn
	opts    Options
	limiter *rate.Limiter
	log     *logger.Entry

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens url and starts the keepalive loop when configured.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultHandshake,
	}
	if opts.LocalAddr != "" {
		ip := net.ParseIP(opts.LocalAddr)
		if ip == nil {
			return nil, fmt.Errorf("invalid local address %q", opts.LocalAddr)
		}
		nd := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
		dialer.NetDialContext = nd.DialContext
	}
	ws, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	log := opts.Log
	if log == nil {
		log = logger.GetLogger().WithComponent("wsconn")
	}
	c := &Conn{
		conn:   ws,
		opts:   opts,
		log:    log.WithField("url", url),
		closed: make(chan struct{}),
	}
	if opts.WritesPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.WritesPerSecond), burst)
	}
	if opts.ReadTimeout > 0 {
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		})
	}
	if opts.PingInterval > 0 {
		go c.pingLoop(opts.PingInterval)
	}
	return c, nil
}

// WriteJSON sends v as a text frame, waiting for the write limiter first.
func (c *Conn) WriteJSON(ctx context.Context, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return c.writeText(payload)
}

func (c *Conn) writeText(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Read returns the next data frame. It unblocks with an error when the
// connection is closed.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.opts.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return msg, nil
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			var err error
			if c.opts.PingFrame != nil {
				// keepalives bypass the control-frame limiter
				err = c.writeText(c.opts.PingFrame())
			} else {
				c.writeMu.Lock()
				err = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
				c.writeMu.Unlock()
			}
			if err != nil {
				c.log.WithError(err).Warn("failed to send websocket ping")
				// the next read fails and the manager redials
				_ = c.conn.Close()
				return
			}
		}
	}
}
