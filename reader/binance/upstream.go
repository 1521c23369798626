package binance

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"quoteflow/logger"
	"quoteflow/models"
	"quoteflow/reader/wsconn"
)

const (
	ProviderName    = "binance"
	DefaultEndpoint = "wss://stream.binance.com:9443/stream"

	defaultDepthLevels = 20
	defaultInterval    = "1m"

	// binance allows 5 incoming control messages per second per connection
	controlRate = 5
)

var depthLevels = map[int]bool{5: true, 10: true, 20: true}

// Upstream is one combined-stream connection to Binance spot.
type Upstream struct {
	provider string
	conn     *wsconn.Conn
	nextID   atomic.Uint64
	now      func() time.Time
	log      *logger.Entry
}

// Dial connects to the combined stream endpoint of cfg. Streams are added
// later through Subscribe.
func Dial(ctx context.Context, cfg models.ProviderConfig) (*Upstream, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	name := cfg.Name
	if name == "" {
		name = ProviderName
	}

	var localIP string
	if _, err := cfg.Param("local_ip", &localIP); err != nil {
		return nil, err
	}

	log := logger.GetLogger().WithComponent("binance_upstream").WithField("provider", name)
	conn, err := wsconn.Dial(ctx, endpoint, wsconn.Options{
		ReadTimeout:     2 * time.Minute,
		WritesPerSecond: controlRate,
		Burst:           controlRate,
		PingInterval:    time.Minute,
		LocalAddr:       localIP,
		Log:             log,
	})
	if err != nil {
		return nil, err
	}
	log.WithField("endpoint", endpoint).Info("binance stream connected")
	return &Upstream{provider: name, conn: conn, now: time.Now, log: log}, nil
}

type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

func (u *Upstream) Subscribe(ctx context.Context, sub models.Subscription) error {
	return u.control(ctx, "SUBSCRIBE", sub)
}

func (u *Upstream) Unsubscribe(ctx context.Context, sub models.Subscription) error {
	return u.control(ctx, "UNSUBSCRIBE", sub)
}

func (u *Upstream) control(ctx context.Context, method string, sub models.Subscription) error {
	stream, err := StreamName(sub)
	if err != nil {
		return err
	}
	frame := controlFrame{Method: method, Params: []string{stream}, ID: u.nextID.Add(1)}
	if err := u.conn.WriteJSON(ctx, frame); err != nil {
		return fmt.Errorf("%s %s: %w", strings.ToLower(method), stream, err)
	}
	u.log.WithFields(logger.Fields{"stream": stream, "id": frame.ID}).Debug(strings.ToLower(method) + " sent")
	return nil
}

func (u *Upstream) Receive(ctx context.Context) ([]models.MarketMessage, error) {
	frame, err := u.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	msgs, err := Normalize(u.provider, frame, u.now())
	if err != nil {
		// a frame we cannot parse is not a transport failure
		u.log.WithError(err).Warn("dropping unparseable binance frame")
		return nil, nil
	}
	return msgs, nil
}

func (u *Upstream) Close() error {
	return u.conn.Close()
}

// StreamName maps a subscription onto a Binance stream name.
func StreamName(sub models.Subscription) (string, error) {
	symbol := strings.ToLower(strings.TrimSpace(sub.Symbol))
	if symbol == "" {
		return "", fmt.Errorf("binance subscription without symbol")
	}

	switch sub.Channel {
	case models.ChannelTicker:
		return symbol + "@ticker", nil
	case models.ChannelTrade:
		return symbol + "@trade", nil
	case models.ChannelOrderBook:
		levels := defaultDepthLevels
		if _, err := sub.Param("levels", &levels); err != nil {
			return "", err
		}
		if !depthLevels[levels] {
			return "", fmt.Errorf("binance depth levels must be 5, 10 or 20, got %d", levels)
		}
		return fmt.Sprintf("%s@depth%d@100ms", symbol, levels), nil
	case models.ChannelCandle:
		interval := defaultInterval
		if _, err := sub.Param("interval", &interval); err != nil {
			return "", err
		}
		return symbol + "@kline_" + interval, nil
	default:
		return "", fmt.Errorf("binance has no %q channel", sub.Channel)
	}
}
