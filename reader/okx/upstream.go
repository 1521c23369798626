package okx

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"quoteflow/logger"
	"quoteflow/models"
	"quoteflow/reader/wsconn"
)

const (
	ProviderName    = "okx"
	DefaultEndpoint = "wss://ws.okx.com:8443/ws/v5/public"
	userAgent       = "curl/8.5.0"
	keepAlive       = 20 * time.Second
)

// Upstream is one v5 public websocket connection to OKX.
type Upstream struct {
	provider string
	conn     *wsconn.Conn
	now      func() time.Time
	log      *logger.Entry
}

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

	header := http.Header{}
	header.Set("User-Agent", userAgent)

	log := logger.GetLogger().WithComponent("okx_upstream").WithField("provider", name)
	conn, err := wsconn.Dial(ctx, endpoint, wsconn.Options{
		ReadTimeout:     3 * keepAlive,
		WritesPerSecond: 3,
		Burst:           3,
		PingInterval:    keepAlive,
		PingFrame:       func() []byte { return []byte("ping") },
		Header:          header,
		LocalAddr:       localIP,
		Log:             log,
	})
	if err != nil {
		return nil, err
	}
	log.WithField("endpoint", endpoint).Info("okx stream connected")
	return &Upstream{provider: name, conn: conn, now: time.Now, log: log}, nil
}

type arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type request struct {
	Op   string `json:"op"`
	Args []arg  `json:"args"`
}

func (u *Upstream) Subscribe(ctx context.Context, sub models.Subscription) error {
	return u.send(ctx, "subscribe", sub)
}

func (u *Upstream) Unsubscribe(ctx context.Context, sub models.Subscription) error {
	return u.send(ctx, "unsubscribe", sub)
}

func (u *Upstream) send(ctx context.Context, op string, sub models.Subscription) error {
	a, err := ChannelArg(sub)
	if err != nil {
		return err
	}
	if err := u.conn.WriteJSON(ctx, request{Op: op, Args: []arg{a}}); err != nil {
		return fmt.Errorf("%s %s:%s: %w", op, a.Channel, a.InstID, err)
	}
	u.log.WithFields(logger.Fields{"channel": a.Channel, "inst_id": a.InstID}).Debug(op + " sent")
	return nil
}

func (u *Upstream) Receive(ctx context.Context) ([]models.MarketMessage, error) {
	frame, err := u.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	msgs, err := Normalize(u.provider, frame, u.now())
	if err != nil {
		u.log.WithError(err).Warn("dropping unparseable okx frame")
		return nil, nil
	}
	return msgs, nil
}

func (u *Upstream) Close() error {
	return u.conn.Close()
}

// ChannelArg maps a subscription onto an OKX channel argument. Symbols are
// OKX instrument ids such as BTC-USDT or BTC-USDT-SWAP.
func ChannelArg(sub models.Subscription) (arg, error) {
	inst := strings.ToUpper(strings.TrimSpace(sub.Symbol))
	if inst == "" {
		return arg{}, fmt.Errorf("okx subscription without instrument id")
	}
	switch sub.Channel {
	case models.ChannelTicker:
		return arg{Channel: "tickers", InstID: inst}, nil
	case models.ChannelTrade:
		return arg{Channel: "trades", InstID: inst}, nil
	case models.ChannelOrderBook:
		return arg{Channel: "books5", InstID: inst}, nil
	case models.ChannelCandle:
		// candles are served on the business endpoint only
		return arg{}, fmt.Errorf("okx candles are not available on the public stream")
	default:
		return arg{}, fmt.Errorf("okx has no %q channel", sub.Channel)
	}
}
