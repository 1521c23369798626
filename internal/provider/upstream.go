package provider

import (
	"context"

	"quoteflow/models"
)

// Upstream is one open connection to a provider's streaming API.
// Subscribe and Unsubscribe may be called while Receive is blocked.
type Upstream interface {
	Subscribe(ctx context.Context, sub models.Subscription) error
	Unsubscribe(ctx context.Context, sub models.Subscription) error
	// Receive blocks until the next frame and returns the messages it
	// normalized to, possibly none. Any error means the connection is gone.
	Receive(ctx context.Context) ([]models.MarketMessage, error)
	Close() error
}

// Dialer opens upstream connections for one provider implementation.
type Dialer interface {
	Dial(ctx context.Context, cfg models.ProviderConfig) (Upstream, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cfg models.ProviderConfig) (Upstream, error)

func (f DialerFunc) Dial(ctx context.Context, cfg models.ProviderConfig) (Upstream, error) {
	return f(ctx, cfg)
}

// Publisher receives the normalized messages and status transitions.
type Publisher interface {
	Route(msg models.MarketMessage)
}
