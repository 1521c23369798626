// Package reader registers the provider upstream implementations.
package reader

import (
	"context"
	"sort"

	"quoteflow/internal/provider"
	"quoteflow/models"
	"quoteflow/reader/binance"
	"quoteflow/reader/bybit"
	"quoteflow/reader/okx"
)

var dialers = map[string]provider.Dialer{
	binance.ProviderName: provider.DialerFunc(func(ctx context.Context, cfg models.ProviderConfig) (provider.Upstream, error) {
		return binance.Dial(ctx, cfg)
	}),
	bybit.ProviderName: provider.DialerFunc(func(ctx context.Context, cfg models.ProviderConfig) (provider.Upstream, error) {
		return bybit.Dial(ctx, cfg)
	}),
	okx.ProviderName: provider.DialerFunc(func(ctx context.Context, cfg models.ProviderConfig) (provider.Upstream, error) {
		return okx.Dial(ctx, cfg)
	}),
}

// Dialers returns the built-in upstreams keyed by provider name. Config
// entries may alias one with the "upstream" param, e.g. a second binance
// connection named "binance_us".
func Dialers() map[string]provider.Dialer {
	out := make(map[string]provider.Dialer, len(dialers))
	for name, d := range dialers {
		out[name] = d
	}
	return out
}

// Lookup resolves the dialer for cfg: the "upstream" param when set,
// otherwise the provider name.
func Lookup(cfg models.ProviderConfig) (provider.Dialer, bool) {
	kind := cfg.Name
	var alias string
	if ok, err := cfg.Param("upstream", &alias); ok && err == nil && alias != "" {
		kind = alias
	}
	d, ok := dialers[kind]
	return d, ok
}

// Names lists the built-in upstreams.
func Names() []string {
	out := make([]string, 0, len(dialers))
	for name := range dialers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
