// Package sink delivers routed market messages to external systems.
package sink

import (
	"context"
	"fmt"
	"strings"

	"quoteflow/config"
	"quoteflow/internal/router"
	"quoteflow/models"
)

// Closer is a router sink that owns a client connection.
type Closer interface {
	router.Sink
	Close() error
}

// New builds the sink selected by cfg. It returns nil for kind none.
func New(ctx context.Context, cfg config.SinkConfig) (Closer, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", config.SinkNone:
		return nil, nil
	case config.SinkKafka:
		k, err := NewKafka(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		return k, nil
	case config.SinkRedis:
		r, err := NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.SinkS3:
		a, err := NewArchive(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}

// Categories parses the configured category names. Empty means all.
func Categories(names []string) ([]models.Category, error) {
	var out []models.Category
	for _, name := range names {
		c, ok := models.CategoryFromEvent("ws_" + strings.ToLower(strings.TrimSpace(name)))
		if !ok {
			return nil, fmt.Errorf("unknown sink category %q", name)
		}
		out = append(out, c)
	}
	return out, nil
}

func messageKey(msg models.MarketMessage) string {
	if symbol := models.SymbolOf(msg); symbol != "" {
		return msg.Source() + "." + symbol
	}
	return msg.Source()
}
