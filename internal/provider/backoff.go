package provider

import (
	"context"
	"time"

	"quoteflow/config"
)

const (
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 30 * time.Second
	defaultMultiplier = 2.0
)

// Backoff is a capped exponential reconnect policy. Retries are unbounded.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

func BackoffFromConfig(cfg config.ReconnectConfig) Backoff {
	return Backoff{Base: cfg.BaseDelay, Multiplier: cfg.Multiplier, Max: cfg.MaxDelay}
}

// Delay returns the wait before reconnect attempt n, counting from zero.
func (b Backoff) Delay(attempt int) time.Duration {
	base, max, mult := b.Base, b.Max, b.Multiplier
	if base <= 0 {
		base = defaultBaseDelay
	}
	if max <= 0 {
		max = defaultMaxDelay
	}
	if max < base {
		max = base
	}
	if mult < 1 {
		mult = defaultMultiplier
	}

	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= mult
		if d >= float64(max) {
			return max
		}
	}
	return time.Duration(d)
}

// waitForReconnect sleeps for delay and reports true when ctx ended first.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
