package provider

import (
	"context"
	"fmt"

	"quoteflow/internal/metrics"
	"quoteflow/logger"
	"quoteflow/models"
)

// run reads from up until ctx ends. A receive error while ctx is live counts
// as a lost connection and triggers redialing.
func (m *Manager) run(ctx context.Context, c *connection, dialer Dialer, up Upstream, done chan struct{}) {
	defer close(done)
	log := m.log.WithField("provider", c.name)

	for {
		msgs, err := up.Receive(ctx)
		if err != nil {
			_ = up.Close()
			if ctx.Err() != nil {
				return
			}
			m.connectionLost(c, err)
			log.WithError(err).Warn("provider connection lost")

			up = m.redial(ctx, c, dialer)
			if up == nil {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			// frames read after a disconnect are not routed
			_ = up.Close()
			return
		}
		if len(msgs) == 0 {
			continue
		}

		c.recordMessages(len(msgs), m.now().UnixMilli())
		metrics.ObserveReceived(c.name, len(msgs))
		for _, msg := range msgs {
			m.publisher.Route(msg)
		}
	}
}

func (m *Manager) connectionLost(c *connection, err error) {
	c.mu.Lock()
	c.state = models.StateConnectionLost
	c.upstream = nil
	c.errors++
	c.mu.Unlock()

	metrics.SetConnected(c.name, false)
	metrics.ObserveProviderError(c.name)
	m.emit(c.name, models.StateConnectionLost, err.Error())
}

// redial retries until a connection is established or ctx ends, in which
// case it returns nil. The latest stored config is used for each attempt.
func (m *Manager) redial(ctx context.Context, c *connection, dialer Dialer) Upstream {
	log := m.log.WithField("provider", c.name)

	for attempt := 0; ; attempt++ {
		delay := m.backoff.Delay(attempt)
		c.setState(models.StateReconnecting)
		m.emit(c.name, models.StateReconnecting, fmt.Sprintf("attempt %d in %s", attempt+1, delay))

		if waitForReconnect(ctx, delay) {
			return nil
		}

		cfg, ok := m.Config(c.name)
		if !ok {
			log.Warn("provider config removed while reconnecting")
			return nil
		}

		up, err := dialer.Dial(ctx, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.mu.Lock()
			c.state = models.StateConnectionLost
			c.errors++
			c.mu.Unlock()
			metrics.ObserveProviderError(c.name)
			m.emit(c.name, models.StateConnectionLost, err.Error())
			log.WithError(err).WithField("attempt", attempt+1).Warn("reconnect failed")
			continue
		}

		for _, sub := range c.subscriptions() {
			if err := up.Subscribe(ctx, sub); err != nil {
				c.recordError()
				log.WithFields(logger.Fields{"topic": sub.Topic(c.name).String()}).WithError(err).Warn("failed to restore subscription")
			}
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			_ = up.Close()
			return nil
		}
		c.upstream = up
		c.state = models.StateConnected
		c.reconnects++
		c.mu.Unlock()

		metrics.SetConnected(c.name, true)
		metrics.ObserveReconnect(c.name)
		m.emit(c.name, models.StateConnected, "reconnected")
		log.WithField("attempts", attempt+1).Info("provider reconnected")
		return up
	}
}
