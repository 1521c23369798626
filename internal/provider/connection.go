package provider

import (
	"context"
	"sort"
	"sync"

	"quoteflow/models"
)

// connection is the state of one provider. op serializes lifecycle calls
// (connect, disconnect, reconnect); mu guards everything else.
type connection struct {
	name string
	op   sync.Mutex

	mu            sync.RWMutex
	state         models.ConnectionState
	upstream      Upstream
	subs          map[models.Topic]models.Subscription
	received      uint64
	lastMessageAt int64
	reconnects    uint64
	errors        uint64
	cancel        context.CancelFunc
	done          chan struct{}
}

func newConnection(name string) *connection {
	return &connection{
		name:  name,
		state: models.StateUnconfigured,
		subs:  make(map[models.Topic]models.Subscription),
	}
}

func (c *connection) getState() models.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *connection) setState(s models.ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *connection) current() (Upstream, models.ConnectionState) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.upstream, c.state
}

func (c *connection) recordError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *connection) recordMessages(n int, atMillis int64) {
	c.mu.Lock()
	c.received += uint64(n)
	c.lastMessageAt = atMillis
	c.mu.Unlock()
}

func (c *connection) subscriptions() []models.Subscription {
	c.mu.RLock()
	out := make([]models.Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func (c *connection) snapshot() models.ConnectionMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := models.ConnectionMetrics{
		Provider:         c.name,
		State:            c.state,
		Connected:        c.state == models.StateConnected,
		SubscribedTopics: len(c.subs),
		MessagesReceived: c.received,
		ReconnectCount:   c.reconnects,
		ErrorCount:       c.errors,
	}
	if c.lastMessageAt != 0 {
		at := c.lastMessageAt
		m.LastMessageAt = &at
	}
	return m
}
