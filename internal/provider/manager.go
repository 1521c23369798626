package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"quoteflow/internal/metrics"
	"quoteflow/logger"
	"quoteflow/models"
)

// Manager owns the connections to all configured providers. Each connected
// provider runs its own receive loop that reconnects with capped exponential
// backoff until the provider is disconnected.
type Manager struct {
	mu      sync.RWMutex
	configs map[string]models.ProviderConfig
	conns   map[string]*connection
	dialers map[string]Dialer

	publisher Publisher
	backoff   Backoff
	now       func() time.Time
	log       *logger.Entry
}

func NewManager(publisher Publisher, dialers map[string]Dialer, backoff Backoff) *Manager {
	m := &Manager{
		configs:   make(map[string]models.ProviderConfig),
		conns:     make(map[string]*connection),
		dialers:   make(map[string]Dialer, len(dialers)),
		publisher: publisher,
		backoff:   backoff,
		now:       time.Now,
		log:       logger.GetLogger().WithComponent("provider_manager"),
	}
	for name, d := range dialers {
		m.dialers[name] = d
	}
	return m
}

// RegisterDialer sets the upstream implementation used for provider name.
func (m *Manager) RegisterDialer(name string, d Dialer) {
	m.mu.Lock()
	m.dialers[name] = d
	m.mu.Unlock()
}

// SetConfig stores cfg for its provider. An open connection keeps running
// with the config it was opened with until the next (re)connect.
func (m *Manager) SetConfig(cfg models.ProviderConfig) error {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	cfg.Name = name

	m.mu.Lock()
	m.configs[name] = cfg
	c, ok := m.conns[name]
	if !ok {
		c = newConnection(name)
		m.conns[name] = c
	}
	m.mu.Unlock()

	c.mu.Lock()
	transitioned := c.state == models.StateUnconfigured
	if transitioned {
		c.state = models.StateConfigured
	}
	c.mu.Unlock()

	if transitioned {
		m.emit(name, models.StateConfigured, "")
	}
	m.log.WithField("provider", name).Debug("provider config set")
	return nil
}

// RemoveConfig disconnects the provider and forgets its config.
func (m *Manager) RemoveConfig(ctx context.Context, name string) error {
	if err := m.Disconnect(ctx, name); err != nil {
		return err
	}

	m.mu.Lock()
	_, had := m.configs[name]
	delete(m.configs, name)
	c := m.conns[name]
	m.mu.Unlock()

	if had && c != nil {
		c.setState(models.StateUnconfigured)
		m.emit(name, models.StateUnconfigured, "")
	}
	return nil
}

// Config returns the stored config of provider name.
func (m *Manager) Config(name string) (models.ProviderConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[name]
	return cfg, ok
}

func (m *Manager) lookup(name string) (*connection, models.ProviderConfig, bool, Dialer) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[name]
	return m.conns[name], cfg, ok, m.dialers[name]
}

// Connect opens the upstream connection and starts the receive loop. It is a
// no-op when the provider is already connected or reconnecting.
func (m *Manager) Connect(ctx context.Context, name string) error {
	c, cfg, ok, dialer := m.lookup(name)
	if !ok || c == nil {
		return models.ConfigMissing(name)
	}

	c.op.Lock()
	defer c.op.Unlock()

	if c.getState().Active() {
		return nil
	}
	if dialer == nil {
		c.recordError()
		return models.ConnectFailed(name, errors.New("no upstream registered for provider"))
	}

	log := m.log.WithField("provider", name)
	c.setState(models.StateConnecting)
	m.emit(name, models.StateConnecting, "")

	up, err := dialer.Dial(ctx, cfg)
	if err != nil {
		c.recordError()
		c.setState(models.StateConfigured)
		metrics.ObserveProviderError(name)
		m.emit(name, models.StateDisconnected, err.Error())
		log.WithError(err).Warn("provider connect failed")
		return models.ConnectFailed(name, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.upstream = up
	c.state = models.StateConnected
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	metrics.SetConnected(name, true)
	m.emit(name, models.StateConnected, "")
	log.WithField("endpoint", cfg.Endpoint).Info("provider connected")

	go m.run(loopCtx, c, dialer, up, done)
	return nil
}

// Disconnect stops the receive loop and closes the upstream. It is a no-op
// when the provider is not connected.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	c, _, hasConfig, _ := m.lookup(name)
	if c == nil {
		return nil
	}

	c.op.Lock()
	defer c.op.Unlock()

	if !c.getState().Active() {
		return nil
	}

	c.setState(models.StateDisconnecting)
	m.emit(name, models.StateDisconnecting, "")

	// cancel under mu: redial installs its upstream under mu only while ctx is live
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	done, up := c.done, c.upstream
	c.upstream = nil
	c.mu.Unlock()

	if up != nil {
		if err := up.Close(); err != nil {
			m.log.WithField("provider", name).WithError(err).Debug("closing upstream")
		}
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			// the loop exits on its own once its blocking call returns
			m.log.WithField("provider", name).Warn("receive loop still draining after disconnect")
		}
	}

	next := models.StateConfigured
	if !hasConfig {
		next = models.StateUnconfigured
	}
	c.mu.Lock()
	c.state = next
	c.subs = make(map[models.Topic]models.Subscription)
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	metrics.SetConnected(name, false)
	m.emit(name, models.StateDisconnected, "")
	m.log.WithField("provider", name).Info("provider disconnected")
	return nil
}

// Reconnect disconnects and connects again, restoring the previous
// subscriptions on the new connection.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	c, _, ok, _ := m.lookup(name)
	if !ok || c == nil {
		return models.ConfigMissing(name)
	}

	subs := c.subscriptions()
	if err := m.Disconnect(ctx, name); err != nil {
		return err
	}
	if err := m.Connect(ctx, name); err != nil {
		return err
	}

	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()
	metrics.ObserveReconnect(name)

	for _, sub := range subs {
		if err := m.Subscribe(ctx, name, sub); err != nil {
			m.log.WithFields(logger.Fields{"provider": name, "topic": sub.Topic(name).String()}).WithError(err).Warn("failed to restore subscription")
		}
	}
	return nil
}

// Subscribe asks the provider for sub. Subscribing to an already subscribed
// topic is a no-op.
func (m *Manager) Subscribe(ctx context.Context, name string, sub models.Subscription) error {
	c, _, _, _ := m.lookup(name)
	if c == nil {
		return models.NotConnected(name)
	}
	topic := sub.Topic(name)

	up, state := c.current()
	if state != models.StateConnected || up == nil {
		return models.NotConnected(name)
	}

	c.mu.RLock()
	_, exists := c.subs[topic]
	c.mu.RUnlock()
	if exists {
		return nil
	}

	if err := up.Subscribe(ctx, sub); err != nil {
		c.recordError()
		metrics.ObserveProviderError(name)
		return models.SubscribeFailed(name, topic.String(), err)
	}

	c.mu.Lock()
	c.subs[topic] = sub
	c.mu.Unlock()

	m.log.WithFields(logger.Fields{"provider": name, "topic": topic.String()}).Info("subscribed")
	return nil
}

// Unsubscribe cancels sub. Topics that are not subscribed are a no-op.
func (m *Manager) Unsubscribe(ctx context.Context, name string, sub models.Subscription) error {
	c, _, _, _ := m.lookup(name)
	if c == nil {
		return nil
	}
	topic := sub.Topic(name)

	c.mu.RLock()
	existing, exists := c.subs[topic]
	up, state := c.upstream, c.state
	c.mu.RUnlock()
	if !exists {
		return nil
	}

	if state == models.StateConnected && up != nil {
		if err := up.Unsubscribe(ctx, existing); err != nil {
			c.recordError()
			metrics.ObserveProviderError(name)
			return models.SubscribeFailed(name, "unsubscribe "+topic.String(), err)
		}
	}

	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	m.log.WithFields(logger.Fields{"provider": name, "topic": topic.String()}).Info("unsubscribed")
	return nil
}

// Subscriptions lists the active provider subscriptions of name.
func (m *Manager) Subscriptions(name string) []models.Subscription {
	c, _, _, _ := m.lookup(name)
	if c == nil {
		return nil
	}
	return c.subscriptions()
}

// State returns the lifecycle state of provider name.
func (m *Manager) State(name string) models.ConnectionState {
	c, _, _, _ := m.lookup(name)
	if c == nil {
		return models.StateUnconfigured
	}
	return c.getState()
}

// Metrics returns a snapshot for provider name.
func (m *Manager) Metrics(name string) (models.ConnectionMetrics, bool) {
	c, _, _, _ := m.lookup(name)
	if c == nil {
		return models.ConnectionMetrics{}, false
	}
	return c.snapshot(), true
}

// AllMetrics returns a snapshot for every known provider, sorted by name.
func (m *Manager) AllMetrics() []models.ConnectionMetrics {
	m.mu.RLock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	out := make([]models.ConnectionMetrics, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Close disconnects every provider.
func (m *Manager) Close(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_ = m.Disconnect(ctx, name)
		}(name)
	}
	wg.Wait()
}

func (m *Manager) emit(name string, state models.ConnectionState, detail string) {
	if m.publisher == nil {
		return
	}
	m.publisher.Route(models.Status{
		Provider:  name,
		State:     state,
		Detail:    detail,
		Timestamp: m.now().UnixMilli(),
	})
}
