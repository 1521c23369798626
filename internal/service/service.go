// Package service is the public surface of the streaming core. It couples the
// provider manager, the router's topic registry, the monitoring service and
// the persistent store.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"quoteflow/config"
	"quoteflow/internal/monitor"
	"quoteflow/internal/provider"
	"quoteflow/internal/router"
	"quoteflow/logger"
	"quoteflow/models"
)

// Store is the persistence used by the service.
type Store interface {
	SaveProviderConfig(ctx context.Context, cfg models.ProviderConfig) error
	GetProviderConfig(ctx context.Context, name string) (models.ProviderConfig, bool, error)
	ListProviderConfigs(ctx context.Context) ([]models.ProviderConfig, error)
	DeleteProviderConfig(ctx context.Context, name string) (bool, error)
	SetProviderEnabled(ctx context.Context, name string, enabled bool) (bool, error)

	AddCondition(ctx context.Context, c models.MonitorCondition) (int64, error)
	ListConditions(ctx context.Context) ([]models.ConditionRecord, error)
	DeleteCondition(ctx context.Context, id int64) (bool, error)
	ListAlerts(ctx context.Context, limit int) ([]models.MonitorAlert, error)
}

// DialerLookup resolves the upstream implementation of a provider config.
type DialerLookup func(cfg models.ProviderConfig) (provider.Dialer, bool)

type Service struct {
	store   Store
	router  *router.Router
	manager *provider.Manager
	monitor *monitor.Service
	lookup  DialerLookup

	// subMu keeps the frontend refcount and the upstream subscription in step.
	subMu sync.Mutex
	log   *logger.Entry
}

func New(store Store, r *router.Router, m *provider.Manager, mon *monitor.Service, lookup DialerLookup) *Service {
	return &Service{
		store:   store,
		router:  r,
		manager: m,
		monitor: mon,
		lookup:  lookup,
		log:     logger.GetLogger().WithComponent("service"),
	}
}

// SetConfig persists cfg and installs it into the manager. A connected
// provider keeps its connection until the next reconnect.
func (s *Service) SetConfig(ctx context.Context, cfg models.ProviderConfig) error {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if err := s.store.SaveProviderConfig(ctx, cfg); err != nil {
		return err
	}
	return s.install(cfg)
}

func (s *Service) install(cfg models.ProviderConfig) error {
	if s.lookup != nil {
		if d, ok := s.lookup(cfg); ok {
			s.manager.RegisterDialer(cfg.Name, d)
		} else {
			s.log.WithField("provider", cfg.Name).Warn("no upstream implementation for provider")
		}
	}
	return s.manager.SetConfig(cfg)
}

// Connect opens the provider connection. A config that is only in the store
// is installed first.
func (s *Service) Connect(ctx context.Context, name string) error {
	if _, ok := s.manager.Config(name); !ok {
		cfg, found, err := s.store.GetProviderConfig(ctx, name)
		if err != nil {
			s.log.WithField("provider", name).WithError(err).Warn("provider config lookup failed")
		}
		if found {
			if err := s.install(cfg); err != nil {
				return err
			}
		}
	}
	return s.manager.Connect(ctx, name)
}

func (s *Service) Disconnect(ctx context.Context, name string) error {
	return s.manager.Disconnect(ctx, name)
}

func (s *Service) Reconnect(ctx context.Context, name string) error {
	return s.manager.Reconnect(ctx, name)
}

// Subscribe registers interest in the topic and asks the provider for it.
// The interest is rolled back when the provider call fails.
func (s *Service) Subscribe(ctx context.Context, name string, sub models.Subscription) error {
	if sub.Symbol == "" || sub.Channel == "" {
		return models.SubscribeFailed(name, "symbol and channel are required", nil)
	}
	topic := sub.Topic(name)

	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.router.SubscribeFrontend(topic)
	if err := s.manager.Subscribe(ctx, name, sub); err != nil {
		s.router.UnsubscribeFrontend(topic)
		return err
	}
	return nil
}

// Unsubscribe drops one unit of interest in the topic. The provider is only
// asked to stop once nobody is interested. Unknown topics are a no-op.
func (s *Service) Unsubscribe(ctx context.Context, name string, sub models.Subscription) error {
	topic := sub.Topic(name)

	s.subMu.Lock()
	defer s.subMu.Unlock()

	remaining, removed := s.router.UnsubscribeFrontend(topic)
	if !removed || remaining > 0 {
		return nil
	}
	return s.manager.Unsubscribe(ctx, name, sub)
}

// Metrics returns the connection snapshot of name.
func (s *Service) Metrics(name string) (models.ConnectionMetrics, error) {
	m, ok := s.manager.Metrics(name)
	if !ok {
		return models.ConnectionMetrics{}, models.ConfigMissing(name)
	}
	return m, nil
}

func (s *Service) AllMetrics() []models.ConnectionMetrics {
	return s.manager.AllMetrics()
}

// AddCondition validates and stores c, then reloads the working set.
func (s *Service) AddCondition(ctx context.Context, c models.MonitorCondition) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	id, err := s.store.AddCondition(ctx, c)
	if err != nil {
		return 0, err
	}
	if _, err := s.monitor.Reload(ctx); err != nil {
		return id, fmt.Errorf("condition %d stored but not loaded: %w", id, err)
	}
	return id, nil
}

// ListConditions returns every stored condition, newest first. Rows that do
// not parse are left out.
func (s *Service) ListConditions(ctx context.Context) ([]models.MonitorCondition, error) {
	records, err := s.store.ListConditions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.MonitorCondition, 0, len(records))
	for _, rec := range records {
		c, err := rec.Condition()
		if err != nil {
			s.log.WithField("condition_id", rec.ID).WithError(err).Warn("skipping invalid condition")
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteCondition removes the condition and reloads the working set. It
// reports whether the condition existed.
func (s *Service) DeleteCondition(ctx context.Context, id int64) (bool, error) {
	found, err := s.store.DeleteCondition(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if _, err := s.monitor.Reload(ctx); err != nil {
		return true, fmt.Errorf("condition %d deleted but working set not reloaded: %w", id, err)
	}
	return true, nil
}

// ListAlerts returns the newest alerts. A pending alert persistence failure
// is returned instead, once.
func (s *Service) ListAlerts(ctx context.Context, limit int) ([]models.MonitorAlert, error) {
	if err := s.monitor.TakeAlertError(); err != nil {
		return nil, err
	}
	return s.store.ListAlerts(ctx, limit)
}

func (s *Service) LoadConditions(ctx context.Context) (int, error) {
	return s.monitor.LoadConditions(ctx)
}

// ListProviderConfigs returns the stored provider configs.
func (s *Service) ListProviderConfigs(ctx context.Context) ([]models.ProviderConfig, error) {
	return s.store.ListProviderConfigs(ctx)
}

// ToggleProvider enables or disables a stored provider. Disabling closes an
// open connection. It reports whether the provider exists.
func (s *Service) ToggleProvider(ctx context.Context, name string, enabled bool) (bool, error) {
	found, err := s.store.SetProviderEnabled(ctx, name, enabled)
	if err != nil || !found {
		return found, err
	}
	if cfg, ok := s.manager.Config(name); ok {
		cfg.Enabled = enabled
		if err := s.manager.SetConfig(cfg); err != nil {
			return true, err
		}
	}
	if !enabled {
		return true, s.manager.Disconnect(ctx, name)
	}
	return true, nil
}

// DeleteProviderConfig disconnects the provider and removes its config.
func (s *Service) DeleteProviderConfig(ctx context.Context, name string) (bool, error) {
	if err := s.manager.RemoveConfig(ctx, name); err != nil {
		return false, err
	}
	return s.store.DeleteProviderConfig(ctx, name)
}

// Bootstrap writes the declared providers to the store, installs every
// stored config and connects the enabled ones. Declared subscriptions are
// requested once their provider is connected. Failures of single providers
// are logged and do not stop the others.
func (s *Service) Bootstrap(ctx context.Context, declared []config.ProviderConfig) error {
	start := time.Now()
	defer func() {
		logger.LogPerformanceEntry(s.log, "service", "bootstrap", time.Since(start), logger.Fields{"declared": len(declared)})
	}()

	subs := make(map[string][]models.Subscription, len(declared))
	for _, p := range declared {
		params, err := p.ParamsJSON()
		if err != nil {
			return err
		}
		cfg := models.ProviderConfig{
			Name:      p.Name,
			Endpoint:  p.Endpoint,
			APIKey:    p.APIKey,
			APISecret: p.APISecret,
			Enabled:   p.Enabled,
			Params:    params,
		}
		if err := s.store.SaveProviderConfig(ctx, cfg); err != nil {
			return err
		}
		for _, sc := range p.Subscriptions {
			subs[p.Name] = append(subs[p.Name], models.Subscription{Symbol: sc.Symbol, Channel: sc.Channel})
		}
	}

	stored, err := s.store.ListProviderConfigs(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, cfg := range stored {
		log := s.log.WithField("provider", cfg.Name)
		if err := s.install(cfg); err != nil {
			errs = append(errs, err)
			continue
		}
		if !cfg.Enabled {
			log.Info("provider disabled, not connecting")
			continue
		}
		if err := s.manager.Connect(ctx, cfg.Name); err != nil {
			log.WithError(err).Warn("provider connect failed")
			errs = append(errs, err)
			continue
		}
		for _, sub := range subs[cfg.Name] {
			if err := s.Subscribe(ctx, cfg.Name, sub); err != nil {
				log.WithError(err).WithField("topic", sub.Topic(cfg.Name).String()).Warn("declared subscription failed")
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
