// Package monitor evaluates stored threshold conditions against the ticker
// stream and persists an alert each time a condition becomes satisfied.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"quoteflow/internal/metrics"
	"quoteflow/logger"
	"quoteflow/models"
)

// ConditionStore is the persistence the service reads conditions from and
// writes alerts to.
type ConditionStore interface {
	EnabledConditions(ctx context.Context) ([]models.ConditionRecord, error)
	SaveAlert(ctx context.Context, alert models.MonitorAlert) (int64, error)
}

// TickerSource is one ticker subscription of the router.
type TickerSource interface {
	Recv(ctx context.Context) (models.Ticker, error)
}

type target struct {
	provider string
	symbol   string
}

// workingSet is immutable once published.
type workingSet map[target][]models.MonitorCondition

type Service struct {
	store ConditionStore
	set   atomic.Pointer[workingSet]

	// reloadMu orders reloads so an older store read never replaces a newer one.
	reloadMu sync.Mutex

	mu         sync.Mutex
	satisfied  map[int64]bool
	pendingErr error
	lastErr    error

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
	log *logger.Entry
}

func NewService(store ConditionStore) *Service {
	s := &Service{
		store:     store,
		satisfied: make(map[int64]bool),
		now:       time.Now,
		log:       logger.GetLogger().WithComponent("monitor"),
	}
	empty := workingSet{}
	s.set.Store(&empty)
	return s
}

// LoadConditions replaces the working set with the enabled conditions in the
// store. Rows that do not parse are skipped. A pending alert persistence
// failure is returned once, after the reload has been applied.
func (s *Service) LoadConditions(ctx context.Context) (int, error) {
	n, err := s.Reload(ctx)
	if err != nil {
		return n, err
	}
	return n, s.TakeAlertError()
}

// Reload is LoadConditions without reporting pending alert failures.
func (s *Service) Reload(ctx context.Context) (int, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	records, err := s.store.EnabledConditions(ctx)
	if err != nil {
		return 0, err
	}

	next := make(workingSet)
	ids := make(map[int64]struct{}, len(records))
	loaded := 0
	for _, rec := range records {
		cond, err := rec.Condition()
		if err != nil {
			s.log.WithField("condition_id", rec.ID).WithError(err).Warn("skipping invalid condition")
			continue
		}
		if !cond.Enabled {
			continue
		}
		key := target{provider: cond.Provider, symbol: cond.Symbol}
		next[key] = append(next[key], cond)
		ids[cond.ID] = struct{}{}
		loaded++
	}
	// published under mu so Evaluate never records state for a pruned id
	s.mu.Lock()
	s.set.Store(&next)
	for id := range s.satisfied {
		if _, ok := ids[id]; !ok {
			delete(s.satisfied, id)
		}
	}
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{"conditions": loaded, "targets": len(next)}).Info("conditions loaded")
	return loaded, nil
}

// Conditions returns the current working set ordered by id.
func (s *Service) Conditions() []models.MonitorCondition {
	set := *s.set.Load()
	var out []models.MonitorCondition
	for _, conds := range set {
		out = append(out, conds...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start runs the evaluation loop on src until ctx ends, Stop is called or
// the source closes. A source with a Close method is closed when the loop
// exits.
func (s *Service) Start(ctx context.Context, src TickerSource) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("monitor already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go s.run(loopCtx, src, done)
	s.log.Info("monitoring started")
	return nil
}

// Stop cancels the evaluation loop and waits for it to exit.
func (s *Service) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("monitoring stopped")
}

func (s *Service) run(ctx context.Context, src TickerSource, done chan struct{}) {
	defer close(done)
	if c, ok := src.(interface{ Close() }); ok {
		defer c.Close()
	}
	for {
		t, err := src.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				s.log.WithError(err).Warn("ticker stream ended")
			}
			return
		}
		s.Evaluate(ctx, t)
	}
}

// Evaluate checks t against the conditions of its provider and symbol and
// persists an alert for every condition that turned satisfied. It returns
// the alerts that were stored.
func (s *Service) Evaluate(ctx context.Context, t models.Ticker) []models.MonitorAlert {
	key := target{provider: t.Provider, symbol: t.Symbol}
	if len((*s.set.Load())[key]) == 0 {
		return nil
	}

	var fired []models.MonitorAlert
	s.mu.Lock()
	for _, c := range (*s.set.Load())[key] {
		x, ok := c.Field.Extract(t)
		if !ok {
			continue
		}
		match := c.Matches(x)
		was := s.satisfied[c.ID]
		s.satisfied[c.ID] = match
		if match && !was {
			fired = append(fired, models.MonitorAlert{
				ConditionID:    c.ID,
				Provider:       c.Provider,
				Symbol:         c.Symbol,
				Field:          c.Field,
				TriggeredValue: x,
				TriggeredAt:    s.now().Unix(),
			})
		}
	}
	s.mu.Unlock()

	stored := fired[:0]
	for _, a := range fired {
		id, err := s.store.SaveAlert(ctx, a)
		if err != nil {
			s.recordAlertError(a, err)
			continue
		}
		a.ID = id
		stored = append(stored, a)

		metrics.ObserveAlert(a.Provider)
		metrics.EmitMetric(logger.GetLogger(), "monitor", "alert_triggered", a.TriggeredValue, "gauge", logger.Fields{
			"condition_id": a.ConditionID,
			"provider":     a.Provider,
			"symbol":       a.Symbol,
			"field":        a.Field.String(),
		})
		s.log.WithFields(logger.Fields{
			"alert_id":     id,
			"condition_id": a.ConditionID,
			"symbol":       a.Symbol,
			"value":        a.TriggeredValue,
		}).Info("alert triggered")
	}
	return stored
}

func (s *Service) recordAlertError(a models.MonitorAlert, err error) {
	if !errors.Is(err, models.ErrStoreUnavailable) {
		err = models.StoreUnavailable(fmt.Sprintf("save alert for condition %d", a.ConditionID), err)
	}
	s.mu.Lock()
	s.pendingErr = err
	s.lastErr = err
	s.mu.Unlock()

	metrics.ObserveAlertError()
	s.log.WithField("condition_id", a.ConditionID).WithError(err).Error("failed to persist alert")
}

// TakeAlertError returns the latest alert persistence failure not yet
// reported and clears it.
func (s *Service) TakeAlertError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.pendingErr
	s.pendingErr = nil
	return err
}

// LastError returns the most recent alert persistence failure, reported or not.
func (s *Service) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
