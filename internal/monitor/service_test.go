package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quoteflow/internal/channel"
	"quoteflow/models"
)

type fakeStore struct {
	mu      sync.Mutex
	records []models.ConditionRecord
	alerts  []models.MonitorAlert
	loadErr error
	saveErr error
}

func (f *fakeStore) EnabledConditions(context.Context) ([]models.ConditionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return append([]models.ConditionRecord(nil), f.records...), nil
}

func (f *fakeStore) SaveAlert(_ context.Context, a models.MonitorAlert) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return 0, f.saveErr
	}
	f.alerts = append(f.alerts, a)
	return int64(len(f.alerts)), nil
}

func (f *fakeStore) set(conds ...models.MonitorCondition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = f.records[:0]
	for _, c := range conds {
		f.records = append(f.records, c.Record())
	}
}

func (f *fakeStore) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func newTestService(t *testing.T, store *fakeStore) *Service {
	t.Helper()
	s := NewService(store)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	if _, err := s.LoadConditions(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return s
}

func tick(price float64) models.Ticker {
	return models.Ticker{Provider: "acme", Symbol: "BTCUSD", Price: price}
}

func TestPriceAboveFiresOnlyOnTransition(t *testing.T) {
	store := &fakeStore{}
	store.set(models.MonitorCondition{ID: 1, Provider: "acme", Symbol: "BTCUSD", Field: models.FieldPrice,
		Operator: models.OpGT, Value: 50000, Enabled: true})
	s := newTestService(t, store)
	ctx := context.Background()

	got := s.Evaluate(ctx, tick(50001))
	if len(got) != 1 || got[0].TriggeredValue != 50001 || got[0].ConditionID != 1 {
		t.Fatalf("expected one alert at 50001, got %+v", got)
	}
	if got[0].TriggeredAt != 1700000000 || got[0].Field != models.FieldPrice {
		t.Fatalf("unexpected alert fields: %+v", got[0])
	}

	if got := s.Evaluate(ctx, tick(50002)); len(got) != 0 {
		t.Fatalf("still satisfied must not fire again, got %+v", got)
	}
	if got := s.Evaluate(ctx, tick(49000)); len(got) != 0 {
		t.Fatalf("falling below must not fire, got %+v", got)
	}
	if got := s.Evaluate(ctx, tick(50500)); len(got) != 1 {
		t.Fatalf("expected re-armed alert, got %+v", got)
	}
	if store.alertCount() != 2 {
		t.Fatalf("expected 2 stored alerts, got %d", store.alertCount())
	}
}

func TestBetweenIncludesBoundaries(t *testing.T) {
	store := &fakeStore{}
	store.set(models.MonitorCondition{ID: 7, Provider: "acme", Symbol: "BTCUSD", Field: models.FieldPrice,
		Operator: models.OpBetween, Value: 100, Value2: models.Float(200), Enabled: true})
	s := newTestService(t, store)
	ctx := context.Background()

	steps := []struct {
		price float64
		fires bool
	}{
		{99, false},
		{100, true},
		{200, false},
		{201, false},
		{200, true},
	}
	for _, step := range steps {
		got := s.Evaluate(ctx, tick(step.price))
		if (len(got) == 1) != step.fires {
			t.Fatalf("price %v: fired=%v, want %v", step.price, len(got) == 1, step.fires)
		}
	}
}

func TestSpreadWithoutQuotesLeavesStateUnchanged(t *testing.T) {
	store := &fakeStore{}
	store.set(models.MonitorCondition{ID: 3, Provider: "acme", Symbol: "BTCUSD", Field: models.FieldSpread,
		Operator: models.OpGTE, Value: 5, Enabled: true})
	s := newTestService(t, store)
	ctx := context.Background()

	wide := models.Ticker{Provider: "acme", Symbol: "BTCUSD", Price: 100, Bid: models.Float(90), Ask: models.Float(100)}
	if got := s.Evaluate(ctx, wide); len(got) != 1 {
		t.Fatalf("expected alert on wide spread, got %+v", got)
	}
	// a tick without a bid neither fires nor re-arms
	if got := s.Evaluate(ctx, models.Ticker{Provider: "acme", Symbol: "BTCUSD", Price: 100, Ask: models.Float(100)}); len(got) != 0 {
		t.Fatalf("missing bid must be skipped, got %+v", got)
	}
	if got := s.Evaluate(ctx, wide); len(got) != 0 {
		t.Fatalf("state must survive the skipped tick, got %+v", got)
	}
}

func TestOtherTargetsAreIgnored(t *testing.T) {
	store := &fakeStore{}
	store.set(models.MonitorCondition{ID: 1, Provider: "acme", Symbol: "BTCUSD", Field: models.FieldPrice,
		Operator: models.OpGT, Value: 1, Enabled: true})
	s := newTestService(t, store)

	if got := s.Evaluate(context.Background(), models.Ticker{Provider: "other", Symbol: "BTCUSD", Price: 10}); len(got) != 0 {
		t.Fatalf("other provider must not match, got %+v", got)
	}
	if got := s.Evaluate(context.Background(), models.Ticker{Provider: "acme", Symbol: "ETHUSD", Price: 10}); len(got) != 0 {
		t.Fatalf("other symbol must not match, got %+v", got)
	}
}

func TestLoadSkipsMalformedRows(t *testing.T) {
	store := &fakeStore{records: []models.ConditionRecord{
		{ID: 1, Provider: "acme", Symbol: "BTCUSD", Field: "price", Operator: "gt", Value: 1, Enabled: true},
		{ID: 2, Provider: "acme", Symbol: "BTCUSD", Field: "open_interest", Operator: "gt", Value: 1, Enabled: true},
		{ID: 3, Provider: "acme", Symbol: "BTCUSD", Field: "price", Operator: "approx", Value: 1, Enabled: true},
	}}
	s := NewService(store)

	n, err := s.LoadConditions(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 loaded condition, got %d", n)
	}
	if conds := s.Conditions(); len(conds) != 1 || conds[0].ID != 1 {
		t.Fatalf("unexpected working set: %+v", conds)
	}
}

func TestLoadFailureKeepsWorkingSet(t *testing.T) {
	store := &fakeStore{}
	store.set(models.MonitorCondition{ID: 1, Provider: "acme", Symbol: "BTCUSD", Field: models.FieldPrice,
		Operator: models.OpGT, Value: 1, Enabled: true})
	s := newTestService(t, store)

	store.loadErr = models.StoreUnavailable("list conditions", errors.New("disk gone"))
	if _, err := s.LoadConditions(context.Background()); !errors.Is(err, models.ErrStoreUnavailable) {
		t.Fatalf("expected StoreUnavailable, got %v", err)
	}
	if len(s.Conditions()) != 1 {
		t.Fatal("failed reload must keep the previous working set")
	}
}

func TestReloadDropsStateOfRemovedConditions(t *testing.T) {
	cond := models.MonitorCondition{ID: 1, Provider: "acme", Symbol: "BTCUSD", Field: models.FieldPrice,
		Operator: models.OpGT, Value: 10, Enabled: true}
	store := &fakeStore{}
	store.set(cond)
	s := newTestService(t, store)
	ctx := context.Background()

	if got := s.Evaluate(ctx, tick(20)); len(got) != 1 {
		t.Fatalf("expected first alert, got %+v", got)
	}

	store.set()
	if _, err := s.LoadConditions(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	store.set(cond)
	if _, err := s.LoadConditions(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := s.Evaluate(ctx, tick(20)); len(got) != 1 {
		t.Fatalf("re-added condition starts unsatisfied, got %+v", got)
	}
}

func TestAlertStoreFailureIsReportedOnce(t *testing.T) {
	store := &fakeStore{}
	store.set(models.MonitorCondition{ID: 1, Provider: "acme", Symbol: "BTCUSD", Field: models.FieldPrice,
		Operator: models.OpGT, Value: 10, Enabled: true})
	s := newTestService(t, store)
	ctx := context.Background()

	store.saveErr = errors.New("database is locked")
	if got := s.Evaluate(ctx, tick(20)); len(got) != 0 {
		t.Fatalf("failed save must not be returned as stored, got %+v", got)
	}
	if !errors.Is(s.LastError(), models.ErrStoreUnavailable) {
		t.Fatalf("expected LastError to be StoreUnavailable, got %v", s.LastError())
	}

	if _, err := s.LoadConditions(ctx); !errors.Is(err, models.ErrStoreUnavailable) {
		t.Fatalf("expected pending failure from load, got %v", err)
	}
	if _, err := s.LoadConditions(ctx); err != nil {
		t.Fatalf("pending failure must be cleared after reporting, got %v", err)
	}
	if s.LastError() == nil {
		t.Fatal("LastError keeps the most recent failure")
	}
}

func TestLoopEvaluatesStream(t *testing.T) {
	store := &fakeStore{}
	store.set(models.MonitorCondition{ID: 1, Provider: "acme", Symbol: "BTCUSD", Field: models.FieldPrice,
		Operator: models.OpLT, Value: 10, Enabled: true})
	s := newTestService(t, store)

	stream := channel.NewStream[models.Ticker](16, nil)
	if err := s.Start(context.Background(), stream.Subscribe()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background(), stream.Subscribe()); err == nil {
		t.Fatal("second start must fail")
	}

	stream.Publish(tick(5))
	deadline := time.Now().Add(2 * time.Second)
	for store.alertCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.alertCount() != 1 {
		t.Fatalf("expected one alert from the loop, got %d", store.alertCount())
	}
	s.Stop()
	s.Stop()
}

func TestConcurrentReloadAndEvaluate(t *testing.T) {
	store := &fakeStore{}
	conds := []models.MonitorCondition{
		{ID: 1, Provider: "acme", Symbol: "BTCUSD", Field: models.FieldPrice, Operator: models.OpGT, Value: 10, Enabled: true},
		{ID: 2, Provider: "acme", Symbol: "BTCUSD", Field: models.FieldPrice, Operator: models.OpLT, Value: 5, Enabled: true},
	}
	store.set(conds...)
	s := newTestService(t, store)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.Evaluate(ctx, tick(float64(i%20)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if i%2 == 0 {
				store.set(conds[0])
			} else {
				store.set(conds...)
			}
			if _, err := s.LoadConditions(ctx); err != nil {
				t.Errorf("reload: %v", err)
			}
		}
	}()
	wg.Wait()

	for _, c := range s.Conditions() {
		if c.ID != 1 && c.ID != 2 {
			t.Fatalf("unexpected condition in working set: %+v", c)
		}
	}
}

// gatedStore holds the first EnabledConditions call after it has read the
// rows until gate is closed.
type gatedStore struct {
	*fakeStore
	calls   atomic.Int32
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedStore) EnabledConditions(ctx context.Context) ([]models.ConditionRecord, error) {
	records, err := g.fakeStore.EnabledConditions(ctx)
	if g.calls.Add(1) == 1 {
		close(g.entered)
		<-g.gate
	}
	return records, err
}

func TestStaleReloadDoesNotOverwriteNewer(t *testing.T) {
	store := &gatedStore{fakeStore: &fakeStore{}, entered: make(chan struct{}), gate: make(chan struct{})}
	s := NewService(store)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := s.Reload(ctx)
		first <- err
	}()
	<-store.entered

	// the condition is inserted after the first reload read the store
	store.set(models.MonitorCondition{ID: 1, Provider: "acme", Symbol: "BTCUSD", Field: models.FieldPrice,
		Operator: models.OpGT, Value: 1, Enabled: true})
	second := make(chan error, 1)
	go func() {
		_, err := s.Reload(ctx)
		second <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	for _, ch := range []chan error{first, second} {
		if err := <-ch; err != nil {
			t.Fatalf("reload: %v", err)
		}
	}
	if conds := s.Conditions(); len(conds) != 1 || conds[0].ID != 1 {
		t.Fatalf("working set must hold the newest store state, got %+v", conds)
	}
}

func TestEvaluateAfterRemovalKeepsNoState(t *testing.T) {
	cond := models.MonitorCondition{ID: 4, Provider: "acme", Symbol: "BTCUSD", Field: models.FieldPrice,
		Operator: models.OpGT, Value: 10, Enabled: true}
	store := &fakeStore{}
	store.set(cond)
	s := newTestService(t, store)
	ctx := context.Background()

	s.Evaluate(ctx, tick(20))
	store.set()
	if _, err := s.LoadConditions(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	s.Evaluate(ctx, tick(30))

	s.mu.Lock()
	n := len(s.satisfied)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no state for removed conditions, got %d entries", n)
	}
}

func TestStopClosesTickerSource(t *testing.T) {
	s := newTestService(t, &fakeStore{})
	stream := channel.NewStream[models.Ticker](4, nil)
	if err := s.Start(context.Background(), stream.Subscribe()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := stream.Stats().Subscribers; got != 1 {
		t.Fatalf("expected one subscriber, got %d", got)
	}
	s.Stop()
	if got := stream.Stats().Subscribers; got != 0 {
		t.Fatalf("stopped monitor must release its subscription, got %d", got)
	}
}
