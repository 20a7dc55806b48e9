package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/copyfat/Option-Loop/internal/alerting"
	"github.com/copyfat/Option-Loop/internal/config"
	"github.com/copyfat/Option-Loop/internal/fetcher"
	"github.com/copyfat/Option-Loop/internal/option"
	"github.com/copyfat/Option-Loop/internal/pricing"
	"github.com/copyfat/Option-Loop/internal/risk"
	"github.com/copyfat/Option-Loop/internal/storage"
)

type stateKey struct {
	positionID int64
	ruleID     int64
}

// memStore is an in-memory stand-in for the postgres store. Removal cascades
// the same way the schema does.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	positions map[int64]storage.TrackedPosition
	rules     map[int64]storage.AlertRule
	states    map[stateKey]storage.AlertStateRecord
	samples   []storage.RiskSample
	events    []storage.AlertEventRecord

	failSamples    bool
	forceConflicts int
	isPaused       bool
}

func newMemStore() *memStore {
	return &memStore{
		positions: make(map[int64]storage.TrackedPosition),
		rules:     make(map[int64]storage.AlertRule),
		states:    make(map[stateKey]storage.AlertStateRecord),
	}
}

func (m *memStore) AddPosition(_ context.Context, contract option.Contract) (storage.TrackedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range m.positions {
		if pos.Contract.OCC() == contract.OCC() {
			return storage.TrackedPosition{}, storage.ErrAlreadyTracked
		}
	}
	m.nextID++
	pos := storage.TrackedPosition{ID: m.nextID, Contract: contract, CreatedAt: time.Now()}
	m.positions[pos.ID] = pos
	return pos, nil
}

func (m *memStore) RemovePosition(_ context.Context, contract option.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, pos := range m.positions {
		if pos.Contract.OCC() != contract.OCC() {
			continue
		}
		delete(m.positions, id)
		for ruleID, rule := range m.rules {
			if rule.PositionID == id {
				delete(m.rules, ruleID)
				delete(m.states, stateKey{id, ruleID})
			}
		}
		return nil
	}
	return storage.ErrPositionNotFound
}

func (m *memStore) GetPosition(_ context.Context, contract option.Contract) (storage.TrackedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range m.positions {
		if pos.Contract.OCC() == contract.OCC() {
			return pos, nil
		}
	}
	return storage.TrackedPosition{}, storage.ErrPositionNotFound
}

func (m *memStore) ListPositions(_ context.Context) ([]storage.TrackedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.TrackedPosition, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (m *memStore) AddRule(_ context.Context, rule storage.AlertRule) (storage.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rule.ID = m.nextID
	rule.CreatedAt = time.Now()
	m.rules[rule.ID] = rule
	return rule, nil
}

func (m *memStore) ListRules(_ context.Context, positionID int64) ([]storage.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.AlertRule, 0)
	for _, rule := range m.rules {
		if rule.PositionID == positionID {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (m *memStore) ListAllRules(_ context.Context) ([]storage.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.AlertRule, 0, len(m.rules))
	for _, rule := range m.rules {
		out = append(out, rule)
	}
	return out, nil
}

func (m *memStore) GetAlertState(_ context.Context, positionID, ruleID int64) (storage.AlertStateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.states[stateKey{positionID, ruleID}]; ok {
		return rec, nil
	}
	return storage.AlertStateRecord{PositionID: positionID, RuleID: ruleID, State: alerting.StateCleared}, nil
}

func (m *memStore) TransitionAlertState(_ context.Context, positionID, ruleID int64, from, to alerting.State, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forceConflicts > 0 {
		m.forceConflicts--
		return fmt.Errorf("%w: concurrent write", storage.ErrStateConflict)
	}
	key := stateKey{positionID, ruleID}
	current := alerting.StateCleared
	if rec, ok := m.states[key]; ok {
		current = rec.State
	}
	if current != from {
		return fmt.Errorf("%w: expected %s, found %s", storage.ErrStateConflict, from, current)
	}
	m.states[key] = storage.AlertStateRecord{PositionID: positionID, RuleID: ruleID, State: to, LastTransitionAt: at}
	return nil
}

func (m *memStore) InsertRiskSample(_ context.Context, sample storage.RiskSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSamples {
		return errors.New("sample store down")
	}
	m.samples = append(m.samples, sample)
	return nil
}

func (m *memStore) ListRiskSamples(_ context.Context, positionID int64, from, to time.Time) ([]storage.RiskSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.RiskSample, 0)
	for _, sample := range m.samples {
		if sample.PositionID == positionID && !sample.ObservedAt.Before(from) && sample.ObservedAt.Before(to) {
			out = append(out, sample)
		}
	}
	return out, nil
}

func (m *memStore) DeleteRiskSamplesBefore(_ context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) InsertAlertEvent(_ context.Context, event storage.AlertEventRecord) (storage.AlertEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	event.ID = m.nextID
	event.CreatedAt = time.Now()
	m.events = append(m.events, event)
	return event, nil
}

func (m *memStore) ListRecentAlertEvents(_ context.Context, limit int) ([]storage.AlertEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.AlertEventRecord, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

func (m *memStore) DeleteAlertEventsBefore(_ context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) SetPaused(_ context.Context, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isPaused = paused
	return nil
}

func (m *memStore) IsPaused(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isPaused, nil
}

func (m *memStore) sampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

func (m *memStore) state(positionID, ruleID int64) alerting.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.states[stateKey{positionID, ruleID}]; ok {
		return rec.State
	}
	return alerting.StateCleared
}

func (m *memStore) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

var (
	_ storage.PositionStore   = (*memStore)(nil)
	_ storage.AlertStateStore = (*memStore)(nil)
	_ storage.RiskSampleStore = (*memStore)(nil)
	_ storage.AlertEventStore = (*memStore)(nil)
	_ storage.ControlStore    = (*memStore)(nil)
)

// memFetcher serves canned snapshots keyed by OCC symbol.
type memFetcher struct {
	mu    sync.Mutex
	snaps map[string]option.QuoteSnapshot
	errs  map[string]error
}

func newMemFetcher() *memFetcher {
	return &memFetcher{
		snaps: make(map[string]option.QuoteSnapshot),
		errs:  make(map[string]error),
	}
}

func (f *memFetcher) set(contract option.Contract, snap option.QuoteSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.errs, contract.OCC())
	f.snaps[contract.OCC()] = snap
}

func (f *memFetcher) fail(contract option.Contract, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[contract.OCC()] = err
}

func (f *memFetcher) Fetch(_ context.Context, contract option.Contract) (option.QuoteSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[contract.OCC()]; ok {
		return option.QuoteSnapshot{}, err
	}
	if snap, ok := f.snaps[contract.OCC()]; ok {
		return snap, nil
	}
	return option.QuoteSnapshot{}, fetcher.ErrSymbolNotFound
}

var _ fetcher.QuoteFetcher = (*memFetcher)(nil)

// memNotifier records deliveries and can be told to reject them.
type memNotifier struct {
	mu      sync.Mutex
	events  []alerting.Event
	texts   []string
	failAll bool
}

func (n *memNotifier) Notify(_ context.Context, event alerting.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	if n.failAll {
		return alerting.ErrDeliveryFailed
	}
	return nil
}

func (n *memNotifier) NotifyText(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func (n *memNotifier) delivered() []alerting.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alerting.Event(nil), n.events...)
}

var _ alerting.Notifier = (*memNotifier)(nil)

type deniedLocker struct{}

func (deniedLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return nil, false, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{Interval: time.Minute, Workers: 2},
		Pricing:   config.PricingConfig{RiskFreeRate: 0.05, IVMaxIterations: 100, IVTolerance: 1e-6},
	}
}

func newTestService(store *memStore, quotes fetcher.QuoteFetcher, notifier alerting.Notifier, locker storage.AdvisoryLocker) *Service {
	cfg := testConfig()
	if locker != nil {
		cfg.Scheduler.AdvisoryLockKey = 42
	}
	calc := risk.NewCalculator(risk.Options{
		RiskFreeRate: cfg.Pricing.RiskFreeRate,
		Solver:       pricing.SolverOptions{MaxIterations: cfg.Pricing.IVMaxIterations, Tolerance: cfg.Pricing.IVTolerance},
	})
	stores := Stores{Positions: store, States: store, Samples: store, Events: store, Control: store, Locker: locker}
	return New(cfg, nil, quotes, calc, stores, notifier, zerolog.Nop())
}

var testNow = time.Date(2026, 8, 3, 15, 0, 0, 0, time.UTC)

func callContract(symbol string) option.Contract {
	return option.Contract{
		Underlying: symbol,
		Expiration: testNow.AddDate(0, 1, 0),
		Strike:     decimal.NewFromInt(100),
		Type:       pricing.Call,
	}
}

func snapshot(underlying, bid, ask float64) option.QuoteSnapshot {
	return option.QuoteSnapshot{
		UnderlyingPrice: decimal.NewFromFloat(underlying),
		Bid:             decimal.NewFromFloat(bid),
		Ask:             decimal.NewFromFloat(ask),
		Last:            decimal.NewFromFloat((bid + ask) / 2),
		ObservedAt:      testNow,
	}
}

// itmSnapshot produces a call delta well above 0.5; otmSnapshot well below.
func itmSnapshot() option.QuoteSnapshot { return snapshot(105, 6.00, 6.20) }
func otmSnapshot() option.QuoteSnapshot { return snapshot(95, 0.90, 1.10) }

func trackWithDeltaRule(t *testing.T, store *memStore, contract option.Contract) (storage.TrackedPosition, storage.AlertRule) {
	t.Helper()
	ctx := context.Background()
	pos, err := store.AddPosition(ctx, contract)
	if err != nil {
		t.Fatalf("add position: %v", err)
	}
	rule, err := store.AddRule(ctx, storage.AlertRule{
		PositionID: pos.ID,
		Metric:     risk.MetricDelta,
		Operator:   alerting.OpGT,
		Threshold:  decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("add rule: %v", err)
	}
	return pos, rule
}

func runCycles(t *testing.T, svc *Service, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := svc.ProcessCycle(context.Background(), testNow.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
}

func TestCycleNotifiesOnceWhileConditionHolds(t *testing.T) {
	store := newMemStore()
	quotes := newMemFetcher()
	notifier := &memNotifier{}

	contract := callContract("AAPL")
	pos, rule := trackWithDeltaRule(t, store, contract)
	quotes.set(contract, itmSnapshot())

	svc := newTestService(store, quotes, notifier, nil)
	runCycles(t, svc, 5)

	delivered := notifier.delivered()
	if len(delivered) != 1 {
		t.Fatalf("notifications = %d, want exactly 1 across 5 cycles", len(delivered))
	}
	if delivered[0].Transition != alerting.TransitionFired {
		t.Errorf("transition = %s, want fired", delivered[0].Transition)
	}
	if delivered[0].Metric != risk.MetricDelta {
		t.Errorf("metric = %s", delivered[0].Metric)
	}
	if got := store.state(pos.ID, rule.ID); got != alerting.StateFiring {
		t.Errorf("persisted state = %s, want firing", got)
	}
	if store.sampleCount() != 5 {
		t.Errorf("risk samples = %d, want one per cycle", store.sampleCount())
	}
}

func TestCycleNotifiesOnClearTransition(t *testing.T) {
	store := newMemStore()
	quotes := newMemFetcher()
	notifier := &memNotifier{}

	contract := callContract("AAPL")
	pos, rule := trackWithDeltaRule(t, store, contract)
	quotes.set(contract, itmSnapshot())

	svc := newTestService(store, quotes, notifier, nil)
	runCycles(t, svc, 2)

	quotes.set(contract, otmSnapshot())
	runCycles(t, svc, 3)

	delivered := notifier.delivered()
	if len(delivered) != 2 {
		t.Fatalf("notifications = %d, want fired then cleared only", len(delivered))
	}
	if delivered[0].Transition != alerting.TransitionFired || delivered[1].Transition != alerting.TransitionCleared {
		t.Errorf("transitions = %s, %s", delivered[0].Transition, delivered[1].Transition)
	}
	if got := store.state(pos.ID, rule.ID); got != alerting.StateCleared {
		t.Errorf("persisted state = %s, want cleared", got)
	}
}

func TestCycleIsolatesPositionFailures(t *testing.T) {
	store := newMemStore()
	quotes := newMemFetcher()
	notifier := &memNotifier{}

	broken := callContract("MSFT")
	healthy := callContract("AAPL")
	if _, err := store.AddPosition(context.Background(), broken); err != nil {
		t.Fatalf("add position: %v", err)
	}
	trackWithDeltaRule(t, store, healthy)

	quotes.fail(broken, fetcher.ErrUpstreamUnavailable)
	quotes.set(healthy, itmSnapshot())

	svc := newTestService(store, quotes, notifier, nil)
	runCycles(t, svc, 1)

	if got := len(notifier.delivered()); got != 1 {
		t.Fatalf("notifications = %d, want the healthy position's alert", got)
	}
	if store.sampleCount() != 1 {
		t.Errorf("risk samples = %d, want 1", store.sampleCount())
	}
}

func TestDeliveryFailureKeepsTransition(t *testing.T) {
	store := newMemStore()
	quotes := newMemFetcher()
	notifier := &memNotifier{failAll: true}

	contract := callContract("AAPL")
	pos, rule := trackWithDeltaRule(t, store, contract)
	quotes.set(contract, itmSnapshot())

	svc := newTestService(store, quotes, notifier, nil)
	runCycles(t, svc, 3)

	// The transition persisted on the first cycle; delivery failure must not
	// cause re-notification attempts on later steady-state cycles.
	if got := len(notifier.delivered()); got != 1 {
		t.Fatalf("delivery attempts = %d, want 1", got)
	}
	if got := store.state(pos.ID, rule.ID); got != alerting.StateFiring {
		t.Errorf("persisted state = %s, want firing despite failed delivery", got)
	}
	if store.eventCount() != 1 {
		t.Errorf("audit events = %d, want 1", store.eventCount())
	}
}

func TestReRegistrationStartsCleared(t *testing.T) {
	store := newMemStore()
	quotes := newMemFetcher()
	notifier := &memNotifier{}

	contract := callContract("AAPL")
	trackWithDeltaRule(t, store, contract)
	quotes.set(contract, itmSnapshot())

	svc := newTestService(store, quotes, notifier, nil)
	runCycles(t, svc, 2)

	if err := store.RemovePosition(context.Background(), contract); err != nil {
		t.Fatalf("remove position: %v", err)
	}
	trackWithDeltaRule(t, store, contract)
	runCycles(t, svc, 2)

	// Same contract, same still-true condition: the fresh registration fires
	// its own transition.
	if got := len(notifier.delivered()); got != 2 {
		t.Fatalf("notifications = %d, want 2", got)
	}
}

func TestCycleSkipsWhenLockHeldElsewhere(t *testing.T) {
	store := newMemStore()
	quotes := newMemFetcher()
	notifier := &memNotifier{}

	contract := callContract("AAPL")
	trackWithDeltaRule(t, store, contract)
	quotes.set(contract, itmSnapshot())

	svc := newTestService(store, quotes, notifier, deniedLocker{})
	runCycles(t, svc, 1)

	if store.sampleCount() != 0 || len(notifier.delivered()) != 0 {
		t.Fatal("cycle should be skipped entirely when the advisory lock is held elsewhere")
	}
}

func TestCycleSurvivesSampleStoreFailure(t *testing.T) {
	store := newMemStore()
	quotes := newMemFetcher()
	notifier := &memNotifier{}

	contract := callContract("AAPL")
	trackWithDeltaRule(t, store, contract)
	quotes.set(contract, itmSnapshot())
	store.failSamples = true

	svc := newTestService(store, quotes, notifier, nil)
	runCycles(t, svc, 1)

	// Alert evaluation still runs when the sample insert fails.
	if got := len(notifier.delivered()); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}
}

func TestStateConflictRetriesOnceAndResolves(t *testing.T) {
	store := newMemStore()
	quotes := newMemFetcher()
	notifier := &memNotifier{}

	contract := callContract("AAPL")
	pos, rule := trackWithDeltaRule(t, store, contract)
	quotes.set(contract, itmSnapshot())
	store.forceConflicts = 1

	svc := newTestService(store, quotes, notifier, nil)
	runCycles(t, svc, 1)

	// The first write conflicts; the retry re-reads the prior state and the
	// transition lands on the second attempt.
	delivered := notifier.delivered()
	if len(delivered) != 1 {
		t.Fatalf("notifications = %d, want 1 after conflict retry", len(delivered))
	}
	if delivered[0].Transition != alerting.TransitionFired {
		t.Errorf("transition = %s, want fired", delivered[0].Transition)
	}
	if got := store.state(pos.ID, rule.ID); got != alerting.StateFiring {
		t.Errorf("persisted state = %s, want firing", got)
	}
}

func TestStateConflictGivesUpAfterRetry(t *testing.T) {
	store := newMemStore()
	quotes := newMemFetcher()
	notifier := &memNotifier{}

	contract := callContract("AAPL")
	pos, rule := trackWithDeltaRule(t, store, contract)
	quotes.set(contract, itmSnapshot())
	store.forceConflicts = 2

	svc := newTestService(store, quotes, notifier, nil)
	runCycles(t, svc, 1)

	// Two consecutive conflicts exhaust the single retry: no notification,
	// no audit event, state untouched. The next cycle re-evaluates cleanly.
	if got := len(notifier.delivered()); got != 0 {
		t.Fatalf("notifications = %d, want 0", got)
	}
	if store.eventCount() != 0 {
		t.Errorf("audit events = %d, want 0", store.eventCount())
	}
	if got := store.state(pos.ID, rule.ID); got != alerting.StateCleared {
		t.Errorf("persisted state = %s, want cleared", got)
	}

	runCycles(t, svc, 1)
	if got := len(notifier.delivered()); got != 1 {
		t.Fatalf("notifications after recovery cycle = %d, want 1", got)
	}
}

func TestPausedEngineSkipsCycles(t *testing.T) {
	store := newMemStore()
	quotes := newMemFetcher()
	notifier := &memNotifier{}

	contract := callContract("AAPL")
	trackWithDeltaRule(t, store, contract)
	quotes.set(contract, itmSnapshot())

	svc := newTestService(store, quotes, notifier, nil)

	if err := store.SetPaused(context.Background(), true); err != nil {
		t.Fatalf("set paused: %v", err)
	}
	runCycles(t, svc, 3)
	if store.sampleCount() != 0 || len(notifier.delivered()) != 0 {
		t.Fatal("paused engine must not evaluate positions")
	}

	if err := store.SetPaused(context.Background(), false); err != nil {
		t.Fatalf("resume: %v", err)
	}
	runCycles(t, svc, 1)
	if store.sampleCount() != 1 {
		t.Errorf("risk samples after resume = %d, want 1", store.sampleCount())
	}
	if got := len(notifier.delivered()); got != 1 {
		t.Errorf("notifications after resume = %d, want 1", got)
	}
}

func TestRuleWithUnknownMetricIsSkipped(t *testing.T) {
	store := newMemStore()
	quotes := newMemFetcher()
	notifier := &memNotifier{}

	contract := callContract("AAPL")
	pos, err := store.AddPosition(context.Background(), contract)
	if err != nil {
		t.Fatalf("add position: %v", err)
	}
	if _, err := store.AddRule(context.Background(), storage.AlertRule{
		PositionID: pos.ID,
		Metric:     "charm",
		Operator:   alerting.OpGT,
		Threshold:  decimal.RequireFromString("0.1"),
	}); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	quotes.set(contract, itmSnapshot())

	svc := newTestService(store, quotes, notifier, nil)
	runCycles(t, svc, 1)

	if got := len(notifier.delivered()); got != 0 {
		t.Fatalf("notifications = %d, want 0 for unknown metric", got)
	}
	if store.sampleCount() != 1 {
		t.Errorf("risk samples = %d, want 1", store.sampleCount())
	}
}
