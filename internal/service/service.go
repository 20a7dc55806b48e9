package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/copyfat/Option-Loop/internal/alerting"
	"github.com/copyfat/Option-Loop/internal/config"
	"github.com/copyfat/Option-Loop/internal/fetcher"
	"github.com/copyfat/Option-Loop/internal/pricing"
	"github.com/copyfat/Option-Loop/internal/risk"
	"github.com/copyfat/Option-Loop/internal/scheduler"
	"github.com/copyfat/Option-Loop/internal/storage"
)

// storeFailureAlarmAfter is the number of consecutive cycles with store
// connectivity errors before the operator-visible alarm log fires.
const storeFailureAlarmAfter = 3

// Service orchestrates the fetch-calculate-evaluate-persist-notify cycle.
type Service struct {
	scheduler  *scheduler.Scheduler
	quotes     fetcher.QuoteFetcher
	calculator *risk.Calculator
	positions  storage.PositionStore
	states     storage.AlertStateStore
	samples    storage.RiskSampleStore
	events     storage.AlertEventStore
	control    storage.ControlStore
	notifier   alerting.Notifier
	logger     zerolog.Logger

	workers int
	locker  storage.AdvisoryLocker
	lockKey int64

	// storeErrs counts store failures within the running cycle; workers
	// increment it concurrently. consecutiveStoreFailures is only touched
	// between cycles.
	storeErrs                atomic.Int32
	consecutiveStoreFailures int
}

// Stores bundles the persistence interfaces the service consumes.
type Stores struct {
	Positions storage.PositionStore
	States    storage.AlertStateStore
	Samples   storage.RiskSampleStore
	Events    storage.AlertEventStore
	Control   storage.ControlStore
	Locker    storage.AdvisoryLocker
}

// New constructs the monitoring service.
func New(cfg *config.Config, sched *scheduler.Scheduler, quotes fetcher.QuoteFetcher, calculator *risk.Calculator, stores Stores, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	workers := cfg.Scheduler.Workers
	if workers <= 0 {
		workers = 1
	}

	return &Service{
		scheduler:  sched,
		quotes:     quotes,
		calculator: calculator,
		positions:  stores.Positions,
		states:     stores.States,
		samples:    stores.Samples,
		events:     stores.Events,
		control:    stores.Control,
		notifier:   notifier,
		logger:     logger.With().Str("component", "service").Logger(),
		workers:    workers,
		locker:     stores.Locker,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the polling loop, bracketing it with startup/shutdown notices.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	s.notifyText(ctx, "optionloop started")
	err := s.scheduler.Run(ctx, s.ProcessCycle)

	// The run context is usually already cancelled here; give the farewell
	// message its own deadline.
	exitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.notifyText(exitCtx, "optionloop stopped")

	return err
}

// ProcessCycle evaluates every tracked position once. Per-position failures
// are logged and isolated; one bad symbol never aborts the cycle.
func (s *Service) ProcessCycle(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	if s.paused(ctx) {
		s.logger.Info().Time("tick", tick).Msg("engine paused, skipping cycle")
		return nil
	}

	s.storeErrs.Store(0)

	positions, err := s.positions.ListPositions(ctx)
	if err != nil {
		s.recordCycleStoreHealth(true)
		return fmt.Errorf("list positions: %w", err)
	}
	if len(positions) == 0 {
		s.recordCycleStoreHealth(false)
		s.logger.Debug().Time("tick", tick).Msg("no tracked positions")
		return nil
	}

	rules, err := s.positions.ListAllRules(ctx)
	if err != nil {
		s.recordCycleStoreHealth(true)
		return fmt.Errorf("list rules: %w", err)
	}
	rulesByPosition := make(map[int64][]storage.AlertRule, len(positions))
	for _, rule := range rules {
		rulesByPosition[rule.PositionID] = append(rulesByPosition[rule.PositionID], rule)
	}

	jobs := make(chan storage.TrackedPosition)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pos := range jobs {
				s.processPosition(ctx, pos, rulesByPosition[pos.ID])
			}
		}()
	}

	// Stop dispatching on shutdown; in-flight positions complete.
dispatch:
	for _, pos := range positions {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- pos:
		}
	}
	close(jobs)
	wg.Wait()

	s.recordCycleStoreHealth(s.storeErrs.Load() > 0)

	s.logger.Info().Time("tick", tick).Int("positions", len(positions)).Msg("cycle complete")
	return ctx.Err()
}

func (s *Service) processPosition(ctx context.Context, pos storage.TrackedPosition, rules []storage.AlertRule) {
	logger := s.logger.With().Str("contract", pos.Contract.String()).Logger()

	if ctx.Err() != nil {
		return
	}

	snap, err := s.quotes.Fetch(ctx, pos.Contract)
	if err != nil {
		switch {
		case errors.Is(err, fetcher.ErrSymbolNotFound):
			logger.Warn().Err(err).Msg("contract no longer trades")
		default:
			logger.Error().Err(err).Msg("quote fetch failed")
		}
		return
	}

	metrics, err := s.calculator.Compute(pos.Contract, snap)
	if err != nil {
		switch {
		case errors.Is(err, risk.ErrInvalidQuote):
			logger.Warn().Err(err).Msg("unusable market data, skipping")
		case errors.Is(err, pricing.ErrNoConvergence):
			logger.Warn().Err(err).Msg("implied vol solve failed, skipping")
		default:
			logger.Error().Err(err).Msg("risk calculation failed")
		}
		return
	}

	if err := s.samples.InsertRiskSample(ctx, storage.RiskSample{
		PositionID:      pos.ID,
		ObservedAt:      metrics.ComputedAt,
		UnderlyingPrice: snap.UnderlyingPrice,
		MidPrice:        snap.Mid(),
		ImpliedVol:      metrics.ImpliedVol,
		Delta:           metrics.Delta,
		Gamma:           metrics.Gamma,
		Theta:           metrics.Theta,
		Vega:            metrics.Vega,
		Rho:             metrics.Rho,
	}); err != nil {
		s.storeErrs.Add(1)
		logger.Error().Err(err).Msg("failed to persist risk sample")
	}

	for _, rule := range rules {
		s.evaluateRule(ctx, pos, rule, metrics, logger)
	}
}

// evaluateRule runs the edge-trigger for one rule and notifies on
// transition. A StoreConflict triggers exactly one retry of the
// evaluate-persist step.
func (s *Service) evaluateRule(ctx context.Context, pos storage.TrackedPosition, rule storage.AlertRule, metrics risk.Metrics, logger zerolog.Logger) {
	value, err := metrics.Value(rule.Metric)
	if err != nil {
		logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("rule references unknown metric")
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		prior, err := s.states.GetAlertState(ctx, pos.ID, rule.ID)
		if err != nil {
			s.storeErrs.Add(1)
			logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("failed to read alert state")
			return
		}

		next, transitioned := alerting.Evaluate(rule.Operator, rule.Threshold.InexactFloat64(), value, prior.State)
		if !transitioned {
			return
		}

		err = s.states.TransitionAlertState(ctx, pos.ID, rule.ID, prior.State, next, metrics.ComputedAt)
		if errors.Is(err, storage.ErrStateConflict) {
			logger.Warn().Int64("rule_id", rule.ID).Msg("alert state conflict, retrying evaluation")
			continue
		}
		if err != nil {
			s.storeErrs.Add(1)
			logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("failed to persist alert transition")
			return
		}

		s.emitAlert(ctx, pos, rule, next, value, metrics.ComputedAt, logger)
		return
	}

	logger.Error().Int64("rule_id", rule.ID).Msg("alert state conflict persisted after retry")
}

// emitAlert audits and delivers one transition. Delivery failure is logged
// but never rolls back the persisted state: the transition already happened
// in market terms, and re-notifying next cycle would break the edge-trigger.
func (s *Service) emitAlert(ctx context.Context, pos storage.TrackedPosition, rule storage.AlertRule, next alerting.State, value float64, at time.Time, logger zerolog.Logger) {
	transition := alerting.TransitionCleared
	if next == alerting.StateFiring {
		transition = alerting.TransitionFired
	}

	if _, err := s.events.InsertAlertEvent(ctx, storage.AlertEventRecord{
		PositionID:  pos.ID,
		RuleID:      rule.ID,
		Transition:  transition,
		Metric:      rule.Metric,
		MetricValue: value,
		Threshold:   rule.Threshold,
	}); err != nil {
		s.storeErrs.Add(1)
		logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("failed to audit alert event")
	}

	if s.notifier == nil {
		logger.Info().Str("transition", transition).Str("metric", rule.Metric).Msg("alert transition (no notifier configured)")
		return
	}

	err := s.notifier.Notify(ctx, alerting.Event{
		Contract:    pos.Contract.String(),
		Metric:      rule.Metric,
		Operator:    rule.Operator,
		Threshold:   rule.Threshold,
		MetricValue: value,
		Transition:  transition,
		At:          at,
	})
	if err != nil {
		logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("alert delivery failed; state transition kept")
	}
}

func (s *Service) recordCycleStoreHealth(failed bool) {
	if !failed {
		s.consecutiveStoreFailures = 0
		return
	}
	s.consecutiveStoreFailures++
	if s.consecutiveStoreFailures >= storeFailureAlarmAfter {
		s.logger.Error().
			Int("consecutive_cycles", s.consecutiveStoreFailures).
			Msg("store connectivity degraded across consecutive cycles; operator attention required")
	}
}

// paused reads the operator pause flag. A read failure does not stop
// monitoring; pausing is an operator convenience, not a safety interlock.
func (s *Service) paused(ctx context.Context) bool {
	if s.control == nil {
		return false
	}
	paused, err := s.control.IsPaused(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to read pause flag, continuing")
		return false
	}
	return paused
}

func (s *Service) notifyText(ctx context.Context, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyText(ctx, text); err != nil {
		s.logger.Warn().Err(err).Msg("lifecycle notification failed")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
