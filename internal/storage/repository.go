package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/copyfat/Option-Loop/internal/alerting"
	"github.com/copyfat/Option-Loop/internal/option"
	"github.com/copyfat/Option-Loop/internal/pricing"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrStateConflict signals a concurrent write touched the same alert
	// state row between read and conditional update.
	ErrStateConflict = errors.New("storage: alert state conflict")
	// ErrAlreadyTracked is returned when registering a duplicate contract.
	ErrAlreadyTracked = errors.New("storage: contract already tracked")
	// ErrPositionNotFound is returned for lookups of unknown positions.
	ErrPositionNotFound = errors.New("storage: position not found")
)

const (
	insertPositionSQL = `INSERT INTO tracked_position (symbol, expiration, strike, option_type)
    VALUES ($1,$2,$3,$4)
    ON CONFLICT (symbol, expiration, strike, option_type) DO NOTHING
    RETURNING id, created_at;`

	deletePositionSQL = `DELETE FROM tracked_position
    WHERE symbol = $1 AND expiration = $2 AND strike = $3 AND option_type = $4;`

	listPositionsSQL = `SELECT id, symbol, expiration, strike, option_type, created_at
    FROM tracked_position
    ORDER BY symbol, expiration, strike;`

	getPositionSQL = `SELECT id, symbol, expiration, strike, option_type, created_at
    FROM tracked_position
    WHERE symbol = $1 AND expiration = $2 AND strike = $3 AND option_type = $4;`

	insertRuleSQL = `INSERT INTO alert_rule (position_id, metric, operator, threshold)
    VALUES ($1,$2,$3,$4)
    RETURNING id, created_at;`

	listRulesByPositionSQL = `SELECT id, position_id, metric, operator, threshold, created_at
    FROM alert_rule
    WHERE position_id = $1
    ORDER BY id;`

	listRulesSQL = `SELECT id, position_id, metric, operator, threshold, created_at
    FROM alert_rule
    ORDER BY position_id, id;`

	getAlertStateSQL = `SELECT state, last_transition_at
    FROM alert_state
    WHERE position_id = $1 AND rule_id = $2;`

	transitionFromClearedSQL = `INSERT INTO alert_state (position_id, rule_id, state, last_transition_at)
    VALUES ($1,$2,$3,$4)
    ON CONFLICT (position_id, rule_id) DO UPDATE
    SET state = EXCLUDED.state,
        last_transition_at = EXCLUDED.last_transition_at
    WHERE alert_state.state = $5;`

	transitionFromFiringSQL = `UPDATE alert_state
    SET state = $4, last_transition_at = $5
    WHERE position_id = $1 AND rule_id = $2 AND state = $3;`

	insertRiskSampleSQL = `INSERT INTO risk_sample (
        position_id, observed_at, underlying_price, mid_price,
        implied_vol, delta, gamma, theta, vega, rho
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
    ON CONFLICT (position_id, observed_at) DO NOTHING;`

	listRiskSamplesSQL = `SELECT position_id, observed_at, underlying_price, mid_price,
        implied_vol, delta, gamma, theta, vega, rho, created_at
    FROM risk_sample
    WHERE position_id = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY observed_at;`

	deleteRiskSamplesBeforeSQL = `DELETE FROM risk_sample WHERE observed_at < $1;`

	insertAlertEventSQL = `INSERT INTO alert_event (
        position_id, rule_id, transition, metric, metric_value, threshold
    ) VALUES ($1,$2,$3,$4,$5,$6)
    RETURNING id, created_at;`

	listRecentAlertEventsSQL = `SELECT
        e.id, e.position_id, e.rule_id, e.transition, e.metric, e.metric_value, e.threshold,
        p.symbol, p.expiration, p.strike, p.option_type, e.created_at
    FROM alert_event e
    JOIN tracked_position p ON p.id = e.position_id
    ORDER BY e.created_at DESC
    LIMIT $1;`

	deleteAlertEventsBeforeSQL = `DELETE FROM alert_event WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`

	setPausedSQL = `INSERT INTO engine_control (id, paused, updated_at)
    VALUES (TRUE, $1, now())
    ON CONFLICT (id) DO UPDATE SET paused = EXCLUDED.paused, updated_at = now();`

	isPausedSQL = `SELECT paused FROM engine_control WHERE id = TRUE;`
)

// PositionStore defines CRUD over tracked positions and their rules.
type PositionStore interface {
	AddPosition(ctx context.Context, contract option.Contract) (TrackedPosition, error)
	RemovePosition(ctx context.Context, contract option.Contract) error
	GetPosition(ctx context.Context, contract option.Contract) (TrackedPosition, error)
	ListPositions(ctx context.Context) ([]TrackedPosition, error)
	AddRule(ctx context.Context, rule AlertRule) (AlertRule, error)
	ListRules(ctx context.Context, positionID int64) ([]AlertRule, error)
	ListAllRules(ctx context.Context) ([]AlertRule, error)
}

// AlertStateStore reads and transitions per-rule alert state.
type AlertStateStore interface {
	GetAlertState(ctx context.Context, positionID, ruleID int64) (AlertStateRecord, error)
	TransitionAlertState(ctx context.Context, positionID, ruleID int64, from, to alerting.State, at time.Time) error
}

// RiskSampleStore persists per-cycle analytics.
type RiskSampleStore interface {
	InsertRiskSample(ctx context.Context, sample RiskSample) error
	ListRiskSamples(ctx context.Context, positionID int64, from, to time.Time) ([]RiskSample, error)
	DeleteRiskSamplesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AlertEventStore audits emitted notifications.
type AlertEventStore interface {
	InsertAlertEvent(ctx context.Context, event AlertEventRecord) (AlertEventRecord, error)
	ListRecentAlertEvents(ctx context.Context, limit int) ([]AlertEventRecord, error)
	DeleteAlertEventsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// ControlStore persists the operator pause flag so it survives restarts and
// reaches every process.
type ControlStore interface {
	SetPaused(ctx context.Context, paused bool) error
	IsPaused(ctx context.Context) (bool, error)
}

// Store aggregates all persistence concerns over one pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// AddPosition registers a contract for monitoring. The contract must already
// be validated by the caller; the unique key is enforced here.
func (s *Store) AddPosition(ctx context.Context, contract option.Contract) (TrackedPosition, error) {
	pool, err := s.getPool()
	if err != nil {
		return TrackedPosition{}, err
	}

	pos := TrackedPosition{Contract: contract}
	row := pool.QueryRow(ctx, insertPositionSQL,
		contract.Underlying,
		contract.Expiration,
		contract.Strike.String(),
		string(contract.Type),
	)
	if err := row.Scan(&pos.ID, &pos.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TrackedPosition{}, ErrAlreadyTracked
		}
		return TrackedPosition{}, fmt.Errorf("insert position: %w", err)
	}
	return pos, nil
}

// RemovePosition unregisters a contract. Rules, alert states, samples, and
// events go with it via ON DELETE CASCADE, so a later re-registration of the
// same contract starts from a cleared state.
func (s *Store) RemovePosition(ctx context.Context, contract option.Contract) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tag, err := pool.Exec(ctx, deletePositionSQL,
		contract.Underlying,
		contract.Expiration,
		contract.Strike.String(),
		string(contract.Type),
	)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// GetPosition looks a position up by contract key.
func (s *Store) GetPosition(ctx context.Context, contract option.Contract) (TrackedPosition, error) {
	pool, err := s.getPool()
	if err != nil {
		return TrackedPosition{}, err
	}

	row := pool.QueryRow(ctx, getPositionSQL,
		contract.Underlying,
		contract.Expiration,
		contract.Strike.String(),
		string(contract.Type),
	)
	pos, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return TrackedPosition{}, ErrPositionNotFound
	}
	return pos, err
}

// ListPositions lists every tracked position.
func (s *Store) ListPositions(ctx context.Context) ([]TrackedPosition, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listPositionsSQL)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	positions := make([]TrackedPosition, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// AddRule attaches a threshold rule to a position.
func (s *Store) AddRule(ctx context.Context, rule AlertRule) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}

	row := pool.QueryRow(ctx, insertRuleSQL,
		rule.PositionID,
		rule.Metric,
		string(rule.Operator),
		rule.Threshold.String(),
	)
	if err := row.Scan(&rule.ID, &rule.CreatedAt); err != nil {
		return AlertRule{}, fmt.Errorf("insert rule: %w", err)
	}
	return rule, nil
}

// ListRules lists the rules bound to one position.
func (s *Store) ListRules(ctx context.Context, positionID int64) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRulesByPositionSQL, positionID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListAllRules lists every rule, ordered by position.
func (s *Store) ListAllRules(ctx context.Context) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRulesSQL)
	if err != nil {
		return nil, fmt.Errorf("list all rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// GetAlertState returns the stored state or a default cleared record when
// the pair has never been evaluated.
func (s *Store) GetAlertState(ctx context.Context, positionID, ruleID int64) (AlertStateRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertStateRecord{}, err
	}

	rec := AlertStateRecord{PositionID: positionID, RuleID: ruleID, State: alerting.StateCleared}
	var state string
	err = pool.QueryRow(ctx, getAlertStateSQL, positionID, ruleID).Scan(&state, &rec.LastTransitionAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return AlertStateRecord{}, fmt.Errorf("get alert state: %w", err)
	}
	rec.State = alerting.State(state)
	return rec, nil
}

// TransitionAlertState performs an atomic conditional write: the row changes
// only if it still holds the expected prior state. From cleared, a missing
// row counts as the prior (first evaluation), so a conditional upsert covers
// both the insert and the update path; from firing, the row must exist. Two
// concurrent first-transitions cannot therefore both claim the flip: the
// loser's conditional clause matches no row and yields ErrStateConflict.
func (s *Store) TransitionAlertState(ctx context.Context, positionID, ruleID int64, from, to alerting.State, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var affected int64
	if from == alerting.StateCleared {
		tag, err := pool.Exec(ctx, transitionFromClearedSQL, positionID, ruleID, string(to), at, string(from))
		if err != nil {
			return fmt.Errorf("write alert state: %w", err)
		}
		affected = tag.RowsAffected()
	} else {
		tag, err := pool.Exec(ctx, transitionFromFiringSQL, positionID, ruleID, string(from), string(to), at)
		if err != nil {
			return fmt.Errorf("write alert state: %w", err)
		}
		affected = tag.RowsAffected()
	}

	if affected == 0 {
		return fmt.Errorf("%w: state is no longer %s", ErrStateConflict, from)
	}
	return nil
}

// InsertRiskSample persists one cycle's analytics for a position.
func (s *Store) InsertRiskSample(ctx context.Context, sample RiskSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, insertRiskSampleSQL,
		sample.PositionID,
		sample.ObservedAt,
		sample.UnderlyingPrice.String(),
		sample.MidPrice.String(),
		sample.ImpliedVol,
		sample.Delta,
		sample.Gamma,
		sample.Theta,
		sample.Vega,
		sample.Rho,
	)
	if err != nil {
		return fmt.Errorf("insert risk sample: %w", err)
	}
	return nil
}

// ListRiskSamples lists samples for a position within a window.
func (s *Store) ListRiskSamples(ctx context.Context, positionID int64, from, to time.Time) ([]RiskSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRiskSamplesSQL, positionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list risk samples: %w", err)
	}
	defer rows.Close()

	samples := make([]RiskSample, 0)
	for rows.Next() {
		var (
			sample        RiskSample
			underlyingStr string
			midStr        string
		)
		if err := rows.Scan(
			&sample.PositionID,
			&sample.ObservedAt,
			&underlyingStr,
			&midStr,
			&sample.ImpliedVol,
			&sample.Delta,
			&sample.Gamma,
			&sample.Theta,
			&sample.Vega,
			&sample.Rho,
			&sample.CreatedAt,
		); err != nil {
			return nil, err
		}
		if sample.UnderlyingPrice, err = decimal.NewFromString(underlyingStr); err != nil {
			return nil, fmt.Errorf("parse underlying price: %w", err)
		}
		if sample.MidPrice, err = decimal.NewFromString(midStr); err != nil {
			return nil, fmt.Errorf("parse mid price: %w", err)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// DeleteRiskSamplesBefore drops samples older than the retention cutoff.
func (s *Store) DeleteRiskSamplesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteRiskSamplesBeforeSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete risk samples: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertAlertEvent records an emitted notification.
func (s *Store) InsertAlertEvent(ctx context.Context, event AlertEventRecord) (AlertEventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertEventRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertEventSQL,
		event.PositionID,
		event.RuleID,
		event.Transition,
		event.Metric,
		event.MetricValue,
		event.Threshold.String(),
	)
	if err := row.Scan(&event.ID, &event.CreatedAt); err != nil {
		return AlertEventRecord{}, fmt.Errorf("insert alert event: %w", err)
	}
	return event, nil
}

// ListRecentAlertEvents lists the most recent audit rows with their contract.
func (s *Store) ListRecentAlertEvents(ctx context.Context, limit int) ([]AlertEventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentAlertEventsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list alert events: %w", err)
	}
	defer rows.Close()

	events := make([]AlertEventRecord, 0, limit)
	for rows.Next() {
		var (
			event        AlertEventRecord
			thresholdStr string
			symbol       string
			expiration   time.Time
			strikeStr    string
			optType      string
		)
		if err := rows.Scan(
			&event.ID,
			&event.PositionID,
			&event.RuleID,
			&event.Transition,
			&event.Metric,
			&event.MetricValue,
			&thresholdStr,
			&symbol,
			&expiration,
			&strikeStr,
			&optType,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		if event.Threshold, err = decimal.NewFromString(thresholdStr); err != nil {
			return nil, fmt.Errorf("parse threshold: %w", err)
		}
		strike, err := decimal.NewFromString(strikeStr)
		if err != nil {
			return nil, fmt.Errorf("parse strike: %w", err)
		}
		event.Contract = option.Contract{
			Underlying: symbol,
			Expiration: expiration,
			Strike:     strike,
			Type:       pricing.OptionType(optType),
		}.String()
		events = append(events, event)
	}
	return events, rows.Err()
}

// DeleteAlertEventsBefore drops audit rows older than the retention cutoff.
func (s *Store) DeleteAlertEventsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteAlertEventsBeforeSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete alert events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetPaused flips the engine-wide pause flag.
func (s *Store) SetPaused(ctx context.Context, paused bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, setPausedSQL, paused); err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	return nil
}

// IsPaused reads the pause flag; a missing control row means running.
func (s *Store) IsPaused(ctx context.Context) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var paused bool
	err = pool.QueryRow(ctx, isPausedSQL).Scan(&paused)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pause flag: %w", err)
	}
	return paused, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a
// release func. Guards the polling loop against a second process.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// unlock is best effort; the session close releases it anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (TrackedPosition, error) {
	var (
		pos       TrackedPosition
		symbol    string
		strikeStr string
		optType   string
	)
	if err := row.Scan(&pos.ID, &symbol, &pos.Contract.Expiration, &strikeStr, &optType, &pos.CreatedAt); err != nil {
		return TrackedPosition{}, err
	}
	strike, err := decimal.NewFromString(strikeStr)
	if err != nil {
		return TrackedPosition{}, fmt.Errorf("parse strike: %w", err)
	}
	pos.Contract.Underlying = symbol
	pos.Contract.Strike = strike
	pos.Contract.Type = pricing.OptionType(optType)
	return pos, nil
}

func collectRules(rows pgx.Rows) ([]AlertRule, error) {
	rules := make([]AlertRule, 0)
	for rows.Next() {
		var (
			rule         AlertRule
			operator     string
			thresholdStr string
		)
		if err := rows.Scan(&rule.ID, &rule.PositionID, &rule.Metric, &operator, &thresholdStr, &rule.CreatedAt); err != nil {
			return nil, err
		}
		threshold, err := decimal.NewFromString(thresholdStr)
		if err != nil {
			return nil, fmt.Errorf("parse threshold: %w", err)
		}
		rule.Operator = alerting.Operator(operator)
		rule.Threshold = threshold
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

var (
	_ PositionStore   = (*Store)(nil)
	_ AlertStateStore = (*Store)(nil)
	_ RiskSampleStore = (*Store)(nil)
	_ AlertEventStore = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
	_ ControlStore    = (*Store)(nil)
)
