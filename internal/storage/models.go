package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/copyfat/Option-Loop/internal/alerting"
	"github.com/copyfat/Option-Loop/internal/option"
)

// TrackedPosition is a contract the user has registered for monitoring.
// Deleting a position cascades to its rules, alert states, samples, and
// events.
type TrackedPosition struct {
	ID        int64
	Contract  option.Contract
	CreatedAt time.Time
}

// AlertRule binds a threshold condition over a named metric to a position.
type AlertRule struct {
	ID         int64
	PositionID int64
	Metric     string
	Operator   alerting.Operator
	Threshold  decimal.Decimal
	CreatedAt  time.Time
}

// AlertStateRecord tracks the firing/cleared state per (position, rule).
// A missing row reads back as cleared with a zero transition time.
type AlertStateRecord struct {
	PositionID       int64
	RuleID           int64
	State            alerting.State
	LastTransitionAt time.Time
}

// RiskSample is one cycle's persisted analytics for a position, kept for
// auditing and the export command.
type RiskSample struct {
	PositionID      int64
	ObservedAt      time.Time
	UnderlyingPrice decimal.Decimal
	MidPrice        decimal.Decimal
	ImpliedVol      float64
	Delta           float64
	Gamma           float64
	Theta           float64
	Vega            float64
	Rho             float64
	CreatedAt       time.Time
}

// AlertEventRecord captures an emitted notification for auditing.
type AlertEventRecord struct {
	ID          int64
	PositionID  int64
	RuleID      int64
	Transition  string
	Metric      string
	MetricValue float64
	Threshold   decimal.Decimal
	Contract    string
	CreatedAt   time.Time
}
