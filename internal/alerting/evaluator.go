package alerting

import "fmt"

// State is the persisted side of the edge-trigger: an alert rule is either
// firing or cleared, and notifications happen only when the state flips.
type State string

const (
	StateCleared State = "cleared"
	StateFiring  State = "firing"
)

// Transition labels for alert events.
const (
	TransitionFired   = "fired"
	TransitionCleared = "cleared"
)

// Operator is a threshold comparison in an alert rule.
type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
)

// ParseOperator validates a user-supplied operator string.
func ParseOperator(s string) (Operator, error) {
	switch Operator(s) {
	case OpGT, OpGTE, OpLT, OpLTE:
		return Operator(s), nil
	}
	return "", fmt.Errorf("alerting: unknown operator %q", s)
}

// Apply evaluates value against threshold.
func (op Operator) Apply(value, threshold float64) bool {
	switch op {
	case OpGT:
		return value > threshold
	case OpGTE:
		return value >= threshold
	case OpLT:
		return value < threshold
	case OpLTE:
		return value <= threshold
	}
	return false
}

// Evaluate applies the edge-triggered decision table. Comparisons are strict
// with no deadband: a metric hovering exactly at the threshold flips state on
// every crossing. The function is pure, so re-evaluating the same inputs
// yields the same decision.
//
//	prior    condition  next     transitioned
//	cleared  true       firing   yes
//	cleared  false      cleared  no
//	firing   true       firing   no
//	firing   false      cleared  yes
func Evaluate(op Operator, threshold, value float64, prior State) (State, bool) {
	active := op.Apply(value, threshold)

	switch prior {
	case StateFiring:
		if active {
			return StateFiring, false
		}
		return StateCleared, true
	default:
		// Unknown prior states are treated as cleared, the first-evaluation
		// default.
		if active {
			return StateFiring, true
		}
		return StateCleared, false
	}
}
