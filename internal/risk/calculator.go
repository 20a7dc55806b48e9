package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/copyfat/Option-Loop/internal/option"
	"github.com/copyfat/Option-Loop/internal/pricing"
)

// ErrInvalidQuote marks market data too degenerate to price: non-positive or
// crossed bid/ask, non-positive underlying, or an already-expired contract.
var ErrInvalidQuote = errors.New("risk: invalid quote")

// Metric names accepted by alert rules.
const (
	MetricIV    = "iv"
	MetricDelta = "delta"
	MetricGamma = "gamma"
	MetricTheta = "theta"
	MetricVega  = "vega"
	MetricRho   = "rho"
)

// MetricNames lists every rule-addressable metric.
func MetricNames() []string {
	return []string{MetricIV, MetricDelta, MetricGamma, MetricTheta, MetricVega, MetricRho}
}

// Metrics carries one cycle's derived analytics for a contract. Implied
// volatility is an annualized fraction; Greeks use the per-unit convention.
type Metrics struct {
	ImpliedVol float64
	Delta      float64
	Gamma      float64
	Theta      float64
	Vega       float64
	Rho        float64
	ComputedAt time.Time
}

// Value resolves a metric by its rule name.
func (m Metrics) Value(name string) (float64, error) {
	switch name {
	case MetricIV:
		return m.ImpliedVol, nil
	case MetricDelta:
		return m.Delta, nil
	case MetricGamma:
		return m.Gamma, nil
	case MetricTheta:
		return m.Theta, nil
	case MetricVega:
		return m.Vega, nil
	case MetricRho:
		return m.Rho, nil
	}
	return 0, fmt.Errorf("risk: unknown metric %q", name)
}

// Options parameterise the calculator.
type Options struct {
	RiskFreeRate  float64
	DividendYield float64
	Solver        pricing.SolverOptions
}

// Calculator derives implied volatility and Greeks from quote snapshots.
// Compute is a pure function of its inputs; the calculator holds only
// immutable configuration.
type Calculator struct {
	opts Options
}

// NewCalculator builds a calculator with the given pricing parameters.
func NewCalculator(opts Options) *Calculator {
	return &Calculator{opts: opts}
}

// Compute solves implied volatility from the bid/ask midpoint and evaluates
// all Greeks at the solved vol. Unusable market data yields ErrInvalidQuote;
// a failed IV solve propagates pricing.ErrNoConvergence rather than a
// garbage value.
func (c *Calculator) Compute(contract option.Contract, snap option.QuoteSnapshot) (Metrics, error) {
	if err := validateQuote(snap); err != nil {
		return Metrics{}, err
	}

	tte := contract.YearsToExpiry(snap.ObservedAt)
	if tte <= 0 {
		return Metrics{}, fmt.Errorf("%w: contract expired at %s", ErrInvalidQuote, contract.Expiration.Format("2006-01-02"))
	}

	spot := snap.UnderlyingPrice.InexactFloat64()
	strike := contract.Strike.InexactFloat64()
	mid := snap.Mid().InexactFloat64()

	iv, err := pricing.ImpliedVolatility(contract.Type, mid, spot, strike, tte, c.opts.RiskFreeRate, c.opts.DividendYield, c.opts.Solver)
	if err != nil {
		return Metrics{}, err
	}

	greeks := pricing.ComputeGreeks(contract.Type, spot, strike, tte, c.opts.RiskFreeRate, c.opts.DividendYield, iv)

	return Metrics{
		ImpliedVol: iv,
		Delta:      greeks.Delta,
		Gamma:      greeks.Gamma,
		Theta:      greeks.Theta,
		Vega:       greeks.Vega,
		Rho:        greeks.Rho,
		ComputedAt: snap.ObservedAt,
	}, nil
}

func validateQuote(snap option.QuoteSnapshot) error {
	if !snap.UnderlyingPrice.IsPositive() {
		return fmt.Errorf("%w: underlying price %s is not positive", ErrInvalidQuote, snap.UnderlyingPrice)
	}
	if !snap.Bid.IsPositive() || !snap.Ask.IsPositive() {
		return fmt.Errorf("%w: bid/ask %s/%s not positive", ErrInvalidQuote, snap.Bid, snap.Ask)
	}
	if snap.Bid.GreaterThan(snap.Ask) {
		return fmt.Errorf("%w: crossed market %s/%s", ErrInvalidQuote, snap.Bid, snap.Ask)
	}
	return nil
}
