package pricing

import (
	"errors"
	"fmt"
	"math"
)

// ErrNoConvergence indicates the implied volatility solver exhausted its
// iteration bound without meeting tolerance.
var ErrNoConvergence = errors.New("pricing: implied volatility did not converge")

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// ParseOptionType normalises a user-supplied option type string.
func ParseOptionType(s string) (OptionType, error) {
	switch OptionType(s) {
	case Call, Put:
		return OptionType(s), nil
	}
	return "", fmt.Errorf("pricing: unknown option type %q", s)
}

// SolverOptions bound the implied volatility root-finder.
type SolverOptions struct {
	MaxIterations int
	Tolerance     float64
}

// DefaultSolverOptions mirror the usual Newton-Raphson bounds.
func DefaultSolverOptions() SolverOptions {
	return SolverOptions{MaxIterations: 100, Tolerance: 1e-6}
}

// Price returns the Black-Scholes-Merton value of a European option.
// S spot, K strike, T time to expiry in years, r continuously compounded
// risk-free rate, q continuous dividend yield, sigma annualized volatility.
func Price(typ OptionType, S, K, T, r, q, sigma float64) float64 {
	if T <= 0 || sigma <= 0 || S <= 0 || K <= 0 {
		return intrinsic(typ, S, K)
	}

	d1, d2 := dValues(S, K, T, r, q, sigma)
	discR := math.Exp(-r * T)
	discQ := math.Exp(-q * T)

	if typ == Call {
		return S*discQ*normCDF(d1) - K*discR*normCDF(d2)
	}
	return K*discR*normCDF(-d2) - S*discQ*normCDF(-d1)
}

// Greeks holds per-unit option sensitivities. Volatility is an annualized
// fraction, theta is per year, vega is per unit of volatility; no x100
// contract scaling is applied anywhere.
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	Rho   float64
}

// ComputeGreeks evaluates all sensitivities at the given volatility.
func ComputeGreeks(typ OptionType, S, K, T, r, q, sigma float64) Greeks {
	if T <= 0 || sigma <= 0 || S <= 0 || K <= 0 {
		return Greeks{}
	}

	d1, d2 := dValues(S, K, T, r, q, sigma)
	discR := math.Exp(-r * T)
	discQ := math.Exp(-q * T)
	pdfD1 := normPDF(d1)
	sqrtT := math.Sqrt(T)

	g := Greeks{
		Gamma: discQ * pdfD1 / (S * sigma * sqrtT),
		Vega:  S * discQ * pdfD1 * sqrtT,
	}

	if typ == Call {
		g.Delta = discQ * normCDF(d1)
		g.Theta = -S*discQ*pdfD1*sigma/(2*sqrtT) -
			r*K*discR*normCDF(d2) + q*S*discQ*normCDF(d1)
		g.Rho = K * T * discR * normCDF(d2)
	} else {
		g.Delta = discQ * (normCDF(d1) - 1)
		g.Theta = -S*discQ*pdfD1*sigma/(2*sqrtT) +
			r*K*discR*normCDF(-d2) - q*S*discQ*normCDF(-d1)
		g.Rho = -K * T * discR * normCDF(-d2)
	}

	return g
}

// ImpliedVolatility solves for the volatility that reprices marketPrice via
// Newton-Raphson on vega. Returns ErrNoConvergence when the iteration bound
// is exhausted or the market price sits outside the no-arbitrage band.
func ImpliedVolatility(typ OptionType, marketPrice, S, K, T, r, q float64, opts SolverOptions) (float64, error) {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultSolverOptions().MaxIterations
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultSolverOptions().Tolerance
	}

	if marketPrice <= 0 || S <= 0 || K <= 0 || T <= 0 {
		return 0, fmt.Errorf("%w: degenerate inputs", ErrNoConvergence)
	}
	// A price at or below discounted intrinsic has no positive-vol solution.
	if marketPrice <= discountedIntrinsic(typ, S, K, T, r, q) {
		return 0, fmt.Errorf("%w: price at or below intrinsic value", ErrNoConvergence)
	}

	// Brenner-Subrahmanyam style seed, clamped into a sane band.
	sigma := math.Sqrt(2*math.Pi/T) * marketPrice / S
	if sigma < 0.05 {
		sigma = 0.05
	}
	if sigma > 2.0 {
		sigma = 2.0
	}

	for i := 0; i < opts.MaxIterations; i++ {
		price := Price(typ, S, K, T, r, q, sigma)
		diff := price - marketPrice
		if math.Abs(diff) < opts.Tolerance {
			if sigma <= 0 || math.IsNaN(sigma) || math.IsInf(sigma, 0) {
				return 0, fmt.Errorf("%w: solver produced invalid value", ErrNoConvergence)
			}
			return sigma, nil
		}

		vega := ComputeGreeks(typ, S, K, T, r, q, sigma).Vega
		if vega < 1e-10 {
			return 0, fmt.Errorf("%w: vanishing vega at sigma=%.6f", ErrNoConvergence, sigma)
		}

		sigma -= diff / vega
		if sigma <= 0 {
			sigma = opts.Tolerance
		}
		if sigma > 10 {
			sigma = 10
		}
	}

	return 0, ErrNoConvergence
}

func dValues(S, K, T, r, q, sigma float64) (d1, d2 float64) {
	sqrtT := math.Sqrt(T)
	d1 = (math.Log(S/K) + (r-q+0.5*sigma*sigma)*T) / (sigma * sqrtT)
	d2 = d1 - sigma*sqrtT
	return d1, d2
}

func intrinsic(typ OptionType, S, K float64) float64 {
	if typ == Call {
		return math.Max(S-K, 0)
	}
	return math.Max(K-S, 0)
}

func discountedIntrinsic(typ OptionType, S, K, T, r, q float64) float64 {
	if typ == Call {
		return math.Max(S*math.Exp(-q*T)-K*math.Exp(-r*T), 0)
	}
	return math.Max(K*math.Exp(-r*T)-S*math.Exp(-q*T), 0)
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}
