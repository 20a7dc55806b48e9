package pricing

import (
	"errors"
	"math"
	"testing"
)

func TestPriceKnownValue(t *testing.T) {
	// Standard textbook case: S=100, K=100, T=1, r=5%, sigma=20%.
	got := Price(Call, 100, 100, 1, 0.05, 0, 0.20)
	if math.Abs(got-10.4506) > 1e-3 {
		t.Fatalf("call price = %.4f, want ~10.4506", got)
	}

	got = Price(Put, 100, 100, 1, 0.05, 0, 0.20)
	if math.Abs(got-5.5735) > 1e-3 {
		t.Fatalf("put price = %.4f, want ~5.5735", got)
	}
}

func TestPutCallParity(t *testing.T) {
	S, K, T, r, q, sigma := 105.0, 100.0, 0.5, 0.04, 0.01, 0.3
	call := Price(Call, S, K, T, r, q, sigma)
	put := Price(Put, S, K, T, r, q, sigma)

	parity := S*math.Exp(-q*T) - K*math.Exp(-r*T)
	if math.Abs((call-put)-parity) > 1e-9 {
		t.Fatalf("parity violated: C-P=%.9f, want %.9f", call-put, parity)
	}
}

func TestGreeksSanity(t *testing.T) {
	g := ComputeGreeks(Call, 100, 100, 0.25, 0.05, 0, 0.2)

	if g.Delta <= 0 || g.Delta >= 1 {
		t.Fatalf("call delta = %.4f, want in (0,1)", g.Delta)
	}
	if g.Gamma <= 0 {
		t.Fatalf("gamma = %.6f, want positive", g.Gamma)
	}
	if g.Vega <= 0 {
		t.Fatalf("vega = %.4f, want positive", g.Vega)
	}
	if g.Theta >= 0 {
		t.Fatalf("call theta = %.4f, want negative", g.Theta)
	}

	p := ComputeGreeks(Put, 100, 100, 0.25, 0.05, 0, 0.2)
	if p.Delta >= 0 || p.Delta <= -1 {
		t.Fatalf("put delta = %.4f, want in (-1,0)", p.Delta)
	}
	// Gamma and vega are shared between call and put at the same vol.
	if math.Abs(p.Gamma-g.Gamma) > 1e-12 || math.Abs(p.Vega-g.Vega) > 1e-12 {
		t.Fatalf("put gamma/vega diverge from call: %v vs %v", p, g)
	}
}

func TestImpliedVolatilityRoundTrip(t *testing.T) {
	cases := []struct {
		typ   OptionType
		S, K  float64
		T     float64
		sigma float64
	}{
		{Call, 100, 100, 1, 0.25},
		{Call, 105, 100, 0.1, 0.40},
		{Put, 95, 100, 0.5, 0.18},
		{Call, 50, 80, 2, 0.60},
	}

	for _, tc := range cases {
		price := Price(tc.typ, tc.S, tc.K, tc.T, 0.05, 0, tc.sigma)
		got, err := ImpliedVolatility(tc.typ, price, tc.S, tc.K, tc.T, 0.05, 0, DefaultSolverOptions())
		if err != nil {
			t.Fatalf("%v S=%v K=%v: unexpected error: %v", tc.typ, tc.S, tc.K, err)
		}
		if math.Abs(got-tc.sigma) > 1e-4 {
			t.Fatalf("%v S=%v K=%v: iv = %.6f, want %.6f", tc.typ, tc.S, tc.K, got, tc.sigma)
		}
	}
}

func TestImpliedVolatilityBelowIntrinsic(t *testing.T) {
	// A call price below intrinsic has no volatility solution.
	_, err := ImpliedVolatility(Call, 4.0, 105, 100, 0.25, 0.05, 0, DefaultSolverOptions())
	if !errors.Is(err, ErrNoConvergence) {
		t.Fatalf("expected ErrNoConvergence, got %v", err)
	}
}

func TestImpliedVolatilityDegenerateInputs(t *testing.T) {
	for _, price := range []float64{0, -1} {
		if _, err := ImpliedVolatility(Call, price, 100, 100, 1, 0.05, 0, DefaultSolverOptions()); !errors.Is(err, ErrNoConvergence) {
			t.Fatalf("price %v: expected ErrNoConvergence, got %v", price, err)
		}
	}
	if _, err := ImpliedVolatility(Call, 5, 100, 100, 0, 0.05, 0, DefaultSolverOptions()); !errors.Is(err, ErrNoConvergence) {
		t.Fatal("zero time to expiry should not converge")
	}
}

func TestParseOptionType(t *testing.T) {
	if _, err := ParseOptionType("call"); err != nil {
		t.Fatalf("call should parse: %v", err)
	}
	if _, err := ParseOptionType("straddle"); err == nil {
		t.Fatal("unknown type should fail")
	}
}
