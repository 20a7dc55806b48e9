package option

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copyfat/Option-Loop/internal/pricing"
)

func TestOCCSymbology(t *testing.T) {
	cases := []struct {
		underlying string
		strike     string
		typ        pricing.OptionType
		want       string
	}{
		{"AAPL", "195", pricing.Call, "AAPL260116C00195000"},
		{"aapl", "195", pricing.Call, "AAPL260116C00195000"},
		{"SPY", "472.5", pricing.Put, "SPY260116P00472500"},
		{"F", "12", pricing.Put, "F260116P00012000"},
	}

	expiry := time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)
	for _, tc := range cases {
		c := Contract{Underlying: tc.underlying, Expiration: expiry, Strike: decimal.RequireFromString(tc.strike), Type: tc.typ}
		if got := c.OCC(); got != tc.want {
			t.Errorf("OCC(%s %s %s) = %s, want %s", tc.underlying, tc.strike, tc.typ, got, tc.want)
		}
	}
}

func TestContractValidate(t *testing.T) {
	now := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	valid := Contract{
		Underlying: "AAPL",
		Expiration: now.AddDate(0, 3, 0),
		Strike:     decimal.NewFromInt(195),
		Type:       pricing.Call,
	}
	if err := valid.Validate(now); err != nil {
		t.Fatalf("valid contract rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Contract)
	}{
		{"blank underlying", func(c *Contract) { c.Underlying = "  " }},
		{"zero strike", func(c *Contract) { c.Strike = decimal.Zero }},
		{"negative strike", func(c *Contract) { c.Strike = decimal.NewFromInt(-5) }},
		{"bad type", func(c *Contract) { c.Type = "straddle" }},
		{"past expiration", func(c *Contract) { c.Expiration = now.AddDate(0, 0, -1) }},
		{"expires today", func(c *Contract) { c.Expiration = now }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid
			tc.mutate(&c)
			if err := c.Validate(now); err == nil {
				t.Fatal("want validation error")
			}
		})
	}
}

func TestQuoteSnapshotMid(t *testing.T) {
	snap := QuoteSnapshot{
		Bid: decimal.RequireFromString("6.00"),
		Ask: decimal.RequireFromString("6.20"),
	}
	if !snap.Mid().Equal(decimal.RequireFromString("6.10")) {
		t.Errorf("mid = %s, want 6.10", snap.Mid())
	}
}

func TestYearsToExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Contract{Expiration: now.AddDate(1, 0, 0)}
	got := c.YearsToExpiry(now)
	if got < 0.99 || got > 1.01 {
		t.Errorf("one-year expiry = %v years", got)
	}
	if c.YearsToExpiry(now.AddDate(2, 0, 0)) >= 0 {
		t.Error("expired contract should report negative time")
	}
}
