package option

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copyfat/Option-Loop/internal/pricing"
)

// Contract identifies a single listed option. The tuple
// (Underlying, Expiration, Strike, Type) is the immutable unique key.
type Contract struct {
	Underlying string
	Expiration time.Time
	Strike     decimal.Decimal
	Type       pricing.OptionType
}

// Validate checks the contract is well-formed for registration.
func (c Contract) Validate(now time.Time) error {
	if strings.TrimSpace(c.Underlying) == "" {
		return fmt.Errorf("contract: underlying symbol is required")
	}
	if !c.Strike.IsPositive() {
		return fmt.Errorf("contract: strike must be positive, got %s", c.Strike)
	}
	if c.Type != pricing.Call && c.Type != pricing.Put {
		return fmt.Errorf("contract: invalid option type %q", c.Type)
	}
	if !c.Expiration.After(now) {
		return fmt.Errorf("contract: expiration %s is not in the future", c.Expiration.Format("2006-01-02"))
	}
	return nil
}

// OCC renders the contract in OCC symbology, e.g. AAPL260116C00195000.
func (c Contract) OCC() string {
	cp := "C"
	if c.Type == pricing.Put {
		cp = "P"
	}
	milli := c.Strike.Mul(decimal.NewFromInt(1000)).IntPart()
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(c.Underlying), c.Expiration.Format("060102"), cp, milli)
}

// String is the human-readable form used in logs and alert messages.
func (c Contract) String() string {
	return fmt.Sprintf("%s %s %s %s", strings.ToUpper(c.Underlying), c.Expiration.Format("2006-01-02"), c.Strike.String(), c.Type)
}

// YearsToExpiry returns the remaining lifetime as a year fraction.
func (c Contract) YearsToExpiry(now time.Time) float64 {
	return c.Expiration.Sub(now).Hours() / 24 / 365
}

// QuoteSnapshot is a point-in-time market observation for one contract.
// Snapshots are never mutated after creation.
type QuoteSnapshot struct {
	UnderlyingPrice decimal.Decimal
	Bid             decimal.Decimal
	Ask             decimal.Decimal
	Last            decimal.Decimal
	ObservedAt      time.Time
}

// Mid returns the bid/ask midpoint.
func (q QuoteSnapshot) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}
