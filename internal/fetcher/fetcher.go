package fetcher

import (
	"context"
	"errors"

	"github.com/copyfat/Option-Loop/internal/option"
)

var (
	// ErrUpstreamUnavailable covers network failures, auth rejections, rate
	// limiting, and brokerage-side errors. Retry policy belongs to the caller.
	ErrUpstreamUnavailable = errors.New("fetcher: brokerage unavailable")
	// ErrSymbolNotFound indicates the contract is unknown or no longer trades.
	ErrSymbolNotFound = errors.New("fetcher: symbol not found")
)

// QuoteFetcher retrieves a point-in-time quote for one option contract.
type QuoteFetcher interface {
	Fetch(ctx context.Context, contract option.Contract) (option.QuoteSnapshot, error)
}
