package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/copyfat/Option-Loop/internal/option"
)

const (
	quotesPath = "/v1/markets/quotes"
	chainsPath = "/v1/markets/options/chains"
)

// BrokerOptions parameterise the brokerage REST client.
type BrokerOptions struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	RateLimitPerSec float64
}

// Broker fetches underlying quotes and option chains from the brokerage API.
// A single limiter is shared across all concurrent fetches so parallel
// contract fan-out still respects the upstream quota.
type Broker struct {
	opts    BrokerOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewBroker constructs a brokerage quote fetcher.
func NewBroker(opts BrokerOptions, logger zerolog.Logger) *Broker {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	perSec := opts.RateLimitPerSec
	if perSec <= 0 {
		perSec = 2
	}

	return &Broker{
		opts:    opts,
		logger:  logger.With().Str("component", "broker_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSec), int(perSec)+1),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Fetch retrieves the underlying quote and the option chain entry for the
// contract. It performs no retries; each request is bounded by the client
// timeout and the shared rate limiter.
func (b *Broker) Fetch(ctx context.Context, contract option.Contract) (option.QuoteSnapshot, error) {
	if b.baseURL == "" {
		return option.QuoteSnapshot{}, fmt.Errorf("%w: base url not configured", ErrUpstreamUnavailable)
	}

	underlying, err := b.fetchUnderlying(ctx, contract.Underlying)
	if err != nil {
		return option.QuoteSnapshot{}, err
	}

	leg, err := b.fetchChainLeg(ctx, contract)
	if err != nil {
		return option.QuoteSnapshot{}, err
	}

	snap := option.QuoteSnapshot{
		UnderlyingPrice: underlying,
		Bid:             leg.Bid,
		Ask:             leg.Ask,
		Last:            leg.Last,
		ObservedAt:      time.Now().UTC(),
	}

	b.logger.Debug().
		Str("contract", contract.String()).
		Str("bid", snap.Bid.String()).
		Str("ask", snap.Ask.String()).
		Msg("quote fetched")

	return snap, nil
}

func (b *Broker) fetchUnderlying(ctx context.Context, symbol string) (decimal.Decimal, error) {
	query := url.Values{"symbols": {strings.ToUpper(symbol)}}
	payload, err := b.get(ctx, quotesPath, query)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var res quotesResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: decode quotes: %v", ErrUpstreamUnavailable, err)
	}
	if len(res.Quotes.Quote) == 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: no quote for %s", ErrSymbolNotFound, symbol)
	}

	last := decimal.NewFromFloat(res.Quotes.Quote[0].Last)
	if !last.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: underlying %s quoted at %s", ErrUpstreamUnavailable, symbol, last)
	}
	return last, nil
}

func (b *Broker) fetchChainLeg(ctx context.Context, contract option.Contract) (chainLeg, error) {
	query := url.Values{
		"symbol":     {strings.ToUpper(contract.Underlying)},
		"expiration": {contract.Expiration.Format("2006-01-02")},
		"greeks":     {"false"},
	}
	payload, err := b.get(ctx, chainsPath, query)
	if err != nil {
		return chainLeg{}, err
	}

	var res chainsResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return chainLeg{}, fmt.Errorf("%w: decode chain: %v", ErrUpstreamUnavailable, err)
	}

	occ := contract.OCC()
	for _, leg := range res.Options.Option {
		if leg.Symbol == occ {
			return chainLeg{
				Bid:  decimal.NewFromFloat(leg.Bid),
				Ask:  decimal.NewFromFloat(leg.Ask),
				Last: decimal.NewFromFloat(leg.Last),
			}, nil
		}
	}

	return chainLeg{}, fmt.Errorf("%w: %s absent from chain", ErrSymbolNotFound, occ)
}

func (b *Broker) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrUpstreamUnavailable, err)
	}

	endpoint := b.baseURL + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if b.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.opts.Token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstreamUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, path)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: rate limited by brokerage", ErrUpstreamUnavailable)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: authentication rejected (%d)", ErrUpstreamUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: brokerage status %d: %s", ErrUpstreamUnavailable, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	return payload, nil
}

type chainLeg struct {
	Bid  decimal.Decimal
	Ask  decimal.Decimal
	Last decimal.Decimal
}

type quotesResponse struct {
	Quotes struct {
		Quote []struct {
			Symbol string  `json:"symbol"`
			Last   float64 `json:"last"`
			Bid    float64 `json:"bid"`
			Ask    float64 `json:"ask"`
		} `json:"quote"`
	} `json:"quotes"`
}

type chainsResponse struct {
	Options struct {
		Option []struct {
			Symbol     string  `json:"symbol"`
			Strike     float64 `json:"strike"`
			OptionType string  `json:"option_type"`
			Bid        float64 `json:"bid"`
			Ask        float64 `json:"ask"`
			Last       float64 `json:"last"`
		} `json:"option"`
	} `json:"options"`
}

var _ QuoteFetcher = (*Broker)(nil)
