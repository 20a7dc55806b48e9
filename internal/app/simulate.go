package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copyfat/Option-Loop/internal/alerting"
	"github.com/copyfat/Option-Loop/internal/option"
	"github.com/copyfat/Option-Loop/internal/risk"
)

// Simulate runs the risk calculator over a hypothetical quote and prints the
// derived analytics, optionally pushing a test notification through the
// configured channel. Nothing is persisted.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	contract, err := opts.Contract.Resolve(time.Now().UTC())
	if err != nil {
		return err
	}
	if opts.UnderlyingPrice <= 0 || opts.Bid <= 0 || opts.Ask <= 0 {
		return errors.New("--underlying, --bid, and --ask must all be greater than zero")
	}

	snap := option.QuoteSnapshot{
		UnderlyingPrice: decimal.NewFromFloat(opts.UnderlyingPrice),
		Bid:             decimal.NewFromFloat(opts.Bid),
		Ask:             decimal.NewFromFloat(opts.Ask),
		Last:            decimal.NewFromFloat(opts.Bid).Add(decimal.NewFromFloat(opts.Ask)).Div(decimal.NewFromInt(2)),
		ObservedAt:      time.Now().UTC(),
	}

	metrics, err := a.newCalculator().Compute(contract, snap)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "contract:    %s\n", contract.String())
	fmt.Fprintf(os.Stdout, "mid price:   %s\n", snap.Mid().StringFixed(4))
	fmt.Fprintf(os.Stdout, "implied vol: %.6f\n", metrics.ImpliedVol)
	fmt.Fprintf(os.Stdout, "delta:       %.6f\n", metrics.Delta)
	fmt.Fprintf(os.Stdout, "gamma:       %.6f\n", metrics.Gamma)
	fmt.Fprintf(os.Stdout, "theta:       %.6f\n", metrics.Theta)
	fmt.Fprintf(os.Stdout, "vega:        %.6f\n", metrics.Vega)
	fmt.Fprintf(os.Stdout, "rho:         %.6f\n", metrics.Rho)

	if !opts.SendTest {
		return nil
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no notification channel configured")
	}
	return notifier.Notify(ctx, alerting.Event{
		Contract:    contract.String(),
		Metric:      risk.MetricIV,
		Operator:    alerting.OpGT,
		Threshold:   decimal.Zero,
		MetricValue: metrics.ImpliedVol,
		Transition:  alerting.TransitionFired,
		At:          snap.ObservedAt,
	})
}
