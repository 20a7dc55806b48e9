package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copyfat/Option-Loop/internal/alerting"
	"github.com/copyfat/Option-Loop/internal/risk"
	"github.com/copyfat/Option-Loop/internal/storage"
)

// RuleArgs are the raw CLI inputs for an alert rule.
type RuleArgs struct {
	Contract  ContractArgs
	Metric    string
	Operator  string
	Threshold float64
}

// RuleAdd attaches a threshold rule to a tracked position.
func (a *App) RuleAdd(ctx context.Context, args RuleArgs) error {
	if _, err := (risk.Metrics{}).Value(args.Metric); err != nil {
		return fmt.Errorf("%w (valid: %v)", err, risk.MetricNames())
	}
	operator, err := alerting.ParseOperator(args.Operator)
	if err != nil {
		return err
	}
	contract, err := args.Contract.Resolve(time.Now().UTC())
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pos, err := store.GetPosition(ctx, contract)
	if err != nil {
		return err
	}

	rule, err := store.AddRule(ctx, storage.AlertRule{
		PositionID: pos.ID,
		Metric:     args.Metric,
		Operator:   operator,
		Threshold:  decimal.NewFromFloat(args.Threshold),
	})
	if err != nil {
		return err
	}

	a.Logger.Info().
		Int64("rule_id", rule.ID).
		Str("contract", contract.String()).
		Str("metric", rule.Metric).
		Msg("alert rule created")
	fmt.Fprintf(os.Stdout, "rule %d: %s %s %s on %s\n", rule.ID, rule.Metric, rule.Operator, rule.Threshold.String(), contract.String())
	return nil
}

// RuleList prints the rules attached to one tracked contract. Expired
// contracts are accepted so stale positions stay inspectable.
func (a *App) RuleList(ctx context.Context, args ContractArgs) error {
	contract, err := args.Resolve(time.Time{})
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pos, err := store.GetPosition(ctx, contract)
	if err != nil {
		return err
	}

	rules, err := store.ListRules(ctx, pos.ID)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		fmt.Fprintf(os.Stdout, "no rules on %s\n", contract.String())
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tMetric\tOperator\tThreshold\tSince")
	for _, rule := range rules {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n",
			rule.ID,
			rule.Metric,
			rule.Operator,
			rule.Threshold.String(),
			rule.CreatedAt.UTC().Format(time.RFC3339),
		)
	}
	return writer.Flush()
}
