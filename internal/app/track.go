package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copyfat/Option-Loop/internal/option"
	"github.com/copyfat/Option-Loop/internal/pricing"
)

// ContractArgs are the raw CLI inputs identifying a contract.
type ContractArgs struct {
	Symbol     string
	Expiration string
	Strike     float64
	Type       string
}

// Resolve parses and validates the raw arguments into a Contract.
func (c ContractArgs) Resolve(now time.Time) (option.Contract, error) {
	expiration, err := time.Parse("2006-01-02", c.Expiration)
	if err != nil {
		return option.Contract{}, fmt.Errorf("invalid --expiration value: %w", err)
	}

	typ, err := pricing.ParseOptionType(c.Type)
	if err != nil {
		return option.Contract{}, err
	}

	contract := option.Contract{
		Underlying: c.Symbol,
		Expiration: expiration.UTC(),
		Strike:     decimal.NewFromFloat(c.Strike),
		Type:       typ,
	}
	if err := contract.Validate(now); err != nil {
		return option.Contract{}, err
	}
	return contract, nil
}

// TrackAdd registers a contract for monitoring.
func (a *App) TrackAdd(ctx context.Context, args ContractArgs) error {
	contract, err := args.Resolve(time.Now().UTC())
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pos, err := store.AddPosition(ctx, contract)
	if err != nil {
		return err
	}

	a.Logger.Info().Int64("position_id", pos.ID).Str("contract", contract.String()).Msg("position tracked")
	fmt.Fprintf(os.Stdout, "tracking %s (id %d)\n", contract.String(), pos.ID)
	return nil
}

// TrackRemove unregisters a contract. Rules, alert state, and history for
// the position are removed with it.
func (a *App) TrackRemove(ctx context.Context, args ContractArgs) error {
	// Validation must not reject expired contracts here: removing a
	// position that has already expired is the common case.
	expiration, err := time.Parse("2006-01-02", args.Expiration)
	if err != nil {
		return fmt.Errorf("invalid --expiration value: %w", err)
	}
	typ, err := pricing.ParseOptionType(args.Type)
	if err != nil {
		return err
	}
	contract := option.Contract{
		Underlying: args.Symbol,
		Expiration: expiration.UTC(),
		Strike:     decimal.NewFromFloat(args.Strike),
		Type:       typ,
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.RemovePosition(ctx, contract); err != nil {
		return err
	}

	a.Logger.Info().Str("contract", contract.String()).Msg("position untracked")
	fmt.Fprintf(os.Stdout, "removed %s\n", contract.String())
	return nil
}

// TrackList prints tracked positions with their rules.
func (a *App) TrackList(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	positions, err := store.ListPositions(ctx)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		fmt.Fprintln(os.Stdout, "no tracked positions")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tContract\tRules\tSince")

	for _, pos := range positions {
		rules, err := store.ListRules(ctx, pos.ID)
		if err != nil {
			return err
		}
		ruleDesc := ""
		for i, rule := range rules {
			if i > 0 {
				ruleDesc += "; "
			}
			ruleDesc += fmt.Sprintf("%s %s %s", rule.Metric, rule.Operator, rule.Threshold.String())
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\n",
			pos.ID,
			pos.Contract.String(),
			ruleDesc,
			pos.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	return writer.Flush()
}
