package app

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Prune removes risk samples and alert events older than the configured
// retention windows.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	now := time.Now().UTC()
	sampleCutoff := now.Add(-a.Config.Retention.RiskSamples)
	eventCutoff := now.Add(-a.Config.Retention.AlertEvents)

	if opts.DryRun {
		fmt.Fprintf(os.Stdout, "dry-run: would delete risk samples before %s and alert events before %s\n",
			sampleCutoff.Format(time.RFC3339), eventCutoff.Format(time.RFC3339))
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	samplesDeleted, err := store.DeleteRiskSamplesBefore(ctx, sampleCutoff)
	if err != nil {
		return err
	}
	eventsDeleted, err := store.DeleteAlertEventsBefore(ctx, eventCutoff)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Int64("risk_samples", samplesDeleted).
		Int64("alert_events", eventsDeleted).
		Msg("retention prune complete")
	fmt.Fprintf(os.Stdout, "deleted %d risk samples, %d alert events\n", samplesDeleted, eventsDeleted)
	return nil
}
