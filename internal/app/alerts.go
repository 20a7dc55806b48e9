package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Alerts prints recent alert events.
func (a *App) Alerts(ctx context.Context, opts AlertsOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	events, err := store.ListRecentAlertEvents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stdout, "no alert events found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tContract\tTransition\tMetric\tValue\tThreshold")

	for _, event := range events {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%.6f\t%s\n",
			event.CreatedAt.UTC().Format(time.RFC3339),
			event.Contract,
			event.Transition,
			event.Metric,
			event.MetricValue,
			event.Threshold.String(),
		)
	}

	return writer.Flush()
}
