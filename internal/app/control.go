package app

import (
	"context"
	"fmt"
	"os"
)

// Pause suspends polling cycles across all engine processes. Tracked
// positions, rules, and alert state are untouched; a later resume picks up
// from the persisted state.
func (a *App) Pause(ctx context.Context) error {
	return a.setPaused(ctx, true)
}

// Resume re-enables polling cycles.
func (a *App) Resume(ctx context.Context) error {
	return a.setPaused(ctx, false)
}

func (a *App) setPaused(ctx context.Context, paused bool) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.SetPaused(ctx, paused); err != nil {
		return err
	}

	if paused {
		a.Logger.Info().Msg("engine paused")
		fmt.Fprintln(os.Stdout, "engine paused; cycles will be skipped until resume")
	} else {
		a.Logger.Info().Msg("engine resumed")
		fmt.Fprintln(os.Stdout, "engine resumed")
	}
	return nil
}
