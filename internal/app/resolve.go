package app

import (
	"context"
	"errors"
)

// Resolve marks an alert read, or dismissed when requested. Idempotent.
func (a *App) Resolve(ctx context.Context, opts ResolveOptions) error {
	if opts.AlertID <= 0 {
		return errors.New("--alert must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Dismiss {
		if err := store.MarkAlertDismissed(ctx, opts.AlertID); err != nil {
			return err
		}
		a.Logger.Info().Int64("alert_id", opts.AlertID).Msg("alert dismissed")
		return nil
	}

	if err := store.MarkAlertRead(ctx, opts.AlertID); err != nil {
		return err
	}
	a.Logger.Info().Int64("alert_id", opts.AlertID).Msg("alert marked read")
	return nil
}
