package app

import (
	"context"
	"time"
)

// Detect runs one detection pass outside the scheduler: a single entity when
// requested, otherwise a full sweep over tracked entities.
func (a *App) Detect(ctx context.Context, opts DetectOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pipe := a.newPipeline(store)

	if opts.EntityID > 0 {
		return pipe.RunDetectionCycle(ctx, opts.EntityID)
	}
	return pipe.Sweep(ctx, time.Now().UTC())
}
