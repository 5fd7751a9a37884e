package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"listing-alerts/internal/storage"
)

// Simulate inserts a synthetic observation pair for an entity and runs one
// detection cycle, exercising the full pipeline without a collector.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.EntityID <= 0 {
		return errors.New("--entity must be provided")
	}
	if opts.OldPrice.IsNegative() || opts.NewPrice.IsNegative() {
		return errors.New("--old-price and --new-price cannot be negative")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	now := time.Now().UTC()
	for _, snapshot := range []struct {
		price      decimal.Decimal
		recordedAt time.Time
	}{
		{opts.OldPrice, now.Add(-24 * time.Hour)},
		{opts.NewPrice, now},
	} {
		price := snapshot.price
		inStock := true
		obs := storage.Observation{
			EntityID:            opts.EntityID,
			RecordedAt:          snapshot.recordedAt,
			Price:               &price,
			InStock:             &inStock,
			CollectionSucceeded: true,
		}
		if _, err := store.InsertObservation(ctx, obs); err != nil {
			return err
		}
	}

	a.Logger.Info().Int64("entity_id", opts.EntityID).
		Str("old_price", opts.OldPrice.StringFixed(2)).
		Str("new_price", opts.NewPrice.StringFixed(2)).
		Msg("synthetic observations inserted; running detection cycle")

	pipe := a.newPipeline(store)
	return pipe.RunDetectionCycle(ctx, opts.EntityID)
}
