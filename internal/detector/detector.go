// Package detector diffs the two most recent successful observations of a
// tracked entity into candidate change events, one per metric that moved.
// Events are ephemeral; threshold filtering happens in the classifier.
package detector

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"listing-alerts/internal/storage"
)

// ChangeEvent is an in-memory candidate change derived from two observations.
type ChangeEvent struct {
	EntityID              int64
	Kind                  storage.AlertKind
	OldValue              string
	NewValue              string
	PercentChange         *decimal.Decimal
	Delta                 *decimal.Decimal
	PreviousObservationID int64
	CurrentObservationID  int64
}

// Options tune detection behaviour.
type Options struct {
	// MinRatingDelta suppresses rating noise from marketplace rounding.
	MinRatingDelta decimal.Decimal
	// ReviewSpikeWindow anchors review-count growth against the oldest
	// successful observation within the trailing window.
	ReviewSpikeWindow time.Duration
}

// Detector reads observation history and emits change events.
type Detector struct {
	observations storage.ObservationStore
	opts         Options
	logger       zerolog.Logger
}

// New constructs a Detector.
func New(observations storage.ObservationStore, opts Options, logger zerolog.Logger) *Detector {
	if opts.ReviewSpikeWindow <= 0 {
		opts.ReviewSpikeWindow = 7 * 24 * time.Hour
	}
	return &Detector{
		observations: observations,
		opts:         opts,
		logger:       logger.With().Str("component", "detector").Logger(),
	}
}

// Detect compares the latest two successful observations for an entity.
// Fewer than two successful observations yields no events and no error.
// Idempotent: the same observation pair always produces the same events.
func (d *Detector) Detect(ctx context.Context, entityID int64) ([]ChangeEvent, error) {
	recent, err := d.observations.LatestSuccessful(ctx, entityID, 2)
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}
	if len(recent) < 2 {
		d.logger.Debug().Int64("entity_id", entityID).Int("observations", len(recent)).
			Msg("not enough successful observations to diff")
		return nil, nil
	}

	current, previous := recent[0], recent[1]
	events := Diff(previous, current, d.opts.MinRatingDelta)

	spike, err := d.detectReviewSpike(ctx, current)
	if err != nil {
		// Spike detection is best effort; the pairwise events still stand.
		d.logger.Warn().Err(err).Int64("entity_id", entityID).Msg("review spike detection failed")
	} else if spike != nil {
		events = append(events, *spike)
	}

	return events, nil
}

// Diff emits one ChangeEvent per metric that differs between two successful
// observations. Boolean metrics emit only on flip. Pure function.
func Diff(previous, current storage.Observation, minRatingDelta decimal.Decimal) []ChangeEvent {
	var events []ChangeEvent

	base := ChangeEvent{
		EntityID:              current.EntityID,
		PreviousObservationID: previous.ID,
		CurrentObservationID:  current.ID,
	}

	if previous.Price != nil && current.Price != nil && !previous.Price.Equal(*current.Price) {
		event := base
		event.Kind = storage.KindPriceDecrease
		if current.Price.GreaterThan(*previous.Price) {
			event.Kind = storage.KindPriceIncrease
		}
		event.OldValue = previous.Price.StringFixed(2)
		event.NewValue = current.Price.StringFixed(2)
		delta := current.Price.Sub(*previous.Price)
		event.Delta = &delta
		event.PercentChange = percentChange(*previous.Price, *current.Price)
		events = append(events, event)
	}

	if previous.Rank != nil && current.Rank != nil && *previous.Rank != *current.Rank {
		event := base
		// Lower rank is better.
		event.Kind = storage.KindRankWorsened
		if *current.Rank < *previous.Rank {
			event.Kind = storage.KindRankImproved
		}
		event.OldValue = strconv.Itoa(*previous.Rank)
		event.NewValue = strconv.Itoa(*current.Rank)
		oldRank := decimal.NewFromInt(int64(*previous.Rank))
		newRank := decimal.NewFromInt(int64(*current.Rank))
		delta := newRank.Sub(oldRank)
		event.Delta = &delta
		event.PercentChange = percentChange(oldRank, newRank)
		events = append(events, event)
	}

	if previous.InStock != nil && current.InStock != nil && *previous.InStock != *current.InStock {
		event := base
		event.Kind = storage.KindBackInStock
		if *previous.InStock {
			event.Kind = storage.KindWentOutOfStock
		}
		event.OldValue = stockLabel(*previous.InStock)
		event.NewValue = stockLabel(*current.InStock)
		events = append(events, event)
	}

	if previous.Rating != nil && current.Rating != nil {
		delta := current.Rating.Sub(*previous.Rating)
		if delta.Abs().GreaterThanOrEqual(minRatingDelta) && !delta.IsZero() {
			event := base
			event.Kind = storage.KindRatingChanged
			event.OldValue = previous.Rating.StringFixed(1)
			event.NewValue = current.Rating.StringFixed(1)
			event.Delta = &delta
			event.PercentChange = percentChange(*previous.Rating, *current.Rating)
			events = append(events, event)
		}
	}

	return events
}

// detectReviewSpike compares the current review count against the oldest
// successful observation inside the trailing window.
func (d *Detector) detectReviewSpike(ctx context.Context, current storage.Observation) (*ChangeEvent, error) {
	if current.ReviewCount == nil {
		return nil, nil
	}

	since := current.RecordedAt.Add(-d.opts.ReviewSpikeWindow)
	anchor, err := d.observations.EarliestSuccessfulSince(ctx, current.EntityID, since)
	if err != nil {
		return nil, err
	}
	if anchor == nil || anchor.ID == current.ID || anchor.ReviewCount == nil {
		return nil, nil
	}
	if *current.ReviewCount <= *anchor.ReviewCount {
		return nil, nil
	}

	oldCount := decimal.NewFromInt(int64(*anchor.ReviewCount))
	newCount := decimal.NewFromInt(int64(*current.ReviewCount))
	delta := newCount.Sub(oldCount)

	event := ChangeEvent{
		EntityID:              current.EntityID,
		Kind:                  storage.KindReviewSpike,
		OldValue:              oldCount.String(),
		NewValue:              newCount.String(),
		Delta:                 &delta,
		PercentChange:         percentChange(oldCount, newCount),
		PreviousObservationID: anchor.ID,
		CurrentObservationID:  current.ID,
	}
	return &event, nil
}

// percentChange computes (new-old)/old*100, or nil when old is zero.
func percentChange(oldValue, newValue decimal.Decimal) *decimal.Decimal {
	if oldValue.IsZero() {
		return nil
	}
	pct := newValue.Sub(oldValue).Div(oldValue).Mul(decimal.NewFromInt(100))
	return &pct
}

func stockLabel(inStock bool) string {
	if inStock {
		return "in stock"
	}
	return "out of stock"
}
