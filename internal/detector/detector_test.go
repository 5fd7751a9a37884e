package detector

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"listing-alerts/internal/storage"
)

// fakeObservationStore serves observations from memory, filtering failed
// collections the way the SQL store does.
type fakeObservationStore struct {
	observations []storage.Observation
}

func (f *fakeObservationStore) InsertObservation(_ context.Context, obs storage.Observation) (storage.Observation, error) {
	obs.ID = int64(len(f.observations) + 1)
	f.observations = append(f.observations, obs)
	return obs, nil
}

func (f *fakeObservationStore) LatestSuccessful(_ context.Context, entityID int64, n int) ([]storage.Observation, error) {
	matched := f.successful(entityID)
	sort.Slice(matched, func(i, j int) bool { return matched[i].RecordedAt.After(matched[j].RecordedAt) })
	if len(matched) > n {
		matched = matched[:n]
	}
	return matched, nil
}

func (f *fakeObservationStore) EarliestSuccessfulSince(_ context.Context, entityID int64, since time.Time) (*storage.Observation, error) {
	matched := f.successful(entityID)
	sort.Slice(matched, func(i, j int) bool { return matched[i].RecordedAt.Before(matched[j].RecordedAt) })
	for _, obs := range matched {
		if !obs.RecordedAt.Before(since) {
			result := obs
			return &result, nil
		}
	}
	return nil, nil
}

func (f *fakeObservationStore) ListObservationsBetween(_ context.Context, entityID int64, from, to time.Time) ([]storage.Observation, error) {
	var matched []storage.Observation
	for _, obs := range f.observations {
		if obs.EntityID == entityID && !obs.RecordedAt.Before(from) && obs.RecordedAt.Before(to) {
			matched = append(matched, obs)
		}
	}
	return matched, nil
}

func (f *fakeObservationStore) successful(entityID int64) []storage.Observation {
	var matched []storage.Observation
	for _, obs := range f.observations {
		if obs.EntityID == entityID && obs.CollectionSucceeded {
			matched = append(matched, obs)
		}
	}
	return matched
}

var _ storage.ObservationStore = (*fakeObservationStore)(nil)

func newObservation(id, entityID int64, recordedAt time.Time, price float64, succeeded bool) storage.Observation {
	p := decimal.NewFromFloat(price)
	inStock := true
	return storage.Observation{
		ID:                  id,
		EntityID:            entityID,
		RecordedAt:          recordedAt,
		Price:               &p,
		InStock:             &inStock,
		CollectionSucceeded: succeeded,
	}
}

func newDetector(store storage.ObservationStore) *Detector {
	return New(store, Options{
		MinRatingDelta:    decimal.NewFromFloat(0.1),
		ReviewSpikeWindow: 7 * 24 * time.Hour,
	}, zerolog.Nop())
}

func TestDetectPriceDecrease(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeObservationStore{observations: []storage.Observation{
		newObservation(1, 7, day1, 100, true),
		newObservation(2, 7, day1.AddDate(0, 0, 1), 85, true),
	}}

	events, err := newDetector(store).Detect(context.Background(), 7)
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.Kind != storage.KindPriceDecrease {
		t.Fatalf("expected price_decrease, got %s", event.Kind)
	}
	if event.OldValue != "100.00" || event.NewValue != "85.00" {
		t.Fatalf("unexpected values: %s -> %s", event.OldValue, event.NewValue)
	}
	if event.PercentChange == nil || !event.PercentChange.Equal(decimal.NewFromInt(-15)) {
		t.Fatalf("expected -15%% change, got %v", event.PercentChange)
	}
	if event.PreviousObservationID != 1 || event.CurrentObservationID != 2 {
		t.Fatalf("unexpected observation ids: %d -> %d", event.PreviousObservationID, event.CurrentObservationID)
	}
}

func TestDetectSkipsFailedObservations(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeObservationStore{observations: []storage.Observation{
		newObservation(1, 7, day1, 100, true),
		newObservation(2, 7, day1.AddDate(0, 0, 1), 85, true),
		newObservation(3, 7, day1.AddDate(0, 0, 2), 1, false),
	}}

	events, err := newDetector(store).Detect(context.Background(), 7)
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].PreviousObservationID != 1 || events[0].CurrentObservationID != 2 {
		t.Fatalf("failed observation must be ignored; diffed %d -> %d",
			events[0].PreviousObservationID, events[0].CurrentObservationID)
	}
}

func TestDetectTooFewObservations(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeObservationStore{observations: []storage.Observation{
		newObservation(1, 7, day1, 100, true),
		newObservation(2, 7, day1.AddDate(0, 0, 1), 85, false),
	}}

	events, err := newDetector(store).Detect(context.Background(), 7)
	if err != nil {
		t.Fatalf("too few observations must not be an error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestDetectIdempotent(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeObservationStore{observations: []storage.Observation{
		newObservation(1, 7, day1, 100, true),
		newObservation(2, 7, day1.AddDate(0, 0, 1), 85, true),
	}}
	det := newDetector(store)

	first, err := det.Detect(context.Background(), 7)
	if err != nil {
		t.Fatalf("first Detect: %v", err)
	}
	second, err := det.Detect(context.Background(), 7)
	if err != nil {
		t.Fatalf("second Detect: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("event counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Kind != second[i].Kind || first[i].CurrentObservationID != second[i].CurrentObservationID {
			t.Fatalf("event %d differs between runs", i)
		}
	}
}

func TestDiffZeroOldPrice(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	previous := newObservation(1, 7, day1, 0, true)
	current := newObservation(2, 7, day1.AddDate(0, 0, 1), 49.99, true)

	events := Diff(previous, current, decimal.NewFromFloat(0.1))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].PercentChange != nil {
		t.Fatalf("percent change must be nil when old price is zero, got %v", events[0].PercentChange)
	}
	if events[0].Delta == nil || !events[0].Delta.Equal(decimal.NewFromFloat(49.99)) {
		t.Fatalf("expected delta 49.99, got %v", events[0].Delta)
	}
}

func TestDiffStockFlipOnly(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	previous := newObservation(1, 7, day1, 100, true)
	current := newObservation(2, 7, day1.AddDate(0, 0, 1), 100, true)

	// Steady state: no event.
	if events := Diff(previous, current, decimal.NewFromFloat(0.1)); len(events) != 0 {
		t.Fatalf("steady stock state must not emit events, got %d", len(events))
	}

	outOfStock := false
	current.InStock = &outOfStock
	events := Diff(previous, current, decimal.NewFromFloat(0.1))
	if len(events) != 1 || events[0].Kind != storage.KindWentOutOfStock {
		t.Fatalf("expected went_out_of_stock, got %+v", events)
	}
	if events[0].OldValue != "in stock" || events[0].NewValue != "out of stock" {
		t.Fatalf("unexpected stock labels: %s -> %s", events[0].OldValue, events[0].NewValue)
	}
}

func TestDiffOneEventPerMetric(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	previous := newObservation(1, 7, day1, 100, true)
	current := newObservation(2, 7, day1.AddDate(0, 0, 1), 80, true)

	oldRank, newRank := 50, 10
	previous.Rank = &oldRank
	current.Rank = &newRank

	oldRating := decimal.NewFromFloat(4.0)
	newRating := decimal.NewFromFloat(4.5)
	previous.Rating = &oldRating
	current.Rating = &newRating

	events := Diff(previous, current, decimal.NewFromFloat(0.1))
	if len(events) != 3 {
		t.Fatalf("expected 3 events (price, rank, rating), got %d", len(events))
	}

	kinds := map[storage.AlertKind]bool{}
	for _, event := range events {
		kinds[event.Kind] = true
	}
	for _, want := range []storage.AlertKind{storage.KindPriceDecrease, storage.KindRankImproved, storage.KindRatingChanged} {
		if !kinds[want] {
			t.Fatalf("missing %s in %v", want, kinds)
		}
	}
}

func TestDetectReviewSpike(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	anchor := newObservation(1, 7, day1, 100, true)
	mid := newObservation(2, 7, day1.AddDate(0, 0, 3), 100, true)
	current := newObservation(3, 7, day1.AddDate(0, 0, 6), 100, true)

	oldCount, midCount, newCount := 40, 45, 70
	anchor.ReviewCount = &oldCount
	mid.ReviewCount = &midCount
	current.ReviewCount = &newCount

	store := &fakeObservationStore{observations: []storage.Observation{anchor, mid, current}}

	events, err := newDetector(store).Detect(context.Background(), 7)
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}

	var spike *ChangeEvent
	for i := range events {
		if events[i].Kind == storage.KindReviewSpike {
			spike = &events[i]
		}
	}
	if spike == nil {
		t.Fatalf("expected a review_spike event in %+v", events)
	}
	if spike.OldValue != "40" || spike.NewValue != "70" {
		t.Fatalf("spike must anchor on the window start: %s -> %s", spike.OldValue, spike.NewValue)
	}
	if spike.PercentChange == nil || !spike.PercentChange.Equal(decimal.NewFromInt(75)) {
		t.Fatalf("expected 75%% growth, got %v", spike.PercentChange)
	}
}
