package pipeline

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"listing-alerts/internal/classifier"
	"listing-alerts/internal/detector"
	"listing-alerts/internal/fanout"
	"listing-alerts/internal/storage"
	"listing-alerts/internal/thresholds"
)

// memStore backs a whole pipeline run in memory, enforcing the same unique
// keys the SQL schema does.
type memStore struct {
	observations  []storage.Observation
	subscribers   map[int64][]storage.Subscriber
	alerts        []storage.Alert
	notifications []storage.Notification
	nextAlertID   int64
}

func (m *memStore) InsertObservation(_ context.Context, obs storage.Observation) (storage.Observation, error) {
	obs.ID = int64(len(m.observations) + 1)
	m.observations = append(m.observations, obs)
	return obs, nil
}

func (m *memStore) LatestSuccessful(_ context.Context, entityID int64, n int) ([]storage.Observation, error) {
	var matched []storage.Observation
	for _, obs := range m.observations {
		if obs.EntityID == entityID && obs.CollectionSucceeded {
			matched = append(matched, obs)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].RecordedAt.After(matched[j].RecordedAt) })
	if len(matched) > n {
		matched = matched[:n]
	}
	return matched, nil
}

func (m *memStore) EarliestSuccessfulSince(_ context.Context, entityID int64, since time.Time) (*storage.Observation, error) {
	var candidate *storage.Observation
	for i := range m.observations {
		obs := m.observations[i]
		if obs.EntityID != entityID || !obs.CollectionSucceeded || obs.RecordedAt.Before(since) {
			continue
		}
		if candidate == nil || obs.RecordedAt.Before(candidate.RecordedAt) {
			candidate = &obs
		}
	}
	return candidate, nil
}

func (m *memStore) ListObservationsBetween(_ context.Context, _ int64, _, _ time.Time) ([]storage.Observation, error) {
	return nil, nil
}

func (m *memStore) InsertAlert(_ context.Context, alert storage.Alert) (storage.Alert, bool, error) {
	for _, existing := range m.alerts {
		if existing.EntityID == alert.EntityID && existing.UserID == alert.UserID &&
			existing.Kind == alert.Kind && obsIDsEqual(existing.TriggeringObservationID, alert.TriggeringObservationID) {
			return storage.Alert{}, false, nil
		}
	}
	m.nextAlertID++
	alert.ID = m.nextAlertID
	alert.CreatedAt = time.Now().UTC()
	m.alerts = append(m.alerts, alert)
	return alert, true, nil
}

func (m *memStore) AlertExists(_ context.Context, entityID, userID int64, observationID *int64, kind storage.AlertKind) (bool, error) {
	for _, existing := range m.alerts {
		if existing.EntityID == entityID && existing.UserID == userID &&
			existing.Kind == kind && obsIDsEqual(existing.TriggeringObservationID, observationID) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListAlerts(_ context.Context, _ int64, _ storage.AlertFilter) ([]storage.Alert, error) {
	return m.alerts, nil
}

func (m *memStore) ListRecentAlerts(_ context.Context, _ int) ([]storage.Alert, error) {
	return m.alerts, nil
}

func (m *memStore) MarkAlertRead(_ context.Context, _ int64) error      { return nil }
func (m *memStore) MarkAlertDismissed(_ context.Context, _ int64) error { return nil }

func (m *memStore) MarkAlertNotified(_ context.Context, id int64) error {
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			now := time.Now().UTC()
			m.alerts[i].NotifiedAt = &now
			return nil
		}
	}
	return fmt.Errorf("alert %d not found", id)
}

func (m *memStore) Subscribers(_ context.Context, entityID int64) ([]storage.Subscriber, error) {
	return m.subscribers[entityID], nil
}

func (m *memStore) TrackedEntityIDs(_ context.Context) ([]int64, error) {
	var ids []int64
	for id := range m.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memStore) UserEmail(_ context.Context, userID int64) (string, error) {
	for _, subs := range m.subscribers {
		for _, sub := range subs {
			if sub.UserID == userID {
				return sub.Email, nil
			}
		}
	}
	return "", storage.ErrUserNotFound
}

func (m *memStore) InsertNotification(_ context.Context, n storage.Notification) (storage.Notification, bool, error) {
	for _, existing := range m.notifications {
		if existing.AlertID == n.AlertID && existing.UserID == n.UserID && existing.Channel == n.Channel {
			return storage.Notification{}, false, nil
		}
	}
	n.ID = int64(len(m.notifications) + 1)
	m.notifications = append(m.notifications, n)
	return n, true, nil
}

func (m *memStore) ClaimDueEmails(_ context.Context, _ int, _ time.Duration) ([]storage.Notification, error) {
	return nil, nil
}

func (m *memStore) MarkDelivered(_ context.Context, _ int64) error { return nil }

func (m *memStore) MarkRetry(_ context.Context, _ int64, _ int, _ time.Time, _ string) error {
	return nil
}

func (m *memStore) MarkFailedPermanently(_ context.Context, _ int64, _ int, _ string) error {
	return nil
}

func (m *memStore) ListNotificationsForAlert(_ context.Context, alertID int64) ([]storage.Notification, error) {
	var matched []storage.Notification
	for _, n := range m.notifications {
		if n.AlertID == alertID {
			matched = append(matched, n)
		}
	}
	return matched, nil
}

func (m *memStore) EntityThresholds(_ context.Context, _, _ int64) (*storage.ThresholdOverride, error) {
	return nil, nil
}

func (m *memStore) UserThresholds(_ context.Context, _ int64) (*storage.ThresholdOverride, error) {
	return nil, nil
}

var (
	_ storage.ObservationStore  = (*memStore)(nil)
	_ storage.AlertStore        = (*memStore)(nil)
	_ storage.SubscriberStore   = (*memStore)(nil)
	_ storage.NotificationStore = (*memStore)(nil)
	_ storage.ThresholdStore    = (*memStore)(nil)
)

func obsIDsEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func addObservation(store *memStore, entityID int64, recordedAt time.Time, price float64) {
	p := decimal.NewFromFloat(price)
	inStock := true
	_, _ = store.InsertObservation(context.Background(), storage.Observation{
		EntityID:            entityID,
		RecordedAt:          recordedAt,
		Price:               &p,
		InStock:             &inStock,
		CollectionSucceeded: true,
	})
}

func newTestPipeline(store *memStore) *Pipeline {
	logger := zerolog.Nop()
	resolver := thresholds.New(store, thresholds.Defaults{
		PriceChangePct: decimal.NewFromInt(10),
		RankChangePct:  decimal.NewFromInt(30),
	}, logger)
	det := detector.New(store, detector.Options{
		MinRatingDelta: decimal.NewFromFloat(0.1),
	}, logger)
	cls := classifier.New(store, resolver, classifier.Options{
		ReviewSpikePct:   decimal.NewFromInt(50),
		ReviewSpikeCount: 20,
		RatingWarnDelta:  decimal.NewFromFloat(0.5),
	}, logger)
	fan := fanout.New(store, true, "https://listingwatch.example.com", logger)
	return New(det, cls, store, store, fan, nil, 0, logger)
}

func TestDetectionCycleEndToEnd(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &memStore{subscribers: map[int64][]storage.Subscriber{
		7: {{UserID: 1, Email: "buyer@example.com", EmailEnabled: true}},
	}}
	addObservation(store, 7, day1, 100)
	addObservation(store, 7, day1.AddDate(0, 0, 1), 85)

	pipe := newTestPipeline(store)
	if err := pipe.RunDetectionCycle(context.Background(), 7); err != nil {
		t.Fatalf("RunDetectionCycle: %v", err)
	}

	if len(store.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(store.alerts))
	}
	alert := store.alerts[0]
	if alert.Kind != storage.KindPriceDecrease {
		t.Fatalf("expected price_decrease, got %s", alert.Kind)
	}
	if alert.Severity != storage.SeverityWarning {
		t.Fatalf("a 15%% drop against a 10%% threshold is a warning, got %s", alert.Severity)
	}
	if alert.PercentChange == nil || !alert.PercentChange.Equal(decimal.NewFromInt(-15)) {
		t.Fatalf("expected -15%% recorded on the alert, got %v", alert.PercentChange)
	}
	if alert.NotifiedAt == nil {
		t.Fatal("alert must be marked notified after fan-out")
	}

	if len(store.notifications) != 2 {
		t.Fatalf("expected in_app + email rows, got %d", len(store.notifications))
	}
	byChannel := map[storage.Channel]storage.Notification{}
	for _, n := range store.notifications {
		byChannel[n.Channel] = n
	}
	if byChannel[storage.ChannelInApp].Status != storage.StatusDelivered {
		t.Fatalf("in_app leg must deliver immediately: %+v", byChannel[storage.ChannelInApp])
	}
	if byChannel[storage.ChannelEmail].Status != storage.StatusPending {
		t.Fatalf("email leg must queue for the worker: %+v", byChannel[storage.ChannelEmail])
	}
}

func TestDetectionCycleIsIdempotent(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &memStore{subscribers: map[int64][]storage.Subscriber{
		7: {{UserID: 1, Email: "buyer@example.com", EmailEnabled: true}},
	}}
	addObservation(store, 7, day1, 100)
	addObservation(store, 7, day1.AddDate(0, 0, 1), 85)

	pipe := newTestPipeline(store)
	for i := 0; i < 3; i++ {
		if err := pipe.RunDetectionCycle(context.Background(), 7); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}

	if len(store.alerts) != 1 {
		t.Fatalf("re-runs must not duplicate alerts, got %d", len(store.alerts))
	}
	if len(store.notifications) != 2 {
		t.Fatalf("re-runs must not duplicate notifications, got %d", len(store.notifications))
	}
}

func TestDetectionCycleBelowThreshold(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &memStore{subscribers: map[int64][]storage.Subscriber{
		7: {{UserID: 1, Email: "buyer@example.com", EmailEnabled: true}},
	}}
	addObservation(store, 7, day1, 100)
	addObservation(store, 7, day1.AddDate(0, 0, 1), 95)

	pipe := newTestPipeline(store)
	if err := pipe.RunDetectionCycle(context.Background(), 7); err != nil {
		t.Fatalf("RunDetectionCycle: %v", err)
	}
	if len(store.alerts) != 0 {
		t.Fatalf("a 5%% drop must not alert, got %d alerts", len(store.alerts))
	}
}

func TestDetectionCycleHonoursMutedKinds(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &memStore{subscribers: map[int64][]storage.Subscriber{
		7: {{UserID: 1, Email: "buyer@example.com", EmailEnabled: true,
			MutedKinds: []string{string(storage.KindPriceDecrease)}}},
	}}
	addObservation(store, 7, day1, 100)
	addObservation(store, 7, day1.AddDate(0, 0, 1), 85)

	pipe := newTestPipeline(store)
	if err := pipe.RunDetectionCycle(context.Background(), 7); err != nil {
		t.Fatalf("RunDetectionCycle: %v", err)
	}
	if len(store.alerts) != 0 {
		t.Fatalf("muted kinds must be skipped, got %d alerts", len(store.alerts))
	}
}

func TestDetectionCycleMultipleSubscribers(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &memStore{subscribers: map[int64][]storage.Subscriber{
		7: {
			{UserID: 1, Email: "buyer@example.com", EmailEnabled: true},
			{UserID: 2, Email: "watcher@example.com", EmailEnabled: false},
		},
	}}
	addObservation(store, 7, day1, 100)
	addObservation(store, 7, day1.AddDate(0, 0, 1), 85)

	pipe := newTestPipeline(store)
	if err := pipe.RunDetectionCycle(context.Background(), 7); err != nil {
		t.Fatalf("RunDetectionCycle: %v", err)
	}

	if len(store.alerts) != 2 {
		t.Fatalf("expected one alert per subscriber, got %d", len(store.alerts))
	}
	// User 1 gets both legs, user 2 only in-app.
	if len(store.notifications) != 3 {
		t.Fatalf("expected 3 notification rows, got %d", len(store.notifications))
	}
	for _, n := range store.notifications {
		if n.UserID == 2 && n.Channel == storage.ChannelEmail {
			t.Fatal("user 2 disabled email and must not get an email row")
		}
	}
}

func TestSweepCoversAllTrackedEntities(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &memStore{subscribers: map[int64][]storage.Subscriber{
		7: {{UserID: 1, Email: "buyer@example.com", EmailEnabled: true}},
		8: {{UserID: 1, Email: "buyer@example.com", EmailEnabled: true}},
	}}
	addObservation(store, 7, day1, 100)
	addObservation(store, 7, day1.AddDate(0, 0, 1), 85)
	addObservation(store, 8, day1, 50)
	addObservation(store, 8, day1.AddDate(0, 0, 1), 80)

	pipe := newTestPipeline(store)
	if err := pipe.Sweep(context.Background(), time.Now()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if len(store.alerts) != 2 {
		t.Fatalf("expected alerts for both entities, got %d", len(store.alerts))
	}
	kinds := map[storage.AlertKind]bool{}
	for _, alert := range store.alerts {
		kinds[alert.Kind] = true
	}
	if !kinds[storage.KindPriceDecrease] || !kinds[storage.KindPriceIncrease] {
		t.Fatalf("expected one decrease and one increase, got %v", kinds)
	}
}
