package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"listing-alerts/internal/storage"
)

// fakeNotificationStore keeps rows in memory and enforces the
// (alert, user, channel) unique key.
type fakeNotificationStore struct {
	rows []storage.Notification
}

func (f *fakeNotificationStore) InsertNotification(_ context.Context, n storage.Notification) (storage.Notification, bool, error) {
	for _, existing := range f.rows {
		if existing.AlertID == n.AlertID && existing.UserID == n.UserID && existing.Channel == n.Channel {
			return storage.Notification{}, false, nil
		}
	}
	n.ID = int64(len(f.rows) + 1)
	f.rows = append(f.rows, n)
	return n, true, nil
}

func (f *fakeNotificationStore) ClaimDueEmails(_ context.Context, _ int, _ time.Duration) ([]storage.Notification, error) {
	return nil, nil
}

func (f *fakeNotificationStore) MarkDelivered(_ context.Context, _ int64) error { return nil }

func (f *fakeNotificationStore) MarkRetry(_ context.Context, _ int64, _ int, _ time.Time, _ string) error {
	return nil
}

func (f *fakeNotificationStore) MarkFailedPermanently(_ context.Context, _ int64, _ int, _ string) error {
	return nil
}

func (f *fakeNotificationStore) ListNotificationsForAlert(_ context.Context, alertID int64) ([]storage.Notification, error) {
	var matched []storage.Notification
	for _, n := range f.rows {
		if n.AlertID == alertID {
			matched = append(matched, n)
		}
	}
	return matched, nil
}

var _ storage.NotificationStore = (*fakeNotificationStore)(nil)

func testAlert() storage.Alert {
	return storage.Alert{
		ID:       42,
		EntityID: 7,
		UserID:   1,
		Kind:     storage.KindPriceDecrease,
		Severity: storage.SeverityWarning,
		Title:    "Price dropped (-15%)",
		Message:  "Price changed from $100.00 to $85.00 (-15%).",
	}
}

func testRecipient() storage.Subscriber {
	return storage.Subscriber{
		UserID:       1,
		Email:        "buyer@example.com",
		EmailEnabled: true,
	}
}

func TestDispatchCreatesBothChannels(t *testing.T) {
	store := &fakeNotificationStore{}
	f := New(store, true, "https://listingwatch.example.com", zerolog.Nop())

	created, err := f.Dispatch(context.Background(), testAlert(), testRecipient())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(created))
	}

	byChannel := map[storage.Channel]storage.Notification{}
	for _, n := range created {
		byChannel[n.Channel] = n
	}

	inApp, ok := byChannel[storage.ChannelInApp]
	if !ok {
		t.Fatal("missing in_app notification")
	}
	if inApp.Status != storage.StatusDelivered || inApp.DeliveredAt == nil || !inApp.DeliveryAttempted {
		t.Fatalf("in_app row must be delivered on creation: %+v", inApp)
	}

	email, ok := byChannel[storage.ChannelEmail]
	if !ok {
		t.Fatal("missing email notification")
	}
	if email.Status != storage.StatusPending || email.NextAttemptAt == nil {
		t.Fatalf("email row must be pending and due: %+v", email)
	}
	if email.Priority != storage.PriorityHigh {
		t.Fatalf("warning severity maps to high priority, got %s", email.Priority)
	}
	if email.ActionURL == nil || *email.ActionURL != "https://listingwatch.example.com/entities/7/alerts" {
		t.Fatalf("unexpected action url %v", email.ActionURL)
	}
}

func TestDispatchIsIdempotent(t *testing.T) {
	store := &fakeNotificationStore{}
	f := New(store, true, "", zerolog.Nop())

	if _, err := f.Dispatch(context.Background(), testAlert(), testRecipient()); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	created, err := f.Dispatch(context.Background(), testAlert(), testRecipient())
	if err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("re-run must create nothing, got %d rows", len(created))
	}
	if len(store.rows) != 2 {
		t.Fatalf("expected 2 stored rows total, got %d", len(store.rows))
	}
}

func TestDispatchRespectsEmailPreference(t *testing.T) {
	store := &fakeNotificationStore{}
	f := New(store, true, "", zerolog.Nop())

	recipient := testRecipient()
	recipient.EmailEnabled = false

	created, err := f.Dispatch(context.Background(), testAlert(), recipient)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(created) != 1 || created[0].Channel != storage.ChannelInApp {
		t.Fatalf("expected only the in_app row, got %+v", created)
	}
}

func TestDispatchEmailDisabledGlobally(t *testing.T) {
	store := &fakeNotificationStore{}
	f := New(store, false, "", zerolog.Nop())

	created, err := f.Dispatch(context.Background(), testAlert(), testRecipient())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(created) != 1 || created[0].Channel != storage.ChannelInApp {
		t.Fatalf("expected only the in_app row, got %+v", created)
	}
}

func TestDispatchPriorityMapping(t *testing.T) {
	cases := []struct {
		severity storage.Severity
		priority storage.Priority
	}{
		{storage.SeverityCritical, storage.PriorityUrgent},
		{storage.SeverityWarning, storage.PriorityHigh},
		{storage.SeverityInfo, storage.PriorityNormal},
	}

	for _, tc := range cases {
		store := &fakeNotificationStore{}
		f := New(store, false, "", zerolog.Nop())

		alert := testAlert()
		alert.Severity = tc.severity
		created, err := f.Dispatch(context.Background(), alert, testRecipient())
		if err != nil {
			t.Fatalf("Dispatch(%s): %v", tc.severity, err)
		}
		if len(created) != 1 || created[0].Priority != tc.priority {
			t.Fatalf("%s: expected priority %s, got %+v", tc.severity, tc.priority, created)
		}
	}
}

func TestDispatchStopsOnCancelledContext(t *testing.T) {
	store := &fakeNotificationStore{}
	f := New(store, true, "", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	created, err := f.Dispatch(ctx, testAlert(), testRecipient())
	if err == nil {
		t.Fatal("expected a context error")
	}
	if len(created) != 0 {
		t.Fatalf("no rows should be created after cancellation, got %d", len(created))
	}
}
