// Package fanout turns a persisted alert into per-channel notification rows.
// The in-app leg is a database write and counts as delivered immediately;
// the email leg is enqueued pending for the delivery worker. The unique key
// (alert, user, channel) makes re-invocation a no-op.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"listing-alerts/internal/storage"
)

// Fanout creates notification rows for alert recipients.
type Fanout struct {
	notifications storage.NotificationStore
	emailEnabled  bool
	baseURL       string
	logger        zerolog.Logger
	now           func() time.Time
}

// New constructs a Fanout. When emailEnabled is false only in-app rows are
// created.
func New(notifications storage.NotificationStore, emailEnabled bool, baseURL string, logger zerolog.Logger) *Fanout {
	return &Fanout{
		notifications: notifications,
		emailEnabled:  emailEnabled,
		baseURL:       baseURL,
		logger:        logger.With().Str("component", "fanout").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch creates one notification per enabled channel for the recipient.
// Conflicting rows (fan-out re-run) are skipped, not errors. Returns only the
// rows actually created.
func (f *Fanout) Dispatch(ctx context.Context, alert storage.Alert, recipient storage.Subscriber) ([]storage.Notification, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"entity_id":      alert.EntityID,
		"kind":           alert.Kind,
		"severity":       alert.Severity,
		"old_value":      alert.OldValue,
		"new_value":      alert.NewValue,
		"percent_change": alert.PercentChange,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal notification payload: %w", err)
	}

	var created []storage.Notification
	for _, channel := range f.channels(recipient) {
		if err := ctx.Err(); err != nil {
			// Cooperative cancellation: rows already created stay valid.
			return created, err
		}

		row := f.build(alert, recipient, channel, payload)
		inserted, ok, err := f.notifications.InsertNotification(ctx, row)
		if err != nil {
			return created, fmt.Errorf("insert %s notification: %w", channel, err)
		}
		if !ok {
			f.logger.Debug().Int64("alert_id", alert.ID).Int64("user_id", recipient.UserID).
				Str("channel", string(channel)).Msg("notification already exists")
			continue
		}
		created = append(created, inserted)
	}

	return created, nil
}

func (f *Fanout) channels(recipient storage.Subscriber) []storage.Channel {
	channels := []storage.Channel{storage.ChannelInApp}
	if f.emailEnabled && recipient.EmailEnabled && recipient.Email != "" {
		channels = append(channels, storage.ChannelEmail)
	}
	return channels
}

func (f *Fanout) build(alert storage.Alert, recipient storage.Subscriber, channel storage.Channel, payload json.RawMessage) storage.Notification {
	entityID := alert.EntityID
	n := storage.Notification{
		AlertID:  alert.ID,
		UserID:   recipient.UserID,
		EntityID: &entityID,
		Channel:  channel,
		Kind:     alert.Kind,
		Title:    alert.Title,
		Message:  alert.Message,
		Payload:  payload,
		Priority: priorityFor(alert.Severity),
	}

	if f.baseURL != "" {
		url := fmt.Sprintf("%s/entities/%d/alerts", f.baseURL, alert.EntityID)
		n.ActionURL = &url
	}

	switch channel {
	case storage.ChannelInApp:
		// The row itself is the in-app delivery.
		now := f.now()
		n.Status = storage.StatusDelivered
		n.DeliveryAttempted = true
		n.DeliveredAt = &now
	default:
		next := f.now()
		n.Status = storage.StatusPending
		n.NextAttemptAt = &next
	}

	return n
}

func priorityFor(severity storage.Severity) storage.Priority {
	switch severity {
	case storage.SeverityCritical:
		return storage.PriorityUrgent
	case storage.SeverityWarning:
		return storage.PriorityHigh
	default:
		return storage.PriorityNormal
	}
}
