package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	insertNotificationSQL = `INSERT INTO notifications (
        alert_id,
        user_id,
        entity_id,
        channel,
        kind,
        title,
        message,
        payload,
        priority,
        status,
        next_attempt_at,
        delivery_attempted,
        delivered_at,
        action_url
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (alert_id, user_id, channel) DO NOTHING
    RETURNING id, created_at;`

	notificationColumns = `id,
        alert_id,
        user_id,
        entity_id,
        channel,
        kind,
        title,
        message,
        payload,
        priority,
        is_read,
        read_at,
        status,
        attempts,
        next_attempt_at,
        delivery_attempted,
        delivered_at,
        delivery_error,
        action_url,
        claimed_at,
        created_at`

	// FOR UPDATE SKIP LOCKED lets concurrent dispatch workers claim disjoint
	// batches without blocking each other. Rows stuck in 'sending' past the
	// stale timeout are a crashed worker's leftovers and are reclaimed too.
	claimDueEmailsSQL = `UPDATE notifications
    SET status = 'sending', claimed_at = NOW()
    WHERE id IN (
        SELECT id FROM notifications
        WHERE channel = 'email'
          AND (
              (status = 'pending' AND next_attempt_at <= NOW())
              OR (status = 'sending' AND claimed_at < NOW() - $2::interval)
          )
        ORDER BY next_attempt_at
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    )
    RETURNING ` + notificationColumns + `;`

	markDeliveredSQL = `UPDATE notifications
    SET status = 'delivered',
        delivery_attempted = TRUE,
        delivered_at = NOW(),
        delivery_error = NULL,
        claimed_at = NULL
    WHERE id = $1;`

	markRetrySQL = `UPDATE notifications
    SET status = 'pending',
        delivery_attempted = TRUE,
        attempts = $2,
        next_attempt_at = $3,
        delivery_error = $4,
        claimed_at = NULL
    WHERE id = $1;`

	markFailedPermanentlySQL = `UPDATE notifications
    SET status = 'failed_permanently',
        delivery_attempted = TRUE,
        attempts = $2,
        next_attempt_at = NULL,
        delivery_error = $3,
        claimed_at = NULL
    WHERE id = $1;`

	listNotificationsForAlertSQL = `SELECT ` + notificationColumns + `
    FROM notifications
    WHERE alert_id = $1
    ORDER BY id;`
)

// NotificationStore defines persistence for per-recipient delivery records.
type NotificationStore interface {
	// InsertNotification persists a notification. The boolean reports whether
	// a row was inserted; false means the (alert, user, channel) combination
	// already existed.
	InsertNotification(ctx context.Context, n Notification) (Notification, bool, error)
	// ClaimDueEmails claims due pending email legs plus 'sending' rows whose
	// claim is older than staleAfter.
	ClaimDueEmails(ctx context.Context, limit int, staleAfter time.Duration) ([]Notification, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, reason string) error
	MarkFailedPermanently(ctx context.Context, id int64, attempts int, reason string) error
	ListNotificationsForAlert(ctx context.Context, alertID int64) ([]Notification, error)
}

// InsertNotification persists a notification; re-running fan-out for an alert
// is a no-op per (alert, user, channel).
func (s *Store) InsertNotification(ctx context.Context, n Notification) (Notification, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Notification{}, false, err
	}

	var payload interface{}
	if len(n.Payload) > 0 {
		payload = []byte(n.Payload)
	}

	row := pool.QueryRow(ctx, insertNotificationSQL,
		n.AlertID,
		n.UserID,
		n.EntityID,
		n.Channel,
		n.Kind,
		n.Title,
		n.Message,
		payload,
		n.Priority,
		n.Status,
		n.NextAttemptAt,
		n.DeliveryAttempted,
		n.DeliveredAt,
		n.ActionURL,
	)

	scanErr := row.Scan(&n.ID, &n.CreatedAt)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return n, false, nil
		}
		return Notification{}, false, fmt.Errorf("insert notification: %w", scanErr)
	}
	return n, true, nil
}

// ClaimDueEmails atomically claims a batch of email legs for sending: due
// pending rows, plus stale 'sending' rows left behind by a crashed worker.
func (s *Store) ClaimDueEmails(ctx context.Context, limit int, staleAfter time.Duration) ([]Notification, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, claimDueEmailsSQL, limit, staleAfter)
	if queryErr != nil {
		return nil, fmt.Errorf("claim due emails: %w", queryErr)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// MarkDelivered records a successful delivery and clears any prior error.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markDeliveredSQL, id); execErr != nil {
		return fmt.Errorf("mark delivered: %w", execErr)
	}
	return nil
}

// MarkRetry returns a failed leg to pending with its next attempt time.
func (s *Store) MarkRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, reason string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markRetrySQL, id, attempts, nextAttempt, reason); execErr != nil {
		return fmt.Errorf("mark retry: %w", execErr)
	}
	return nil
}

// MarkFailedPermanently records a terminal delivery failure.
func (s *Store) MarkFailedPermanently(ctx context.Context, id int64, attempts int, reason string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markFailedPermanentlySQL, id, attempts, reason); execErr != nil {
		return fmt.Errorf("mark failed permanently: %w", execErr)
	}
	return nil
}

// ListNotificationsForAlert lists delivery records created for an alert.
func (s *Store) ListNotificationsForAlert(ctx context.Context, alertID int64) ([]Notification, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listNotificationsForAlertSQL, alertID)
	if queryErr != nil {
		return nil, fmt.Errorf("list notifications for alert: %w", queryErr)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

func collectNotifications(rows pgx.Rows) ([]Notification, error) {
	notifications := make([]Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return notifications, nil
}

func scanNotification(rows pgx.Rows) (Notification, error) {
	var (
		n         Notification
		entityID  sql.NullInt64
		payload   []byte
		readAt    sql.NullTime
		nextAt    sql.NullTime
		delivered sql.NullTime
		deliErr   sql.NullString
		actionURL sql.NullString
		claimed   sql.NullTime
	)

	if err := rows.Scan(
		&n.ID,
		&n.AlertID,
		&n.UserID,
		&entityID,
		&n.Channel,
		&n.Kind,
		&n.Title,
		&n.Message,
		&payload,
		&n.Priority,
		&n.IsRead,
		&readAt,
		&n.Status,
		&n.Attempts,
		&nextAt,
		&n.DeliveryAttempted,
		&delivered,
		&deliErr,
		&actionURL,
		&claimed,
		&n.CreatedAt,
	); err != nil {
		return Notification{}, fmt.Errorf("scan notification: %w", err)
	}

	if entityID.Valid {
		v := entityID.Int64
		n.EntityID = &v
	}
	if len(payload) > 0 {
		n.Payload = payload
	}
	if readAt.Valid {
		t := readAt.Time
		n.ReadAt = &t
	}
	if nextAt.Valid {
		t := nextAt.Time
		n.NextAttemptAt = &t
	}
	if delivered.Valid {
		t := delivered.Time
		n.DeliveredAt = &t
	}
	if claimed.Valid {
		t := claimed.Time
		n.ClaimedAt = &t
	}
	n.DeliveryError = stringPtr(deliErr)
	n.ActionURL = stringPtr(actionURL)

	return n, nil
}
