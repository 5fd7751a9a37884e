package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

const (
	// DO NOTHING against the dedup index makes the second concurrent writer's
	// insert a no-op; RETURNING yields no row in that case.
	insertAlertSQL = `INSERT INTO alerts (
        entity_id,
        user_id,
        triggering_observation_id,
        kind,
        severity,
        title,
        message,
        old_value,
        new_value,
        percent_change
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (entity_id, user_id, triggering_observation_id, kind) DO NOTHING
    RETURNING id, is_read, is_dismissed, created_at;`

	alertExistsSQL = `SELECT EXISTS (
        SELECT 1 FROM alerts
        WHERE entity_id = $1
          AND user_id = $2
          AND triggering_observation_id = $3
          AND kind = $4
    );`

	alertColumns = `id,
        entity_id,
        user_id,
        triggering_observation_id,
        kind,
        severity,
        title,
        message,
        old_value,
        new_value,
        percent_change::text,
        is_read,
        is_dismissed,
        notified_at,
        created_at`

	listRecentAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	markAlertReadSQL      = `UPDATE alerts SET is_read = TRUE WHERE id = $1;`
	markAlertDismissedSQL = `UPDATE alerts SET is_dismissed = TRUE WHERE id = $1;`
	markAlertNotifiedSQL  = `UPDATE alerts SET notified_at = NOW() WHERE id = $1 AND notified_at IS NULL;`
)

// AlertStore defines operations over persisted alerts.
type AlertStore interface {
	// InsertAlert persists an alert. The boolean reports whether a row was
	// actually inserted; false means an equivalent alert already existed.
	InsertAlert(ctx context.Context, alert Alert) (Alert, bool, error)
	AlertExists(ctx context.Context, entityID, userID int64, observationID *int64, kind AlertKind) (bool, error)
	ListAlerts(ctx context.Context, userID int64, filter AlertFilter) ([]Alert, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]Alert, error)
	MarkAlertRead(ctx context.Context, id int64) error
	MarkAlertDismissed(ctx context.Context, id int64) error
	MarkAlertNotified(ctx context.Context, id int64) error
}

// InsertAlert persists an alert; duplicates of the dedup key are no-ops.
func (s *Store) InsertAlert(ctx context.Context, alert Alert) (Alert, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, false, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.EntityID,
		alert.UserID,
		alert.TriggeringObservationID,
		alert.Kind,
		alert.Severity,
		alert.Title,
		alert.Message,
		alert.OldValue,
		alert.NewValue,
		decimalArg(alert.PercentChange),
	)

	scanErr := row.Scan(&alert.ID, &alert.IsRead, &alert.IsDismissed, &alert.CreatedAt)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return alert, false, nil
		}
		return Alert{}, false, fmt.Errorf("insert alert: %w", scanErr)
	}
	return alert, true, nil
}

// AlertExists checks the dedup key without inserting.
func (s *Store) AlertExists(ctx context.Context, entityID, userID int64, observationID *int64, kind AlertKind) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var exists bool
	if scanErr := pool.QueryRow(ctx, alertExistsSQL, entityID, userID, observationID, kind).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("alert exists: %w", scanErr)
	}
	return exists, nil
}

// ListAlerts lists a user's alerts, newest first, honouring the filter.
func (s *Store) ListAlerts(ctx context.Context, userID int64, filter AlertFilter) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		conditions = []string{"user_id = $1"}
		args       = []interface{}{userID}
	)
	if filter.EntityID != nil {
		args = append(args, *filter.EntityID)
		conditions = append(conditions, fmt.Sprintf("entity_id = $%d", len(args)))
	}
	if filter.Kind != nil {
		args = append(args, *filter.Kind)
		conditions = append(conditions, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.UnreadOnly {
		conditions = append(conditions, "is_read = FALSE")
	}
	if !filter.IncludeDismissed {
		conditions = append(conditions, "is_dismissed = FALSE")
	}

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows)
}

// ListRecentAlerts lists the most recent alerts across all users.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows)
}

// MarkAlertRead marks an alert read. Idempotent.
func (s *Store) MarkAlertRead(ctx context.Context, id int64) error {
	return s.execAlertUpdate(ctx, markAlertReadSQL, id, "mark alert read")
}

// MarkAlertDismissed marks an alert dismissed. Idempotent.
func (s *Store) MarkAlertDismissed(ctx context.Context, id int64) error {
	return s.execAlertUpdate(ctx, markAlertDismissedSQL, id, "mark alert dismissed")
}

// MarkAlertNotified stamps notified_at once fan-out has run for the alert.
func (s *Store) MarkAlertNotified(ctx context.Context, id int64) error {
	return s.execAlertUpdate(ctx, markAlertNotifiedSQL, id, "mark alert notified")
}

func (s *Store) execAlertUpdate(ctx context.Context, query string, id int64, op string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, query, id); execErr != nil {
		return fmt.Errorf("%s: %w", op, execErr)
	}
	return nil
}

func collectAlerts(rows pgx.Rows) ([]Alert, error) {
	alerts := make([]Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanAlert(rows pgx.Rows) (Alert, error) {
	var (
		alert    Alert
		oldValue sql.NullString
		newValue sql.NullString
		pct      sql.NullString
		notified sql.NullTime
		obsID    sql.NullInt64
	)

	if err := rows.Scan(
		&alert.ID,
		&alert.EntityID,
		&alert.UserID,
		&obsID,
		&alert.Kind,
		&alert.Severity,
		&alert.Title,
		&alert.Message,
		&oldValue,
		&newValue,
		&pct,
		&alert.IsRead,
		&alert.IsDismissed,
		&notified,
		&alert.CreatedAt,
	); err != nil {
		return Alert{}, fmt.Errorf("scan alert: %w", err)
	}

	var err error
	if alert.PercentChange, err = decimalPtr(pct); err != nil {
		return Alert{}, fmt.Errorf("parse percent change: %w", err)
	}
	alert.OldValue = stringPtr(oldValue)
	alert.NewValue = stringPtr(newValue)
	if obsID.Valid {
		v := obsID.Int64
		alert.TriggeringObservationID = &v
	}
	if notified.Valid {
		t := notified.Time
		alert.NotifiedAt = &t
	}

	return alert, nil
}
