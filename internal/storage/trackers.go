package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	entityThresholdsSQL = `SELECT
        user_id,
        entity_id,
        price_change_pct::text,
        rank_change_pct::text
    FROM alert_thresholds
    WHERE user_id = $1 AND entity_id = $2;`

	userThresholdsSQL = `SELECT
        user_id,
        entity_id,
        price_change_pct::text,
        rank_change_pct::text
    FROM alert_thresholds
    WHERE user_id = $1 AND entity_id IS NULL;`

	subscribersSQL = `SELECT
        t.user_id,
        u.email,
        t.email_enabled,
        t.muted_kinds
    FROM entity_trackers t
    JOIN users u ON u.id = t.user_id
    WHERE t.entity_id = $1
      AND t.active = TRUE
    ORDER BY t.user_id;`

	trackedEntityIDsSQL = `SELECT DISTINCT entity_id
    FROM entity_trackers
    WHERE active = TRUE
    ORDER BY entity_id;`

	userEmailSQL = `SELECT email FROM users WHERE id = $1;`
)

// ErrUserNotFound indicates a recipient lookup against a missing user.
var ErrUserNotFound = errors.New("storage: user not found")

// ThresholdStore resolves stored threshold configuration rows.
type ThresholdStore interface {
	// EntityThresholds returns the per-(user, entity) override row, or nil.
	EntityThresholds(ctx context.Context, userID, entityID int64) (*ThresholdOverride, error)
	// UserThresholds returns the user's default row, or nil.
	UserThresholds(ctx context.Context, userID int64) (*ThresholdOverride, error)
}

// SubscriberStore resolves tracking relationships and recipient addresses.
type SubscriberStore interface {
	Subscribers(ctx context.Context, entityID int64) ([]Subscriber, error)
	TrackedEntityIDs(ctx context.Context) ([]int64, error)
	UserEmail(ctx context.Context, userID int64) (string, error)
}

// EntityThresholds looks up the per-(user, entity) threshold override.
func (s *Store) EntityThresholds(ctx context.Context, userID, entityID int64) (*ThresholdOverride, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return s.scanThresholdRow(pool.QueryRow(ctx, entityThresholdsSQL, userID, entityID))
}

// UserThresholds looks up the user's default threshold row.
func (s *Store) UserThresholds(ctx context.Context, userID int64) (*ThresholdOverride, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return s.scanThresholdRow(pool.QueryRow(ctx, userThresholdsSQL, userID))
}

func (s *Store) scanThresholdRow(row pgx.Row) (*ThresholdOverride, error) {
	var (
		override ThresholdOverride
		entityID sql.NullInt64
		price    sql.NullString
		rank     sql.NullString
	)

	err := row.Scan(&override.UserID, &entityID, &price, &rank)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan thresholds: %w", err)
	}

	if entityID.Valid {
		v := entityID.Int64
		override.EntityID = &v
	}
	if override.PriceChangePct, err = decimalPtr(price); err != nil {
		return nil, fmt.Errorf("parse price threshold: %w", err)
	}
	if override.RankChangePct, err = decimalPtr(rank); err != nil {
		return nil, fmt.Errorf("parse rank threshold: %w", err)
	}
	return &override, nil
}

// Subscribers returns users with an active tracking row for the entity.
func (s *Store) Subscribers(ctx context.Context, entityID int64) ([]Subscriber, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, subscribersSQL, entityID)
	if queryErr != nil {
		return nil, fmt.Errorf("list subscribers: %w", queryErr)
	}
	defer rows.Close()

	subscribers := make([]Subscriber, 0)
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.UserID, &sub.Email, &sub.EmailEnabled, &sub.MutedKinds); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subscribers = append(subscribers, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subscribers, nil
}

// TrackedEntityIDs lists entities with at least one active tracker.
func (s *Store) TrackedEntityIDs(ctx context.Context) ([]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, trackedEntityIDsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list tracked entities: %w", queryErr)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}

// UserEmail returns the recipient address for a user.
func (s *Store) UserEmail(ctx context.Context, userID int64) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}

	var email string
	if scanErr := pool.QueryRow(ctx, userEmailSQL, userID).Scan(&email); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("user email: %w", scanErr)
	}
	return email, nil
}
