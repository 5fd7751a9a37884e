package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertObservationSQL = `INSERT INTO observations (
        entity_id,
        recorded_at,
        price,
        original_price,
        rank,
        rank_category,
        rating,
        review_count,
        in_stock,
        stock_status_text,
        seller_name,
        is_marketplace_owner,
        is_fulfilled_by_platform,
        collection_succeeded,
        collection_error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    )
    RETURNING id, created_at;`

	latestSuccessfulSQL = `SELECT ` + observationColumns + `
    FROM observations
    WHERE entity_id = $1
      AND collection_succeeded = TRUE
    ORDER BY recorded_at DESC
    LIMIT $2;`

	earliestSuccessfulSinceSQL = `SELECT ` + observationColumns + `
    FROM observations
    WHERE entity_id = $1
      AND collection_succeeded = TRUE
      AND recorded_at >= $2
    ORDER BY recorded_at ASC
    LIMIT 1;`

	listObservationsBetweenSQL = `SELECT ` + observationColumns + `
    FROM observations
    WHERE entity_id = $1
      AND recorded_at >= $2
      AND recorded_at < $3
    ORDER BY recorded_at;`

	observationColumns = `id,
        entity_id,
        recorded_at,
        price::text,
        original_price::text,
        rank,
        rank_category,
        rating::text,
        review_count,
        in_stock,
        stock_status_text,
        seller_name,
        is_marketplace_owner,
        is_fulfilled_by_platform,
        collection_succeeded,
        collection_error,
        created_at`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ObservationStore defines read/write access to listing snapshots.
type ObservationStore interface {
	InsertObservation(ctx context.Context, obs Observation) (Observation, error)
	LatestSuccessful(ctx context.Context, entityID int64, n int) ([]Observation, error)
	EarliestSuccessfulSince(ctx context.Context, entityID int64, since time.Time) (*Observation, error)
	ListObservationsBetween(ctx context.Context, entityID int64, from, to time.Time) ([]Observation, error)
}

// AdvisoryLocker exposes advisory lock helpers used to guard sweep overlap.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to observations, alerts, notifications, thresholds,
// and tracker relationships over a single pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a
// release func. Sweep-overlap guard only; alert dedup never depends on it.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertObservation appends a snapshot for an entity.
func (s *Store) InsertObservation(ctx context.Context, obs Observation) (Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return Observation{}, err
	}

	row := pool.QueryRow(ctx, insertObservationSQL,
		obs.EntityID,
		obs.RecordedAt,
		decimalArg(obs.Price),
		decimalArg(obs.OriginalPrice),
		obs.Rank,
		obs.RankCategory,
		decimalArg(obs.Rating),
		obs.ReviewCount,
		obs.InStock,
		obs.StockStatusText,
		obs.SellerName,
		obs.IsMarketplaceOwner,
		obs.IsFulfilledByPlatform,
		obs.CollectionSucceeded,
		obs.CollectionError,
	)
	if err := row.Scan(&obs.ID, &obs.CreatedAt); err != nil {
		return Observation{}, fmt.Errorf("insert observation: %w", err)
	}
	return obs, nil
}

// LatestSuccessful returns up to n most recent successfully collected
// observations for an entity, newest first. Failed scrapes are skipped so
// they never reset the "previous" pointer.
func (s *Store) LatestSuccessful(ctx context.Context, entityID int64, n int) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestSuccessfulSQL, entityID, n)
	if queryErr != nil {
		return nil, fmt.Errorf("latest successful observations: %w", queryErr)
	}
	defer rows.Close()

	return collectObservations(rows, n)
}

// EarliestSuccessfulSince returns the oldest successful observation recorded
// at or after the given time, or nil if none exists. Used as the trailing
// window anchor for review-spike detection.
func (s *Store) EarliestSuccessfulSince(ctx context.Context, entityID int64, since time.Time) (*Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, earliestSuccessfulSinceSQL, entityID, since)
	if queryErr != nil {
		return nil, fmt.Errorf("earliest successful observation: %w", queryErr)
	}
	defer rows.Close()

	observations, err := collectObservations(rows, 1)
	if err != nil {
		return nil, err
	}
	if len(observations) == 0 {
		return nil, nil
	}
	return &observations[0], nil
}

// ListObservationsBetween lists observations within a time window, oldest first.
func (s *Store) ListObservationsBetween(ctx context.Context, entityID int64, from, to time.Time) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listObservationsBetweenSQL, entityID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list observations between: %w", queryErr)
	}
	defer rows.Close()

	return collectObservations(rows, 0)
}

func collectObservations(rows pgx.Rows, hint int) ([]Observation, error) {
	observations := make([]Observation, 0, hint)
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

func scanObservation(rows pgx.Rows) (Observation, error) {
	var (
		obs       Observation
		price     sql.NullString
		original  sql.NullString
		rank      sql.NullInt32
		category  sql.NullString
		rating    sql.NullString
		reviews   sql.NullInt32
		inStock   sql.NullBool
		stockText sql.NullString
		seller    sql.NullString
		collErr   sql.NullString
	)

	if err := rows.Scan(
		&obs.ID,
		&obs.EntityID,
		&obs.RecordedAt,
		&price,
		&original,
		&rank,
		&category,
		&rating,
		&reviews,
		&inStock,
		&stockText,
		&seller,
		&obs.IsMarketplaceOwner,
		&obs.IsFulfilledByPlatform,
		&obs.CollectionSucceeded,
		&collErr,
		&obs.CreatedAt,
	); err != nil {
		return Observation{}, fmt.Errorf("scan observation: %w", err)
	}

	var err error
	if obs.Price, err = decimalPtr(price); err != nil {
		return Observation{}, fmt.Errorf("parse price: %w", err)
	}
	if obs.OriginalPrice, err = decimalPtr(original); err != nil {
		return Observation{}, fmt.Errorf("parse original price: %w", err)
	}
	if obs.Rating, err = decimalPtr(rating); err != nil {
		return Observation{}, fmt.Errorf("parse rating: %w", err)
	}
	if rank.Valid {
		v := int(rank.Int32)
		obs.Rank = &v
	}
	if reviews.Valid {
		v := int(reviews.Int32)
		obs.ReviewCount = &v
	}
	if inStock.Valid {
		v := inStock.Bool
		obs.InStock = &v
	}
	obs.RankCategory = stringPtr(category)
	obs.StockStatusText = stringPtr(stockText)
	obs.SellerName = stringPtr(seller)
	obs.CollectionError = stringPtr(collErr)

	return obs, nil
}

func decimalArg(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func decimalPtr(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	parsed, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
