// Package thresholds resolves the effective alert thresholds for a
// (user, entity) pair: per-entity override, then the user's default row,
// then the system defaults. Absence of configuration is never an error.
package thresholds

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"listing-alerts/internal/storage"
)

// Metric names a threshold-governed metric.
type Metric string

const (
	MetricPrice Metric = "price"
	MetricRank  Metric = "rank"
)

// Defaults carries the system default thresholds, injected at construction
// so tests can pin arbitrary values.
type Defaults struct {
	PriceChangePct decimal.Decimal
	RankChangePct  decimal.Decimal
}

// Resolver computes effective thresholds from stored configuration.
type Resolver struct {
	store    storage.ThresholdStore
	defaults Defaults
	logger   zerolog.Logger
}

// New constructs a Resolver.
func New(store storage.ThresholdStore, defaults Defaults, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:    store,
		defaults: defaults,
		logger:   logger.With().Str("component", "thresholds").Logger(),
	}
}

// Resolve returns the effective threshold percentage for the metric.
// Lookup failures and malformed stored values degrade to the system default
// with a warning; resolution itself never fails.
func (r *Resolver) Resolve(ctx context.Context, userID, entityID int64, metric Metric) decimal.Decimal {
	if r.store != nil {
		override, err := r.store.EntityThresholds(ctx, userID, entityID)
		if err != nil {
			r.logger.Warn().Err(err).Int64("user_id", userID).Int64("entity_id", entityID).
				Msg("entity threshold lookup failed; using fallback")
		} else if value := pick(override, metric); value != nil {
			if valid(*value) {
				return *value
			}
			r.logger.Warn().Int64("user_id", userID).Int64("entity_id", entityID).
				Str("metric", string(metric)).Str("value", value.String()).
				Msg("ignoring negative entity threshold override")
		}

		userRow, err := r.store.UserThresholds(ctx, userID)
		if err != nil {
			r.logger.Warn().Err(err).Int64("user_id", userID).
				Msg("user threshold lookup failed; using system default")
		} else if value := pick(userRow, metric); value != nil {
			if valid(*value) {
				return *value
			}
			r.logger.Warn().Int64("user_id", userID).Str("metric", string(metric)).
				Str("value", value.String()).
				Msg("ignoring negative user threshold default")
		}
	}

	return r.systemDefault(metric)
}

func (r *Resolver) systemDefault(metric Metric) decimal.Decimal {
	switch metric {
	case MetricRank:
		return r.defaults.RankChangePct
	default:
		return r.defaults.PriceChangePct
	}
}

func pick(override *storage.ThresholdOverride, metric Metric) *decimal.Decimal {
	if override == nil {
		return nil
	}
	switch metric {
	case MetricRank:
		return override.RankChangePct
	default:
		return override.PriceChangePct
	}
}

func valid(value decimal.Decimal) bool {
	return !value.IsNegative()
}
