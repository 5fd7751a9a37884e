// Package pipeline orchestrates one detection cycle per tracked entity:
// detect changes, classify them per subscriber, persist qualifying alerts,
// and fan each persisted alert out into notification rows. Errors local to
// one entity or recipient are logged at that granularity and never abort the
// surrounding sweep.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"listing-alerts/internal/classifier"
	"listing-alerts/internal/detector"
	"listing-alerts/internal/fanout"
	"listing-alerts/internal/storage"
)

// Pipeline wires the detection stages together.
type Pipeline struct {
	detector    *detector.Detector
	classifier  *classifier.Classifier
	alerts      storage.AlertStore
	subscribers storage.SubscriberStore
	fanout      *fanout.Fanout
	logger      zerolog.Logger

	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs a Pipeline. locker may be nil; the advisory lock only makes
// overlapping sweeps skip redundant work, the alert dedup index is what keeps
// concurrent writers correct.
func New(det *detector.Detector, cls *classifier.Classifier, alerts storage.AlertStore, subscribers storage.SubscriberStore, fan *fanout.Fanout, locker storage.AdvisoryLocker, lockKey int64, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		detector:    det,
		classifier:  cls,
		alerts:      alerts,
		subscribers: subscribers,
		fanout:      fan,
		locker:      locker,
		lockKey:     lockKey,
		logger:      logger.With().Str("component", "pipeline").Logger(),
	}
}

// RunDetectionCycle processes one entity. Only storage-level failures are
// returned; per-recipient problems are logged and skipped.
func (p *Pipeline) RunDetectionCycle(ctx context.Context, entityID int64) error {
	events, err := p.detector.Detect(ctx, entityID)
	if err != nil {
		return fmt.Errorf("detect entity %d: %w", entityID, err)
	}
	if len(events) == 0 {
		return nil
	}
	p.logger.Info().Int64("entity_id", entityID).Int("events", len(events)).Msg("changes detected")

	subscribers, err := p.subscribers.Subscribers(ctx, entityID)
	if err != nil {
		return fmt.Errorf("load subscribers for entity %d: %w", entityID, err)
	}
	if len(subscribers) == 0 {
		return nil
	}

	for _, event := range events {
		for _, subscriber := range subscribers {
			if err := ctx.Err(); err != nil {
				return err
			}
			if subscriber.Muted(event.Kind) {
				continue
			}
			p.processRecipient(ctx, event, subscriber)
		}
	}
	return nil
}

// processRecipient classifies, persists, and fans out for one (event, user).
func (p *Pipeline) processRecipient(ctx context.Context, event detector.ChangeEvent, subscriber storage.Subscriber) {
	alert, err := p.classifier.Classify(ctx, event, subscriber.UserID)
	if err != nil {
		p.logger.Error().Err(err).Int64("entity_id", event.EntityID).Int64("user_id", subscriber.UserID).
			Str("kind", string(event.Kind)).Msg("classification failed")
		return
	}
	if alert == nil {
		return
	}

	persisted, inserted, err := p.alerts.InsertAlert(ctx, *alert)
	if err != nil {
		p.logger.Error().Err(err).Int64("entity_id", event.EntityID).Int64("user_id", subscriber.UserID).
			Str("kind", string(event.Kind)).Msg("persist alert failed")
		return
	}
	if !inserted {
		// A concurrent sweep won the insert; its fan-out owns delivery.
		p.logger.Debug().Int64("entity_id", event.EntityID).Int64("user_id", subscriber.UserID).
			Str("kind", string(event.Kind)).Msg("alert insert was a no-op")
		return
	}

	created, err := p.fanout.Dispatch(ctx, persisted, subscriber)
	if err != nil {
		p.logger.Error().Err(err).Int64("alert_id", persisted.ID).Msg("fan-out incomplete")
	}
	if len(created) > 0 {
		if err := p.alerts.MarkAlertNotified(ctx, persisted.ID); err != nil {
			p.logger.Error().Err(err).Int64("alert_id", persisted.ID).Msg("mark alert notified failed")
		}
	}

	p.logger.Info().Int64("alert_id", persisted.ID).Int64("user_id", subscriber.UserID).
		Str("kind", string(persisted.Kind)).Str("severity", string(persisted.Severity)).
		Int("notifications", len(created)).Msg("alert created")
}

// Sweep runs a detection cycle for every tracked entity. Per-entity failures
// are logged, not surfaced; a missed entity is caught by the next sweep.
func (p *Pipeline) Sweep(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := p.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		p.logger.Debug().Time("tick", tick).Msg("skip sweep because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	entityIDs, err := p.subscribers.TrackedEntityIDs(ctx)
	if err != nil {
		return fmt.Errorf("list tracked entities: %w", err)
	}

	processed := 0
	failed := 0
	for _, entityID := range entityIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.RunDetectionCycle(ctx, entityID); err != nil {
			failed++
			p.logger.Error().Err(err).Int64("entity_id", entityID).Msg("detection cycle failed")
			continue
		}
		processed++
	}

	p.logger.Info().Time("tick", tick).Int("processed", processed).Int("failed", failed).Msg("sweep complete")
	return nil
}

func (p *Pipeline) acquireLock(ctx context.Context) (func(), bool, error) {
	if p.lockKey == 0 || p.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := p.locker.TryAdvisoryLock(ctx, p.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
