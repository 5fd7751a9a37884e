package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"listing-alerts/internal/storage"
)

// WorkerOptions tune the dispatch loop and retry policy.
type WorkerOptions struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts bounds total delivery attempts per notification.
	MaxAttempts int
	// BackoffBase doubles per attempt up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// ClaimTimeout is how long a row may sit in 'sending' before being
	// treated as a crashed worker's leftover and reclaimed.
	ClaimTimeout time.Duration
	RatePerSec   float64
	RateBurst    int
}

func (o *WorkerOptions) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap < o.BackoffBase {
		o.BackoffCap = 15 * time.Minute
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = 5 * time.Minute
	}
}

// Worker claims due email notifications and delivers them.
type Worker struct {
	notifications storage.NotificationStore
	recipients    storage.SubscriberStore
	transport     EmailTransport
	limiter       *rate.Limiter
	opts          WorkerOptions
	logger        zerolog.Logger
	now           func() time.Time
}

// NewWorker constructs a dispatch worker.
func NewWorker(notifications storage.NotificationStore, recipients storage.SubscriberStore, transport EmailTransport, opts WorkerOptions, logger zerolog.Logger) *Worker {
	opts.applyDefaults()

	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Worker{
		notifications: notifications,
		recipients:    recipients,
		transport:     transport,
		limiter:       rate.NewLimiter(limit, burst),
		opts:          opts,
		logger:        logger.With().Str("component", "delivery").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks, dispatching due batches until ctx is cancelled. Intended to be
// called with `go`.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Dur("interval", w.opts.PollInterval).Msg("delivery worker started")
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			delivered, failed, err := w.DispatchBatch(ctx)
			if err != nil {
				w.logger.Error().Err(err).Msg("dispatch batch failed")
			} else if delivered+failed > 0 {
				w.logger.Info().Int("delivered", delivered).Int("failed", failed).Msg("dispatch batch complete")
			}
		case <-ctx.Done():
			w.logger.Info().Msg("delivery worker stopped")
			return
		}
	}
}

// DispatchBatch claims one batch of due email legs and attempts each one.
// Only the claim itself can fail; individual delivery outcomes are recorded
// on their rows.
func (w *Worker) DispatchBatch(ctx context.Context) (delivered, failed int, err error) {
	claimed, err := w.notifications.ClaimDueEmails(ctx, w.opts.BatchSize, w.opts.ClaimTimeout)
	if err != nil {
		return 0, 0, err
	}

	for _, notification := range claimed {
		if ctx.Err() != nil {
			// Unfinished claims stay in 'sending'; the next poll after the
			// process restarts will not pick them up, so re-queue first.
			w.requeue(notification)
			continue
		}
		if w.attempt(ctx, notification) {
			delivered++
		} else {
			failed++
		}
	}
	return delivered, failed, nil
}

// attempt performs one delivery attempt and records the outcome. Returns
// true on success.
func (w *Worker) attempt(ctx context.Context, notification storage.Notification) bool {
	attempts := notification.Attempts + 1

	to, err := w.recipients.UserEmail(ctx, notification.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			// A missing user cannot become deliverable by waiting.
			w.record(ctx, notification, attempts, Permanent(err))
		} else {
			// Lookup infrastructure failures retry like any send failure.
			w.record(ctx, notification, attempts, Transient(fmt.Errorf("resolve recipient: %w", err)))
		}
		return false
	}

	if err := w.limiter.Wait(ctx); err != nil {
		w.requeue(notification)
		return false
	}

	sendErr := w.transport.Send(ctx, to, notification.Title, notification.Message)
	w.record(ctx, notification, attempts, sendErr)
	return sendErr == nil
}

// record applies the state machine transition for one attempt outcome.
func (w *Worker) record(ctx context.Context, notification storage.Notification, attempts int, sendErr error) {
	// Outcome writes must survive a cancelled batch context.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if sendErr == nil {
		if err := w.notifications.MarkDelivered(writeCtx, notification.ID); err != nil {
			w.logger.Error().Err(err).Int64("notification_id", notification.ID).Msg("record delivery failed")
		}
		return
	}

	reason := sendErr.Error()
	exhausted := attempts >= w.opts.MaxAttempts

	if IsPermanent(sendErr) || exhausted {
		w.logger.Warn().Int64("notification_id", notification.ID).Int("attempts", attempts).
			Str("reason", reason).Msg("delivery failed permanently")
		if err := w.notifications.MarkFailedPermanently(writeCtx, notification.ID, attempts, reason); err != nil {
			w.logger.Error().Err(err).Int64("notification_id", notification.ID).Msg("record permanent failure failed")
		}
		return
	}

	next := w.now().Add(w.backoff(attempts))
	w.logger.Warn().Int64("notification_id", notification.ID).Int("attempts", attempts).
		Time("next_attempt", next).Str("reason", reason).Msg("delivery failed; scheduled retry")
	if err := w.notifications.MarkRetry(writeCtx, notification.ID, attempts, next, reason); err != nil {
		w.logger.Error().Err(err).Int64("notification_id", notification.ID).Msg("record retry failed")
	}
}

// requeue returns a claimed-but-unattempted row to pending without consuming
// an attempt.
func (w *Worker) requeue(notification storage.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	next := w.now()
	if notification.NextAttemptAt != nil {
		next = *notification.NextAttemptAt
	}
	reason := ""
	if notification.DeliveryError != nil {
		reason = *notification.DeliveryError
	}
	if err := w.notifications.MarkRetry(ctx, notification.ID, notification.Attempts, next, reason); err != nil {
		w.logger.Error().Err(err).Int64("notification_id", notification.ID).Msg("requeue failed")
	}
}

// backoff returns the wait before the next attempt: base doubled per prior
// attempt, capped.
func (w *Worker) backoff(attempts int) time.Duration {
	wait := w.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		wait *= 2
		if wait >= w.opts.BackoffCap {
			return w.opts.BackoffCap
		}
	}
	if wait > w.opts.BackoffCap {
		return w.opts.BackoffCap
	}
	return wait
}
