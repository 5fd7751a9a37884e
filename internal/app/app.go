package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"listing-alerts/internal/classifier"
	"listing-alerts/internal/config"
	"listing-alerts/internal/delivery"
	"listing-alerts/internal/detector"
	"listing-alerts/internal/fanout"
	"listing-alerts/internal/pipeline"
	"listing-alerts/internal/scheduler"
	"listing-alerts/internal/storage"
	"listing-alerts/internal/thresholds"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newPipeline assembles the detection pipeline over a store.
func (a *App) newPipeline(store *storage.Store) *pipeline.Pipeline {
	cfg := a.Config.Thresholds

	resolver := thresholds.New(store, thresholds.Defaults{
		PriceChangePct: decimal.NewFromFloat(cfg.PriceChangePct),
		RankChangePct:  decimal.NewFromFloat(cfg.RankChangePct),
	}, a.Logger)

	det := detector.New(store, detector.Options{
		MinRatingDelta:    decimal.NewFromFloat(cfg.MinRatingDelta),
		ReviewSpikeWindow: cfg.ReviewSpikeWindow,
	}, a.Logger)

	cls := classifier.New(store, resolver, classifier.Options{
		ReviewSpikePct:   decimal.NewFromFloat(cfg.ReviewSpikePct),
		ReviewSpikeCount: cfg.ReviewSpikeCount,
		RatingWarnDelta:  decimal.NewFromFloat(0.5),
	}, a.Logger)

	fan := fanout.New(store, a.Config.Email.Enabled, a.Config.App.BaseURL, a.Logger)

	return pipeline.New(det, cls, store, store, fan, store, a.Config.Scheduler.AdvisoryLockKey, a.Logger)
}

// newWorker assembles the email dispatch worker, or nil when email is off.
func (a *App) newWorker(store *storage.Store) (*delivery.Worker, error) {
	if !a.Config.Email.Enabled {
		return nil, nil
	}

	transport, err := delivery.NewSMTPTransport(delivery.SMTPOptions{
		Host:     a.Config.Email.Host,
		Port:     a.Config.Email.Port,
		Username: a.Config.Email.Username,
		Password: a.Config.Email.Password,
		From:     a.Config.Email.From,
		Timeout:  a.Config.Email.Timeout,
	}, a.Logger)
	if err != nil {
		return nil, err
	}

	d := a.Config.Delivery
	return delivery.NewWorker(store, store, transport, delivery.WorkerOptions{
		PollInterval: d.PollInterval,
		BatchSize:    d.BatchSize,
		MaxAttempts:  d.MaxAttempts,
		BackoffBase:  d.BackoffBase,
		BackoffCap:   d.BackoffCap,
		ClaimTimeout: d.ClaimTimeout,
		RatePerSec:   d.RatePerSec,
		RateBurst:    d.RateBurst,
	}, a.Logger), nil
}

// Run executes the long-running monitoring service: scheduled detection
// sweeps plus the email dispatch worker.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	pipe := a.newPipeline(store)

	worker, err := a.newWorker(store)
	if err != nil {
		return err
	}
	if worker != nil {
		go worker.Run(ctx)
	} else {
		a.Logger.Warn().Msg("email disabled; only in-app notifications will be delivered")
	}

	a.Logger.Info().Msg("starting monitoring service")
	err = sched.Run(ctx, pipe.Sweep)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// DetectOptions configure a one-shot detection run.
type DetectOptions struct {
	// EntityID limits the run to one entity; zero sweeps all tracked ones.
	EntityID int64
}

// ShowOptions configure the show command. UserID switches from the global
// recent-alerts view to one user's filtered feed; AlertID switches to the
// delivery legs of a single alert.
type ShowOptions struct {
	Limit      int
	UserID     int64
	EntityID   int64
	Kind       string
	UnreadOnly bool
	AlertID    int64
}

// ResolveOptions identify an alert to mark read or dismissed.
type ResolveOptions struct {
	AlertID int64
	Dismiss bool
}

// ExportOptions hold parameters for exporting observation history.
type ExportOptions struct {
	EntityID  int64
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// SimulateOptions describe a synthetic observation pair.
type SimulateOptions struct {
	EntityID int64
	OldPrice decimal.Decimal
	NewPrice decimal.Decimal
}
