package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"fleet-tracking/internal/alerting"
	"fleet-tracking/internal/billing"
	"fleet-tracking/internal/config"
	"fleet-tracking/internal/feed"
	"fleet-tracking/internal/mirror"
	"fleet-tracking/internal/realtime"
	"fleet-tracking/internal/scheduler"
	"fleet-tracking/internal/server"
	"fleet-tracking/internal/storage"
	"fleet-tracking/internal/track"
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

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

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

// Run executes the long-running tracking service: the Kafka position feed,
// the live tracker, the HTTP surface, the Redis mirror and the maintenance
// scheduler.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence and routes disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	opts := realtime.Options{Notifier: a.newNotifier()}
	if store != nil {
		opts.Routes = store
		opts.Events = store
	}

	tracker := realtime.New(a.Config.Tracker, opts, a.Logger)
	defer tracker.Close()

	monitor := billing.NewMonitor(a.Config.Billing)

	errCh := make(chan error, 4)

	if a.Config.Redis.Enabled {
		m, mirrorErr := mirror.New(ctx, a.Config.Redis.Config, a.Logger)
		if mirrorErr != nil {
			return mirrorErr
		}
		defer m.Close()
		sub := tracker.Subscribe(realtime.Filter{})
		defer sub.Close()
		go m.Run(ctx, sub)
	}

	if len(a.Config.Feed.Brokers) > 0 {
		ingestor := newPersistingIngestor(ctx, tracker, store, a.Logger)
		consumer, feedErr := feed.NewConsumer(a.Config.Feed, ingestor, a.Logger)
		if feedErr != nil {
			return feedErr
		}
		defer consumer.Close()
		go func() {
			if runErr := consumer.Run(ctx); runErr != nil {
				errCh <- runErr
			}
		}()
	} else {
		a.Logger.Warn().Msg("feed.brokers not configured; no live positions will arrive")
	}

	if a.Config.HTTP.Enabled {
		httpSrv := server.New(a.Config.HTTP, tracker, monitor, a.Logger)
		go func() {
			if runErr := httpSrv.Run(ctx); runErr != nil {
				errCh <- runErr
			}
		}()
	}

	sched := scheduler.New(scheduler.Options{
		Interval: a.Config.Tracker.SweepInterval,
	}, a.Logger)
	go func() {
		tickErr := sched.Run(ctx, func(tickCtx context.Context, at time.Time) error {
			if sweepErr := tracker.SweepOffline(tickCtx, at); sweepErr != nil {
				return sweepErr
			}
			if store != nil && a.Config.Retention.DeviationEvents > 0 {
				cutoff := at.Add(-a.Config.Retention.DeviationEvents)
				if delErr := store.DeleteDeviationEventsBefore(tickCtx, cutoff); delErr != nil {
					a.Logger.Warn().Err(delErr).Msg("deviation event retention sweep failed")
				}
			}
			return nil
		})
		if tickErr != nil && !errors.Is(tickErr, context.Canceled) {
			errCh <- tickErr
		}
	}()

	a.Logger.Info().Msg("tracking service started")

	select {
	case <-ctx.Done():
		a.Logger.Info().Msg("tracking service stopped")
		return nil
	case err := <-errCh:
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
}

// persistingIngestor hands each decoded sample to the live tracker and, when
// storage is configured, archives it for playback. Archive writes run on a
// single background goroutine behind a bounded queue; live tracking never
// waits on the database.
type persistingIngestor struct {
	tracker *realtime.Service
	store   *storage.Store
	logger  zerolog.Logger
	archive chan track.PositionSample
}

func newPersistingIngestor(ctx context.Context, tracker *realtime.Service, store *storage.Store, logger zerolog.Logger) *persistingIngestor {
	p := &persistingIngestor{
		tracker: tracker,
		store:   store,
		logger:  logger.With().Str("component", "archive").Logger(),
	}
	if store != nil {
		p.archive = make(chan track.PositionSample, 1024)
		go p.drain(ctx)
	}
	return p
}

func (p *persistingIngestor) Ingest(sample track.PositionSample) {
	p.tracker.Ingest(sample)
	if p.archive == nil {
		return
	}
	select {
	case p.archive <- sample:
	default:
		p.logger.Warn().Str("vehicle", sample.VehicleID).Msg("archive queue full, sample not persisted")
	}
}

func (p *persistingIngestor) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-p.archive:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := p.store.InsertSample(writeCtx, sample)
			cancel()
			if err != nil && ctx.Err() == nil {
				p.logger.Warn().Err(err).Str("vehicle", sample.VehicleID).Msg("sample archive write failed")
			}
		}
	}
}
