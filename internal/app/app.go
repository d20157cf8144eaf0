// Package app wires the application together: storage, queue, media
// server client, badge pipeline, batch services, schedules, and the
// HTTP/WebSocket handlers.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/aphrodite-media/aphrodite/internal/common"
	"github.com/aphrodite-media/aphrodite/internal/handlers"
	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
	"github.com/aphrodite-media/aphrodite/internal/queue"
	storage "github.com/aphrodite-media/aphrodite/internal/storage/badger"

	"github.com/aphrodite-media/aphrodite/internal/services/badges"
	"github.com/aphrodite-media/aphrodite/internal/services/batch"
	"github.com/aphrodite-media/aphrodite/internal/services/events"
	"github.com/aphrodite-media/aphrodite/internal/services/jellyfin"
	"github.com/aphrodite-media/aphrodite/internal/services/metadata"
	"github.com/aphrodite-media/aphrodite/internal/services/processing"
	"github.com/aphrodite-media/aphrodite/internal/services/progress"
	"github.com/aphrodite-media/aphrodite/internal/services/providers"
	"github.com/aphrodite-media/aphrodite/internal/services/scheduler"
)

// App holds all application dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage and queue
	DB           *storage.BadgerDB
	JobRepo      interfaces.JobRepository
	QueueManager interfaces.QueueManager

	// Services
	EventService interfaces.EventService
	MediaServer  interfaces.MediaServer
	Composer     interfaces.PosterComposer
	Processor    *processing.Processor
	Tracker      *progress.Tracker
	Creator      *batch.Creator
	Worker       *batch.Worker
	Dispatcher   *batch.Dispatcher
	Scheduler    *scheduler.Service

	// Handlers
	WSHandler    *handlers.WebSocketHandler
	BatchHandler *handlers.BatchHandler

	logStreamer *handlers.LogStreamer

	ctx       context.Context
	cancelCtx context.CancelFunc
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}
	app.ctx, app.cancelCtx = context.WithCancel(context.Background())

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app.EventService = events.NewService(app.Logger)

	// WebSocket hub must exist before the log streamer so startup logs
	// reach the live log view.
	app.WSHandler = handlers.NewWebSocketHandler(app.JobRepo, app.Logger)
	app.logStreamer = handlers.NewLogStreamer(app.WSHandler, &cfg.WebSocket)
	app.logStreamer.Start()
	app.logStreamer.Attach(app.Logger)

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.BatchHandler = handlers.NewBatchHandler(
		app.Creator,
		app.JobRepo,
		app.QueueManager,
		app.Tracker,
		app.MediaServer,
		common.GetVersion(),
		app.Logger,
	)
	app.BatchHandler.SetDispatcher(app.Dispatcher)

	// Requeue jobs interrupted by a previous run before the dispatcher
	// starts pulling work.
	if err := app.recoverJobs(); err != nil {
		return nil, fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}

	if err := app.QueueManager.Start(); err != nil {
		return nil, fmt.Errorf("failed to start queue manager: %w", err)
	}
	if err := app.Dispatcher.Start(); err != nil {
		return nil, fmt.Errorf("failed to start dispatcher: %w", err)
	}
	if err := app.Scheduler.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	logger.Info().
		Int("max_concurrent_jobs", cfg.Batch.MaxConcurrentJobs).
		Int("schedules", len(cfg.Schedules)).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger) and the
// Badger-backed dispatch queue that shares its store.
func (a *App) initDatabase() error {
	db, err := storage.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return err
	}
	a.DB = db
	a.JobRepo = storage.NewJobStorage(db, a.Logger)

	queueMgr, err := queue.NewBadgerQueue(
		db.Store().Badger(),
		a.Logger,
		a.Config.Queue.QueueName,
		parseDuration(a.Config.Queue.VisibilityTimeout),
		a.Config.Queue.MaxReceive,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize queue manager: %w", err)
	}

	// A message that exceeds max_receive is poisoned: fail its job so
	// it stops cycling through the dispatcher.
	queueMgr.OnDrop(func(jobID string, receiveCount int) {
		ctx := context.Background()
		summary := fmt.Sprintf("job dropped from queue after %d deliveries", receiveCount)
		if err := a.JobRepo.SetJobError(ctx, jobID, summary); err != nil {
			a.Logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to record drop reason")
		}
		if _, err := a.JobRepo.UpdateJobStatus(ctx, jobID, models.JobStatusFailed); err != nil {
			a.Logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to fail dropped job")
		}
	})
	a.QueueManager = queueMgr

	a.Logger.Debug().
		Str("queue_name", a.Config.Queue.QueueName).
		Msg("Storage and queue initialized")
	return nil
}

// initServices builds the media client, badge pipeline, and batch
// services on top of the storage layer.
func (a *App) initServices() error {
	cfg := a.Config

	jellyfinOpts := []jellyfin.ClientOption{jellyfin.WithLogger(a.Logger)}
	if cfg.Jellyfin.RequestTimeout > 0 {
		jellyfinOpts = append(jellyfinOpts, jellyfin.WithTimeout(cfg.Jellyfin.RequestTimeout))
	}
	a.MediaServer = jellyfin.NewClient(cfg.Jellyfin.URL, cfg.Jellyfin.APIKey, cfg.Jellyfin.UserID, jellyfinOpts...)

	extractors, err := a.buildExtractors()
	if err != nil {
		return err
	}

	a.Composer, err = badges.NewComposer(cfg, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize composer: %w", err)
	}

	a.Processor = processing.NewProcessor(a.MediaServer, extractors, a.Composer, cfg.Batch, a.Logger)
	a.Tracker = progress.NewTracker(a.JobRepo, a.WSHandler, a.Logger)

	// Sub-poster stages (started/composed/uploaded) flow through the
	// tracker so WebSocket subscribers see pipeline granularity.
	a.Processor.OnStage(func(jobID, posterID, stage string) {
		job, err := a.JobRepo.GetJob(context.Background(), jobID)
		if err != nil {
			return
		}
		a.Tracker.Stage(job, posterID, stage)
	})

	a.Creator = batch.NewCreator(a.JobRepo, a.QueueManager, a.EventService, a.Logger)
	a.Worker = batch.NewWorker(a.JobRepo, a.Processor, a.Tracker, cfg.Batch, a.Logger)
	a.Dispatcher = batch.NewDispatcher(
		a.QueueManager,
		a.Worker,
		a.JobRepo,
		a.EventService,
		cfg.Batch.MaxConcurrentJobs,
		a.Logger,
	)

	a.Scheduler = scheduler.NewService(
		a.MediaServer,
		a.Creator,
		a.JobRepo,
		a.EventService,
		cfg.Batch.StaleJobTimeout,
		a.Logger,
	)
	for _, sched := range cfg.Schedules {
		if err := a.Scheduler.Register(sched); err != nil {
			return fmt.Errorf("failed to register schedule %q: %w", sched.Name, err)
		}
	}

	a.Logger.Debug().
		Int("extractors", len(extractors)).
		Msg("Services initialized")
	return nil
}

// buildExtractors creates one extractor per enabled badge type.
func (a *App) buildExtractors() ([]interfaces.BadgeExtractor, error) {
	cfg := a.Config
	var extractors []interfaces.BadgeExtractor

	if cfg.Badges.Audio.Enabled {
		extractors = append(extractors, metadata.NewAudioExtractor(cfg.Badges.Audio, a.Logger))
	}
	if cfg.Badges.Resolution.Enabled {
		extractors = append(extractors, metadata.NewResolutionExtractor(cfg.Badges.Resolution, a.Logger))
	}
	if cfg.Badges.Review.Enabled {
		reviewProviders := a.buildReviewProviders()
		if len(reviewProviders) == 0 {
			a.Logger.Warn().Msg("Review badges enabled but no provider API keys configured")
		}
		extractors = append(extractors, metadata.NewReviewExtractor(cfg.Badges.Review, cfg.Review, reviewProviders, a.Logger))
	}
	if cfg.Badges.Awards.Enabled {
		awards, err := metadata.NewAwardsExtractor(cfg.Badges.Awards, cfg.Awards, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize awards extractor: %w", err)
		}
		extractors = append(extractors, awards)
	}

	return extractors, nil
}

// buildReviewProviders creates a provider chain from the configured API
// keys. Providers without a key are skipped.
func (a *App) buildReviewProviders() []metadata.ReviewProvider {
	cfg := a.Config
	var chain []metadata.ReviewProvider

	if key := cfg.Providers.TMDB.APIKey; key != "" {
		opts := []providers.TMDBOption{providers.WithTMDBLogger(a.Logger)}
		if cfg.Providers.TMDB.BaseURL != "" {
			opts = append(opts, providers.WithTMDBBaseURL(cfg.Providers.TMDB.BaseURL))
		}
		if cfg.Providers.TMDB.RateLimit > 0 {
			opts = append(opts, providers.WithTMDBRateLimit(cfg.Providers.TMDB.RateLimit))
		}
		if cfg.Providers.TMDB.RequestTimeout > 0 {
			opts = append(opts, providers.WithTMDBHTTPClient(&http.Client{Timeout: cfg.Providers.TMDB.RequestTimeout}))
		}
		chain = append(chain, metadata.NewTMDBReviewProvider(providers.NewTMDBClient(key, opts...)))
	}

	if key := cfg.Providers.OMDB.APIKey; key != "" {
		opts := []providers.OMDBOption{providers.WithOMDBLogger(a.Logger)}
		if cfg.Providers.OMDB.BaseURL != "" {
			opts = append(opts, providers.WithOMDBBaseURL(cfg.Providers.OMDB.BaseURL))
		}
		if cfg.Providers.OMDB.RateLimit > 0 {
			opts = append(opts, providers.WithOMDBRateLimit(cfg.Providers.OMDB.RateLimit))
		}
		if cfg.Providers.OMDB.RequestTimeout > 0 {
			opts = append(opts, providers.WithOMDBHTTPClient(&http.Client{Timeout: cfg.Providers.OMDB.RequestTimeout}))
		}
		chain = append(chain, metadata.NewOMDBReviewProvider(providers.NewOMDBClient(key, opts...)))
	}

	if key := cfg.Providers.Fanart.APIKey; key != "" {
		opts := []providers.FanartOption{providers.WithFanartLogger(a.Logger)}
		if cfg.Providers.Fanart.BaseURL != "" {
			opts = append(opts, providers.WithFanartBaseURL(cfg.Providers.Fanart.BaseURL))
		}
		if cfg.Providers.Fanart.RateLimit > 0 {
			opts = append(opts, providers.WithFanartRateLimit(cfg.Providers.Fanart.RateLimit))
		}
		if cfg.Providers.Fanart.RequestTimeout > 0 {
			opts = append(opts, providers.WithFanartHTTPClient(&http.Client{Timeout: cfg.Providers.Fanart.RequestTimeout}))
		}
		chain = append(chain, metadata.NewFanartReviewProvider(providers.NewFanartClient(key, opts...)))
	}

	return chain
}

// recoverJobs handles crash recovery: processing jobs from a previous
// run go back to queued, and every queued job gets a fresh queue
// message so none are stranded if the old message was consumed.
func (a *App) recoverJobs() error {
	ctx := a.ctx

	interrupted, err := a.JobRepo.RequeueInterrupted(ctx)
	if err != nil {
		return err
	}
	for _, job := range interrupted {
		a.Logger.Info().
			Str("job_id", job.ID).
			Msg("Requeued job interrupted by previous shutdown")
	}

	queued, err := a.JobRepo.GetQueuedJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range queued {
		msg := &queue.JobMessage{JobID: job.ID, Priority: job.Priority}
		if err := a.QueueManager.Enqueue(ctx, msg); err != nil {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to re-enqueue queued job")
		}
	}

	if len(interrupted) > 0 || len(queued) > 0 {
		a.Logger.Info().
			Int("interrupted", len(interrupted)).
			Int("queued", len(queued)).
			Msg("Startup job recovery complete")
	}
	return nil
}

// Close gracefully shuts down all services in reverse order of startup.
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.cancelCtx()
	}

	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler")
		}
	}

	if a.Dispatcher != nil {
		if err := a.Dispatcher.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop dispatcher")
		}
	}

	if a.QueueManager != nil {
		if err := a.QueueManager.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop queue manager")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.logStreamer != nil {
		a.logStreamer.Stop()
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close database")
		}
	}

	a.Logger.Info().Msg("Application shutdown complete")
	return nil
}

// parseDuration parses a config duration string, defaulting to five
// minutes on malformed input.
func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}
