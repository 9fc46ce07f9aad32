// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/ai"
	"github.com/JakeFAU/site-audit/internal/ai/anthropic"
	"github.com/JakeFAU/site-audit/internal/ai/openai"
	"github.com/JakeFAU/site-audit/internal/aiqueue"
	collyanalyzer "github.com/JakeFAU/site-audit/internal/analyzer/colly"
	"github.com/JakeFAU/site-audit/internal/analyzer/headless"
	"github.com/JakeFAU/site-audit/internal/api"
	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/clock/system"
	"github.com/JakeFAU/site-audit/internal/config"
	"github.com/JakeFAU/site-audit/internal/evaluation"
	"github.com/JakeFAU/site-audit/internal/hash/sha256"
	"github.com/JakeFAU/site-audit/internal/id/uuid"
	"github.com/JakeFAU/site-audit/internal/jobqueue"
	memoryqueue "github.com/JakeFAU/site-audit/internal/jobqueue/memory"
	redisqueue "github.com/JakeFAU/site-audit/internal/jobqueue/redis"
	"github.com/JakeFAU/site-audit/internal/jobqueue/webhook"
	"github.com/JakeFAU/site-audit/internal/metrics"
	"github.com/JakeFAU/site-audit/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/site-audit/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/site-audit/internal/publisher/pubsub"
	"github.com/JakeFAU/site-audit/internal/reaper"
	"github.com/JakeFAU/site-audit/internal/report"
	gcsstorage "github.com/JakeFAU/site-audit/internal/storage/gcs"
	localstorage "github.com/JakeFAU/site-audit/internal/storage/local"
	memorystorage "github.com/JakeFAU/site-audit/internal/storage/memory"
	pgstore "github.com/JakeFAU/site-audit/internal/storage/postgres"
	"github.com/JakeFAU/site-audit/internal/submission"
	"github.com/JakeFAU/site-audit/internal/telemetry"
	"github.com/JakeFAU/site-audit/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  audit.Clock

	store         audit.Store
	pgStore       *pgstore.AuditStore
	backend       jobqueue.Backend
	aiQueue       *aiqueue.Queue
	worker        *worker.Worker
	reaper        *reaper.Reaper
	apiServer     *api.Server
	screenshotter *headless.Screenshotter
	gcsBlobs      *gcsstorage.BlobStore
	pubsub        *gcppublisher.Publisher
	tracer        *sdktrace.TracerProvider
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	metrics.Init()
	var err error
	app.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("ai_provider", cfg.AI.Provider),
		zap.String("queue_backend", string(cfg.QueueKind())),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	if err = app.setupStore(ctx); err != nil {
		return nil, err
	}
	if app.backend, err = app.setupBackend(ctx); err != nil {
		return nil, err
	}
	if app.reaper, err = reaper.New(app.store, app.clock, reaper.Config{
		Schedule: cfg.Reaper.Schedule,
		Jitter:   cfg.Reaper.Jitter,
		Timeout:  cfg.Reaper.Timeout,
	}, logger); err != nil {
		return nil, fmt.Errorf("reaper init failed: %w", err)
	}
	if cfg.Worker.Enabled {
		if err = app.setupWorker(ctx); err != nil {
			return nil, err
		}
	}

	audits := submission.New(app.store, app.backend, uuid.New(), app.clock, cfg.Queue.Name, logger)
	opts := []api.Option{
		api.WithReadiness("queue", app.queueReady),
	}
	if app.pgStore != nil {
		opts = append(opts, api.WithReadiness("database", app.pgStore.Ping))
	}
	if wh, isWebhook := app.backend.(*webhook.Backend); isWebhook {
		opts = append(opts, api.WithJobReceiver(wh.Handler()))
	}
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(ratelimit.Config{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst})
		opts = append(opts, api.WithThrottle(limiter.Middleware))
		logger.Info("submission throttle enabled",
			zap.Float64("rps", cfg.RateLimit.RPS),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	}
	app.apiServer = api.NewServer(audits, app.reaper, cfg, logger.Named("api"), opts...)

	ok = true
	return app, nil
}

// BuildMaintenance wires only the audit store and the reaper, for the admin
// commands. The memory store is rejected since it would start empty.
func BuildMaintenance(ctx context.Context, cfg config.Config, logger *zap.Logger) (*reaper.Reaper, func(), error) {
	if cfg.Database.DSN == "" {
		return nil, nil, errors.New("admin commands require database.dsn")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := system.New()
	store, err := pgstore.NewAuditStore(ctx, postgresConfig(cfg.Database), clock)
	if err != nil {
		return nil, nil, fmt.Errorf("audit store init failed: %w", err)
	}
	r, err := reaper.New(store, clock, reaper.Config{
		Schedule: cfg.Reaper.Schedule,
		Jitter:   cfg.Reaper.Jitter,
		Timeout:  cfg.Reaper.Timeout,
	}, logger)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("reaper init failed: %w", err)
	}
	return r, store.Close, nil
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.aiQueue != nil {
		a.aiQueue.Start(ctx)
	}
	workerDone := make(chan error, 1)
	if a.worker != nil {
		go func() { workerDone <- a.worker.Run(ctx) }()
	} else {
		close(workerDone)
	}
	if a.cfg.Reaper.Enabled {
		if err := a.reaper.Start(ctx); err != nil {
			return fmt.Errorf("start reaper: %w", err)
		}
	}

	readHeader := a.cfg.Server.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = 5 * time.Second
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeader,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	a.logger.Info("application started")
	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := <-workerDone; err != nil {
		a.logger.Error("worker stopped with error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.reaper != nil {
		if err := a.reaper.Stop(ctx); err != nil {
			a.logger.Warn("reaper stop failed", zap.Error(err))
		}
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.backend != nil {
		if err := a.backend.Close(ctx); err != nil {
			a.logger.Warn("queue backend close failed", zap.Error(err))
		}
	}
	if a.aiQueue != nil {
		a.aiQueue.Close()
	}
	if a.screenshotter != nil {
		a.screenshotter.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.gcsBlobs != nil {
		if err := a.gcsBlobs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

func (a *App) queueReady(ctx context.Context) error {
	if rb, ok := a.backend.(*redisqueue.Backend); ok {
		return rb.Ping(ctx)
	}
	return nil
}

func postgresConfig(db config.DatabaseConfig) pgstore.Config {
	return pgstore.Config{
		DSN:             db.DSN,
		Table:           db.Table,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
	}
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database dsn configured, audit records are kept in memory")
		a.store = memorystorage.NewAuditStore(a.clock)
		return nil
	}
	store, err := pgstore.NewAuditStore(ctx, postgresConfig(a.cfg.Database), a.clock)
	if err != nil {
		return fmt.Errorf("audit store init failed: %w", err)
	}
	a.pgStore = store
	a.store = store
	if a.cfg.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	a.logger.Info("postgres audit store initialized", zap.String("table", a.cfg.Database.Table))
	return nil
}

func (a *App) setupBackend(ctx context.Context) (jobqueue.Backend, error) {
	kind := a.cfg.QueueKind()
	obs := jobqueue.Observers{
		jobqueue.NewLogObserver(a.logger.Named("jobqueue")),
		jobqueue.NewMetricsObserver(kind),
	}
	switch kind {
	case jobqueue.KindRedis:
		rc := a.cfg.Queue.Redis
		b, err := redisqueue.New(ctx, redisqueue.Config{
			Addr:         rc.Addr,
			Password:     rc.Password,
			DB:           rc.DB,
			Prefix:       rc.Prefix,
			MaxAttempts:  rc.MaxAttempts,
			BackoffBase:  rc.BackoffBase,
			MaxBackoff:   rc.MaxBackoff,
			Lease:        rc.Lease,
			PollInterval: rc.PollInterval,
		}, a.logger, obs)
		if err != nil {
			return nil, fmt.Errorf("redis queue init failed: %w", err)
		}
		a.logger.Info("using redis queue backend", zap.String("addr", rc.Addr))
		return b, nil
	case jobqueue.KindWebhook:
		wc := a.cfg.Queue.Webhook
		b, err := webhook.New(webhook.Config{
			DispatchURL:        wc.DispatchURL,
			Token:              wc.Token,
			CallbackURL:        wc.CallbackURL,
			SigningKey:         wc.SigningKey,
			NextSigningKey:     wc.NextSigningKey,
			Retries:            wc.Retries,
			TimestampTolerance: wc.TimestampTolerance,
		}, nil, a.logger, obs)
		if err != nil {
			return nil, fmt.Errorf("webhook queue init failed: %w", err)
		}
		a.logger.Info("using webhook queue backend", zap.String("callback_url", wc.CallbackURL))
		return b, nil
	default:
		a.logger.Info("using in-memory queue backend")
		return memoryqueue.New(a.logger, obs), nil
	}
}

func (a *App) setupProvider() (ai.Provider, error) {
	switch a.cfg.AI.Provider {
	case "anthropic":
		p, err := anthropic.New(anthropic.Config{
			APIKey:  a.cfg.AI.APIKey,
			Model:   a.cfg.AI.Model,
			BaseURL: a.cfg.AI.BaseURL,
			Timeout: a.cfg.AI.MultimodalTimeout,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("anthropic provider init failed: %w", err)
		}
		return p, nil
	default:
		p, err := openai.New(openai.Config{
			APIKey:  a.cfg.AI.APIKey,
			Model:   a.cfg.AI.Model,
			BaseURL: a.cfg.AI.BaseURL,
			Timeout: a.cfg.AI.MultimodalTimeout,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("openai provider init failed: %w", err)
		}
		return p, nil
	}
}

func (a *App) setupBlobs(ctx context.Context) (audit.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket:   a.cfg.Storage.GCS.Bucket,
			Endpoint: a.cfg.Storage.GCS.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcsBlobs = blobs
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (audit.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, nil)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsub = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func (a *App) setupWorker(ctx context.Context) error {
	provider, err := a.setupProvider()
	if err != nil {
		return err
	}
	ac := a.cfg.AI
	a.aiQueue, err = aiqueue.New(provider, aiqueue.Config{
		Requests:             ac.RateLimit.Requests,
		Window:               ac.RateLimit.Window,
		RefillInterval:       ac.RateLimit.RefillInterval,
		MaxRetries:           ac.MaxRetries,
		RateLimitBackoffBase: ac.RateLimitBackoffBase,
		TransientBackoffBase: ac.TransientBackoffBase,
		MaxBackoff:           ac.MaxBackoff,
		RequestTimeout:       ac.RequestTimeout,
		MultimodalTimeout:    ac.MultimodalTimeout,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("ai queue init failed: %w", err)
	}
	manager, err := evaluation.NewManager(a.logger, evaluation.Default(a.aiQueue)...)
	if err != nil {
		return fmt.Errorf("evaluation manager init failed: %w", err)
	}

	an := a.cfg.Analyzer
	analyzer := collyanalyzer.New(collyanalyzer.Config{
		UserAgent:     an.UserAgent,
		RespectRobots: !an.IgnoreRobots,
		Timeout:       an.Timeout,
		MaxAttempts:   an.MaxAttempts,
	}, a.logger)
	var shots audit.Screenshotter
	if an.Screenshots.Enabled {
		a.screenshotter, err = headless.NewChromedp(headless.Config{
			MaxParallel:       an.Screenshots.MaxParallel,
			UserAgent:         an.UserAgent,
			NavigationTimeout: an.Screenshots.NavigationTimeout,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("screenshotter init failed: %w", err)
		}
		shots = a.screenshotter
		a.logger.Info("headless screenshots enabled", zap.Int("max_parallel", an.Screenshots.MaxParallel))
	}

	blobs, err := a.setupBlobs(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	workerCfg := worker.Config{
		QueueName: a.cfg.Queue.Name,
		Topic:     a.cfg.PubSub.TopicName,
		Weights:   a.cfg.Evaluation.Weights,
		SelfFeed:  a.backend.Kind() == jobqueue.KindMemory && a.cfg.Queue.Memory.SelfFeed,
	}
	a.worker = worker.New(
		a.store,
		a.backend,
		analyzer,
		shots,
		manager,
		report.NewCSVExporter(blobs, sha256.NewTruncated(16), a.cfg.Storage.Prefix),
		publisher,
		a.clock,
		workerCfg,
		a.logger,
	)
	a.logger.Info("worker config",
		zap.String("queue", workerCfg.QueueName),
		zap.String("topic", workerCfg.Topic),
		zap.Bool("self_feed", workerCfg.SelfFeed),
		zap.Any("weights", workerCfg.Weights),
	)
	return nil
}
