// Package app initializes and holds long-lived application services, acting as
// a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	cloudpubsub "cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mediascope/crawler/internal/agent"
	"github.com/mediascope/crawler/internal/api"
	"github.com/mediascope/crawler/internal/clock/system"
	"github.com/mediascope/crawler/internal/config"
	"github.com/mediascope/crawler/internal/crawlagent"
	"github.com/mediascope/crawler/internal/feeds"
	"github.com/mediascope/crawler/internal/id/uuid"
	"github.com/mediascope/crawler/internal/indexing"
	"github.com/mediascope/crawler/internal/logging"
	"github.com/mediascope/crawler/internal/media"
	"github.com/mediascope/crawler/internal/metrics"
	"github.com/mediascope/crawler/internal/progress"
	"github.com/mediascope/crawler/internal/progress/sinks"
	"github.com/mediascope/crawler/internal/publisher/pubsub"
	"github.com/mediascope/crawler/internal/scheduler"
	"github.com/mediascope/crawler/internal/storage/memory"
	"github.com/mediascope/crawler/internal/storage/postgres"
	"github.com/mediascope/crawler/internal/vindex"
)

// App holds all the shared, long-lived services for the application: the
// logger, stores, external service clients, the crawl scheduler, the indexing
// pipeline manager, and the HTTP server. It is initialized once at startup and
// is designed to fail fast if any critical service cannot be constructed.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool         *pgxpool.Pool
	pubsubClient *cloudpubsub.Client
	publisher    *pubsub.Publisher

	scheduler *scheduler.Scheduler
	pipelines *indexing.Manager
	hub       *progress.Hub
	server    *http.Server
}

// Logger returns the shared zap logger instance.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Scheduler exposes the crawl scheduler, mainly for tests.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// New creates and initializes an App from the loaded configuration. It is the
// central point for service wiring: job and media stores are Postgres-backed
// when db.dsn is set and in-memory otherwise, the indexed-media publisher is
// enabled only when pubsub.project_id is set, and the crawl agent is either
// hosted in-process or addressed over HTTP depending on agent.mode.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}

	clk := system.New()
	ids := uuid.NewUUIDGenerator()

	var jobs media.JobStore
	var provider media.MediaStoreProvider
	if cfg.DB.DSN != "" {
		logger.Info("connecting to postgres")
		poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		if cfg.DB.MaxConns > 0 {
			poolCfg.MaxConns = cfg.DB.MaxConns
		}
		if cfg.DB.MinConns > 0 {
			poolCfg.MinConns = cfg.DB.MinConns
		}
		if cfg.DB.MaxConnLifetime > 0 {
			poolCfg.MaxConnLifetime = time.Duration(cfg.DB.MaxConnLifetime) * time.Second
		}
		a.pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		js, err := postgres.NewJobStoreWithPool(a.pool)
		if err != nil {
			return nil, fmt.Errorf("initialize job store: %w", err)
		}
		mp, err := postgres.NewMediaProvider(a.pool)
		if err != nil {
			return nil, fmt.Errorf("initialize media provider: %w", err)
		}
		jobs, provider = js, mp
	} else {
		logger.Info("no database DSN configured, using in-memory stores")
		jobs = memory.NewJobStore()
		provider = memory.NewMediaProvider()
	}

	vidx, err := vindex.NewClient(vindex.Config{
		BaseURL: cfg.VIndex.BaseURL,
		Timeout: time.Duration(cfg.VIndex.TimeoutSec) * time.Second,
	}, logger.Named("vindex"))
	if err != nil {
		return nil, fmt.Errorf("initialize vindex client: %w", err)
	}

	feedSvc, err := feeds.NewClient(feeds.Config{
		BaseURL: cfg.Feeds.BaseURL,
		Timeout: time.Duration(cfg.Feeds.TimeoutSec) * time.Second,
	}, clk, logger.Named("feeds"))
	if err != nil {
		return nil, fmt.Errorf("initialize feeds client: %w", err)
	}

	var pub media.Publisher
	if cfg.PubSub.ProjectID != "" {
		logger.Info("connecting to pub/sub", zap.String("project", cfg.PubSub.ProjectID))
		a.pubsubClient, err = cloudpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("initialize pubsub client: %w", err)
		}
		a.publisher = pubsub.New(a.pubsubClient)
		pub = a.publisher
	} else {
		logger.Info("no pub/sub project configured, indexed-media notifications disabled")
	}

	topic := cfg.Indexing.Topic
	if topic == "" {
		topic = cfg.PubSub.TopicName
	}
	a.pipelines = indexing.NewManager(ctx, provider, vidx, pub, indexing.Config{
		BatchSize:          cfg.Indexing.BatchSize,
		Workers:            cfg.Indexing.Workers,
		InFlightMultiplier: cfg.Indexing.InFlightMultiplier,
		IdlePeriod:         time.Duration(cfg.Indexing.IdlePeriodSec) * time.Second,
		StopGrace:          time.Duration(cfg.Indexing.StopGraceSec) * time.Second,
		StopKill:           time.Duration(cfg.Indexing.StopKillSec) * time.Second,
		Topic:              topic,
	}, logger.Named("indexing"))

	var launcher media.CrawlLauncher
	var agentCtl media.AgentControl
	var embedded *crawlagent.Launcher
	switch cfg.Agent.Mode {
	case "remote":
		logger.Info("using remote crawl agent", zap.String("base_url", cfg.Agent.BaseURL))
		remote, err := agent.NewClient(agent.Config{
			BaseURL: cfg.Agent.BaseURL,
			Timeout: time.Duration(cfg.Agent.RequestTimeoutSec) * time.Second,
		}, logger.Named("agent"))
		if err != nil {
			return nil, fmt.Errorf("initialize agent client: %w", err)
		}
		launcher, agentCtl = remote, remote
	default:
		logger.Info("hosting crawl agent in-process")
		promSink, err := sinks.NewPrometheusSink(nil)
		if err != nil {
			return nil, fmt.Errorf("initialize progress collectors: %w", err)
		}
		a.hub = progress.NewHub(progress.Config{
			BaseContext: ctx,
			Logger:      logger.Named("progress"),
		}, sinks.NewLogSink(logger.Named("progress")), promSink)
		embedded, err = crawlagent.NewLauncher(crawlagent.Config{
			UserAgent:          cfg.Agent.UserAgent,
			Concurrency:        cfg.Agent.Concurrency,
			RateLimitPerDomain: cfg.Agent.RateLimitPerDomain,
			RequestTimeout:     time.Duration(cfg.Agent.RequestTimeoutSec) * time.Second,
			MaxDepth:           cfg.Agent.MaxDepth,
			SeedTemplates:      cfg.Agent.SeedTemplates,
		}, provider, feedSvc, ids, clk, logger.Named("crawlagent"))
		if err != nil {
			return nil, fmt.Errorf("initialize crawl agent: %w", err)
		}
		launcher, agentCtl = embedded, embedded
	}

	a.scheduler = scheduler.New(
		jobs,
		provider,
		vidx,
		agentCtl,
		feedSvc,
		launcher,
		a.pipelines,
		clk,
		ids,
		scheduler.Config{
			NumCrawls:        cfg.Scheduler.NumCrawls,
			CrawlsDir:        cfg.Scheduler.CrawlsDir,
			VisualDir:        cfg.Scheduler.VisualDir,
			PollInitialDelay: cfg.Scheduler.PollInitialDelay(),
			PollPeriod:       cfg.Scheduler.PollPeriod(),
		},
		logger.Named("scheduler"),
	)
	if embedded != nil {
		embedded.SetReporter(a.scheduler)
		embedded.SetEmitter(a.hub)
	}

	srv := api.NewServer(a.scheduler, cfg, logger.Named("api"))
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("application services initialized")
	return a, nil
}

// Run starts the scheduler and serves HTTP until the context is cancelled,
// then shuts everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	a.scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := a.scheduler.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("scheduler shutdown", zap.Error(err))
	}
	a.pipelines.StopAll()
	if a.hub != nil {
		if err := a.hub.Close(shutdownCtx); err != nil {
			a.logger.Warn("progress hub close", zap.Error(err))
		}
	}
	return nil
}

// Close releases client connections held by the container.
func (a *App) Close() {
	if a.hub != nil {
		if err := a.hub.Close(context.Background()); err != nil {
			a.logger.Warn("progress hub close", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("closing pubsub client", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	_ = a.logger.Sync()
}
