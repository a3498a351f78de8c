// Package server builds the monitor's dependency graph from configuration and
// runs the HTTP server plus the optional in-process trigger.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/pickup-monitor/internal/api"
	"github.com/JakeFAU/pickup-monitor/internal/clock/system"
	"github.com/JakeFAU/pickup-monitor/internal/config"
	pdfextract "github.com/JakeFAU/pickup-monitor/internal/extract/pdf"
	collyfetcher "github.com/JakeFAU/pickup-monitor/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/pickup-monitor/internal/fetcher/headless"
	"github.com/JakeFAU/pickup-monitor/internal/hash/sha256"
	"github.com/JakeFAU/pickup-monitor/internal/headless/detector"
	"github.com/JakeFAU/pickup-monitor/internal/id/uuid"
	redislease "github.com/JakeFAU/pickup-monitor/internal/lease/redis"
	"github.com/JakeFAU/pickup-monitor/internal/logging"
	"github.com/JakeFAU/pickup-monitor/internal/matcher"
	"github.com/JakeFAU/pickup-monitor/internal/metrics"
	"github.com/JakeFAU/pickup-monitor/internal/monitor"
	"github.com/JakeFAU/pickup-monitor/internal/notify"
	"github.com/JakeFAU/pickup-monitor/internal/pipeline"
	"github.com/JakeFAU/pickup-monitor/internal/policy/ratelimit"
	"github.com/JakeFAU/pickup-monitor/internal/policy/retry"
	gcppublisher "github.com/JakeFAU/pickup-monitor/internal/publisher/pubsub"
	"github.com/JakeFAU/pickup-monitor/internal/resolver"
	"github.com/JakeFAU/pickup-monitor/internal/schedule"
	gcsstorage "github.com/JakeFAU/pickup-monitor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pickup-monitor/internal/storage/local"
	memorystorage "github.com/JakeFAU/pickup-monitor/internal/storage/memory"
	pgstore "github.com/JakeFAU/pickup-monitor/internal/storage/postgres"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	store        monitor.Store
	pool         *pgxpool.Pool
	redisLease   *redislease.Lease
	headless     *headlessfetcher.Fetcher
	gcs          *gcsstorage.BlobStore
	publisher    *gcppublisher.Publisher
	mailer       *notify.Mailer
	orchestrator *pipeline.Orchestrator
	resolver     *resolver.Resolver
	matcher      *matcher.Matcher
	apiServer    *api.Server
	trigger      *schedule.Trigger
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	a.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("lease_backend", cfg.LeaseBackend()),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.Bool("scrape_allowed", cfg.Source.ScrapeAllowed),
		zap.Bool("schedule_enabled", cfg.Schedule.Enabled),
	)
	metrics.Init()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	clock := system.New()
	ids := uuid.New()

	fetchers, err := a.setupFetchers()
	if err != nil {
		return err
	}

	a.resolver, err = resolver.New(resolver.Config{
		Label:          cfg.Source.LinkLabel,
		MatchAttribute: cfg.Source.MatchAttribute,
		LinkAttribute:  cfg.Source.LinkAttribute,
		Promoter:       detector.NewHeuristic(cfg.Headless.PromotionThresh),
	}, fetchers.page, fetchers.headless, a.logger.Named("resolver"))
	if err != nil {
		return fmt.Errorf("resolver init failed: %w", err)
	}

	a.matcher, err = matcher.New(
		matcher.Config{MaxContexts: cfg.Matcher.MaxContexts},
		fetchers.document,
		pdfextract.New(a.logger.Named("extract")),
		sha256.New(),
		a.logger.Named("matcher"),
	)
	if err != nil {
		return fmt.Errorf("matcher init failed: %w", err)
	}

	if err = a.setupStore(ctx, clock, ids); err != nil {
		return err
	}
	lease, err := a.setupLease(ctx, clock)
	if err != nil {
		return err
	}
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	notifier, err := a.setupNotifier(ctx, clock, loc)
	if err != nil {
		return err
	}

	a.orchestrator, err = pipeline.New(pipeline.Config{
		Target:        cfg.Monitor.Target,
		PageURL:       cfg.Source.PageURL,
		ScrapeAllowed: cfg.Source.ScrapeAllowed,
		NotifyOnError: cfg.Notify.OnError,
		Hours:         cfg.Schedule.Hours,
		Location:      loc,
		LeaseTTL:      cfg.Lease.TTL,
		RunTimeout:    cfg.Pipeline.RunTimeout,
		ArchivePrefix: cfg.Archive.Prefix,
	}, pipeline.Deps{
		Store:    a.store,
		Lease:    lease,
		Resolver: a.resolver,
		Matcher:  a.matcher,
		Notifier: notifier,
		Archive:  archive,
		Clock:    clock,
		IDs:      ids,
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}

	a.apiServer = api.NewServer(api.Deps{
		Pipeline: a.orchestrator,
		Resolver: a.resolver,
		Matcher:  a.matcher,
		Mailer:   a.mailer,
		Notifier: notifier,
		Pinger:   a.store,
	}, api.Config{
		PageURL:         cfg.Source.PageURL,
		SchedulerSecret: cfg.Trigger.SchedulerSecret,
		CronSecret:      cfg.Trigger.CronSecret,
		TrustedHeader:   cfg.Trigger.TrustedHeader,
		TrustedValue:    cfg.Trigger.TrustedValue,
		Timeout:         time.Duration(cfg.Server.TimeoutSeconds) * time.Second,
		AllowedHosts:    cfg.Source.AllowedHosts,
	}, a.logger)

	if cfg.Schedule.Enabled {
		a.trigger, err = schedule.NewTrigger(cfg.Schedule.PollCron, loc, cfg.Pipeline.RunTimeout, a.pollJob, a.logger)
		if err != nil {
			return fmt.Errorf("trigger init failed: %w", err)
		}
	}
	return nil
}

// fetcherSet separates the source-page path from the document path. Source
// pages get a single attempt so the pipeline can fall back to its cached link;
// documents are retried on transient failures.
type fetcherSet struct {
	page     monitor.Fetcher
	document monitor.Fetcher
	headless monitor.Fetcher
}

func (a *App) setupFetchers() (fetcherSet, error) {
	cfg := a.cfg
	headers := cfg.SourceHeaders()
	var primary monitor.Fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Source.UserAgent,
		Headers:     headers,
		Timeout:     cfg.RequestTimeout(),
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
	})
	a.logger.Info("using colly fetcher", zap.Duration("timeout", cfg.RequestTimeout()))

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RateLimit.RPS, DefaultBurst: cfg.RateLimit.Burst})
		primary = ratelimit.Wrap(primary, limiter)
		a.logger.Info("outbound rate limit enabled",
			zap.Float64("rps", cfg.RateLimit.RPS),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	}
	set := fetcherSet{page: primary, document: primary}
	if cfg.HTTP.MaxAttempts > 1 {
		set.document = retry.Wrap(primary, retry.NewPolicy(cfg.HTTP.MaxAttempts, 0, 0), a.logger.Named("retry"))
	}

	if !cfg.Headless.Enabled {
		return set, nil
	}
	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		Slots:         cfg.Headless.MaxParallel,
		UserAgent:     cfg.Source.UserAgent,
		Headers:       headers,
		RenderTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		LinkSelector:  headlessfetcher.LinkSelector(cfg.Source.MatchAttribute, cfg.Source.LinkLabel),
	})
	if err != nil {
		a.logger.Warn("headless fetcher init failed, continuing without fallback", zap.Error(err))
		return set, nil
	}
	a.headless = headless
	a.logger.Info("using headless fallback", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	set.headless = headless
	if limiter != nil {
		set.headless = ratelimit.Wrap(headless, limiter)
	}
	return set, nil
}

func (a *App) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	if a.cfg.DB.AutoMigrate {
		if err := pgstore.Migrate(a.cfg.DB.DSN); err != nil {
			return nil, fmt.Errorf("database migration failed: %w", err)
		}
		a.logger.Info("database migrations applied")
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("database pool init failed: %w", err)
	}
	a.pool = pool
	return pool, nil
}

func (a *App) setupStore(ctx context.Context, clock monitor.Clock, ids monitor.IDGenerator) error {
	switch a.cfg.Storage.Backend {
	case "postgres":
		pool, err := a.openPool(ctx)
		if err != nil {
			return err
		}
		store, err := pgstore.NewStore(pool, clock, ids)
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = store
		a.logger.Info("using postgres result store")
	default:
		a.store = memorystorage.NewStore(clock, ids)
		a.logger.Warn("using in-memory result store, history is lost on restart")
	}
	return nil
}

func (a *App) setupLease(ctx context.Context, clock monitor.Clock) (monitor.Lease, error) {
	switch a.cfg.LeaseBackend() {
	case "postgres":
		pool, err := a.openPool(ctx)
		if err != nil {
			return nil, err
		}
		lease, err := pgstore.NewLease(pool, clock)
		if err != nil {
			return nil, fmt.Errorf("postgres lease init failed: %w", err)
		}
		a.logger.Info("using postgres run lease")
		return lease, nil
	case "redis":
		lease, err := redislease.Open(a.cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis lease init failed: %w", err)
		}
		a.redisLease = lease
		a.logger.Info("using redis run lease")
		return lease, nil
	default:
		a.logger.Info("using in-memory run lease")
		return memorystorage.NewLease(clock), nil
	}
}

func (a *App) setupArchive(ctx context.Context) (monitor.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.gcs = store
		a.logger.Info("archiving documents to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving documents locally", zap.String("path", a.cfg.Archive.Local.BaseDir))
		return store, nil
	case "memory":
		a.logger.Info("archiving documents in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Debug("document archive disabled")
		return nil, nil
	}
}

func (a *App) setupNotifier(ctx context.Context, clock monitor.Clock, loc *time.Location) (monitor.Notifier, error) {
	cfg := a.cfg
	transport := notify.NewSMTPTransport(notify.SMTPConfig{
		Host:     cfg.Notify.SMTP.Host,
		Port:     cfg.Notify.SMTP.Port,
		Username: cfg.Notify.SMTP.Username,
		Password: cfg.Notify.SMTP.Password,
		TLSMode:  cfg.Notify.SMTP.TLSMode,
		Timeout:  cfg.RequestTimeout(),
	})
	a.mailer = notify.NewMailer(notify.Config{
		Recipient: cfg.Notify.Recipient,
		From:      cfg.Notify.SMTP.From,
		FromName:  cfg.Notify.FromName,
		Username:  cfg.Notify.SMTP.Username,
		Password:  cfg.Notify.SMTP.Password,
		Location:  loc,
	}, transport, clock, a.logger.Named("notify"))
	if !a.mailer.Configured() {
		a.logger.Warn("mail notifications not configured, matches will be recorded without email")
	}

	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		a.logger.Debug("no Pub/Sub topic configured, events go to mail only")
		return a.mailer, nil
	}
	publisher, err := gcppublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = publisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicName),
	)
	return notify.NewFanout(a.mailer, cfg.PubSub.TopicName, a.logger.Named("fanout"), publisher), nil
}

func (a *App) pollJob(ctx context.Context) error {
	out, err := a.orchestrator.RunIfDue(ctx, monitor.SourceCron)
	if err != nil {
		return err
	}
	if out.Skipped {
		a.logger.Debug("poll skipped", zap.String("reason", out.Reason), zap.Int("minutes_until_next", out.MinutesUntilNext))
	}
	return nil
}

// Orchestrator exposes the check pipeline to commands.
func (a *App) Orchestrator() *pipeline.Orchestrator {
	return a.orchestrator
}

// Mailer exposes the mail notifier to commands.
func (a *App) Mailer() *notify.Mailer {
	return a.mailer
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.trigger != nil {
		a.trigger.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close(shutdownCtx)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) {
	if a.trigger != nil {
		a.trigger.Stop(ctx)
	}
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisLease != nil {
		if err := a.redisLease.Close(); err != nil {
			a.logger.Warn("redis lease close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	} else if a.store != nil {
		a.store.Close()
	}
}
