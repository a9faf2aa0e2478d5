// Package main is the entrypoint for the portalwatch server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/portalwatch/internal/analytics"
	"github.com/kiranshivaraju/portalwatch/internal/api"
	"github.com/kiranshivaraju/portalwatch/internal/api/feed"
	"github.com/kiranshivaraju/portalwatch/internal/api/handler"
	mw "github.com/kiranshivaraju/portalwatch/internal/api/middleware"
	"github.com/kiranshivaraju/portalwatch/internal/cache"
	"github.com/kiranshivaraju/portalwatch/internal/config"
	"github.com/kiranshivaraju/portalwatch/internal/ledger"
	"github.com/kiranshivaraju/portalwatch/internal/metrics"
	"github.com/kiranshivaraju/portalwatch/internal/monitor"
	"github.com/kiranshivaraju/portalwatch/internal/orchestrator"
	"github.com/kiranshivaraju/portalwatch/internal/portal"
	"github.com/kiranshivaraju/portalwatch/internal/session"
	"github.com/kiranshivaraju/portalwatch/internal/store"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	serviceName     = "portalwatch"
	shutdownTimeout = 30 * time.Second
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	_, _ = maxprocs.Set()

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "session", cfg.Session.Name, "policy_file", cfg.PolicyFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Metrics
	provider := metrics.NewMeterProvider(serviceName)
	defer func() { _ = provider.Shutdown(context.Background()) }()
	m, err := metrics.New(provider)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	// 6. Build the core
	pgStore := store.NewPostgresStore(pool)
	c, err := build(cfg, pgStore, redisCache, m)
	if err != nil {
		return err
	}
	c.metricsSource = provider

	// Sinks outlive the orchestrator so its shutdown events are written.
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	var sinks sync.WaitGroup
	for name, runSink := range map[string]func(context.Context) error{
		"store_writer": c.writer.Run,
		"cache_mirror": c.mirror.Run,
		"feed_hub":     c.hub.Run,
	} {
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			if err := runSink(sinkCtx); err != nil {
				slog.Error("sink stopped", "sink", name, "error", err)
			}
		}()
	}
	defer func() {
		stopSinks()
		sinks.Wait()
		slog.Info("sinks drained", "store_writer_dropped", c.writer.Dropped())
	}()

	// 7. HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      newRouter(cfg, c),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.orch.Run(gctx)
	})

	if cfg.PolicyFile != "" {
		watcher := config.NewWatcher(cfg.PolicyFile, cfg.PolicyBase(), c.holder, 0)
		watcher.OnReload(c.orch.ApplyConfig)
		g.Go(func() error { return watcher.Run(gctx) })
	}

	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

// components is everything run wires together after the external
// connections are open.
type components struct {
	store    store.Store
	cache    cache.Cache
	holder   *config.Holder
	sessions *session.Manager
	orch     *orchestrator.Orchestrator
	writer   *store.Writer
	mirror   *cache.Mirror
	reports  *cache.ReportPublisher
	hub      *feed.Hub

	metricsSource handler.MetricsSource
}

// build creates the session, the ledger and its listeners, and the
// orchestrator. Nothing is started.
func build(cfg *config.Config, s store.Store, c cache.Cache, m *metrics.Metrics) (*components, error) {
	limiter := rate.NewLimiter(rate.Limit(cfg.Portal.RateLimitPerSec), cfg.Portal.RateBurst)
	client := portal.NewHTTPClient(cfg.Portal.BaseURL, cfg.Portal.Timeout, limiter)
	return buildWithClient(cfg, client, s, c, m)
}

func buildWithClient(cfg *config.Config, client portal.Client, s store.Store, c cache.Cache, m *metrics.Metrics) (*components, error) {
	sessionID := uuid.New()
	writer := store.NewWriter(s, sessionID)
	mirror := cache.NewMirror(c, sessionID)
	reports := cache.NewReportPublisher(c)
	hub := feed.NewHub()

	sessions := session.NewManager(client, session.Options{
		ID:   sessionID,
		Name: cfg.Session.Name,
		Credentials: models.Credentials{
			Username: cfg.Portal.Username,
			Password: cfg.Portal.Password,
		},
		GateTimeout:    cfg.Session.GateTimeout,
		MaxRetries:     cfg.Session.LoginMaxRetries,
		BackoffInitial: cfg.Session.LoginBackoffInitial,
		BackoffMax:     cfg.Session.LoginBackoffMax,
		OnTransition: func(sess models.Session) {
			writer.OnSessionTransition(sess)
			mirror.OnSessionTransition(sess)
			hub.OnSessionTransition(sess)
			if sess.LoginStatus == models.LoginStatusFailed {
				m.IncLoginFailure(context.Background())
			}
		},
	})

	agg := analytics.New(cfg.Analytics.Window,
		analytics.WithSession(sessions.Snapshot),
		analytics.WithSink(writer),
		analytics.WithSink(hub),
	)

	l := ledger.New()
	l.Subscribe(agg)
	l.Subscribe(writer)
	l.Subscribe(mirror)
	l.Subscribe(hub)

	holder := config.NewHolder(cfg.Orchestrator)
	orch, err := orchestrator.New(orchestrator.Deps{
		Sessions:      sessions,
		Client:        client,
		Ledger:        l,
		Config:        holder,
		Aggregator:    agg,
		Publisher:     monitor.MultiPublisher{monitor.NewLogPublisher(), reports, hub},
		Metrics:       m,
		Pruner:        writer,
		SessionSinks:  []orchestrator.SessionSink{writer.OnSessionTransition, mirror.SyncSession},
		CallTimeout:   cfg.Session.CallTimeout,
		AnalyticsTick: cfg.Analytics.Tick,
		Retention:     cfg.Database.Retention,
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	return &components{
		store:    s,
		cache:    c,
		holder:   holder,
		sessions: sessions,
		orch:     orch,
		writer:   writer,
		mirror:   mirror,
		reports:  reports,
		hub:      hub,
	}, nil
}

// newRouter wires every API handler.
func newRouter(cfg *config.Config, c *components) http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(cfg.Server.APIKeyHash),
		RateLimit: mw.NewRateLimit(c.cache, cfg.Server.RateLimitPerMin),

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": c.store,
			"cache":    c.cache,
		}, c.sessions),
		StatusHandler:    handler.NewStatusHandler(c.orch),
		ListTasks:        handler.NewListTasksHandler(c.orch),
		UpdateTask:       handler.NewUpdateTaskHandler(c.orch),
		RunTask:          handler.NewRunTaskHandler(c.orch),
		Outcomes:         handler.NewOutcomesHandler(c.orch),
		ListJobs:         handler.NewListJobsHandler(c.store),
		GetJob:           handler.NewGetJobHandler(c.orch),
		JobDetail:        handler.NewJobDetailHandler(c.orch),
		RejectJob:        handler.NewRejectJobHandler(c.orch),
		GetReport:        handler.NewReportHandler(c.reports),
		AnalyticsWindows: handler.NewAnalyticsWindowsHandler(c.orch, c.store),
		Activity:         handler.NewActivityHandler(c.mirror),
		ListSessions:     handler.NewListSessionsHandler(c.store),
		ListLogs:         handler.NewListLogsHandler(c.store),
		Metrics:          metricsHandler(c.metricsSource),
		Feed:             c.hub,
	})
}

func metricsHandler(src handler.MetricsSource) http.HandlerFunc {
	if src == nil {
		return nil
	}
	return handler.NewMetricsHandler(src)
}
