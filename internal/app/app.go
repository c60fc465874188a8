// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/formsink/formsink/internal/actions"
	"github.com/formsink/formsink/internal/actions/email"
	"github.com/formsink/formsink/internal/actions/guard"
	actionspostgres "github.com/formsink/formsink/internal/actions/postgres"
	"github.com/formsink/formsink/internal/actions/slack"
	"github.com/formsink/formsink/internal/actions/webhook"
	"github.com/formsink/formsink/internal/config"
	"github.com/formsink/formsink/internal/pkg/ctxlog"
	"github.com/formsink/formsink/internal/pkg/httputil"
	"github.com/formsink/formsink/internal/pkg/metrics"
	"github.com/formsink/formsink/internal/pkg/postgres"
	"github.com/formsink/formsink/internal/secrets"
	"github.com/formsink/formsink/internal/version"
	"github.com/formsink/formsink/migrations"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc

	repo     *actionspostgres.Repository
	enqueuer *actions.Enqueuer
	worker   *actions.Worker
	reaper   *actions.Reaper
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)

	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(cfg.Database.URL, migrations.FS); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		metricsCancel: metricsCancel,
	}

	go app.collectDBMetrics(metricsCtx)

	router, err := app.setup(metricsCtx)
	if err != nil {
		db.Close()
		metricsCancel()
		return nil, fmt.Errorf("setup application: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application. Workers stop before the
// shared background context is cancelled and before the pool closes, so
// in-flight items record their queue state transition on a live context
// instead of being stranded in processing until the reaper grace.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	if a.worker != nil {
		a.worker.Stop()
	}
	if a.reaper != nil {
		a.reaper.Stop()
	}

	a.metricsCancel()

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.db.Close()

	return errors.Join(errs...)
}

// Enqueuer exposes the submission intake entry point to the ingestion layer.
func (a *App) Enqueuer() *actions.Enqueuer {
	return a.enqueuer
}

// Repository exposes data access to the ingestion layer.
func (a *App) Repository() actions.Repository {
	return a.repo
}

// Worker returns the worker pool instance. Used in tests.
func (a *App) Worker() *actions.Worker {
	return a.worker
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setup(ctx context.Context) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	repo := actionspostgres.NewRepository(a.db)
	a.repo = repo

	g, err := guard.New(guard.Config{
		Relaxed:      a.config.Actions.Guard.Relaxed,
		AllowedCIDRs: a.config.Actions.Guard.AllowedCIDRs,
	})
	if err != nil {
		return nil, fmt.Errorf("create outbound guard: %w", err)
	}

	resolver := secrets.NewResolver(repo, a.config.Secrets.MasterKey)

	registry := actions.NewRegistry(
		webhook.New(g, a.config.Actions.ExecTimeout, a.config.Actions.OutboundRPS),
		email.New(resolver, a.config.Actions.ExecTimeout),
		slack.New(g, a.config.Actions.ExecTimeout, a.config.Actions.OutboundRPS),
	)

	dispatcher := actions.NewDispatcher(repo, registry, a.config.Actions.ExecTimeout)

	workerConfig := actions.WorkerConfig{
		NumWorkers:   a.config.Actions.Worker.NumWorkers,
		BatchSize:    a.config.Actions.Worker.BatchSize,
		PollInterval: a.config.Actions.Worker.PollInterval,
		Retry: actions.RetryPolicy{
			InitialDelay: a.config.Actions.Retry.InitialDelay,
			Multiplier:   a.config.Actions.Retry.Multiplier,
			MaxDelay:     a.config.Actions.Retry.MaxDelay,
		},
	}

	a.worker = actions.NewWorker(workerConfig, repo, dispatcher)
	a.worker.Start(ctx)

	a.enqueuer = actions.NewEnqueuer(repo, a.worker, a.config.Actions.Retry.MaxAttempts)

	a.reaper = actions.NewReaper(actions.ReaperConfig{
		Interval:           a.config.Actions.Reaper.Interval,
		CompletedRetention: a.config.Actions.Reaper.CompletedRetention,
		FailedRetention:    a.config.Actions.Reaper.FailedRetention,
		ProcessingGrace:    a.config.Actions.Reaper.ProcessingGrace,
	}, repo)
	a.reaper.Start(ctx)

	go a.collectQueueMetrics(ctx, repo)

	service := actions.NewService(repo, registry)
	handler := actions.NewHandler(service)

	r.Route("/api/v1", func(r chi.Router) {
		handler.RegisterRoutes(r)
	})

	return r, nil
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context, repo actions.Repository) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := repo.QueueStats(ctx)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			actions.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
