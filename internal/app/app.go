// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	auditpostgres "github.com/aristeoibarra/nextdns-blocker/internal/audit/postgres"
	"github.com/aristeoibarra/nextdns-blocker/internal/config"
	"github.com/aristeoibarra/nextdns-blocker/internal/nextdns"
	"github.com/aristeoibarra/nextdns-blocker/internal/notify"
	"github.com/aristeoibarra/nextdns-blocker/internal/notify/discord"
	"github.com/aristeoibarra/nextdns-blocker/internal/notify/slack"
	"github.com/aristeoibarra/nextdns-blocker/internal/pending"
	pendingpostgres "github.com/aristeoibarra/nextdns-blocker/internal/pending/postgres"
	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/ctxlog"
	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/httputil"
	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/metrics"
	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/postgres"
	"github.com/aristeoibarra/nextdns-blocker/internal/protection"
	protectionpostgres "github.com/aristeoibarra/nextdns-blocker/internal/protection/postgres"
	"github.com/aristeoibarra/nextdns-blocker/internal/retry"
	retrypostgres "github.com/aristeoibarra/nextdns-blocker/internal/retry/postgres"
	"github.com/aristeoibarra/nextdns-blocker/internal/unlock"
	unlockpostgres "github.com/aristeoibarra/nextdns-blocker/internal/unlock/postgres"
	"github.com/aristeoibarra/nextdns-blocker/internal/version"
	"github.com/aristeoibarra/nextdns-blocker/internal/watchdog"
	"github.com/aristeoibarra/nextdns-blocker/migrations"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	watchdog      *watchdog.Watchdog
}

// New creates a new application instance: it connects to the database,
// applies migrations, wires the queues and builds the HTTP servers. The
// watchdog is created but not started; Run starts it.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)

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

	if err := postgres.Migrate(cfg.Database.URL, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		metricsCancel: metricsCancel,
	}

	go app.collectDBMetrics(metricsCtx)

	router, wd, err := app.setup()
	if err != nil {
		db.Close()
		metricsCancel()
		return nil, fmt.Errorf("setup: %w", err)
	}
	app.watchdog = wd

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

// Run starts the watchdog and the HTTP servers.
func (a *App) Run() error {
	a.watchdog.Start(context.Background())

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.metricsCancel()

	// Stop the watchdog first so no pass runs against a closing pool.
	if a.watchdog != nil {
		a.watchdog.Stop()
	}

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

func (a *App) collectDBMetrics(ctx context.Context) {
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

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Watchdog returns the watchdog instance, for tests that drive passes
// manually.
func (a *App) Watchdog() *watchdog.Watchdog {
	return a.watchdog
}

func (a *App) setup() (*chi.Mux, *watchdog.Watchdog, error) {
	client, err := nextdns.NewClient(nextdns.Config{
		APIKey:    a.config.NextDNS.APIKey,
		ProfileID: a.config.NextDNS.ProfileID,
		BaseURL:   a.config.NextDNS.BaseURL,
		Timeout:   a.config.NextDNS.Timeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create filtering-service client: %w", err)
	}

	auditLog := auditpostgres.NewLog(a.db)

	protectionRepo := protectionpostgres.NewRepository(a.db)
	protectionStore := protection.NewStore(protectionRepo)
	pinManager := protection.NewPINManager(protectionRepo, protection.PINConfig{
		MaxAttempts:     a.config.Protection.PinMaxAttempts,
		LockoutDuration: a.config.Protection.PinLockoutDuration,
		SessionTTL:      a.config.Protection.SessionDuration,
		SessionSecret:   a.sessionSecret(),
	}, auditLog)

	pendingService := pending.NewService(pendingpostgres.NewRepository(a.db), auditLog)
	retryService := retry.NewService(retrypostgres.NewRepository(a.db), auditLog, a.config.Retry)
	unlockService := unlock.NewService(unlockpostgres.NewRepository(a.db), auditLog)

	notifier := a.buildNotifier()

	wd := watchdog.New(
		watchdog.Config{
			Interval:      a.config.Watchdog.Interval,
			CleanupMaxAge: time.Duration(a.config.Watchdog.CleanupMaxAgeDays) * 24 * time.Hour,
		},
		client,
		pendingService, retryService, unlockService,
		protectionStore, pinManager,
		notifier,
	)

	pendingHandler := pending.NewHandler(pendingService)
	retryHandler := retry.NewHandler(retryService)
	unlockHandler := unlock.NewHandler(unlockService)
	protectionHandler := protection.NewHandler(protectionStore, pinManager)

	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/protection", func(r chi.Router) {
			protectionHandler.RegisterRoutes(r)

			r.Group(func(r chi.Router) {
				r.Use(protection.RequireSession(pinManager))
				protectionHandler.RegisterGuardedRoutes(r)
			})
		})

		// Queue mutations are dangerous when a PIN is configured: creating
		// or cancelling a deferred action changes what gets blocked.
		r.Group(func(r chi.Router) {
			r.Use(protection.RequireSession(pinManager))

			r.Route("/pending", pendingHandler.RegisterRoutes)
			r.Route("/retry", retryHandler.RegisterRoutes)
			r.Route("/unlock", unlockHandler.RegisterRoutes)
		})
	})

	return r, wd, nil
}

// buildNotifier assembles the operator notification dispatcher from the
// configured webhook channels.
func (a *App) buildNotifier() *notify.Dispatcher {
	var senders []notify.Sender
	if a.config.Notifications.Enabled {
		if url := a.config.Notifications.DiscordWebhookURL; url != "" {
			senders = append(senders, discord.NewSender(url))
		}
		if url := a.config.Notifications.SlackWebhookURL; url != "" {
			senders = append(senders, slack.NewSender(url))
		}
	}
	if len(senders) == 0 {
		a.logger.Info("operator notifications disabled")
	}
	return notify.NewDispatcher(a.config.Notifications.RateLimit, senders...)
}

// sessionSecret returns the configured PIN session secret, or a random
// per-process one. A random secret invalidates sessions on restart, which
// only means re-entering the PIN.
func (a *App) sessionSecret() string {
	if a.config.Protection.SessionSecret != "" {
		return a.config.Protection.SessionSecret
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		a.logger.Error("generating session secret", "error", err)
		return "fallback-session-secret"
	}
	return hex.EncodeToString(buf)
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

	return slog.New(handler)
}
