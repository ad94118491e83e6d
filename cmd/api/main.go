// Package main is the entry point for the rotarydesk API server.
//
// It loads the configuration, connects Postgres, Redis and the object
// store, wires the roster, auth, notification and template handlers onto the
// core chassis and serves HTTP until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"rotarydesk/internal/api/handlers"
	"rotarydesk/internal/auth"
	"rotarydesk/internal/broadcast"
	"rotarydesk/internal/config"
	"rotarydesk/internal/core"
	"rotarydesk/internal/db"
	"rotarydesk/internal/notifications/email"
	"rotarydesk/internal/storage"
	"rotarydesk/internal/types"
)

// Send triggers are expensive; one operator may start a handful per minute.
const (
	notificationRateLimit  = 5
	notificationRateWindow = time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(config.NewFileProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("rotarydesk API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)
	if cfg.Environment == "prod" && !cfg.Build.Stamped() {
		logger.Warn("binary was built without release ldflags", "version", cfg.Build.Version)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password.Unmask(),
		DB:       cfg.Redis.DB,
	})

	objects, err := storage.NewR2Store(cfg.Storage)
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return fmt.Errorf("creating object store: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	runMetrics := broadcast.NewPrometheusMetrics(registry)

	persons := db.NewPersonRepository(pool)
	runner, err := broadcast.Build(cfg, broadcast.Wiring{
		Roster:   persons,
		Objects:  objects,
		Metrics:  runMetrics,
		Observer: runMetrics,
		Logger:   logger,
	})
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return err
	}

	sessions := auth.NewSessionService(
		auth.NewRedisSessionStore(rdb),
		nil,
		auth.SessionConfig{TTL: cfg.Auth.SessionTTL, IDPrefix: auth.DefaultSessionConfig().IDPrefix},
		types.RealClock{},
		logger,
	)
	creds := auth.NewCredentialService(auth.CredentialServiceConfig{
		Admins:   db.NewAdminRepository(pool),
		Sessions: sessions,
		Guard:    auth.NewLoginGuard(rdb, auth.DefaultSecurityConfig(), logger),
		Logger:   logger,
	})

	srv, err := buildServer(cfg, logger, dependencies{
		persons:   persons,
		images:    objects,
		creds:     creds,
		runner:    runner,
		templates: email.NewTemplateService(objects, cfg.Storage.TemplateKey, logger),
		limiter:   core.NewRedisRateLimitStore(rdb),
		registry:  registry,
		probes: []core.HealthProbe{
			core.ProbeFunc{ProbeName: "database", Fn: pool.Ping},
			core.ProbeFunc{ProbeName: "redis", Fn: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
			core.ProbeFunc{ProbeName: "object_store", Fn: objects.Ping},
		},
	})
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return err
	}
	srv.ShutdownFuncs = append(srv.ShutdownFuncs,
		func(context.Context) error { pool.Close(); return nil },
		func(context.Context) error { return rdb.Close() },
	)

	go sessions.RunSweeper(ctx, cfg.Auth.SweepInterval)

	return runHTTPServer(ctx, srv, cfg, logger)
}

// dependencies are the services the HTTP layer is built from.
type dependencies struct {
	persons   handlers.PersonStore
	images    handlers.ImageStore
	creds     handlers.CredentialService
	runner    handlers.NotificationRunner
	templates handlers.TemplateStore
	limiter   core.RateLimitStore
	registry  *prometheus.Registry
	probes    []core.HealthProbe
}

// buildServer assembles the chassis and mounts every route.
func buildServer(cfg *config.Config, logger *slog.Logger, deps dependencies) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	srv.Authenticator = &core.CredentialAuthenticator{
		Sessions:   deps.creds,
		ServiceKey: cfg.Auth.ServiceAPIKey,
	}
	srv.RateLimiter = deps.limiter
	srv.HealthProbes = deps.probes
	if deps.registry != nil && cfg.Observability.EnableMetrics {
		srv.Metrics = core.NewPrometheusCollector(deps.registry)
		srv.MetricsHandler = core.MetricsHandler(deps.registry)
	}

	cookie := handlers.DefaultCookieConfig()
	cookie.Name = srv.SessionCookieName()
	cookie.Secure = cfg.Auth.CookieSecure

	authHandler := handlers.NewAuthHandler(deps.creds, cookie, logger, srv.Validator)
	personHandler := handlers.NewPersonHandler(deps.persons, deps.images, logger, srv.Validator)
	notificationHandler := handlers.NewNotificationHandler(deps.runner, cfg.Notify.RunTimeout, logger, srv.Validator)
	templateHandler := handlers.NewTemplateHandler(deps.templates, logger, srv.Validator)

	limit := srv.RateLimit(notificationRateLimit, notificationRateWindow)
	adminOnly := srv.RequireActorType(types.ActorTypeAdmin)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		func(r chi.Router) { r.Route("/auth", authHandler.RegisterRoutes) },
		func(r chi.Router) { r.Route("/persons", personHandler.RegisterRoutes) },
		func(r chi.Router) {
			r.Route("/notifications", func(r chi.Router) { notificationHandler.RegisterRoutes(r, limit) })
		},
		func(r chi.Router) {
			r.Route("/templates", func(r chi.Router) { templateHandler.RegisterRoutes(r, adminOnly) })
		},
	)

	srv.MountRoutes()
	return srv, nil
}

// runHTTPServer serves until ctx is cancelled, then shuts down gracefully.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	// Newsletter runs are synchronous; writes must outlast the request timeout.
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger at the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
