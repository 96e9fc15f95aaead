// Package main is the entrypoint for the relaycopy API server.
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

	"github.com/kiranshivaraju/relaycopy/internal/api"
	"github.com/kiranshivaraju/relaycopy/internal/api/handler"
	mw "github.com/kiranshivaraju/relaycopy/internal/api/middleware"
	"github.com/kiranshivaraju/relaycopy/internal/api/response"
	"github.com/kiranshivaraju/relaycopy/internal/cache"
	"github.com/kiranshivaraju/relaycopy/internal/config"
	"github.com/kiranshivaraju/relaycopy/internal/copier"
	"github.com/kiranshivaraju/relaycopy/internal/messenger/bridge"
	"github.com/kiranshivaraju/relaycopy/internal/session"
	"github.com/kiranshivaraju/relaycopy/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config and switch to the configured logger
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, closeLog := config.SetupLogger(cfg.Log)
	slog.SetDefault(logger)
	defer func() {
		if err := closeLog(); err != nil {
			fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
		}
	}()
	slog.Info("config loaded", "env", cfg.Server.Env, "gateway", cfg.Gateway.BaseURL)

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
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
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

	pgStore := store.NewPostgresStore(pool)

	// 5. Session manager and liveness monitor
	vault, err := session.NewVault(cfg.Session.Dir, cfg.Session.AgeIdentity)
	if err != nil {
		return fmt.Errorf("open credential vault: %w", err)
	}
	sessCfg := session.DefaultConfig()
	sessCfg.Expiry = cfg.Session.Expiry
	sessCfg.GracePeriod = cfg.Session.GracePeriod
	sessCfg.TouchInterval = cfg.Session.TouchInterval

	sessions := session.NewPool(pgStore, pgStore, redisCache, bridge.NewDialer(cfg.Gateway.BaseURL, cfg.Gateway.Timeout), vault, sessCfg)
	monitor := session.NewMonitor(sessions, cfg.Session.MonitorInterval)
	monitor.Start(ctx)
	slog.Info("session monitor started", "interval", cfg.Session.MonitorInterval)

	// 6. Copy orchestrator; real-time jobs resume their subscriptions
	orch := copier.New(pgStore, sessions, copier.Config{
		MaxRetries:      cfg.Copy.MaxRetries,
		RealTimeRetries: cfg.Copy.RealTimeRetries,
		RetryStep:       cfg.Copy.RetryStep,
		ProgressEvery:   cfg.Copy.ProgressEvery,
		JitterMin:       cfg.Copy.JitterMin,
		JitterMax:       cfg.Copy.JitterMax,
	})
	sessions.OnClientReplaced(orch.RestoreSubscriptions)
	resumed, err := orch.ResumeAllActiveJobs(ctx)
	if err != nil {
		slog.Error("resume real-time jobs", "error", err)
	}
	slog.Info("copy orchestrator ready", "resumed_jobs", resumed)

	// 7. Build router with dependencies
	jobs := handler.NewJobs(orch)
	sess := handler.NewSessions(sessions)

	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.RateLimit.RequestsPerMinute),

		HealthHandler: healthHandler(pgStore, redisCache),

		SessionStatus:   sess.Status,
		SessionLogout:   sess.Logout,
		SessionCode:     sess.SendCode,
		SessionVerify:   sess.Verify,
		SessionPassword: sess.Password,

		CreateJob: jobs.Create,
		ListJobs:  jobs.List,
		GetJob:    jobs.Get,
		DeleteJob: jobs.Delete,
		PauseJob:  jobs.Pause,
		ResumeJob: jobs.Resume,
		StopJob:   jobs.Stop,
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown: HTTP first, then background loops, then connections.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, fmt.Errorf("server shutdown: %w", err))
	}
	monitor.Stop()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, fmt.Errorf("orchestrator shutdown: %w", err))
	}
	sessions.CloseAll(shutdownCtx)

	if serveErr != nil {
		return serveErr
	}
	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
