package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/busysync/internal/audit"
	"gitea.jw6.us/james/busysync/internal/auth"
	"gitea.jw6.us/james/busysync/internal/config"
	"gitea.jw6.us/james/busysync/internal/detect"
	httpserver "gitea.jw6.us/james/busysync/internal/http"
	"gitea.jw6.us/james/busysync/internal/lock"
	"gitea.jw6.us/james/busysync/internal/propagate"
	"gitea.jw6.us/james/busysync/internal/provider/google"
	"gitea.jw6.us/james/busysync/internal/scheduler"
	"gitea.jw6.us/james/busysync/internal/secrets"
	"gitea.jw6.us/james/busysync/internal/store"
	"gitea.jw6.us/james/busysync/internal/syncer"
)

func main() {
	if err := run(); err != nil {
		slog.Error("busysync exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	logger.Info("starting busysync", "listen_addr", cfg.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
	if err != nil {
		return err
	}
	// Each running sync pins up to two connections for its advisory locks.
	if need := int32(4*cfg.Sync.Concurrency + 4); poolCfg.MaxConns < need {
		poolCfg.MaxConns = need
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	migrateCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	err = store.ApplyMigrations(migrateCtx, pool)
	cancel()
	if err != nil {
		return err
	}

	stor := store.New(pool)
	box, err := secrets.NewBox(cfg.TokenKey)
	if err != nil {
		return err
	}

	rules, err := propagate.LoadRules(cfg.RulesFile)
	if err != nil {
		return err
	}

	registry := google.NewRegistry(
		google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.RedirectURL()),
		box, stor.Accounts,
		google.Config{Endpoint: cfg.Google.APIEndpoint, RPS: cfg.Google.RPS, Lookback: cfg.Sync.Lookback},
		logger,
	)

	// Advisory locks keep sync runs exclusive across replicas.
	calendarLocks := lock.NewAdvisory(pool, "calendar", cfg.Sync.LockWait)
	sourceLocks := lock.NewAdvisory(pool, "source", cfg.Sync.LockWait)

	engine := propagate.New(stor, registry, sourceLocks, propagate.Config{
		Concurrency: cfg.Sync.Concurrency,
		Rules:       rules,
	}, logger)
	detector := detect.New(stor.Events, logger)

	webhookAddr := ""
	if strings.HasPrefix(cfg.BaseURL, "https://") {
		webhookAddr = cfg.WebhookURL()
	} else {
		logger.Warn("push notifications disabled: APP_BASE_URL is not https", "base_url", cfg.BaseURL)
	}
	orchestrator := syncer.New(stor, registry, detector, engine, calendarLocks, syncer.Config{
		PushFailureThreshold: cfg.Sync.PushFailureThreshold,
		WebhookAddress:       webhookAddr,
		Concurrency:          cfg.Sync.Concurrency,
	}, logger)

	auditor := audit.New(stor, engine, audit.Config{
		Lookback:  cfg.Sync.Lookback,
		Lookahead: cfg.Sync.Lookahead,
	}, logger)

	sched, err := scheduler.New(scheduler.Config{
		Poll:  cfg.Schedule.Poll,
		Renew: cfg.Schedule.Renew,
		Audit: cfg.Schedule.Audit,
	}, orchestrator, orchestrator, auditor, logger)
	if err != nil {
		return err
	}

	var authService *auth.Service
	if cfg.Admin.IssuerURL != "" {
		verifier, err := auth.NewOIDCVerifier(ctx, cfg.Admin.IssuerURL, cfg.Admin.ClientID)
		if err != nil {
			return err
		}
		authService = auth.NewService(verifier, cfg.Admin.Subjects, logger)
	}

	jobs := httpserver.NewJobs()
	r := httpserver.NewRouter(cfg, httpserver.Deps{
		Store:   stor,
		Syncer:  orchestrator,
		Auditor: auditor,
		Auth:    authService,
		Jobs:    jobs,
		Logger:  logger,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	sched.Start(ctx)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := jobs.Wait(shutdownCtx); err != nil {
		logger.Error("push-triggered syncs cancelled at shutdown", "error", err)
	}
	sched.Stop(shutdownCtx)
	return nil
}
