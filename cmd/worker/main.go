package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/ledgerlane/ledgerlane-auth/internal/app"
	jobmetrics "github.com/ledgerlane/ledgerlane-auth/internal/jobs"
	"github.com/ledgerlane/ledgerlane-auth/internal/mfa"
	"github.com/ledgerlane/ledgerlane-auth/internal/observability"
	"github.com/ledgerlane/ledgerlane-auth/internal/platform/cache"
	"github.com/ledgerlane/ledgerlane-auth/internal/platform/db"
	"github.com/ledgerlane/ledgerlane-auth/internal/rbac"
	"github.com/ledgerlane/ledgerlane-auth/internal/session"
	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
	"github.com/ledgerlane/ledgerlane-auth/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)

	rbacRepo := rbac.NewRepository(pool)
	rbacCache := rbac.NewCache(redisClient, cfg.PermissionCacheTTL)
	rbacService := rbac.NewService(rbacRepo, rbacCache, auditLogger, metrics, logger, rbac.Config{
		CacheTTL:    cfg.PermissionCacheTTL,
		SnapshotTTL: cfg.PermissionSnapshotTTL,
	})

	cleanup := jobs.NewAuthCleanupHandler(jobs.CleanupDeps{
		Sessions: session.NewRepository(pool),
		MFA:      mfa.NewRepository(pool),
		RBAC:     rbacRepo,
		Logger:   logger,
		Metrics:  jobmetrics.NewMetrics(nil),
		Config: jobs.CleanupConfig{
			InactivityWindow:  cfg.SessionInactivityWindow,
			SessionRetention:  cfg.RefreshTokenTTL,
			SnapshotRetention: cfg.PermissionSnapshotTTL,
		},
	})
	sweep := jobs.NewCacheSweepHandler(rbacService, logger)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuthCleanup, Handler: cleanup},
			{Type: jobs.TaskCacheSweep, Handler: sweep},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/15 * * * *", Task: jobs.NewAuthCleanupTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
