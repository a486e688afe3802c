package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ledgerlane/ledgerlane-auth/internal/app"
	"github.com/ledgerlane/ledgerlane-auth/internal/audit"
	"github.com/ledgerlane/ledgerlane-auth/internal/auth"
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
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, running on durable store only", slog.Any("error", err))
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

	authRepo := auth.NewRepository(pool)
	authService := auth.NewService(authRepo, auditLogger, logger, cfg.ResetMinLatency)

	rbacRepo := rbac.NewRepository(pool)
	rbacCache := rbac.NewCache(redisClient, cfg.PermissionCacheTTL)
	rbacService := rbac.NewService(rbacRepo, rbacCache, auditLogger, metrics, logger, rbac.Config{
		CacheTTL:    cfg.PermissionCacheTTL,
		SnapshotTTL: cfg.PermissionSnapshotTTL,
	})

	tokens := session.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	sessionRepo := session.NewRepository(pool)
	sessionCache := session.NewCache(redisClient, cfg.SessionCacheTTL)
	sessionService := session.NewService(sessionRepo, tokens, sessionCache, authService, rbacService, metrics, logger, session.Config{
		InactivityWindow: cfg.SessionInactivityWindow,
		WarningThreshold: cfg.SessionWarningThreshold,
		MaxConcurrent:    cfg.MaxConcurrentSessions,
		SessionTTL:       cfg.RefreshTokenTTL,
	})

	mfaKey, err := cfg.DecodedMFAKey()
	if err != nil {
		logger.Error("mfa key", slog.Any("error", err))
		os.Exit(1)
	}
	cipher, err := mfa.NewSecretCipher(mfaKey)
	if err != nil {
		logger.Error("mfa cipher", slog.Any("error", err))
		os.Exit(1)
	}
	mfaRepo := mfa.NewRepository(pool)
	setupCache := mfa.NewSetupCache(redisClient, cfg.MFASetupTTL)
	mfaService := mfa.NewService(mfaRepo, setupCache, cipher, authService, metrics, logger, mfa.Config{
		Issuer:               cfg.MFAIssuer,
		SetupTTL:             cfg.MFASetupTTL,
		ChallengeTTL:         cfg.MFAChallengeTTL,
		ChallengeMaxAttempts: cfg.MFAChallengeMaxTry,
		LockoutThreshold:     cfg.MFALockoutThreshold,
		LockoutDuration:      cfg.MFALockoutDuration,
		BackupCodeCount:      cfg.MFABackupCodeCount,
	})

	auditService := audit.NewService(audit.NewRepository(pool))

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	rbacService.SetSweeper(queueClient)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		AuthHandler:    auth.NewHandler(logger, authService, sessionService, mfaService),
		SessionHandler: session.NewHandler(logger, sessionService),
		SessionService: sessionService,
		MFAHandler:     mfa.NewHandler(logger, mfaService),
		RBACHandler:    rbac.NewHandler(logger, rbacService),
		RBACService:    rbacService,
		AuditHandler:   audit.NewHandler(logger, auditService),
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
