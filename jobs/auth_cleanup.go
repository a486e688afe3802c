package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/ledgerlane/ledgerlane-auth/internal/jobs"
	"github.com/ledgerlane/ledgerlane-auth/internal/mfa"
	"github.com/ledgerlane/ledgerlane-auth/internal/rbac"
	"github.com/ledgerlane/ledgerlane-auth/internal/session"
)

// CleanupConfig bounds the cleanup sweep.
type CleanupConfig struct {
	// InactivityWindow mirrors the session idle timeout; idle sessions past
	// it are revoked server side even if no request ever observed them.
	InactivityWindow time.Duration
	// SessionRetention keeps expired session rows around for audit trails
	// before deletion.
	SessionRetention time.Duration
	// SnapshotRetention bounds how long durable permission snapshots may
	// serve as fallback before being purged.
	SnapshotRetention time.Duration
}

// CleanupDeps collects the stores the sweep touches.
type CleanupDeps struct {
	Sessions session.Repository
	MFA      mfa.Repository
	RBAC     rbac.Repository
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	Config   CleanupConfig
	Now      func() time.Time
}

// NewAuthCleanupHandler returns the asynq handler for TaskAuthCleanup. Every
// statement is idempotent, so overlapping or repeated runs are harmless.
func NewAuthCleanupHandler(deps CleanupDeps) asynq.HandlerFunc {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	sweep := func(ctx context.Context) error {
		ts := now().UTC()

		revoked, err := deps.Sessions.RevokeIdleSince(ctx, ts.Add(-deps.Config.InactivityWindow))
		if err != nil {
			return err
		}
		blacklist, err := deps.Sessions.DeleteExpiredBlacklist(ctx, ts)
		if err != nil {
			return err
		}
		sessions, err := deps.Sessions.DeleteExpiredSessions(ctx, ts.Add(-deps.Config.SessionRetention))
		if err != nil {
			return err
		}
		challenges, err := deps.MFA.DeleteExpiredChallenges(ctx, ts)
		if err != nil {
			return err
		}
		snapshots, err := deps.RBAC.DeleteStaleSnapshots(ctx, ts.Add(-deps.Config.SnapshotRetention))
		if err != nil {
			return err
		}

		deps.Metrics.AddPurged(TaskAuthCleanup, "idle_sessions", revoked)
		deps.Metrics.AddPurged(TaskAuthCleanup, "blacklist", blacklist)
		deps.Metrics.AddPurged(TaskAuthCleanup, "sessions", sessions)
		deps.Metrics.AddPurged(TaskAuthCleanup, "challenges", challenges)
		deps.Metrics.AddPurged(TaskAuthCleanup, "snapshots", snapshots)

		deps.Logger.Info("auth cleanup sweep",
			slog.Int64("sessions_idle_revoked", revoked),
			slog.Int64("blacklist_purged", blacklist),
			slog.Int64("sessions_purged", sessions),
			slog.Int64("challenges_purged", challenges),
			slog.Int64("snapshots_purged", snapshots))
		return nil
	}
	return func(ctx context.Context, t *asynq.Task) error {
		return deps.Metrics.Track(TaskAuthCleanup).End(sweep(ctx))
	}
}

// NewCacheSweepHandler returns the asynq handler for TaskCacheSweep.
func NewCacheSweepHandler(permissions *rbac.Service, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload CacheSweepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		permissions.InvalidateRoleMembers(ctx, payload.RoleID)
		logger.Info("permission cache sweep", slog.Int64("role_id", payload.RoleID))
		return nil
	}
}
