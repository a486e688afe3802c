package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions emitted by the auth core.
const (
	AuditTokenRefreshed      = "TOKEN_REFRESHED"
	AuditTokenReuseDetected  = "TOKEN_REUSE_DETECTED"
	AuditSessionRevoked      = "SESSION_REVOKED"
	AuditSessionLimitEvicted = "SESSION_LIMIT_EVICTED"
	AuditLogout              = "LOGOUT"
	AuditForceLogout         = "FORCE_LOGOUT"
	AuditMFAEnabled          = "MFA_ENABLED"
	AuditMFADisabled         = "MFA_DISABLED"
	AuditMFALockout          = "MFA_LOCKOUT"
	AuditBackupCodeUsed      = "BACKUP_CODE_USED"
	AuditBackupCodesReissued = "BACKUP_CODES_REISSUED"
	AuditRoleCreated         = "ROLE_CREATED"
	AuditRoleUpdated         = "ROLE_UPDATED"
	AuditRoleDisabled        = "ROLE_DISABLED"
	AuditRoleAssigned        = "ROLE_ASSIGNED"
	AuditRoleRevoked         = "ROLE_REVOKED"
	AuditPermissionGranted   = "PERMISSION_GRANTED"
	AuditPermissionRevoked   = "PERMISSION_REVOKED"
	AuditPasswordResetAsked  = "PASSWORD_RESET_REQUESTED"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	IP       string
	Meta     map[string]any
	At       time.Time
}

// AuditLogger writes records into the append-only audit_logs table.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	return recordAudit(ctx, l.pool, log)
}

// RecordAuditTx persists the log entry inside an existing transaction so the
// audit event becomes visible together with the mutation it describes.
func RecordAuditTx(ctx context.Context, tx pgx.Tx, log AuditLog) error {
	return recordAudit(ctx, tx, log)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func recordAudit(ctx context.Context, db execer, log AuditLog) error {
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	if log.At.IsZero() {
		log.At = time.Now().UTC()
	}
	_, err = db.Exec(ctx,
		`INSERT INTO audit_logs (actor_id, action, entity, entity_id, ip, meta, occurred_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`,
		log.ActorID, log.Action, log.Entity, log.EntityID, log.IP, metaJSON, log.At)
	return err
}
