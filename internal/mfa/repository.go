package mfa

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerlane/ledgerlane-auth/internal/platform/db"
	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

// TxRepository groups the mutations that must land atomically: enabling MFA
// together with its backup-code batch, and tearing everything down on disable.
type TxRepository interface {
	UpsertConfiguration(ctx context.Context, cfg *Configuration) error
	InsertBackupCodes(ctx context.Context, userID int64, hashes []string) error
	DeleteBackupCodes(ctx context.Context, userID int64) error
	DeleteConfiguration(ctx context.Context, userID int64) error
	DeletePendingChallenges(ctx context.Context, userID int64) error
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// Repository provides PostgreSQL backed persistence for MFA state.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetConfiguration(ctx context.Context, userID int64) (*Configuration, error)
	UpdateFailureState(ctx context.Context, userID int64, failedAttempts int, lockedUntil *time.Time) error
	MarkVerified(ctx context.Context, userID int64, at time.Time) error
	CreateChallenge(ctx context.Context, ch *Challenge) error
	GetChallengeByToken(ctx context.Context, token string) (*Challenge, error)
	IncrementChallengeAttempts(ctx context.Context, id int64) (int, error)
	CompleteChallenge(ctx context.Context, id int64, at time.Time) (bool, error)
	ListUnusedBackupCodes(ctx context.Context, userID int64) ([]BackupCode, error)
	ListUsedBackupCodes(ctx context.Context, userID int64) ([]BackupCode, error)
	MarkBackupCodeUsed(ctx context.Context, id int64, at time.Time, ip, userAgent string) (bool, error)
	CountBackupCodes(ctx context.Context, userID int64) (total, unused int, err error)
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error)
}

// PGRepository implements Repository on a pgx pool.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs fn inside a RepeatableRead transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const configColumns = `user_id, secret_encrypted, is_enabled, verified_at, failed_attempts,
	locked_until, last_used_at, created_at, updated_at`

// GetConfiguration fetches a user's MFA configuration.
func (r *PGRepository) GetConfiguration(ctx context.Context, userID int64) (*Configuration, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM mfa_configurations WHERE user_id = $1`, userID)
	var cfg Configuration
	err := row.Scan(&cfg.UserID, &cfg.SecretEncrypted, &cfg.IsEnabled, &cfg.VerifiedAt,
		&cfg.FailedAttempts, &cfg.LockedUntil, &cfg.LastUsedAt, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

// UpdateFailureState persists the failure counter and lockout window.
func (r *PGRepository) UpdateFailureState(ctx context.Context, userID int64, failedAttempts int, lockedUntil *time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE mfa_configurations SET failed_attempts = $2, locked_until = $3, updated_at = NOW()
		 WHERE user_id = $1`, userID, failedAttempts, lockedUntil)
	return err
}

// MarkVerified resets failure accounting and stamps last use after a success.
func (r *PGRepository) MarkVerified(ctx context.Context, userID int64, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE mfa_configurations
		 SET failed_attempts = 0, locked_until = NULL, last_used_at = $2, updated_at = NOW()
		 WHERE user_id = $1`, userID, at)
	return err
}

// CreateChallenge inserts one login MFA prompt.
func (r *PGRepository) CreateChallenge(ctx context.Context, ch *Challenge) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO mfa_challenges (user_id, challenge_token, type, attempts, max_attempts, expires_at, created_at)
		 VALUES ($1, $2, $3, 0, $4, $5, NOW()) RETURNING id, created_at`,
		ch.UserID, ch.ChallengeToken, ch.Type, ch.MaxAttempts, ch.ExpiresAt).
		Scan(&ch.ID, &ch.CreatedAt)
}

const challengeColumns = `id, user_id, challenge_token, type, attempts, max_attempts,
	expires_at, completed_at, created_at`

// GetChallengeByToken fetches a challenge by its opaque token.
func (r *PGRepository) GetChallengeByToken(ctx context.Context, token string) (*Challenge, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+challengeColumns+` FROM mfa_challenges WHERE challenge_token = $1`, token)
	var ch Challenge
	err := row.Scan(&ch.ID, &ch.UserID, &ch.ChallengeToken, &ch.Type, &ch.Attempts,
		&ch.MaxAttempts, &ch.ExpiresAt, &ch.CompletedAt, &ch.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &ch, nil
}

// IncrementChallengeAttempts bumps the counter and returns the new value.
func (r *PGRepository) IncrementChallengeAttempts(ctx context.Context, id int64) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx,
		`UPDATE mfa_challenges SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`, id).
		Scan(&attempts)
	return attempts, err
}

// CompleteChallenge marks the challenge terminal. Returns false when it was
// already completed, so a replayed completion is observable.
func (r *PGRepository) CompleteChallenge(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE mfa_challenges SET completed_at = $2 WHERE id = $1 AND completed_at IS NULL`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const backupColumns = `id, user_id, code_hash, used_at, COALESCE(used_ip_address, ''),
	COALESCE(used_user_agent, ''), created_at`

// ListUnusedBackupCodes returns the hashes still eligible for consumption.
func (r *PGRepository) ListUnusedBackupCodes(ctx context.Context, userID int64) ([]BackupCode, error) {
	return r.listBackupCodes(ctx, userID, `AND used_at IS NULL`)
}

// ListUsedBackupCodes returns consumed codes with their consumption metadata.
func (r *PGRepository) ListUsedBackupCodes(ctx context.Context, userID int64) ([]BackupCode, error) {
	return r.listBackupCodes(ctx, userID, `AND used_at IS NOT NULL`)
}

func (r *PGRepository) listBackupCodes(ctx context.Context, userID int64, filter string) ([]BackupCode, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+backupColumns+` FROM mfa_backup_codes WHERE user_id = $1 `+filter+` ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var codes []BackupCode
	for rows.Next() {
		var code BackupCode
		if err := rows.Scan(&code.ID, &code.UserID, &code.CodeHash, &code.UsedAt,
			&code.UsedIPAddress, &code.UsedUserAgent, &code.CreatedAt); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// MarkBackupCodeUsed consumes a code. The used_at IS NULL guard makes the
// consumption single-use even under concurrent presentation.
func (r *PGRepository) MarkBackupCodeUsed(ctx context.Context, id int64, at time.Time, ip, userAgent string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE mfa_backup_codes
		 SET used_at = $2, used_ip_address = NULLIF($3, ''), used_user_agent = NULLIF($4, '')
		 WHERE id = $1 AND used_at IS NULL`, id, at, ip, userAgent)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CountBackupCodes returns total and unused counts for the status view.
func (r *PGRepository) CountBackupCodes(ctx context.Context, userID int64) (int, int, error) {
	var total, unused int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE used_at IS NULL)
		 FROM mfa_backup_codes WHERE user_id = $1`, userID).Scan(&total, &unused)
	return total, unused, err
}

// DeleteExpiredChallenges purges terminal challenges for the cleanup job.
func (r *PGRepository) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM mfa_challenges WHERE expires_at < $1 OR completed_at IS NOT NULL`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txRepo) UpsertConfiguration(ctx context.Context, cfg *Configuration) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO mfa_configurations (user_id, secret_encrypted, is_enabled, verified_at, failed_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, NOW(), NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
			secret_encrypted = EXCLUDED.secret_encrypted,
			is_enabled = EXCLUDED.is_enabled,
			verified_at = EXCLUDED.verified_at,
			failed_attempts = 0,
			locked_until = NULL,
			updated_at = NOW()`,
		cfg.UserID, cfg.SecretEncrypted, cfg.IsEnabled, cfg.VerifiedAt)
	return err
}

func (t *txRepo) InsertBackupCodes(ctx context.Context, userID int64, hashes []string) error {
	for _, hash := range hashes {
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO mfa_backup_codes (user_id, code_hash, created_at) VALUES ($1, $2, NOW())`,
			userID, hash); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) DeleteBackupCodes(ctx context.Context, userID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID)
	return err
}

func (t *txRepo) DeleteConfiguration(ctx context.Context, userID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM mfa_configurations WHERE user_id = $1`, userID)
	return err
}

func (t *txRepo) DeletePendingChallenges(ctx context.Context, userID int64) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM mfa_challenges WHERE user_id = $1 AND completed_at IS NULL`, userID)
	return err
}

func (t *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.RecordAuditTx(ctx, t.tx, log)
}

var _ Repository = (*PGRepository)(nil)
