package session

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

// TxRepository exposes the mutations that must commit atomically:
// revocation, blacklisting and the audit event describing them.
type TxRepository interface {
	Revoke(ctx context.Context, sessionID, reason string, at time.Time) (bool, error)
	BlacklistToken(ctx context.Context, hash, reason string, expiresAt time.Time) (bool, error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// Repository provides PostgreSQL backed persistence for sessions and the
// token blacklist.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Create(ctx context.Context, sess *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	ListActiveByUser(ctx context.Context, userID int64, now time.Time) ([]Session, error)
	TouchActivity(ctx context.Context, id string, at time.Time) error
	RotateTokens(ctx context.Context, id, tokenHash, refreshTokenHash string, at time.Time) error
	Revoke(ctx context.Context, sessionID, reason string, at time.Time) (bool, error)
	IsTokenBlacklisted(ctx context.Context, hash string) (bool, error)
	BlacklistToken(ctx context.Context, hash, reason string, expiresAt time.Time) (bool, error)
	RevokeIdleSince(ctx context.Context, idleBefore time.Time) (int64, error)
	DeleteExpiredBlacklist(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredSessions(ctx context.Context, expiredBefore time.Time) (int64, error)
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

const sessionColumns = `id, user_id, organization_id, token_hash, refresh_token_hash,
	COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at, last_activity_at,
	expires_at, revoked_at, COALESCE(revoke_reason, '')`

// Create persists a new session row.
func (r *PGRepository) Create(ctx context.Context, sess *Session) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, organization_id, token_hash, refresh_token_hash,
			ip_address, user_agent, created_at, last_activity_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10)`,
		sess.ID, sess.UserID, sess.OrganizationID, sess.TokenHash, sess.RefreshTokenHash,
		sess.IPAddress, sess.UserAgent, sess.CreatedAt, sess.LastActivityAt, sess.ExpiresAt)
	return err
}

// GetByID fetches a session by primary key.
func (r *PGRepository) GetByID(ctx context.Context, id string) (*Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// ListActiveByUser returns non-revoked, non-expired sessions ordered oldest first.
func (r *PGRepository) ListActiveByUser(ctx context.Context, userID int64, now time.Time) ([]Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
		 ORDER BY created_at ASC`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// TouchActivity bumps the last-activity stamp.
func (r *PGRepository) TouchActivity(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE sessions SET last_activity_at = $2 WHERE id = $1`, id, at)
	return err
}

// RotateTokens persists the freshly issued token hashes and stamps activity.
func (r *PGRepository) RotateTokens(ctx context.Context, id, tokenHash, refreshTokenHash string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET token_hash = $2, refresh_token_hash = $3, last_activity_at = $4
		 WHERE id = $1 AND revoked_at IS NULL`,
		id, tokenHash, refreshTokenHash, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Revoke marks the session terminal. Returns false when the session was
// already revoked, making double revocation observable.
func (r *PGRepository) Revoke(ctx context.Context, sessionID, reason string, at time.Time) (bool, error) {
	return revoke(ctx, r.pool, sessionID, reason, at)
}

// IsTokenBlacklisted checks blacklist membership for a token hash.
func (r *PGRepository) IsTokenBlacklisted(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM blacklisted_tokens WHERE token_hash = $1)`, hash).Scan(&exists)
	return exists, err
}

// BlacklistToken conditionally inserts the hash. The returned bool reports
// whether this caller won the insert; a false return on a hash that should
// be fresh is a concurrent-rotation signal.
func (r *PGRepository) BlacklistToken(ctx context.Context, hash, reason string, expiresAt time.Time) (bool, error) {
	return blacklist(ctx, r.pool, hash, reason, expiresAt)
}

// RevokeIdleSince revokes every active session whose last activity predates
// idleBefore. Used by the cleanup job; idempotent.
func (r *PGRepository) RevokeIdleSince(ctx context.Context, idleBefore time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = NOW(), revoke_reason = $1
		 WHERE revoked_at IS NULL AND expires_at > NOW() AND last_activity_at < $2`,
		ReasonInactivityTimeout, idleBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredBlacklist purges blacklist rows past their expiry.
func (r *PGRepository) DeleteExpiredBlacklist(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM blacklisted_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredSessions removes terminally expired session rows past retention.
func (r *PGRepository) DeleteExpiredSessions(ctx context.Context, expiredBefore time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, expiredBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txRepo) Revoke(ctx context.Context, sessionID, reason string, at time.Time) (bool, error) {
	return revoke(ctx, t.tx, sessionID, reason, at)
}

func (t *txRepo) BlacklistToken(ctx context.Context, hash, reason string, expiresAt time.Time) (bool, error) {
	return blacklist(ctx, t.tx, hash, reason, expiresAt)
}

func (t *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.RecordAuditTx(ctx, t.tx, log)
}

func revoke(ctx context.Context, q querier, sessionID, reason string, at time.Time) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE sessions SET revoked_at = $2, revoke_reason = $3
		 WHERE id = $1 AND revoked_at IS NULL`,
		sessionID, at, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func blacklist(ctx context.Context, q querier, hash, reason string, expiresAt time.Time) (bool, error) {
	tag, err := q.Exec(ctx,
		`INSERT INTO blacklisted_tokens (token_hash, reason, expires_at, created_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (token_hash) DO NOTHING`,
		hash, reason, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.OrganizationID, &sess.TokenHash,
		&sess.RefreshTokenHash, &sess.IPAddress, &sess.UserAgent, &sess.CreatedAt,
		&sess.LastActivityAt, &sess.ExpiresAt, &sess.RevokedAt, &sess.RevokeReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

var _ Repository = (*PGRepository)(nil)
