package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerlane/ledgerlane-auth/internal/observability"
	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

// PasswordVerifier re-checks a user's password before destructive
// session-wide operations.
type PasswordVerifier interface {
	VerifyPassword(ctx context.Context, userID int64, password string) error
}

// Authorizer answers permission checks for admin-gated operations.
type Authorizer interface {
	CheckPermission(ctx context.Context, userID int64, resource, action string) (bool, error)
}

// Config carries the fixed lifecycle windows.
type Config struct {
	InactivityWindow time.Duration
	WarningThreshold time.Duration
	MaxConcurrent    int
	SessionTTL       time.Duration
}

// Service owns session state: creation, token rotation with reuse detection,
// revocation, concurrency limits and timeout handling. The durable store is
// the single source of truth; the cache is an accelerant only.
type Service struct {
	repo      Repository
	tokens    *TokenManager
	cache     *Cache
	passwords PasswordVerifier
	authz     Authorizer
	metrics   *observability.Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewService constructs a session Service.
func NewService(repo Repository, tokens *TokenManager, cache *Cache, passwords PasswordVerifier, authz Authorizer, metrics *observability.Metrics, logger *slog.Logger, cfg Config) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.InactivityWindow <= 0 {
		cfg.InactivityWindow = 30 * time.Minute
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = 5 * time.Minute
	}
	return &Service{
		repo:      repo,
		tokens:    tokens,
		cache:     cache,
		passwords: passwords,
		authz:     authz,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Create registers a new session for an authenticated user, enforcing the
// concurrent-session cap before admitting it, and issues the first pair.
func (s *Service) Create(ctx context.Context, userID, orgID int64, ip, userAgent string) (*Session, TokenPair, error) {
	if err := s.EnforceSessionLimit(ctx, userID); err != nil {
		return nil, TokenPair{}, err
	}

	now := s.now().UTC()
	sess := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		OrganizationID: orgID,
		IPAddress:      ip,
		UserAgent:      userAgent,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.cfg.SessionTTL),
	}
	pair, err := s.tokens.IssuePair(userID, orgID, sess.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	sess.TokenHash = HashToken(pair.AccessToken)
	sess.RefreshTokenHash = HashToken(pair.RefreshToken)

	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, TokenPair{}, fmt.Errorf("session: create: %w", err)
	}
	s.cacheSet(ctx, sess)
	return sess, pair, nil
}

// Refresh rotates a refresh token into a new pair. The old refresh hash is
// blacklisted before the new pair is trusted, so any later replay of the old
// token is detectable; a replayed token escalates to full session revocation.
func (s *Service) Refresh(ctx context.Context, refreshToken, ip, userAgent string) (TokenPair, error) {
	presentedHash := HashToken(refreshToken)

	listed, err := s.repo.IsTokenBlacklisted(ctx, presentedHash)
	if err != nil {
		return TokenPair{}, fmt.Errorf("session: blacklist check: %w", err)
	}
	if listed {
		s.handleReuse(ctx, refreshToken, presentedHash, ip)
		s.observeRefresh("reuse_detected")
		return TokenPair{}, shared.ErrUnauthorized
	}

	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		s.observeRefresh("rejected")
		return TokenPair{}, shared.ErrUnauthorized
	}

	sess, err := s.repo.GetByID(ctx, claims.SessionID)
	if err != nil {
		s.observeRefresh("rejected")
		return TokenPair{}, shared.ErrUnauthorized
	}
	if !sess.Active(s.now()) {
		s.observeRefresh("rejected")
		return TokenPair{}, shared.ErrUnauthorized
	}

	// Atomic rotation claim: the conditional insert is the compare-and-swap.
	// A concurrent refresh of the same token loses here and is treated as reuse.
	won, err := s.repo.BlacklistToken(ctx, presentedHash, "ROTATED", sess.ExpiresAt)
	if err != nil {
		return TokenPair{}, fmt.Errorf("session: blacklist rotated token: %w", err)
	}
	if !won {
		s.handleReuse(ctx, refreshToken, presentedHash, ip)
		s.observeRefresh("reuse_detected")
		return TokenPair{}, shared.ErrUnauthorized
	}

	pair, err := s.tokens.IssuePair(sess.UserID, sess.OrganizationID, sess.ID)
	if err != nil {
		return TokenPair{}, err
	}
	now := s.now().UTC()
	if err := s.repo.RotateTokens(ctx, sess.ID, HashToken(pair.AccessToken), HashToken(pair.RefreshToken), now); err != nil {
		return TokenPair{}, fmt.Errorf("session: rotate tokens: %w", err)
	}

	sess.TokenHash = HashToken(pair.AccessToken)
	sess.RefreshTokenHash = HashToken(pair.RefreshToken)
	sess.LastActivityAt = now
	s.cacheSet(ctx, sess)

	if err := s.auditDirect(ctx, sess.UserID, shared.AuditTokenRefreshed, sess.ID, ip, nil); err != nil {
		s.warn("audit token refresh", err)
	}
	s.observeRefresh("rotated")
	return pair, nil
}

// handleReuse escalates a replayed refresh token to a full session revoke.
// Reuse is a compromise signal, not a retryable error.
func (s *Service) handleReuse(ctx context.Context, refreshToken, presentedHash, ip string) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		// Blacklisted and unverifiable: nothing further to revoke.
		return
	}
	sess, err := s.repo.GetByID(ctx, claims.SessionID)
	if err != nil {
		return
	}
	if err := s.revokeTx(ctx, sess, ReasonTokenReuse, shared.AuditTokenReuseDetected, sess.UserID, ip,
		map[string]any{"presented_hash": presentedHash}); err != nil {
		s.warn("revoke on token reuse", err)
	}
}

// Validate resolves a session by ID and confirms it is still active. Reads
// through the cache; a miss falls back to the durable store.
func (s *Service) Validate(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.cache.Get(ctx, sessionID)
	if err != nil {
		s.warn("session cache read", err)
		sess = nil
	}
	if sess == nil {
		sess, err = s.repo.GetByID(ctx, sessionID)
		if err != nil {
			return nil, shared.ErrUnauthorized
		}
		s.cacheSet(ctx, sess)
	}
	if !sess.Active(s.now()) {
		return nil, shared.ErrUnauthorized
	}
	return sess, nil
}

// ValidateAccessToken verifies an access token and its owning session.
func (s *Service) ValidateAccessToken(ctx context.Context, raw string) (*Session, error) {
	claims, err := s.tokens.VerifyAccess(raw)
	if err != nil {
		return nil, shared.ErrUnauthorized
	}
	sess, err := s.Validate(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.TokenHash != HashToken(raw) {
		return nil, shared.ErrUnauthorized
	}
	return sess, nil
}

// GetUserSessions lists the user's active sessions with derived device
// metadata and masked IPs.
func (s *Service) GetUserSessions(ctx context.Context, userID int64, currentSessionID string) ([]Info, error) {
	sessions, err := s.repo.ListActiveByUser(ctx, userID, s.now())
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		device, osName, browser := deriveDevice(sess.UserAgent)
		infos = append(infos, Info{
			ID:             sess.ID,
			Device:         device,
			OS:             osName,
			Browser:        browser,
			IPAddress:      maskIP(sess.IPAddress),
			CreatedAt:      sess.CreatedAt,
			LastActivityAt: sess.LastActivityAt,
			IsCurrent:      sess.ID == currentSessionID,
		})
	}
	return infos, nil
}

// RevokeSession terminates one of the caller's own sessions.
func (s *Service) RevokeSession(ctx context.Context, userID int64, sessionID, reason string) error {
	sess, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return shared.ErrForbidden
	}
	if sess.RevokedAt != nil {
		return shared.ErrNotFound
	}
	if reason == "" {
		reason = ReasonUserLogout
	}
	return s.revokeTx(ctx, sess, reason, shared.AuditSessionRevoked, userID, "", nil)
}

// RevokeAllSessions revokes every session except the current one. Requires
// password re-verification.
func (s *Service) RevokeAllSessions(ctx context.Context, userID int64, currentSessionID, password string) (int, error) {
	if err := s.passwords.VerifyPassword(ctx, userID, password); err != nil {
		return 0, shared.ErrUnauthorized
	}
	sessions, err := s.repo.ListActiveByUser(ctx, userID, s.now())
	if err != nil {
		return 0, err
	}
	revoked := 0
	for i := range sessions {
		sess := sessions[i]
		if sess.ID == currentSessionID {
			continue
		}
		if err := s.revokeTx(ctx, &sess, ReasonUserLogout, shared.AuditSessionRevoked, userID, "", nil); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// ExtendSession is the heartbeat: it bumps the activity stamp and cache TTL.
func (s *Service) ExtendSession(ctx context.Context, sessionID string) error {
	sess, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return shared.ErrUnauthorized
	}
	if !sess.Active(s.now()) {
		return shared.ErrUnauthorized
	}
	now := s.now().UTC()
	if err := s.repo.TouchActivity(ctx, sessionID, now); err != nil {
		return err
	}
	if err := s.cache.Extend(ctx, sessionID); err != nil {
		s.warn("extend session cache", err)
	}
	return nil
}

// CheckSessionTimeout evaluates idle time against the inactivity window,
// warning inside the trailing threshold and auto-revoking once exceeded.
func (s *Service) CheckSessionTimeout(ctx context.Context, sessionID string) (TimeoutStatus, error) {
	sess, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return TimeoutStatus{}, err
	}
	if sess.RevokedAt != nil {
		return TimeoutStatus{TimedOut: true}, nil
	}
	idle := s.now().Sub(sess.LastActivityAt)
	if idle >= s.cfg.InactivityWindow {
		if err := s.revokeTx(ctx, sess, ReasonInactivityTimeout, shared.AuditSessionRevoked, sess.UserID, "", nil); err != nil {
			return TimeoutStatus{}, err
		}
		return TimeoutStatus{IdleFor: idle, TimedOut: true}, nil
	}
	remaining := s.cfg.InactivityWindow - idle
	return TimeoutStatus{
		IdleFor:       idle,
		Warning:       remaining <= s.cfg.WarningThreshold,
		RemainingTime: remaining,
	}, nil
}

// EnforceSessionLimit caps concurrent active sessions. On overflow the single
// oldest session by creation time is evicted to admit the new one.
func (s *Service) EnforceSessionLimit(ctx context.Context, userID int64) error {
	sessions, err := s.repo.ListActiveByUser(ctx, userID, s.now())
	if err != nil {
		return err
	}
	if len(sessions) < s.cfg.MaxConcurrent {
		return nil
	}
	oldest := sessions[0]
	return s.revokeTx(ctx, &oldest, ReasonSessionLimit, shared.AuditSessionLimitEvicted, userID, "", nil)
}

// Logout terminates the caller's session. Deliberately fail-open: server-side
// errors surface only as a Degraded flag so the client can always leave;
// stray state is swept by the cleanup job.
func (s *Service) Logout(ctx context.Context, sessionID string) LogoutResult {
	sess, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		s.warn("logout session lookup", err)
		return LogoutResult{LoggedOut: true, Degraded: true}
	}
	if sess.RevokedAt != nil {
		return LogoutResult{LoggedOut: true}
	}
	if err := s.revokeTx(ctx, sess, ReasonUserLogout, shared.AuditLogout, sess.UserID, "", nil); err != nil {
		s.warn("logout revoke", err)
		return LogoutResult{LoggedOut: true, Degraded: true}
	}
	return LogoutResult{LoggedOut: true}
}

// LogoutAllDevices revokes every session of the user, current one included.
// Password-gated and strict, unlike single-session logout.
func (s *Service) LogoutAllDevices(ctx context.Context, userID int64, password string) (int, error) {
	if err := s.passwords.VerifyPassword(ctx, userID, password); err != nil {
		return 0, shared.ErrUnauthorized
	}
	sessions, err := s.repo.ListActiveByUser(ctx, userID, s.now())
	if err != nil {
		return 0, err
	}
	for i := range sessions {
		if err := s.revokeTx(ctx, &sessions[i], ReasonUserLogout, shared.AuditLogout, userID, "", nil); err != nil {
			return i, err
		}
	}
	return len(sessions), nil
}

// ForceLogout lets an operator with sessions:force_logout terminate any session.
func (s *Service) ForceLogout(ctx context.Context, adminID int64, sessionID, reason string) error {
	allowed, err := s.authz.CheckPermission(ctx, adminID, "sessions", "force_logout")
	if err != nil {
		return err
	}
	if !allowed {
		return shared.ErrForbidden
	}
	sess, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.RevokedAt != nil {
		return shared.ErrNotFound
	}
	meta := map[string]any{"reason": reason}
	return s.revokeTx(ctx, sess, ReasonAdminForceLogout, shared.AuditForceLogout, adminID, "", meta)
}

// revokeTx runs revoke + blacklist + audit atomically, then drops the cache
// entry best-effort.
func (s *Service) revokeTx(ctx context.Context, sess *Session, reason, auditAction string, actorID int64, ip string, meta map[string]any) error {
	now := s.now().UTC()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.Revoke(ctx, sess.ID, reason, now)
		if err != nil {
			return err
		}
		if !ok {
			return shared.ErrNotFound
		}
		if sess.TokenHash != "" {
			if _, err := tx.BlacklistToken(ctx, sess.TokenHash, reason, sess.ExpiresAt); err != nil {
				return err
			}
		}
		if sess.RefreshTokenHash != "" {
			if _, err := tx.BlacklistToken(ctx, sess.RefreshTokenHash, reason, sess.ExpiresAt); err != nil {
				return err
			}
		}
		if meta == nil {
			meta = map[string]any{}
		}
		meta["reason"] = reason
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   auditAction,
			Entity:   "session",
			EntityID: sess.ID,
			IP:       ip,
			Meta:     meta,
		})
	})
	if err != nil {
		return err
	}
	if cacheErr := s.cache.Delete(ctx, sess.ID); cacheErr != nil {
		s.warn("drop session cache", cacheErr)
	}
	if s.metrics != nil {
		s.metrics.ObserveRevocation(reason)
	}
	return nil
}

func (s *Service) auditDirect(ctx context.Context, actorID int64, action, sessionID, ip string, meta map[string]any) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   action,
			Entity:   "session",
			EntityID: sessionID,
			IP:       ip,
			Meta:     meta,
		})
	})
}

func (s *Service) cacheSet(ctx context.Context, sess *Session) {
	if err := s.cache.Set(ctx, sess); err != nil {
		s.warn("session cache write", err)
	}
}

func (s *Service) observeRefresh(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveRefresh(outcome)
	}
}

func (s *Service) warn(msg string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, slog.Any("error", err))
	}
}
