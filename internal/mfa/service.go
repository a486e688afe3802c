package mfa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerlane/ledgerlane-auth/internal/observability"
	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

// Accounts is the slice of the auth collaborator the MFA engine needs.
type Accounts interface {
	VerifyPassword(ctx context.Context, userID int64, password string) error
	Email(ctx context.Context, userID int64) (string, error)
}

// Config carries the fixed MFA windows and budgets.
type Config struct {
	Issuer               string
	SetupTTL             time.Duration
	ChallengeTTL         time.Duration
	ChallengeMaxAttempts int
	LockoutThreshold     int
	LockoutDuration      time.Duration
	BackupCodeCount      int
}

// Service owns the MFA challenge engine: TOTP setup and disablement,
// login-time challenges, backup codes and failure lockout.
type Service struct {
	repo     Repository
	setups   *SetupCache
	cipher   *SecretCipher
	accounts Accounts
	metrics  *observability.Metrics
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewService constructs an MFA Service.
func NewService(repo Repository, setups *SetupCache, cipher *SecretCipher, accounts Accounts, metrics *observability.Metrics, logger *slog.Logger, cfg Config) *Service {
	if cfg.ChallengeMaxAttempts <= 0 {
		cfg.ChallengeMaxAttempts = 5
	}
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 30 * time.Minute
	}
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = 10
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "LedgerLane"
	}
	return &Service{
		repo:     repo,
		setups:   setups,
		cipher:   cipher,
		accounts: accounts,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Status summarises the user's MFA state.
func (s *Service) Status(ctx context.Context, userID int64) (Status, error) {
	cfg, err := s.repo.GetConfiguration(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Status{}, nil
		}
		return Status{}, err
	}
	total, unused, err := s.repo.CountBackupCodes(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		Enabled:          cfg.IsEnabled,
		VerifiedAt:       cfg.VerifiedAt,
		LastUsedAt:       cfg.LastUsedAt,
		BackupCodesLeft:  unused,
		BackupCodesTotal: total,
	}
	if cfg.LockedAt(s.now()) {
		status.LockedUntil = cfg.LockedUntil
	}
	return status, nil
}

// InitiateSetup starts TOTP enrolment. The fresh secret is parked in the
// ephemeral cache under a random setup token; the durable store stays
// untouched until the user proves possession.
func (s *Service) InitiateSetup(ctx context.Context, userID int64, password string) (SetupMaterial, error) {
	if err := s.accounts.VerifyPassword(ctx, userID, password); err != nil {
		return SetupMaterial{}, shared.ErrUnauthorized
	}
	cfg, err := s.repo.GetConfiguration(ctx, userID)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return SetupMaterial{}, err
	}
	if cfg != nil && cfg.IsEnabled {
		return SetupMaterial{}, fmt.Errorf("mfa already enabled: %w", shared.ErrConflict)
	}

	secret, secretB32, err := GenerateTOTPSecret()
	if err != nil {
		return SetupMaterial{}, err
	}
	email, err := s.accounts.Email(ctx, userID)
	if err != nil {
		return SetupMaterial{}, err
	}

	token := uuid.NewString()
	if err := s.setups.Put(ctx, token, pendingSetup{UserID: userID, Secret: secret, SecretBase32: secretB32}); err != nil {
		return SetupMaterial{}, fmt.Errorf("mfa: store pending setup: %w", err)
	}
	return SetupMaterial{
		SetupToken:   token,
		SecretBase32: secretB32,
		ProvisionURI: ProvisionURI(s.cfg.Issuer, email, secretB32),
	}, nil
}

// VerifySetup completes enrolment: the secret is encrypted for storage and
// the backup-code batch is persisted atomically with the configuration.
// The plaintext codes are returned exactly once.
func (s *Service) VerifySetup(ctx context.Context, setupToken, code string) ([]string, error) {
	if !ValidCodeFormat(code) {
		return nil, fmt.Errorf("malformed code: %w", shared.ErrBadRequest)
	}
	pending, err := s.setups.Get(ctx, setupToken)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, fmt.Errorf("setup token unknown or expired: %w", shared.ErrNotFound)
	}

	ok, err := VerifyTOTPCode(pending.Secret, code, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		s.observeMFA("totp", "setup_failed")
		return nil, shared.ErrUnauthorized
	}

	encrypted, err := s.cipher.Encrypt(pending.Secret)
	if err != nil {
		return nil, err
	}
	codes, hashes, err := s.generateBackupBatch()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpsertConfiguration(ctx, &Configuration{
			UserID:          pending.UserID,
			SecretEncrypted: encrypted,
			IsEnabled:       true,
			VerifiedAt:      &now,
		}); err != nil {
			return err
		}
		if err := tx.DeleteBackupCodes(ctx, pending.UserID); err != nil {
			return err
		}
		if err := tx.InsertBackupCodes(ctx, pending.UserID, hashes); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  pending.UserID,
			Action:   shared.AuditMFAEnabled,
			Entity:   "mfa_configuration",
			EntityID: fmt.Sprintf("%d", pending.UserID),
			Meta:     map[string]any{"backup_codes": len(hashes)},
		})
	})
	if err != nil {
		return nil, err
	}

	if err := s.setups.Discard(ctx, setupToken); err != nil {
		s.warn("discard setup token", err)
	}
	s.observeMFA("totp", "enabled")
	return codes, nil
}

// DisableMFA tears down the configuration, every backup code and any pending
// challenge together. Requires both the password and a valid TOTP code.
func (s *Service) DisableMFA(ctx context.Context, userID int64, password, code string) error {
	cfg, err := s.requireEnabled(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.verifyDualGate(ctx, userID, cfg, password, code); err != nil {
		return err
	}

	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.DeletePendingChallenges(ctx, userID); err != nil {
			return err
		}
		if err := tx.DeleteBackupCodes(ctx, userID); err != nil {
			return err
		}
		if err := tx.DeleteConfiguration(ctx, userID); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  userID,
			Action:   shared.AuditMFADisabled,
			Entity:   "mfa_configuration",
			EntityID: fmt.Sprintf("%d", userID),
		})
	})
}

// CreateChallenge issues a login-time MFA prompt with a small attempt budget
// and short expiry. An active lockout rejects the request outright; an
// expired lockout is cleared lazily here.
func (s *Service) CreateChallenge(ctx context.Context, userID int64, ip string) (*Challenge, error) {
	cfg, err := s.requireEnabled(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if cfg.LockedAt(now) {
		return nil, fmt.Errorf("mfa locked until %s: %w", cfg.LockedUntil.Format(time.RFC3339), shared.ErrTooManyRequests)
	}
	if cfg.LockedUntil != nil {
		if err := s.repo.UpdateFailureState(ctx, userID, 0, nil); err != nil {
			return nil, err
		}
	}

	ch := &Challenge{
		UserID:         userID,
		ChallengeToken: uuid.NewString(),
		Type:           ChallengeTOTP,
		MaxAttempts:    s.cfg.ChallengeMaxAttempts,
		ExpiresAt:      now.UTC().Add(s.cfg.ChallengeTTL),
	}
	if err := s.repo.CreateChallenge(ctx, ch); err != nil {
		return nil, fmt.Errorf("mfa: create challenge: %w", err)
	}
	return ch, nil
}

// VerifyTOTP resolves a challenge with a TOTP code. On success the owning
// user's ID is returned so the login flow can mint a session.
func (s *Service) VerifyTOTP(ctx context.Context, challengeToken, code string) (int64, error) {
	ch, cfg, err := s.loadOpenChallenge(ctx, challengeToken)
	if err != nil {
		return 0, err
	}
	if !ValidCodeFormat(code) {
		return 0, fmt.Errorf("malformed code: %w", shared.ErrBadRequest)
	}

	secret, err := s.cipher.Decrypt(cfg.SecretEncrypted)
	if err != nil {
		return 0, err
	}
	ok, err := VerifyTOTPCode(secret, code, s.now())
	if err != nil {
		return 0, err
	}
	if !ok {
		s.observeMFA("totp", "failed")
		return 0, s.recordFailure(ctx, ch, cfg)
	}
	s.observeMFA("totp", "verified")
	if err := s.completeChallenge(ctx, ch); err != nil {
		return 0, err
	}
	return ch.UserID, nil
}

// VerifyBackupCode resolves a challenge with a single-use backup code. The
// unused hashes are scanned directly since salted hashes cannot be looked up;
// the scan is bounded by the small batch size.
func (s *Service) VerifyBackupCode(ctx context.Context, challengeToken, code, ip, userAgent string) (int64, error) {
	ch, cfg, err := s.loadOpenChallenge(ctx, challengeToken)
	if err != nil {
		return 0, err
	}
	if NormalizeBackupCode(code) == "" {
		return 0, fmt.Errorf("malformed code: %w", shared.ErrBadRequest)
	}

	codes, err := s.repo.ListUnusedBackupCodes(ctx, ch.UserID)
	if err != nil {
		return 0, err
	}
	for _, candidate := range codes {
		if !MatchBackupCode(candidate.CodeHash, code) {
			continue
		}
		now := s.now().UTC()
		consumed, err := s.repo.MarkBackupCodeUsed(ctx, candidate.ID, now, ip, userAgent)
		if err != nil {
			return 0, err
		}
		if !consumed {
			// Lost a race on the same code; treat as a failed attempt.
			break
		}
		if err := s.audit(ctx, ch.UserID, shared.AuditBackupCodeUsed, fmt.Sprintf("%d", candidate.ID), ip, nil); err != nil {
			s.warn("audit backup code use", err)
		}
		s.observeMFA("backup_code", "verified")
		if err := s.completeChallenge(ctx, ch); err != nil {
			return 0, err
		}
		return ch.UserID, nil
	}

	s.observeMFA("backup_code", "failed")
	return 0, s.recordFailure(ctx, ch, cfg)
}

// RegenerateBackupCodes atomically replaces the full code set behind the same
// dual re-auth gate as disable.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID int64, password, code string) ([]string, error) {
	cfg, err := s.requireEnabled(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.verifyDualGate(ctx, userID, cfg, password, code); err != nil {
		return nil, err
	}

	codes, hashes, err := s.generateBackupBatch()
	if err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.DeleteBackupCodes(ctx, userID); err != nil {
			return err
		}
		if err := tx.InsertBackupCodes(ctx, userID, hashes); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  userID,
			Action:   shared.AuditBackupCodesReissued,
			Entity:   "mfa_backup_codes",
			EntityID: fmt.Sprintf("%d", userID),
			Meta:     map[string]any{"count": len(hashes)},
		})
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// ExportBackupCodesState summarises the backup-code batch as counts.
func (s *Service) ExportBackupCodesState(ctx context.Context, userID int64) (BackupCodesState, error) {
	if _, err := s.requireEnabled(ctx, userID); err != nil {
		return BackupCodesState{}, err
	}
	total, unused, err := s.repo.CountBackupCodes(ctx, userID)
	if err != nil {
		return BackupCodesState{}, err
	}
	return BackupCodesState{Total: total, Remaining: unused, Used: total - unused}, nil
}

// ListUsedBackupCodes reports when and from where codes were consumed.
func (s *Service) ListUsedBackupCodes(ctx context.Context, userID int64) ([]UsedBackupCode, error) {
	codes, err := s.repo.ListUsedBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	used := make([]UsedBackupCode, 0, len(codes))
	for _, code := range codes {
		if code.UsedAt == nil {
			continue
		}
		used = append(used, UsedBackupCode{
			UsedAt:    *code.UsedAt,
			IPAddress: code.UsedIPAddress,
			UserAgent: code.UsedUserAgent,
		})
	}
	return used, nil
}

func (s *Service) requireEnabled(ctx context.Context, userID int64) (*Configuration, error) {
	cfg, err := s.repo.GetConfiguration(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !cfg.IsEnabled {
		return nil, shared.ErrNotFound
	}
	return cfg, nil
}

func (s *Service) verifyDualGate(ctx context.Context, userID int64, cfg *Configuration, password, code string) error {
	if err := s.accounts.VerifyPassword(ctx, userID, password); err != nil {
		return shared.ErrUnauthorized
	}
	if !ValidCodeFormat(code) {
		return fmt.Errorf("malformed code: %w", shared.ErrBadRequest)
	}
	secret, err := s.cipher.Decrypt(cfg.SecretEncrypted)
	if err != nil {
		return err
	}
	ok, err := VerifyTOTPCode(secret, code, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return shared.ErrUnauthorized
	}
	return nil
}

// loadOpenChallenge applies every gate that does not consume an attempt:
// existence, single-use, expiry, attempt budget and lockout.
func (s *Service) loadOpenChallenge(ctx context.Context, challengeToken string) (*Challenge, *Configuration, error) {
	ch, err := s.repo.GetChallengeByToken(ctx, challengeToken)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	if ch.CompletedAt != nil {
		return nil, nil, fmt.Errorf("challenge already completed: %w", shared.ErrUnauthorized)
	}
	if ch.Expired(now) {
		return nil, nil, fmt.Errorf("challenge expired: %w", shared.ErrUnauthorized)
	}
	if ch.Exhausted() {
		return nil, nil, fmt.Errorf("challenge attempts exhausted: %w", shared.ErrTooManyRequests)
	}
	cfg, err := s.repo.GetConfiguration(ctx, ch.UserID)
	if err != nil {
		return nil, nil, err
	}
	if cfg.LockedAt(now) {
		return nil, nil, fmt.Errorf("mfa locked: %w", shared.ErrTooManyRequests)
	}
	return ch, cfg, nil
}

// recordFailure charges one attempt against both the challenge and the
// account, arming the lockout once the failure threshold is reached.
func (s *Service) recordFailure(ctx context.Context, ch *Challenge, cfg *Configuration) error {
	attempts, err := s.repo.IncrementChallengeAttempts(ctx, ch.ID)
	if err != nil {
		return err
	}

	failed := cfg.FailedAttempts + 1
	var lockedUntil *time.Time
	if failed >= s.cfg.LockoutThreshold {
		until := s.now().UTC().Add(s.cfg.LockoutDuration)
		lockedUntil = &until
	}
	if err := s.repo.UpdateFailureState(ctx, cfg.UserID, failed, lockedUntil); err != nil {
		return err
	}
	if lockedUntil != nil {
		if err := s.audit(ctx, cfg.UserID, shared.AuditMFALockout, fmt.Sprintf("%d", cfg.UserID), "",
			map[string]any{"locked_until": lockedUntil.Format(time.RFC3339)}); err != nil {
			s.warn("audit mfa lockout", err)
		}
		return fmt.Errorf("mfa locked: %w", shared.ErrTooManyRequests)
	}
	if attempts >= ch.MaxAttempts {
		return fmt.Errorf("challenge attempts exhausted: %w", shared.ErrTooManyRequests)
	}
	return shared.ErrUnauthorized
}

func (s *Service) completeChallenge(ctx context.Context, ch *Challenge) error {
	now := s.now().UTC()
	done, err := s.repo.CompleteChallenge(ctx, ch.ID, now)
	if err != nil {
		return err
	}
	if !done {
		return fmt.Errorf("challenge already completed: %w", shared.ErrUnauthorized)
	}
	return s.repo.MarkVerified(ctx, ch.UserID, now)
}

func (s *Service) generateBackupBatch() (codes []string, hashes []string, err error) {
	codes = make([]string, 0, s.cfg.BackupCodeCount)
	hashes = make([]string, 0, s.cfg.BackupCodeCount)
	for i := 0; i < s.cfg.BackupCodeCount; i++ {
		code, err := GenerateBackupCode()
		if err != nil {
			return nil, nil, err
		}
		hash, err := HashBackupCode(code)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, hash)
	}
	return codes, hashes, nil
}

func (s *Service) audit(ctx context.Context, actorID int64, action, entityID, ip string, meta map[string]any) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   action,
			Entity:   "mfa",
			EntityID: entityID,
			IP:       ip,
			Meta:     meta,
		})
	})
}

func (s *Service) observeMFA(method, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveMFA(method, outcome)
	}
}

func (s *Service) warn(msg string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, slog.Any("error", err))
	}
}
