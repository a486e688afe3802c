package auth

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

// Service wraps authentication business rules.
type Service struct {
	repo            Repository
	audit           *shared.AuditLogger
	logger          *slog.Logger
	resetMinLatency time.Duration
}

// NewService constructs a new Service.
func NewService(repo Repository, audit *shared.AuditLogger, logger *slog.Logger, resetMinLatency time.Duration) *Service {
	return &Service{repo: repo, audit: audit, logger: logger, resetMinLatency: resetMinLatency}
}

// Authenticate validates email/password credentials. Every failure collapses
// onto ErrInvalidCredentials so callers cannot distinguish a missing account
// from a wrong password.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// VerifyPassword re-checks the password of an already-authenticated user.
// Used as the re-auth gate for session and MFA mutations.
func (s *Service) VerifyPassword(ctx context.Context, userID int64, password string) error {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return shared.ErrInvalidCredentials
	}
	return nil
}

// GetUser fetches a user record by ID.
func (s *Service) GetUser(ctx context.Context, userID int64) (*User, error) {
	return s.repo.FindByID(ctx, userID)
}

// Email returns the address on file for a user.
func (s *Service) Email(ctx context.Context, userID int64) (string, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.Email, nil
}

// RequestPasswordReset reports success regardless of account existence and
// holds the response for a minimum latency to defeat timing enumeration.
// Delivery of the reset mail is an external collaborator's concern.
func (s *Service) RequestPasswordReset(ctx context.Context, email, ip string) error {
	start := time.Now()

	user, err := s.repo.FindByEmail(ctx, email)
	if err == nil && user.IsActive {
		if auditErr := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  user.ID,
			Action:   shared.AuditPasswordResetAsked,
			Entity:   "user",
			EntityID: user.Email,
			IP:       ip,
		}); auditErr != nil && s.logger != nil {
			s.logger.Warn("audit password reset request", slog.Any("error", auditErr))
		}
	}

	if remaining := s.resetMinLatency - time.Since(start); remaining > 0 {
		select {
		case <-time.After(remaining):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
