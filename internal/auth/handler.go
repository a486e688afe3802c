package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ledgerlane/ledgerlane-auth/internal/mfa"
	"github.com/ledgerlane/ledgerlane-auth/internal/platform/httpx"
	"github.com/ledgerlane/ledgerlane-auth/internal/session"
	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

// Handler wires the login flow: credential check, optional MFA step-up and
// session minting.
type Handler struct {
	logger   *slog.Logger
	users    *Service
	sessions *session.Service
	mfa      *mfa.Service
	validate *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, users *Service, sessions *session.Service, mfaService *mfa.Service) *Handler {
	return &Handler{
		logger:   logger,
		users:    users,
		sessions: sessions,
		mfa:      mfaService,
		validate: validator.New(),
	}
}

// MountRoutes registers the unauthenticated auth endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/login/mfa", h.handleLoginMFA)
	r.Post("/password-reset", h.handlePasswordReset)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type sessionResponse struct {
	SessionID        string `json:"session_id"`
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	AccessExpiresAt  int64  `json:"access_expires_at"`
	RefreshExpiresAt int64  `json:"refresh_expires_at"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "email and password are required")
		return
	}
	user, err := h.users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	status, err := h.mfa.Status(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("mfa status during login", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if status.Enabled {
		ch, err := h.mfa.CreateChallenge(r.Context(), user.ID, r.RemoteAddr)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{
			"mfa_required":    true,
			"challenge_token": ch.ChallengeToken,
			"expires_at":      ch.ExpiresAt.Unix(),
		})
		return
	}

	h.mintSession(w, r, user.ID, user.OrganizationID)
}

type loginMFARequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	Code           string `json:"code" validate:"required"`
	BackupCode     bool   `json:"backup_code"`
}

func (h *Handler) handleLoginMFA(w http.ResponseWriter, r *http.Request) {
	var req loginMFARequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "challenge_token and code are required")
		return
	}

	var userID int64
	var err error
	if req.BackupCode {
		userID, err = h.mfa.VerifyBackupCode(r.Context(), req.ChallengeToken, req.Code, r.RemoteAddr, r.UserAgent())
	} else {
		userID, err = h.mfa.VerifyTOTP(r.Context(), req.ChallengeToken, req.Code)
	}
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	user, err := h.users.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.RespondError(w, shared.ErrUnauthorized)
			return
		}
		httpx.RespondError(w, err)
		return
	}
	h.mintSession(w, r, user.ID, user.OrganizationID)
}

type passwordResetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (h *Handler) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "email is required")
		return
	}
	if err := h.users.RequestPasswordReset(r.Context(), req.Email, r.RemoteAddr); err != nil {
		h.logger.Error("password reset request", slog.Any("error", err))
	}
	// Uniform response regardless of account existence.
	httpx.JSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (h *Handler) mintSession(w http.ResponseWriter, r *http.Request, userID, orgID int64) {
	sess, pair, err := h.sessions.Create(r.Context(), userID, orgID, r.RemoteAddr, r.UserAgent())
	if err != nil {
		h.logger.Error("create session", slog.Any("error", err), slog.Int64("user_id", userID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sessionResponse{
		SessionID:        sess.ID,
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt.Unix(),
		RefreshExpiresAt: pair.RefreshExpiresAt.Unix(),
	})
}
