package mfa

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ledgerlane/ledgerlane-auth/internal/platform/httpx"
	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

// Handler wires HTTP endpoints for MFA flows.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers MFA routes behind the session middleware.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/status", h.handleStatus)
	r.Post("/setup", h.handleInitiateSetup)
	r.Post("/setup/verify", h.handleVerifySetup)
	r.Post("/disable", h.handleDisable)
	r.Post("/backup-codes/regenerate", h.handleRegenerate)
	r.Get("/backup-codes/used", h.handleUsedCodes)
	r.Get("/backup-codes/export", h.handleExportCodes)
}

// MountChallengeRoutes registers the login-time challenge routes. These sit
// outside the session middleware because the caller is mid-login.
func (h *Handler) MountChallengeRoutes(r chi.Router) {
	r.Post("/verify-totp", h.handleVerifyTOTP)
	r.Post("/verify-backup", h.handleVerifyBackup)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	status, err := h.service.Status(r.Context(), principal.UserID)
	if err != nil {
		h.logger.Error("mfa status", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, status)
}

type initiateSetupRequest struct {
	Password string `json:"password" validate:"required"`
}

func (h *Handler) handleInitiateSetup(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	var req initiateSetupRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "password is required")
		return
	}
	material, err := h.service.InitiateSetup(r.Context(), principal.UserID, req.Password)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, material)
}

type verifySetupRequest struct {
	SetupToken string `json:"setup_token" validate:"required"`
	Code       string `json:"code" validate:"required"`
}

func (h *Handler) handleVerifySetup(w http.ResponseWriter, r *http.Request) {
	var req verifySetupRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "setup_token and code are required")
		return
	}
	codes, err := h.service.VerifySetup(r.Context(), req.SetupToken, req.Code)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
}

type dualGateRequest struct {
	Password string `json:"password" validate:"required"`
	Code     string `json:"code" validate:"required"`
}

func (h *Handler) handleDisable(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	var req dualGateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "password and code are required")
		return
	}
	if err := h.service.DisableMFA(r.Context(), principal.UserID, req.Password, req.Code); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	var req dualGateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "password and code are required")
		return
	}
	codes, err := h.service.RegenerateBackupCodes(r.Context(), principal.UserID, req.Password, req.Code)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
}

func (h *Handler) handleUsedCodes(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	used, err := h.service.ListUsedBackupCodes(r.Context(), principal.UserID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"used_codes": used})
}

func (h *Handler) handleExportCodes(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	state, err := h.service.ExportBackupCodesState(r.Context(), principal.UserID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, state)
}

type verifyChallengeRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	Code           string `json:"code" validate:"required"`
}

func (h *Handler) handleVerifyTOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyChallengeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "challenge_token and code are required")
		return
	}
	if _, err := h.service.VerifyTOTP(r.Context(), req.ChallengeToken, req.Code); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"verified": true})
}

func (h *Handler) handleVerifyBackup(w http.ResponseWriter, r *http.Request) {
	var req verifyChallengeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "challenge_token and code are required")
		return
	}
	if _, err := h.service.VerifyBackupCode(r.Context(), req.ChallengeToken, req.Code, r.RemoteAddr, r.UserAgent()); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"verified": true})
}
