package session

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ledgerlane/ledgerlane-auth/internal/platform/httpx"
	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

// Handler wires HTTP endpoints for session lifecycle operations.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountPublicRoutes registers routes that authenticate by token payload only.
func (h *Handler) MountPublicRoutes(r chi.Router) {
	r.Post("/refresh", h.handleRefresh)
}

// MountRoutes registers routes behind the session middleware.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Delete("/{sessionID}", h.handleRevoke)
	r.Post("/revoke-all", h.handleRevokeAll)
	r.Post("/heartbeat", h.handleHeartbeat)
	r.Get("/timeout", h.handleTimeout)
	r.Post("/logout", h.handleLogout)
	r.Post("/logout-all", h.handleLogoutAll)
	r.Post("/{sessionID}/force-logout", h.handleForceLogout)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type tokenPairResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	AccessExpiresAt  int64  `json:"access_expires_at"`
	RefreshExpiresAt int64  `json:"refresh_expires_at"`
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "refresh_token is required")
		return
	}
	pair, err := h.service.Refresh(r.Context(), req.RefreshToken, clientIP(r), r.UserAgent())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt.Unix(),
		RefreshExpiresAt: pair.RefreshExpiresAt.Unix(),
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	infos, err := h.service.GetUserSessions(r.Context(), principal.UserID, principal.SessionID)
	if err != nil {
		h.logger.Error("list sessions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.service.RevokeSession(r.Context(), principal.UserID, sessionID, ReasonUserLogout); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type passwordGateRequest struct {
	Password string `json:"password" validate:"required"`
}

func (h *Handler) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	var req passwordGateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "password is required")
		return
	}
	revoked, err := h.service.RevokeAllSessions(r.Context(), principal.UserID, principal.SessionID, req.Password)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	if err := h.service.ExtendSession(r.Context(), principal.SessionID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTimeout(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	status, err := h.service.CheckSessionTimeout(r.Context(), principal.SessionID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"idle_seconds":      int64(status.IdleFor.Seconds()),
		"warning":           status.Warning,
		"timed_out":         status.TimedOut,
		"remaining_seconds": int64(status.RemainingTime.Seconds()),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	result := h.service.Logout(r.Context(), principal.SessionID)
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	var req passwordGateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "password is required")
		return
	}
	count, err := h.service.LogoutAllDevices(r.Context(), principal.UserID, req.Password)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"logged_out": count})
}

type forceLogoutRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleForceLogout(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	var req forceLogoutRequest
	_ = httpx.DecodeJSON(r, &req)
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.service.ForceLogout(r.Context(), principal.UserID, sessionID, req.Reason); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func clientIP(r *http.Request) string {
	return r.RemoteAddr
}
