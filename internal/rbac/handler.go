package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ledgerlane/ledgerlane-auth/internal/platform/httpx"
	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

// Handler wires HTTP endpoints for role and permission management.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers RBAC routes behind the session middleware. Admin
// mutations are additionally permission-gated per route.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(RequirePermission(h.service, "roles", "read")).Get("/roles", h.handleListRoles)
	r.With(RequirePermission(h.service, "roles", "read")).Get("/roles/{roleID}", h.handleGetRole)
	r.With(RequirePermission(h.service, "roles", "create")).Post("/roles", h.handleCreateRole)
	r.With(RequirePermission(h.service, "roles", "update")).Put("/roles/{roleID}", h.handleUpdateRole)
	r.With(RequirePermission(h.service, "roles", "update")).Put("/roles/{roleID}/parent", h.handleReparentRole)
	r.With(RequirePermission(h.service, "roles", "delete")).Delete("/roles/{roleID}", h.handleDeleteRole)
	r.With(RequirePermission(h.service, "roles", "update")).Post("/roles/{roleID}/restore", h.handleRestoreRole)
	r.With(RequirePermission(h.service, "permissions", "assign")).Put("/roles/{roleID}/permissions", h.handleUpdateRolePermissions)

	r.With(RequirePermission(h.service, "permissions", "read")).Get("/permissions", h.handleListPermissions)

	r.With(RequirePermission(h.service, "permissions", "assign")).Post("/users/{userID}/roles", h.handleAssignRole)
	r.With(RequirePermission(h.service, "permissions", "assign")).Delete("/users/{userID}/roles/{roleID}", h.handleRevokeRole)
	r.With(RequirePermission(h.service, "permissions", "assign")).Post("/roles/{roleID}/bulk-assign", h.handleBulkAssign)
	r.With(RequirePermission(h.service, "permissions", "assign")).Post("/users/{userID}/permissions", h.handleAssignPermission)
	r.With(RequirePermission(h.service, "permissions", "assign")).Delete("/users/{userID}/permissions/{permissionID}", h.handleRevokePermission)
	r.With(RequirePermission(h.service, "roles", "read")).Get("/users/{userID}/roles", h.handleGetUserRoles)

	r.Get("/me/permissions", h.handleMyPermissions)
	r.Post("/check", h.handleCheck)
}

func (h *Handler) handleListRoles(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	p := shared.NewPagination(page, perPage, 0)
	roles, err := h.service.ListRoles(r.Context(), principal.OrganizationID, p)
	if err != nil {
		h.logger.Error("list roles", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) handleGetRole(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, shared.ErrBadRequest)
		return
	}
	role, err := h.service.GetRole(r.Context(), roleID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=100"`
	Description string `json:"description" validate:"max=500"`
	ParentID    *int64 `json:"parent_id"`
}

func (h *Handler) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "name is required")
		return
	}
	role, err := h.service.CreateRole(r.Context(), principal.UserID, CreateRoleInput{
		OrganizationID: principal.OrganizationID,
		Name:           req.Name,
		Description:    req.Description,
		ParentID:       req.ParentID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

type updateRoleRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=100"`
	Description string `json:"description" validate:"max=500"`
}

func (h *Handler) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, shared.ErrBadRequest)
		return
	}
	var req updateRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "name is required")
		return
	}
	role, err := h.service.UpdateRole(r.Context(), principal.UserID, roleID, req.Name, req.Description)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

type reparentRequest struct {
	ParentID *int64 `json:"parent_id"`
}

func (h *Handler) handleReparentRole(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, shared.ErrBadRequest)
		return
	}
	var req reparentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.service.ReparentRole(r.Context(), principal.UserID, roleID, req.ParentID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, shared.ErrBadRequest)
		return
	}
	if err := h.service.DeleteRole(r.Context(), principal.UserID, roleID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRestoreRole(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, shared.ErrBadRequest)
		return
	}
	if err := h.service.RestoreRole(r.Context(), principal.UserID, roleID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rolePermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required"`
}

func (h *Handler) handleUpdateRolePermissions(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, shared.ErrBadRequest)
		return
	}
	var req rolePermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "permission_ids is required")
		return
	}
	if err := h.service.UpdateRolePermissions(r.Context(), principal.UserID, roleID, req.PermissionIDs); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	perms, err := h.service.ListPermissions(r.Context(), shared.NewPagination(page, perPage, 0))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

type assignRoleRequest struct {
	RoleID    int64      `json:"role_id" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.RespondError(w, shared.ErrBadRequest)
		return
	}
	var req assignRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "role_id is required")
		return
	}
	if err := h.service.AssignRoleToUser(r.Context(), principal.UserID, userID, req.RoleID, req.ExpiresAt); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.RespondError(w, shared.ErrBadRequest)
		return
	}
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, shared.ErrBadRequest)
		return
	}
	if err := h.service.RevokeRoleFromUser(r.Context(), principal.UserID, userID, roleID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkAssignRequest struct {
	UserIDs []int64 `json:"user_ids" validate:"required,min=1"`
}

func (h *Handler) handleBulkAssign(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, shared.ErrBadRequest)
		return
	}
	var req bulkAssignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "user_ids is required")
		return
	}
	assigned, err := h.service.BulkAssignRoles(r.Context(), principal.UserID, req.UserIDs, roleID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assigned": assigned})
}

type assignPermissionRequest struct {
	PermissionID int64      `json:"permission_id" validate:"required"`
	Condition    *string    `json:"condition"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

func (h *Handler) handleAssignPermission(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.RespondError(w, shared.ErrBadRequest)
		return
	}
	var req assignPermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "permission_id is required")
		return
	}
	if err := h.service.AssignPermissionToUser(r.Context(), principal.UserID, userID,
		req.PermissionID, req.Condition, req.ExpiresAt); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.RespondError(w, shared.ErrBadRequest)
		return
	}
	permissionID, err := pathID(r, "permissionID")
	if err != nil {
		httpx.RespondError(w, shared.ErrBadRequest)
		return
	}
	if err := h.service.RevokePermissionFromUser(r.Context(), principal.UserID, userID, permissionID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.RespondError(w, shared.ErrBadRequest)
		return
	}
	roles, err := h.service.GetUserRoles(r.Context(), userID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	perms, err := h.service.EffectivePermissions(r.Context(), principal.UserID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

type checkRequest struct {
	Resource           string `json:"resource" validate:"required"`
	Action             string `json:"action" validate:"required"`
	ResourceOwnerID    int64  `json:"resource_owner_id"`
	ResourceOrgID      int64  `json:"resource_org_id"`
	ResourceDepartment string `json:"resource_department"`
	Department         string `json:"department"`
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || h.validate.Struct(req) != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "resource and action are required")
		return
	}
	allowed, err := h.service.CheckPermissionWithContext(r.Context(), principal.UserID,
		req.Resource, req.Action, AccessContext{
			UserID:             principal.UserID,
			OrganizationID:     principal.OrganizationID,
			Department:         req.Department,
			ResourceOwnerID:    req.ResourceOwnerID,
			ResourceOrgID:      req.ResourceOrgID,
			ResourceDepartment: req.ResourceDepartment,
		})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
