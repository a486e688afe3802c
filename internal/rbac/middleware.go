package rbac

import (
	"net/http"

	"github.com/ledgerlane/ledgerlane-auth/internal/platform/httpx"
	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

// RequirePermission guards a route behind a permission check. It assumes the
// session middleware already placed a principal in the context.
func RequirePermission(service *Service, resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if principal == nil {
				httpx.RespondError(w, shared.ErrUnauthorized)
				return
			}
			allowed, err := service.CheckPermission(r.Context(), principal.UserID, resource, action)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			if !allowed {
				httpx.RespondError(w, shared.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
