package session

import (
	"net/http"
	"strings"

	"github.com/ledgerlane/ledgerlane-auth/internal/platform/httpx"
	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

// RequireSession authenticates the bearer access token and stores the
// resulting principal in the request context.
func RequireSession(service *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				httpx.RespondError(w, shared.ErrUnauthorized)
				return
			}
			sess, err := service.ValidateAccessToken(r.Context(), raw)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			principal := &shared.Principal{
				UserID:         sess.UserID,
				SessionID:      sess.ID,
				OrganizationID: sess.OrganizationID,
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
