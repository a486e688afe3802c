package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerlane/ledgerlane-auth/internal/audit"
	"github.com/ledgerlane/ledgerlane-auth/internal/auth"
	"github.com/ledgerlane/ledgerlane-auth/internal/mfa"
	"github.com/ledgerlane/ledgerlane-auth/internal/observability"
	"github.com/ledgerlane/ledgerlane-auth/internal/rbac"
	"github.com/ledgerlane/ledgerlane-auth/internal/session"
	"github.com/ledgerlane/ledgerlane-auth/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	AuthHandler    *auth.Handler
	SessionHandler *session.Handler
	SessionService *session.Service
	MFAHandler     *mfa.Handler
	RBACHandler    *rbac.Handler
	RBACService    *rbac.Service
	AuditHandler   *audit.Handler
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with the default middleware chain.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	requireSession := session.RequireSession(params.SessionService)

	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(LoginRateLimit())
			params.AuthHandler.MountRoutes(r)
		})
		r.Route("/mfa", func(r chi.Router) {
			params.MFAHandler.MountChallengeRoutes(r)
			r.Group(func(r chi.Router) {
				r.Use(requireSession)
				params.MFAHandler.MountRoutes(r)
			})
		})
	})

	r.Route("/sessions", func(r chi.Router) {
		params.SessionHandler.MountPublicRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(requireSession)
			params.SessionHandler.MountRoutes(r)
		})
	})

	r.Route("/rbac", func(r chi.Router) {
		r.Use(requireSession)
		params.RBACHandler.MountRoutes(r)
	})

	if params.AuditHandler != nil {
		r.Route("/audit", func(r chi.Router) {
			r.Use(requireSession)
			r.Use(rbac.RequirePermission(params.RBACService, "audit", "read"))
			params.AuditHandler.MountRoutes(r)
		})
	}

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
