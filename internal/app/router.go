package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/fleetops/authgate/internal/assignments"
	audithttp "github.com/fleetops/authgate/internal/audit/http"
	"github.com/fleetops/authgate/internal/authz"
	"github.com/fleetops/authgate/internal/breakglass"
	"github.com/fleetops/authgate/internal/observability"
	"github.com/fleetops/authgate/internal/registry"
	"github.com/fleetops/authgate/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	AuthzHandler       *authz.Handler
	AssignmentsHandler *assignments.Handler
	BreakGlassHandler  *breakglass.Handler
	AuditHandler       *audithttp.Handler
	RegistryHandler    *registry.Handler
	JobHandler         *jobs.Handler
	Guard              authz.Middleware
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/authz", params.AuthzHandler.Routes)

		if params.AssignmentsHandler != nil {
			r.Route("/assignments", func(r chi.Router) {
				r.Use(params.Guard.RequirePermission("role:assign:fleet"))
				params.AssignmentsHandler.Routes(r)
			})
		}
		if params.BreakGlassHandler != nil {
			r.Route("/breakglass", params.BreakGlassHandler.Routes)
		}
		if params.AuditHandler != nil {
			r.Route("/audit", func(r chi.Router) {
				r.Use(params.Guard.RequirePermission("audit_log:view:global"))
				// Audit reads walk history; keep them far rarer than checks.
				r.Use(httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
				params.AuditHandler.Routes(r)
			})
		}
		if params.RegistryHandler != nil {
			r.Route("/registry", func(r chi.Router) {
				r.Use(params.Guard.RequirePermission("role:update:global"))
				params.RegistryHandler.Routes(r)
			})
		}
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
