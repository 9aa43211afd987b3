package app

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/unrolled/secure"

	"github.com/fleetops/authgate/internal/observability"
	"github.com/fleetops/authgate/internal/shared"
)

// PrincipalHeader carries the authenticated request context from the
// upstream gateway as a JSON document. This service trusts it; the gateway
// strips the header from external traffic.
const PrincipalHeader = "X-Auth-Principal"

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
}

// MiddlewareStack installs the HTTP middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		FeaturePolicy:         "none",
		ContentSecurityPolicy: "default-src 'self'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
		httprate.Limit(120, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
		PrincipalContext(cfg.Logger),
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, func(next http.Handler) http.Handler {
			return cfg.Metrics.Middleware(next)
		})
	}
	return middlewares
}

// PrincipalContext parses the authenticated request context header into the
// principal and request metadata every downstream check consumes. A missing
// header leaves the context empty; handlers reject unauthenticated requests
// themselves.
func PrincipalContext(logger *slog.Logger) func(http.Handler) http.Handler {
	validate := validator.New()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.ContextWithRequestMeta(r.Context(), shared.RequestMeta{
				IP:        r.RemoteAddr,
				UserAgent: r.UserAgent(),
			})

			if raw := r.Header.Get(PrincipalHeader); raw != "" {
				var principal shared.Principal
				if err := json.Unmarshal([]byte(raw), &principal); err != nil {
					logger.Warn("malformed principal header", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
					return
				}
				if err := validate.Struct(principal); err != nil {
					logger.Warn("incomplete principal header", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
					return
				}
				ctx = shared.ContextWithPrincipal(ctx, &principal)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
