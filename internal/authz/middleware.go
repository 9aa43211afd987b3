package authz

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/fleetops/authgate/internal/shared"
)

// Middleware guards HTTP routes with permission checks. Denials are opaque
// 403s; the audit trail carries the detail.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequirePermission ensures the request's principal holds the permission.
func (m Middleware) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if principal == nil {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			decision, err := m.Service.Evaluate(r.Context(), *principal, permission, shared.ResourceContext{})
			if err != nil && !errors.Is(err, shared.ErrAuthorizationDenied) {
				if m.Logger != nil {
					m.Logger.Error("route guard evaluation", slog.String("permission", permission), slog.Any("error", err))
				}
				if errors.Is(err, shared.ErrInvalidPermissionFormat) {
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			if !decision.Granted {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
