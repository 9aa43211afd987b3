package authz

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fleetops/authgate/internal/platform/httpx"
	"github.com/fleetops/authgate/internal/shared"
)

// Handler serves the permission check endpoint.
type Handler struct {
	service  *Service
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, validate: validator.New(), logger: logger}
}

type checkRequest struct {
	Permission string                 `json:"permission" validate:"required"`
	Resource   shared.ResourceContext `json:"resource"`
}

type checkResponse struct {
	Granted bool `json:"granted"`
}

// Routes mounts the check endpoint.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/check", h.handleCheck)
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}

	decision, err := h.service.Evaluate(r.Context(), *principal, req.Permission, req.Resource)
	switch {
	case err == nil:
	case errors.Is(err, shared.ErrInvalidPermissionFormat):
		// Configuration or programming error, not a deny.
		httpx.Problem(w, http.StatusInternalServerError, "Invalid Permission", "permission name is malformed")
		return
	case errors.Is(err, shared.ErrRegistryUnavailable):
		httpx.Problem(w, http.StatusServiceUnavailable, "Registry Unavailable", "")
		return
	case errors.Is(err, shared.ErrAuditWriteFailure):
		// Fail closed; the caller sees an ordinary deny.
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	default:
		h.logger.Error("authz check", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	if !decision.Granted {
		// No reason detail leaves the engine; see the audit trail.
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	httpx.JSON(w, http.StatusOK, checkResponse{Granted: true})
}
