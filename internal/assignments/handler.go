package assignments

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fleetops/authgate/internal/platform/httpx"
	"github.com/fleetops/authgate/internal/shared"
)

// Handler serves role assignment administration.
type Handler struct {
	service  *Service
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, validate: validator.New(), logger: logger}
}

type grantRequest struct {
	PrincipalID string     `json:"principal_id" validate:"required,uuid"`
	Role        string     `json:"role" validate:"required"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type grantResponse struct {
	ID          int64      `json:"id"`
	PrincipalID uuid.UUID  `json:"principal_id"`
	Role        string     `json:"role"`
	AssignedAt  time.Time  `json:"assigned_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Routes mounts the assignment endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.handleGrant)
	r.Delete("/{principalID}/{role}", h.handleRevoke)
	r.Post("/{principalID}/offboard", h.handleOffboard)
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	actor := shared.PrincipalFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req grantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	principalID, err := uuid.Parse(req.PrincipalID)
	if err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}

	assignment, err := h.service.Grant(r.Context(), actor.ID, principalID, req.Role, req.ExpiresAt)
	if err != nil {
		h.respondGrantError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grantResponse{
		ID:          assignment.ID,
		PrincipalID: assignment.PrincipalID,
		Role:        assignment.RoleName,
		AssignedAt:  assignment.AssignedAt,
		ExpiresAt:   assignment.ExpiresAt,
	})
}

func (h *Handler) respondGrantError(w http.ResponseWriter, err error) {
	var conflict *shared.SoDConflictError
	switch {
	case errors.As(err, &conflict):
		httpx.Problem(w, http.StatusConflict, "Separation Of Duties Conflict", conflict.Error())
	case errors.Is(err, ErrDuplicateGrant):
		httpx.RespondError(w, httpx.ErrDuplicate)
	case errors.Is(err, shared.ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	default:
		h.logger.Error("grant role", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	actor := shared.PrincipalFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	principalID, err := uuid.Parse(chi.URLParam(r, "principalID"))
	if err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	role := chi.URLParam(r, "role")

	if err := h.service.Revoke(r.Context(), actor.ID, principalID, role); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.RespondError(w, httpx.ErrNotFound)
			return
		}
		h.logger.Error("revoke role", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleOffboard(w http.ResponseWriter, r *http.Request) {
	actor := shared.PrincipalFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	principalID, err := uuid.Parse(chi.URLParam(r, "principalID"))
	if err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}

	count, err := h.service.Offboard(r.Context(), actor.ID, principalID)
	if err != nil {
		h.logger.Error("offboard principal", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"revoked": count})
}
