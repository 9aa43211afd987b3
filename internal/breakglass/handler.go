package breakglass

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

// Handler serves the elevation endpoints.
type Handler struct {
	service  *Service
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, validate: validator.New(), logger: logger}
}

type requestElevationRequest struct {
	Role            string `json:"role" validate:"required"`
	Reason          string `json:"reason" validate:"required"`
	TicketRef       string `json:"ticket_ref" validate:"required"`
	DurationMinutes int    `json:"duration_minutes" validate:"omitempty,min=1"`
}

type denyRequest struct {
	Note string `json:"note"`
}

type sessionResponse struct {
	ID            uuid.UUID  `json:"id"`
	PrincipalID   uuid.UUID  `json:"principal_id"`
	RequestedRole string     `json:"requested_role"`
	Status        Status     `json:"status"`
	RequestedAt   time.Time  `json:"requested_at"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
}

func toSessionResponse(s Session) sessionResponse {
	return sessionResponse{
		ID:            s.ID,
		PrincipalID:   s.PrincipalID,
		RequestedRole: s.RequestedRole,
		Status:        s.Status,
		RequestedAt:   s.RequestedAt,
		StartTime:     s.StartTime,
		EndTime:       s.EndTime,
	}
}

// Routes mounts the elevation endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.handleRequest)
	r.Get("/", h.handleList)
	r.Get("/{sessionID}", h.handleGet)
	r.Post("/{sessionID}/approve", h.handleApprove)
	r.Post("/{sessionID}/deny", h.handleDeny)
	r.Post("/{sessionID}/revoke", h.handleRevoke)
}

func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req requestElevationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}

	duration := time.Duration(req.DurationMinutes) * time.Minute
	session, err := h.service.RequestElevation(r.Context(), *principal, req.Role, req.Reason, req.TicketRef, duration)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toSessionResponse(session))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	sessions, err := h.service.Sessions(r.Context(), principal.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	session, err := h.service.Session(r.Context(), *principal, sessionID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleDecision(w, r, func(actor shared.Principal, sessionID uuid.UUID) (Session, error) {
		return h.service.Approve(r.Context(), actor, sessionID)
	})
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	var req denyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	h.handleDecision(w, r, func(actor shared.Principal, sessionID uuid.UUID) (Session, error) {
		return h.service.Deny(r.Context(), actor, sessionID, req.Note)
	})
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	h.handleDecision(w, r, func(actor shared.Principal, sessionID uuid.UUID) (Session, error) {
		return h.service.Revoke(r.Context(), actor, sessionID)
	})
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request, transition func(shared.Principal, uuid.UUID) (Session, error)) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}

	session, err := transition(*principal, sessionID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, shared.ErrNotEligibleForElevation):
		httpx.Problem(w, http.StatusForbidden, "Not Eligible", "principal is not eligible for elevation to this role")
	case errors.Is(err, shared.ErrSelfApprovalViolation):
		httpx.Problem(w, http.StatusConflict, "Self Approval", "requester cannot decide their own session")
	case errors.Is(err, shared.ErrElevationAlreadyTerminal):
		httpx.Problem(w, http.StatusConflict, "Session Settled", "session already left the required state")
	case errors.Is(err, shared.ErrSoDConflict):
		httpx.Problem(w, http.StatusConflict, "Separation Of Duties Conflict", err.Error())
	case errors.Is(err, shared.ErrAuthorizationDenied):
		httpx.RespondError(w, httpx.ErrForbidden)
	default:
		h.logger.Error("breakglass request", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
