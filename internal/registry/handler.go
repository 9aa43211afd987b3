package registry

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fleetops/authgate/internal/platform/httpx"
)

// Handler exposes registry inspection, configuration writes, and hot reload.
type Handler struct {
	loader   *Loader
	store    *Store
	admin    *AdminRepository
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler constructs a Handler. admin may be nil for read-only surfaces.
func NewHandler(loader *Loader, store *Store, admin *AdminRepository, logger *slog.Logger) *Handler {
	return &Handler{loader: loader, store: store, admin: admin, validate: validator.New(), logger: logger}
}

// Routes mounts the registry admin endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.handleInspect)
	r.Post("/reload", h.handleReload)
	if h.admin != nil {
		r.Put("/roles/{name}", h.handleUpsertRole)
		r.Delete("/roles/{name}", h.handleDeleteRole)
		r.Post("/sod-rules", h.handlePutSoDRule)
		r.Delete("/sod-rules", h.handleDeleteSoDRule)
		r.Put("/mask-rules", h.handleUpsertMaskRule)
		r.Delete("/mask-rules", h.handleDeleteMaskRule)
	}
}

type inspectResponse struct {
	Version  int64     `json:"version"`
	LoadedAt time.Time `json:"loaded_at"`
	Roles    []string  `json:"roles"`
}

func (h *Handler) handleInspect(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.Snapshot(r.Context())
	if err != nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Registry Unavailable", "no configuration snapshot published")
		return
	}
	httpx.JSON(w, http.StatusOK, inspectResponse{
		Version:  snap.Version,
		LoadedAt: snap.LoadedAt,
		Roles:    snap.RoleNames(),
	})
}

type reloadResponse struct {
	Version int64 `json:"version"`
}

// handleReload validates and publishes a fresh snapshot. On any validation
// failure the previous snapshot stays live.
func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	version, err := h.loader.Load(r.Context())
	if err != nil {
		h.logger.Error("registry reload rejected", slog.Any("error", err))
		httpx.Problem(w, http.StatusUnprocessableEntity, "Reload Rejected", "configuration failed validation, previous snapshot kept")
		return
	}
	httpx.JSON(w, http.StatusOK, reloadResponse{Version: version})
}

type roleRequest struct {
	ScopeLevel         string   `json:"scope_level" validate:"required,oneof=own team fleet global"`
	MFARequired        bool     `json:"mfa_required"`
	MaxDatasetSize     int      `json:"max_dataset_size" validate:"gte=0"`
	AllowsJITElevation bool     `json:"allows_jit_elevation"`
	Permissions        []string `json:"permissions" validate:"dive,required"`
}

func (h *Handler) handleUpsertRole(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req roleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	for _, perm := range req.Permissions {
		if _, err := ParsePermission(perm); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed permission "+perm)
			return
		}
	}
	err := h.admin.UpsertRole(r.Context(), RoleRow{
		Name:               name,
		ScopeLevel:         req.ScopeLevel,
		MFARequired:        req.MFARequired,
		MaxDatasetSize:     req.MaxDatasetSize,
		AllowsJITElevation: req.AllowsJITElevation,
	}, req.Permissions)
	if err != nil {
		h.logger.Error("upsert role", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.publish(w, r)
}

func (h *Handler) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.admin.DeleteRole(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.logger.Error("delete role", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if !deleted {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	h.publish(w, r)
}

type sodRuleRequest struct {
	RoleA string `json:"role_a" validate:"required"`
	RoleB string `json:"role_b" validate:"required,nefield=RoleA"`
}

func (h *Handler) handlePutSoDRule(w http.ResponseWriter, r *http.Request) {
	var req sodRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.admin.PutSoDRule(r.Context(), SoDRuleRow{RoleA: req.RoleA, RoleB: req.RoleB}); err != nil {
		h.logger.Error("put sod rule", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.publish(w, r)
}

func (h *Handler) handleDeleteSoDRule(w http.ResponseWriter, r *http.Request) {
	var req sodRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	deleted, err := h.admin.DeleteSoDRule(r.Context(), SoDRuleRow{RoleA: req.RoleA, RoleB: req.RoleB})
	if err != nil {
		h.logger.Error("delete sod rule", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if !deleted {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	h.publish(w, r)
}

type maskRuleRequest struct {
	ResourceType   string   `json:"resource_type" validate:"required"`
	FieldName      string   `json:"field_name" validate:"required"`
	Classification string   `json:"classification"`
	Strategy       string   `json:"strategy" validate:"required,oneof=remove full-hide partial-mask"`
	Pattern        string   `json:"pattern"`
	AllowedRoles   []string `json:"allowed_roles"`
}

func (h *Handler) handleUpsertMaskRule(w http.ResponseWriter, r *http.Request) {
	var req maskRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.admin.UpsertMaskRule(r.Context(), MaskRuleRow{
		ResourceType:   req.ResourceType,
		FieldName:      req.FieldName,
		Classification: req.Classification,
		Strategy:       req.Strategy,
		Pattern:        req.Pattern,
		AllowedRoles:   req.AllowedRoles,
	})
	if err != nil {
		h.logger.Error("upsert mask rule", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.publish(w, r)
}

func (h *Handler) handleDeleteMaskRule(w http.ResponseWriter, r *http.Request) {
	var req maskRuleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || req.ResourceType == "" || req.FieldName == "" {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	deleted, err := h.admin.DeleteMaskRule(r.Context(), req.ResourceType, req.FieldName)
	if err != nil {
		h.logger.Error("delete mask rule", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if !deleted {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	h.publish(w, r)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return false
	}
	return true
}

// publish reloads after a configuration write. A rejected reload leaves the
// write in place but keeps the prior snapshot live; the response surfaces
// the rejection so the operator can correct or revert.
func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	version, err := h.loader.Load(r.Context())
	if err != nil {
		h.logger.Error("post-write reload rejected", slog.Any("error", err))
		httpx.Problem(w, http.StatusUnprocessableEntity, "Config Rejected", "write stored but failed validation, previous snapshot kept")
		return
	}
	httpx.JSON(w, http.StatusOK, reloadResponse{Version: version})
}
