// Package audithttp exposes the read-only compliance query surface. There is
// deliberately no write endpoint: audit entries only enter through the
// recorder.
package audithttp

import (
	"encoding/csv"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fleetops/authgate/internal/audit"
	"github.com/fleetops/authgate/internal/platform/httpx"
)

// Handler serves audit queries and compliance export.
type Handler struct {
	service *audit.QueryService
	logger  *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(service *audit.QueryService, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the audit endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.handleQuery)
	r.Get("/export", h.handleExport)
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	result, err := h.service.Query(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit query", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, queryResponse{
		Rows:   toRows(result.Rows),
		Paging: result.Paging,
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	cw := csv.NewWriter(w)
	headerWritten := false
	writeHeader := func() error {
		if headerWritten {
			return nil
		}
		headerWritten = true
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="permission_check_logs.csv"`)
		return cw.Write([]string{"id", "principal_id", "tenant_id", "permission", "resource_id", "granted", "reason", "matched_permission", "ip", "user_agent", "occurred_at"})
	}

	// Rows stream to the response as they are read; the trail is never held
	// in memory whole.
	err = h.service.Export(r.Context(), filters, func(e audit.Entry) error {
		if err := writeHeader(); err != nil {
			return err
		}
		return cw.Write([]string{
			e.ID.String(),
			e.PrincipalID.String(),
			e.TenantID.String(),
			e.Permission,
			e.ResourceID,
			strconv.FormatBool(e.Granted),
			e.Reason,
			e.Matched,
			e.IP,
			e.UserAgent,
			e.At.Format(time.RFC3339),
		})
	})
	if err != nil {
		h.logger.Error("audit export", slog.Any("error", err))
		if !headerWritten {
			httpx.RespondError(w, err)
		}
		// Once streaming has begun the truncated file is the only signal.
		return
	}
	if err := writeHeader(); err != nil {
		h.logger.Error("audit export write", slog.Any("error", err))
		return
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Error("audit export write", slog.Any("error", err))
	}
}

type queryResponse struct {
	Rows   []entryRow       `json:"rows"`
	Paging audit.PagingInfo `json:"paging"`
}

type entryRow struct {
	ID          uuid.UUID `json:"id"`
	PrincipalID uuid.UUID `json:"principal_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	Permission  string    `json:"permission"`
	ResourceID  string    `json:"resource_id,omitempty"`
	Granted     bool      `json:"granted"`
	Reason      string    `json:"reason"`
	Matched     string    `json:"matched_permission,omitempty"`
	IP          string    `json:"ip,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	At          time.Time `json:"occurred_at"`
}

func toRows(entries []audit.Entry) []entryRow {
	out := make([]entryRow, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryRow{
			ID:          e.ID,
			PrincipalID: e.PrincipalID,
			TenantID:    e.TenantID,
			Permission:  e.Permission,
			ResourceID:  e.ResourceID,
			Granted:     e.Granted,
			Reason:      e.Reason,
			Matched:     e.Matched,
			IP:          e.IP,
			UserAgent:   e.UserAgent,
			At:          e.At,
		})
	}
	return out
}

func parseFilters(r *http.Request) (audit.Filters, error) {
	q := r.URL.Query()
	var filters audit.Filters

	if raw := q.Get("principal_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return audit.Filters{}, err
		}
		filters.PrincipalID = &id
	}
	filters.Permission = q.Get("permission")
	if raw := q.Get("granted"); raw != "" {
		granted, err := strconv.ParseBool(raw)
		if err != nil {
			return audit.Filters{}, err
		}
		filters.Granted = &granted
	}
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filters{}, err
		}
		filters.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filters{}, err
		}
		filters.To = to
	}
	if raw := q.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			return audit.Filters{}, err
		}
		filters.Page = page
	}
	if raw := q.Get("page_size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return audit.Filters{}, err
		}
		filters.PageSize = size
	}
	return filters, nil
}
