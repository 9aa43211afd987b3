package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/authgate/internal/assignments"
	"github.com/fleetops/authgate/internal/audit"
	"github.com/fleetops/authgate/internal/authz"
	"github.com/fleetops/authgate/internal/registry"
	_ "github.com/fleetops/authgate/testing"
)

type staticSource struct {
	roles map[uuid.UUID][]string
}

func (s staticSource) ActiveAssignments(ctx context.Context, principalID uuid.UUID, now time.Time) ([]assignments.RoleAssignment, error) {
	var out []assignments.RoleAssignment
	for i, role := range s.roles[principalID] {
		out = append(out, assignments.RoleAssignment{
			ID:          int64(i + 1),
			PrincipalID: principalID,
			RoleName:    role,
			IsActive:    true,
		})
	}
	return out, nil
}

type discardAuditor struct{}

func (discardAuditor) Record(ctx context.Context, entry audit.Entry) error { return nil }

func routerFixture(t *testing.T, roles map[uuid.UUID][]string) http.Handler {
	t.Helper()
	store := registry.NewStore()
	perm, err := registry.ParsePermission("vehicle:view:fleet")
	require.NoError(t, err)
	store.Publish(registry.SnapshotData{
		Roles: []registry.Role{
			{Name: "FleetAdmin", ScopeLevel: registry.ScopeFleet, Permissions: []registry.Permission{perm}},
		},
	})

	logger := slog.Default()
	service := authz.NewService(store, staticSource{roles: roles}, discardAuditor{}, logger, authz.Options{})
	return NewRouter(RouterParams{
		Logger:       logger,
		Config:       &Config{AppRequestTimeout: 5 * time.Second},
		AuthzHandler: authz.NewHandler(service, logger),
		Guard:        authz.Middleware{Service: service, Logger: logger},
	})
}

func TestRouterHealthz(t *testing.T) {
	router := routerFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouterCheckEndToEnd(t *testing.T) {
	principalID := uuid.New()
	tenantID := uuid.New()
	router := routerFixture(t, map[uuid.UUID][]string{principalID: {"FleetAdmin"}})

	body := `{"permission":"vehicle:view:fleet","resource":{"resourceType":"vehicle","resourceId":"v-100"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/authz/check", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(PrincipalHeader,
		`{"principalId":"`+principalID.String()+`","tenantId":"`+tenantID.String()+`"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Granted bool `json:"granted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Granted)
}

func TestRouterCheckRequiresPrincipal(t *testing.T) {
	router := routerFixture(t, nil)

	body := `{"permission":"vehicle:view:fleet"}`
	req := httptest.NewRequest(http.MethodPost, "/api/authz/check", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
