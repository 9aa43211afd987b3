package registry

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type stubConfigSource struct {
	roles       []RoleRow
	permissions []PermissionRow
	sodRules    []SoDRuleRow
	maskRules   []MaskRuleRow
	ownerFields []OwnerFieldRow
	eligibility []EligibilityRow
}

func (s *stubConfigSource) Roles(ctx context.Context) ([]RoleRow, error) { return s.roles, nil }
func (s *stubConfigSource) Permissions(ctx context.Context) ([]PermissionRow, error) {
	return s.permissions, nil
}
func (s *stubConfigSource) SoDRules(ctx context.Context) ([]SoDRuleRow, error) {
	return s.sodRules, nil
}
func (s *stubConfigSource) MaskRules(ctx context.Context) ([]MaskRuleRow, error) {
	return s.maskRules, nil
}
func (s *stubConfigSource) OwnerFields(ctx context.Context) ([]OwnerFieldRow, error) {
	return s.ownerFields, nil
}
func (s *stubConfigSource) Eligibility(ctx context.Context) ([]EligibilityRow, error) {
	return s.eligibility, nil
}

func validSource() *stubConfigSource {
	return &stubConfigSource{
		roles: []RoleRow{
			{Name: "Driver", ScopeLevel: "own", MaxDatasetSize: 100},
			{Name: "FleetAdmin", ScopeLevel: "fleet", MaxDatasetSize: 1000, AllowsJITElevation: true},
		},
		permissions: []PermissionRow{
			{RoleName: "Driver", Permission: "vehicle:view:own"},
			{RoleName: "FleetAdmin", Permission: "work_order:approve:fleet"},
		},
		sodRules: []SoDRuleRow{{RoleA: "Driver", RoleB: "FleetAdmin"}},
		maskRules: []MaskRuleRow{
			{ResourceType: "driver_record", FieldName: "ssn", Classification: "pii", Strategy: "partial-mask", Pattern: "***-**-{last4}", AllowedRoles: []string{"FleetAdmin"}},
		},
		ownerFields: []OwnerFieldRow{{ResourceType: "work_order", OwnerField: "assigned_technician_id"}},
		eligibility: []EligibilityRow{{RoleName: "FleetAdmin", PrincipalID: uuid.New()}},
	}
}

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestLoaderPublishesSnapshot(t *testing.T) {
	store := NewStore()
	loader := NewLoader(validSource(), store, testLogger())

	version, err := loader.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), version)

	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	role, ok := snap.Role("FleetAdmin")
	require.True(t, ok)
	require.True(t, role.AllowsJITElevation)
	require.Len(t, role.Permissions, 1)

	field, ok := snap.OwnerField("work_order")
	require.True(t, ok)
	require.Equal(t, "assigned_technician_id", field)

	rules := snap.MaskRules("driver_record")
	require.Len(t, rules, 1)
	require.Equal(t, MaskPartial, rules[0].Strategy)
}

func TestLoaderRejectsMalformedPermission(t *testing.T) {
	source := validSource()
	source.permissions = append(source.permissions, PermissionRow{RoleName: "Driver", Permission: "vehicle-view-own"})
	store := NewStore()
	loader := NewLoader(source, store, testLogger())

	_, err := loader.Load(context.Background())
	require.Error(t, err)
	// A failed load leaves the store untouched.
	require.Equal(t, int64(0), store.Version())
}

func TestLoaderRejectsUnknownRoleReferences(t *testing.T) {
	source := validSource()
	source.sodRules = []SoDRuleRow{{RoleA: "Driver", RoleB: "Ghost"}}
	loader := NewLoader(source, NewStore(), testLogger())
	_, err := loader.Load(context.Background())
	require.Error(t, err)
}

func TestLoaderRejectsBadMaskPattern(t *testing.T) {
	source := validSource()
	source.maskRules[0].Pattern = "{middle4}"
	loader := NewLoader(source, NewStore(), testLogger())
	_, err := loader.Load(context.Background())
	require.Error(t, err)
}

func TestLoaderKeepsPriorSnapshotOnFailure(t *testing.T) {
	store := NewStore()
	loader := NewLoader(validSource(), store, testLogger())
	_, err := loader.Load(context.Background())
	require.NoError(t, err)

	bad := validSource()
	bad.roles[0].ScopeLevel = "galaxy"
	badLoader := NewLoader(bad, store, testLogger())
	_, err = badLoader.Load(context.Background())
	require.Error(t, err)

	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.Version)
}
