package authz

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/authgate/internal/assignments"
	"github.com/fleetops/authgate/internal/audit"
	"github.com/fleetops/authgate/internal/registry"
	"github.com/fleetops/authgate/internal/shared"
	"github.com/fleetops/authgate/internal/sod"
)

type memorySource struct {
	byPrincipal map[uuid.UUID][]assignments.RoleAssignment
	err         error
	calls       int
}

func (m *memorySource) ActiveAssignments(ctx context.Context, principalID uuid.UUID, now time.Time) ([]assignments.RoleAssignment, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var active []assignments.RoleAssignment
	for _, a := range m.byPrincipal[principalID] {
		if a.Usable(now) {
			active = append(active, a)
		}
	}
	return active, nil
}

type memoryAuditor struct {
	entries []audit.Entry
	err     error
}

func (m *memoryAuditor) Record(ctx context.Context, entry audit.Entry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func mustPerm(t *testing.T, name string) registry.Permission {
	t.Helper()
	perm, err := registry.ParsePermission(name)
	require.NoError(t, err)
	return perm
}

func evaluatorStore(t *testing.T) *registry.Store {
	t.Helper()
	store := registry.NewStore()
	store.Publish(registry.SnapshotData{
		Roles: []registry.Role{
			{Name: "Driver", ScopeLevel: registry.ScopeOwn, Permissions: []registry.Permission{
				mustPerm(t, "vehicle:view:own"),
				mustPerm(t, "work_order:view:own"),
				mustPerm(t, "fuel_log:create:own"),
			}},
			{Name: "Manager", ScopeLevel: registry.ScopeFleet, Permissions: []registry.Permission{
				mustPerm(t, "work_order:view:fleet"),
				mustPerm(t, "work_order:approve:fleet"),
			}},
			{Name: "SecurityAdmin", ScopeLevel: registry.ScopeFleet, MFARequired: true, Permissions: []registry.Permission{
				mustPerm(t, "role:assign:fleet"),
			}},
			{Name: "SuperAdmin", ScopeLevel: registry.ScopeGlobal, Permissions: []registry.Permission{
				mustPerm(t, "*:*:global"),
			}},
		},
	})
	return store
}

func grant(principal uuid.UUID, role string) assignments.RoleAssignment {
	return assignments.RoleAssignment{
		PrincipalID: principal,
		RoleName:    role,
		AssignedAt:  time.Now().Add(-time.Hour),
		IsActive:    true,
	}
}

func newEvaluator(t *testing.T, source AssignmentSource, auditor Auditor) *Service {
	t.Helper()
	return NewService(evaluatorStore(t), source, auditor, slog.Default(), Options{})
}

type stubRoles struct{}

func (stubRoles) ActiveRoleNames(ctx context.Context, principalID uuid.UUID) ([]string, error) {
	return nil, nil
}

type stubMarks struct {
	marks map[string]string
}

func newStubMarks() *stubMarks {
	return &stubMarks{marks: make(map[string]string)}
}

func (m *stubMarks) Mark(ctx context.Context, principalID uuid.UUID, resourceID, reason string) error {
	m.marks[principalID.String()+"/"+resourceID] = reason
	return nil
}

func (m *stubMarks) Find(ctx context.Context, principalID uuid.UUID, resourceID string) (string, bool, error) {
	reason, ok := m.marks[principalID.String()+"/"+resourceID]
	return reason, ok, nil
}

// newGuardedEvaluator wires a real sod.Validator into the evaluator, the way
// the binaries do.
func newGuardedEvaluator(t *testing.T, source AssignmentSource, auditor Auditor) *Service {
	t.Helper()
	store := evaluatorStore(t)
	guard := sod.NewValidator(store, stubRoles{}, newStubMarks(), auditor, slog.Default())
	return NewService(store, source, auditor, slog.Default(), Options{Approvals: guard})
}

func managerSource(principalID uuid.UUID) *memorySource {
	return &memorySource{byPrincipal: map[uuid.UUID][]assignments.RoleAssignment{
		principalID: {grant(principalID, "Manager")},
	}}
}

func TestEvaluateGrantsDirectMatch(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	source := &memorySource{byPrincipal: map[uuid.UUID][]assignments.RoleAssignment{
		principal.ID: {grant(principal.ID, "Driver")},
	}}
	auditor := &memoryAuditor{}
	svc := newEvaluator(t, source, auditor)

	decision, err := svc.Evaluate(context.Background(), principal, "vehicle:view:own", shared.ResourceContext{})
	require.NoError(t, err)
	require.True(t, decision.Granted)
	require.Equal(t, ReasonMatched, decision.Reason)
	require.Equal(t, "vehicle:view:own", decision.MatchedPermission)
}

// Scenario: role Driver (scope=own) requesting work_order:view:team is
// denied with NO_MATCHING_PERMISSION, not a scope widening.
func TestEvaluateDeniesNarrowerScope(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	source := &memorySource{byPrincipal: map[uuid.UUID][]assignments.RoleAssignment{
		principal.ID: {grant(principal.ID, "Driver")},
	}}
	auditor := &memoryAuditor{}
	svc := newEvaluator(t, source, auditor)

	decision, err := svc.Evaluate(context.Background(), principal, "work_order:view:team", shared.ResourceContext{})
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, ReasonNoMatch, decision.Reason)
}

func TestEvaluateGrantsBroaderScope(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	source := &memorySource{byPrincipal: map[uuid.UUID][]assignments.RoleAssignment{
		principal.ID: {grant(principal.ID, "Manager")},
	}}
	svc := newEvaluator(t, source, &memoryAuditor{})

	decision, err := svc.Evaluate(context.Background(), principal, "work_order:view:own", shared.ResourceContext{})
	require.NoError(t, err)
	require.True(t, decision.Granted)
	require.Equal(t, "work_order:view:fleet", decision.MatchedPermission)
}

func TestEvaluateWildcardGrantsEverything(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	source := &memorySource{byPrincipal: map[uuid.UUID][]assignments.RoleAssignment{
		principal.ID: {grant(principal.ID, "SuperAdmin")},
	}}
	svc := newEvaluator(t, source, &memoryAuditor{})

	for _, name := range []string{"vehicle:delete:global", "purchase_order:approve:fleet", "fuel_log:view:own"} {
		decision, err := svc.Evaluate(context.Background(), principal, name, shared.ResourceContext{})
		require.NoError(t, err)
		require.True(t, decision.Granted, "permission %s", name)
	}
}

func TestEvaluateDeniesWithoutActiveRoles(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	source := &memorySource{byPrincipal: map[uuid.UUID][]assignments.RoleAssignment{}}
	svc := newEvaluator(t, source, &memoryAuditor{})

	decision, err := svc.Evaluate(context.Background(), principal, "vehicle:view:own", shared.ResourceContext{})
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, ReasonNoActiveRoles, decision.Reason)
}

func TestEvaluateIgnoresExpiredAssignments(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	expired := grant(principal.ID, "Manager")
	past := time.Now().Add(-time.Minute)
	expired.ExpiresAt = &past
	source := &memorySource{byPrincipal: map[uuid.UUID][]assignments.RoleAssignment{
		principal.ID: {expired},
	}}
	svc := newEvaluator(t, source, &memoryAuditor{})

	decision, err := svc.Evaluate(context.Background(), principal, "work_order:view:own", shared.ResourceContext{})
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, ReasonNoActiveRoles, decision.Reason)
}

func TestEvaluateMFAGate(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	source := &memorySource{byPrincipal: map[uuid.UUID][]assignments.RoleAssignment{
		principal.ID: {grant(principal.ID, "SecurityAdmin")},
	}}
	svc := newEvaluator(t, source, &memoryAuditor{})

	decision, err := svc.Evaluate(context.Background(), principal, "role:assign:fleet", shared.ResourceContext{})
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, ReasonMFARequired, decision.Reason)

	principal.MFAVerified = true
	decision, err = svc.Evaluate(context.Background(), principal, "role:assign:fleet", shared.ResourceContext{})
	require.NoError(t, err)
	require.True(t, decision.Granted)
}

// Scenario: a manager holding work_order:approve:fleet approves a work order
// they created. The permission matches but the approval rules deny it, and
// the denial is the audited decision.
func TestEvaluateDeniesApprovalOfOwnResource(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New(), ApprovalLimit: 100_000_00}
	auditor := &memoryAuditor{}
	svc := newGuardedEvaluator(t, managerSource(principal.ID), auditor)

	resource := shared.ResourceContext{Type: "work_order", ID: "wo-41", CreatedBy: principal.ID, AmountCents: 10_000_00}
	decision, err := svc.Evaluate(context.Background(), principal, "work_order:approve:fleet", resource)
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, sod.ReasonSelfApproval, decision.Reason)
	require.Len(t, auditor.entries, 1)
	require.False(t, auditor.entries[0].Granted)
	require.Equal(t, sod.ReasonSelfApproval, auditor.entries[0].Reason)
}

// Scenario: approvalLimit=50000 approving a 75000 work order created by
// someone else is denied despite the matching permission.
func TestEvaluateDeniesApprovalOverLimit(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New(), ApprovalLimit: 50_000_00}
	auditor := &memoryAuditor{}
	svc := newGuardedEvaluator(t, managerSource(principal.ID), auditor)

	resource := shared.ResourceContext{Type: "work_order", ID: "wo-42", CreatedBy: uuid.New(), AmountCents: 75_000_00}
	decision, err := svc.Evaluate(context.Background(), principal, "work_order:approve:fleet", resource)
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, sod.ReasonApprovalLimit, decision.Reason)
	require.Len(t, auditor.entries, 1)
	require.Equal(t, sod.ReasonApprovalLimit, auditor.entries[0].Reason)
}

func TestEvaluateGrantsApprovalWithinLimit(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New(), ApprovalLimit: 50_000_00}
	auditor := &memoryAuditor{}
	svc := newGuardedEvaluator(t, managerSource(principal.ID), auditor)

	resource := shared.ResourceContext{Type: "work_order", ID: "wo-43", CreatedBy: uuid.New(), AmountCents: 25_000_00}
	decision, err := svc.Evaluate(context.Background(), principal, "work_order:approve:fleet", resource)
	require.NoError(t, err)
	require.True(t, decision.Granted)
	require.Equal(t, ReasonMatched, decision.Reason)
	require.Len(t, auditor.entries, 1)
	require.True(t, auditor.entries[0].Granted)
}

// An approval denial stays denied for the same actor and resource instance
// even after their limit is raised.
func TestEvaluateApprovalDenialSticky(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New(), ApprovalLimit: 50_000_00}
	svc := newGuardedEvaluator(t, managerSource(principal.ID), &memoryAuditor{})

	resource := shared.ResourceContext{Type: "work_order", ID: "wo-44", CreatedBy: uuid.New(), AmountCents: 75_000_00}
	decision, err := svc.Evaluate(context.Background(), principal, "work_order:approve:fleet", resource)
	require.NoError(t, err)
	require.False(t, decision.Granted)

	principal.ApprovalLimit = 100_000_00
	decision, err = svc.Evaluate(context.Background(), principal, "work_order:approve:fleet", resource)
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, sod.ReasonApprovalLimit, decision.Reason)
}

// The approval rules apply only to approve-verb checks; viewing a resource
// the principal created stays granted.
func TestEvaluateApprovalRulesSkipOtherVerbs(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	svc := newGuardedEvaluator(t, managerSource(principal.ID), &memoryAuditor{})

	resource := shared.ResourceContext{Type: "work_order", ID: "wo-45", CreatedBy: principal.ID}
	decision, err := svc.Evaluate(context.Background(), principal, "work_order:view:fleet", resource)
	require.NoError(t, err)
	require.True(t, decision.Granted)
}

func TestEvaluateMalformedPermission(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	auditor := &memoryAuditor{}
	svc := newEvaluator(t, &memorySource{}, auditor)

	decision, err := svc.Evaluate(context.Background(), principal, "not-a-permission", shared.ResourceContext{})
	require.ErrorIs(t, err, shared.ErrInvalidPermissionFormat)
	require.False(t, decision.Granted)
	// The malformed call still produced its audit entry.
	require.Len(t, auditor.entries, 1)
	require.Equal(t, ReasonInvalidFormat, auditor.entries[0].Reason)
}

type memorySink struct {
	entries []audit.Entry
}

func (s *memorySink) Insert(ctx context.Context, entry audit.Entry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memorySink) LastChecksum(ctx context.Context) ([]byte, error) {
	if len(s.entries) == 0 {
		return nil, nil
	}
	return s.entries[len(s.entries)-1].Checksum, nil
}

// A blank permission name still leaves its audit entry, recorded under a
// placeholder name. The recorder requires a permission, and without the
// placeholder the entry would be dropped and the call misreported as an
// audit write failure.
func TestEvaluateBlankPermissionStillAudited(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	sink := &memorySink{}
	recorder, err := audit.NewRecorder(context.Background(), sink, slog.Default())
	require.NoError(t, err)
	svc := NewService(evaluatorStore(t), &memorySource{}, recorder, slog.Default(), Options{})

	decision, err := svc.Evaluate(context.Background(), principal, "", shared.ResourceContext{ID: "wo-9"})
	require.ErrorIs(t, err, shared.ErrInvalidPermissionFormat)
	require.NotErrorIs(t, err, shared.ErrAuditWriteFailure)
	require.False(t, decision.Granted)
	require.Equal(t, ReasonInvalidFormat, decision.Reason)
	require.Len(t, sink.entries, 1)
	require.Equal(t, "<malformed>", sink.entries[0].Permission)
	require.Equal(t, ReasonInvalidFormat, sink.entries[0].Reason)
}

func TestEvaluateFailsClosedWithoutRegistry(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	auditor := &memoryAuditor{}
	svc := NewService(registry.NewStore(), &memorySource{}, auditor, slog.Default(), Options{})

	decision, err := svc.Evaluate(context.Background(), principal, "vehicle:view:own", shared.ResourceContext{})
	require.ErrorIs(t, err, shared.ErrRegistryUnavailable)
	require.False(t, decision.Granted)
	require.Len(t, auditor.entries, 1)
	require.Equal(t, ReasonRegistryUnavailable, auditor.entries[0].Reason)
}

func TestEvaluateFailsClosedOnResolutionError(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	source := &memorySource{err: errors.New("connection refused")}
	auditor := &memoryAuditor{}
	svc := newEvaluator(t, source, auditor)

	decision, err := svc.Evaluate(context.Background(), principal, "vehicle:view:own", shared.ResourceContext{})
	require.Error(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, ReasonResolutionFailed, auditor.entries[0].Reason)
}

// Audit fail-closed: a passing check whose audit write fails is denied.
func TestEvaluateAuditFailureConvertsGrantToDeny(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	source := &memorySource{byPrincipal: map[uuid.UUID][]assignments.RoleAssignment{
		principal.ID: {grant(principal.ID, "Driver")},
	}}
	auditor := &memoryAuditor{err: errors.New("sink unavailable")}
	svc := newEvaluator(t, source, auditor)

	decision, err := svc.Evaluate(context.Background(), principal, "vehicle:view:own", shared.ResourceContext{})
	require.ErrorIs(t, err, shared.ErrAuditWriteFailure)
	require.False(t, decision.Granted)
	require.Equal(t, ReasonAuditWriteFailed, decision.Reason)
}

// Audit completeness: exactly one entry per evaluation.
func TestEvaluateAppendsExactlyOneEntryPerCall(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	source := &memorySource{byPrincipal: map[uuid.UUID][]assignments.RoleAssignment{
		principal.ID: {grant(principal.ID, "Driver")},
	}}
	auditor := &memoryAuditor{}
	svc := newEvaluator(t, source, auditor)

	checks := []string{"vehicle:view:own", "work_order:view:team", "bogus", "fuel_log:create:own"}
	for _, name := range checks {
		_, _ = svc.Evaluate(context.Background(), principal, name, shared.ResourceContext{})
	}
	require.Len(t, auditor.entries, len(checks))
}

// Determinism: repeated evaluation over a fixed snapshot yields one answer.
func TestEvaluateDeterministic(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	source := &memorySource{byPrincipal: map[uuid.UUID][]assignments.RoleAssignment{
		principal.ID: {grant(principal.ID, "Driver"), grant(principal.ID, "Manager")},
	}}
	svc := newEvaluator(t, source, &memoryAuditor{})

	var first Decision
	for i := 0; i < 20; i++ {
		decision, err := svc.Evaluate(context.Background(), principal, "work_order:approve:own", shared.ResourceContext{})
		require.NoError(t, err)
		if i == 0 {
			first = decision
			continue
		}
		require.Equal(t, first, decision)
	}
}

func TestEvaluateRecordsRequestMeta(t *testing.T) {
	principal := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	source := &memorySource{byPrincipal: map[uuid.UUID][]assignments.RoleAssignment{
		principal.ID: {grant(principal.ID, "Driver")},
	}}
	auditor := &memoryAuditor{}
	svc := newEvaluator(t, source, auditor)

	ctx := shared.ContextWithRequestMeta(context.Background(), shared.RequestMeta{IP: "10.0.0.7", UserAgent: "fleet-app/2.1"})
	_, err := svc.Evaluate(ctx, principal, "vehicle:view:own", shared.ResourceContext{ID: "veh-17"})
	require.NoError(t, err)
	entry := auditor.entries[0]
	require.Equal(t, "10.0.0.7", entry.IP)
	require.Equal(t, "fleet-app/2.1", entry.UserAgent)
	require.Equal(t, "veh-17", entry.ResourceID)
}
