package breakglass

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/authgate/internal/assignments"
	"github.com/fleetops/authgate/internal/audit"
	"github.com/fleetops/authgate/internal/authz"
	"github.com/fleetops/authgate/internal/registry"
	"github.com/fleetops/authgate/internal/shared"
)

type memoryRepository struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]Session
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{sessions: make(map[uuid.UUID]Session)}
}

func (m *memoryRepository) Insert(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Version = 1
	m.sessions[s.ID] = s
	return s, nil
}

func (m *memoryRepository) Get(_ context.Context, id uuid.UUID) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, shared.ErrNotFound
	}
	return s, nil
}

func (m *memoryRepository) Transition(_ context.Context, s Session, fromStatus Status, fromVersion int64) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[s.ID]
	if !ok || stored.Status != fromStatus || stored.Version != fromVersion {
		return Session{}, ErrStaleSession
	}
	s.Version = fromVersion + 1
	m.sessions[s.ID] = s
	return s, nil
}

func (m *memoryRepository) ListExpired(_ context.Context, now time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.ExpiredBy(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memoryRepository) ListByPrincipal(_ context.Context, principalID uuid.UUID) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.PrincipalID == principalID {
			out = append(out, s)
		}
	}
	return out, nil
}

// stubChecker grants role management to an explicit set of principals.
type stubChecker struct {
	admins map[uuid.UUID]bool
}

func (c *stubChecker) Evaluate(_ context.Context, principal shared.Principal, _ string, _ shared.ResourceContext) (authz.Decision, error) {
	if c.admins[principal.ID] {
		return authz.Decision{Granted: true, Reason: authz.ReasonMatched}, nil
	}
	return authz.Decision{Granted: false, Reason: authz.ReasonNoMatch}, nil
}

type grantCall struct {
	PrincipalID uuid.UUID
	Role        string
	ExpiresAt   *time.Time
}

type memoryGranter struct {
	mu       sync.Mutex
	grantErr error
	grants   []grantCall
	revokes  []grantCall
}

func (g *memoryGranter) Grant(_ context.Context, _ uuid.UUID, principalID uuid.UUID, roleName string, expiresAt *time.Time) (assignments.RoleAssignment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.grantErr != nil {
		return assignments.RoleAssignment{}, g.grantErr
	}
	g.grants = append(g.grants, grantCall{PrincipalID: principalID, Role: roleName, ExpiresAt: expiresAt})
	return assignments.RoleAssignment{PrincipalID: principalID, RoleName: roleName, ExpiresAt: expiresAt, IsActive: true}, nil
}

func (g *memoryGranter) Revoke(_ context.Context, _ uuid.UUID, principalID uuid.UUID, roleName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revokes = append(g.revokes, grantCall{PrincipalID: principalID, Role: roleName})
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *recordingAuditor) Record(_ context.Context, entry audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *recordingAuditor) reasons() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Reason)
	}
	return out
}

type fixture struct {
	service  *Service
	repo     *memoryRepository
	granter  *memoryGranter
	notifier *recordingNotifier
	auditor  *recordingAuditor
	clock    *time.Time

	requester shared.Principal
	approver  shared.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	requester := shared.Principal{ID: uuid.New(), TenantID: uuid.New()}
	approver := shared.Principal{ID: uuid.New(), TenantID: requester.TenantID}

	store := registry.NewStore()
	store.Publish(registry.SnapshotData{
		Roles: []registry.Role{
			{Name: "EmergencyResponder", ScopeLevel: registry.ScopeFleet, AllowsJITElevation: true},
			{Name: "FleetAdmin", ScopeLevel: registry.ScopeFleet},
		},
		Eligibility: registry.Eligibility{
			"EmergencyResponder": {requester.ID: {}},
		},
	})

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	f := &fixture{
		repo:      newMemoryRepository(),
		granter:   &memoryGranter{},
		notifier:  &recordingNotifier{},
		auditor:   &recordingAuditor{},
		clock:     &now,
		requester: requester,
		approver:  approver,
	}
	checker := &stubChecker{admins: map[uuid.UUID]bool{approver.ID: true}}
	f.service = NewService(f.repo, store, checker, f.granter, f.auditor, slog.Default(), Options{
		Notifier:    f.notifier,
		MaxDuration: 30 * time.Minute,
		Now:         func() time.Time { return *f.clock },
	})
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *fixture) request(t *testing.T, duration time.Duration) Session {
	t.Helper()
	session, err := f.service.RequestElevation(context.Background(), f.requester, "EmergencyResponder", "stranded vehicle recovery", "INC-4821", duration)
	require.NoError(t, err)
	return session
}

func TestRequestElevation(t *testing.T) {
	f := newFixture(t)

	session := f.request(t, 15*time.Minute)
	require.Equal(t, StatusRequested, session.Status)
	require.Equal(t, "EmergencyResponder", session.RequestedRole)
	require.Equal(t, 15*time.Minute, session.RequestedDuration)
	require.Equal(t, []string{"ELEVATION_REQUESTED"}, f.auditor.reasons())
}

func TestRequestElevationIneligible(t *testing.T) {
	f := newFixture(t)
	stranger := shared.Principal{ID: uuid.New(), TenantID: f.requester.TenantID}

	cases := []struct {
		name      string
		principal shared.Principal
		role      string
	}{
		{"not on eligibility list", stranger, "EmergencyResponder"},
		{"role forbids elevation", f.requester, "FleetAdmin"},
		{"unknown role", f.requester, "Ghost"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.RequestElevation(context.Background(), tc.principal, tc.role, "reason", "INC-1", time.Minute)
			require.ErrorIs(t, err, shared.ErrNotEligibleForElevation)
		})
	}
}

func TestSessionVisibility(t *testing.T) {
	f := newFixture(t)
	session := f.request(t, 15*time.Minute)
	bystander := shared.Principal{ID: uuid.New(), TenantID: f.requester.TenantID}

	got, err := f.service.Session(context.Background(), f.requester, session.ID)
	require.NoError(t, err)
	require.Equal(t, session.ID, got.ID)

	got, err = f.service.Session(context.Background(), f.approver, session.ID)
	require.NoError(t, err)
	require.Equal(t, session.ID, got.ID)

	_, err = f.service.Session(context.Background(), bystander, session.ID)
	require.ErrorIs(t, err, shared.ErrAuthorizationDenied)

	_, err = f.service.Session(context.Background(), f.requester, uuid.New())
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestApproveCapsDuration(t *testing.T) {
	f := newFixture(t)
	session := f.request(t, 45*time.Minute)

	approved, err := f.service.Approve(context.Background(), f.approver, session.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, approved.Status)
	require.Equal(t, f.approver.ID, *approved.ApprovedBy)
	require.Equal(t, 30*time.Minute, approved.EndTime.Sub(*approved.StartTime), "45 minute request capped at the maximum")

	require.Len(t, f.granter.grants, 1)
	require.Equal(t, f.requester.ID, f.granter.grants[0].PrincipalID)
	require.Equal(t, "EmergencyResponder", f.granter.grants[0].Role)
	require.Equal(t, *approved.EndTime, *f.granter.grants[0].ExpiresAt)

	require.Len(t, f.notifier.events, 1)
	require.Equal(t, EventApproved, f.notifier.events[0].Event)
	require.Equal(t, session.ID, f.notifier.events[0].SessionID)
}

func TestApproveRejectsRequester(t *testing.T) {
	f := newFixture(t)
	session := f.request(t, 15*time.Minute)

	_, err := f.service.Approve(context.Background(), f.requester, session.ID)
	require.ErrorIs(t, err, shared.ErrSelfApprovalViolation)
	require.Empty(t, f.granter.grants)
}

func TestApproveRequiresRoleManagement(t *testing.T) {
	f := newFixture(t)
	session := f.request(t, 15*time.Minute)
	bystander := shared.Principal{ID: uuid.New(), TenantID: f.requester.TenantID}

	_, err := f.service.Approve(context.Background(), bystander, session.ID)
	require.ErrorIs(t, err, shared.ErrAuthorizationDenied)
	require.Empty(t, f.granter.grants)
}

func TestApproveTwice(t *testing.T) {
	f := newFixture(t)
	session := f.request(t, 15*time.Minute)

	_, err := f.service.Approve(context.Background(), f.approver, session.ID)
	require.NoError(t, err)
	_, err = f.service.Approve(context.Background(), f.approver, session.ID)
	require.ErrorIs(t, err, shared.ErrElevationAlreadyTerminal)
	require.Len(t, f.granter.grants, 1)
}

func TestApproveGrantFailureLeavesSessionRequested(t *testing.T) {
	f := newFixture(t)
	session := f.request(t, 15*time.Minute)
	f.granter.grantErr = &shared.SoDConflictError{Role: "EmergencyResponder", ConflictingRole: "Auditor"}

	_, err := f.service.Approve(context.Background(), f.approver, session.ID)
	require.ErrorIs(t, err, shared.ErrSoDConflict)

	stored, err := f.repo.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRequested, stored.Status)
}

func TestDeny(t *testing.T) {
	f := newFixture(t)
	session := f.request(t, 15*time.Minute)

	denied, err := f.service.Deny(context.Background(), f.approver, session.ID, "no open incident")
	require.NoError(t, err)
	require.Equal(t, StatusDenied, denied.Status)
	require.Equal(t, "no open incident", denied.DecisionNote)
	require.Empty(t, f.granter.grants)
	require.Equal(t, EventDenied, f.notifier.events[0].Event)

	_, err = f.service.Approve(context.Background(), f.approver, session.ID)
	require.ErrorIs(t, err, shared.ErrElevationAlreadyTerminal)
}

func TestRevokeByElevatedPrincipal(t *testing.T) {
	f := newFixture(t)
	session := f.request(t, 15*time.Minute)
	_, err := f.service.Approve(context.Background(), f.approver, session.ID)
	require.NoError(t, err)

	revoked, err := f.service.Revoke(context.Background(), f.requester, session.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, revoked.Status)
	require.Equal(t, f.requester.ID, *revoked.RevokedBy)
	require.Len(t, f.granter.revokes, 1)
	require.Equal(t, "EmergencyResponder", f.granter.revokes[0].Role)
}

func TestRevokeByBystander(t *testing.T) {
	f := newFixture(t)
	session := f.request(t, 15*time.Minute)
	_, err := f.service.Approve(context.Background(), f.approver, session.ID)
	require.NoError(t, err)

	bystander := shared.Principal{ID: uuid.New(), TenantID: f.requester.TenantID}
	_, err = f.service.Revoke(context.Background(), bystander, session.ID)
	require.ErrorIs(t, err, shared.ErrAuthorizationDenied)
}

// A 45 minute request is capped at 30; after 31 minutes the sweep expires
// the session and the elevated grant is retracted.
func TestSweepExpiresCappedSession(t *testing.T) {
	f := newFixture(t)
	session := f.request(t, 45*time.Minute)
	_, err := f.service.Approve(context.Background(), f.approver, session.ID)
	require.NoError(t, err)

	f.advance(29 * time.Minute)
	count, err := f.service.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, count, "session still inside its window")

	f.advance(2 * time.Minute)
	count, err = f.service.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	stored, err := f.repo.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, stored.Status)
	require.Len(t, f.granter.revokes, 1, "elevated grant deactivated")

	count, err = f.service.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, count, "no session stays ACTIVE past a sweep cycle")
}

func TestSweepAndRevokeExactlyOnce(t *testing.T) {
	f := newFixture(t)
	session := f.request(t, 15*time.Minute)
	_, err := f.service.Approve(context.Background(), f.approver, session.ID)
	require.NoError(t, err)
	f.advance(16 * time.Minute)

	// Manual revoke wins the race; the expiry path must become a no-op.
	_, err = f.service.Revoke(context.Background(), f.requester, session.ID)
	require.NoError(t, err)
	require.NoError(t, f.service.ExpireSession(context.Background(), session.ID))

	stored, err := f.repo.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, stored.Status)
	require.Len(t, f.granter.revokes, 1, "exactly one retraction")

	terminalEvents := 0
	for _, e := range f.notifier.events {
		if e.Event == EventRevoked || e.Event == EventExpired {
			terminalEvents++
		}
	}
	require.Equal(t, 1, terminalEvents, "exactly one terminal notification")
}

func TestExpireSessionIgnoresEarlyFire(t *testing.T) {
	f := newFixture(t)
	session := f.request(t, 15*time.Minute)
	_, err := f.service.Approve(context.Background(), f.approver, session.ID)
	require.NoError(t, err)

	require.NoError(t, f.service.ExpireSession(context.Background(), session.ID))
	stored, err := f.repo.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, stored.Status, "early task fire leaves the session alone")
}

func TestTransitionAuditTrail(t *testing.T) {
	f := newFixture(t)
	session := f.request(t, 15*time.Minute)
	_, err := f.service.Approve(context.Background(), f.approver, session.ID)
	require.NoError(t, err)
	f.advance(16 * time.Minute)
	_, err = f.service.Sweep(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"ELEVATION_REQUESTED", "ELEVATION_APPROVED", "ELEVATION_EXPIRED"}, f.auditor.reasons())
	for _, entry := range f.auditor.entries {
		require.Equal(t, session.ID.String(), entry.ResourceID)
	}
}
