package breakglass

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/authgate/internal/assignments"
	"github.com/fleetops/authgate/internal/audit"
	"github.com/fleetops/authgate/internal/authz"
	"github.com/fleetops/authgate/internal/observability"
	"github.com/fleetops/authgate/internal/registry"
	"github.com/fleetops/authgate/internal/shared"
)

// Transition reasons recorded in the audit trail.
const (
	reasonRequested = "ELEVATION_REQUESTED"
	reasonApproved  = "ELEVATION_APPROVED"
	reasonDenied    = "ELEVATION_DENIED"
	reasonRevoked   = "ELEVATION_REVOKED"
	reasonExpired   = "ELEVATION_EXPIRED"
)

// roleManagePermission guards approve, deny, and administrative revoke.
const roleManagePermission = "role:assign:fleet"

// DefaultMaxDuration caps how long an elevation may stay active.
const DefaultMaxDuration = 30 * time.Minute

// PermissionChecker is the evaluator surface the manager needs.
type PermissionChecker interface {
	Evaluate(ctx context.Context, principal shared.Principal, permissionName string, resource shared.ResourceContext) (authz.Decision, error)
}

// Granter creates and retracts the time-bound role assignment behind an
// active session.
type Granter interface {
	Grant(ctx context.Context, actor uuid.UUID, principalID uuid.UUID, roleName string, expiresAt *time.Time) (assignments.RoleAssignment, error)
	Revoke(ctx context.Context, actor uuid.UUID, principalID uuid.UUID, roleName string) error
}

// Scheduler enqueues the per-session expiry task. The periodic sweep is the
// backstop when scheduling fails.
type Scheduler interface {
	ScheduleExpiry(ctx context.Context, sessionID uuid.UUID, at time.Time) error
}

// Notifier dispatches transition events to the external notification
// collaborator. Delivery failures never fail the transition.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Auditor appends transition records.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Service runs the elevation state machine.
type Service struct {
	repo        Repository
	store       *registry.Store
	checker     PermissionChecker
	grants      Granter
	scheduler   Scheduler
	notifier    Notifier
	auditor     Auditor
	metrics     *observability.Metrics
	logger      *slog.Logger
	maxDuration time.Duration
	now         func() time.Time
}

// Options tune optional manager behavior.
type Options struct {
	Scheduler   Scheduler
	Notifier    Notifier
	Metrics     *observability.Metrics
	MaxDuration time.Duration
	Now         func() time.Time
}

// NewService constructs the elevation manager.
func NewService(repo Repository, store *registry.Store, checker PermissionChecker, grants Granter, auditor Auditor, logger *slog.Logger, opts Options) *Service {
	maxDuration := opts.MaxDuration
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:        repo,
		store:       store,
		checker:     checker,
		grants:      grants,
		scheduler:   opts.Scheduler,
		notifier:    opts.Notifier,
		auditor:     auditor,
		metrics:     opts.Metrics,
		logger:      logger,
		maxDuration: maxDuration,
		now:         now,
	}
}

// RequestElevation opens a session in REQUESTED. The target role must allow
// JIT elevation and the principal must be on its eligibility list; anything
// else, including an unknown role, is the same opaque ineligibility error.
func (s *Service) RequestElevation(ctx context.Context, principal shared.Principal, targetRole, reason, ticketRef string, requestedDuration time.Duration) (Session, error) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return Session{}, err
	}
	role, ok := snap.Role(targetRole)
	if !ok || !role.AllowsJITElevation || !snap.EligibleForElevation(targetRole, principal.ID) {
		return Session{}, fmt.Errorf("breakglass: role %q for principal %s: %w", targetRole, principal.ID, shared.ErrNotEligibleForElevation)
	}
	if requestedDuration <= 0 || requestedDuration > s.maxDuration {
		requestedDuration = s.maxDuration
	}

	session, err := s.repo.Insert(ctx, Session{
		ID:                uuid.New(),
		PrincipalID:       principal.ID,
		TenantID:          principal.TenantID,
		RequestedRole:     targetRole,
		Reason:            reason,
		TicketRef:         ticketRef,
		RequestedDuration: requestedDuration,
		Status:            StatusRequested,
		RequestedAt:       s.now(),
	})
	if err != nil {
		return Session{}, err
	}
	s.audit(ctx, principal.ID, principal.TenantID, "breakglass:create:own", session.ID, reasonRequested)
	s.logger.Info("elevation requested",
		slog.String("session", session.ID.String()),
		slog.String("principal", principal.ID.String()),
		slog.String("role", targetRole),
		slog.String("ticket", ticketRef))
	return session, nil
}

// Approve transitions REQUESTED to ACTIVE, granting a time-bound role
// assignment capped at the configured maximum duration. The approver must
// hold role-management permission and cannot be the requester.
func (s *Service) Approve(ctx context.Context, approver shared.Principal, sessionID uuid.UUID) (Session, error) {
	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if session.Status != StatusRequested {
		return Session{}, fmt.Errorf("breakglass: approve from %s: %w", session.Status, shared.ErrElevationAlreadyTerminal)
	}
	if approver.ID == session.PrincipalID {
		return Session{}, fmt.Errorf("breakglass: requester cannot approve own session: %w", shared.ErrSelfApprovalViolation)
	}
	if err := s.requireRoleManagement(ctx, approver, session); err != nil {
		return Session{}, err
	}

	now := s.now()
	duration := session.RequestedDuration
	if duration <= 0 || duration > s.maxDuration {
		duration = s.maxDuration
	}
	end := now.Add(duration)

	// Grant before the transition: a SoD conflict must leave the session in
	// REQUESTED, not strand it ACTIVE without an assignment.
	if _, err := s.grants.Grant(ctx, approver.ID, session.PrincipalID, session.RequestedRole, &end); err != nil {
		return Session{}, fmt.Errorf("breakglass: grant elevated role: %w", err)
	}

	session.Status = StatusActive
	session.ApprovedBy = &approver.ID
	session.ApprovedAt = &now
	session.StartTime = &now
	session.EndTime = &end
	updated, err := s.repo.Transition(ctx, session, StatusRequested, session.Version)
	if err != nil {
		if revokeErr := s.grants.Revoke(ctx, approver.ID, session.PrincipalID, session.RequestedRole); revokeErr != nil {
			s.logger.Error("orphaned elevation grant after lost transition",
				slog.String("session", sessionID.String()),
				slog.Any("error", revokeErr))
		}
		if errors.Is(err, ErrStaleSession) {
			return Session{}, fmt.Errorf("breakglass: concurrent decision on session %s: %w", sessionID, shared.ErrElevationAlreadyTerminal)
		}
		return Session{}, err
	}

	if s.scheduler != nil {
		if err := s.scheduler.ScheduleExpiry(ctx, updated.ID, end); err != nil {
			// The periodic sweep still expires the session on time.
			s.logger.Warn("expiry scheduling failed",
				slog.String("session", updated.ID.String()),
				slog.Any("error", err))
		}
	}
	s.metrics.ElevationTransition(string(StatusActive))
	s.audit(ctx, approver.ID, session.TenantID, roleManagePermission, updated.ID, reasonApproved)
	s.notify(ctx, updated, EventApproved)
	s.logger.Info("elevation approved",
		slog.String("session", updated.ID.String()),
		slog.String("approved_by", approver.ID.String()),
		slog.Time("end_time", end))
	return updated, nil
}

// Deny transitions REQUESTED to DENIED.
func (s *Service) Deny(ctx context.Context, approver shared.Principal, sessionID uuid.UUID, note string) (Session, error) {
	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if session.Status != StatusRequested {
		return Session{}, fmt.Errorf("breakglass: deny from %s: %w", session.Status, shared.ErrElevationAlreadyTerminal)
	}
	if err := s.requireRoleManagement(ctx, approver, session); err != nil {
		return Session{}, err
	}

	session.Status = StatusDenied
	session.DecisionNote = note
	updated, err := s.repo.Transition(ctx, session, StatusRequested, session.Version)
	if errors.Is(err, ErrStaleSession) {
		return Session{}, fmt.Errorf("breakglass: concurrent decision on session %s: %w", sessionID, shared.ErrElevationAlreadyTerminal)
	}
	if err != nil {
		return Session{}, err
	}
	s.metrics.ElevationTransition(string(StatusDenied))
	s.audit(ctx, approver.ID, session.TenantID, roleManagePermission, updated.ID, reasonDenied)
	s.notify(ctx, updated, EventDenied)
	return updated, nil
}

// Revoke transitions ACTIVE to REVOKED and retracts the role assignment.
// The elevated principal may revoke their own session; anyone else needs
// role-management permission.
func (s *Service) Revoke(ctx context.Context, actor shared.Principal, sessionID uuid.UUID) (Session, error) {
	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if session.Status != StatusActive {
		return Session{}, fmt.Errorf("breakglass: revoke from %s: %w", session.Status, shared.ErrElevationAlreadyTerminal)
	}
	if actor.ID != session.PrincipalID {
		if err := s.requireRoleManagement(ctx, actor, session); err != nil {
			return Session{}, err
		}
	}

	now := s.now()
	session.Status = StatusRevoked
	session.RevokedBy = &actor.ID
	session.RevokedAt = &now
	updated, err := s.repo.Transition(ctx, session, StatusActive, session.Version)
	if errors.Is(err, ErrStaleSession) {
		// The sweep got there first.
		return Session{}, fmt.Errorf("breakglass: concurrent transition on session %s: %w", sessionID, shared.ErrElevationAlreadyTerminal)
	}
	if err != nil {
		return Session{}, err
	}

	s.retractGrant(ctx, actor.ID, updated)
	s.metrics.ElevationTransition(string(StatusRevoked))
	s.audit(ctx, actor.ID, session.TenantID, roleManagePermission, updated.ID, reasonRevoked)
	s.notify(ctx, updated, EventRevoked)
	s.logger.Info("elevation revoked",
		slog.String("session", updated.ID.String()),
		slog.String("revoked_by", actor.ID.String()))
	return updated, nil
}

// ExpireSession moves an active session past its end time to EXPIRED. It is
// safe to call for any session: terminal sessions and sessions still inside
// their window are left alone, so the scheduled task and the sweep can both
// fire without double-processing.
func (s *Service) ExpireSession(ctx context.Context, sessionID uuid.UUID) error {
	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return err
	}
	if !session.ExpiredBy(s.now()) {
		return nil
	}

	session.Status = StatusExpired
	updated, err := s.repo.Transition(ctx, session, StatusActive, session.Version)
	if errors.Is(err, ErrStaleSession) {
		return nil
	}
	if err != nil {
		return err
	}

	s.retractGrant(ctx, updated.PrincipalID, updated)
	s.metrics.ElevationTransition(string(StatusExpired))
	s.audit(ctx, updated.PrincipalID, updated.TenantID, "breakglass:update:global", updated.ID, reasonExpired)
	s.notify(ctx, updated, EventExpired)
	s.logger.Info("elevation expired", slog.String("session", updated.ID.String()))
	return nil
}

// Sweep expires every active session past its end time and returns how many
// it transitioned.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	expired, err := s.repo.ListExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	count := 0
	for _, session := range expired {
		if err := s.ExpireSession(ctx, session.ID); err != nil {
			s.logger.Error("sweep transition failed",
				slog.String("session", session.ID.String()),
				slog.Any("error", err))
			continue
		}
		count++
	}
	return count, nil
}

// Sessions lists the principal's elevation history.
func (s *Service) Sessions(ctx context.Context, principalID uuid.UUID) ([]Session, error) {
	return s.repo.ListByPrincipal(ctx, principalID)
}

// Session returns a single session. Requesters see their own sessions;
// anyone else needs role management.
func (s *Service) Session(ctx context.Context, actor shared.Principal, sessionID uuid.UUID) (Session, error) {
	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if session.PrincipalID != actor.ID {
		if err := s.requireRoleManagement(ctx, actor, session); err != nil {
			return Session{}, err
		}
	}
	return session, nil
}

func (s *Service) requireRoleManagement(ctx context.Context, actor shared.Principal, session Session) error {
	decision, err := s.checker.Evaluate(ctx, actor, roleManagePermission, shared.ResourceContext{
		Type: "breakglass",
		ID:   session.ID.String(),
	})
	if err != nil {
		return err
	}
	if !decision.Granted {
		return fmt.Errorf("breakglass: actor %s lacks role management: %w", actor.ID, shared.ErrAuthorizationDenied)
	}
	return nil
}

// retractGrant deactivates the elevated assignment. A missing grant is fine,
// the assignment may already have hit its own expires_at.
func (s *Service) retractGrant(ctx context.Context, actor uuid.UUID, session Session) {
	err := s.grants.Revoke(ctx, actor, session.PrincipalID, session.RequestedRole)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		s.logger.Error("elevated grant retraction failed",
			slog.String("session", session.ID.String()),
			slog.String("role", session.RequestedRole),
			slog.Any("error", err))
	}
}

func (s *Service) audit(ctx context.Context, actorID, tenantID uuid.UUID, permission string, sessionID uuid.UUID, reason string) {
	entry := audit.Entry{
		PrincipalID: actorID,
		TenantID:    tenantID,
		Permission:  permission,
		ResourceID:  sessionID.String(),
		Granted:     true,
		Reason:      reason,
		At:          s.now(),
	}
	if err := s.auditor.Record(ctx, entry); err != nil {
		s.logger.Error("elevation audit failed",
			slog.String("session", sessionID.String()),
			slog.String("reason", reason),
			slog.Any("error", err))
	}
}

func (s *Service) notify(ctx context.Context, session Session, event string) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Notify(ctx, Event{
		SessionID:   session.ID,
		PrincipalID: session.PrincipalID,
		Event:       event,
		Timestamp:   s.now(),
	})
	if err != nil {
		s.logger.Warn("elevation notification failed",
			slog.String("session", session.ID.String()),
			slog.String("event", event),
			slog.Any("error", err))
	}
}
