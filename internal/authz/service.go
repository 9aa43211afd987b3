// Package authz decides grant or deny for a principal and permission. Every
// decision is audited; an unaudited grant never leaves this package.
package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/fleetops/authgate/internal/assignments"
	"github.com/fleetops/authgate/internal/audit"
	"github.com/fleetops/authgate/internal/observability"
	"github.com/fleetops/authgate/internal/registry"
	"github.com/fleetops/authgate/internal/shared"
	"github.com/fleetops/authgate/internal/sod"
)

// Denial reasons recorded in the audit trail. Callers outside the trail only
// ever see the opaque shared.ErrAuthorizationDenied.
const (
	ReasonMatched             = "MATCHED"
	ReasonNoActiveRoles       = "NO_ACTIVE_ROLES"
	ReasonNoMatch             = "NO_MATCHING_PERMISSION"
	ReasonMFARequired         = "MFA_REQUIRED"
	ReasonInvalidFormat       = "INVALID_PERMISSION_FORMAT"
	ReasonRegistryUnavailable = "REGISTRY_UNAVAILABLE"
	ReasonResolutionFailed    = "RESOLUTION_FAILED"
	ReasonAuditWriteFailed    = "AUDIT_WRITE_FAILED"
	ReasonApprovalCheckFailed = "APPROVAL_CHECK_FAILED"
)

// DefaultRegistryTimeout bounds registry access per check; on expiry the
// check fails closed.
const DefaultRegistryTimeout = 50 * time.Millisecond

// malformedPermission stands in for an empty permission name in the audit
// trail. The recorder rejects entries without a permission, and a malformed
// check must still leave its entry.
const malformedPermission = "<malformed>"

// Decision is the outcome of one permission evaluation.
type Decision struct {
	Granted           bool   `json:"granted"`
	Reason            string `json:"reason"`
	MatchedPermission string `json:"matchedPermission,omitempty"`
}

// AssignmentSource supplies a principal's active, non-expired assignments.
type AssignmentSource interface {
	ActiveAssignments(ctx context.Context, principalID uuid.UUID, now time.Time) ([]assignments.RoleAssignment, error)
}

// Auditor appends to the permission check trail.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// ApprovalGuard applies the separation-of-duties approval rules to a granted
// approve-verb check.
type ApprovalGuard interface {
	CheckApproval(ctx context.Context, actor shared.Principal, resource shared.ResourceContext) error
}

// Service is the permission evaluator.
type Service struct {
	store           *registry.Store
	source          AssignmentSource
	cache           *Cache
	auditor         Auditor
	approvals       ApprovalGuard
	metrics         *observability.Metrics
	logger          *slog.Logger
	registryTimeout time.Duration
	group           singleflight.Group
	now             func() time.Time
}

// Options tune optional evaluator behavior.
type Options struct {
	Cache           *Cache
	Approvals       ApprovalGuard
	Metrics         *observability.Metrics
	RegistryTimeout time.Duration
	Now             func() time.Time
}

// NewService constructs the evaluator.
func NewService(store *registry.Store, source AssignmentSource, auditor Auditor, logger *slog.Logger, opts Options) *Service {
	timeout := opts.RegistryTimeout
	if timeout <= 0 {
		timeout = DefaultRegistryTimeout
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:           store,
		source:          source,
		cache:           opts.Cache,
		auditor:         auditor,
		approvals:       opts.Approvals,
		metrics:         opts.Metrics,
		logger:          logger,
		registryTimeout: timeout,
		now:             now,
	}
}

// Evaluate decides whether principal may exercise permissionName against the
// resource. The decision is deterministic for a fixed assignment snapshot.
// Granted approve-verb checks additionally pass through the configured
// ApprovalGuard; a guard denial is folded into the audited decision.
//
// Exactly one audit entry is appended per call, including malformed-name and
// fail-closed paths. If the audit write fails, a passing check is returned as
// denied (fail closed) with shared.ErrAuditWriteFailure.
func (s *Service) Evaluate(ctx context.Context, principal shared.Principal, permissionName string, resource shared.ResourceContext) (Decision, error) {
	start := s.now()

	requested, err := registry.ParsePermission(permissionName)
	if err != nil {
		decision := Decision{Granted: false, Reason: ReasonInvalidFormat}
		return s.finish(ctx, principal, permissionName, resource, decision, start, err)
	}

	snapCtx, cancel := context.WithTimeout(ctx, s.registryTimeout)
	snap, err := s.store.Snapshot(snapCtx)
	cancel()
	if err != nil {
		decision := Decision{Granted: false, Reason: ReasonRegistryUnavailable}
		return s.finish(ctx, principal, permissionName, resource, decision, start, shared.ErrRegistryUnavailable)
	}

	resolved, err := s.resolve(ctx, snap, principal.ID)
	if err != nil {
		s.logger.Error("permission resolution failed",
			slog.String("principal", principal.ID.String()),
			slog.Any("error", err))
		decision := Decision{Granted: false, Reason: ReasonResolutionFailed}
		return s.finish(ctx, principal, permissionName, resource, decision, start, fmt.Errorf("authz: resolve: %w", err))
	}

	decision := match(resolved, requested, principal.MFAVerified)
	if decision.Granted && requested.Verb == registry.VerbApprove && s.approvals != nil {
		if err := s.approvals.CheckApproval(ctx, principal, resource); err != nil {
			if sod.IsDenial(err) {
				decision = Decision{Granted: false, Reason: sod.DenialReason(err)}
				return s.finish(ctx, principal, permissionName, resource, decision, start, nil)
			}
			decision = Decision{Granted: false, Reason: ReasonApprovalCheckFailed}
			return s.finish(ctx, principal, permissionName, resource, decision, start, fmt.Errorf("authz: approval check: %w", err))
		}
	}
	return s.finish(ctx, principal, permissionName, resource, decision, start, nil)
}

func match(resolved ResolvedPermissions, requested registry.Permission, mfaVerified bool) Decision {
	if resolved.Empty() {
		return Decision{Granted: false, Reason: ReasonNoActiveRoles}
	}
	for _, held := range resolved.Standard {
		if held.Grants(requested) {
			return Decision{Granted: true, Reason: ReasonMatched, MatchedPermission: held.String()}
		}
	}
	for _, held := range resolved.MFAOnly {
		if held.Grants(requested) {
			if mfaVerified {
				return Decision{Granted: true, Reason: ReasonMatched, MatchedPermission: held.String()}
			}
			return Decision{Granted: false, Reason: ReasonMFARequired}
		}
	}
	return Decision{Granted: false, Reason: ReasonNoMatch}
}

// resolve unions the permissions of the principal's usable roles. Concurrent
// resolutions for the same principal collapse into one store read.
func (s *Service) resolve(ctx context.Context, snap *registry.Snapshot, principalID uuid.UUID) (ResolvedPermissions, error) {
	if cached, ok := s.cache.Get(ctx, principalID); ok {
		s.metrics.CacheEvent("hit")
		return cached, nil
	}
	s.metrics.CacheEvent("miss")

	v, err, _ := s.group.Do(principalID.String(), func() (any, error) {
		active, err := s.source.ActiveAssignments(ctx, principalID, s.now())
		if err != nil {
			return ResolvedPermissions{}, err
		}
		var resolved ResolvedPermissions
		for _, assignment := range active {
			role, ok := snap.Role(assignment.RoleName)
			if !ok {
				// Assignment survived a registry change that dropped the
				// role. It contributes nothing.
				s.logger.Warn("assignment references unknown role",
					slog.String("role", assignment.RoleName),
					slog.String("principal", principalID.String()))
				continue
			}
			if role.MFARequired {
				resolved.MFAOnly = append(resolved.MFAOnly, role.Permissions...)
			} else {
				resolved.Standard = append(resolved.Standard, role.Permissions...)
			}
		}
		s.cache.Set(ctx, principalID, resolved)
		return resolved, nil
	})
	if err != nil {
		return ResolvedPermissions{}, err
	}
	return v.(ResolvedPermissions), nil
}

// finish appends the audit entry and applies the fail-closed conversion.
func (s *Service) finish(ctx context.Context, principal shared.Principal, permissionName string, resource shared.ResourceContext, decision Decision, start time.Time, evalErr error) (Decision, error) {
	meta := shared.RequestMetaFromContext(ctx)
	auditedName := permissionName
	if auditedName == "" {
		auditedName = malformedPermission
	}
	entry := audit.Entry{
		PrincipalID: principal.ID,
		TenantID:    principal.TenantID,
		Permission:  auditedName,
		ResourceID:  resource.ID,
		Granted:     decision.Granted,
		Reason:      decision.Reason,
		Matched:     decision.MatchedPermission,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		At:          s.now(),
	}
	if err := s.auditor.Record(ctx, entry); err != nil {
		s.metrics.AuditWriteFailure()
		s.logger.Error("audit write failed, converting decision to deny",
			slog.String("principal", principal.ID.String()),
			slog.String("permission", permissionName),
			slog.Bool("was_granted", decision.Granted),
			slog.Any("error", err))
		denied := Decision{Granted: false, Reason: ReasonAuditWriteFailed}
		s.metrics.ObserveDecision(false, s.now().Sub(start))
		return denied, fmt.Errorf("authz: %w: %w", shared.ErrAuditWriteFailure, err)
	}
	s.metrics.ObserveDecision(decision.Granted, s.now().Sub(start))
	if evalErr != nil {
		return decision, evalErr
	}
	return decision, nil
}

// InvalidateCache drops a principal's cached permission set.
func (s *Service) InvalidateCache(ctx context.Context, principalID uuid.UUID) error {
	s.metrics.CacheEvent("invalidate")
	return s.cache.Invalidate(ctx, principalID)
}
