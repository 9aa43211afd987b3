// Package sod enforces separation-of-duties: conflicting role pairs,
// self-approval, and approval limits. All three checks are independent and
// composable; privileged actions require all of them.
package sod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fleetops/authgate/internal/audit"
	"github.com/fleetops/authgate/internal/registry"
	"github.com/fleetops/authgate/internal/shared"
)

// Denial reasons persisted with denial markers and audit entries.
const (
	ReasonSelfApproval  = "SELF_APPROVAL_VIOLATION"
	ReasonApprovalLimit = "APPROVAL_LIMIT_EXCEEDED"
	ReasonSoDConflict   = "SOD_CONFLICT"
)

// RoleReader supplies a principal's currently active role names.
type RoleReader interface {
	ActiveRoleNames(ctx context.Context, principalID uuid.UUID) ([]string, error)
}

// DenialMarks makes approval denials sticky: once an actor is denied for a
// resource instance, the same actor cannot retry it. A different principal
// must pick it up.
type DenialMarks interface {
	Mark(ctx context.Context, principalID uuid.UUID, resourceID, reason string) error
	Find(ctx context.Context, principalID uuid.UUID, resourceID string) (string, bool, error)
}

// Auditor appends denial records.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// AssignmentCheck is the outcome of a role-assignment validation.
type AssignmentCheck struct {
	Allowed         bool   `json:"allowed"`
	ConflictingRole string `json:"conflictingRole,omitempty"`
}

// Validator runs the separation-of-duties checks.
type Validator struct {
	store   *registry.Store
	roles   RoleReader
	marks   DenialMarks
	auditor Auditor
	logger  *slog.Logger
}

// NewValidator constructs a Validator.
func NewValidator(store *registry.Store, roles RoleReader, marks DenialMarks, auditor Auditor, logger *slog.Logger) *Validator {
	return &Validator{store: store, roles: roles, marks: marks, auditor: auditor, logger: logger}
}

// CanAssignRole checks newRole against the principal's active roles via the
// SoD rule table. It is a live check: revoking the conflicting role makes
// the assignment possible again.
func (v *Validator) CanAssignRole(ctx context.Context, principalID uuid.UUID, newRole string) (AssignmentCheck, error) {
	snap, err := v.store.Snapshot(ctx)
	if err != nil {
		return AssignmentCheck{}, err
	}
	if _, ok := snap.Role(newRole); !ok {
		return AssignmentCheck{}, fmt.Errorf("sod: role %q: %w", newRole, shared.ErrNotFound)
	}
	active, err := v.roles.ActiveRoleNames(ctx, principalID)
	if err != nil {
		return AssignmentCheck{}, fmt.Errorf("sod: read active roles: %w", err)
	}
	if conflicting := snap.ConflictingRole(active, newRole); conflicting != "" {
		v.logger.Info("sod conflict blocked assignment",
			slog.String("principal", principalID.String()),
			slog.String("role", newRole),
			slog.String("conflicting_role", conflicting))
		return AssignmentCheck{Allowed: false, ConflictingRole: conflicting}, nil
	}
	return AssignmentCheck{Allowed: true}, nil
}

// PreventSelfApproval fails when the acting principal created the resource,
// irrespective of any permissions held.
func (v *Validator) PreventSelfApproval(actor shared.Principal, resource shared.ResourceContext) error {
	if resource.CreatedBy != uuid.Nil && resource.CreatedBy == actor.ID {
		return fmt.Errorf("sod: principal %s created %s/%s: %w", actor.ID, resource.Type, resource.ID, shared.ErrSelfApprovalViolation)
	}
	return nil
}

// CheckApprovalLimit fails when the amount exceeds the actor's limit.
func (v *Validator) CheckApprovalLimit(actor shared.Principal, amountCents int64) error {
	if amountCents > actor.ApprovalLimit {
		return fmt.Errorf("sod: amount %d exceeds limit %d: %w", amountCents, actor.ApprovalLimit, shared.ErrApprovalLimitExceeded)
	}
	return nil
}

// CheckApproval runs the approval-side checks (self-approval AND limit) for
// one actor and resource instance. A fresh denial is marked sticky: the same
// actor retrying the same resource fails identically without re-running the
// checks. CheckApproval does not audit; callers fold the denial into their
// own audit trail.
func (v *Validator) CheckApproval(ctx context.Context, actor shared.Principal, resource shared.ResourceContext) error {
	if reason, found, err := v.marks.Find(ctx, actor.ID, resource.ID); err != nil {
		return fmt.Errorf("sod: read denial marks: %w", err)
	} else if found {
		return denialError(reason)
	}

	checkErr := v.PreventSelfApproval(actor, resource)
	if checkErr == nil {
		checkErr = v.CheckApprovalLimit(actor, resource.AmountCents)
	}
	if checkErr == nil {
		return nil
	}
	if err := v.marks.Mark(ctx, actor.ID, resource.ID, DenialReason(checkErr)); err != nil {
		v.logger.Error("sod denial mark failed", slog.Any("error", err))
	}
	return checkErr
}

// AuthorizeApproval is CheckApproval plus an audit entry for the denial. It
// serves callers outside the evaluator's audited decision path.
func (v *Validator) AuthorizeApproval(ctx context.Context, actor shared.Principal, permission string, resource shared.ResourceContext) error {
	checkErr := v.CheckApproval(ctx, actor, resource)
	if checkErr == nil || !IsDenial(checkErr) {
		return checkErr
	}
	entry := audit.Entry{
		PrincipalID: actor.ID,
		TenantID:    actor.TenantID,
		Permission:  permission,
		ResourceID:  resource.ID,
		Granted:     false,
		Reason:      DenialReason(checkErr),
	}
	if err := v.auditor.Record(ctx, entry); err != nil {
		v.logger.Error("sod denial audit failed", slog.Any("error", err))
	}
	return checkErr
}

// IsDenial reports whether err is a policy denial rather than an
// infrastructure failure.
func IsDenial(err error) bool {
	return errors.Is(err, shared.ErrSelfApprovalViolation) ||
		errors.Is(err, shared.ErrApprovalLimitExceeded) ||
		errors.Is(err, shared.ErrSoDConflict)
}

// DenialReason maps a policy denial to its audit reason code.
func DenialReason(err error) string {
	switch {
	case errors.Is(err, shared.ErrSelfApprovalViolation):
		return ReasonSelfApproval
	case errors.Is(err, shared.ErrApprovalLimitExceeded):
		return ReasonApprovalLimit
	default:
		return ReasonSoDConflict
	}
}

func denialError(reason string) error {
	switch reason {
	case ReasonSelfApproval:
		return fmt.Errorf("sod: denial on record: %w", shared.ErrSelfApprovalViolation)
	case ReasonApprovalLimit:
		return fmt.Errorf("sod: denial on record: %w", shared.ErrApprovalLimitExceeded)
	default:
		return fmt.Errorf("sod: denial on record: %w", shared.ErrSoDConflict)
	}
}
