package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrAuthorizationDenied is the opaque denial returned to callers.
	// The audit trail carries the specific reason.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrInvalidPermissionFormat indicates a permission name that does not
	// follow the resource:verb:scope schema. This is a configuration or
	// programming error, never a silent deny.
	ErrInvalidPermissionFormat = errors.New("invalid permission format")
	// ErrSoDConflict indicates a role assignment that would violate a
	// separation-of-duties rule.
	ErrSoDConflict = errors.New("separation of duties conflict")
	// ErrSelfApprovalViolation indicates an actor approving a resource they created.
	ErrSelfApprovalViolation = errors.New("self approval violation")
	// ErrApprovalLimitExceeded indicates an amount above the actor's approval limit.
	ErrApprovalLimitExceeded = errors.New("approval limit exceeded")
	// ErrNotEligibleForElevation indicates a break-glass request for a role
	// that does not allow JIT elevation or a principal not on the eligibility list.
	ErrNotEligibleForElevation = errors.New("not eligible for elevation")
	// ErrElevationAlreadyTerminal indicates a transition on a session that has
	// already reached a terminal state or was concurrently transitioned.
	ErrElevationAlreadyTerminal = errors.New("elevation session already terminal")
	// ErrAuditWriteFailure converts an otherwise-granted decision into a denial.
	ErrAuditWriteFailure = errors.New("audit write failure")
	// ErrPaginationRequired indicates a result set above the role's dataset cap.
	ErrPaginationRequired = errors.New("pagination required")
	// ErrRegistryUnavailable indicates the registry snapshot could not be
	// obtained within its deadline. Checks fail closed.
	ErrRegistryUnavailable = errors.New("registry unavailable")
)

// SoDConflictError carries the conflicting role for admin-facing reporting.
type SoDConflictError struct {
	Role            string
	ConflictingRole string
}

func (e *SoDConflictError) Error() string {
	return fmt.Sprintf("shared: role %q conflicts with active role %q", e.Role, e.ConflictingRole)
}

// Unwrap lets errors.Is match ErrSoDConflict.
func (e *SoDConflictError) Unwrap() error {
	return ErrSoDConflict
}
