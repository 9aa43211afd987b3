// Package assignments manages the role-assignment store: grants, revocations,
// offboarding, and the time-bound assignments created by break-glass
// elevation.
package assignments

import (
	"time"

	"github.com/google/uuid"
)

// RoleAssignment links a principal to a role. Break-glass grants carry an
// ExpiresAt; permanent grants leave it nil.
type RoleAssignment struct {
	ID          int64
	PrincipalID uuid.UUID
	RoleName    string
	AssignedBy  uuid.UUID
	AssignedAt  time.Time
	IsActive    bool
	ExpiresAt   *time.Time
}

// Expired reports whether the assignment has lapsed at now.
func (a RoleAssignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// Usable reports whether the assignment contributes permissions at now.
func (a RoleAssignment) Usable(now time.Time) bool {
	return a.IsActive && !a.Expired(now)
}
