// Package breakglass manages emergency temporary privilege elevation. A
// session moves through a terminal state machine; the elevated privilege
// itself is an ordinary time-bound role assignment, so the permission
// evaluator has no elevation-specific code path.
package breakglass

import (
	"time"

	"github.com/google/uuid"
)

// Status is a break-glass session state.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusActive    Status = "ACTIVE"
	StatusDenied    Status = "DENIED"
	StatusExpired   Status = "EXPIRED"
	StatusRevoked   Status = "REVOKED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDenied || s == StatusExpired || s == StatusRevoked
}

// Session is one elevation request and its full decision history. Version
// guards every transition: an update carries the version it read, and a
// concurrent writer that got there first makes the update a no-op.
type Session struct {
	ID                uuid.UUID
	PrincipalID       uuid.UUID
	TenantID          uuid.UUID
	RequestedRole     string
	Reason            string
	TicketRef         string
	RequestedDuration time.Duration
	Status            Status
	RequestedAt       time.Time
	ApprovedBy        *uuid.UUID
	ApprovedAt        *time.Time
	StartTime         *time.Time
	EndTime           *time.Time
	RevokedBy         *uuid.UUID
	RevokedAt         *time.Time
	DecisionNote      string
	Version           int64
}

// ExpiredBy reports whether an active session has passed its end time.
func (s Session) ExpiredBy(now time.Time) bool {
	return s.Status == StatusActive && s.EndTime != nil && !now.Before(*s.EndTime)
}

// Event names for the notification dispatcher.
const (
	EventApproved = "approved"
	EventDenied   = "denied"
	EventRevoked  = "revoked"
	EventExpired  = "expired"
)

// Event is the payload emitted to the external notification dispatcher on
// session transitions.
type Event struct {
	SessionID   uuid.UUID `json:"session_id"`
	PrincipalID uuid.UUID `json:"principal_id"`
	Event       string    `json:"event"`
	Timestamp   time.Time `json:"timestamp"`
}
