package shared

import (
	"github.com/google/uuid"
)

// Principal is the authenticated actor on whose behalf access decisions are
// made. It is supplied by the upstream authentication layer; this engine
// trusts it and never authenticates.
type Principal struct {
	ID             uuid.UUID   `json:"principalId" validate:"required"`
	TenantID       uuid.UUID   `json:"tenantId" validate:"required"`
	FacilityIDs    []uuid.UUID `json:"facilityIds"`
	TeamIDs        []uuid.UUID `json:"teamIds"`
	OwnedResources []uuid.UUID `json:"ownedResourceIds"`
	ApprovalLimit  int64       `json:"approvalLimitCents"`
	MFAVerified    bool        `json:"mfaVerified"`
}

// ResourceContext describes the resource a check targets. CreatedBy feeds the
// self-approval rule; AmountCents feeds the approval-limit rule.
type ResourceContext struct {
	Type        string    `json:"resourceType"`
	ID          string    `json:"resourceId"`
	CreatedBy   uuid.UUID `json:"createdBy"`
	AmountCents int64     `json:"amountCents"`
}

// RequestMeta carries transport details recorded in the audit trail.
type RequestMeta struct {
	IP        string
	UserAgent string
}
