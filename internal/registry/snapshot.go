package registry

import (
	"time"

	"github.com/google/uuid"
)

// Snapshot is an immutable, versioned view of the authorization
// configuration. A snapshot is built in full, then published by atomic
// pointer swap; readers never observe a partially-updated configuration.
type Snapshot struct {
	Version     int64
	LoadedAt    time.Time
	roles       map[string]Role
	sodRules    []SoDRule
	maskRules   map[string][]FieldMaskRule
	ownerFields map[string]string
	eligibility Eligibility
}

// SnapshotData carries the validated inputs for a new snapshot.
type SnapshotData struct {
	Roles       []Role
	SoDRules    []SoDRule
	MaskRules   []FieldMaskRule
	OwnerFields map[string]string
	Eligibility Eligibility
}

// NewSnapshot assembles an immutable snapshot from validated data.
func NewSnapshot(version int64, data SnapshotData) *Snapshot {
	roles := make(map[string]Role, len(data.Roles))
	for _, role := range data.Roles {
		roles[role.Name] = role
	}
	masks := make(map[string][]FieldMaskRule)
	for _, rule := range data.MaskRules {
		masks[rule.ResourceType] = append(masks[rule.ResourceType], rule)
	}
	owners := make(map[string]string, len(data.OwnerFields))
	for resource, field := range data.OwnerFields {
		owners[resource] = field
	}
	return &Snapshot{
		Version:     version,
		LoadedAt:    time.Now().UTC(),
		roles:       roles,
		sodRules:    append([]SoDRule(nil), data.SoDRules...),
		maskRules:   masks,
		ownerFields: owners,
		eligibility: data.Eligibility,
	}
}

// Role looks up a role definition by name.
func (s *Snapshot) Role(name string) (Role, bool) {
	role, ok := s.roles[name]
	return role, ok
}

// RoleNames lists all configured role names.
func (s *Snapshot) RoleNames() []string {
	names := make([]string, 0, len(s.roles))
	for name := range s.roles {
		names = append(names, name)
	}
	return names
}

// ConflictingRole returns the first active role that a SoD rule forbids
// alongside candidate, or "" when the assignment is clean.
func (s *Snapshot) ConflictingRole(activeRoles []string, candidate string) string {
	for _, rule := range s.sodRules {
		for _, held := range activeRoles {
			if rule.Conflicts(held, candidate) {
				return held
			}
		}
	}
	return ""
}

// SoDRules returns the configured rule pairs.
func (s *Snapshot) SoDRules() []SoDRule {
	return append([]SoDRule(nil), s.sodRules...)
}

// MaskRules returns the field mask rules for a resource type.
func (s *Snapshot) MaskRules(resourceType string) []FieldMaskRule {
	return s.maskRules[resourceType]
}

// OwnerField returns the owner/assignee column for a resource type, used by
// own-scope row predicates (e.g. work_order -> assigned_technician_id).
func (s *Snapshot) OwnerField(resourceType string) (string, bool) {
	field, ok := s.ownerFields[resourceType]
	return field, ok
}

// EligibleForElevation reports whether the principal may request break-glass
// elevation into the role.
func (s *Snapshot) EligibleForElevation(role string, principalID uuid.UUID) bool {
	return s.eligibility.Eligible(role, principalID)
}
