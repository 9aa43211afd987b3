package registry

import (
	"github.com/google/uuid"
)

// ScopeLevel is the breadth of data a role can see or act on. Levels are
// ordered: own < team < fleet < global.
type ScopeLevel int

const (
	ScopeOwn ScopeLevel = iota + 1
	ScopeTeam
	ScopeFleet
	ScopeGlobal
)

var scopeNames = map[ScopeLevel]string{
	ScopeOwn:    "own",
	ScopeTeam:   "team",
	ScopeFleet:  "fleet",
	ScopeGlobal: "global",
}

var scopeLevels = map[string]ScopeLevel{
	"own":    ScopeOwn,
	"team":   ScopeTeam,
	"fleet":  ScopeFleet,
	"global": ScopeGlobal,
}

func (s ScopeLevel) String() string {
	return scopeNames[s]
}

// Covers reports whether s is broader than or equal to requested.
func (s ScopeLevel) Covers(requested ScopeLevel) bool {
	return s >= requested
}

// ParseScopeLevel maps a config string to a ScopeLevel.
func ParseScopeLevel(raw string) (ScopeLevel, bool) {
	level, ok := scopeLevels[raw]
	return level, ok
}

// Role is a named grant bundle. Roles are immutable once published in a
// snapshot; changes go through a reload.
type Role struct {
	Name               string
	ScopeLevel         ScopeLevel
	MFARequired        bool
	MaxDatasetSize     int
	Permissions        []Permission
	AllowsJITElevation bool
}

// Wildcard reports whether the role holds the super-admin grant.
func (r Role) Wildcard() bool {
	for _, p := range r.Permissions {
		if p.Wildcard() {
			return true
		}
	}
	return false
}

// SoDRule is an unordered pair of role names that must never be
// simultaneously active for one principal.
type SoDRule struct {
	RoleA string
	RoleB string
}

// Conflicts reports whether holding `held` makes `candidate` forbidden.
func (r SoDRule) Conflicts(held, candidate string) bool {
	return (r.RoleA == held && r.RoleB == candidate) || (r.RoleB == held && r.RoleA == candidate)
}

// MaskStrategy enumerates field masking strategies.
type MaskStrategy string

const (
	// MaskRemove deletes the field from the record.
	MaskRemove MaskStrategy = "remove"
	// MaskFullHide replaces the value with a redaction sentinel.
	MaskFullHide MaskStrategy = "full-hide"
	// MaskPartial applies a declared deterministic pattern.
	MaskPartial MaskStrategy = "partial-mask"
)

// FieldMaskRule declares role-conditioned redaction for a single field.
type FieldMaskRule struct {
	ResourceType   string
	FieldName      string
	Classification string
	AllowedRoles   []string
	Strategy       MaskStrategy
	Pattern        MaskPattern
}

// AllowsAny reports whether any of the viewer's roles may see the raw value.
func (r FieldMaskRule) AllowsAny(roles []string) bool {
	for _, allowed := range r.AllowedRoles {
		for _, held := range roles {
			if allowed == held {
				return true
			}
		}
	}
	return false
}

// Eligibility lists principals allowed to request break-glass elevation into
// a role.
type Eligibility map[string]map[uuid.UUID]struct{}

// Eligible reports whether the principal may request elevation into role.
func (e Eligibility) Eligible(role string, principalID uuid.UUID) bool {
	set, ok := e[role]
	if !ok {
		return false
	}
	_, ok = set[principalID]
	return ok
}
