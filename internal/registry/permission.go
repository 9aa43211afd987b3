package registry

import (
	"fmt"
	"strings"

	"github.com/fleetops/authgate/internal/shared"
)

// Permission is a structured capability value. Permission names use the fixed
// resource:verb:scope schema and are validated against closed enumerations at
// load time, never treated as free strings at runtime.
type Permission struct {
	Resource string
	Verb     string
	Scope    ScopeLevel
}

// WildcardToken marks the super-admin resource and verb fields.
const WildcardToken = "*"

// VerbApprove names the approval verb. Grants for it additionally pass
// through the separation-of-duties approval checks.
const VerbApprove = "approve"

var knownResources = map[string]struct{}{
	"vehicle":        {},
	"work_order":     {},
	"fuel_log":       {},
	"purchase_order": {},
	"inspection":     {},
	"part":           {},
	"driver_record":  {},
	"facility":       {},
	"role":           {},
	"audit_log":      {},
	"breakglass":     {},
}

var knownVerbs = map[string]struct{}{
	"view":    {},
	"create":  {},
	"update":  {},
	"delete":  {},
	VerbApprove: {},
	"assign":  {},
	"export":  {},
}

// ParsePermission validates and decodes a resource:verb:scope name. A
// malformed name is a configuration error, reported as
// shared.ErrInvalidPermissionFormat rather than a silent deny.
func ParsePermission(name string) (Permission, error) {
	parts := strings.Split(strings.TrimSpace(name), ":")
	if len(parts) != 3 {
		return Permission{}, fmt.Errorf("registry: permission %q: want resource:verb:scope: %w", name, shared.ErrInvalidPermissionFormat)
	}
	resource, verb, scopeRaw := parts[0], parts[1], parts[2]
	scope, ok := ParseScopeLevel(scopeRaw)
	if !ok {
		return Permission{}, fmt.Errorf("registry: permission %q: unknown scope %q: %w", name, scopeRaw, shared.ErrInvalidPermissionFormat)
	}
	if resource == WildcardToken || verb == WildcardToken {
		if resource != WildcardToken || verb != WildcardToken || scope != ScopeGlobal {
			return Permission{}, fmt.Errorf("registry: permission %q: wildcard must be *:*:global: %w", name, shared.ErrInvalidPermissionFormat)
		}
		return Permission{Resource: WildcardToken, Verb: WildcardToken, Scope: ScopeGlobal}, nil
	}
	if _, ok := knownResources[resource]; !ok {
		return Permission{}, fmt.Errorf("registry: permission %q: unknown resource %q: %w", name, resource, shared.ErrInvalidPermissionFormat)
	}
	if _, ok := knownVerbs[verb]; !ok {
		return Permission{}, fmt.Errorf("registry: permission %q: unknown verb %q: %w", name, verb, shared.ErrInvalidPermissionFormat)
	}
	return Permission{Resource: resource, Verb: verb, Scope: scope}, nil
}

// String renders the canonical resource:verb:scope name.
func (p Permission) String() string {
	return p.Resource + ":" + p.Verb + ":" + p.Scope.String()
}

// Wildcard reports whether p is the super-admin permission.
func (p Permission) Wildcard() bool {
	return p.Resource == WildcardToken && p.Verb == WildcardToken
}

// Grants reports whether holding p satisfies a request for `requested`. A
// permission grants a request when it names the same resource and verb with a
// broader-or-equal scope, or when it is the wildcard.
func (p Permission) Grants(requested Permission) bool {
	if p.Wildcard() {
		return true
	}
	return p.Resource == requested.Resource && p.Verb == requested.Verb && p.Scope.Covers(requested.Scope)
}
