// Package scope builds row-visibility predicates from a principal's role
// scope. The row store applies the predicate as the final filter before
// returning rows; no caller path may bypass it.
package scope

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fleetops/authgate/internal/registry"
	"github.com/fleetops/authgate/internal/shared"
)

// Predicate is a data value describing which rows a principal may see. It
// renders to SQL for the row store and evaluates rows in memory; both views
// derive from the same fields, so they cannot drift.
type Predicate struct {
	Scope      registry.ScopeLevel
	TenantID   uuid.UUID
	OwnerField string
	OwnerID    uuid.UUID
	OwnedIDs   []uuid.UUID
	GroupField string
	GroupIDs   []uuid.UUID
	TeamField  string
	TeamIDs    []uuid.UUID
	MaxRows    int
}

// SQL renders the predicate as a WHERE fragment with positional args.
func (p Predicate) SQL() (string, []any) {
	if p.Scope == registry.ScopeGlobal {
		return "TRUE", nil
	}
	var clauses []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	clauses = append(clauses, "tenant_id = "+next(p.TenantID))
	if p.Scope == registry.ScopeFleet {
		return strings.Join(clauses, " AND "), args
	}

	var ownership []string
	ownership = append(ownership, p.OwnerField+" = "+next(p.OwnerID))
	if len(p.OwnedIDs) > 0 {
		ownership = append(ownership, "id = ANY("+next(p.OwnedIDs)+")")
	}
	if p.Scope == registry.ScopeTeam {
		if len(p.GroupIDs) > 0 {
			ownership = append(ownership, p.GroupField+" = ANY("+next(p.GroupIDs)+")")
		}
		if len(p.TeamIDs) > 0 {
			ownership = append(ownership, p.TeamField+" = ANY("+next(p.TeamIDs)+")")
		}
	}
	clauses = append(clauses, "("+strings.Join(ownership, " OR ")+")")
	return strings.Join(clauses, " AND "), args
}

// Matches evaluates the predicate against a row represented as a column map.
// Used by property tests and in-process filtering.
func (p Predicate) Matches(row map[string]any) bool {
	if p.Scope == registry.ScopeGlobal {
		return true
	}
	if !idEquals(row["tenant_id"], p.TenantID) {
		return false
	}
	if p.Scope == registry.ScopeFleet {
		return true
	}
	if idEquals(row[p.OwnerField], p.OwnerID) {
		return true
	}
	for _, owned := range p.OwnedIDs {
		if idEquals(row["id"], owned) {
			return true
		}
	}
	if p.Scope == registry.ScopeTeam {
		for _, group := range p.GroupIDs {
			if idEquals(row[p.GroupField], group) {
				return true
			}
		}
		for _, team := range p.TeamIDs {
			if idEquals(row[p.TeamField], team) {
				return true
			}
		}
	}
	return false
}

// CheckLimit signals that the caller must paginate instead of silently
// truncating when the would-be result exceeds the role's dataset cap.
func (p Predicate) CheckLimit(total int) error {
	if p.MaxRows > 0 && total > p.MaxRows {
		return fmt.Errorf("scope: result of %d rows exceeds cap %d: %w", total, p.MaxRows, shared.ErrPaginationRequired)
	}
	return nil
}

func idEquals(v any, id uuid.UUID) bool {
	switch value := v.(type) {
	case uuid.UUID:
		return value == id
	case string:
		parsed, err := uuid.Parse(value)
		return err == nil && parsed == id
	default:
		return false
	}
}
