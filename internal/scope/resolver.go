package scope

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fleetops/authgate/internal/registry"
	"github.com/fleetops/authgate/internal/shared"
)

// Membership columns used by team-scope predicates. Facility and team
// membership filter on distinct columns; rows carry both.
const (
	GroupColumn = "facility_id"
	TeamColumn  = "team_id"
)

// Resolver builds row predicates from registry configuration.
type Resolver struct {
	store  *registry.Store
	logger *slog.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(store *registry.Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// RowPredicate builds the visibility predicate for a principal acting under
// roleName over resourceType.
//
// Visible-row sets are monotonic in scope: own ⊆ team ⊆ fleet ⊆ global for
// the same principal. The team predicate therefore includes the own clauses,
// and every non-global predicate includes the tenant boundary.
func (r *Resolver) RowPredicate(ctx context.Context, principal shared.Principal, roleName, resourceType string) (Predicate, error) {
	snap, err := r.store.Snapshot(ctx)
	if err != nil {
		return Predicate{}, err
	}
	role, ok := snap.Role(roleName)
	if !ok {
		return Predicate{}, fmt.Errorf("scope: role %q: %w", roleName, shared.ErrNotFound)
	}

	pred := Predicate{
		Scope:    role.ScopeLevel,
		TenantID: principal.TenantID,
		MaxRows:  role.MaxDatasetSize,
	}
	if role.ScopeLevel == registry.ScopeFleet || role.ScopeLevel == registry.ScopeGlobal {
		return pred, nil
	}

	ownerField, ok := snap.OwnerField(resourceType)
	if !ok {
		return Predicate{}, fmt.Errorf("scope: resource type %q has no owner field configured: %w", resourceType, shared.ErrNotFound)
	}
	pred.OwnerField = ownerField
	pred.OwnerID = principal.ID
	pred.OwnedIDs = append(pred.OwnedIDs, principal.OwnedResources...)
	if role.ScopeLevel == registry.ScopeTeam {
		pred.GroupField = GroupColumn
		pred.GroupIDs = append(pred.GroupIDs, principal.FacilityIDs...)
		pred.TeamField = TeamColumn
		pred.TeamIDs = append(pred.TeamIDs, principal.TeamIDs...)
	}
	return pred, nil
}
