package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetops/authgate/internal/platform/db"
)

// RoleRow is a raw role definition as stored in configuration.
type RoleRow struct {
	Name               string `validate:"required"`
	ScopeLevel         string `validate:"required,oneof=own team fleet global"`
	MFARequired        bool
	MaxDatasetSize     int `validate:"gte=0"`
	AllowsJITElevation bool
}

// PermissionRow grants one permission name to a role.
type PermissionRow struct {
	RoleName   string `validate:"required"`
	Permission string `validate:"required"`
}

// SoDRuleRow is a raw separation-of-duties pair.
type SoDRuleRow struct {
	RoleA string `validate:"required"`
	RoleB string `validate:"required,nefield=RoleA"`
}

// MaskRuleRow is a raw field mask rule.
type MaskRuleRow struct {
	ResourceType   string `validate:"required"`
	FieldName      string `validate:"required"`
	Classification string
	Strategy       string `validate:"required,oneof=remove full-hide partial-mask"`
	Pattern        string
	AllowedRoles   []string
}

// OwnerFieldRow maps a resource type to its owner/assignee column.
type OwnerFieldRow struct {
	ResourceType string `validate:"required"`
	OwnerField   string `validate:"required"`
}

// EligibilityRow marks a principal as eligible for break-glass elevation
// into a role.
type EligibilityRow struct {
	RoleName    string    `validate:"required"`
	PrincipalID uuid.UUID `validate:"required"`
}

// ConfigSource supplies raw registry configuration rows.
type ConfigSource interface {
	Roles(ctx context.Context) ([]RoleRow, error)
	Permissions(ctx context.Context) ([]PermissionRow, error)
	SoDRules(ctx context.Context) ([]SoDRuleRow, error)
	MaskRules(ctx context.Context) ([]MaskRuleRow, error)
	OwnerFields(ctx context.Context) ([]OwnerFieldRow, error)
	Eligibility(ctx context.Context) ([]EligibilityRow, error)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SQLConfigSource reads registry configuration from Postgres.
type SQLConfigSource struct {
	pool *pgxpool.Pool
	q    querier
}

// NewSQLConfigSource constructs a config source backed by the pool.
func NewSQLConfigSource(pool *pgxpool.Pool) *SQLConfigSource {
	return &SQLConfigSource{pool: pool, q: pool}
}

// WithConsistentRead runs fn against a source bound to one repeatable-read
// transaction, so a reload never mixes rows from two config revisions.
func (s *SQLConfigSource) WithConsistentRead(ctx context.Context, fn func(source ConfigSource) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&SQLConfigSource{pool: s.pool, q: tx})
	})
}

// Roles loads role definitions.
func (s *SQLConfigSource) Roles(ctx context.Context) ([]RoleRow, error) {
	rows, err := s.q.Query(ctx, `SELECT name, scope_level, mfa_required, max_dataset_size, allows_jit_elevation
FROM authz_roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("registry: load roles: %w", err)
	}
	defer rows.Close()
	var out []RoleRow
	for rows.Next() {
		var row RoleRow
		if err := rows.Scan(&row.Name, &row.ScopeLevel, &row.MFARequired, &row.MaxDatasetSize, &row.AllowsJITElevation); err != nil {
			return nil, fmt.Errorf("registry: scan role: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Permissions loads role permission grants.
func (s *SQLConfigSource) Permissions(ctx context.Context) ([]PermissionRow, error) {
	rows, err := s.q.Query(ctx, `SELECT role_name, permission FROM authz_role_permissions ORDER BY role_name, permission`)
	if err != nil {
		return nil, fmt.Errorf("registry: load permissions: %w", err)
	}
	defer rows.Close()
	var out []PermissionRow
	for rows.Next() {
		var row PermissionRow
		if err := rows.Scan(&row.RoleName, &row.Permission); err != nil {
			return nil, fmt.Errorf("registry: scan permission: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SoDRules loads separation-of-duties pairs.
func (s *SQLConfigSource) SoDRules(ctx context.Context) ([]SoDRuleRow, error) {
	rows, err := s.q.Query(ctx, `SELECT role_a, role_b FROM authz_sod_rules`)
	if err != nil {
		return nil, fmt.Errorf("registry: load sod rules: %w", err)
	}
	defer rows.Close()
	var out []SoDRuleRow
	for rows.Next() {
		var row SoDRuleRow
		if err := rows.Scan(&row.RoleA, &row.RoleB); err != nil {
			return nil, fmt.Errorf("registry: scan sod rule: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MaskRules loads field mask rules.
func (s *SQLConfigSource) MaskRules(ctx context.Context) ([]MaskRuleRow, error) {
	rows, err := s.q.Query(ctx, `SELECT resource_type, field_name, classification, strategy, pattern, allowed_roles
FROM authz_field_mask_rules`)
	if err != nil {
		return nil, fmt.Errorf("registry: load mask rules: %w", err)
	}
	defer rows.Close()
	var out []MaskRuleRow
	for rows.Next() {
		var row MaskRuleRow
		if err := rows.Scan(&row.ResourceType, &row.FieldName, &row.Classification, &row.Strategy, &row.Pattern, &row.AllowedRoles); err != nil {
			return nil, fmt.Errorf("registry: scan mask rule: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// OwnerFields loads the resource type to owner column mapping.
func (s *SQLConfigSource) OwnerFields(ctx context.Context) ([]OwnerFieldRow, error) {
	rows, err := s.q.Query(ctx, `SELECT resource_type, owner_field FROM authz_resource_owner_fields`)
	if err != nil {
		return nil, fmt.Errorf("registry: load owner fields: %w", err)
	}
	defer rows.Close()
	var out []OwnerFieldRow
	for rows.Next() {
		var row OwnerFieldRow
		if err := rows.Scan(&row.ResourceType, &row.OwnerField); err != nil {
			return nil, fmt.Errorf("registry: scan owner field: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Eligibility loads the break-glass eligibility list.
func (s *SQLConfigSource) Eligibility(ctx context.Context) ([]EligibilityRow, error) {
	rows, err := s.q.Query(ctx, `SELECT role_name, principal_id FROM authz_breakglass_eligibility`)
	if err != nil {
		return nil, fmt.Errorf("registry: load eligibility: %w", err)
	}
	defer rows.Close()
	var out []EligibilityRow
	for rows.Next() {
		var row EligibilityRow
		if err := rows.Scan(&row.RoleName, &row.PrincipalID); err != nil {
			return nil, fmt.Errorf("registry: scan eligibility: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
