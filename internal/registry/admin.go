package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetops/authgate/internal/platform/db"
)

// AdminRepository mutates the registry configuration tables. Writes take
// effect only once a reload publishes a fresh snapshot.
type AdminRepository struct {
	pool *pgxpool.Pool
}

// NewAdminRepository constructs an AdminRepository.
func NewAdminRepository(pool *pgxpool.Pool) *AdminRepository {
	return &AdminRepository{pool: pool}
}

// UpsertRole writes the role definition and replaces its permission grants
// in one transaction.
func (r *AdminRepository) UpsertRole(ctx context.Context, role RoleRow, permissions []string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO authz_roles
(name, scope_level, mfa_required, max_dataset_size, allows_jit_elevation)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (name) DO UPDATE SET
	scope_level = EXCLUDED.scope_level,
	mfa_required = EXCLUDED.mfa_required,
	max_dataset_size = EXCLUDED.max_dataset_size,
	allows_jit_elevation = EXCLUDED.allows_jit_elevation`,
			role.Name, role.ScopeLevel, role.MFARequired, role.MaxDatasetSize, role.AllowsJITElevation)
		if err != nil {
			return fmt.Errorf("registry: upsert role: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM authz_role_permissions WHERE role_name = $1`, role.Name); err != nil {
			return fmt.Errorf("registry: clear role permissions: %w", err)
		}
		for _, perm := range permissions {
			if _, err := tx.Exec(ctx, `INSERT INTO authz_role_permissions (role_name, permission)
VALUES ($1,$2) ON CONFLICT DO NOTHING`, role.Name, perm); err != nil {
				return fmt.Errorf("registry: insert role permission: %w", err)
			}
		}
		return nil
	})
}

// DeleteRole removes a role along with its grants, SoD pairs, and
// eligibility entries.
func (r *AdminRepository) DeleteRole(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM authz_role_permissions WHERE role_name = $1`, name); err != nil {
			return fmt.Errorf("registry: delete role permissions: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM authz_sod_rules WHERE role_a = $1 OR role_b = $1`, name); err != nil {
			return fmt.Errorf("registry: delete sod rules: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM authz_breakglass_eligibility WHERE role_name = $1`, name); err != nil {
			return fmt.Errorf("registry: delete eligibility: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM authz_roles WHERE name = $1`, name)
		if err != nil {
			return fmt.Errorf("registry: delete role: %w", err)
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	return deleted, err
}

// PutSoDRule records a conflicting role pair.
func (r *AdminRepository) PutSoDRule(ctx context.Context, rule SoDRuleRow) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO authz_sod_rules (role_a, role_b)
VALUES ($1,$2) ON CONFLICT DO NOTHING`, rule.RoleA, rule.RoleB)
	if err != nil {
		return fmt.Errorf("registry: put sod rule: %w", err)
	}
	return nil
}

// DeleteSoDRule removes a conflicting role pair in either orientation.
func (r *AdminRepository) DeleteSoDRule(ctx context.Context, rule SoDRuleRow) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM authz_sod_rules
WHERE (role_a = $1 AND role_b = $2) OR (role_a = $2 AND role_b = $1)`, rule.RoleA, rule.RoleB)
	if err != nil {
		return false, fmt.Errorf("registry: delete sod rule: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertMaskRule writes a field mask rule.
func (r *AdminRepository) UpsertMaskRule(ctx context.Context, rule MaskRuleRow) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO authz_field_mask_rules
(resource_type, field_name, classification, strategy, pattern, allowed_roles)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (resource_type, field_name) DO UPDATE SET
	classification = EXCLUDED.classification,
	strategy = EXCLUDED.strategy,
	pattern = EXCLUDED.pattern,
	allowed_roles = EXCLUDED.allowed_roles`,
		rule.ResourceType, rule.FieldName, rule.Classification, rule.Strategy, rule.Pattern, rule.AllowedRoles)
	if err != nil {
		return fmt.Errorf("registry: upsert mask rule: %w", err)
	}
	return nil
}

// DeleteMaskRule removes a field mask rule.
func (r *AdminRepository) DeleteMaskRule(ctx context.Context, resourceType, fieldName string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM authz_field_mask_rules
WHERE resource_type = $1 AND field_name = $2`, resourceType, fieldName)
	if err != nil {
		return false, fmt.Errorf("registry: delete mask rule: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
