package assignments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateGrant indicates the principal already holds an active grant of
// the role.
var ErrDuplicateGrant = errors.New("assignments: duplicate active grant")

// Repository persists role assignments.
type Repository interface {
	Insert(ctx context.Context, assignment RoleAssignment) (RoleAssignment, error)
	Deactivate(ctx context.Context, principalID uuid.UUID, roleName string) (bool, error)
	DeactivateAll(ctx context.Context, principalID uuid.UUID) (int, error)
	ActiveAssignments(ctx context.Context, principalID uuid.UUID, now time.Time) ([]RoleAssignment, error)
	ActiveRoleNames(ctx context.Context, principalID uuid.UUID, now time.Time) ([]string, error)
}

// SQLRepository is the Postgres-backed store. A partial unique index on
// (principal_id, role_name) WHERE is_active guards against double grants.
type SQLRepository struct {
	pool *pgxpool.Pool
}

// NewSQLRepository constructs the production repository.
func NewSQLRepository(pool *pgxpool.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

// Insert creates an active assignment.
func (r *SQLRepository) Insert(ctx context.Context, a RoleAssignment) (RoleAssignment, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO role_assignments
(principal_id, role_name, assigned_by, assigned_at, is_active, expires_at)
VALUES ($1, $2, $3, COALESCE($4, NOW()), TRUE, $5)
RETURNING id, assigned_at`,
		a.PrincipalID, a.RoleName, a.AssignedBy, a.AssignedAt, a.ExpiresAt)
	if err := row.Scan(&a.ID, &a.AssignedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return RoleAssignment{}, ErrDuplicateGrant
		}
		return RoleAssignment{}, fmt.Errorf("assignments: insert: %w", err)
	}
	a.IsActive = true
	return a, nil
}

// Deactivate marks the principal's active grant of roleName inactive.
func (r *SQLRepository) Deactivate(ctx context.Context, principalID uuid.UUID, roleName string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE role_assignments SET is_active = FALSE, revoked_at = NOW()
WHERE principal_id = $1 AND role_name = $2 AND is_active`, principalID, roleName)
	if err != nil {
		return false, fmt.Errorf("assignments: deactivate: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeactivateAll revokes every active grant for the principal (offboarding).
func (r *SQLRepository) DeactivateAll(ctx context.Context, principalID uuid.UUID) (int, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE role_assignments SET is_active = FALSE, revoked_at = NOW()
WHERE principal_id = $1 AND is_active`, principalID)
	if err != nil {
		return 0, fmt.Errorf("assignments: deactivate all: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ActiveAssignments returns active, non-expired assignments at now.
func (r *SQLRepository) ActiveAssignments(ctx context.Context, principalID uuid.UUID, now time.Time) ([]RoleAssignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, principal_id, role_name, assigned_by, assigned_at, is_active, expires_at
FROM role_assignments
WHERE principal_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)
ORDER BY assigned_at`, principalID, now)
	if err != nil {
		return nil, fmt.Errorf("assignments: active: %w", err)
	}
	defer rows.Close()
	var out []RoleAssignment
	for rows.Next() {
		var a RoleAssignment
		if err := rows.Scan(&a.ID, &a.PrincipalID, &a.RoleName, &a.AssignedBy, &a.AssignedAt, &a.IsActive, &a.ExpiresAt); err != nil {
			return nil, fmt.Errorf("assignments: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActiveRoleNames returns the principal's active role names at now.
func (r *SQLRepository) ActiveRoleNames(ctx context.Context, principalID uuid.UUID, now time.Time) ([]string, error) {
	assignments, err := r.ActiveAssignments(ctx, principalID, now)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(assignments))
	for _, a := range assignments {
		names = append(names, a.RoleName)
	}
	return names, nil
}
