package assignments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/authgate/internal/shared"
	"github.com/fleetops/authgate/internal/sod"
)

// Guard validates assignments against the SoD rule table before commit.
type Guard interface {
	CanAssignRole(ctx context.Context, principalID uuid.UUID, newRole string) (sod.AssignmentCheck, error)
}

// CacheInvalidator drops a principal's cached permission resolution. Every
// assignment mutation invalidates inline, so a subsequent check from the
// same principal observes the change (bounded only by the cache TTL).
type CacheInvalidator interface {
	InvalidateCache(ctx context.Context, principalID uuid.UUID) error
}

// Service coordinates role-assignment mutations.
type Service struct {
	repo        Repository
	guard       Guard
	invalidator CacheInvalidator
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs the assignment service.
func NewService(repo Repository, guard Guard, invalidator CacheInvalidator, logger *slog.Logger) *Service {
	return &Service{
		repo:        repo,
		guard:       guard,
		invalidator: invalidator,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Grant assigns roleName to principalID after the SoD check passes. A nil
// expiresAt grants permanently; break-glass elevation passes the session end
// time.
func (s *Service) Grant(ctx context.Context, actor uuid.UUID, principalID uuid.UUID, roleName string, expiresAt *time.Time) (RoleAssignment, error) {
	check, err := s.guard.CanAssignRole(ctx, principalID, roleName)
	if err != nil {
		return RoleAssignment{}, err
	}
	if !check.Allowed {
		return RoleAssignment{}, &shared.SoDConflictError{Role: roleName, ConflictingRole: check.ConflictingRole}
	}

	assignment, err := s.repo.Insert(ctx, RoleAssignment{
		PrincipalID: principalID,
		RoleName:    roleName,
		AssignedBy:  actor,
		AssignedAt:  s.now(),
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return RoleAssignment{}, err
	}
	s.invalidate(ctx, principalID)
	s.logger.Info("role granted",
		slog.String("principal", principalID.String()),
		slog.String("role", roleName),
		slog.String("assigned_by", actor.String()))
	return assignment, nil
}

// Revoke deactivates the principal's grant of roleName.
func (s *Service) Revoke(ctx context.Context, actor uuid.UUID, principalID uuid.UUID, roleName string) error {
	revoked, err := s.repo.Deactivate(ctx, principalID, roleName)
	if err != nil {
		return err
	}
	if !revoked {
		return fmt.Errorf("assignments: no active grant of %q: %w", roleName, shared.ErrNotFound)
	}
	s.invalidate(ctx, principalID)
	s.logger.Info("role revoked",
		slog.String("principal", principalID.String()),
		slog.String("role", roleName),
		slog.String("revoked_by", actor.String()))
	return nil
}

// Offboard deactivates every active grant for the principal.
func (s *Service) Offboard(ctx context.Context, actor uuid.UUID, principalID uuid.UUID) (int, error) {
	count, err := s.repo.DeactivateAll(ctx, principalID)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, principalID)
	s.logger.Info("principal offboarded",
		slog.String("principal", principalID.String()),
		slog.Int("revoked", count),
		slog.String("actor", actor.String()))
	return count, nil
}

// ActiveRoleNames implements the SoD validator's role reader.
func (s *Service) ActiveRoleNames(ctx context.Context, principalID uuid.UUID) ([]string, error) {
	return s.repo.ActiveRoleNames(ctx, principalID, s.now())
}

func (s *Service) invalidate(ctx context.Context, principalID uuid.UUID) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.InvalidateCache(ctx, principalID); err != nil {
		s.logger.Warn("cache invalidation failed",
			slog.String("principal", principalID.String()),
			slog.Any("error", err))
	}
}
