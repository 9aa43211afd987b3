package sod

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLDenialMarks persists sticky approval denials keyed by
// (principal, resource instance).
type SQLDenialMarks struct {
	pool *pgxpool.Pool
}

// NewSQLDenialMarks constructs the store.
func NewSQLDenialMarks(pool *pgxpool.Pool) *SQLDenialMarks {
	return &SQLDenialMarks{pool: pool}
}

// Mark records a denial. A concurrent duplicate is not an error; the first
// recorded reason stands.
func (s *SQLDenialMarks) Mark(ctx context.Context, principalID uuid.UUID, resourceID, reason string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO sod_denials (principal_id, resource_id, reason, denied_at)
VALUES ($1, $2, $3, NOW())`, principalID, resourceID, reason)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil
		}
		return fmt.Errorf("sod: mark denial: %w", err)
	}
	return nil
}

// Find returns the recorded denial reason for the pair, when present.
func (s *SQLDenialMarks) Find(ctx context.Context, principalID uuid.UUID, resourceID string) (string, bool, error) {
	var reason string
	err := s.pool.QueryRow(ctx, `SELECT reason FROM sod_denials WHERE principal_id = $1 AND resource_id = $2`,
		principalID, resourceID).Scan(&reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("sod: find denial: %w", err)
	}
	return reason, true, nil
}
