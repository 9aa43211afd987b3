package breakglass

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetops/authgate/internal/shared"
)

// ErrStaleSession indicates a transition lost the optimistic-concurrency
// race: another writer already moved the session past the state this
// transition read.
var ErrStaleSession = errors.New("breakglass: stale session version")

// Repository persists elevation sessions.
type Repository interface {
	Insert(ctx context.Context, session Session) (Session, error)
	Get(ctx context.Context, id uuid.UUID) (Session, error)
	// Transition applies the session's current field values on top of the
	// (fromStatus, fromVersion) pair the caller read. It returns
	// ErrStaleSession when another writer transitioned the row first, which
	// is how sweep and manual revoke stay exactly-once.
	Transition(ctx context.Context, session Session, fromStatus Status, fromVersion int64) (Session, error)
	ListExpired(ctx context.Context, now time.Time) ([]Session, error)
	ListByPrincipal(ctx context.Context, principalID uuid.UUID) ([]Session, error)
}

const sessionColumns = `id, principal_id, tenant_id, requested_role, reason, ticket_ref,
requested_duration_secs, status, requested_at, approved_by, approved_at,
start_time, end_time, revoked_by, revoked_at, decision_note, version`

// SQLRepository is the Postgres-backed session store.
type SQLRepository struct {
	pool *pgxpool.Pool
}

// NewSQLRepository constructs the production repository.
func NewSQLRepository(pool *pgxpool.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

// Insert creates a session in its initial state.
func (r *SQLRepository) Insert(ctx context.Context, s Session) (Session, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO breakglass_sessions
(id, principal_id, tenant_id, requested_role, reason, ticket_ref, requested_duration_secs, status, requested_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
RETURNING version`,
		s.ID, s.PrincipalID, s.TenantID, s.RequestedRole, s.Reason, s.TicketRef,
		int64(s.RequestedDuration.Seconds()), s.Status, s.RequestedAt)
	if err := row.Scan(&s.Version); err != nil {
		return Session{}, fmt.Errorf("breakglass: insert: %w", err)
	}
	return s, nil
}

// Get loads a session by id.
func (r *SQLRepository) Get(ctx context.Context, id uuid.UUID) (Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+`
FROM breakglass_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, fmt.Errorf("breakglass: session %s: %w", id, shared.ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("breakglass: get: %w", err)
	}
	return s, nil
}

// Transition writes the session iff the row still carries the read state.
func (r *SQLRepository) Transition(ctx context.Context, s Session, fromStatus Status, fromVersion int64) (Session, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE breakglass_sessions SET
status = $1, approved_by = $2, approved_at = $3, start_time = $4, end_time = $5,
revoked_by = $6, revoked_at = $7, decision_note = $8, version = version + 1
WHERE id = $9 AND status = $10 AND version = $11`,
		s.Status, s.ApprovedBy, s.ApprovedAt, s.StartTime, s.EndTime,
		s.RevokedBy, s.RevokedAt, s.DecisionNote,
		s.ID, fromStatus, fromVersion)
	if err != nil {
		return Session{}, fmt.Errorf("breakglass: transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Session{}, ErrStaleSession
	}
	s.Version = fromVersion + 1
	return s, nil
}

// ListExpired returns active sessions whose end time has passed.
func (r *SQLRepository) ListExpired(ctx context.Context, now time.Time) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+`
FROM breakglass_sessions
WHERE status = $1 AND end_time <= $2
ORDER BY end_time`, StatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("breakglass: list expired: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListByPrincipal returns the principal's sessions, newest first.
func (r *SQLRepository) ListByPrincipal(ctx context.Context, principalID uuid.UUID) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+`
FROM breakglass_sessions
WHERE principal_id = $1
ORDER BY requested_at DESC`, principalID)
	if err != nil {
		return nil, fmt.Errorf("breakglass: list by principal: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("breakglass: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	var durationSecs int64
	err := row.Scan(&s.ID, &s.PrincipalID, &s.TenantID, &s.RequestedRole, &s.Reason, &s.TicketRef,
		&durationSecs, &s.Status, &s.RequestedAt, &s.ApprovedBy, &s.ApprovedAt,
		&s.StartTime, &s.EndTime, &s.RevokedBy, &s.RevokedAt, &s.DecisionNote, &s.Version)
	if err != nil {
		return Session{}, err
	}
	s.RequestedDuration = time.Duration(durationSecs) * time.Second
	return s, nil
}
