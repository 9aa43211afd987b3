package audit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/blake2b"
)

// Sink persists entries. The SQL implementation is the production sink;
// tests substitute in-memory fakes.
type Sink interface {
	Insert(ctx context.Context, entry Entry) error
	LastChecksum(ctx context.Context) ([]byte, error)
}

// Recorder writes the audit trail. Record sits on the critical path of every
// grant decision: callers must treat a Record failure as a denial.
//
// Entries form a hash chain: each checksum covers the previous checksum and
// the entry fields, so any tampering with stored history is detectable.
type Recorder struct {
	sink   Sink
	logger *slog.Logger

	mu   sync.Mutex
	prev []byte
}

// NewRecorder constructs a Recorder. It reads the tail checksum so the chain
// continues across restarts.
func NewRecorder(ctx context.Context, sink Sink, logger *slog.Logger) (*Recorder, error) {
	prev, err := sink.LastChecksum(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: read chain tail: %w", err)
	}
	return &Recorder{sink: sink, logger: logger, prev: prev}, nil
}

// Record appends one entry, synchronously acknowledged. The write either
// lands durably or returns an error; there is no fire-and-forget path.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	if r == nil {
		return errors.New("audit: recorder not initialised")
	}
	if entry.PrincipalID == uuid.Nil {
		return errors.New("audit: entry requires principal id")
	}
	if entry.Permission == "" {
		return errors.New("audit: entry requires permission")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entry.Checksum = chain(r.prev, entry)
	if err := r.sink.Insert(ctx, entry); err != nil {
		r.logger.Error("audit write failed",
			slog.String("principal", entry.PrincipalID.String()),
			slog.String("permission", entry.Permission),
			slog.Any("error", err))
		return fmt.Errorf("audit: record: %w", err)
	}
	r.prev = entry.Checksum
	return nil
}

func chain(prev []byte, entry Entry) []byte {
	h, _ := blake2b.New256(nil)
	h.Write(prev)
	h.Write([]byte(entry.ID.String()))
	h.Write([]byte(entry.PrincipalID.String()))
	h.Write([]byte(entry.TenantID.String()))
	h.Write([]byte(entry.Permission))
	h.Write([]byte(entry.ResourceID))
	h.Write([]byte(strconv.FormatBool(entry.Granted)))
	h.Write([]byte(entry.Reason))
	h.Write([]byte(entry.Matched))
	h.Write([]byte(entry.At.UTC().Format(time.RFC3339Nano)))
	return h.Sum(nil)
}

// VerifyChain recomputes checksums over entries in insertion order and
// reports the index of the first corrupted entry, or -1 when intact.
func VerifyChain(entries []Entry) int {
	var prev []byte
	for i, entry := range entries {
		want := chain(prev, entry)
		if hex.EncodeToString(want) != hex.EncodeToString(entry.Checksum) {
			return i
		}
		prev = entry.Checksum
	}
	return -1
}

// SQLSink stores entries in Postgres. The table has no update or delete
// statements anywhere in this codebase.
type SQLSink struct {
	pool *pgxpool.Pool
}

// NewSQLSink constructs the production sink.
func NewSQLSink(pool *pgxpool.Pool) *SQLSink {
	return &SQLSink{pool: pool}
}

// Insert appends one row.
func (s *SQLSink) Insert(ctx context.Context, entry Entry) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO permission_check_logs
(id, principal_id, tenant_id, permission, resource_id, granted, reason, matched_permission, ip, user_agent, occurred_at, checksum)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, entry.PrincipalID, entry.TenantID, entry.Permission, entry.ResourceID,
		entry.Granted, entry.Reason, entry.Matched, entry.IP, entry.UserAgent, entry.At, entry.Checksum)
	return err
}

// LastChecksum returns the checksum of the most recent entry, nil when empty.
func (s *SQLSink) LastChecksum(ctx context.Context) ([]byte, error) {
	var checksum []byte
	err := s.pool.QueryRow(ctx, `SELECT checksum FROM permission_check_logs ORDER BY occurred_at DESC, id DESC LIMIT 1`).Scan(&checksum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return checksum, nil
}
