package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Reader lists entries for compliance queries.
type Reader interface {
	List(ctx context.Context, filters Filters, limit, offset int) ([]Entry, error)
}

// QueryService serves the read-only compliance interface.
type QueryService struct {
	reader Reader
}

// NewQueryService constructs a QueryService.
func NewQueryService(reader Reader) *QueryService {
	return &QueryService{reader: reader}
}

// Query returns one page of entries matching the filters.
func (s *QueryService) Query(ctx context.Context, filters Filters) (Result, error) {
	if s.reader == nil {
		return Result{}, fmt.Errorf("audit: reader not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	rows, err := s.reader.List(ctx, filters, pageSize+1, offset)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export walks every matching entry without paging and hands each one to fn.
// Only one batch is held in memory at a time; a trail of any size streams
// straight through to the caller's writer.
func (s *QueryService) Export(ctx context.Context, filters Filters, fn func(Entry) error) error {
	if s.reader == nil {
		return fmt.Errorf("audit: reader not configured")
	}
	const batch = 1000
	for offset := 0; ; offset += batch {
		rows, err := s.reader.List(ctx, filters, batch, offset)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := fn(row); err != nil {
				return err
			}
		}
		if len(rows) < batch {
			return nil
		}
	}
}

// SQLReader reads entries from Postgres.
type SQLReader struct {
	pool *pgxpool.Pool
}

// NewSQLReader constructs the production reader.
func NewSQLReader(pool *pgxpool.Pool) *SQLReader {
	return &SQLReader{pool: pool}
}

// List applies filters and returns entries in insertion order.
func (r *SQLReader) List(ctx context.Context, filters Filters, limit, offset int) ([]Entry, error) {
	var clauses []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filters.PrincipalID != nil {
		clauses = append(clauses, "principal_id = "+next(*filters.PrincipalID))
	}
	if filters.Permission != "" {
		clauses = append(clauses, "permission = "+next(filters.Permission))
	}
	if filters.Granted != nil {
		clauses = append(clauses, "granted = "+next(*filters.Granted))
	}
	if !filters.From.IsZero() {
		clauses = append(clauses, "occurred_at >= "+next(filters.From))
	}
	if !filters.To.IsZero() {
		clauses = append(clauses, "occurred_at <= "+next(filters.To))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id, principal_id, tenant_id, permission, resource_id, granted, reason, matched_permission, ip, user_agent, occurred_at, checksum
FROM permission_check_logs` + where + ` ORDER BY occurred_at ASC, id ASC LIMIT ` + next(limit) + ` OFFSET ` + next(offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.ID, &entry.PrincipalID, &entry.TenantID, &entry.Permission, &entry.ResourceID,
			&entry.Granted, &entry.Reason, &entry.Matched, &entry.IP, &entry.UserAgent, &entry.At, &entry.Checksum); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
