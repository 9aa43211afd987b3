package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memoryReader struct {
	entries  []Entry
	lastCall struct {
		limit  int
		offset int
	}
}

func (r *memoryReader) List(ctx context.Context, filters Filters, limit, offset int) ([]Entry, error) {
	r.lastCall.limit = limit
	r.lastCall.offset = offset
	var matched []Entry
	for _, entry := range r.entries {
		if filters.PrincipalID != nil && entry.PrincipalID != *filters.PrincipalID {
			continue
		}
		if filters.Permission != "" && entry.Permission != filters.Permission {
			continue
		}
		if filters.Granted != nil && entry.Granted != *filters.Granted {
			continue
		}
		matched = append(matched, entry)
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func seedEntries(n int, principal uuid.UUID) []Entry {
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, Entry{
			ID:          uuid.New(),
			PrincipalID: principal,
			TenantID:    uuid.New(),
			Permission:  "work_order:view:team",
			Granted:     i%2 == 0,
			At:          time.Now().UTC(),
		})
	}
	return entries
}

func TestQueryPaging(t *testing.T) {
	principal := uuid.New()
	reader := &memoryReader{entries: seedEntries(5, principal)}
	svc := NewQueryService(reader)

	result, err := svc.Query(context.Background(), Filters{PrincipalID: &principal, Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	require.True(t, result.Paging.HasNext)
	require.Equal(t, 2, result.Paging.NextPage)
	// The limit+1 read detects the next page without a count query.
	require.Equal(t, 3, reader.lastCall.limit)
}

func TestQueryGrantedFilter(t *testing.T) {
	principal := uuid.New()
	reader := &memoryReader{entries: seedEntries(6, principal)}
	svc := NewQueryService(reader)

	granted := true
	result, err := svc.Query(context.Background(), Filters{Granted: &granted, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, result.Rows, 3)
	for _, row := range result.Rows {
		require.True(t, row.Granted)
	}
}

func TestExportWalksAllPages(t *testing.T) {
	principal := uuid.New()
	reader := &memoryReader{entries: seedEntries(7, principal)}
	svc := NewQueryService(reader)

	var seen []Entry
	err := svc.Export(context.Background(), Filters{}, func(e Entry) error {
		seen = append(seen, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 7)
}

// A sink failure stops the walk instead of draining the reader.
func TestExportStopsOnCallbackError(t *testing.T) {
	principal := uuid.New()
	reader := &memoryReader{entries: seedEntries(7, principal)}
	svc := NewQueryService(reader)

	var seen int
	err := svc.Export(context.Background(), Filters{}, func(Entry) error {
		seen++
		if seen == 3 {
			return context.Canceled
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 3, seen)
}
