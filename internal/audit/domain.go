// Package audit is the append-only sink consumed by every authorization
// component. Entries are immutable: the package exposes no update or delete
// path, only Record and read-only queries.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Entry is one immutable permission-check record.
type Entry struct {
	ID          uuid.UUID
	PrincipalID uuid.UUID
	TenantID    uuid.UUID
	Permission  string
	ResourceID  string
	Granted     bool
	Reason      string
	Matched     string
	IP          string
	UserAgent   string
	At          time.Time
	Checksum    []byte
}

// Filters narrows a compliance query.
type Filters struct {
	PrincipalID *uuid.UUID
	Permission  string
	Granted     *bool
	From        time.Time
	To          time.Time
	Page        int
	PageSize    int
}

// PagingInfo carries pagination metadata for query results.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result bundles a page of entries with paging metadata.
type Result struct {
	Rows   []Entry
	Paging PagingInfo
}
