package registry

import (
	"context"
	"sync/atomic"

	"github.com/fleetops/authgate/internal/shared"
)

// Store publishes registry snapshots. Reads are a single atomic pointer load;
// writers build a complete snapshot elsewhere and swap it in. Readers never
// block on writers.
type Store struct {
	current atomic.Pointer[Snapshot]
	version atomic.Int64
}

// NewStore returns an empty store. Snapshot returns
// shared.ErrRegistryUnavailable until the first Publish.
func NewStore() *Store {
	return &Store{}
}

// Snapshot returns the current configuration. It honors the caller's context
// so permission checks can bound registry access and fail closed on expiry.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, shared.ErrRegistryUnavailable
	}
	snap := s.current.Load()
	if snap == nil {
		return nil, shared.ErrRegistryUnavailable
	}
	return snap, nil
}

// Publish assembles and swaps in a new snapshot, returning its version.
func (s *Store) Publish(data SnapshotData) int64 {
	version := s.version.Add(1)
	s.current.Store(NewSnapshot(version, data))
	return version
}

// Version returns the version of the published snapshot, zero when empty.
func (s *Store) Version() int64 {
	snap := s.current.Load()
	if snap == nil {
		return 0
	}
	return snap.Version
}
