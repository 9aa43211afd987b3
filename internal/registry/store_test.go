package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetops/authgate/internal/shared"
)

func testRole(name string, scope ScopeLevel, perms ...string) Role {
	role := Role{Name: name, ScopeLevel: scope, MaxDatasetSize: 500}
	for _, p := range perms {
		parsed, err := ParsePermission(p)
		if err != nil {
			panic(err)
		}
		role.Permissions = append(role.Permissions, parsed)
	}
	return role
}

func TestStoreUnavailableBeforeFirstPublish(t *testing.T) {
	store := NewStore()
	_, err := store.Snapshot(context.Background())
	require.ErrorIs(t, err, shared.ErrRegistryUnavailable)
}

func TestStoreFailsClosedOnExpiredContext(t *testing.T) {
	store := NewStore()
	store.Publish(SnapshotData{Roles: []Role{testRole("Driver", ScopeOwn, "vehicle:view:own")}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.Snapshot(ctx)
	require.ErrorIs(t, err, shared.ErrRegistryUnavailable)
}

func TestStorePublishBumpsVersion(t *testing.T) {
	store := NewStore()
	v1 := store.Publish(SnapshotData{})
	v2 := store.Publish(SnapshotData{})
	require.Equal(t, v1+1, v2)
	require.Equal(t, v2, store.Version())
}

func TestStoreConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	store := NewStore()
	store.Publish(snapshotWithRoles(1))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 2; ; i++ {
			select {
			case <-done:
				return
			default:
				store.Publish(snapshotWithRoles(i))
			}
		}
	}()

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		snap, err := store.Snapshot(context.Background())
		require.NoError(t, err)
		// Every role in a snapshot carries the same generation marker; a torn
		// read would mix generations.
		names := snap.RoleNames()
		require.Len(t, names, 3)
		role, ok := snap.Role(names[0])
		require.True(t, ok)
		for _, name := range names[1:] {
			other, ok := snap.Role(name)
			require.True(t, ok)
			require.Equal(t, role.MaxDatasetSize, other.MaxDatasetSize)
		}
	}
	close(done)
	wg.Wait()
}

func snapshotWithRoles(generation int) SnapshotData {
	roles := make([]Role, 0, 3)
	for i := 0; i < 3; i++ {
		roles = append(roles, Role{
			Name:           fmt.Sprintf("role-%d", i),
			ScopeLevel:     ScopeTeam,
			MaxDatasetSize: generation,
		})
	}
	return SnapshotData{Roles: roles}
}

func TestSnapshotConflictingRole(t *testing.T) {
	data := SnapshotData{
		Roles: []Role{
			testRole("Manager", ScopeFleet, "work_order:approve:fleet"),
			testRole("Finance", ScopeFleet, "purchase_order:approve:fleet"),
			testRole("Driver", ScopeOwn, "vehicle:view:own"),
		},
		SoDRules: []SoDRule{{RoleA: "Manager", RoleB: "Finance"}},
	}
	snap := NewSnapshot(1, data)

	require.Equal(t, "Manager", snap.ConflictingRole([]string{"Driver", "Manager"}, "Finance"))
	require.Equal(t, "Finance", snap.ConflictingRole([]string{"Finance"}, "Manager"))
	require.Empty(t, snap.ConflictingRole([]string{"Driver"}, "Finance"))
}
