package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/connectomics/chunkedgraph/graphmeta"
	"github.com/connectomics/chunkedgraph/idcodec"
	"github.com/connectomics/chunkedgraph/pkg/errs"
	"github.com/connectomics/chunkedgraph/pkg/utils"
	"github.com/connectomics/chunkedgraph/store"
)

type identityResolver struct {
	latest map[idcodec.NodeID][]idcodec.NodeID
}

func (r identityResolver) Latest(ctx context.Context, root idcodec.NodeID) ([]idcodec.NodeID, error) {
	if next, ok := r.latest[root]; ok {
		return next, nil
	}
	return nil, nil
}

func testMeta(t *testing.T, lockExpirySeconds, maxLockTries int) *graphmeta.Meta {
	t.Helper()
	meta, err := graphmeta.NewMeta(graphmeta.GraphSettings{
		FanOut:            2,
		AtomicSpatialBits: 10,
		LayerCount:        4,
		ChunkSize:         [3]uint32{512, 512, 128},
		LockExpirySeconds: lockExpirySeconds,
		MaxLockTries:      maxLockTries,
		DefaultBBoxOffset: [3]int{240, 240, 24},
	})
	require.NoError(t, err)
	return meta
}

func TestLockSingleAcquiresWhenFree(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := testMeta(t, 180, 7)
	m := NewManager(backend, meta, utils.NewMockClock(time.Now()), nil)

	ok, err := m.LockSingle(context.Background(), 42, 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockSingleFailsWhenAlreadyLocked(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := testMeta(t, 180, 7)
	clock := utils.NewMockClock(time.Now())
	m := NewManager(backend, meta, clock, nil)

	ok, err := m.LockSingle(context.Background(), 42, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.LockSingle(context.Background(), 42, 2)
	require.NoError(t, err)
	require.False(t, ok, "op2 must not acquire while op1's lock is unexpired")
}

func TestLockSingleSucceedsAfterExpiry(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := testMeta(t, 180, 7)
	clock := utils.NewMockClock(time.Now())
	m := NewManager(backend, meta, clock, nil)

	ok, err := m.LockSingle(context.Background(), 42, 1)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(181 * time.Second)

	ok, err = m.LockSingle(context.Background(), 42, 2)
	require.NoError(t, err)
	require.True(t, ok, "op2 must succeed on the first attempt once op1's lock has expired")
}

func TestLockSingleFailsWhenRootSuperseded(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := testMeta(t, 180, 7)
	m := NewManager(backend, meta, utils.NewMockClock(time.Now()), nil)

	require.NoError(t, backend.MutateRow(context.Background(), store.Mutation{
		Key:   store.NodeRowKey(42),
		Cells: map[store.Column][]byte{store.ColNewParent: []byte("99")},
	}))

	ok, err := m.LockSingle(context.Background(), 42, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnlockReleasesOwnLockOnly(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := testMeta(t, 180, 7)
	m := NewManager(backend, meta, utils.NewMockClock(time.Now()), nil)
	ctx := context.Background()

	ok, err := m.LockSingle(ctx, 42, 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Unlock(ctx, 42, 2)) // wrong operation id, no-op
	ok, err = m.LockSingle(ctx, 42, 3)
	require.NoError(t, err)
	require.False(t, ok, "lock must still be held by op1")

	require.NoError(t, m.Unlock(ctx, 42, 1))
	ok, err = m.LockSingle(ctx, 42, 3)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRenewExtendsOwnLock(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := testMeta(t, 180, 7)
	clock := utils.NewMockClock(time.Now())
	m := NewManager(backend, meta, clock, nil)
	ctx := context.Background()

	ok, err := m.LockSingle(ctx, 42, 1)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(170 * time.Second)
	require.NoError(t, m.Renew(ctx, []idcodec.NodeID{42}, 1))

	clock.Advance(170 * time.Second) // 340s since acquire, but only 170s since renew
	require.NoError(t, m.Renew(ctx, []idcodec.NodeID{42}, 1), "renewal should keep succeeding as long as the caller keeps renewing before expiry")
}

func TestRenewFailsForWrongOperation(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := testMeta(t, 180, 7)
	m := NewManager(backend, meta, utils.NewMockClock(time.Now()), nil)
	ctx := context.Background()

	ok, err := m.LockSingle(ctx, 42, 1)
	require.NoError(t, err)
	require.True(t, ok)

	err = m.Renew(ctx, []idcodec.NodeID{42}, 2)
	require.Error(t, err)
	require.True(t, errs.IsLock(err))
}

func TestLockRootsResolvesToLatestAndDedupes(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := testMeta(t, 180, 7)
	m := NewManager(backend, meta, utils.NewMockClock(time.Now()), nil)

	resolver := identityResolver{latest: map[idcodec.NodeID][]idcodec.NodeID{
		1: {100},
		2: {100}, // both resolve to the same latest root
	}}

	locked, err := m.LockRoots(context.Background(), resolver, []idcodec.NodeID{1, 2}, 7)
	require.NoError(t, err)
	require.Equal(t, []idcodec.NodeID{100}, locked)
}

func TestLockRootsScenarioS6Contention(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := testMeta(t, 180, 7)
	clock := utils.NewMockClock(time.Now())
	m1 := NewManager(backend, meta, clock, nil)
	m2 := NewManager(backend, meta, clock, nil)
	resolver := identityResolver{}

	locked1, err := m1.LockRoots(context.Background(), resolver, []idcodec.NodeID{55}, 1)
	require.NoError(t, err)
	require.Equal(t, []idcodec.NodeID{55}, locked1)

	// op2 (op1 < op2) must not acquire while op1 holds the lock unexpired;
	// op1 never releases (crash), so op2 exhausts its retries.
	_, err = m2.LockRoots(context.Background(), resolver, []idcodec.NodeID{55}, 2)
	require.Error(t, err)
	require.True(t, errs.IsLock(err))

	clock.Advance(181 * time.Second)

	locked2, err := m2.LockRoots(context.Background(), resolver, []idcodec.NodeID{55}, 2)
	require.NoError(t, err)
	require.Equal(t, []idcodec.NodeID{55}, locked2, "op2 must succeed on the first attempt once op1's 3-minute lock has expired")
}

func TestLockIndefinitelyRejectsSecondIndefiniteLock(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := testMeta(t, 180, 7)
	m := NewManager(backend, meta, utils.NewMockClock(time.Now()), nil)
	ctx := context.Background()

	ok, err := m.LockSingle(ctx, 42, 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.LockIndefinitely(ctx, []idcodec.NodeID{42}, 1))

	err = m.LockIndefinitely(ctx, []idcodec.NodeID{42}, 1)
	require.Error(t, err)
	require.True(t, errs.IsLock(err))
}
