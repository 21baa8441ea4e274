package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/connectomics/chunkedgraph/idcodec"
	"github.com/connectomics/chunkedgraph/lock"
	"github.com/connectomics/chunkedgraph/pkg/errs"
	"github.com/connectomics/chunkedgraph/pkg/utils"
	"github.com/connectomics/chunkedgraph/store"
)

// stubCutter returns a fixed cut regardless of the subgraph handed to it,
// so Multicut tests exercise apply()'s split path without depending on
// mincut (which would otherwise make this package import its own consumer).
type stubCutter struct {
	cut []Edge
	err error
}

func (s stubCutter) Cut(edges []Edge, sources, sinks []idcodec.NodeID) ([]Edge, error) {
	return s.cut, s.err
}

func newTestEngine(t *testing.T, backend store.Backend, cuts CutFinder) (*EditEngine, *Lineage) {
	t.Helper()
	meta := hierTestMeta(t)
	clock := utils.NewMockClock(time.Now())
	hierarchy := NewHierarchyReader(backend, meta, clock, nil)
	lineage := NewLineage(backend, meta)
	allocator := store.NewIdAllocator(backend, meta)
	locker := lock.NewManager(backend, meta, clock, nil)
	return NewEditEngine(backend, meta, hierarchy, lineage, allocator, locker, cuts, clock, nil), lineage
}

// seedLevel2 creates an old level-2 node owning children, with Parent cells
// pointing back to it, under a root node (segment 1 of the root chunk) so
// the edit can resolve its old root. It advances the level-2 and root chunk
// counters past segment 1 so ids the edit allocates never reuse the seeded ids.
func seedLevel2(t *testing.T, backend store.Backend, layout *idcodec.Layout, oldL2 idcodec.NodeID, children ...idcodec.NodeID) {
	t.Helper()
	setChildren(t, backend, oldL2, children...)
	for _, c := range children {
		setParent(t, backend, c, oldL2)
	}
	root := layout.MustPack(layout.RootLayer(), 0, 0, 0, 1)
	setChildren(t, backend, root, oldL2)
	setParent(t, backend, oldL2, root)
	for _, chunk := range []idcodec.ChunkID{layout.ChunkOf(oldL2), layout.ChunkOf(root)} {
		_, err := backend.AtomicIncrement(context.Background(), store.ChunkCounterRowKey(chunk), store.ColCounterValue, 1)
		require.NoError(t, err)
	}
}

func TestMergeCreatesNewLevel2AndSkipsDirectlyToRoot(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := hierTestMeta(t)
	layout := meta.Layout()
	engine, _ := newTestEngine(t, backend, nil)

	sv1 := layout.MustPack(1, 0, 0, 0, 1)
	sv2 := layout.MustPack(1, 0, 0, 0, 2)
	oldL2 := layout.MustPack(2, 0, 0, 0, 1)
	seedLevel2(t, backend, layout, oldL2, sv1, sv2)

	result, err := engine.Merge(context.Background(), "alice", []Edge{{A: sv1, B: sv2}}, [3]uint32{}, [3]uint32{})
	require.NoError(t, err)
	require.Len(t, result.NewLevel2IDs, 1, "sv1 and sv2 merge into a single new level-2 component")
	require.Len(t, result.NewRootIDs, 1, "with no cross-chunk edges the new level-2 node becomes a root directly")
	require.Equal(t, layout.RootLayer(), layout.LayerOf(result.NewRootIDs[0]))

	newL2 := result.NewLevel2IDs[0]
	require.NotEqual(t, oldL2, newL2)

	rows, err := store.BatchedReadRows(context.Background(), backend, []store.RowKey{store.NodeRowKey(oldL2)}, nil, nil, nil)
	require.NoError(t, err)
	cells := rows[store.NodeRowKey(oldL2)][store.ColNewParent]
	require.Len(t, cells, 1)
	require.Equal(t, []idcodec.NodeID{newL2}, decodeNodeIDs(cells[0].Value))
}

func TestMergeRejectsEndpointsBeyondChebyshevDistance(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := hierTestMeta(t)
	layout := meta.Layout()
	engine, _ := newTestEngine(t, backend, nil)

	sv1 := layout.MustPack(1, 0, 0, 0, 1)
	sv2 := layout.MustPack(1, 15, 15, 15, 1)

	_, err := engine.Merge(context.Background(), "alice", []Edge{{A: sv1, B: sv2}}, [3]uint32{}, [3]uint32{})
	require.Error(t, err)
}

func TestMergeDefaultsAffinityToOne(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := hierTestMeta(t)
	layout := meta.Layout()
	engine, _ := newTestEngine(t, backend, nil)

	sv1 := layout.MustPack(1, 0, 0, 0, 1)
	sv2 := layout.MustPack(1, 0, 0, 0, 2)
	oldL2 := layout.MustPack(2, 0, 0, 0, 1)
	seedLevel2(t, backend, layout, oldL2, sv1, sv2)

	_, err := engine.Merge(context.Background(), "alice", []Edge{{A: sv1, B: sv2}}, [3]uint32{}, [3]uint32{})
	require.NoError(t, err)

	hierarchy := NewHierarchyReader(backend, meta, utils.NewMockClock(time.Now()), nil)
	conn, err := hierarchy.Connectivity(context.Background(), sv1, time.Now())
	require.NoError(t, err)
	require.Equal(t, []float32{1}, conn.Affinity)
}

func TestSplitTogglesConnectivityAndSeparatesComponents(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := hierTestMeta(t)
	layout := meta.Layout()
	engine, _ := newTestEngine(t, backend, nil)
	ctx := context.Background()

	sv1 := layout.MustPack(1, 0, 0, 0, 1)
	sv2 := layout.MustPack(1, 0, 0, 0, 2)
	oldL2 := layout.MustPack(2, 0, 0, 0, 1)
	seedLevel2(t, backend, layout, oldL2, sv1, sv2)

	merged, err := engine.Merge(ctx, "alice", []Edge{{A: sv1, B: sv2}}, [3]uint32{}, [3]uint32{})
	require.NoError(t, err)
	require.Len(t, merged.NewRootIDs, 1)
	mergedL2 := merged.NewLevel2IDs[0]

	split, err := engine.Split(ctx, "alice", []Edge{{A: sv1, B: sv2}}, [3]uint32{}, [3]uint32{})
	require.NoError(t, err)
	require.Len(t, split.NewLevel2IDs, 2, "splitting the only edge separates sv1 and sv2 into two components")
	require.Len(t, split.NewRootIDs, 2)

	rows, err := store.BatchedReadRows(ctx, backend, []store.RowKey{store.NodeRowKey(mergedL2)}, nil, nil, nil)
	require.NoError(t, err)
	cells := rows[store.NodeRowKey(mergedL2)][store.ColNewParent]
	require.Len(t, cells, 1)
	require.ElementsMatch(t, split.NewLevel2IDs, decodeNodeIDs(cells[0].Value))
}

func TestSplitFailsWhenEdgeDoesNotExist(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := hierTestMeta(t)
	layout := meta.Layout()
	engine, _ := newTestEngine(t, backend, nil)

	sv1 := layout.MustPack(1, 0, 0, 0, 1)
	sv2 := layout.MustPack(1, 0, 0, 0, 2)
	oldL2 := layout.MustPack(2, 0, 0, 0, 1)
	seedLevel2(t, backend, layout, oldL2, sv1, sv2)

	_, err := engine.Split(context.Background(), "alice", []Edge{{A: sv1, B: sv2}}, [3]uint32{}, [3]uint32{})
	require.Error(t, err)
	require.True(t, errs.IsPrecondition(err))
}

func TestUndoInvertsMergeBackToOriginalComponents(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := hierTestMeta(t)
	layout := meta.Layout()
	engine, _ := newTestEngine(t, backend, nil)
	ctx := context.Background()

	sv1 := layout.MustPack(1, 0, 0, 0, 1)
	sv2 := layout.MustPack(1, 0, 0, 0, 2)
	oldL2 := layout.MustPack(2, 0, 0, 0, 1)
	seedLevel2(t, backend, layout, oldL2, sv1, sv2)

	merged, err := engine.Merge(ctx, "alice", []Edge{{A: sv1, B: sv2}}, [3]uint32{}, [3]uint32{})
	require.NoError(t, err)

	undone, err := engine.Undo(ctx, "alice", merged.OperationID)
	require.NoError(t, err)
	require.Len(t, undone.NewLevel2IDs, 2, "undoing a merge must split the two supervoxels back apart")
}

func TestRedoReplaysOriginalOperation(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := hierTestMeta(t)
	layout := meta.Layout()
	engine, _ := newTestEngine(t, backend, nil)
	ctx := context.Background()

	sv1 := layout.MustPack(1, 0, 0, 0, 1)
	sv2 := layout.MustPack(1, 0, 0, 0, 2)
	oldL2 := layout.MustPack(2, 0, 0, 0, 1)
	seedLevel2(t, backend, layout, oldL2, sv1, sv2)

	merged, err := engine.Merge(ctx, "alice", []Edge{{A: sv1, B: sv2}}, [3]uint32{}, [3]uint32{})
	require.NoError(t, err)
	undone, err := engine.Undo(ctx, "alice", merged.OperationID)
	require.NoError(t, err)

	redone, err := engine.Redo(ctx, "alice", undone.OperationID)
	require.NoError(t, err)
	require.Len(t, redone.NewLevel2IDs, 1, "redoing the undo must re-merge sv1 and sv2")

	rows, err := store.BatchedReadRows(ctx, backend, []store.RowKey{store.LogRowKey(redone.OperationID)}, nil, nil, nil)
	require.NoError(t, err)
	cells := rows[store.LogRowKey(redone.OperationID)][store.ColLogRedoOperationID]
	require.Len(t, cells, 1)
	require.Equal(t, []uint64{undone.OperationID}, decodeUint64s(cells[0].Value))
}

func TestMulticutDefersToInjectedCutFinder(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := hierTestMeta(t)
	layout := meta.Layout()
	ctx := context.Background()

	sv1 := layout.MustPack(1, 0, 0, 0, 1)
	sv2 := layout.MustPack(1, 0, 0, 0, 2)
	oldL2 := layout.MustPack(2, 0, 0, 0, 1)
	l3 := layout.MustPack(3, 0, 0, 0, 1)
	l2Root := layout.MustPack(4, 0, 0, 0, 1)
	seedLevel2(t, backend, layout, oldL2, sv1, sv2)
	setChildren(t, backend, l3, oldL2)
	setParent(t, backend, oldL2, l3)
	setChildren(t, backend, l2Root, l3)
	setParent(t, backend, l3, l2Root)
	// the sv1-sv2 edge the stubbed cut removes, present and connected on both ends.
	for _, pair := range [][2]idcodec.NodeID{{sv1, sv2}, {sv2, sv1}} {
		require.NoError(t, backend.MutateRow(ctx, store.Mutation{
			Key: store.NodeRowKey(pair[0]),
			Cells: map[store.Column][]byte{
				store.ColPartner:   encodeNodeIDs([]idcodec.NodeID{pair[1]}),
				store.ColAffinity:  encodeFloat32s([]float32{1}),
				store.ColArea:      encodeUint64s([]uint64{0}),
				store.ColConnected: encodeUint32s([]uint32{0}),
			},
		}))
	}

	stub := stubCutter{cut: []Edge{{A: sv1, B: sv2}}}
	engine, _ := newTestEngine(t, backend, stub)

	result, err := engine.Multicut(ctx, "alice", []idcodec.NodeID{sv1}, []idcodec.NodeID{sv2}, [3]uint32{}, [3]uint32{10, 10, 10}, [3]int{})
	require.NoError(t, err)
	require.Len(t, result.NewLevel2IDs, 2, "the stubbed cut removes the only edge, separating sv1 from sv2")
}

func TestMulticutFailsWhenSourcesAndSinksSpanDifferentRoots(t *testing.T) {
	backend := store.NewMemoryBackend()
	meta := hierTestMeta(t)
	layout := meta.Layout()
	ctx := context.Background()

	sv1 := layout.MustPack(1, 0, 0, 0, 1)
	sv2 := layout.MustPack(1, 15, 15, 15, 2)
	oldL2a := layout.MustPack(2, 0, 0, 0, 1)
	oldL2b := layout.MustPack(2, 15, 15, 15, 2)
	rootA := layout.MustPack(4, 0, 0, 0, 1)
	rootB := layout.MustPack(4, 0, 0, 0, 2)
	setParent(t, backend, sv1, oldL2a)
	setParent(t, backend, oldL2a, rootA)
	setParent(t, backend, sv2, oldL2b)
	setParent(t, backend, oldL2b, rootB)

	engine, _ := newTestEngine(t, backend, stubCutter{})
	_, err := engine.Multicut(ctx, "alice", []idcodec.NodeID{sv1}, []idcodec.NodeID{sv2}, [3]uint32{}, [3]uint32{15, 15, 15}, [3]int{})
	require.Error(t, err)
	require.True(t, errs.IsPrecondition(err))
}

func TestApplyRejectsEmptyEdit(t *testing.T) {
	backend := store.NewMemoryBackend()
	engine, _ := newTestEngine(t, backend, nil)

	_, err := engine.Split(context.Background(), "alice", nil, [3]uint32{}, [3]uint32{})
	require.Error(t, err)
	require.True(t, errs.IsBadRequest(err))
}
