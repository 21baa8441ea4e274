package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/connectomics/chunkedgraph/graph"
	"github.com/connectomics/chunkedgraph/graphmeta"
	"github.com/connectomics/chunkedgraph/idcodec"
	"github.com/connectomics/chunkedgraph/pkg/utils"
	"github.com/connectomics/chunkedgraph/store"
)

func testMeta(t *testing.T) *graphmeta.Meta {
	t.Helper()
	settings := graphmeta.GraphSettings{
		FanOut:            2,
		AtomicSpatialBits: 10,
		LayerCount:        4,
		ChunkSize:         [3]uint32{512, 512, 128},
		LockExpirySeconds: 180,
		MaxLockTries:      7,
	}
	meta, err := graphmeta.NewMeta(settings)
	require.NoError(t, err)
	return meta
}

func rawEdge(a, b idcodec.NodeID, aff float32, area uint64) RawEdges {
	return RawEdges{A: []idcodec.NodeID{a}, B: []idcodec.NodeID{b}, Affinity: []float32{aff}, Area: []uint64{area}}
}

func TestBuildAtomicChunkMergesAgglomeratedComponent(t *testing.T) {
	meta := testMeta(t)
	layout := meta.Layout()
	backend := store.NewMemoryBackend()
	builder := NewChunkBuilder(backend, meta, NewStatus(1))

	chunk := layout.MustPack(1, 0, 0, 0, 0)
	sv1 := layout.MustPack(1, 0, 0, 0, 1)
	sv2 := layout.MustPack(1, 0, 0, 0, 2)
	sv3 := layout.MustPack(1, 0, 0, 0, 3)

	inChunk := rawEdge(sv1, sv2, 0.9, 100)
	result, err := builder.BuildAtomicChunk(context.Background(), chunk,
		[]idcodec.NodeID{sv1, sv2, sv3},
		inChunk, RawEdges{}, RawEdges{},
		[][2]idcodec.NodeID{{sv1, sv2}},
		nil,
	)
	require.NoError(t, err)
	require.Len(t, result.Level2IDs, 2)
	require.Equal(t, 1, result.Isolated)

	rows, err := backend.ReadRows(context.Background(), store.ReadRowsRequest{
		Keys:    []store.RowKey{store.NodeRowKey(sv1), store.NodeRowKey(sv2), store.NodeRowKey(sv3)},
		Columns: []store.Column{store.ColParent, store.ColPartner, store.ColConnected},
	})
	require.NoError(t, err)

	parent1 := graph.DecodeNodeIDs(rows[store.NodeRowKey(sv1)][store.ColParent][0].Value)
	parent2 := graph.DecodeNodeIDs(rows[store.NodeRowKey(sv2)][store.ColParent][0].Value)
	require.Equal(t, parent1, parent2)
	require.Equal(t, 2, layout.LayerOf(parent1[0]))

	partners1 := graph.DecodeNodeIDs(rows[store.NodeRowKey(sv1)][store.ColPartner][0].Value)
	require.Equal(t, []idcodec.NodeID{sv2}, partners1)
	connected1 := graph.DecodeUint32s(rows[store.NodeRowKey(sv1)][store.ColConnected][0].Value)
	require.Equal(t, []uint32{0}, connected1)

	parent3 := graph.DecodeNodeIDs(rows[store.NodeRowKey(sv3)][store.ColParent][0].Value)
	require.NotEqual(t, parent1, parent3)

	snap := builder.status.Snapshot()
	require.Equal(t, 1, snap.Built)
	require.Equal(t, 0, snap.Pending)
}

func TestBuildAtomicChunkUnconnectedPartnerStillRecorded(t *testing.T) {
	meta := testMeta(t)
	layout := meta.Layout()
	backend := store.NewMemoryBackend()
	builder := NewChunkBuilder(backend, meta, nil)

	chunk := layout.MustPack(1, 0, 0, 0, 0)
	sv1 := layout.MustPack(1, 0, 0, 0, 1)
	sv2 := layout.MustPack(1, 0, 0, 0, 2)

	inChunk := rawEdge(sv1, sv2, 0.1, 5)
	result, err := builder.BuildAtomicChunk(context.Background(), chunk,
		[]idcodec.NodeID{sv1, sv2},
		inChunk, RawEdges{}, RawEdges{},
		nil, // no agglomeration: edge recorded but not connected
		nil,
	)
	require.NoError(t, err)
	require.Len(t, result.Level2IDs, 2)
	require.Equal(t, 2, result.Isolated)

	rows, err := backend.ReadRows(context.Background(), store.ReadRowsRequest{
		Keys:    []store.RowKey{store.NodeRowKey(sv1)},
		Columns: []store.Column{store.ColPartner, store.ColConnected},
	})
	require.NoError(t, err)
	partners := graph.DecodeNodeIDs(rows[store.NodeRowKey(sv1)][store.ColPartner][0].Value)
	require.Equal(t, []idcodec.NodeID{sv2}, partners)
	require.Empty(t, rows[store.NodeRowKey(sv1)][store.ColConnected][0].Value)
}

func TestBuildAtomicChunkWritesCrossChunkEdgeOnNewNode(t *testing.T) {
	meta := testMeta(t)
	layout := meta.Layout()
	backend := store.NewMemoryBackend()
	builder := NewChunkBuilder(backend, meta, nil)

	chunkA := layout.MustPack(1, 0, 0, 0, 0)
	chunkB := layout.MustPack(1, 2, 0, 0, 0)
	svA := layout.MustPack(1, 0, 0, 0, 1)
	svB := layout.MustPack(1, 2, 0, 0, 1)

	level, err := layout.CrossChunkLayer(svA, svB)
	require.NoError(t, err)
	require.Equal(t, 3, level)

	crossChunk := rawEdge(svA, svB, 0.7, 50)
	resultA, err := builder.BuildAtomicChunk(context.Background(), chunkA,
		[]idcodec.NodeID{svA},
		RawEdges{}, RawEdges{}, crossChunk,
		[][2]idcodec.NodeID{{svA, svB}},
		nil,
	)
	require.NoError(t, err)
	require.Len(t, resultA.Level2IDs, 1)

	_, err = builder.BuildAtomicChunk(context.Background(), chunkB,
		[]idcodec.NodeID{svB},
		RawEdges{}, RawEdges{}, crossChunk,
		[][2]idcodec.NodeID{{svA, svB}},
		nil,
	)
	require.NoError(t, err)

	newNodeID := resultA.Level2IDs[0]
	rows, err := backend.ReadRows(context.Background(), store.ReadRowsRequest{
		Keys:    []store.RowKey{store.NodeRowKey(newNodeID)},
		Columns: []store.Column{store.CrossChunkEdgeColumn(3)},
	})
	require.NoError(t, err)
	cells := rows[store.NodeRowKey(newNodeID)][store.CrossChunkEdgeColumn(3)]
	require.Len(t, cells, 1)
	edges := graph.DecodeEdges(cells[0].Value)
	require.Len(t, edges, 1)
	require.Equal(t, svA, edges[0].A)
	require.Equal(t, svB, edges[0].B)
}

func TestBuildAtomicChunkPersistsAndMergesFakeEdges(t *testing.T) {
	meta := testMeta(t)
	layout := meta.Layout()
	backend := store.NewMemoryBackend()
	builder := NewChunkBuilder(backend, meta, nil)

	chunk := layout.MustPack(1, 0, 0, 0, 0)
	sv1 := layout.MustPack(1, 0, 0, 0, 1)
	sv2 := layout.MustPack(1, 0, 0, 0, 2)
	sv3 := layout.MustPack(1, 0, 0, 0, 3)

	fake12 := graph.Edge{A: sv1, B: sv2, Affinity: graph.EncodeInfAffinity(), Area: 0}
	_, err := builder.BuildAtomicChunk(context.Background(), chunk,
		[]idcodec.NodeID{sv1, sv2, sv3},
		RawEdges{}, RawEdges{}, RawEdges{},
		nil,
		[]graph.Edge{fake12},
	)
	require.NoError(t, err)

	persisted, err := builder.LoadFakeEdges(context.Background(), chunk)
	require.NoError(t, err)
	require.Len(t, persisted, 1)

	// Rebuilding the same chunk without resupplying the fake edge should
	// still honor it (merged from the persisted ColFakeEdges row) and add a
	// second, distinct fake edge on top.
	fake23 := graph.Edge{A: sv2, B: sv3, Affinity: graph.EncodeInfAffinity(), Area: 0}
	result, err := builder.BuildAtomicChunk(context.Background(), chunk,
		[]idcodec.NodeID{sv1, sv2, sv3},
		RawEdges{}, RawEdges{}, RawEdges{},
		nil,
		[]graph.Edge{fake23},
	)
	require.NoError(t, err)
	require.Len(t, result.Level2IDs, 1)

	persisted, err = builder.LoadFakeEdges(context.Background(), chunk)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
}

func TestBuildAtomicChunkRejectsNonAtomicChunk(t *testing.T) {
	meta := testMeta(t)
	layout := meta.Layout()
	backend := store.NewMemoryBackend()
	builder := NewChunkBuilder(backend, meta, nil)

	chunk := layout.MustPack(2, 0, 0, 0, 0)
	_, err := builder.BuildAtomicChunk(context.Background(), chunk, nil, RawEdges{}, RawEdges{}, RawEdges{}, nil, nil)
	require.Error(t, err)
}

func TestBuildParentChunkUnionsAcrossCrossChunkEdge(t *testing.T) {
	meta := testMeta(t)
	layout := meta.Layout()
	backend := store.NewMemoryBackend()
	builder := NewChunkBuilder(backend, meta, nil)
	hierarchy := graph.NewHierarchyReader(backend, meta, utils.NewRealClock(), nil)

	chunkA := layout.MustPack(1, 0, 0, 0, 0)
	chunkB := layout.MustPack(1, 1, 0, 0, 0)
	svA := layout.MustPack(1, 0, 0, 0, 1)
	svB := layout.MustPack(1, 1, 0, 0, 1)

	// Adjacent atomic chunks under fan_out 2 coincide at layer 2 by
	// CrossChunkLayer's every-step-divides convention (0/2 == 1/2 == 0),
	// one layer below where the layer-2 grid (1:1 with the atomic grid) is
	// actually grouped by ChildChunks. Layer 3 is the first (and only)
	// parent-chunk build that can consume such an edge.
	level, err := layout.CrossChunkLayer(svA, svB)
	require.NoError(t, err)
	require.Equal(t, 2, level)

	crossChunk := rawEdge(svA, svB, 0.9, 10)
	resultA, err := builder.BuildAtomicChunk(context.Background(), chunkA,
		[]idcodec.NodeID{svA}, RawEdges{}, RawEdges{}, crossChunk,
		[][2]idcodec.NodeID{{svA, svB}}, nil)
	require.NoError(t, err)
	resultB, err := builder.BuildAtomicChunk(context.Background(), chunkB,
		[]idcodec.NodeID{svB}, RawEdges{}, RawEdges{}, crossChunk,
		[][2]idcodec.NodeID{{svA, svB}}, nil)
	require.NoError(t, err)

	parentChunk := layout.MustPack(3, 0, 0, 0, 0)
	result, err := builder.BuildParentChunk(context.Background(), parentChunk, 3, hierarchy)
	require.NoError(t, err)
	require.Len(t, result.NodeIDs, 1)
	require.Equal(t, 3, layout.LayerOf(result.NodeIDs[0]))

	rows, err := backend.ReadRows(context.Background(), store.ReadRowsRequest{
		Keys:    []store.RowKey{store.NodeRowKey(resultA.Level2IDs[0]), store.NodeRowKey(resultB.Level2IDs[0])},
		Columns: []store.Column{store.ColParent},
	})
	require.NoError(t, err)
	parentA := graph.DecodeNodeIDs(rows[store.NodeRowKey(resultA.Level2IDs[0])][store.ColParent][0].Value)
	parentB := graph.DecodeNodeIDs(rows[store.NodeRowKey(resultB.Level2IDs[0])][store.ColParent][0].Value)
	require.Equal(t, result.NodeIDs[0], parentA[0])
	require.Equal(t, result.NodeIDs[0], parentB[0])
}

func TestBuildParentChunkRejectsLayerTwo(t *testing.T) {
	meta := testMeta(t)
	layout := meta.Layout()
	backend := store.NewMemoryBackend()
	builder := NewChunkBuilder(backend, meta, nil)
	hierarchy := graph.NewHierarchyReader(backend, meta, utils.NewRealClock(), nil)

	chunk := layout.MustPack(2, 0, 0, 0, 0)
	_, err := builder.BuildParentChunk(context.Background(), chunk, 2, hierarchy)
	require.Error(t, err)
}

func TestBuildParentChunkWithNoChildNodesSucceedsEmpty(t *testing.T) {
	meta := testMeta(t)
	layout := meta.Layout()
	backend := store.NewMemoryBackend()
	status := NewStatus(1)
	builder := NewChunkBuilder(backend, meta, status)
	hierarchy := graph.NewHierarchyReader(backend, meta, utils.NewRealClock(), nil)

	chunk := layout.MustPack(3, 0, 0, 0, 0)
	result, err := builder.BuildParentChunk(context.Background(), chunk, 3, hierarchy)
	require.NoError(t, err)
	require.Empty(t, result.NodeIDs)
	require.Equal(t, 1, status.Snapshot().Built)
}
