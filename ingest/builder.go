package ingest

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/connectomics/chunkedgraph/graph"
	"github.com/connectomics/chunkedgraph/graphmeta"
	"github.com/connectomics/chunkedgraph/idcodec"
	"github.com/connectomics/chunkedgraph/pkg/errs"
	"github.com/connectomics/chunkedgraph/store"
)

// ChunkBuilder builds atomic (level-2) and parent chunks from the raw
// edge/agglomeration inputs an external segmentation pipeline produces,
// writing the same Hierarchy/Connectivity column families an edit
// operation would so a freshly built chunk is indistinguishable, to a
// later EditEngine, from one built by merges.
type ChunkBuilder struct {
	backend   store.Backend
	meta      *graphmeta.Meta
	allocator *store.IdAllocator
	status    *Status
}

// NewChunkBuilder wires a builder over backend using meta's layout,
// reporting progress through status (nil disables status tracking).
func NewChunkBuilder(backend store.Backend, meta *graphmeta.Meta, status *Status) *ChunkBuilder {
	if status == nil {
		status = NewStatus(0)
	}
	return &ChunkBuilder{
		backend:   backend,
		meta:      meta,
		allocator: store.NewIdAllocator(backend, meta),
		status:    status,
	}
}

// AtomicChunkResult reports the level-2 ids an atomic chunk build produced.
type AtomicChunkResult struct {
	Level2IDs []idcodec.NodeID
	Isolated  int
}

type svAccum struct {
	partners  []idcodec.NodeID
	affinity  []float32
	area      []uint64
	connected []uint32
}

func pairKey(a, b idcodec.NodeID) [2]idcodec.NodeID {
	if a > b {
		a, b = b, a
	}
	return [2]idcodec.NodeID{a, b}
}

// mergeFakeEdges unions a and b, deduplicating by endpoint pair regardless
// of order.
func mergeFakeEdges(a, b []graph.Edge) []graph.Edge {
	seen := make(map[[2]idcodec.NodeID]bool, len(a)+len(b))
	out := make([]graph.Edge, 0, len(a)+len(b))
	for _, e := range append(append([]graph.Edge{}, a...), b...) {
		key := pairKey(e.A, e.B)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

// LoadFakeEdges returns the fake edges previously persisted for chunk, the
// side table a manual stitch-over-holes pass injects and a later rebuild of
// the same chunk must keep honoring even if the caller no longer supplies
// them directly.
func (b *ChunkBuilder) LoadFakeEdges(ctx context.Context, chunk idcodec.ChunkID) ([]graph.Edge, error) {
	rows, err := b.backend.ReadRows(ctx, store.ReadRowsRequest{
		Keys:    []store.RowKey{store.NodeRowKey(chunk)},
		Columns: []store.Column{store.ColFakeEdges},
	})
	if err != nil {
		return nil, err
	}
	cells := rows[store.NodeRowKey(chunk)][store.ColFakeEdges]
	if len(cells) == 0 {
		return nil, nil
	}
	return graph.DecodeEdges(cells[0].Value), nil
}

// BuildAtomicChunk implements the atomic-chunk build: given the chunk's
// internal and cross-boundary atomic edges and an externally supplied
// supervoxel agglomeration (which pairs are considered merged) plus any
// fake edges stitched in over holes in the raw affinity data, it groups
// local supervoxels into components, writes one level-2 node per component
// (singletons are the isolated supervoxels called out separately), and
// records every atomic edge's Partner/Affinity/Area cells with Connected
// set on the pairs the agglomeration (or a fake edge) actually merged.
// newFakeEdges is merged with any fake edges already persisted for chunk
// and the union is written back, so a later rebuild keeps honoring edges a
// caller stitched in on a previous pass without resupplying them.
func (b *ChunkBuilder) BuildAtomicChunk(ctx context.Context, chunk idcodec.ChunkID, supervoxels []idcodec.NodeID, inChunk, betweenChunk, crossChunk RawEdges, agglomeration [][2]idcodec.NodeID, newFakeEdges []graph.Edge) (AtomicChunkResult, error) {
	layout := b.meta.Layout()
	if layout.LayerOf(chunk) != 1 {
		return AtomicChunkResult{}, errs.BadRequest("BuildAtomicChunk requires an atomic chunk id")
	}

	persisted, err := b.LoadFakeEdges(ctx, chunk)
	if err != nil {
		return AtomicChunkResult{}, err
	}
	fakeEdges := mergeFakeEdges(persisted, newFakeEdges)

	local := make(map[idcodec.NodeID]bool, len(supervoxels))
	for _, sv := range supervoxels {
		local[sv] = true
	}

	active := make(map[[2]idcodec.NodeID]bool, len(agglomeration)+len(fakeEdges))
	for _, p := range agglomeration {
		active[pairKey(p[0], p[1])] = true
	}
	for _, e := range fakeEdges {
		active[pairKey(e.A, e.B)] = true
	}

	parent := make(map[idcodec.NodeID]idcodec.NodeID, len(supervoxels))
	for _, sv := range supervoxels {
		parent[sv] = sv
	}
	var find func(idcodec.NodeID) idcodec.NodeID
	find = func(x idcodec.NodeID) idcodec.NodeID {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, c idcodec.NodeID) {
		ra, rc := find(a), find(c)
		if ra != rc {
			parent[ra] = rc
		}
	}
	for key := range active {
		if local[key[0]] && local[key[1]] {
			union(key[0], key[1])
		}
	}

	accum := make(map[idcodec.NodeID]*svAccum, len(supervoxels))
	for _, sv := range supervoxels {
		accum[sv] = &svAccum{}
	}
	record := func(a, c idcodec.NodeID, aff float32, area uint64) {
		acc, ok := accum[a]
		if !ok {
			return
		}
		idx := uint32(len(acc.partners))
		acc.partners = append(acc.partners, c)
		acc.affinity = append(acc.affinity, aff)
		acc.area = append(acc.area, area)
		if active[pairKey(a, c)] {
			acc.connected = append(acc.connected, idx)
		}
	}
	for _, edges := range []RawEdges{inChunk, betweenChunk, crossChunk} {
		for i := 0; i < edges.Len(); i++ {
			a, c, aff, ar := edges.A[i], edges.B[i], edges.Affinity[i], edges.Area[i]
			record(a, c, aff, ar)
			record(c, a, aff, ar)
		}
	}
	for _, e := range fakeEdges {
		if local[e.A] || local[e.B] {
			record(e.A, e.B, e.Affinity, e.Area)
			record(e.B, e.A, e.Affinity, e.Area)
		}
	}

	groups := make(map[idcodec.NodeID][]idcodec.NodeID)
	for _, sv := range supervoxels {
		root := find(sv)
		groups[root] = append(groups[root], sv)
	}
	components := make([][]idcodec.NodeID, 0, len(groups))
	for _, members := range groups {
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		components = append(components, members)
	}
	sort.Slice(components, func(i, j int) bool { return components[i][0] < components[j][0] })

	segIDs, err := b.allocator.NextSegmentIDs(ctx, chunk, len(components))
	if err != nil {
		b.status.RecordFailure(chunk, err.Error())
		return AtomicChunkResult{}, err
	}
	x, y, z := layout.CoordsOf(chunk)

	var mutations []store.Mutation
	result := AtomicChunkResult{Level2IDs: make([]idcodec.NodeID, 0, len(components))}
	for i, members := range components {
		id, err := layout.Pack(2, x, y, z, segIDs[i])
		if err != nil {
			b.status.RecordFailure(chunk, err.Error())
			return AtomicChunkResult{}, err
		}
		result.Level2IDs = append(result.Level2IDs, id)
		if len(members) == 1 {
			result.Isolated++
		}

		crossEdges := make(map[int][]graph.Edge)
		cells := map[store.Column][]byte{store.ColChild: graph.EncodeNodeIDs(members)}
		for _, sv := range members {
			mutations = append(mutations, store.Mutation{
				Key:   store.NodeRowKey(sv),
				Cells: map[store.Column][]byte{store.ColParent: graph.EncodeNodeID(id)},
			})
			acc := accum[sv]
			if len(acc.partners) == 0 {
				continue
			}
			mutations = append(mutations, store.Mutation{
				Key: store.NodeRowKey(sv),
				Cells: map[store.Column][]byte{
					store.ColPartner:   graph.EncodeNodeIDs(acc.partners),
					store.ColAffinity:  graph.EncodeFloat32s(acc.affinity),
					store.ColArea:      graph.EncodeUint64s(acc.area),
					store.ColConnected: graph.EncodeUint32s(acc.connected),
				},
			})
			for _, idx := range acc.connected {
				partner := acc.partners[idx]
				if layout.ChunkOf(partner) == chunk {
					continue
				}
				level, err := layout.CrossChunkLayer(sv, partner)
				if err != nil {
					b.status.RecordFailure(chunk, err.Error())
					return AtomicChunkResult{}, err
				}
				crossEdges[level] = append(crossEdges[level], graph.Edge{A: sv, B: partner, Affinity: acc.affinity[idx], Area: acc.area[idx]})
			}
		}
		for l, edges := range crossEdges {
			cells[store.CrossChunkEdgeColumn(l)] = graph.EncodeEdges(edges)
		}
		mutations = append(mutations, store.Mutation{Key: store.NodeRowKey(id), Cells: cells})
	}

	if len(fakeEdges) > 0 {
		mutations = append(mutations, store.Mutation{
			Key:   store.NodeRowKey(chunk),
			Cells: map[store.Column][]byte{store.ColFakeEdges: graph.EncodeEdges(fakeEdges)},
		})
	}

	if err := b.backend.BulkWrite(ctx, mutations, store.BulkWriteOptions{}, nil); err != nil {
		b.status.RecordFailure(chunk, err.Error())
		return AtomicChunkResult{}, err
	}
	b.status.RecordSuccess(chunk)
	return result, nil
}

// ParentChunkResult reports the level-l ids a parent-chunk build produced.
type ParentChunkResult struct {
	NodeIDs []idcodec.NodeID
}

// BuildParentChunk implements the parent-chunk build for layer > 2: reads
// each of chunk's up to F^3 child chunks' boundary-relevant cross-chunk
// edges, builds a flat undirected graph over the child ids, unions them
// under the cross edges at or below this chunk's layer (layer 2 included,
// since no build step ever targets layer 2 directly), and allocates one
// level-`layer` node per resulting component, carrying forward cross edges
// at layers higher than this one onto the new parent.
func (b *ChunkBuilder) BuildParentChunk(ctx context.Context, chunk idcodec.ChunkID, layer int, hierarchy *graph.HierarchyReader) (ParentChunkResult, error) {
	layout := b.meta.Layout()
	if layer < 3 || layer > layout.RootLayer() {
		return ParentChunkResult{}, errs.BadRequest("BuildParentChunk requires a layer strictly above 2")
	}

	childChunks, err := layout.ChildChunks(chunk)
	if err != nil {
		return ParentChunkResult{}, err
	}

	var children []idcodec.NodeID
	for _, cc := range childChunks {
		ids, err := childIDsOf(ctx, b.backend, layout, cc)
		if err != nil {
			b.status.RecordFailure(chunk, err.Error())
			return ParentChunkResult{}, err
		}
		children = append(children, ids...)
	}
	if len(children) == 0 {
		b.status.RecordSuccess(chunk)
		return ParentChunkResult{}, nil
	}

	// Request from layer 2 up, not just from this build's own layer: a
	// level-2 child's cross edges come straight out of atomic connectivity
	// and can legitimately land at layer 2 (CrossChunkLayer's minimum),
	// one lower than ChunkNodeRange's child enumeration can actually
	// discover a layer-2-chunk-scoped parent for, since no build step ever
	// runs "build the layer-2 parent chunk" explicitly. Layer 3 is the
	// first (and only) point such an edge can be consumed.
	lowLayer := 2
	higherLayers := make([]int, 0, layout.RootLayer()-lowLayer+1)
	for l := lowLayer; l <= layout.RootLayer(); l++ {
		higherLayers = append(higherLayers, l)
	}

	parent := make(map[idcodec.NodeID]idcodec.NodeID, len(children))
	for _, c := range children {
		parent[c] = c
	}
	var find func(idcodec.NodeID) idcodec.NodeID
	find = func(x idcodec.NodeID) idcodec.NodeID {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, c idcodec.NodeID) {
		ra, rc := find(a), find(c)
		if ra != rc {
			parent[ra] = rc
		}
	}

	higherEdges := make(map[idcodec.NodeID]map[int][]graph.Edge, len(children))
	for _, c := range children {
		byLayer, err := hierarchy.AtomicCrossEdges(ctx, c, higherLayers)
		if err != nil {
			b.status.RecordFailure(chunk, err.Error())
			return ParentChunkResult{}, err
		}
		for l, edges := range byLayer {
			if l <= layer {
				// edges join supervoxels; union the children that own them.
				for _, e := range edges {
					for _, sv := range []idcodec.NodeID{e.A, e.B} {
						chain, err := hierarchy.AllParents(ctx, sv, time.Now(), layer-1)
						if err != nil {
							b.status.RecordFailure(chunk, err.Error())
							return ParentChunkResult{}, err
						}
						if len(chain) == 0 {
							continue
						}
						owner := chain[len(chain)-1]
						if _, ok := parent[owner]; ok {
							union(c, owner)
						}
					}
				}
				continue
			}
			if higherEdges[c] == nil {
				higherEdges[c] = make(map[int][]graph.Edge)
			}
			higherEdges[c][l] = append(higherEdges[c][l], edges...)
		}
	}

	groups := make(map[idcodec.NodeID][]idcodec.NodeID)
	for _, c := range children {
		root := find(c)
		groups[root] = append(groups[root], c)
	}
	components := make([][]idcodec.NodeID, 0, len(groups))
	for _, members := range groups {
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		components = append(components, members)
	}
	sort.Slice(components, func(i, j int) bool { return components[i][0] < components[j][0] })

	segIDs, err := b.allocator.NextSegmentIDs(ctx, chunk, len(components))
	if err != nil {
		b.status.RecordFailure(chunk, err.Error())
		return ParentChunkResult{}, err
	}
	x, y, z := layout.CoordsOf(chunk)

	var mutations []store.Mutation
	result := ParentChunkResult{NodeIDs: make([]idcodec.NodeID, 0, len(components))}
	for i, members := range components {
		id, err := layout.Pack(layer, x, y, z, segIDs[i])
		if err != nil {
			b.status.RecordFailure(chunk, err.Error())
			return ParentChunkResult{}, err
		}
		result.NodeIDs = append(result.NodeIDs, id)
		cells := map[store.Column][]byte{store.ColChild: graph.EncodeNodeIDs(members)}
		merged := make(map[int][]graph.Edge)
		for _, c := range members {
			for l, edges := range higherEdges[c] {
				merged[l] = append(merged[l], edges...)
			}
			mutations = append(mutations, store.Mutation{
				Key:   store.NodeRowKey(c),
				Cells: map[store.Column][]byte{store.ColParent: graph.EncodeNodeID(id)},
			})
		}
		for l, edges := range merged {
			cells[store.CrossChunkEdgeColumn(l)] = graph.EncodeEdges(edges)
		}
		mutations = append(mutations, store.Mutation{Key: store.NodeRowKey(id), Cells: cells})
	}

	if err := b.backend.BulkWrite(ctx, mutations, store.BulkWriteOptions{}, nil); err != nil {
		b.status.RecordFailure(chunk, err.Error())
		return ParentChunkResult{}, err
	}
	b.status.RecordSuccess(chunk)
	return result, nil
}

// childIDsOf enumerates the current nodes built inside chunk by scanning
// the row-key range that chunk's coordinates reserve for every possible
// segment: ids are assigned densely from 1, so any row with a ColChild
// cell in that range is a node chunk building already wrote there.
func childIDsOf(ctx context.Context, backend store.Backend, layout *idcodec.Layout, chunk idcodec.ChunkID) ([]idcodec.NodeID, error) {
	start, end := layout.ChunkNodeRange(chunk)
	rows, err := backend.ReadRows(ctx, store.ReadRowsRequest{
		StartKey:     store.NodeRowKey(start),
		EndKey:       store.NodeRowKey(end),
		EndInclusive: true,
		Columns:      []store.Column{store.ColChild},
	})
	if err != nil {
		return nil, err
	}
	ids := make([]idcodec.NodeID, 0, len(rows))
	for key, row := range rows {
		if len(row[store.ColChild]) == 0 {
			continue
		}
		n, err := strconv.ParseUint(string(key), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, idcodec.NodeID(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
