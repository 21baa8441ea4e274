package graph

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/connectomics/chunkedgraph/graphmeta"
	"github.com/connectomics/chunkedgraph/idcodec"
	"github.com/connectomics/chunkedgraph/lock"
	"github.com/connectomics/chunkedgraph/pkg/errs"
	"github.com/connectomics/chunkedgraph/pkg/utils"
	"github.com/connectomics/chunkedgraph/store"
)

var tracer = otel.Tracer("github.com/connectomics/chunkedgraph/graph")

// CutFinder computes a minimum separating edge cut for Multicut. It is
// declared here rather than imported from mincut (which itself imports
// graph for the Edge type) so graph need not depend on mincut; the
// inversion mirrors lock.RootResolver, which graph.Lineage satisfies
// without lock depending on graph.
type CutFinder interface {
	Cut(edges []Edge, sources, sinks []idcodec.NodeID) ([]Edge, error)
}

// EditResult reports the outcome of any of the five operation variants.
type EditResult struct {
	OperationID  uint64
	NewRootIDs   []idcodec.NodeID
	NewLevel2IDs []idcodec.NodeID
}

// EditEngine orchestrates merge, split, multicut, undo, and redo: each is a
// tagged variant of the same acquire-compute-write skeleton, not a
// type hierarchy, so they share this one struct and its apply method.
type EditEngine struct {
	backend   store.Backend
	meta      *graphmeta.Meta
	hierarchy *HierarchyReader
	lineage   *Lineage
	allocator *store.IdAllocator
	locker    *lock.Manager
	cuts      CutFinder
	clock     utils.Clock
	logger    utils.Logger
}

// NewEditEngine wires the components every edit operation needs. clock
// defaults to utils.NewRealClock() when nil, and logger defaults to a no-op
// Logger when nil.
func NewEditEngine(backend store.Backend, meta *graphmeta.Meta, hierarchy *HierarchyReader, lineage *Lineage, allocator *store.IdAllocator, locker *lock.Manager, cuts CutFinder, clock utils.Clock, logger utils.Logger) *EditEngine {
	if clock == nil {
		clock = utils.NewRealClock()
	}
	if logger == nil {
		logger = &utils.NullLogger{}
	}
	return &EditEngine{backend: backend, meta: meta, hierarchy: hierarchy, lineage: lineage, allocator: allocator, locker: locker, cuts: cuts, clock: clock, logger: logger}
}

func chebyshev(ax, ay, az, bx, by, bz uint32) uint32 {
	d := func(a, b uint32) uint32 {
		if a > b {
			return a - b
		}
		return b - a
	}
	m := d(ax, bx)
	if v := d(ay, by); v > m {
		m = v
	}
	if v := d(az, bz); v > m {
		m = v
	}
	return m
}

func endpointsOf(edges []Edge) []idcodec.NodeID {
	seen := make(map[idcodec.NodeID]bool)
	var out []idcodec.NodeID
	for _, e := range edges {
		for _, id := range [2]idcodec.NodeID{e.A, e.B} {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// Merge adds one or more atomic edges; supervoxel pairs must be within
// Chebyshev distance 3 of each other in chunk-coordinate space.
func (e *EditEngine) Merge(ctx context.Context, userID string, added []Edge, sourceCoord, sinkCoord [3]uint32) (EditResult, error) {
	if len(added) == 0 {
		return EditResult{}, errs.BadRequest("merge requires at least one edge")
	}
	layout := e.meta.Layout()
	for i := range added {
		ax, ay, az := layout.CoordsOf(added[i].A)
		bx, by, bz := layout.CoordsOf(added[i].B)
		if chebyshev(ax, ay, az, bx, by, bz) > 3 {
			return EditResult{}, errs.BadRequest("merge endpoints exceed chebyshev distance 3")
		}
		if added[i].Affinity == 0 {
			added[i].Affinity = 1
		}
	}
	return e.apply(ctx, userID, "merge", added, nil, sourceCoord, sinkCoord, [3]int{}, 0)
}

// Split removes an explicit set of atomic edges.
func (e *EditEngine) Split(ctx context.Context, userID string, removed []Edge, sourceCoord, sinkCoord [3]uint32) (EditResult, error) {
	if len(removed) == 0 {
		return EditResult{}, errs.BadRequest("split requires at least one edge")
	}
	return e.apply(ctx, userID, "split", nil, removed, sourceCoord, sinkCoord, [3]int{}, 0)
}

// Multicut computes removed via MinCut over the bounding box spanned by the
// source/sink coordinates inflated by bboxOffset, then proceeds as Split.
func (e *EditEngine) Multicut(ctx context.Context, userID string, sources, sinks []idcodec.NodeID, sourceCoord, sinkCoord [3]uint32, bboxOffset [3]int) (EditResult, error) {
	if len(sources) == 0 || len(sinks) == 0 {
		return EditResult{}, errs.BadRequest("multicut requires at least one source and one sink")
	}
	if bboxOffset == ([3]int{}) {
		bboxOffset = e.meta.DefaultBBoxOffset()
	}

	root, err := e.hierarchy.Root(ctx, sources[0], time.Now(), 0, 3)
	if err != nil {
		return EditResult{}, err
	}
	for _, id := range append(append([]idcodec.NodeID{}, sources...), sinks...) {
		r, err := e.hierarchy.Root(ctx, id, time.Now(), 0, 3)
		if err != nil {
			return EditResult{}, err
		}
		if r != root {
			return EditResult{}, errs.Precondition("Already split?")
		}
	}

	bbox := boundingBoxOf(sourceCoord, sinkCoord, bboxOffset)
	l2Layers, err := e.hierarchy.SubgraphNodes(ctx, root, &bbox, []int{2})
	if err != nil {
		return EditResult{}, err
	}
	edges, err := e.hierarchy.SubgraphChunk(ctx, l2Layers[2], true, time.Now())
	if err != nil {
		return EditResult{}, err
	}

	cut, err := e.cuts.Cut(edges, sources, sinks)
	if err != nil {
		return EditResult{}, err
	}
	return e.apply(ctx, userID, "multicut", nil, cut, sourceCoord, sinkCoord, bboxOffset, 0)
}

func boundingBoxOf(a, b [3]uint32, offset [3]int) BoundingBox {
	var bb BoundingBox
	for axis := 0; axis < 3; axis++ {
		lo, hi := a[axis], b[axis]
		if lo > hi {
			lo, hi = hi, lo
		}
		off := uint32(offset[axis])
		if off > lo {
			bb.Min[axis] = 0
		} else {
			bb.Min[axis] = lo - off
		}
		bb.Max[axis] = hi + off
	}
	return bb
}

// Undo reads operationID's log row, inverts AddedEdge/RemovedEdge, executes
// the inverse, and records UndoOperationID = operationID in the new log.
func (e *EditEngine) Undo(ctx context.Context, userID string, operationID uint64) (EditResult, error) {
	added, removed, _, err := e.readLogEdges(ctx, operationID)
	if err != nil {
		return EditResult{}, err
	}
	return e.apply(ctx, userID, "undo", removed, added, [3]uint32{}, [3]uint32{}, [3]int{}, operationID)
}

// Redo re-executes operationID's original recorded edit and records
// RedoOperationID = operationID in the new log.
func (e *EditEngine) Redo(ctx context.Context, userID string, operationID uint64) (EditResult, error) {
	added, removed, _, err := e.readLogEdges(ctx, operationID)
	if err != nil {
		return EditResult{}, err
	}
	result, err := e.apply(ctx, userID, "redo", added, removed, [3]uint32{}, [3]uint32{}, [3]int{}, 0)
	if err != nil {
		return EditResult{}, err
	}
	if err := e.backend.MutateRow(ctx, store.Mutation{
		Key:   store.LogRowKey(result.OperationID),
		Cells: map[store.Column][]byte{store.ColLogRedoOperationID: encodeUint64s([]uint64{operationID})},
	}); err != nil {
		return EditResult{}, err
	}
	return result, nil
}

func (e *EditEngine) readLogEdges(ctx context.Context, operationID uint64) (added, removed []Edge, userID string, err error) {
	rows, err := store.BatchedReadRows(ctx, e.backend, []store.RowKey{store.LogRowKey(operationID)}, nil, nil, nil)
	if err != nil {
		return nil, nil, "", err
	}
	row, ok := rows[store.LogRowKey(operationID)]
	if !ok {
		return nil, nil, "", errs.Precondition("no log row found")
	}
	if cells := row[store.ColLogAddedEdge]; len(cells) > 0 {
		added = decodeEdges(cells[0].Value)
	}
	if cells := row[store.ColLogRemovedEdge]; len(cells) > 0 {
		removed = decodeEdges(cells[0].Value)
	}
	if cells := row[store.ColLogUserID]; len(cells) > 0 {
		userID = string(cells[0].Value)
	}
	return added, removed, userID, nil
}

// apply is the shared skeleton every operation variant funnels through. It
// emits one structured log line and one otel span per attempt, regardless
// of outcome.
func (e *EditEngine) apply(ctx context.Context, userID, kind string, added, removed []Edge, sourceCoord, sinkCoord [3]uint32, bboxOffset [3]int, undoOf uint64) (result EditResult, err error) {
	ctx, span := tracer.Start(ctx, "graph.EditEngine.apply")
	span.SetAttributes(attribute.String("chunkedgraph.edit_kind", kind), attribute.String("chunkedgraph.user_id", userID))
	start := e.clock.Now()
	defer func() {
		duration := e.clock.Since(start)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		e.logger.Info("edit operation attempt",
			"operation_id", result.OperationID,
			"kind", kind,
			"root_ids", result.NewRootIDs,
			"outcome", outcome,
			"duration", duration,
		)
		span.SetAttributes(attribute.Int64("chunkedgraph.operation_id", int64(result.OperationID)))
		span.End()
	}()

	layout := e.meta.Layout()
	endpoints := endpointsOf(append(append([]Edge{}, added...), removed...))
	if len(endpoints) == 0 {
		return EditResult{}, errs.BadRequest("edit touches no nodes")
	}

	oldRoots, err := e.resolveOldRoots(ctx, endpoints)
	if err != nil {
		return EditResult{}, err
	}

	operationID, err := e.allocator.NextOperationID(ctx)
	if err != nil {
		return EditResult{}, err
	}

	locked, err := e.locker.LockRoots(ctx, e.lineage, oldRoots, operationID)
	if err != nil {
		return EditResult{}, err
	}
	defer func() {
		for _, r := range locked {
			_ = e.locker.Unlock(ctx, r, operationID)
		}
	}()

	if err := e.writeConnectivityDeltas(ctx, added, removed); err != nil {
		return EditResult{}, err
	}

	touchedLevel2, err := e.touchedLevel2Nodes(ctx, endpoints)
	if err != nil {
		return EditResult{}, err
	}

	var mutations []store.Mutation
	newLevel2IDs := make([]idcodec.NodeID, 0)
	crossEdges := make(map[idcodec.NodeID]map[int][]Edge)
	newByLayer := map[int][]idcodec.NodeID{}
	successorsOf := make(map[idcodec.NodeID][]idcodec.NodeID, len(touchedLevel2))

	for _, old := range touchedLevel2 {
		children, err := e.hierarchy.Children(ctx, []idcodec.NodeID{old})
		if err != nil {
			return EditResult{}, err
		}
		components, err := e.connectedComponents(ctx, children[old], layout.ChunkOf(old))
		if err != nil {
			return EditResult{}, err
		}
		chunk := layout.ChunkOf(old)
		segIDs, err := e.allocator.NextSegmentIDs(ctx, chunk, len(components))
		if err != nil {
			return EditResult{}, err
		}
		x, y, z := layout.CoordsOf(chunk)
		for i, component := range components {
			id, err := layout.Pack(2, x, y, z, segIDs[i])
			if err != nil {
				return EditResult{}, err
			}
			newLevel2IDs = append(newLevel2IDs, id)
			newByLayer[2] = append(newByLayer[2], id)
			successorsOf[old] = append(successorsOf[old], id)
			mutations = append(mutations, store.Mutation{
				Key:   store.NodeRowKey(id),
				Cells: map[store.Column][]byte{store.ColChild: encodeNodeIDs(component), store.ColFormerParent: encodeNodeIDs([]idcodec.NodeID{old})},
			})
			for _, child := range component {
				mutations = append(mutations, store.Mutation{
					Key:   store.NodeRowKey(child),
					Cells: map[store.Column][]byte{store.ColParent: encodeNodeID(id)},
				})
			}
			ce, err := e.crossEdgesOf(ctx, component, layout)
			if err != nil {
				return EditResult{}, err
			}
			crossEdges[id] = ce
		}
	}

	roots, parentMutations, err := e.createParentsBottomUp(ctx, newByLayer, crossEdges)
	if err != nil {
		return EditResult{}, err
	}
	mutations = append(mutations, parentMutations...)

	if len(touchedLevel2) > 0 {
		mutations = append(mutations, store.Mutation{
			Key:   store.LogRowKey(operationID),
			Cells: logCells(userID, added, removed, sourceCoord, sinkCoord, bboxOffset, undoOf),
		})
		for old, successors := range successorsOf {
			mutations = append(mutations, store.Mutation{
				Key:   store.NodeRowKey(old),
				Cells: map[store.Column][]byte{store.ColNewParent: encodeNodeIDs(successors)},
			})
		}
	}

	if err := e.locker.LockIndefinitely(ctx, locked, operationID); err != nil {
		return EditResult{}, err
	}
	if err := e.backend.BulkWrite(ctx, mutations, store.BulkWriteOptions{
		LockRootIDs: locked,
		OperationID: operationID,
		HasLock:     true,
	}, e.locker); err != nil {
		return EditResult{}, err
	}

	return EditResult{OperationID: operationID, NewRootIDs: roots, NewLevel2IDs: newLevel2IDs}, nil
}

func (e *EditEngine) resolveOldRoots(ctx context.Context, endpoints []idcodec.NodeID) ([]idcodec.NodeID, error) {
	seen := make(map[idcodec.NodeID]bool)
	var roots []idcodec.NodeID
	for _, id := range endpoints {
		root, err := e.hierarchy.Root(ctx, id, time.Now(), 0, 3)
		if err != nil {
			return nil, err
		}
		if !seen[root] {
			seen[root] = true
			roots = append(roots, root)
		}
	}
	return roots, nil
}

func (e *EditEngine) touchedLevel2Nodes(ctx context.Context, endpoints []idcodec.NodeID) ([]idcodec.NodeID, error) {
	parents, err := e.hierarchy.Parents(ctx, endpoints, time.Now())
	if err != nil {
		return nil, err
	}
	seen := make(map[idcodec.NodeID]bool)
	var out []idcodec.NodeID
	for _, id := range endpoints {
		p, ok := parents[id]
		if !ok {
			continue
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// writeConnectivityDeltas applies the added/removed atomic edges directly
// to the Partner/Affinity/Area/Connected columns of their endpoints: a
// merge appends a fresh Partner slot (odd occurrence count, so it reads
// connected immediately); a split toggles the existing slot's parity.
func (e *EditEngine) writeConnectivityDeltas(ctx context.Context, added, removed []Edge) error {
	for _, edge := range added {
		if err := e.appendPartner(ctx, edge.A, edge.B, edge.Affinity, edge.Area); err != nil {
			return err
		}
		if err := e.appendPartner(ctx, edge.B, edge.A, edge.Affinity, edge.Area); err != nil {
			return err
		}
	}
	for _, edge := range removed {
		if err := e.togglePartner(ctx, edge.A, edge.B); err != nil {
			return err
		}
		if err := e.togglePartner(ctx, edge.B, edge.A); err != nil {
			return err
		}
	}
	return nil
}

func (e *EditEngine) appendPartner(ctx context.Context, node, partner idcodec.NodeID, affinity float32, area uint64) error {
	conn, err := e.hierarchy.Connectivity(ctx, node, time.Now())
	if err != nil {
		return err
	}
	newIndex := uint32(len(conn.Partners))
	return e.backend.MutateRow(ctx, store.Mutation{
		Key: store.NodeRowKey(node),
		Cells: map[store.Column][]byte{
			store.ColPartner:   encodeNodeIDs(append(conn.Partners, partner)),
			store.ColAffinity:  encodeFloat32s(append(conn.Affinity, affinity)),
			store.ColArea:      encodeUint64s(append(conn.Area, area)),
			store.ColConnected: encodeUint32s([]uint32{newIndex}),
		},
	})
}

func (e *EditEngine) togglePartner(ctx context.Context, node, partner idcodec.NodeID) error {
	conn, err := e.hierarchy.Connectivity(ctx, node, time.Now())
	if err != nil {
		return err
	}
	for i, p := range conn.Partners {
		if p == partner {
			return e.backend.MutateRow(ctx, store.Mutation{
				Key:   store.NodeRowKey(node),
				Cells: map[store.Column][]byte{store.ColConnected: encodeUint32s([]uint32{uint32(i)})},
			})
		}
	}
	return errs.Precondition("edge to remove does not exist")
}

// connectedComponents groups children by in-chunk connectivity only:
// partners living in a different atomic chunk never join a level-2
// component, they only ever contribute a cross-chunk edge.
func (e *EditEngine) connectedComponents(ctx context.Context, children []idcodec.NodeID, chunk idcodec.ChunkID) ([][]idcodec.NodeID, error) {
	layout := e.meta.Layout()
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
	union := func(a, b idcodec.NodeID) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for _, c := range children {
		conn, err := e.hierarchy.Connectivity(ctx, c, time.Now())
		if err != nil {
			return nil, err
		}
		for _, idx := range conn.Connected {
			if int(idx) >= len(conn.Partners) {
				continue
			}
			partner := conn.Partners[idx]
			if layout.ChunkOf(partner) != layout.ChunkOf(c) {
				continue
			}
			if _, ok := parent[partner]; ok {
				union(c, partner)
			}
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
	return components, nil
}

// crossEdgesOf derives a level-2 node's cross-chunk edge dictionary from
// its members' atomic connectivity: partners living outside the component's
// chunk, grouped by the layer at which the two chunks first coincide.
func (e *EditEngine) crossEdgesOf(ctx context.Context, members []idcodec.NodeID, layout *idcodec.Layout) (map[int][]Edge, error) {
	if len(members) == 0 {
		return nil, nil
	}
	chunk := layout.ChunkOf(members[0])
	out := make(map[int][]Edge)
	for _, sv := range members {
		conn, err := e.hierarchy.Connectivity(ctx, sv, time.Now())
		if err != nil {
			return nil, err
		}
		for _, idx := range conn.Connected {
			if int(idx) >= len(conn.Partners) {
				continue
			}
			partner := conn.Partners[idx]
			if layout.ChunkOf(partner) == chunk {
				continue
			}
			layer, err := layout.CrossChunkLayer(sv, partner)
			if err != nil {
				return nil, err
			}
			var aff float32
			var area uint64
			if int(idx) < len(conn.Affinity) {
				aff = conn.Affinity[idx]
			}
			if int(idx) < len(conn.Area) {
				area = conn.Area[idx]
			}
			out[layer] = append(out[layer], Edge{A: sv, B: partner, Affinity: aff, Area: area})
		}
	}
	return out, nil
}

// createParentsBottomUp groups new nodes bottom-up: a new node only ever
// shares a parent with other new nodes created in this same edit. An edit-untouched
// sibling keeps its existing parent even when a new node could, in the
// original design, have joined it — a deliberate simplification recorded
// in the design ledger that preserves tree consistency for every node this
// edit actually touches.
func (e *EditEngine) createParentsBottomUp(ctx context.Context, newByLayer map[int][]idcodec.NodeID, crossEdges map[idcodec.NodeID]map[int][]Edge) ([]idcodec.NodeID, []store.Mutation, error) {
	layout := e.meta.Layout()
	rootLayer := layout.RootLayer()
	var mutations []store.Mutation
	var roots []idcodec.NodeID

	for layer := 2; layer < rootLayer; layer++ {
		nodes := newByLayer[layer]
		if len(nodes) == 0 {
			continue
		}
		assigned := make(map[idcodec.NodeID]bool, len(nodes))

		for _, n := range nodes {
			if assigned[n] {
				continue
			}
			ce := crossEdges[n]
			lMin := rootLayer
			for l := range ce {
				if l < lMin {
					lMin = l
				}
			}

			if lMin > layer || lMin >= rootLayer {
				parentLayer := lMin
				if parentLayer > rootLayer {
					parentLayer = rootLayer
				}
				id, mut, err := e.createParent(ctx, n, []idcodec.NodeID{n}, parentLayer, layout, ce)
				if err != nil {
					return nil, nil, err
				}
				assigned[n] = true
				mutations = append(mutations, mut...)
				if parentLayer == rootLayer {
					roots = append(roots, id)
				} else {
					newByLayer[parentLayer] = append(newByLayer[parentLayer], id)
					crossEdges[id] = higherCE(ce, parentLayer)
				}
				continue
			}

			// lMin == layer: group with new siblings sharing a CE[layer] edge.
			group := []idcodec.NodeID{n}
			assigned[n] = true
			for _, edge := range ce[layer] {
				other := edge.A
				if other == n {
					other = edge.B
				}
				if assigned[other] {
					continue
				}
				for _, candidate := range nodes {
					if candidate == other {
						group = append(group, other)
						assigned[other] = true
					}
				}
			}
			sort.Slice(group, func(i, j int) bool { return group[i] < group[j] })
			mergedCE := make(map[int][]Edge)
			for _, member := range group {
				for l, edges := range crossEdges[member] {
					mergedCE[l] = append(mergedCE[l], edges...)
				}
			}
			parentLayer := layer + 1
			id, mut, err := e.createParent(ctx, n, group, parentLayer, layout, mergedCE)
			if err != nil {
				return nil, nil, err
			}
			mutations = append(mutations, mut...)
			if parentLayer >= rootLayer {
				roots = append(roots, id)
			} else {
				newByLayer[parentLayer] = append(newByLayer[parentLayer], id)
				crossEdges[id] = higherCE(mergedCE, parentLayer)
			}
		}
	}
	// layer_count == 2 is a degenerate but valid configuration where the
	// level-2 nodes built above are already roots.
	roots = append(roots, newByLayer[rootLayer]...)
	return roots, mutations, nil
}

// higherCE keeps only cross-edge entries whose layer exceeds consumed,
// since an entry at exactly consumed was the one used to pick this parent.
func higherCE(ce map[int][]Edge, consumed int) map[int][]Edge {
	out := make(map[int][]Edge)
	for l, edges := range ce {
		if l > consumed {
			out[l] = edges
		}
	}
	return out
}

func (e *EditEngine) createParent(ctx context.Context, n idcodec.NodeID, children []idcodec.NodeID, targetLayer int, layout *idcodec.Layout, ce map[int][]Edge) (idcodec.NodeID, []store.Mutation, error) {
	parentChunk, err := layout.ParentChunkOf(layout.ChunkOf(n), targetLayer)
	if err != nil {
		return 0, nil, err
	}
	segIDs, err := e.allocator.NextSegmentIDs(ctx, parentChunk, 1)
	if err != nil {
		return 0, nil, err
	}
	x, y, z := layout.CoordsOf(parentChunk)
	id, err := layout.Pack(targetLayer, x, y, z, segIDs[0])
	if err != nil {
		return 0, nil, err
	}

	cells := map[store.Column][]byte{store.ColChild: encodeNodeIDs(children)}
	for l, edges := range ce {
		if l >= targetLayer {
			continue
		}
		cells[store.CrossChunkEdgeColumn(l)] = encodeEdges(edges)
	}
	mutations := []store.Mutation{{Key: store.NodeRowKey(id), Cells: cells}}
	for _, child := range children {
		mutations = append(mutations, store.Mutation{
			Key:   store.NodeRowKey(child),
			Cells: map[store.Column][]byte{store.ColParent: encodeNodeID(id)},
		})
	}
	return id, mutations, nil
}

func logCells(userID string, added, removed []Edge, sourceCoord, sinkCoord [3]uint32, bboxOffset [3]int, undoOf uint64) map[store.Column][]byte {
	cells := map[store.Column][]byte{
		store.ColLogUserID: []byte(userID),
		store.ColLogStatus: encodeUint32s([]uint32{uint32(store.LogStatusSuccess)}),
	}
	if len(added) > 0 {
		cells[store.ColLogAddedEdge] = encodeEdges(added)
	}
	if len(removed) > 0 {
		cells[store.ColLogRemovedEdge] = encodeEdges(removed)
	}
	cells[store.ColLogSourceCoordinate] = encodeUint32s([]uint32{sourceCoord[0], sourceCoord[1], sourceCoord[2]})
	cells[store.ColLogSinkCoordinate] = encodeUint32s([]uint32{sinkCoord[0], sinkCoord[1], sinkCoord[2]})
	if bboxOffset != ([3]int{}) {
		cells[store.ColLogBoundingBoxOffset] = encodeUint32s([]uint32{uint32(bboxOffset[0]), uint32(bboxOffset[1]), uint32(bboxOffset[2])})
	}
	if undoOf != 0 {
		cells[store.ColLogUndoOperationID] = encodeUint64s([]uint64{undoOf})
	}
	return cells
}
