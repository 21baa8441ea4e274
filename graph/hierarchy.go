// Package graph implements the hierarchy reads, lineage traversal, and edit
// orchestration that sit on top of the versioned row store: parent/child
// navigation, root resolution, subgraph materialization, and the
// merge/split/multicut/undo/redo operation family.
package graph

import (
	"context"
	"sort"
	"time"

	"github.com/connectomics/chunkedgraph/graphmeta"
	"github.com/connectomics/chunkedgraph/idcodec"
	"github.com/connectomics/chunkedgraph/pkg/errs"
	"github.com/connectomics/chunkedgraph/pkg/utils"
	"github.com/connectomics/chunkedgraph/store"
)

// BoundingBox expresses a spatial filter in layer-1 (atomic) chunk-coordinate
// units, inclusive on both ends.
type BoundingBox struct {
	Min, Max [3]uint32
}

// scaled divides bbox by fanOut^max(layer-2, 0), the off-by-one the source
// special-cases so atomic-layer (1) and first-parent-layer (2) bboxes share
// the same chunk-coordinate scale.
func (b BoundingBox) scaled(fanOut uint32, layer int) BoundingBox {
	exp := layer - 2
	if exp < 0 {
		exp = 0
	}
	div := uint32(1)
	for i := 0; i < exp; i++ {
		div *= fanOut
	}
	out := b
	for axis := 0; axis < 3; axis++ {
		out.Min[axis] = b.Min[axis] / div
		out.Max[axis] = b.Max[axis] / div
	}
	return out
}

func (b BoundingBox) contains(x, y, z uint32) bool {
	return x >= b.Min[0] && x <= b.Max[0] &&
		y >= b.Min[1] && y <= b.Max[1] &&
		z >= b.Min[2] && z <= b.Max[2]
}

// HierarchyReader answers parent/child/root/connectivity/subgraph queries
// against the versioned node-row store.
type HierarchyReader struct {
	backend store.Backend
	meta    *graphmeta.Meta
	clock   utils.Clock
	logger  utils.Logger
}

// NewHierarchyReader builds a reader over backend using meta's layout.
// logger defaults to a no-op Logger when nil.
func NewHierarchyReader(backend store.Backend, meta *graphmeta.Meta, clock utils.Clock, logger utils.Logger) *HierarchyReader {
	if clock == nil {
		clock = utils.NewRealClock()
	}
	if logger == nil {
		logger = &utils.NullLogger{}
	}
	return &HierarchyReader{backend: backend, meta: meta, clock: clock, logger: logger}
}

// readRows batches a key list through store.BatchedReadRows, honoring the
// 20000-key-per-request / 2*NumCPU-worker batching rule.
func (h *HierarchyReader) readRows(ctx context.Context, ids []idcodec.NodeID, columns []store.Column, at *time.Time) (map[idcodec.NodeID]store.Row, error) {
	keys := make([]store.RowKey, len(ids))
	keyToID := make(map[store.RowKey]idcodec.NodeID, len(ids))
	for i, id := range ids {
		k := store.NodeRowKey(id)
		keys[i] = k
		keyToID[k] = id
	}
	var startTime, endTime *time.Time
	if at != nil {
		startTime, endTime = store.PointInTime(*at)
	}
	rows, err := store.BatchedReadRows(ctx, h.backend, keys, columns, startTime, endTime)
	if err != nil {
		return nil, err
	}
	out := make(map[idcodec.NodeID]store.Row, len(rows))
	for k, row := range rows {
		out[keyToID[k]] = row
	}
	return out, nil
}

// Parents returns the single current (or as-of at) parent for each id that
// has one; ids with no parent cell (roots, or absent rows) are omitted.
func (h *HierarchyReader) Parents(ctx context.Context, ids []idcodec.NodeID, at time.Time) (map[idcodec.NodeID]idcodec.NodeID, error) {
	rows, err := h.readRows(ctx, ids, []store.Column{store.ColParent}, &at)
	if err != nil {
		return nil, err
	}
	out := make(map[idcodec.NodeID]idcodec.NodeID, len(rows))
	for id, row := range rows {
		cells := row[store.ColParent]
		if len(cells) == 0 {
			continue
		}
		if p, ok := decodeNodeID(cells[0].Value); ok {
			out[id] = p
		}
	}
	return out, nil
}

// Parent is the single-id convenience form of Parents.
func (h *HierarchyReader) Parent(ctx context.Context, id idcodec.NodeID, at time.Time) (idcodec.NodeID, bool, error) {
	parents, err := h.Parents(ctx, []idcodec.NodeID{id}, at)
	if err != nil {
		return 0, false, err
	}
	p, ok := parents[id]
	return p, ok, nil
}

// Children returns each id's direct children (empty slice if it has none).
func (h *HierarchyReader) Children(ctx context.Context, ids []idcodec.NodeID) (map[idcodec.NodeID][]idcodec.NodeID, error) {
	rows, err := h.readRows(ctx, ids, []store.Column{store.ColChild}, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[idcodec.NodeID][]idcodec.NodeID, len(ids))
	for _, id := range ids {
		row, ok := rows[id]
		if !ok {
			out[id] = nil
			continue
		}
		cells := row[store.ColChild]
		if len(cells) == 0 {
			out[id] = nil
			continue
		}
		out[id] = decodeNodeIDs(cells[0].Value)
	}
	return out, nil
}

// ChildrenFlat concatenates Children across ids into one slice.
func (h *HierarchyReader) ChildrenFlat(ctx context.Context, ids []idcodec.NodeID) ([]idcodec.NodeID, error) {
	byID, err := h.Children(ctx, ids)
	if err != nil {
		return nil, err
	}
	var out []idcodec.NodeID
	for _, id := range ids {
		out = append(out, byID[id]...)
	}
	return out, nil
}

// Root climbs node's parent chain until reaching stopLayer (default
// meta.RootLayer()), retrying the whole climb up to retries times with a
// 500ms sleep between attempts if it stalls before reaching stopLayer.
func (h *HierarchyReader) Root(ctx context.Context, node idcodec.NodeID, at time.Time, stopLayer int, retries int) (idcodec.NodeID, error) {
	if stopLayer <= 0 || stopLayer > h.meta.RootLayer() {
		stopLayer = h.meta.RootLayer()
	}
	if retries <= 0 {
		retries = 1
	}

	var current idcodec.NodeID
	for try := 0; try < retries; try++ {
		current = node
		for h.meta.Layout().LayerOf(current) < stopLayer {
			parent, ok, err := h.Parent(ctx, current, at)
			if err != nil {
				return 0, err
			}
			if !ok {
				break
			}
			current = parent
		}
		if h.meta.Layout().LayerOf(current) >= stopLayer {
			return current, nil
		}
		if try < retries-1 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-h.clock.After(500 * time.Millisecond):
			}
		}
	}
	h.logger.Warn("root resolution exhausted retry budget", "node", uint64(node), "stop_layer", stopLayer, "retries", retries)
	return 0, errs.NotFound("could not resolve root within retry budget")
}

// AllParents returns the full ancestor chain of node up to stopLayer,
// nearest-first, as collected while walking toward the root.
func (h *HierarchyReader) AllParents(ctx context.Context, node idcodec.NodeID, at time.Time, stopLayer int) ([]idcodec.NodeID, error) {
	if stopLayer <= 0 || stopLayer > h.meta.RootLayer() {
		stopLayer = h.meta.RootLayer()
	}
	var chain []idcodec.NodeID
	current := node
	for h.meta.Layout().LayerOf(current) < stopLayer {
		parent, ok, err := h.Parent(ctx, current, at)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		chain = append(chain, parent)
		current = parent
	}
	return chain, nil
}

// SubgraphNodes descends from root layer by layer, optionally filtering each
// layer's candidates by bbox (scaled per layer; see BoundingBox.scaled), and
// returns the nodes present at each requested layer.
func (h *HierarchyReader) SubgraphNodes(ctx context.Context, root idcodec.NodeID, bbox *BoundingBox, returnLayers []int) (map[int][]idcodec.NodeID, error) {
	want := make(map[int]bool, len(returnLayers))
	minLayer := h.meta.RootLayer()
	for _, l := range returnLayers {
		want[l] = true
		if l < minLayer {
			minLayer = l
		}
	}

	result := make(map[int][]idcodec.NodeID)
	layout := h.meta.Layout()
	rootLayer := layout.LayerOf(root)
	frontier := []idcodec.NodeID{root}
	if want[rootLayer] {
		result[rootLayer] = append(result[rootLayer], root)
	}

	for layer := rootLayer; layer > minLayer && len(frontier) > 0; layer-- {
		children, err := h.ChildrenFlat(ctx, frontier)
		if err != nil {
			return nil, err
		}
		childLayer := layer - 1
		if bbox != nil {
			scaled := bbox.scaled(layout.FanOut(), childLayer)
			filtered := children[:0:0]
			for _, c := range children {
				x, y, z := layout.CoordsOf(c)
				if scaled.contains(x, y, z) {
					filtered = append(filtered, c)
				}
			}
			children = filtered
		}
		if want[childLayer] {
			result[childLayer] = append(result[childLayer], children...)
		}
		frontier = children
	}
	return result, nil
}

// AtomicCrossEdges reads the family-3 CrossChunkEdge columns for the
// requested layers on a single node.
func (h *HierarchyReader) AtomicCrossEdges(ctx context.Context, id idcodec.NodeID, layers []int) (map[int][]Edge, error) {
	columns := make([]store.Column, len(layers))
	for i, l := range layers {
		columns[i] = store.CrossChunkEdgeColumn(l)
	}
	rows, err := h.readRows(ctx, []idcodec.NodeID{id}, columns, nil)
	if err != nil {
		return nil, err
	}
	row, ok := rows[id]
	out := make(map[int][]Edge, len(layers))
	if !ok {
		return out, nil
	}
	for _, l := range layers {
		cells := row[store.CrossChunkEdgeColumn(l)]
		if len(cells) == 0 {
			continue
		}
		out[l] = decodeEdges(cells[0].Value)
	}
	return out, nil
}

// EncodeEdges and DecodeEdges expose the CrossChunkEdge column's wire
// format so ingest's chunk builder can write rows HierarchyReader reads.
func EncodeEdges(edges []Edge) []byte   { return encodeEdges(edges) }
func DecodeEdges(b []byte) []Edge       { return decodeEdges(b) }

func encodeEdges(edges []Edge) []byte {
	ids1 := make([]idcodec.NodeID, len(edges))
	ids2 := make([]idcodec.NodeID, len(edges))
	aff := make([]float32, len(edges))
	area := make([]uint64, len(edges))
	for i, e := range edges {
		ids1[i], ids2[i], aff[i], area[i] = e.A, e.B, e.Affinity, e.Area
	}
	var buf []byte
	buf = append(buf, encodeNodeIDs(ids1)...)
	buf = append(buf, encodeNodeIDs(ids2)...)
	buf = append(buf, encodeFloat32s(aff)...)
	buf = append(buf, encodeUint64s(area)...)
	return buf
}

func decodeEdges(b []byte) []Edge {
	n := len(b) / 28 // 8 + 8 + 4 + 8 bytes per edge
	if n == 0 {
		return nil
	}
	ids1 := decodeNodeIDs(b[0 : 8*n])
	ids2 := decodeNodeIDs(b[8*n : 16*n])
	aff := decodeFloat32s(b[16*n : 20*n])
	area := decodeUint64s(b[20*n : 28*n])
	out := make([]Edge, n)
	for i := range out {
		out[i] = Edge{A: ids1[i], B: ids2[i], Affinity: aff[i], Area: area[i]}
	}
	return out
}

// Connectivity reports id's atomic partners, their affinities/areas, and
// the derived connected/disconnected index sets (XOR-reduced over
// newest-first Connected generations).
type Connectivity struct {
	Partners     []idcodec.NodeID
	Affinity     []float32
	Area         []uint64
	Connected    []uint32
	Disconnected []uint32
}

func (h *HierarchyReader) Connectivity(ctx context.Context, id idcodec.NodeID, at time.Time) (Connectivity, error) {
	rows, err := h.readRows(ctx, []idcodec.NodeID{id},
		[]store.Column{store.ColPartner, store.ColAffinity, store.ColArea, store.ColConnected}, &at)
	if err != nil {
		return Connectivity{}, err
	}
	row := rows[id]
	var out Connectivity
	if cells := row[store.ColPartner]; len(cells) > 0 {
		out.Partners = decodeNodeIDs(cells[0].Value)
	}
	if cells := row[store.ColAffinity]; len(cells) > 0 {
		out.Affinity = decodeFloat32s(cells[0].Value)
	}
	if cells := row[store.ColArea]; len(cells) > 0 {
		out.Area = decodeUint64s(cells[0].Value)
	}

	parity := make(map[uint32]int)
	for _, cell := range row[store.ColConnected] {
		for _, idx := range decodeUint32s(cell.Value) {
			parity[idx]++
		}
	}
	for idx, count := range parity {
		if count%2 == 1 {
			out.Connected = append(out.Connected, idx)
		} else {
			out.Disconnected = append(out.Disconnected, idx)
		}
	}
	for i := range out.Partners {
		idx := uint32(i)
		if _, seen := parity[idx]; !seen {
			out.Disconnected = append(out.Disconnected, idx)
		}
	}
	sort.Slice(out.Connected, func(i, j int) bool { return out.Connected[i] < out.Connected[j] })
	sort.Slice(out.Disconnected, func(i, j int) bool { return out.Disconnected[i] < out.Disconnected[j] })
	return out, nil
}

// SubgraphChunk expands a set of level-2 ids to their supervoxel-level
// active atomic edges, deduplicated by sorted endpoint pair.
func (h *HierarchyReader) SubgraphChunk(ctx context.Context, l2IDs []idcodec.NodeID, connectedOnly bool, at time.Time) ([]Edge, error) {
	supervoxels, err := h.ChildrenFlat(ctx, l2IDs)
	if err != nil {
		return nil, err
	}

	type edgeKey struct{ a, b idcodec.NodeID }
	seen := make(map[edgeKey]Edge)
	for _, sv := range supervoxels {
		conn, err := h.Connectivity(ctx, sv, at)
		if err != nil {
			return nil, err
		}
		keep := conn.Connected
		if !connectedOnly {
			keep = append(append([]uint32{}, conn.Connected...), conn.Disconnected...)
		}
		for _, idx := range keep {
			if int(idx) >= len(conn.Partners) {
				continue
			}
			a, b := sv, conn.Partners[idx]
			if a > b {
				a, b = b, a
			}
			key := edgeKey{a, b}
			if _, ok := seen[key]; ok {
				continue
			}
			var aff float32
			var area uint64
			if int(idx) < len(conn.Affinity) {
				aff = conn.Affinity[idx]
			}
			if int(idx) < len(conn.Area) {
				area = conn.Area[idx]
			}
			seen[key] = Edge{A: a, B: b, Affinity: aff, Area: area}
		}
	}

	out := make([]Edge, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out, nil
}
