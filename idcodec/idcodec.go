// Package idcodec packs and unpacks the bit-packed 64-bit node identities
// used throughout the graph, and derives chunk/layer relationships from them.
package idcodec

import (
	"math/bits"

	"github.com/connectomics/chunkedgraph/pkg/errs"
)

// LayerBits is the fixed width reserved for the layer field in a NodeID.
const LayerBits = 8

// MaxLayer is the largest layer value representable in LayerBits.
const MaxLayer = (1 << LayerBits) - 1

// NodeID is a packed 64-bit node identity: [layer|x|y|z|segment].
type NodeID uint64

// ChunkID is a NodeID whose segment field is zero.
type ChunkID = NodeID

// Layout describes the per-layer bit allocation for a graph configuration.
// It is immutable once built: every derivation in this package is a pure
// function of a Layout plus the identities involved.
type Layout struct {
	fanOut     uint32
	layerCount int
	spatial    []int // spatial[l] = S_l, bits per spatial dimension at layer l (1-indexed; spatial[0] unused)
}

// NewLayout derives the per-layer spatial bit budget from the atomic bit
// budget s1, shrinking by ceil(log2(fanOut)) bits per layer, clamped at 1,
// per the graph's spatial bit budget recurrence.
func NewLayout(fanOut uint32, s1 int, layerCount int) (*Layout, error) {
	if fanOut < 2 {
		return nil, errs.BadRequest("fan_out must be >= 2")
	}
	if layerCount < 1 || layerCount > MaxLayer {
		return nil, errs.BadRequest("layer_count out of range")
	}
	if s1 < 1 {
		return nil, errs.BadRequest("s_1 must be >= 1")
	}
	step := ceilLog2(fanOut)
	spatial := make([]int, layerCount+1)
	for l := 1; l <= layerCount; l++ {
		s := s1 - (l-1)*step
		if s < 1 {
			s = 1
		}
		spatial[l] = s
	}
	return &Layout{fanOut: fanOut, layerCount: layerCount, spatial: spatial}, nil
}

func ceilLog2(n uint32) int {
	if n <= 1 {
		return 0
	}
	return bits.Len32(n - 1)
}

// FanOut returns the graph's branching factor.
func (m *Layout) FanOut() uint32 { return m.fanOut }

// LayerCount returns the root layer, i.e. the coarsest layer.
func (m *Layout) LayerCount() int { return m.layerCount }

// SpatialBits returns S_l, the per-dimension chunk-coordinate bit width at layer l.
func (m *Layout) SpatialBits(layer int) int {
	return m.spatial[layer]
}

// SegmentBits returns the number of bits left for the segment field at layer l.
func (m *Layout) SegmentBits(layer int) int {
	return 64 - LayerBits - 3*m.spatial[layer]
}

func (m *Layout) validLayer(layer int) error {
	if layer < 1 || layer > m.layerCount {
		return errs.OutOfRange("layer out of range")
	}
	return nil
}

// Pack builds a NodeID from its components, failing with OutOfRange if any
// field overflows its bit width.
func (m *Layout) Pack(layer int, x, y, z uint32, segment uint64) (NodeID, error) {
	if err := m.validLayer(layer); err != nil {
		return 0, err
	}
	s := m.spatial[layer]
	spatialLimit := uint32(1) << uint(s)
	if x >= spatialLimit || y >= spatialLimit || z >= spatialLimit {
		return 0, errs.OutOfRange("chunk coordinate exceeds spatial bit budget")
	}
	segBits := m.SegmentBits(layer)
	if segBits < 0 || (segBits < 64 && segment >= uint64(1)<<uint(segBits)) {
		return 0, errs.OutOfRange("segment id exceeds segment bit budget")
	}
	var id uint64
	id |= uint64(layer) << (64 - LayerBits)
	id |= uint64(x) << (64 - LayerBits - s)
	id |= uint64(y) << (64 - LayerBits - 2*s)
	id |= uint64(z) << (64 - LayerBits - 3*s)
	id |= segment
	return NodeID(id), nil
}

// MustPack is Pack but panics on error; reserved for layout-constant literals.
func (m *Layout) MustPack(layer int, x, y, z uint32, segment uint64) NodeID {
	id, err := m.Pack(layer, x, y, z, segment)
	if err != nil {
		panic(err)
	}
	return id
}

// LayerOf extracts the layer field.
func (m *Layout) LayerOf(id NodeID) int {
	return int(uint64(id) >> (64 - LayerBits))
}

// Unpack decomposes a NodeID into layer, chunk coordinates, and segment.
func (m *Layout) Unpack(id NodeID) (layer int, x, y, z uint32, segment uint64) {
	layer = m.LayerOf(id)
	s := m.spatial[layer]
	mask := uint64(1)<<uint(s) - 1
	x = uint32((uint64(id) >> (64 - LayerBits - s)) & mask)
	y = uint32((uint64(id) >> (64 - LayerBits - 2*s)) & mask)
	z = uint32((uint64(id) >> (64 - LayerBits - 3*s)) & mask)
	segBits := m.SegmentBits(layer)
	segMask := uint64(1)<<uint(segBits) - 1
	segment = uint64(id) & segMask
	return
}

// ChunkOf returns the ChunkID (segment zeroed) containing id.
func (m *Layout) ChunkOf(id NodeID) ChunkID {
	layer := m.LayerOf(id)
	segBits := m.SegmentBits(layer)
	mask := ^(uint64(1)<<uint(segBits) - 1)
	return ChunkID(uint64(id) & mask)
}

// SegmentOf returns the intra-chunk segment index of id.
func (m *Layout) SegmentOf(id NodeID) uint64 {
	layer := m.LayerOf(id)
	segBits := m.SegmentBits(layer)
	mask := uint64(1)<<uint(segBits) - 1
	return uint64(id) & mask
}

// ChunkNodeRange returns the inclusive [start, end] NodeID bounds covering
// every segment a node at chunk's layer/coordinates could hold, letting a
// row-key range scan enumerate a chunk's current nodes without a separate
// chunk->members index.
func (m *Layout) ChunkNodeRange(chunk ChunkID) (start, end NodeID) {
	segBits := m.SegmentBits(m.LayerOf(chunk))
	segMask := uint64(1)<<uint(segBits) - 1
	return NodeID(uint64(chunk) + 1), NodeID(uint64(chunk) | segMask)
}

// CoordsOf returns the chunk coordinates of id (or of a ChunkID).
func (m *Layout) CoordsOf(id NodeID) (x, y, z uint32) {
	_, x, y, z, _ = m.Unpack(id)
	return
}

// ParentChunkOf walks chunk from its layer up to targetLayer, dividing
// coordinates by FanOut once per layer crossed (the original pychunkedgraph
// divides on every step, including the layer-1-to-2 step, even though
// child_chunks treats that step as a 1:1 correspondence — both are
// preserved faithfully since they are independent, documented behaviors).
func (m *Layout) ParentChunkOf(chunk ChunkID, targetLayer int) (ChunkID, error) {
	layer := m.LayerOf(chunk)
	if targetLayer < layer || targetLayer > m.layerCount {
		return 0, errs.OutOfRange("target layer out of range")
	}
	x, y, z := m.CoordsOf(chunk)
	for l := layer; l < targetLayer; l++ {
		x /= m.fanOut
		y /= m.fanOut
		z /= m.fanOut
	}
	return m.Pack(targetLayer, x, y, z, 0)
}

// ChildChunks returns the child chunks one layer below chunk. Layer-2
// chunks have exactly one child, at layer 1 with identical coordinates
// (the atomic chunk grid and the layer-2 grid coincide); all higher
// layers have up to FanOut^3 children.
func (m *Layout) ChildChunks(chunk ChunkID) ([]ChunkID, error) {
	layer := m.LayerOf(chunk)
	if layer == 1 {
		return nil, nil
	}
	x, y, z := m.CoordsOf(chunk)
	if layer == 2 {
		child, err := m.Pack(1, x, y, z, 0)
		if err != nil {
			return nil, err
		}
		return []ChunkID{child}, nil
	}
	children := make([]ChunkID, 0, m.fanOut*m.fanOut*m.fanOut)
	for dx := uint32(0); dx < m.fanOut; dx++ {
		for dy := uint32(0); dy < m.fanOut; dy++ {
			for dz := uint32(0); dz < m.fanOut; dz++ {
				c, err := m.Pack(layer-1, x*m.fanOut+dx, y*m.fanOut+dy, z*m.fanOut+dz, 0)
				if err != nil {
					return nil, err
				}
				children = append(children, c)
			}
		}
	}
	return children, nil
}

// CrossChunkLayer returns the smallest layer l >= 2 at which a and b's
// chunks coincide under repeated ParentChunkOf division, or 1 if they
// already share an atomic chunk.
func (m *Layout) CrossChunkLayer(a, b NodeID) (int, error) {
	ca, cb := m.ChunkOf(a), m.ChunkOf(b)
	if ca == cb {
		return 1, nil
	}
	for l := 2; l <= m.layerCount; l++ {
		pa, err := m.ParentChunkOf(ca, l)
		if err != nil {
			return 0, err
		}
		pb, err := m.ParentChunkOf(cb, l)
		if err != nil {
			return 0, err
		}
		if pa == pb {
			return l, nil
		}
	}
	return 0, errs.OutOfRange("no common ancestor chunk within layer_count")
}

// IsOutOfBounds reports whether chunk's coordinates are negative (impossible
// for the unsigned representation, so this only rejects coordinates
// exceeding the atomic spatial bit budget) or exceed 2^S_1.
func (m *Layout) IsOutOfBounds(x, y, z uint32) bool {
	limit := uint32(1) << uint(m.spatial[1])
	return x >= limit || y >= limit || z >= limit
}

// RootLayer is an alias for LayerCount, the coarsest layer of the graph.
func (m *Layout) RootLayer() int { return m.layerCount }

// RootChunkID returns the single chunk at the root layer, (layer_count, 0, 0, 0).
func (m *Layout) RootChunkID() ChunkID {
	id, _ := m.Pack(m.layerCount, 0, 0, 0, 0)
	return id
}
