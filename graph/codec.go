package graph

import (
	"encoding/binary"
	"math"

	"github.com/connectomics/chunkedgraph/idcodec"
)

// Cell values are flat binary arrays of fixed-width little framing; every
// node-row column holds one homogeneous typed array, so a single
// (width, encode, decode) triple per element type covers every column.

func encodeNodeIDs(ids []idcodec.NodeID) []byte {
	buf := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(id))
	}
	return buf
}

func decodeNodeIDs(b []byte) []idcodec.NodeID {
	n := len(b) / 8
	out := make([]idcodec.NodeID, n)
	for i := 0; i < n; i++ {
		out[i] = idcodec.NodeID(binary.BigEndian.Uint64(b[i*8:]))
	}
	return out
}

func encodeNodeID(id idcodec.NodeID) []byte {
	return encodeNodeIDs([]idcodec.NodeID{id})
}

func decodeNodeID(b []byte) (idcodec.NodeID, bool) {
	ids := decodeNodeIDs(b)
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}

func encodeUint64s(vs []uint64) []byte {
	buf := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}

func decodeUint64s(b []byte) []uint64 {
	n := len(b) / 8
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = binary.BigEndian.Uint64(b[i*8:])
	}
	return out
}

func encodeUint32s(vs []uint32) []byte {
	buf := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

func decodeUint32s(b []byte) []uint32 {
	n := len(b) / 4
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return out
}

func encodeFloat32s(vs []float32) []byte {
	buf := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeFloat32s(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(b[i*4:]))
	}
	return out
}

// EncodeNodeIDs, EncodeEdges and friends are exported so packages that write
// node rows directly (ingest's chunk builder, in particular) stay
// byte-compatible with what HierarchyReader and EditEngine decode, without
// duplicating the wire format.
func EncodeNodeIDs(ids []idcodec.NodeID) []byte { return encodeNodeIDs(ids) }
func DecodeNodeIDs(b []byte) []idcodec.NodeID   { return decodeNodeIDs(b) }
func EncodeNodeID(id idcodec.NodeID) []byte     { return encodeNodeID(id) }
func EncodeUint64s(vs []uint64) []byte          { return encodeUint64s(vs) }
func DecodeUint64s(b []byte) []uint64           { return decodeUint64s(b) }
func EncodeUint32s(vs []uint32) []byte          { return encodeUint32s(vs) }
func DecodeUint32s(b []byte) []uint32           { return decodeUint32s(b) }
func EncodeFloat32s(vs []float32) []byte        { return encodeFloat32s(vs) }
func DecodeFloat32s(b []byte) []float32         { return decodeFloat32s(b) }

// Edge is one atomic edge between two supervoxels with its physical weight.
type Edge struct {
	A, B     idcodec.NodeID
	Affinity float32
	Area     uint64
}

// EncodeInfAffinity returns the affinity value used to mark a chunk-boundary
// fusion edge: these connect atomic supervoxels split only by chunk
// geometry, never by a real affinity decision, and must never appear in a
// mincut result.
func EncodeInfAffinity() float32 { return float32(math.Inf(1)) }

// IsInfAffinity reports whether a is the chunk-boundary fusion sentinel.
func IsInfAffinity(a float32) bool { return math.IsInf(float64(a), 1) }
