// Package ingest builds atomic and parent chunks from externally produced
// edge and agglomeration data, and tracks the resulting build progress for
// operator-facing status queries.
package ingest

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/tencentyun/cos-go-sdk-v5"

	"github.com/connectomics/chunkedgraph/graph"
	"github.com/connectomics/chunkedgraph/idcodec"
	"github.com/connectomics/chunkedgraph/pkg/compression"
	"github.com/connectomics/chunkedgraph/pkg/errs"
)

// EdgeKind classifies a raw edge by where its endpoints sit relative to the
// chunk being built.
type EdgeKind string

const (
	EdgeKindInChunk      EdgeKind = "in_chunk"
	EdgeKindBetweenChunk EdgeKind = "between_chunk"
	EdgeKindCrossChunk   EdgeKind = "cross_chunk"
)

// RawEdges is the parallel-array edge representation the edge loader
// contract hands back per kind: ids1[], ids2[], affinities[], areas[].
type RawEdges struct {
	A        []idcodec.NodeID
	B        []idcodec.NodeID
	Affinity []float32
	Area     []uint64
}

// Len reports the edge count.
func (r RawEdges) Len() int { return len(r.A) }

// ToEdges flattens the parallel arrays into graph.Edge values.
func (r RawEdges) ToEdges() []graph.Edge {
	out := make([]graph.Edge, r.Len())
	for i := range out {
		out[i] = graph.Edge{A: r.A[i], B: r.B[i], Affinity: r.Affinity[i], Area: r.Area[i]}
	}
	return out
}

// normalize reorders every edge so A < B, since between_chunk and
// cross_chunk entries may arrive with either endpoint first.
func (r RawEdges) normalize() RawEdges {
	for i := range r.A {
		if r.A[i] > r.B[i] {
			r.A[i], r.B[i] = r.B[i], r.A[i]
		}
	}
	return r
}

// EdgeLoader fetches and decodes a chunk's edges, keyed by relation to the
// chunk boundary: in_chunk, between_chunk, or cross_chunk.
type EdgeLoader interface {
	LoadChunkEdges(ctx context.Context, path string, chunks []idcodec.ChunkID) (map[EdgeKind]RawEdges, error)
	LoadAgglomeration(ctx context.Context, path string) ([][2]idcodec.NodeID, error)
}

// fileFetcher is the minimal object-storage read surface ChunkBuilder needs:
// open a key for streaming, nothing else. Both storage backends below
// implement it, then a rawEdgeLoader decodes on top.
type fileFetcher interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// localFetcher reads chunk build inputs from the local filesystem.
type localFetcher struct {
	basePath string
}

// NewLocalFetcher roots fetched keys at basePath.
func NewLocalFetcher(basePath string) *localFetcher {
	if basePath == "" {
		basePath = "."
	}
	return &localFetcher{basePath: basePath}
}

func (f *localFetcher) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	file, err := os.Open(filepath.Join(f.basePath, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound(fmt.Sprintf("build input not found: %s", key))
		}
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "failed to open build input", err)
	}
	return file, nil
}

// COSFetcherConfig configures a Tencent COS-backed fileFetcher.
type COSFetcherConfig struct {
	Bucket    string
	Region    string
	SecretID  string
	SecretKey string
	Domain    string
	Scheme    string
}

// cosFetcher reads chunk build inputs from Tencent Cloud COS.
type cosFetcher struct {
	client *cos.Client
}

// NewCOSFetcher builds a fileFetcher backed by Tencent COS.
func NewCOSFetcher(cfg COSFetcherConfig) (*cosFetcher, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, errs.BadRequest("bucket and region are required for COS storage")
	}
	if cfg.SecretID == "" || cfg.SecretKey == "" {
		return nil, errs.BadRequest("credentials are required for COS storage")
	}
	domain := cfg.Domain
	if domain == "" {
		domain = "myqcloud.com"
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	bucketURL, err := url.Parse(fmt.Sprintf("%s://%s.cos.%s.%s", scheme, cfg.Bucket, cfg.Region, domain))
	if err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "failed to parse bucket URL", err)
	}
	serviceURL, err := url.Parse(fmt.Sprintf("%s://cos.%s.%s", scheme, cfg.Region, domain))
	if err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "failed to parse service URL", err)
	}
	client := cos.NewClient(&cos.BaseURL{BucketURL: bucketURL, ServiceURL: serviceURL}, &http.Client{
		Transport: &cos.AuthorizationTransport{SecretID: cfg.SecretID, SecretKey: cfg.SecretKey},
	})
	return &cosFetcher{client: client}, nil
}

func (f *cosFetcher) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := f.client.Object.Get(ctx, key, nil)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "failed to read from COS", err)
	}
	return resp.Body, nil
}

// RawEdgeLoader implements EdgeLoader over a fileFetcher, decoding the
// typed v2/v3/v4 binary edge record layouts and zstd-compressed
// agglomeration arrays a segmentation pipeline produces.
type RawEdgeLoader struct {
	fetch   fileFetcher
	version int
}

// NewLocalEdgeLoader builds a RawEdgeLoader reading from the local filesystem.
func NewLocalEdgeLoader(basePath string, version int) *RawEdgeLoader {
	return &RawEdgeLoader{fetch: NewLocalFetcher(basePath), version: version}
}

// NewCOSEdgeLoader builds a RawEdgeLoader reading from Tencent COS.
func NewCOSEdgeLoader(cfg COSFetcherConfig, version int) (*RawEdgeLoader, error) {
	fetch, err := NewCOSFetcher(cfg)
	if err != nil {
		return nil, err
	}
	return &RawEdgeLoader{fetch: fetch, version: version}, nil
}

// LoadChunkEdges reads path/<kind>.bin for each edge kind the chunk build
// needs and decodes it per the loader's configured record version. Any
// kind whose file is absent is treated as empty rather than an error,
// since a boundary chunk may legitimately have no between_chunk edges.
func (l *RawEdgeLoader) LoadChunkEdges(ctx context.Context, path string, chunks []idcodec.ChunkID) (map[EdgeKind]RawEdges, error) {
	out := make(map[EdgeKind]RawEdges, 3)
	for _, kind := range []EdgeKind{EdgeKindInChunk, EdgeKindBetweenChunk, EdgeKindCrossChunk} {
		key := fmt.Sprintf("%s/%s.bin", path, kind)
		r, err := l.fetch.Open(ctx, key)
		if errs.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		data, readErr := io.ReadAll(r)
		r.Close()
		if readErr != nil {
			return nil, errs.Wrap(errs.CodeStoreUnavailable, "failed to read edge file", readErr)
		}
		edges, err := DecodeRawEdgeRecords(l.version, data)
		if err != nil {
			return nil, err
		}
		if kind != EdgeKindInChunk {
			edges = edges.normalize()
		}
		out[kind] = edges
	}
	return out, nil
}

// LoadAgglomeration reads and decodes path as a zstd-compressed flat array
// of (u64, u64) supervoxel-pair records: the manual fake-edge overlay and
// any other precomputed pairing input share this format.
func (l *RawEdgeLoader) LoadAgglomeration(ctx context.Context, path string) ([][2]idcodec.NodeID, error) {
	r, err := l.fetch.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "failed to read agglomeration file", err)
	}
	decoded, err := compression.AutoDecompress(raw)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "failed to decompress agglomeration file", err)
	}
	const recordLen = 16
	if len(decoded)%recordLen != 0 {
		return nil, errs.BadRequest("agglomeration file is not a whole number of (u64,u64) records")
	}
	n := len(decoded) / recordLen
	pairs := make([][2]idcodec.NodeID, n)
	for i := 0; i < n; i++ {
		a := binary.LittleEndian.Uint64(decoded[i*recordLen:])
		b := binary.LittleEndian.Uint64(decoded[i*recordLen+8:])
		pairs[i] = [2]idcodec.NodeID{idcodec.NodeID(a), idcodec.NodeID(b)}
	}
	return pairs, nil
}

// DecodeRawEdgeRecords decodes a raw edge file: version 2 is sv1, sv2,
// aff(f32), area(u64); versions 3 and 4 add per-axis {x,y,z} affinity/area
// triples, summed into the single scalar affinity/area chunk building
// consumes per edge.
func DecodeRawEdgeRecords(version int, data []byte) (RawEdges, error) {
	switch version {
	case 2:
		return decodeV2(data)
	case 3:
		return decodeAxisTriple(data, true)
	case 4:
		return decodeAxisTriple(data, false)
	default:
		return RawEdges{}, errs.BadRequest(fmt.Sprintf("unsupported edge record version %d", version))
	}
}

const v2RecordLen = 8 + 8 + 4 + 8

func decodeV2(data []byte) (RawEdges, error) {
	if len(data)%v2RecordLen != 0 {
		return RawEdges{}, errs.BadRequest("v2 edge file is not a whole number of records")
	}
	n := len(data) / v2RecordLen
	out := RawEdges{A: make([]idcodec.NodeID, n), B: make([]idcodec.NodeID, n), Affinity: make([]float32, n), Area: make([]uint64, n)}
	for i := 0; i < n; i++ {
		off := i * v2RecordLen
		out.A[i] = idcodec.NodeID(binary.LittleEndian.Uint64(data[off:]))
		out.B[i] = idcodec.NodeID(binary.LittleEndian.Uint64(data[off+8:]))
		out.Affinity[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+16:]))
		out.Area[i] = binary.LittleEndian.Uint64(data[off+20:])
	}
	return out, nil
}

// decodeAxisTriple handles v3 (aff:f64, area:u64) x3 and v4 (aff:f32,
// area:u64) x3, collapsing the per-axis triple to its sum: the original
// per-axis breakdown only matters to the segmentation pipeline that
// produced it, not to chunk building, which treats an edge as one weight.
func decodeAxisTriple(data []byte, wide bool) (RawEdges, error) {
	affWidth := 4
	if wide {
		affWidth = 8
	}
	perAxis := affWidth + 8
	recordLen := 8 + 8 + 3*perAxis
	if len(data)%recordLen != 0 {
		return RawEdges{}, errs.BadRequest("edge file is not a whole number of records")
	}
	n := len(data) / recordLen
	out := RawEdges{A: make([]idcodec.NodeID, n), B: make([]idcodec.NodeID, n), Affinity: make([]float32, n), Area: make([]uint64, n)}
	for i := 0; i < n; i++ {
		off := i * recordLen
		out.A[i] = idcodec.NodeID(binary.LittleEndian.Uint64(data[off:]))
		out.B[i] = idcodec.NodeID(binary.LittleEndian.Uint64(data[off+8:]))
		off += 16
		var aff float64
		var area uint64
		for axis := 0; axis < 3; axis++ {
			if wide {
				aff += math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
			} else {
				aff += float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
			}
			off += affWidth
			area += binary.LittleEndian.Uint64(data[off:])
			off += 8
		}
		out.Affinity[i] = float32(aff)
		out.Area[i] = area
	}
	return out, nil
}
