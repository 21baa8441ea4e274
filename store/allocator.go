package store

import (
	"context"
	"hash/maphash"

	"github.com/connectomics/chunkedgraph/graphmeta"
	"github.com/connectomics/chunkedgraph/idcodec"
)

// IdAllocator hands out unique segment ids per chunk and unique operation
// ids, backed by atomic per-row counters (C4). The root chunk's counter may
// be sharded into 2^root_counter_bits independent counters to spread write
// contention; the returned segment range strides by the shard count so
// global uniqueness is preserved regardless of which shard served it.
type IdAllocator struct {
	backend Backend
	meta    *graphmeta.Meta
	seed    maphash.Seed
}

// NewIdAllocator builds an allocator over backend using meta's root-counter
// sharding configuration.
func NewIdAllocator(backend Backend, meta *graphmeta.Meta) *IdAllocator {
	return &IdAllocator{backend: backend, meta: meta, seed: maphash.MakeSeed()}
}

// NextSegmentIDs allocates count consecutive-by-shard segment ids for
// chunk, returning them least-recent-first. The root chunk is sharded by
// meta.RootCounterShards(); all other chunks use a single counter.
func (a *IdAllocator) NextSegmentIDs(ctx context.Context, chunk idcodec.ChunkID, count int) ([]uint64, error) {
	if count <= 0 {
		return nil, nil
	}
	shards := uint32(1)
	isRoot := a.meta.Layout().LayerOf(chunk) == a.meta.RootLayer()
	if isRoot {
		shards = a.meta.RootCounterShards()
	}

	var key RowKey
	var shard uint32
	if shards > 1 {
		shard = a.pickShard(chunk, shards)
		key = ShardedCounterRowKey(chunk, shard)
	} else {
		key = ChunkCounterRowKey(chunk)
	}

	max, err := a.backend.AtomicIncrement(ctx, key, ColCounterValue, int64(count))
	if err != nil {
		return nil, err
	}

	ids := make([]uint64, count)
	top := uint64(max)
	for i := 0; i < count; i++ {
		ids[count-1-i] = (top-uint64(i))*uint64(shards) + uint64(shard)
	}
	return ids, nil
}

// pickShard deterministically spreads load across shards using a hash of
// the chunk id; a strong implementation may replace this with round-robin
// per process, as the design notes allow.
func (a *IdAllocator) pickShard(chunk idcodec.ChunkID, shards uint32) uint32 {
	var h maphash.Hash
	h.SetSeed(a.seed)
	var buf [8]byte
	v := uint64(chunk)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	h.Write(buf[:])
	return uint32(h.Sum64() % uint64(shards))
}

// NextOperationID allocates the next globally unique operation id.
func (a *IdAllocator) NextOperationID(ctx context.Context) (uint64, error) {
	next, err := a.backend.AtomicIncrement(ctx, OperationCounterRowKey, ColCounterValue, 1)
	if err != nil {
		return 0, err
	}
	return uint64(next), nil
}

// ColCounterValue is the sole column a counter row's cell lives in.
const ColCounterValue Column = "Counter.Value"
