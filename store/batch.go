package store

import (
	"context"
	"runtime"
	"time"

	"github.com/connectomics/chunkedgraph/pkg/parallel"
)

// MaxBatchKeys is the largest key list a single ReadRows sub-request may
// carry; larger requests are split and run concurrently.
const MaxBatchKeys = 20000

type batchResult struct {
	rows map[RowKey]Row
	err  error
}

// BatchedReadRows splits keys into sub-requests of at most MaxBatchKeys and
// executes them in parallel across up to 2*NumCPU workers, merging results.
// This is the concrete implementation of the read-batching rule every
// multi-key HierarchyReader operation relies on.
func BatchedReadRows(ctx context.Context, backend Backend, keys []RowKey, columns []Column, startTime, endTime *time.Time) (map[RowKey]Row, error) {
	if len(keys) == 0 {
		return map[RowKey]Row{}, nil
	}

	batches := chunkKeys(keys, MaxBatchKeys)
	cfg := parallel.DefaultPoolConfig().WithWorkers(2 * runtime.NumCPU())

	var firstErr error
	merged := parallel.MapReduce(ctx, batches, cfg,
		func(ctx context.Context, batch []RowKey) batchResult {
			req := ReadRowsRequest{Keys: batch, Columns: columns, StartTime: startTime, EndTime: endTime}
			rows, err := backend.ReadRows(ctx, req)
			return batchResult{rows: rows, err: err}
		},
		func(mapped []batchResult) map[RowKey]Row {
			out := make(map[RowKey]Row)
			for _, m := range mapped {
				if m.err != nil {
					firstErr = m.err
					continue
				}
				for k, v := range m.rows {
					out[k] = v
				}
			}
			return out
		},
	)
	if firstErr != nil {
		return nil, firstErr
	}
	return merged, nil
}

func chunkKeys(keys []RowKey, size int) [][]RowKey {
	var batches [][]RowKey
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		batches = append(batches, keys[start:end])
	}
	return batches
}
