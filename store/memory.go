package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/connectomics/chunkedgraph/pkg/errs"
)

// MemoryBackend is an in-process Backend used for tests and for the CLI's
// standalone demo mode; an in-memory test double that speaks the
// wide-column Row/Cell contract instead of SQL rows.
type MemoryBackend struct {
	mu   sync.RWMutex
	rows map[RowKey]Row
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{rows: make(map[RowKey]Row)}
}

func cloneRow(r Row, columns []Column) Row {
	out := make(Row, len(r))
	for col, cells := range r {
		if len(columns) > 0 && !containsColumn(columns, col) {
			continue
		}
		cp := make([]Cell, len(cells))
		copy(cp, cells)
		out[col] = cp
	}
	return out
}

func containsColumn(cols []Column, c Column) bool {
	for _, x := range cols {
		if x == c {
			return true
		}
	}
	return false
}

func filterByTime(cells []Cell, start, end *time.Time) []Cell {
	if start == nil && end == nil {
		return cells
	}
	out := make([]Cell, 0, len(cells))
	for _, c := range cells {
		if start != nil && c.Timestamp.Before(*start) {
			continue
		}
		if end != nil && c.Timestamp.After(*end) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ReadRows implements Backend.
func (b *MemoryBackend) ReadRows(ctx context.Context, req ReadRowsRequest) (map[RowKey]Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make(map[RowKey]Row)
	consider := func(key RowKey) {
		row, ok := b.rows[key]
		if !ok {
			return
		}
		cp := cloneRow(row, req.Columns)
		for col, cells := range cp {
			cp[col] = filterByTime(cells, req.StartTime, req.EndTime)
		}
		result[key] = cp
	}

	if len(req.Keys) > 0 {
		for _, k := range req.Keys {
			consider(k)
		}
		return result, nil
	}

	keys := make([]RowKey, 0, len(b.rows))
	for k := range b.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if k < req.StartKey {
			continue
		}
		if req.EndKey != "" {
			if req.EndInclusive && k > req.EndKey {
				continue
			}
			if !req.EndInclusive && k >= req.EndKey {
				continue
			}
		}
		consider(k)
	}
	return result, nil
}

func (b *MemoryBackend) applyLocked(m Mutation, ts time.Time) {
	row, ok := b.rows[m.Key]
	if !ok {
		row = make(Row)
		b.rows[m.Key] = row
	}
	for col, val := range m.Cells {
		cells := row[col]
		cells = append([]Cell{{Timestamp: ts, Value: val}}, cells...)
		sort.SliceStable(cells, func(i, j int) bool { return cells[i].Timestamp.After(cells[j].Timestamp) })
		row[col] = cells
	}
}

// MutateRow implements Backend.
func (b *MemoryBackend) MutateRow(ctx context.Context, m Mutation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	b.applyLocked(m, ts)
	return nil
}

// BulkWrite implements Backend. The in-memory backend never sees transient
// errors, so retry is a no-op; lock renewal is still honored so tests can
// exercise LockError propagation.
func (b *MemoryBackend) BulkWrite(ctx context.Context, mutations []Mutation, opts BulkWriteOptions, renewer LockRenewer) error {
	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = 2000
	}
	for start := 0; start < len(mutations); start += blockSize {
		end := start + blockSize
		if end > len(mutations) {
			end = len(mutations)
		}
		if opts.HasLock {
			if renewer == nil {
				return errs.Lock("lock renewal requested but no renewer supplied")
			}
			if err := renewer.Renew(ctx, opts.LockRootIDs, opts.OperationID); err != nil {
				return err
			}
		}
		b.mu.Lock()
		now := time.Now()
		for _, m := range mutations[start:end] {
			b.applyLocked(m, now)
		}
		b.mu.Unlock()
	}
	return nil
}

// AtomicIncrement implements Backend.
func (b *MemoryBackend) AtomicIncrement(ctx context.Context, key RowKey, column Column, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	row, ok := b.rows[key]
	if !ok {
		row = make(Row)
		b.rows[key] = row
	}
	var current int64
	if cells := row[column]; len(cells) > 0 {
		current = decodeInt64(cells[0].Value)
	}
	next := current + delta
	b.applyLocked(Mutation{Key: key, Cells: map[Column][]byte{column: encodeInt64(next)}}, time.Now())
	return next, nil
}

// ConditionalWrite implements Backend.
func (b *MemoryBackend) ConditionalWrite(ctx context.Context, key RowKey, pred Predicate, trueCells, falseCells map[Column][]byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	row := cloneRow(b.rows[key], nil)
	result := pred(row)

	cells := trueCells
	if !result {
		cells = falseCells
	}
	if cells != nil {
		b.applyLocked(Mutation{Key: key, Cells: cells}, time.Now())
	}
	return result, nil
}

// ConditionalDelete implements Backend.
func (b *MemoryBackend) ConditionalDelete(ctx context.Context, key RowKey, pred Predicate, columns []Column) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	row := cloneRow(b.rows[key], nil)
	if !pred(row) {
		return false, nil
	}
	existing, ok := b.rows[key]
	if !ok {
		return true, nil
	}
	for _, col := range columns {
		delete(existing, col)
	}
	return true, nil
}

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	u := uint64(v)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(u)
		u >>= 8
	}
	return buf
}

func decodeInt64(b []byte) int64 {
	var u uint64
	for _, bb := range b {
		u = u<<8 | uint64(bb)
	}
	return int64(u)
}
