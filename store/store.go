// Package store defines the versioned row/column/timestamp backend
// contract the graph is built on, plus the two backends that implement it:
// an in-memory backend for tests, and a SQL-backed (gorm) backend.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/connectomics/chunkedgraph/idcodec"
)

// RowKey is an opaque byte-string row identifier. NodeId keys are encoded
// as zero-padded 19-digit decimal (matching u64 max) so that lexicographic
// and numeric key order coincide; counter keys are prefixed strings.
type RowKey string

// Family groups columns into the four families the schema uses.
type Family int

const (
	FamilyData       Family = 0
	FamilyCounters   Family = 1
	FamilyLog        Family = 2
	FamilyCrossEdges Family = 3
)

// Column identifies a column within a family.
type Column string

// Node row columns (family 0 unless noted).
const (
	ColParent       Column = "Hierarchy.Parent"
	ColChild        Column = "Hierarchy.Child"
	ColFormerParent Column = "Hierarchy.FormerParent"
	ColNewParent    Column = "Hierarchy.NewParent"
	ColPartner      Column = "Connectivity.Partner"
	ColAffinity     Column = "Connectivity.Affinity"
	ColArea         Column = "Connectivity.Area"
	ColConnected    Column = "Connectivity.Connected"
	ColFakeEdges    Column = "Connectivity.FakeEdges" // family 3, folded in at atomic-chunk build
	ColLock         Column = "Concurrency.Lock"
)

// CrossChunkEdgeColumn returns the family-3 column name for cross-chunk
// edges recorded at layer l.
func CrossChunkEdgeColumn(l int) Column {
	return Column(fmt.Sprintf("Connectivity.CrossChunkEdge.%d", l))
}

// Log row columns (family 2).
const (
	ColLogUserID            Column = "Log.UserID"
	ColLogRootID            Column = "Log.RootID"
	ColLogSourceID          Column = "Log.SourceID"
	ColLogSinkID            Column = "Log.SinkID"
	ColLogSourceCoordinate  Column = "Log.SourceCoordinate"
	ColLogSinkCoordinate    Column = "Log.SinkCoordinate"
	ColLogAddedEdge         Column = "Log.AddedEdge"
	ColLogRemovedEdge       Column = "Log.RemovedEdge"
	ColLogAffinity          Column = "Log.Affinity"
	ColLogBoundingBoxOffset Column = "Log.BoundingBoxOffset"
	ColLogUndoOperationID   Column = "Log.UndoOperationID"
	ColLogRedoOperationID   Column = "Log.RedoOperationID"
	ColLogStatus            Column = "Log.Status"
)

// GraphSettings row columns (family 0).
const ColGraphSettingsBlob Column = "GraphSettings.Blob"

// LogStatus mirrors the original's edit log Status enum. EditEngine always
// writes LogStatusSuccess since failed attempts never reach the write phase
// (log rows are written only on success); the other values exist so a
// future writer could record attempted-but-aborted operations without a
// schema change.
type LogStatus int

const (
	LogStatusSuccess LogStatus = iota
	LogStatusFailedLock
	LogStatusFailedPrecondition
)

// Cell is one versioned value in a column's history.
type Cell struct {
	Timestamp time.Time
	Value     []byte
}

// Row is the per-column cell history for one row, newest-first per column.
type Row map[Column][]Cell

// ReadRowsRequest selects rows by explicit key list or a contiguous key
// range, with optional column and timestamp filters.
type ReadRowsRequest struct {
	Keys []RowKey

	StartKey     RowKey // used when Keys is empty
	EndKey       RowKey
	EndInclusive bool

	Columns []Column // empty means all columns

	StartTime *time.Time // inclusive
	EndTime   *time.Time // inclusive
}

// PointInTime returns a request bounded so that reads only ever see the
// newest cell with timestamp <= at.
func PointInTime(at time.Time) (startTime, endTime *time.Time) {
	return nil, &at
}

// Mutation is a pending set of column writes for one row, applied together.
// Duplicate (row, column) pairs across mutations in a single BulkWrite are
// not versioned: the last one wins, so callers must pre-merge.
type Mutation struct {
	Key       RowKey
	Cells     map[Column][]byte
	Timestamp time.Time // zero means "now" at apply time
}

// BulkWriteOptions configures retry and lock-renewal behavior for BulkWrite.
type BulkWriteOptions struct {
	BlockSize     int // default 2000
	LockRootIDs   []idcodec.NodeID
	OperationID   uint64
	HasLock       bool // true iff LockRootIDs/OperationID apply
	SlowRetry     bool
}

// LockRenewer is the subset of lock.Manager that Store needs to re-check a
// lock before every BulkWrite block; kept as an interface here so store
// does not import lock (lock imports store instead).
type LockRenewer interface {
	Renew(ctx context.Context, rootIDs []idcodec.NodeID, operationID uint64) error
}

// Predicate inspects a row's current cells and reports whether a
// conditional write's "true" branch should apply.
type Predicate func(existing Row) bool

// Backend is the versioned row/column/timestamp contract every graph
// operation is built on.
type Backend interface {
	// ReadRows returns matching rows, cells ordered newest-first per column.
	ReadRows(ctx context.Context, req ReadRowsRequest) (map[RowKey]Row, error)

	// MutateRow applies a single row's mutation immediately (outside of any
	// bulk-write/lock-renewal protocol); used for counters, locks, and
	// build-time writes that don't need the lock-renewal discipline.
	MutateRow(ctx context.Context, m Mutation) error

	// BulkWrite applies mutations in blocks of at most opts.BlockSize,
	// retrying each block with exponential backoff on transient errors.
	// When opts.HasLock is set, the lock is renewed before every block;
	// renewal failure aborts with errs.ErrLock and performs no more writes.
	BulkWrite(ctx context.Context, mutations []Mutation, opts BulkWriteOptions, renewer LockRenewer) error

	// AtomicIncrement adds delta to a single counter cell and returns the
	// resulting value.
	AtomicIncrement(ctx context.Context, key RowKey, column Column, delta int64) (int64, error)

	// ConditionalWrite evaluates pred against the row's current state and
	// applies trueCells if true, falseCells otherwise (either may be nil),
	// reporting which branch ran.
	ConditionalWrite(ctx context.Context, key RowKey, pred Predicate, trueCells, falseCells map[Column][]byte) (predicateResult bool, err error)

	// ConditionalDelete evaluates pred against the row's current state and,
	// iff true, removes columns entirely (all versions); reports whether the
	// delete ran. Used by LockManager.unlock, the one place this backend
	// contract needs a true delete rather than a new versioned cell.
	ConditionalDelete(ctx context.Context, key RowKey, pred Predicate, columns []Column) (deleted bool, err error)
}

// NodeRowKey encodes a NodeId as the zero-padded 19-digit decimal key the
// external-interfaces contract specifies.
func NodeRowKey(id idcodec.NodeID) RowKey {
	return RowKey(fmt.Sprintf("%019d", uint64(id)))
}

// ChunkCounterRowKey encodes a chunk's segment-id counter row.
func ChunkCounterRowKey(chunk idcodec.ChunkID) RowKey {
	return RowKey(fmt.Sprintf("i%019d", uint64(chunk)))
}

// ShardedCounterRowKey encodes one shard of a chunk's segment-id counter,
// used for the root chunk when RootCounterBits > 0.
func ShardedCounterRowKey(chunk idcodec.ChunkID, shard uint32) RowKey {
	return RowKey(fmt.Sprintf("i%019d_%d", uint64(chunk), shard))
}

// OperationCounterRowKey is the single global operation-id counter row.
const OperationCounterRowKey RowKey = "ioperations"

// GraphSettingsRowKey is the single fixed row holding persisted graph meta.
const GraphSettingsRowKey RowKey = "GRAPH_SETTINGS"

// LogRowKey encodes an operation id as the big-endian-equivalent decimal
// key used for the append-only operation log.
func LogRowKey(operationID uint64) RowKey {
	return RowKey(fmt.Sprintf("%019d", operationID))
}

// NewestAt returns the newest cell with Timestamp <= at, or ok=false if none.
func NewestAt(cells []Cell, at time.Time) (Cell, bool) {
	for _, c := range cells {
		if !c.Timestamp.After(at) {
			return c, true
		}
	}
	return Cell{}, false
}
