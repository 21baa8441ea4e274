package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/connectomics/chunkedgraph/pkg/errs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("github.com/connectomics/chunkedgraph/store")

// cellRow is the gorm model backing the wide-column cell table: one SQL row
// per (row_key, family, column, timestamp) cell, descending by timestamp
// within a (row_key, column) so the newest cell is the cheapest to find.
type cellRow struct {
	RowKey    string    `gorm:"column:row_key;primaryKey;type:varchar(64)"`
	Family    int       `gorm:"column:family;primaryKey"`
	Column    string    `gorm:"column:column_name;primaryKey;type:varchar(128)"`
	Timestamp time.Time `gorm:"column:ts;primaryKey;index:idx_cells_lookup,priority:1"`
	Value     []byte    `gorm:"column:value;type:blob"`
}

func (cellRow) TableName() string { return "cells" }

// SQLBackend implements Backend on top of a gorm.DB, using row-level
// locking (SELECT ... FOR UPDATE, inside a transaction) as the SQL analog
// of a wide-column store's conditional row write.
type SQLBackend struct {
	db *gorm.DB
}

// NewSQLBackend wraps an already-opened gorm connection (see NewGormDB).
func NewSQLBackend(db *gorm.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

func familyOf(col Column) Family {
	if col == ColFakeEdges {
		return FamilyCrossEdges
	}
	switch {
	case col == ColLogUserID || col == ColLogRootID || col == ColLogSourceID || col == ColLogSinkID ||
		col == ColLogSourceCoordinate || col == ColLogSinkCoordinate || col == ColLogAddedEdge ||
		col == ColLogRemovedEdge || col == ColLogAffinity || col == ColLogBoundingBoxOffset ||
		col == ColLogUndoOperationID || col == ColLogRedoOperationID || col == ColLogStatus:
		return FamilyLog
	default:
		return FamilyData
	}
}

func (s *SQLBackend) readRowTx(tx *gorm.DB, key RowKey, columns []Column, lock bool) (Row, error) {
	q := tx.Where("row_key = ?", string(key)).Order("ts DESC")
	if len(columns) > 0 {
		names := make([]string, len(columns))
		for i, c := range columns {
			names[i] = string(c)
		}
		q = q.Where("column_name IN ?", names)
	}
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rows []cellRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(Row)
	for _, r := range rows {
		col := Column(r.Column)
		out[col] = append(out[col], Cell{Timestamp: r.Timestamp, Value: r.Value})
	}
	return out, nil
}

// ReadRows implements Backend.
func (s *SQLBackend) ReadRows(ctx context.Context, req ReadRowsRequest) (map[RowKey]Row, error) {
	tx := s.db.WithContext(ctx).Model(&cellRow{})
	if len(req.Columns) > 0 {
		names := make([]string, len(req.Columns))
		for i, c := range req.Columns {
			names[i] = string(c)
		}
		tx = tx.Where("column_name IN ?", names)
	}
	if req.StartTime != nil {
		tx = tx.Where("ts >= ?", *req.StartTime)
	}
	if req.EndTime != nil {
		tx = tx.Where("ts <= ?", *req.EndTime)
	}

	if len(req.Keys) > 0 {
		keys := make([]string, len(req.Keys))
		for i, k := range req.Keys {
			keys[i] = string(k)
		}
		tx = tx.Where("row_key IN ?", keys)
	} else {
		tx = tx.Where("row_key >= ?", string(req.StartKey))
		if req.EndKey != "" {
			if req.EndInclusive {
				tx = tx.Where("row_key <= ?", string(req.EndKey))
			} else {
				tx = tx.Where("row_key < ?", string(req.EndKey))
			}
		}
	}

	var rows []cellRow
	if err := tx.Order("row_key ASC, ts DESC").Find(&rows).Error; err != nil {
		return nil, errs.StoreUnavailable("read_rows failed", err)
	}

	result := make(map[RowKey]Row)
	for _, r := range rows {
		key := RowKey(r.RowKey)
		row, ok := result[key]
		if !ok {
			row = make(Row)
			result[key] = row
		}
		col := Column(r.Column)
		row[col] = append(row[col], Cell{Timestamp: r.Timestamp, Value: r.Value})
	}
	return result, nil
}

func mutationRows(m Mutation, ts time.Time) []cellRow {
	rows := make([]cellRow, 0, len(m.Cells))
	for col, val := range m.Cells {
		rows = append(rows, cellRow{
			RowKey:    string(m.Key),
			Family:    int(familyOf(col)),
			Column:    string(col),
			Timestamp: ts,
			Value:     val,
		})
	}
	return rows
}

// MutateRow implements Backend.
func (s *SQLBackend) MutateRow(ctx context.Context, m Mutation) error {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	rows := mutationRows(m, ts)
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return errs.StoreUnavailable("mutate_row failed", err)
	}
	return nil
}

// BulkWrite implements Backend: mutations are grouped into blocks of at
// most opts.BlockSize, each applied in one transaction and retried with
// exponential backoff on a transient error; the lock is renewed before
// every block when opts.HasLock is set.
func (s *SQLBackend) BulkWrite(ctx context.Context, mutations []Mutation, opts BulkWriteOptions, renewer LockRenewer) error {
	ctx, span := tracer.Start(ctx, "store.BulkWrite")
	defer span.End()

	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = 2000
	}
	span.SetAttributes(
		attribute.Int("chunkedgraph.mutation_count", len(mutations)),
		attribute.Int("chunkedgraph.block_size", blockSize),
	)

	now := time.Now()
	for start := 0; start < len(mutations); start += blockSize {
		end := start + blockSize
		if end > len(mutations) {
			end = len(mutations)
		}
		block := mutations[start:end]

		if opts.HasLock {
			if renewer == nil {
				return errs.Lock("lock renewal requested but no renewer supplied")
			}
			if err := renewer.Renew(ctx, opts.LockRootIDs, opts.OperationID); err != nil {
				return err
			}
		}

		if err := s.writeBlockWithRetry(ctx, block, now, opts.SlowRetry); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLBackend) writeBlockWithRetry(ctx context.Context, block []Mutation, ts time.Time, slowRetry bool) error {
	rows := make([]cellRow, 0, len(block))
	for _, m := range block {
		mts := m.Timestamp
		if mts.IsZero() {
			mts = ts
		}
		rows = append(rows, mutationRows(m, mts)...)
	}
	if len(rows) == 0 {
		return nil
	}

	backoff := 100 * time.Millisecond
	if slowRetry {
		backoff = time.Second
	}
	const maxAttempts = 5

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Create(&rows).Error
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientDBError(err) {
			return errs.StoreUnavailable("bulk_write block failed", err)
		}
		select {
		case <-ctx.Done():
			return errs.StoreUnavailable("bulk_write interrupted", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return errs.StoreUnavailable("bulk_write block exhausted retries", lastErr)
}

// isTransientDBError reports whether err looks like one of Aborted,
// DeadlineExceeded, or ServiceUnavailable; gorm/sql drivers don't share a
// single sentinel for these, so this is a pragmatic classification.
func isTransientDBError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, gorm.ErrInvalidTransaction) {
		return true
	}
	return false
}

// AtomicIncrement implements Backend using a row-locked read-modify-write
// transaction; this is the SQL analog of a wide-column store's native
// per-cell counter increment.
func (s *SQLBackend) AtomicIncrement(ctx context.Context, key RowKey, column Column, delta int64) (int64, error) {
	var next int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.readRowTx(tx, key, []Column{column}, true)
		if err != nil {
			return err
		}
		var current int64
		if cells := row[column]; len(cells) > 0 {
			current = decodeInt64(cells[0].Value)
		}
		next = current + delta
		return tx.Create(&cellRow{
			RowKey:    string(key),
			Family:    int(familyOf(column)),
			Column:    string(column),
			Timestamp: time.Now(),
			Value:     encodeInt64(next),
		}).Error
	})
	if err != nil {
		return 0, errs.StoreUnavailable("atomic_increment failed", err)
	}
	return next, nil
}

// ConditionalWrite implements Backend using SELECT ... FOR UPDATE inside a
// transaction to serialize concurrent predicate evaluation and mutation,
// the SQL analog of a wide-column store's conditional row write.
func (s *SQLBackend) ConditionalWrite(ctx context.Context, key RowKey, pred Predicate, trueCells, falseCells map[Column][]byte) (bool, error) {
	var result bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.readRowTx(tx, key, nil, true)
		if err != nil {
			return err
		}
		result = pred(row)

		cells := trueCells
		if !result {
			cells = falseCells
		}
		if len(cells) == 0 {
			return nil
		}
		ts := time.Now()
		rows := mutationRows(Mutation{Key: key, Cells: cells}, ts)
		return tx.Create(&rows).Error
	})
	if err != nil {
		return false, errs.StoreUnavailable("conditional_write failed", err)
	}
	return result, nil
}

// ConditionalDelete implements Backend using SELECT ... FOR UPDATE followed
// by a hard delete of every version in the named columns, the SQL analog of
// a wide-column store's conditional column delete.
func (s *SQLBackend) ConditionalDelete(ctx context.Context, key RowKey, pred Predicate, columns []Column) (bool, error) {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.readRowTx(tx, key, nil, true)
		if err != nil {
			return err
		}
		if !pred(row) {
			return nil
		}
		deleted = true
		if len(columns) == 0 {
			return nil
		}
		names := make([]string, len(columns))
		for i, c := range columns {
			names[i] = string(c)
		}
		return tx.Where("row_key = ? AND column_name IN ?", string(key), names).Delete(&cellRow{}).Error
	})
	if err != nil {
		return false, errs.StoreUnavailable("conditional_delete failed", err)
	}
	return deleted, nil
}

// sortCellsDesc is a defensive re-sort used by callers that accumulate
// cells from multiple queries (e.g. merging SQL pages); SQL results are
// already ordered but this guards composed call paths.
func sortCellsDesc(cells []Cell) {
	sort.SliceStable(cells, func(i, j int) bool { return cells[i].Timestamp.After(cells[j].Timestamp) })
}
