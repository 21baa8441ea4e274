package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockSQLBackend(t *testing.T) (*SQLBackend, sqlmock.Sqlmock, func()) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	})
	db, err := gorm.Open(dialector, &gorm.Config{})
	require.NoError(t, err)

	return NewSQLBackend(db), mock, func() { sqlDB.Close() }
}

func TestSQLBackendMutateRowInsertsCells(t *testing.T) {
	backend, mock, closeDB := newMockSQLBackend(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "cells"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := backend.MutateRow(context.Background(), Mutation{
		Key:   NodeRowKey(1),
		Cells: map[Column][]byte{ColParent: []byte("p")},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackendReadRowsByKeyList(t *testing.T) {
	backend, mock, closeDB := newMockSQLBackend(t)
	defer closeDB()

	rows := sqlmock.NewRows([]string{"row_key", "family", "column_name", "ts", "value"}).
		AddRow(string(NodeRowKey(1)), int(FamilyData), string(ColParent), time.Now(), []byte("p"))

	mock.ExpectQuery(`SELECT \* FROM "cells"`).WillReturnRows(rows)

	result, err := backend.ReadRows(context.Background(), ReadRowsRequest{Keys: []RowKey{NodeRowKey(1)}})
	require.NoError(t, err)
	require.Contains(t, result, NodeRowKey(1))
	require.Equal(t, []byte("p"), result[NodeRowKey(1)][ColParent][0].Value)
}

func TestSQLBackendAtomicIncrement(t *testing.T) {
	backend, mock, closeDB := newMockSQLBackend(t)
	defer closeDB()

	mock.ExpectBegin()
	existing := sqlmock.NewRows([]string{"row_key", "family", "column_name", "ts", "value"}).
		AddRow("i0000000000000000001", int(FamilyCounters), string(ColCounterValue), time.Now(), encodeInt64(4))
	mock.ExpectQuery(`SELECT \* FROM "cells"`).WillReturnRows(existing)
	mock.ExpectExec(`INSERT INTO "cells"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	next, err := backend.AtomicIncrement(context.Background(), "i0000000000000000001", ColCounterValue, 3)
	require.NoError(t, err)
	require.Equal(t, int64(7), next)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackendConditionalWriteAppliesFalseBranch(t *testing.T) {
	backend, mock, closeDB := newMockSQLBackend(t)
	defer closeDB()

	mock.ExpectBegin()
	existing := sqlmock.NewRows([]string{"row_key", "family", "column_name", "ts", "value"}).
		AddRow("lockrow", int(FamilyData), string(ColLock), time.Now(), []byte("holder"))
	mock.ExpectQuery(`SELECT \* FROM "cells"`).WillReturnRows(existing)
	mock.ExpectExec(`INSERT INTO "cells"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := backend.ConditionalWrite(context.Background(), "lockrow",
		func(existing Row) bool { return len(existing[ColLock]) == 0 },
		map[Column][]byte{ColLock: []byte("new-holder")},
		map[Column][]byte{ColLock: []byte("denied")},
	)
	require.NoError(t, err)
	require.False(t, ok, "row already holds a lock cell, predicate must be false")
	require.NoError(t, mock.ExpectationsWereMet())
}
