package database

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbeam.sh/internal/sberrors"
)

func newMemoryDB(t *testing.T) *DB {
	t.Helper()
	cfg := DefaultConfig("sqlite")
	cfg.DSN = ":memory:"
	db, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE items (id TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	return db
}

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	db := &DB{
		DB:     sqlDB,
		config: DefaultConfig("sqlite"),
		logger: slog.Default(),
	}
	return db, mock
}

func countItems(t *testing.T, db *DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n))
	return n
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	_, err = New(&Config{DSN: ":memory:"})
	require.Error(t, err)

	_, err = New(&Config{Driver: "sqlite"})
	require.Error(t, err)

	_, err = New(&Config{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
}

func TestDefaultConfigPerDriver(t *testing.T) {
	sqlite := DefaultConfig("sqlite")
	assert.Equal(t, 1, sqlite.MaxOpenConns)

	pg := DefaultConfig("postgres")
	assert.Equal(t, 50, pg.MaxOpenConns)
	assert.Equal(t, 10, pg.MaxIdleConns)
}

func TestTransactionCommit(t *testing.T) {
	db := newMemoryDB(t)

	err := db.Transaction(context.Background(), func(tx *Tx) error {
		_, err := tx.Exec(`INSERT INTO items (id) VALUES ('a')`)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countItems(t, db))
}

func TestTransactionRollsBackOnError(t *testing.T) {
	db := newMemoryDB(t)

	wantErr := errors.New("boom")
	err := db.Transaction(context.Background(), func(tx *Tx) error {
		if _, err := tx.Exec(`INSERT INTO items (id) VALUES ('a')`); err != nil {
			return err
		}
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, countItems(t, db))
}

func TestTransactionRollsBackOnPanic(t *testing.T) {
	db := newMemoryDB(t)

	require.Panics(t, func() {
		_ = db.Transaction(context.Background(), func(tx *Tx) error {
			if _, err := tx.Exec(`INSERT INTO items (id) VALUES ('a')`); err != nil {
				return err
			}
			panic("midway")
		})
	})
	assert.Equal(t, 0, countItems(t, db))
}

func TestTransactionBeginFailure(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection reset"))

	err := db.Transaction(context.Background(), func(tx *Tx) error { return nil })
	require.Error(t, err)
	assert.Equal(t, sberrors.ErrCodeTransient, sberrors.GetCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionCommitFailure(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	err := db.Transaction(context.Background(), func(tx *Tx) error { return nil })
	require.Error(t, err)
	assert.Equal(t, sberrors.ErrCodeTransient, sberrors.GetCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg := DefaultConfig("sqlite")
	cfg.DSN = ":memory:"
	db, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}
