package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Writer abstracts write operations against the primary database.
type Writer interface {
	Execute(ctx context.Context, query string, args ...any) (sql.Result, error)
	ExecuteTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Store is the data access layer for records, bulk actions and logs.
type Store struct {
	db     *DB
	writer Writer
	logs   *AsyncWriter
	now    func() time.Time
}

// NewStore creates a new Store with the given DB.
// It uses a DirectWriter that writes to SQLite immediately and an
// AsyncWriter for log lines.
func NewStore(db *DB) *Store {
	return &Store{
		db:     db,
		writer: &DirectWriter{db: db.Write},
		logs:   NewAsyncWriter(db.Logs),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Tests use it to pin creation times.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close stops the log writer after flushing what it holds.
func (s *Store) Close() error {
	s.logs.Stop()
	return nil
}

// ReadDB returns the read database connection for queries.
func (s *Store) ReadDB() *sql.DB {
	return s.db.Read
}

// DirectWriter executes SQL directly against the SQLite write connection.
type DirectWriter struct {
	db *sql.DB
}

func (w *DirectWriter) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return w.db.ExecContext(ctx, query, args...)
}

func (w *DirectWriter) ExecuteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}
