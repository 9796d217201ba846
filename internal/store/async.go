package store

import (
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
)

const asyncBatchSize = 256

// asyncOp is a single statement queued for background execution, or a
// flush sentinel when done is set.
type asyncOp struct {
	query string
	args  []any
	done  chan struct{}
}

// AsyncWriter batches low-value writes (persisted log lines) into one
// transaction per drain so callers never wait on the SQLite write lock.
type AsyncWriter struct {
	db       *sql.DB
	pending  chan asyncOp
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Int64
}

// NewAsyncWriter creates and starts an AsyncWriter.
func NewAsyncWriter(db *sql.DB) *AsyncWriter {
	aw := &AsyncWriter{
		db:      db,
		pending: make(chan asyncOp, 4096),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go aw.loop()
	return aw
}

// Emit queues a statement. When the buffer is full the statement is
// dropped and counted; Emit never blocks.
func (aw *AsyncWriter) Emit(query string, args ...any) {
	select {
	case <-aw.stop:
		aw.dropped.Add(1)
		return
	default:
	}
	select {
	case aw.pending <- asyncOp{query: query, args: args}:
	default:
		aw.dropped.Add(1)
	}
}

// Dropped returns how many statements were discarded so far.
func (aw *AsyncWriter) Dropped() int64 {
	return aw.dropped.Load()
}

// Flush blocks until everything queued before the call has been executed.
// It returns immediately once the writer is stopped.
func (aw *AsyncWriter) Flush() {
	done := make(chan struct{})
	select {
	case aw.pending <- asyncOp{done: done}:
	case <-aw.done:
		return
	}
	select {
	case <-done:
	case <-aw.done:
	}
}

// Stop executes what is still queued and stops the background loop.
func (aw *AsyncWriter) Stop() {
	aw.stopOnce.Do(func() { close(aw.stop) })
	<-aw.done
}

func (aw *AsyncWriter) loop() {
	defer close(aw.done)

	batch := make([]asyncOp, 0, asyncBatchSize)
	for {
		select {
		case op := <-aw.pending:
			batch = append(batch, op)
		case <-aw.stop:
			batch = aw.collect(batch, -1)
			aw.exec(batch)
			return
		}
		batch = aw.collect(batch, asyncBatchSize)
		aw.exec(batch)
		batch = batch[:0]
	}
}

// collect drains queued ops without blocking, up to max (or all when max < 0).
func (aw *AsyncWriter) collect(batch []asyncOp, max int) []asyncOp {
	for max < 0 || len(batch) < max {
		select {
		case op := <-aw.pending:
			batch = append(batch, op)
		default:
			return batch
		}
	}
	return batch
}

func (aw *AsyncWriter) exec(batch []asyncOp) {
	var signals []chan struct{}
	tx, err := aw.db.Begin()
	if err != nil {
		slog.Error("async writer: begin tx", "error", err)
	}
	for _, op := range batch {
		if op.done != nil {
			signals = append(signals, op.done)
			continue
		}
		if tx == nil {
			aw.dropped.Add(1)
			continue
		}
		if _, err := tx.Exec(op.query, op.args...); err != nil {
			aw.dropped.Add(1)
		}
	}
	if tx != nil {
		if err := tx.Commit(); err != nil {
			slog.Error("async writer: commit", "error", err)
		}
	}
	for _, ch := range signals {
		close(ch)
	}
}
