package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/user/crmbulk/internal/kv"
)

// PebbleLedger stores entries under ls|{action}\x00{entity}. The read and
// write of PutIfAbsent happen under one mutex, so it is only safe when a
// single process owns the directory.
type PebbleLedger struct {
	db     *pebble.DB
	mu     sync.Mutex
	closed bool
}

// OpenPebbleLedger opens (or creates) a ledger under dataDir/ledger-pebble.
func OpenPebbleLedger(dataDir string) (*PebbleLedger, error) {
	db, err := pebble.Open(filepath.Join(dataDir, "ledger-pebble"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble ledger: %w", err)
	}
	return &PebbleLedger{db: db}, nil
}

func (l *PebbleLedger) All(ctx context.Context, actionID string) (map[string]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := kv.LedgerPrefix(actionID)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: kv.PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", actionID, err)
	}
	defer iter.Close()

	out := make(map[string]Entry)
	for valid := iter.First(); valid; valid = iter.Next() {
		entityID := string(iter.Key()[len(prefix):])
		e, err := decodeEntry(entityID, iter.Value())
		if err != nil {
			return nil, err
		}
		out[entityID] = e
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", actionID, err)
	}
	return out, nil
}

func (l *PebbleLedger) PutIfAbsent(ctx context.Context, actionID string, e Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, err := encodeEntry(e)
	if err != nil {
		return false, err
	}
	key := kv.LedgerKey(actionID, e.EntityID)

	l.mu.Lock()
	defer l.mu.Unlock()
	_, closer, err := l.db.Get(key)
	if err == nil {
		closer.Close()
		return false, nil
	}
	if err != pebble.ErrNotFound {
		return false, fmt.Errorf("read ledger %s/%s: %w", actionID, e.EntityID, err)
	}
	if err := l.db.Set(key, data, pebble.Sync); err != nil {
		return false, fmt.Errorf("write ledger %s/%s: %w", actionID, e.EntityID, err)
	}
	return true, nil
}

func (l *PebbleLedger) Delete(ctx context.Context, actionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := kv.LedgerPrefix(actionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.db.DeleteRange(prefix, kv.PrefixUpperBound(prefix), pebble.Sync); err != nil {
		return fmt.Errorf("delete ledger %s: %w", actionID, err)
	}
	return nil
}

func (l *PebbleLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
