package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/user/crmbulk/internal/kv"
)

const badgerConflictRetries = 8

// BadgerLedger stores entries under the same keys as PebbleLedger but gets
// create-if-absent from Badger's optimistic transactions: of two concurrent
// writers of one key, the loser sees ErrConflict and re-checks.
type BadgerLedger struct {
	db *badger.DB
}

// OpenBadgerLedger opens (or creates) a ledger under dataDir/ledger-badger.
// An empty dataDir opens an in-memory ledger.
func OpenBadgerLedger(dataDir string) (*BadgerLedger, error) {
	var opts badger.Options
	if dataDir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Join(dataDir, "ledger-badger"))
		opts.SyncWrites = true
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger ledger: %w", err)
	}
	return &BadgerLedger{db: db}, nil
}

func (l *BadgerLedger) All(ctx context.Context, actionID string) (map[string]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := kv.LedgerPrefix(actionID)
	out := make(map[string]Entry)
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			entityID := string(item.Key()[len(prefix):])
			err := item.Value(func(v []byte) error {
				e, err := decodeEntry(entityID, v)
				if err != nil {
					return err
				}
				out[entityID] = e
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", actionID, err)
	}
	return out, nil
}

func (l *BadgerLedger) PutIfAbsent(ctx context.Context, actionID string, e Entry) (bool, error) {
	data, err := encodeEntry(e)
	if err != nil {
		return false, err
	}
	key := kv.LedgerKey(actionID, e.EntityID)

	for attempt := 0; attempt < badgerConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		stored := false
		err := l.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(key)
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(key, data); err != nil {
				return err
			}
			stored = true
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("write ledger %s/%s: %w", actionID, e.EntityID, err)
		}
		return stored, nil
	}
	return false, fmt.Errorf("write ledger %s/%s: %w", actionID, e.EntityID, badger.ErrConflict)
}

func (l *BadgerLedger) Delete(ctx context.Context, actionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := kv.LedgerPrefix(actionID)
	var keys [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan ledger %s: %w", actionID, err)
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("delete ledger %s: %w", actionID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("delete ledger %s: %w", actionID, err)
	}
	return nil
}

func (l *BadgerLedger) Close() error {
	return l.db.Close()
}
