// Package ledger records the outcome of every entity a bulk action has
// already handled, so a redelivered job never applies an update twice.
//
// Entries are create-if-absent: the first writer for an (action, entity)
// pair wins and later writes are ignored.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
)

// Status is the outcome of one entity. The numeric values are part of the
// stored format.
type Status int

const (
	StatusFailure Status = -1
	StatusSkipped Status = 0
	StatusSuccess Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Entry is the stored outcome of one entity.
type Entry struct {
	Status   Status `json:"status"`
	EntityID string `json:"entityId"`
	Message  string `json:"message,omitempty"`
}

// Ledger is the per-action progress map.
type Ledger interface {
	// All returns every entry of the action keyed by entity id.
	All(ctx context.Context, actionID string) (map[string]Entry, error)
	// PutIfAbsent stores e unless an entry for e.EntityID already exists.
	// It reports whether e was stored.
	PutIfAbsent(ctx context.Context, actionID string, e Entry) (bool, error)
	// Delete removes every entry of the action.
	Delete(ctx context.Context, actionID string) error
	Close() error
}

func encodeEntry(e Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode ledger entry %s: %w", e.EntityID, err)
	}
	return b, nil
}

func decodeEntry(entityID string, b []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("decode ledger entry %s: %w", entityID, err)
	}
	if e.EntityID == "" {
		e.EntityID = entityID
	}
	return e, nil
}
