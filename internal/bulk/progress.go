package bulk

import (
	"sort"

	"github.com/user/crmbulk/internal/ledger"
	"github.com/user/crmbulk/internal/store"
)

// DeriveProgress computes the counters and error list of an action from a
// ledger snapshot. It holds no state: the same snapshot always yields the
// same Progress, which is what keeps redelivered jobs from double counting.
//
// Errors follow the order of the entities in the action. Entries for ids
// the action does not list are counted after them, sorted by id.
func DeriveProgress(entries map[string]ledger.Entry, order []store.EntityUpdate) store.Progress {
	p := store.Progress{Errors: []store.ActionError{}}
	seen := make(map[string]bool, len(entries))

	add := func(e ledger.Entry) {
		switch e.Status {
		case ledger.StatusSuccess:
			p.Success++
		case ledger.StatusFailure:
			p.Failure++
			p.Errors = append(p.Errors, store.ActionError{EntityID: e.EntityID, Message: e.Message})
		default:
			p.Skipped++
			p.Errors = append(p.Errors, store.ActionError{EntityID: e.EntityID, Message: e.Message})
		}
	}

	for _, u := range order {
		e, ok := entries[u.ID]
		if !ok || seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		add(e)
	}

	if len(seen) < len(entries) {
		rest := make([]string, 0, len(entries)-len(seen))
		for id := range entries {
			if !seen[id] {
				rest = append(rest, id)
			}
		}
		sort.Strings(rest)
		for _, id := range rest {
			add(entries[id])
		}
	}
	return p
}
