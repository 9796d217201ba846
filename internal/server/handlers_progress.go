package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/crmbulk/internal/store"
)

// ProgressEvent is one snapshot on the progress stream.
type ProgressEvent struct {
	BulkActionID string                 `json:"bulkActionId"`
	Status       store.BulkActionStatus `json:"status"`
	SuccessCount int                    `json:"successCount"`
	FailureCount int                    `json:"failureCount"`
	SkippedCount int                    `json:"skippedCount"`
	Processed    int                    `json:"processed"`
	Total        int                    `json:"total"`
}

func progressEvent(a *store.BulkAction) ProgressEvent {
	return ProgressEvent{
		BulkActionID: a.ID,
		Status:       a.Status,
		SuccessCount: a.SuccessCount,
		FailureCount: a.FailureCount,
		SkippedCount: a.SkippedCount,
		Processed:    a.Progress().Processed(),
		Total:        len(a.EntitiesToUpdate),
	}
}

// handleBulkActionProgress streams "progress" events whenever the counters
// or status change and ends with one "completed" event.
func (s *Server) handleBulkActionProgress(w http.ResponseWriter, r *http.Request) {
	action, ok := s.loadAction(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	last := progressEvent(action)
	if action.Status == store.StatusCompleted {
		writeEvent(w, "completed", last)
		flusher.Flush()
		return
	}
	writeEvent(w, "progress", last)
	flusher.Flush()

	poll := time.NewTicker(s.progressInterval)
	defer poll.Stop()
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		case <-poll.C:
			cur, err := s.store.GetBulkAction(ctx, action.ID)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("progress stream read failed", "bulk_action_id", action.ID, "error", err)
				}
				continue
			}
			ev := progressEvent(cur)
			if cur.Status == store.StatusCompleted {
				writeEvent(w, "completed", ev)
				flusher.Flush()
				return
			}
			if ev != last {
				writeEvent(w, "progress", ev)
				flusher.Flush()
				last = ev
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, body)
}
