package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/user/crmbulk/internal/store"
)

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.LogFilter{Level: q.Get("level")}
	f.Page, f.Limit = pageParams(r)

	var err error
	if f.From, err = parseTimeParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "from must be an ISO-8601 timestamp")
		return
	}
	if f.To, err = parseTimeParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "to must be an ISO-8601 timestamp")
		return
	}

	page, err := s.store.ListLogs(r.Context(), f)
	if err != nil {
		slog.Error("list logs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list logs")
		return
	}
	writeData(w, http.StatusOK, page)
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.ClearLogs(r.Context())
	if err != nil {
		slog.Error("clear logs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete logs")
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: "Logs deleted successfully",
		Data:    map[string]int64{"deleted": n},
	})
}

// parseTimeParam accepts RFC 3339 timestamps and plain dates. Empty means
// no bound.
func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}
