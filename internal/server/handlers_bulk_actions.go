package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/user/crmbulk/internal/bulk"
	"github.com/user/crmbulk/internal/store"
)

const maxSubmitBody = 16 << 20

// accountRateLimit counts the submission against its accountId before the
// handler sees it. The body is buffered and handed on unchanged.
func (s *Server) accountRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBody))
		r.Body.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var probe struct {
			AccountID any `json:"accountId"`
		}
		_ = json.Unmarshal(body, &probe)
		account, _ := probe.AccountID.(string)
		if strings.TrimSpace(account) == "" {
			writeError(w, http.StatusBadRequest, "Missing accountId in request body")
			return
		}
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		ok, err := s.limiter.Allow(r.Context(), account)
		if err != nil {
			slog.Error("rate limiter unavailable, allowing request", "account_id", account, "error", err)
		}
		if !ok {
			rateLimited.Inc()
			secs := int(s.limiter.Window() / time.Second)
			slog.Warn("rate limit exceeded", "account_id", account)
			writeError(w, http.StatusTooManyRequests,
				fmt.Sprintf("Rate limit exceeded! Please wait for at least %d seconds!", secs))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req bulk.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	action, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		if ve, ok := bulk.AsValidationError(err); ok {
			writeError(w, http.StatusBadRequest, "Validation failed", ve.Problems...)
			return
		}
		slog.Error("submit bulk action", "account_id", req.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to submit bulk action")
		return
	}
	writeData(w, http.StatusCreated, action)
}

func (s *Server) handleListBulkActions(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	res, err := s.store.ListBulkActions(r.Context(), page, limit)
	if err != nil {
		slog.Error("list bulk actions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list bulk actions")
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleGetBulkAction(w http.ResponseWriter, r *http.Request) {
	action, ok := s.loadAction(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, action)
}

// ActionStats is the stats view of a bulk action. Each error is the JSON
// text of one {entityId, message} record.
type ActionStats struct {
	ActionID     string    `json:"actionId"`
	SuccessCount int       `json:"successCount"`
	FailureCount int       `json:"failureCount"`
	SkippedCount int       `json:"skippedCount"`
	Errors       []string  `json:"errors"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (s *Server) handleBulkActionStats(w http.ResponseWriter, r *http.Request) {
	action, ok := s.loadAction(w, r)
	if !ok {
		return
	}
	stats := ActionStats{
		ActionID:     action.ID,
		SuccessCount: action.SuccessCount,
		FailureCount: action.FailureCount,
		SkippedCount: action.SkippedCount,
		Errors:       make([]string, 0, len(action.ActionErrors)),
		CreatedAt:    action.CreatedAt,
	}
	for _, ae := range action.ActionErrors {
		b, err := json.Marshal(ae)
		if err != nil {
			continue
		}
		stats.Errors = append(stats.Errors, string(b))
	}
	writeData(w, http.StatusOK, stats)
}

// loadAction reads the {id} action. When it is absent the response is
// {"success":false,"data":{}} with 404.
func (s *Server) loadAction(w http.ResponseWriter, r *http.Request) (*store.BulkAction, bool) {
	id := chi.URLParam(r, "id")
	action, err := s.store.GetBulkAction(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSON(w, http.StatusNotFound, envelope{Success: false, Data: map[string]any{}})
			return nil, false
		}
		slog.Error("get bulk action", "bulk_action_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read bulk action")
		return nil, false
	}
	return action, true
}

// pageParams reads page and limit. Values that are not positive integers
// are left to the store's defaults.
func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return page, limit
}
