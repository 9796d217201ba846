package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/user/crmbulk/internal/bulk"
	"github.com/user/crmbulk/internal/queue"
	"github.com/user/crmbulk/internal/store"
)

const testEntityID = "64b7f0c2a1d4e5f601234567"

func testServer(t *testing.T, opts Options) (*Server, *store.Store) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := store.NewStore(db)
	t.Cleanup(func() {
		s.Close()
		db.Close()
	})

	q, err := queue.Open(t.TempDir(), queue.Options{NoSync: true})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	if opts.Queue == nil {
		opts.Queue = q
	}

	srv := New(s, bulk.NewSubmitter(s, q), ":0", opts)
	return srv, s
}

func doRequest(srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Errors  []string        `json:"errors"`
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder, data any) testEnvelope {
	t.Helper()
	var env testEnvelope
	decodeResponse(t, rr, &env)
	if data != nil {
		if err := json.Unmarshal(env.Data, data); err != nil {
			t.Fatalf("decode data: %v (data: %s)", err, env.Data)
		}
	}
	return env
}

func submitBody(account string) map[string]any {
	return map[string]any{
		"accountId":  account,
		"entityType": "Contact",
		"entitiesToUpdate": []map[string]any{
			{"_id": testEntityID, "version": 0, "name": "Ada"},
		},
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t, Options{})
	rr := doRequest(srv, "GET", "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var got struct {
		Status string      `json:"status"`
		Queue  queue.Stats `json:"queue"`
	}
	decodeResponse(t, rr, &got)
	if got.Status != "ok" || got.Queue.Queue != bulk.QueueName {
		t.Errorf("healthz = %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := testServer(t, Options{})
	rr := doRequest(srv, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), "crmbulk_rate_limited_total") {
		t.Error("metrics output does not include crmbulk_rate_limited_total")
	}
}

func TestSubmitAndGetBulkAction(t *testing.T) {
	srv, _ := testServer(t, Options{})
	rr := doRequest(srv, "POST", "/bulk-actions", submitBody("acct-1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body: %s", rr.Code, http.StatusCreated, rr.Body.String())
	}
	var created store.BulkAction
	if env := decodeEnvelope(t, rr, &created); !env.Success {
		t.Fatalf("success = false: %+v", env)
	}
	if created.ID == "" || created.Status != store.StatusQueued || created.SequenceNumber < 1 {
		t.Fatalf("created = %+v", created)
	}

	rr = doRequest(srv, "GET", "/bulk-actions/"+created.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var got store.BulkAction
	decodeEnvelope(t, rr, &got)
	if got.ID != created.ID || got.AccountID != "acct-1" || len(got.EntitiesToUpdate) != 1 {
		t.Errorf("got = %+v", got)
	}
	if got.ActionErrors == nil {
		t.Error("actionErrors is null, want []")
	}
}

func TestSubmitValidationError(t *testing.T) {
	srv, _ := testServer(t, Options{})
	body := submitBody("acct-1")
	body["entityType"] = "Invoice"
	rr := doRequest(srv, "POST", "/bulk-actions", body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	env := decodeEnvelope(t, rr, nil)
	if env.Success || env.Message != "Validation failed" || len(env.Errors) == 0 {
		t.Errorf("response = %+v", env)
	}
}

func TestSubmitMalformedJSON(t *testing.T) {
	srv, _ := testServer(t, Options{})
	req := httptest.NewRequest("POST", "/bulk-actions", strings.NewReader(`{"accountId":"a",`))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestSubmitMissingAccount(t *testing.T) {
	srv, _ := testServer(t, Options{Limiter: NewMemoryRateLimiter(RateLimitConfig{Max: 1})})
	for _, account := range []any{nil, "", "   ", 42} {
		body := submitBody("")
		body["accountId"] = account
		rr := doRequest(srv, "POST", "/bulk-actions", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("accountId %v: status = %d, want %d", account, rr.Code, http.StatusBadRequest)
		}
		env := decodeEnvelope(t, rr, nil)
		if env.Message != "Missing accountId in request body" {
			t.Errorf("accountId %v: message = %q", account, env.Message)
		}
	}
}

func TestSubmitRateLimitedPerAccount(t *testing.T) {
	rl := NewMemoryRateLimiter(RateLimitConfig{Max: 2, Window: 30 * time.Second})
	t.Cleanup(rl.Close)
	srv, _ := testServer(t, Options{Limiter: rl})

	for i := 0; i < 2; i++ {
		if rr := doRequest(srv, "POST", "/bulk-actions", submitBody("acct-1")); rr.Code != http.StatusCreated {
			t.Fatalf("request %d: status = %d, body: %s", i, rr.Code, rr.Body.String())
		}
	}
	rr := doRequest(srv, "POST", "/bulk-actions", submitBody("acct-1"))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusTooManyRequests)
	}
	env := decodeEnvelope(t, rr, nil)
	if want := "Rate limit exceeded! Please wait for at least 30 seconds!"; env.Message != want {
		t.Errorf("message = %q, want %q", env.Message, want)
	}

	if rr := doRequest(srv, "POST", "/bulk-actions", submitBody("acct-2")); rr.Code != http.StatusCreated {
		t.Errorf("other account: status = %d, want %d", rr.Code, http.StatusCreated)
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return true, io.ErrUnexpectedEOF
}

func (brokenLimiter) Window() time.Duration { return time.Minute }

func TestRateLimiterErrorsFailOpen(t *testing.T) {
	srv, _ := testServer(t, Options{Limiter: brokenLimiter{}})
	if rr := doRequest(srv, "POST", "/bulk-actions", submitBody("acct-1")); rr.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusCreated)
	}
}

func TestGetMissingBulkAction(t *testing.T) {
	srv, _ := testServer(t, Options{})
	for _, path := range []string{"/bulk-actions/nope", "/bulk-actions/nope/stats", "/bulk-actions/nope/progress"} {
		rr := doRequest(srv, "GET", path, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want %d", path, rr.Code, http.StatusNotFound)
		}
		if got := strings.TrimSpace(rr.Body.String()); got != `{"success":false,"data":{}}` {
			t.Errorf("%s: body = %s", path, got)
		}
	}
}

func TestListBulkActions(t *testing.T) {
	srv, _ := testServer(t, Options{})
	for j := 0; j < 3; j++ {
		if rr := doRequest(srv, "POST", "/bulk-actions", submitBody("acct-1")); rr.Code != http.StatusCreated {
			t.Fatalf("submit: %d %s", rr.Code, rr.Body.String())
		}
	}

	rr := doRequest(srv, "GET", "/bulk-actions?page=1&limit=2", nil)
	var page store.BulkActionPage
	decodeEnvelope(t, rr, &page)
	if page.Total != 3 || len(page.Actions) != 2 || page.TotalPages != 2 {
		t.Errorf("page = %+v", page)
	}

	rr = doRequest(srv, "GET", "/bulk-actions?page=abc&limit=-4", nil)
	decodeEnvelope(t, rr, &page)
	if page.Page != 1 || page.Limit != 10 || len(page.Actions) != 3 {
		t.Errorf("defaulted page = %+v", page)
	}
}

func TestBulkActionStats(t *testing.T) {
	srv, s := testServer(t, Options{})
	ctx := context.Background()
	a, err := s.CreateBulkAction(ctx, store.NewBulkAction{
		AccountID:        "acct-1",
		EntityType:       store.EntityContact,
		EntitiesToUpdate: []store.EntityUpdate{{ID: "1", Fields: map[string]any{"name": "x"}}, {ID: "2", Fields: map[string]any{"name": "y"}}},
	})
	if err != nil {
		t.Fatalf("CreateBulkAction: %v", err)
	}
	p := store.Progress{Success: 1, Skipped: 1, Errors: []store.ActionError{{EntityID: "2", Message: "Version mismatch"}}}
	if _, err := s.MarkCompleted(ctx, a.ID, p); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	rr := doRequest(srv, "GET", "/bulk-actions/"+a.ID+"/stats", nil)
	var stats ActionStats
	decodeEnvelope(t, rr, &stats)
	if stats.ActionID != a.ID || stats.SuccessCount != 1 || stats.SkippedCount != 1 || stats.FailureCount != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.Errors) != 1 || stats.Errors[0] != `{"entityId":"2","message":"Version mismatch"}` {
		t.Errorf("errors = %q", stats.Errors)
	}
}

func TestProgressStream(t *testing.T) {
	srv, s := testServer(t, Options{ProgressInterval: 10 * time.Millisecond})
	ctx := context.Background()
	a, err := s.CreateBulkAction(ctx, store.NewBulkAction{
		AccountID:        "acct-1",
		EntityType:       store.EntityContact,
		EntitiesToUpdate: []store.EntityUpdate{{ID: "1", Fields: map[string]any{"name": "x"}}},
	})
	if err != nil {
		t.Fatalf("CreateBulkAction: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.StartProcessing(ctx, a.ID, store.Progress{})
		time.Sleep(50 * time.Millisecond)
		s.MarkCompleted(ctx, a.ID, store.Progress{Success: 1, Errors: []store.ActionError{}})
	}()

	rr := doRequest(srv, "GET", "/bulk-actions/"+a.ID+"/progress", nil)
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := rr.Body.String()
	if !strings.HasPrefix(body, "event: progress\ndata: ") {
		t.Errorf("stream does not open with a progress event: %q", body)
	}
	if !strings.Contains(body, `"status":"processing"`) {
		t.Errorf("stream missed the processing transition: %q", body)
	}
	i := strings.LastIndex(body, "event: completed\ndata: ")
	if i < 0 {
		t.Fatalf("stream has no completed event: %q", body)
	}
	var ev ProgressEvent
	data := strings.TrimSpace(strings.TrimPrefix(body[i:], "event: completed\ndata: "))
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decode completed event: %v", err)
	}
	if ev.Status != store.StatusCompleted || ev.SuccessCount != 1 || ev.Processed != 1 || ev.Total != 1 {
		t.Errorf("completed event = %+v", ev)
	}
}

func TestProgressStreamOfCompletedAction(t *testing.T) {
	srv, s := testServer(t, Options{})
	ctx := context.Background()
	a, err := s.CreateBulkAction(ctx, store.NewBulkAction{
		AccountID:        "acct-1",
		EntityType:       store.EntityTask,
		EntitiesToUpdate: []store.EntityUpdate{{ID: "1", Fields: map[string]any{"title": "x"}}},
	})
	if err != nil {
		t.Fatalf("CreateBulkAction: %v", err)
	}
	if _, err := s.MarkCompleted(ctx, a.ID, store.Progress{Failure: 1, Errors: []store.ActionError{{EntityID: "1", Message: "Entity doesn't exists"}}}); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	rr := doRequest(srv, "GET", "/bulk-actions/"+a.ID+"/progress", nil)
	if got := strings.Count(rr.Body.String(), "event: "); got != 1 {
		t.Errorf("events = %d, want a single completed event: %q", got, rr.Body.String())
	}
	if !strings.HasPrefix(rr.Body.String(), "event: completed") {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestLogsEndpoints(t *testing.T) {
	srv, s := testServer(t, Options{})
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.AppendLog("INFO", "first", nil, base)
	s.AppendLog("ERROR", "second", json.RawMessage(`{"bulk_action_id":"x"}`), base.Add(time.Hour))
	s.AppendLog("ERROR", "third", nil, base.Add(2*time.Hour))
	s.FlushLogs()

	rr := doRequest(srv, "GET", "/logs?level=error&to=2026-05-01T13:30:00Z", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var page store.LogPage
	decodeEnvelope(t, rr, &page)
	if page.Total != 1 || len(page.Logs) != 1 || page.Logs[0].Message != "second" {
		t.Errorf("filtered logs = %+v", page)
	}

	if rr := doRequest(srv, "GET", "/logs?from=yesterday", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad from: status = %d, want %d", rr.Code, http.StatusBadRequest)
	}

	rr = doRequest(srv, "DELETE", "/logs", nil)
	env := decodeEnvelope(t, rr, nil)
	if rr.Code != http.StatusOK || env.Message != "Logs deleted successfully" {
		t.Errorf("delete = %d %+v", rr.Code, env)
	}
	rr = doRequest(srv, "GET", "/logs", nil)
	decodeEnvelope(t, rr, &page)
	if page.Total != 0 {
		t.Errorf("logs after delete = %d", page.Total)
	}
}
