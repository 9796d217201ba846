// Package client is a thin HTTP wrapper for the crmbulk API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested bulk action does not exist.
var ErrNotFound = errors.New("not found")

// Client talks to one crmbulk server.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

// New creates a new client for the server at url.
func New(url string) *Client {
	return &Client{
		URL: strings.TrimRight(url, "/"),
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Problems   []string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	return fmt.Sprintf("%d %s", e.StatusCode, msg)
}

// IsRateLimited reports whether err is a 429 from the server.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// SubmitRequest is the body of a bulk action submission. Each element of
// EntitiesToUpdate is a flat object: {"_id": ..., "version": N, "<field>": value}.
type SubmitRequest struct {
	AccountID        string           `json:"accountId"`
	EntityType       string           `json:"entityType"`
	EntitiesToUpdate []map[string]any `json:"entitiesToUpdate"`
	ScheduledFor     *time.Time       `json:"scheduledFor,omitempty"`
}

// ActionError is the recorded reason one entity failed or was skipped.
type ActionError struct {
	EntityID string `json:"entityId"`
	Message  string `json:"message"`
}

// BulkAction is the full record of a bulk action.
type BulkAction struct {
	ID               string            `json:"bulkActionId"`
	AccountID        string            `json:"accountId"`
	EntityType       string            `json:"entityType"`
	EntitiesToUpdate []json.RawMessage `json:"entitiesToUpdate"`
	Status           string            `json:"status"`
	SuccessCount     int               `json:"successCount"`
	FailureCount     int               `json:"failureCount"`
	SkippedCount     int               `json:"skippedCount"`
	ActionErrors     []ActionError     `json:"actionErrors"`
	ScheduledFor     *time.Time        `json:"scheduledFor,omitempty"`
	SequenceNumber   int               `json:"sequenceNumber"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// BulkActionSummary is the list view of a bulk action.
type BulkActionSummary struct {
	AccountID    string     `json:"accountId"`
	ID           string     `json:"bulkActionId"`
	EntityType   string     `json:"entityType"`
	Status       string     `json:"status"`
	SuccessCount int        `json:"successCount"`
	FailureCount int        `json:"failureCount"`
	SkippedCount int        `json:"skippedCount"`
	ScheduledFor *time.Time `json:"scheduledFor"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type BulkActionPage struct {
	Actions    []BulkActionSummary `json:"actions"`
	Total      int                 `json:"total"`
	Page       int                 `json:"page"`
	Limit      int                 `json:"limit"`
	TotalPages int                 `json:"totalPages"`
}

type ActionStats struct {
	ActionID     string    `json:"actionId"`
	SuccessCount int       `json:"successCount"`
	FailureCount int       `json:"failureCount"`
	SkippedCount int       `json:"skippedCount"`
	Errors       []string  `json:"errors"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ProgressEvent is one snapshot from the progress stream.
type ProgressEvent struct {
	Event        string `json:"-"`
	BulkActionID string `json:"bulkActionId"`
	Status       string `json:"status"`
	SuccessCount int    `json:"successCount"`
	FailureCount int    `json:"failureCount"`
	SkippedCount int    `json:"skippedCount"`
	Processed    int    `json:"processed"`
	Total        int    `json:"total"`
}

type LogEntry struct {
	ID        int64           `json:"id"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Attrs     json.RawMessage `json:"attrs,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type LogPage struct {
	Logs       []LogEntry `json:"logs"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	Limit      int        `json:"limit"`
	TotalPages int        `json:"totalPages"`
}

// LogQuery filters ListLogs. Zero values are omitted.
type LogQuery struct {
	From  time.Time
	To    time.Time
	Level string
	Page  int
	Limit int
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Errors  []string        `json:"errors"`
}

// Submit creates a bulk action.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*BulkAction, error) {
	var result BulkAction
	if err := c.doRequest(ctx, "POST", "/bulk-actions", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListBulkActions returns one page of actions, newest first.
func (c *Client) ListBulkActions(ctx context.Context, page, limit int) (*BulkActionPage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var result BulkActionPage
	if err := c.doRequest(ctx, "GET", withQuery("/bulk-actions", q), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetBulkAction(ctx context.Context, id string) (*BulkAction, error) {
	var result BulkAction
	if err := c.doRequest(ctx, "GET", "/bulk-actions/"+url.PathEscape(id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Stats(ctx context.Context, id string) (*ActionStats, error) {
	var result ActionStats
	if err := c.doRequest(ctx, "GET", "/bulk-actions/"+url.PathEscape(id)+"/stats", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// WatchProgress follows the progress stream of a bulk action and calls fn
// for every event. It returns nil after the "completed" event, or the first
// error from fn.
func (c *Client) WatchProgress(ctx context.Context, id string, fn func(ProgressEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.URL+"/bulk-actions/"+url.PathEscape(id)+"/progress", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives the client's request timeout.
	hc := *c.HTTPClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, data)
	}

	sc := bufio.NewScanner(resp.Body)
	var event string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var ev ProgressEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				return fmt.Errorf("decode progress event: %w", err)
			}
			ev.Event = event
			if err := fn(ev); err != nil {
				return err
			}
			if event == "completed" {
				return nil
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read progress stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}

func (c *Client) ListLogs(ctx context.Context, lq LogQuery) (*LogPage, error) {
	q := url.Values{}
	if !lq.From.IsZero() {
		q.Set("from", lq.From.UTC().Format(time.RFC3339Nano))
	}
	if !lq.To.IsZero() {
		q.Set("to", lq.To.UTC().Format(time.RFC3339Nano))
	}
	if lq.Level != "" {
		q.Set("level", lq.Level)
	}
	if lq.Page > 0 {
		q.Set("page", strconv.Itoa(lq.Page))
	}
	if lq.Limit > 0 {
		q.Set("limit", strconv.Itoa(lq.Limit))
	}
	var result LogPage
	if err := c.doRequest(ctx, "GET", withQuery("/logs", q), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ClearLogs deletes every persisted log line and returns how many were removed.
func (c *Client) ClearLogs(ctx context.Context) (int64, error) {
	var result struct {
		Deleted int64 `json:"deleted"`
	}
	if err := c.doRequest(ctx, "DELETE", "/logs", nil, &result); err != nil {
		return 0, err
	}
	return result.Deleted, nil
}

// HTTP helpers

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, data)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if result != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, result)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(data))}
	}
	return &APIError{StatusCode: status, Message: env.Message, Problems: env.Errors}
}
