package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/user/crmbulk/internal/store"
)

type line struct {
	Level   string
	Message string
	Attrs   map[string]any
}

type memSink struct {
	mu    sync.Mutex
	lines []line
}

func (m *memSink) AppendLog(level, message string, attrs json.RawMessage, _ time.Time) {
	var a map[string]any
	if len(attrs) > 0 {
		_ = json.Unmarshal(attrs, &a)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, line{Level: level, Message: message, Attrs: a})
}

func TestHandlerPersistsAndForwards(t *testing.T) {
	var buf bytes.Buffer
	sink := &memSink{}
	logger := slog.New(New(slog.NewTextHandler(&buf, nil), sink, slog.LevelInfo))

	logger.With("bulk_action_id", "ba_1").Info("bulk action completed", "success", 2, "took", time.Second)
	logger.Debug("not persisted")
	logger.WithGroup("req").Warn("slow request", "path", "/bulk-actions", "error", errors.New("timeout"))

	want := []line{
		{Level: "INFO", Message: "bulk action completed", Attrs: map[string]any{
			"bulk_action_id": "ba_1", "success": float64(2), "took": "1s",
		}},
		{Level: "WARN", Message: "slow request", Attrs: map[string]any{
			"req.path": "/bulk-actions", "req.error": "timeout",
		}},
	}
	if diff := cmp.Diff(want, sink.lines); diff != "" {
		t.Errorf("persisted lines mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(buf.String(), "bulk action completed") {
		t.Errorf("record not forwarded to next handler: %q", buf.String())
	}
}

func TestHandlerSkipsOwnWriterErrors(t *testing.T) {
	sink := &memSink{}
	logger := slog.New(New(slog.NewTextHandler(io.Discard, nil), sink, slog.LevelInfo))
	logger.Error("async writer: commit", "error", "disk I/O error")
	if len(sink.lines) != 0 {
		t.Errorf("persisted %d lines, want 0", len(sink.lines))
	}
}

func TestHandlerEnabledFollowsEitherSide(t *testing.T) {
	h := New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}), &memSink{}, slog.LevelInfo)
	ctx := context.Background()
	if !h.Enabled(ctx, slog.LevelInfo) {
		t.Error("Info should be enabled for persistence")
	}
	if h.Enabled(ctx, slog.LevelDebug) {
		t.Error("Debug should be disabled on both sides")
	}
}

func TestHandlerWritesToStore(t *testing.T) {
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	s := store.NewStore(db)
	t.Cleanup(func() {
		s.Close()
		db.Close()
	})

	logger := slog.New(New(slog.NewTextHandler(io.Discard, nil), s, slog.LevelInfo))
	logger.Info("rate limit exceeded", "account_id", "acct-9")
	s.FlushLogs()

	page, err := s.ListLogs(context.Background(), store.LogFilter{Level: "info"})
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if page.Total != 1 || page.Logs[0].Message != "rate limit exceeded" {
		t.Fatalf("logs = %+v", page.Logs)
	}
	if got := string(page.Logs[0].Attrs); got != `{"account_id":"acct-9"}` {
		t.Errorf("attrs = %s", got)
	}
}
