package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AppendLog queues a log line for persistence. It never blocks.
func (s *Store) AppendLog(level, message string, attrs json.RawMessage, at time.Time) {
	var a any
	if len(attrs) > 0 {
		a = string(attrs)
	}
	s.logs.Emit("INSERT INTO logs (level, message, attrs, created_at) VALUES (?, ?, ?, ?)",
		strings.ToUpper(level), message, a, toMillis(at))
}

// FlushLogs waits until every queued log line has been written.
func (s *Store) FlushLogs() {
	s.logs.Flush()
}

// DroppedLogs returns how many log lines could not be persisted.
func (s *Store) DroppedLogs() int64 {
	return s.logs.Dropped()
}

// ListLogs returns one page of persisted log lines, newest first.
func (s *Store) ListLogs(ctx context.Context, f LogFilter) (*LogPage, error) {
	page, limit := normalizePage(f.Page, f.Limit)

	var where []string
	var args []any
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toMillis(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, toMillis(f.To))
	}
	if lvl := strings.TrimSpace(f.Level); lvl != "" {
		where = append(where, "level = ?")
		args = append(args, strings.ToUpper(lvl))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.Logs.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs"+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count logs: %w", err)
	}

	rows, err := s.db.Logs.QueryContext(ctx,
		"SELECT id, level, message, attrs, created_at FROM logs"+clause+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		append(args, limit, (page-1)*limit)...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	out := &LogPage{
		Logs:       []LogEntry{},
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages(total, limit),
	}
	for rows.Next() {
		var e LogEntry
		var attrs sql.NullString
		var createdMs int64
		if err := rows.Scan(&e.ID, &e.Level, &e.Message, &attrs, &createdMs); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if attrs.Valid && attrs.String != "" {
			e.Attrs = json.RawMessage(attrs.String)
		}
		e.CreatedAt = fromMillis(createdMs)
		out.Logs = append(out.Logs, e)
	}
	return out, rows.Err()
}

// ClearLogs deletes every persisted log line and returns how many were removed.
func (s *Store) ClearLogs(ctx context.Context) (int64, error) {
	s.logs.Flush()
	res, err := s.db.Logs.ExecContext(ctx, "DELETE FROM logs")
	if err != nil {
		return 0, fmt.Errorf("clear logs: %w", err)
	}
	return res.RowsAffected()
}
