// Package logsink tees slog records into the persisted log table so they
// can be browsed and cleared through the API.
package logsink

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// Sink receives log lines. It must not block.
type Sink interface {
	AppendLog(level, message string, attrs json.RawMessage, at time.Time)
}

// Records whose message starts with this prefix come from the sink's own
// writer and are not persisted again.
const selfPrefix = "async writer"

// Handler forwards every record to next and persists records at or above
// level to sink.
type Handler struct {
	next   slog.Handler
	sink   Sink
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// New wraps next. Records below level are passed on but not persisted.
func New(next slog.Handler, sink Sink, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{next: next, sink: sink, level: level}
}

func (h *Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l) || l >= h.level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level.Level() && !strings.HasPrefix(r.Message, selfPrefix) {
		h.persist(r)
	}
	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	c.next = h.next.WithAttrs(attrs)
	for _, a := range attrs {
		c.attrs = append(c.attrs, qualify(h.groups, a))
	}
	return c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.next = h.next.WithGroup(name)
	c.groups = append(c.groups, name)
	return c
}

func (h *Handler) clone() *Handler {
	return &Handler{
		next:   h.next,
		sink:   h.sink,
		level:  h.level,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

func (h *Handler) persist(r slog.Record) {
	fields := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		addAttr(fields, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(fields, "", qualify(h.groups, a))
		return true
	})

	var raw json.RawMessage
	if len(fields) > 0 {
		if b, err := json.Marshal(fields); err == nil {
			raw = b
		}
	}
	at := r.Time
	if at.IsZero() {
		at = time.Now()
	}
	h.sink.AppendLog(r.Level.String(), r.Message, raw, at)
}

// qualify prefixes a with the open groups as a dotted key.
func qualify(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 {
		return a
	}
	a.Key = strings.Join(groups, ".") + "." + a.Key
	return a
}

func addAttr(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			addAttr(dst, key, ga)
		}
		return
	}
	if key == "" {
		return
	}
	dst[key] = jsonValue(v)
}

func jsonValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	}
	switch x := v.Any().(type) {
	case error:
		return x.Error()
	case json.Marshaler:
		return x
	default:
		if b, err := json.Marshal(x); err == nil {
			return json.RawMessage(b)
		}
		return v.String()
	}
}
