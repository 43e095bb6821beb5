// Package logbuf keeps the most recent error records in memory so they can be served over HTTP.
package logbuf

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultCapacity = 1000

type Entry struct {
	ID          string         `json:"id"`
	Level       string         `json:"level"`
	Message     string         `json:"message"`
	Attrs       map[string]any `json:"attrs,omitempty"`
	TimestampMs int64          `json:"timestamp_ms"`
}

// Buffer is a fixed-size ring of log entries.
type Buffer struct {
	mu    sync.Mutex
	items []Entry
	next  int
	full  bool
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{items: make([]Entry, capacity)}
}

func (b *Buffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[b.next] = e
	b.next = (b.next + 1) % len(b.items)
	if b.next == 0 {
		b.full = true
	}
}

// List returns up to limit entries, newest first. limit <= 0 returns everything.
func (b *Buffer) List(limit int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.next
	if b.full {
		n = len(b.items)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (b.next - 1 - i + len(b.items)) % len(b.items)
		out = append(out, b.items[idx])
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.items)
	}
	return b.next
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.items {
		b.items[i] = Entry{}
	}
	b.next = 0
	b.full = false
}

// Handler forwards every record to next and copies records at or above min into buf.
type Handler struct {
	next   slog.Handler
	buf    *Buffer
	min    slog.Level
	attrs  []slog.Attr
	groups []string
}

func NewHandler(next slog.Handler, buf *Buffer, min slog.Level) *Handler {
	return &Handler{next: next, buf: buf, min: min}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.min || h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.min && h.buf != nil {
		h.buf.add(h.entry(r))
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *Handler) entry(r slog.Record) Entry {
	attrs := map[string]any{}
	prefix := ""
	for _, g := range h.groups {
		prefix += g + "."
	}
	for _, a := range h.attrs {
		attrs[a.Key] = attrValue(a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = attrValue(a.Value)
		return true
	})
	if len(attrs) == 0 {
		attrs = nil
	}
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return Entry{
		ID:          uuid.NewString(),
		Level:       r.Level.String(),
		Message:     r.Message,
		Attrs:       attrs,
		TimestampMs: ts.UnixMilli(),
	}
}

// attrValue flattens errors to their message so entries stay JSON-friendly.
func attrValue(v slog.Value) any {
	out := v.Resolve().Any()
	if err, ok := out.(error); ok {
		return err.Error()
	}
	return out
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	for _, g := range h.groups {
		prefix += g + "."
	}
	next := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next = append(next, h.attrs...)
	for _, a := range attrs {
		next = append(next, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &Handler{next: h.next.WithAttrs(attrs), buf: h.buf, min: h.min, attrs: next, groups: h.groups}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := append(append([]string(nil), h.groups...), name)
	return &Handler{next: h.next.WithGroup(name), buf: h.buf, min: h.min, attrs: h.attrs, groups: groups}
}
