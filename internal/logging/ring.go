// Package logging provides a slog handler that tees records into a
// bounded in-memory ring so logs.tail can serve recent lines without
// touching the filesystem.
package logging

import (
	"context"
	"log/slog"
	"sync"
)

// Line is one captured log record.
type Line struct {
	AtMs    int64             `json:"atMs"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Ring wraps another slog handler and keeps the last capacity records.
type Ring struct {
	next slog.Handler

	mu    sync.Mutex
	lines []Line
	cap   int
}

func NewRing(capacity int, next slog.Handler) *Ring {
	if capacity <= 0 {
		capacity = 500
	}
	return &Ring{next: next, cap: capacity}
}

func (r *Ring) Enabled(ctx context.Context, level slog.Level) bool {
	return r.next.Enabled(ctx, level)
}

func (r *Ring) Handle(ctx context.Context, rec slog.Record) error {
	r.capture(rec)
	return r.next.Handle(ctx, rec)
}

func (r *Ring) capture(rec slog.Record) {
	attrs := make(map[string]string)
	rec.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.String()
		return true
	})
	line := Line{
		AtMs:    rec.Time.UnixMilli(),
		Level:   rec.Level.String(),
		Message: rec.Message,
	}
	if len(attrs) > 0 {
		line.Attrs = attrs
	}

	r.mu.Lock()
	r.lines = append(r.lines, line)
	if n := len(r.lines); n > r.cap {
		r.lines = r.lines[n-r.cap:]
	}
	r.mu.Unlock()
}

func (r *Ring) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ringChild{ring: r, next: r.next.WithAttrs(attrs)}
}

func (r *Ring) WithGroup(name string) slog.Handler {
	return &ringChild{ring: r, next: r.next.WithGroup(name)}
}

// Tail returns the most recent n lines, oldest first.
func (r *Ring) Tail(n int) []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := r.lines
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return append([]Line(nil), lines...)
}

// ringChild shares the parent ring's buffer but carries derived handler
// state from WithAttrs/WithGroup.
type ringChild struct {
	ring *Ring
	next slog.Handler
}

func (c *ringChild) Enabled(ctx context.Context, level slog.Level) bool {
	return c.next.Enabled(ctx, level)
}

func (c *ringChild) Handle(ctx context.Context, rec slog.Record) error {
	c.ring.capture(rec)
	return c.next.Handle(ctx, rec)
}

func (c *ringChild) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ringChild{ring: c.ring, next: c.next.WithAttrs(attrs)}
}

func (c *ringChild) WithGroup(name string) slog.Handler {
	return &ringChild{ring: c.ring, next: c.next.WithGroup(name)}
}
