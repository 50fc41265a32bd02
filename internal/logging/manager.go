package logging

import (
	"container/ring"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// MaxBufferSize is the number of log entries kept in memory.
const MaxBufferSize = 10000

// LogEntry represents a single buffered log record
type LogEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Manager keeps the most recent log entries for the /api/v1/logs view.
type Manager struct {
	mu     sync.RWMutex
	buffer *ring.Ring
	seq    uint64
}

// NewManager creates a manager holding up to size entries.
func NewManager(size int) *Manager {
	if size <= 0 {
		size = MaxBufferSize
	}
	return &Manager{buffer: ring.New(size)}
}

func (m *Manager) add(entry LogEntry) {
	m.mu.Lock()
	m.seq++
	entry.ID = fmt.Sprintf("log-%d", m.seq)
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	m.mu.Unlock()
}

// GetRecent returns up to limit entries, newest first, filtered by level and
// source when those are non-empty.
func (m *Manager) GetRecent(limit int, levelFilter, sourceFilter string) []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []LogEntry
	m.buffer.Do(func(v any) {
		entry, ok := v.(LogEntry)
		if !ok {
			return
		}
		if levelFilter != "" && !strings.EqualFold(entry.Level, levelFilter) {
			return
		}
		if sourceFilter != "" && entry.Source != sourceFilter {
			return
		}
		entries = append(entries, entry)
	})

	// ring.Do walks oldest to newest starting at the write cursor
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// ComponentKey is the attribute naming the emitting component.
const ComponentKey = "component"

// Options configures New.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Output io.Writer
}

// New builds a logger that writes to opts.Output and tees every record into m.
func New(m *Manager, opts Options) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var inner slog.Handler
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	if strings.EqualFold(opts.Format, "json") {
		inner = slog.NewJSONHandler(opts.Output, hopts)
	} else {
		inner = slog.NewTextHandler(opts.Output, hopts)
	}
	return slog.New(&bufferHandler{inner: inner, manager: m})
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Component returns a child logger tagged with the component name.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(ComponentKey, name)
}

type bufferHandler struct {
	inner   slog.Handler
	manager *Manager
	attrs   []slog.Attr
	group   string
}

func (h *bufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *bufferHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.manager != nil {
		entry := LogEntry{
			Timestamp: r.Time,
			Level:     strings.ToLower(r.Level.String()),
			Message:   r.Message,
			Metadata:  map[string]interface{}{},
		}
		collect := func(a slog.Attr) bool {
			if a.Key == ComponentKey {
				entry.Source = a.Value.String()
				return true
			}
			key := a.Key
			if h.group != "" {
				key = h.group + "." + key
			}
			entry.Metadata[key] = a.Value.Any()
			return true
		}
		for _, a := range h.attrs {
			collect(a)
		}
		r.Attrs(collect)
		if len(entry.Metadata) == 0 {
			entry.Metadata = nil
		}
		h.manager.add(entry)
	}
	return h.inner.Handle(ctx, r)
}

func (h *bufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &bufferHandler{inner: h.inner.WithAttrs(attrs), manager: h.manager, attrs: merged, group: h.group}
}

func (h *bufferHandler) WithGroup(name string) slog.Handler {
	g := name
	if h.group != "" {
		g = h.group + "." + name
	}
	return &bufferHandler{inner: h.inner.WithGroup(name), manager: h.manager, attrs: h.attrs, group: g}
}
