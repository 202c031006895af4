package service

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Log sources distinguish the two listeners sharing one process.
const (
	LogSourceOpenAPI = "openapi"
	LogSourceMCP     = "mcp"
)

// Log categories shown as tabs in the management UI.
const (
	CategoryErrors      = "errors"
	CategoryHTTP        = "http"
	CategoryTools       = "tools"
	CategorySessions    = "sessions"
	CategoryHealth      = "health"
	CategoryPerformance = "performance"
	CategorySystem      = "system"
)

// LogEntry is one buffered log record.
type LogEntry struct {
	Sequence  int64  `json:"sequence"`
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Source    string `json:"source"`
	Logger    string `json:"logger,omitempty"`
}

// LogFilter selects entries from the bus. Zero values match everything.
type LogFilter struct {
	Category      string
	Source        string
	After         int64
	Limit         int
	ExcludeLogger string
}

// LogBus is a bounded in-memory log buffer with a process-wide monotonic
// sequence. Appends are O(1); filtered reads scan the buffer.
type LogBus struct {
	mu  sync.Mutex
	max int
	buf []LogEntry
	seq int64
}

// NewLogBus creates a bus keeping at most max entries.
func NewLogBus(max int) *LogBus {
	if max <= 0 {
		max = 100
	}
	return &LogBus{max: max}
}

// Add appends an entry, stamping the next sequence number and evicting
// the oldest entries beyond capacity.
func (b *LogBus) Add(entry LogEntry) LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	entry.Sequence = b.seq
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	b.buf = append(b.buf, entry)
	if len(b.buf) > b.max {
		b.buf = append([]LogEntry(nil), b.buf[len(b.buf)-b.max:]...)
	}
	return entry
}

// Logs returns entries matching the filter, oldest first. A positive
// Limit keeps only the most recent matches.
func (b *LogBus) Logs(f LogFilter) []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]LogEntry, 0, len(b.buf))
	for _, e := range b.buf {
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.Source != "" && e.Source != f.Source {
			continue
		}
		if f.ExcludeLogger != "" && e.Logger == f.ExcludeLogger {
			continue
		}
		if e.Sequence <= f.After {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Categorized groups matching entries by category.
func (b *LogBus) Categorized(source string, after int64) map[string][]LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := map[string][]LogEntry{}
	for _, e := range b.buf {
		if source != "" && e.Source != source {
			continue
		}
		if e.Sequence <= after {
			continue
		}
		out[e.Category] = append(out[e.Category], e)
	}
	return out
}

// Clear drops entries. Empty category and source drop everything;
// otherwise only entries matching the given selectors are removed.
func (b *LogBus) Clear(category, source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if category == "" && source == "" {
		b.buf = nil
		return
	}

	kept := b.buf[:0]
	for _, e := range b.buf {
		drop := true
		if category != "" && e.Category != category {
			drop = false
		}
		if source != "" && e.Source != source {
			drop = false
		}
		if !drop {
			kept = append(kept, e)
		}
	}
	b.buf = append([]LogEntry(nil), kept...)
}

// Count returns the number of buffered entries, optionally per source.
func (b *LogBus) Count(source string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if source == "" {
		return len(b.buf)
	}
	n := 0
	for _, e := range b.buf {
		if e.Source == source {
			n++
		}
	}
	return n
}

// LatestSequence returns the last assigned sequence number.
func (b *LogBus) LatestSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Categories returns the sorted set of categories present in the buffer.
func (b *LogBus) Categories(source string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := map[string]struct{}{}
	for _, e := range b.buf {
		if source != "" && e.Source != source {
			continue
		}
		seen[e.Category] = struct{}{}
	}
	return sortedKeys(seen)
}

// Sources returns the sorted set of sources present in the buffer.
func (b *LogBus) Sources() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := map[string]struct{}{}
	for _, e := range b.buf {
		seen[e.Source] = struct{}{}
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CategorizeMessage infers the UI category for a log record.
func CategorizeMessage(level slog.Level, msg string) string {
	m := strings.ToLower(msg)
	switch {
	case level >= slog.LevelError:
		return CategoryErrors
	case strings.Contains(m, "http"):
		return CategoryHTTP
	case strings.Contains(m, "tool"):
		return CategoryTools
	case strings.Contains(m, "session"):
		return CategorySessions
	case strings.Contains(m, "connect"), strings.Contains(m, "health"):
		return CategoryHealth
	case strings.Contains(m, "performance"), strings.Contains(m, "slow"), strings.Contains(m, "timeout"):
		return CategoryPerformance
	default:
		return CategorySystem
	}
}

// BusHandler is a slog.Handler that mirrors every record into a LogBus
// while delegating to an inner handler for regular output.
type BusHandler struct {
	inner  slog.Handler
	bus    *LogBus
	source string
	logger string
}

// NewBusHandler wraps inner so records also land in bus under the given
// source.
func NewBusHandler(inner slog.Handler, bus *LogBus, source string) *BusHandler {
	return &BusHandler{inner: inner, bus: bus, source: source}
}

func (h *BusHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *BusHandler) Handle(ctx context.Context, r slog.Record) error {
	h.bus.Add(LogEntry{
		Timestamp: r.Time.UTC().Format(time.RFC3339),
		Level:     r.Level.String(),
		Message:   r.Message,
		Category:  CategorizeMessage(r.Level, r.Message),
		Source:    h.source,
		Logger:    h.logger,
	})
	return h.inner.Handle(ctx, r)
}

func (h *BusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &BusHandler{inner: h.inner.WithAttrs(attrs), bus: h.bus, source: h.source, logger: h.logger}
	for _, a := range attrs {
		if a.Key == "logger" {
			next.logger = a.Value.String()
		}
	}
	return next
}

func (h *BusHandler) WithGroup(name string) slog.Handler {
	return &BusHandler{inner: h.inner.WithGroup(name), bus: h.bus, source: h.source, logger: h.logger}
}

var _ slog.Handler = (*BusHandler)(nil)
