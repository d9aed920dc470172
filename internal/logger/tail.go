package logger

import (
	"sync"

	json "github.com/goccy/go-json"
)

const defaultTailSize = 1000

// Entry is a parsed log line.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Tail is an io.Writer that keeps the most recent zerolog entries in a ring.
type Tail struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

// NewTail creates a tail holding up to size entries.
func NewTail(size int) *Tail {
	if size <= 0 {
		size = defaultTailSize
	}
	return &Tail{entries: make([]Entry, size)}
}

// Write implements io.Writer. Malformed lines are dropped.
func (t *Tail) Write(p []byte) (int, error) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		return len(p), nil //nolint:nilerr // never fail the logger
	}

	e := Entry{Fields: make(map[string]any)}
	e.Timestamp, _ = raw["time"].(string)
	e.Level, _ = raw["level"].(string)
	e.Component, _ = raw["component"].(string)
	e.Message, _ = raw["message"].(string)
	for _, k := range []string{"time", "level", "component", "message"} {
		delete(raw, k)
	}
	for k, v := range raw {
		e.Fields[k] = v
	}

	t.mu.Lock()
	t.entries[t.next] = e
	t.next = (t.next + 1) % len(t.entries)
	if t.next == 0 {
		t.full = true
	}
	t.mu.Unlock()
	return len(p), nil
}

// Recent returns up to n entries, oldest first. n <= 0 returns everything held.
func (t *Tail) Recent(n int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ordered []Entry
	if t.full {
		ordered = append(ordered, t.entries[t.next:]...)
	}
	ordered = append(ordered, t.entries[:t.next]...)

	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}
