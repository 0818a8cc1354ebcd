package crdt

import (
	"encoding/json"
	"sort"
)

// LogEntry is one immutable record in a Log. The ID makes re-delivery
// idempotent; the stamp orders entries across replicas.
type LogEntry struct {
	ID      string          `json:"id"`
	Stamp   Stamp           `json:"s"`
	Payload json.RawMessage `json:"p"`
}

// Log is a grow-only set of entries. Entries are never removed or
// rewritten; merge is set union keyed by entry ID.
type Log struct {
	Entries map[string]LogEntry `json:"entries"`
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{Entries: make(map[string]LogEntry)}
}

// Append adds an entry, reporting whether it was new. An entry whose ID is
// already present is left untouched.
func (l *Log) Append(e LogEntry) bool {
	if _, ok := l.Entries[e.ID]; ok {
		return false
	}
	l.Entries[e.ID] = e
	return true
}

// Get returns the entry with the given ID. Reads are nil-safe so sparse
// states can be queried without existence checks.
func (l *Log) Get(id string) (LogEntry, bool) {
	if l == nil {
		return LogEntry{}, false
	}
	e, ok := l.Entries[id]
	return e, ok
}

// Len returns the number of entries.
func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Entries)
}

// Ordered returns all entries sorted by (stamp, ID). The order is the same
// on every replica holding the same entries.
func (l *Log) Ordered() []LogEntry {
	if l == nil {
		return nil
	}
	out := make([]LogEntry, 0, len(l.Entries))
	for _, e := range l.Entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Stamp.Compare(out[j].Stamp); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Merge unions o into l and reports whether l gained entries.
func (l *Log) Merge(o *Log) bool {
	if o == nil {
		return false
	}
	changed := false
	for id, e := range o.Entries {
		if _, ok := l.Entries[id]; !ok {
			l.Entries[id] = e
			changed = true
		}
	}
	return changed
}

// MaxStamp returns the newest stamp across all entries.
func (l *Log) MaxStamp() Stamp {
	var max Stamp
	if l == nil {
		return max
	}
	for _, e := range l.Entries {
		if e.Stamp.Newer(max) {
			max = e.Stamp
		}
	}
	return max
}
