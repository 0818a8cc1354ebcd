package crdt

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Register is a last-writer-wins cell holding one JSON value. The newest
// stamp wins; equal stamps fall back to comparing raw value bytes so the
// winner is the same on every replica.
type Register struct {
	Value json.RawMessage `json:"v"`
	Stamp Stamp           `json:"s"`
}

// wins reports whether o should replace r.
func (r Register) wins(o Register) bool {
	switch o.Stamp.Compare(r.Stamp) {
	case 1:
		return true
	case -1:
		return false
	}
	return bytes.Compare(o.Value, r.Value) > 0
}

// Map is a field-keyed collection of registers merged pointwise. Fields
// written on different replicas union; fields written on both keep the
// newer value.
type Map struct {
	Cells map[string]Register `json:"cells"`
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{Cells: make(map[string]Register)}
}

// Set writes value into field at the given stamp. It reports whether the
// write won against the current cell.
func (m *Map) Set(field string, value json.RawMessage, s Stamp) bool {
	next := Register{Value: value, Stamp: s}
	cur, ok := m.Cells[field]
	if ok && !cur.wins(next) {
		return false
	}
	m.Cells[field] = next
	return true
}

// Get returns the value of field if it has ever been written. A nil map
// has no fields, so reads against absent containers need no existence
// check.
func (m *Map) Get(field string) (json.RawMessage, bool) {
	if m == nil {
		return nil, false
	}
	cell, ok := m.Cells[field]
	if !ok {
		return nil, false
	}
	return cell.Value, true
}

// Fields returns the written field names in sorted order.
func (m *Map) Fields() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.Cells))
	for f := range m.Cells {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of written fields.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Cells)
}

// Merge joins o into m pointwise and reports whether m changed.
func (m *Map) Merge(o *Map) bool {
	if o == nil {
		return false
	}
	changed := false
	for field, cell := range o.Cells {
		cur, ok := m.Cells[field]
		if !ok || cur.wins(cell) {
			m.Cells[field] = cell
			changed = true
		}
	}
	return changed
}

// MaxStamp returns the newest stamp across all cells, or the zero stamp
// for an empty map.
func (m *Map) MaxStamp() Stamp {
	var max Stamp
	if m == nil {
		return max
	}
	for _, cell := range m.Cells {
		if cell.Stamp.Newer(max) {
			max = cell.Stamp
		}
	}
	return max
}
