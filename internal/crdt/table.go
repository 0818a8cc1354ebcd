package crdt

import "sort"

// Table is a collection of rows keyed by caller-chosen string keys, each
// row an LWW cell map. Rows union on merge; rows present on both sides
// join pointwise.
type Table struct {
	Rows map[string]*Map `json:"rows"`
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{Rows: make(map[string]*Map)}
}

// Row returns the row for key if any writes have reached it. Reads are
// nil-safe so sparse states can be queried without existence checks.
func (t *Table) Row(key string) (*Map, bool) {
	if t == nil {
		return nil, false
	}
	row, ok := t.Rows[key]
	return row, ok
}

// Upsert returns the row for key, creating it empty if absent.
func (t *Table) Upsert(key string) *Map {
	if row, ok := t.Rows[key]; ok {
		return row
	}
	row := NewMap()
	t.Rows[key] = row
	return row
}

// Keys returns the row keys in sorted order.
func (t *Table) Keys() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.Rows))
	for k := range t.Rows {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Merge joins o into t and reports whether t changed. Nil rows in o are
// skipped without materializing a row in t.
func (t *Table) Merge(o *Table) bool {
	if o == nil {
		return false
	}
	changed := false
	for key, row := range o.Rows {
		if row == nil {
			continue
		}
		cur, ok := t.Rows[key]
		if !ok {
			cur = NewMap()
			t.Rows[key] = cur
		}
		if cur.Merge(row) {
			changed = true
		}
	}
	return changed
}

// MaxStamp returns the newest stamp across all rows.
func (t *Table) MaxStamp() Stamp {
	var max Stamp
	if t == nil {
		return max
	}
	for _, row := range t.Rows {
		if s := row.MaxStamp(); s.Newer(max) {
			max = s
		}
	}
	return max
}
