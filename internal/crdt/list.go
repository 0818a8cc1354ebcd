package crdt

import (
	"sort"
	"strings"
)

// positionBase is the digit space at each position level. Midpoint
// allocation halves the gap, so a level is exhausted only after ~32
// consecutive insertions into the same spot, at which point allocation
// descends a level.
const positionBase = uint64(1) << 32

// PosComponent is one level of a list position: a digit plus the replica
// that allocated it. The replica breaks digit ties so two replicas
// inserting into the same gap get distinct, consistently ordered
// positions.
type PosComponent struct {
	Digit   uint64    `json:"d"`
	Replica ReplicaID `json:"r,omitempty"`
}

func (c PosComponent) compare(o PosComponent) int {
	if c.Digit != o.Digit {
		if c.Digit < o.Digit {
			return -1
		}
		return 1
	}
	return strings.Compare(string(c.Replica), string(o.Replica))
}

// Position locates a list element. Positions are compared lexicographically
// by component; a position that is a prefix of another sorts first. Once
// assigned, a position never changes, so an element's neighbors can only
// gain entries between them, never reorder.
type Position []PosComponent

// Compare returns -1, 0, or +1 ordering p against o.
func (p Position) Compare(o Position) int {
	n := len(p)
	if len(o) < n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		if c := p[i].compare(o[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p) < len(o):
		return -1
	case len(p) > len(o):
		return 1
	}
	return 0
}

// Between allocates a position strictly between left and right for the
// given replica. A nil left means the start of the list, a nil right the
// end. left must compare strictly less than right.
func Between(left, right Position, r ReplicaID) Position {
	prefix := make(Position, 0, len(left)+1)
	for level := 0; ; level++ {
		lc := PosComponent{}
		if level < len(left) {
			lc = left[level]
		}
		rc := PosComponent{Digit: positionBase}
		if level < len(right) {
			rc = right[level]
		}
		if rc.Digit > lc.Digit+1 {
			mid := lc.Digit + (rc.Digit-lc.Digit)/2
			return append(prefix, PosComponent{Digit: mid, Replica: r})
		}
		if lc == rc {
			// Bounds share this component; both keep constraining
			// deeper levels.
			prefix = append(prefix, lc)
			continue
		}
		// No digit room at this level. Follow the left bound down; the
		// right bound no longer constrains deeper levels.
		prefix = append(prefix, lc)
		right = nil
	}
}

// ListElem is one element of a List: a stable identity, an immutable
// position, and an LWW cell map for its mutable fields.
type ListElem struct {
	ID    string   `json:"id"`
	Pos   Position `json:"pos"`
	Cells *Map     `json:"cells"`
}

func (e *ListElem) clone() *ListElem {
	cells := NewMap()
	if e.Cells != nil {
		for f, cell := range e.Cells.Cells {
			cells.Cells[f] = cell
		}
	}
	return &ListElem{ID: e.ID, Pos: e.Pos, Cells: cells}
}

// List is an ordered collection keyed by element ID. Merge unions elements
// and joins the cells of elements present on both sides; positions give
// every replica the same order.
type List struct {
	Elems map[string]*ListElem `json:"elems"`
}

// NewList returns an empty list.
func NewList() *List {
	return &List{Elems: make(map[string]*ListElem)}
}

// Insert adds an element at pos, or returns the existing element if the ID
// is already present.
func (l *List) Insert(id string, pos Position) *ListElem {
	if e, ok := l.Elems[id]; ok {
		return e
	}
	e := &ListElem{ID: id, Pos: pos, Cells: NewMap()}
	l.Elems[id] = e
	return e
}

// Get returns the element with the given ID. Reads are nil-safe so sparse
// states can be queried without existence checks.
func (l *List) Get(id string) (*ListElem, bool) {
	if l == nil {
		return nil, false
	}
	e, ok := l.Elems[id]
	return e, ok
}

// Len returns the number of elements.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Elems)
}

// Ordered returns the elements sorted by (position, ID).
func (l *List) Ordered() []*ListElem {
	if l == nil {
		return nil
	}
	out := make([]*ListElem, 0, len(l.Elems))
	for _, e := range l.Elems {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Pos.Compare(out[j].Pos); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Last returns the element with the highest position, or nil for an empty
// list. Appending allocates Between(Last().Pos, nil).
func (l *List) Last() *ListElem {
	if l == nil {
		return nil
	}
	var last *ListElem
	for _, e := range l.Elems {
		if last == nil {
			last = e
			continue
		}
		if c := e.Pos.Compare(last.Pos); c > 0 || (c == 0 && e.ID > last.ID) {
			last = e
		}
	}
	return last
}

// Merge joins o into l and reports whether l changed. Nil elements in o
// are skipped.
func (l *List) Merge(o *List) bool {
	if o == nil {
		return false
	}
	changed := false
	for id, elem := range o.Elems {
		if elem == nil {
			continue
		}
		cur, ok := l.Elems[id]
		if !ok {
			l.Elems[id] = elem.clone()
			changed = true
			continue
		}
		if cur.Cells.Merge(elem.Cells) {
			changed = true
		}
	}
	return changed
}

// MaxStamp returns the newest stamp across all element cells.
func (l *List) MaxStamp() Stamp {
	var max Stamp
	if l == nil {
		return max
	}
	for _, e := range l.Elems {
		if s := e.Cells.MaxStamp(); s.Newer(max) {
			max = s
		}
	}
	return max
}
