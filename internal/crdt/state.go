package crdt

import (
	"encoding/json"
	"fmt"
)

// State is a document replica: named maps, logs, lists, and tables under
// one roof. A full snapshot and a delta are the same type; a delta just
// carries only the containers and cells a change touched.
type State struct {
	Maps   map[string]*Map   `json:"maps,omitempty"`
	Logs   map[string]*Log   `json:"logs,omitempty"`
	Lists  map[string]*List  `json:"lists,omitempty"`
	Tables map[string]*Table `json:"tables,omitempty"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{}
}

// Map returns the named map, creating it if absent.
func (s *State) Map(name string) *Map {
	if s.Maps == nil {
		s.Maps = make(map[string]*Map)
	}
	if m, ok := s.Maps[name]; ok {
		return m
	}
	m := NewMap()
	s.Maps[name] = m
	return m
}

// Log returns the named log, creating it if absent.
func (s *State) Log(name string) *Log {
	if s.Logs == nil {
		s.Logs = make(map[string]*Log)
	}
	if l, ok := s.Logs[name]; ok {
		return l
	}
	l := NewLog()
	s.Logs[name] = l
	return l
}

// List returns the named list, creating it if absent.
func (s *State) List(name string) *List {
	if s.Lists == nil {
		s.Lists = make(map[string]*List)
	}
	if l, ok := s.Lists[name]; ok {
		return l
	}
	l := NewList()
	s.Lists[name] = l
	return l
}

// Table returns the named table, creating it if absent.
func (s *State) Table(name string) *Table {
	if s.Tables == nil {
		s.Tables = make(map[string]*Table)
	}
	if t, ok := s.Tables[name]; ok {
		return t
	}
	t := NewTable()
	s.Tables[name] = t
	return t
}

// IsEmpty reports whether the state carries no containers.
func (s *State) IsEmpty() bool {
	return len(s.Maps) == 0 && len(s.Logs) == 0 && len(s.Lists) == 0 && len(s.Tables) == 0
}

// Merge joins o into s container by container and reports whether s
// changed. Merging the same state twice, or merging states in any order,
// lands every replica on the same result. Nil containers in o carry
// nothing and are skipped without materializing anything in s.
func (s *State) Merge(o *State) bool {
	if o == nil {
		return false
	}
	changed := false
	for name, m := range o.Maps {
		if m == nil {
			continue
		}
		if s.Map(name).Merge(m) {
			changed = true
		}
	}
	for name, l := range o.Logs {
		if l == nil {
			continue
		}
		if s.Log(name).Merge(l) {
			changed = true
		}
	}
	for name, l := range o.Lists {
		if l == nil {
			continue
		}
		if s.List(name).Merge(l) {
			changed = true
		}
	}
	for name, t := range o.Tables {
		if t == nil {
			continue
		}
		if s.Table(name).Merge(t) {
			changed = true
		}
	}
	return changed
}

// MaxStamp returns the newest stamp anywhere in the state. Clocks observe
// it after a merge so subsequent local writes sort after remote ones.
func (s *State) MaxStamp() Stamp {
	var max Stamp
	for _, m := range s.Maps {
		if st := m.MaxStamp(); st.Newer(max) {
			max = st
		}
	}
	for _, l := range s.Logs {
		if st := l.MaxStamp(); st.Newer(max) {
			max = st
		}
	}
	for _, l := range s.Lists {
		if st := l.MaxStamp(); st.Newer(max) {
			max = st
		}
	}
	for _, t := range s.Tables {
		if st := t.MaxStamp(); st.Newer(max) {
			max = st
		}
	}
	return max
}

// Encode serializes the state for persistence or the wire.
func (s *State) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	return data, nil
}

// Decode parses a state produced by Encode. Inner maps omitted by sparse
// encodings are allocated so the result is safe to mutate; a payload
// carrying an explicit null container, element, or row is rejected.
func Decode(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	if err := s.normalize(); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	return &s, nil
}

// normalize repairs the sparse shapes json.Unmarshal leaves behind. An
// omitted inner object decodes as a nil map and gets allocated; an
// explicit JSON null decodes as a nil pointer and is an error, since
// no replica ever encodes one.
func (s *State) normalize() error {
	for name, m := range s.Maps {
		if m == nil {
			return fmt.Errorf("map %q is null", name)
		}
		if m.Cells == nil {
			m.Cells = make(map[string]Register)
		}
	}
	for name, l := range s.Logs {
		if l == nil {
			return fmt.Errorf("log %q is null", name)
		}
		if l.Entries == nil {
			l.Entries = make(map[string]LogEntry)
		}
	}
	for name, l := range s.Lists {
		if l == nil {
			return fmt.Errorf("list %q is null", name)
		}
		if l.Elems == nil {
			l.Elems = make(map[string]*ListElem)
		}
		for id, e := range l.Elems {
			if e == nil {
				return fmt.Errorf("list %q element %q is null", name, id)
			}
			if e.Cells == nil {
				e.Cells = NewMap()
			} else if e.Cells.Cells == nil {
				e.Cells.Cells = make(map[string]Register)
			}
		}
	}
	for name, t := range s.Tables {
		if t == nil {
			return fmt.Errorf("table %q is null", name)
		}
		if t.Rows == nil {
			t.Rows = make(map[string]*Map)
		}
		for key, row := range t.Rows {
			if row == nil {
				return fmt.Errorf("table %q row %q is null", name, key)
			}
			if row.Cells == nil {
				row.Cells = make(map[string]Register)
			}
		}
	}
	return nil
}
