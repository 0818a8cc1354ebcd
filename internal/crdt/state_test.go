package crdt

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestStateMergeReportsChange(t *testing.T) {
	a := NewState()
	b := NewState()
	b.Map("meta").Set("title", json.RawMessage(`"T1"`), Stamp{1, "b"})
	b.Log("comments").Append(LogEntry{ID: "c1", Stamp: Stamp{2, "b"}})

	if !a.Merge(b) {
		t.Fatal("first merge should change a")
	}
	if a.Merge(b) {
		t.Error("replayed merge should be a no-op")
	}
	if got, _ := a.Map("meta").Get("title"); string(got) != `"T1"` {
		t.Errorf("title = %s, want \"T1\"", got)
	}
}

func TestStateMaxStamp(t *testing.T) {
	s := NewState()
	if !s.MaxStamp().IsZero() {
		t.Error("empty state should carry the zero stamp")
	}
	s.Map("meta").Set("title", json.RawMessage(`"t"`), Stamp{3, "a"})
	s.Log("events").Append(LogEntry{ID: "e1", Stamp: Stamp{9, "b"}})
	s.List("blocks").Insert("b1", Between(nil, nil, "a")).Cells.Set("content", json.RawMessage(`"x"`), Stamp{5, "a"})
	s.Table("inputs").Upsert("r1").Set("state", json.RawMessage(`"pending"`), Stamp{4, "c"})

	if got := s.MaxStamp(); got != (Stamp{9, "b"}) {
		t.Errorf("MaxStamp = %v, want {9 b}", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := NewState()
	s.Map("meta").Set("status", json.RawMessage(`"open"`), Stamp{1, "a"})
	s.List("artifacts").Insert("a1", Between(nil, nil, "a")).Cells.Set("uri", json.RawMessage(`"s3://x"`), Stamp{2, "a"})
	s.Table("inputs").Upsert("r1").Set("prompt", json.RawMessage(`"?"`), Stamp{3, "a"})

	data, err := s.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	// Equality via re-encode: json.Marshal sorts map keys, so equal
	// states produce identical bytes.
	again, err := got.Encode()
	if err != nil {
		t.Fatalf("re-encode failed: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Errorf("round trip drifted:\n%s\nvs\n%s", data, again)
	}
}

func TestDecodeSparsePayloadIsUsable(t *testing.T) {
	// A hand-rolled sparse delta may omit inner objects entirely; the
	// decoded state must still accept writes without panicking.
	raw := []byte(`{"maps":{"meta":{}},"logs":{"comments":{}},"lists":{"blocks":{"elems":{"b1":{"id":"b1","pos":[{"d":7,"r":"a"}]}}}},"tables":{"inputs":{}}}`)
	s, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !s.Map("meta").Set("title", json.RawMessage(`"t"`), Stamp{1, "a"}) {
		t.Error("write into decoded map should win")
	}
	if !s.Log("comments").Append(LogEntry{ID: "c1", Stamp: Stamp{1, "a"}}) {
		t.Error("append into decoded log should succeed")
	}
	e, ok := s.List("blocks").Get("b1")
	if !ok {
		t.Fatal("decoded list element missing")
	}
	if !e.Cells.Set("content", json.RawMessage(`"x"`), Stamp{2, "a"}) {
		t.Error("write into decoded element cells should win")
	}
	s.Table("inputs").Upsert("r1").Set("state", json.RawMessage(`"pending"`), Stamp{3, "a"})
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte(`{"maps":`)); err == nil {
		t.Error("truncated JSON should fail to decode")
	}
}

func TestDecodeRejectsNullContainers(t *testing.T) {
	// json.Unmarshal turns an explicit null into a nil pointer; Decode
	// must report it instead of handing back a state that panics later.
	cases := []struct {
		name string
		raw  string
	}{
		{"null map", `{"maps":{"meta":null}}`},
		{"null log", `{"logs":{"comments":null}}`},
		{"null list", `{"lists":{"blocks":null}}`},
		{"null table", `{"tables":{"inputs":null}}`},
		{"null list element", `{"lists":{"blocks":{"elems":{"b1":null}}}}`},
		{"null table row", `{"tables":{"inputs":{"rows":{"r1":null}}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := Decode([]byte(tc.raw))
			if err == nil {
				t.Fatalf("Decode(%s) accepted a null container, got %+v", tc.raw, s)
			}
		})
	}
}

func TestMergeSkipsNilContainers(t *testing.T) {
	// States built by hand may carry nils where a decoded state never
	// would; merging one must neither panic nor materialize empties.
	a := NewState()
	o := &State{
		Maps:   map[string]*Map{"meta": nil},
		Logs:   map[string]*Log{"comments": nil},
		Lists:  map[string]*List{"blocks": {Elems: map[string]*ListElem{"b1": nil}}},
		Tables: map[string]*Table{"inputs": {Rows: map[string]*Map{"r1": nil}}},
	}
	if a.Merge(o) {
		t.Error("merge of nil-only containers should report no change")
	}
	if len(a.Maps) != 0 || len(a.Logs) != 0 {
		t.Errorf("nil containers materialized: %d maps, %d logs", len(a.Maps), len(a.Logs))
	}
	if a.List("blocks").Len() != 0 {
		t.Error("nil list element materialized")
	}
	if a.Table("inputs").Len() != 0 {
		t.Error("nil table row materialized")
	}
}
