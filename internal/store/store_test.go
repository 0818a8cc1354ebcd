package store

import (
	"bytes"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/internal/logging"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "taskweave.db"), logging.Discard())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDocumentRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.LoadDocument("t1"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("missing document error = %v, want not_found fault", err)
	}

	snap := []byte(`{"maps":{"meta":{"cells":{}}}}`)
	if err := s.SaveDocument("t1", snap); err != nil {
		t.Fatalf("saving document: %v", err)
	}
	got, err := s.LoadDocument("t1")
	if err != nil {
		t.Fatalf("loading document: %v", err)
	}
	if !bytes.Equal(got, snap) {
		t.Errorf("loaded snapshot %s, want %s", got, snap)
	}

	snap2 := []byte(`{"logs":{"events":{"entries":{}}}}`)
	if err := s.SaveDocument("t1", snap2); err != nil {
		t.Fatalf("overwriting document: %v", err)
	}
	got, err = s.LoadDocument("t1")
	if err != nil {
		t.Fatalf("reloading document: %v", err)
	}
	if !bytes.Equal(got, snap2) {
		t.Errorf("save did not replace the previous snapshot")
	}
}

func TestListDocumentsSorted(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"t2", "!index", "t1"} {
		if err := s.SaveDocument(id, []byte(`{}`)); err != nil {
			t.Fatalf("saving %s: %v", id, err)
		}
	}
	ids, err := s.ListDocuments()
	if err != nil {
		t.Fatalf("listing documents: %v", err)
	}
	want := []string{"!index", "t1", "t2"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("ListDocuments() = %v, want %v", ids, want)
	}
}

func TestSessionTokenRotation(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.LoadSessionToken(); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("missing token error = %v, want not_found fault", err)
	}

	if err := s.SaveSessionToken("hash-one"); err != nil {
		t.Fatalf("saving token: %v", err)
	}
	got, err := s.LoadSessionToken()
	if err != nil || got != "hash-one" {
		t.Fatalf("LoadSessionToken() = %q, %v; want hash-one", got, err)
	}

	// Rotation replaces the single stored hash; the old one is gone.
	if err := s.SaveSessionToken("hash-two"); err != nil {
		t.Fatalf("rotating token: %v", err)
	}
	got, err = s.LoadSessionToken()
	if err != nil || got != "hash-two" {
		t.Errorf("LoadSessionToken() after rotation = %q, %v; want hash-two", got, err)
	}
}

func TestInstanceValues(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.InstanceValue("replica_id"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("missing value error = %v, want not_found fault", err)
	}
	if err := s.SetInstanceValue("replica_id", "r-1"); err != nil {
		t.Fatalf("setting value: %v", err)
	}
	got, err := s.InstanceValue("replica_id")
	if err != nil || got != "r-1" {
		t.Fatalf("InstanceValue() = %q, %v; want r-1", got, err)
	}
	if err := s.SetInstanceValue("replica_id", "r-2"); err != nil {
		t.Fatalf("overwriting value: %v", err)
	}
	got, _ = s.InstanceValue("replica_id")
	if got != "r-2" {
		t.Errorf("InstanceValue() after overwrite = %q, want r-2", got)
	}
}

func TestReopenKeepsDataAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskweave.db")

	s, err := Open(path, logging.Discard())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	snap := []byte(`{"maps":{}}`)
	if err := s.SaveDocument("t1", snap); err != nil {
		t.Fatalf("saving document: %v", err)
	}
	if err := s.SetInstanceValue("replica_id", "r-1"); err != nil {
		t.Fatalf("setting replica id: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("closing: %v", err)
	}

	s2, err := Open(path, logging.Discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.LoadDocument("t1")
	if err != nil || !bytes.Equal(got, snap) {
		t.Errorf("document did not survive reopen: %s, %v", got, err)
	}
	v, err := s2.InstanceValue("replica_id")
	if err != nil || v != "r-1" {
		t.Errorf("replica id did not survive reopen: %q, %v", v, err)
	}
	ver, err := s2.schemaVersion()
	if err != nil {
		t.Fatalf("reading schema version: %v", err)
	}
	if want := migrations[len(migrations)-1].Version; ver != want {
		t.Errorf("schema version after reopen = %d, want %d", ver, want)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("", logging.Discard()); err == nil {
		t.Fatal("Open(\"\") should fail")
	}
}
