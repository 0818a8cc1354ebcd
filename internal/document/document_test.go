package document

import (
	"testing"
	"time"

	"github.com/taskweave/taskweave/internal/crdt"
	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/pkg/models"
)

var testTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newDoc(t *testing.T) (*crdt.State, *crdt.Clock) {
	t.Helper()
	return crdt.NewState(), crdt.NewClock("daemon-test")
}

func commit(t *testing.T, base *crdt.State, tx *Tx) {
	t.Helper()
	base.Merge(tx.Delta())
}

func TestTxStagesWritesUntilCommit(t *testing.T) {
	base, clock := newDoc(t)

	tx := NewTx(base, clock)
	tx.InitMeta(models.TaskMeta{Title: "T1", Status: models.StatusOpen, CreatedAt: testTime, UpdatedAt: testTime})

	if _, err := Meta(base); !fault.IsKind(err, fault.SchemaViolation) {
		t.Fatalf("base should be untouched before commit, got err = %v", err)
	}

	commit(t, base, tx)

	meta, err := Meta(base)
	if err != nil {
		t.Fatalf("Meta after commit failed: %v", err)
	}
	if meta.Title != "T1" || meta.Status != models.StatusOpen {
		t.Errorf("meta = %+v, want title T1 status open", meta)
	}
	if !meta.CreatedAt.Equal(testTime) {
		t.Errorf("created_at = %v, want %v", meta.CreatedAt, testTime)
	}
}

func TestTxDiscardLeavesBaseUnchanged(t *testing.T) {
	base, clock := newDoc(t)
	tx := NewTx(base, clock)
	tx.InitMeta(models.TaskMeta{Title: "T1", Status: models.StatusOpen})
	commit(t, base, tx)

	// A failed invocation's Tx is simply dropped.
	abandoned := NewTx(base, clock)
	abandoned.SetTitle("hijacked")
	abandoned.AddArtifact(models.Artifact{ID: "a1", URI: "x", At: testTime})

	meta, err := Meta(base)
	if err != nil {
		t.Fatalf("Meta failed: %v", err)
	}
	if meta.Title != "T1" {
		t.Errorf("title = %q, discarded Tx leaked into base", meta.Title)
	}
	arts, err := Artifacts(base)
	if err != nil {
		t.Fatalf("Artifacts failed: %v", err)
	}
	if len(arts) != 0 {
		t.Errorf("artifacts = %d, want 0", len(arts))
	}
}

func TestMetaValidation(t *testing.T) {
	base, clock := newDoc(t)

	if _, err := Meta(base); !fault.IsKind(err, fault.SchemaViolation) {
		t.Errorf("empty document: err = %v, want schema violation", err)
	}

	tx := NewTx(base, clock)
	tx.SetTitle("only title")
	commit(t, base, tx)
	if _, err := Meta(base); !fault.IsKind(err, fault.SchemaViolation) {
		t.Errorf("missing status: err = %v, want schema violation", err)
	}

	tx = NewTx(base, clock)
	tx.SetStatus(models.TaskStatus("doing-stuff"))
	commit(t, base, tx)
	if _, err := Meta(base); !fault.IsKind(err, fault.SchemaViolation) {
		t.Errorf("bogus status: err = %v, want schema violation", err)
	}

	tx = NewTx(base, clock)
	tx.SetStatus(models.StatusInProgress)
	commit(t, base, tx)
	meta, err := Meta(base)
	if err != nil {
		t.Fatalf("valid meta rejected: %v", err)
	}
	if meta.Status != models.StatusInProgress {
		t.Errorf("status = %q, want in_progress", meta.Status)
	}
}

func TestAppendsKeepSubmissionOrder(t *testing.T) {
	base, clock := newDoc(t)

	// Two appends in one Tx, then one in a later Tx.
	tx := NewTx(base, clock)
	tx.AddArtifact(models.Artifact{ID: "a1", URI: "one", At: testTime})
	tx.AddArtifact(models.Artifact{ID: "a2", URI: "two", At: testTime})
	commit(t, base, tx)

	tx = NewTx(base, clock)
	tx.AddArtifact(models.Artifact{ID: "a3", URI: "three", At: testTime})
	commit(t, base, tx)

	arts, err := Artifacts(base)
	if err != nil {
		t.Fatalf("Artifacts failed: %v", err)
	}
	want := []string{"one", "two", "three"}
	if len(arts) != len(want) {
		t.Fatalf("got %d artifacts, want %d", len(arts), len(want))
	}
	for i, a := range arts {
		if a.URI != want[i] {
			t.Errorf("artifact[%d].URI = %q, want %q", i, a.URI, want[i])
		}
	}
}

func TestCommentsAndEventsOrdered(t *testing.T) {
	base, clock := newDoc(t)

	tx := NewTx(base, clock)
	tx.AppendComment(models.Comment{ID: "c1", Author: "ana", Body: "first", At: testTime})
	tx.AppendComment(models.Comment{ID: "c2", Author: "ben", Body: "second", At: testTime.Add(time.Minute)})
	tx.AppendEvent(models.Event{ID: "e1", Type: models.EventTaskCreated, Actor: "ana", At: testTime})
	commit(t, base, tx)

	comments, err := Comments(base)
	if err != nil {
		t.Fatalf("Comments failed: %v", err)
	}
	if len(comments) != 2 || comments[0].Body != "first" || comments[1].Body != "second" {
		t.Errorf("comments out of order: %+v", comments)
	}

	events, err := Events(base)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != models.EventTaskCreated {
		t.Errorf("events = %+v", events)
	}
}

func TestSetBlockContent(t *testing.T) {
	base, clock := newDoc(t)

	tx := NewTx(base, clock)
	if err := tx.SetBlockContent("nope", "x"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("missing block: err = %v, want not_found", err)
	}
	tx.AddBlock(models.Block{ID: "b1", Kind: "markdown", Content: "draft"})
	commit(t, base, tx)

	tx = NewTx(base, clock)
	if err := tx.SetBlockContent("b1", "final"); err != nil {
		t.Fatalf("SetBlockContent failed: %v", err)
	}
	commit(t, base, tx)

	b, err := Block(base, "b1")
	if err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if b.Content != "final" || b.Kind != "markdown" {
		t.Errorf("block = %+v, want final/markdown", b)
	}
}

func TestSetBlockContentInSameTxSeesStagedInsert(t *testing.T) {
	base, clock := newDoc(t)
	tx := NewTx(base, clock)
	tx.AddBlock(models.Block{ID: "b1", Content: "draft"})
	if err := tx.SetBlockContent("b1", "revised"); err != nil {
		t.Fatalf("SetBlockContent on staged block failed: %v", err)
	}
	commit(t, base, tx)

	b, err := Block(base, "b1")
	if err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if b.Content != "revised" {
		t.Errorf("content = %q, want revised", b.Content)
	}
}

func TestUpsertPRIsIdempotent(t *testing.T) {
	base, clock := newDoc(t)

	tx := NewTx(base, clock)
	tx.UpsertPR(models.LinkedPR{Number: 42, Title: "fix parser"})
	commit(t, base, tx)

	tx = NewTx(base, clock)
	tx.UpsertPR(models.LinkedPR{Number: 42, Title: "fix parser (rebased)", URL: "https://example.com/pr/42"})
	commit(t, base, tx)

	prs, err := LinkedPRs(base)
	if err != nil {
		t.Fatalf("LinkedPRs failed: %v", err)
	}
	if len(prs) != 1 {
		t.Fatalf("got %d PR entries, want 1", len(prs))
	}
	if prs[0].Title != "fix parser (rebased)" || prs[0].URL == "" {
		t.Errorf("second link should update in place, got %+v", prs[0])
	}
}

func TestSetPRNotify(t *testing.T) {
	base, clock := newDoc(t)

	tx := NewTx(base, clock)
	if err := tx.SetPRNotify(7, true); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("unlinked PR: err = %v, want not_found", err)
	}

	tx.UpsertPR(models.LinkedPR{Number: 7, Title: "docs"})
	if err := tx.SetPRNotify(7, true); err != nil {
		t.Fatalf("SetPRNotify on staged link failed: %v", err)
	}
	commit(t, base, tx)

	pr, err := LinkedPR(base, 7)
	if err != nil {
		t.Fatalf("LinkedPR failed: %v", err)
	}
	if !pr.NotifyOnReview {
		t.Error("notify_on_review not set")
	}
}

func TestInputRequestLifecycle(t *testing.T) {
	base, clock := newDoc(t)

	tx := NewTx(base, clock)
	tx.PutInputRequest(models.InputRequest{
		ID: "q1", Prompt: "which region?", RequestedBy: "agent-7",
		State: models.InputPending, CreatedAt: testTime,
	})
	commit(t, base, tx)

	pending, err := PendingInputs(base)
	if err != nil {
		t.Fatalf("PendingInputs failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "q1" {
		t.Fatalf("pending = %+v, want [q1]", pending)
	}

	tx = NewTx(base, clock)
	if err := tx.ResolveInput("missing", models.InputAnswered, "", testTime); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("resolving unknown request: err = %v, want not_found", err)
	}
	if err := tx.ResolveInput("q1", models.InputAnswered, "eu-west-1", testTime.Add(time.Hour)); err != nil {
		t.Fatalf("ResolveInput failed: %v", err)
	}
	commit(t, base, tx)

	pending, err = PendingInputs(base)
	if err != nil {
		t.Fatalf("PendingInputs failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after answer = %+v, want empty", pending)
	}
	r, err := InputRequest(base, "q1")
	if err != nil {
		t.Fatalf("InputRequest failed: %v", err)
	}
	if r.State != models.InputAnswered || r.Response != "eu-west-1" {
		t.Errorf("resolved request = %+v", r)
	}
}

func TestReviewAndDiffCommentCaches(t *testing.T) {
	base, clock := newDoc(t)

	tx := NewTx(base, clock)
	tx.PutReviewComment(models.ReviewComment{
		ID: "rc1", PRNumber: 42, Author: "reviewer", Body: "typo", Path: "main.go", Line: 10, UpdatedAt: testTime,
	})
	tx.PutDiffComment(models.DiffComment{
		ID: "dc1", Path: "sync.go", Line: 3, Author: "me", Body: "revisit", UpdatedAt: testTime,
	})
	commit(t, base, tx)

	// Refresh upserts by ID rather than duplicating.
	tx = NewTx(base, clock)
	tx.PutReviewComment(models.ReviewComment{
		ID: "rc1", PRNumber: 42, Author: "reviewer", Body: "typo (edited)", Path: "main.go", Line: 10,
		UpdatedAt: testTime.Add(time.Minute),
	})
	commit(t, base, tx)

	rcs, err := ReviewComments(base)
	if err != nil {
		t.Fatalf("ReviewComments failed: %v", err)
	}
	if len(rcs) != 1 || rcs[0].Body != "typo (edited)" {
		t.Errorf("review comments = %+v", rcs)
	}

	dcs, err := DiffComments(base)
	if err != nil {
		t.Fatalf("DiffComments failed: %v", err)
	}
	if len(dcs) != 1 || dcs[0].Path != "sync.go" {
		t.Errorf("diff comments = %+v", dcs)
	}
}

func TestReadTaskAssemblesEverything(t *testing.T) {
	base, clock := newDoc(t)

	tx := NewTx(base, clock)
	tx.InitMeta(models.TaskMeta{Title: "T1", Status: models.StatusOpen, Owner: "agent-7", CreatedAt: testTime, UpdatedAt: testTime})
	tx.AddBlock(models.Block{ID: "b1", Content: "## goal"})
	tx.AppendComment(models.Comment{ID: "c1", Author: "ana", Body: "hi", At: testTime})
	tx.AddArtifact(models.Artifact{ID: "a1", URI: "a.txt", At: testTime})
	tx.AddDeliverable(models.Deliverable{ID: "d1", Path: "report.pdf", At: testTime})
	tx.UpsertPR(models.LinkedPR{Number: 5})
	tx.PutInputRequest(models.InputRequest{ID: "q1", Prompt: "?", State: models.InputPending, CreatedAt: testTime})
	commit(t, base, tx)

	task, err := ReadTask("T1", base)
	if err != nil {
		t.Fatalf("ReadTask failed: %v", err)
	}
	if task.ID != "T1" || task.Meta.Owner != "agent-7" {
		t.Errorf("task header = %+v", task.Meta)
	}
	if len(task.Blocks) != 1 || len(task.Comments) != 1 || len(task.Artifacts) != 1 ||
		len(task.Deliverables) != 1 || len(task.LinkedPRs) != 1 || len(task.InputRequests) != 1 {
		t.Errorf("collection counts wrong: %+v", task)
	}
}

func TestIndexRoundTrip(t *testing.T) {
	base, clock := newDoc(t)

	tx := NewTx(base, clock)
	tx.PutIndexEntry(models.TaskIndexEntry{TaskID: "T1", Title: "first", Status: models.StatusOpen, UpdatedAt: testTime})
	tx.PutIndexEntry(models.TaskIndexEntry{TaskID: "T2", Title: "second", Status: models.StatusInProgress, Owner: "agent-3", UpdatedAt: testTime})
	tx.PutGlobalInput(models.GlobalInputRequest{ID: "q1", TaskID: "T1", Prompt: "?", State: models.InputPending, CreatedAt: testTime})
	tx.TouchAgent(models.AgentInfo{ID: "agent-3", Name: "triage", LastSeen: testTime})
	commit(t, base, tx)

	entries, err := IndexEntries(base)
	if err != nil {
		t.Fatalf("IndexEntries failed: %v", err)
	}
	if len(entries) != 2 || entries[0].TaskID != "T1" || entries[1].Owner != "agent-3" {
		t.Errorf("entries = %+v", entries)
	}

	if e, ok := IndexEntry(base, "T2"); !ok || e.Title != "second" {
		t.Errorf("IndexEntry(T2) = %+v, %v", e, ok)
	}

	pending, err := PendingGlobalInputs(base)
	if err != nil {
		t.Fatalf("PendingGlobalInputs failed: %v", err)
	}
	if len(pending) != 1 || pending[0].TaskID != "T1" {
		t.Errorf("pending = %+v", pending)
	}

	tx = NewTx(base, clock)
	tx.SetGlobalInputState("q1", models.InputAnswered)
	commit(t, base, tx)
	pending, err = PendingGlobalInputs(base)
	if err != nil {
		t.Fatalf("PendingGlobalInputs failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after answer = %+v", pending)
	}

	agents, err := Agents(base)
	if err != nil {
		t.Fatalf("Agents failed: %v", err)
	}
	if len(agents) != 1 || agents[0].Name != "triage" {
		t.Errorf("agents = %+v", agents)
	}
}

func TestConcurrentMetaWritesConverge(t *testing.T) {
	// Two replicas edit different meta fields while disconnected; after
	// exchanging deltas both see both edits.
	stateA, clockA := crdt.NewState(), crdt.NewClock("a")
	stateB, clockB := crdt.NewState(), crdt.NewClock("b")

	seed := NewTx(stateA, clockA)
	seed.InitMeta(models.TaskMeta{Title: "T1", Status: models.StatusOpen, CreatedAt: testTime, UpdatedAt: testTime})
	stateA.Merge(seed.Delta())
	stateB.Merge(seed.Delta())
	clockB.Observe(seed.Delta().MaxStamp())

	txA := NewTx(stateA, clockA)
	txA.SetTitle("T1 (renamed)")
	stateA.Merge(txA.Delta())

	txB := NewTx(stateB, clockB)
	txB.SetOwner("agent-9")
	stateB.Merge(txB.Delta())

	stateA.Merge(txB.Delta())
	stateB.Merge(txA.Delta())

	metaA, err := Meta(stateA)
	if err != nil {
		t.Fatalf("Meta(A) failed: %v", err)
	}
	metaB, err := Meta(stateB)
	if err != nil {
		t.Fatalf("Meta(B) failed: %v", err)
	}
	if metaA != metaB {
		t.Fatalf("replicas diverged: %+v vs %+v", metaA, metaB)
	}
	if metaA.Title != "T1 (renamed)" || metaA.Owner != "agent-9" {
		t.Errorf("converged meta = %+v", metaA)
	}
}
