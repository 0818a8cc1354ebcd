package hub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/taskweave/taskweave/internal/conn"
	"github.com/taskweave/taskweave/internal/crdt"
	"github.com/taskweave/taskweave/internal/document"
	"github.com/taskweave/taskweave/internal/engine"
	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/internal/logging"
	"github.com/taskweave/taskweave/internal/transport"
	"github.com/taskweave/taskweave/pkg/models"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newMemStore() *memStore { return &memStore{docs: make(map[string][]byte)} }

func (s *memStore) SaveDocument(id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) LoadDocument(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.docs[id]
	if !ok {
		return nil, fault.NotFoundf("no document %s", id)
	}
	return append([]byte(nil), data...), nil
}

func (s *memStore) ListDocuments() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func startHub(t *testing.T, ctx context.Context) (*Hub, string) {
	t.Helper()
	eng := engine.New("hub", newMemStore(), logging.Discard())
	h := New(eng, logging.Discard())
	ln, port, err := transport.Listen([]int{0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = h.Run(ctx, ln) }()
	return h, transport.HubURL("127.0.0.1", port)
}

type daemon struct {
	eng *engine.Engine
	mgr *conn.Manager
}

func newDaemon(replica string) *daemon {
	return &daemon{eng: engine.New(replica, newMemStore(), logging.Discard())}
}

func (d *daemon) connect(ctx context.Context, hubURL string) {
	cfg := conn.Config{
		Replica: d.eng.Replica(),
		HubURL:  hubURL,
		Backoff: conn.Backoff{Initial: 10 * time.Millisecond, Max: 100 * time.Millisecond, Factor: 2},
	}
	d.mgr = conn.NewManager(cfg, d.eng, logging.Discard())
	d.eng.SetTransmitter(d.mgr)
	d.mgr.Start(ctx)
}

func createTask(t *testing.T, eng *engine.Engine, id, title string) {
	t.Helper()
	err := eng.Update(id, func(tx *document.Tx) error {
		tx.InitMeta(models.TaskMeta{Title: title, Status: models.StatusOpen, CreatedAt: testTime, UpdatedAt: testTime})
		return nil
	})
	if err != nil {
		t.Fatalf("creating %s: %v", id, err)
	}
}

func waitFor(t *testing.T, what string, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func artifactCount(eng *engine.Engine, docID string) (int, error) {
	var n int
	err := eng.Read(docID, func(s *crdt.State) error {
		arts, err := document.Artifacts(s)
		if err != nil {
			return err
		}
		n = len(arts)
		return nil
	})
	return n, err
}

func readMeta(eng *engine.Engine, docID string) (models.TaskMeta, error) {
	var meta models.TaskMeta
	err := eng.Read(docID, func(s *crdt.State) error {
		m, err := document.Meta(s)
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	return meta, err
}

func TestOfflineEditsConvergeOnHub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Edits land locally before any connection exists.
	alpha := newDaemon("alpha")
	createTask(t, alpha.eng, "t1", "Ship the importer")
	err := alpha.eng.Update("t1", func(tx *document.Tx) error {
		tx.AddArtifact(models.Artifact{ID: "a1", URI: "file:///tmp/report.pdf", Kind: "file", By: "alpha", At: testTime})
		return nil
	})
	if err != nil {
		t.Fatalf("adding artifact offline: %v", err)
	}

	h, hubURL := startHub(t, ctx)
	alpha.connect(ctx, hubURL)
	defer alpha.mgr.Stop()

	waitFor(t, "hub to receive the offline edits", func() bool {
		n, err := artifactCount(h.eng, "t1")
		return err == nil && n == 1
	})

	meta, err := readMeta(h.eng, "t1")
	if err != nil {
		t.Fatalf("reading hub meta: %v", err)
	}
	if meta.Title != "Ship the importer" || meta.Status != models.StatusOpen {
		t.Errorf("hub meta = %q/%s, want offline title and open status", meta.Title, meta.Status)
	}

	// The full snapshot and any queued delta cover the same edits; the
	// merged result must not duplicate the artifact.
	n, err := artifactCount(h.eng, "t1")
	if err != nil || n != 1 {
		t.Errorf("hub artifact count = %d (err %v), want exactly 1", n, err)
	}
}

func TestAttachSyncsBacklogLargerThanSendQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 300 documents outnumber one connection's outbound queue, so the
	// attach exchange has to outlive a full buffer to deliver them all.
	const docCount = 300

	alpha := newDaemon("alpha")
	for i := 0; i < docCount; i++ {
		createTask(t, alpha.eng, fmt.Sprintf("t%03d", i), fmt.Sprintf("Task %03d", i))
	}

	h, hubURL := startHub(t, ctx)
	alpha.connect(ctx, hubURL)
	defer alpha.mgr.Stop()

	waitFor(t, "hub to receive the whole backlog", func() bool {
		ids, err := h.eng.KnownDocs()
		return err == nil && len(ids) == docCount
	})

	// The document set is sent in lexical order; the last one is the
	// first to go missing when the tail is cut.
	meta, err := readMeta(h.eng, fmt.Sprintf("t%03d", docCount-1))
	if err != nil {
		t.Fatalf("reading the last document: %v", err)
	}
	if want := fmt.Sprintf("Task %03d", docCount-1); meta.Title != want {
		t.Errorf("last document title = %q, want %q", meta.Title, want)
	}
}

func TestLateJoinerReceivesFullState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, hubURL := startHub(t, ctx)

	alpha := newDaemon("alpha")
	alpha.connect(ctx, hubURL)
	defer alpha.mgr.Stop()
	createTask(t, alpha.eng, "t1", "Ship the importer")
	err := alpha.eng.Update("t1", func(tx *document.Tx) error {
		tx.AddArtifact(models.Artifact{ID: "a1", URI: "s3://bucket/out.tar", By: "alpha", At: testTime})
		return nil
	})
	if err != nil {
		t.Fatalf("adding artifact: %v", err)
	}
	waitFor(t, "hub to hold the task", func() bool {
		n, err := artifactCount(h.eng, "t1")
		return err == nil && n == 1
	})

	// A replica that was never online while alpha wrote still gets
	// everything, straight from the hub's own copy.
	beta := newDaemon("beta")
	beta.connect(ctx, hubURL)
	defer beta.mgr.Stop()

	waitFor(t, "late joiner to converge", func() bool {
		n, err := artifactCount(beta.eng, "t1")
		if err != nil || n != 1 {
			return false
		}
		meta, err := readMeta(beta.eng, "t1")
		return err == nil && meta.Title == "Ship the importer"
	})
}

func TestHubRelaysBetweenLiveClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, hubURL := startHub(t, ctx)

	alpha := newDaemon("alpha")
	beta := newDaemon("beta")
	alpha.connect(ctx, hubURL)
	defer alpha.mgr.Stop()
	beta.connect(ctx, hubURL)
	defer beta.mgr.Stop()
	waitFor(t, "both clients to attach", func() bool { return h.Clients() == 2 })

	createTask(t, alpha.eng, "t1", "Ship the importer")
	waitFor(t, "beta to see alpha's task", func() bool {
		meta, err := readMeta(beta.eng, "t1")
		return err == nil && meta.Title == "Ship the importer"
	})

	err := beta.eng.Update("t1", func(tx *document.Tx) error {
		tx.SetStatus(models.StatusInProgress)
		tx.Touch(testTime.Add(time.Minute))
		return nil
	})
	if err != nil {
		t.Fatalf("updating status on beta: %v", err)
	}
	waitFor(t, "alpha to see beta's status change", func() bool {
		meta, err := readMeta(alpha.eng, "t1")
		return err == nil && meta.Status == models.StatusInProgress
	})

	meta, err := readMeta(h.eng, "t1")
	if err != nil {
		t.Fatalf("reading hub meta: %v", err)
	}
	if meta.Status != models.StatusInProgress {
		t.Errorf("hub status = %s, want relay to update the hub's own copy", meta.Status)
	}
}
