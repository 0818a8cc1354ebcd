// Package engine owns the in-memory CRDT replicas of open documents. It
// is the only component that touches replica state directly: mutations
// come in as staged transactions, remote deltas come in as bytes, and
// both flow through the same merge. Every committed change is persisted
// as a snapshot and handed to the transmitter for broadcast; neither step
// can fail a local write, which is what keeps writes available offline.
package engine

import (
	"fmt"
	"sync"

	"github.com/taskweave/taskweave/internal/crdt"
	"github.com/taskweave/taskweave/internal/document"
	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/internal/logging"
)

// SnapshotStore persists full document snapshots keyed by document ID.
// Load returns a not_found fault for documents never saved.
type SnapshotStore interface {
	SaveDocument(id string, data []byte) error
	LoadDocument(id string) ([]byte, error)
	ListDocuments() ([]string, error)
}

// Transmitter carries encoded deltas toward remote replicas. SendDelta
// must not block the caller; implementations queue or drop, since a
// reconnect re-syncs full state anyway.
type Transmitter interface {
	SendDelta(docID string, delta []byte)
}

// Engine manages one replica per open document for a single local
// replica identity.
type Engine struct {
	replica crdt.ReplicaID
	store   SnapshotStore
	log     *logging.Logger

	mu    sync.Mutex
	docs  map[string]*Handle
	loads map[string]*load

	txMu sync.RWMutex
	tx   Transmitter
}

// load tracks one in-flight document load so concurrent Opens of the same
// ID share a single store read.
type load struct {
	done chan struct{}
	h    *Handle
	err  error
}

// New creates an engine whose local writes are stamped as replica.
func New(replica string, store SnapshotStore, log *logging.Logger) *Engine {
	return &Engine{
		replica: crdt.ReplicaID(replica),
		store:   store,
		log:     log,
		docs:    make(map[string]*Handle),
		loads:   make(map[string]*load),
	}
}

// Replica returns the engine's replica identity.
func (e *Engine) Replica() string { return string(e.replica) }

// SetTransmitter wires the outbound delta path. The engine works without
// one; deltas are simply not broadcast until it is set.
func (e *Engine) SetTransmitter(t Transmitter) {
	e.txMu.Lock()
	e.tx = t
	e.txMu.Unlock()
}

func (e *Engine) transmit(docID string, delta []byte) {
	e.txMu.RLock()
	t := e.tx
	e.txMu.RUnlock()
	if t != nil {
		t.SendDelta(docID, delta)
	}
}

// Open returns the handle for a document, loading its last snapshot from
// the store or starting empty if none exists. Open is idempotent, and
// concurrent calls for the same ID share one load.
func (e *Engine) Open(id string) (*Handle, error) {
	if id == "" {
		return nil, fault.Validationf("document id must not be empty")
	}
	e.mu.Lock()
	if h, ok := e.docs[id]; ok {
		e.mu.Unlock()
		return h, nil
	}
	if l, ok := e.loads[id]; ok {
		e.mu.Unlock()
		<-l.done
		return l.h, l.err
	}
	l := &load{done: make(chan struct{})}
	e.loads[id] = l
	e.mu.Unlock()

	h, err := e.loadDocument(id)

	e.mu.Lock()
	delete(e.loads, id)
	if err == nil {
		// A racing ReceiveRemote may have registered the doc while we
		// were loading; keep the first one in.
		if existing, ok := e.docs[id]; ok {
			h = existing
		} else {
			e.docs[id] = h
		}
	}
	e.mu.Unlock()

	l.h, l.err = h, err
	close(l.done)
	return h, err
}

func (e *Engine) loadDocument(id string) (*Handle, error) {
	state := crdt.NewState()
	data, err := e.store.LoadDocument(id)
	switch {
	case fault.IsKind(err, fault.NotFound):
		// Fresh document.
	case err != nil:
		return nil, fmt.Errorf("loading document %s: %w", id, err)
	default:
		state, err = crdt.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decoding snapshot of %s: %w", id, err)
		}
	}

	clock := crdt.NewClock(e.replica)
	clock.Observe(state.MaxStamp())
	e.log.DebugEvent().Str("doc", id).Msg("document opened")
	return &Handle{
		id:    id,
		eng:   e,
		state: state,
		clock: clock,
		subs:  make(map[int]func(Change)),
	}, nil
}

// KnownDocs returns the IDs of every document this replica knows about:
// persisted snapshots plus anything opened in memory. Used to drive the
// full-state exchange on (re)connect.
func (e *Engine) KnownDocs() ([]string, error) {
	ids, err := e.store.ListDocuments()
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	e.mu.Lock()
	for id := range e.docs {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	return ids, nil
}

// ReceiveRemote merges an encoded delta (or full state, same shape) from
// the hub or a peer into the local replica. Re-delivery and reordering
// are harmless; the merge is idempotent and commutative.
func (e *Engine) ReceiveRemote(docID string, data []byte) error {
	delta, err := crdt.Decode(data)
	if err != nil {
		return fault.Wrap(fault.SchemaViolation, err, "undecodable delta for %s", docID)
	}
	h, err := e.Open(docID)
	if err != nil {
		return err
	}
	return h.merge(delta)
}

// Snapshot returns the current full state of a document, encoded.
func (e *Engine) Snapshot(id string) ([]byte, error) {
	h, err := e.Open(id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Encode()
}

// Update opens the document and applies fn as one atomic staged mutation.
func (e *Engine) Update(id string, fn func(tx *document.Tx) error) error {
	h, err := e.Open(id)
	if err != nil {
		return err
	}
	return h.Update(fn)
}

// Read opens the document and runs fn against its state under the
// replica lock. fn must not retain the state or call back into the
// engine.
func (e *Engine) Read(id string, fn func(s *crdt.State) error) error {
	h, err := e.Open(id)
	if err != nil {
		return err
	}
	return h.Read(fn)
}

// Subscribe opens the document and registers fn for change notification.
func (e *Engine) Subscribe(id string, fn func(Change)) (*Subscription, error) {
	h, err := e.Open(id)
	if err != nil {
		return nil, err
	}
	return h.Subscribe(fn), nil
}
