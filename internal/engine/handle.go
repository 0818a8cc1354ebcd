package engine

import (
	"fmt"
	"sync"

	"github.com/taskweave/taskweave/internal/crdt"
	"github.com/taskweave/taskweave/internal/document"
	"github.com/taskweave/taskweave/pkg/models"
)

// Origin says which side of the wire a change came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Change describes one committed change to a document.
type Change struct {
	DocID  string
	Origin Origin
}

// Subscription is the cancellation handle returned by Subscribe.
type Subscription struct {
	cancel func()
}

// Cancel stops future deliveries. A delivery already in flight on another
// goroutine may still arrive once.
func (s *Subscription) Cancel() { s.cancel() }

// Handle is the engine's per-document replica: state, clock, and
// subscribers behind one lock. All access to the replica goes through it.
type Handle struct {
	id  string
	eng *Engine

	mu      sync.Mutex
	state   *crdt.State
	clock   *crdt.Clock
	subs    map[int]func(Change)
	nextSub int
}

// ID returns the document ID.
func (h *Handle) ID() string { return h.id }

// Update applies fn as one staged mutation. The delta commits only if fn
// returns nil; on error nothing reaches the replica. After commit the
// snapshot is persisted, the delta is handed to the transmitter, and
// subscribers run synchronously on the calling goroutine. A persist or
// transmit problem never fails the write.
func (h *Handle) Update(fn func(tx *document.Tx) error) error {
	h.mu.Lock()
	tx := document.NewTx(h.state, h.clock)
	if err := fn(tx); err != nil {
		h.mu.Unlock()
		return err
	}
	if tx.Empty() {
		h.mu.Unlock()
		return nil
	}
	delta := tx.Delta()
	encoded, err := delta.Encode()
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("encoding delta for %s: %w", h.id, err)
	}
	h.state.Merge(delta)
	snapshot, snapErr := h.state.Encode()
	subs := h.subscribers()
	h.mu.Unlock()

	h.persist(snapshot, snapErr)
	h.eng.transmit(h.id, encoded)
	deliver(subs, Change{DocID: h.id, Origin: OriginLocal})
	return nil
}

// merge folds a decoded remote delta into the replica. No-op merges are
// not persisted, re-broadcast, or announced.
func (h *Handle) merge(delta *crdt.State) error {
	h.mu.Lock()
	changed := h.state.Merge(delta)
	if !changed {
		h.mu.Unlock()
		return nil
	}
	h.clock.Observe(delta.MaxStamp())
	h.validate()
	snapshot, snapErr := h.state.Encode()
	subs := h.subscribers()
	h.mu.Unlock()

	h.persist(snapshot, snapErr)
	deliver(subs, Change{DocID: h.id, Origin: OriginRemote})
	return nil
}

// validate logs structural problems after a remote merge. A join is never
// rejected, and partial shapes are expected while deliveries are in
// flight, so findings stay at debug level. Caller holds h.mu.
func (h *Handle) validate() {
	var err error
	if h.id == models.IndexDocID {
		err = document.ValidateIndex(h.state)
	} else {
		err = document.ValidateTask(h.state)
	}
	if err != nil {
		h.eng.log.DebugEvent().Err(err).Str("doc", h.id).Msg("document shape incomplete after merge")
	}
}

// Read runs fn against the replica state under the lock. fn must not
// retain the state or call back into the engine.
func (h *Handle) Read(fn func(s *crdt.State) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h.state)
}

// Subscribe registers fn to run after every committed change, on the
// goroutine that committed it, with the replica lock released.
func (h *Handle) Subscribe(fn func(Change)) *Subscription {
	h.mu.Lock()
	key := h.nextSub
	h.nextSub++
	h.subs[key] = fn
	h.mu.Unlock()
	return &Subscription{cancel: func() {
		h.mu.Lock()
		delete(h.subs, key)
		h.mu.Unlock()
	}}
}

func (h *Handle) subscribers() []func(Change) {
	out := make([]func(Change), 0, len(h.subs))
	for _, fn := range h.subs {
		out = append(out, fn)
	}
	return out
}

func deliver(subs []func(Change), c Change) {
	for _, fn := range subs {
		fn(c)
	}
}

func (h *Handle) persist(snapshot []byte, encErr error) {
	if encErr != nil {
		h.eng.log.Err(encErr).Str("doc", h.id).Msg("encoding snapshot failed")
		return
	}
	if err := h.eng.store.SaveDocument(h.id, snapshot); err != nil {
		h.eng.log.Err(err).Str("doc", h.id).Msg("persisting snapshot failed")
	}
}
