package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskweave/taskweave/internal/logging"
	"github.com/taskweave/taskweave/internal/transport"
)

// State is the hub connection lifecycle. Peer connections do not move
// this state; they only contribute to the derived Connected signal.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Status is a point-in-time connectivity snapshot.
type Status struct {
	Hub     State
	Peers   int
	Attempt int
}

// Connected reports whether any route to another replica exists. A live
// peer link counts even while the hub is down.
func (s Status) Connected() bool {
	return s.Hub == StateConnected || s.Peers > 0
}

// Summary renders the status for humans.
func (s Status) Summary() string {
	var hub string
	switch s.Hub {
	case StateConnected:
		hub = "hub connected"
	case StateConnecting:
		hub = "hub connecting"
	case StateReconnecting:
		hub = fmt.Sprintf("hub reconnecting (attempt %d)", s.Attempt)
	default:
		hub = "hub disconnected"
	}
	switch {
	case s.Peers == 1:
		return hub + ", 1 peer"
	case s.Peers > 1:
		return fmt.Sprintf("%s, %d peers", hub, s.Peers)
	case s.Connected():
		return hub
	default:
		return hub + ", offline"
	}
}

// DeltaSink is the engine-facing surface the manager feeds. Remote frames
// go in through ReceiveRemote; the full-state exchange on attach reads
// KnownDocs and Snapshot back out.
type DeltaSink interface {
	ReceiveRemote(docID string, data []byte) error
	KnownDocs() ([]string, error)
	Snapshot(docID string) ([]byte, error)
}

// session is one live socket. *transport.Conn satisfies it; tests inject
// fakes to drive the state machine without real listeners.
type session interface {
	Send(f transport.Frame) error
	SendWait(f transport.Frame) error
	Run(ctx context.Context, onFrame func(transport.Frame)) error
	Close() error
	RemoteAddr() string
}

// Config selects the hub and the optional direct peers.
type Config struct {
	Replica  string
	HubHost  string
	HubPorts []int
	HubURL   string // explicit hub URL, overrides HubHost/HubPorts when set
	PeerURLs []string
	Backoff  Backoff
}

// Manager runs the hub reconnection loop and one loop per configured
// peer. It implements the engine's Transmitter, fanning local deltas out
// to every live session, and merges inbound frames into the sink.
type Manager struct {
	cfg  Config
	sink DeltaSink
	log  *logging.Logger

	dialHub  func(ctx context.Context) (session, error)
	dialPeer func(ctx context.Context, url string) (session, error)

	retryNow chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// notifyMu serializes watcher deliveries; hub and peer loops change
	// state concurrently, and interleaved deliveries could land stale.
	notifyMu sync.Mutex

	mu        sync.Mutex
	hubState  State
	attempt   int
	hub       session
	peers     map[string]session
	watchers  map[int]func(Status)
	nextWatch int
	last      Status
	notified  bool
}

// NewManager wires a manager to its sink. Start must be called before any
// connection is attempted.
func NewManager(cfg Config, sink DeltaSink, log *logging.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		sink:     sink,
		log:      log.WithComponent("conn"),
		retryNow: make(chan struct{}, 1),
		hubState: StateDisconnected,
		peers:    make(map[string]session),
		watchers: make(map[int]func(Status)),
	}
	m.dialHub = func(ctx context.Context) (session, error) {
		if cfg.HubURL != "" {
			c, err := transport.DialURL(ctx, cfg.HubURL, log)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
		c, err := transport.Dial(ctx, cfg.HubHost, cfg.HubPorts, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	m.dialPeer = func(ctx context.Context, url string) (session, error) {
		c, err := transport.DialURL(ctx, url, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return m
}

// Start launches the hub loop and the peer loops. The loops stop when ctx
// is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.hubLoop(ctx)
	for _, u := range m.cfg.PeerURLs {
		m.wg.Add(1)
		go m.peerLoop(ctx, u)
	}
}

// Stop cancels the loops and waits for them to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Status returns the current connectivity snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Connected reports whether any replica is reachable right now.
func (m *Manager) Connected() bool {
	return m.Status().Connected()
}

// Retry requests an immediate hub reconnect. While the manager is already
// connecting or connected it is a no-op, and repeated calls while one
// request is pending coalesce instead of queueing.
func (m *Manager) Retry() {
	m.mu.Lock()
	st := m.hubState
	m.mu.Unlock()
	if st == StateConnecting || st == StateConnected {
		return
	}
	select {
	case m.retryNow <- struct{}{}:
	default:
	}
}

// Watch is a registered status callback.
type Watch struct {
	cancel func()
}

// Cancel stops further notifications.
func (w *Watch) Cancel() { w.cancel() }

// OnChange registers fn to run on every connectivity change. It fires for
// hub state moves and for peers attaching or detaching, never twice for
// the same status.
func (m *Manager) OnChange(fn func(Status)) *Watch {
	m.mu.Lock()
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = fn
	m.mu.Unlock()
	return &Watch{cancel: func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}}
}

// SendDelta broadcasts a local delta to the hub and every live peer.
// Failures are logged and absorbed; the full-state exchange on the next
// attach re-delivers anything lost here.
func (m *Manager) SendDelta(docID string, delta []byte) {
	f := transport.Frame{Kind: transport.KindDelta, Doc: docID, From: m.cfg.Replica, Payload: delta}
	for _, s := range m.sessions() {
		if err := s.Send(f); err != nil {
			m.log.DebugEvent().Err(err).Str("doc", docID).Str("remote", s.RemoteAddr()).Msg("delta send failed")
		}
	}
}

func (m *Manager) sessions() []session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]session, 0, 1+len(m.peers))
	if m.hub != nil {
		out = append(out, m.hub)
	}
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

func (m *Manager) hubLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		if ctx.Err() != nil {
			m.setHubState(StateDisconnected)
			return
		}
		m.setHubState(StateConnecting)
		s, err := m.dialHub(ctx)
		if err != nil {
			m.mu.Lock()
			m.attempt++
			attempt := m.attempt
			m.mu.Unlock()
			m.log.DebugEvent().Err(err).Int("attempt", attempt).Msg("hub dial failed")
			m.setHubState(StateReconnecting)
			if !m.waitRetry(ctx, m.cfg.Backoff.Delay(attempt)) {
				m.setHubState(StateDisconnected)
				return
			}
			continue
		}

		m.mu.Lock()
		m.hub = s
		m.attempt = 0
		m.mu.Unlock()
		m.setHubState(StateConnected)
		m.log.InfoEvent().Str("remote", s.RemoteAddr()).Msg("hub connected")
		m.syncSession(s)

		err = s.Run(ctx, m.handleFrame)
		m.mu.Lock()
		m.hub = nil
		m.mu.Unlock()
		if ctx.Err() != nil {
			m.setHubState(StateDisconnected)
			return
		}
		m.mu.Lock()
		m.attempt++
		attempt := m.attempt
		m.mu.Unlock()
		m.log.WarnEvent().Err(err).Msg("hub connection lost")
		m.setHubState(StateReconnecting)
		if !m.waitRetry(ctx, m.cfg.Backoff.Delay(attempt)) {
			m.setHubState(StateDisconnected)
			return
		}
	}
}

func (m *Manager) peerLoop(ctx context.Context, url string) {
	defer m.wg.Done()
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		s, err := m.dialPeer(ctx, url)
		if err != nil {
			attempt++
			m.log.DebugEvent().Err(err).Str("peer", url).Msg("peer dial failed")
			if !sleepCtx(ctx, m.cfg.Backoff.Delay(attempt)) {
				return
			}
			continue
		}
		attempt = 0
		m.attachPeer(url, s)
		m.log.InfoEvent().Str("peer", url).Msg("peer connected")
		m.syncSession(s)

		err = s.Run(ctx, m.handleFrame)
		m.detachPeer(url)
		if ctx.Err() != nil {
			return
		}
		m.log.DebugEvent().Err(err).Str("peer", url).Msg("peer connection lost")
		attempt = 1
		if !sleepCtx(ctx, m.cfg.Backoff.Delay(attempt)) {
			return
		}
	}
}

// waitRetry sleeps for the backoff window but wakes early on a manual
// retry request.
func (m *Manager) waitRetry(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.retryNow:
		return true
	case <-t.C:
		return true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// syncSession runs the full-state exchange that makes dropped deltas
// safe: introduce ourselves, then send a snapshot of every known doc.
// Sends here wait for queue room, so a document set larger than one
// outbound queue still arrives complete.
func (m *Manager) syncSession(s session) {
	hello := transport.Frame{Kind: transport.KindHello, From: m.cfg.Replica}
	if err := s.SendWait(hello); err != nil {
		m.log.WarnEvent().Err(err).Msg("hello failed")
		return
	}
	ids, err := m.sink.KnownDocs()
	if err != nil {
		m.log.Err(err).Msg("listing docs for sync")
		return
	}
	for _, id := range ids {
		snap, err := m.sink.Snapshot(id)
		if err != nil {
			m.log.Err(err).Str("doc", id).Msg("snapshotting doc for sync")
			continue
		}
		f := transport.Frame{Kind: transport.KindState, Doc: id, From: m.cfg.Replica, Payload: snap}
		if err := s.SendWait(f); err != nil {
			m.log.DebugEvent().Err(err).Str("doc", id).Msg("state send failed")
		}
	}
}

func (m *Manager) handleFrame(f transport.Frame) {
	switch f.Kind {
	case transport.KindHello:
		m.log.DebugEvent().Str("from", f.From).Msg("remote hello")
	case transport.KindState, transport.KindDelta:
		if err := m.sink.ReceiveRemote(f.Doc, f.Payload); err != nil {
			m.log.Err(err).Str("doc", f.Doc).Str("from", f.From).Msg("merging remote frame")
		}
	default:
		m.log.WarnEvent().Str("kind", f.Kind).Msg("unknown frame kind")
	}
}

func (m *Manager) attachPeer(url string, s session) {
	m.mu.Lock()
	m.peers[url] = s
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) detachPeer(url string) {
	m.mu.Lock()
	delete(m.peers, url)
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) setHubState(st State) {
	m.mu.Lock()
	m.hubState = st
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) statusLocked() Status {
	return Status{Hub: m.hubState, Peers: len(m.peers), Attempt: m.attempt}
}

// notify recomputes the status and fans it out, suppressing duplicates so
// watchers see each change exactly once. Deliveries run one at a time
// with the status recomputed under notifyMu, so the last delivery always
// carries the newest transition.
func (m *Manager) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	st := m.statusLocked()
	if m.notified && st == m.last {
		m.mu.Unlock()
		return
	}
	m.last = st
	m.notified = true
	fns := make([]func(Status), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
