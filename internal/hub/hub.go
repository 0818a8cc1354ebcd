// Package hub implements the relay that connects daemons which cannot
// reach each other directly. The hub is itself a full replica: every
// frame a client pushes is merged into the hub's own engine before being
// rebroadcast, so a client that attaches later still receives the
// complete state even when the original writer is long gone.
package hub

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/taskweave/taskweave/internal/engine"
	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/internal/logging"
	"github.com/taskweave/taskweave/internal/transport"
)

const shutdownGrace = 5 * time.Second

// Hub relays frames between attached clients and keeps its own merged
// copy of every document it has seen.
type Hub struct {
	eng *engine.Engine
	log *logging.Logger

	ctx context.Context

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn    *transport.Conn
	replica string
}

// New wraps an engine as a relay. The engine's store decides whether the
// hub's copy survives restarts.
func New(eng *engine.Engine, log *logging.Logger) *Hub {
	return &Hub{
		eng:     eng,
		log:     log.WithComponent("hub"),
		ctx:     context.Background(),
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of attached sessions.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run serves the sync endpoint on ln until ctx is cancelled. Client
// sessions share ctx, so cancelling tears the whole relay down.
func (h *Hub) Run(ctx context.Context, ln net.Listener) error {
	h.ctx = ctx
	mux := http.NewServeMux()
	mux.Handle(transport.SyncPath, h)
	srv := &http.Server{Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	h.log.InfoEvent().Str("addr", ln.Addr().String()).Msg("hub listening")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fault.Wrap(fault.Transport, err, "hub server failed")
	}
}

// ServeHTTP upgrades one client and runs its relay session. New clients
// receive the hub's full known state before any live traffic.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r, h.log)
	if err != nil {
		h.log.WarnEvent().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}
	cl := &client{conn: conn}

	h.mu.Lock()
	h.clients[cl] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.InfoEvent().Str("remote", conn.RemoteAddr()).Int("clients", n).Msg("client attached")

	h.sendKnownState(cl)
	runErr := conn.Run(h.ctx, func(f transport.Frame) { h.handleFrame(cl, f) })

	h.mu.Lock()
	delete(h.clients, cl)
	n = len(h.clients)
	h.mu.Unlock()
	h.log.InfoEvent().Err(runErr).Str("remote", conn.RemoteAddr()).Int("clients", n).Msg("client detached")
}

// sendKnownState pushes a hello and a snapshot of every document the hub
// knows. Sends wait for queue room so a backlog larger than one outbound
// queue still reaches the client complete.
func (h *Hub) sendKnownState(cl *client) {
	hello := transport.Frame{Kind: transport.KindHello, From: h.eng.Replica()}
	if err := cl.conn.SendWait(hello); err != nil {
		h.log.WarnEvent().Err(err).Msg("hello failed")
		return
	}
	ids, err := h.eng.KnownDocs()
	if err != nil {
		h.log.Err(err).Msg("listing docs for client sync")
		return
	}
	for _, id := range ids {
		snap, err := h.eng.Snapshot(id)
		if err != nil {
			h.log.Err(err).Str("doc", id).Msg("snapshotting doc for client sync")
			continue
		}
		f := transport.Frame{Kind: transport.KindState, Doc: id, From: h.eng.Replica(), Payload: snap}
		if err := cl.conn.SendWait(f); err != nil {
			h.log.DebugEvent().Err(err).Str("doc", id).Msg("state send failed")
		}
	}
}

func (h *Hub) handleFrame(from *client, f transport.Frame) {
	switch f.Kind {
	case transport.KindHello:
		h.mu.Lock()
		from.replica = f.From
		h.mu.Unlock()
		h.log.DebugEvent().Str("replica", f.From).Msg("client hello")
	case transport.KindState, transport.KindDelta:
		if err := h.eng.ReceiveRemote(f.Doc, f.Payload); err != nil {
			h.log.Err(err).Str("doc", f.Doc).Str("from", f.From).Msg("merging client frame")
			return
		}
		h.rebroadcast(from, f)
	default:
		h.log.WarnEvent().Str("kind", f.Kind).Msg("unknown frame kind")
	}
}

// rebroadcast forwards a merged frame to every client except its sender.
func (h *Hub) rebroadcast(from *client, f transport.Frame) {
	h.mu.Lock()
	others := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		if cl != from {
			others = append(others, cl)
		}
	}
	h.mu.Unlock()
	for _, cl := range others {
		if err := cl.conn.Send(f); err != nil {
			h.log.DebugEvent().Err(err).Str("doc", f.Doc).Str("remote", cl.conn.RemoteAddr()).Msg("relay send failed")
		}
	}
}
