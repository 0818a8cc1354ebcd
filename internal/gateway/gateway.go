// Package gateway exposes task document mutations as MCP tools for AI
// coding agents. Every tool validates the agent's session, takes the
// task's serialization lock, stages its writes through a document Tx,
// and appends the matching event to the task's own log before the
// commit is announced on the daemon bus.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/taskweave/taskweave/internal/conn"
	"github.com/taskweave/taskweave/internal/crdt"
	"github.com/taskweave/taskweave/internal/document"
	"github.com/taskweave/taskweave/internal/engine"
	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/internal/logging"
	"github.com/taskweave/taskweave/internal/observability"
	"github.com/taskweave/taskweave/internal/sandbox"
	"github.com/taskweave/taskweave/internal/session"
	"github.com/taskweave/taskweave/pkg/models"
)

// Connectivity reports the sync layer's link state. read_task embeds it
// in every result so an agent can tell fresh data from a last-known
// offline copy.
type Connectivity interface {
	Status() conn.Status
}

// Deps carries the collaborators a gateway server drives. Engine is
// required; Net, Sessions, Runner, and Bus may be nil, which disables
// the staleness hint, session checks, execute_code, and bus events
// respectively.
type Deps struct {
	Engine   *engine.Engine
	Net      Connectivity
	Sessions *session.Manager
	Runner   *sandbox.Runner
	Bus      *observability.Bus
	AgentID  string
	Token    string
	Version  string
}

// Server wraps the sync engine and exposes it as MCP tools.
type Server struct {
	server   *gomcp.Server
	eng      *engine.Engine
	net      Connectivity
	sessions *session.Manager
	runner   *sandbox.Runner
	bus      *observability.Bus
	log      *logging.Logger
	agentID  string
	now      func() time.Time

	tokenMu sync.Mutex
	token   string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewServer creates the gateway server and registers its tool set.
func NewServer(deps Deps, log *logging.Logger) *Server {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	agentID := deps.AgentID
	if agentID == "" {
		agentID = "agent"
	}

	s := &Server{
		eng:      deps.Engine,
		net:      deps.Net,
		sessions: deps.Sessions,
		runner:   deps.Runner,
		bus:      deps.Bus,
		log:      log.WithComponent("gateway"),
		agentID:  agentID,
		now:      func() time.Time { return time.Now().UTC() },
		token:    deps.Token,
		locks:    make(map[string]*sync.Mutex),
	}

	s.server = gomcp.NewServer(
		&gomcp.Implementation{Name: "taskweave", Version: version},
		nil,
	)

	s.registerTools()

	return s
}

// Run serves the tool surface over stdio, blocking until the client
// disconnects or the context is cancelled. The agent's liveness row is
// refreshed once up front so the registry shows it before the first tool
// call.
func (s *Server) Run(ctx context.Context) error {
	s.touchAgent()
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for testing purposes.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// taskLock returns the serialization lock for one task. At most one
// invocation may be mid-flight against a task, including the whole of an
// execute_code run and its commit; different tasks proceed independently.
func (s *Server) taskLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// precheck runs the invocation-wide preconditions: the session must
// still validate against the store (it may have been rotated elsewhere),
// and the calling agent's liveness row is refreshed.
func (s *Server) precheck() *gomcp.CallToolResult {
	if err := s.validateSession(); err != nil {
		return errorResult(err.Error())
	}
	s.touchAgent()
	return nil
}

func (s *Server) validateSession() error {
	if s.sessions == nil {
		return nil
	}
	s.tokenMu.Lock()
	token := s.token
	s.tokenMu.Unlock()
	return s.sessions.Validate(token)
}

func (s *Server) setToken(token string) {
	s.tokenMu.Lock()
	s.token = token
	s.tokenMu.Unlock()
}

// touchAgent refreshes this agent's liveness row in the index. Liveness
// is advisory; a failure logs and never fails the tool call.
func (s *Server) touchAgent() {
	err := s.eng.Update(models.IndexDocID, func(tx *document.Tx) error {
		tx.TouchAgent(models.AgentInfo{ID: s.agentID, LastSeen: s.now()})
		return nil
	})
	if err != nil {
		s.log.WarnEvent().Err(err).Msg("agent liveness refresh failed")
	}
}

// openTask opens an existing task document. Unknown IDs surface as
// not_found: the engine itself starts blank documents (so remote-created
// tasks can merge in before their first local open), but the tool
// surface must not mutate a task nobody created.
func (s *Server) openTask(id string) (*engine.Handle, error) {
	if id == "" {
		return nil, fault.Validationf("task_id is required")
	}
	h, err := s.eng.Open(id)
	if err != nil {
		return nil, err
	}
	exists := false
	if err := h.Read(func(st *crdt.State) error {
		exists = document.Exists(st)
		return nil
	}); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fault.NotFoundf("task %s not found", id)
	}
	return h, nil
}

// docEvent builds one entry for a task's own event log.
func (s *Server) docEvent(typ string, data map[string]string) models.Event {
	return models.Event{
		ID:    uuid.NewString(),
		Type:  typ,
		Actor: s.agentID,
		At:    s.now(),
		Data:  data,
	}
}

// emit publishes a named event on the daemon bus. The same event name
// was already appended to the task's CRDT event log inside the
// committing Tx; the bus copy is the process-local side channel feeding
// the JSONL trail and any external subscriber.
func (s *Server) emit(typ, taskID, msg string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(typ, taskID, s.agentID, msg, data)
}

// indexUpdate applies fn to the shared index document. Index rows are
// derived data; a failure logs and the primary mutation stands.
func (s *Server) indexUpdate(fn func(tx *document.Tx)) {
	err := s.eng.Update(models.IndexDocID, func(tx *document.Tx) error {
		fn(tx)
		return nil
	})
	if err != nil {
		s.log.WarnEvent().Err(err).Msg("index update failed")
	}
}

// putIndexEntry refreshes a task's summary row from its current meta.
func (s *Server) putIndexEntry(taskID string, meta models.TaskMeta) {
	s.indexUpdate(func(tx *document.Tx) {
		tx.PutIndexEntry(models.TaskIndexEntry{
			TaskID:    taskID,
			Title:     meta.Title,
			Status:    meta.Status,
			Owner:     meta.Owner,
			UpdatedAt: meta.UpdatedAt,
		})
	})
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}
