package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/taskweave/taskweave/internal/crdt"
	"github.com/taskweave/taskweave/internal/document"
	"github.com/taskweave/taskweave/internal/engine"
	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/internal/sandbox"
	"github.com/taskweave/taskweave/pkg/models"
)

// --- Tool input/output types ---

type createTaskInput struct {
	Title string `json:"title" jsonschema:"required,short human-readable task title"`
	Owner string `json:"owner,omitempty" jsonschema:"agent or person responsible for the task"`
}

type createTaskOutput struct {
	TaskID  string `json:"task_id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Created string `json:"created"`
}

type readTaskInput struct {
	TaskID string `json:"task_id" jsonschema:"required,the task document identifier"`
}

type taskOutput struct {
	ID            string              `json:"id"`
	Title         string              `json:"title"`
	Status        string              `json:"status"`
	Owner         string              `json:"owner,omitempty"`
	Created       string              `json:"created"`
	Updated       string              `json:"updated"`
	Blocks        []blockOutput       `json:"blocks,omitempty"`
	Comments      []commentOutput     `json:"comments,omitempty"`
	Events        []eventOutput       `json:"events,omitempty"`
	Artifacts     []artifactOutput    `json:"artifacts,omitempty"`
	Deliverables  []deliverableOutput `json:"deliverables,omitempty"`
	LinkedPRs     []prOutput          `json:"linked_prs,omitempty"`
	InputRequests []inputOutput       `json:"input_requests,omitempty"`
}

type blockOutput struct {
	ID      string `json:"id"`
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content"`
}

type commentOutput struct {
	ID     string `json:"id"`
	Author string `json:"author"`
	Body   string `json:"body"`
	At     string `json:"at"`
}

type eventOutput struct {
	ID    string            `json:"id"`
	Type  string            `json:"type"`
	Actor string            `json:"actor"`
	At    string            `json:"at"`
	Data  map[string]string `json:"data,omitempty"`
}

type artifactOutput struct {
	ID   string            `json:"id"`
	URI  string            `json:"uri"`
	Kind string            `json:"kind,omitempty"`
	Meta map[string]string `json:"meta,omitempty"`
	By   string            `json:"by,omitempty"`
	At   string            `json:"at"`
}

type deliverableOutput struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	Kind        string `json:"kind,omitempty"`
	Description string `json:"description,omitempty"`
	At          string `json:"at"`
}

type prOutput struct {
	Number         int    `json:"number"`
	Title          string `json:"title,omitempty"`
	URL            string `json:"url,omitempty"`
	NotifyOnReview bool   `json:"notify_on_review"`
}

type inputOutput struct {
	ID          string `json:"id"`
	Prompt      string `json:"prompt"`
	RequestedBy string `json:"requested_by,omitempty"`
	State       string `json:"state"`
	Response    string `json:"response,omitempty"`
	Created     string `json:"created,omitempty"`
	Resolved    string `json:"resolved,omitempty"`
}

type readTaskOutput struct {
	Task         taskOutput `json:"task"`
	Connected    bool       `json:"connected"`
	Connectivity string     `json:"connectivity"`
}

type updateTaskInput struct {
	TaskID string `json:"task_id" jsonschema:"required,the task document identifier"`
	Title  string `json:"title,omitempty" jsonschema:"new task title"`
	Status string `json:"status,omitempty" jsonschema:"new status (open, in_progress, blocked, completed)"`
	Owner  string `json:"owner,omitempty" jsonschema:"new owner"`
	Reopen bool   `json:"reopen,omitempty" jsonschema:"set true to move a completed task back to open"`
}

type updateTaskOutput struct {
	TaskID  string `json:"task_id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Owner   string `json:"owner,omitempty"`
	Message string `json:"message"`
}

type completeTaskInput struct {
	TaskID  string `json:"task_id" jsonschema:"required,the task document identifier"`
	Summary string `json:"summary,omitempty" jsonschema:"closing summary recorded as a comment"`
}

type completeTaskOutput struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type addArtifactInput struct {
	TaskID string            `json:"task_id" jsonschema:"required,the task document identifier"`
	URI    string            `json:"uri" jsonschema:"required,artifact location (path or URL)"`
	Kind   string            `json:"kind,omitempty" jsonschema:"artifact kind (e.g. file, log, screenshot)"`
	Meta   map[string]string `json:"meta,omitempty" jsonschema:"free-form artifact metadata"`
}

type addArtifactOutput struct {
	ArtifactID string `json:"artifact_id"`
	Message    string `json:"message"`
}

type linkPRInput struct {
	TaskID string `json:"task_id" jsonschema:"required,the task document identifier"`
	Number int    `json:"number" jsonschema:"required,pull request number"`
	Title  string `json:"title,omitempty" jsonschema:"pull request title"`
	URL    string `json:"url,omitempty" jsonschema:"pull request URL"`
}

type linkPROutput struct {
	Number  int    `json:"number"`
	Created bool   `json:"created"`
	Message string `json:"message"`
}

type updateBlockContentInput struct {
	TaskID  string `json:"task_id" jsonschema:"required,the task document identifier"`
	BlockID string `json:"block_id" jsonschema:"required,the content block identifier"`
	Content string `json:"content" jsonschema:"required,replacement block content"`
}

type updateBlockContentOutput struct {
	BlockID string `json:"block_id"`
	Message string `json:"message"`
}

type requestUserInputInput struct {
	TaskID string `json:"task_id" jsonschema:"required,the task document identifier"`
	Prompt string `json:"prompt" jsonschema:"required,the question to put to a human"`
}

type requestUserInputOutput struct {
	RequestID string `json:"request_id"`
	State     string `json:"state"`
}

type executeCodeInput struct {
	TaskID string `json:"task_id" jsonschema:"required,the task document identifier"`
	Code   string `json:"code" jsonschema:"required,Lua source run against the task's capability table"`
}

type executeCodeOutput struct {
	Value  string   `json:"value,omitempty"`
	Output []string `json:"output,omitempty"`
}

type setupReviewNotificationInput struct {
	TaskID   string `json:"task_id" jsonschema:"required,the task document identifier"`
	PRNumber int    `json:"pr_number" jsonschema:"required,the linked pull request number"`
	Enabled  *bool  `json:"enabled,omitempty" jsonschema:"defaults to true; set false to turn the notification off"`
}

type setupReviewNotificationOutput struct {
	Number  int    `json:"number"`
	Enabled bool   `json:"enabled"`
	Message string `json:"message"`
}

type regenerateSessionTokenInput struct{}

type regenerateSessionTokenOutput struct {
	Token string `json:"token"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "create_task",
		Description: "Create a new task document with status open. Returns the generated task ID.",
	}, s.handleCreateTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "read_task",
		Description: "Read a task's full document: metadata, blocks, comments, events, artifacts, linked PRs, and input requests. The result carries the sync connectivity state so stale offline data is recognizable.",
	}, s.handleReadTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "update_task",
		Description: "Update a task's title, owner, or status. Status changes follow the transition graph; moving a completed task back to open requires the reopen flag.",
	}, s.handleUpdateTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "complete_task",
		Description: "Mark an in-progress task completed, optionally recording a closing summary.",
	}, s.handleCompleteTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "add_artifact",
		Description: "Append an artifact reference (file, log, screenshot) to a task.",
	}, s.handleAddArtifact)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "link_pr",
		Description: "Link a pull request to a task. Linking the same number again updates the stored title/URL instead of duplicating.",
	}, s.handleLinkPR)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "update_block_content",
		Description: "Replace the content of an existing content block.",
	}, s.handleUpdateBlockContent)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "request_user_input",
		Description: "Ask a human a question. The request is recorded on the task and surfaced in the global pending-input list until answered.",
	}, s.handleRequestUserInput)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "execute_code",
		Description: "Run a Lua script against the task inside a time-bounded sandbox. The script sees a `task` table of read and mutation helpers; staged writes commit atomically only if the whole script succeeds.",
	}, s.handleExecuteCode)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "setup_review_notification",
		Description: "Enable or disable review notifications on an already linked pull request.",
	}, s.handleSetupReviewNotification)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "regenerate_session_token",
		Description: "Rotate the gateway session token. The previous token stops validating immediately; the new one is returned exactly once.",
	}, s.handleRegenerateSessionToken)
}

// --- Tool handlers ---

func (s *Server) handleCreateTask(_ context.Context, _ *gomcp.CallToolRequest, input createTaskInput) (*gomcp.CallToolResult, createTaskOutput, error) {
	if res := s.precheck(); res != nil {
		return res, createTaskOutput{}, nil
	}
	if input.Title == "" {
		return errorResult("title is required"), createTaskOutput{}, nil
	}

	id := uuid.NewString()
	now := s.now()
	meta := models.TaskMeta{
		Title:     input.Title,
		Status:    models.StatusOpen,
		Owner:     input.Owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.eng.Update(id, func(tx *document.Tx) error {
		tx.InitMeta(meta)
		tx.AppendEvent(s.docEvent(models.EventTaskCreated, map[string]string{"title": input.Title}))
		return nil
	})
	if err != nil {
		return errorResult(fmt.Sprintf("creating task: %s", err)), createTaskOutput{}, nil
	}

	s.putIndexEntry(id, meta)
	s.emit(models.EventTaskCreated, id, "task created", map[string]any{"title": input.Title})

	return nil, createTaskOutput{
		TaskID:  id,
		Title:   meta.Title,
		Status:  string(meta.Status),
		Created: now.Format(time.RFC3339),
	}, nil
}

func (s *Server) handleReadTask(_ context.Context, _ *gomcp.CallToolRequest, input readTaskInput) (*gomcp.CallToolResult, readTaskOutput, error) {
	if res := s.precheck(); res != nil {
		return res, readTaskOutput{}, nil
	}

	lock := s.taskLock(input.TaskID)
	lock.Lock()
	defer lock.Unlock()

	h, err := s.openTask(input.TaskID)
	if err != nil {
		return errorResult(err.Error()), readTaskOutput{}, nil
	}

	var task models.Task
	err = h.Read(func(st *crdt.State) error {
		t, err := document.ReadTask(input.TaskID, st)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return errorResult(err.Error()), readTaskOutput{}, nil
	}

	connected := false
	connectivity := "sync disabled"
	if s.net != nil {
		status := s.net.Status()
		connected = status.Connected()
		connectivity = status.Summary()
	}

	return nil, readTaskOutput{
		Task:         taskToOutput(task),
		Connected:    connected,
		Connectivity: connectivity,
	}, nil
}

func (s *Server) handleUpdateTask(_ context.Context, _ *gomcp.CallToolRequest, input updateTaskInput) (*gomcp.CallToolResult, updateTaskOutput, error) {
	if res := s.precheck(); res != nil {
		return res, updateTaskOutput{}, nil
	}
	if input.Title == "" && input.Status == "" && input.Owner == "" {
		return errorResult("nothing to update: provide title, status, or owner"), updateTaskOutput{}, nil
	}

	lock := s.taskLock(input.TaskID)
	lock.Lock()
	defer lock.Unlock()

	h, err := s.openTask(input.TaskID)
	if err != nil {
		return errorResult(err.Error()), updateTaskOutput{}, nil
	}

	now := s.now()
	var meta models.TaskMeta
	changed := make(map[string]string)
	err = h.Update(func(tx *document.Tx) error {
		m, err := document.Meta(tx.Base())
		if err != nil {
			return err
		}
		if input.Status != "" {
			to := models.TaskStatus(input.Status)
			if !models.ValidStatus(to) {
				return fault.Validationf("unknown status %q", input.Status)
			}
			switch {
			case models.CanTransition(m.Status, to):
			case models.CanReopen(m.Status, to) && input.Reopen:
			case models.CanReopen(m.Status, to):
				return fault.Validationf("task is completed; pass reopen to move it back to open")
			default:
				return fault.Validationf("illegal status transition %s -> %s", m.Status, to)
			}
			if to != m.Status {
				tx.SetStatus(to)
				changed["to"] = string(to)
				m.Status = to
			}
		}
		if input.Title != "" && input.Title != m.Title {
			tx.SetTitle(input.Title)
			changed["title"] = input.Title
			m.Title = input.Title
		}
		if input.Owner != "" && input.Owner != m.Owner {
			tx.SetOwner(input.Owner)
			changed["owner"] = input.Owner
			m.Owner = input.Owner
		}
		tx.Touch(now)
		m.UpdatedAt = now
		tx.AppendEvent(s.docEvent(models.EventTaskUpdated, changed))
		meta = m
		return nil
	})
	if err != nil {
		return errorResult(err.Error()), updateTaskOutput{}, nil
	}

	s.putIndexEntry(input.TaskID, meta)
	busData := make(map[string]any, len(changed))
	for k, v := range changed {
		busData[k] = v
	}
	s.emit(models.EventTaskUpdated, input.TaskID, "task updated", busData)

	return nil, updateTaskOutput{
		TaskID:  input.TaskID,
		Title:   meta.Title,
		Status:  string(meta.Status),
		Owner:   meta.Owner,
		Message: fmt.Sprintf("task %s updated", input.TaskID),
	}, nil
}

func (s *Server) handleCompleteTask(_ context.Context, _ *gomcp.CallToolRequest, input completeTaskInput) (*gomcp.CallToolResult, completeTaskOutput, error) {
	if res := s.precheck(); res != nil {
		return res, completeTaskOutput{}, nil
	}

	lock := s.taskLock(input.TaskID)
	lock.Lock()
	defer lock.Unlock()

	h, err := s.openTask(input.TaskID)
	if err != nil {
		return errorResult(err.Error()), completeTaskOutput{}, nil
	}

	now := s.now()
	var meta models.TaskMeta
	err = h.Update(func(tx *document.Tx) error {
		m, err := document.Meta(tx.Base())
		if err != nil {
			return err
		}
		if m.Status != models.StatusInProgress {
			return fault.Validationf("only an in-progress task can be completed (currently %s)", m.Status)
		}
		tx.SetStatus(models.StatusCompleted)
		tx.Touch(now)
		if input.Summary != "" {
			tx.AppendComment(models.Comment{
				ID:     uuid.NewString(),
				Author: s.agentID,
				Body:   input.Summary,
				At:     now,
			})
		}
		data := map[string]string{}
		if input.Summary != "" {
			data["summary"] = input.Summary
		}
		tx.AppendEvent(s.docEvent(models.EventTaskCompleted, data))
		m.Status = models.StatusCompleted
		m.UpdatedAt = now
		meta = m
		return nil
	})
	if err != nil {
		return errorResult(err.Error()), completeTaskOutput{}, nil
	}

	s.putIndexEntry(input.TaskID, meta)
	s.emit(models.EventTaskCompleted, input.TaskID, "task completed", nil)

	return nil, completeTaskOutput{
		TaskID:  input.TaskID,
		Status:  string(models.StatusCompleted),
		Message: fmt.Sprintf("task %s completed", input.TaskID),
	}, nil
}

func (s *Server) handleAddArtifact(_ context.Context, _ *gomcp.CallToolRequest, input addArtifactInput) (*gomcp.CallToolResult, addArtifactOutput, error) {
	if res := s.precheck(); res != nil {
		return res, addArtifactOutput{}, nil
	}
	if input.URI == "" {
		return errorResult("uri is required"), addArtifactOutput{}, nil
	}

	lock := s.taskLock(input.TaskID)
	lock.Lock()
	defer lock.Unlock()

	h, err := s.openTask(input.TaskID)
	if err != nil {
		return errorResult(err.Error()), addArtifactOutput{}, nil
	}

	now := s.now()
	artifact := models.Artifact{
		ID:   uuid.NewString(),
		URI:  input.URI,
		Kind: input.Kind,
		Meta: input.Meta,
		By:   s.agentID,
		At:   now,
	}
	err = h.Update(func(tx *document.Tx) error {
		tx.AddArtifact(artifact)
		tx.AppendEvent(s.docEvent(models.EventArtifactAdded, map[string]string{
			"artifact_id": artifact.ID,
			"uri":         artifact.URI,
		}))
		tx.Touch(now)
		return nil
	})
	if err != nil {
		return errorResult(err.Error()), addArtifactOutput{}, nil
	}

	s.emit(models.EventArtifactAdded, input.TaskID, "artifact added", map[string]any{"uri": artifact.URI})

	return nil, addArtifactOutput{
		ArtifactID: artifact.ID,
		Message:    fmt.Sprintf("artifact %s added to task %s", artifact.URI, input.TaskID),
	}, nil
}

func (s *Server) handleLinkPR(_ context.Context, _ *gomcp.CallToolRequest, input linkPRInput) (*gomcp.CallToolResult, linkPROutput, error) {
	if res := s.precheck(); res != nil {
		return res, linkPROutput{}, nil
	}
	if input.Number <= 0 {
		return errorResult("number must be a positive PR number"), linkPROutput{}, nil
	}

	lock := s.taskLock(input.TaskID)
	lock.Lock()
	defer lock.Unlock()

	h, err := s.openTask(input.TaskID)
	if err != nil {
		return errorResult(err.Error()), linkPROutput{}, nil
	}

	now := s.now()
	created := false
	err = h.Update(func(tx *document.Tx) error {
		if _, err := document.LinkedPR(tx.Base(), input.Number); fault.IsKind(err, fault.NotFound) {
			created = true
		}
		tx.UpsertPR(models.LinkedPR{Number: input.Number, Title: input.Title, URL: input.URL})
		tx.AppendEvent(s.docEvent(models.EventPRLinked, map[string]string{
			"number": strconv.Itoa(input.Number),
			"url":    input.URL,
		}))
		tx.Touch(now)
		return nil
	})
	if err != nil {
		return errorResult(err.Error()), linkPROutput{}, nil
	}

	s.emit(models.EventPRLinked, input.TaskID, "PR linked", map[string]any{"number": input.Number})

	verb := "updated"
	if created {
		verb = "linked"
	}
	return nil, linkPROutput{
		Number:  input.Number,
		Created: created,
		Message: fmt.Sprintf("PR #%d %s on task %s", input.Number, verb, input.TaskID),
	}, nil
}

func (s *Server) handleUpdateBlockContent(_ context.Context, _ *gomcp.CallToolRequest, input updateBlockContentInput) (*gomcp.CallToolResult, updateBlockContentOutput, error) {
	if res := s.precheck(); res != nil {
		return res, updateBlockContentOutput{}, nil
	}
	if input.BlockID == "" {
		return errorResult("block_id is required"), updateBlockContentOutput{}, nil
	}

	lock := s.taskLock(input.TaskID)
	lock.Lock()
	defer lock.Unlock()

	h, err := s.openTask(input.TaskID)
	if err != nil {
		return errorResult(err.Error()), updateBlockContentOutput{}, nil
	}

	now := s.now()
	err = h.Update(func(tx *document.Tx) error {
		if err := tx.SetBlockContent(input.BlockID, input.Content); err != nil {
			return err
		}
		tx.AppendEvent(s.docEvent(models.EventContentUpdated, map[string]string{"block_id": input.BlockID}))
		tx.Touch(now)
		return nil
	})
	if err != nil {
		return errorResult(err.Error()), updateBlockContentOutput{}, nil
	}

	s.emit(models.EventContentUpdated, input.TaskID, "block content updated", map[string]any{"block_id": input.BlockID})

	return nil, updateBlockContentOutput{
		BlockID: input.BlockID,
		Message: fmt.Sprintf("block %s updated on task %s", input.BlockID, input.TaskID),
	}, nil
}

func (s *Server) handleRequestUserInput(_ context.Context, _ *gomcp.CallToolRequest, input requestUserInputInput) (*gomcp.CallToolResult, requestUserInputOutput, error) {
	if res := s.precheck(); res != nil {
		return res, requestUserInputOutput{}, nil
	}
	if input.Prompt == "" {
		return errorResult("prompt is required"), requestUserInputOutput{}, nil
	}

	lock := s.taskLock(input.TaskID)
	lock.Lock()
	defer lock.Unlock()

	h, err := s.openTask(input.TaskID)
	if err != nil {
		return errorResult(err.Error()), requestUserInputOutput{}, nil
	}

	now := s.now()
	request := models.InputRequest{
		ID:          uuid.NewString(),
		Prompt:      input.Prompt,
		RequestedBy: s.agentID,
		State:       models.InputPending,
		CreatedAt:   now,
	}
	err = h.Update(func(tx *document.Tx) error {
		tx.PutInputRequest(request)
		tx.AppendEvent(s.docEvent(models.EventInputRequested, map[string]string{
			"request_id": request.ID,
			"prompt":     request.Prompt,
		}))
		tx.Touch(now)
		return nil
	})
	if err != nil {
		return errorResult(err.Error()), requestUserInputOutput{}, nil
	}

	s.indexUpdate(func(tx *document.Tx) {
		tx.PutGlobalInput(models.GlobalInputRequest{
			ID:        request.ID,
			TaskID:    input.TaskID,
			Prompt:    request.Prompt,
			State:     models.InputPending,
			CreatedAt: now,
		})
	})
	s.emit(models.EventInputRequested, input.TaskID, "input requested", map[string]any{"request_id": request.ID})

	return nil, requestUserInputOutput{
		RequestID: request.ID,
		State:     string(models.InputPending),
	}, nil
}

func (s *Server) handleExecuteCode(ctx context.Context, _ *gomcp.CallToolRequest, input executeCodeInput) (*gomcp.CallToolResult, executeCodeOutput, error) {
	if res := s.precheck(); res != nil {
		return res, executeCodeOutput{}, nil
	}
	if s.runner == nil {
		return errorResult("code execution is not available"), executeCodeOutput{}, nil
	}

	lock := s.taskLock(input.TaskID)
	lock.Lock()
	defer lock.Unlock()

	h, err := s.openTask(input.TaskID)
	if err != nil {
		return errorResult(err.Error()), executeCodeOutput{}, nil
	}

	// The script runs inside the Update callback: its staged writes and
	// the code_executed event share one delta, which the engine merges
	// only when the callback returns nil. A script error or timeout
	// discards everything it staged.
	var (
		result sandbox.Result
		api    *txAPI
	)
	err = h.Update(func(tx *document.Tx) error {
		api = newTxAPI(s, input.TaskID, tx)
		r, err := s.runner.Execute(ctx, input.Code, api)
		if err != nil {
			return err
		}
		result = r
		tx.AppendEvent(s.docEvent(models.EventCodeExecuted, map[string]string{"result": r.Value}))
		tx.Touch(s.now())
		return nil
	})
	if err != nil {
		return errorResult(err.Error()), executeCodeOutput{}, nil
	}

	s.afterScript(input.TaskID, h, api)
	s.emit(models.EventCodeExecuted, input.TaskID, "script executed", nil)

	return nil, executeCodeOutput{Value: result.Value, Output: result.Output}, nil
}

func (s *Server) handleSetupReviewNotification(_ context.Context, _ *gomcp.CallToolRequest, input setupReviewNotificationInput) (*gomcp.CallToolResult, setupReviewNotificationOutput, error) {
	if res := s.precheck(); res != nil {
		return res, setupReviewNotificationOutput{}, nil
	}
	if input.PRNumber <= 0 {
		return errorResult("pr_number must be a positive PR number"), setupReviewNotificationOutput{}, nil
	}
	enabled := true
	if input.Enabled != nil {
		enabled = *input.Enabled
	}

	lock := s.taskLock(input.TaskID)
	lock.Lock()
	defer lock.Unlock()

	h, err := s.openTask(input.TaskID)
	if err != nil {
		return errorResult(err.Error()), setupReviewNotificationOutput{}, nil
	}

	now := s.now()
	err = h.Update(func(tx *document.Tx) error {
		if err := tx.SetPRNotify(input.PRNumber, enabled); err != nil {
			return err
		}
		tx.AppendEvent(s.docEvent(models.EventReviewNotificationSet, map[string]string{
			"number":  strconv.Itoa(input.PRNumber),
			"enabled": strconv.FormatBool(enabled),
		}))
		tx.Touch(now)
		return nil
	})
	if err != nil {
		return errorResult(err.Error()), setupReviewNotificationOutput{}, nil
	}

	s.emit(models.EventReviewNotificationSet, input.TaskID, "review notification set", map[string]any{
		"number":  input.PRNumber,
		"enabled": enabled,
	})

	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	return nil, setupReviewNotificationOutput{
		Number:  input.PRNumber,
		Enabled: enabled,
		Message: fmt.Sprintf("review notifications %s for PR #%d", state, input.PRNumber),
	}, nil
}

func (s *Server) handleRegenerateSessionToken(_ context.Context, _ *gomcp.CallToolRequest, _ regenerateSessionTokenInput) (*gomcp.CallToolResult, regenerateSessionTokenOutput, error) {
	if res := s.precheck(); res != nil {
		return res, regenerateSessionTokenOutput{}, nil
	}
	if s.sessions == nil {
		return errorResult("session management is not available"), regenerateSessionTokenOutput{}, nil
	}

	token, err := s.sessions.Issue()
	if err != nil {
		return errorResult(fmt.Sprintf("rotating session token: %s", err)), regenerateSessionTokenOutput{}, nil
	}
	s.setToken(token)
	s.emit(models.EventSessionRegenerated, "", "session token rotated", nil)

	return nil, regenerateSessionTokenOutput{Token: token}, nil
}

// --- Helpers ---

// afterScript applies the cross-document side effects of a committed
// script: the index reflects meta changes, and any input request the
// script staged reaches the global pending list.
func (s *Server) afterScript(taskID string, h *engine.Handle, api *txAPI) {
	if api == nil {
		return
	}
	if api.metaDirty {
		var meta models.TaskMeta
		err := h.Read(func(st *crdt.State) error {
			m, err := document.Meta(st)
			if err != nil {
				return err
			}
			meta = m
			return nil
		})
		if err == nil {
			s.putIndexEntry(taskID, meta)
		}
	}
	for _, r := range api.requested {
		s.indexUpdate(func(tx *document.Tx) {
			tx.PutGlobalInput(models.GlobalInputRequest{
				ID:        r.ID,
				TaskID:    taskID,
				Prompt:    r.Prompt,
				State:     models.InputPending,
				CreatedAt: r.CreatedAt,
			})
		})
		s.emit(models.EventInputRequested, taskID, "input requested", map[string]any{"request_id": r.ID})
	}
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func taskToOutput(t models.Task) taskOutput {
	out := taskOutput{
		ID:      t.ID,
		Title:   t.Meta.Title,
		Status:  string(t.Meta.Status),
		Owner:   t.Meta.Owner,
		Created: fmtTime(t.Meta.CreatedAt),
		Updated: fmtTime(t.Meta.UpdatedAt),
	}
	for _, b := range t.Blocks {
		out.Blocks = append(out.Blocks, blockOutput{ID: b.ID, Kind: b.Kind, Content: b.Content})
	}
	for _, c := range t.Comments {
		out.Comments = append(out.Comments, commentOutput{ID: c.ID, Author: c.Author, Body: c.Body, At: fmtTime(c.At)})
	}
	for _, e := range t.Events {
		out.Events = append(out.Events, eventOutput{ID: e.ID, Type: e.Type, Actor: e.Actor, At: fmtTime(e.At), Data: e.Data})
	}
	for _, a := range t.Artifacts {
		out.Artifacts = append(out.Artifacts, artifactOutput{ID: a.ID, URI: a.URI, Kind: a.Kind, Meta: a.Meta, By: a.By, At: fmtTime(a.At)})
	}
	for _, d := range t.Deliverables {
		out.Deliverables = append(out.Deliverables, deliverableOutput{ID: d.ID, Path: d.Path, Kind: d.Kind, Description: d.Description, At: fmtTime(d.At)})
	}
	for _, pr := range t.LinkedPRs {
		out.LinkedPRs = append(out.LinkedPRs, prOutput{Number: pr.Number, Title: pr.Title, URL: pr.URL, NotifyOnReview: pr.NotifyOnReview})
	}
	for _, r := range t.InputRequests {
		out.InputRequests = append(out.InputRequests, inputOutput{
			ID:          r.ID,
			Prompt:      r.Prompt,
			RequestedBy: r.RequestedBy,
			State:       string(r.State),
			Response:    r.Response,
			Created:     fmtTime(r.CreatedAt),
			Resolved:    fmtTime(r.ResolvedAt),
		})
	}
	return out
}
