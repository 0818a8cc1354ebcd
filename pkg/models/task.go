// Package models defines the shared types for task documents: metadata,
// comment and event log entries, artifacts, linked pull requests, and
// pending input requests. These are the decoded, validated views of the
// replicated document state; the CRDT layer stores and merges them, this
// package only describes their shape.
package models

import "time"

// TaskStatus represents the current lifecycle state of a task.
type TaskStatus string

const (
	StatusOpen       TaskStatus = "open"
	StatusInProgress TaskStatus = "in_progress"
	StatusBlocked    TaskStatus = "blocked"
	StatusCompleted  TaskStatus = "completed"
)

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusCompleted:
		return true
	}
	return false
}

// statusTransitions is the directed graph of allowed status changes.
// completed is terminal; the only way out is the explicit reopen edge,
// which CanTransition does not include (see CanReopen).
var statusTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusOpen: {
		StatusInProgress: {},
		StatusBlocked:    {},
	},
	StatusInProgress: {
		StatusBlocked:   {},
		StatusCompleted: {},
	},
	StatusBlocked: {
		StatusInProgress: {},
	},
	StatusCompleted: {},
}

// CanTransition reports whether a task may move from one status to another.
// A self-transition is always allowed (idempotent no-op for concurrent
// writers proposing the same change).
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	next, ok := statusTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// CanReopen reports whether the explicit reopen edge applies: only a
// completed task may be reopened, and only back to open.
func CanReopen(from, to TaskStatus) bool {
	return from == StatusCompleted && to == StatusOpen
}

// TaskMeta is the mutable header of a task document. Each field merges
// last-writer-wins; concurrent writers converge on the newest value.
type TaskMeta struct {
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	Owner     string     `json:"owner,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Comment is one immutable entry in a task's comment log.
type Comment struct {
	ID     string    `json:"id"`
	Author string    `json:"author"`
	Body   string    `json:"body"`
	At     time.Time `json:"at"`
}

// Artifact is a file or resource produced while working on a task.
type Artifact struct {
	ID   string            `json:"id"`
	URI  string            `json:"uri"`
	Kind string            `json:"kind,omitempty"`
	Meta map[string]string `json:"meta,omitempty"`
	By   string            `json:"by,omitempty"`
	At   time.Time         `json:"at"`
}

// Deliverable is a promised output of a task (a path plus a description),
// distinct from incidental artifacts.
type Deliverable struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Kind        string    `json:"kind,omitempty"`
	Description string    `json:"description,omitempty"`
	At          time.Time `json:"at"`
}

// Block is one editable segment of the task's content body. Blocks keep a
// stable order across replicas; their content is independently updatable.
type Block struct {
	ID      string `json:"id"`
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content"`
}

// LinkedPR records a pull request attached to a task. Links are keyed by
// number: linking the same PR twice updates the record in place.
type LinkedPR struct {
	Number         int    `json:"number"`
	Title          string `json:"title,omitempty"`
	URL            string `json:"url,omitempty"`
	NotifyOnReview bool   `json:"notify_on_review,omitempty"`
}

// InputState is the lifecycle of a pending human-input request.
type InputState string

const (
	InputPending   InputState = "pending"
	InputAnswered  InputState = "answered"
	InputCancelled InputState = "cancelled"
)

// ValidInputState reports whether s is a known input-request state.
func ValidInputState(s InputState) bool {
	switch s {
	case InputPending, InputAnswered, InputCancelled:
		return true
	}
	return false
}

// InputRequest is a question an agent raised that needs a human answer.
type InputRequest struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	RequestedBy string     `json:"requested_by"`
	State       InputState `json:"state"`
	Response    string     `json:"response,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  time.Time  `json:"resolved_at,omitzero"`
}

// ReviewComment is a cached pull-request review comment, refreshed from the
// forge by an external collaborator and merged into the document so it can
// be queried locally.
type ReviewComment struct {
	ID        string    `json:"id"`
	PRNumber  int       `json:"pr_number"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Path      string    `json:"path,omitempty"`
	Line      int       `json:"line,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DiffComment is a comment anchored to a local, unpushed diff.
type DiffComment struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Line      int       `json:"line"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is the fully assembled view of one task document: metadata plus
// every collection in its converged order. Gateway reads and CLI listings
// both render from this.
type Task struct {
	ID            string         `json:"id"`
	Meta          TaskMeta       `json:"meta"`
	Blocks        []Block        `json:"blocks,omitempty"`
	Comments      []Comment      `json:"comments,omitempty"`
	Events        []Event        `json:"events,omitempty"`
	Artifacts     []Artifact     `json:"artifacts,omitempty"`
	Deliverables  []Deliverable  `json:"deliverables,omitempty"`
	LinkedPRs     []LinkedPR     `json:"linked_prs,omitempty"`
	InputRequests []InputRequest `json:"input_requests,omitempty"`
}
