package models

import "time"

// IndexDocID is the well-known document id of the cluster-wide task index.
// The leading '!' keeps it out of the task-id namespace.
const IndexDocID = "!index"

// TaskIndexEntry is the summary row the index keeps per task, enough for
// listing and search without opening the full document.
type TaskIndexEntry struct {
	TaskID    string     `json:"task_id" yaml:"task_id"`
	Title     string     `json:"title" yaml:"title"`
	Status    TaskStatus `json:"status" yaml:"status"`
	Owner     string     `json:"owner,omitempty" yaml:"owner,omitempty"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"updated_at"`
}

// GlobalInputRequest is the index-level aggregation of a pending input
// request, so notification surfaces can find open questions across all
// tasks without scanning every document.
type GlobalInputRequest struct {
	ID        string     `json:"id" yaml:"id"`
	TaskID    string     `json:"task_id" yaml:"task_id"`
	Prompt    string     `json:"prompt" yaml:"prompt"`
	State     InputState `json:"state" yaml:"state"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
}

// AgentInfo is one row of the known-agent registry. LastSeen is refreshed
// on every gateway invocation by that agent, giving a coarse liveness
// signal across replicas.
type AgentInfo struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name,omitempty" yaml:"name,omitempty"`
	LastSeen time.Time `json:"last_seen" yaml:"last_seen"`
}
