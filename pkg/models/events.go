package models

import "time"

// Event names emitted by the gateway and recorded in a task's event log.
// Subscribers key off these; external tooling reads them from the JSONL
// event log.
const (
	EventTaskCreated           = "task_created"
	EventTaskUpdated           = "task_updated"
	EventTaskCompleted         = "task_completed"
	EventArtifactAdded         = "artifact_added"
	EventDeliverableAdded      = "deliverable_added"
	EventPRLinked              = "pr_linked"
	EventContentUpdated        = "content_updated"
	EventInputRequested        = "input_requested"
	EventInputAnswered         = "input_answered"
	EventInputCancelled        = "input_cancelled"
	EventReviewNotificationSet = "review_notification_set"
	EventSessionRegenerated    = "session_regenerated"
	EventCodeExecuted          = "code_executed"
)

// Event is one immutable entry in a task's event log: what happened, who
// did it, and any structured detail. Entries are append-only and never
// rewritten, so the log doubles as the task's audit history.
type Event struct {
	ID    string            `json:"id"`
	Type  string            `json:"type"`
	Actor string            `json:"actor"`
	At    time.Time         `json:"at"`
	Data  map[string]string `json:"data,omitempty"`
}
