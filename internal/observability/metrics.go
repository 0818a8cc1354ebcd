package observability

import (
	"fmt"
	"time"
)

// Metrics holds aggregates derived from the event log.
type Metrics struct {
	TasksCreated    int            `json:"tasks_created"`
	TasksCompleted  int            `json:"tasks_completed"`
	TasksByStatus   map[string]int `json:"tasks_by_status"`
	ArtifactsAdded  int            `json:"artifacts_added"`
	PRsLinked       int            `json:"prs_linked"`
	InputsRequested int            `json:"inputs_requested"`
	InputsAnswered  int            `json:"inputs_answered"`
	CodeExecutions  int            `json:"code_executions"`
	HubReconnects   int            `json:"hub_reconnects"`
	EventCount      int            `json:"event_count"`
	OldestEvent     *time.Time     `json:"oldest_event,omitempty"`
	NewestEvent     *time.Time     `json:"newest_event,omitempty"`
}

// MetricsCalculator derives metrics from the event log.
type MetricsCalculator interface {
	Calculate(since time.Time) (*Metrics, error)
}

type metricsCalculator struct {
	eventLog EventLog
}

// NewMetricsCalculator creates a MetricsCalculator reading from eventLog.
func NewMetricsCalculator(eventLog EventLog) MetricsCalculator {
	return &metricsCalculator{eventLog: eventLog}
}

// Calculate reads all events since the given time and aggregates them.
func (mc *metricsCalculator) Calculate(since time.Time) (*Metrics, error) {
	events, err := mc.eventLog.Read(EventFilter{Since: &since})
	if err != nil {
		return nil, fmt.Errorf("reading events for metrics: %w", err)
	}

	m := &Metrics{TasksByStatus: make(map[string]int)}
	m.EventCount = len(events)

	for i, event := range events {
		if i == 0 {
			t := event.Time
			m.OldestEvent = &t
		}
		t := event.Time
		m.NewestEvent = &t

		switch event.Type {
		case EventTaskCreated:
			m.TasksCreated++
		case EventTaskCompleted:
			m.TasksCompleted++
		case EventTaskUpdated:
			if status, ok := event.Data["to"].(string); ok {
				m.TasksByStatus[status]++
			}
		case EventArtifactAdded:
			m.ArtifactsAdded++
		case EventPRLinked:
			m.PRsLinked++
		case EventInputRequested:
			m.InputsRequested++
		case EventInputAnswered:
			m.InputsAnswered++
		case EventCodeExecuted:
			m.CodeExecutions++
		case EventHubLost:
			m.HubReconnects++
		}
	}
	return m, nil
}
