package observability

import (
	"fmt"
	"time"
)

// AlertSeverity represents the urgency of an alert.
type AlertSeverity string

const (
	SeverityHigh   AlertSeverity = "high"
	SeverityMedium AlertSeverity = "medium"
	SeverityLow    AlertSeverity = "low"
)

// Alert represents a triggered alert condition.
type Alert struct {
	ID          string        `json:"id"`
	Condition   string        `json:"condition"`
	Severity    AlertSeverity `json:"severity"`
	Message     string        `json:"message"`
	TriggeredAt time.Time     `json:"triggered_at"`
}

// AlertThresholds configures when alerts should fire.
type AlertThresholds struct {
	BlockedHours    int `yaml:"blocked_threshold_hours" json:"blocked_threshold_hours"`
	StaleDays       int `yaml:"stale_threshold_days" json:"stale_threshold_days"`
	InputHours      int `yaml:"input_threshold_hours" json:"input_threshold_hours"`
	ReconnectWindow int `yaml:"reconnect_window_minutes" json:"reconnect_window_minutes"`
	MaxReconnects   int `yaml:"max_reconnects" json:"max_reconnects"`
}

// DefaultAlertThresholds returns sensible defaults for alert thresholds.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		BlockedHours:    24,
		StaleDays:       3,
		InputHours:      12,
		ReconnectWindow: 10,
		MaxReconnects:   5,
	}
}

// AlertEngine evaluates alert conditions against the event log.
type AlertEngine interface {
	Evaluate() ([]Alert, error)
}

type alertEngine struct {
	eventLog   EventLog
	thresholds AlertThresholds
}

// NewAlertEngine creates an AlertEngine with the given EventLog and
// thresholds.
func NewAlertEngine(eventLog EventLog, thresholds AlertThresholds) AlertEngine {
	return &alertEngine{eventLog: eventLog, thresholds: thresholds}
}

// Evaluate reads events and checks all alert conditions, returning any
// triggered alerts.
func (ae *alertEngine) Evaluate() ([]Alert, error) {
	now := time.Now().UTC()
	var alerts []Alert

	blocked, err := ae.checkBlockedTasks(now)
	if err != nil {
		return nil, fmt.Errorf("checking blocked tasks: %w", err)
	}
	alerts = append(alerts, blocked...)

	stale, err := ae.checkStaleTasks(now)
	if err != nil {
		return nil, fmt.Errorf("checking stale tasks: %w", err)
	}
	alerts = append(alerts, stale...)

	inputs, err := ae.checkUnansweredInputs(now)
	if err != nil {
		return nil, fmt.Errorf("checking unanswered inputs: %w", err)
	}
	alerts = append(alerts, inputs...)

	flapping, err := ae.checkReconnectStorm(now)
	if err != nil {
		return nil, fmt.Errorf("checking reconnect storm: %w", err)
	}
	alerts = append(alerts, flapping...)

	return alerts, nil
}

// checkBlockedTasks looks for tasks stuck in blocked longer than the
// threshold.
func (ae *alertEngine) checkBlockedTasks(now time.Time) ([]Alert, error) {
	events, err := ae.eventLog.Read(EventFilter{Type: EventTaskUpdated})
	if err != nil {
		return nil, err
	}

	type taskState struct {
		status    string
		changedAt time.Time
	}
	tasks := make(map[string]*taskState)
	for _, event := range events {
		status, _ := event.Data["to"].(string)
		if event.Task == "" || status == "" {
			continue
		}
		tasks[event.Task] = &taskState{status: status, changedAt: event.Time}
	}

	threshold := time.Duration(ae.thresholds.BlockedHours) * time.Hour
	var alerts []Alert
	for taskID, state := range tasks {
		if state.status == "blocked" && now.Sub(state.changedAt) > threshold {
			alerts = append(alerts, Alert{
				ID:          fmt.Sprintf("blocked-%s", taskID),
				Condition:   "task_blocked_too_long",
				Severity:    SeverityHigh,
				Message:     fmt.Sprintf("task %s has been blocked for more than %d hours", taskID, ae.thresholds.BlockedHours),
				TriggeredAt: now,
			})
		}
	}
	return alerts, nil
}

// checkStaleTasks looks for in-progress tasks with no recent activity.
func (ae *alertEngine) checkStaleTasks(now time.Time) ([]Alert, error) {
	events, err := ae.eventLog.Read(EventFilter{})
	if err != nil {
		return nil, err
	}

	lastActivity := make(map[string]time.Time)
	currentStatus := make(map[string]string)
	for _, event := range events {
		if event.Task == "" {
			continue
		}
		if event.Time.After(lastActivity[event.Task]) {
			lastActivity[event.Task] = event.Time
		}
		switch event.Type {
		case EventTaskCreated:
			currentStatus[event.Task] = "open"
		case EventTaskUpdated:
			if status, ok := event.Data["to"].(string); ok {
				currentStatus[event.Task] = status
			}
		case EventTaskCompleted:
			currentStatus[event.Task] = "completed"
		}
	}

	threshold := time.Duration(ae.thresholds.StaleDays) * 24 * time.Hour
	var alerts []Alert
	for taskID, lastTime := range lastActivity {
		if currentStatus[taskID] == "in_progress" && now.Sub(lastTime) > threshold {
			alerts = append(alerts, Alert{
				ID:          fmt.Sprintf("stale-%s", taskID),
				Condition:   "task_stale",
				Severity:    SeverityMedium,
				Message:     fmt.Sprintf("task %s has had no activity for more than %d days", taskID, ae.thresholds.StaleDays),
				TriggeredAt: now,
			})
		}
	}
	return alerts, nil
}

// checkUnansweredInputs looks for input requests that have waited on a
// human longer than the threshold.
func (ae *alertEngine) checkUnansweredInputs(now time.Time) ([]Alert, error) {
	requested, err := ae.eventLog.Read(EventFilter{Type: EventInputRequested})
	if err != nil {
		return nil, err
	}

	type request struct {
		task string
		at   time.Time
	}
	pending := make(map[string]request)
	for _, event := range requested {
		id, _ := event.Data["request_id"].(string)
		if id == "" {
			continue
		}
		pending[id] = request{task: event.Task, at: event.Time}
	}

	for _, typ := range []string{EventInputAnswered, EventInputCancelled} {
		resolved, err := ae.eventLog.Read(EventFilter{Type: typ})
		if err != nil {
			return nil, err
		}
		for _, event := range resolved {
			if id, _ := event.Data["request_id"].(string); id != "" {
				delete(pending, id)
			}
		}
	}

	threshold := time.Duration(ae.thresholds.InputHours) * time.Hour
	var alerts []Alert
	for id, req := range pending {
		if now.Sub(req.at) > threshold {
			alerts = append(alerts, Alert{
				ID:          fmt.Sprintf("input-%s", id),
				Condition:   "input_unanswered",
				Severity:    SeverityMedium,
				Message:     fmt.Sprintf("input request %s on task %s has waited more than %d hours", id, req.task, ae.thresholds.InputHours),
				TriggeredAt: now,
			})
		}
	}
	return alerts, nil
}

// checkReconnectStorm counts hub drops inside the window and alerts when
// the connection is flapping.
func (ae *alertEngine) checkReconnectStorm(now time.Time) ([]Alert, error) {
	since := now.Add(-time.Duration(ae.thresholds.ReconnectWindow) * time.Minute)
	drops, err := ae.eventLog.Read(EventFilter{Type: EventHubLost, Since: &since})
	if err != nil {
		return nil, err
	}

	var alerts []Alert
	if len(drops) >= ae.thresholds.MaxReconnects {
		alerts = append(alerts, Alert{
			ID:          "hub-flapping",
			Condition:   "hub_connection_flapping",
			Severity:    SeverityHigh,
			Message:     fmt.Sprintf("hub connection dropped %d times in the last %d minutes", len(drops), ae.thresholds.ReconnectWindow),
			TriggeredAt: now,
		})
	}
	return alerts, nil
}
