package observability

import (
	"testing"
	"time"
)

func TestMetricsCalculate(t *testing.T) {
	log, _ := newTestLog(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	writes := []Event{
		{Time: base, Type: EventTaskCreated, Task: "t1"},
		{Time: base.Add(1 * time.Minute), Type: EventTaskCreated, Task: "t2"},
		{Time: base.Add(2 * time.Minute), Type: EventTaskUpdated, Task: "t1", Data: map[string]any{"to": "in_progress"}},
		{Time: base.Add(3 * time.Minute), Type: EventArtifactAdded, Task: "t1"},
		{Time: base.Add(4 * time.Minute), Type: EventPRLinked, Task: "t1", Data: map[string]any{"number": 42}},
		{Time: base.Add(5 * time.Minute), Type: EventInputRequested, Task: "t1", Data: map[string]any{"request_id": "r1"}},
		{Time: base.Add(6 * time.Minute), Type: EventInputAnswered, Task: "t1", Data: map[string]any{"request_id": "r1"}},
		{Time: base.Add(7 * time.Minute), Type: EventCodeExecuted, Task: "t1"},
		{Time: base.Add(8 * time.Minute), Type: EventHubLost},
		{Time: base.Add(9 * time.Minute), Type: EventHubConnected},
		{Time: base.Add(10 * time.Minute), Type: EventTaskCompleted, Task: "t1"},
	}
	for _, e := range writes {
		e.Level = LevelInfo
		if err := log.Write(e); err != nil {
			t.Fatalf("writing event: %v", err)
		}
	}

	m, err := NewMetricsCalculator(log).Calculate(base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("calculating metrics: %v", err)
	}

	if m.TasksCreated != 2 || m.TasksCompleted != 1 {
		t.Errorf("created/completed = %d/%d, want 2/1", m.TasksCreated, m.TasksCompleted)
	}
	if m.TasksByStatus["in_progress"] != 1 {
		t.Errorf("TasksByStatus = %v", m.TasksByStatus)
	}
	if m.ArtifactsAdded != 1 || m.PRsLinked != 1 || m.CodeExecutions != 1 {
		t.Errorf("artifact/pr/code = %d/%d/%d, want 1/1/1", m.ArtifactsAdded, m.PRsLinked, m.CodeExecutions)
	}
	if m.InputsRequested != 1 || m.InputsAnswered != 1 {
		t.Errorf("inputs = %d/%d, want 1/1", m.InputsRequested, m.InputsAnswered)
	}
	if m.HubReconnects != 1 {
		t.Errorf("HubReconnects = %d, want 1", m.HubReconnects)
	}
	if m.EventCount != len(writes) {
		t.Errorf("EventCount = %d, want %d", m.EventCount, len(writes))
	}
	if m.OldestEvent == nil || !m.OldestEvent.Equal(base) {
		t.Errorf("OldestEvent = %v, want %v", m.OldestEvent, base)
	}
	if m.NewestEvent == nil || !m.NewestEvent.Equal(base.Add(10*time.Minute)) {
		t.Errorf("NewestEvent = %v", m.NewestEvent)
	}
}

func TestMetricsSinceExcludesOlderEvents(t *testing.T) {
	log, _ := newTestLog(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	old := Event{Time: base.Add(-48 * time.Hour), Level: LevelInfo, Type: EventTaskCreated, Task: "t-old"}
	recent := Event{Time: base, Level: LevelInfo, Type: EventTaskCreated, Task: "t-new"}
	for _, e := range []Event{old, recent} {
		if err := log.Write(e); err != nil {
			t.Fatalf("writing event: %v", err)
		}
	}

	m, err := NewMetricsCalculator(log).Calculate(base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("calculating metrics: %v", err)
	}
	if m.TasksCreated != 1 || m.EventCount != 1 {
		t.Errorf("since filter leaked old events: created %d, count %d", m.TasksCreated, m.EventCount)
	}
}

func TestMetricsEmptyLog(t *testing.T) {
	log, _ := newTestLog(t)

	m, err := NewMetricsCalculator(log).Calculate(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("calculating metrics: %v", err)
	}
	if m.EventCount != 0 || m.TasksCreated != 0 {
		t.Errorf("empty log produced counts: %+v", m)
	}
	if m.OldestEvent != nil || m.NewestEvent != nil {
		t.Error("empty log should have no oldest/newest events")
	}
}
