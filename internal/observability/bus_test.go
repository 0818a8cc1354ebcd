package observability

import (
	"testing"
	"time"
)

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := NewBus()

	var first, second []string
	bus.Subscribe(func(e Event) { first = append(first, e.Type) })
	bus.Subscribe(func(e Event) { second = append(second, e.Type) })

	bus.Emit(EventTaskCreated, "t1", "agent", "created", nil)
	bus.Emit(EventArtifactAdded, "t1", "agent", "artifact", nil)
	bus.Emit(EventTaskCompleted, "t1", "agent", "done", nil)

	want := []string{EventTaskCreated, EventArtifactAdded, EventTaskCompleted}
	for name, got := range map[string][]string{"first": first, "second": second} {
		if len(got) != len(want) {
			t.Fatalf("%s subscriber saw %d events, want %d", name, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s subscriber saw %v, want %v", name, got, want)
				break
			}
		}
	}
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := NewBus()

	var count int
	sub := bus.Subscribe(func(e Event) { count++ })

	bus.Emit(EventTaskCreated, "t1", "", "created", nil)
	sub.Cancel()
	bus.Emit(EventTaskCompleted, "t1", "", "done", nil)

	if count != 1 {
		t.Errorf("cancelled subscriber saw %d events, want 1", count)
	}
}

func TestBusFillsTimeAndLevel(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(func(e Event) { got = e })

	before := time.Now().UTC()
	bus.Publish(Event{Type: EventHubConnected, Message: "hub up"})
	after := time.Now().UTC()

	if got.Level != LevelInfo {
		t.Errorf("default level = %q, want INFO", got.Level)
	}
	if got.Time.Before(before) || got.Time.After(after) {
		t.Errorf("default time %v outside [%v, %v]", got.Time, before, after)
	}
}

func TestBusKeepsExplicitFields(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(func(e Event) { got = e })

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	bus.Publish(Event{Time: at, Level: LevelError, Type: EventHubLost, Message: "hub gone"})

	if !got.Time.Equal(at) || got.Level != LevelError {
		t.Errorf("explicit fields overwritten: %+v", got)
	}
}
