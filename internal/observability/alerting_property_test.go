package observability

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// An input request alerts exactly when it is old enough and never
// answered or cancelled, whatever mix of requests the log holds.
func TestOnlyUnresolvedOldInputsAlert(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		log, _ := newTestLog(t)
		now := time.Now().UTC()
		thresholds := DefaultAlertThresholds()

		n := rapid.IntRange(1, 15).Draw(rt, "requests")
		wantAlerts := make(map[string]bool)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("r%d", i)
			old := rapid.Bool().Draw(rt, fmt.Sprintf("old_%d", i))
			resolved := rapid.Bool().Draw(rt, fmt.Sprintf("resolved_%d", i))

			age := time.Hour
			if old {
				age = time.Duration(thresholds.InputHours+1+rapid.IntRange(0, 48).Draw(rt, fmt.Sprintf("extra_%d", i))) * time.Hour
			}
			writeAll(t, log, Event{
				Time: now.Add(-age),
				Type: EventInputRequested,
				Task: "t1",
				Data: map[string]any{"request_id": id},
			})
			if resolved {
				typ := EventInputAnswered
				if rapid.Bool().Draw(rt, fmt.Sprintf("cancel_%d", i)) {
					typ = EventInputCancelled
				}
				writeAll(t, log, Event{
					Time: now.Add(-age / 2),
					Type: typ,
					Task: "t1",
					Data: map[string]any{"request_id": id},
				})
			}
			wantAlerts["input-"+id] = old && !resolved
		}

		alerts, err := NewAlertEngine(log, thresholds).Evaluate()
		if err != nil {
			rt.Fatalf("evaluating: %v", err)
		}

		gotAlerts := make(map[string]bool)
		for _, a := range alerts {
			if a.Condition == "input_unanswered" {
				gotAlerts[a.ID] = true
			}
		}
		for id, want := range wantAlerts {
			if gotAlerts[id] != want {
				rt.Errorf("alert for %s = %v, want %v", id, gotAlerts[id], want)
			}
		}
	})
}
