package health

import (
	"fmt"
	"testing"
)

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateHealthy:     "healthy",
		StateDegraded:    "degraded",
		StateUnavailable: "unavailable",
		State(7):         "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}

func TestNewTracker_FillsDefaults(t *testing.T) {
	tracker := NewTracker(Config{ErrorThreshold: 5, UnavailableThreshold: 2})

	if tracker.config.UnavailableThreshold != 5 {
		t.Errorf("UnavailableThreshold = %d, want it raised to 5", tracker.config.UnavailableThreshold)
	}
	if tracker.config.RecoveryThreshold != DefaultConfig().RecoveryThreshold {
		t.Errorf("RecoveryThreshold = %d, want default", tracker.config.RecoveryThreshold)
	}
}

func TestTracker_Register(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.Register("remote")
	tracker.Register("remote")

	if got := tracker.State("remote"); got != StateHealthy {
		t.Errorf("initial state = %s, want healthy", got)
	}
	if got := len(tracker.Components()); got != 1 {
		t.Errorf("components = %d, want 1", got)
	}
	if got := tracker.State("unknown"); got != StateHealthy {
		t.Errorf("unknown component state = %s, want healthy", got)
	}
}

func TestTracker_DegradesAndBecomesUnavailable(t *testing.T) {
	tracker := NewTracker(Config{ErrorThreshold: 2, UnavailableThreshold: 4, RecoveryThreshold: 2})
	tracker.Register("remote")

	tracker.RecordError("remote", fmt.Errorf("connection refused"))
	if got := tracker.State("remote"); got != StateHealthy {
		t.Fatalf("after 1 error state = %s, want healthy", got)
	}

	tracker.RecordError("remote", fmt.Errorf("connection refused"))
	if got := tracker.State("remote"); got != StateDegraded {
		t.Fatalf("after 2 errors state = %s, want degraded", got)
	}

	tracker.RecordError("remote", nil)
	tracker.RecordError("remote", fmt.Errorf("connection reset"))
	if got := tracker.State("remote"); got != StateUnavailable {
		t.Fatalf("after 4 errors state = %s, want unavailable", got)
	}
	if got := tracker.Overall(); got != StateUnavailable {
		t.Errorf("overall = %s, want unavailable", got)
	}

	c := tracker.Components()[0]
	if c.LastError != "connection reset" {
		t.Errorf("LastError = %q, want %q", c.LastError, "connection reset")
	}
	if c.ConsecutiveErrors != 4 {
		t.Errorf("ConsecutiveErrors = %d, want 4", c.ConsecutiveErrors)
	}
}

func TestTracker_Recovers(t *testing.T) {
	tracker := NewTracker(Config{ErrorThreshold: 1, UnavailableThreshold: 1, RecoveryThreshold: 2})
	tracker.RecordError("remote", fmt.Errorf("down"))

	tracker.RecordSuccess("remote")
	if got := tracker.State("remote"); got != StateUnavailable {
		t.Fatalf("after 1 success state = %s, want unavailable", got)
	}

	tracker.RecordSuccess("remote")
	if got := tracker.State("remote"); got != StateHealthy {
		t.Fatalf("after 2 successes state = %s, want healthy", got)
	}
	if got := tracker.Components()[0].ConsecutiveErrors; got != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", got)
	}
}

func TestTracker_OverallIsWorstComponent(t *testing.T) {
	tracker := NewTracker(Config{ErrorThreshold: 1, UnavailableThreshold: 3})
	tracker.Register("durable")
	tracker.Register("remote")

	tracker.RecordError("remote", fmt.Errorf("timeout"))
	if got := tracker.Overall(); got != StateDegraded {
		t.Errorf("overall = %s, want degraded", got)
	}

	names := []string{}
	for _, c := range tracker.Components() {
		names = append(names, c.Name)
	}
	if fmt.Sprint(names) != "[durable remote]" {
		t.Errorf("components = %v, want sorted [durable remote]", names)
	}
}

func TestTracker_OnStateChange(t *testing.T) {
	tracker := NewTracker(Config{ErrorThreshold: 1, UnavailableThreshold: 2, RecoveryThreshold: 1})

	var transitions []string
	tracker.OnStateChange(func(component string, from, to State, err error) {
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", component, from, to))
	})

	tracker.RecordError("remote", fmt.Errorf("a"))
	tracker.RecordError("remote", fmt.Errorf("b"))
	tracker.RecordError("remote", fmt.Errorf("c"))
	tracker.RecordSuccess("remote")
	tracker.RecordSuccess("remote")

	want := []string{
		"remote:healthy->degraded",
		"remote:degraded->unavailable",
		"remote:unavailable->healthy",
	}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}
