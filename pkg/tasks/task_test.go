package tasks

import (
	"testing"
	"time"
)

func TestTerminalStatesAreClosed(t *testing.T) {
	all := []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed}
	for _, from := range []Status{StatusCompleted, StatusFailed} {
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("expected no transition out of %s, but %s -> %s allowed", from, from, to)
			}
		}
	}
}

func TestAllowedTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusPending, true}, // monitor reset
		{StatusInProgress, StatusInProgress, true},
		{StatusPending, StatusPending, true},
		{StatusCompleted, StatusCompleted, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTransitionSources(t *testing.T) {
	sources := TransitionSources(StatusInProgress)
	found := map[Status]bool{}
	for _, s := range sources {
		found[s] = true
	}
	if !found[StatusPending] || !found[StatusInProgress] {
		t.Errorf("expected pending and in_progress as sources for in_progress, got %v", sources)
	}
	if found[StatusCompleted] || found[StatusFailed] {
		t.Errorf("terminal states must not be transition sources, got %v", sources)
	}
}

func TestTaskTimeoutDefault(t *testing.T) {
	tk := Task{}
	if tk.Timeout() != DefaultTimeoutSeconds*time.Second {
		t.Errorf("expected default timeout, got %s", tk.Timeout())
	}
	tk.TimeoutSeconds = 30
	if tk.Timeout() != 30*time.Second {
		t.Errorf("expected 30s override, got %s", tk.Timeout())
	}
}

func TestScheduleConfigDue(t *testing.T) {
	now := time.Now()

	cfg := ScheduleConfig{Enabled: true, IntervalHours: 24}
	if !cfg.Due(now) {
		t.Error("config with no last run should be due")
	}

	past := now.Add(-25 * time.Hour)
	cfg.LastRunAt = &past
	if !cfg.Due(now) {
		t.Error("last run 25h ago with 24h interval should be due")
	}

	recent := now.Add(-1 * time.Hour)
	cfg.LastRunAt = &recent
	if cfg.Due(now) {
		t.Error("last run 1h ago with 24h interval should not be due")
	}

	cfg.Enabled = false
	cfg.LastRunAt = nil
	if cfg.Due(now) {
		t.Error("disabled config should never be due")
	}
}
