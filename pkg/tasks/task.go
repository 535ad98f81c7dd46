// Package tasks defines the core data structures for commission work in the
// zazzle-agent system. A Task is the persisted unit of dispatched work: it is
// created when a donation is validated, runs on a cluster job or a local
// goroutine, and moves through a small status state machine until it reaches
// a terminal state.
package tasks

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrInvalidTransition is returned when a status update would move a task
// along an edge the state machine does not have.
var ErrInvalidTransition = errors.New("invalid task status transition")

// statusTransitions encodes the allowed edges:
// pending -> in_progress -> {completed, failed}, plus the monitor-only
// reset edge in_progress -> pending. Terminal states have no outgoing edges.
var statusTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusPending},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// CanTransition reports whether a task may move from one status to another.
// Non-terminal self-transitions are allowed so that repeated progress updates
// on a running task are not rejected.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every status a task may be in immediately before
// moving to the given status. Used by the store to guard updates in SQL.
func TransitionSources(to Status) []Status {
	var from []Status
	for s, nexts := range statusTransitions {
		if s == to && !s.Terminal() {
			from = append(from, s)
			continue
		}
		for _, next := range nexts {
			if next == to {
				from = append(from, s)
				break
			}
		}
	}
	return from
}

const (
	// KindCommission is the work kind for a full commission pipeline run.
	KindCommission = "commission"

	// DefaultMaxRetries bounds how many times the stuck-task monitor will
	// restart a wedged task before failing it permanently.
	DefaultMaxRetries = 2

	// DefaultTimeoutSeconds is the stuck threshold for tasks that do not
	// carry their own override.
	DefaultTimeoutSeconds = 300
)

// Task is a persisted unit of commission work. Every field has an explicit
// declared default; callers never probe for optional fields at runtime.
type Task struct {
	// ID is the store-assigned identifier ("tsk_" + UUID).
	ID string `json:"id"`

	// Kind categorizes the work (currently always KindCommission).
	Kind string `json:"kind"`

	// Priority orders dispatch; higher is more urgent.
	Priority int `json:"priority"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Context is the opaque JSON payload handed to the work executor
	// (subreddit, tier, message text, ...).
	Context json.RawMessage `json:"context"`

	// DonationID references the triggering donation; 0 means none.
	DonationID int64 `json:"donation_id"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at"`
	LastHeartbeat *time.Time `json:"last_heartbeat"`
	CompletedAt   *time.Time `json:"completed_at"`

	// ErrorMessage is the human-readable failure reason; empty on success.
	ErrorMessage string `json:"error_message"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// TimeoutSeconds overrides the stuck threshold; 0 means use the default.
	TimeoutSeconds int `json:"timeout_seconds"`
}

// Timeout returns the effective stuck threshold for the task.
func (t *Task) Timeout() time.Duration {
	if t.TimeoutSeconds > 0 {
		return time.Duration(t.TimeoutSeconds) * time.Second
	}
	return DefaultTimeoutSeconds * time.Second
}

// StatusUpdate carries the optional fields of a status change. The zero value
// means "status change only".
type StatusUpdate struct {
	// Error is the failure reason; persisted only for StatusFailed.
	Error string

	// Progress is a 0-100 completion estimate for the progress stream.
	Progress int

	// Stage is a short machine tag ("fetching_post", "generating_image").
	Stage string

	// Message is a human-readable progress line.
	Message string
}
