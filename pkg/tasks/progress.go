package tasks

import "time"

// ChannelTaskUpdates is the broadcast fabric channel carrying progress
// messages for every task.
const ChannelTaskUpdates = "task_updates"

// Progress message types.
const (
	MessageTaskUpdate    = "task_update"
	MessageGeneralUpdate = "general_update"
)

// ProgressMessage is the transient wire shape published on the broadcast
// fabric. It is never persisted: the task store, not this stream, is the
// source of truth, and listeners reconcile by querying the store on
// (re)connect.
type ProgressMessage struct {
	Type string `json:"type"`

	// TaskID scopes task_update messages; empty for general updates.
	TaskID string `json:"task_id,omitempty"`

	// Data carries the denormalized, human-facing payload: status,
	// completed_at, error, donor identity, progress, stage, message.
	Data map[string]interface{} `json:"data"`

	// Timestamp is seconds since the Unix epoch, fractional.
	Timestamp float64 `json:"timestamp"`
}

// NewTaskUpdate builds a task-scoped progress message stamped with the
// given time.
func NewTaskUpdate(taskID string, data map[string]interface{}, at time.Time) ProgressMessage {
	return ProgressMessage{
		Type:      MessageTaskUpdate,
		TaskID:    taskID,
		Data:      data,
		Timestamp: float64(at.UnixNano()) / float64(time.Second),
	}
}

// NewGeneralUpdate builds a message fanned out to every connected listener.
func NewGeneralUpdate(data map[string]interface{}, at time.Time) ProgressMessage {
	return ProgressMessage{
		Type:      MessageGeneralUpdate,
		Data:      data,
		Timestamp: float64(at.UnixNano()) / float64(time.Second),
	}
}
