// Package metrics records session and task lifecycle events. Delivery is
// best effort: an Emitter never lets a sink failure reach the caller.
package metrics

import "time"

// EventType names a lifecycle moment.
type EventType string

const (
	SessionStarted   EventType = "session_started"
	TaskStarted      EventType = "task_started"
	TaskCompleted    EventType = "task_completed"
	TaskFailed       EventType = "task_failed"
	SessionCompleted EventType = "session_completed"
)

// Event is an immutable record of one lifecycle moment.
type Event struct {
	Source         string    `json:"source"`
	Event          EventType `json:"event"`
	Label          string    `json:"label"`
	TaskID         string    `json:"taskId"`
	TaskTitle      string    `json:"taskTitle"`
	DurationMs     int64     `json:"durationMs"`
	Success        bool      `json:"success"`
	Error          *string   `json:"error"`
	CompletedTasks int       `json:"completedTasks"`
	FailedTasks    int       `json:"failedTasks"`
	Timestamp      time.Time `json:"timestamp"`
}

// WithError returns a copy of e carrying err's message.
func (e Event) WithError(err error) Event {
	if err != nil {
		msg := err.Error()
		e.Error = &msg
	}
	return e
}
