package tasks

import (
	"context"
	"time"
)

// Work is one unit of asynchronous work tracked by the Tracker, typically a
// streamed generation. It receives the task id it runs under and must honor
// ctx cancellation at its suspension points; work that never checks ctx
// cannot be stopped.
type Work func(ctx context.Context, taskID string) error

// StopResult reports the outcome of a stop request. In distributed mode
// Stopped=true only means the signal was dispatched to the fleet, not that
// the task was confirmed stopped.
type StopResult struct {
	Stopped bool   `json:"status"`
	Message string `json:"message"`
}

// Command is the wire record broadcast on the shared command channel.
type Command struct {
	Action string `json:"action"`
	TaskID string `json:"task_id"`
}

const ActionStop = "stop"

type EventType string

const (
	EventTaskStarted   EventType = "task_started"
	EventTaskDelta     EventType = "task_delta"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
)

// Event is a task lifecycle notification delivered to in-process
// subscribers (and fanned out to websocket clients by the HTTP layer).
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	ChatID    string    `json:"chat_id,omitempty"`
	TextDelta string    `json:"text_delta,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}
