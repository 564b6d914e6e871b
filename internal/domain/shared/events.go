package shared

import "time"

// EventType identifies the kind of a domain event.
type EventType string

// Event types published by the task manager and orchestrator.
const (
	EventTaskStarted      EventType = "task.started"
	EventTaskCompleted    EventType = "task.completed"
	EventTaskFailed       EventType = "task.failed"
	EventTaskCancelled    EventType = "task.cancelled"
	EventAggregationSaved EventType = "aggregation.saved"
)

// Event is the interface implemented by all domain events.
type Event interface {
	// Type returns the event type.
	Type() EventType

	// OccurredAt returns when the event happened.
	OccurredAt() time.Time
}

// BaseEvent provides common event fields.
type BaseEvent struct {
	EventType EventType
	Timestamp time.Time
}

func (e BaseEvent) Type() EventType       { return e.EventType }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }

// NewBaseEvent creates a BaseEvent with the current timestamp.
func NewBaseEvent(t EventType) BaseEvent {
	return BaseEvent{EventType: t, Timestamp: time.Now().UTC()}
}

// TaskEvent is published on task lifecycle transitions.
type TaskEvent struct {
	BaseEvent
	TaskID    string
	BatchCode string
	Status    string
	Error     string
}

// AggregationEvent is published after an aggregation result is persisted.
type AggregationEvent struct {
	BaseEvent
	BatchCode string
	Level     string
	SchoolID  string
	Version   int
}
