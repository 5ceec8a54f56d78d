package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aescanero/constellation/pkg/constellation"
)

// EventType identifies an orchestration event.
type EventType string

const (
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskRetrying  EventType = "task.retrying"
	EventTaskCancelled EventType = "task.cancelled"

	EventConstellationStarted   EventType = "constellation.started"
	EventConstellationCompleted EventType = "constellation.completed"
	EventConstellationFailed    EventType = "constellation.failed"
	EventConstellationModified  EventType = "constellation.modified"
)

// IsTask reports whether t is a task-level event.
func (t EventType) IsTask() bool {
	switch t {
	case EventTaskStarted, EventTaskCompleted, EventTaskFailed, EventTaskRetrying, EventTaskCancelled:
		return true
	}
	return false
}

// Event is published on the bus. Exactly one of Task or Constellation is set.
type Event struct {
	ID              string              `json:"id"`
	Type            EventType           `json:"type"`
	Timestamp       time.Time           `json:"timestamp"`
	ConstellationID string              `json:"constellation_id"`
	Task            *TaskEvent          `json:"task,omitempty"`
	Constellation   *ConstellationEvent `json:"constellation,omitempty"`
}

// TaskEvent carries the payload of a task.* event.
type TaskEvent struct {
	TaskID        string                   `json:"task_id"`
	Status        constellation.TaskStatus `json:"status"`
	Result        any                      `json:"result,omitempty"`
	Error         string                   `json:"error,omitempty"`
	NewReadyTasks []string                 `json:"new_ready_tasks,omitempty"`
	Attempt       int                      `json:"attempt,omitempty"`
	DeviceID      string                   `json:"device_id,omitempty"`
}

// ConstellationEvent carries the payload of a constellation.* event.
type ConstellationEvent struct {
	State         constellation.State       `json:"state"`
	NewReadyTasks []string                  `json:"new_ready_tasks,omitempty"`
	Statistics    *constellation.Statistics `json:"statistics,omitempty"`
	Error         string                    `json:"error,omitempty"`
}

// NewTaskEvent builds a task event stamped with a fresh ID and time.
func NewTaskEvent(t EventType, constellationID string, payload TaskEvent) Event {
	return Event{
		ID:              uuid.NewString(),
		Type:            t,
		Timestamp:       time.Now().UTC(),
		ConstellationID: constellationID,
		Task:            &payload,
	}
}

// NewConstellationEvent builds a constellation event stamped with a fresh ID
// and time.
func NewConstellationEvent(t EventType, constellationID string, payload ConstellationEvent) Event {
	return Event{
		ID:              uuid.NewString(),
		Type:            t,
		Timestamp:       time.Now().UTC(),
		ConstellationID: constellationID,
		Constellation:   &payload,
	}
}

// Observer receives events from the bus. Returned errors are logged by the
// bus and never reach the publisher.
type Observer interface {
	OnEvent(ctx context.Context, event Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event Event) error

// OnEvent calls f.
func (f ObserverFunc) OnEvent(ctx context.Context, event Event) error { return f(ctx, event) }

// EventBus fans events out to observers.
type EventBus interface {
	// Subscribe registers o for the given types, or for every type when none
	// are given. The returned function removes the subscription. A bus may
	// drop events for an observer that falls too far behind.
	Subscribe(o Observer, types ...EventType) (unsubscribe func())

	// Publish delivers event to every matching subscriber without waiting
	// for them to handle it.
	Publish(ctx context.Context, event Event) error
}
