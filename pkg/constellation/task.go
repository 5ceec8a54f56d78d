package constellation

import (
	"maps"
	"slices"
	"time"
)

// Task is a unit of work in a constellation.
//
// A Task value handed to AddTask is copied; the constellation owns its copy
// and only changes it through the lifecycle methods below, under its update
// lock. Accessors on Constellation return copies.
type Task struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Status         TaskStatus     `json:"status"`
	Priority       Priority       `json:"priority"`
	TargetDeviceID string         `json:"target_device_id,omitempty"`
	DeviceType     string         `json:"device_type,omitempty"`
	RetryCount     int            `json:"retry_count"`
	CurrentRetry   int            `json:"current_retry"`
	Timeout        time.Duration  `json:"timeout,omitempty"`
	Result         any            `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	DependencyIDs  []string       `json:"dependency_ids"`
	DependentIDs   []string       `json:"dependent_ids"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// NewTask creates a pending task with medium priority.
func NewTask(id, name, description string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          id,
		Name:        name,
		Description: description,
		Status:      TaskStatusPending,
		Priority:    PriorityMedium,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsTerminal reports whether the task reached a terminal status.
func (t *Task) IsTerminal() bool { return t.Status.IsTerminal() }

// ShouldRetry reports whether a failed execution may be retried.
func (t *Task) ShouldRetry() bool { return t.CurrentRetry < t.RetryCount }

// Duration returns how long the task ran, or zero if it has not finished.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// Start moves a pending or waiting task to running.
func (t *Task) Start() error {
	if !t.Status.IsWaiting() {
		return &StateError{TaskID: t.ID, Op: "start", Status: t.Status}
	}
	now := time.Now().UTC()
	t.Status = TaskStatusRunning
	t.StartedAt = &now
	t.UpdatedAt = now
	return nil
}

// Complete records a successful result.
func (t *Task) Complete(result any) error {
	if t.Status != TaskStatusRunning {
		return &StateError{TaskID: t.ID, Op: "complete", Status: t.Status}
	}
	t.finish(TaskStatusCompleted)
	t.Result = result
	t.Error = ""
	return nil
}

// Fail records a failed execution.
func (t *Task) Fail(err error) error {
	if t.Status != TaskStatusRunning {
		return &StateError{TaskID: t.ID, Op: "fail", Status: t.Status}
	}
	t.finish(TaskStatusFailed)
	if err != nil {
		t.Error = err.Error()
	}
	return nil
}

// Cancel stops a task that has not reached a terminal status.
func (t *Task) Cancel(reason string) error {
	if t.Status.IsTerminal() {
		return &StateError{TaskID: t.ID, Op: "cancel", Status: t.Status}
	}
	t.finish(TaskStatusCancelled)
	t.Error = reason
	return nil
}

// Retry puts a running or failed task back to pending and consumes one retry.
func (t *Task) Retry() error {
	if t.Status != TaskStatusRunning && t.Status != TaskStatusFailed {
		return &StateError{TaskID: t.ID, Op: "retry", Status: t.Status}
	}
	if !t.ShouldRetry() {
		return &StateError{TaskID: t.ID, Op: "retry (exhausted)", Status: t.Status}
	}
	t.CurrentRetry++
	t.Status = TaskStatusPending
	t.StartedAt = nil
	t.CompletedAt = nil
	t.Result = nil
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *Task) finish(status TaskStatus) {
	now := time.Now().UTC()
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.Status = status
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// Clone returns a copy that shares no slices or maps with t. Result is
// copied shallowly.
func (t *Task) Clone() *Task {
	cp := *t
	cp.DependencyIDs = slices.Clone(t.DependencyIDs)
	cp.DependentIDs = slices.Clone(t.DependentIDs)
	cp.Metadata = maps.Clone(t.Metadata)
	if t.StartedAt != nil {
		s := *t.StartedAt
		cp.StartedAt = &s
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		cp.CompletedAt = &c
	}
	return &cp
}

// insertSorted adds id to a sorted set slice.
func insertSorted(set []string, id string) []string {
	i, found := slices.BinarySearch(set, id)
	if found {
		return set
	}
	return slices.Insert(set, i, id)
}

// removeSorted deletes id from a sorted set slice.
func removeSorted(set []string, id string) []string {
	i, found := slices.BinarySearch(set, id)
	if !found {
		return set
	}
	return slices.Delete(set, i, i+1)
}
