package constellation

import (
	"fmt"
	"strings"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending           TaskStatus = "pending"
	TaskStatusWaitingDependency TaskStatus = "waiting_dependency"
	TaskStatusRunning           TaskStatus = "running"
	TaskStatusCompleted         TaskStatus = "completed"
	TaskStatusFailed            TaskStatus = "failed"
	TaskStatusCancelled         TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsWaiting reports whether the task has not started yet.
func (s TaskStatus) IsWaiting() bool {
	return s == TaskStatusPending || s == TaskStatusWaitingDependency
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusWaitingDependency, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Priority determines launch order among ready tasks. Higher runs first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// MarshalText persists the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	if _, ok := priorityNames[p]; !ok {
		return nil, fmt.Errorf("unknown priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText accepts a priority name, case-insensitively.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority converts a name such as "high" into a Priority. The empty
// string yields PriorityMedium.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityMedium, nil
	}
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// DependencyType selects how a dependency is satisfied by its prerequisite.
type DependencyType string

const (
	DependencyUnconditional  DependencyType = "unconditional"
	DependencySuccessOnly    DependencyType = "success_only"
	DependencyCompletionOnly DependencyType = "completion_only"
	DependencyConditional    DependencyType = "conditional"
)

// ParseDependencyType converts a name into a DependencyType. The empty string
// yields DependencyUnconditional.
func ParseDependencyType(s string) (DependencyType, error) {
	t := DependencyType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case "":
		return DependencyUnconditional, nil
	case DependencyUnconditional, DependencySuccessOnly, DependencyCompletionOnly, DependencyConditional:
		return t, nil
	}
	return "", fmt.Errorf("unknown dependency type %q", s)
}

// State is the aggregate state of a constellation.
type State string

const (
	StateCreated         State = "created"
	StateReady           State = "ready"
	StateExecuting       State = "executing"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StatePartiallyFailed State = "partially_failed"
)

// IsTerminal reports whether the constellation finished executing.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StatePartiallyFailed
}
