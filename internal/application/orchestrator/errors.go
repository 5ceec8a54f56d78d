package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTaskTimeout marks a task execution that exceeded its timeout.
	ErrTaskTimeout = errors.New("task timed out")
	// ErrEmptyConstellation is returned when there is nothing to run.
	ErrEmptyConstellation = errors.New("constellation has no tasks")
)

// DeadlockError reports that pending tasks remain but none can become ready
// and none are running.
type DeadlockError struct {
	ConstellationID string
	PendingTasks    []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock in constellation %s: no progress possible for tasks %s",
		e.ConstellationID, strings.Join(e.PendingTasks, ", "))
}

// FatalError reports an unexpected failure of the orchestration loop itself.
// The constellation is marked failed when one is returned.
type FatalError struct {
	ConstellationID string
	Err             error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("orchestration of %s aborted: %v", e.ConstellationID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// ValidationError lists the structural problems found before execution.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid constellation: " + strings.Join(e.Problems, "; ")
}
