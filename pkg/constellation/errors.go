package constellation

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateID       = errors.New("duplicate id")
	ErrUnknownTask       = errors.New("unknown task")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("cycle detected")
	ErrInvalidState      = errors.New("invalid state transition")
)

// StructuralError reports an edit rejected because it would break the graph's
// structure. The graph is left unchanged when one is returned.
type StructuralError struct {
	Kind error
	Msg  string
}

func (e *StructuralError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *StructuralError) Unwrap() error { return e.Kind }

func structuralf(kind error, format string, args ...any) error {
	return &StructuralError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// StateError reports a lifecycle operation that is not allowed from the
// task's current status.
type StateError struct {
	TaskID string
	Op     string
	Status TaskStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s task %q in status %s", e.Op, e.TaskID, e.Status)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
