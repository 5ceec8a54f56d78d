package orchestrator

import (
	"fmt"

	"github.com/aescanero/constellation/internal/application/devices"
	"github.com/aescanero/constellation/pkg/constellation"
)

// Validator validates constellations before they are executed
type Validator struct {
	maxTasks int
}

// NewValidator creates a new validator. maxTasks <= 0 means no limit.
func NewValidator(maxTasks int) *Validator {
	return &Validator{maxTasks: maxTasks}
}

// Validate checks that c can be executed: it has tasks, stays within the
// task limit and its dependency graph is a well-formed DAG.
func (v *Validator) Validate(c *constellation.Constellation) error {
	if c == nil {
		return fmt.Errorf("constellation is nil")
	}

	stats := c.Statistics()
	if stats.TotalTasks == 0 {
		return ErrEmptyConstellation
	}
	if v.maxTasks > 0 && stats.TotalTasks > v.maxTasks {
		return &ValidationError{Problems: []string{
			fmt.Sprintf("%d tasks exceed the limit of %d", stats.TotalTasks, v.maxTasks),
		}}
	}

	if ok, problems := c.ValidateDAG(); !ok {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ValidateAssignments checks that manual assignments name known tasks and,
// when devices are registered, known devices.
func (v *Validator) ValidateAssignments(c *constellation.Constellation, assignments map[string]string, available []devices.Device) error {
	var problems []string
	known := make(map[string]bool, len(available))
	for _, d := range available {
		known[d.ID] = true
	}
	for _, taskID := range sortedKeys(assignments) {
		if _, ok := c.GetTask(taskID); !ok {
			problems = append(problems, "assignment references unknown task "+taskID)
		}
		if deviceID := assignments[taskID]; len(known) > 0 && !known[deviceID] {
			problems = append(problems, "task "+taskID+" assigned to unknown device "+deviceID)
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
