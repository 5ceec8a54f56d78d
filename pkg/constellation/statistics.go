package constellation

import (
	"maps"
	"time"
)

// Statistics is a point-in-time summary of a constellation.
type Statistics struct {
	ConstellationID       string             `json:"constellation_id"`
	Name                  string             `json:"name"`
	State                 State              `json:"state"`
	TotalTasks            int                `json:"total_tasks"`
	TotalDependencies     int                `json:"total_dependencies"`
	SatisfiedDependencies int                `json:"satisfied_dependencies"`
	TaskStatusCounts      map[TaskStatus]int `json:"task_status_counts"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
	StartedAt             *time.Time         `json:"started_at,omitempty"`
	CompletedAt           *time.Time         `json:"completed_at,omitempty"`
}

// Count returns the number of tasks in the given status.
func (s Statistics) Count(status TaskStatus) int {
	return s.TaskStatusCounts[status]
}

// Duration returns the execution time so far, or zero if not started.
func (s Statistics) Duration() time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	if s.CompletedAt == nil {
		return time.Since(*s.StartedAt)
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}

func (s Statistics) clone() Statistics {
	s.TaskStatusCounts = maps.Clone(s.TaskStatusCounts)
	return s
}

// refreshStats publishes a new snapshot. Callers hold the update lock.
func (c *Constellation) refreshStats() {
	s := &Statistics{
		ConstellationID:   c.id,
		Name:              c.name,
		State:             c.state,
		TotalTasks:        len(c.tasks),
		TotalDependencies: len(c.deps),
		TaskStatusCounts:  make(map[TaskStatus]int),
		CreatedAt:         c.createdAt,
		UpdatedAt:         c.updatedAt,
	}
	for _, t := range c.tasks {
		s.TaskStatusCounts[t.Status]++
	}
	for _, d := range c.deps {
		if d.Satisfied {
			s.SatisfiedDependencies++
		}
	}
	if c.startedAt != nil {
		t := *c.startedAt
		s.StartedAt = &t
	}
	if c.completedAt != nil {
		t := *c.completedAt
		s.CompletedAt = &t
	}
	c.stats.Store(s)
}
