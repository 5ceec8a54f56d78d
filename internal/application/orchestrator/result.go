package orchestrator

import (
	"time"

	"github.com/aescanero/constellation/pkg/constellation"
)

// Result summarises one orchestration run.
type Result struct {
	ConstellationID string                   `json:"constellation_id"`
	State           constellation.State      `json:"state"`
	TaskResults     map[string]any           `json:"task_results"`
	TaskErrors      map[string]string        `json:"task_errors,omitempty"`
	ExecutionOrder  []string                 `json:"execution_order"`
	Statistics      constellation.Statistics `json:"statistics"`
	StartedAt       time.Time                `json:"started_at"`
	CompletedAt     time.Time                `json:"completed_at"`
}

// Duration returns the wall time of the run.
func (r *Result) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Succeeded reports whether every task completed.
func (r *Result) Succeeded() bool {
	return r.State == constellation.StateCompleted
}

func buildResult(c *constellation.Constellation, order []string, started time.Time) *Result {
	res := &Result{
		ConstellationID: c.ID(),
		State:           c.State(),
		TaskResults:     make(map[string]any),
		TaskErrors:      make(map[string]string),
		ExecutionOrder:  order,
		Statistics:      c.Statistics(),
		StartedAt:       started,
		CompletedAt:     time.Now(),
	}
	for _, t := range c.Tasks() {
		switch t.Status {
		case constellation.TaskStatusCompleted:
			res.TaskResults[t.ID] = t.Result
		case constellation.TaskStatusFailed, constellation.TaskStatusCancelled:
			res.TaskErrors[t.ID] = t.Error
		}
	}
	return res
}
