package ports

import (
	"context"

	"github.com/aescanero/constellation/pkg/constellation"
)

// TaskExecutor runs a single task on its target device. Implementations must
// honour ctx cancellation; the orchestrator applies task timeouts through it.
type TaskExecutor interface {
	Execute(ctx context.Context, task constellation.Task) (any, error)
}

// TaskExecutorFunc adapts a function to TaskExecutor.
type TaskExecutorFunc func(ctx context.Context, task constellation.Task) (any, error)

// Execute calls f.
func (f TaskExecutorFunc) Execute(ctx context.Context, task constellation.Task) (any, error) {
	return f(ctx, task)
}
