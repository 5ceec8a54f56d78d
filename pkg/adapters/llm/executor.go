package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aescanero/constellation/pkg/constellation"
	"github.com/aescanero/constellation/pkg/ports"
)

const executeSystemPrompt = `You carry out one step of a larger plan.
Do the work the task describes and answer with its result only.`

// Executor runs tasks by sending them to a model. It serves tasks whose work
// is itself a prompt, such as summarising or drafting.
type Executor struct {
	client ports.LLMClient
	logger *zap.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(client ports.LLMClient, logger *zap.Logger) *Executor {
	return &Executor{client: client, logger: logger}
}

// Execute prompts the model with the task and returns its reply.
func (e *Executor) Execute(ctx context.Context, task constellation.Task) (any, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Task: %s\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&prompt, "Details: %s\n", task.Description)
	}
	if input, ok := task.Metadata["input"].(string); ok && input != "" {
		fmt.Fprintf(&prompt, "Input:\n%s\n", input)
	}

	reply, err := e.client.Complete(ctx, executeSystemPrompt, prompt.String())
	if err != nil {
		return nil, fmt.Errorf("LLM call failed: %w", err)
	}

	e.logger.Debug("task executed by model",
		zap.String("task_id", task.ID),
		zap.String("model", e.client.Model()),
		zap.Int("reply_len", len(reply)))
	return strings.TrimSpace(reply), nil
}
