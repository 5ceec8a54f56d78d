package ports

import "context"

// LLMClient completes a single prompt.
type LLMClient interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Model() string
}
