package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aescanero/constellation/pkg/constellation"
	"github.com/aescanero/constellation/pkg/constructor"
	"github.com/aescanero/constellation/pkg/ports"
)

const planSystemPrompt = `You break requests into a dependency graph of tasks.
Answer only with plan lines, no prose:
- Task name: short description [priority]
A -> B                  (B waits for A)
C depends on A, B
Priorities are low, medium, high or critical. Refer to tasks by name.`

const followUpSystemPrompt = planSystemPrompt + `
You are shown a running plan and the latest task outcome. Add only new
tasks and dependencies that the outcome makes necessary. Existing tasks may
be referenced by name. Answer NONE if nothing should change.`

// maxResultLen bounds how much of a task result is quoted back to the model.
const maxResultLen = 500

// Editor plans constellations with an LLM and extends them as task results
// arrive.
type Editor struct {
	client       ports.LLMClient
	logger       *zap.Logger
	maxFollowUps int

	mu        sync.Mutex
	followUps map[string]int
}

// EditorOption configures an Editor.
type EditorOption func(*Editor)

// WithMaxFollowUps bounds the number of model calls made per constellation
// after creation. Zero disables follow-ups.
func WithMaxFollowUps(n int) EditorOption {
	return func(e *Editor) { e.maxFollowUps = n }
}

// NewEditor creates an Editor.
func NewEditor(client ports.LLMClient, logger *zap.Logger, opts ...EditorOption) *Editor {
	e := &Editor{
		client:       client,
		logger:       logger,
		maxFollowUps: 5,
		followUps:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create asks the model for a plan and builds it.
func (e *Editor) Create(ctx context.Context, request string) (*constellation.Constellation, error) {
	reply, err := e.client.Complete(ctx, planSystemPrompt, request)
	if err != nil {
		return nil, fmt.Errorf("failed to plan request: %w", err)
	}

	spec, err := constructor.ParseText(reply)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if spec.Name == "" {
		spec.Name = titleFrom(request)
	}
	spec.AddReferencedTasks()
	spec.Metadata = map[string]any{
		"request": request,
		"planner": e.client.Model(),
	}

	c, err := constructor.Build(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to build plan: %w", err)
	}

	e.logger.Info("constellation planned",
		zap.String("constellation_id", c.ID()),
		zap.String("model", e.client.Model()),
		zap.Int("tasks", len(spec.Tasks)),
		zap.Int("dependencies", len(spec.Dependencies)))
	return c, nil
}

// Process shows the model a finished task and applies any tasks or
// dependencies it adds. Other events are ignored.
func (e *Editor) Process(ctx context.Context, c *constellation.Constellation, ev ports.Event) error {
	if ev.Type != ports.EventTaskCompleted && ev.Type != ports.EventTaskFailed {
		return nil
	}
	if !e.takeFollowUp(c.ID()) {
		return nil
	}

	reply, err := e.client.Complete(ctx, followUpSystemPrompt, describe(c, ev))
	if err != nil {
		return fmt.Errorf("failed to ask for follow-up: %w", err)
	}
	if strings.EqualFold(strings.TrimSpace(reply), "NONE") {
		return nil
	}

	spec, err := constructor.ParseText(reply)
	if errors.Is(err, constructor.ErrEmptyPlan) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to parse follow-up: %w", err)
	}

	var applied constructor.Applied
	err = c.Update(func(tx *constellation.Txn) error {
		var err error
		applied, err = constructor.Apply(tx, spec)
		return err
	})
	if !applied.Empty() {
		e.logger.Info("constellation extended",
			zap.String("constellation_id", c.ID()),
			zap.String("trigger_task", ev.Task.TaskID),
			zap.Strings("tasks", applied.TaskIDs),
			zap.Strings("dependencies", applied.DependencyIDs))
	}
	if err != nil {
		return fmt.Errorf("failed to apply follow-up: %w", err)
	}
	return nil
}

// Forget drops the follow-up budget kept for a constellation.
func (e *Editor) Forget(constellationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.followUps, constellationID)
}

func (e *Editor) takeFollowUp(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.followUps[id] >= e.maxFollowUps {
		return false
	}
	e.followUps[id]++
	return true
}

func describe(c *constellation.Constellation, ev ports.Event) string {
	var sb strings.Builder
	if req, ok := c.Metadata()["request"].(string); ok && req != "" {
		fmt.Fprintf(&sb, "Request: %s\n\n", req)
	}
	sb.WriteString("Plan:\n")
	for _, t := range c.Tasks() {
		fmt.Fprintf(&sb, "- %s [%s]", t.Name, t.Status)
		if t.Error != "" {
			fmt.Fprintf(&sb, " error: %s", t.Error)
		}
		sb.WriteString("\n")
	}
	for _, d := range c.Dependencies() {
		from, _ := c.GetTask(d.FromTaskID)
		to, _ := c.GetTask(d.ToTaskID)
		fmt.Fprintf(&sb, "%s -> %s\n", from.Name, to.Name)
	}

	task, _ := c.GetTask(ev.Task.TaskID)
	fmt.Fprintf(&sb, "\nTask %q finished with status %s.\n", task.Name, ev.Task.Status)
	if ev.Task.Error != "" {
		fmt.Fprintf(&sb, "Error: %s\n", ev.Task.Error)
	}
	if ev.Task.Result != nil {
		result := fmt.Sprint(ev.Task.Result)
		if len(result) > maxResultLen {
			result = result[:maxResultLen] + "..."
		}
		fmt.Fprintf(&sb, "Result: %s\n", result)
	}
	return sb.String()
}

func titleFrom(request string) string {
	title := strings.TrimSpace(strings.SplitN(request, "\n", 2)[0])
	if len(title) > 60 {
		title = strings.TrimSpace(title[:60])
	}
	if title == "" {
		title = "plan"
	}
	return title
}
