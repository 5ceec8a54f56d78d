// Package simulated provides a TaskExecutor that pretends to run tasks. It is
// used by the run command and in tests to exercise orchestration without real
// devices.
package simulated

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/constellation/pkg/constellation"
)

// Metadata keys read from a task to steer the simulation.
const (
	MetaDelay    = "simulate_delay"    // duration string, e.g. "250ms"
	MetaFail     = "simulate_fail"     // true to fail every attempt
	MetaFailures = "simulate_failures" // number of attempts that fail before success
)

// Executor sleeps for a configured delay and then succeeds or fails.
type Executor struct {
	delay  time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	failures map[string]int // task ID or lower-cased name -> failing attempts, -1 for always
	delays   map[string]time.Duration
	attempts map[string]int
	order    []string
}

// Option configures an Executor.
type Option func(*Executor)

// WithDelay sets the default execution time.
func WithDelay(d time.Duration) Option {
	return func(e *Executor) { e.delay = d }
}

// WithTaskDelay overrides the execution time of one task, referenced by ID
// or name.
func WithTaskDelay(ref string, d time.Duration) Option {
	return func(e *Executor) { e.delays[normalize(ref)] = d }
}

// WithFailures makes the first n attempts of a task fail. n < 0 fails every
// attempt.
func WithFailures(ref string, n int) Option {
	return func(e *Executor) { e.failures[normalize(ref)] = n }
}

// New creates an Executor.
func New(logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		logger:   logger,
		failures: make(map[string]int),
		delays:   make(map[string]time.Duration),
		attempts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute simulates task. It returns ctx.Err() if ctx ends first.
func (e *Executor) Execute(ctx context.Context, task constellation.Task) (any, error) {
	e.mu.Lock()
	e.attempts[task.ID]++
	attempt := e.attempts[task.ID]
	e.order = append(e.order, task.ID)
	delay := e.delayFor(task)
	failing := e.failingAttempts(task)
	e.mu.Unlock()

	e.logger.Debug("simulating task",
		zap.String("task_id", task.ID),
		zap.String("device_id", task.TargetDeviceID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	if failing < 0 || attempt <= failing {
		return nil, fmt.Errorf("simulated failure of %s on attempt %d", task.ID, attempt)
	}
	return map[string]any{
		"task_id":   task.ID,
		"device_id": task.TargetDeviceID,
		"attempt":   attempt,
		"output":    "simulated " + task.Name,
	}, nil
}

// Attempts returns how many times the task was executed.
func (e *Executor) Attempts(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[taskID]
}

// Order returns task IDs in the order executions began.
func (e *Executor) Order() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func (e *Executor) delayFor(task constellation.Task) time.Duration {
	if d, ok := e.lookupDelay(task); ok {
		return d
	}
	if s, ok := task.Metadata[MetaDelay].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return e.delay
}

func (e *Executor) lookupDelay(task constellation.Task) (time.Duration, bool) {
	if d, ok := e.delays[normalize(task.ID)]; ok {
		return d, true
	}
	d, ok := e.delays[normalize(task.Name)]
	return d, ok
}

func (e *Executor) failingAttempts(task constellation.Task) int {
	if n, ok := e.failures[normalize(task.ID)]; ok {
		return n
	}
	if n, ok := e.failures[normalize(task.Name)]; ok {
		return n
	}
	if fail, ok := task.Metadata[MetaFail].(bool); ok && fail {
		return -1
	}
	switch n := task.Metadata[MetaFailures].(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func normalize(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}
