package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aescanero/constellation/internal/application/devices"
	"github.com/aescanero/constellation/internal/observability"
	"github.com/aescanero/constellation/pkg/constellation"
	"github.com/aescanero/constellation/pkg/ports"
)

// ErrAlreadyRunning is returned when a constellation is orchestrated twice
// at the same time.
var ErrAlreadyRunning = errors.New("constellation is already being orchestrated")

// Config holds orchestration limits
type Config struct {
	MaxConcurrentTasks int
	PollInterval       time.Duration
	DefaultTaskTimeout time.Duration
	MaxTasks           int
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 10,
		PollInterval:       500 * time.Millisecond,
	}
}

// Options tunes a single run.
type Options struct {
	// Assignments maps task IDs to device IDs and overrides every strategy.
	Assignments map[string]string
	Strategy    Strategy
}

// Orchestrator drives constellations to completion against a TaskExecutor
type Orchestrator struct {
	executor  ports.TaskExecutor
	bus       ports.EventBus
	devices   DeviceProvider
	metrics   ports.MetricsCollector
	validator *Validator
	tracer    trace.Tracer
	logger    *zap.Logger
	cfg       Config

	runs    sync.Map // constellation ID -> struct{}
	active  atomic.Int64
	running atomic.Int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDevices assigns tasks to devices from p and tracks their load.
func WithDevices(p DeviceProvider) Option {
	return func(o *Orchestrator) { o.devices = p }
}

// WithMetrics records orchestration metrics.
func WithMetrics(m ports.MetricsCollector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// New creates an orchestrator. Zero limits in cfg take DefaultConfig values.
func New(executor ports.TaskExecutor, bus ports.EventBus, cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	o := &Orchestrator{
		executor:  executor,
		bus:       bus,
		metrics:   ports.NopMetrics{},
		validator: NewValidator(cfg.MaxTasks),
		tracer:    observability.Tracer(),
		logger:    logger,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Validator returns the validator applied before every run.
func (o *Orchestrator) Validator() *Validator {
	return o.validator
}

// Orchestrate runs c until every task is terminal.
//
// Task failures are recorded in the constellation and never returned. The
// error is a *ValidationError before anything runs, a *DeadlockError when
// pending tasks can no longer become ready, a *FatalError when the loop
// itself breaks, or ctx.Err() on cancellation. The Result is returned
// whenever the run started.
func (o *Orchestrator) Orchestrate(ctx context.Context, c *constellation.Constellation, opts Options) (res *Result, err error) {
	if err := o.validator.Validate(c); err != nil {
		return nil, err
	}
	if err := o.validator.ValidateAssignments(c, opts.Assignments, o.available()); err != nil {
		return nil, err
	}
	if _, loaded := o.runs.LoadOrStore(c.ID(), struct{}{}); loaded {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, c.ID())
	}
	defer o.runs.Delete(c.ID())

	o.metrics.SetActiveConstellations(int(o.active.Add(1)))
	defer func() { o.metrics.SetActiveConstellations(int(o.active.Add(-1))) }()

	ctx, span := o.tracer.Start(ctx, "constellation.orchestrate", trace.WithAttributes(
		attribute.String("constellation.id", c.ID()),
		attribute.String("constellation.name", c.Name()),
	))
	defer span.End()

	r := newRun(o, c, opts)
	defer func() {
		if p := recover(); p != nil {
			err = r.fatal(ctx, fmt.Errorf("panic: %v", p))
		}
		if res == nil {
			res = buildResult(c, r.order, r.started)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("constellation.state", string(res.State)))
	}()
	return r.execute(ctx)
}

// ExecuteSingleTask runs one task outside any constellation, applying its
// timeout and retry policy.
func (o *Orchestrator) ExecuteSingleTask(ctx context.Context, task constellation.Task) (any, error) {
	if task.TargetDeviceID == "" {
		task.TargetDeviceID = newAssigner(StrategyCapability, nil).pick(task, o.available())
	}
	if task.TargetDeviceID != "" && o.devices != nil {
		if err := o.devices.Acquire(task.TargetDeviceID, task.ID); err == nil {
			defer o.devices.Release(task.TargetDeviceID)
		}
	}

	for {
		o.metrics.RecordTaskStarted(task.DeviceType)
		start := time.Now()
		result, err := o.invoke(ctx, task)
		if err == nil {
			o.metrics.RecordTaskFinished(string(constellation.TaskStatusCompleted), time.Since(start))
			return result, nil
		}
		o.metrics.RecordTaskFinished(string(constellation.TaskStatusFailed), time.Since(start))
		if ctx.Err() != nil || !task.ShouldRetry() {
			return nil, err
		}
		task.CurrentRetry++
		o.metrics.RecordTaskRetry()
		o.logger.Warn("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.CurrentRetry+1),
			zap.Error(err))
	}
}

func (o *Orchestrator) available() []devices.Device {
	if o.devices == nil {
		return nil
	}
	return o.devices.Available()
}

// invoke runs the executor under the task timeout. A timeout is reported
// even if the executor ignores ctx.
func (o *Orchestrator) invoke(ctx context.Context, task constellation.Task) (any, error) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTaskTimeout
	}
	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	execCtx, span := o.tracer.Start(execCtx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.name", task.Name),
		attribute.String("device.id", task.TargetDeviceID),
		attribute.Int("task.attempt", task.CurrentRetry+1),
	))
	defer span.End()

	type reply struct {
		result any
		err    error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- reply{err: fmt.Errorf("executor panic: %v", p)}
			}
		}()
		result, err := o.executor.Execute(execCtx, task)
		ch <- reply{result: result, err: err}
	}()

	var rep reply
	select {
	case rep = <-ch:
	case <-execCtx.Done():
		rep.err = execCtx.Err()
	}
	if rep.err != nil && ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		rep.err = fmt.Errorf("%w after %s", ErrTaskTimeout, timeout)
	}
	if rep.err != nil {
		span.RecordError(rep.err)
		span.SetStatus(codes.Error, rep.err.Error())
		return nil, rep.err
	}
	return rep.result, nil
}

// flight is a task execution the loop is waiting for.
type flight struct {
	deviceID string
	acquired bool
}

type outcome struct {
	task     constellation.Task
	result   any
	err      error
	duration time.Duration
}

// run holds the state of one Orchestrate call. Only the loop goroutine
// touches it, apart from done and wake.
type run struct {
	o        *Orchestrator
	c        *constellation.Constellation
	assigner *assigner
	sem      *semaphore.Weighted
	inFlight map[string]*flight
	done     chan outcome
	wake     chan struct{}
	wg       sync.WaitGroup
	order    []string
	started  time.Time
	logger   *zap.Logger
}

func newRun(o *Orchestrator, c *constellation.Constellation, opts Options) *run {
	return &run{
		o:        o,
		c:        c,
		assigner: newAssigner(opts.Strategy, opts.Assignments),
		sem:      semaphore.NewWeighted(int64(o.cfg.MaxConcurrentTasks)),
		inFlight: make(map[string]*flight),
		// Each in-flight task sends once, and at most MaxConcurrentTasks are
		// in flight, so executions never block on send.
		done:    make(chan outcome, o.cfg.MaxConcurrentTasks),
		wake:    make(chan struct{}, 1),
		started: time.Now(),
		logger:  o.logger.With(zap.String("constellation_id", c.ID())),
	}
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	// Deferred in this order so executions are cancelled before waiting.
	defer r.wg.Wait()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsubscribe := r.o.bus.Subscribe(ports.ObserverFunc(func(_ context.Context, ev ports.Event) error {
		if ev.ConstellationID == r.c.ID() {
			select {
			case r.wake <- struct{}{}:
			default:
			}
		}
		return nil
	}), ports.EventConstellationModified)
	defer unsubscribe()

	var ready []string
	available := r.o.available()
	err := r.c.Update(func(tx *constellation.Txn) error {
		if _, err := r.assigner.assignAll(tx, available); err != nil {
			return err
		}
		tx.SetState(constellation.StateExecuting)
		for _, t := range tx.ReadyTasks() {
			ready = append(ready, t.ID)
		}
		return nil
	})
	if err != nil {
		return nil, r.fatal(ctx, fmt.Errorf("failed to assign devices: %w", err))
	}

	stats := r.c.Statistics()
	r.publish(ctx, ports.NewConstellationEvent(ports.EventConstellationStarted, r.c.ID(), ports.ConstellationEvent{
		State:         constellation.StateExecuting,
		NewReadyTasks: ready,
		Statistics:    &stats,
	}))
	r.logger.Info("orchestration started",
		zap.Int("tasks", stats.TotalTasks),
		zap.Int("ready", len(ready)),
		zap.Int("max_concurrent", r.o.cfg.MaxConcurrentTasks))

	ticker := time.NewTicker(r.o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil, r.cancelled(ctx)
		}
		complete, deadlock, err := r.launchReady(runCtx)
		if err != nil {
			return nil, r.fatal(ctx, err)
		}
		if deadlock != nil {
			return nil, r.deadlocked(ctx, deadlock)
		}
		if complete {
			return r.finish(ctx), nil
		}

		select {
		case out := <-r.done:
			if out.err != nil && ctx.Err() != nil {
				// The failure is the cancellation itself; the task is
				// cancelled below rather than failed.
				return nil, r.cancelled(ctx)
			}
			if err := r.apply(ctx, out); err != nil {
				return nil, r.fatal(ctx, err)
			}
		case <-r.wake:
		case <-ticker.C:
		case <-ctx.Done():
			return nil, r.cancelled(ctx)
		}
	}
}

// launchReady starts every ready task a concurrency slot is free for. The
// slots are taken with TryAcquire so the update lock is never held while
// waiting.
func (r *run) launchReady(ctx context.Context) (complete bool, deadlock *DeadlockError, err error) {
	available := r.o.available()
	var launched []constellation.Task

	err = r.c.Update(func(tx *constellation.Txn) error {
		for _, t := range tx.ReadyTasks() {
			if _, ok := r.inFlight[t.ID]; ok {
				continue
			}
			if !r.sem.TryAcquire(1) {
				break
			}
			if _, err := r.assigner.assign(tx, t, available); err != nil {
				r.sem.Release(1)
				return err
			}
			if err := tx.StartTask(t.ID); err != nil {
				r.sem.Release(1)
				return fmt.Errorf("failed to start task %s: %w", t.ID, err)
			}
			started, _ := tx.Task(t.ID)
			r.inFlight[t.ID] = &flight{deviceID: started.TargetDeviceID}
			launched = append(launched, started)
		}
		if len(r.inFlight) > 0 {
			return nil
		}
		if tx.IsComplete() {
			complete = true
			return nil
		}
		deadlock = &DeadlockError{ConstellationID: tx.ID(), PendingTasks: tx.PendingTaskIDs()}
		return nil
	})
	if err != nil {
		return false, nil, err
	}

	for _, t := range launched {
		r.launch(ctx, t)
	}
	return complete, deadlock, nil
}

func (r *run) launch(ctx context.Context, t constellation.Task) {
	f := r.inFlight[t.ID]
	if f.deviceID != "" {
		r.assigner.started(f.deviceID)
		if r.o.devices != nil {
			if err := r.o.devices.Acquire(f.deviceID, t.ID); err != nil {
				r.logger.Warn("running task on untracked device",
					zap.String("task_id", t.ID),
					zap.String("device_id", f.deviceID),
					zap.Error(err))
			} else {
				f.acquired = true
			}
		}
	}

	r.order = append(r.order, t.ID)
	r.o.metrics.RecordTaskStarted(t.DeviceType)
	r.o.metrics.SetRunningTasks(int(r.o.running.Add(1)))

	r.publish(ctx, ports.NewTaskEvent(ports.EventTaskStarted, r.c.ID(), ports.TaskEvent{
		TaskID:   t.ID,
		Status:   t.Status,
		Attempt:  t.CurrentRetry + 1,
		DeviceID: f.deviceID,
	}))
	r.logger.Debug("task launched",
		zap.String("task_id", t.ID),
		zap.String("device_id", f.deviceID),
		zap.Int("attempt", t.CurrentRetry+1))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		start := time.Now()
		result, err := r.o.invoke(ctx, t)
		r.done <- outcome{task: t, result: result, err: err, duration: time.Since(start)}
	}()
}

// apply commits one execution outcome and publishes its events afterwards.
func (r *run) apply(ctx context.Context, out outcome) error {
	id := out.task.ID
	f, ok := r.inFlight[id]
	if !ok {
		return nil
	}
	delete(r.inFlight, id)
	r.sem.Release(1)
	r.release(f)

	var (
		comp    *constellation.Completion
		retried *constellation.Task
	)
	err := r.c.Update(func(tx *constellation.Txn) error {
		t, ok := tx.Task(id)
		if !ok || t.Status != constellation.TaskStatusRunning {
			// Cancelled or edited away while running; the result is dropped.
			return nil
		}
		if out.err == nil {
			var err error
			comp, err = tx.Complete(id, true, out.result, nil)
			return err
		}
		if t.ShouldRetry() {
			if err := tx.RetryTask(id); err != nil {
				return err
			}
			t, _ = tx.Task(id)
			retried = &t
			return nil
		}
		var err error
		comp, err = tx.Complete(id, false, nil, out.err)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to apply outcome of %s: %w", id, err)
	}

	switch {
	case retried != nil:
		r.o.metrics.RecordTaskFinished(string(constellation.TaskStatusFailed), out.duration)
		r.o.metrics.RecordTaskRetry()
		r.logger.Warn("task failed, retrying",
			zap.String("task_id", id),
			zap.Int("retry", retried.CurrentRetry),
			zap.Int("max_retries", retried.RetryCount),
			zap.Error(out.err))
		r.publish(ctx, ports.NewTaskEvent(ports.EventTaskRetrying, r.c.ID(), ports.TaskEvent{
			TaskID:  id,
			Status:  retried.Status,
			Error:   out.err.Error(),
			Attempt: retried.CurrentRetry,
		}))
	case comp != nil:
		r.o.metrics.RecordTaskFinished(string(comp.Status), out.duration)
		r.publishCompletion(ctx, comp, out, f.deviceID)
	default:
		r.logger.Debug("dropped outcome of task no longer running", zap.String("task_id", id))
	}
	return nil
}

func (r *run) publishCompletion(ctx context.Context, comp *constellation.Completion, out outcome, deviceID string) {
	ev := ports.TaskEvent{
		TaskID:        comp.TaskID,
		Status:        comp.Status,
		NewReadyTasks: comp.NewlyReady,
		Attempt:       out.task.CurrentRetry + 1,
		DeviceID:      deviceID,
	}
	evType := ports.EventTaskCompleted
	if comp.Status == constellation.TaskStatusCompleted {
		ev.Result = out.result
		r.logger.Info("task completed",
			zap.String("task_id", comp.TaskID),
			zap.Duration("duration", out.duration),
			zap.Strings("new_ready", comp.NewlyReady))
	} else {
		evType = ports.EventTaskFailed
		ev.Error = out.err.Error()
		r.logger.Warn("task failed",
			zap.String("task_id", comp.TaskID),
			zap.Duration("duration", out.duration),
			zap.Strings("cancelled_dependents", comp.Cancelled),
			zap.Error(out.err))
	}
	r.publish(ctx, ports.NewTaskEvent(evType, r.c.ID(), ev))
	r.publishCancelled(ctx, comp.Cancelled)
}

func (r *run) publishCancelled(ctx context.Context, ids []string) {
	for _, id := range ids {
		t, _ := r.c.GetTask(id)
		r.publish(ctx, ports.NewTaskEvent(ports.EventTaskCancelled, r.c.ID(), ports.TaskEvent{
			TaskID: id,
			Status: constellation.TaskStatusCancelled,
			Error:  t.Error,
		}))
	}
}

func (r *run) release(f *flight) {
	r.o.metrics.SetRunningTasks(int(r.o.running.Add(-1)))
	if f.acquired {
		r.o.devices.Release(f.deviceID)
	}
}

func (r *run) finish(ctx context.Context) *Result {
	var state constellation.State
	_ = r.c.Update(func(tx *constellation.Txn) error {
		state = tx.Finish()
		return nil
	})
	stats := r.c.Statistics()

	evType := ports.EventConstellationCompleted
	if state != constellation.StateCompleted {
		evType = ports.EventConstellationFailed
	}
	r.publish(ctx, ports.NewConstellationEvent(evType, r.c.ID(), ports.ConstellationEvent{
		State:      state,
		Statistics: &stats,
	}))
	r.o.metrics.RecordConstellationFinished(string(state), stats.Duration())
	r.logger.Info("orchestration finished",
		zap.String("state", string(state)),
		zap.Int("completed", stats.Count(constellation.TaskStatusCompleted)),
		zap.Int("failed", stats.Count(constellation.TaskStatusFailed)),
		zap.Int("cancelled", stats.Count(constellation.TaskStatusCancelled)),
		zap.Duration("duration", stats.Duration()))
	return buildResult(r.c, r.order, r.started)
}

func (r *run) deadlocked(ctx context.Context, dl *DeadlockError) error {
	r.logger.Error("orchestration deadlocked", zap.Strings("pending_tasks", dl.PendingTasks))
	r.abort(ctx, dl)
	return dl
}

// cancelled marks in-flight tasks cancelled. Completed work is kept.
func (r *run) cancelled(ctx context.Context) error {
	r.logger.Warn("orchestration cancelled", zap.Int("in_flight", len(r.inFlight)))
	r.abort(ctx, ctx.Err())
	return ctx.Err()
}

func (r *run) fatal(ctx context.Context, err error) error {
	r.logger.Error("orchestration aborted", zap.Error(err))
	func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("cleanup after fatal error failed", zap.Any("panic", p))
			}
		}()
		r.abort(ctx, err)
	}()
	return &FatalError{ConstellationID: r.c.ID(), Err: err}
}

// abort cancels in-flight tasks, marks the constellation failed and
// publishes the failure.
func (r *run) abort(ctx context.Context, cause error) {
	var cancelled []string
	_ = r.c.Update(func(tx *constellation.Txn) error {
		for _, id := range sortedKeys(r.inFlight) {
			comp, err := tx.CancelTask(id, "orchestration stopped: "+cause.Error())
			if err != nil {
				continue
			}
			cancelled = append(cancelled, comp.TaskID)
			cancelled = append(cancelled, comp.Cancelled...)
		}
		tx.SetState(constellation.StateFailed)
		return nil
	})
	for id, f := range r.inFlight {
		delete(r.inFlight, id)
		r.sem.Release(1)
		r.release(f)
	}

	ctx = context.WithoutCancel(ctx)
	r.publishCancelled(ctx, cancelled)
	stats := r.c.Statistics()
	r.publish(ctx, ports.NewConstellationEvent(ports.EventConstellationFailed, r.c.ID(), ports.ConstellationEvent{
		State:      constellation.StateFailed,
		Statistics: &stats,
		Error:      cause.Error(),
	}))
	r.o.metrics.RecordConstellationFinished(string(constellation.StateFailed), stats.Duration())
}

func (r *run) publish(ctx context.Context, ev ports.Event) {
	if err := r.o.bus.Publish(ctx, ev); err != nil {
		r.logger.Error("failed to publish event",
			zap.String("event_type", string(ev.Type)),
			zap.Error(err))
	}
}
