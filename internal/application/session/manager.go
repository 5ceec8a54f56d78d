package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/constellation/internal/application/controller"
	"github.com/aescanero/constellation/internal/application/orchestrator"
	"github.com/aescanero/constellation/pkg/constellation"
	"github.com/aescanero/constellation/pkg/constructor"
	"github.com/aescanero/constellation/pkg/ports"
)

var (
	// ErrAlreadyRunning is returned when a constellation is submitted while
	// its session is still running.
	ErrAlreadyRunning = errors.New("session already running")
	// ErrNotRunning is returned when cancelling a session that is not running.
	ErrNotRunning = errors.New("session not running")
)

// Config holds session limits
type Config struct {
	// GraphTimeout bounds a whole session. Zero means no limit.
	GraphTimeout time.Duration
	MaxRestarts  int
	Strategy     orchestrator.Strategy
}

// Info describes a session.
type Info struct {
	ConstellationID string                   `json:"constellation_id"`
	Name            string                   `json:"name"`
	State           constellation.State      `json:"state"`
	Session         controller.State         `json:"session"`
	Running         bool                     `json:"running"`
	Restarts        int                      `json:"restarts"`
	Error           string                   `json:"error,omitempty"`
	StartedAt       *time.Time               `json:"started_at,omitempty"`
	FinishedAt      *time.Time               `json:"finished_at,omitempty"`
	Statistics      constellation.Statistics `json:"statistics"`
}

// entry tracks one constellation known to the manager.
type entry struct {
	c *constellation.Constellation

	mu         sync.RWMutex
	state      controller.State
	running    bool
	restarts   int
	err        error
	startedAt  *time.Time
	finishedAt *time.Time
	result     *orchestrator.Result
	cancel     context.CancelFunc
	done       chan struct{}
}

func (e *entry) info() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	in := Info{
		ConstellationID: e.c.ID(),
		Name:            e.c.Name(),
		State:           e.c.State(),
		Session:         e.state,
		Running:         e.running,
		Restarts:        e.restarts,
		StartedAt:       e.startedAt,
		FinishedAt:      e.finishedAt,
		Statistics:      e.c.Statistics(),
	}
	if e.err != nil {
		in.Error = e.err.Error()
	}
	return in
}

// Manager owns running sessions and keeps their constellations persisted.
type Manager struct {
	orch           *orchestrator.Orchestrator
	bus            ports.EventBus
	storage        ports.StateStorage
	metrics        ports.MetricsCollector
	editor         controller.Editor
	shouldContinue controller.ContinueFunc
	logger         *zap.Logger
	cfg            Config

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup

	unsubscribe func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithEditor lets sessions plan requests and extend running graphs.
func WithEditor(e controller.Editor) Option {
	return func(m *Manager) { m.editor = e }
}

// WithContinue sets the continue hook of every session.
func WithContinue(fn controller.ContinueFunc) Option {
	return func(m *Manager) { m.shouldContinue = fn }
}

// NewManager creates a manager and starts persisting constellations on
// every event.
func NewManager(
	orch *orchestrator.Orchestrator,
	bus ports.EventBus,
	storage ports.StateStorage,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	cfg Config,
	opts ...Option,
) *Manager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	m := &Manager{
		orch:    orch,
		bus:     bus,
		storage: storage,
		metrics: metrics,
		editor:  controller.StaticEditor{},
		logger:  logger,
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unsubscribe = bus.Subscribe(ports.ObserverFunc(m.persist))
	return m
}

// Submit validates c, persists it and starts a session driving it.
func (m *Manager) Submit(ctx context.Context, c *constellation.Constellation, opts orchestrator.Options) (Info, error) {
	if err := m.orch.Validator().Validate(c); err != nil {
		m.logger.Error("constellation validation failed",
			zap.String("constellation_id", c.ID()),
			zap.Error(err))
		return Info{}, fmt.Errorf("validation failed: %w", err)
	}
	if opts.Strategy == "" {
		opts.Strategy = m.cfg.Strategy
	}

	m.mu.Lock()
	e, ok := m.entries[c.ID()]
	if ok && e.isRunning() {
		m.mu.Unlock()
		return Info{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, c.ID())
	}
	if !ok || e.c != c {
		e = &entry{c: c}
		m.entries[c.ID()] = e
	}
	sessCtx, cancel := m.sessionContext()
	now := time.Now().UTC()
	e.mu.Lock()
	e.running = true
	e.state = controller.StateStart
	e.err = nil
	e.startedAt = &now
	e.finishedAt = nil
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.save(ctx, c); err != nil {
		cancel()
		e.stopped(nil, err)
		m.wg.Done()
		return Info{}, err
	}

	m.metrics.RecordConstellationSubmitted()
	m.logger.Info("constellation submitted",
		zap.String("constellation_id", c.ID()),
		zap.String("name", c.Name()),
		zap.Int("tasks", len(c.Tasks())))

	go m.drive(sessCtx, e, opts)
	return e.info(), nil
}

// Plan asks the editor for a constellation serving request and submits it.
func (m *Manager) Plan(ctx context.Context, request string, opts orchestrator.Options) (Info, error) {
	c, err := m.editor.Create(ctx, request)
	if err != nil {
		return Info{}, fmt.Errorf("failed to plan request: %w", err)
	}
	return m.Submit(ctx, c, opts)
}

func (m *Manager) sessionContext() (context.Context, context.CancelFunc) {
	if m.cfg.GraphTimeout > 0 {
		return context.WithTimeout(context.Background(), m.cfg.GraphTimeout)
	}
	return context.WithCancel(context.Background())
}

func (m *Manager) drive(ctx context.Context, e *entry, opts orchestrator.Options) {
	defer m.wg.Done()

	ctlOpts := []controller.Option{
		controller.WithEditor(m.editor),
		controller.WithOrchestrationOptions(opts),
		controller.WithTransitionHook(func(_ *constellation.Constellation, t controller.Transition) {
			e.mu.Lock()
			e.state = t.To
			if t.Input == controller.InputRelaunch {
				e.restarts++
			}
			e.mu.Unlock()
		}),
	}
	if m.shouldContinue != nil {
		ctlOpts = append(ctlOpts, controller.WithContinue(m.shouldContinue))
	}
	if m.cfg.MaxRestarts > 0 {
		ctlOpts = append(ctlOpts, controller.WithMaxRestarts(m.cfg.MaxRestarts))
	}

	out, err := controller.New(m.orch, m.bus, m.logger, ctlOpts...).Drive(ctx, e.c)
	if errors.Is(err, context.DeadlineExceeded) {
		m.logger.Warn("constellation timed out",
			zap.String("constellation_id", e.c.ID()),
			zap.Duration("timeout", m.cfg.GraphTimeout))
	}
	if err := m.save(context.Background(), e.c); err != nil {
		m.logger.Error("failed to save final state",
			zap.String("constellation_id", e.c.ID()),
			zap.Error(err))
	}
	e.stopped(out, err)
}

func (e *entry) isRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *entry) stopped(out *controller.Outcome, err error) {
	now := time.Now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.finishedAt = &now
	e.err = err
	if out != nil {
		e.state = out.State
		e.restarts = out.Restarts
		e.result = out.Result
	} else {
		e.state = controller.StateFail
	}
	if e.cancel != nil {
		e.cancel()
	}
	close(e.done)
}

// Get returns the constellation with the given ID, loading it from storage
// when no session knows it.
func (m *Manager) Get(ctx context.Context, id string) (*constellation.Constellation, error) {
	e, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.c, nil
}

// Info returns the session view of a constellation.
func (m *Manager) Info(ctx context.Context, id string) (Info, error) {
	e, err := m.lookup(ctx, id)
	if err != nil {
		return Info{}, err
	}
	return e.info(), nil
}

// Result returns the result of the last orchestration run, if any.
func (m *Manager) Result(ctx context.Context, id string) (*orchestrator.Result, error) {
	e, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.result, nil
}

// List returns every known constellation, stored or in memory, by ID.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	ids, err := m.storage.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list constellations: %w", err)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	m.mu.Lock()
	for id := range m.entries {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)

	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		e, err := m.lookup(ctx, id)
		if errors.Is(err, ports.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, e.info())
	}
	return infos, nil
}

// Cancel stops a running session and cancels every task that has not run.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok || !e.isRunning() {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	e.mu.RLock()
	cancel, done := e.cancel, e.done
	e.mu.RUnlock()
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var cancelled []string
	_ = e.c.Update(func(tx *constellation.Txn) error {
		for _, tid := range tx.PendingTaskIDs() {
			comp, err := tx.CancelTask(tid, "cancelled by user")
			if err != nil {
				continue
			}
			cancelled = append(cancelled, comp.TaskID)
			cancelled = append(cancelled, comp.Cancelled...)
		}
		tx.SetState(constellation.StateFailed)
		return nil
	})
	for _, tid := range cancelled {
		m.publish(ctx, ports.NewTaskEvent(ports.EventTaskCancelled, id, ports.TaskEvent{
			TaskID: tid,
			Status: constellation.TaskStatusCancelled,
			Error:  "cancelled by user",
		}))
	}
	if err := m.save(ctx, e.c); err != nil {
		return err
	}

	m.logger.Info("constellation cancelled",
		zap.String("constellation_id", id),
		zap.Int("cancelled_tasks", len(cancelled)))
	return nil
}

// Delete forgets a constellation that is not running.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok && e.isRunning() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	delete(m.entries, id)
	m.mu.Unlock()

	if err := m.storage.Delete(ctx, id); err != nil && !errors.Is(err, ports.ErrNotFound) {
		return fmt.Errorf("failed to delete constellation: %w", err)
	}
	return nil
}

// AddTask adds a task to a constellation, running or not.
func (m *Manager) AddTask(ctx context.Context, id string, t *constellation.Task) error {
	return m.edit(ctx, id, "add_task", func(tx *constellation.Txn) error { return tx.AddTask(t) })
}

// RemoveTask removes a task that is not running, with its dependencies.
func (m *Manager) RemoveTask(ctx context.Context, id, taskID string) error {
	return m.edit(ctx, id, "remove_task", func(tx *constellation.Txn) error { return tx.RemoveTask(taskID) })
}

// AddDependency adds an edge between two tasks.
func (m *Manager) AddDependency(ctx context.Context, id string, d *constellation.Dependency) error {
	return m.edit(ctx, id, "add_dependency", func(tx *constellation.Txn) error { return tx.AddDependency(d) })
}

// RemoveDependency removes an edge.
func (m *Manager) RemoveDependency(ctx context.Context, id, depID string) error {
	return m.edit(ctx, id, "remove_dependency", func(tx *constellation.Txn) error { return tx.RemoveDependency(depID) })
}

// Extend adds the tasks and dependencies of a partial plan. Dependencies
// may refer to existing tasks by ID or by name. Elements added before a
// rejected one stay.
func (m *Manager) Extend(ctx context.Context, id string, spec *constructor.Spec) (constructor.Applied, error) {
	var applied constructor.Applied
	err := m.edit(ctx, id, "extend", func(tx *constellation.Txn) error {
		var err error
		applied, err = constructor.Apply(tx, spec)
		return err
	})
	return applied, err
}

// edit applies fn, persists the result and tells running sessions.
func (m *Manager) edit(ctx context.Context, id, op string, fn func(tx *constellation.Txn) error) error {
	e, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}
	var ready []string
	err = e.c.Update(func(tx *constellation.Txn) error {
		if err := fn(tx); err != nil {
			return err
		}
		for _, t := range tx.ReadyTasks() {
			ready = append(ready, t.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if err := m.save(ctx, e.c); err != nil {
		return err
	}
	m.publish(ctx, ports.NewConstellationEvent(ports.EventConstellationModified, id, ports.ConstellationEvent{
		State:         e.c.State(),
		NewReadyTasks: ready,
	}))
	m.logger.Debug("constellation modified",
		zap.String("constellation_id", id),
		zap.String("op", op))
	return nil
}

// lookup finds a known entry or restores one from storage.
func (m *Manager) lookup(ctx context.Context, id string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if ok {
		return e, nil
	}

	doc, err := m.storage.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load constellation: %w", err)
	}
	c, err := constellation.FromDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to restore constellation: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e, nil
	}
	e = &entry{c: c}
	m.entries[id] = e
	return e, nil
}

// persist saves the constellation an event is about.
func (m *Manager) persist(ctx context.Context, ev ports.Event) error {
	m.mu.Lock()
	e, ok := m.entries[ev.ConstellationID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.save(ctx, e.c)
}

func (m *Manager) save(ctx context.Context, c *constellation.Constellation) error {
	if err := m.storage.Save(ctx, c.ToDocument()); err != nil {
		return fmt.Errorf("failed to save constellation: %w", err)
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, ev ports.Event) {
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Error("failed to publish event",
			zap.String("event_type", string(ev.Type)),
			zap.String("constellation_id", ev.ConstellationID),
			zap.Error(err))
	}
}

// Shutdown cancels every running session and waits for them to stop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down session manager")

	m.mu.Lock()
	for _, e := range m.entries {
		e.mu.RLock()
		if e.running && e.cancel != nil {
			e.cancel()
		}
		e.mu.RUnlock()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("sessions still running: %w", ctx.Err())
	}
	m.unsubscribe()

	m.logger.Info("session manager shut down complete")
	return nil
}
