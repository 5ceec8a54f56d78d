package constellation

import (
	"errors"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// LockSpan describes one hold of the update lock.
type LockSpan struct {
	Op       string
	Acquired time.Time
	Released time.Time
}

// Option configures a Constellation.
type Option func(*Constellation)

// WithID sets the constellation ID instead of generating one.
func WithID(id string) Option {
	return func(c *Constellation) { c.id = id }
}

// WithMetadata sets the initial metadata.
func WithMetadata(md map[string]any) Option {
	return func(c *Constellation) { c.metadata = maps.Clone(md) }
}

// WithLockTracer registers fn to receive every update-lock hold. fn is called
// after the lock is released.
func WithLockTracer(fn func(LockSpan)) Option {
	return func(c *Constellation) { c.tracer = fn }
}

// Completion describes the effect of a task reaching a terminal status.
type Completion struct {
	TaskID     string
	Status     TaskStatus
	NewlyReady []string
	Cancelled  []string
}

// Constellation is a mutable DAG of tasks and dependencies.
//
// Every structural read and write goes through a single update lock, so the
// orchestrator computing readiness and an editor changing the graph never
// interleave. Statistics is the only lock-free read.
type Constellation struct {
	id   string
	name string

	mu       sync.Mutex
	tracer   func(LockSpan)
	state    State
	tasks    map[string]*Task
	deps     map[string]*Dependency
	outgoing map[string]map[string]struct{} // task ID -> IDs of dependencies leaving it
	incoming map[string]map[string]struct{} // task ID -> IDs of dependencies entering it
	metadata map[string]any

	createdAt   time.Time
	updatedAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time

	stats    atomic.Pointer[Statistics]
	revision atomic.Uint64
}

// New creates an empty constellation.
func New(name string, opts ...Option) *Constellation {
	now := time.Now().UTC()
	c := &Constellation{
		id:        uuid.NewString(),
		name:      name,
		state:     StateCreated,
		tasks:     make(map[string]*Task),
		deps:      make(map[string]*Dependency),
		outgoing:  make(map[string]map[string]struct{}),
		incoming:  make(map[string]map[string]struct{}),
		createdAt: now,
		updatedAt: now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metadata == nil {
		c.metadata = make(map[string]any)
	}
	c.refreshStats()
	return c
}

// ID returns the constellation ID.
func (c *Constellation) ID() string { return c.id }

// Name returns the constellation name.
func (c *Constellation) Name() string { return c.name }

func (c *Constellation) lock(op string) func() {
	c.mu.Lock()
	if c.tracer == nil {
		return c.mu.Unlock
	}
	acquired := time.Now()
	return func() {
		released := time.Now()
		c.mu.Unlock()
		c.tracer(LockSpan{Op: op, Acquired: acquired, Released: released})
	}
}

// Update runs fn with the update lock held. Each Txn operation is
// all-or-nothing on its own; an error returned by fn does not undo earlier
// operations in the same call.
func (c *Constellation) Update(fn func(tx *Txn) error) error {
	defer c.lock("update")()
	defer c.refreshStats()
	return fn(&Txn{c: c})
}

// AddTask inserts a copy of t. An empty ID is generated.
func (c *Constellation) AddTask(t *Task) error {
	defer c.lock("add_task")()
	defer c.refreshStats()
	return c.addTask(t)
}

// RemoveTask deletes a task and every dependency touching it.
func (c *Constellation) RemoveTask(id string) error {
	defer c.lock("remove_task")()
	defer c.refreshStats()
	return c.removeTask(id)
}

// AddDependency inserts a copy of d after checking both endpoints exist and
// that the edge would not close a cycle. An empty ID is generated.
func (c *Constellation) AddDependency(d *Dependency) error {
	defer c.lock("add_dependency")()
	defer c.refreshStats()
	return c.addDependency(d)
}

// RemoveDependency deletes a dependency.
func (c *Constellation) RemoveDependency(id string) error {
	defer c.lock("remove_dependency")()
	defer c.refreshStats()
	return c.removeDependency(id)
}

// ReadyTasks returns copies of the tasks eligible to run, highest priority
// first. Ties are ordered by creation time then ID; that order is not part of
// the contract.
func (c *Constellation) ReadyTasks() []Task {
	defer c.lock("ready_tasks")()
	return c.readyTasks()
}

// MarkTaskCompleted records the terminal outcome of a task and evaluates its
// outgoing dependencies. It returns the IDs of tasks that became ready.
func (c *Constellation) MarkTaskCompleted(id string, success bool, result any, execErr error) ([]string, error) {
	defer c.lock("mark_task_completed")()
	defer c.refreshStats()
	eff, err := c.complete(id, success, result, execErr)
	if err != nil {
		return nil, err
	}
	return eff.NewlyReady, nil
}

// ValidateDAG reports cycles and dangling references without fixing them.
func (c *Constellation) ValidateDAG() (bool, []string) {
	defer c.lock("validate_dag")()
	errs := c.validate()
	return len(errs) == 0, errs
}

// TopologicalOrder returns task IDs so that every prerequisite precedes its
// dependents.
func (c *Constellation) TopologicalOrder() ([]string, error) {
	defer c.lock("topological_order")()
	return c.topologicalOrder()
}

// IsComplete reports whether every task is terminal.
func (c *Constellation) IsComplete() bool {
	defer c.lock("is_complete")()
	return c.isComplete()
}

// GetTask returns a copy of the task.
func (c *Constellation) GetTask(id string) (Task, bool) {
	defer c.lock("get_task")()
	t, ok := c.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t.Clone(), true
}

// GetDependency returns a copy of the dependency.
func (c *Constellation) GetDependency(id string) (Dependency, bool) {
	defer c.lock("get_dependency")()
	d, ok := c.deps[id]
	if !ok {
		return Dependency{}, false
	}
	return *d.Clone(), true
}

// Tasks returns copies of all tasks ordered by ID.
func (c *Constellation) Tasks() []Task {
	defer c.lock("tasks")()
	return c.taskList()
}

// Dependencies returns copies of all dependencies ordered by ID.
func (c *Constellation) Dependencies() []Dependency {
	defer c.lock("dependencies")()
	return c.dependencyList()
}

// State returns the aggregate state.
func (c *Constellation) State() State {
	defer c.lock("state")()
	return c.state
}

// SetState overrides the aggregate state.
func (c *Constellation) SetState(s State) {
	defer c.lock("set_state")()
	defer c.refreshStats()
	c.setState(s)
}

// Finish derives and stores the terminal state from task outcomes.
func (c *Constellation) Finish() State {
	defer c.lock("finish")()
	defer c.refreshStats()
	return c.finish()
}

// Metadata returns a copy of the metadata.
func (c *Constellation) Metadata() map[string]any {
	defer c.lock("metadata")()
	return maps.Clone(c.metadata)
}

// SetMetadata stores a metadata value.
func (c *Constellation) SetMetadata(key string, value any) {
	defer c.lock("set_metadata")()
	c.metadata[key] = value
	c.touch()
}

// Statistics returns the most recently published snapshot without taking
// the update lock. It may lag an in-progress mutation.
func (c *Constellation) Statistics() Statistics {
	s := c.stats.Load()
	if s == nil {
		return Statistics{ConstellationID: c.id}
	}
	return s.clone()
}

// Txn exposes constellation operations while the update lock is held. It is
// only valid inside the function passed to Update.
type Txn struct {
	c *Constellation
}

func (tx *Txn) ID() string                        { return tx.c.id }
func (tx *Txn) AddTask(t *Task) error             { return tx.c.addTask(t) }
func (tx *Txn) RemoveTask(id string) error        { return tx.c.removeTask(id) }
func (tx *Txn) AddDependency(d *Dependency) error { return tx.c.addDependency(d) }
func (tx *Txn) RemoveDependency(id string) error  { return tx.c.removeDependency(id) }
func (tx *Txn) ReadyTasks() []Task                { return tx.c.readyTasks() }
func (tx *Txn) IsComplete() bool                  { return tx.c.isComplete() }
func (tx *Txn) Tasks() []Task                     { return tx.c.taskList() }
func (tx *Txn) Dependencies() []Dependency        { return tx.c.dependencyList() }
func (tx *Txn) State() State                      { return tx.c.state }
func (tx *Txn) SetState(s State)                  { tx.c.setState(s) }
func (tx *Txn) Finish() State                     { return tx.c.finish() }
func (tx *Txn) StartTask(id string) error         { return tx.c.startTask(id) }
func (tx *Txn) RetryTask(id string) error         { return tx.c.retryTask(id) }

// TopologicalOrder orders task IDs prerequisites first.
func (tx *Txn) TopologicalOrder() ([]string, error) { return tx.c.topologicalOrder() }

// Task returns a copy of the task.
func (tx *Txn) Task(id string) (Task, bool) {
	t, ok := tx.c.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t.Clone(), true
}

// Complete records a terminal outcome and reports its full effect.
func (tx *Txn) Complete(id string, success bool, result any, execErr error) (*Completion, error) {
	return tx.c.complete(id, success, result, execErr)
}

// CancelTask cancels a non-terminal task and propagates to its dependents.
func (tx *Txn) CancelTask(id, reason string) (*Completion, error) {
	return tx.c.cancelTask(id, reason)
}

// AssignDevice sets the target device of a task that has not started.
func (tx *Txn) AssignDevice(taskID, deviceID string) error {
	return tx.c.assignDevice(taskID, deviceID)
}

// AttachPredicate binds a predicate to a dependency.
func (tx *Txn) AttachPredicate(dependencyID string, p Predicate) error {
	d, ok := tx.c.deps[dependencyID]
	if !ok {
		return structuralf(ErrUnknownDependency, "%s", dependencyID)
	}
	d.Predicate = p
	return nil
}

// PendingTaskIDs returns the IDs of all non-terminal tasks.
func (tx *Txn) PendingTaskIDs() []string {
	var ids []string
	for id, t := range tx.c.tasks {
		if !t.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Constellation) touch() {
	c.updatedAt = time.Now().UTC()
}

// reshape records a change to the set of tasks or dependencies.
func (c *Constellation) reshape() {
	c.revision.Add(1)
	c.touch()
}

// Revision counts the tasks and dependencies added or removed so far. It is
// read without the update lock.
func (c *Constellation) Revision() uint64 {
	return c.revision.Load()
}

func (c *Constellation) addTask(in *Task) error {
	if in == nil {
		return errors.New("nil task")
	}
	t := in.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := c.tasks[t.ID]; exists {
		return structuralf(ErrDuplicateID, "task %s", t.ID)
	}
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	if !t.Status.IsWaiting() {
		return &StateError{TaskID: t.ID, Op: "add", Status: t.Status}
	}
	if t.Priority == 0 {
		t.Priority = PriorityMedium
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.DependencyIDs = nil
	t.DependentIDs = nil

	c.tasks[t.ID] = t
	c.outgoing[t.ID] = make(map[string]struct{})
	c.incoming[t.ID] = make(map[string]struct{})
	if c.state == StateCreated {
		c.state = StateReady
	}
	c.reshape()
	return nil
}

func (c *Constellation) removeTask(id string) error {
	t, ok := c.tasks[id]
	if !ok {
		return structuralf(ErrUnknownTask, "%s", id)
	}
	if t.Status == TaskStatusRunning {
		return &StateError{TaskID: id, Op: "remove", Status: t.Status}
	}
	for depID := range c.outgoing[id] {
		_ = c.removeDependency(depID)
	}
	for depID := range c.incoming[id] {
		_ = c.removeDependency(depID)
	}
	delete(c.tasks, id)
	delete(c.outgoing, id)
	delete(c.incoming, id)
	c.reshape()
	return nil
}

func (c *Constellation) addDependency(in *Dependency) error {
	if in == nil {
		return errors.New("nil dependency")
	}
	d := in.Clone()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Type == "" {
		d.Type = DependencyUnconditional
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if _, exists := c.deps[d.ID]; exists {
		return structuralf(ErrDuplicateID, "dependency %s", d.ID)
	}
	from, ok := c.tasks[d.FromTaskID]
	if !ok {
		return structuralf(ErrUnknownTask, "dependency %s references missing prerequisite %s", d.ID, d.FromTaskID)
	}
	to, ok := c.tasks[d.ToTaskID]
	if !ok {
		return structuralf(ErrUnknownTask, "dependency %s references missing dependent %s", d.ID, d.ToTaskID)
	}
	if slices.Contains(to.DependencyIDs, from.ID) {
		return structuralf(ErrDuplicateID, "dependency %s -> %s already exists", from.ID, to.ID)
	}
	if path := c.findPath(to.ID, from.ID); path != nil {
		return structuralf(ErrCycle, "%s", strings.Join(append(path, to.ID), " -> "))
	}
	if !to.Status.IsWaiting() {
		return &StateError{TaskID: to.ID, Op: "add dependency to", Status: to.Status}
	}

	d.Satisfied = false
	c.deps[d.ID] = d
	c.outgoing[from.ID][d.ID] = struct{}{}
	c.incoming[to.ID][d.ID] = struct{}{}
	from.DependentIDs = insertSorted(from.DependentIDs, to.ID)
	to.DependencyIDs = insertSorted(to.DependencyIDs, from.ID)

	if from.IsTerminal() {
		// The prerequisite will never complete again, so evaluate now.
		eff := &Completion{TaskID: from.ID, Status: from.Status}
		c.evaluateEdge(d, outcomeOf(from), eff)
		c.propagate(slices.Clone(eff.Cancelled), eff)
	} else if to.Status == TaskStatusPending {
		to.Status = TaskStatusWaitingDependency
		to.UpdatedAt = time.Now().UTC()
	}
	c.reshape()
	return nil
}

func (c *Constellation) removeDependency(id string) error {
	d, ok := c.deps[id]
	if !ok {
		return structuralf(ErrUnknownDependency, "%s", id)
	}
	delete(c.deps, id)
	delete(c.outgoing[d.FromTaskID], id)
	delete(c.incoming[d.ToTaskID], id)
	if from, ok := c.tasks[d.FromTaskID]; ok {
		from.DependentIDs = removeSorted(from.DependentIDs, d.ToTaskID)
	}
	if to, ok := c.tasks[d.ToTaskID]; ok {
		to.DependencyIDs = removeSorted(to.DependencyIDs, d.FromTaskID)
	}
	c.reshape()
	return nil
}

// findPath returns a path src -> ... -> dst over existing edges, or nil. The
// search is an iterative DFS over the adjacency index.
func (c *Constellation) findPath(src, dst string) []string {
	if src == dst {
		return []string{src}
	}
	parent := map[string]string{src: ""}
	stack := []string{src}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for depID := range c.outgoing[u] {
			v := c.deps[depID].ToTaskID
			if _, seen := parent[v]; seen {
				continue
			}
			parent[v] = u
			if v == dst {
				var path []string
				for n := v; n != ""; n = parent[n] {
					path = append(path, n)
				}
				slices.Reverse(path)
				return path
			}
			stack = append(stack, v)
		}
	}
	return nil
}

func (c *Constellation) allSatisfied(taskID string) bool {
	for depID := range c.incoming[taskID] {
		if !c.deps[depID].Satisfied {
			return false
		}
	}
	return true
}

func (c *Constellation) readyTasks() []Task {
	var ready []*Task
	for id, t := range c.tasks {
		if t.Status.IsWaiting() && c.allSatisfied(id) {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	out := make([]Task, len(ready))
	for i, t := range ready {
		out[i] = *t.Clone()
	}
	return out
}

func (c *Constellation) startTask(id string) error {
	t, ok := c.tasks[id]
	if !ok {
		return structuralf(ErrUnknownTask, "%s", id)
	}
	if !c.allSatisfied(id) {
		return &StateError{TaskID: id, Op: "start (dependencies unsatisfied)", Status: t.Status}
	}
	if err := t.Start(); err != nil {
		return err
	}
	if c.startedAt == nil {
		now := time.Now().UTC()
		c.startedAt = &now
	}
	c.touch()
	return nil
}

func (c *Constellation) retryTask(id string) error {
	t, ok := c.tasks[id]
	if !ok {
		return structuralf(ErrUnknownTask, "%s", id)
	}
	if t.Status != TaskStatusRunning {
		return &StateError{TaskID: id, Op: "retry", Status: t.Status}
	}
	if err := t.Retry(); err != nil {
		return err
	}
	c.touch()
	return nil
}

func (c *Constellation) assignDevice(taskID, deviceID string) error {
	t, ok := c.tasks[taskID]
	if !ok {
		return structuralf(ErrUnknownTask, "%s", taskID)
	}
	if !t.Status.IsWaiting() {
		return &StateError{TaskID: taskID, Op: "assign device to", Status: t.Status}
	}
	t.TargetDeviceID = deviceID
	t.UpdatedAt = time.Now().UTC()
	c.touch()
	return nil
}

func (c *Constellation) complete(id string, success bool, result any, execErr error) (*Completion, error) {
	t, ok := c.tasks[id]
	if !ok {
		return nil, structuralf(ErrUnknownTask, "%s", id)
	}
	if t.IsTerminal() {
		return nil, &StateError{TaskID: id, Op: "complete", Status: t.Status}
	}
	if t.Status.IsWaiting() {
		if err := t.Start(); err != nil {
			return nil, err
		}
	}
	var err error
	if success {
		err = t.Complete(result)
	} else {
		if execErr == nil {
			execErr = errors.New("task failed")
		}
		err = t.Fail(execErr)
	}
	if err != nil {
		return nil, err
	}

	eff := &Completion{TaskID: id, Status: t.Status}
	c.propagate([]string{id}, eff)
	c.touch()
	return eff, nil
}

func (c *Constellation) cancelTask(id, reason string) (*Completion, error) {
	t, ok := c.tasks[id]
	if !ok {
		return nil, structuralf(ErrUnknownTask, "%s", id)
	}
	if err := t.Cancel(reason); err != nil {
		return nil, err
	}
	eff := &Completion{TaskID: id, Status: t.Status}
	c.propagate([]string{id}, eff)
	c.touch()
	return eff, nil
}

// propagate evaluates the outgoing dependencies of every task in queue.
// Dependents left unsatisfiable by a failed or cancelled prerequisite are
// cancelled and propagated in turn.
func (c *Constellation) propagate(queue []string, eff *Completion) {
	for len(queue) > 0 {
		u := c.tasks[queue[0]]
		queue = queue[1:]

		before := len(eff.Cancelled)
		outcome := outcomeOf(u)
		for _, depID := range sortedKeys(c.outgoing[u.ID]) {
			c.evaluateEdge(c.deps[depID], outcome, eff)
		}
		queue = append(queue, eff.Cancelled[before:]...)
	}

	eff.NewlyReady = slices.DeleteFunc(eff.NewlyReady, func(id string) bool {
		return !c.tasks[id].Status.IsWaiting()
	})
}

// evaluateEdge re-evaluates d and records what happened to its dependent.
func (c *Constellation) evaluateEdge(d *Dependency, outcome Outcome, eff *Completion) {
	v := c.tasks[d.ToTaskID]
	if !v.Status.IsWaiting() {
		d.evaluate(outcome)
		return
	}
	if d.evaluate(outcome) {
		if c.allSatisfied(v.ID) && !slices.Contains(eff.NewlyReady, v.ID) {
			eff.NewlyReady = append(eff.NewlyReady, v.ID)
		}
		return
	}
	if outcome.Status == TaskStatusCompleted {
		// A predicate rejected a successful prerequisite. The dependent stays
		// blocked; the orchestrator reports it as a deadlock.
		if v.Status == TaskStatusPending {
			v.Status = TaskStatusWaitingDependency
		}
		return
	}
	_ = v.Cancel("prerequisite " + outcome.TaskID + " ended " + string(outcome.Status))
	eff.Cancelled = append(eff.Cancelled, v.ID)
}

func outcomeOf(t *Task) Outcome {
	o := Outcome{TaskID: t.ID, Status: t.Status, Result: t.Result}
	if t.Error != "" {
		o.Err = errors.New(t.Error)
	}
	return o
}

func (c *Constellation) isComplete() bool {
	for _, t := range c.tasks {
		if !t.IsTerminal() {
			return false
		}
	}
	return true
}

func (c *Constellation) setState(s State) {
	now := time.Now().UTC()
	if s == StateExecuting && c.startedAt == nil {
		c.startedAt = &now
	}
	if s.IsTerminal() {
		c.completedAt = &now
	} else {
		c.completedAt = nil
	}
	c.state = s
	c.touch()
}

func (c *Constellation) finish() State {
	var completed, total int
	for _, t := range c.tasks {
		total++
		if t.Status == TaskStatusCompleted {
			completed++
		}
	}
	switch {
	case completed == total:
		c.setState(StateCompleted)
	case completed == 0:
		c.setState(StateFailed)
	default:
		c.setState(StatePartiallyFailed)
	}
	return c.state
}

func (c *Constellation) validate() []string {
	var errs []string
	for _, id := range sortedKeys(c.deps) {
		d := c.deps[id]
		if _, ok := c.tasks[d.FromTaskID]; !ok {
			errs = append(errs, "dependency "+id+" references missing task "+d.FromTaskID)
		}
		if _, ok := c.tasks[d.ToTaskID]; !ok {
			errs = append(errs, "dependency "+id+" references missing task "+d.ToTaskID)
		}
	}
	if _, unordered := c.kahn(); len(unordered) > 0 {
		errs = append(errs, "cycle detected among tasks: "+strings.Join(unordered, ", "))
	}
	return errs
}

// kahn orders tasks deterministically, ignoring dangling edges. Tasks that
// cannot be ordered sit on or behind a cycle.
func (c *Constellation) kahn() (order, unordered []string) {
	inDegree := make(map[string]int, len(c.tasks))
	for id := range c.tasks {
		inDegree[id] = 0
	}
	for _, d := range c.deps {
		_, fromOK := c.tasks[d.FromTaskID]
		if _, ok := inDegree[d.ToTaskID]; ok && fromOK {
			inDegree[d.ToTaskID]++
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var next []string
		for _, depID := range sortedKeys(c.outgoing[id]) {
			to := c.deps[depID].ToTaskID
			if _, ok := inDegree[to]; !ok {
				continue
			}
			inDegree[to]--
			if inDegree[to] == 0 {
				next = append(next, to)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if len(order) != len(c.tasks) {
		placed := make(map[string]bool, len(order))
		for _, id := range order {
			placed[id] = true
		}
		for _, id := range sortedKeys(c.tasks) {
			if !placed[id] {
				unordered = append(unordered, id)
			}
		}
	}
	return order, unordered
}

func (c *Constellation) topologicalOrder() ([]string, error) {
	order, unordered := c.kahn()
	if len(unordered) > 0 {
		return nil, structuralf(ErrCycle, "%d tasks could not be ordered: %s", len(unordered), strings.Join(unordered, ", "))
	}
	return order, nil
}

func (c *Constellation) taskList() []Task {
	out := make([]Task, 0, len(c.tasks))
	for _, id := range sortedKeys(c.tasks) {
		out = append(out, *c.tasks[id].Clone())
	}
	return out
}

func (c *Constellation) dependencyList() []Dependency {
	out := make([]Dependency, 0, len(c.deps))
	for _, id := range sortedKeys(c.deps) {
		out = append(out, *c.deps[id].Clone())
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
