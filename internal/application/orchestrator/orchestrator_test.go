package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aescanero/constellation/internal/application/devices"
	"github.com/aescanero/constellation/pkg/adapters/events/memory"
	"github.com/aescanero/constellation/pkg/adapters/executor/simulated"
	"github.com/aescanero/constellation/pkg/constellation"
	"github.com/aescanero/constellation/pkg/ports"
)

type recorder struct {
	mu     sync.Mutex
	events []ports.Event
}

func (r *recorder) OnEvent(_ context.Context, ev ports.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(t ports.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// index returns the position of the first event of type t about task id.
func (r *recorder) index(t ports.EventType, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range r.events {
		if ev.Type == t && ev.Task != nil && ev.Task.TaskID == id {
			return i
		}
	}
	return -1
}

func (r *recorder) first(t ports.EventType, id string) ports.Event {
	i := r.index(t, id)
	if i < 0 {
		return ports.Event{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[i]
}

type countingMetrics struct {
	ports.NopMetrics
	started  atomic.Int64
	finished atomic.Int64
	retries  atomic.Int64
}

func (m *countingMetrics) RecordTaskStarted(string)                 { m.started.Add(1) }
func (m *countingMetrics) RecordTaskFinished(string, time.Duration) { m.finished.Add(1) }
func (m *countingMetrics) RecordTaskRetry()                         { m.retries.Add(1) }

type harness struct {
	orch    *Orchestrator
	bus     *memory.Bus
	events  *recorder
	metrics *countingMetrics
}

func newHarness(t *testing.T, exec ports.TaskExecutor, cfg Config, opts ...Option) *harness {
	t.Helper()
	bus := memory.NewBus(zap.NewNop())
	rec := &recorder{}
	bus.Subscribe(rec)
	m := &countingMetrics{}
	opts = append([]Option{WithMetrics(m)}, opts...)
	return &harness{
		orch:    New(exec, bus, cfg, zap.NewNop(), opts...),
		bus:     bus,
		events:  rec,
		metrics: m,
	}
}

// drain delivers every published event to the recorder.
func (h *harness) drain() { _ = h.bus.Close() }

func fastConfig() Config {
	return Config{MaxConcurrentTasks: 4, PollInterval: 10 * time.Millisecond}
}

func task(id string, mods ...func(*constellation.Task)) *constellation.Task {
	t := constellation.NewTask(id, id, "")
	for _, m := range mods {
		m(t)
	}
	return t
}

func build(t *testing.T, tasks []*constellation.Task, edges [][2]string, depType constellation.DependencyType, opts ...constellation.Option) *constellation.Constellation {
	t.Helper()
	c := constellation.New("test", opts...)
	for _, tk := range tasks {
		require.NoError(t, c.AddTask(tk))
	}
	for _, e := range edges {
		require.NoError(t, c.AddDependency(constellation.NewDependency("", e[0], e[1], depType)))
	}
	return c
}

func statusOf(t *testing.T, c *constellation.Constellation, id string) constellation.TaskStatus {
	t.Helper()
	tk, ok := c.GetTask(id)
	require.True(t, ok)
	return tk.Status
}

func TestOrchestrate_SequentialChain(t *testing.T) {
	exec := simulated.New(zap.NewNop())
	h := newHarness(t, exec, fastConfig())
	c := build(t, []*constellation.Task{task("a"), task("b"), task("c")},
		[][2]string{{"a", "b"}, {"b", "c"}}, constellation.DependencyUnconditional)

	res, err := h.orch.Orchestrate(context.Background(), c, Options{})
	require.NoError(t, err)
	h.drain()

	assert.Equal(t, []string{"a", "b", "c"}, exec.Order())
	assert.Equal(t, []string{"a", "b", "c"}, res.ExecutionOrder)
	assert.Equal(t, constellation.StateCompleted, res.State)
	assert.True(t, res.Succeeded())
	assert.Equal(t, constellation.StateCompleted, c.State())
	assert.Len(t, res.TaskResults, 3)

	assert.Equal(t, 3, h.events.count(ports.EventTaskCompleted))
	assert.Equal(t, 1, h.events.count(ports.EventConstellationCompleted))
	assert.Equal(t, 0, h.events.count(ports.EventConstellationFailed))
	assert.Equal(t, 1, h.events.count(ports.EventConstellationStarted))
	assert.Equal(t, int64(3), h.metrics.started.Load())
	assert.Equal(t, int64(3), h.metrics.finished.Load())
}

func TestOrchestrate_SuccessOnlyBlocksAfterFailure(t *testing.T) {
	exec := simulated.New(zap.NewNop(), simulated.WithFailures("a", -1))
	h := newHarness(t, exec, fastConfig())
	c := build(t, []*constellation.Task{task("a"), task("b")},
		[][2]string{{"a", "b"}}, constellation.DependencySuccessOnly)

	res, err := h.orch.Orchestrate(context.Background(), c, Options{})
	require.NoError(t, err, "a failed task is a valid terminal, not a deadlock")
	h.drain()

	assert.Equal(t, constellation.StateFailed, res.State)
	assert.Equal(t, constellation.TaskStatusFailed, statusOf(t, c, "a"))
	assert.Equal(t, constellation.TaskStatusCancelled, statusOf(t, c, "b"))
	assert.Equal(t, 0, exec.Attempts("b"))
	assert.Contains(t, res.TaskErrors["a"], "simulated failure")

	assert.Equal(t, 1, h.events.count(ports.EventTaskFailed))
	assert.Equal(t, 1, h.events.count(ports.EventTaskCancelled))
	assert.Equal(t, 1, h.events.count(ports.EventConstellationFailed))
	failed := h.events.first(ports.EventTaskFailed, "a")
	assert.Less(t, h.events.index(ports.EventTaskFailed, "a"), h.events.index(ports.EventTaskCancelled, "b"))
	assert.Empty(t, failed.Task.NewReadyTasks)
}

func TestOrchestrate_CompletionOnlyUnlocksAfterFailure(t *testing.T) {
	exec := simulated.New(zap.NewNop(), simulated.WithFailures("a", -1))
	h := newHarness(t, exec, fastConfig())
	c := build(t, []*constellation.Task{task("a"), task("cleanup")},
		[][2]string{{"a", "cleanup"}}, constellation.DependencyCompletionOnly)

	res, err := h.orch.Orchestrate(context.Background(), c, Options{})
	require.NoError(t, err)
	h.drain()

	assert.Equal(t, constellation.StatePartiallyFailed, res.State)
	assert.Equal(t, constellation.TaskStatusCompleted, statusOf(t, c, "cleanup"))
	assert.Equal(t, []string{"cleanup"}, h.events.first(ports.EventTaskFailed, "a").Task.NewReadyTasks)
}

func TestOrchestrate_Diamond(t *testing.T) {
	exec := simulated.New(zap.NewNop(), simulated.WithDelay(5*time.Millisecond))
	h := newHarness(t, exec, fastConfig())
	c := build(t, []*constellation.Task{task("a"), task("b"), task("c"), task("d")},
		[][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}}, constellation.DependencyUnconditional)

	_, err := h.orch.Orchestrate(context.Background(), c, Options{})
	require.NoError(t, err)
	h.drain()

	doneA := h.events.first(ports.EventTaskCompleted, "a")
	assert.ElementsMatch(t, []string{"b", "c"}, doneA.Task.NewReadyTasks)

	startD := h.events.index(ports.EventTaskStarted, "d")
	require.GreaterOrEqual(t, startD, 0)
	assert.Greater(t, startD, h.events.index(ports.EventTaskCompleted, "b"))
	assert.Greater(t, startD, h.events.index(ports.EventTaskCompleted, "c"))

	order := exec.Order()
	assert.Equal(t, "a", order[0])
	assert.Equal(t, "d", order[3])
}

func TestOrchestrate_LockHoldsNeverInterleave(t *testing.T) {
	var (
		mu    sync.Mutex
		spans []constellation.LockSpan
	)
	tracer := constellation.WithLockTracer(func(s constellation.LockSpan) {
		mu.Lock()
		spans = append(spans, s)
		mu.Unlock()
	})

	exec := simulated.New(zap.NewNop(), simulated.WithDelay(2*time.Millisecond))
	h := newHarness(t, exec, fastConfig())
	c := build(t, []*constellation.Task{task("a"), task("b"), task("c"), task("d")},
		[][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}}, constellation.DependencyUnconditional, tracer)

	ctx := context.Background()
	editorDone := make(chan struct{})
	go func() {
		defer close(editorDone)
		for i := 0; i < 20; i++ {
			_ = c.Update(func(tx *constellation.Txn) error {
				id := "extra-" + string(rune('a'+i))
				if err := tx.AddTask(constellation.NewTask(id, id, "")); err != nil {
					return err
				}
				return tx.AddDependency(constellation.NewDependency("", "a", id, constellation.DependencyUnconditional))
			})
			_ = h.bus.Publish(ctx, ports.NewConstellationEvent(ports.EventConstellationModified, c.ID(), ports.ConstellationEvent{}))
			time.Sleep(time.Millisecond)
		}
	}()

	_, err := h.orch.Orchestrate(ctx, c, Options{})
	require.NoError(t, err)
	<-editorDone
	h.drain()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, spans)
	sort.Slice(spans, func(i, j int) bool { return spans[i].Acquired.Before(spans[j].Acquired) })
	for i := 1; i < len(spans); i++ {
		assert.False(t, spans[i].Acquired.Before(spans[i-1].Released),
			"%s acquired while %s still held", spans[i].Op, spans[i-1].Op)
	}
}

func TestOrchestrate_PicksUpTasksAddedWhileRunning(t *testing.T) {
	release := make(chan struct{})
	exec := ports.TaskExecutorFunc(func(ctx context.Context, tk constellation.Task) (any, error) {
		if tk.ID == "a" {
			<-release
		}
		return tk.ID, nil
	})
	h := newHarness(t, exec, Config{MaxConcurrentTasks: 2, PollInterval: time.Hour})
	c := build(t, []*constellation.Task{task("a")}, nil, "")

	status := func(id string) constellation.TaskStatus {
		tk, _ := c.GetTask(id)
		return tk.Status
	}
	go func() {
		defer close(release)
		assert.Eventually(t, func() bool { return status("a") == constellation.TaskStatusRunning },
			time.Second, time.Millisecond)
		assert.NoError(t, c.AddTask(task("late")))
		_ = h.bus.Publish(context.Background(),
			ports.NewConstellationEvent(ports.EventConstellationModified, c.ID(), ports.ConstellationEvent{}))
		assert.Eventually(t, func() bool { return status("late") == constellation.TaskStatusCompleted },
			time.Second, time.Millisecond, "modified event should wake the loop without waiting for the poll")
	}()

	res, err := h.orch.Orchestrate(context.Background(), c, Options{})
	require.NoError(t, err)
	h.drain()
	assert.Equal(t, []string{"a", "late"}, res.ExecutionOrder)
}

func TestOrchestrate_RetryRequeues(t *testing.T) {
	exec := simulated.New(zap.NewNop(), simulated.WithFailures("a", 2))
	h := newHarness(t, exec, fastConfig())
	c := build(t, []*constellation.Task{task("a", func(t *constellation.Task) { t.RetryCount = 2 }), task("b")},
		[][2]string{{"a", "b"}}, constellation.DependencySuccessOnly)

	res, err := h.orch.Orchestrate(context.Background(), c, Options{})
	require.NoError(t, err)
	h.drain()

	assert.Equal(t, constellation.StateCompleted, res.State)
	assert.Equal(t, 3, exec.Attempts("a"))
	assert.Equal(t, []string{"a", "a", "a", "b"}, res.ExecutionOrder)
	a, _ := c.GetTask("a")
	assert.Equal(t, 2, a.CurrentRetry)

	assert.Equal(t, 2, h.events.count(ports.EventTaskRetrying))
	assert.Equal(t, 0, h.events.count(ports.EventTaskFailed))
	assert.Equal(t, int64(2), h.metrics.retries.Load())
}

func TestOrchestrate_RetriesExhausted(t *testing.T) {
	exec := simulated.New(zap.NewNop(), simulated.WithFailures("a", -1))
	h := newHarness(t, exec, fastConfig())
	c := build(t, []*constellation.Task{task("a", func(t *constellation.Task) { t.RetryCount = 1 })}, nil, "")

	res, err := h.orch.Orchestrate(context.Background(), c, Options{})
	require.NoError(t, err)
	h.drain()

	assert.Equal(t, constellation.StateFailed, res.State)
	assert.Equal(t, 2, exec.Attempts("a"))
	assert.Equal(t, 1, h.events.count(ports.EventTaskRetrying))
	assert.Equal(t, 1, h.events.count(ports.EventTaskFailed))
}

func TestOrchestrate_TaskTimeout(t *testing.T) {
	exec := simulated.New(zap.NewNop(), simulated.WithDelay(time.Minute))
	h := newHarness(t, exec, fastConfig())
	c := build(t, []*constellation.Task{task("slow", func(t *constellation.Task) { t.Timeout = 20 * time.Millisecond })}, nil, "")

	res, err := h.orch.Orchestrate(context.Background(), c, Options{})
	require.NoError(t, err)
	h.drain()

	assert.Equal(t, constellation.TaskStatusFailed, statusOf(t, c, "slow"))
	assert.Contains(t, res.TaskErrors["slow"], ErrTaskTimeout.Error())
}

func TestOrchestrate_DefaultTimeoutWithUncooperativeExecutor(t *testing.T) {
	exec := ports.TaskExecutorFunc(func(context.Context, constellation.Task) (any, error) {
		time.Sleep(300 * time.Millisecond)
		return "late", nil
	})
	cfg := fastConfig()
	cfg.DefaultTaskTimeout = 10 * time.Millisecond
	h := newHarness(t, exec, cfg)
	c := build(t, []*constellation.Task{task("stuck")}, nil, "")

	start := time.Now()
	res, err := h.orch.Orchestrate(context.Background(), c, Options{})
	require.NoError(t, err)
	h.drain()

	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, constellation.StateFailed, res.State)
	assert.Contains(t, res.TaskErrors["stuck"], ErrTaskTimeout.Error())
}

func TestOrchestrate_ExecutorPanicFailsTask(t *testing.T) {
	exec := ports.TaskExecutorFunc(func(context.Context, constellation.Task) (any, error) {
		panic("device on fire")
	})
	h := newHarness(t, exec, fastConfig())
	c := build(t, []*constellation.Task{task("a")}, nil, "")

	res, err := h.orch.Orchestrate(context.Background(), c, Options{})
	require.NoError(t, err)
	h.drain()
	assert.Contains(t, res.TaskErrors["a"], "device on fire")
}

func TestOrchestrate_Deadlock(t *testing.T) {
	exec := simulated.New(zap.NewNop())
	h := newHarness(t, exec, fastConfig())
	c := build(t, []*constellation.Task{task("a"), task("b")}, nil, "")
	dep := constellation.NewDependency("never", "a", "b", constellation.DependencyConditional)
	dep.Predicate = func(constellation.Outcome) bool { return false }
	require.NoError(t, c.AddDependency(dep))

	res, err := h.orch.Orchestrate(context.Background(), c, Options{})
	h.drain()

	var dl *DeadlockError
	require.ErrorAs(t, err, &dl)
	assert.Equal(t, []string{"b"}, dl.PendingTasks)
	assert.Equal(t, c.ID(), dl.ConstellationID)
	require.NotNil(t, res)
	assert.Equal(t, constellation.StateFailed, res.State)
	assert.Equal(t, constellation.TaskStatusCompleted, statusOf(t, c, "a"))
	assert.Equal(t, 1, h.events.count(ports.EventConstellationFailed))
}

func TestOrchestrate_Cancellation(t *testing.T) {
	started := make(chan struct{})
	exec := ports.TaskExecutorFunc(func(ctx context.Context, tk constellation.Task) (any, error) {
		if tk.ID == "slow" {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "ok", nil
	})
	h := newHarness(t, exec, fastConfig())
	c := build(t, []*constellation.Task{task("fast"), task("slow"), task("after")},
		[][2]string{{"fast", "slow"}, {"slow", "after"}}, constellation.DependencySuccessOnly)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := h.orch.Orchestrate(ctx, c, Options{})
	h.drain()

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, constellation.TaskStatusCompleted, statusOf(t, c, "fast"), "committed work is kept")
	assert.Equal(t, constellation.TaskStatusCancelled, statusOf(t, c, "slow"))
	assert.Equal(t, constellation.TaskStatusCancelled, statusOf(t, c, "after"))
	assert.Equal(t, constellation.StateFailed, c.State())
	assert.Equal(t, 2, h.events.count(ports.EventTaskCancelled))
}

func TestOrchestrate_ConcurrencyBound(t *testing.T) {
	var current, peak atomic.Int64
	exec := ports.TaskExecutorFunc(func(context.Context, constellation.Task) (any, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return nil, nil
	})
	h := newHarness(t, exec, Config{MaxConcurrentTasks: 2, PollInterval: 5 * time.Millisecond})
	var tasks []*constellation.Task
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		tasks = append(tasks, task(id))
	}
	c := build(t, tasks, nil, "")

	res, err := h.orch.Orchestrate(context.Background(), c, Options{})
	require.NoError(t, err)
	h.drain()

	assert.Equal(t, constellation.StateCompleted, res.State)
	assert.Equal(t, int64(2), peak.Load())
}

func TestOrchestrate_PriorityOrder(t *testing.T) {
	exec := simulated.New(zap.NewNop())
	h := newHarness(t, exec, Config{MaxConcurrentTasks: 1, PollInterval: 5 * time.Millisecond})
	prio := func(p constellation.Priority) func(*constellation.Task) {
		return func(t *constellation.Task) { t.Priority = p }
	}
	c := build(t, []*constellation.Task{
		task("low", prio(constellation.PriorityLow)),
		task("critical", prio(constellation.PriorityCritical)),
		task("high", prio(constellation.PriorityHigh)),
	}, nil, "")

	_, err := h.orch.Orchestrate(context.Background(), c, Options{})
	require.NoError(t, err)
	h.drain()
	assert.Equal(t, []string{"critical", "high", "low"}, exec.Order())
}

func TestOrchestrate_Validation(t *testing.T) {
	h := newHarness(t, simulated.New(zap.NewNop()), fastConfig())

	_, err := h.orch.Orchestrate(context.Background(), constellation.New("empty"), Options{})
	assert.ErrorIs(t, err, ErrEmptyConstellation)

	c := build(t, []*constellation.Task{task("a")}, nil, "")
	_, err = h.orch.Orchestrate(context.Background(), c, Options{Assignments: map[string]string{"ghost": "x"}})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Problems[0], "unknown task ghost")

	limited := New(simulated.New(zap.NewNop()), h.bus, Config{MaxTasks: 1}, zap.NewNop())
	big := build(t, []*constellation.Task{task("a"), task("b")}, nil, "")
	_, err = limited.Orchestrate(context.Background(), big, Options{})
	assert.ErrorAs(t, err, &ve)
	h.drain()
}

func TestOrchestrate_AlreadyRunning(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	exec := ports.TaskExecutorFunc(func(context.Context, constellation.Task) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	h := newHarness(t, exec, fastConfig())
	c := build(t, []*constellation.Task{task("a")}, nil, "")

	errc := make(chan error, 1)
	go func() {
		_, err := h.orch.Orchestrate(context.Background(), c, Options{})
		errc <- err
	}()
	<-started

	_, err := h.orch.Orchestrate(context.Background(), c, Options{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-errc)
	h.drain()
}

type panickyBus struct {
	*memory.Bus
}

func (b panickyBus) Publish(ctx context.Context, ev ports.Event) error {
	if ev.Type == ports.EventTaskStarted {
		panic("bus exploded")
	}
	return b.Bus.Publish(ctx, ev)
}

func TestOrchestrate_FatalLoopError(t *testing.T) {
	bus := memory.NewBus(zap.NewNop())
	rec := &recorder{}
	bus.Subscribe(rec)
	orch := New(simulated.New(zap.NewNop()), panickyBus{bus}, fastConfig(), zap.NewNop())
	c := build(t, []*constellation.Task{task("a")}, nil, "")

	res, err := orch.Orchestrate(context.Background(), c, Options{})
	_ = bus.Close()

	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Error(), "bus exploded")
	require.NotNil(t, res)
	assert.Equal(t, constellation.StateFailed, c.State())
	assert.Equal(t, constellation.TaskStatusCancelled, statusOf(t, c, "a"))
	assert.Equal(t, 1, rec.count(ports.EventConstellationFailed))
}

func TestOrchestrate_AssignsDevices(t *testing.T) {
	reg := devices.NewRegistry(zap.NewNop())
	require.NoError(t, reg.Register(devices.Device{ID: "cpu-1", Type: "cpu"}))
	require.NoError(t, reg.Register(devices.Device{ID: "cpu-2", Type: "cpu"}))
	require.NoError(t, reg.Register(devices.Device{ID: "gpu-1", Type: "gpu", Capabilities: []string{"cuda"}}))

	var mu sync.Mutex
	ran := map[string]string{}
	exec := ports.TaskExecutorFunc(func(_ context.Context, tk constellation.Task) (any, error) {
		mu.Lock()
		ran[tk.ID] = tk.TargetDeviceID
		mu.Unlock()
		return nil, nil
	})
	h := newHarness(t, exec, fastConfig(), WithDevices(reg))

	kind := func(k string) func(*constellation.Task) {
		return func(t *constellation.Task) { t.DeviceType = k }
	}
	c := build(t, []*constellation.Task{
		task("train", kind("cuda")),
		task("prep1", kind("cpu")),
		task("prep2", kind("cpu")),
		task("pinned", kind("cpu")),
		task("any"),
	}, [][2]string{{"prep1", "train"}, {"prep2", "train"}}, constellation.DependencyUnconditional)

	_, err := h.orch.Orchestrate(context.Background(), c, Options{Assignments: map[string]string{"pinned": "gpu-1"}})
	require.NoError(t, err)
	h.drain()

	assert.Equal(t, "gpu-1", ran["train"])
	assert.Equal(t, "gpu-1", ran["pinned"])
	assert.ElementsMatch(t, []string{"cpu-1", "cpu-2"}, []string{ran["prep1"], ran["prep2"]})
	assert.NotEmpty(t, ran["any"])

	for _, d := range reg.List() {
		assert.Equal(t, devices.StatusIdle, d.Status, d.ID)
		assert.Zero(t, d.Active, d.ID)
	}
}

func TestAssigner_LeastLoaded(t *testing.T) {
	available := []devices.Device{
		{ID: "a", Active: 2},
		{ID: "b", Active: 0},
		{ID: "c", Active: 1},
	}
	c := build(t, []*constellation.Task{task("t1"), task("t2"), task("t3")}, nil, "")
	a := newAssigner(StrategyLeastLoaded, nil)

	var got map[string]string
	require.NoError(t, c.Update(func(tx *constellation.Txn) error {
		var err error
		got, err = a.assignAll(tx, available)
		return err
	}))
	// b takes one, then b and c tie at one and the lower ID wins.
	assert.Equal(t, map[string]string{"t1": "b", "t2": "b", "t3": "c"}, got)
}

func TestAssigner_RoundRobinIgnoresTypes(t *testing.T) {
	available := []devices.Device{{ID: "x", Type: "gpu"}, {ID: "y", Type: "cpu"}}
	c := build(t, []*constellation.Task{
		task("t1", func(t *constellation.Task) { t.DeviceType = "gpu" }),
		task("t2", func(t *constellation.Task) { t.DeviceType = "gpu" }),
	}, nil, "")
	a := newAssigner(StrategyRoundRobin, nil)

	var got map[string]string
	require.NoError(t, c.Update(func(tx *constellation.Txn) error {
		var err error
		got, err = a.assignAll(tx, available)
		return err
	}))
	assert.Equal(t, map[string]string{"t1": "x", "t2": "y"}, got)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyCapability, s)
	s, err = ParseStrategy("least_loaded")
	require.NoError(t, err)
	assert.Equal(t, StrategyLeastLoaded, s)
	_, err = ParseStrategy("random")
	assert.Error(t, err)
}

func TestExecuteSingleTask(t *testing.T) {
	exec := simulated.New(zap.NewNop(), simulated.WithFailures("solo", 1))
	h := newHarness(t, exec, fastConfig())

	solo := *task("solo", func(t *constellation.Task) { t.RetryCount = 1 })
	out, err := h.orch.ExecuteSingleTask(context.Background(), solo)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Equal(t, 2, exec.Attempts("solo"))
	assert.Equal(t, int64(1), h.metrics.retries.Load())

	_, err = h.orch.ExecuteSingleTask(context.Background(), *task("never", func(t *constellation.Task) {
		t.Metadata = map[string]any{simulated.MetaFail: true}
	}))
	assert.Error(t, err)
	h.drain()
}

func TestErrors(t *testing.T) {
	dl := &DeadlockError{ConstellationID: "c1", PendingTasks: []string{"x", "y"}}
	assert.Contains(t, dl.Error(), "x, y")

	inner := errors.New("boom")
	fe := &FatalError{ConstellationID: "c1", Err: inner}
	assert.ErrorIs(t, fe, inner)
}
