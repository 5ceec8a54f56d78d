package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aescanero/constellation/internal/application/controller"
	"github.com/aescanero/constellation/internal/application/orchestrator"
	"github.com/aescanero/constellation/pkg/adapters/events/memory"
	"github.com/aescanero/constellation/pkg/adapters/executor/simulated"
	storage "github.com/aescanero/constellation/pkg/adapters/storage/memory"
	"github.com/aescanero/constellation/pkg/constellation"
	"github.com/aescanero/constellation/pkg/constructor"
	"github.com/aescanero/constellation/pkg/ports"
)

type fixture struct {
	m       *Manager
	bus     *memory.Bus
	storage *storage.StateStorage
}

func newFixture(t *testing.T, exec ports.TaskExecutor, cfg Config, opts ...Option) *fixture {
	t.Helper()
	bus := memory.NewBus(zap.NewNop())
	store := storage.NewStateStorage()
	orch := orchestrator.New(exec, bus,
		orchestrator.Config{MaxConcurrentTasks: 4, PollInterval: 10 * time.Millisecond}, zap.NewNop())
	m := NewManager(orch, bus, store, nil, zap.NewNop(), cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		_ = bus.Close()
	})
	return &fixture{m: m, bus: bus, storage: store}
}

// blocking runs every task named in block until ctx ends.
func blocking(block ...string) ports.TaskExecutor {
	set := make(map[string]bool, len(block))
	for _, id := range block {
		set[id] = true
	}
	return ports.TaskExecutorFunc(func(ctx context.Context, t constellation.Task) (any, error) {
		if set[t.ID] {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "ok", nil
	})
}

func chain(t *testing.T, ids ...string) *constellation.Constellation {
	t.Helper()
	c := constellation.New("session-test")
	for i, id := range ids {
		require.NoError(t, c.AddTask(constellation.NewTask(id, id, "")))
		if i > 0 {
			require.NoError(t, c.AddDependency(constellation.NewDependency("", ids[i-1], id, constellation.DependencySuccessOnly)))
		}
	}
	return c
}

func waitStopped(t *testing.T, m *Manager, id string) Info {
	t.Helper()
	var info Info
	require.Eventually(t, func() bool {
		var err error
		info, err = m.Info(context.Background(), id)
		return err == nil && !info.Running
	}, 5*time.Second, 10*time.Millisecond)
	return info
}

func waitRunning(t *testing.T, c *constellation.Constellation, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		tk, ok := c.GetTask(id)
		return ok && tk.Status == constellation.TaskStatusRunning
	}, 5*time.Second, 5*time.Millisecond)
}

func TestManager_SubmitRunsToCompletion(t *testing.T) {
	f := newFixture(t, simulated.New(zap.NewNop()), Config{})
	c := chain(t, "a", "b")

	info, err := f.m.Submit(context.Background(), c, orchestrator.Options{})
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.Equal(t, c.ID(), info.ConstellationID)

	info = waitStopped(t, f.m, c.ID())
	assert.Equal(t, controller.StateFinish, info.Session)
	assert.Equal(t, constellation.StateCompleted, info.State)
	assert.Empty(t, info.Error)
	assert.NotNil(t, info.FinishedAt)

	doc, err := f.storage.Load(context.Background(), c.ID())
	require.NoError(t, err)
	assert.Equal(t, constellation.StateCompleted, doc.State)

	res, err := f.m.Result(context.Background(), c.ID())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []string{"a", "b"}, res.ExecutionOrder)
}

func TestManager_SubmitRejectsInvalid(t *testing.T) {
	f := newFixture(t, simulated.New(zap.NewNop()), Config{})
	c := constellation.New("empty")

	_, err := f.m.Submit(context.Background(), c, orchestrator.Options{})
	require.ErrorIs(t, err, orchestrator.ErrEmptyConstellation)

	ok, err := f.storage.Exists(context.Background(), c.ID())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_SubmitTwiceWhileRunning(t *testing.T) {
	f := newFixture(t, blocking("a"), Config{})
	c := chain(t, "a")

	_, err := f.m.Submit(context.Background(), c, orchestrator.Options{})
	require.NoError(t, err)
	_, err = f.m.Submit(context.Background(), c, orchestrator.Options{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestManager_Cancel(t *testing.T) {
	f := newFixture(t, blocking("slow"), Config{})
	c := chain(t, "fast", "slow", "after")
	require.NoError(t, c.AddTask(constellation.NewTask("side", "side", "")))
	require.NoError(t, c.AddDependency(constellation.NewDependency("", "slow", "side", constellation.DependencyCompletionOnly)))

	_, err := f.m.Submit(context.Background(), c, orchestrator.Options{})
	require.NoError(t, err)
	waitRunning(t, c, "slow")

	require.NoError(t, f.m.Cancel(context.Background(), c.ID()))

	info, err := f.m.Info(context.Background(), c.ID())
	require.NoError(t, err)
	assert.False(t, info.Running)
	assert.Equal(t, controller.StateFail, info.Session)
	assert.Equal(t, constellation.StateFailed, info.State)

	for id, want := range map[string]constellation.TaskStatus{
		"fast":  constellation.TaskStatusCompleted,
		"slow":  constellation.TaskStatusCancelled,
		"after": constellation.TaskStatusCancelled,
		"side":  constellation.TaskStatusCancelled,
	} {
		tk, ok := c.GetTask(id)
		require.True(t, ok)
		assert.Equal(t, want, tk.Status, id)
	}

	doc, err := f.storage.Load(context.Background(), c.ID())
	require.NoError(t, err)
	assert.Equal(t, constellation.TaskStatusCancelled, doc.Tasks["side"].Status)

	assert.ErrorIs(t, f.m.Cancel(context.Background(), c.ID()), ErrNotRunning)
	assert.ErrorIs(t, f.m.Cancel(context.Background(), "missing"), ErrNotRunning)
}

func TestManager_EditWhileRunning(t *testing.T) {
	release := make(chan struct{})
	exec := ports.TaskExecutorFunc(func(ctx context.Context, t constellation.Task) (any, error) {
		if t.ID == "a" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return "ok", nil
	})
	f := newFixture(t, exec, Config{})
	c := chain(t, "a")

	_, err := f.m.Submit(context.Background(), c, orchestrator.Options{})
	require.NoError(t, err)
	waitRunning(t, c, "a")

	ctx := context.Background()
	_, err = f.m.Extend(ctx, c.ID(), &constructor.Spec{
		Tasks: constructor.TaskList{{ID: "extra", Name: "extra"}, {ID: "tail", Name: "tail"}},
		Dependencies: constructor.DependencyList{
			{ID: "a-extra", FromTaskID: "a", ToTaskID: "extra"},
			{ID: "a-tail", FromTaskID: "a", ToTaskID: "tail"},
		},
	})
	require.NoError(t, err)
	_, err = f.m.Extend(ctx, c.ID(), &constructor.Spec{
		Tasks:        constructor.TaskList{{ID: "dropped", Name: "dropped"}},
		Dependencies: constructor.DependencyList{{FromTaskID: "a", ToTaskID: "dropped"}},
	})
	require.NoError(t, err)
	require.NoError(t, f.m.RemoveTask(ctx, c.ID(), "dropped"))
	require.NoError(t, f.m.AddDependency(ctx, c.ID(), constellation.NewDependency("extra-tail", "extra", "tail", constellation.DependencySuccessOnly)))
	require.NoError(t, f.m.RemoveDependency(ctx, c.ID(), "a-tail"))

	err = f.m.AddDependency(ctx, c.ID(), constellation.NewDependency("", "extra", "a", constellation.DependencyUnconditional))
	assert.ErrorIs(t, err, constellation.ErrCycle)
	assert.ErrorIs(t, f.m.RemoveTask(ctx, "missing", "x"), ports.ErrNotFound)

	close(release)
	info := waitStopped(t, f.m, c.ID())
	assert.Equal(t, constellation.StateCompleted, info.State)
	for _, id := range []string{"extra", "tail"} {
		tk, ok := c.GetTask(id)
		require.True(t, ok)
		assert.Equal(t, constellation.TaskStatusCompleted, tk.Status, id)
	}
	tail, _ := c.GetTask("tail")
	assert.Equal(t, []string{"extra"}, tail.DependencyIDs)
	_, ok := c.GetTask("dropped")
	assert.False(t, ok)
}

func TestManager_GetLoadsFromStorage(t *testing.T) {
	f := newFixture(t, simulated.New(zap.NewNop()), Config{})
	stored := chain(t, "x", "y")
	require.NoError(t, f.storage.Save(context.Background(), stored.ToDocument()))

	c, err := f.m.Get(context.Background(), stored.ID())
	require.NoError(t, err)
	assert.Equal(t, stored.ID(), c.ID())
	assert.Len(t, c.Tasks(), 2)

	_, err = f.m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ports.ErrNotFound)

	info, err := f.m.Info(context.Background(), stored.ID())
	require.NoError(t, err)
	assert.False(t, info.Running)
	assert.Equal(t, 2, info.Statistics.TotalTasks)
}

func TestManager_ListAndDelete(t *testing.T) {
	f := newFixture(t, simulated.New(zap.NewNop()), Config{})
	stored := chain(t, "x")
	require.NoError(t, f.storage.Save(context.Background(), stored.ToDocument()))
	run := chain(t, "a")
	_, err := f.m.Submit(context.Background(), run, orchestrator.Options{})
	require.NoError(t, err)
	waitStopped(t, f.m, run.ID())

	infos, err := f.m.List(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(infos))
	for _, in := range infos {
		ids = append(ids, in.ConstellationID)
	}
	assert.ElementsMatch(t, []string{stored.ID(), run.ID()}, ids)

	require.NoError(t, f.m.Delete(context.Background(), run.ID()))
	_, err = f.m.Get(context.Background(), run.ID())
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

type planner struct{}

func (planner) Create(_ context.Context, request string) (*constellation.Constellation, error) {
	if request == "" {
		return nil, errors.New("empty request")
	}
	c := constellation.New(request)
	if err := c.AddTask(constellation.NewTask("step", "step", request)); err != nil {
		return nil, err
	}
	return c, nil
}

func (planner) Process(context.Context, *constellation.Constellation, ports.Event) error { return nil }

func TestManager_Plan(t *testing.T) {
	f := newFixture(t, simulated.New(zap.NewNop()), Config{}, WithEditor(planner{}))

	info, err := f.m.Plan(context.Background(), "summarise logs", orchestrator.Options{})
	require.NoError(t, err)
	assert.Equal(t, "summarise logs", info.Name)
	info = waitStopped(t, f.m, info.ConstellationID)
	assert.Equal(t, constellation.StateCompleted, info.State)

	_, err = f.m.Plan(context.Background(), "", orchestrator.Options{})
	assert.Error(t, err)
}

func TestManager_GraphTimeout(t *testing.T) {
	f := newFixture(t, blocking("a"), Config{GraphTimeout: 50 * time.Millisecond})
	c := chain(t, "a")

	_, err := f.m.Submit(context.Background(), c, orchestrator.Options{})
	require.NoError(t, err)

	info := waitStopped(t, f.m, c.ID())
	assert.Equal(t, controller.StateFail, info.Session)
	assert.Contains(t, info.Error, context.DeadlineExceeded.Error())
	assert.Equal(t, constellation.StateFailed, info.State)
}

func TestManager_Shutdown(t *testing.T) {
	f := newFixture(t, blocking("a"), Config{})
	c := chain(t, "a")
	_, err := f.m.Submit(context.Background(), c, orchestrator.Options{})
	require.NoError(t, err)
	waitRunning(t, c, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.m.Shutdown(ctx))

	info, err := f.m.Info(context.Background(), c.ID())
	require.NoError(t, err)
	assert.False(t, info.Running)
	tk, _ := c.GetTask("a")
	assert.Equal(t, constellation.TaskStatusCancelled, tk.Status)
}

func TestManager_Extend(t *testing.T) {
	f := newFixture(t, simulated.New(zap.NewNop()), Config{})
	c := chain(t, "a")
	require.NoError(t, f.storage.Save(context.Background(), c.ToDocument()))

	applied, err := f.m.Extend(context.Background(), c.ID(), &constructor.Spec{
		Tasks:        constructor.TaskList{{Name: "Report"}},
		Dependencies: constructor.DependencyList{{FromTaskID: "a", ToTaskID: "report"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1"}, applied.TaskIDs)
	assert.Len(t, applied.DependencyIDs, 1)

	require.NoError(t, f.m.AddTask(context.Background(), c.ID(), constellation.NewTask("solo", "solo", "")))

	got, err := f.m.Get(context.Background(), c.ID())
	require.NoError(t, err)
	assert.Len(t, got.Tasks(), 3)

	doc, err := f.storage.Load(context.Background(), c.ID())
	require.NoError(t, err)
	assert.Contains(t, doc.Tasks, "task-1")
}
