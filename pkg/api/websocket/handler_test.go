package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aescanero/constellation/pkg/adapters/events/memory"
	"github.com/aescanero/constellation/pkg/constellation"
	"github.com/aescanero/constellation/pkg/ports"
)

type finderFunc func(ctx context.Context, id string) (*constellation.Constellation, error)

func (f finderFunc) Get(ctx context.Context, id string) (*constellation.Constellation, error) {
	return f(ctx, id)
}

func serve(t *testing.T, h *Handler) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/v1/constellations/:id/ws", h.HandleConstellationStream)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitSubscribed(t *testing.T, bus *memory.Bus, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return bus.Subscribers() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestHandleConstellationStream_FiltersByConstellation(t *testing.T) {
	bus := memory.NewBus(zap.NewNop())
	t.Cleanup(func() { _ = bus.Close() })
	url := serve(t, NewHandler(bus, nil, zap.NewNop()))

	conn := dial(t, url+"/api/v1/constellations/c1/ws")
	waitSubscribed(t, bus, 1)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, ports.NewTaskEvent(ports.EventTaskStarted, "c2", ports.TaskEvent{TaskID: "other"})))
	require.NoError(t, bus.Publish(ctx, ports.NewTaskEvent(ports.EventTaskCompleted, "c1", ports.TaskEvent{
		TaskID: "a",
		Status: constellation.TaskStatusCompleted,
	})))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev ports.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, ports.EventTaskCompleted, ev.Type)
	assert.Equal(t, "c1", ev.ConstellationID)
	require.NotNil(t, ev.Task)
	assert.Equal(t, "a", ev.Task.TaskID)
}

func TestHandleConstellationStream_TypeFilter(t *testing.T) {
	bus := memory.NewBus(zap.NewNop())
	t.Cleanup(func() { _ = bus.Close() })
	url := serve(t, NewHandler(bus, nil, zap.NewNop()))

	conn := dial(t, url+"/api/v1/constellations/c1/ws?types=constellation.completed")
	waitSubscribed(t, bus, 1)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, ports.NewTaskEvent(ports.EventTaskCompleted, "c1", ports.TaskEvent{TaskID: "a"})))
	require.NoError(t, bus.Publish(ctx, ports.NewConstellationEvent(ports.EventConstellationCompleted, "c1", ports.ConstellationEvent{
		State: constellation.StateCompleted,
	})))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev ports.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, ports.EventConstellationCompleted, ev.Type)
	require.NotNil(t, ev.Constellation)
	assert.Equal(t, constellation.StateCompleted, ev.Constellation.State)
}

func TestHandleConstellationStream_Snapshot(t *testing.T) {
	bus := memory.NewBus(zap.NewNop())
	t.Cleanup(func() { _ = bus.Close() })

	c := constellation.New("snap")
	require.NoError(t, c.AddTask(constellation.NewTask("a", "a", "")))
	require.NoError(t, c.AddTask(constellation.NewTask("b", "b", "")))
	require.NoError(t, c.AddDependency(constellation.NewDependency("", "a", "b", constellation.DependencySuccessOnly)))

	finder := finderFunc(func(_ context.Context, id string) (*constellation.Constellation, error) {
		if id != c.ID() {
			return nil, fmt.Errorf("%w: %s", ports.ErrNotFound, id)
		}
		return c, nil
	})
	url := serve(t, NewHandler(bus, finder, zap.NewNop()))

	conn := dial(t, url+"/api/v1/constellations/"+c.ID()+"/ws")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "snapshot", snap.Type)
	assert.Equal(t, c.ID(), snap.ConstellationID)
	assert.Equal(t, 2, snap.Statistics.TotalTasks)
	assert.Equal(t, []string{"a"}, snap.ReadyTasks)

	_, resp, err := websocket.DefaultDialer.Dial(url+"/api/v1/constellations/missing/ws", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleConstellationStream_UnsubscribesOnClose(t *testing.T) {
	bus := memory.NewBus(zap.NewNop())
	t.Cleanup(func() { _ = bus.Close() })
	url := serve(t, NewHandler(bus, nil, zap.NewNop()))

	conn := dial(t, url+"/api/v1/constellations/c1/ws")
	waitSubscribed(t, bus, 1)

	require.NoError(t, conn.Close())
	waitSubscribed(t, bus, 0)
}

func TestParseTypes(t *testing.T) {
	assert.Nil(t, parseTypes(""))
	assert.Equal(t,
		[]ports.EventType{ports.EventTaskFailed, ports.EventConstellationFailed},
		parseTypes(" task.failed, ,constellation.failed"))
}
