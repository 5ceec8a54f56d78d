package devices

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aescanero/constellation/pkg/ports"
)

type deviceGauges struct {
	ports.NopMetrics
	mu     sync.Mutex
	values map[string]int
}

func (g *deviceGauges) SetDevices(status string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[status] = n
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	require.NoError(t, r.Register(Device{ID: "gpu-1", Type: "gpu", Capabilities: []string{"cuda"}}))
	require.NoError(t, r.Register(Device{ID: "cpu-1", Type: "cpu"}))
	assert.ErrorIs(t, r.Register(Device{ID: "cpu-1"}), ErrDuplicateDevice)
	assert.Error(t, r.Register(Device{}))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "cpu-1", list[0].ID)
	assert.Equal(t, StatusIdle, list[1].Status)

	require.NoError(t, r.Acquire("gpu-1", "t1"))
	require.NoError(t, r.Acquire("gpu-1", "t2"))
	d, ok := r.Get("gpu-1")
	require.True(t, ok)
	assert.Equal(t, StatusBusy, d.Status)
	assert.Equal(t, 2, d.Active)
	assert.Equal(t, "t2", d.LastTask)

	r.Release("gpu-1")
	d, _ = r.Get("gpu-1")
	assert.Equal(t, StatusBusy, d.Status)
	r.Release("gpu-1")
	d, _ = r.Get("gpu-1")
	assert.Equal(t, StatusIdle, d.Status)
	assert.Equal(t, 0, d.Active)

	assert.ErrorIs(t, r.Acquire("ghost", "t"), ErrUnknownDevice)
	require.NoError(t, r.Unregister("cpu-1"))
	assert.ErrorIs(t, r.Unregister("cpu-1"), ErrUnknownDevice)
}

func TestRegistry_OfflineDevicesAreSkipped(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(Device{ID: "a"}))
	require.NoError(t, r.Register(Device{ID: "b"}))

	require.NoError(t, r.SetOffline("a"))
	assert.ErrorIs(t, r.Acquire("a", "t"), ErrDeviceOffline)

	avail := r.Available()
	require.Len(t, avail, 1)
	assert.Equal(t, "b", avail[0].ID)

	require.NoError(t, r.Heartbeat("a"))
	assert.Len(t, r.Available(), 2)
}

func TestDevice_Supports(t *testing.T) {
	d := Device{ID: "x", Type: "gpu", Capabilities: []string{"cuda", "fp16"}}
	assert.True(t, d.Supports(""))
	assert.True(t, d.Supports("gpu"))
	assert.True(t, d.Supports("fp16"))
	assert.False(t, d.Supports("tpu"))
}

func TestHealthMonitor_CheckRecordsMetrics(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(Device{ID: "a"}))
	require.NoError(t, r.Register(Device{ID: "b"}))
	require.NoError(t, r.Register(Device{ID: "c"}))
	require.NoError(t, r.Acquire("a", "t"))
	require.NoError(t, r.SetOffline("c"))

	gauges := &deviceGauges{values: make(map[string]int)}
	h := NewHealthMonitor(r, gauges, time.Hour, 0, zap.NewNop())

	status := h.Check()
	assert.Equal(t, 3, status.TotalDevices)
	assert.Equal(t, 1, status.IdleDevices)
	assert.Equal(t, 1, status.BusyDevices)
	assert.Equal(t, 1, status.OfflineDevices)
	assert.True(t, status.Healthy)

	assert.Equal(t, map[string]int{"idle": 1, "busy": 1, "offline": 1}, gauges.values)
}

func TestHealthMonitor_ExpiresStaleDevices(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(Device{ID: "quiet"}))
	require.NoError(t, r.Register(Device{ID: "working"}))
	require.NoError(t, r.Acquire("working", "t"))

	h := NewHealthMonitor(r, ports.NopMetrics{}, time.Hour, time.Nanosecond, zap.NewNop())
	time.Sleep(time.Millisecond)
	status := h.Check()

	assert.Equal(t, 1, status.OfflineDevices)
	d, _ := r.Get("quiet")
	assert.Equal(t, StatusOffline, d.Status)
	d, _ = r.Get("working")
	assert.Equal(t, StatusBusy, d.Status)

	require.NoError(t, r.SetOffline("working"))
	assert.False(t, h.IsHealthy())
}

func TestHealthMonitor_StartStop(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	h := NewHealthMonitor(r, ports.NopMetrics{}, time.Millisecond, 0, zap.NewNop())

	h.Start()
	h.Start()
	time.Sleep(5 * time.Millisecond)
	h.Stop()
	h.Stop()

	// Restartable after a stop.
	h.Start()
	h.Stop()
	assert.True(t, h.IsHealthy())
}
