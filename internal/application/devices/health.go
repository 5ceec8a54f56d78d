package devices

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/constellation/pkg/ports"
)

// HealthMonitor monitors device health
type HealthMonitor struct {
	registry   *Registry
	metrics    ports.MetricsCollector
	interval   time.Duration
	staleAfter time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// HealthStatus represents the health status of the device fleet
type HealthStatus struct {
	TotalDevices   int       `json:"total_devices"`
	IdleDevices    int       `json:"idle_devices"`
	BusyDevices    int       `json:"busy_devices"`
	OfflineDevices int       `json:"offline_devices"`
	Healthy        bool      `json:"healthy"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewHealthMonitor creates a new health monitor. Idle devices not seen for
// staleAfter are marked offline; zero disables that check.
func NewHealthMonitor(registry *Registry, metrics ports.MetricsCollector, interval, staleAfter time.Duration, logger *zap.Logger) *HealthMonitor {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &HealthMonitor{
		registry:   registry,
		metrics:    metrics,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Start starts the health monitor
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})

	go h.run(h.stopCh, h.doneCh)
}

// Stop stops the health monitor and waits for the loop to exit
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	done := h.doneCh
	h.mu.Unlock()

	<-done
}

func (h *HealthMonitor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.Check()
		}
	}
}

// Check runs one health check: expires stale devices, logs the fleet status
// and records it as metrics.
func (h *HealthMonitor) Check() *HealthStatus {
	if h.staleAfter > 0 {
		for _, id := range h.registry.markStale(time.Now().Add(-h.staleAfter)) {
			h.logger.Warn("device marked offline",
				zap.String("device_id", id),
				zap.Duration("stale_after", h.staleAfter))
		}
	}

	status := h.GetStatus()

	h.logger.Debug("device health check",
		zap.Int("total", status.TotalDevices),
		zap.Int("idle", status.IdleDevices),
		zap.Int("busy", status.BusyDevices),
		zap.Int("offline", status.OfflineDevices),
		zap.Bool("healthy", status.Healthy))

	h.metrics.SetDevices(string(StatusIdle), status.IdleDevices)
	h.metrics.SetDevices(string(StatusBusy), status.BusyDevices)
	h.metrics.SetDevices(string(StatusOffline), status.OfflineDevices)

	if status.TotalDevices > 0 && !status.Healthy {
		h.logger.Warn("no devices available",
			zap.Int("offline", status.OfflineDevices),
			zap.Int("total", status.TotalDevices))
	}
	if status.TotalDevices > 0 && status.BusyDevices == status.TotalDevices {
		h.logger.Warn("all devices are busy - consider adding more",
			zap.Int("total", status.TotalDevices))
	}
	return status
}

// GetStatus returns the current health status
func (h *HealthMonitor) GetStatus() *HealthStatus {
	counts := h.registry.Counts()
	total := counts[StatusIdle] + counts[StatusBusy] + counts[StatusOffline]

	return &HealthStatus{
		TotalDevices:   total,
		IdleDevices:    counts[StatusIdle],
		BusyDevices:    counts[StatusBusy],
		OfflineDevices: counts[StatusOffline],
		// An empty registry is healthy: tasks then run without a device.
		Healthy:   total == 0 || counts[StatusOffline] < total,
		Timestamp: time.Now(),
	}
}

// IsHealthy returns true if at least one device can take work
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
