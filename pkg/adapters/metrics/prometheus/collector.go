package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector using Prometheus
type Collector struct {
	constellationsSubmitted prometheus.Counter
	constellationsFinished  *prometheus.CounterVec
	constellationDuration   *prometheus.HistogramVec
	activeConstellations    prometheus.Gauge

	tasksStarted  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	taskRetries   prometheus.Counter
	runningTasks  prometheus.Gauge

	devices       *prometheus.GaugeVec
	eventsDropped *prometheus.CounterVec

	llmCalls   *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec
}

// NewCollector registers the collectors with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		constellationsSubmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "constellation_submitted_total",
				Help: "Total number of constellations submitted",
			},
		),
		constellationsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "constellation_finished_total",
				Help: "Total number of constellations finished by final state",
			},
			[]string{"state"},
		),
		constellationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "constellation_duration_seconds",
				Help:    "Constellation execution duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"state"},
		),
		activeConstellations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "constellation_active",
				Help: "Number of constellations currently executing",
			},
		),
		tasksStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "constellation_tasks_started_total",
				Help: "Total number of task executions started",
			},
			[]string{"device_type"},
		),
		tasksFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "constellation_tasks_finished_total",
				Help: "Total number of task executions finished by status",
			},
			[]string{"status"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "constellation_task_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		taskRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "constellation_task_retries_total",
				Help: "Total number of task retries",
			},
		),
		runningTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "constellation_running_tasks",
				Help: "Number of tasks currently running",
			},
		),
		devices: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "constellation_devices",
				Help: "Number of registered devices by status",
			},
			[]string{"status"},
		),
		eventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "constellation_events_dropped_total",
				Help: "Events dropped because a subscriber mailbox was full",
			},
			[]string{"type"},
		),
		llmCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "constellation_llm_calls_total",
				Help: "Total number of LLM API calls",
			},
			[]string{"model", "status"},
		),
		llmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "constellation_llm_latency_seconds",
				Help:    "LLM API call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"model"},
		),
	}
}

// RecordConstellationSubmitted counts a submitted constellation
func (c *Collector) RecordConstellationSubmitted() {
	c.constellationsSubmitted.Inc()
}

// RecordConstellationFinished counts a finished constellation and its duration
func (c *Collector) RecordConstellationFinished(state string, duration time.Duration) {
	c.constellationsFinished.WithLabelValues(state).Inc()
	c.constellationDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordTaskStarted counts a task launch
func (c *Collector) RecordTaskStarted(deviceType string) {
	if deviceType == "" {
		deviceType = "any"
	}
	c.tasksStarted.WithLabelValues(deviceType).Inc()
}

// RecordTaskFinished counts a finished task execution
func (c *Collector) RecordTaskFinished(status string, duration time.Duration) {
	c.tasksFinished.WithLabelValues(status).Inc()
	c.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTaskRetry counts a retry
func (c *Collector) RecordTaskRetry() {
	c.taskRetries.Inc()
}

// RecordEventDropped counts an event the bus could not queue
func (c *Collector) RecordEventDropped(eventType string) {
	c.eventsDropped.WithLabelValues(eventType).Inc()
}

// SetActiveConstellations sets the number of executing constellations
func (c *Collector) SetActiveConstellations(n int) {
	c.activeConstellations.Set(float64(n))
}

// SetRunningTasks sets the number of running tasks
func (c *Collector) SetRunningTasks(n int) {
	c.runningTasks.Set(float64(n))
}

// SetDevices sets the number of devices in a status
func (c *Collector) SetDevices(status string, n int) {
	c.devices.WithLabelValues(status).Set(float64(n))
}

// RecordLLMCall counts an LLM call and records its latency
func (c *Collector) RecordLLMCall(model string, duration time.Duration, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	c.llmCalls.WithLabelValues(model, status).Inc()
	c.llmLatency.WithLabelValues(model).Observe(duration.Seconds())
}
