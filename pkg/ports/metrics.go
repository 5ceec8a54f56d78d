package ports

import "time"

// MetricsCollector records orchestration metrics.
type MetricsCollector interface {
	RecordConstellationSubmitted()
	RecordConstellationFinished(state string, duration time.Duration)
	RecordTaskStarted(deviceType string)
	RecordTaskFinished(status string, duration time.Duration)
	RecordTaskRetry()
	RecordEventDropped(eventType string)
	SetActiveConstellations(n int)
	SetRunningTasks(n int)
	SetDevices(status string, n int)
	RecordLLMCall(model string, duration time.Duration, failed bool)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordConstellationSubmitted()                     {}
func (NopMetrics) RecordConstellationFinished(string, time.Duration) {}
func (NopMetrics) RecordTaskStarted(string)                          {}
func (NopMetrics) RecordTaskFinished(string, time.Duration)          {}
func (NopMetrics) RecordTaskRetry()                                  {}
func (NopMetrics) RecordEventDropped(string)                         {}
func (NopMetrics) SetActiveConstellations(int)                       {}
func (NopMetrics) SetRunningTasks(int)                               {}
func (NopMetrics) SetDevices(string, int)                            {}
func (NopMetrics) RecordLLMCall(string, time.Duration, bool)         {}
