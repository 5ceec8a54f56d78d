// Package ports defines the interfaces between the orchestration core and
// its adapters: the event bus and its observers, the execution backend,
// constellation storage and metrics.
package ports
