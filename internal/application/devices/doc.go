// Package devices tracks the execution targets tasks are assigned to.
//
// The registry records each device's type, capabilities and load:
//   - idle devices have no running task
//   - busy devices run at least one task
//   - offline devices are skipped by assignment
//
// The health monitor periodically expires silent devices, logs the fleet
// status and records it as metrics.
package devices
