// Package orchestrator drives constellations to completion.
//
// An orchestration run:
//   - validates the graph and any manual device assignments
//   - assigns devices to tasks that have none (manual map, then capability
//     match, then round-robin; least-loaded on request)
//   - launches ready tasks under a concurrency bound, taking slots without
//     ever blocking while the constellation lock is held
//   - applies each outcome under the lock, retrying failed tasks that have
//     retries left, and publishes task events only after the commit
//   - derives the final state, or reports a deadlock when pending tasks can
//     no longer become ready
//
// The loop wakes on task completion, on constellation.modified events and on
// a bounded poll interval, so tasks added by an editor start promptly.
package orchestrator
