// Package constellation implements the task graph at the core of the engine.
//
// A Constellation holds tasks and typed, conditionally-satisfied
// dependencies between them. It rejects edits that would introduce a cycle
// or a dangling reference, computes which tasks are ready to run, and
// propagates task outcomes to downstream dependencies.
//
// All structural access is serialized by one update lock. Use Update to run
// several operations atomically with respect to other callers:
//
//	err := c.Update(func(tx *constellation.Txn) error {
//	    for _, t := range tx.ReadyTasks() {
//	        if err := tx.StartTask(t.ID); err != nil {
//	            return err
//	        }
//	    }
//	    return nil
//	})
//
// Statistics is the only read that bypasses the lock; it returns the last
// snapshot published by a completed mutation.
package constellation
