// Package controller runs orchestration sessions as an explicit state
// machine.
//
// A session starts by obtaining a constellation (from the caller or from an
// Editor), launches an orchestration run and monitors it. Task outcomes are
// handed to the Editor, which may grow the graph. When a run returns, the
// session finishes if every task is terminal, relaunches if the graph grew,
// or keeps waiting for events when the ContinueFunc asks for more work.
// Deadlocks, broken runs and cancellation end the session in StateFail.
//
//	start   --launched-------------> monitor
//	start   --start_failed---------> fail
//	monitor --task_event|continue--> monitor
//	monitor --relaunch-------------> start
//	monitor --complete-------------> finish
//	monitor --orchestration_failed-> fail
//	*       --cancelled------------> fail
package controller
