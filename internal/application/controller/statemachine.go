package controller

import (
	"fmt"
	"time"
)

// State is a controller state.
type State string

const (
	StateStart   State = "start"
	StateMonitor State = "monitor"
	StateFinish  State = "finish"
	StateFail    State = "fail"
)

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateFinish || s == StateFail
}

// Input drives a transition.
type Input string

const (
	// InputLaunched: the constellation exists and orchestration is running.
	InputLaunched Input = "launched"
	// InputStartFailed: no constellation could be created, or restarts ran out.
	InputStartFailed Input = "start_failed"
	// InputTaskEvent: a task event was handed to the editor.
	InputTaskEvent Input = "task_event"
	// InputContinue: the graph is complete but the continue hook asks for more.
	InputContinue Input = "continue"
	// InputComplete: the graph is complete and the orchestrator has exited.
	InputComplete Input = "complete"
	// InputRelaunch: the orchestrator exited with tasks still pending.
	InputRelaunch Input = "relaunch"
	// InputOrchestrationFailed: the orchestrator rejected the graph, deadlocked
	// or broke.
	InputOrchestrationFailed Input = "orchestration_failed"
	// InputCancelled: the session context ended.
	InputCancelled Input = "cancelled"
)

var transitions = map[State]map[Input]State{
	StateStart: {
		InputLaunched:    StateMonitor,
		InputStartFailed: StateFail,
		InputCancelled:   StateFail,
	},
	StateMonitor: {
		InputTaskEvent:           StateMonitor,
		InputContinue:            StateMonitor,
		InputComplete:            StateFinish,
		InputRelaunch:            StateStart,
		InputOrchestrationFailed: StateFail,
		InputCancelled:           StateFail,
	},
}

// Next returns the state reached from s on input in.
func Next(s State, in Input) (State, error) {
	next, ok := transitions[s][in]
	if !ok {
		return s, fmt.Errorf("no transition from %s on %s", s, in)
	}
	return next, nil
}

// Transition records one step of a session.
type Transition struct {
	From  State     `json:"from"`
	Input Input     `json:"input"`
	To    State     `json:"to"`
	At    time.Time `json:"at"`
}
