package workflow

import (
	"fmt"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

// State is the execution state of a node container.
type State int

const (
	StateIdle State = iota
	StateConfigured
	StateUnconfiguredMarked
	StateMarked
	StateQueued
	StatePreExecute
	StateExecuting
	StateExecutingRemotely
	StatePostExecute
	StateExecuted
)

var stateNames = [...]string{
	StateIdle:               "IDLE",
	StateConfigured:         "CONFIGURED",
	StateUnconfiguredMarked: "UNCONFIGURED_MARKEDFOREXEC",
	StateMarked:             "MARKEDFOREXEC",
	StateQueued:             "CONFIGURED_QUEUED",
	StatePreExecute:         "PREEXECUTE",
	StateExecuting:          "EXECUTING",
	StateExecutingRemotely:  "EXECUTING_REMOTELY",
	StatePostExecute:        "POSTEXECUTE",
	StateExecuted:           "EXECUTED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState is the inverse of String. Matching is case-insensitive.
func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if strings.EqualFold(name, s) {
			return State(i), nil
		}
	}
	return StateIdle, fmt.Errorf("unknown node state %q", s)
}

// IsExecutionInProgress reports whether the node is marked, queued or running.
func (s State) IsExecutionInProgress() bool {
	return s >= StateUnconfiguredMarked && s <= StatePostExecute
}

// IsExecuting reports whether the node has been handed to the executor.
func (s State) IsExecuting() bool {
	return s >= StateQueued && s <= StatePostExecute
}

// IsResettable reports whether reset is a legal transition from s.
func (s State) IsResettable() bool {
	switch s {
	case StateExecuted, StateMarked, StateUnconfiguredMarked, StateConfigured:
		return true
	}
	return false
}

// TransitionError is the panic value raised when a state transition is
// attempted from a state that does not support it. It always indicates a
// scheduler bug.
type TransitionError struct {
	Node       nodeid.ID
	State      State
	Transition string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal state transition %q of node %s in state %s", e.Transition, e.Node, e.State)
}

// Outcome classifies how a node execution ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// ExecutionStatus is the result of one node execution.
type ExecutionStatus struct {
	Outcome Outcome
	Err     error
	// LoopRunning is set by loop ends that requested another iteration.
	LoopRunning bool
}

// IsSuccess reports whether the execution produced outputs.
func (s ExecutionStatus) IsSuccess() bool { return s.Outcome == OutcomeSuccess }

// aggregateState folds the states of a metanode's children into one state.
func aggregateState(states []State) State {
	if len(states) == 0 {
		return StateConfigured
	}
	var counts [len(stateNames)]int
	for _, s := range states {
		counts[s]++
	}
	switch {
	case counts[StateExecuted] == len(states):
		return StateExecuted
	case counts[StateExecuting]+counts[StateExecutingRemotely]+counts[StatePreExecute]+counts[StatePostExecute] > 0:
		return StateExecuting
	case counts[StateQueued] > 0:
		return StateQueued
	case counts[StateMarked]+counts[StateUnconfiguredMarked] > 0:
		if counts[StateUnconfiguredMarked] > 0 {
			return StateUnconfiguredMarked
		}
		return StateMarked
	case counts[StateIdle] > 0:
		return StateIdle
	}
	return StateConfigured
}
