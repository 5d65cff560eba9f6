package workflow

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/executor"
	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

// transition records a state change so the manager can publish it after the
// node mutex has been released.
type transition struct {
	from State
	to   State
}

func (t transition) changed() bool { return t.from != t.to }

// singleNode is the execution state machine shared by native and composite
// nodes. Its mutex guards only this node; graph-wide consistency is the
// caller's business.
type singleNode struct {
	id       nodeid.ID
	outTypes []PortType
	logger   *zap.Logger

	mu        sync.Mutex
	state     State
	message   Message
	outputs   []Output
	outVars   map[string]interface{}
	job       *executor.Job
	iteration int
}

func newSingleNode(id nodeid.ID, outTypes []PortType, logger *zap.Logger) *singleNode {
	s := &singleNode{
		id:       id,
		outTypes: outTypes,
		logger:   logger,
		state:    StateIdle,
	}
	s.outputs = s.emptyOutputs()
	return s
}

func (s *singleNode) emptyOutputs() []Output {
	outs := make([]Output, len(s.outTypes))
	for i, t := range s.outTypes {
		outs[i] = Output{Type: t}
	}
	return outs
}

func (s *singleNode) illegal(transition string) {
	panic(&TransitionError{Node: s.id, State: s.state, Transition: transition})
}

func (s *singleNode) setState(to State) transition {
	t := transition{from: s.state, to: to}
	s.state = to
	return t
}

// State returns the current state.
func (s *singleNode) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Message returns the current node message.
func (s *singleNode) Message() Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message
}

func (s *singleNode) setMessage(m Message) {
	s.mu.Lock()
	s.message = m
	s.mu.Unlock()
}

// Output returns the port's spec, object and summary. The object is only
// visible while the node is EXECUTED, unless it is the inactive sentinel.
func (s *singleNode) Output(port int) Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outputs[port]
	if s.state != StateExecuted && !IsInactive(out.Object) {
		out.Object = nil
		out.Summary = ""
	}
	return out
}

// rawOutput ignores the state. Feedback edges read the loop end this way
// while the loop is still running.
func (s *singleNode) rawOutput(port int) Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs[port]
}

func (s *singleNode) variables() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outVars
}

func (s *singleNode) currentIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// configured applies the result of a configure call. ok tells whether output
// specs could be computed; specs is ignored otherwise.
func (s *singleNode) configured(specs []interface{}, ok bool, msg Message) transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	outs := s.emptyOutputs()
	if ok {
		for i := range outs {
			if i < len(specs) {
				outs[i].Spec = specs[i]
				if IsInactive(specs[i]) {
					outs[i].Object = Inactive
				}
			}
		}
	}

	var t transition
	switch s.state {
	case StateIdle, StateConfigured:
		if ok {
			t = s.setState(StateConfigured)
		} else {
			t = s.setState(StateIdle)
		}
	case StateUnconfiguredMarked, StateMarked:
		if ok {
			t = s.setState(StateMarked)
		} else {
			t = s.setState(StateUnconfiguredMarked)
		}
	default:
		s.illegal("configure")
	}
	s.outputs = outs
	s.message = msg
	return t
}

// reset drops the results of an execution.
func (s *singleNode) reset() transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateExecuted, StateConfigured:
		s.outputs = s.emptyOutputs()
		s.outVars = nil
		s.message = NoMessage
		s.iteration = 0
		return s.setState(StateIdle)
	case StateMarked:
		return s.setState(StateConfigured)
	case StateUnconfiguredMarked:
		return s.setState(StateIdle)
	case StateIdle:
		s.message = NoMessage
		s.iteration = 0
		return transition{from: StateIdle, to: StateIdle}
	}
	s.illegal("reset")
	return transition{}
}

// markForExecution marks (flag true) or unmarks (flag false) the node.
func (s *singleNode) markForExecution(flag bool) transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	if flag {
		switch s.state {
		case StateIdle:
			return s.setState(StateUnconfiguredMarked)
		case StateConfigured:
			return s.setState(StateMarked)
		case StateMarked, StateUnconfiguredMarked:
			return transition{from: s.state, to: s.state}
		}
		s.illegal("markForExecution(true)")
	}

	switch s.state {
	case StateMarked:
		return s.setState(StateConfigured)
	case StateUnconfiguredMarked:
		return s.setState(StateIdle)
	case StateIdle, StateConfigured, StateExecuted:
		return transition{from: s.state, to: s.state}
	}
	s.illegal("markForExecution(false)")
	return transition{}
}

// markForReExecutionInLoop re-arms an executed loop start for the next iteration.
func (s *singleNode) markForReExecutionInLoop() transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateExecuted {
		s.illegal("markForReExecutionInLoop")
	}
	s.iteration++
	return s.setState(StateMarked)
}

// queue moves a marked node to QUEUED. The job is attached afterwards.
func (s *singleNode) queue() transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateMarked {
		s.illegal("queue")
	}
	return s.setState(StateQueued)
}

func (s *singleNode) setJob(job *executor.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsExecuting() {
		s.job = job
		return
	}
	// cancelled between queue and submission
	if job != nil {
		job.Cancel()
	}
}

// cancel stops a pending or running execution. Running jobs are cancelled
// cooperatively and finish through executed.
func (s *singleNode) cancel() transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUnconfiguredMarked:
		return s.setState(StateIdle)
	case StateMarked:
		return s.setState(StateConfigured)
	case StateQueued:
		if s.job != nil {
			s.job.Cancel()
			s.job = nil
		}
		return s.setState(StateConfigured)
	case StatePreExecute, StateExecuting, StateExecutingRemotely, StatePostExecute:
		if s.job != nil {
			s.job.Cancel()
		}
		return transition{from: s.state, to: s.state}
	case StateExecuted:
		return transition{from: s.state, to: s.state}
	}
	s.illegal("cancelExecution")
	return transition{}
}

// preExecute returns false when a concurrent cancel already took the node
// out of QUEUED.
func (s *singleNode) preExecute() (transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateQueued:
		return s.setState(StatePreExecute), true
	case StateConfigured, StateIdle:
		s.logger.Debug("execution start raced a cancel",
			zap.String("node_id", s.id.String()),
			zap.String("state", s.state.String()))
		return transition{from: s.state, to: s.state}, false
	}
	s.illegal("preExecute")
	return transition{}, false
}

func (s *singleNode) executing() transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePreExecute {
		s.illegal("execute")
	}
	return s.setState(StateExecuting)
}

func (s *singleNode) postExecute() transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StatePreExecute, StateExecuting, StateExecutingRemotely:
		return s.setState(StatePostExecute)
	}
	s.illegal("postExecute")
	return transition{}
}

// executed finishes an execution. Successful runs of a loop end that asked
// for another iteration stay MARKED; failures and cancellations go to IDLE
// and keep their message for the reconfigure that follows.
func (s *singleNode) executed(status ExecutionStatus, objects []interface{}, vars map[string]interface{}) transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePostExecute {
		s.illegal("executed")
	}
	s.job = nil

	if !status.IsSuccess() {
		s.outputs = s.emptyOutputs()
		s.outVars = nil
		if status.Outcome == OutcomeCancelled {
			s.message = Message{Type: MessageWarning, Text: "execution cancelled"}
		} else if status.Err != nil {
			s.message = Message{Type: MessageError, Text: status.Err.Error()}
		}
		return s.setState(StateIdle)
	}

	for i := range s.outputs {
		var obj interface{}
		if i < len(objects) {
			obj = objects[i]
		}
		s.outputs[i].Object = obj
		s.outputs[i].Summary = summarize(obj)
		if IsInactive(obj) {
			s.outputs[i].Spec = Inactive
		} else if spec := specOf(obj); spec != nil {
			s.outputs[i].Spec = spec
		}
	}
	s.outVars = vars

	if status.LoopRunning {
		return s.setState(StateMarked)
	}
	return s.setState(StateExecuted)
}
