package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

// ExecuteUpToHere marks the given nodes and everything upstream of them
// that is not executed yet, then starts whatever is ready. It returns once
// the jobs are queued; use WaitWhileInExecution to wait for completion.
func (m *Manager) ExecuteUpToHere(ids ...nodeid.ID) error {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()

	var targets []endpoint
	for _, id := range ids {
		nc, err := m.nodeLocked(id)
		if err != nil {
			return err
		}
		targets = append(targets, m.singlesOf(nc)...)
	}
	m.executeLocked(targets, OriginUser)
	return nil
}

// ExecuteAll marks every node of the workflow and its metanodes for
// execution and starts whatever is ready.
func (m *Manager) ExecuteAll() {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()
	m.executeAllLocked(OriginUser)
}

func (m *Manager) executeAllLocked(o Origin) {
	m.executeLocked(m.singles(false), o)
}

func (m *Manager) executeLocked(targets []endpoint, o Origin) {
	seen := map[nodeid.ID]bool{}
	var marked []endpoint
	for _, ep := range targets {
		marked = ep.mgr.markUpstreamLocked(ep.node, o, seen, marked)
	}
	for _, ep := range topoOrder(marked) {
		ep.mgr.queueIfReadyLocked(ep.node, o)
	}
}

// markUpstreamLocked marks n and its unexecuted producers, producers first.
func (m *Manager) markUpstreamLocked(n single, o Origin, seen map[nodeid.ID]bool, marked []endpoint) []endpoint {
	if seen[n.ID()] {
		return marked
	}
	seen[n.ID()] = true

	st := n.State()
	if st == StateExecuted || st.IsExecuting() {
		return marked
	}
	for _, pred := range m.predecessorsOf(n) {
		marked = pred.mgr.markUpstreamLocked(pred.node, o, seen, marked)
	}
	t := n.machine().markForExecution(true)
	m.fireTransition(n.ID(), t, o)
	return append(marked, endpoint{mgr: m, node: n})
}

// queueIfReadyLocked hands n to the executor once all its producers are
// executed. A node that still cannot be configured at that point is
// unmarked together with its marked successors.
func (m *Manager) queueIfReadyLocked(n single, o Origin) {
	st := n.State()
	if st != StateMarked && st != StateUnconfiguredMarked {
		return
	}
	for _, pred := range m.predecessorsOf(n) {
		if pred.node.State() != StateExecuted {
			return
		}
	}
	if st == StateUnconfiguredMarked {
		m.configureNodeLocked(n, o)
		if n.State() != StateMarked {
			t := n.machine().markForExecution(false)
			m.fireTransition(n.ID(), t, o)
			m.disableSuccessorsLocked(n, o)
			return
		}
	}
	m.queueLocked(n, o)
}

func (m *Manager) queueLocked(n single, o Origin) {
	t := n.machine().queue()
	m.fireTransition(n.ID(), t, o)

	job, err := m.env.cfg.Executor.Submit(m.env.ctx, n.ID().String(), func(ctx context.Context) error {
		return m.runNode(ctx, n, o)
	})
	if err != nil {
		m.logger.Warn("failed to submit node",
			zap.String("node_id", n.ID().String()),
			zap.Error(err))
		pt, _ := n.machine().preExecute()
		m.fireTransition(n.ID(), pt, o)
		m.fireTransition(n.ID(), n.machine().postExecute(), o)
		m.finishLocked(n, ExecutionStatus{Outcome: OutcomeFailure, Err: err}, nil, nil, 0, o)
		return
	}
	n.machine().setJob(job)
}

// runNode is the job body. The tree lock is taken only around the
// bookkeeping before and after the model runs.
func (m *Manager) runNode(ctx context.Context, n single, o Origin) error {
	m.env.lock.Lock()
	t, ok := n.machine().preExecute()
	if !ok {
		m.env.lock.Unlock()
		return nil
	}
	m.fireTransition(n.ID(), t, o)
	m.fireTransition(n.ID(), n.machine().executing(), o)
	in, gatherErr := m.gatherInputsLocked(n)
	m.env.lock.Unlock()

	started := time.Now()
	var (
		objects []interface{}
		exec    *ExecutionContext
		err     = gatherErr
	)
	if err == nil {
		objects, exec, err = m.invoke(ctx, n, in)
	}
	duration := time.Since(started)

	status := ExecutionStatus{Outcome: OutcomeSuccess}
	switch {
	case ctx.Err() != nil:
		status = ExecutionStatus{Outcome: OutcomeCancelled, Err: ctx.Err()}
	case err != nil:
		status = ExecutionStatus{Outcome: OutcomeFailure, Err: err}
	case n.ScopeRole() == RoleLoopEnd && exec != nil && exec.continueLoop:
		status.LoopRunning = true
	}

	var vars map[string]interface{}
	if exec != nil {
		vars = exec.outgoing()
	} else {
		vars = in.vars
	}

	m.env.lock.Lock()
	defer m.env.lock.Unlock()
	m.fireTransition(n.ID(), n.machine().postExecute(), o)
	m.finishLocked(n, status, objects, vars, duration, o)

	// Model failures live on in the node message. Only panics and broken
	// inputs are reported to the executor and count against its breaker.
	var panicked *nodePanic
	if status.Outcome == OutcomeFailure && (gatherErr != nil || derrors.As(status.Err, &panicked)) {
		return status.Err
	}
	return nil
}

// nodePanic is the failure of a model that panicked.
type nodePanic struct {
	node  nodeid.ID
	value interface{}
}

func (e *nodePanic) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.node, e.value)
}

func (m *Manager) finishLocked(n single, status ExecutionStatus, objects []interface{}, vars map[string]interface{}, d time.Duration, o Origin) {
	t := n.machine().executed(status, objects, vars)
	m.fireTransition(n.ID(), t, o)
	m.fire(Event{Type: EventNodeExecuted, NodeID: n.ID(), Status: status, Message: n.Message(), Origin: o})
	m.env.cfg.Metrics.RecordExecution(status.Outcome, d)

	fields := []zap.Field{
		zap.String("node_id", n.ID().String()),
		zap.String("outcome", status.Outcome.String()),
		zap.Duration("duration", d),
	}
	if status.Err != nil && status.Outcome == OutcomeFailure {
		m.logger.Warn("node execution failed", append(fields, zap.Error(status.Err))...)
	} else {
		m.logger.Debug("node execution finished", fields...)
	}
	m.afterExecutionLocked(n, status, o)
	m.resumeWaitingLoopsLocked()
}

type nodeInputs struct {
	data      []interface{}
	vars      map[string]interface{}
	iteration int
	loopStart NodeModel
}

// gatherInputsLocked collects the input objects and flow variables of n.
// Feedback inputs read the loop end's outputs of the previous iteration.
func (m *Manager) gatherInputsLocked(n single) (nodeInputs, error) {
	in := nodeInputs{
		data: make([]interface{}, n.NrInPorts()),
		vars: make(map[string]interface{}),
	}
	for p := range in.data {
		src, ok := m.sourceOf(n.ID(), p)
		if !ok {
			continue
		}
		if src.feedback {
			in.data[p] = src.node.machine().rawOutput(src.port).Object
			continue
		}
		in.data[p] = src.node.machine().Output(src.port).Object
		for k, v := range src.node.machine().variables() {
			in.vars[k] = v
		}
	}

	switch n.ScopeRole() {
	case RoleLoopStart:
		in.iteration = n.machine().currentIteration()
	case RoleLoopEnd:
		startID, err := m.wf.MatchingLoopStart(n.ID())
		if err != nil {
			return in, err
		}
		snc, _ := m.wf.Node(startID)
		start := snc.(single)
		in.iteration = start.machine().currentIteration()
		if nn, ok := start.(*NativeNode); ok {
			in.loopStart = nn.model
		}
	}
	return in, nil
}

// invoke runs the model or the inner workflow of n inside a span.
func (m *Manager) invoke(ctx context.Context, n single, in nodeInputs) (objects []interface{}, exec *ExecutionContext, err error) {
	ctx, span := m.env.cfg.Tracer.Start(ctx, "node.execute", trace.WithAttributes(
		attribute.String("node.id", n.ID().String()),
		attribute.String("node.kind", n.Kind().String()),
		attribute.String("node.name", n.Name()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = &nodePanic{node: n.ID(), value: r}
		}
	}()

	if inactiveInput(in.data) && !consumesInactive(n) {
		objects = make([]interface{}, n.NrOutPorts())
		for i := range objects {
			objects[i] = Inactive
		}
		return objects, nil, nil
	}

	switch v := n.(type) {
	case *NativeNode:
		exec = &ExecutionContext{
			node:      n.ID(),
			logger:    m.logger.With(zap.String("node_id", n.ID().String())),
			iteration: in.iteration,
			incoming:  in.vars,
			loopStart: in.loopStart,
		}
		if n.ScopeRole() == RoleLoopStart {
			exec.PushVariable(IterationVariable, in.iteration)
		}
		objects, err = v.model.Execute(ctx, exec, in.data)
	case *CompositeNode:
		objects, err = v.performExecute(ctx, in.data)
	}
	if err == nil && len(objects) != n.NrOutPorts() {
		err = fmt.Errorf("node %s produced %d outputs for %d outports", n.ID(), len(objects), n.NrOutPorts())
	}
	return objects, exec, err
}

func inactiveInput(data []interface{}) bool {
	for _, d := range data {
		if IsInactive(d) {
			return true
		}
	}
	return false
}

// afterExecutionLocked continues the execution downstream of n, restarts a
// running loop, or unmarks what can no longer run after a failure.
func (m *Manager) afterExecutionLocked(n single, status ExecutionStatus, o Origin) {
	if status.LoopRunning {
		if m.waitingLoops == nil {
			m.waitingLoops = make(map[nodeid.ID]Origin)
		}
		m.waitingLoops[n.ID()] = o
		return
	}
	if status.IsSuccess() {
		for _, ep := range m.successorsOf(n) {
			ep.mgr.configureNodeLocked(ep.node, o)
			ep.mgr.queueIfReadyLocked(ep.node, o)
		}
		return
	}

	msg := n.Message()
	m.configureNodeLocked(n, o)
	if msg != NoMessage && n.Message() != msg {
		n.machine().setMessage(msg)
		m.fire(Event{Type: EventNodeMessageChanged, NodeID: n.ID(), Message: msg, Origin: o})
	}
	m.disableSuccessorsLocked(n, o)
}

// disableSuccessorsLocked unmarks the marked nodes downstream of n.
func (m *Manager) disableSuccessorsLocked(n single, o Origin) {
	for _, ep := range m.successorsOf(n) {
		st := ep.node.State()
		if st != StateMarked && st != StateUnconfiguredMarked {
			continue
		}
		t := ep.node.machine().markForExecution(false)
		ep.mgr.fireTransition(ep.node.ID(), t, o)
		delete(ep.mgr.waitingLoops, ep.node.ID())
		ep.mgr.disableSuccessorsLocked(ep.node, o)
	}
}

// resumeWaitingLoopsLocked restarts the loops whose end asked for another
// iteration once no node of their body is marked, queued or running. Loops
// of enclosing workflows are checked too, since metanodes in a loop body
// finish their nodes in their own manager.
func (m *Manager) resumeWaitingLoopsLocked() {
	for mgr := m; mgr != nil; mgr = mgr.parent {
		mgr.resumeOwnLoopsLocked()
		if mgr.kind != kindMetanode {
			return
		}
	}
}

func (m *Manager) resumeOwnLoopsLocked() {
	if len(m.waitingLoops) == 0 {
		return
	}
	ends := make([]nodeid.ID, 0, len(m.waitingLoops))
	for id := range m.waitingLoops {
		ends = append(ends, id)
	}
	sort.Slice(ends, func(i, j int) bool { return ends[i].Less(ends[j]) })

	for _, id := range ends {
		o, ok := m.waitingLoops[id]
		if !ok {
			continue
		}
		nc, found := m.wf.Node(id)
		if !found {
			delete(m.waitingLoops, id)
			continue
		}
		end, isSingle := asSingle(nc)
		if !isSingle || end.State() != StateMarked {
			delete(m.waitingLoops, id)
			continue
		}
		if !m.loopBodySettledLocked(end) {
			continue
		}
		delete(m.waitingLoops, id)
		m.restartLoopLocked(end, o)
	}
}

// loopBodySettledLocked reports whether every body node of the loop closed
// by end, other than its start and end, has left execution. Dangling
// branches that do not lead to the end are part of the body.
func (m *Manager) loopBodySettledLocked(end single) bool {
	startID, err := m.wf.MatchingLoopStart(end.ID())
	if err != nil {
		return true
	}
	body, err := m.wf.NodesInScope(startID)
	if err != nil {
		return true
	}
	for _, id := range body {
		if id == startID || id == end.ID() {
			continue
		}
		nc, _ := m.wf.Node(id)
		for _, ep := range m.singlesOf(nc) {
			if ep.node.State().IsExecutionInProgress() {
				return false
			}
		}
	}
	return true
}

// restartLoopLocked prepares the next iteration after the loop end asked
// for one and its body settled: the body is reset, configured and marked
// again, and the loop start is re-armed.
func (m *Manager) restartLoopLocked(end single, o Origin) {
	fail := func(err error) {
		m.logger.Warn("loop cannot continue",
			zap.String("node_id", end.ID().String()),
			zap.Error(err))
		end.machine().setMessage(Message{Type: MessageError, Text: err.Error()})
		m.fireTransition(end.ID(), end.machine().markForExecution(false), o)
		m.disableSuccessorsLocked(end, o)
	}

	startID, err := m.wf.MatchingLoopStart(end.ID())
	if err != nil {
		fail(err)
		return
	}
	body, err := m.wf.NodesInScope(startID)
	if err != nil {
		fail(err)
		return
	}

	var eps []endpoint
	for _, id := range body {
		if id == startID || id == end.ID() {
			continue
		}
		nc, _ := m.wf.Node(id)
		for _, ep := range m.singlesOf(nc) {
			if ep.node.State() == StateExecuted {
				eps = append(eps, ep)
			}
		}
	}
	eps = topoOrder(eps)
	for i := len(eps) - 1; i >= 0; i-- {
		eps[i].mgr.resetNodeLocked(eps[i].node, o)
	}

	snc, _ := m.wf.Node(startID)
	start := snc.(single)
	m.fireTransition(startID, start.machine().markForReExecutionInLoop(), o)
	m.env.cfg.Metrics.RecordLoopIteration()

	for _, ep := range eps {
		ep.mgr.configureNodeLocked(ep.node, o)
		ep.mgr.fireTransition(ep.node.ID(), ep.node.machine().markForExecution(true), o)
	}
	m.queueIfReadyLocked(start, o)
}

// CancelExecution cancels the given nodes and unmarks everything that was
// waiting for them. Running nodes stop cooperatively.
func (m *Manager) CancelExecution(ids ...nodeid.ID) error {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()

	var eps []endpoint
	for _, id := range ids {
		nc, err := m.nodeLocked(id)
		if err != nil {
			return err
		}
		if c, ok := nc.(*CompositeNode); ok {
			eps = append(eps, c.inner.singles(true)...)
		}
		eps = append(eps, m.singlesOf(nc)...)
	}
	for _, ep := range eps {
		ep.mgr.cancelNodeLocked(ep.node, OriginUser)
	}
	// A loop may have been waiting only for the nodes just unmarked.
	for _, ep := range eps {
		ep.mgr.resumeWaitingLoopsLocked()
	}
	return nil
}

// CancelAll cancels every node of the workflow, including nodes nested in
// metanodes and composites.
func (m *Manager) CancelAll() {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()
	m.cancelAllLocked(OriginUser)
}

func (m *Manager) cancelAllLocked(o Origin) {
	for _, ep := range m.singles(true) {
		ep.mgr.cancelNodeLocked(ep.node, o)
	}
}

func (m *Manager) cancelNodeLocked(n single, o Origin) {
	st := n.State()
	if !st.IsExecutionInProgress() {
		return
	}
	t := n.machine().cancel()
	m.fireTransition(n.ID(), t, o)
	delete(m.waitingLoops, n.ID())
	if t.changed() {
		m.disableSuccessorsLocked(n, o)
	}
}
