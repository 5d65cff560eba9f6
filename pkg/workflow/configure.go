package workflow

import (
	"fmt"

	"go.uber.org/zap"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

// ConfigureAll configures every node that is neither executed nor running,
// producers first.
func (m *Manager) ConfigureAll() {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()
	m.configureAllLocked(OriginUser)
}

func (m *Manager) configureAllLocked(o Origin) {
	for _, ep := range topoOrder(m.singles(false)) {
		ep.mgr.configureNodeLocked(ep.node, o)
	}
}

// configureNodeLocked recomputes the output specs of n from the specs of its
// producers. Nodes without specs on all required inputs end up IDLE.
func (m *Manager) configureNodeLocked(n single, o Origin) {
	st := n.State()
	if st == StateExecuted || st.IsExecuting() {
		return
	}

	inSpecs := make([]interface{}, n.NrInPorts())
	complete := true
	inactive := false
	for p := range inSpecs {
		src, ok := m.sourceOf(n.ID(), p)
		if ok {
			inSpecs[p] = src.node.machine().rawOutput(src.port).Spec
		}
		if ok && src.feedback {
			continue
		}
		if inSpecs[p] == nil && !n.InPortType(p).Optional {
			complete = false
		}
		if IsInactive(inSpecs[p]) {
			inactive = true
		}
	}

	var (
		specs []interface{}
		err   error
	)
	switch {
	case !complete:
		if c, ok := n.(*CompositeNode); ok {
			c.vin.setSpecs(nil)
			c.performReset()
		}
	case inactive && !consumesInactive(n):
		specs = make([]interface{}, n.NrOutPorts())
		for i := range specs {
			specs[i] = Inactive
		}
	default:
		specs, err = m.callConfigure(n, inSpecs)
	}

	msg := NoMessage
	if err != nil {
		msg = Message{Type: MessageError, Text: err.Error()}
		m.logger.Debug("configure failed",
			zap.String("node_id", n.ID().String()),
			zap.Error(err))
	}
	old := n.Message()
	t := n.machine().configured(specs, complete && err == nil, msg)
	m.fireTransition(n.ID(), t, o)
	if old != msg {
		m.fire(Event{Type: EventNodeMessageChanged, NodeID: n.ID(), Message: msg, Origin: o})
	}
}

func (m *Manager) callConfigure(n single, inSpecs []interface{}) (specs []interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("configure panicked: %v", r)
		}
	}()

	switch v := n.(type) {
	case *NativeNode:
		specs, err = v.model.Configure(inSpecs)
	case *CompositeNode:
		specs, err = v.performConfigure(inSpecs)
	}
	if err == nil && len(specs) > n.NrOutPorts() {
		err = fmt.Errorf("configure returned %d specs for %d outports", len(specs), n.NrOutPorts())
	}
	return specs, err
}

func consumesInactive(n single) bool {
	if nn, ok := n.(*NativeNode); ok {
		return nn.consumesInactive()
	}
	return false
}

// ResetAndConfigure resets a node together with everything downstream of
// it and configures the reset nodes again. Metanodes reset all their
// children. It fails without changes if any affected node is executing.
func (m *Manager) ResetAndConfigure(id nodeid.ID) error {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()
	return m.resetAndConfigureLocked(id, OriginUser)
}

func (m *Manager) resetAndConfigureLocked(id nodeid.ID, o Origin) error {
	nc, err := m.nodeLocked(id)
	if err != nil {
		return err
	}
	order, err := m.resetCascadeLocked(m.singlesOf(nc), o)
	if err != nil {
		return err
	}
	configureInOrder(order, o)
	return nil
}

// resetCascadeLocked resets the given nodes and all their successors, the
// most downstream first, and returns the reset nodes with producers first.
func (m *Manager) resetCascadeLocked(roots []endpoint, o Origin) ([]endpoint, error) {
	seen := map[nodeid.ID]bool{}
	var post []endpoint
	var visit func(ep endpoint)
	visit = func(ep endpoint) {
		if seen[ep.node.ID()] {
			return
		}
		seen[ep.node.ID()] = true
		for _, next := range ep.mgr.successorsOf(ep.node) {
			visit(next)
		}
		post = append(post, ep)
	}
	for _, ep := range roots {
		visit(ep)
	}

	for _, ep := range post {
		if ep.node.State().IsExecutionInProgress() {
			return nil, derrors.NewError(derrors.CodeInExecution,
				fmt.Sprintf("cannot reset %s", ep.node.ID()), derrors.ErrNodeInExecution)
		}
	}
	for _, ep := range post {
		ep.mgr.resetNodeLocked(ep.node, o)
	}

	order := make([]endpoint, len(post))
	for i, ep := range post {
		order[len(post)-1-i] = ep
	}
	return order, nil
}

func configureInOrder(order []endpoint, o Origin) {
	for _, ep := range order {
		ep.mgr.configureNodeLocked(ep.node, o)
	}
}

func (m *Manager) resetNodeLocked(n single, o Origin) {
	old := n.Message()
	t := n.machine().reset()
	delete(m.waitingLoops, n.ID())
	switch v := n.(type) {
	case *NativeNode:
		v.model.Reset()
	case *CompositeNode:
		v.performReset()
	}
	m.fireTransition(n.ID(), t, o)
	if msg := n.Message(); msg != old {
		m.fire(Event{Type: EventNodeMessageChanged, NodeID: n.ID(), Message: msg, Origin: o})
	}
}

// ResetAll resets every node of the workflow and configures them again.
func (m *Manager) ResetAll() error {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()
	if err := m.resetAllLocked(OriginUser); err != nil {
		return err
	}
	m.configureAllLocked(OriginUser)
	return nil
}

// resetAllLocked resets every node of the workflow and its metanodes. It
// does not configure.
func (m *Manager) resetAllLocked(o Origin) error {
	eps := m.singles(false)
	for _, ep := range eps {
		if ep.node.State().IsExecutionInProgress() {
			return derrors.NewError(derrors.CodeInExecution,
				fmt.Sprintf("cannot reset %s", ep.node.ID()), derrors.ErrNodeInExecution)
		}
	}
	order := topoOrder(eps)
	for i := len(order) - 1; i >= 0; i-- {
		order[i].mgr.resetNodeLocked(order[i].node, o)
	}
	return nil
}
