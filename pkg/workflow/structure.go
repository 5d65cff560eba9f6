package workflow

import (
	"fmt"

	"go.uber.org/zap"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

// AddNode creates a native node from factory under a fresh id and
// configures it.
func (m *Manager) AddNode(factory NodeFactory) (*NativeNode, error) {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()
	return m.addNativeLocked(m.wf.CreateUniqueID(), factory.Type(), factory.Descriptor(), factory.NewModel(), false)
}

// AddNodeWithSuffix creates a native node under the given id suffix.
func (m *Manager) AddNodeWithSuffix(suffix int, factory NodeFactory) (*NativeNode, error) {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()
	return m.addNativeLocked(m.wf.id.Child(suffix), factory.Type(), factory.Descriptor(), factory.NewModel(), false)
}

// AddPlaceholder adds a node for a type whose implementation is missing.
// Its ports are guessed from conns; where a neighbour is already present its
// port type is taken over. The placeholder never configures.
func (m *Manager) AddPlaceholder(suffix int, typeName, name string, conns []ConnectionSpec, settings map[string]interface{}) (*NativeNode, error) {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()

	id := m.wf.id.Child(suffix)
	in, out := GuessPortTypes(id, conns)
	for _, c := range conns {
		if c.Dest == id && c.Source != id {
			if t, err := m.neighbourOutType(c.Source, c.SourcePort); err == nil {
				in[c.DestPort] = t.AsOptional()
			}
		}
		if c.Source == id && c.Dest != id {
			if t, err := m.neighbourInType(c.Dest, c.DestPort); err == nil {
				out[c.SourcePort] = PortType{ID: t.ID}
			}
		}
	}
	if name == "" {
		name = typeName
	}
	desc := NodeDescriptor{Name: name, InPorts: in, OutPorts: out}
	model := &placeholderModel{typeName: typeName, settings: settings}
	return m.addNativeLocked(id, typeName, desc, model, true)
}

func (m *Manager) neighbourOutType(id nodeid.ID, port int) (PortType, error) {
	m.wf.mu.RLock()
	defer m.wf.mu.RUnlock()
	return m.wf.outTypeOf(id, port)
}

func (m *Manager) neighbourInType(id nodeid.ID, port int) (PortType, error) {
	m.wf.mu.RLock()
	defer m.wf.mu.RUnlock()
	return m.wf.inTypeOf(id, port)
}

func (m *Manager) addNativeLocked(id nodeid.ID, factoryType string, desc NodeDescriptor, model NodeModel, placeholder bool) (*NativeNode, error) {
	if model == nil {
		return nil, fmt.Errorf("factory %q returned a nil model", factoryType)
	}
	n := newNativeNode(id, factoryType, desc, model, m.logger)
	n.placeholder = placeholder
	if err := m.wf.PutNode(n); err != nil {
		return nil, err
	}
	m.logger.Debug("node added",
		zap.String("node_id", id.String()),
		zap.String("type", factoryType))
	m.fire(Event{Type: EventNodeAdded, NodeID: id})
	m.configureNodeLocked(n, OriginUser)
	return n, nil
}

// AddMetanode adds an empty metanode with the given boundary ports and
// returns the manager of its inner workflow.
func (m *Manager) AddMetanode(name string, in, out []PortType) (*Manager, error) {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()
	return m.addMetanodeLocked(m.wf.CreateUniqueID(), name, in, out)
}

// AddMetanodeWithSuffix adds a metanode under the given id suffix.
func (m *Manager) AddMetanodeWithSuffix(suffix int, name string, in, out []PortType) (*Manager, error) {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()
	return m.addMetanodeLocked(m.wf.id.Child(suffix), name, in, out)
}

func (m *Manager) addMetanodeLocked(id nodeid.ID, name string, in, out []PortType) (*Manager, error) {
	inner := m.newChild(id, name, kindMetanode, in, out)
	if err := m.wf.PutNode(&Metanode{inner: inner}); err != nil {
		return nil, err
	}
	m.fire(Event{Type: EventNodeAdded, NodeID: id})
	return inner, nil
}

// AddComposite adds a composite node with the given ports. Its inner
// workflow starts with the virtual input and output nodes only.
func (m *Manager) AddComposite(name string, in, out []PortType) (*CompositeNode, error) {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()
	return m.addCompositeLocked(m.wf.CreateUniqueID(), name, in, out)
}

// AddCompositeWithSuffix adds a composite node under the given id suffix.
func (m *Manager) AddCompositeWithSuffix(suffix int, name string, in, out []PortType) (*CompositeNode, error) {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()
	return m.addCompositeLocked(m.wf.id.Child(suffix), name, in, out)
}

func (m *Manager) addCompositeLocked(id nodeid.ID, name string, in, out []PortType) (*CompositeNode, error) {
	c, err := newCompositeNode(m, id, name, in, out)
	if err != nil {
		return nil, err
	}
	if err := m.wf.PutNode(c); err != nil {
		return nil, err
	}
	m.fire(Event{Type: EventNodeAdded, NodeID: id})
	m.configureNodeLocked(c, OriginUser)
	return c, nil
}

// RemoveNode deletes a node and its connections. Nodes downstream of it are
// reset and configured again. It fails if the node, anything nested in it or
// anything downstream is in execution.
func (m *Manager) RemoveNode(id nodeid.ID) error {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()

	nc, err := m.nodeLocked(id)
	if err != nil {
		return err
	}
	if c, ok := nc.(*CompositeNode); ok {
		for _, ep := range c.inner.singles(true) {
			if ep.node.State().IsExecutionInProgress() {
				return derrors.NewError(derrors.CodeInExecution,
					fmt.Sprintf("cannot remove %s", id), derrors.ErrNodeInExecution)
			}
		}
	}

	roots := m.singlesOf(nc)
	var downstream []endpoint
	for _, ep := range roots {
		downstream = append(downstream, ep.mgr.successorsOf(ep.node)...)
	}
	if _, err := m.resetCascadeLocked(roots, OriginUser); err != nil {
		return err
	}

	_, removed, err := m.wf.RemoveNode(id)
	if err != nil {
		return err
	}
	for _, c := range removed {
		m.fire(Event{Type: EventConnectionRemoved, NodeID: c.dest, Connection: c})
	}
	m.fire(Event{Type: EventNodeRemoved, NodeID: id})
	m.logger.Debug("node removed", zap.String("node_id", id.String()))

	m.configureDownstreamLocked(downstream, OriginUser)
	return nil
}

// configureDownstreamLocked configures eps and their successors again,
// producers first. They were reset before.
func (m *Manager) configureDownstreamLocked(eps []endpoint, o Origin) {
	seen := map[nodeid.ID]bool{}
	var all []endpoint
	var walk func(ep endpoint)
	walk = func(ep endpoint) {
		if seen[ep.node.ID()] {
			return
		}
		seen[ep.node.ID()] = true
		all = append(all, ep)
		for _, next := range ep.mgr.successorsOf(ep.node) {
			walk(next)
		}
	}
	for _, ep := range eps {
		walk(ep)
	}
	configureInOrder(topoOrder(all), o)
}

// AddConnection connects two ports and resets what lies downstream of the
// new connection. Structural problems are returned as typed errors and leave
// the workflow unchanged.
func (m *Manager) AddConnection(spec ConnectionSpec) (*Connection, error) {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()
	return m.addConnectionLocked(spec)
}

func (m *Manager) addConnectionLocked(spec ConnectionSpec) (*Connection, error) {
	if err := m.wf.CanAddConnection(spec); err != nil {
		return nil, err
	}
	probe, err := newConnection(m.wf.id, spec)
	if err != nil {
		return nil, err
	}
	affected := m.consumersVia(probe)
	for _, ep := range affected {
		if ep.node.State().IsExecutionInProgress() {
			return nil, derrors.NewError(derrors.CodeInExecution,
				fmt.Sprintf("cannot connect to %s", ep.node.ID()), derrors.ErrNodeInExecution)
		}
	}

	// Nested reach feeds the topology of every enclosing workflow, so the
	// new connection may break an ancestor that was sound before.
	var ancestors []*Workflow
	var sound []bool
	for mgr := m.parent; mgr != nil; mgr = mgr.parent {
		ancestors = append(ancestors, mgr.wf)
		sound = append(sound, mgr.wf.Validate() == nil)
	}

	c, err := m.wf.AddConnection(spec)
	if err != nil {
		return nil, err
	}
	for i, wf := range ancestors {
		if err := wf.Validate(); err != nil && sound[i] {
			_ = m.wf.RemoveConnection(c)
			return nil, err
		}
	}
	if _, err := m.resetCascadeLocked(affected, OriginUser); err != nil {
		_ = m.wf.RemoveConnection(c)
		return nil, err
	}
	m.fire(Event{Type: EventConnectionAdded, NodeID: c.dest, Connection: c})
	m.configureDownstreamLocked(m.consumersVia(c), OriginUser)
	return c, nil
}

// RemoveConnection deletes a connection and resets what lies downstream of it.
func (m *Manager) RemoveConnection(spec ConnectionSpec) error {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()

	c, err := m.canRemoveConnectionLocked(spec)
	if err != nil {
		return err
	}
	affected := m.consumersVia(c)
	if _, err := m.resetCascadeLocked(affected, OriginUser); err != nil {
		return err
	}
	if err := m.wf.RemoveConnection(c); err != nil {
		return err
	}
	m.fire(Event{Type: EventConnectionRemoved, NodeID: c.dest, Connection: c})
	m.configureDownstreamLocked(affected, OriginUser)
	return nil
}

// CanRemoveConnection reports why RemoveConnection would fail, or nil.
func (m *Manager) CanRemoveConnection(spec ConnectionSpec) error {
	m.env.lock.Lock()
	defer m.env.lock.Unlock()
	_, err := m.canRemoveConnectionLocked(spec)
	return err
}

func (m *Manager) canRemoveConnectionLocked(spec ConnectionSpec) (*Connection, error) {
	c, ok := m.wf.Connection(spec)
	if !ok {
		return nil, derrors.NewError(derrors.CodeEdgeNotFound,
			fmt.Sprintf("%s[%d] -> %s[%d]", spec.Source, spec.SourcePort, spec.Dest, spec.DestPort), derrors.ErrEdgeNotFound)
	}
	if !c.IsDeletable() {
		return nil, derrors.NewError(derrors.CodeInvalidEdge, c.String(), derrors.ErrNotDeletable)
	}
	for _, ep := range m.consumersVia(c) {
		if ep.node.State().IsExecutionInProgress() {
			return nil, derrors.NewError(derrors.CodeInExecution,
				fmt.Sprintf("cannot disconnect %s", ep.node.ID()), derrors.ErrNodeInExecution)
		}
	}
	return c, nil
}
