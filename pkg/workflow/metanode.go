package workflow

import (
	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

// Metanode is a nested workflow whose ports map onto connections from and
// to its own boundary. It has no state machine of its own; its state is
// derived from its children.
type Metanode struct {
	inner *Manager
}

var _ NodeContainer = (*Metanode)(nil)

func (n *Metanode) ID() nodeid.ID        { return n.inner.id }
func (n *Metanode) Kind() NodeKind       { return KindMetanode }
func (n *Metanode) Name() string         { return n.inner.name }
func (n *Metanode) ScopeRole() ScopeRole { return RoleNone }
func (n *Metanode) Message() Message     { return NoMessage }
func (n *Metanode) NrInPorts() int       { return n.inner.wf.NrInPorts() }
func (n *Metanode) NrOutPorts() int      { return n.inner.wf.NrOutPorts() }

func (n *Metanode) InPortType(port int) PortType  { return n.inner.wf.InPortType(port) }
func (n *Metanode) OutPortType(port int) PortType { return n.inner.wf.OutPortType(port) }

// State aggregates the states of the inner nodes.
func (n *Metanode) State() State { return n.inner.State() }

// Inner returns the manager of the nested workflow.
func (n *Metanode) Inner() *Manager { return n.inner }

func (n *Metanode) connectedOutPorts(inPort int) []int { return n.inner.wf.ConnectedOutPorts(inPort) }
func (n *Metanode) connectedInPorts(outPort int) []int { return n.inner.wf.ConnectedInPorts(outPort) }
func (n *Metanode) innerWorkflow() *Workflow           { return n.inner.wf }
func (n *Metanode) sealed()                            {}
