package workflow

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

// NativeNode is a leaf node whose computation is a NodeModel.
type NativeNode struct {
	*singleNode
	desc        NodeDescriptor
	factoryType string
	model       NodeModel
	placeholder bool

	uiMu   sync.Mutex
	uiInfo map[string]interface{}
}

var _ NodeContainer = (*NativeNode)(nil)

func newNativeNode(id nodeid.ID, factoryType string, desc NodeDescriptor, model NodeModel, logger *zap.Logger) *NativeNode {
	return &NativeNode{
		singleNode:  newSingleNode(id, desc.OutPorts, logger),
		desc:        desc,
		factoryType: factoryType,
		model:       model,
	}
}

func (n *NativeNode) ID() nodeid.ID        { return n.id }
func (n *NativeNode) Kind() NodeKind       { return KindNative }
func (n *NativeNode) Name() string         { return n.desc.Name }
func (n *NativeNode) ScopeRole() ScopeRole { return n.desc.Role }
func (n *NativeNode) NrInPorts() int       { return len(n.desc.InPorts) }
func (n *NativeNode) NrOutPorts() int      { return len(n.desc.OutPorts) }

func (n *NativeNode) InPortType(port int) PortType  { return portTypeAt(n.desc.InPorts, port) }
func (n *NativeNode) OutPortType(port int) PortType { return portTypeAt(n.desc.OutPorts, port) }

// Model returns the node's model.
func (n *NativeNode) Model() NodeModel { return n.model }

// FactoryType returns the registry key the node was created from.
func (n *NativeNode) FactoryType() string { return n.factoryType }

// IsPlaceholder reports whether the node stands in for a missing implementation.
func (n *NativeNode) IsPlaceholder() bool { return n.placeholder }

// UIInfo returns a copy of the editor metadata.
func (n *NativeNode) UIInfo() map[string]interface{} {
	n.uiMu.Lock()
	defer n.uiMu.Unlock()
	out := make(map[string]interface{}, len(n.uiInfo))
	for k, v := range n.uiInfo {
		out[k] = v
	}
	return out
}

// SetUIInfo replaces the editor metadata.
func (n *NativeNode) SetUIInfo(info map[string]interface{}) {
	n.uiMu.Lock()
	n.uiInfo = info
	n.uiMu.Unlock()
}

func (n *NativeNode) connectedOutPorts(int) []int { return allPorts(n.NrOutPorts()) }
func (n *NativeNode) connectedInPorts(int) []int  { return allPorts(n.NrInPorts()) }
func (n *NativeNode) innerWorkflow() *Workflow    { return nil }
func (n *NativeNode) machine() *singleNode        { return n.singleNode }
func (n *NativeNode) sealed()                     {}

func (n *NativeNode) consumesInactive() bool {
	c, ok := n.model.(InactiveBranchConsumer)
	return ok && c.ConsumesInactiveBranches()
}

// placeholderModel stands in for node types that cannot be resolved. It
// keeps the node in the graph but never configures.
type placeholderModel struct {
	typeName string
	settings map[string]interface{}
}

func (m *placeholderModel) Configure([]interface{}) ([]interface{}, error) {
	return nil, fmt.Errorf("node implementation %q is not available", m.typeName)
}

func (m *placeholderModel) Execute(context.Context, *ExecutionContext, []interface{}) ([]interface{}, error) {
	return nil, fmt.Errorf("node implementation %q is not available", m.typeName)
}

func (m *placeholderModel) Reset() {}

func (m *placeholderModel) SaveSettings() map[string]interface{} { return m.settings }

func (m *placeholderModel) LoadSettings(settings map[string]interface{}) error {
	m.settings = settings
	return nil
}

// GuessPortTypes infers the port layout of a node whose implementation is
// missing from the connections that reference it. Ports without a
// connection below the highest referenced index are AnyPort.
func GuessPortTypes(id nodeid.ID, conns []ConnectionSpec) (in, out []PortType) {
	nrIn, nrOut := 0, 0
	for _, c := range conns {
		if c.Dest == id && c.DestPort+1 > nrIn {
			nrIn = c.DestPort + 1
		}
		if c.Source == id && c.SourcePort+1 > nrOut {
			nrOut = c.SourcePort + 1
		}
	}
	in = make([]PortType, nrIn)
	for i := range in {
		in[i] = AnyPort.AsOptional()
	}
	out = make([]PortType, nrOut)
	for i := range out {
		out[i] = AnyPort
	}
	return in, out
}
