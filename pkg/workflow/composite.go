package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

// CompositeNode is a nested workflow that executes as one node. Inside it a
// virtual input node supplies the composite's inputs and a virtual output
// node collects the results that are published on the composite's outports.
type CompositeNode struct {
	*singleNode
	inner    *Manager
	inTypes  []PortType
	outTypes []PortType

	virtualIn  nodeid.ID
	virtualOut nodeid.ID
	vin        *virtualInModel
	vout       *virtualOutModel
}

var _ NodeContainer = (*CompositeNode)(nil)

func newCompositeNode(parent *Manager, id nodeid.ID, name string, in, out []PortType) (*CompositeNode, error) {
	c := &CompositeNode{
		singleNode: newSingleNode(id, out, parent.env.cfg.Logger),
		inTypes:    in,
		outTypes:   out,
		vin:        &virtualInModel{},
		vout:       &virtualOutModel{},
	}
	c.inner = parent.newChild(id, name, kindCompositeInner, nil, nil)
	c.inner.owner = c

	optional := make([]PortType, len(out))
	for i, t := range out {
		optional[i] = t.AsOptional()
	}

	c.virtualIn = id.Child(1)
	vin := newNativeNode(c.virtualIn, virtualInType,
		NodeDescriptor{Name: "Virtual Input", OutPorts: in}, c.vin, c.inner.logger)
	if err := c.inner.wf.PutNode(vin); err != nil {
		return nil, err
	}
	c.virtualOut = id.Child(2)
	vout := newNativeNode(c.virtualOut, virtualOutType,
		NodeDescriptor{Name: "Virtual Output", InPorts: optional}, c.vout, c.inner.logger)
	if err := c.inner.wf.PutNode(vout); err != nil {
		return nil, err
	}
	return c, nil
}

const (
	virtualInType  = "virtual-in"
	virtualOutType = "virtual-out"
)

func (c *CompositeNode) ID() nodeid.ID        { return c.id }
func (c *CompositeNode) Kind() NodeKind       { return KindComposite }
func (c *CompositeNode) Name() string         { return c.inner.name }
func (c *CompositeNode) ScopeRole() ScopeRole { return RoleNone }
func (c *CompositeNode) NrInPorts() int       { return len(c.inTypes) }
func (c *CompositeNode) NrOutPorts() int      { return len(c.outTypes) }

func (c *CompositeNode) InPortType(port int) PortType  { return portTypeAt(c.inTypes, port) }
func (c *CompositeNode) OutPortType(port int) PortType { return portTypeAt(c.outTypes, port) }

// Inner returns the manager of the wrapped workflow.
func (c *CompositeNode) Inner() *Manager { return c.inner }

// VirtualIn returns the id of the node that supplies the composite's inputs.
func (c *CompositeNode) VirtualIn() nodeid.ID { return c.virtualIn }

// VirtualOut returns the id of the node that collects the composite's outputs.
func (c *CompositeNode) VirtualOut() nodeid.ID { return c.virtualOut }

// Outputs returns the published outputs, hiding objects unless EXECUTED.
func (c *CompositeNode) Outputs() []Output {
	out := make([]Output, len(c.outTypes))
	for i := range out {
		out[i] = c.Output(i)
	}
	return out
}

func (c *CompositeNode) connectedOutPorts(inPort int) []int {
	wf := c.inner.wf
	wf.mu.RLock()
	defer wf.mu.RUnlock()

	outs := map[int]bool{}
	seen := map[portRef]bool{}
	stack := wf.outgoingLocked(c.virtualIn, inPort)
	for len(stack) > 0 {
		conn := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if conn.dest == c.virtualOut {
			outs[conn.destPort] = true
			continue
		}
		ref := portRef{conn.dest, conn.destPort}
		if seen[ref] || conn.dest == wf.id {
			continue
		}
		seen[ref] = true
		for _, o := range wf.nodes[conn.dest].connectedOutPorts(conn.destPort) {
			stack = append(stack, wf.outgoingLocked(conn.dest, o)...)
		}
	}
	ports := make([]int, 0, len(outs))
	for o := range outs {
		ports = append(ports, o)
	}
	sort.Ints(ports)
	return ports
}

func (c *CompositeNode) connectedInPorts(outPort int) []int {
	var ins []int
	for p := range c.inTypes {
		for _, o := range c.connectedOutPorts(p) {
			if o == outPort {
				ins = append(ins, p)
				break
			}
		}
	}
	return ins
}

func (c *CompositeNode) innerWorkflow() *Workflow { return c.inner.wf }
func (c *CompositeNode) machine() *singleNode     { return c.singleNode }
func (c *CompositeNode) sealed()                  {}

func (c *CompositeNode) origin() Origin { return originOf(c.id) }

// performConfigure configures the inner workflow for the given input specs
// and returns the specs collected by the virtual output node. The tree lock
// is held.
func (c *CompositeNode) performConfigure(inSpecs []interface{}) ([]interface{}, error) {
	c.vin.setSpecs(inSpecs)
	if err := c.inner.resetAllLocked(c.origin()); err != nil {
		return nil, err
	}
	c.inner.configureAllLocked(c.origin())

	voNode, _ := c.inner.wf.Node(c.virtualOut)
	vo := voNode.(*NativeNode)
	if vo.State() != StateConfigured {
		return nil, fmt.Errorf("output node of %s is not configured", c.id)
	}
	specs := c.vout.getSpecs()
	for j := range c.outTypes {
		if _, connected := c.inner.wf.IncomingConnection(c.virtualOut, j); connected && (j >= len(specs) || specs[j] == nil) {
			return nil, fmt.Errorf("output %d of %s has no spec", j, c.id)
		}
	}
	return specs, nil
}

// performReset resets every inner node. The tree lock is held.
func (c *CompositeNode) performReset() {
	c.vin.clear()
	c.vout.clear()
	if err := c.inner.resetAllLocked(c.origin()); err != nil {
		c.logger.Warn("inner workflow not reset",
			zap.String("node_id", c.id.String()), zap.Error(err))
	}
}

// performExecute runs the inner workflow to completion on the calling
// worker. The wait is invisible to the executor so inner jobs can run.
func (c *CompositeNode) performExecute(ctx context.Context, inData []interface{}) ([]interface{}, error) {
	mgr := c.inner
	mgr.env.lock.Lock()
	c.vin.setData(inData)
	mgr.executeAllLocked(c.origin())
	mgr.env.lock.Unlock()

	span := mgr.env.cfg.Tracer
	spanCtx, s := span.Start(ctx, "composite.wait")
	err := mgr.env.cfg.Executor.RunInvisible(spanCtx, func() error {
		return mgr.WaitWhileInExecution(spanCtx)
	})
	s.End()

	if ctx.Err() != nil {
		mgr.env.lock.Lock()
		mgr.cancelAllLocked(c.origin())
		mgr.env.lock.Unlock()
		if werr := mgr.WaitWhileInExecution(mgr.env.ctx); werr != nil {
			c.logger.Warn("inner workflow did not settle after cancel",
				zap.String("node_id", c.id.String()), zap.Error(werr))
		}
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	mgr.env.lock.Lock()
	defer mgr.env.lock.Unlock()
	voNode, _ := mgr.wf.Node(c.virtualOut)
	if voNode.State() != StateExecuted {
		return nil, fmt.Errorf("inner workflow did not execute completely%s", mgr.failureSummary())
	}
	return c.vout.getData(), nil
}

// onForeignInnerEvent reacts to inner changes the composite did not cause
// itself: the composite and its successors in the parent are reset.
func (c *CompositeNode) onForeignInnerEvent(ev Event) {
	switch ev.Type {
	case EventNodeAdded, EventNodeRemoved, EventConnectionAdded, EventConnectionRemoved:
	case EventNodeStateChanged:
		if ev.OldState != StateExecuted {
			return
		}
	default:
		return
	}
	if c.State().IsExecutionInProgress() {
		return
	}
	if err := c.inner.parent.resetAndConfigureLocked(c.id, ev.Origin); err != nil {
		c.logger.Debug("composite not reset after inner change",
			zap.String("node_id", c.id.String()), zap.Error(err))
	}
}

func (m *Manager) failureSummary() string {
	var parts []string
	for _, nc := range m.wf.Nodes() {
		if msg := nc.Message(); msg.Type == MessageError {
			parts = append(parts, fmt.Sprintf("%s: %s", nc.ID(), msg.Text))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return ": " + strings.Join(parts, "; ")
}

type virtualInModel struct {
	mu    sync.Mutex
	specs []interface{}
	data  []interface{}
}

func (m *virtualInModel) setSpecs(specs []interface{}) {
	m.mu.Lock()
	m.specs = specs
	m.mu.Unlock()
}

func (m *virtualInModel) setData(data []interface{}) {
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
}

func (m *virtualInModel) clear() {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
}

func (m *virtualInModel) Configure([]interface{}) ([]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.specs == nil {
		return nil, fmt.Errorf("composite inputs are not configured")
	}
	return append([]interface{}(nil), m.specs...), nil
}

func (m *virtualInModel) Execute(context.Context, *ExecutionContext, []interface{}) ([]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, fmt.Errorf("composite inputs are not available")
	}
	return append([]interface{}(nil), m.data...), nil
}

func (m *virtualInModel) Reset() {}

type virtualOutModel struct {
	mu    sync.Mutex
	specs []interface{}
	data  []interface{}
}

func (m *virtualOutModel) getSpecs() []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]interface{}(nil), m.specs...)
}

func (m *virtualOutModel) getData() []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]interface{}(nil), m.data...)
}

func (m *virtualOutModel) clear() {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
}

func (m *virtualOutModel) Configure(inSpecs []interface{}) ([]interface{}, error) {
	m.mu.Lock()
	m.specs = append([]interface{}(nil), inSpecs...)
	m.mu.Unlock()
	return nil, nil
}

func (m *virtualOutModel) Execute(_ context.Context, _ *ExecutionContext, inData []interface{}) ([]interface{}, error) {
	m.mu.Lock()
	m.data = append([]interface{}(nil), inData...)
	m.mu.Unlock()
	return nil, nil
}

func (m *virtualOutModel) Reset() {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
}

// ConsumesInactiveBranches lets inactive inputs reach the output node so
// they are published as inactive outputs.
func (m *virtualOutModel) ConsumesInactiveBranches() bool { return true }
