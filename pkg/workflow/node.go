package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

// NodeKind discriminates the closed set of node container variants.
type NodeKind int

const (
	// KindNative is a leaf node backed by a NodeModel.
	KindNative NodeKind = iota
	// KindMetanode is a transparent nested workflow.
	KindMetanode
	// KindComposite is a nested workflow that executes as a single node.
	KindComposite
)

func (k NodeKind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindMetanode:
		return "metanode"
	case KindComposite:
		return "wrapped"
	}
	return "unknown"
}

// ScopeRole marks nodes that open or close a scope.
type ScopeRole int

const (
	RoleNone ScopeRole = iota
	RoleLoopStart
	RoleLoopEnd
	RoleScopeStart
	RoleScopeEnd
)

func (r ScopeRole) String() string {
	switch r {
	case RoleLoopStart:
		return "loop-start"
	case RoleLoopEnd:
		return "loop-end"
	case RoleScopeStart:
		return "scope-start"
	case RoleScopeEnd:
		return "scope-end"
	}
	return "none"
}

// IsStart reports whether r opens a scope.
func (r ScopeRole) IsStart() bool { return r == RoleLoopStart || r == RoleScopeStart }

// IsEnd reports whether r closes a scope.
func (r ScopeRole) IsEnd() bool { return r == RoleLoopEnd || r == RoleScopeEnd }

// closes reports whether an end with role r closes a scope opened by start.
func (r ScopeRole) closes(start ScopeRole) bool {
	return (r == RoleLoopEnd && start == RoleLoopStart) || (r == RoleScopeEnd && start == RoleScopeStart)
}

// NodeDescriptor is the static shape of a native node.
type NodeDescriptor struct {
	Name     string
	InPorts  []PortType
	OutPorts []PortType
	Role     ScopeRole
}

// NodeModel is the computation behind a native node.
type NodeModel interface {
	// Configure derives output specs from input specs. It is only called when
	// every required input has a spec.
	Configure(inSpecs []interface{}) ([]interface{}, error)

	// Execute computes the output objects. Implementations should return
	// promptly once ctx is cancelled.
	Execute(ctx context.Context, exec *ExecutionContext, inData []interface{}) ([]interface{}, error)

	// Reset drops any state kept from previous executions.
	Reset()
}

// NodeFactory creates models for one node type.
type NodeFactory interface {
	// Type is the registry key persisted with the node.
	Type() string
	Descriptor() NodeDescriptor
	NewModel() NodeModel
}

// InactiveBranchConsumer is implemented by models that run even when an
// input lies on an inactive branch (for example branch joins).
type InactiveBranchConsumer interface {
	ConsumesInactiveBranches() bool
}

// LoopTerminator is implemented by loop start models. The loop end asks it
// whether the iteration that just finished was the last one.
type LoopTerminator interface {
	TerminateLoop(iteration int) bool
}

// SettingsModel is implemented by models with persisted settings.
type SettingsModel interface {
	SaveSettings() map[string]interface{}
	LoadSettings(settings map[string]interface{}) error
}

// MessageType classifies a node message.
type MessageType int

const (
	MessageNone MessageType = iota
	MessageWarning
	MessageError
)

// Message is the user-visible status text of a node.
type Message struct {
	Type MessageType
	Text string
}

// NoMessage is the empty message.
var NoMessage = Message{}

func (m Message) String() string {
	switch m.Type {
	case MessageWarning:
		return "WARNING: " + m.Text
	case MessageError:
		return "ERROR: " + m.Text
	}
	return ""
}

// IterationVariable is the flow variable pushed by every loop start.
const IterationVariable = "currentIteration"

// ExecutionContext is handed to NodeModel.Execute.
type ExecutionContext struct {
	node         nodeid.ID
	logger       *zap.Logger
	iteration    int
	incoming     map[string]interface{}
	pushed       map[string]interface{}
	loopStart    NodeModel
	continueLoop bool
}

// NodeID returns the id of the executing node.
func (e *ExecutionContext) NodeID() nodeid.ID { return e.node }

// Logger returns a logger scoped to the executing node.
func (e *ExecutionContext) Logger() *zap.Logger { return e.logger }

// Iteration returns the loop iteration, counted from 0, for loop starts and
// loop ends. It is 0 for all other nodes.
func (e *ExecutionContext) Iteration() int { return e.iteration }

// Variable looks up a flow variable, preferring values pushed by this node.
func (e *ExecutionContext) Variable(name string) (interface{}, bool) {
	if v, ok := e.pushed[name]; ok {
		return v, true
	}
	v, ok := e.incoming[name]
	return v, ok
}

// PushVariable publishes a flow variable to downstream nodes.
func (e *ExecutionContext) PushVariable(name string, value interface{}) {
	if e.pushed == nil {
		e.pushed = make(map[string]interface{})
	}
	e.pushed[name] = value
}

// LoopStart returns the model of the matching loop start when the executing
// node is a loop end.
func (e *ExecutionContext) LoopStart() NodeModel { return e.loopStart }

// ContinueLoop requests another iteration. Only loop ends may call it.
func (e *ExecutionContext) ContinueLoop() { e.continueLoop = true }

func (e *ExecutionContext) outgoing() map[string]interface{} {
	out := make(map[string]interface{}, len(e.incoming)+len(e.pushed))
	for k, v := range e.incoming {
		out[k] = v
	}
	for k, v := range e.pushed {
		out[k] = v
	}
	return out
}

// NodeContainer is a node of a workflow. The set of implementations is
// closed: *NativeNode, *Metanode and *CompositeNode. Use Kind to dispatch.
type NodeContainer interface {
	ID() nodeid.ID
	Kind() NodeKind
	Name() string
	ScopeRole() ScopeRole
	State() State
	Message() Message
	NrInPorts() int
	NrOutPorts() int
	InPortType(port int) PortType
	OutPortType(port int) PortType

	// connectedOutPorts returns the outports fed by the given inport.
	connectedOutPorts(inPort int) []int
	// connectedInPorts returns the inports feeding the given outport.
	connectedInPorts(outPort int) []int
	// innerWorkflow returns the nested graph of metanodes and composites.
	innerWorkflow() *Workflow
	sealed()
}

// single is implemented by the node variants that own a state machine.
type single interface {
	NodeContainer
	machine() *singleNode
}

func asSingle(nc NodeContainer) (single, bool) {
	switch nc.Kind() {
	case KindNative, KindComposite:
		return nc.(single), true
	}
	return nil, false
}

func allPorts(n int) []int {
	ports := make([]int, n)
	for i := range ports {
		ports[i] = i
	}
	return ports
}

func portTypeAt(ports []PortType, port int) PortType {
	if port < 0 || port >= len(ports) {
		panic(fmt.Sprintf("port %d out of range [0,%d)", port, len(ports)))
	}
	return ports[port]
}
