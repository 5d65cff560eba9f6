package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

type testFactory struct {
	typ   string
	desc  NodeDescriptor
	model func() NodeModel
}

func (f testFactory) Type() string               { return f.typ }
func (f testFactory) Descriptor() NodeDescriptor { return f.desc }
func (f testFactory) NewModel() NodeModel        { return f.model() }

func ports(n int) []PortType {
	out := make([]PortType, n)
	for i := range out {
		out[i] = DataPort
	}
	return out
}

// constModel produces a fixed value.
type constModel struct {
	value  interface{}
	resets atomic.Int32
}

func (m *constModel) Configure([]interface{}) ([]interface{}, error) {
	return []interface{}{"spec"}, nil
}

func (m *constModel) Execute(context.Context, *ExecutionContext, []interface{}) ([]interface{}, error) {
	return []interface{}{m.value}, nil
}

func (m *constModel) Reset() { m.resets.Add(1) }

func constFactory(value interface{}) NodeFactory {
	return testFactory{
		typ:   "test.const",
		desc:  NodeDescriptor{Name: "Const", OutPorts: ports(1)},
		model: func() NodeModel { return &constModel{value: value} },
	}
}

// passModel forwards its first input.
type passModel struct{}

func (passModel) Configure(in []interface{}) ([]interface{}, error) {
	return []interface{}{in[0]}, nil
}

func (passModel) Execute(_ context.Context, _ *ExecutionContext, in []interface{}) ([]interface{}, error) {
	return []interface{}{in[0]}, nil
}

func (passModel) Reset() {}

func passFactory() NodeFactory {
	return testFactory{
		typ:   "test.pass",
		desc:  NodeDescriptor{Name: "Pass", InPorts: ports(1), OutPorts: ports(1)},
		model: func() NodeModel { return passModel{} },
	}
}

// joinModel forwards its inputs as a slice.
type joinModel struct{}

func (joinModel) Configure([]interface{}) ([]interface{}, error) {
	return []interface{}{"spec"}, nil
}

func (joinModel) Execute(_ context.Context, _ *ExecutionContext, in []interface{}) ([]interface{}, error) {
	return []interface{}{append([]interface{}(nil), in...)}, nil
}

func (joinModel) Reset() {}

func joinFactory(inputs int) NodeFactory {
	return testFactory{
		typ:   "test.join",
		desc:  NodeDescriptor{Name: "Join", InPorts: ports(inputs), OutPorts: ports(1)},
		model: func() NodeModel { return joinModel{} },
	}
}

// failModel configures but never executes successfully.
type failModel struct{}

func (failModel) Configure([]interface{}) ([]interface{}, error) {
	return []interface{}{"spec"}, nil
}

func (failModel) Execute(context.Context, *ExecutionContext, []interface{}) ([]interface{}, error) {
	return nil, errors.New("boom")
}

func (failModel) Reset() {}

func failFactory() NodeFactory {
	return testFactory{
		typ:   "test.fail",
		desc:  NodeDescriptor{Name: "Fail", InPorts: ports(1), OutPorts: ports(1)},
		model: func() NodeModel { return failModel{} },
	}
}

// blockModel runs until its context is cancelled.
type blockModel struct {
	started chan struct{}
	once    sync.Once
}

func (m *blockModel) Configure([]interface{}) ([]interface{}, error) {
	return []interface{}{"spec"}, nil
}

func (m *blockModel) Execute(ctx context.Context, _ *ExecutionContext, _ []interface{}) ([]interface{}, error) {
	m.once.Do(func() { close(m.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *blockModel) Reset() {}

// iterationModel outputs the loop iteration seen in its flow variables.
type iterationModel struct{}

func (iterationModel) Configure([]interface{}) ([]interface{}, error) {
	return []interface{}{"spec"}, nil
}

func (iterationModel) Execute(_ context.Context, exec *ExecutionContext, _ []interface{}) ([]interface{}, error) {
	v, ok := exec.Variable(IterationVariable)
	if !ok {
		return nil, errors.New("no iteration variable")
	}
	return []interface{}{v}, nil
}

func (iterationModel) Reset() {}

func iterationFactory() NodeFactory {
	return testFactory{
		typ:   "test.iteration",
		desc:  NodeDescriptor{Name: "Iteration", InPorts: ports(1), OutPorts: ports(1)},
		model: func() NodeModel { return iterationModel{} },
	}
}

// loopStartModel runs a fixed number of iterations.
type loopStartModel struct {
	count int
}

func (m *loopStartModel) Configure(in []interface{}) ([]interface{}, error) {
	return []interface{}{"spec"}, nil
}

func (m *loopStartModel) Execute(_ context.Context, _ *ExecutionContext, in []interface{}) ([]interface{}, error) {
	return []interface{}{in[0]}, nil
}

func (m *loopStartModel) Reset() {}

func (m *loopStartModel) TerminateLoop(iteration int) bool { return iteration >= m.count-1 }

func loopStartFactory(count, inputs int) NodeFactory {
	return testFactory{
		typ:   "test.loopstart",
		desc:  NodeDescriptor{Name: "Loop Start", InPorts: ports(inputs), OutPorts: ports(1), Role: RoleLoopStart},
		model: func() NodeModel { return &loopStartModel{count: count} },
	}
}

// loopEndModel collects its input of every iteration.
type loopEndModel struct {
	collected []interface{}
}

func (m *loopEndModel) Configure([]interface{}) ([]interface{}, error) {
	return []interface{}{"spec"}, nil
}

func (m *loopEndModel) Execute(_ context.Context, exec *ExecutionContext, in []interface{}) ([]interface{}, error) {
	m.collected = append(m.collected, in[0])
	term, ok := exec.LoopStart().(LoopTerminator)
	if !ok {
		return nil, errors.New("loop start cannot terminate")
	}
	if !term.TerminateLoop(exec.Iteration()) {
		exec.ContinueLoop()
	}
	return []interface{}{append([]interface{}(nil), m.collected...)}, nil
}

func (m *loopEndModel) Reset() { m.collected = nil }

func loopEndFactory() NodeFactory {
	return testFactory{
		typ:   "test.loopend",
		desc:  NodeDescriptor{Name: "Loop End", InPorts: ports(1), OutPorts: ports(1), Role: RoleLoopEnd},
		model: func() NodeModel { return &loopEndModel{} },
	}
}

// recordModel remembers the loop iteration of every run and sleeps before
// producing it.
type recordModel struct {
	delay time.Duration

	mu   sync.Mutex
	seen []interface{}
}

func (m *recordModel) Configure([]interface{}) ([]interface{}, error) {
	return []interface{}{"spec"}, nil
}

func (m *recordModel) Execute(ctx context.Context, exec *ExecutionContext, _ []interface{}) ([]interface{}, error) {
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	v, _ := exec.Variable(IterationVariable)
	m.mu.Lock()
	m.seen = append(m.seen, v)
	m.mu.Unlock()
	return []interface{}{v}, nil
}

func (m *recordModel) Reset() {}

func (m *recordModel) iterations() []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]interface{}(nil), m.seen...)
}

// countModel forwards its input and counts its runs.
type countModel struct {
	runs atomic.Int32
}

func (m *countModel) Configure(in []interface{}) ([]interface{}, error) {
	return []interface{}{in[0]}, nil
}

func (m *countModel) Execute(_ context.Context, _ *ExecutionContext, in []interface{}) ([]interface{}, error) {
	m.runs.Add(1)
	return []interface{}{in[0]}, nil
}

func (m *countModel) Reset() {}

// splitModel forwards its input on the first outport and deactivates the
// second one.
type splitModel struct{}

func (splitModel) Configure([]interface{}) ([]interface{}, error) {
	return []interface{}{"spec", "spec"}, nil
}

func (splitModel) Execute(_ context.Context, _ *ExecutionContext, in []interface{}) ([]interface{}, error) {
	return []interface{}{in[0], Inactive}, nil
}

func (splitModel) Reset() {}

// panicModel panics on execution.
type panicModel struct{}

func (panicModel) Configure([]interface{}) ([]interface{}, error) {
	return []interface{}{"spec"}, nil
}

func (panicModel) Execute(context.Context, *ExecutionContext, []interface{}) ([]interface{}, error) {
	panic("broken model")
}

func (panicModel) Reset() {}

func modelFactory(typ string, in, out int, role ScopeRole, model NodeModel) NodeFactory {
	return testFactory{
		typ:   typ,
		desc:  NodeDescriptor{Name: typ, InPorts: ports(in), OutPorts: ports(out), Role: role},
		model: func() NodeModel { return model },
	}
}

func newTestProject(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	m, err := NewProject("test", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitWhileInExecution(ctx))
}

func connect(t *testing.T, m *Manager, src nodeid.ID, srcPort int, dst nodeid.ID, dstPort int) *Connection {
	t.Helper()
	c, err := m.AddConnection(ConnectionSpec{Source: src, SourcePort: srcPort, Dest: dst, DestPort: dstPort})
	require.NoError(t, err)
	return c
}

func addNode(t *testing.T, m *Manager, f NodeFactory) *NativeNode {
	t.Helper()
	n, err := m.AddNode(f)
	require.NoError(t, err)
	return n
}

// putNative registers a native node directly in a standalone workflow.
func putNative(t *testing.T, wf *Workflow, suffix int, f NodeFactory) nodeid.ID {
	t.Helper()
	id := wf.ID().Child(suffix)
	require.NoError(t, wf.PutNode(newNativeNode(id, f.Type(), f.Descriptor(), f.NewModel(), zap.NewNop())))
	return id
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnEvent(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}
