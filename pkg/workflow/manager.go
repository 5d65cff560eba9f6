package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/executor"
	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

type managerKind int

const (
	kindProject managerKind = iota
	kindMetanode
	kindCompositeInner
)

// env is shared by every manager of one project tree.
type env struct {
	// lock is the tree lock. It guards all structural mutations and every
	// traversal that spans more than one node. Exported Manager methods take
	// it; methods with a Locked suffix expect it to be held.
	lock  sync.Mutex
	clock *generationClock
	cfg   Config

	ctx    context.Context
	cancel context.CancelFunc
	events *eventQueue
	pool   *executor.Pool

	changedMu sync.Mutex
	changed   chan struct{}
}

func (e *env) signalChanged() {
	e.changedMu.Lock()
	close(e.changed)
	e.changed = make(chan struct{})
	e.changedMu.Unlock()
}

func (e *env) changedChan() <-chan struct{} {
	e.changedMu.Lock()
	defer e.changedMu.Unlock()
	return e.changed
}

// Manager orchestrates one workflow: structural edits, configuration,
// execution, cancellation and reset. A project Manager owns the tree; the
// managers of metanodes and composite nodes share its lock, executor and
// event delivery.
type Manager struct {
	id     nodeid.ID
	name   string
	kind   managerKind
	wf     *Workflow
	env    *env
	logger *zap.Logger

	// parent is a lookup handle; the parent owns this manager through the
	// node stored in its workflow.
	parent *Manager
	// owner is the composite node whose inner workflow this is.
	owner *CompositeNode

	// waitingLoops holds the loop ends that asked for another iteration
	// while parts of their body were still running. Guarded by the tree lock.
	waitingLoops map[nodeid.ID]Origin

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewProject creates the root manager of a new project tree.
func NewProject(name string, cfg Config) (*Manager, error) {
	cfg.Validate()

	e := &env{
		clock:   &generationClock{},
		cfg:     cfg,
		events:  newEventQueue(),
		changed: make(chan struct{}),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if cfg.Executor == nil {
		pool, err := executor.NewPool(executor.DefaultConfig(), cfg.Logger.Named("executor"))
		if err != nil {
			e.events.close()
			e.cancel()
			return nil, fmt.Errorf("failed to create executor: %w", err)
		}
		e.pool = pool
		e.cfg.Executor = pool
	}

	id := nodeid.Root(0)
	return &Manager{
		id:     id,
		name:   name,
		kind:   kindProject,
		wf:     newWorkflow(id, e.clock, nil, nil),
		env:    e,
		logger: cfg.Logger.With(zap.String("workflow", id.String())),
	}, nil
}

func (m *Manager) newChild(id nodeid.ID, name string, kind managerKind, in, out []PortType) *Manager {
	return &Manager{
		id:     id,
		name:   name,
		kind:   kind,
		wf:     newWorkflow(id, m.env.clock, in, out),
		env:    m.env,
		logger: m.env.cfg.Logger.With(zap.String("workflow", id.String())),
		parent: m,
	}
}

// ID returns the workflow id.
func (m *Manager) ID() nodeid.ID { return m.id }

// Name returns the workflow name.
func (m *Manager) Name() string { return m.name }

// Workflow returns the underlying graph. Mutate it only through the Manager.
func (m *Manager) Workflow() *Workflow { return m.wf }

// Parent returns the manager of the enclosing workflow, or nil for a project.
func (m *Manager) Parent() *Manager { return m.parent }

// Close cancels running executions, stops event delivery and releases the
// executor if the manager created it. Only the project manager can be closed.
func (m *Manager) Close() error {
	if m.kind != kindProject {
		return fmt.Errorf("only the project workflow can be closed")
	}
	m.env.lock.Lock()
	m.cancelAllLocked(OriginUser)
	m.env.lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.env.cfg.CloseTimeout)
	defer cancel()
	_ = m.WaitWhileInExecution(ctx)

	m.env.cancel()
	m.env.events.flush()
	m.env.events.close()
	if m.env.pool != nil {
		return m.env.pool.Close(m.env.cfg.CloseTimeout)
	}
	return nil
}

// AddListener registers a listener for events of this workflow and of all
// workflows nested in it.
func (m *Manager) AddListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RemoveListener unregisters a listener added with AddListener.
func (m *Manager) RemoveListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	for i, x := range m.listeners {
		if x == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// FlushEvents blocks until all events raised so far were delivered.
func (m *Manager) FlushEvents() { m.env.events.flush() }

func (m *Manager) fire(ev Event) {
	ev.Workflow = m.id
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	var ls []Listener
	for mgr := m; mgr != nil; mgr = mgr.parent {
		mgr.listenersMu.RLock()
		ls = append(ls, mgr.listeners...)
		mgr.listenersMu.RUnlock()
	}
	m.env.events.push(delivery{ev: ev, listeners: ls})

	for mgr := m; mgr != nil; mgr = mgr.parent {
		if mgr.kind == kindCompositeInner {
			if ev.Origin != originOf(mgr.owner.id) {
				mgr.owner.onForeignInnerEvent(ev)
			}
			break
		}
	}
}

func (m *Manager) fireTransition(id nodeid.ID, t transition, o Origin) {
	if !t.changed() {
		return
	}
	m.env.signalChanged()
	m.fire(Event{Type: EventNodeStateChanged, NodeID: id, OldState: t.from, NewState: t.to, Origin: o})
}

// Node returns a node of this workflow.
func (m *Manager) Node(id nodeid.ID) (NodeContainer, bool) { return m.wf.Node(id) }

// Nodes returns the nodes of this workflow ordered by id.
func (m *Manager) Nodes() []NodeContainer { return m.wf.Nodes() }

func (m *Manager) nodeLocked(id nodeid.ID) (NodeContainer, error) {
	nc, ok := m.wf.Node(id)
	if !ok {
		return nil, derrors.NewError(derrors.CodeNodeNotFound, id.String(), derrors.ErrNodeNotFound)
	}
	return nc, nil
}

// FindNode looks up a node anywhere below this workflow.
func (m *Manager) FindNode(id nodeid.ID) (NodeContainer, *Manager, bool) {
	if !id.HasPrefix(m.id) {
		return nil, nil, false
	}
	mgr := m
	for {
		parentID := id
		for parentID.Parent() != mgr.id {
			parentID = parentID.Parent()
		}
		nc, ok := mgr.wf.Node(parentID)
		if !ok {
			return nil, nil, false
		}
		if parentID == id {
			return nc, mgr, true
		}
		switch n := nc.(type) {
		case *Metanode:
			mgr = n.inner
		case *CompositeNode:
			mgr = n.inner
		default:
			return nil, nil, false
		}
	}
}

// Output returns one output port of a native or composite node.
func (m *Manager) Output(id nodeid.ID, port int) (Output, error) {
	nc, err := m.nodeLocked(id)
	if err != nil {
		return Output{}, err
	}
	s, ok := asSingle(nc)
	if !ok {
		return Output{}, fmt.Errorf("node %s has no own outputs", id)
	}
	if err := checkPortIndex(port, nc.NrOutPorts()); err != nil {
		return Output{}, fmt.Errorf("%w: %v", derrors.ErrInvalidPort, err)
	}
	return s.machine().Output(port), nil
}

// WaitWhileInExecution blocks until no node of this workflow (including
// nested ones) is marked, queued or running, or ctx is done.
func (m *Manager) WaitWhileInExecution(ctx context.Context) error {
	for {
		ch := m.env.changedChan()
		m.env.lock.Lock()
		busy := m.inExecution()
		m.env.lock.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) inExecution() bool {
	for _, nc := range m.wf.Nodes() {
		if nc.State().IsExecutionInProgress() {
			return true
		}
	}
	return false
}

// State returns the aggregate state of the workflow's nodes.
func (m *Manager) State() State {
	nodes := m.wf.Nodes()
	states := make([]State, len(nodes))
	for i, nc := range nodes {
		states[i] = nc.State()
	}
	return aggregateState(states)
}
