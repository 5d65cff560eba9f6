package workflow

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

// generationClock hands out increasing generation numbers to every workflow
// of one project tree, so a parent can tell whether any nested graph changed
// after its analysis was built.
type generationClock struct {
	n atomic.Uint64
}

func (c *generationClock) tick() uint64 { return c.n.Add(1) }

// Workflow is a graph of node containers joined by connections. The
// workflow's own id stands for "outside" in its connection indices: edges
// from it enter through the workflow's inports and edges to it leave through
// its outports.
//
// A Workflow is safe for concurrent use. Derived topology (depth, scopes,
// port connectivity) is computed lazily and rebuilt whenever the generation
// of the workflow or of a nested metanode has moved on.
type Workflow struct {
	id       nodeid.ID
	clock    *generationClock
	inPorts  []PortType
	outPorts []PortType

	mu       sync.RWMutex
	nodes    map[nodeid.ID]NodeContainer
	bySource map[nodeid.ID]map[connKey]*Connection
	byDest   map[nodeid.ID]map[connKey]*Connection
	gen      atomic.Uint64

	cacheMu sync.Mutex
	cache   *analysis
}

// NewWorkflow creates an empty standalone workflow with the given boundary ports.
func NewWorkflow(id nodeid.ID, inPorts, outPorts []PortType) *Workflow {
	return newWorkflow(id, &generationClock{}, inPorts, outPorts)
}

func newWorkflow(id nodeid.ID, clock *generationClock, inPorts, outPorts []PortType) *Workflow {
	wf := &Workflow{
		id:       id,
		clock:    clock,
		inPorts:  inPorts,
		outPorts: outPorts,
		nodes:    make(map[nodeid.ID]NodeContainer),
		bySource: make(map[nodeid.ID]map[connKey]*Connection),
		byDest:   make(map[nodeid.ID]map[connKey]*Connection),
	}
	wf.bySource[id] = make(map[connKey]*Connection)
	wf.byDest[id] = make(map[connKey]*Connection)
	wf.gen.Store(clock.tick())
	return wf
}

// ID returns the workflow's own id, which is also its boundary node id.
func (wf *Workflow) ID() nodeid.ID { return wf.id }

func (wf *Workflow) NrInPorts() int  { return len(wf.inPorts) }
func (wf *Workflow) NrOutPorts() int { return len(wf.outPorts) }

func (wf *Workflow) InPortType(port int) PortType  { return portTypeAt(wf.inPorts, port) }
func (wf *Workflow) OutPortType(port int) PortType { return portTypeAt(wf.outPorts, port) }

func (wf *Workflow) touch() { wf.gen.Store(wf.clock.tick()) }

// version is the newest generation of this workflow and of every workflow
// nested in it. Composites count too: their port connectivity feeds the
// reach of the enclosing workflow.
func (wf *Workflow) version() uint64 {
	wf.mu.RLock()
	defer wf.mu.RUnlock()
	v := wf.gen.Load()
	for _, nc := range wf.nodes {
		inner := nc.innerWorkflow()
		if inner == nil {
			continue
		}
		if iv := inner.version(); iv > v {
			v = iv
		}
	}
	return v
}

// PutNode registers a node. Its id must be a direct child of the workflow id.
func (wf *Workflow) PutNode(nc NodeContainer) error {
	id := nc.ID()
	if !id.IsChildOf(wf.id) {
		return derrors.NewError(derrors.CodeNodeNotFound,
			fmt.Sprintf("node %s does not belong to workflow %s", id, wf.id), derrors.ErrNodeNotFound)
	}

	wf.mu.Lock()
	defer wf.mu.Unlock()
	if _, ok := wf.nodes[id]; ok {
		return derrors.NewError(derrors.CodeNodeExists, id.String(), derrors.ErrNodeExists)
	}
	wf.nodes[id] = nc
	wf.bySource[id] = make(map[connKey]*Connection)
	wf.byDest[id] = make(map[connKey]*Connection)
	wf.touch()
	return nil
}

// RemoveNode unregisters a node together with all connections touching it
// and returns those connections.
func (wf *Workflow) RemoveNode(id nodeid.ID) (NodeContainer, []*Connection, error) {
	wf.mu.Lock()
	defer wf.mu.Unlock()

	nc, ok := wf.nodes[id]
	if !ok {
		return nil, nil, derrors.NewError(derrors.CodeNodeNotFound, id.String(), derrors.ErrNodeNotFound)
	}

	var removed []*Connection
	for _, c := range wf.bySource[id] {
		removed = append(removed, c)
	}
	for _, c := range wf.byDest[id] {
		if c.source != id {
			removed = append(removed, c)
		}
	}
	for _, c := range removed {
		delete(wf.bySource[c.source], c.key())
		delete(wf.byDest[c.dest], c.key())
	}
	delete(wf.nodes, id)
	delete(wf.bySource, id)
	delete(wf.byDest, id)
	wf.touch()

	sortConnections(removed)
	return nc, removed, nil
}

// Node returns the node with the given id.
func (wf *Workflow) Node(id nodeid.ID) (NodeContainer, bool) {
	wf.mu.RLock()
	defer wf.mu.RUnlock()
	nc, ok := wf.nodes[id]
	return nc, ok
}

// Nodes returns all nodes ordered by id.
func (wf *Workflow) Nodes() []NodeContainer {
	wf.mu.RLock()
	defer wf.mu.RUnlock()
	return wf.sortedNodes()
}

func (wf *Workflow) sortedNodes() []NodeContainer {
	out := make([]NodeContainer, 0, len(wf.nodes))
	for _, nc := range wf.nodes {
		out = append(out, nc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID().Less(out[j].ID()) })
	return out
}

// Len returns the number of nodes.
func (wf *Workflow) Len() int {
	wf.mu.RLock()
	defer wf.mu.RUnlock()
	return len(wf.nodes)
}

// CreateUniqueID returns an unused child id: one past the highest suffix in use.
func (wf *Workflow) CreateUniqueID() nodeid.ID {
	wf.mu.RLock()
	defer wf.mu.RUnlock()
	next := 1
	for id := range wf.nodes {
		if s := id.Suffix(); s >= next {
			next = s + 1
		}
	}
	return wf.id.Child(next)
}

// AddConnection validates and inserts a connection. On error the workflow
// is unchanged.
func (wf *Workflow) AddConnection(spec ConnectionSpec) (*Connection, error) {
	wf.mu.Lock()
	defer wf.mu.Unlock()

	c, err := wf.validateConnection(spec)
	if err != nil {
		return nil, err
	}
	wf.insert(c)

	if err := wf.checkAnalysisLocked(c); err != nil {
		wf.delete(c)
		return nil, err
	}
	wf.touch()
	return c, nil
}

// checkAnalysisLocked rebuilds the topology with c inserted and returns the
// structural error c introduced. A workflow that was already broken before
// c is not blamed on c.
func (wf *Workflow) checkAnalysisLocked(c *Connection) error {
	_, err := buildAnalysis(wf)
	if err == nil {
		return nil
	}
	wf.delete(c)
	_, before := buildAnalysis(wf)
	wf.insert(c)
	if before != nil {
		return nil
	}
	return err
}

// CanAddConnection reports whether AddConnection would accept spec.
func (wf *Workflow) CanAddConnection(spec ConnectionSpec) error {
	wf.mu.RLock()
	defer wf.mu.RUnlock()
	_, err := wf.validateConnection(spec)
	return err
}

func (wf *Workflow) validateConnection(spec ConnectionSpec) (*Connection, error) {
	edge := fmt.Sprintf("%s[%d] -> %s[%d]", spec.Source, spec.SourcePort, spec.Dest, spec.DestPort)

	srcType, err := wf.outTypeOf(spec.Source, spec.SourcePort)
	if err != nil {
		return nil, derrors.NewError(derrors.CodeInvalidEdge, edge, err)
	}
	dstType, err := wf.inTypeOf(spec.Dest, spec.DestPort)
	if err != nil {
		return nil, derrors.NewError(derrors.CodeInvalidEdge, edge, err)
	}
	if !dstType.Accepts(srcType) {
		return nil, derrors.NewError(derrors.CodeInvalidEdge,
			fmt.Sprintf("%s: %s does not accept %s", edge, dstType, srcType), derrors.ErrIncompatiblePorts)
	}

	c, err := newConnection(wf.id, spec)
	if err != nil {
		return nil, err
	}
	k := c.key()
	_, inSource := wf.bySource[c.source][k]
	_, inDest := wf.byDest[c.dest][k]
	if inSource || inDest {
		return nil, derrors.NewError(derrors.CodeDuplicateEdge, edge, derrors.ErrDuplicateEdge)
	}
	if existing := wf.incomingLocked(c.dest, c.destPort); existing != nil {
		return nil, derrors.NewError(derrors.CodeInvalidEdge,
			fmt.Sprintf("%s: inport already fed by %s", edge, existing), derrors.ErrInportOccupied)
	}
	if !wf.isCandidateEdge(c) && wf.reachesLocked(c.dest, c.destPort, c.source, c.sourcePort) {
		return nil, derrors.NewError(derrors.CodeCycle, edge, derrors.ErrCycle)
	}
	return c, nil
}

func (wf *Workflow) outTypeOf(id nodeid.ID, port int) (PortType, error) {
	if id == wf.id {
		if err := checkPortIndex(port, len(wf.inPorts)); err != nil {
			return PortType{}, fmt.Errorf("%w: workflow inport: %v", derrors.ErrInvalidPort, err)
		}
		return wf.inPorts[port], nil
	}
	nc, ok := wf.nodes[id]
	if !ok {
		return PortType{}, fmt.Errorf("%w: source %s", derrors.ErrNodeNotFound, id)
	}
	if err := checkPortIndex(port, nc.NrOutPorts()); err != nil {
		return PortType{}, fmt.Errorf("%w: outport of %s: %v", derrors.ErrInvalidPort, id, err)
	}
	return nc.OutPortType(port), nil
}

func (wf *Workflow) inTypeOf(id nodeid.ID, port int) (PortType, error) {
	if id == wf.id {
		if err := checkPortIndex(port, len(wf.outPorts)); err != nil {
			return PortType{}, fmt.Errorf("%w: workflow outport: %v", derrors.ErrInvalidPort, err)
		}
		return wf.outPorts[port], nil
	}
	nc, ok := wf.nodes[id]
	if !ok {
		return PortType{}, fmt.Errorf("%w: destination %s", derrors.ErrNodeNotFound, id)
	}
	if err := checkPortIndex(port, nc.NrInPorts()); err != nil {
		return PortType{}, fmt.Errorf("%w: inport of %s: %v", derrors.ErrInvalidPort, id, err)
	}
	return nc.InPortType(port), nil
}

func (wf *Workflow) insert(c *Connection) {
	wf.bySource[c.source][c.key()] = c
	wf.byDest[c.dest][c.key()] = c
}

func (wf *Workflow) delete(c *Connection) {
	delete(wf.bySource[c.source], c.key())
	delete(wf.byDest[c.dest], c.key())
}

// RemoveConnection deletes a connection. It fails if the edge is missing
// from either index.
func (wf *Workflow) RemoveConnection(c *Connection) error {
	wf.mu.Lock()
	defer wf.mu.Unlock()

	k := c.key()
	_, inSource := wf.bySource[c.source][k]
	_, inDest := wf.byDest[c.dest][k]
	if !inSource || !inDest {
		return derrors.NewError(derrors.CodeEdgeNotFound, c.String(), derrors.ErrEdgeNotFound)
	}
	wf.delete(c)
	wf.touch()
	return nil
}

// Connection looks up the connection matching spec.
func (wf *Workflow) Connection(spec ConnectionSpec) (*Connection, bool) {
	wf.mu.RLock()
	defer wf.mu.RUnlock()
	k := connKey{source: spec.Source, sourcePort: spec.SourcePort, dest: spec.Dest, destPort: spec.DestPort}
	c, ok := wf.bySource[spec.Source][k]
	return c, ok
}

// ConnectionsBySource returns the connections leaving id, ordered.
func (wf *Workflow) ConnectionsBySource(id nodeid.ID) []*Connection {
	wf.mu.RLock()
	defer wf.mu.RUnlock()
	return collect(wf.bySource[id])
}

// ConnectionsByDest returns the connections entering id, ordered.
func (wf *Workflow) ConnectionsByDest(id nodeid.ID) []*Connection {
	wf.mu.RLock()
	defer wf.mu.RUnlock()
	return collect(wf.byDest[id])
}

// Connections returns every connection of the workflow, ordered.
func (wf *Workflow) Connections() []*Connection {
	wf.mu.RLock()
	defer wf.mu.RUnlock()
	var out []*Connection
	for _, set := range wf.bySource {
		for _, c := range set {
			out = append(out, c)
		}
	}
	sortConnections(out)
	return out
}

// IncomingConnection returns the connection feeding an inport of id. For the
// workflow id the port is one of the workflow's outports.
func (wf *Workflow) IncomingConnection(id nodeid.ID, port int) (*Connection, bool) {
	wf.mu.RLock()
	defer wf.mu.RUnlock()
	c := wf.incomingLocked(id, port)
	return c, c != nil
}

func (wf *Workflow) incomingLocked(id nodeid.ID, port int) *Connection {
	for _, c := range wf.byDest[id] {
		if c.destPort == port {
			return c
		}
	}
	return nil
}

// OutgoingConnections returns the connections leaving one outport of id.
func (wf *Workflow) OutgoingConnections(id nodeid.ID, port int) []*Connection {
	wf.mu.RLock()
	defer wf.mu.RUnlock()
	return wf.outgoingLocked(id, port)
}

func (wf *Workflow) outgoingLocked(id nodeid.ID, port int) []*Connection {
	var out []*Connection
	for _, c := range wf.bySource[id] {
		if c.sourcePort == port {
			out = append(out, c)
		}
	}
	sortConnections(out)
	return out
}

// isCandidateEdge reports whether c runs from a scope end back to a scope
// start. Such an edge may close a loop and is exempt from the plain cycle
// check; the analysis decides whether it is a legal feedback edge.
func (wf *Workflow) isCandidateEdge(c *Connection) bool {
	if c.typ != ConnectionStandard {
		return false
	}
	src, ok1 := wf.nodes[c.source]
	dst, ok2 := wf.nodes[c.dest]
	return ok1 && ok2 && src.ScopeRole().IsEnd() && dst.ScopeRole().IsStart()
}

type portRef struct {
	id   nodeid.ID
	port int
}

// reachesLocked reports whether data entering (from, inPort) can flow to
// outport target of node to, following nested port connectivity and
// ignoring candidate edges. Composite nodes count as fully connected: they
// only publish outputs after all their inputs arrived.
func (wf *Workflow) reachesLocked(from nodeid.ID, inPort int, to nodeid.ID, outPort int) bool {
	seen := map[portRef]bool{}
	stack := []portRef{{from, inPort}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] || cur.id == wf.id {
			continue
		}
		seen[cur] = true
		nc, ok := wf.nodes[cur.id]
		if !ok {
			continue
		}
		outs := nc.connectedOutPorts(cur.port)
		if nc.Kind() == KindComposite {
			outs = allPorts(nc.NrOutPorts())
		}
		for _, o := range outs {
			if cur.id == to && o == outPort {
				return true
			}
			for _, c := range wf.bySource[cur.id] {
				if c.sourcePort == o && !wf.isCandidateEdge(c) {
					stack = append(stack, portRef{c.dest, c.destPort})
				}
			}
		}
	}
	return false
}

func collect(set map[connKey]*Connection) []*Connection {
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	sortConnections(out)
	return out
}

func sortConnections(cs []*Connection) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].key().less(cs[j].key()) })
}
