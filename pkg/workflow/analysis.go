package workflow

import (
	"container/list"
	"fmt"
	"sort"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

// NodeGraphAnnotation is the derived topology of one node, or of one outport
// of a metanode. OutportIndex is -1 when the annotation covers all outports.
type NodeGraphAnnotation struct {
	ID           nodeid.ID
	OutportIndex int
	Depth        int
	// ForwardStack lists the enclosing scope starts, innermost last. A scope
	// start is on its own stack; a scope end still carries its start.
	ForwardStack []nodeid.ID
	// BackwardStack lists the enclosing scope ends as seen from downstream,
	// innermost last. A scope end is on its own stack.
	BackwardStack     []nodeid.ID
	ConnectedInports  []int
	ConnectedOutports []int
}

type annKey struct {
	id   nodeid.ID
	port int
}

// analysis is an immutable snapshot of a workflow's derived topology.
type analysis struct {
	version  uint64
	err      error
	anns     map[annKey]*NodeGraphAnnotation
	byNode   map[nodeid.ID][]annKey
	order    []annKey
	feedback map[connKey]bool
	// outReach maps a workflow inport to the workflow outports it feeds.
	outReach map[int][]int
	inReach  map[int][]int
}

// analysis returns an up-to-date snapshot, rebuilding it when the workflow
// or one of its metanodes changed since the last build.
func (wf *Workflow) analysis() *analysis {
	wf.cacheMu.Lock()
	defer wf.cacheMu.Unlock()

	v := wf.version()
	if wf.cache != nil && wf.cache.version == v {
		return wf.cache
	}

	wf.mu.RLock()
	a, _ := buildAnalysis(wf)
	wf.mu.RUnlock()
	a.version = v
	wf.cache = a
	return a
}

// buildAnalysis computes the topology of wf. The caller holds wf.mu. Port
// reachability is always filled in; annotations are only valid when the
// returned error is nil.
func buildAnalysis(wf *Workflow) (*analysis, error) {
	a := &analysis{
		anns:     make(map[annKey]*NodeGraphAnnotation),
		byNode:   make(map[nodeid.ID][]annKey),
		feedback: make(map[connKey]bool),
		outReach: make(map[int][]int),
		inReach:  make(map[int][]int),
	}
	b := &builder{wf: wf, a: a}
	b.computeReach()
	if err := b.forward(); err != nil {
		a.err = err
		return a, err
	}
	b.backward()
	return a, nil
}

type builder struct {
	wf *Workflow
	a  *analysis
}

func (b *builder) keysOf(nc NodeContainer) []annKey {
	if nc.Kind() == KindMetanode && nc.NrOutPorts() > 0 {
		keys := make([]annKey, nc.NrOutPorts())
		for j := range keys {
			keys[j] = annKey{nc.ID(), j}
		}
		return keys
	}
	return []annKey{{nc.ID(), -1}}
}

// targets returns the annotation keys that receive data arriving on an
// inport of node id.
func (b *builder) targets(id nodeid.ID, inPort int) []annKey {
	nc := b.wf.nodes[id]
	if nc.Kind() != KindMetanode || nc.NrOutPorts() == 0 {
		return []annKey{{id, -1}}
	}
	var keys []annKey
	for _, j := range nc.connectedOutPorts(inPort) {
		keys = append(keys, annKey{id, j})
	}
	return keys
}

// outgoing returns the connections leaving the given annotation key.
func (b *builder) outgoing(k annKey) []*Connection {
	if k.port < 0 && k.id != b.wf.id {
		return collect(b.wf.bySource[k.id])
	}
	return b.wf.outgoingLocked(k.id, k.port)
}

// hasIncoming reports whether key k is fed by any non-candidate connection.
func (b *builder) hasIncoming(k annKey) bool {
	nc := b.wf.nodes[k.id]
	var ports map[int]bool
	if k.port >= 0 {
		ports = map[int]bool{}
		for _, p := range nc.connectedInPorts(k.port) {
			ports[p] = true
		}
	}
	for _, c := range b.wf.byDest[k.id] {
		if b.wf.isCandidateEdge(c) {
			continue
		}
		if ports == nil || ports[c.destPort] {
			return true
		}
	}
	return false
}

func (b *builder) computeReach() {
	wf := b.wf
	for i := range wf.inPorts {
		seen := map[portRef]bool{}
		outs := map[int]bool{}
		var stack []*Connection
		stack = append(stack, wf.outgoingLocked(wf.id, i)...)
		for len(stack) > 0 {
			c := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if c.dest == wf.id {
				outs[c.destPort] = true
				continue
			}
			ref := portRef{c.dest, c.destPort}
			if seen[ref] {
				continue
			}
			seen[ref] = true
			nc := wf.nodes[c.dest]
			for _, o := range nc.connectedOutPorts(c.destPort) {
				stack = append(stack, wf.outgoingLocked(c.dest, o)...)
			}
		}
		for o := range outs {
			b.a.outReach[i] = append(b.a.outReach[i], o)
			b.a.inReach[o] = append(b.a.inReach[o], i)
		}
	}
	for _, m := range []map[int][]int{b.a.outReach, b.a.inReach} {
		for _, ports := range m {
			sort.Ints(ports)
		}
	}
}

func (b *builder) forward() error {
	wf := b.wf
	nodes := wf.sortedNodes()

	queue := list.New()
	queued := make(map[annKey]*list.Element)
	enqueue := func(k annKey) {
		if e, ok := queued[k]; ok {
			queue.MoveToBack(e)
			return
		}
		queued[k] = queue.PushBack(k)
	}

	total := len(wf.inPorts)
	for _, nc := range nodes {
		total += len(b.keysOf(nc))
	}

	for i := range wf.inPorts {
		k := annKey{wf.id, i}
		b.a.anns[k] = &NodeGraphAnnotation{ID: wf.id, OutportIndex: i, Depth: -1}
		enqueue(k)
	}
	for _, nc := range nodes {
		for _, k := range b.keysOf(nc) {
			if b.hasIncoming(k) {
				continue
			}
			var stack []nodeid.ID
			if nc.ScopeRole().IsStart() {
				stack = []nodeid.ID{nc.ID()}
			}
			b.a.anns[k] = &NodeGraphAnnotation{ID: nc.ID(), OutportIndex: k.port, ForwardStack: stack}
			enqueue(k)
		}
	}

	for queue.Len() > 0 {
		e := queue.Front()
		queue.Remove(e)
		k := e.Value.(annKey)
		delete(queued, k)
		ann := b.a.anns[k]

		out := ann.ForwardStack
		if k.id != wf.id && wf.nodes[k.id].ScopeRole().IsEnd() && len(out) > 0 {
			out = out[:len(out)-1]
		}

		for _, c := range b.outgoing(k) {
			if wf.isCandidateEdge(c) && len(ann.ForwardStack) > 0 && ann.ForwardStack[len(ann.ForwardStack)-1] == c.dest {
				b.a.feedback[c.key()] = true
				continue
			}
			if c.dest == wf.id {
				continue
			}
			if ann.Depth+1 > total {
				return derrors.NewError(derrors.CodeCycle,
					fmt.Sprintf("cycle through %s not closed by a loop", c.dest), derrors.ErrCycle)
			}
			for _, t := range b.targets(c.dest, c.destPort) {
				changed, err := b.relax(t, ann.Depth+1, out)
				if err != nil {
					return err
				}
				if changed {
					enqueue(t)
				}
			}
		}
	}

	var missing []string
	for _, nc := range nodes {
		for _, k := range b.keysOf(nc) {
			if _, ok := b.a.anns[k]; !ok {
				missing = append(missing, nc.ID().String())
			}
		}
	}
	if len(missing) > 0 {
		return derrors.NewError(derrors.CodeCycle,
			fmt.Sprintf("nodes on a cycle not closed by a loop: %v", missing), derrors.ErrCycle)
	}

	for k := range b.a.anns {
		b.a.order = append(b.a.order, k)
	}
	sort.Slice(b.a.order, func(i, j int) bool {
		x, y := b.a.anns[b.a.order[i]], b.a.anns[b.a.order[j]]
		if x.Depth != y.Depth {
			return x.Depth < y.Depth
		}
		if x.ID != y.ID {
			return x.ID.Less(y.ID)
		}
		return x.OutportIndex < y.OutportIndex
	})
	for _, k := range b.a.order {
		if k.id != wf.id {
			b.a.byNode[k.id] = append(b.a.byNode[k.id], k)
		}
	}
	return nil
}

// relax raises the depth of t and merges the incoming scope stack. It
// reports whether the annotation changed.
func (b *builder) relax(t annKey, depth int, in []nodeid.ID) (bool, error) {
	nc := b.wf.nodes[t.id]
	isStart := nc.ScopeRole().IsStart()
	own := func(base []nodeid.ID) []nodeid.ID {
		s := append([]nodeid.ID(nil), base...)
		if isStart {
			s = append(s, t.id)
		}
		return s
	}

	ann, ok := b.a.anns[t]
	if !ok {
		b.a.anns[t] = &NodeGraphAnnotation{ID: t.id, OutportIndex: t.port, Depth: depth, ForwardStack: own(in)}
		return true, nil
	}

	changed := false
	if depth > ann.Depth {
		ann.Depth = depth
		changed = true
	}
	base := ann.ForwardStack
	if isStart {
		base = base[:len(base)-1]
	}
	merged, ok := mergeLonger(base, in)
	if !ok {
		return false, derrors.NewError(derrors.CodeAmbiguousScope,
			fmt.Sprintf("node %s is reached from scopes %v and %v", t.id, base, in), derrors.ErrAmbiguousScope)
	}
	if len(merged) != len(base) {
		ann.ForwardStack = own(merged)
		changed = true
	}
	return changed, nil
}

func (b *builder) backward() {
	wf := b.wf
	for i := len(b.a.order) - 1; i >= 0; i-- {
		k := b.a.order[i]
		ann := b.a.anns[k]

		var stack []nodeid.ID
		first := true
		merge := func(s []nodeid.ID) {
			if first {
				stack, first = append([]nodeid.ID(nil), s...), false
				return
			}
			stack = mergeCommon(stack, s)
		}
		for _, c := range b.outgoing(k) {
			if b.a.feedback[c.key()] {
				continue
			}
			if c.dest == wf.id {
				merge(nil)
				continue
			}
			d := wf.nodes[c.dest]
			for _, t := range b.targets(c.dest, c.destPort) {
				s := b.a.anns[t].BackwardStack
				if d.ScopeRole().IsStart() && len(s) > 0 {
					s = s[:len(s)-1]
				}
				merge(s)
			}
		}
		if k.id != wf.id && wf.nodes[k.id].ScopeRole().IsEnd() {
			stack = append(stack, k.id)
		}
		ann.BackwardStack = stack

		if k.id == wf.id {
			ann.ConnectedInports = nil
			ann.ConnectedOutports = b.a.outReach[k.port]
			continue
		}
		nc := wf.nodes[k.id]
		if k.port >= 0 {
			ann.ConnectedInports = nc.connectedInPorts(k.port)
			ann.ConnectedOutports = []int{k.port}
		} else {
			ann.ConnectedInports = allPorts(nc.NrInPorts())
			ann.ConnectedOutports = allPorts(nc.NrOutPorts())
		}
	}
}

// mergeLonger merges two scope stacks where one must be a prefix of the
// other; the longer wins. ok is false for unrelated stacks.
func mergeLonger(a, b []nodeid.ID) ([]nodeid.ID, bool) {
	if len(a) < len(b) {
		a, b = b, a
	}
	for i := range b {
		if a[i] != b[i] {
			return nil, false
		}
	}
	return a, true
}

// mergeCommon keeps the common prefix of two backward stacks. A node
// feeding several scopes from outside is in none of them.
func mergeCommon(a, b []nodeid.ID) []nodeid.ID {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	if len(a) > len(b) && n == len(b) {
		return a
	}
	if len(b) > len(a) && n == len(a) {
		return append([]nodeid.ID(nil), b...)
	}
	return a[:n]
}

func copyAnnotation(ann *NodeGraphAnnotation) NodeGraphAnnotation {
	out := *ann
	out.ForwardStack = append([]nodeid.ID(nil), ann.ForwardStack...)
	out.BackwardStack = append([]nodeid.ID(nil), ann.BackwardStack...)
	out.ConnectedInports = append([]int(nil), ann.ConnectedInports...)
	out.ConnectedOutports = append([]int(nil), ann.ConnectedOutports...)
	return out
}

// Annotations returns the annotations of a node: one per outport for
// metanodes with outports, otherwise one.
func (wf *Workflow) Annotations(id nodeid.ID) ([]NodeGraphAnnotation, error) {
	a := wf.analysis()
	if a.err != nil {
		return nil, a.err
	}
	keys, ok := a.byNode[id]
	if !ok {
		return nil, derrors.NewError(derrors.CodeNodeNotFound, id.String(), derrors.ErrNodeNotFound)
	}
	out := make([]NodeGraphAnnotation, len(keys))
	for i, k := range keys {
		out[i] = copyAnnotation(a.anns[k])
	}
	return out, nil
}

// Depth returns the length of the longest path from a source to the node.
// For metanodes it is the maximum over their outports.
func (wf *Workflow) Depth(id nodeid.ID) (int, error) {
	anns, err := wf.Annotations(id)
	if err != nil {
		return 0, err
	}
	depth := anns[0].Depth
	for _, ann := range anns[1:] {
		if ann.Depth > depth {
			depth = ann.Depth
		}
	}
	return depth, nil
}

// PortDepth returns the depth of one metanode outport. For other nodes it
// equals Depth.
func (wf *Workflow) PortDepth(id nodeid.ID, outPort int) (int, error) {
	anns, err := wf.Annotations(id)
	if err != nil {
		return 0, err
	}
	for _, ann := range anns {
		if ann.OutportIndex == outPort || ann.OutportIndex < 0 {
			return ann.Depth, nil
		}
	}
	return 0, derrors.NewError(derrors.CodeInvalidEdge, fmt.Sprintf("%s outport %d", id, outPort), derrors.ErrInvalidPort)
}

// NodesByDepth groups node ids by depth, shallowest first.
func (wf *Workflow) NodesByDepth() ([][]nodeid.ID, error) {
	a := wf.analysis()
	if a.err != nil {
		return nil, a.err
	}
	depths := map[nodeid.ID]int{}
	for id, keys := range a.byNode {
		for _, k := range keys {
			if d := a.anns[k].Depth; d > depths[id] || len(keys) == 1 {
				depths[id] = d
			}
		}
	}
	var levels [][]nodeid.ID
	for id, d := range depths {
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], id)
	}
	for _, level := range levels {
		sort.Slice(level, func(i, j int) bool { return level[i].Less(level[j]) })
	}
	return levels, nil
}

// ConnectedOutPorts returns the workflow outports fed by a workflow inport.
func (wf *Workflow) ConnectedOutPorts(inPort int) []int {
	return append([]int(nil), wf.analysis().outReach[inPort]...)
}

// ConnectedInPorts returns the workflow inports feeding a workflow outport.
func (wf *Workflow) ConnectedInPorts(outPort int) []int {
	return append([]int(nil), wf.analysis().inReach[outPort]...)
}

// IsFeedback reports whether c closes a loop from its end back to its start.
func (wf *Workflow) IsFeedback(c *Connection) bool {
	return wf.analysis().feedback[c.key()]
}

// Validate reports the first structural problem found by the analysis.
func (wf *Workflow) Validate() error {
	return wf.analysis().err
}

// NodesInScope returns the node itself when it is outside any scope,
// otherwise every node that shares its innermost scope, ordered by id.
func (wf *Workflow) NodesInScope(id nodeid.ID) ([]nodeid.ID, error) {
	a := wf.analysis()
	if a.err != nil {
		return nil, a.err
	}
	keys, ok := a.byNode[id]
	if !ok {
		return nil, derrors.NewError(derrors.CodeNodeNotFound, id.String(), derrors.ErrNodeNotFound)
	}
	stack := a.anns[keys[0]].ForwardStack
	if len(stack) == 0 {
		return []nodeid.ID{id}, nil
	}
	return a.scopeMembers(stack[len(stack)-1], len(stack)-1), nil
}

// scopeMembers returns the nodes whose forward stack holds start at level.
func (a *analysis) scopeMembers(start nodeid.ID, level int) []nodeid.ID {
	var out []nodeid.ID
	for id, keys := range a.byNode {
		for _, k := range keys {
			s := a.anns[k].ForwardStack
			if len(s) > level && s[level] == start {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (a *analysis) forwardStack(id nodeid.ID) []nodeid.ID {
	keys := a.byNode[id]
	if len(keys) == 0 {
		return nil
	}
	return a.anns[keys[0]].ForwardStack
}

// Successors returns the nodes downstream of id in breadth-first order,
// following nested port connectivity and skipping loop feedback edges.
func (wf *Workflow) Successors(id nodeid.ID) []nodeid.ID {
	a := wf.analysis()
	wf.mu.RLock()
	defer wf.mu.RUnlock()

	nc, ok := wf.nodes[id]
	if !ok {
		return nil
	}
	seen := map[portRef]bool{}
	visited := map[nodeid.ID]bool{id: true}
	var out []nodeid.ID
	var queue []*Connection
	for o := 0; o < nc.NrOutPorts(); o++ {
		queue = append(queue, wf.outgoingLocked(id, o)...)
	}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if c.dest == wf.id || a.feedback[c.key()] || (a.err != nil && wf.isCandidateEdge(c)) {
			continue
		}
		ref := portRef{c.dest, c.destPort}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		if !visited[c.dest] {
			visited[c.dest] = true
			out = append(out, c.dest)
		}
		for _, o := range wf.nodes[c.dest].connectedOutPorts(c.destPort) {
			queue = append(queue, wf.outgoingLocked(c.dest, o)...)
		}
	}
	return out
}

// Predecessors returns the nodes upstream of id in breadth-first order.
func (wf *Workflow) Predecessors(id nodeid.ID) []nodeid.ID {
	a := wf.analysis()
	wf.mu.RLock()
	defer wf.mu.RUnlock()

	if _, ok := wf.nodes[id]; !ok {
		return nil
	}
	visited := map[nodeid.ID]bool{id: true}
	var out []nodeid.ID
	queue := collect(wf.byDest[id])
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if a.feedback[c.key()] || c.source == wf.id || visited[c.source] {
			continue
		}
		visited[c.source] = true
		out = append(out, c.source)
		queue = append(queue, collect(wf.byDest[c.source])...)
	}
	return out
}
