package workflow

import (
	"sort"

	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

// endpoint is a port of a node with a state machine, together with the
// manager of the workflow that holds it. Metanode boundaries are resolved
// away, so producers and consumers are always native or composite nodes.
type endpoint struct {
	mgr  *Manager
	node single
	port int
	// feedback is set when the first hop is a loop feedback edge.
	feedback bool
}

// sourceOf returns the node producing the data of one inport of id.
func (m *Manager) sourceOf(id nodeid.ID, inPort int) (endpoint, bool) {
	c, ok := m.wf.IncomingConnection(id, inPort)
	if !ok {
		return endpoint{}, false
	}
	ep, ok := m.producerOf(c)
	if ok {
		ep.feedback = m.wf.IsFeedback(c)
	}
	return ep, ok
}

func (m *Manager) producerOf(c *Connection) (endpoint, bool) {
	if c.source == m.wf.id {
		if m.kind != kindMetanode {
			return endpoint{}, false
		}
		return m.parent.sourceOf(m.id, c.sourcePort)
	}
	nc, ok := m.wf.Node(c.source)
	if !ok {
		return endpoint{}, false
	}
	if s, ok := asSingle(nc); ok {
		return endpoint{mgr: m, node: s, port: c.sourcePort}, true
	}
	inner := nc.(*Metanode).inner
	ic, ok := inner.wf.IncomingConnection(inner.wf.id, c.sourcePort)
	if !ok {
		return endpoint{}, false
	}
	return inner.producerOf(ic)
}

// consumersOf returns the nodes reading one outport of id, ordered by id.
// Feedback edges are included and flagged.
func (m *Manager) consumersOf(id nodeid.ID, outPort int) []endpoint {
	var out []endpoint
	for _, c := range m.wf.OutgoingConnections(id, outPort) {
		out = append(out, m.consumersVia(c)...)
	}
	sortEndpoints(out)
	return out
}

func (m *Manager) consumersVia(c *Connection) []endpoint {
	if c.dest == m.wf.id {
		if m.kind != kindMetanode {
			return nil
		}
		var out []endpoint
		for _, pc := range m.parent.wf.OutgoingConnections(m.id, c.destPort) {
			out = append(out, m.parent.consumersVia(pc)...)
		}
		return out
	}
	nc, ok := m.wf.Node(c.dest)
	if !ok {
		return nil
	}
	if s, ok := asSingle(nc); ok {
		return []endpoint{{mgr: m, node: s, port: c.destPort, feedback: m.wf.IsFeedback(c)}}
	}
	inner := nc.(*Metanode).inner
	var out []endpoint
	for _, ic := range inner.wf.OutgoingConnections(inner.wf.id, c.destPort) {
		out = append(out, inner.consumersVia(ic)...)
	}
	return out
}

// successorsOf returns the distinct non-feedback consumers of all outports.
func (m *Manager) successorsOf(n single) []endpoint {
	seen := map[nodeid.ID]bool{}
	var out []endpoint
	for p := 0; p < n.NrOutPorts(); p++ {
		for _, ep := range m.consumersOf(n.ID(), p) {
			if ep.feedback || seen[ep.node.ID()] {
				continue
			}
			seen[ep.node.ID()] = true
			out = append(out, ep)
		}
	}
	return out
}

// predecessorsOf returns the distinct non-feedback producers of all inports.
func (m *Manager) predecessorsOf(n single) []endpoint {
	seen := map[nodeid.ID]bool{}
	var out []endpoint
	for p := 0; p < n.NrInPorts(); p++ {
		ep, ok := m.sourceOf(n.ID(), p)
		if !ok || ep.feedback || seen[ep.node.ID()] {
			continue
		}
		seen[ep.node.ID()] = true
		out = append(out, ep)
	}
	return out
}

// singles returns the native and composite nodes of this workflow and of
// its metanodes. With intoComposites the inner workflows of composites are
// included too.
func (m *Manager) singles(intoComposites bool) []endpoint {
	var out []endpoint
	for _, nc := range m.wf.Nodes() {
		switch n := nc.(type) {
		case *NativeNode:
			out = append(out, endpoint{mgr: m, node: n})
		case *CompositeNode:
			out = append(out, endpoint{mgr: m, node: n})
			if intoComposites {
				out = append(out, n.inner.singles(true)...)
			}
		case *Metanode:
			out = append(out, n.inner.singles(intoComposites)...)
		}
	}
	return out
}

// singlesOf expands a node to the state machines it stands for.
func (m *Manager) singlesOf(nc NodeContainer) []endpoint {
	if s, ok := asSingle(nc); ok {
		return []endpoint{{mgr: m, node: s}}
	}
	return nc.(*Metanode).inner.singles(false)
}

// topoOrder sorts eps so that producers come before their consumers.
// Feedback edges are ignored; leftovers keep id order at the end.
func topoOrder(eps []endpoint) []endpoint {
	sortEndpoints(eps)
	index := make(map[nodeid.ID]int, len(eps))
	for i, ep := range eps {
		index[ep.node.ID()] = i
	}
	indeg := make([]int, len(eps))
	next := make([][]int, len(eps))
	for i, ep := range eps {
		for _, pred := range ep.mgr.predecessorsOf(ep.node) {
			if j, ok := index[pred.node.ID()]; ok {
				indeg[i]++
				next[j] = append(next[j], i)
			}
		}
	}

	var ready []int
	for i := range eps {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}
	done := make([]bool, len(eps))
	out := make([]endpoint, 0, len(eps))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		done[i] = true
		out = append(out, eps[i])
		for _, j := range next[i] {
			indeg[j]--
			if indeg[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	for i, ep := range eps {
		if !done[i] {
			out = append(out, ep)
		}
	}
	return out
}

func sortEndpoints(eps []endpoint) {
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].node.ID().Less(eps[j].node.ID()) })
}
