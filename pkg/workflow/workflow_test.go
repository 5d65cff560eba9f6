package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

func spec(src nodeid.ID, sp int, dst nodeid.ID, dp int) ConnectionSpec {
	return ConnectionSpec{Source: src, SourcePort: sp, Dest: dst, DestPort: dp}
}

func assertIndicesConsistent(t *testing.T, wf *Workflow) {
	t.Helper()
	wf.mu.RLock()
	defer wf.mu.RUnlock()
	for id, set := range wf.bySource {
		for k, c := range set {
			assert.Equal(t, id, c.source)
			other, ok := wf.byDest[c.dest][k]
			assert.True(t, ok, "%s missing from byDest", c)
			assert.Same(t, c, other)
		}
	}
	for id, set := range wf.byDest {
		for k, c := range set {
			assert.Equal(t, id, c.dest)
			_, ok := wf.bySource[c.source][k]
			assert.True(t, ok, "%s missing from bySource", c)
		}
	}
}

func TestWorkflow_IndicesStayConsistent(t *testing.T) {
	wf := NewWorkflow(nodeid.Root(0), nil, nil)
	a := putNative(t, wf, 1, constFactory(1))
	b := putNative(t, wf, 2, passFactory())
	c := putNative(t, wf, 3, joinFactory(2))
	d := putNative(t, wf, 4, passFactory())

	ab, err := wf.AddConnection(spec(a, 0, b, 0))
	require.NoError(t, err)
	_, err = wf.AddConnection(spec(a, 0, c, 0))
	require.NoError(t, err)
	_, err = wf.AddConnection(spec(b, 0, c, 1))
	require.NoError(t, err)
	_, err = wf.AddConnection(spec(c, 0, d, 0))
	require.NoError(t, err)
	assertIndicesConsistent(t, wf)

	require.NoError(t, wf.RemoveConnection(ab))
	assertIndicesConsistent(t, wf)
	assert.Len(t, wf.Connections(), 3)

	_, removed, err := wf.RemoveNode(c)
	require.NoError(t, err)
	assert.Len(t, removed, 3)
	assertIndicesConsistent(t, wf)
	assert.Empty(t, wf.Connections())

	err = wf.RemoveConnection(ab)
	assert.True(t, derrors.Is(err, derrors.ErrEdgeNotFound))
}

func TestWorkflow_AddConnectionRejects(t *testing.T) {
	wf := NewWorkflow(nodeid.Root(0), nil, nil)
	a := putNative(t, wf, 1, constFactory(1))
	b := putNative(t, wf, 2, passFactory())
	c := putNative(t, wf, 3, constFactory(2))
	model := putNative(t, wf, 4, testFactory{
		typ:   "test.model",
		desc:  NodeDescriptor{Name: "Model", OutPorts: []PortType{{ID: "model"}}},
		model: func() NodeModel { return &constModel{} },
	})
	_, err := wf.AddConnection(spec(a, 0, b, 0))
	require.NoError(t, err)

	tests := []struct {
		name string
		spec ConnectionSpec
		want error
		code string
	}{
		{"duplicate", spec(a, 0, b, 0), derrors.ErrDuplicateEdge, derrors.CodeDuplicateEdge},
		{"inport occupied", spec(c, 0, b, 0), derrors.ErrInportOccupied, derrors.CodeInvalidEdge},
		{"unknown node", spec(nodeid.Root(0).Child(9), 0, b, 0), derrors.ErrNodeNotFound, derrors.CodeInvalidEdge},
		{"port out of range", spec(a, 3, b, 0), derrors.ErrInvalidPort, derrors.CodeInvalidEdge},
		{"incompatible", spec(model, 0, b, 0), derrors.ErrIncompatiblePorts, derrors.CodeInvalidEdge},
		{"self loop", spec(b, 0, b, 0), derrors.ErrCycle, derrors.CodeInvalidEdge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(wf.Connections())
			_, err := wf.AddConnection(tt.spec)
			require.Error(t, err)
			assert.True(t, derrors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, tt.code, derrors.Code(err))
			assert.Len(t, wf.Connections(), before)
			assertIndicesConsistent(t, wf)
		})
	}
}

func TestWorkflow_RejectsCycle(t *testing.T) {
	wf := NewWorkflow(nodeid.Root(0), nil, nil)
	a := putNative(t, wf, 1, passFactory())
	b := putNative(t, wf, 2, passFactory())
	_, err := wf.AddConnection(spec(a, 0, b, 0))
	require.NoError(t, err)

	_, err = wf.AddConnection(spec(b, 0, a, 0))
	require.Error(t, err)
	assert.True(t, derrors.Is(err, derrors.ErrCycle))
	assert.Equal(t, derrors.CodeCycle, derrors.Code(err))
	assert.Len(t, wf.Connections(), 1)
}

func TestWorkflow_LoopClosesCycle(t *testing.T) {
	wf := NewWorkflow(nodeid.Root(0), nil, nil)
	a := putNative(t, wf, 1, loopStartFactory(3, 1))
	b := putNative(t, wf, 2, loopEndFactory())

	_, err := wf.AddConnection(spec(a, 0, b, 0))
	require.NoError(t, err)
	back, err := wf.AddConnection(spec(b, 0, a, 0))
	require.NoError(t, err)
	assert.True(t, wf.IsFeedback(back))

	da, err := wf.Depth(a)
	require.NoError(t, err)
	db, err := wf.Depth(b)
	require.NoError(t, err)
	assert.Greater(t, db, da)

	end, err := wf.MatchingLoopEnd(a)
	require.NoError(t, err)
	assert.Equal(t, b, end)
	start, err := wf.MatchingLoopStart(end)
	require.NoError(t, err)
	assert.Equal(t, a, start)
}

func TestWorkflow_DepthAndScopes(t *testing.T) {
	wf := NewWorkflow(nodeid.Root(0), nil, nil)
	src := putNative(t, wf, 1, constFactory(1))
	start := putNative(t, wf, 2, loopStartFactory(2, 1))
	body := putNative(t, wf, 3, passFactory())
	end := putNative(t, wf, 4, loopEndFactory())
	after := putNative(t, wf, 5, passFactory())

	for _, s := range []ConnectionSpec{
		spec(src, 0, start, 0),
		spec(start, 0, body, 0),
		spec(body, 0, end, 0),
		spec(end, 0, after, 0),
	} {
		_, err := wf.AddConnection(s)
		require.NoError(t, err)
	}
	require.NoError(t, wf.Validate())

	levels, err := wf.NodesByDepth()
	require.NoError(t, err)
	assert.Equal(t, [][]nodeid.ID{{src}, {start}, {body}, {end}, {after}}, levels)

	anns, err := wf.Annotations(body)
	require.NoError(t, err)
	require.Len(t, anns, 1)
	assert.Equal(t, -1, anns[0].OutportIndex)
	assert.Equal(t, []nodeid.ID{start}, anns[0].ForwardStack)
	assert.Equal(t, []nodeid.ID{end}, anns[0].BackwardStack)

	anns, err = wf.Annotations(after)
	require.NoError(t, err)
	assert.Empty(t, anns[0].ForwardStack)

	inScope, err := wf.NodesInScope(body)
	require.NoError(t, err)
	assert.Equal(t, []nodeid.ID{start, body, end}, inScope)

	alone, err := wf.NodesInScope(after)
	require.NoError(t, err)
	assert.Equal(t, []nodeid.ID{after}, alone)

	assert.Equal(t, []nodeid.ID{body}, wf.NodesBetween(start, end))
	assert.Equal(t, []nodeid.ID{start, body, end, after}, wf.Successors(src))
}

func TestWorkflow_LoopSymmetry(t *testing.T) {
	wf := NewWorkflow(nodeid.Root(0), nil, nil)
	src := putNative(t, wf, 1, constFactory(1))
	outer := putNative(t, wf, 2, loopStartFactory(2, 1))
	inner := putNative(t, wf, 3, loopStartFactory(2, 1))
	innerEnd := putNative(t, wf, 4, loopEndFactory())
	outerEnd := putNative(t, wf, 5, loopEndFactory())
	for _, s := range []ConnectionSpec{
		spec(src, 0, outer, 0),
		spec(outer, 0, inner, 0),
		spec(inner, 0, innerEnd, 0),
		spec(innerEnd, 0, outerEnd, 0),
	} {
		_, err := wf.AddConnection(s)
		require.NoError(t, err)
	}

	for _, start := range []nodeid.ID{outer, inner} {
		end, err := wf.MatchingLoopEnd(start)
		require.NoError(t, err)
		back, err := wf.MatchingLoopStart(end)
		require.NoError(t, err)
		assert.Equal(t, start, back)
	}
	end, err := wf.MatchingLoopEnd(inner)
	require.NoError(t, err)
	assert.Equal(t, innerEnd, end)

	_, err = wf.MatchingLoopEnd(src)
	assert.True(t, derrors.Is(err, derrors.ErrNotLoopNode))
}

func TestWorkflow_BranchLeavingLoop(t *testing.T) {
	wf := NewWorkflow(nodeid.Root(0), nil, nil)
	src := putNative(t, wf, 1, constFactory(1))
	start := putNative(t, wf, 2, loopStartFactory(2, 1))
	body := putNative(t, wf, 3, passFactory())
	end := putNative(t, wf, 4, loopEndFactory())
	join := putNative(t, wf, 5, joinFactory(2))
	for _, s := range []ConnectionSpec{
		spec(src, 0, start, 0),
		spec(start, 0, body, 0),
		spec(body, 0, end, 0),
		spec(body, 0, join, 0),
		spec(end, 0, join, 1),
	} {
		_, err := wf.AddConnection(s)
		require.NoError(t, err)
	}

	_, err := wf.MatchingLoopEnd(start)
	require.Error(t, err)
	assert.True(t, derrors.Is(err, derrors.ErrIllegalLoopStructure))
	assert.Contains(t, err.Error(), "branch leaves loop")
}

func TestWorkflow_UnmatchedLoopStart(t *testing.T) {
	wf := NewWorkflow(nodeid.Root(0), nil, nil)
	src := putNative(t, wf, 1, constFactory(1))
	start := putNative(t, wf, 2, loopStartFactory(2, 1))
	_, err := wf.AddConnection(spec(src, 0, start, 0))
	require.NoError(t, err)

	_, err = wf.MatchingLoopEnd(start)
	assert.True(t, derrors.Is(err, derrors.ErrIllegalLoopStructure))
}

func TestWorkflow_AmbiguousScopeRejected(t *testing.T) {
	wf := NewWorkflow(nodeid.Root(0), nil, nil)
	src := putNative(t, wf, 1, constFactory(1))
	l1 := putNative(t, wf, 2, loopStartFactory(2, 1))
	l2 := putNative(t, wf, 3, loopStartFactory(2, 1))
	join := putNative(t, wf, 4, joinFactory(2))
	for _, s := range []ConnectionSpec{
		spec(src, 0, l1, 0),
		spec(src, 0, l2, 0),
		spec(l1, 0, join, 0),
	} {
		_, err := wf.AddConnection(s)
		require.NoError(t, err)
	}

	_, err := wf.AddConnection(spec(l2, 0, join, 1))
	require.Error(t, err)
	assert.True(t, derrors.Is(err, derrors.ErrAmbiguousScope))
	assert.True(t, derrors.IsStructural(err))

	assert.Len(t, wf.Connections(), 3)
	assertIndicesConsistent(t, wf)
	require.NoError(t, wf.Validate())
	d, err := wf.Depth(join)
	require.NoError(t, err)
	assert.Equal(t, 2, d)
}

func TestManager_AmbiguousScopeLeavesWorkflowUsable(t *testing.T) {
	m := newTestProject(t, DefaultConfig())
	src := addNode(t, m, constFactory(1))
	l1 := addNode(t, m, loopStartFactory(2, 1))
	l2 := addNode(t, m, loopStartFactory(2, 1))
	join := addNode(t, m, joinFactory(2))
	connect(t, m, src.ID(), 0, l1.ID(), 0)
	connect(t, m, src.ID(), 0, l2.ID(), 0)
	connect(t, m, l1.ID(), 0, join.ID(), 0)

	_, err := m.AddConnection(spec(l2.ID(), 0, join.ID(), 1))
	assert.True(t, derrors.Is(err, derrors.ErrAmbiguousScope))
	require.NoError(t, m.Workflow().Validate())

	end := addNode(t, m, loopEndFactory())
	connect(t, m, l2.ID(), 0, end.ID(), 0)
	_, err = m.Workflow().NodesInScope(end.ID())
	assert.NoError(t, err)
}

func TestWorkflow_CreateUniqueID(t *testing.T) {
	wf := NewWorkflow(nodeid.Root(0), nil, nil)
	assert.Equal(t, nodeid.Root(0).Child(1), wf.CreateUniqueID())
	putNative(t, wf, 7, constFactory(1))
	assert.Equal(t, nodeid.Root(0).Child(8), wf.CreateUniqueID())

	err := wf.PutNode(newNativeNode(nodeid.Root(0).Child(7), "x", NodeDescriptor{}, &constModel{}, nil))
	assert.True(t, derrors.Is(err, derrors.ErrNodeExists))
}

func TestWorkflow_AnalysisFollowsGeneration(t *testing.T) {
	wf := NewWorkflow(nodeid.Root(0), nil, nil)
	a := putNative(t, wf, 1, constFactory(1))
	b := putNative(t, wf, 2, passFactory())

	d, err := wf.Depth(b)
	require.NoError(t, err)
	assert.Equal(t, 0, d)

	_, err = wf.AddConnection(spec(a, 0, b, 0))
	require.NoError(t, err)
	d, err = wf.Depth(b)
	require.NoError(t, err)
	assert.Equal(t, 1, d)
}

func TestGuessPortTypes(t *testing.T) {
	id := nodeid.Root(0).Child(3)
	other := nodeid.Root(0).Child(1)
	in, out := GuessPortTypes(id, []ConnectionSpec{
		spec(other, 0, id, 2),
		spec(id, 1, other, 0),
	})
	assert.Len(t, in, 3)
	assert.Len(t, out, 2)
	for _, p := range in {
		assert.Equal(t, AnyPort.ID, p.ID)
		assert.True(t, p.Optional)
	}
}
