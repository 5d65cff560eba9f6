package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

// compositeFixture builds src -> composite(vin -> inner -> vout) -> sink.
type compositeFixture struct {
	m     *Manager
	src   *NativeNode
	comp  *CompositeNode
	inner *NativeNode
	sink  *NativeNode
}

func newCompositeFixture(t *testing.T, innerFactory NodeFactory) compositeFixture {
	t.Helper()
	m := newTestProject(t, DefaultConfig())

	src := addNode(t, m, constFactory(5))
	comp, err := m.AddComposite("comp", ports(1), ports(1))
	require.NoError(t, err)
	inner := addNode(t, comp.Inner(), innerFactory)
	connect(t, comp.Inner(), comp.VirtualIn(), 0, inner.ID(), 0)
	connect(t, comp.Inner(), inner.ID(), 0, comp.VirtualOut(), 0)
	sink := addNode(t, m, passFactory())
	connect(t, m, src.ID(), 0, comp.ID(), 0)
	connect(t, m, comp.ID(), 0, sink.ID(), 0)

	return compositeFixture{m: m, src: src, comp: comp, inner: inner, sink: sink}
}

func TestComposite_Structure(t *testing.T) {
	f := newCompositeFixture(t, passFactory())

	assert.Equal(t, KindComposite, f.comp.Kind())
	assert.Equal(t, f.comp.ID().Child(1), f.comp.VirtualIn())
	assert.Equal(t, f.comp.ID().Child(2), f.comp.VirtualOut())
	assert.Equal(t, 3, f.comp.Inner().Workflow().Len())
	assert.Equal(t, StateConfigured, f.comp.State())
	assert.Equal(t, "spec", f.comp.Output(0).Spec)
	assert.Equal(t, StateConfigured, f.sink.State())

	nc, owner, ok := f.m.FindNode(f.inner.ID())
	require.True(t, ok)
	assert.Equal(t, f.inner.ID(), nc.ID())
	assert.Same(t, f.comp.Inner(), owner)
}

func TestComposite_Execute(t *testing.T) {
	f := newCompositeFixture(t, passFactory())
	log := &eventLog{}
	f.m.AddListener(log)

	assert.Nil(t, f.comp.Output(0).Object)

	f.m.ExecuteAll()
	waitIdle(t, f.m)

	require.Equal(t, StateExecuted, f.comp.State(), f.comp.Message().Text)
	assert.Equal(t, 5, f.comp.Output(0).Object)
	assert.Equal(t, StateExecuted, f.inner.State())
	out, err := f.m.Output(f.sink.ID(), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Object)

	f.m.FlushEvents()
	var inner int
	for _, ev := range log.all() {
		if ev.Workflow != f.comp.ID() || ev.Type != EventNodeStateChanged {
			continue
		}
		inner++
		assert.Equal(t, f.comp.ID(), ev.Origin.Node(), "event %s of %s", ev.NewState, ev.NodeID)
		assert.False(t, ev.Origin.IsUser())
	}
	assert.NotZero(t, inner)
}

func TestComposite_InnerFailure(t *testing.T) {
	f := newCompositeFixture(t, failFactory())

	f.m.ExecuteAll()
	waitIdle(t, f.m)

	assert.Equal(t, StateConfigured, f.comp.State())
	assert.Equal(t, MessageError, f.comp.Message().Type)
	assert.Contains(t, f.comp.Message().Text, "boom")
	assert.Nil(t, f.comp.Output(0).Object)
	assert.Equal(t, StateConfigured, f.sink.State())
	assert.Equal(t, StateExecuted, f.src.State())
}

func TestComposite_ForeignInnerChangeResets(t *testing.T) {
	f := newCompositeFixture(t, passFactory())
	f.m.ExecuteAll()
	waitIdle(t, f.m)
	require.Equal(t, StateExecuted, f.comp.State())

	require.NoError(t, f.comp.Inner().ResetAndConfigure(f.inner.ID()))

	assert.Equal(t, StateConfigured, f.comp.State())
	assert.Nil(t, f.comp.Output(0).Object)
	assert.Equal(t, StateConfigured, f.sink.State())
	assert.Equal(t, StateExecuted, f.src.State())
	assert.Equal(t, StateConfigured, f.inner.State())
}

func TestComposite_InnerNodeAddedResets(t *testing.T) {
	f := newCompositeFixture(t, passFactory())
	f.m.ExecuteAll()
	waitIdle(t, f.m)
	require.Equal(t, StateExecuted, f.sink.State())

	addNode(t, f.comp.Inner(), constFactory(9))

	assert.Equal(t, StateConfigured, f.comp.State())
	assert.Equal(t, StateConfigured, f.sink.State())
}

func TestComposite_RemoveReconfiguresDownstream(t *testing.T) {
	f := newCompositeFixture(t, passFactory())

	require.NoError(t, f.m.RemoveNode(f.comp.ID()))

	assert.Equal(t, StateIdle, f.sink.State())
	_, _, ok := f.m.FindNode(f.inner.ID())
	assert.False(t, ok)
}

func TestComposite_AtomicForCycles(t *testing.T) {
	m := newTestProject(t, DefaultConfig())

	comp, err := m.AddComposite("comp", ports(2), ports(2))
	require.NoError(t, err)
	p := addNode(t, m, passFactory())

	connect(t, m, comp.ID(), 0, p.ID(), 0)
	_, err = m.AddConnection(ConnectionSpec{Source: p.ID(), Dest: comp.ID(), DestPort: 1})
	assert.Error(t, err, "a composite publishes outputs only after all its inputs arrived")
}

func TestManager_AddPlaceholder(t *testing.T) {
	m := newTestProject(t, DefaultConfig())
	src := addNode(t, m, constFactory(1))
	sink := addNode(t, m, passFactory())

	id := m.ID().Child(7)
	conns := []ConnectionSpec{
		{Source: src.ID(), Dest: id},
		{Source: id, SourcePort: 1, Dest: sink.ID()},
	}
	n, err := m.AddPlaceholder(7, "org.example.Missing", "", conns, map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	assert.True(t, n.IsPlaceholder())
	assert.Equal(t, "org.example.Missing", n.Name())
	assert.Equal(t, 1, n.NrInPorts())
	assert.Equal(t, 2, n.NrOutPorts())
	assert.Equal(t, DataPort.AsOptional(), n.InPortType(0))
	assert.Equal(t, AnyPort, n.OutPortType(0))
	assert.Equal(t, DataPort, n.OutPortType(1))

	for _, c := range conns {
		_, err := m.AddConnection(c)
		require.NoError(t, err)
	}
	assert.Equal(t, StateIdle, n.State())
	assert.Equal(t, MessageError, n.Message().Type)
	assert.Equal(t, StateIdle, sink.State())

	settings, ok := n.Model().(SettingsModel)
	require.True(t, ok)
	assert.Equal(t, "v", settings.SaveSettings()["k"])
}

func TestOrigin(t *testing.T) {
	assert.True(t, OriginUser.IsUser())
	o := originOf(nodeid.Root(0).Child(3))
	assert.False(t, o.IsUser())
	assert.Equal(t, nodeid.Root(0).Child(3), o.Node())
}

func TestComposite_CancelWhileRunning(t *testing.T) {
	model := &blockModel{started: make(chan struct{})}
	f := newCompositeFixture(t, modelFactory("test.block", 1, 1, RoleNone, model))

	f.m.ExecuteAll()
	select {
	case <-model.started:
	case <-time.After(5 * time.Second):
		t.Fatal("inner node did not start")
	}
	assert.Equal(t, StateExecuting, f.comp.State())
	assert.Equal(t, StateExecuting, f.inner.State())
	assert.Equal(t, StateMarked, f.sink.State())

	require.NoError(t, f.m.CancelExecution(f.comp.ID()))
	waitIdle(t, f.m)

	assert.Equal(t, StateConfigured, f.comp.State())
	assert.Equal(t, MessageWarning, f.comp.Message().Type)
	assert.Nil(t, f.comp.Output(0).Object)
	assert.Equal(t, StateConfigured, f.inner.State())
	assert.Equal(t, StateConfigured, f.sink.State())
	assert.Equal(t, StateExecuted, f.src.State())
}

func TestComposite_PublishesInactiveOutputs(t *testing.T) {
	m := newTestProject(t, DefaultConfig())

	src := addNode(t, m, constFactory(5))
	comp, err := m.AddComposite("comp", ports(1), ports(2))
	require.NoError(t, err)
	split := addNode(t, comp.Inner(), modelFactory("test.split", 1, 2, RoleNone, splitModel{}))
	connect(t, comp.Inner(), comp.VirtualIn(), 0, split.ID(), 0)
	connect(t, comp.Inner(), split.ID(), 0, comp.VirtualOut(), 0)
	connect(t, comp.Inner(), split.ID(), 1, comp.VirtualOut(), 1)
	active := addNode(t, m, passFactory())
	inactive := addNode(t, m, passFactory())
	connect(t, m, src.ID(), 0, comp.ID(), 0)
	connect(t, m, comp.ID(), 0, active.ID(), 0)
	connect(t, m, comp.ID(), 1, inactive.ID(), 0)

	m.ExecuteAll()
	waitIdle(t, m)

	require.Equal(t, StateExecuted, comp.State(), comp.Message().Text)
	assert.Equal(t, 5, comp.Output(0).Object)
	assert.True(t, IsInactive(comp.Output(1).Object))
	assert.True(t, IsInactive(comp.Output(1).Spec))
	assert.Equal(t, "inactive branch", comp.Output(1).Summary)

	out, err := m.Output(active.ID(), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Object)
	require.Equal(t, StateExecuted, inactive.State())
	out, err = m.Output(inactive.ID(), 0)
	require.NoError(t, err)
	assert.True(t, IsInactive(out.Object))
}

func TestComposite_InsideLoopBody(t *testing.T) {
	m := newTestProject(t, DefaultConfig())

	src := addNode(t, m, constFactory("row"))
	start := addNode(t, m, loopStartFactory(3, 1))
	comp, err := m.AddComposite("comp", ports(1), ports(1))
	require.NoError(t, err)
	counter := &countModel{}
	inner := addNode(t, comp.Inner(), modelFactory("test.count", 1, 1, RoleNone, counter))
	connect(t, comp.Inner(), comp.VirtualIn(), 0, inner.ID(), 0)
	connect(t, comp.Inner(), inner.ID(), 0, comp.VirtualOut(), 0)
	end := addNode(t, m, loopEndFactory())
	connect(t, m, src.ID(), 0, start.ID(), 0)
	connect(t, m, start.ID(), 0, comp.ID(), 0)
	connect(t, m, comp.ID(), 0, end.ID(), 0)

	inScope, err := m.Workflow().NodesInScope(comp.ID())
	require.NoError(t, err)
	assert.Equal(t, []nodeid.ID{start.ID(), comp.ID(), end.ID()}, inScope)

	m.ExecuteAll()
	waitIdle(t, m)

	require.Equal(t, StateExecuted, end.State(), end.Message().Text)
	out, err := m.Output(end.ID(), 0)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"row", "row", "row"}, out.Object)
	assert.Equal(t, int32(3), counter.runs.Load())
	assert.Equal(t, StateExecuted, comp.State())
	assert.Equal(t, StateExecuted, inner.State())
}

func TestComposite_InnerWiringRefreshesEnclosingMetanode(t *testing.T) {
	m := newTestProject(t, DefaultConfig())

	src := addNode(t, m, constFactory("x"))
	meta, err := m.AddMetanode("meta", ports(1), ports(1))
	require.NoError(t, err)
	comp, err := meta.AddComposite("comp", ports(1), ports(1))
	require.NoError(t, err)
	connect(t, meta, meta.ID(), 0, comp.ID(), 0)
	connect(t, meta, comp.ID(), 0, meta.ID(), 0)
	sink := addNode(t, m, passFactory())
	connect(t, m, src.ID(), 0, meta.ID(), 0)
	connect(t, m, meta.ID(), 0, sink.ID(), 0)

	assert.Empty(t, meta.Workflow().ConnectedOutPorts(0))
	_, err = m.Workflow().Depth(sink.ID())
	require.NoError(t, err)

	connect(t, comp.Inner(), comp.VirtualIn(), 0, comp.VirtualOut(), 0)

	assert.Equal(t, []int{0}, meta.Workflow().ConnectedOutPorts(0))
	wf := m.Workflow()
	dSrc, err := wf.Depth(src.ID())
	require.NoError(t, err)
	dMeta, err := wf.PortDepth(meta.ID(), 0)
	require.NoError(t, err)
	dSink, err := wf.Depth(sink.ID())
	require.NoError(t, err)
	assert.Greater(t, dMeta, dSrc)
	assert.Greater(t, dSink, dMeta)
}
