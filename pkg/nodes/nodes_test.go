package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/nodeid"
	"github.com/wehubfusion/Daedalus/pkg/persistence"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

func newProject(t *testing.T) *workflow.Manager {
	t.Helper()
	m, err := workflow.NewProject("nodes", workflow.DefaultConfig().WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func add(t *testing.T, m *workflow.Manager, f workflow.NodeFactory) *workflow.NativeNode {
	t.Helper()
	n, err := m.AddNode(f)
	require.NoError(t, err)
	return n
}

func connect(t *testing.T, m *workflow.Manager, src nodeid.ID, dst nodeid.ID) {
	t.Helper()
	_, err := m.AddConnection(workflow.ConnectionSpec{Source: src, Dest: dst})
	require.NoError(t, err)
}

func run(t *testing.T, m *workflow.Manager) {
	t.Helper()
	m.ExecuteAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitWhileInExecution(ctx))
}

func output(t *testing.T, m *workflow.Manager, id nodeid.ID) interface{} {
	t.Helper()
	out, err := m.Output(id, 0)
	require.NoError(t, err)
	return out.Object
}

func TestChain_ConstantPassthroughTextCase(t *testing.T) {
	m := newProject(t)
	c := add(t, m, ConstantFactory("hello world"))
	p := add(t, m, PassthroughFactory(1))
	tc := add(t, m, TextCaseFactory(CaseTitle))
	connect(t, m, c.ID(), p.ID())
	connect(t, m, p.ID(), tc.ID())

	run(t, m)
	assert.Equal(t, workflow.StateExecuted, tc.State())
	assert.Equal(t, "Hello World", output(t, m, tc.ID()))
}

func TestConstant_WithoutValueStaysIdle(t *testing.T) {
	m := newProject(t)
	c := add(t, m, ConstantFactory(nil))
	assert.Equal(t, workflow.StateIdle, c.State())
	assert.Equal(t, workflow.MessageError, c.Message().Type)
	assert.Contains(t, c.Message().Text, "no value")
}

func TestCountingLoop(t *testing.T) {
	m := newProject(t)
	src := add(t, m, ConstantFactory("x"))
	start := add(t, m, CountingLoopStartFactory(3))
	body := add(t, m, ScriptFactory(`input + iteration`, concurrency.NewLimiter(2)))
	end := add(t, m, LoopEndFactory())
	connect(t, m, src.ID(), start.ID())
	connect(t, m, start.ID(), body.ID())
	connect(t, m, body.ID(), end.ID())

	run(t, m)
	require.Equal(t, workflow.StateExecuted, end.State(), end.Message().Text)
	assert.Equal(t, []interface{}{"x0", "x1", "x2"}, output(t, m, end.ID()))
}

func TestCountingLoopStart_Settings(t *testing.T) {
	l := &CountingLoopStart{}
	_, err := l.Configure([]interface{}{"spec"})
	assert.Error(t, err, "zero iterations")

	require.NoError(t, l.LoadSettings(map[string]interface{}{"count": float64(4)}))
	assert.Equal(t, map[string]interface{}{"count": 4}, l.SaveSettings())
	assert.False(t, l.TerminateLoop(2))
	assert.True(t, l.TerminateLoop(3))

	assert.Error(t, l.LoadSettings(map[string]interface{}{}))
	assert.Error(t, l.LoadSettings(map[string]interface{}{"count": 1.5}))
}

func TestTextCase_Modes(t *testing.T) {
	tests := []struct {
		name string
		mode CaseMode
		lang language.Tag
		in   interface{}
		want interface{}
	}{
		{name: "upper", mode: CaseUpper, lang: language.Und, in: "abc", want: "ABC"},
		{name: "lower", mode: CaseLower, lang: language.Und, in: "ABC", want: "abc"},
		{name: "title", mode: CaseTitle, lang: language.Und, in: "big data", want: "Big Data"},
		{name: "fold", mode: CaseFold, lang: language.Und, in: "Straße", want: "strasse"},
		{name: "turkish upper", mode: CaseUpper, lang: language.Turkish, in: "i", want: "İ"},
		{name: "list", mode: CaseUpper, lang: language.Und, in: []interface{}{"a", 1, []interface{}{"b"}}, want: []interface{}{"A", 1, []interface{}{"B"}}},
		{name: "strings", mode: CaseLower, lang: language.Und, in: []string{"X", "Y"}, want: []string{"x", "y"}},
		{name: "non-string", mode: CaseUpper, lang: language.Und, in: 42, want: 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := &TextCase{mode: tt.mode, lang: tt.lang}
			out, err := tc.Execute(context.Background(), nil, []interface{}{tt.in})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out[0])
		})
	}
}

func TestTextCase_Settings(t *testing.T) {
	tc := &TextCase{mode: CaseUpper, lang: language.Und}
	require.NoError(t, tc.LoadSettings(map[string]interface{}{"mode": " Lower ", "language": "de"}))
	assert.Equal(t, map[string]interface{}{"mode": "lower", "language": "de"}, tc.SaveSettings())

	require.NoError(t, tc.LoadSettings(map[string]interface{}{"mode": "shout"}))
	_, err := tc.Configure([]interface{}{"spec"})
	assert.ErrorContains(t, err, "unknown case mode")

	assert.Error(t, tc.LoadSettings(map[string]interface{}{"mode": 3}))
	assert.Error(t, tc.LoadSettings(map[string]interface{}{"mode": "upper", "language": "??"}))
}

func TestScript_Execute(t *testing.T) {
	limiter := concurrency.NewLimiter(1)
	tests := []struct {
		name    string
		source  string
		input   interface{}
		want    interface{}
		wantErr string
	}{
		{name: "arithmetic", source: `input.a * 3`, input: map[string]interface{}{"a": 2}, want: int64(6)},
		{name: "object", source: `({name: "n", ok: true})`, want: map[string]interface{}{"name": "n", "ok": true}},
		{name: "unconnected input", source: `typeof input`, want: "undefined"},
		{name: "blocked global", source: `typeof require`, want: "undefined"},
		{name: "throws", source: `throw new Error("boom")`, wantErr: "boom"},
		{name: "no value", source: `undefined`, wantErr: "no value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Script{limiter: limiter, source: tt.source, timeout: time.Second}
			out, err := s.Execute(context.Background(), nil, []interface{}{tt.input})
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out[0])
		})
	}
	assert.Equal(t, int64(len(tests)), limiter.Stats().TotalAcquired)
	assert.Equal(t, int64(0), limiter.Stats().Active)
}

func TestScript_Timeout(t *testing.T) {
	s := &Script{source: `while (true) {}`, timeout: 50 * time.Millisecond}
	_, err := s.Execute(context.Background(), nil, []interface{}{nil})
	assert.ErrorContains(t, err, "timed out")
}

func TestScript_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Script{limiter: concurrency.NewLimiter(1), source: `1`, timeout: time.Second}
	_, err := s.Execute(ctx, nil, []interface{}{nil})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScript_Settings(t *testing.T) {
	s := &Script{source: `1`, timeout: DefaultScriptTimeout}
	_, err := s.Configure(nil)
	require.NoError(t, err)

	require.NoError(t, s.LoadSettings(map[string]interface{}{"script": `1 +`, "timeout_ms": 250}))
	assert.Equal(t, map[string]interface{}{"script": `1 +`, "timeout_ms": 250}, s.SaveSettings())
	_, err = s.Configure(nil)
	assert.ErrorContains(t, err, "does not compile")

	assert.Error(t, s.LoadSettings(map[string]interface{}{"timeout_ms": 5}))
	_, err = (&Script{}).Configure(nil)
	assert.ErrorContains(t, err, "no script")
}

func TestScript_PushesVariables(t *testing.T) {
	m := newProject(t)
	src := add(t, m, ConstantFactory(2))
	set := add(t, m, ScriptFactory(`setVariable("factor", 10); input`, nil))
	use := add(t, m, ScriptFactory(`input * variable("factor")`, nil))
	connect(t, m, src.ID(), set.ID())
	connect(t, m, set.ID(), use.ID())

	run(t, m)
	assert.Equal(t, int64(20), output(t, m, use.ID()))
}

func TestIntSetting(t *testing.T) {
	tests := []struct {
		name string
		raw  interface{}
		want int
		err  bool
	}{
		{name: "int", raw: 3, want: 3},
		{name: "int64", raw: int64(4), want: 4},
		{name: "float", raw: float64(5), want: 5},
		{name: "fraction", raw: 5.5, err: true},
		{name: "string", raw: "6", want: 6},
		{name: "bad string", raw: "six", err: true},
		{name: "bool", raw: true, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := intSetting(map[string]interface{}{"n": tt.raw}, "n")
			assert.True(t, ok)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	_, ok, err := intSetting(nil, "n")
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestRegistry_RoundTrip(t *testing.T) {
	reg := NewRegistry(concurrency.NewLimiter(1))
	assert.Equal(t, []string{
		TypeBranchJoin, TypeSwitch, TypeConstant, TypeJSONQuery, TypeJSONSet,
		TypeLoopStart, TypeLoopEnd, TypePassthrough, TypeScript, TypeTextCase,
	}, reg.Types())

	m := newProject(t)
	c := add(t, m, ConstantFactory("daedalus"))
	tc := add(t, m, TextCaseFactory(CaseUpper))
	connect(t, m, c.ID(), tc.ID())

	data, err := persistence.YAMLCodec{}.Encode(persistence.NewSaver(zap.NewNop()).Save(m, persistence.Metadata{Name: "upper"}))
	require.NoError(t, err)
	doc, err := persistence.YAMLCodec{}.Decode(data)
	require.NoError(t, err)

	loader, err := persistence.NewLoader(reg, zap.NewNop())
	require.NoError(t, err)
	loaded, res, err := loader.LoadProject(doc, workflow.DefaultConfig().WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = loaded.Close() })
	require.NoError(t, res.Err())

	run(t, loaded)
	assert.Equal(t, "DAEDALUS", output(t, loaded, tc.ID()))
}
