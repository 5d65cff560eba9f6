package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

type testFactory struct {
	typ   string
	desc  workflow.NodeDescriptor
	model func() workflow.NodeModel
}

func (f testFactory) Type() string                        { return f.typ }
func (f testFactory) Descriptor() workflow.NodeDescriptor { return f.desc }
func (f testFactory) NewModel() workflow.NodeModel        { return f.model() }

func dataPorts(n int) []workflow.PortType {
	out := make([]workflow.PortType, n)
	for i := range out {
		out[i] = workflow.DataPort
	}
	return out
}

// valueModel emits its "value" setting.
type valueModel struct {
	value interface{}
}

func (m *valueModel) Configure([]interface{}) ([]interface{}, error) {
	return []interface{}{"spec"}, nil
}

func (m *valueModel) Execute(context.Context, *workflow.ExecutionContext, []interface{}) ([]interface{}, error) {
	return []interface{}{m.value}, nil
}

func (m *valueModel) Reset() {}

func (m *valueModel) SaveSettings() map[string]interface{} {
	return map[string]interface{}{"value": m.value}
}

func (m *valueModel) LoadSettings(settings map[string]interface{}) error {
	v, ok := settings["value"]
	if !ok {
		return fmt.Errorf("value missing")
	}
	m.value = v
	return nil
}

type forwardModel struct{}

func (forwardModel) Configure(in []interface{}) ([]interface{}, error) { return in[:1], nil }

func (forwardModel) Execute(_ context.Context, _ *workflow.ExecutionContext, in []interface{}) ([]interface{}, error) {
	return in[:1], nil
}

func (forwardModel) Reset() {}

var (
	valueFactory = testFactory{
		typ:   "test.value",
		desc:  workflow.NodeDescriptor{Name: "Value", OutPorts: dataPorts(1)},
		model: func() workflow.NodeModel { return &valueModel{} },
	}
	forwardFactory = testFactory{
		typ:   "test.forward",
		desc:  workflow.NodeDescriptor{Name: "Forward", InPorts: dataPorts(1), OutPorts: dataPorts(1)},
		model: func() workflow.NodeModel { return forwardModel{} },
	}
)

func testConfig() workflow.Config {
	return workflow.DefaultConfig().WithLogger(zap.NewNop())
}

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	reg, err := NewRegistry(valueFactory, forwardFactory)
	require.NoError(t, err)
	l, err := NewLoader(reg, zap.NewNop())
	require.NoError(t, err)
	return l
}

func load(t *testing.T, doc *Document) (*workflow.Manager, *LoadResult) {
	t.Helper()
	m, res, err := newTestLoader(t).LoadProject(doc, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, res
}

func boolPtr(b bool) *bool { return &b }

func waitCtx(t *testing.T, m *workflow.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitWhileInExecution(ctx))
}
