package nodes

import (
	"fmt"
	"strconv"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/persistence"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Factory types of the built-in nodes.
const (
	TypePassthrough = "daedalus.passthrough"
	TypeConstant    = "daedalus.constant"
	TypeLoopStart   = "daedalus.loop.counting_start"
	TypeLoopEnd     = "daedalus.loop.end"
	TypeTextCase    = "daedalus.text.case"
	TypeScript      = "daedalus.script"
	TypeJSONQuery   = "daedalus.json.query"
	TypeJSONSet     = "daedalus.json.set"
	TypeSwitch      = "daedalus.branch.switch"
	TypeBranchJoin  = "daedalus.branch.join"
)

// Factory is a NodeFactory backed by a constructor function.
type Factory struct {
	typ   string
	desc  workflow.NodeDescriptor
	model func() workflow.NodeModel
}

var _ workflow.NodeFactory = Factory{}

func (f Factory) Type() string                        { return f.typ }
func (f Factory) Descriptor() workflow.NodeDescriptor { return f.desc }
func (f Factory) NewModel() workflow.NodeModel        { return f.model() }

// Builtins returns the factories of all built-in nodes. Script nodes share
// limiter; nil selects a limiter sized by concurrency.LoadConfig.
func Builtins(limiter *concurrency.Limiter) []workflow.NodeFactory {
	if limiter == nil {
		limiter = concurrency.NewLimiter(concurrency.LoadConfig().MaxConcurrent)
	}
	return []workflow.NodeFactory{
		PassthroughFactory(1),
		ConstantFactory(nil),
		CountingLoopStartFactory(1),
		LoopEndFactory(),
		TextCaseFactory(CaseUpper),
		ScriptFactory("", limiter),
		JSONQueryFactory(),
		JSONSetFactory("", nil),
		SwitchFactory(LogicAnd),
		BranchJoinFactory(),
	}
}

// NewRegistry returns a persistence registry holding the built-in nodes.
func NewRegistry(limiter *concurrency.Limiter) *persistence.Registry {
	reg, err := persistence.NewRegistry(Builtins(limiter)...)
	if err != nil {
		// Builtins have distinct, non-empty types.
		panic(err)
	}
	return reg
}

func dataPorts(n int) []workflow.PortType {
	out := make([]workflow.PortType, n)
	for i := range out {
		out[i] = workflow.DataPort
	}
	return out
}

// intSetting reads an integer setting. Decoded documents carry numbers as
// int (YAML) or float64 (JSON).
func intSetting(settings map[string]interface{}, key string) (int, bool, error) {
	raw, ok := settings[key]
	if !ok {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case int:
		return v, true, nil
	case int64:
		return int(v), true, nil
	case float64:
		if v != float64(int(v)) {
			return 0, true, fmt.Errorf("setting %q: %v is not an integer", key, v)
		}
		return int(v), true, nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, true, fmt.Errorf("setting %q: %w", key, err)
		}
		return n, true, nil
	}
	return 0, true, fmt.Errorf("setting %q: unsupported type %T", key, raw)
}

func stringSetting(settings map[string]interface{}, key string) (string, bool, error) {
	raw, ok := settings[key]
	if !ok {
		return "", false, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", true, fmt.Errorf("setting %q: expected string, got %T", key, raw)
	}
	return s, true, nil
}
