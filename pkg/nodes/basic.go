package nodes

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Passthrough forwards each input to the outport with the same index.
type Passthrough struct{}

// PassthroughFactory creates passthrough nodes with n data ports per side.
func PassthroughFactory(n int) Factory {
	return Factory{
		typ:   TypePassthrough,
		desc:  workflow.NodeDescriptor{Name: "Passthrough", InPorts: dataPorts(n), OutPorts: dataPorts(n)},
		model: func() workflow.NodeModel { return Passthrough{} },
	}
}

func (Passthrough) Configure(inSpecs []interface{}) ([]interface{}, error) {
	return append([]interface{}(nil), inSpecs...), nil
}

func (Passthrough) Execute(_ context.Context, _ *workflow.ExecutionContext, inData []interface{}) ([]interface{}, error) {
	return append([]interface{}(nil), inData...), nil
}

func (Passthrough) Reset() {}

// Constant emits its "value" setting on its single outport.
type Constant struct {
	value interface{}
}

var _ workflow.SettingsModel = (*Constant)(nil)

// ConstantFactory creates constant nodes emitting value until settings
// are loaded.
func ConstantFactory(value interface{}) Factory {
	return Factory{
		typ:   TypeConstant,
		desc:  workflow.NodeDescriptor{Name: "Constant", OutPorts: dataPorts(1)},
		model: func() workflow.NodeModel { return &Constant{value: value} },
	}
}

func (c *Constant) Configure([]interface{}) ([]interface{}, error) {
	if c.value == nil {
		return nil, fmt.Errorf("no value configured")
	}
	return []interface{}{fmt.Sprintf("%T", c.value)}, nil
}

func (c *Constant) Execute(context.Context, *workflow.ExecutionContext, []interface{}) ([]interface{}, error) {
	return []interface{}{c.value}, nil
}

func (c *Constant) Reset() {}

func (c *Constant) SaveSettings() map[string]interface{} {
	return map[string]interface{}{"value": c.value}
}

func (c *Constant) LoadSettings(settings map[string]interface{}) error {
	v, ok := settings["value"]
	if !ok {
		return fmt.Errorf("setting %q missing", "value")
	}
	c.value = v
	return nil
}
