package nodes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// DefaultScriptTimeout bounds a single script run.
const DefaultScriptTimeout = 5 * time.Second

// Globals removed from every script VM.
var blockedGlobals = []string{
	"require", "module", "exports", "process", "global",
	"__dirname", "__filename", "Buffer", "setImmediate", "clearImmediate",
}

// Script runs a JavaScript snippet on its input. The snippet sees:
//
//	input              the object on the inport (undefined when unconnected)
//	iteration          the current loop iteration, 0 outside loops
//	variable(name)     reads a flow variable
//	setVariable(n, v)  pushes a flow variable to successors
//
// The value of the last expression is the output.
type Script struct {
	limiter *concurrency.Limiter

	mu      sync.RWMutex
	source  string
	timeout time.Duration
	program *goja.Program
}

var _ workflow.SettingsModel = (*Script)(nil)

// ScriptFactory creates script nodes running source. Concurrent runs across
// all script nodes sharing limiter are bounded by it.
func ScriptFactory(source string, limiter *concurrency.Limiter) Factory {
	return Factory{
		typ: TypeScript,
		desc: workflow.NodeDescriptor{
			Name:     "JavaScript",
			InPorts:  []workflow.PortType{workflow.DataPort.AsOptional()},
			OutPorts: dataPorts(1),
		},
		model: func() workflow.NodeModel {
			return &Script{limiter: limiter, source: source, timeout: DefaultScriptTimeout}
		},
	}
}

func (s *Script) Configure([]interface{}) ([]interface{}, error) {
	if _, err := s.compiled(); err != nil {
		return nil, err
	}
	return []interface{}{workflow.AnyPort.ID}, nil
}

func (s *Script) Execute(ctx context.Context, exec *workflow.ExecutionContext, inData []interface{}) ([]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prog, err := s.compiled()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	timeout := s.timeout
	s.mu.RUnlock()

	var input interface{}
	if len(inData) > 0 {
		input = inData[0]
	}

	var result interface{}
	run := func() error {
		result, err = runScript(ctx, prog, timeout, exec, input)
		return err
	}
	if s.limiter != nil {
		err = s.limiter.Do(ctx, run)
	} else {
		err = run()
	}
	if err != nil {
		return nil, err
	}
	return []interface{}{result}, nil
}

func (s *Script) Reset() {}

func (s *Script) compiled() (*goja.Program, error) {
	s.mu.RLock()
	prog, source := s.program, s.source
	s.mu.RUnlock()
	if prog != nil {
		return prog, nil
	}
	if source == "" {
		return nil, fmt.Errorf("no script configured")
	}

	prog, err := goja.Compile("script", source, true)
	if err != nil {
		return nil, fmt.Errorf("script does not compile: %w", err)
	}
	s.mu.Lock()
	if s.source == source {
		s.program = prog
	}
	s.mu.Unlock()
	return prog, nil
}

func runScript(ctx context.Context, prog *goja.Program, timeout time.Duration, exec *workflow.ExecutionContext, input interface{}) (interface{}, error) {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for _, name := range blockedGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	globals := map[string]interface{}{
		"input":     input,
		"iteration": 0,
		"variable": func(name string) interface{} {
			if exec == nil {
				return nil
			}
			v, _ := exec.Variable(name)
			return v
		},
		"setVariable": func(name string, value interface{}) {
			if exec != nil {
				exec.PushVariable(name, value)
			}
		},
	}
	if exec != nil {
		globals["iteration"] = exec.Iteration()
		if v, ok := exec.Variable(workflow.IterationVariable); ok {
			globals["iteration"] = v
		}
	}
	if input == nil {
		globals["input"] = goja.Undefined()
	}
	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", name, err)
		}
	}

	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	value, err := vm.RunProgram(prog)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("script timed out after %s", timeout)
			}
			return nil, ctx.Err()
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return nil, fmt.Errorf("script error: %s", exc.Error())
		}
		return nil, fmt.Errorf("script failed: %w", err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("script produced no value")
	}
	return value.Export(), nil
}

func (s *Script) SaveSettings() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"script":     s.source,
		"timeout_ms": int(s.timeout / time.Millisecond),
	}
}

func (s *Script) LoadSettings(settings map[string]interface{}) error {
	source, ok, err := stringSetting(settings, "script")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("setting %q missing", "script")
	}
	timeout := DefaultScriptTimeout
	if ms, ok, err := intSetting(settings, "timeout_ms"); err != nil {
		return err
	} else if ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	s.mu.Lock()
	s.source = source
	s.timeout = timeout
	s.program = nil
	s.mu.Unlock()
	return nil
}
