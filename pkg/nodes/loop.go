package nodes

import (
	"context"
	"fmt"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// LoopCountVariable is pushed by the counting loop start next to the
// iteration variable.
const LoopCountVariable = "maxIterations"

// CountingLoopStart runs its loop body a fixed number of times, forwarding
// its input unchanged on every iteration.
type CountingLoopStart struct {
	mu    sync.RWMutex
	count int
}

var (
	_ workflow.LoopTerminator = (*CountingLoopStart)(nil)
	_ workflow.SettingsModel  = (*CountingLoopStart)(nil)
)

// CountingLoopStartFactory creates loop starts running count iterations.
func CountingLoopStartFactory(count int) Factory {
	return Factory{
		typ: TypeLoopStart,
		desc: workflow.NodeDescriptor{
			Name:     "Counting Loop Start",
			InPorts:  dataPorts(1),
			OutPorts: dataPorts(1),
			Role:     workflow.RoleLoopStart,
		},
		model: func() workflow.NodeModel { return &CountingLoopStart{count: count} },
	}
}

func (l *CountingLoopStart) Configure(inSpecs []interface{}) ([]interface{}, error) {
	if c := l.iterations(); c < 1 {
		return nil, fmt.Errorf("iteration count must be positive, got %d", c)
	}
	return []interface{}{inSpecs[0]}, nil
}

func (l *CountingLoopStart) Execute(_ context.Context, exec *workflow.ExecutionContext, inData []interface{}) ([]interface{}, error) {
	exec.PushVariable(LoopCountVariable, l.iterations())
	return []interface{}{inData[0]}, nil
}

func (l *CountingLoopStart) Reset() {}

// TerminateLoop reports whether iteration was the last one.
func (l *CountingLoopStart) TerminateLoop(iteration int) bool {
	return iteration >= l.iterations()-1
}

func (l *CountingLoopStart) iterations() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

func (l *CountingLoopStart) SaveSettings() map[string]interface{} {
	return map[string]interface{}{"count": l.iterations()}
}

func (l *CountingLoopStart) LoadSettings(settings map[string]interface{}) error {
	n, ok, err := intSetting(settings, "count")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("setting %q missing", "count")
	}
	l.mu.Lock()
	l.count = n
	l.mu.Unlock()
	return nil
}

// LoopEnd collects its input of every iteration and emits the collected
// list. It asks the matching loop start whether to run another iteration.
type LoopEnd struct {
	mu        sync.Mutex
	collected []interface{}
}

// LoopEndFactory creates loop end nodes.
func LoopEndFactory() Factory {
	return Factory{
		typ: TypeLoopEnd,
		desc: workflow.NodeDescriptor{
			Name:     "Loop End",
			InPorts:  dataPorts(1),
			OutPorts: dataPorts(1),
			Role:     workflow.RoleLoopEnd,
		},
		model: func() workflow.NodeModel { return &LoopEnd{} },
	}
}

func (e *LoopEnd) Configure([]interface{}) ([]interface{}, error) {
	return []interface{}{"list"}, nil
}

func (e *LoopEnd) Execute(_ context.Context, exec *workflow.ExecutionContext, inData []interface{}) ([]interface{}, error) {
	term, ok := exec.LoopStart().(workflow.LoopTerminator)
	if !ok {
		return nil, fmt.Errorf("loop start of %s cannot terminate the loop", exec.NodeID())
	}

	e.mu.Lock()
	e.collected = append(e.collected, inData[0])
	out := append([]interface{}(nil), e.collected...)
	e.mu.Unlock()

	if !term.TerminateLoop(exec.Iteration()) {
		exec.ContinueLoop()
	}
	return []interface{}{out}, nil
}

func (e *LoopEnd) Reset() {
	e.mu.Lock()
	e.collected = nil
	e.mu.Unlock()
}
