package persistence

import (
	"fmt"
	"sort"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Registry resolves persisted factory names to node factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]workflow.NodeFactory
}

// NewRegistry creates a registry holding factories.
func NewRegistry(factories ...workflow.NodeFactory) (*Registry, error) {
	r := &Registry{factories: make(map[string]workflow.NodeFactory)}
	for _, f := range factories {
		if err := r.Register(f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a factory under its Type.
func (r *Registry) Register(f workflow.NodeFactory) error {
	if f == nil {
		return fmt.Errorf("factory cannot be nil")
	}
	typ := f.Type()
	if typ == "" {
		return fmt.Errorf("factory type cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typ]; exists {
		return fmt.Errorf("factory %q already registered", typ)
	}
	r.factories[typ] = f
	return nil
}

// Lookup returns the factory registered for typ.
func (r *Registry) Lookup(typ string) (workflow.NodeFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	return f, ok
}

// Types lists the registered factory types in order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}
