package workflow

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the workflow definitions known to a process.
// It is safe for concurrent use; registration normally happens once at
// startup, before the scheduler is started.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]*Definition),
	}
}

// Register adds a built definition to the registry. Returns
// ErrDuplicateWorkflow if the name is already taken.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: definition cannot be nil", ErrInvalidDefinition)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name()]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateWorkflow, def.Name())
	}
	r.defs[def.Name()] = def
	return nil
}

// MustRegister is like Register but panics on error. Intended for
// registration at program startup.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns the definition registered under name, or ErrUnknownWorkflow.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, name)
	}
	return def, nil
}

// Names returns the registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
