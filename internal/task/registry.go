package task

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the task definitions known to a process. Workers look up
// handlers in it, the client validates submissions against it, and the cron
// trigger derives its schedule from it.
//
// A registry is safe for concurrent use. Registration normally happens once
// during startup, before workers are started.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]Definition),
	}
}

// Register validates the definition, applies config defaults, and adds it
// to the registry. Returns ErrDuplicateTask if the name is already taken
// and ErrInvalidDefinition if the definition is malformed.
func (r *Registry) Register(def Definition) error {
	def.Config = def.Config.withDefaults()
	if err := def.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister is like Register but panics on error. Intended for
// registration at program startup where a bad definition is a programming
// error.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns the definition registered under name, or ErrUnknownTask.
func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return def, nil
}

// Definitions returns all registered definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// CronDefinitions returns the definitions that carry a cron expression,
// sorted by name.
func (r *Registry) CronDefinitions() []Definition {
	all := r.Definitions()
	crons := all[:0]
	for _, def := range all {
		if def.Config.Cron != "" {
			crons = append(crons, def)
		}
	}
	return crons
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
