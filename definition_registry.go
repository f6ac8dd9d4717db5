package stateflow

import (
	"fmt"
	"sort"
	"sync"
)

// DefinitionRegistry holds the workflow definitions loaded at process start.
// Definitions are never redefined at run time, so registering a name twice is
// an error.
type DefinitionRegistry struct {
	mutex       sync.RWMutex
	definitions map[string]*Definition
}

// NewDefinitionRegistry creates a registry holding the given definitions
func NewDefinitionRegistry(defs ...*Definition) (*DefinitionRegistry, error) {
	r := &DefinitionRegistry{definitions: make(map[string]*Definition)}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a definition to the registry
func (r *DefinitionRegistry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("definition cannot be nil")
	}
	if def.Name() == "" {
		return fmt.Errorf("definition name cannot be empty")
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.definitions == nil {
		r.definitions = make(map[string]*Definition)
	}
	if _, exists := r.definitions[def.Name()]; exists {
		return fmt.Errorf("definition %q already registered", def.Name())
	}
	r.definitions[def.Name()] = def
	return nil
}

// Get retrieves a definition by name
func (r *DefinitionRegistry) Get(name string) (*Definition, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	def, exists := r.definitions[name]
	return def, exists
}

// List returns all registered definition names in sorted order
func (r *DefinitionRegistry) List() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
