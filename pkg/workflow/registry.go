package workflow

import (
	"sort"
	"sync"

	"github.com/tombee/cascade/pkg/errors"
)

// Registry holds compiled workflows keyed by ID. It is safe for concurrent
// use: trigger sources register and the coordinator looks up.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Compiled
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]*Compiled)}
}

// Register compiles and stores a definition. Re-registering an ID replaces
// the previous compiled form; in-flight runs keep their own reference.
func (r *Registry) Register(def *Definition) (*Compiled, error) {
	compiled, err := Compile(def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.workflows[def.ID] = compiled
	r.mu.Unlock()

	return compiled, nil
}

// Get returns the compiled workflow with the given ID.
func (r *Registry) Get(id string) (*Compiled, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	compiled, ok := r.workflows[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return compiled, nil
}

// List returns the registered workflow IDs in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.workflows))
	for id := range r.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove deletes a workflow from the registry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workflows[id]; !ok {
		return &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	delete(r.workflows, id)
	return nil
}
