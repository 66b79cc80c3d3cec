package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/trenchcoat/enricher/internal/core"
)

// Registry holds the provider catalog in registration order
type Registry struct {
	mu    sync.RWMutex
	specs []Spec
	index map[string]int
}

// NewRegistry creates an empty provider registry
func NewRegistry() *Registry {
	return &Registry{
		index: make(map[string]int),
	}
}

// Register validates and adds a provider. Specs are copied, so later changes
// to the caller's value do not leak into the registry.
func (r *Registry) Register(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[spec.Name]; exists {
		return core.WrapError(core.ErrProviderDuplicate, fmt.Errorf("%s", spec.Name))
	}
	r.index[spec.Name] = len(r.specs)
	r.specs = append(r.specs, spec.clone())
	return nil
}

// MustRegister registers specs and panics on the first invalid one
func (r *Registry) MustRegister(specs ...Spec) {
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

// Get retrieves a provider by name
func (r *Registry) Get(name string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[name]
	if !ok {
		return Spec{}, core.WrapError(core.ErrProviderNotFound, fmt.Errorf("%s", name))
	}
	return r.specs[i].clone(), nil
}

// All returns every provider in registration order
func (r *Registry) All() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Spec, len(r.specs))
	for i, s := range r.specs {
		result[i] = s.clone()
	}
	return result
}

// Names returns provider names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.specs))
	for i, s := range r.specs {
		names[i] = s.Name
	}
	return names
}

// Len returns the number of registered providers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

// ForCapability returns the providers claiming field, highest priority
// (lowest rank) first. Equal ranks keep registration order.
func (r *Registry) ForCapability(field core.Field) []Spec {
	var result []Spec
	for _, s := range r.All() {
		if s.Supports(field) {
			result = append(result, s)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Priority < result[j].Priority
	})
	return result
}

// Applicable returns, in registration order, the providers worth querying
// for the tracked fields. Providers that need a ticker are left out when no
// symbol is known.
func (r *Registry) Applicable(tracked []core.Field, hasSymbol bool) []Spec {
	var result []Spec
	for _, s := range r.All() {
		if s.RequiresSymbol && !hasSymbol {
			continue
		}
		for _, f := range tracked {
			if s.Supports(f) {
				result = append(result, s)
				break
			}
		}
	}
	return result
}
