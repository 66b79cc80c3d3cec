package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/trenchcoat/enricher/internal/core"
)

// Registry manages notifier instances in registration order
type Registry struct {
	mu        sync.RWMutex
	notifiers []Notifier
	byName    map[string]Notifier
}

// NewRegistry creates a new notifier registry
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Notifier),
	}
}

// Register adds a notifier to the registry
func (r *Registry) Register(n Notifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := n.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("notifier %s already registered", name)
	}

	r.byName[name] = n
	r.notifiers = append(r.notifiers, n)
	return nil
}

// Get retrieves a notifier by name
func (r *Registry) Get(name string) (Notifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, exists := r.byName[name]
	if !exists {
		return nil, fmt.Errorf("notifier %s not found", name)
	}
	return n, nil
}

// Len returns the number of registered notifiers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.notifiers)
}

// NotifyAll sends the stats to every notifier and collects failures by name
func (r *Registry) NotifyAll(ctx context.Context, stats core.BatchStats) map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	errs := make(map[string]error)
	for _, n := range r.notifiers {
		if err := n.NotifyBatch(ctx, stats); err != nil {
			errs[n.Name()] = err
		}
	}
	return errs
}
