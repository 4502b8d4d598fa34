package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"signalgw/internal/domain"
)

// Registry tracks the set of active gateways by name. Names are unique:
// registering a second gateway under an existing name is rejected, which is
// what keeps per-gateway event sources and CLI lookups unambiguous.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]*Gateway
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]*Gateway)}
}

// Register adds a gateway. Returns an error when the name is taken.
func (r *Registry) Register(g *Gateway) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.gateways[g.Name()]; exists {
		return fmt.Errorf("gateway name already in use: %s", g.Name())
	}
	r.gateways[g.Name()] = g
	return nil
}

// Unregister removes a gateway by name. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.gateways, name)
}

// Get returns the gateway with the given name, or nil.
func (r *Registry) Get(name string) *Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gateways[name]
}

// Names returns the registered gateway names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered gateways.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.gateways)
}

// StartAll starts every registered gateway on the given bus.
func (r *Registry) StartAll(ctx context.Context, events domain.Bus) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.gateways {
		if err := g.Start(ctx, events); err != nil {
			return fmt.Errorf("start gateway %s: %w", g.Name(), err)
		}
	}
	return nil
}

// StopAll stops every registered gateway.
func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.gateways {
		g.Stop()
	}
}
