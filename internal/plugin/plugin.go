// Package plugin defines the inventory provider interface for posture.
package plugin

import (
	"context"
	"sort"
	"sync"

	"github.com/yairfalse/posture/pkg/resource"
)

// Provider discovers every resource of one kind.
// Keep it simple: Kind + Discover. That's it.
type Provider interface {
	// Kind returns the resource kind this provider discovers.
	Kind() resource.Kind

	// Discover returns the current resources of the kind.
	// Called once per scan; must not cache between calls.
	Discover(ctx context.Context) ([]resource.Record, error)
}

// Func adapts a discovery function to the Provider interface.
type Func struct {
	K  resource.Kind
	Fn func(context.Context) ([]resource.Record, error)
}

func (f Func) Kind() resource.Kind { return f.K }

func (f Func) Discover(ctx context.Context) ([]resource.Record, error) { return f.Fn(ctx) }

// Registry holds the providers of one scan configuration, one per kind.
type Registry struct {
	mu        sync.RWMutex
	providers map[resource.Kind]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[resource.Kind]Provider)}
}

// Register adds a provider, replacing any earlier provider of the same kind.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Kind()] = p
}

// Get returns the provider for kind.
func (r *Registry) Get(kind resource.Kind) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	return p, ok
}

// All returns every provider ordered by kind.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out
}

// Kinds returns every registered kind in order.
func (r *Registry) Kinds() []resource.Kind {
	providers := r.All()
	kinds := make([]resource.Kind, len(providers))
	for i, p := range providers {
		kinds[i] = p.Kind()
	}
	return kinds
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Remove drops the provider for kind.
func (r *Registry) Remove(kind resource.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, kind)
}
