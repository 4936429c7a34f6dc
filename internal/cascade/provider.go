// Package cascade queries attribute providers in priority order, passing
// only the still-unresolved buildings on to each next provider.
package cascade

import (
	"context"
	"sync"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/feature"
)

// Request asks a provider for one feature on a set of buildings. Targets are
// in the geographic CRS given by CRS.
type Request struct {
	Feature string
	Spec    *feature.Spec
	// Tag is the provider-specific key configured for this feature, e.g. the
	// OSM tag. Empty means the feature name.
	Tag     string
	Targets []*building.Entity
	CRS     int
}

// Key returns the tag to read, falling back to the feature name.
func (r Request) Key() string {
	if r.Tag != "" {
		return r.Tag
	}
	return r.Feature
}

// Provider supplies attribute values. Implementations are read-only: they
// must not modify the targets. Returned values are keyed by building id;
// buildings the provider knows nothing about are simply left out.
type Provider interface {
	// Name returns the provider identifier used in feature source lists.
	Name() string
	// Lookup fetches values for the request targets.
	Lookup(ctx context.Context, req Request) (map[string]building.Value, error)
}

// Registry holds providers in priority order.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider after those already registered. Registering a
// name twice replaces the provider but keeps its position.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.Name()]; !ok {
		r.order = append(r.order, p.Name())
	}
	r.providers[p.Name()] = p
}

// Get returns a provider by name, or nil if not found.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// List returns registered provider names in priority order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
