package providers

import (
	"sync"

	"github.com/quorumrun/nexus/pkg/contract"
)

// Registry is a concrete contract.ProviderResolver over a fixed set of
// named providers, assembled once at startup by whoever owns
// configuration (a CLI's wiring step, typically) and handed to the
// engine as an opaque collaborator.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]contract.ChatProvider
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]contract.ChatProvider)}
}

// Register adds or replaces the provider known by p.Name().
func (r *Registry) Register(p contract.ChatProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Resolve implements contract.ProviderResolver.
func (r *Registry) Resolve(name string) (contract.ChatProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the currently registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
