package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Provider executes model requests against one upstream service.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Result, error)
}

// TerminalProviderError marks a provider rejection that retrying cannot
// fix (bad request, auth failure, permanent content rejection).
type TerminalProviderError struct {
	Provider string
	Model    string
	Status   int
	Message  string
}

func (e *TerminalProviderError) Error() string {
	return fmt.Sprintf("%s/%s rejected request (HTTP %d): %s", e.Provider, e.Model, e.Status, e.Message)
}

// Registry holds the configured providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
