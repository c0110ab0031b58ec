package provider

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// DefaultTimeout bounds a provider call when no per-provider timeout is
// configured. Image generation is slow; this is deliberately generous.
const DefaultTimeout = 120 * time.Second

// Registry maps provider names to instantiated adapters and provider type
// names to factories. Factories register at wiring time; instances are
// created from configuration. Each provider gets its own HTTP client so a
// configured timeout applies to that provider only.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	providers map[string]Provider
	clients   map[string]*http.Client
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		providers: make(map[string]Provider),
		clients:   make(map[string]*http.Client),
	}
}

// RegisterFactory registers a factory for a provider type.
func (r *Registry) RegisterFactory(providerType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[providerType] = factory
}

// Create instantiates a provider from configuration and registers it under
// its configured name.
func (r *Registry) Create(cfg Config) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	factory, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	if _, exists := r.providers[cfg.Name]; exists {
		return nil, fmt.Errorf("provider %q already registered", cfg.Name)
	}

	prov, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create provider %q: %w", cfg.Name, err)
	}

	timeout := DefaultTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	r.providers[cfg.Name] = prov
	r.clients[cfg.Name] = &http.Client{Timeout: timeout}
	return prov, nil
}

// Client returns the HTTP client for the named provider, carrying its
// configured timeout.
func (r *Registry) Client(name string) (*http.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[name]
	return client, ok
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prov, ok := r.providers[name]
	return prov, ok
}

// Names returns the names of all registered providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
