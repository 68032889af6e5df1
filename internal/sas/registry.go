package sas

import (
	"fmt"
	"sync"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/logging"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/observability"
	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// Resolver returns the client serving a provider.
type Resolver interface {
	For(provider model.SASProvider) (Client, error)
}

// Registry maps providers to clients. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[model.SASProvider]Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[model.SASProvider]Client)}
}

// Set installs c for provider, replacing any previous client.
func (r *Registry) Set(provider model.SASProvider, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[provider] = c
}

// For implements Resolver.
func (r *Registry) For(provider model.SASProvider) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return c, nil
}

// Providers lists the configured providers.
func (r *Registry) Providers() []model.SASProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.SASProvider, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	return out
}

// BuildRegistry creates an instrumented HTTP client per config entry.
func BuildRegistry(cfgs []ProviderConfig, collector *observability.FleetCollector, log logging.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, cfg := range cfgs {
		c, err := NewHTTPClient(cfg, WithLogger(log))
		if err != nil {
			return nil, err
		}
		reg.Set(cfg.Provider, Instrument(c, cfg.Provider, collector))
	}
	return reg, nil
}
