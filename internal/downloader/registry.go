package downloader

import (
	"fmt"
	"sync"

	"github.com/slipstream/dlsync/internal/downloader/nzbget"
	"github.com/slipstream/dlsync/internal/downloader/qbittorrent"
	"github.com/slipstream/dlsync/internal/downloader/sabnzbd"
	"github.com/slipstream/dlsync/internal/downloader/transmission"
)

// Factory builds an adapter for one client configuration.
type Factory func(cfg *ClientConfig) Adapter

// Registry maps a client type to the factory that builds its adapter.
type Registry struct {
	mu        sync.RWMutex
	factories map[ClientType]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[ClientType]Factory)}
}

// NewDefaultRegistry creates a registry with every built-in client family.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ClientTypeQBittorrent, func(cfg *ClientConfig) Adapter { return qbittorrent.NewFromConfig(cfg) })
	r.Register(ClientTypeTransmission, func(cfg *ClientConfig) Adapter { return transmission.NewFromConfig(cfg) })
	r.Register(ClientTypeSABnzbd, func(cfg *ClientConfig) Adapter { return sabnzbd.NewFromConfig(cfg) })
	r.Register(ClientTypeNZBGet, func(cfg *ClientConfig) Adapter { return nzbget.NewFromConfig(cfg) })
	return r
}

// Register adds or replaces the factory for a client type.
func (r *Registry) Register(clientType ClientType, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[clientType] = factory
}

// Supports reports whether a factory is registered for the client type.
func (r *Registry) Supports(clientType ClientType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[clientType]
	return ok
}

// New builds an adapter for the config.
func (r *Registry) New(cfg *ClientConfig) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedClient, cfg.Type)
	}
	return factory(cfg), nil
}
