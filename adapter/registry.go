package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drblury/tenantflow/internal/runtime/logging"
)

// Registry maintains a mapping of driver names to their builders and capabilities.
// Driver packages register themselves using RegisterWithCapabilities.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global driver registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new driver registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a driver builder to the registry.
// The name should match the Backend config value (e.g., "memory", "kafka").
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// RegisterWithCapabilities adds a driver builder and its capabilities to the registry.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
	r.capabilities[name] = caps
}

// GetCapabilities returns the capabilities for a registered driver.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Build creates an adapter using the registered builder for the config's Backend.
func (r *Registry) Build(ctx context.Context, cfg Config, opts Options) (Adapter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	name := cfg.GetBackend()

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown adapter backend: %q (registered: %v)", name, r.Names())
	}

	opts.Logger = logging.OrNop(opts.Logger).With(logging.LogFields{"backend": name})
	opts.Observer = OrNopObserver(opts.Observer)
	return builder(ctx, cfg, opts)
}

// Names returns the sorted list of registered driver names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a driver is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a driver builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a driver builder and its capabilities to the default registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates an adapter using the default registry.
func Build(ctx context.Context, cfg Config, opts Options) (Adapter, error) {
	return DefaultRegistry.Build(ctx, cfg, opts)
}
