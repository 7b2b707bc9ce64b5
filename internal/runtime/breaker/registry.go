package breaker

import (
	"sort"
	"sync"
)

// Registry hands out one breaker per call site. Breakers are created on
// first use and live as long as the registry.
type Registry struct {
	cfg  Config
	opts Options

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config, opts Options) *Registry {
	return &Registry{cfg: cfg, opts: opts, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker called name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.cfg, r.opts)
	r.breakers[name] = b
	return b
}

// Snapshots returns every breaker's snapshot sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
