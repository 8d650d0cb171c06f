package common

import (
	"sort"
	"sync"

	"github.com/supporttools/GoDBGuard/pkg/fault"
)

// Registry maps engine kinds to drivers. It performs no I/O.
type Registry struct {
	mu      sync.RWMutex
	drivers map[EngineKind]Driver
}

// NewRegistry creates a registry holding the given drivers
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[EngineKind]Driver)}
	for _, d := range drivers {
		r.Register(d)
	}
	return r
}

// Register adds or replaces the driver for its engine
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Engine()] = d
}

// Resolve returns the driver for kind
func (r *Registry) Resolve(kind EngineKind) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[kind]
	if !ok {
		return nil, fault.New(fault.UnsupportedEngine, "resolve driver", "no driver registered for engine %q", kind)
	}
	return d, nil
}

// Engines lists the registered engines in name order
func (r *Registry) Engines() []EngineKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]EngineKind, 0, len(r.drivers))
	for k := range r.drivers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
