package policy

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds a Policy from its parameters.
type Constructor func(Params) (Policy, error)

// Registry maps policy names to constructors. It is safe for concurrent use.
type Registry struct {
	ctors map[string]Constructor
	mu    sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// DefaultRegistry returns a registry holding every built-in policy.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NameRandomTrader, func(p Params) (Policy, error) { return NewRandomTrader(p), nil })
	r.Register(NameLongOnly, func(p Params) (Policy, error) { return NewLongOnly(p), nil })
	r.Register(NameArbitrageSeeker, func(p Params) (Policy, error) { return NewArbitrageSeeker(p), nil })
	r.Register(NameLiquidityProvider, func(p Params) (Policy, error) { return NewLiquidityProvider(p), nil })
	r.Register(NamePassiveHolder, func(p Params) (Policy, error) { return NewPassiveHolder(p), nil })
	return r
}

// Register adds a constructor under name, replacing any existing one.
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = c
}

// New builds the named policy with defaults applied to params.
func (r *Registry) New(name string, params Params) (Policy, error) {
	r.mu.RLock()
	c, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return c(params)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[name]
	return ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
