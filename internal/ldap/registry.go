package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Registry holds the named connection managers of a server and resolves
// referrals to the manager that declared it handles them.
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Pool
	order    []string
}

var _ ReferralResolver = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Pool)}
}

// Add creates a connection manager for config and registers it under config.Name.
func (r *Registry) Add(ctx context.Context, config *ConnectionConfig, opts ...PoolOption) (*Pool, error) {
	if config == nil || config.Name == "" {
		return nil, errors.New("connection manager name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.managers[config.Name]; exists {
		return nil, fmt.Errorf("connection manager %q already registered", config.Name)
	}

	pool, err := NewPool(ctx, config, append(opts, WithReferralResolver(r))...)
	if err != nil {
		return nil, fmt.Errorf("connection manager %q: %w", config.Name, err)
	}

	r.managers[config.Name] = pool
	r.order = append(r.order, config.Name)
	return pool, nil
}

// Get returns the manager registered under name.
func (r *Registry) Get(name string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.managers[name]
	return p, ok
}

// ManagerFor returns the first registered manager handling uri, or nil.
func (r *Registry) ManagerFor(uri string) ConnectionManager {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		if p := r.managers[name]; p.Handles(uri) {
			return p
		}
	}
	return nil
}

// Close closes every registered manager.
func (r *Registry) Close() error {
	r.mu.Lock()
	managers := r.managers
	r.managers = make(map[string]*Pool)
	r.order = nil
	r.mu.Unlock()

	var errs []error
	for name, p := range managers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("connection manager %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
