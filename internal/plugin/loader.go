package plugin

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Factory creates fresh plug-in instances. Either function may be nil.
type Factory struct {
	Authentication func() AuthenticationPlugIn
	Authorization  func() AuthorizationPlugIn
}

// Loader resolves plug-in names to factories. Each lookup creates a new instance.
type Loader struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewLoader creates an empty loader.
func NewLoader() *Loader {
	return &Loader{factories: make(map[string]Factory)}
}

// Register adds a factory under name.
func (l *Loader) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("plug-in name is required")
	}
	if f.Authentication == nil && f.Authorization == nil {
		return fmt.Errorf("plug-in %q provides neither authentication nor authorization", name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.factories[name]; exists {
		return fmt.Errorf("plug-in %q already registered", name)
	}
	l.factories[name] = f
	return nil
}

// Names lists registered plug-ins in sorted order.
func (l *Loader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Sorted(maps.Keys(l.factories))
}

// Authentication creates the authentication plug-in registered under name.
func (l *Loader) Authentication(name string) (AuthenticationPlugIn, error) {
	l.mu.RLock()
	f, ok := l.factories[name]
	l.mu.RUnlock()

	if !ok || f.Authentication == nil {
		return nil, fmt.Errorf("%w: no authentication plug-in %q", ErrUnknownPlugIn, name)
	}
	return f.Authentication(), nil
}

// Authorization creates the authorization plug-in registered under name.
func (l *Loader) Authorization(name string) (AuthorizationPlugIn, error) {
	l.mu.RLock()
	f, ok := l.factories[name]
	l.mu.RUnlock()

	if !ok || f.Authorization == nil {
		return nil, fmt.Errorf("%w: no authorization plug-in %q", ErrUnknownPlugIn, name)
	}
	return f.Authorization(), nil
}
