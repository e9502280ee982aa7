// Package registry resolves the symbolic callable identifiers stored on a
// Job's config to the Callable implementation registered for them at
// startup.
package registry

import (
	"fmt"
	"sync"

	"batchops/internal/domain"
)

type callableRegistry struct {
	mu        sync.RWMutex
	callables map[string]domain.Callable
}

// New creates an empty CallableRegistry.
func New() domain.CallableRegistry {
	return &callableRegistry{callables: make(map[string]domain.Callable)}
}

func (r *callableRegistry) Register(name string, c domain.Callable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callables[name] = c
}

func (r *callableRegistry) Resolve(name string) (domain.Callable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.callables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallableUnresolved, name)
	}
	return c, nil
}
