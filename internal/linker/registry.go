package linker

import (
	"fmt"
	"sync"
)

// Registry enforces at most one active linking attempt per identifier. Two
// orchestrators writing the same credential directory would corrupt it, so a
// second concurrent request is rejected rather than queued.
type Registry struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]struct{})}
}

// Acquire claims the identifier, returning ErrLinkActive if it is already
// held by another attempt.
func (r *Registry) Acquire(identifier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.active[identifier]; held {
		return fmt.Errorf("%w: %s", ErrLinkActive, identifier)
	}
	r.active[identifier] = struct{}{}
	return nil
}

// Release frees the identifier for a future attempt. Releasing an unheld
// identifier is a no-op.
func (r *Registry) Release(identifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, identifier)
}

// Len returns the number of currently active attempts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
