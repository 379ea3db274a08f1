package engine

import (
	"fmt"
	"sync"
)

// HandleRegistry maps resource ids to the handles produced for them during a
// run. Each id is written at most once.
type HandleRegistry struct {
	mu      sync.RWMutex
	handles map[string]string
}

func NewHandleRegistry() *HandleRegistry {
	return &HandleRegistry{
		handles: make(map[string]string),
	}
}

// Put stores the handle for id. Writing an id twice is an error.
func (r *HandleRegistry) Put(id, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.handles[id]; ok {
		return fmt.Errorf("handle for %q already registered as %q", id, prev)
	}
	r.handles[id] = handle
	return nil
}

// Get returns the handle for id.
func (r *HandleRegistry) Get(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// Snapshot returns a copy of every registered handle.
func (r *HandleRegistry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.handles))
	for k, v := range r.handles {
		out[k] = v
	}
	return out
}
