package query

import (
	"sync"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
)

// registry holds the active subscription query ids per routing context.
type registry struct {
	mu       sync.Mutex
	contexts map[string]map[string]struct{}
}

func newRegistry() *registry {
	return &registry{contexts: make(map[string]map[string]struct{})}
}

func (r *registry) add(routingContext, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids, ok := r.contexts[routingContext]
	if !ok {
		ids = make(map[string]struct{})
		r.contexts[routingContext] = ids
	}
	if _, exists := ids[id]; exists {
		return dispatcherrors.NewRegistryConflictError(routingContext, id)
	}
	ids[id] = struct{}{}
	return nil
}

func (r *registry) remove(routingContext, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids, ok := r.contexts[routingContext]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(r.contexts, routingContext)
	}
}

// evict drops every id of routingContext and returns how many there were.
func (r *registry) evict(routingContext string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.contexts[routingContext])
	delete(r.contexts, routingContext)
	return n
}

func (r *registry) active(routingContext string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts[routingContext])
}

func (r *registry) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ids := range r.contexts {
		n += len(ids)
	}
	return n
}
