package subscription

import "sync"

// Registry is an insertion-ordered set of subscriptions.
// It is safe for concurrent use; all mutations are mutually exclusive.
type Registry struct {
	mu    sync.RWMutex
	order []Subscription
	index map[Subscription]int // subscription → position in order
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		index: make(map[Subscription]int),
	}
}

// Add inserts sub and reports whether it was new.
// Adding an existing subscription is a no-op returning false.
func (r *Registry) Add(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[sub]; ok {
		return false
	}
	r.index[sub] = len(r.order)
	r.order = append(r.order, sub)
	return true
}

// Remove deletes sub and reports whether it was present.
func (r *Registry) Remove(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, ok := r.index[sub]
	if !ok {
		return false
	}

	copy(r.order[pos:], r.order[pos+1:])
	r.order[len(r.order)-1] = Subscription{}
	r.order = r.order[:len(r.order)-1]
	delete(r.index, sub)

	// Shift positions of everything that moved down
	for i := pos; i < len(r.order); i++ {
		r.index[r.order[i]] = i
	}
	return true
}

// Contains reports whether sub is registered.
func (r *Registry) Contains(sub Subscription) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[sub]
	return ok
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Snapshot returns a copy of the registered subscriptions in insertion order.
func (r *Registry) Snapshot() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, len(r.order))
	copy(out, r.order)
	return out
}
