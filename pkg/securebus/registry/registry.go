package registry

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// Registry is a keyed store guarded by a sync.RWMutex.
type Registry[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// New creates an empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{entries: make(map[K]V)}
}

// Register adds or replaces the value for key.
func (r *Registry[K, V]) Register(key K, value V) {
	r.mu.Lock()
	r.entries[key] = value
	r.mu.Unlock()
}

// RegisterIfAbsent stores value only when key is unused and reports whether
// it did.
func (r *Registry[K, V]) RegisterIfAbsent(key K, value V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.entries[key]; taken {
		return false
	}
	r.entries[key] = value
	return true
}

// Get returns the value for key.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

// Has reports whether key is registered.
func (r *Registry[K, V]) Has(key K) bool {
	_, ok := r.Get(key)
	return ok
}

// Delete removes key and reports whether it was present.
func (r *Registry[K, V]) Delete(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	delete(r.entries, key)
	return ok
}

// Len returns the number of entries.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// snapshot copies the entries under the read lock.
func (r *Registry[K, V]) snapshot() map[K]V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.entries)
}

// Keys returns all keys in unspecified order.
func (r *Registry[K, V]) Keys() []K {
	return slices.Collect(maps.Keys(r.snapshot()))
}

// Values returns all values in unspecified order.
func (r *Registry[K, V]) Values() []V {
	return slices.Collect(maps.Values(r.snapshot()))
}

// Range calls fn for each entry of a snapshot until fn returns false. fn may
// modify the registry.
func (r *Registry[K, V]) Range(fn func(K, V) bool) {
	for k, v := range r.snapshot() {
		if !fn(k, v) {
			return
		}
	}
}

// Counters is a set of named monotonic counters created on first use.
type Counters struct {
	reg *Registry[string, *atomic.Int64]
}

// NewCounters creates an empty counter set.
func NewCounters() *Counters {
	return &Counters{reg: New[string, *atomic.Int64]()}
}

// Inc adds one to the counter named key.
func (c *Counters) Inc(key string) {
	c.get(key).Add(1)
}

// Value returns the current count for key, zero when never incremented.
func (c *Counters) Value(key string) int64 {
	if n, ok := c.reg.Get(key); ok {
		return n.Load()
	}
	return 0
}

func (c *Counters) get(key string) *atomic.Int64 {
	if n, ok := c.reg.Get(key); ok {
		return n
	}
	n := new(atomic.Int64)
	if c.reg.RegisterIfAbsent(key, n) {
		return n
	}
	n, _ = c.reg.Get(key)
	return n
}

// Snapshot returns the current value of every counter.
func (c *Counters) Snapshot() map[string]int64 {
	out := make(map[string]int64, c.reg.Len())
	c.reg.Range(func(k string, v *atomic.Int64) bool {
		out[k] = v.Load()
		return true
	})
	return out
}
