package lru

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rselbach/shared"
)

// ErrInvalidCapacity is returned when a cache is created with a capacity
// less than or equal to zero.
var ErrInvalidCapacity = errors.New("capacity must be greater than zero")

// Cache represents a thread-safe, fixed-size LRU cache of shared values.
// The cache holds one strong reference per entry; values handed out by the
// cache are clones that the caller must release.
// A Cache must be created with [New] or [MustNew]; the zero value is not ready for use.
type Cache[K comparable, V any] struct {
	capacity int
	items    map[K]*entry[K, V]
	ll       list[K, V]
	mu       sync.RWMutex
	onEvict  OnEvictFunc[K, V] // callback for evictions
	sfGroup  singleflight.Group
}

// New creates a new LRU cache with the given capacity.
// The capacity must be greater than zero.
func New[K comparable, V any](capacity int) (*Cache[K, V], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}

	return &Cache[K, V]{
		capacity: capacity,
		items:    make(map[K]*entry[K, V], capacity),
	}, nil
}

// MustNew creates a new LRU cache with the given capacity.
// It panics if the capacity is less than or equal to zero.
func MustNew[K comparable, V any](capacity int) *Cache[K, V] {
	cache, err := New[K, V](capacity)
	if err != nil {
		panic(err)
	}
	return cache
}

// Get retrieves a value from the cache by key and moves it to the front of
// the LRU list. The returned handle is owned by the caller and stays valid
// after the entry is evicted.
func (c *Cache[K, V]) Get(key K) (*shared.Handle[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.items[key]
	if !found {
		return nil, false
	}

	c.ll.moveToFront(e)
	return e.val.Clone(), true
}

// Peek is like [Cache.Get] but does not affect eviction order.
func (c *Cache[K, V]) Peek(key K) (*shared.Handle[V], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, found := c.items[key]
	if !found {
		return nil, false
	}

	return e.val.Clone(), true
}

// GetOrSet retrieves a value from the cache by key, or computes and sets it if not present.
// Ownership of the handle returned by compute moves into the cache; the
// caller receives its own clone.
// Note: if multiple goroutines call GetOrSet concurrently for the same missing key,
// compute may be called multiple times but only one result will be cached.
// Handles computed by the losers are released.
func (c *Cache[K, V]) GetOrSet(key K, compute func() (*shared.Handle[V], error)) (*shared.Handle[V], error) {
	// fast path: check if item exists
	if h, found := c.Get(key); found {
		return h, nil
	}

	// compute the value outside the lock to avoid deadlock if compute
	// calls back into the cache
	h, err := compute()
	if err != nil {
		return nil, err
	}
	return c.adopt(key, h)
}

// GetOrSetSingleflight is like [Cache.GetOrSet], but concurrent calls for the
// same missing key share a single call to compute.
//
// The singleflight deduplication only applies to concurrent in-flight calls; once a value is cached,
// subsequent calls return the cached value without invoking singleflight. If
// the computed entry is evicted before a waiting caller picks it up, that
// caller falls back to [Cache.GetOrSet].
func (c *Cache[K, V]) GetOrSetSingleflight(key K, compute func() (*shared.Handle[V], error)) (*shared.Handle[V], error) {
	// fast path: check if item exists
	if h, found := c.Get(key); found {
		return h, nil
	}

	// the flight publishes its result through the cache, so that every
	// caller ends up with a reference of its own
	_, err, _ := c.sfGroup.Do(fmt.Sprintf("%v", key), func() (any, error) {
		if c.Contains(key) {
			return nil, nil
		}

		h, err := compute()
		if err != nil {
			return nil, err
		}
		out, err := c.adopt(key, h)
		if err != nil {
			return nil, err
		}
		out.Release()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	if h, found := c.Get(key); found {
		return h, nil
	}
	return c.GetOrSet(key, compute)
}

// adopt stores the computed handle h under key unless another goroutine got
// there first, and returns a clone of whatever is cached.
func (c *Cache[K, V]) adopt(key K, h *shared.Handle[V]) (*shared.Handle[V], error) {
	if h.IsEmpty() {
		return nil, shared.ErrEmptyHandle
	}

	c.mu.Lock()
	// check again in case it was added while we were computing
	if e, found := c.items[key]; found {
		c.ll.moveToFront(e)
		out := e.val.Clone()
		c.mu.Unlock()

		h.Release()
		return out, nil
	}

	out := h.Clone()
	ds := c.setLocked(key, h.Move())
	onEvict := c.onEvict
	c.mu.Unlock()

	releaseAll(onEvict, ds...)
	return out, nil
}

// Set stores a clone of h under key; the caller keeps its own reference.
// If the key already exists, the cache's reference to the old value is released.
// If the cache is at capacity, the least recently used item is evicted.
// Setting an empty handle returns [shared.ErrEmptyHandle].
func (c *Cache[K, V]) Set(key K, h *shared.Handle[V]) error {
	if h.IsEmpty() {
		return shared.ErrEmptyHandle
	}
	owned := h.Clone()

	c.mu.Lock()
	ds := c.setLocked(key, owned)
	onEvict := c.onEvict
	c.mu.Unlock()

	releaseAll(onEvict, ds...)
	return nil
}

// setLocked adds or updates an item and takes ownership of h.
// It assumes the mutex is already locked.
// Returns the references the cache dropped, to be released after unlocking.
func (c *Cache[K, V]) setLocked(key K, h *shared.Handle[V]) []dropped[K, V] {
	// if key exists, update value and move to front
	if e, found := c.items[key]; found {
		c.ll.moveToFront(e)
		old := replaced(e)
		e.val = h
		return []dropped[K, V]{old}
	}

	var ds []dropped[K, V]
	// if we're at capacity, remove the least recently used item
	if len(c.items) >= c.capacity {
		if oldest := c.ll.tail; oldest != nil {
			ds = append(ds, evicted(oldest))
			c.ll.remove(oldest)
			delete(c.items, oldest.key)
		}
	}

	e := &entry[K, V]{
		key: key,
		val: h,
	}
	c.ll.pushFront(e)
	c.items[key] = e
	return ds
}

// Remove deletes an item from the cache by key and releases the cache's
// reference. It returns whether the key was found and removed.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	e, found := c.items[key]
	if !found {
		c.mu.Unlock()
		return false
	}

	d := evicted(e)
	onEvict := c.onEvict

	delete(c.items, key)
	c.ll.remove(e)
	c.mu.Unlock()

	releaseAll(onEvict, d)
	return true
}

// Len returns the current number of items in the cache.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// Clear removes all items from the cache and releases the cache's references.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	onEvict := c.onEvict

	ds := make([]dropped[K, V], 0, len(c.items))
	for e := c.ll.head; e != nil; e = e.next {
		ds = append(ds, evicted(e))
	}

	c.items = make(map[K]*entry[K, V], c.capacity)
	c.ll.reset()
	c.mu.Unlock()

	releaseAll(onEvict, ds...)
}

// Contains checks if a key exists in the cache.
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, found := c.items[key]
	return found
}

// Keys returns a slice of all keys in the cache.
// The order is from most recently used to least recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]K, 0, len(c.items))
	for e := c.ll.head; e != nil; e = e.next {
		keys = append(keys, e.key)
	}

	return keys
}

// Capacity returns the maximum capacity of the cache.
func (c *Cache[K, V]) Capacity() int {
	return c.capacity
}

// OnEvict sets a callback function that will be called when an entry is evicted from the cache.
//
// The callback is invoked after the cache's internal lock is released and may be called
// concurrently from multiple goroutines. It must be safe for concurrent use.
func (c *Cache[K, V]) OnEvict(f OnEvictFunc[K, V]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onEvict = f
}
