package lru

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rselbach/shared"
)

// ErrInvalidTTL is returned when a TTL less than or equal to zero is configured.
var ErrInvalidTTL = errors.New("TTL must be greater than zero")

// Expirable represents a thread-safe, fixed-size LRU cache of shared values
// with expiry. Each entry has an absolute expiration time set when written via
// [Expirable.Set] or [Expirable.GetOrSet]. The TTL is not refreshed on reads
// (no sliding expiration).
// An Expirable must be created with [NewExpirable] or [MustNewExpirable]; the zero value is not ready for use.
type Expirable[K comparable, V any] struct {
	capacity int
	items    map[K]*entry[K, V]
	ll       list[K, V]
	mu       sync.RWMutex
	ttl      time.Duration
	timeNow  func() time.Time  // for testing
	onEvict  OnEvictFunc[K, V] // callback for evictions
	sfGroup  singleflight.Group
}

// setOptions holds optional parameters for Set operations.
type setOptions struct {
	ttl time.Duration
}

// SetOption is a functional option for [Expirable.Set], [Expirable.GetOrSet],
// and [Expirable.GetOrSetSingleflight].
type SetOption func(*setOptions)

// WithTTL sets a custom TTL for the entry being set, overriding the cache's default TTL.
// If ttl is zero or negative, the cache's default TTL is used instead.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
	}
}

// NewExpirable creates a new LRU cache with the given capacity and TTL.
// Reads (Get, Peek, GetWithTTL) do not extend an entry's TTL.
// The capacity must be greater than zero, and the TTL must be greater than zero.
func NewExpirable[K comparable, V any](capacity int, ttl time.Duration) (*Expirable[K, V], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}

	return &Expirable[K, V]{
		capacity: capacity,
		items:    make(map[K]*entry[K, V], capacity),
		ttl:      ttl,
		timeNow:  time.Now,
	}, nil
}

// MustNewExpirable creates a new LRU cache with the given capacity and TTL.
// It panics if the capacity or TTL is less than or equal to zero.
func MustNewExpirable[K comparable, V any](capacity int, ttl time.Duration) *Expirable[K, V] {
	cache, err := NewExpirable[K, V](capacity, ttl)
	if err != nil {
		panic(err)
	}
	return cache
}

func (c *Expirable[K, V]) expired(e *entry[K, V], now time.Time) bool {
	return now.After(e.expiry)
}

func (c *Expirable[K, V]) ttlFor(opts []SetOption) time.Duration {
	opt := setOptions{}
	for _, o := range opts {
		o(&opt)
	}
	if opt.ttl > 0 {
		return opt.ttl
	}
	return c.ttl
}

// unlinkLocked drops e from the index and the list. It assumes the mutex is
// already locked.
func (c *Expirable[K, V]) unlinkLocked(e *entry[K, V]) {
	delete(c.items, e.key)
	c.ll.remove(e)
}

// Get retrieves a clone of the value stored under key, if present and not
// expired, and moves the entry to the front of the LRU list.
// Expired items are removed when accessed.
func (c *Expirable[K, V]) Get(key K) (*shared.Handle[V], bool) {
	h, _, found := c.GetWithTTL(key)
	return h, found
}

// Peek is like [Expirable.Get] but does not affect eviction order.
//
// Note: Unlike [Expirable.Get], expired items are not removed from the cache.
// Use [Expirable.RemoveExpired] to explicitly purge expired entries.
func (c *Expirable[K, V]) Peek(key K) (*shared.Handle[V], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, found := c.items[key]
	if !found || c.expired(e, c.timeNow()) {
		return nil, false
	}

	return e.val.Clone(), true
}

// GetWithTTL retrieves a clone of the value and its remaining TTL.
// Expired items are removed when accessed.
func (c *Expirable[K, V]) GetWithTTL(key K) (*shared.Handle[V], time.Duration, bool) {
	c.mu.Lock()

	e, found := c.items[key]
	if !found {
		c.mu.Unlock()
		return nil, 0, false
	}

	now := c.timeNow()
	if c.expired(e, now) {
		d := evicted(e)
		onEvict := c.onEvict
		c.unlinkLocked(e)
		c.mu.Unlock()

		releaseAll(onEvict, d)
		return nil, 0, false
	}

	c.ll.moveToFront(e)
	ttl := max(e.expiry.Sub(now), 0)
	h := e.val.Clone()
	c.mu.Unlock()

	return h, ttl, true
}

// GetOrSet retrieves a value from the cache by key, or computes and sets it if not present or expired.
// Ownership of the handle returned by compute moves into the cache; the
// caller receives its own clone.
// Note: if multiple goroutines call GetOrSet concurrently for the same missing/expired key,
// compute may be called multiple times but only one result will be cached.
//
// Options can be passed to customize the entry, such as [WithTTL] to override
// the cache's default TTL for this specific entry.
func (c *Expirable[K, V]) GetOrSet(key K, compute func() (*shared.Handle[V], error), opts ...SetOption) (*shared.Handle[V], error) {
	// fast path: check if item exists and is not expired
	if h, found := c.Get(key); found {
		return h, nil
	}

	// compute the value outside the lock to avoid deadlock if compute
	// calls back into the cache
	h, err := compute()
	if err != nil {
		return nil, err
	}
	return c.adopt(key, h, c.ttlFor(opts))
}

// GetOrSetSingleflight is like [Expirable.GetOrSet], but concurrent calls for
// the same missing or expired key share a single call to compute.
//
// The singleflight deduplication only applies to concurrent in-flight calls; once a value is cached,
// subsequent calls return the cached value without invoking singleflight.
func (c *Expirable[K, V]) GetOrSetSingleflight(key K, compute func() (*shared.Handle[V], error), opts ...SetOption) (*shared.Handle[V], error) {
	// fast path: check if item exists and is not expired
	if h, found := c.Get(key); found {
		return h, nil
	}

	ttl := c.ttlFor(opts)
	_, err, _ := c.sfGroup.Do(fmt.Sprintf("%v", key), func() (any, error) {
		if c.Contains(key) {
			return nil, nil
		}

		h, err := compute()
		if err != nil {
			return nil, err
		}
		out, err := c.adopt(key, h, ttl)
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
	return c.GetOrSet(key, compute, opts...)
}

// adopt stores h under key unless a live entry already exists, and returns a
// clone of whatever is cached.
func (c *Expirable[K, V]) adopt(key K, h *shared.Handle[V], ttl time.Duration) (*shared.Handle[V], error) {
	if h.IsEmpty() {
		return nil, shared.ErrEmptyHandle
	}

	c.mu.Lock()
	// check again in case it was added while we were computing
	var ds []dropped[K, V]
	if e, found := c.items[key]; found {
		if !c.expired(e, c.timeNow()) {
			c.ll.moveToFront(e)
			out := e.val.Clone()
			c.mu.Unlock()

			h.Release()
			return out, nil
		}
		ds = append(ds, evicted(e))
		c.unlinkLocked(e)
	}

	out := h.Clone()
	ds = append(ds, c.setLocked(key, h.Move(), ttl)...)
	onEvict := c.onEvict
	c.mu.Unlock()

	releaseAll(onEvict, ds...)
	return out, nil
}

// Set stores a clone of h under key; the caller keeps its own reference.
// If the key already exists, its value and expiry are replaced.
// If the cache is at capacity, the least recently used item is evicted.
// Expired items are removed lazily on access or via RemoveExpired.
//
// Options can be passed to customize the entry, such as [WithTTL] to override
// the cache's default TTL for this specific entry.
func (c *Expirable[K, V]) Set(key K, h *shared.Handle[V], opts ...SetOption) error {
	if h.IsEmpty() {
		return shared.ErrEmptyHandle
	}
	ttl := c.ttlFor(opts)
	owned := h.Clone()

	c.mu.Lock()
	ds := c.setLocked(key, owned, ttl)
	onEvict := c.onEvict
	c.mu.Unlock()

	releaseAll(onEvict, ds...)
	return nil
}

// setLocked adds or updates an item and takes ownership of h.
// It assumes the mutex is already locked.
func (c *Expirable[K, V]) setLocked(key K, h *shared.Handle[V], ttl time.Duration) []dropped[K, V] {
	expiry := c.timeNow().Add(ttl)

	// if key exists, update value and expiry and move to front
	if e, found := c.items[key]; found {
		c.ll.moveToFront(e)
		old := replaced(e)
		e.val = h
		e.expiry = expiry
		return []dropped[K, V]{old}
	}

	var ds []dropped[K, V]
	// if we're at capacity, remove the least recently used item
	if len(c.items) >= c.capacity {
		if oldest := c.ll.tail; oldest != nil {
			ds = append(ds, evicted(oldest))
			c.unlinkLocked(oldest)
		}
	}

	e := &entry[K, V]{
		key:    key,
		val:    h,
		expiry: expiry,
	}
	c.ll.pushFront(e)
	c.items[key] = e
	return ds
}

// Remove deletes an item from the cache by key and releases the cache's
// reference. It returns whether the key was found and removed.
func (c *Expirable[K, V]) Remove(key K) bool {
	c.mu.Lock()
	e, found := c.items[key]
	if !found {
		c.mu.Unlock()
		return false
	}

	d := evicted(e)
	onEvict := c.onEvict
	c.unlinkLocked(e)
	c.mu.Unlock()

	releaseAll(onEvict, d)
	return true
}

// Len returns the current number of non-expired items in the cache.
//
// Note: This method does not remove expired entries; it only excludes them from the count.
// Use [Expirable.RemoveExpired] to explicitly purge expired entries.
func (c *Expirable[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	now := c.timeNow()
	for _, e := range c.items {
		if !c.expired(e, now) {
			count++
		}
	}

	return count
}

// Clear removes all items from the cache and releases the cache's references.
//
// If an eviction callback is set, it is called only for entries that have not
// yet expired at the time of clearing.
func (c *Expirable[K, V]) Clear() {
	c.mu.Lock()
	onEvict := c.onEvict
	now := c.timeNow()

	ds := make([]dropped[K, V], 0, len(c.items))
	for e := c.ll.head; e != nil; e = e.next {
		d := evicted(e)
		d.notify = !c.expired(e, now)
		ds = append(ds, d)
	}

	c.items = make(map[K]*entry[K, V], c.capacity)
	c.ll.reset()
	c.mu.Unlock()

	releaseAll(onEvict, ds...)
}

// Contains checks if a key exists in the cache and is not expired.
//
// Note: This method does not remove expired entries from the cache.
// Use [Expirable.RemoveExpired] to explicitly purge expired entries.
func (c *Expirable[K, V]) Contains(key K) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, found := c.items[key]
	return found && !c.expired(e, c.timeNow())
}

// Keys returns a slice of all keys in the cache that haven't expired.
// The order is from most recently used to least recently used.
func (c *Expirable[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.timeNow()
	keys := make([]K, 0, len(c.items))
	for e := c.ll.head; e != nil; e = e.next {
		if !c.expired(e, now) {
			keys = append(keys, e.key)
		}
	}

	return keys
}

// Capacity returns the maximum capacity of the cache.
func (c *Expirable[K, V]) Capacity() int {
	return c.capacity
}

// TTL returns the time-to-live duration for cache entries.
func (c *Expirable[K, V]) TTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttl
}

// SetTTL updates the TTL for future cache entries.
// It does not affect existing entries.
func (c *Expirable[K, V]) SetTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.ttl = ttl
	return nil
}

// OnEvict sets a callback function that will be called when an entry is evicted from the cache.
// This includes both manual removals and automatic evictions due to capacity or expiry.
//
// The callback is invoked after the cache's internal lock is released and may be called
// concurrently from multiple goroutines. It must be safe for concurrent use.
func (c *Expirable[K, V]) OnEvict(f OnEvictFunc[K, V]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onEvict = f
}

// SetTimeNowFunc replaces the function used to get the current time.
// This is primarily useful for testing. Passing nil resets to time.Now.
func (c *Expirable[K, V]) SetTimeNowFunc(f func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f == nil {
		f = time.Now
	}
	c.timeNow = f
}

// RemoveExpired explicitly removes all expired items from the cache and
// releases the cache's references to them. Returns the number of items removed.
// This method will call the eviction callback for each expired item if one is set.
func (c *Expirable[K, V]) RemoveExpired() int {
	c.mu.Lock()

	now := c.timeNow()
	var ds []dropped[K, V]
	for e := c.ll.head; e != nil; {
		next := e.next
		if c.expired(e, now) {
			ds = append(ds, evicted(e))
			c.unlinkLocked(e)
		}
		e = next
	}

	onEvict := c.onEvict
	c.mu.Unlock()

	releaseAll(onEvict, ds...)
	return len(ds)
}
