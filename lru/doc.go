// Package lru provides thread-safe LRU caches of reference-counted values.
//
// Three cache types are provided:
//
//   - [Cache]: an LRU cache with fixed capacity
//   - [Expirable]: an LRU cache with per-entry TTL expiration
//   - [Sharded]: a set of [Cache] shards keyed by an xxhash of the key
//
// Every cache holds one strong [shared.Handle] per entry. Lookups hand out
// clones, so a value stays alive after eviction for as long as a caller
// still holds it, and its release function runs once the last holder lets go.
//
// # Basic Usage
//
//	cache := lru.MustNew[string, *Conn](100)
//
//	h := shared.New(conn, shared.WithCloser())
//	err := cache.Set("db", h) // the cache keeps its own reference
//	h.Release()
//
//	if c, found := cache.Get("db"); found {
//	    defer c.Release()
//	    use(c.MustGet())
//	}
//
// # Memoization with GetOrSet
//
// Ownership of the handle returned by compute moves into the cache; the caller
// gets a clone:
//
//	c, err := cache.GetOrSet("db", func() (*shared.Handle[*Conn], error) {
//	    conn, err := dial()
//	    if err != nil {
//	        return nil, err
//	    }
//	    return shared.New(conn, shared.WithCloser()), nil
//	})
//
// [Cache.GetOrSetSingleflight] additionally collapses concurrent computes for
// the same key into one.
//
// # Expirable Cache
//
//	cache := lru.MustNewExpirable[string, *Conn](100, 5*time.Minute)
//	h, ttl, found := cache.GetWithTTL("db")
//
// Expired entries are removed lazily on access or when evicted for capacity.
// Call [Expirable.RemoveExpired] to explicitly purge all expired entries.
//
// # Eviction Callbacks
//
//	cache.OnEvict(func(key string, h *shared.Handle[*Conn]) {
//	    log.Printf("evicted %s (use_count=%d)", key, h.UseCount())
//	})
//
// The callback receives the cache's own reference, which is released when the
// callback returns. Clone it to keep the value. Callbacks run outside the
// cache lock for capacity evictions, explicit removals and Clear; updates of
// an existing key release the old value without a callback. For
// [Expirable.Clear], callbacks are only invoked for entries that have not yet
// expired, but every entry is released.
package lru
