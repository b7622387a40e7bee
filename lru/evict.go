package lru

import "github.com/rselbach/shared"

// OnEvictFunc is called when an entry leaves the cache. The handle is the
// cache's own reference and is released when the callback returns; call
// [shared.Handle.Clone] to keep the value.
type OnEvictFunc[K comparable, V any] func(key K, value *shared.Handle[V])

// dropped is a reference the cache gave up while holding its lock. It is
// handed to the callback and released after the lock is gone, because the
// release may run a finalizer that calls back into the cache.
type dropped[K comparable, V any] struct {
	key    K
	val    *shared.Handle[V]
	notify bool
}

func evicted[K comparable, V any](e *entry[K, V]) dropped[K, V] {
	return dropped[K, V]{key: e.key, val: e.val, notify: true}
}

// replaced is for references dropped by an update; updates are not evictions.
func replaced[K comparable, V any](e *entry[K, V]) dropped[K, V] {
	return dropped[K, V]{key: e.key, val: e.val}
}

func releaseAll[K comparable, V any](onEvict OnEvictFunc[K, V], ds ...dropped[K, V]) {
	for _, d := range ds {
		if d.notify && onEvict != nil {
			onEvict(d.key, d.val)
		}
		d.val.Release()
	}
}
