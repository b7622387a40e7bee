package lru

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"

	"github.com/rselbach/shared"
)

// DefaultShardCount is the default number of shards for a Sharded cache.
const DefaultShardCount = 16

// ErrInvalidShardCount is returned when a sharded cache is created with a
// shard count less than or equal to zero.
var ErrInvalidShardCount = errors.New("shard count must be greater than zero")

// Sharded represents a thread-safe, sharded LRU cache of shared values.
// It distributes keys across multiple Cache instances to reduce lock contention
// under high concurrency. Each shard is an independent LRU cache with its own lock.
type Sharded[K comparable, V any] struct {
	shards   []*Cache[K, V]
	seed     uint64
	capacity int // total capacity across all shards
}

// NewSharded creates a new sharded LRU cache with the given total capacity.
// The capacity is distributed evenly across DefaultShardCount shards.
// The capacity must be greater than zero.
func NewSharded[K comparable, V any](capacity int) (*Sharded[K, V], error) {
	return NewShardedWithCount[K, V](capacity, DefaultShardCount)
}

// MustNewSharded creates a new sharded LRU cache with the given total capacity.
// It panics if the capacity is less than or equal to zero.
func MustNewSharded[K comparable, V any](capacity int) *Sharded[K, V] {
	cache, err := NewSharded[K, V](capacity)
	if err != nil {
		panic(err)
	}
	return cache
}

// NewShardedWithCount creates a new sharded LRU cache with the given total capacity
// and number of shards. The capacity is distributed evenly across all shards.
// Both capacity and shardCount must be greater than zero; shardCount is
// clamped to capacity.
func NewShardedWithCount[K comparable, V any](capacity, shardCount int) (*Sharded[K, V], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if shardCount <= 0 {
		return nil, ErrInvalidShardCount
	}

	// every shard needs room for at least one entry
	shardCount = min(shardCount, capacity)

	// distribute capacity evenly, with remainder going to first shards
	perShard := capacity / shardCount
	remainder := capacity % shardCount

	shards := make([]*Cache[K, V], shardCount)
	for i := range shards {
		shardCap := perShard
		if i < remainder {
			shardCap++
		}
		shard, err := New[K, V](shardCap)
		if err != nil {
			return nil, err
		}
		shards[i] = shard
	}

	return &Sharded[K, V]{
		shards:   shards,
		seed:     rand.Uint64(),
		capacity: capacity,
	}, nil
}

// MustNewShardedWithCount creates a new sharded LRU cache with the given total capacity
// and number of shards. It panics if the capacity or shard count is less than or equal to zero.
func MustNewShardedWithCount[K comparable, V any](capacity, shardCount int) *Sharded[K, V] {
	cache, err := NewShardedWithCount[K, V](capacity, shardCount)
	if err != nil {
		panic(err)
	}
	return cache
}

func (s *Sharded[K, V]) getShard(key K) *Cache[K, V] {
	return s.shards[s.shardIndex(key)]
}

// shardIndex hashes key with xxhash. Integer and string keys are encoded
// directly; other comparable types go through fmt.
func (s *Sharded[K, V]) shardIndex(key K) int {
	d := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], s.seed)
	d.Write(buf[:])

	switch k := any(key).(type) {
	case string:
		d.WriteString(k)
	case int:
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(k)))
		d.Write(buf[:])
	case int64:
		binary.LittleEndian.PutUint64(buf[:], uint64(k))
		d.Write(buf[:])
	case int32:
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(k)))
		d.Write(buf[:])
	case uint:
		binary.LittleEndian.PutUint64(buf[:], uint64(k))
		d.Write(buf[:])
	case uint64:
		binary.LittleEndian.PutUint64(buf[:], k)
		d.Write(buf[:])
	case uint32:
		binary.LittleEndian.PutUint64(buf[:], uint64(k))
		d.Write(buf[:])
	default:
		d.WriteString(fmt.Sprint(key))
	}

	return int(d.Sum64() % uint64(len(s.shards)))
}

// Get retrieves a clone of the value stored under key and moves it to the
// front of its shard's LRU list.
func (s *Sharded[K, V]) Get(key K) (*shared.Handle[V], bool) {
	return s.getShard(key).Get(key)
}

// Peek is like [Sharded.Get] but does not affect eviction order.
func (s *Sharded[K, V]) Peek(key K) (*shared.Handle[V], bool) {
	return s.getShard(key).Peek(key)
}

// GetOrSet retrieves a value from the cache by key, or computes and sets it if not present.
// See [Cache.GetOrSet].
func (s *Sharded[K, V]) GetOrSet(key K, compute func() (*shared.Handle[V], error)) (*shared.Handle[V], error) {
	return s.getShard(key).GetOrSet(key, compute)
}

// GetOrSetSingleflight is like [Sharded.GetOrSet] but deduplicates concurrent
// computes for the same key. See [Cache.GetOrSetSingleflight].
func (s *Sharded[K, V]) GetOrSetSingleflight(key K, compute func() (*shared.Handle[V], error)) (*shared.Handle[V], error) {
	return s.getShard(key).GetOrSetSingleflight(key, compute)
}

// Set stores a clone of h under key.
// If the shard is at capacity, the least recently used item in that shard is evicted.
func (s *Sharded[K, V]) Set(key K, h *shared.Handle[V]) error {
	return s.getShard(key).Set(key, h)
}

// Remove deletes an item from the cache by key.
// It returns whether the key was found and removed.
func (s *Sharded[K, V]) Remove(key K) bool {
	return s.getShard(key).Remove(key)
}

// Len returns the current number of items in the cache across all shards.
func (s *Sharded[K, V]) Len() int {
	total := 0
	for _, shard := range s.shards {
		total += shard.Len()
	}
	return total
}

// Clear removes all items from all shards.
func (s *Sharded[K, V]) Clear() {
	for _, shard := range s.shards {
		shard.Clear()
	}
}

// Contains checks if a key exists in the cache.
func (s *Sharded[K, V]) Contains(key K) bool {
	return s.getShard(key).Contains(key)
}

// Keys returns a slice of all keys in the cache.
// The order is from most recently used to least recently used within each shard,
// with shards processed in order. Note that the global LRU order is not preserved
// across shards.
func (s *Sharded[K, V]) Keys() []K {
	keys := make([]K, 0, s.Len())
	for _, shard := range s.shards {
		keys = append(keys, shard.Keys()...)
	}
	return keys
}

// Capacity returns the maximum total capacity of the cache.
func (s *Sharded[K, V]) Capacity() int {
	return s.capacity
}

// ShardCount returns the number of shards in the cache.
func (s *Sharded[K, V]) ShardCount() int {
	return len(s.shards)
}

// OnEvict sets a callback function that will be called when an entry is evicted
// from any shard.
func (s *Sharded[K, V]) OnEvict(f OnEvictFunc[K, V]) {
	for _, shard := range s.shards {
		shard.OnEvict(f)
	}
}
