// This module implements cache sharding which distributes keys uniformly across cache shards. Every RefCache has a
// single RWMutex and a put scans all of its entries, so sharding both spreads lock contention and keeps each eviction
// scan short. A key is always served by the same shard, which keeps its reference count in one place.

package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/refcache/pkg/utils"
)

// Sharded is a cache implementation that distributes keys across multiple underlying cache instances (shards).
type Sharded[K comparable, V Resource] struct { // Implements Layer.
	shards []Layer[K, V]
	hash   func(key K) uint64 // Helps choose the shards index.
}

var _ Layer[string, io.Closer] = (*Sharded[string, io.Closer])(nil)

// NewSharded is the constructor for Sharded. It takes a cacheGenerator function, which is responsible for creating
// individual shard instances, and the desired number of shards (shardCount).
func NewSharded[K comparable, V Resource](cacheGenerator func() Layer[K, V], shardCount int) *Sharded[K, V] {
	// Ensure there is at least one shard.
	if shardCount <= 0 {
		utils.RaiseInvariant("shard", "negative_shard_count",
			"Invalid shard count has been given to sharded cache.", "shardCount", shardCount)
		shardCount = 1
	}
	sharded := &Sharded[K, V]{shards: make([]Layer[K, V], shardCount), hash: newKeyHasher[K]()}
	for i := range shardCount {
		sharded.shards[i] = cacheGenerator()
	}
	return sharded
}

// newKeyHasher picks a hash function for K once, so that getShard doesn't type switch on every call.
func newKeyHasher[K comparable]() func(key K) uint64 {
	hashUint64 := func(v uint64) uint64 {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		return xxhash.Sum64(b[:])
	}
	switch any(*new(K)).(type) {
	case string:
		return func(key K) uint64 { return xxhash.Sum64String(any(key).(string)) }
	case int:
		// Since int's size is architecture-dependent, we cast it to a fixed-size type before hashing.
		return func(key K) uint64 { return hashUint64(uint64(any(key).(int))) }
	case uint:
		return func(key K) uint64 { return hashUint64(uint64(any(key).(uint))) }
	case int32:
		return func(key K) uint64 { return hashUint64(uint64(any(key).(int32))) }
	case uint32:
		return func(key K) uint64 { return hashUint64(uint64(any(key).(uint32))) }
	case int64:
		return func(key K) uint64 { return hashUint64(uint64(any(key).(int64))) }
	case uint64:
		return func(key K) uint64 { return hashUint64(any(key).(uint64)) }
	case bool:
		return func(key K) uint64 {
			if any(key).(bool) {
				return xxhash.Sum64([]byte{1})
			}
			return xxhash.Sum64([]byte{0})
		}
	default:
		// As a fallback for other types (like structs), use fmt.Sprintf. This is less performant but works for any
		// type that can be printed.
		return func(key K) uint64 { return xxhash.Sum64String(fmt.Sprintf("%#v", key)) }
	}
}

// getShard determines which shard a given key belongs to.
func (c *Sharded[K, V]) getShard(key K) Layer[K, V] {
	return c.shards[c.hash(key)%uint64(len(c.shards))]
}

func (c *Sharded[K, V]) Put(key K, value V) {
	c.getShard(key).Put(key, value)
}

func (c *Sharded[K, V]) PutWithTTL(key K, value V, ttl time.Duration) {
	c.getShard(key).PutWithTTL(key, value, ttl)
}

func (c *Sharded[K, V]) Get(key K) (V, bool /*found*/) {
	return c.getShard(key).Get(key)
}

func (c *Sharded[K, V]) Release(key K) {
	c.getShard(key).Release(key)
}

func (c *Sharded[K, V]) Remove(key K) (V, bool /*found*/, error) {
	return c.getShard(key).Remove(key)
}

// RemoveAll empties every shard. A failing shard doesn't stop the others.
func (c *Sharded[K, V]) RemoveAll() error {
	errs := make([]error, 0)
	for _, shard := range c.shards {
		if err := shard.RemoveAll(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Sharded[K, V]) Size() int {
	size := 0
	for _, shard := range c.shards {
		size += shard.Size()
	}
	return size
}

// Values aggregates the values of all shards. Shards are visited one by one, so the result is not a single point in
// time snapshot.
func (c *Sharded[K, V]) Values() []V {
	values := make([]V, 0)
	for _, shard := range c.shards {
		values = append(values, shard.Values()...)
	}
	return values
}

// Keys aggregates the keys from all shards into a single slice.
func (c *Sharded[K, V]) Keys() []K {
	keys := make([]K, 0)
	for _, shard := range c.shards {
		keys = append(keys, shard.Keys()...)
	}
	return keys
}

// Close closes every shard and joins their errors.
func (c *Sharded[K, V]) Close() error {
	errs := make([]error, 0)
	for _, shard := range c.shards {
		if err := shard.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
