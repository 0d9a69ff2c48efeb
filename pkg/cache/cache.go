// Package cache keeps resources that must be closed explicitly, e.g. open files, in memory for reuse.
// This module provides an interface on caching, making single shard caches, multi shard caches and the disabled
// cache have the same API.

package cache

import "time"

// Layer defines the interface of a reference counted resource cache. This allows RefCache, Sharded and NoOp to be
// used interchangeably.
type Layer[K comparable, V Resource] interface {
	// Put inserts or replaces the value with the default TTL; the caller holds one reference.
	Put(key K, value V)
	// PutWithTTL inserts or replaces the value with the given TTL; the caller holds one reference.
	PutWithTTL(key K, value V, ttl time.Duration)
	// Get returns value from cache for given key and a boolean indicating whether key was found. A found value is
	// borrowed until Release is called.
	Get(key K) (V, bool)
	Release(key K) // Returns a borrow taken by Put or Get.
	// Remove detaches the key and closes its value synchronously.
	Remove(key K) (V, bool, error)
	RemoveAll() error // Removes and closes all values synchronously.
	Size() int        // Returns the number of live entries.
	Values() []V      // Returns a snapshot of all live values.
	Keys() []K        // Returns a snapshot of all live keys.
	Close() error     // Removes all values and stops background work.
}
