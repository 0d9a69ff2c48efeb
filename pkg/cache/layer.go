package cache

import (
	"io"
	"log/slog"
	"time"
)

// NoOp is a cache layer that doesn't store any items. Every put resource is closed right away.
// It is used when cache is disabled.
type NoOp[K comparable, V Resource] struct { // Implements Layer.
}

var _ Layer[int, io.Closer] = (*NoOp[int, io.Closer])(nil)

// NewNoOp returns a no-operation cache layer that does not store any items.
func NewNoOp[K comparable, V Resource]() *NoOp[K, V] {
	return &NoOp[K, V]{}
}

// Put closes the value, since nothing would ever release it otherwise.
func (n *NoOp[K, V]) Put(key K, value V) {
	n.PutWithTTL(key, value, 0)
}

// PutWithTTL closes the value, since nothing would ever release it otherwise.
func (n *NoOp[K, V]) PutWithTTL(key K, value V, _ time.Duration) {
	if err := closeResource(value); err != nil {
		cacheCloseFailures.WithLabelValues("sync").Inc()
		slog.Error("Failed to close a resource put in a disabled cache.", "key", key, "error", err)
	}
}

// Get always returns false, indicating the key is not found.
func (n *NoOp[K, V]) Get(key K) (V, bool) {
	cacheLookups.WithLabelValues("miss").Inc()
	return *new(V), false
}

func (n *NoOp[K, V]) Release(K) {}

// Remove always returns false, as there are no items stored.
func (n *NoOp[K, V]) Remove(K) (V, bool, error) {
	return *new(V), false, nil
}

func (n *NoOp[K, V]) RemoveAll() error { return nil }

func (n *NoOp[K, V]) Size() int { return 0 }

// Values always returns nil, as there are no items stored.
func (n *NoOp[K, V]) Values() []V { return nil }

// Keys always returns nil, as there are no keys stored.
func (n *NoOp[K, V]) Keys() []K { return nil }

func (n *NoOp[K, V]) Close() error { return nil }
