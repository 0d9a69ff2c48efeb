// This module implements a cache for objects that own an external resource, e.g. file handles or sockets, which must
// be closed explicitly instead of being left to the garbage collector.
//
// Lifetime of an entry is bound by two signals:
//   - Reference count: Put and Get borrow the resource, Release returns a borrow. A borrowed entry is never evicted.
//   - TTL: an unreferenced entry that hasn't been accessed for longer than its TTL is evicted on the next Put (or by
//     the background sweeper if enabled) and closed by the deferred closer.
//
// A single RWMutex guards the membership of the value store and the metadata table. Get and Release only take the
// read lock since they mutate atomic counters inside the metadata, not the stores themselves.

package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nobletooth/refcache/pkg/utils"
)

const (
	DefaultTTL             = 10 * time.Second
	defaultCloserWorkers   = 4
	defaultCloserQueueSize = 1024
)

// ErrCloseFailed wraps every error returned by a cached resource's Close.
var ErrCloseFailed = errors.New("failed to close cached resource")

// Resource is a releasable object stored by RefCache. Implementations are compared with == to detect re-installs,
// so pointer types are the usual choice.
type Resource interface {
	comparable
	io.Closer
}

// Options tunes a RefCache. Zero values fall back to defaults.
type Options struct {
	DefaultTTL      time.Duration // TTL used by Put; DefaultTTL if zero.
	CloserWorkers   int           // Number of deferred closer goroutines.
	CloserQueueSize int           // Number of batches the deferred closer buffers before Put blocks.
	SweepInterval   time.Duration // Runs a background eviction scan every interval; disabled if zero.
	Clock           clock.Clock   // Source of time; the wall clock if nil.
}

// RefCache is a thread-safe, reference counted, TTL bound cache of closeable resources.
type RefCache[K comparable, V Resource] struct {
	mux      sync.RWMutex         // Guards the key sets of `values` and `metadata`, and `closed`.
	values   map[K]V              // Live resources.
	metadata map[K]*entryMetadata // Always holds the same key set as `values`.
	closed   bool                 // Set once by Close.
	closer   *deferredCloser[V]   // Closes evicted and overwritten resources off the put path.
	clock    clock.Clock
	ttl      time.Duration      // Default TTL of Put.
	cancel   context.CancelFunc // Stops the sweeper.
	sweeper  sync.WaitGroup
	logger   *slog.Logger
}

var _ Layer[string, io.Closer] = (*RefCache[string, io.Closer])(nil)

// NewRefCache is the constructor for RefCache. The background sweeper, if enabled, lives until `ctx` is done or the
// cache is closed. Callers must call Close to release the closer workers.
func NewRefCache[K comparable, V Resource](ctx context.Context, opts Options) *RefCache[K, V] {
	if opts.DefaultTTL < 0 {
		utils.RaiseInvariant("refcache", "negative_default_ttl",
			"Invalid default TTL has been given to resource cache.", "ttl", opts.DefaultTTL)
		opts.DefaultTTL = 0
	}
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.CloserWorkers <= 0 {
		opts.CloserWorkers = defaultCloserWorkers
	}
	if opts.CloserQueueSize <= 0 {
		opts.CloserQueueSize = defaultCloserQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	sweeperCtx, cancel := context.WithCancel(ctx)
	refCache := &RefCache[K, V]{
		values:   make(map[K]V),
		metadata: make(map[K]*entryMetadata),
		closer:   newDeferredCloser[V](opts.CloserWorkers, opts.CloserQueueSize),
		clock:    opts.Clock,
		ttl:      opts.DefaultTTL,
		cancel:   cancel,
		logger:   slog.With("module", "refcache"),
	}
	if opts.SweepInterval > 0 {
		// The ticker is created here so that clock advances right after construction are never missed.
		ticker := opts.Clock.Ticker(opts.SweepInterval)
		refCache.sweeper.Add(1)
		go refCache.sweep(sweeperCtx, ticker)
	}
	return refCache
}

// Put inserts or replaces `value` under `key` with the default TTL. See PutWithTTL.
func (c *RefCache[K, V]) Put(key K, value V) {
	c.PutWithTTL(key, value, c.ttl)
}

// PutWithTTL inserts or replaces `value` under `key`. The caller holds one reference to the new entry and must
// Release it. Before inserting, expired entries are evicted; they and a replaced value are closed in the background.
// A value being installed is never closed, even if it was just evicted under another key.
func (c *RefCache[K, V]) PutWithTTL(key K, value V, ttl time.Duration) {
	now := c.clock.Now()

	c.mux.Lock()
	if c.closed {
		c.mux.Unlock()
		c.logger.Warn("Put on a closed resource cache; closing the resource.", "key", key)
		if err := closeResource(value); err != nil {
			cacheCloseFailures.WithLabelValues("sync").Inc()
			c.logger.Error("Failed to close a rejected resource.", "key", key, "error", err)
		}
		return
	}
	expired := c.evictExpiredLocked(now)
	previous, replaced := c.values[key]
	c.values[key] = value
	c.metadata[key] = newEntryMetadata(now, ttl)
	c.mux.Unlock()

	batch := excludeFromBatch(expired, value)
	if len(batch) > 0 {
		cacheEvictions.WithLabelValues("expired").Add(float64(len(batch)))
	}
	if replaced && previous != value && !slices.Contains(batch, previous) {
		cacheEvictions.WithLabelValues("overwritten").Inc()
		batch = append(batch, previous)
	}
	if len(batch) == 0 {
		return
	}
	c.logger.Debug("Handing resources to the deferred closer.", "count", len(batch), "key", key)
	c.closer.submit(batch)
}

// Get returns the value stored under `key` and borrows it: the entry won't be evicted until Release is called.
func (c *RefCache[K, V]) Get(key K) (V, bool /*found*/) {
	c.mux.RLock()
	defer c.mux.RUnlock()

	meta, found := c.metadata[key]
	if !found {
		cacheLookups.WithLabelValues("miss").Inc()
		return *new(V), false
	}
	value, found := c.values[key]
	if !found {
		utils.RaiseInvariant("refcache", "metadata_without_value",
			"Found a metadata entry with no cached value.", "key", key)
		cacheLookups.WithLabelValues("miss").Inc()
		return *new(V), false
	}
	meta.acquire(c.clock.Now())
	cacheLookups.WithLabelValues("hit").Inc()
	return value, true
}

// Release returns a borrow of `key` taken by Put or Get. It's a no-op for missing keys. Releasing an entry with no
// outstanding borrows leaves the count at zero.
func (c *RefCache[K, V]) Release(key K) {
	c.mux.RLock()
	defer c.mux.RUnlock()

	meta, found := c.metadata[key]
	if !found {
		return
	}
	if !meta.release() {
		cacheOverReleases.Inc()
		c.logger.Warn("Released a resource with no outstanding borrows.", "key", key)
	}
}

// Remove detaches `key` from the cache and closes its value before returning it. The entry is removed even if
// closing fails; the close error wraps ErrCloseFailed.
func (c *RefCache[K, V]) Remove(key K) (V, bool /*found*/, error) {
	c.mux.Lock()
	value, found := c.values[key]
	if !found {
		if _, dangling := c.metadata[key]; dangling {
			utils.RaiseInvariant("refcache", "metadata_without_value",
				"Found a metadata entry with no cached value.", "key", key)
			delete(c.metadata, key)
		}
		c.mux.Unlock()
		return *new(V), false, nil
	}
	delete(c.values, key)
	delete(c.metadata, key)
	c.mux.Unlock()

	// Closed outside the lock, so slow teardown IO doesn't block other keys.
	if err := closeResource(value); err != nil {
		cacheCloseFailures.WithLabelValues("sync").Inc()
		return value, true, fmt.Errorf("%w: key %v: %w", ErrCloseFailed, key, err)
	}
	return value, true, nil
}

// RemoveAll empties the cache and closes every removed value before returning. All values are closed even if some
// fail; the failures are joined into the returned error.
func (c *RefCache[K, V]) RemoveAll() error {
	c.mux.Lock()
	detached := c.detachAllLocked()
	c.mux.Unlock()
	return closeDetached(detached)
}

// Size returns the number of live entries.
func (c *RefCache[K, V]) Size() int {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return len(c.values)
}

// Values returns a snapshot of the live values. It doesn't borrow them.
func (c *RefCache[K, V]) Values() []V {
	c.mux.RLock()
	defer c.mux.RUnlock()
	values := make([]V, 0, len(c.values))
	for _, value := range c.values {
		values = append(values, value)
	}
	return values
}

// Keys returns a snapshot of the live keys.
func (c *RefCache[K, V]) Keys() []K {
	c.mux.RLock()
	defer c.mux.RUnlock()
	keys := make([]K, 0, len(c.values))
	for key := range c.values {
		keys = append(keys, key)
	}
	return keys
}

// Sweep runs an eviction scan without inserting anything and returns the number of evicted entries.
func (c *RefCache[K, V]) Sweep() int {
	now := c.clock.Now()
	c.mux.Lock()
	batch := c.evictExpiredLocked(now)
	c.mux.Unlock()

	if len(batch) > 0 {
		cacheEvictions.WithLabelValues("expired").Add(float64(len(batch)))
		c.logger.Debug("Sweep evicted idle resources.", "count", len(batch))
		c.closer.submit(batch)
	}
	return len(batch)
}

// Close removes and closes every entry, stops the sweeper and waits for the deferred closer to drain. Later calls are
// no-ops. A Put after Close closes the given value right away.
func (c *RefCache[K, V]) Close() error {
	c.mux.Lock()
	if c.closed {
		c.mux.Unlock()
		return nil
	}
	c.closed = true
	detached := c.detachAllLocked()
	c.mux.Unlock()

	c.cancel()
	c.sweeper.Wait()
	err := closeDetached(detached)
	c.closer.stop()
	return err
}

// sweep is a background goroutine that runs an eviction scan on every tick.
func (c *RefCache[K, V]) sweep(ctx context.Context, ticker *clock.Ticker) {
	defer c.sweeper.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// detachAllLocked swaps both stores with empty ones and returns the detached values by key.
func (c *RefCache[K, V]) detachAllLocked() map[K]V {
	detached := c.values
	c.values = make(map[K]V)
	c.metadata = make(map[K]*entryMetadata)
	return detached
}

// closeDetached closes every value of `detached` and joins the failures.
func closeDetached[K comparable, V Resource](detached map[K]V) error {
	var errs []error
	closed := make(map[V]struct{}, len(detached))
	for key, value := range detached {
		if _, alreadyClosed := closed[value]; alreadyClosed {
			continue
		}
		closed[value] = struct{}{}
		if err := closeResource(value); err != nil {
			cacheCloseFailures.WithLabelValues("sync").Inc()
			errs = append(errs, fmt.Errorf("%w: key %v: %w", ErrCloseFailed, key, err))
		}
	}
	return errors.Join(errs...)
}
