package cache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResource records how many times it has been closed.
type fakeResource struct {
	name       string
	closeCount atomic.Int32
	closeErr   error
}

func newFakeResource(name string) *fakeResource {
	return &fakeResource{name: name}
}

func (r *fakeResource) Close() error {
	r.closeCount.Add(1)
	return r.closeErr
}

func (r *fakeResource) closed() int {
	return int(r.closeCount.Load())
}

// newTestCache returns a RefCache driven by a mock clock. The cache is closed when the test finishes.
func newTestCache(t *testing.T, opts Options) (*RefCache[string, *fakeResource], *clock.Mock) {
	t.Helper()
	mockClock := clock.NewMock()
	opts.Clock = mockClock
	refCache := NewRefCache[string, *fakeResource](context.Background(), opts)
	t.Cleanup(func() { _ = refCache.Close() })
	return refCache, mockClock
}

// assertStoresInSync checks that the value store and metadata table hold the same keys.
func assertStoresInSync[K comparable, V Resource](t *testing.T, c *RefCache[K, V]) {
	t.Helper()
	c.mux.RLock()
	defer c.mux.RUnlock()
	assert.ElementsMatch(t, slices.Collect(maps.Keys(c.values)), slices.Collect(maps.Keys(c.metadata)))
}

// refCountOf returns the current reference count of `key` or -1 if it's missing.
func refCountOf[K comparable, V Resource](c *RefCache[K, V], key K) int64 {
	c.mux.RLock()
	defer c.mux.RUnlock()
	if meta, found := c.metadata[key]; found {
		return meta.refCount.Load()
	}
	return -1
}

func TestRefCache_PutAndGet(t *testing.T) {
	refCache, _ := newTestCache(t, Options{})
	resource := newFakeResource("r1")

	refCache.Put("key1", resource)
	assert.Equal(t, int64(1), refCountOf(refCache, "key1"), "Put should hold the first reference")

	got, found := refCache.Get("key1")
	assert.True(t, found, "Should find key1")
	assert.Same(t, resource, got)
	assert.Equal(t, int64(2), refCountOf(refCache, "key1"), "Get should borrow the entry")

	_, found = refCache.Get("nonexistent")
	assert.False(t, found, "Should not find a non-existent key")
	assert.Equal(t, 1, refCache.Size())
	assertStoresInSync(t, refCache)
}

func TestRefCache_GetRefreshesLastAccess(t *testing.T) {
	refCache, mockClock := newTestCache(t, Options{})
	refCache.Put("key1", newFakeResource("r1"))

	mockClock.Add(time.Second)
	_, found := refCache.Get("key1")
	require.True(t, found)

	refCache.mux.RLock()
	lastAccessed := refCache.metadata["key1"].lastAccessed.Load()
	refCache.mux.RUnlock()
	assert.Equal(t, mockClock.Now().UnixNano(), lastAccessed)
}

func TestRefCache_Release(t *testing.T) {
	refCache, _ := newTestCache(t, Options{})
	refCache.Put("key1", newFakeResource("r1"))

	t.Run("missing_key", func(t *testing.T) {
		refCache.Release("nonexistent")
		assert.Equal(t, 1, refCache.Size())
	})
	t.Run("decrements", func(t *testing.T) {
		refCache.Release("key1")
		assert.Equal(t, int64(0), refCountOf(refCache, "key1"))
	})
	t.Run("saturates_at_zero", func(t *testing.T) {
		before := testutil.ToFloat64(cacheOverReleases)
		refCache.Release("key1")
		assert.Equal(t, int64(0), refCountOf(refCache, "key1"), "Over-release should not go negative")
		assert.Equal(t, before+1, testutil.ToFloat64(cacheOverReleases))
	})
}

func TestRefCache_TTLBoundary(t *testing.T) {
	refCache, mockClock := newTestCache(t, Options{})
	resource := newFakeResource("r1")
	refCache.PutWithTTL("key1", resource, 50*time.Millisecond)
	refCache.Release("key1")

	mockClock.Add(50 * time.Millisecond)
	assert.Equal(t, 0, refCache.Sweep(), "Entry idle for exactly its TTL should not be evicted")
	assert.Equal(t, 1, refCache.Size())

	mockClock.Add(time.Nanosecond)
	assert.Equal(t, 1, refCache.Sweep(), "Entry idle past its TTL should be evicted")
	assert.Equal(t, 0, refCache.Size())
	assert.Eventually(t, func() bool { return resource.closed() == 1 }, time.Second, time.Millisecond)
	assertStoresInSync(t, refCache)
}

func TestRefCache_BorrowedEntryIsNeverEvicted(t *testing.T) {
	refCache, mockClock := newTestCache(t, Options{})
	resource := newFakeResource("r1")
	refCache.PutWithTTL("key1", resource, time.Millisecond)

	mockClock.Add(time.Hour)
	refCache.Put("key2", newFakeResource("r2"))
	_, found := refCache.Get("key1")
	assert.True(t, found, "Borrowed entry should survive eviction regardless of idle time")
	assert.Equal(t, 0, resource.closed())
}

// TestRefCache_BorrowThenIdleScenario borrows an entry, lets it idle, and checks that it is only evicted once all
// borrows are returned.
func TestRefCache_BorrowThenIdleScenario(t *testing.T) {
	refCache, mockClock := newTestCache(t, Options{})
	r1, r2, r3 := newFakeResource("r1"), newFakeResource("r2"), newFakeResource("r3")

	refCache.PutWithTTL("a", r1, 50*time.Millisecond)
	_, found := refCache.Get("a")
	require.True(t, found)
	assert.Equal(t, int64(2), refCountOf(refCache, "a"))

	mockClock.Add(100 * time.Millisecond)
	refCache.Put("b", r2)
	_, found = refCache.Get("a")
	assert.True(t, found, "r1 is still referenced and must not be evicted")
	refCache.Release("a") // Undo the lookup above.

	refCache.Release("a")
	assert.Equal(t, int64(1), refCountOf(refCache, "a"))
	refCache.Release("a")
	assert.Equal(t, int64(0), refCountOf(refCache, "a"))

	mockClock.Add(100 * time.Millisecond)
	refCache.Put("c", r3)
	assert.ElementsMatch(t, []string{"b", "c"}, refCache.Keys())
	assert.Eventually(t, func() bool { return r1.closed() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, r2.closed())
	assert.Equal(t, 0, r3.closed())
}

func TestRefCache_Overwrite(t *testing.T) {
	t.Run("old_value_closed_once", func(t *testing.T) {
		refCache, _ := newTestCache(t, Options{})
		v1, v2 := newFakeResource("v1"), newFakeResource("v2")
		refCache.Put("key", v1)
		refCache.Put("key", v2)

		got, found := refCache.Get("key")
		assert.True(t, found)
		assert.Same(t, v2, got)
		assert.Equal(t, int64(2), refCountOf(refCache, "key"), "Overwrite should reset the reference count")

		require.NoError(t, refCache.Close())
		assert.Equal(t, 1, v1.closed(), "Overwritten value should be closed exactly once")
		assert.Equal(t, 1, v2.closed())
	})
	t.Run("same_value_not_closed", func(t *testing.T) {
		refCache, _ := newTestCache(t, Options{})
		v1 := newFakeResource("v1")
		refCache.Put("key", v1)
		refCache.Put("key", v1)

		refCache.closer.stop() // Drain pending closes.
		assert.Equal(t, 0, v1.closed(), "Re-installed value must not be closed")
		assert.Equal(t, 1, refCache.Size())
	})
	t.Run("expired_value_reinstalled", func(t *testing.T) {
		refCache, mockClock := newTestCache(t, Options{})
		v1 := newFakeResource("v1")
		refCache.PutWithTTL("old", v1, time.Millisecond)
		refCache.Release("old")
		mockClock.Add(time.Second)

		refCache.Put("new", v1) // Evicts "old" in the same put that installs v1 again.
		refCache.closer.stop()
		assert.Equal(t, 0, v1.closed(), "A value being installed must not be closed by its own eviction")
		assert.ElementsMatch(t, []string{"new"}, refCache.Keys())
	})
}

func TestRefCache_Remove(t *testing.T) {
	refCache, _ := newTestCache(t, Options{})

	t.Run("present_key", func(t *testing.T) {
		resource := newFakeResource("x")
		refCache.Put("x", resource)
		got, found, err := refCache.Remove("x")
		assert.NoError(t, err)
		assert.True(t, found)
		assert.Same(t, resource, got)
		assert.Equal(t, 1, resource.closed(), "Remove should close synchronously")
		assert.Equal(t, 0, refCache.Size())
		assertStoresInSync(t, refCache)
	})
	t.Run("missing_key", func(t *testing.T) {
		refCache.Put("y", newFakeResource("y"))
		got, found, err := refCache.Remove("nonexistent")
		assert.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, got)
		assert.Equal(t, 1, refCache.Size())
	})
	t.Run("close_failure", func(t *testing.T) {
		resource := newFakeResource("z")
		resource.closeErr = errors.New("disk on fire")
		refCache.Put("z", resource)
		got, found, err := refCache.Remove("z")
		assert.ErrorIs(t, err, ErrCloseFailed)
		assert.ErrorIs(t, err, resource.closeErr)
		assert.True(t, found)
		assert.Same(t, resource, got)
		_, found = refCache.Get("z")
		assert.False(t, found, "Entry should be removed even when close fails")
	})
}

func TestRefCache_RemoveAll(t *testing.T) {
	refCache, _ := newTestCache(t, Options{})
	resources := make([]*fakeResource, 5)
	for i := range resources {
		resources[i] = newFakeResource(fmt.Sprint(i))
		if i%2 == 0 {
			resources[i].closeErr = fmt.Errorf("failure %d", i)
		}
		refCache.Put(fmt.Sprintf("key-%d", i), resources[i])
	}

	err := refCache.RemoveAll()
	assert.ErrorIs(t, err, ErrCloseFailed)
	for i, resource := range resources {
		assert.Equal(t, 1, resource.closed(), "Resource %d should be closed exactly once", i)
		if resource.closeErr != nil {
			assert.ErrorIs(t, err, resource.closeErr)
		}
	}
	assert.Equal(t, 0, refCache.Size())
	assert.Empty(t, refCache.Values())
	assertStoresInSync(t, refCache)
}

func TestRefCache_Values(t *testing.T) {
	refCache, _ := newTestCache(t, Options{})
	r1, r2 := newFakeResource("r1"), newFakeResource("r2")
	refCache.Put("a", r1)
	refCache.Put("b", r2)

	assert.ElementsMatch(t, []*fakeResource{r1, r2}, refCache.Values())
	assert.ElementsMatch(t, []string{"a", "b"}, refCache.Keys())
	assert.Equal(t, int64(1), refCountOf(refCache, "a"), "Values should not borrow entries")
}

func TestRefCache_DeferredCloseFailureIsSuppressed(t *testing.T) {
	refCache, mockClock := newTestCache(t, Options{})
	failing, healthy := newFakeResource("failing"), newFakeResource("healthy")
	failing.closeErr = errors.New("broken pipe")
	refCache.PutWithTTL("failing", failing, time.Millisecond)
	refCache.PutWithTTL("healthy", healthy, time.Millisecond)
	refCache.Release("failing")
	refCache.Release("healthy")
	mockClock.Add(time.Second)

	before := testutil.ToFloat64(cacheCloseFailures.WithLabelValues("deferred"))
	refCache.Put("trigger", newFakeResource("trigger"))
	refCache.closer.stop()
	assert.Equal(t, 1, failing.closed())
	assert.Equal(t, 1, healthy.closed(), "A failing close should not abort the batch")
	assert.Equal(t, before+1, testutil.ToFloat64(cacheCloseFailures.WithLabelValues("deferred")))
}

func TestRefCache_BackgroundSweep(t *testing.T) {
	refCache, mockClock := newTestCache(t, Options{SweepInterval: time.Second})
	resource := newFakeResource("r1")
	refCache.PutWithTTL("key1", resource, 500*time.Millisecond)
	refCache.Release("key1")

	mockClock.Add(time.Second)
	assert.Eventually(t, func() bool { return refCache.Size() == 0 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return resource.closed() == 1 }, time.Second, time.Millisecond)
}

func TestRefCache_Close(t *testing.T) {
	refCache, _ := newTestCache(t, Options{SweepInterval: time.Second})
	r1 := newFakeResource("r1")
	refCache.Put("key1", r1)

	require.NoError(t, refCache.Close())
	assert.Equal(t, 1, r1.closed())
	assert.Equal(t, 0, refCache.Size())
	require.NoError(t, refCache.Close(), "Close should be idempotent")
	assert.Equal(t, 1, r1.closed())

	t.Run("put_after_close", func(t *testing.T) {
		r2 := newFakeResource("r2")
		refCache.Put("key2", r2)
		assert.Equal(t, 1, r2.closed(), "Put on a closed cache should close the resource right away")
		_, found := refCache.Get("key2")
		assert.False(t, found)
	})
}

func TestRefCache_ConcurrentGetRelease(t *testing.T) {
	refCache, _ := newTestCache(t, Options{})
	refCache.Put("key", newFakeResource("r1"))
	before := refCountOf(refCache, "key")

	const borrowers = 64
	var wg sync.WaitGroup
	for range borrowers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, found := refCache.Get("key")
			assert.True(t, found)
		}()
	}
	wg.Wait()
	assert.Equal(t, before+borrowers, refCountOf(refCache, "key"))

	for range borrowers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			refCache.Release("key")
		}()
	}
	wg.Wait()
	assert.Equal(t, before, refCountOf(refCache, "key"), "Matched borrows should leave the count unchanged")
}

func TestRefCache_Concurrency(t *testing.T) {
	refCache := NewRefCache[string, *fakeResource](context.Background(), Options{DefaultTTL: time.Millisecond})
	const numGoroutines, itemsPerGoroutine = 16, 200
	created := make([][]*fakeResource, numGoroutines)

	var wg sync.WaitGroup
	for g := range numGoroutines {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()
			for j := range itemsPerGoroutine {
				key := fmt.Sprintf("key-%d", j%20)
				resource := newFakeResource(fmt.Sprintf("%d-%d", goroutineID, j))
				created[goroutineID] = append(created[goroutineID], resource)
				refCache.Put(key, resource)
				refCache.Release(key)
				if got, found := refCache.Get(key); found {
					assert.NotNil(t, got)
					refCache.Release(key)
				}
				if j%50 == 0 {
					_, _, _ = refCache.Remove(key)
				}
			}
		}(g)
	}
	wg.Wait()
	assertStoresInSync(t, refCache)

	require.NoError(t, refCache.Close())
	for _, resources := range created {
		for _, resource := range resources {
			assert.Equal(t, 1, resource.closed(), "Every resource should be closed exactly once: %s", resource.name)
		}
	}
}

// TestRefCache_StoresStayInSync runs a random sequence of operations and checks the stores after each one.
func TestRefCache_StoresStayInSync(t *testing.T) {
	refCache, mockClock := newTestCache(t, Options{DefaultTTL: 20 * time.Millisecond})
	random := rand.New(rand.NewPCG(1, 2))
	keys := []string{"a", "b", "c", "d", "e"}

	for i := range 2_000 {
		key := keys[random.IntN(len(keys))]
		switch random.IntN(6) {
		case 0:
			refCache.Put(key, newFakeResource(fmt.Sprint(i)))
		case 1:
			refCache.Get(key)
		case 2:
			refCache.Release(key)
		case 3:
			_, _, _ = refCache.Remove(key)
		case 4:
			mockClock.Add(time.Duration(random.IntN(30)) * time.Millisecond)
		case 5:
			if random.IntN(20) == 0 {
				assert.NoError(t, refCache.RemoveAll())
			}
		}
		assertStoresInSync(t, refCache)
	}
}
