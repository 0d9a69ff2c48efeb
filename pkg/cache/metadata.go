package cache

import (
	"sync/atomic"
	"time"
)

// entryMetadata is the per-key bookkeeping of a RefCache. Both the access timestamp and the reference count are
// mutated while only the read lock of the cache is held, so they must stay independently atomic.
type entryMetadata struct {
	lastAccessed atomic.Int64  // Unix nanoseconds of the last put / get.
	refCount     atomic.Int64  // Outstanding borrows; never goes below zero.
	ttl          time.Duration // Maximum idle time of an unreferenced entry.
}

// newEntryMetadata returns the metadata of a freshly put entry. The putter holds the first reference.
func newEntryMetadata(now time.Time, ttl time.Duration) *entryMetadata {
	meta := &entryMetadata{ttl: ttl}
	meta.lastAccessed.Store(now.UnixNano())
	meta.refCount.Store(1)
	return meta
}

// touch moves the last access timestamp forward to `now`. Racing callers can't move it backwards.
func (m *entryMetadata) touch(now time.Time) {
	nowNanos := now.UnixNano()
	for {
		prev := m.lastAccessed.Load()
		if nowNanos <= prev || m.lastAccessed.CompareAndSwap(prev, nowNanos) {
			return
		}
	}
}

// acquire records a borrow of the entry.
func (m *entryMetadata) acquire(now time.Time) {
	m.touch(now)
	m.refCount.Add(1)
}

// release returns a borrow. The count saturates at zero; it returns false if there was nothing to release.
func (m *entryMetadata) release() /*released*/ bool {
	for {
		count := m.refCount.Load()
		if count <= 0 {
			return false
		}
		if m.refCount.CompareAndSwap(count, count-1) {
			return true
		}
	}
}

// isEvictable reports whether the entry is unreferenced and has been idle for strictly longer than its TTL.
func (m *entryMetadata) isEvictable(now time.Time) bool {
	if m.refCount.Load() > 0 {
		return false
	}
	idle := now.Sub(time.Unix(0, m.lastAccessed.Load()))
	return idle > m.ttl
}
