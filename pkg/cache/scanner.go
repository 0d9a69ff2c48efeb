// Eviction is a lazy mark & sweep: every put (and the optional background sweeper) walks the metadata table once and
// detaches all entries that are unreferenced and idle past their TTL. The walk is linear in the number of live
// entries, which suits the small caches of open resources this package is built for.

package cache

import (
	"time"

	"github.com/nobletooth/refcache/pkg/utils"
)

// evictExpiredLocked removes every evictable entry from both stores and returns the detached values.
// The write lock must be held by the caller.
func (c *RefCache[K, V]) evictExpiredLocked(now time.Time) []V {
	var evicted []V
	for key, meta := range c.metadata {
		if !meta.isEvictable(now) {
			continue
		}
		delete(c.metadata, key)
		value, found := c.values[key]
		if !found {
			utils.RaiseInvariant("refcache", "metadata_without_value",
				"Found an evictable metadata entry with no cached value.", "key", key)
			continue
		}
		delete(c.values, key)
		evicted = append(evicted, value)
	}
	return evicted
}

// excludeFromBatch drops duplicates and every occurrence of `installed` from `batch`. The order of the first
// occurrences is kept.
func excludeFromBatch[V Resource](batch []V, installed V) []V {
	if len(batch) == 0 {
		return batch
	}
	seen := make(map[V]struct{}, len(batch))
	kept := batch[:0]
	for _, value := range batch {
		if value == installed {
			continue
		}
		if _, duplicate := seen[value]; duplicate {
			continue
		}
		seen[value] = struct{}{}
		kept = append(kept, value)
	}
	return kept
}
