// Resources that leave the cache on the put path (expired or overwritten) are closed in the background, so that put
// never performs teardown IO. The deferred closer owns a fixed set of worker goroutines that drain batches from a
// bounded queue. Nobody is waiting on these closes, hence failures are only logged and counted.

package cache

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// deferredCloser closes batches of resources on a pool of workers.
type deferredCloser[V io.Closer] struct {
	mux     sync.RWMutex // Guards `stopped` against sends on a closed queue.
	stopped bool
	queue   chan []V
	workers errgroup.Group
}

// newDeferredCloser starts `workerCount` workers draining a queue of `queueSize` batches.
func newDeferredCloser[V io.Closer](workerCount, queueSize int) *deferredCloser[V] {
	closer := &deferredCloser[V]{queue: make(chan []V, queueSize)}
	for range workerCount {
		closer.workers.Go(func() error {
			for batch := range closer.queue {
				closeBatch(batch)
			}
			return nil
		})
	}
	return closer
}

// submit hands `batch` to the workers. It blocks while the queue is full. Once the closer is stopped the batch is
// closed on the caller's goroutine instead.
func (d *deferredCloser[V]) submit(batch []V) {
	if len(batch) == 0 {
		return
	}
	d.mux.RLock()
	defer d.mux.RUnlock()
	if d.stopped {
		closeBatch(batch)
		return
	}
	d.queue <- batch
}

// stop closes the queue and waits until every submitted batch is closed. It is safe to call multiple times.
func (d *deferredCloser[V]) stop() {
	d.mux.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mux.Unlock()
	_ = d.workers.Wait() // Workers never fail.
}

// closeBatch closes every resource of `batch`. One failing resource doesn't stop the others.
func closeBatch[V io.Closer](batch []V) {
	for _, value := range batch {
		if err := closeResource(value); err != nil {
			cacheCloseFailures.WithLabelValues("deferred").Inc()
			slog.Error("Failed to close an evicted resource.", "error", err)
		}
	}
}

// closeResource calls Close on `value` and turns a panic into an error.
func closeResource[V io.Closer](value V) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resource panicked on close: %v", r)
		}
	}()
	return value.Close()
}
