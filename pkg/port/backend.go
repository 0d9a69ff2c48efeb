package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/nobletooth/refcache/pkg/cache"
	"github.com/nobletooth/refcache/pkg/scan"
)

var (
	rootDir       = flag.String("root_dir", "./data", "Directory that holds the files clients may open.")
	maxReadLength = flag.Int("max_read_length", 1<<20, "Maximum number of bytes a single READ may return.")

	cacheEnabled       = flag.Bool("enable_cache", true, "Keep opened files in the resource cache.")
	cacheShardCount    = flag.Int("cache_shard_count", runtime.NumCPU(), "The number of resource cache shards.")
	cacheDefaultTtl    = flag.Duration("cache_default_ttl", cache.DefaultTTL, "Idle TTL of an unreferenced file.")
	cacheSweepInterval = flag.Duration("cache_sweep_interval", 0,
		"Runs a background eviction scan every interval; 0 only evicts on OPEN.")
	cacheCloserWorkers = flag.Int("cache_closer_workers", 4, "Number of goroutines closing evicted files.")
)

// ErrFileNotFound is returned for keys that are not in the file cache.
var ErrFileNotFound = errors.New("file was not found")

// FileStorage is the backend used by the Redis port. It keeps open read-only file handles inside a resource cache.
type FileStorage struct {
	root  *os.Root
	files cache.Layer[string, *os.File]
}

// newFileLayer builds the resource cache according to configured flags.
func newFileLayer(ctx context.Context) cache.Layer[string, *os.File] {
	if !*cacheEnabled {
		return cache.NewNoOp[string, *os.File]()
	}
	newShard := func() cache.Layer[string, *os.File] {
		return cache.NewRefCache[string, *os.File](ctx, cache.Options{
			DefaultTTL:    *cacheDefaultTtl,
			CloserWorkers: *cacheCloserWorkers,
			SweepInterval: *cacheSweepInterval,
		})
	}
	if *cacheShardCount > 1 {
		return cache.NewSharded(newShard, *cacheShardCount)
	}
	return newShard()
}

// NewFileStorage opens --root_dir and creates the file cache.
func NewFileStorage(ctx context.Context) (*FileStorage, error) {
	if *rootDir == "" {
		return nil, errors.New("--root_dir flag is required")
	}
	root, err := os.OpenRoot(*rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open root dir: %w", err)
	}
	return &FileStorage{root: root, files: newFileLayer(ctx)}, nil
}

// Open opens `path` under the root dir and caches it as `key`. A zero `ttl` uses the cache default.
// The open itself doesn't hold a borrow, so the file becomes evictable once idle.
func (fs *FileStorage) Open(key, path string, ttl time.Duration) error {
	file, err := fs.root.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", path, err)
	}
	if ttl > 0 {
		fs.files.PutWithTTL(key, file, ttl)
	} else {
		fs.files.Put(key, file)
	}
	fs.files.Release(key)
	slog.Debug("Opened file.", "key", key, "path", path, "ttl", ttl)
	return nil
}

// Acquire borrows `key`; the file won't be evicted until Release is called.
func (fs *FileStorage) Acquire(key string) error {
	if _, found := fs.files.Get(key); !found {
		return fmt.Errorf("%w: %s", ErrFileNotFound, key)
	}
	return nil
}

// Release returns a borrow taken by Acquire.
func (fs *FileStorage) Release(key string) {
	fs.files.Release(key)
}

// ReadAt reads up to `length` bytes at `offset` of the file cached as `key`. Reading past the end is not an error.
func (fs *FileStorage) ReadAt(key string, offset int64, length int) ([]byte, error) {
	if length < 0 || length > *maxReadLength {
		return nil, fmt.Errorf("read length must be within [0, %d], got %d", *maxReadLength, length)
	}
	file, found := fs.files.Get(key)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, key)
	}
	defer fs.files.Release(key)

	buf := make([]byte, length)
	readBytes, err := file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return buf[:readBytes], nil
}

// Delete closes and drops the file cached as `key`.
func (fs *FileStorage) Delete(key string) error {
	_, found, err := fs.files.Remove(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrFileNotFound, key)
	}
	return nil
}

// Flush closes and drops every cached file.
func (fs *FileStorage) Flush() error {
	return fs.files.RemoveAll()
}

func (fs *FileStorage) Size() int {
	return fs.files.Size()
}

// Keys returns the sorted cached keys matching the glob `pattern`.
func (fs *FileStorage) Keys(pattern string) ([]string, error) {
	matched, err := scan.MatchGlob(pattern, slices.Values(fs.files.Keys()))
	if err != nil {
		return nil, err
	}
	return slices.Sorted(matched), nil
}

// Close closes every cached file and the root dir.
func (fs *FileStorage) Close() error {
	filesErr := fs.files.Close()
	rootErr := fs.root.Close()
	return errors.Join(filesErr, rootErr)
}
