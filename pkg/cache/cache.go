// Package cache provides a TTL response cache with a bounded number of keys
// and single-flight rebuilds.
//
// Entries expire lazily on read. When a new key would exceed MaxKeys the
// oldest inserted key is evicted, regardless of how often it is read.
// Concurrent GetOrBuild calls for the same missing key share one build.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultMaxKeys bounds a cache created with a non-positive MaxKeys.
const DefaultMaxKeys = 128

// Builder produces the value for a missing key.
type Builder[V any] func(ctx context.Context) (V, error)

// Options configures a Cache.
type Options struct {
	MaxKeys int
	Now     func() time.Time
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Builds    uint64
	Evictions uint64
	Purges    uint64
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Cache is a TTL cache safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front is oldest inserted
	maxKeys int
	now     func() time.Time

	// generation advances on Purge so builds started before it do not
	// repopulate the cache.
	generation uint64

	group    singleflight.Group
	inflight atomic.Int64

	hits, misses, builds, evictions, purges atomic.Uint64
}

// New creates an empty cache.
func New[V any](opts Options) *Cache[V] {
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = DefaultMaxKeys
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache[V]{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		maxKeys: opts.MaxKeys,
		now:     opts.Now,
	}
}

// Get returns the value for key if present and unexpired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache[V]) getLocked(key string) (V, bool) {
	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	if !c.now().Before(e.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for ttl. A non-positive ttl stores nothing.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

func (c *Cache[V]) setLocked(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	expiresAt := c.now().Add(ttl)

	// A rewrite counts as a fresh insertion.
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToBack(el)
		return
	}

	for c.order.Len() >= c.maxKeys {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry[V]).key)
		c.evictions.Add(1)
	}
	c.items[key] = c.order.PushBack(&entry[V]{key: key, value: value, expiresAt: expiresAt})
}

// setIfCurrent stores value only if no Purge happened since gen was read.
func (c *Cache[V]) setIfCurrent(gen uint64, key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}
	c.setLocked(key, value, ttl)
}

// GetOrBuild returns the cached value for key or builds it once for all
// concurrent callers. The build runs detached from the caller's
// cancellation so one impatient caller does not fail the others; a caller
// whose ctx ends stops waiting and gets ctx.Err().
//
// Callers that joined a flight before a Purge may receive its value; the
// value is not stored. A failed build caches nothing and every waiter
// receives its error.
func (c *Cache[V]) GetOrBuild(ctx context.Context, key string, ttl time.Duration, build Builder[V]) (V, error) {
	var zero V

	c.mu.Lock()
	if v, ok := c.getLocked(key); ok {
		c.mu.Unlock()
		c.hits.Add(1)
		return v, nil
	}
	gen := c.generation
	c.mu.Unlock()
	c.misses.Add(1)

	// Flights are per generation: a caller that misses after a Purge starts
	// a new build instead of joining one that began before it.
	flight := key + "#" + strconv.FormatUint(gen, 10)
	buildCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flight, func() (any, error) {
		// Another flight may have populated the key after our miss.
		if v, ok := c.Get(key); ok {
			return v, nil
		}

		c.inflight.Add(1)
		defer c.inflight.Add(-1)
		c.builds.Add(1)

		v, err := c.runBuild(buildCtx, build)
		if err != nil {
			return nil, err
		}
		c.setIfCurrent(gen, key, v, ttl)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		// Re-check: a purge may have landed while the build ran.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		return r.Val.(V), nil
	}
}

// runBuild converts a builder panic into an error so the flight resolves.
func (c *Cache[V]) runBuild(ctx context.Context, build Builder[V]) (v V, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cache builder panicked: %v", p)
		}
	}()
	return build(ctx)
}

// Purge removes every entry and returns how many were removed. Builds in
// flight when Purge runs will not store their result.
func (c *Cache[V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.items)
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.generation++
	c.purges.Add(1)
	return n
}

// Len returns the number of stored entries, including expired entries not
// yet collected.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// InFlight returns the number of builds currently running.
func (c *Cache[V]) InFlight() int {
	return int(c.inflight.Load())
}

// Stats returns the cumulative counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Builds:    c.builds.Load(),
		Evictions: c.evictions.Load(),
		Purges:    c.purges.Load(),
	}
}
