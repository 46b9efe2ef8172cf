// Package cache provides a shared, byte-bounded cache for decoded image tiles.
//
// The cache coordinates concurrent decodes so that at most one decode runs
// per tile key, publishes entries only once fully decoded, and evicts
// least-recently-used entries under memory pressure. Entries pinned by an
// in-flight reader are never evicted until released.
package cache

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"
)

// maxEntries bounds the recency list's entry count. It is set high enough
// that eviction is always driven by the byte capacity, not the count.
const maxEntries = 1 << 30

// Key addresses one decoded tile. Source identifies the owning image server
// instance; Level indexes the pyramid level; X and Y are tile grid
// coordinates; Z and T select the plane.
type Key struct {
	Source string
	Level  int
	X      int
	Y      int
	Z      int
	T      int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d/%d/%d/%d/%d", k.Source, k.Level, k.X, k.Y, k.Z, k.T)
}

// DecodeError wraps a decoder failure for a specific tile.
type DecodeError struct {
	Key Key
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode tile %s: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeFunc produces the decoded pixel data for one tile. It is invoked at
// most once per key across all concurrent callers.
type DecodeFunc func(ctx context.Context) ([]byte, error)

type entry struct {
	key  Key
	data []byte
	size int64
	refs int
	// dropped marks an entry invalidated while pinned; it is discarded on
	// release instead of returning to the recency list.
	dropped bool
}

// TileCache is a process-wide cache shared by all image servers. Entries are
// namespaced by Key.Source so one server's invalidation leaves other
// servers' tiles alone.
type TileCache struct {
	capacity int64

	group singleflight.Group

	mu     sync.Mutex
	recent *lru.LRU[Key, *entry] // ready entries with no active readers
	pinned map[Key]*entry        // entries held by at least one reader
	gens   map[string]uint64     // per-source invalidation generation
	total  int64
}

// New creates a tile cache bounded to capacityBytes of decoded pixel data.
func New(capacityBytes int64) (*TileCache, error) {
	if capacityBytes <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacityBytes)
	}
	recent, err := lru.NewLRU[Key, *entry](maxEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create recency list: %w", err)
	}
	return &TileCache{
		capacity: capacityBytes,
		recent:   recent,
		pinned:   make(map[Key]*entry),
		gens:     make(map[string]uint64),
	}, nil
}

// GetOrDecode returns the decoded data for key, invoking decode on a miss.
//
// Concurrent callers for the same key share a single decode: exactly one
// invokes decode, the rest wait for its outcome. A decode failure is
// delivered to every waiter wrapped in a *DecodeError and is not cached; the
// next call for that key starts a fresh decode.
//
// The returned release function must be called once the caller has finished
// reading data; until then the entry is pinned and cannot be evicted.
// Cancelling ctx abandons the wait without cancelling a decode started by
// another caller.
func (c *TileCache) GetOrDecode(ctx context.Context, key Key, decode DecodeFunc) ([]byte, func(), error) {
	if data, release, ok := c.acquire(key); ok {
		return data, release, nil
	}

	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		// The generation is snapshotted before the decode so pin can tell
		// whether an invalidation ran while the decode was in flight.
		gen := c.generation(key.Source)
		// Another flight may have populated the entry between our miss and
		// this flight starting.
		if data, release, ok := c.acquire(key); ok {
			release()
			return flightResult{data: data, gen: gen}, nil
		}
		data, err := decode(ctx)
		if err != nil {
			return nil, &DecodeError{Key: key, Err: err}
		}
		return flightResult{data: data, gen: gen}, nil
	})

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, nil, res.Err
		}
		fr := res.Val.(flightResult)
		return c.pin(key, fr.data, fr.gen)
	}
}

// flightResult carries a decode's output together with the invalidation
// generation observed when the decode began.
type flightResult struct {
	data []byte
	gen  uint64
}

// generation reads the current invalidation generation for a source. A
// snapshot taken before a decode starts lets pin detect an invalidation that
// ran while the decode was in flight.
func (c *TileCache) generation(source string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[source]
}

// acquire pins an existing entry, reporting whether one was found.
func (c *TileCache) acquire(key Key) ([]byte, func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.pinned[key]; ok {
		e.refs++
		return e.data, c.releaseFunc(e), true
	}
	if e, ok := c.recent.Get(key); ok {
		c.recent.Remove(key)
		e.refs = 1
		c.pinned[key] = e
		return e.data, c.releaseFunc(e), true
	}
	return nil, nil, false
}

// pin publishes data under key if absent and pins it for the caller. Every
// waiter on a shared decode pins through here; the entry's bytes are counted
// toward the capacity exactly once.
func (c *TileCache) pin(key Key, data []byte, gen uint64) ([]byte, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.pinned[key]; ok {
		e.refs++
		return e.data, c.releaseFunc(e), nil
	}
	if e, ok := c.recent.Get(key); ok {
		c.recent.Remove(key)
		e.refs = 1
		c.pinned[key] = e
		return e.data, c.releaseFunc(e), nil
	}

	e := &entry{key: key, data: data, size: int64(len(data)), refs: 1}
	if c.gens[key.Source] != gen {
		// The source was invalidated while this decode was in flight. The
		// waiters still get their data, but the entry is reclaimed on
		// release instead of rejoining the cache.
		e.dropped = true
	}
	c.pinned[key] = e
	c.total += e.size
	c.evictLocked()
	return e.data, c.releaseFunc(e), nil
}

// releaseFunc returns an idempotent release for one reference on e.
func (c *TileCache) releaseFunc(e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			e.refs--
			if e.refs > 0 {
				return
			}
			delete(c.pinned, e.key)
			if e.dropped {
				c.total -= e.size
				return
			}
			c.recent.Add(e.key, e)
			c.evictLocked()
		})
	}
}

// evictLocked removes least-recently-used unpinned entries until the byte
// total fits the capacity. Pinned entries may hold the total above capacity
// transiently; they are reconsidered as readers release them.
func (c *TileCache) evictLocked() {
	for c.total > c.capacity && c.recent.Len() > 0 {
		_, e, _ := c.recent.RemoveOldest()
		c.total -= e.size
	}
}

// InvalidateSource removes all entries whose key belongs to source. Entries
// currently pinned by a reader are marked dropped and reclaimed when the
// reader releases them, and a decode in flight is delivered to its waiters
// but never published. Entries of other sources are untouched.
func (c *TileCache) InvalidateSource(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.recent.Keys() {
		if key.Source != source {
			continue
		}
		if e, ok := c.recent.Peek(key); ok {
			c.recent.Remove(key)
			c.total -= e.size
		}
	}
	for key, e := range c.pinned {
		if key.Source == source {
			e.dropped = true
		}
	}
	c.gens[source]++
}

// Bytes returns the number of decoded bytes currently counted by the cache.
func (c *TileCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Capacity returns the configured byte capacity.
func (c *TileCache) Capacity() int64 { return c.capacity }

// Len returns the number of resident entries, pinned or not.
func (c *TileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recent.Len() + len(c.pinned)
}

// Stats returns cache statistics for logging and the stats endpoint.
func (c *TileCache) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"entries":        c.recent.Len() + len(c.pinned),
		"pinned":         len(c.pinned),
		"bytes":          c.total,
		"capacity_bytes": c.capacity,
	}
}
