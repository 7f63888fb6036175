// Package contentcache implements a shared, striped LRU mapping (table,
// group-hash, sequence, column) to reconstructed delta-column bytes. All
// operations are best-effort — a miss, a full cache, or an over-size entry
// never fails the caller; reconstruction always has a slow path.
package contentcache

import (
	"sync"
	"sync/atomic"

	"github.com/block/deltatable/pkg/hashkey"
	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// Key identifies one reconstructed delta-column value.
type Key struct {
	TableID uint32
	Group   hashkey.Key
	Seq     int64
	Column  int
}

// Stats are atomic counters for Introspection.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	TooLarge  uint64
	PutFailed uint64
}

type stripe struct {
	mu    sync.RWMutex
	lru   *lru.LRU[Key, []byte]
	stats *Stats
}

// Cache is the shared, process-wide striped content cache. A single Cache
// is meant to be attached once per process and shared by every backend.
type Cache struct {
	stripes      []*stripe
	maxEntrySize int
	stats        Stats
}

// New builds a Cache with stripeCount stripes, each able to hold up to
// entriesPerStripe items before evicting by LRU. maxEntrySize bounds what
// Put will accept; larger payloads are silently dropped.
func New(stripeCount, entriesPerStripe, maxEntrySize int) *Cache {
	if stripeCount <= 0 {
		stripeCount = 1
	}
	if entriesPerStripe <= 0 {
		entriesPerStripe = 1
	}
	c := &Cache{
		stripes:      make([]*stripe, stripeCount),
		maxEntrySize: maxEntrySize,
	}
	for i := range c.stripes {
		st := &stripe{stats: &c.stats}
		l, err := lru.NewLRU[Key, []byte](entriesPerStripe, func(_ Key, _ []byte) {
			atomic.AddUint64(&st.stats.Evictions, 1)
		})
		if err != nil {
			// entriesPerStripe was validated positive above; NewLRU only
			// fails on size <= 0.
			panic(err)
		}
		st.lru = l
		c.stripes[i] = st
	}
	return c
}

func (c *Cache) stripeFor(key Key) *stripe {
	h := stripeHash(key)
	return c.stripes[h%uint64(len(c.stripes))]
}

func stripeHash(key Key) uint64 {
	h := key.Group.Hi ^ key.Group.Lo
	h = h*31 + uint64(key.TableID)
	h = h*31 + uint64(key.Seq)
	h = h*31 + uint64(key.Column)
	return h
}

// Get returns a copy of the cached bytes for key, if present. A miss
// increments the miss counter and returns (nil, false); the caller always
// has a slow (reconstruction) path.
func (c *Cache) Get(key Key) ([]byte, bool) {
	st := c.stripeFor(key)
	st.mu.RLock()
	val, ok := st.lru.Peek(key)
	st.mu.RUnlock()
	if !ok {
		atomic.AddUint64(&c.stats.Misses, 1)
		return nil, false
	}
	// Touch the LRU under an exclusive lock, re-validating the entry is
	// still present (and still the same key) after the upgrade from the
	// read lock. Losing the touch on this narrow race window is acceptable.
	st.mu.Lock()
	if v, ok := st.lru.Get(key); ok {
		st.mu.Unlock()
		atomic.AddUint64(&c.stats.Hits, 1)
		out := make([]byte, len(v))
		copy(out, v)
		return out, true
	}
	st.mu.Unlock()
	atomic.AddUint64(&c.stats.Misses, 1)
	return nil, false
}

// Put inserts bytes for key. Entries larger than the configured
// max-entry-size bypass the cache silently (bumping a skip counter, not a
// miss counter). If the underlying LRU allocation cannot proceed, Put drops
// the entry silently — shared-memory OOM and lock failures are all folded
// into "best effort" here.
func (c *Cache) Put(key Key, data []byte) {
	if len(data) > c.maxEntrySize {
		atomic.AddUint64(&c.stats.TooLarge, 1)
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	st := c.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lru.Add(key, cp)
}

// InvalidateRelation drops every cached entry for tableID, across every
// stripe, used by truncate/drop/set_new_file.
func (c *Cache) InvalidateRelation(tableID uint32) {
	for _, st := range c.stripes {
		st.mu.Lock()
		for _, k := range st.lru.Keys() {
			if k.TableID == tableID {
				st.lru.Remove(k)
			}
		}
		st.mu.Unlock()
	}
}

// Stats returns a snapshot of the cache's hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      atomic.LoadUint64(&c.stats.Hits),
		Misses:    atomic.LoadUint64(&c.stats.Misses),
		Evictions: atomic.LoadUint64(&c.stats.Evictions),
		TooLarge:  atomic.LoadUint64(&c.stats.TooLarge),
		PutFailed: atomic.LoadUint64(&c.stats.PutFailed),
	}
}
