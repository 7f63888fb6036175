// Package seqcache implements three sequence-tracking sub-caches: group ->
// max-sequence, location -> sequence, (group,seq) -> location. Each is a
// single-lock structure (no striping) built on an LRU engine, since these
// only need O(1) probes, not the fan-out a content cache needs.
package seqcache

import (
	"encoding/binary"
	"sync"

	"github.com/block/deltatable/pkg/hashkey"
	"github.com/block/deltatable/pkg/host"
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// GroupKey identifies a (table, group) pair.
type GroupKey struct {
	TableID uint32
	Group   hashkey.Key
}

// GroupSeqKey identifies a (table, group, sequence) triple.
type GroupSeqKey struct {
	TableID uint32
	Group   hashkey.Key
	Seq     int64
}

// LocationKey identifies a (table, location) pair.
type LocationKey struct {
	TableID uint32
	Loc     host.Location
}

// Counters are the hit/miss/eviction counters for one sub-cache.
type Counters struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// entry pairs a subcache's value with its original key, so a digest
// collision (two distinct keys hashing to the same uint64) is detected on
// read rather than silently returning the wrong group's cached value.
type entry[K comparable, V any] struct {
	key K
	val V
}

// subcache wraps one LRU, keyed by an xxhash digest of the caller's key
// rather than the key itself, behind one mutex. Lookups are O(1) hash
// probes, distinct from pkg/hashkey's keyed murmur3 hash: these keys are
// process-lifetime-only cache lookups with no requirement to be stable
// across restarts or resistant to adversarial input, so a fast unkeyed
// hash is the right tool.
type subcache[K comparable, V any] struct {
	mu       sync.Mutex
	lru      *lru.LRU[uint64, entry[K, V]]
	keyBytes func(K) []byte
	stats    Counters
}

func newSubcache[K comparable, V any](size int, keyBytes func(K) []byte) *subcache[K, V] {
	s := &subcache[K, V]{keyBytes: keyBytes}
	l, err := lru.NewLRU[uint64, entry[K, V]](size, func(_ uint64, _ entry[K, V]) { s.stats.Evictions++ })
	if err != nil {
		panic(err)
	}
	s.lru = l
	return s
}

func (s *subcache[K, V]) digest(k K) uint64 {
	return xxhash.Sum64(s.keyBytes(k))
}

func (s *subcache[K, V]) get(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lru.Get(s.digest(k))
	if !ok || e.key != k {
		s.stats.Misses++
		var zero V
		return zero, false
	}
	s.stats.Hits++
	return e.val, true
}

func (s *subcache[K, V]) set(k K, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(s.digest(k), entry[K, V]{key: k, val: v})
}

func (s *subcache[K, V]) remove(k K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(s.digest(k))
}

func (s *subcache[K, V]) counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Cache is the full three-sub-cache SeqCache.
type Cache struct {
	groupMax *subcache[GroupKey, int64]
	locSeq   *subcache[LocationKey, int64]
	groupLoc *subcache[GroupSeqKey, host.Location]
}

func groupKeyBytes(k GroupKey) []byte {
	var b [4 + 16]byte
	binary.BigEndian.PutUint32(b[0:4], k.TableID)
	binary.BigEndian.PutUint64(b[4:12], k.Group.Hi)
	binary.BigEndian.PutUint64(b[12:20], k.Group.Lo)
	return b[:]
}

func locationKeyBytes(k LocationKey) []byte {
	var b [4 + 8 + 2]byte
	binary.BigEndian.PutUint32(b[0:4], k.TableID)
	binary.BigEndian.PutUint64(b[4:12], k.Loc.PageID)
	binary.BigEndian.PutUint16(b[12:14], k.Loc.Offset)
	return b[:]
}

func groupSeqKeyBytes(k GroupSeqKey) []byte {
	var b [4 + 16 + 8]byte
	binary.BigEndian.PutUint32(b[0:4], k.TableID)
	binary.BigEndian.PutUint64(b[4:12], k.Group.Hi)
	binary.BigEndian.PutUint64(b[12:20], k.Group.Lo)
	binary.BigEndian.PutUint64(b[20:28], uint64(k.Seq))
	return b[:]
}

// New builds a Cache sized for sizePerSubcache entries in each sub-cache.
func New(sizePerSubcache int) *Cache {
	if sizePerSubcache <= 0 {
		sizePerSubcache = 1
	}
	return &Cache{
		groupMax: newSubcache[GroupKey, int64](sizePerSubcache, groupKeyBytes),
		locSeq:   newSubcache[LocationKey, int64](sizePerSubcache, locationKeyBytes),
		groupLoc: newSubcache[GroupSeqKey, host.Location](sizePerSubcache, groupSeqKeyBytes),
	}
}

// GetMaxSeq returns the cached max sequence for (table, group), if warm.
func (c *Cache) GetMaxSeq(tableID uint32, group hashkey.Key) (int64, bool) {
	return c.groupMax.get(GroupKey{TableID: tableID, Group: group})
}

// SetMaxSeq idempotently upserts the max sequence for (table, group).
func (c *Cache) SetMaxSeq(tableID uint32, group hashkey.Key, v int64) {
	c.groupMax.set(GroupKey{TableID: tableID, Group: group}, v)
}

// NextSeq increments and returns the next sequence for (table, group) if
// the cache is warm, or 0 ("not warm — caller must scan") otherwise.
//
// The caller MUST hold the per-group advisory lock (host.AdvisoryLocker)
// for the full duration from calling NextSeq through either committing the
// new row or calling RollbackSeq: this cache performs no locking beyond its
// own internal mutex, and relies entirely on the caller's group lock to
// close the race between reading the cached max and writing the new row
// back.
func (c *Cache) NextSeq(tableID uint32, group hashkey.Key) int64 {
	key := GroupKey{TableID: tableID, Group: group}
	c.groupMax.mu.Lock()
	defer c.groupMax.mu.Unlock()
	digest := c.groupMax.digest(key)
	e, ok := c.groupMax.lru.Get(digest)
	if !ok || e.key != key {
		c.groupMax.stats.Misses++
		return 0
	}
	c.groupMax.stats.Hits++
	next := e.val + 1
	c.groupMax.lru.Add(digest, entry[GroupKey, int64]{key: key, val: next})
	return next
}

// RollbackSeq decrements the cached max sequence for (table, group) only if
// its current value equals expected, preventing a failed insert from
// clobbering a concurrent successful one that raced ahead. Returns whether
// the rollback was applied.
func (c *Cache) RollbackSeq(tableID uint32, group hashkey.Key, expected int64) bool {
	key := GroupKey{TableID: tableID, Group: group}
	c.groupMax.mu.Lock()
	defer c.groupMax.mu.Unlock()
	digest := c.groupMax.digest(key)
	e, ok := c.groupMax.lru.Get(digest)
	if !ok || e.key != key || e.val != expected {
		return false
	}
	c.groupMax.lru.Add(digest, entry[GroupKey, int64]{key: key, val: expected - 1})
	return true
}

// GetSeqForLocation returns the cached sequence for (table, location).
func (c *Cache) GetSeqForLocation(tableID uint32, loc host.Location) (int64, bool) {
	return c.locSeq.get(LocationKey{TableID: tableID, Loc: loc})
}

// SetSeqForLocation upserts the (table, location) -> sequence mapping.
func (c *Cache) SetSeqForLocation(tableID uint32, loc host.Location, seq int64) {
	c.locSeq.set(LocationKey{TableID: tableID, Loc: loc}, seq)
}

// GetLocation returns the cached location for (table, group, seq).
func (c *Cache) GetLocation(tableID uint32, group hashkey.Key, seq int64) (host.Location, bool) {
	return c.groupLoc.get(GroupSeqKey{TableID: tableID, Group: group, Seq: seq})
}

// SetLocation upserts the (table, group, seq) -> location mapping.
func (c *Cache) SetLocation(tableID uint32, group hashkey.Key, seq int64, loc host.Location) {
	c.groupLoc.set(GroupSeqKey{TableID: tableID, Group: group, Seq: seq}, loc)
}

// InvalidateTable drops every entry that mentions tableID, across all three
// sub-caches. Used by truncate/set_new_file and the delete cascade.
func (c *Cache) InvalidateTable(tableID uint32) {
	for _, k := range snapshotKeys(c.groupMax) {
		if k.TableID == tableID {
			c.groupMax.remove(k)
		}
	}
	for _, k := range snapshotKeys(c.locSeq) {
		if k.TableID == tableID {
			c.locSeq.remove(k)
		}
	}
	for _, k := range snapshotKeys(c.groupLoc) {
		if k.TableID == tableID {
			c.groupLoc.remove(k)
		}
	}
}

func snapshotKeys[K comparable, V any](s *subcache[K, V]) []K {
	s.mu.Lock()
	defer s.mu.Unlock()
	digests := s.lru.Keys()
	keys := make([]K, 0, len(digests))
	for _, d := range digests {
		if e, ok := s.lru.Peek(d); ok {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// GroupMaxCounters, LocationSeqCounters and GroupLocationCounters expose the
// three sub-caches' hit/miss/eviction counters for Introspection.
func (c *Cache) GroupMaxCounters() Counters      { return c.groupMax.counters() }
func (c *Cache) LocationSeqCounters() Counters   { return c.locSeq.counters() }
func (c *Cache) GroupLocationCounters() Counters { return c.groupLoc.counters() }
