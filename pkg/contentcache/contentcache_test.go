package contentcache

import (
	"testing"

	"github.com/block/deltatable/pkg/hashkey"
)

func testKey(seq int64) Key {
	return Key{TableID: 1, Group: hashkey.Hash(1, []byte("g")), Seq: seq, Column: 0}
}

func TestGetMissThenPutThenHit(t *testing.T) {
	c := New(4, 8, 1024)
	if _, ok := c.Get(testKey(1)); ok {
		t.Fatalf("expected miss on empty cache")
	}
	c.Put(testKey(1), []byte("hello"))
	got, ok := c.Get(testKey(1))
	if !ok {
		t.Fatalf("expected hit after put")
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("stats = %+v, want 1 hit 1 miss", stats)
	}
}

func TestGetReturnsCopyNotAlias(t *testing.T) {
	c := New(1, 8, 1024)
	c.Put(testKey(1), []byte("hello"))
	got, _ := c.Get(testKey(1))
	got[0] = 'X'
	got2, _ := c.Get(testKey(1))
	if string(got2) != "hello" {
		t.Fatalf("mutating a Get result corrupted the cache: %q", got2)
	}
}

func TestOversizeEntryBypassesCache(t *testing.T) {
	c := New(1, 8, 4)
	c.Put(testKey(1), []byte("toolarge"))
	if _, ok := c.Get(testKey(1)); ok {
		t.Fatalf("oversize entry should not be cached")
	}
	if c.Stats().TooLarge != 1 {
		t.Fatalf("expected TooLarge counter to increment")
	}
}

func TestEvictionThenReinsertResolvesCorrectly(t *testing.T) {
	c := New(1, 2, 1024)
	c.Put(testKey(1), []byte("a"))
	c.Put(testKey(2), []byte("b"))
	c.Put(testKey(3), []byte("c")) // evicts seq 1 (LRU)
	if _, ok := c.Get(testKey(1)); ok {
		t.Fatalf("expected seq 1 to have been evicted")
	}
	// Reinsert into the evicted slot's key space; it must still resolve.
	c.Put(testKey(1), []byte("a2"))
	got, ok := c.Get(testKey(1))
	if !ok || string(got) != "a2" {
		t.Fatalf("reinsert after eviction did not resolve correctly: %q ok=%v", got, ok)
	}
}

func TestInvalidateRelationDropsOnlyThatTable(t *testing.T) {
	c := New(4, 8, 1024)
	k1 := Key{TableID: 1, Group: hashkey.Hash(1, []byte("g")), Seq: 1, Column: 0}
	k2 := Key{TableID: 2, Group: hashkey.Hash(1, []byte("g")), Seq: 1, Column: 0}
	c.Put(k1, []byte("x"))
	c.Put(k2, []byte("y"))
	c.InvalidateRelation(1)
	if _, ok := c.Get(k1); ok {
		t.Fatalf("table 1 entry should have been invalidated")
	}
	if _, ok := c.Get(k2); !ok {
		t.Fatalf("table 2 entry should have survived invalidation of table 1")
	}
}
