package seqcache

import (
	"testing"

	"github.com/block/deltatable/pkg/hashkey"
	"github.com/block/deltatable/pkg/host"
)

func TestNextSeqColdReturnsZeroSentinel(t *testing.T) {
	c := New(16)
	g := hashkey.Hash(1, []byte("g"))
	if got := c.NextSeq(1, g); got != 0 {
		t.Fatalf("NextSeq on cold cache = %d, want 0 sentinel", got)
	}
}

func TestNextSeqWarmIncrements(t *testing.T) {
	c := New(16)
	g := hashkey.Hash(1, []byte("g"))
	c.SetMaxSeq(1, g, 5)
	if got := c.NextSeq(1, g); got != 6 {
		t.Fatalf("NextSeq = %d, want 6", got)
	}
	if got := c.NextSeq(1, g); got != 7 {
		t.Fatalf("NextSeq = %d, want 7", got)
	}
}

func TestRollbackSeqOnlyIfExpectedMatches(t *testing.T) {
	c := New(16)
	g := hashkey.Hash(1, []byte("g"))
	c.SetMaxSeq(1, g, 5)
	next := c.NextSeq(1, g) // now 6
	if next != 6 {
		t.Fatalf("setup: NextSeq = %d, want 6", next)
	}
	// A concurrent insert races ahead to 7 before our rollback runs.
	c.SetMaxSeq(1, g, 7)
	if ok := c.RollbackSeq(1, g, 6); ok {
		t.Fatalf("rollback should not apply once a concurrent insert raced ahead")
	}
	got, _ := c.GetMaxSeq(1, g)
	if got != 7 {
		t.Fatalf("max seq = %d, want 7 (rollback must not clobber concurrent progress)", got)
	}
}

func TestRollbackSeqAppliesWhenUncontended(t *testing.T) {
	c := New(16)
	g := hashkey.Hash(1, []byte("g"))
	c.SetMaxSeq(1, g, 5)
	next := c.NextSeq(1, g) // 6
	if ok := c.RollbackSeq(1, g, next); !ok {
		t.Fatalf("rollback should apply when nothing raced ahead")
	}
	got, _ := c.GetMaxSeq(1, g)
	if got != 5 {
		t.Fatalf("max seq after rollback = %d, want 5", got)
	}
}

func TestLocationAndSeqRoundTrip(t *testing.T) {
	c := New(16)
	g := hashkey.Hash(1, []byte("g"))
	loc := host.Location{PageID: 10, Offset: 3}
	c.SetSeqForLocation(1, loc, 42)
	if got, ok := c.GetSeqForLocation(1, loc); !ok || got != 42 {
		t.Fatalf("GetSeqForLocation = %d, %v, want 42, true", got, ok)
	}
	c.SetLocation(1, g, 42, loc)
	if got, ok := c.GetLocation(1, g, 42); !ok || got != loc {
		t.Fatalf("GetLocation = %+v, %v, want %+v, true", got, ok, loc)
	}
}

func TestInvalidateTableDropsAllThreeSubcaches(t *testing.T) {
	c := New(16)
	g := hashkey.Hash(1, []byte("g"))
	loc := host.Location{PageID: 1}
	c.SetMaxSeq(1, g, 5)
	c.SetSeqForLocation(1, loc, 5)
	c.SetLocation(1, g, 5, loc)

	c.InvalidateTable(1)

	if _, ok := c.GetMaxSeq(1, g); ok {
		t.Fatalf("group-max should be invalidated")
	}
	if _, ok := c.GetSeqForLocation(1, loc); ok {
		t.Fatalf("location-seq should be invalidated")
	}
	if _, ok := c.GetLocation(1, g, 5); ok {
		t.Fatalf("group-location should be invalidated")
	}
}
