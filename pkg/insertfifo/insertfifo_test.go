package insertfifo

import (
	"testing"

	"github.com/block/deltatable/pkg/hashkey"
)

func TestAcquireCreatesNewSlot(t *testing.T) {
	f := New(2)
	g := hashkey.Hash(1, []byte("g"))
	slot, isNew := f.Acquire(1, g, 3, 2)
	if !isNew {
		t.Fatalf("first acquire should be new")
	}
	if !slot.IsNew() {
		t.Fatalf("IsNew should report true once before being cleared")
	}
	if slot.IsNew() {
		t.Fatalf("IsNew should clear after being read")
	}
}

func TestAcquireReturnsSameSlotOnRepeat(t *testing.T) {
	f := New(2)
	g := hashkey.Hash(1, []byte("g"))
	s1, _ := f.Acquire(1, g, 3, 2)
	s2, isNew := f.Acquire(1, g, 3, 2)
	if isNew {
		t.Fatalf("second acquire for the same owner should not be new")
	}
	if s1 != s2 {
		t.Fatalf("expected the same slot pointer for repeat acquire")
	}
}

func TestPushGetBasesCommitRoundTrip(t *testing.T) {
	f := New(2)
	g := hashkey.Hash(1, []byte("g"))
	slot, _ := f.Acquire(1, g, 3, 1)

	f.Push(slot, 1, g, 10, 0, []byte("v10"))
	f.CommitEntry(slot, 1, g, 10)

	bases := f.GetBases(slot, 1, g, 11, 0)
	if len(bases) != 1 {
		t.Fatalf("expected 1 base, got %d", len(bases))
	}
	if bases[0].Tag != 1 || string(bases[0].Bytes) != "v10" {
		t.Fatalf("unexpected base: %+v", bases[0])
	}
}

func TestGetBasesSortedAscendingByTag(t *testing.T) {
	f := New(2)
	g := hashkey.Hash(1, []byte("g"))
	slot, _ := f.Acquire(1, g, 3, 1)

	for _, seq := range []int64{10, 11, 12} {
		f.Push(slot, 1, g, seq, 0, []byte{byte(seq)})
		f.CommitEntry(slot, 1, g, seq)
	}

	bases := f.GetBases(slot, 1, g, 13, 0)
	if len(bases) != 3 {
		t.Fatalf("expected 3 bases, got %d", len(bases))
	}
	for i := 1; i < len(bases); i++ {
		if bases[i-1].Tag > bases[i].Tag {
			t.Fatalf("bases not sorted ascending by tag: %+v", bases)
		}
	}
}

func TestRingCapsAtD(t *testing.T) {
	f := New(2)
	g := hashkey.Hash(1, []byte("g"))
	slot, _ := f.Acquire(1, g, 2, 1)

	for _, seq := range []int64{10, 11, 12} {
		f.Push(slot, 1, g, seq, 0, []byte{byte(seq)})
		f.CommitEntry(slot, 1, g, seq)
	}

	bases := f.GetBases(slot, 1, g, 13, 0)
	if len(bases) != 2 {
		t.Fatalf("expected ring capped at d=2 entries, got %d", len(bases))
	}
}

func TestEvictionReassignsLeastActiveSlot(t *testing.T) {
	f := New(1)
	g1 := hashkey.Hash(1, []byte("g1"))
	g2 := hashkey.Hash(1, []byte("g2"))

	s1, _ := f.Acquire(1, g1, 2, 1)
	f.Push(s1, 1, g1, 10, 0, []byte("a"))
	f.CommitEntry(s1, 1, g1, 10)

	s2, isNew := f.Acquire(1, g2, 2, 1)
	if !isNew {
		t.Fatalf("expected the only slot to be evicted and reassigned")
	}
	if s1 != s2 {
		t.Fatalf("expected the same underlying slot to be reused")
	}

	// Operations against the stale owner must be rejected after eviction.
	bases := f.GetBases(s1, 1, g1, 11, 0)
	if bases != nil {
		t.Fatalf("stale owner should see no bases after eviction, got %+v", bases)
	}
	stats := f.Stats()
	if stats.EvictionMisses == 0 {
		t.Fatalf("expected an eviction-miss to be recorded")
	}
}

func TestInvalidateTableClearsSlot(t *testing.T) {
	f := New(2)
	g := hashkey.Hash(1, []byte("g"))
	slot, _ := f.Acquire(1, g, 2, 1)
	f.Push(slot, 1, g, 10, 0, []byte("a"))
	f.CommitEntry(slot, 1, g, 10)

	f.InvalidateTable(1)

	bases := f.GetBases(slot, 1, g, 11, 0)
	if bases != nil {
		t.Fatalf("expected no bases after table invalidation, got %+v", bases)
	}
}
