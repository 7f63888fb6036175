// Package insertfifo implements a per-(table,group) ring buffer holding
// the last D materialized delta-column values, used as candidate bases
// for the next insert's parallel encode.
package insertfifo

import (
	"sync"

	"github.com/block/deltatable/pkg/hashkey"
)

// Base is one candidate base offered to the encoder: tag is the distance
// back (new sequence - base sequence), bytes is the reconstructed value.
type Base struct {
	Tag   int
	Bytes []byte
}

type ringEntry struct {
	seq   int64
	valid bool
	cols  [][]byte // per delta-column position, indexed densely 0..numCols-1
}

// Slot is one active (table, group) ring buffer.
type Slot struct {
	mu sync.Mutex

	tableID uint32
	group   hashkey.Key

	d       int
	numCols int

	ring     []ringEntry
	head     int // index of the most recently committed entry
	count    int // number of valid entries, up to d
	activity uint64

	isNew bool
}

// owns reports, under the slot's own lock, whether the slot still belongs
// to (tableID, group). Every FIFO operation must re-check this after
// acquiring the slot, because another backend may have evicted and reused
// it between Acquire and the caller's later Push/GetBases/CommitEntry.
func (s *Slot) owns(tableID uint32, group hashkey.Key) bool {
	return s.tableID == tableID && s.group.Equal(group)
}

// Stats are the hit/miss/eviction/eviction-miss counters for the FIFO.
type Stats struct {
	Hits           uint64
	Misses         uint64
	Evictions      uint64
	EvictionMisses uint64
}

// FIFO is the process-wide (or per-backend, if the embedder prefers)
// collection of active slots, bounded to a fixed slot count.
type FIFO struct {
	mu        sync.Mutex
	slotCount int
	slots     []*Slot
	byOwner   map[ownerKey]*Slot
	stats     Stats
}

type ownerKey struct {
	tableID uint32
	group   hashkey.Key
}

// New builds a FIFO with room for slotCount simultaneously active groups.
func New(slotCount int) *FIFO {
	if slotCount <= 0 {
		slotCount = 1
	}
	return &FIFO{
		slotCount: slotCount,
		byOwner:   make(map[ownerKey]*Slot),
	}
}

// Acquire finds (or creates, evicting the least-active slot if all
// slotCount slots are in use) the slot for (tableID, group), sized for d
// bases across numCols delta columns. isNew is true when the slot was just
// created (the caller is then expected to populate it by reconstructing
// the last up-to-d rows and pushing them in).
func (f *FIFO) Acquire(tableID uint32, group hashkey.Key, d, numCols int) (slot *Slot, isNew bool) {
	key := ownerKey{tableID: tableID, group: group}

	f.mu.Lock()
	if existing, ok := f.byOwner[key]; ok {
		f.mu.Unlock()
		existing.mu.Lock()
		// Re-verify after acquiring the slot's own lock: it may have been
		// evicted and reassigned between the map lookup and this point.
		stillOwns := existing.owns(tableID, group)
		existing.mu.Unlock()
		if stillOwns {
			f.stats.Hits++
			return existing, false
		}
		// Fall through: lost the race, treat as a fresh acquire.
		f.mu.Lock()
	}

	if len(f.slots) < f.slotCount {
		s := &Slot{
			tableID: tableID,
			group:   group,
			d:       d,
			numCols: numCols,
			ring:    make([]ringEntry, d),
			head:    -1,
			isNew:   true,
		}
		f.slots = append(f.slots, s)
		f.byOwner[key] = s
		f.mu.Unlock()
		f.stats.Misses++
		return s, true
	}

	// Evict the slot with the lowest activity counter.
	var victim *Slot
	for _, s := range f.slots {
		if victim == nil || s.activity < victim.activity {
			victim = s
		}
	}
	delete(f.byOwner, ownerKey{tableID: victim.tableID, group: victim.group})
	victim.mu.Lock()
	victim.tableID = tableID
	victim.group = group
	victim.d = d
	victim.numCols = numCols
	victim.ring = make([]ringEntry, d)
	victim.head = -1
	victim.count = 0
	victim.activity = 0
	victim.isNew = true
	victim.mu.Unlock()
	f.byOwner[key] = victim
	f.mu.Unlock()
	f.stats.Evictions++
	return victim, true
}

// GetBases walks back from the slot's head up to d entries, returning the
// candidate bases sorted ascending by tag (distance back = newSeq -
// entrySeq). On an ownership mismatch (the slot was reused since Acquire)
// it returns an empty slice and bumps the eviction-miss counter; the caller
// must fall back to reconstruction.
func (f *FIFO) GetBases(slot *Slot, tableID uint32, group hashkey.Key, newSeq int64, col int) []Base {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !slot.owns(tableID, group) {
		f.bumpEvictionMiss()
		return nil
	}
	var bases []Base
	n := slot.count
	idx := slot.head
	for i := 0; i < n; i++ {
		e := slot.ring[idx]
		if e.valid && col < len(e.cols) && e.cols[col] != nil {
			tag := int(newSeq - e.seq)
			if tag >= 1 {
				cp := make([]byte, len(e.cols[col]))
				copy(cp, e.cols[col])
				bases = append(bases, Base{Tag: tag, Bytes: cp})
			}
		}
		idx--
		if idx < 0 {
			idx = len(slot.ring) - 1
		}
	}
	sortBasesByTag(bases)
	return bases
}

// Push writes bytes at the write position for seq, freeing whatever
// content previously lived there. If the slot was reused since Acquire,
// Push is a no-op; the slot is left self-consistent either way.
func (f *FIFO) Push(slot *Slot, tableID uint32, group hashkey.Key, seq int64, col int, data []byte) {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !slot.owns(tableID, group) {
		f.bumpEvictionMiss()
		return
	}
	writeIdx := (slot.head + 1) % len(slot.ring)
	e := &slot.ring[writeIdx]
	if e.cols == nil || len(e.cols) != slot.numCols {
		e.cols = make([][]byte, slot.numCols)
	}
	e.cols[col] = nil // free previous content at this write position
	cp := make([]byte, len(data))
	copy(cp, data)
	e.cols[col] = cp
	e.seq = seq
	// Validity and head advancement happen in CommitEntry; Push only
	// stages content so multiple columns can be pushed before commit.
	e.valid = false
}

// CommitEntry marks the staged write position for seq valid, advances the
// ring head, and bumps the slot's occupied count (capped at d).
func (f *FIFO) CommitEntry(slot *Slot, tableID uint32, group hashkey.Key, seq int64) {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !slot.owns(tableID, group) {
		f.bumpEvictionMiss()
		return
	}
	writeIdx := (slot.head + 1) % len(slot.ring)
	if slot.ring[writeIdx].seq != seq {
		// Nothing was staged for this sequence (e.g. every column's
		// encode failed before any Push); nothing to commit.
		return
	}
	slot.ring[writeIdx].valid = true
	slot.head = writeIdx
	if slot.count < len(slot.ring) {
		slot.count++
	}
	slot.activity++
}

// IsNew reports (and clears) whether slot was just created by Acquire.
func (s *Slot) IsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasNew := s.isNew
	s.isNew = false
	return wasNew
}

func (f *FIFO) bumpEvictionMiss() {
	f.mu.Lock()
	f.stats.EvictionMisses++
	f.mu.Unlock()
}

// Stats returns a snapshot of the FIFO's hit/miss/eviction counters.
func (f *FIFO) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// InvalidateTable drops every active slot belonging to tableID, used by
// truncate and the delete cascade.
func (f *FIFO) InvalidateTable(tableID uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, s := range f.byOwner {
		if key.tableID == tableID {
			delete(f.byOwner, key)
			s.mu.Lock()
			s.tableID = 0
			s.group = hashkey.Zero
			s.count = 0
			s.head = -1
			s.mu.Unlock()
		}
	}
}

func sortBasesByTag(bases []Base) {
	// insertion sort: d is small (spec default 1, bounded by
	// MaxCompressDepth but realistically single digits), so this beats
	// pulling in sort.Slice for a handful of elements.
	for i := 1; i < len(bases); i++ {
		for j := i; j > 0 && bases[j-1].Tag > bases[j].Tag; j-- {
			bases[j-1], bases[j] = bases[j], bases[j-1]
		}
	}
}
