package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/block/deltatable/pkg/config"
	"github.com/block/deltatable/pkg/hashkey"
	"github.com/block/deltatable/pkg/host"
	"github.com/block/deltatable/pkg/hostmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	colGroup = 0
	colValue = 1
)

func newHarness(t *testing.T, tableID uint32, orderByColumn int, deltaColumns []int) (*DeltaEngine, *hostmem.Store) {
	t.Helper()
	store := hostmem.New()
	tc := config.NewTableConfig(tableID, orderByColumn, deltaColumns)
	tc.GroupByColumn = colGroup
	tc.KeyframePeriod = 3
	tc.CompressDepth = 2
	store.SetTableConfig(tableID, tc)

	ec := config.NewEngineConfig()
	e := New(ec, store, store, store, store, store, store, nil)
	t.Cleanup(e.Close)
	return e, store
}

func insertVal(t *testing.T, e *DeltaEngine, tableID uint32, group string, val string) InsertResult {
	t.Helper()
	res, err := e.Insert(context.Background(), nil, InsertInput{
		TableID:    tableID,
		GroupValue: group,
		Columns:    map[int]any{colGroup: group},
		DeltaValues: map[int][]byte{
			colValue: []byte(val),
		},
	})
	require.NoError(t, err)
	return res
}

func TestInsertFirstRowIsKeyframe(t *testing.T) {
	e, _ := newHarness(t, 1, 2, []int{colValue})
	res := insertVal(t, e, 1, "g1", "hello world")
	assert.Equal(t, int64(1), res.Seq)
	assert.True(t, res.IsKeyframe)
}

func TestInsertAndReconstructRoundTrip(t *testing.T) {
	e, _ := newHarness(t, 1, 2, []int{colValue})
	ctx := context.Background()
	g := hashkey.Hash(1, []byte("g1"))

	values := []string{
		"the quick brown fox jumps over the lazy dog",
		"the quick brown fox leaps over the lazy dog",
		"the quick brown fox leaps over the lazy hound",
		"the quick brown fox leaps over the lazy hound today",
	}
	for _, v := range values {
		insertVal(t, e, 1, "g1", v)
	}

	for seq, want := range values {
		got, err := e.Reconstruct(ctx, 1, g, int64(seq+1), colValue)
		require.NoError(t, err)
		assert.Equal(t, want, string(got), "seq %d", seq+1)
	}
}

func TestInsertKeyframePeriod(t *testing.T) {
	e, store := newHarness(t, 1, 2, []int{colValue})
	ctx := context.Background()

	var seqs []int64
	var keyframes []bool
	for i := 0; i < 5; i++ {
		res := insertVal(t, e, 1, "g1", "value")
		seqs = append(seqs, res.Seq)
		keyframes = append(keyframes, res.IsKeyframe)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs)
	// KeyframePeriod == 3: seq 1 and seq mod 3 == 1 (seq 4) are keyframes.
	assert.Equal(t, []bool{true, false, false, true, false}, keyframes)

	it, err := store.ScanTable(ctx, 1)
	require.NoError(t, err)
	defer it.Close()
	count := 0
	for {
		_, _, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, 5, count)
}

func TestInsertDistinctGroupsHaveIndependentSequences(t *testing.T) {
	e, _ := newHarness(t, 1, 2, []int{colValue})
	r1 := insertVal(t, e, 1, "g1", "a")
	r2 := insertVal(t, e, 1, "g2", "b")
	r3 := insertVal(t, e, 1, "g1", "c")
	assert.Equal(t, int64(1), r1.Seq)
	assert.Equal(t, int64(1), r2.Seq)
	assert.Equal(t, int64(2), r3.Seq)
}

func TestDeleteCascadesTailAndRefreshesSeqCache(t *testing.T) {
	e, store := newHarness(t, 1, 2, []int{colValue})
	ctx := context.Background()
	g := hashkey.Hash(1, []byte("g1"))

	insertVal(t, e, 1, "g1", "v1")
	r2 := insertVal(t, e, 1, "g1", "v2")
	r3 := insertVal(t, e, 1, "g1", "v3")

	loc2 := mustLocate(t, e, 1, g, r2.Seq)
	loc3 := mustLocate(t, e, 1, g, r3.Seq)

	snap := store.NewSnapshot(true)
	require.NoError(t, e.Delete(ctx, 1, loc2, 99, snap))

	// Cascade marks the target and every later version deleted (physical
	// removal deferred to vacuum); both rows still exist for a direct read.
	got2, ok, err := store.ReadRow(ctx, 1, loc2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got2.Deleted)
	assert.Equal(t, uint64(99), got2.XMax)

	got3, ok, err := store.ReadRow(ctx, 1, loc3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got3.Deleted)
	assert.Equal(t, uint64(99), got3.XMax)

	// A fresh insert into the same group resumes right after the surviving
	// version (seq 1), since SeqCache's max was rolled back to target-1.
	r4 := insertVal(t, e, 1, "g1", "v4")
	assert.Equal(t, r2.Seq, r4.Seq)
}

// insertVersioned inserts a row that carries an explicit order-by value,
// exercising the strictly-increasing check insertVal's callers never touch.
func insertVersioned(t *testing.T, e *DeltaEngine, tableID uint32, orderByColumn int, group string, version int, val string) (InsertResult, error) {
	t.Helper()
	return e.Insert(context.Background(), nil, InsertInput{
		TableID:    tableID,
		GroupValue: group,
		Columns: map[int]any{
			colGroup:      group,
			orderByColumn: version,
		},
		DeltaValues: map[int][]byte{
			colValue: []byte(val),
		},
	})
}

func TestInsertRejectsNonIncreasingOrderByVersion(t *testing.T) {
	const colOrderBy = 2
	e, _ := newHarness(t, 1, colOrderBy, []int{colValue})

	for i := 1; i <= 5; i++ {
		res, err := insertVersioned(t, e, 1, colOrderBy, "g1", i, fmt.Sprintf("v%d", i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), res.Seq)
	}

	// Sixth attempt repeats the fifth row's order-by value: strictly
	// increasing is violated, so it must be rejected before landing.
	_, err := insertVersioned(t, e, 1, colOrderBy, "g1", 5, "v6-rejected")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionNotIncreasing)

	// The rejected attempt must not have permanently consumed sequence 6:
	// the next valid insert lands there, not at 7.
	res, err := insertVersioned(t, e, 1, colOrderBy, "g1", 6, "v6")
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Seq)
}

// mustLocate reads back the physical location of (g, seq) from SeqCache,
// which Insert always warms on success.
func mustLocate(t *testing.T, e *DeltaEngine, tableID uint32, g hashkey.Key, seq int64) host.Location {
	t.Helper()
	l, ok := e.seq.GetLocation(tableID, g, seq)
	require.True(t, ok, "expected SeqCache to have a warm (group,seq)->location mapping after insert")
	return l
}
