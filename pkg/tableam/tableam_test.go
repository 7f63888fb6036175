package tableam

import (
	"context"
	"testing"

	"github.com/block/deltatable/pkg/config"
	"github.com/block/deltatable/pkg/engine"
	"github.com/block/deltatable/pkg/host"
	"github.com/block/deltatable/pkg/hostmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	colGroup = 0
	colValue = 1
)

func newHarness(t *testing.T, tableID uint32) (*AccessMethod, *engine.DeltaEngine, *hostmem.Store) {
	t.Helper()
	store := hostmem.New()
	tc := config.NewTableConfig(tableID, 2, []int{colValue})
	tc.GroupByColumn = colGroup
	tc.KeyframePeriod = 3
	tc.CompressDepth = 2
	store.SetTableConfig(tableID, tc)

	ec := config.NewEngineConfig()
	eng := engine.New(ec, store, store, store, store, store, store, nil)
	t.Cleanup(eng.Close)
	am := New(eng, store, ec)
	return am, eng, store
}

func insertVal(t *testing.T, eng *engine.DeltaEngine, tableID uint32, group, val string) engine.InsertResult {
	t.Helper()
	res, err := eng.Insert(context.Background(), nil, engine.InsertInput{
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

func TestScanNextReconstructsAndRestoresLocation(t *testing.T) {
	am, eng, store := newHarness(t, 1)
	ctx := context.Background()

	insertVal(t, eng, 1, "g1", "hello")
	insertVal(t, eng, 1, "g1", "world")

	snap := store.NewSnapshot(false)
	scan, err := am.ScanBegin(ctx, 1, snap)
	require.NoError(t, err)
	defer scan.Close()

	var got []string
	var locs []host.Location
	for {
		row, ok, err := scan.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(row.Columns[colValue].([]byte)))
		locs = append(locs, row.Location)
	}
	assert.Equal(t, []string{"hello", "world"}, got)

	// Every scanned row's Location must be the real physical location it
	// was read from, not the zero value reconstructInto resets it to.
	for _, loc := range locs {
		assert.NotEqual(t, host.Location{}, loc)
	}
	assert.NotEqual(t, locs[0], locs[1])
}

func TestScanSlotResetClearsLocationBetweenRows(t *testing.T) {
	am, eng, store := newHarness(t, 1)
	ctx := context.Background()
	insertVal(t, eng, 1, "g1", "a")

	snap := store.NewSnapshot(false)
	scan, err := am.ScanBegin(ctx, 1, snap)
	require.NoError(t, err)
	defer scan.Close()

	// Directly exercise the clear-then-restore path reconstructInto and
	// Next cooperate on: a stale Location left in the slot must not survive
	// into the returned row.
	scan.slot.Location = host.Location{PageID: 99, Offset: 7}
	row, ok, err := scan.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, host.Location{PageID: 99, Offset: 7}, row.Location)
}

func TestFetchRowVersion(t *testing.T) {
	am, eng, store := newHarness(t, 1)
	ctx := context.Background()

	res := insertVal(t, eng, 1, "g1", "hello")
	snap := store.NewSnapshot(false)

	row, ok, err := am.FetchRowVersion(ctx, 1, res.Location, snap)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(row.Columns[colValue].([]byte)))
	assert.Equal(t, res.Location, row.Location)
}

func TestIndexFetchTupleReusesPin(t *testing.T) {
	am, eng, store := newHarness(t, 1)
	ctx := context.Background()

	res := insertVal(t, eng, 1, "g1", "hello")
	snap := store.NewSnapshot(false)

	var pin Pin
	row1, ok, err := am.IndexFetchTuple(ctx, 1, res.Location, snap, &pin)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, pin.valid)

	row2, ok, err := am.IndexFetchTuple(ctx, 1, res.Location, snap, &pin)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, row1.Columns[colValue], row2.Columns[colValue])
}

func TestBitmapScan(t *testing.T) {
	am, eng, store := newHarness(t, 1)
	ctx := context.Background()

	r1 := insertVal(t, eng, 1, "g1", "a")
	r2 := insertVal(t, eng, 1, "g1", "b")
	snap := store.NewSnapshot(false)

	bs, err := am.BitmapBegin(ctx, 1, snap, []host.Location{r2.Location, r1.Location})
	require.NoError(t, err)

	var got []string
	for {
		row, ok, err := bs.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(row.Columns[colValue].([]byte)))
	}
	assert.Equal(t, []string{"b", "a"}, got)
}

func TestTupleUpdateUnsupported(t *testing.T) {
	am, _, _ := newHarness(t, 1)
	err := am.TupleUpdate(context.Background(), 1, host.Location{})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestTupleLockRejectsUpdateModes(t *testing.T) {
	am, _, _ := newHarness(t, 1)
	ctx := context.Background()

	assert.NoError(t, am.TupleLock(ctx, 1, host.Location{}, LockShare))
	assert.NoError(t, am.TupleLock(ctx, 1, host.Location{}, LockKeyShare))
	assert.ErrorIs(t, am.TupleLock(ctx, 1, host.Location{}, LockUpdate), ErrUnsupported)
	assert.ErrorIs(t, am.TupleLock(ctx, 1, host.Location{}, LockNoKeyUpdate), ErrUnsupported)
}

func TestTupleDeleteCascades(t *testing.T) {
	am, eng, store := newHarness(t, 1)
	ctx := context.Background()

	insertVal(t, eng, 1, "g1", "a")
	r2 := insertVal(t, eng, 1, "g1", "b")

	snap := store.NewSnapshot(true)
	require.NoError(t, am.TupleDelete(ctx, 1, r2.Location, 5, snap))

	got, ok, err := store.ReadRow(ctx, 1, r2.Location)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Deleted)
}

func TestVacuumInvalidatesCachesWhenRowsRemoved(t *testing.T) {
	am, eng, store := newHarness(t, 1)
	ctx := context.Background()

	// Deleting the first version of the group cascades to every later
	// version too, so both rows end up marked deleted.
	r1 := insertVal(t, eng, 1, "g1", "a")
	insertVal(t, eng, 1, "g1", "b")

	snap := store.NewSnapshot(true)
	require.NoError(t, am.TupleDelete(ctx, 1, r1.Location, 5, snap))

	removed, err := am.Vacuum(ctx, 1, 1<<62)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), removed)
}

func TestVacuumTablesFansOutAcrossTables(t *testing.T) {
	am, eng, store := newHarness(t, 1)
	ctx := context.Background()
	tc2 := config.NewTableConfig(2, 2, []int{colValue})
	tc2.GroupByColumn = colGroup
	store.SetTableConfig(2, tc2)

	insertVal(t, eng, 1, "g1", "a")
	r2 := insertVal(t, eng, 2, "g1", "b")
	snap := store.NewSnapshot(true)
	require.NoError(t, am.TupleDelete(ctx, 2, r2.Location, 5, snap))

	removed, err := am.VacuumTables(ctx, []uint32{1, 2}, 1<<62)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), removed[1])
	assert.Equal(t, uint64(1), removed[2])
}

func TestEstimateRelationSize(t *testing.T) {
	am, eng, store := newHarness(t, 1)
	ctx := context.Background()
	insertVal(t, eng, 1, "g1", "a")
	insertVal(t, eng, 1, "g1", "b")

	pages, tuples, err := am.EstimateRelationSize(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tuples)
	_ = pages
	_ = store
}

func TestIndexBuildRangeScan(t *testing.T) {
	am, eng, store := newHarness(t, 1)
	ctx := context.Background()
	insertVal(t, eng, 1, "g1", "a")
	insertVal(t, eng, 1, "g1", "b")

	snap := store.NewSnapshot(false)
	var built []string
	count, err := am.IndexBuildRangeScan(ctx, 1, snap, func(row *Row) error {
		built = append(built, string(row.Columns[colValue].([]byte)))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, []string{"a", "b"}, built)
}
