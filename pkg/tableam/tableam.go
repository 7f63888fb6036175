// Package tableam implements the host-facing table-access-method surface:
// scan, point fetch, bitmap fetch, insert/update/delete/lock, vacuum,
// analyze sampling, index build, and size estimation, all expressed as a
// plain Go interface over pkg/host instead of a literal database vtable.
// Every operation that touches delta-encoded columns delegates the actual
// insert/reconstruct/delete work to pkg/engine; this package only adapts
// that engine to the shapes a scan/fetch/vacuum driver expects.
package tableam

import (
	"context"

	"github.com/block/deltatable/pkg/config"
	"github.com/block/deltatable/pkg/engine"
	"github.com/block/deltatable/pkg/hashkey"
	"github.com/block/deltatable/pkg/host"
	"github.com/block/deltatable/pkg/stats"
	"github.com/pingcap/errors"
	"golang.org/x/sync/errgroup"
)

// AccessMethod adapts a DeltaEngine to the table-access-method operations
// the host runtime drives a relation through.
type AccessMethod struct {
	eng   *engine.DeltaEngine
	pages host.PageStore
	cfg   *config.EngineConfig
}

// New builds an AccessMethod over eng, reading physical rows directly from
// pages for operations (scan, vacuum, size estimation) the engine itself
// has no reason to expose.
func New(eng *engine.DeltaEngine, pages host.PageStore, cfg *config.EngineConfig) *AccessMethod {
	return &AccessMethod{eng: eng, pages: pages, cfg: cfg}
}

// Row is one fully reconstructed logical row: every passthrough column plus
// every delta column's decoded bytes, addressed by position like host.RawRow.
type Row struct {
	Location host.Location
	Seq      int64
	Deleted  bool
	Columns  map[int]any
}

func resetRow(r *Row) {
	r.Location = host.Location{}
	r.Seq = 0
	r.Deleted = false
	for k := range r.Columns {
		delete(r.Columns, k)
	}
}

// reconstructInto fills slot with raw's passthrough columns plus every
// delta column reconstructed through the engine. It resets slot first,
// which clears Location along with everything else: callers that already
// know the row's physical location (any scan or point fetch) must restore
// it into slot.Location after this returns.
func (am *AccessMethod) reconstructInto(ctx context.Context, tableID uint32, g hashkey.Key, raw host.RawRow, tc *config.TableConfig, slot *Row) error {
	resetRow(slot)
	slot.Seq = raw.Seq
	slot.Deleted = raw.Deleted
	for k, v := range raw.Columns {
		slot.Columns[k] = v
	}
	for _, pos := range tc.DeltaColumns {
		val, err := am.eng.ReconstructFromRow(ctx, tableID, g, raw, pos)
		if err != nil {
			return errors.Annotatef(err, "reconstruct column %d for table %d", pos, tableID)
		}
		slot.Columns[pos] = val
	}
	return nil
}

func cloneRow(r Row) Row {
	cols := make(map[int]any, len(r.Columns))
	for k, v := range r.Columns {
		cols[k] = v
	}
	r.Columns = cols
	return r
}

// Scan is a forward sequential scan over a table's main fork.
type Scan struct {
	am      *AccessMethod
	tableID uint32
	tc      *config.TableConfig
	snap    host.Snapshot
	it      host.RowIterator
	slot    *Row
}

// ScanBegin opens a forward scan of tableID, visible under snap.
func (am *AccessMethod) ScanBegin(ctx context.Context, tableID uint32, snap host.Snapshot) (*Scan, error) {
	tc, err := am.eng.ResolveTableConfig(ctx, tableID)
	if err != nil {
		return nil, err
	}
	it, err := am.pages.ScanTable(ctx, tableID)
	if err != nil {
		return nil, errors.Annotatef(err, "scan_begin table %d", tableID)
	}
	return &Scan{
		am: am, tableID: tableID, tc: tc, snap: snap, it: it,
		slot: &Row{Columns: make(map[int]any)},
	}, nil
}

// Next advances to the next visible row, reconstructing its delta columns.
// The returned *Row aliases the scan's own scratch slot and is only valid
// until the next call to Next.
func (s *Scan) Next(ctx context.Context) (*Row, bool, error) {
	for {
		loc, raw, ok, err := s.it.Next(ctx)
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		if !ok {
			return nil, false, nil
		}
		if !s.snap.Visible(raw.XMin, raw.XMax) {
			continue
		}
		g := s.am.eng.GroupOf(s.tc, raw)
		if err := s.am.reconstructInto(ctx, s.tableID, g, raw, s.tc, s.slot); err != nil {
			return nil, false, err
		}
		// reconstructInto cleared Location when it reset the scratch slot;
		// restore the physical position this row was read from.
		s.slot.Location = loc
		return s.slot, true, nil
	}
}

// Close releases the underlying row iterator.
func (s *Scan) Close() error {
	return s.it.Close()
}

// FetchRowVersion reads, visibility-checks, and reconstructs the row at loc.
func (am *AccessMethod) FetchRowVersion(ctx context.Context, tableID uint32, loc host.Location, snap host.Snapshot) (*Row, bool, error) {
	tc, err := am.eng.ResolveTableConfig(ctx, tableID)
	if err != nil {
		return nil, false, err
	}
	raw, found, err := am.pages.ReadRow(ctx, tableID, loc)
	if err != nil {
		return nil, false, errors.Annotatef(err, "fetch_row_version table %d", tableID)
	}
	if !found {
		return nil, false, nil
	}
	if !snap.Visible(raw.XMin, raw.XMax) {
		return nil, false, nil
	}
	g := am.eng.GroupOf(tc, raw)
	row := &Row{Columns: make(map[int]any)}
	if err := am.reconstructInto(ctx, tableID, g, raw, tc, row); err != nil {
		return nil, false, err
	}
	row.Location = loc
	return row, true, nil
}

// Pin stands in for the host's pinned-buffer optimization: it remembers the
// last tuple IndexFetchTuple read so a second fetch of the same location
// skips the page store round-trip entirely. Zero value is an empty pin.
type Pin struct {
	loc   host.Location
	raw   host.RawRow
	valid bool
}

// IndexFetchTuple is FetchRowVersion with a pin: if pin already holds loc's
// row from a previous call, the page store read is skipped.
func (am *AccessMethod) IndexFetchTuple(ctx context.Context, tableID uint32, loc host.Location, snap host.Snapshot, pin *Pin) (*Row, bool, error) {
	tc, err := am.eng.ResolveTableConfig(ctx, tableID)
	if err != nil {
		return nil, false, err
	}

	var raw host.RawRow
	var found bool
	if pin.valid && pin.loc == loc {
		raw, found = pin.raw, true
	} else {
		raw, found, err = am.pages.ReadRow(ctx, tableID, loc)
		if err != nil {
			pin.valid = false
			return nil, false, errors.Annotatef(err, "index_fetch_tuple table %d", tableID)
		}
		if found {
			pin.loc, pin.raw, pin.valid = loc, raw, true
		} else {
			pin.valid = false
		}
	}
	if !found {
		return nil, false, nil
	}
	if !snap.Visible(raw.XMin, raw.XMax) {
		return nil, false, nil
	}

	g := am.eng.GroupOf(tc, raw)
	row := &Row{Columns: make(map[int]any)}
	if err := am.reconstructInto(ctx, tableID, g, raw, tc, row); err != nil {
		return nil, false, err
	}
	row.Location = loc
	return row, true, nil
}

// BitmapScan iterates a caller-supplied set of locations (a lossy-or-exact
// bitmap), reading and reconstructing each.
type BitmapScan struct {
	am      *AccessMethod
	tableID uint32
	tc      *config.TableConfig
	snap    host.Snapshot
	locs    []host.Location
	idx     int
}

// BitmapBegin opens a scan over an explicit set of locations, as produced
// by an index bitmap build. Since host.Location already carries full
// page-and-offset addressing, this collapses bitmap_next_block and
// bitmap_next_tuple into a single per-location step.
func (am *AccessMethod) BitmapBegin(ctx context.Context, tableID uint32, snap host.Snapshot, locs []host.Location) (*BitmapScan, error) {
	tc, err := am.eng.ResolveTableConfig(ctx, tableID)
	if err != nil {
		return nil, err
	}
	return &BitmapScan{am: am, tableID: tableID, tc: tc, snap: snap, locs: locs}, nil
}

// Next reads and reconstructs the next location in the bitmap, skipping
// locations that no longer exist or aren't visible under snap.
func (b *BitmapScan) Next(ctx context.Context) (*Row, bool, error) {
	for b.idx < len(b.locs) {
		loc := b.locs[b.idx]
		b.idx++
		raw, found, err := b.am.pages.ReadRow(ctx, b.tableID, loc)
		if err != nil {
			return nil, false, errors.Annotatef(err, "bitmap scan table %d", b.tableID)
		}
		if !found || !b.snap.Visible(raw.XMin, raw.XMax) {
			continue
		}
		g := b.am.eng.GroupOf(b.tc, raw)
		row := &Row{Columns: make(map[int]any)}
		if err := b.am.reconstructInto(ctx, b.tableID, g, raw, b.tc, row); err != nil {
			return nil, false, err
		}
		row.Location = loc
		return row, true, nil
	}
	return nil, false, nil
}

// TupleInsert appends in to its group's delta chain.
func (am *AccessMethod) TupleInsert(ctx context.Context, acc *stats.Accumulator, in engine.InsertInput) (engine.InsertResult, error) {
	return am.eng.Insert(ctx, acc, in)
}

// TupleUpdate always fails: this access method is append-only.
func (am *AccessMethod) TupleUpdate(ctx context.Context, tableID uint32, loc host.Location) error {
	return errors.Annotatef(ErrUnsupported, "tuple_update on table %d", tableID)
}

// TupleDelete removes the row at loc and every later version in its group.
func (am *AccessMethod) TupleDelete(ctx context.Context, tableID uint32, loc host.Location, deletingXID uint64, snap host.Snapshot) error {
	return am.eng.Delete(ctx, tableID, loc, deletingXID, snap)
}

// LockMode mirrors the host's row lock strengths.
type LockMode int

const (
	LockKeyShare LockMode = iota
	LockShare
	LockNoKeyUpdate
	LockUpdate
)

// TupleLock rejects modes that imply an update; compatible modes are
// delegated to the host's own heap locker, so there is nothing further to
// do here.
func (am *AccessMethod) TupleLock(ctx context.Context, tableID uint32, loc host.Location, mode LockMode) error {
	if mode == LockNoKeyUpdate || mode == LockUpdate {
		return errors.Annotatef(ErrUnsupported, "lock mode %d implies update on table %d", mode, tableID)
	}
	return nil
}

// Vacuum asks the page store to reclaim rows whose deletion every active
// transaction can already see, invalidating every process cache for the
// table if anything was actually removed.
func (am *AccessMethod) Vacuum(ctx context.Context, tableID uint32, oldestActiveXID uint64) (uint64, error) {
	removed, err := am.pages.Vacuum(ctx, tableID, oldestActiveXID)
	if err != nil {
		return 0, errors.Annotatef(err, "vacuum table %d", tableID)
	}
	if removed > 0 {
		am.eng.InvalidateCaches(tableID)
	}
	return removed, nil
}

// VacuumTables vacuums every table in tableIDs concurrently, capped by the
// engine's configured concurrency, mirroring an autovacuum worker pool
// rather than a single relation's vacuum call.
func (am *AccessMethod) VacuumTables(ctx context.Context, tableIDs []uint32, oldestActiveXID uint64) (map[uint32]uint64, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(am.cfg.Concurrency)

	removed := make([]uint64, len(tableIDs))
	for i, tableID := range tableIDs {
		i, tableID := i, tableID
		g.Go(func() error {
			n, err := am.Vacuum(gctx, tableID, oldestActiveXID)
			if err != nil {
				return err
			}
			removed[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[uint32]uint64, len(tableIDs))
	for i, tableID := range tableIDs {
		out[tableID] = removed[i]
	}
	return out, nil
}

// AnalyzeSample drives up to maxRows through the ordinary scan pipeline, so
// every sampled value is a fully reconstructed logical value and never a
// raw delta blob. Absent a block-addressable host interface, this collapses
// analyze_next_block/analyze_next_tuple into one bounded scan.
func (am *AccessMethod) AnalyzeSample(ctx context.Context, tableID uint32, snap host.Snapshot, maxRows int) ([]Row, error) {
	scan, err := am.ScanBegin(ctx, tableID, snap)
	if err != nil {
		return nil, err
	}
	defer scan.Close()

	rows := make([]Row, 0, maxRows)
	for len(rows) < maxRows {
		row, ok, err := scan.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rows = append(rows, cloneRow(*row))
	}
	return rows, nil
}

// AnalyzeTables samples every table in tableIDs concurrently, capped by the
// engine's configured concurrency.
func (am *AccessMethod) AnalyzeTables(ctx context.Context, tableIDs []uint32, snap host.Snapshot, maxRowsPerTable int) (map[uint32][]Row, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(am.cfg.Concurrency)

	samples := make([][]Row, len(tableIDs))
	for i, tableID := range tableIDs {
		i, tableID := i, tableID
		g.Go(func() error {
			rows, err := am.AnalyzeSample(gctx, tableID, snap, maxRowsPerTable)
			if err != nil {
				return err
			}
			samples[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[uint32][]Row, len(tableIDs))
	for i, tableID := range tableIDs {
		out[tableID] = samples[i]
	}
	return out, nil
}

// IndexBuildRangeScan scans every visible row of tableID and invokes build
// with its reconstructed column values, returning how many rows it saw.
func (am *AccessMethod) IndexBuildRangeScan(ctx context.Context, tableID uint32, snap host.Snapshot, build func(row *Row) error) (int64, error) {
	scan, err := am.ScanBegin(ctx, tableID, snap)
	if err != nil {
		return 0, err
	}
	defer scan.Close()

	var count int64
	for {
		row, ok, err := scan.Next(ctx)
		if err != nil {
			return count, err
		}
		if !ok {
			return count, nil
		}
		if err := build(row); err != nil {
			return count, errors.Annotatef(err, "index build callback for table %d", tableID)
		}
		count++
	}
}

// EstimateRelationSize reports the page store's on-disk page and tuple
// counts, for the planner.
func (am *AccessMethod) EstimateRelationSize(ctx context.Context, tableID uint32) (pages, tuples uint64, err error) {
	pages, tuples, err = am.pages.EstimateSize(ctx, tableID)
	if err != nil {
		return 0, 0, errors.Annotatef(err, "estimate_relation_size table %d", tableID)
	}
	return pages, tuples, nil
}

// SetNewFile invalidates every process cache for tableID, since its
// physical storage is about to be replaced wholesale.
func (am *AccessMethod) SetNewFile(tableID uint32) {
	am.eng.InvalidateCaches(tableID)
}

// Truncate invalidates every process cache for tableID; the page store's
// own truncate has already emptied the relation.
func (am *AccessMethod) Truncate(tableID uint32) {
	am.eng.InvalidateCaches(tableID)
}
