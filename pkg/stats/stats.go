// Package stats implements per-transaction incremental stats accumulation
// with a pre-commit flush, plus the delete path's bounded rescan of
// affected groups.
package stats

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/block/deltatable/pkg/hashkey"
	"github.com/block/deltatable/pkg/host"
	"github.com/pingcap/errors"
	"github.com/siddontang/loggers"
	"golang.org/x/sync/errgroup"
)

type groupKey struct {
	tableID uint32
	group   hashkey.Key
}

type delta struct {
	rowCount       int64
	keyframeCount  int64
	maxSeq         int64
	rawSize        int64
	compressedSize int64
	sumAvgTag      float64
}

// Accumulator buffers one transaction's incremental stats contributions in
// memory, keyed by (table, group). Nothing here is shared across
// transactions: each transaction gets its own Accumulator, flushed or
// discarded at transaction end.
type Accumulator struct {
	mu      sync.Mutex
	entries map[groupKey]*delta
	logger  loggers.Advanced
}

// New builds an empty Accumulator. logger may be nil.
func New(logger loggers.Advanced) *Accumulator {
	return &Accumulator{entries: make(map[groupKey]*delta), logger: logger}
}

// RecordInsert accumulates one successful insert's contribution to its
// group's running stats. avgTag is added to a running sum rather than
// averaged in, per `xpatch_stats_cache.c`'s `sum_avg_tag`: dividing by
// row_count only happens when the stats are read, not on every insert.
func (a *Accumulator) RecordInsert(tableID uint32, group hashkey.Key, isKeyframe bool, seq int64, rawSize, compressedSize int64, avgTag float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := groupKey{tableID: tableID, group: group}
	d, ok := a.entries[k]
	if !ok {
		d = &delta{}
		a.entries[k] = d
	}
	d.rowCount++
	if isKeyframe {
		d.keyframeCount++
	}
	if seq > d.maxSeq {
		d.maxSeq = seq
	}
	d.rawSize += rawSize
	d.compressedSize += compressedSize
	d.sumAvgTag += avgTag
}

// Pending reports whether any group has unflushed contributions.
func (a *Accumulator) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries) > 0
}

// Flush writes every accumulated entry to store as one UPSERT per group
// (summing the incremental fields, max-merging max_seq) and clears the
// accumulator. Intended to run at pre-commit; a failure here must abort the
// transaction, so the caller should treat a non-nil error as fatal.
func (a *Accumulator) Flush(ctx context.Context, store host.StatsStore) error {
	a.mu.Lock()
	entries := a.entries
	a.entries = make(map[groupKey]*delta)
	a.mu.Unlock()

	for k, d := range entries {
		err := store.UpsertGroup(ctx, k.tableID, k.group.Hi, k.group.Lo, host.GroupStatsDelta{
			RowCount:       d.rowCount,
			KeyframeCount:  d.keyframeCount,
			MaxSeq:         d.maxSeq,
			RawSize:        d.rawSize,
			CompressedSize: d.compressedSize,
			SumAvgTag:      d.sumAvgTag,
		})
		if err != nil {
			if a.logger != nil {
				a.logger.Warnf("stats flush failed for table %d group %x%x: %s", k.tableID, k.group.Hi, k.group.Lo, err)
			}
			return errors.Annotatef(err, "flush stats for table %d", k.tableID)
		}
	}
	return nil
}

// Discard drops every accumulated entry without writing it, for
// transaction abort.
func (a *Accumulator) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = make(map[groupKey]*delta)
}

// RowInspector decodes one physical row well enough to learn its
// contribution to group stats, including avgTag (the row's mean
// distance-back tag across its delta columns, matching RecordInsert's
// sumAvgTag contribution). Supplied by pkg/engine, which owns reconstruction
// and the codec; pkg/stats stays independent of the encode/decode path so
// the two packages don't form an import cycle.
type RowInspector func(ctx context.Context, tableID uint32, row host.RawRow) (isKeyframe bool, rawSize, compressedSize int64, avgTag float64, err error)

// GroupOf extracts the group hash a row belongs to.
type GroupOf func(row host.RawRow) hashkey.Key

// RefreshGroups performs the bounded rescan a delete cascade needs: for
// each affected group, scan the table's visible rows under snap, recompute
// row count and sizes for rows in that group, and replace the stored row;
// a group that ends up with zero visible rows has its stored row deleted
// instead of replaced. Concurrency across groups is capped at concurrency
// via an errgroup limit, so a delete touching many groups can't flood the
// page store with unbounded parallel scans.
func RefreshGroups(ctx context.Context, store host.StatsStore, pages host.PageStore, snap host.Snapshot, tableID uint32, groups []hashkey.Key, groupOf GroupOf, inspect RowInspector, concurrency int) (groupsRefreshed, rowsScanned int64, err error) {
	if len(groups) == 0 {
		return 0, 0, nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	var scanned atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			n, err := refreshOneGroup(gctx, store, pages, snap, tableID, group, groupOf, inspect)
			scanned.Add(n)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, scanned.Load(), errors.Trace(err)
	}
	return int64(len(groups)), scanned.Load(), nil
}

func refreshOneGroup(ctx context.Context, store host.StatsStore, pages host.PageStore, snap host.Snapshot, tableID uint32, group hashkey.Key, groupOf GroupOf, inspect RowInspector) (int64, error) {
	it, err := pages.ScanTable(ctx, tableID)
	if err != nil {
		return 0, errors.Annotatef(err, "scan table %d for group refresh", tableID)
	}
	defer it.Close()

	var d delta
	var scanned int64
	for {
		_, row, ok, err := it.Next(ctx)
		if err != nil {
			return scanned, errors.Trace(err)
		}
		if !ok {
			break
		}
		if !snap.Visible(row.XMin, row.XMax) {
			continue
		}
		if !groupOf(row).Equal(group) {
			continue
		}
		scanned++
		isKeyframe, rawSize, compressedSize, avgTag, err := inspect(ctx, tableID, row)
		if err != nil {
			return scanned, errors.Trace(err)
		}
		d.rowCount++
		if isKeyframe {
			d.keyframeCount++
		}
		if row.Seq > d.maxSeq {
			d.maxSeq = row.Seq
		}
		d.rawSize += rawSize
		d.compressedSize += compressedSize
		d.sumAvgTag += avgTag
	}

	if d.rowCount == 0 {
		return scanned, store.DeleteGroup(ctx, tableID, group.Hi, group.Lo)
	}
	return scanned, store.ReplaceGroup(ctx, tableID, group.Hi, group.Lo, host.GroupStatsDelta{
		RowCount:       d.rowCount,
		KeyframeCount:  d.keyframeCount,
		MaxSeq:         d.maxSeq,
		RawSize:        d.rawSize,
		CompressedSize: d.compressedSize,
		SumAvgTag:      d.sumAvgTag,
	})
}
