// Package introspect implements the read-only operator surface: per-table
// aggregate stats, physical-row inspection, and the refresh-stats and
// invalidate-config maintenance calls. Nothing here reconstructs a logical
// row; inspect and physical read DeltaBlob headers and bytes directly off
// pkg/host.
package introspect

import (
	"context"

	"github.com/block/deltatable/pkg/codec"
	"github.com/block/deltatable/pkg/engine"
	"github.com/block/deltatable/pkg/hashkey"
	"github.com/block/deltatable/pkg/host"
	"github.com/pingcap/errors"
)

// Introspector answers read-only operator queries against one engine's
// tables, composing pkg/engine's cached config resolution with a direct
// pkg/host.PageStore scan.
type Introspector struct {
	eng        *engine.DeltaEngine
	pages      host.PageStore
	statsStore host.StatsStore
}

// New builds an Introspector over an already-running engine and the same
// page store and stats table it was constructed with.
func New(eng *engine.DeltaEngine, pages host.PageStore, statsStore host.StatsStore) *Introspector {
	return &Introspector{eng: eng, pages: pages, statsStore: statsStore}
}

// TableStats is stats(table): the persisted per-group aggregates summed
// across every group, plus the process-wide live cache counters.
type TableStats struct {
	TableID uint32

	GroupCount     int64
	RowCount       int64
	KeyframeCount  int64
	RawSize        int64
	CompressedSize int64

	Caches engine.CacheCounters
}

// Stats implements the stats(table) operator call.
func (ti *Introspector) Stats(ctx context.Context, tableID uint32) (TableStats, error) {
	groups, err := ti.statsStore.ScanGroups(ctx, tableID)
	if err != nil {
		return TableStats{}, errors.Annotatef(err, "scan groups for table %d", tableID)
	}

	out := TableStats{TableID: tableID, GroupCount: int64(len(groups)), Caches: ti.eng.CacheCounters()}
	for _, g := range groups {
		out.RowCount += g.RowCount
		out.KeyframeCount += g.KeyframeCount
		out.RawSize += g.RawSize
		out.CompressedSize += g.CompressedSize
	}
	return out, nil
}

// Row is one physical delta-column cell, reported at header granularity by
// Inspect and at full-bytes granularity by Physical.
type Row struct {
	Group      hashkey.Key
	Seq        int64
	IsKeyframe bool
	Column     int
	Tag        int
	Size       int
	Bytes      []byte // nil from Inspect; populated by Physical
}

// scanRows walks tableID's physical rows visible under snap, optionally
// restricted to one group and to seq >= fromSeq, calling emit once per
// delta column per matching row. emit decides whether to keep the bytes it
// was handed (Physical) or discard them after reading Tag/Size (Inspect).
func (ti *Introspector) scanRows(ctx context.Context, tableID uint32, group *hashkey.Key, fromSeq int64, snap host.Snapshot, emit func(Row)) error {
	tc, err := ti.eng.ResolveTableConfig(ctx, tableID)
	if err != nil {
		return err
	}

	it, err := ti.pages.ScanTable(ctx, tableID)
	if err != nil {
		return errors.Annotatef(err, "scan table %d", tableID)
	}
	defer it.Close()

	for {
		_, raw, ok, err := it.Next(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			return nil
		}
		if !snap.Visible(raw.XMin, raw.XMax) {
			continue
		}
		if raw.Seq < fromSeq {
			continue
		}
		g := ti.eng.GroupOf(tc, raw)
		if group != nil && !g.Equal(*group) {
			continue
		}
		isKeyframe := ti.eng.IsKeyframeSeq(tc, raw.Seq)

		for _, col := range tc.DeltaColumns {
			blob, err := ti.eng.ReadDeltaBlob(ctx, tableID, raw, col)
			if err != nil {
				return errors.Annotatef(err, "read delta blob for table %d column %d", tableID, col)
			}
			tag, err := codec.TagOf(blob)
			if err != nil {
				return errors.Annotatef(err, "decode blob header for table %d column %d", tableID, col)
			}
			emit(Row{
				Group:      g,
				Seq:        raw.Seq,
				IsKeyframe: isKeyframe,
				Column:     col,
				Tag:        tag,
				Size:       len(blob),
				Bytes:      blob,
			})
		}
	}
}

// Inspect implements inspect(table, group?): header-only rows, never the
// raw DeltaBlob bytes.
func (ti *Introspector) Inspect(ctx context.Context, tableID uint32, group *hashkey.Key, snap host.Snapshot) ([]Row, error) {
	var rows []Row
	err := ti.scanRows(ctx, tableID, group, 0, snap, func(r Row) {
		r.Bytes = nil
		rows = append(rows, r)
	})
	return rows, err
}

// Physical implements physical(table, group?, from_seq?): the same rows as
// Inspect, but with the raw DeltaBlob bytes attached.
func (ti *Introspector) Physical(ctx context.Context, tableID uint32, group *hashkey.Key, fromSeq int64, snap host.Snapshot) ([]Row, error) {
	var rows []Row
	err := ti.scanRows(ctx, tableID, group, fromSeq, snap, func(r Row) {
		rows = append(rows, r)
	})
	return rows, err
}

// RefreshStats implements refresh_stats_internal(table): recompute every
// group's persisted aggregates from a full visible-rows rescan.
func (ti *Introspector) RefreshStats(ctx context.Context, tableID uint32, snap host.Snapshot) (groupsRefreshed, rowsScanned int64, err error) {
	groups, err := ti.statsStore.ScanGroups(ctx, tableID)
	if err != nil {
		return 0, 0, errors.Annotatef(err, "scan groups for table %d", tableID)
	}
	keys := make([]hashkey.Key, len(groups))
	for i, g := range groups {
		keys[i] = hashkey.Key{Hi: g.Group[0], Lo: g.Group[1]}
	}
	return ti.eng.RefreshGroupStats(ctx, tableID, keys, snap)
}

// InvalidateConfig implements invalidate_config(table): drop the cached
// TableConfig so the next access re-reads it from the catalog.
func (ti *Introspector) InvalidateConfig(tableID uint32) {
	ti.eng.InvalidateConfig(tableID)
}

// Version is the version-string operator call.
func Version() string {
	return "deltatable 0.1.0"
}
