// Package host defines the narrow interfaces the delta-chain engine uses to
// talk to its external collaborators: the host database's catalog,
// page/buffer layer, write-ahead log, snapshot/visibility module, advisory
// lock manager, and TOAST large-value store. These are all fixed services
// outside this module's scope; this package exists only to pin down the
// shape of the boundary. pkg/hostmem provides an in-memory reference
// implementation for tests.
package host

import "context"

// Location identifies a physical row within a table's main fork.
type Location struct {
	PageID uint64
	Offset uint16
}

// RawRow is an ordinary host-page-format row: every user column plus,
// for each configured delta column, an opaque codec.DeltaBlob, plus the
// dedicated sequence column. Columns are addressed by position to avoid
// this package depending on a schema/type system of its own.
type RawRow struct {
	Columns    map[int]any
	DeltaBlobs map[int][]byte // delta-column position -> opaque blob bytes, or a TOAST ref when Toasted[pos]
	Toasted    map[int]bool   // delta-column position -> DeltaBlobs[pos] holds a Toast reference, not inline bytes
	Seq        int64
	XMin       uint64 // inserting transaction id
	XMax       uint64 // deleting transaction id, 0 if not deleted
	Deleted    bool
}

// Clone returns a deep-enough copy of r safe to mutate independently.
func (r RawRow) Clone() RawRow {
	cols := make(map[int]any, len(r.Columns))
	for k, v := range r.Columns {
		cols[k] = v
	}
	blobs := make(map[int][]byte, len(r.DeltaBlobs))
	for k, v := range r.DeltaBlobs {
		cp := make([]byte, len(v))
		copy(cp, v)
		blobs[k] = cp
	}
	toasted := make(map[int]bool, len(r.Toasted))
	for k, v := range r.Toasted {
		toasted[k] = v
	}
	r.Columns = cols
	r.DeltaBlobs = blobs
	r.Toasted = toasted
	return r
}

// RowIterator walks visible physical rows of a table in physical order.
type RowIterator interface {
	Next(ctx context.Context) (Location, RawRow, bool, error)
	Close() error
}

// PageStore is the host's relation/page/buffer layer.
type PageStore interface {
	ReadRow(ctx context.Context, tableID uint32, loc Location) (RawRow, bool, error)
	InsertRow(ctx context.Context, tableID uint32, row RawRow) (Location, error)
	MarkDeleted(ctx context.Context, tableID uint32, loc Location, deletingXID uint64) error
	ScanTable(ctx context.Context, tableID uint32) (RowIterator, error)
	EstimateSize(ctx context.Context, tableID uint32) (pages, tuples uint64, err error)
	// Vacuum physically removes rows whose deletion is visible to every
	// active transaction, compacting pages. It returns how many rows were
	// removed so the caller can decide whether to invalidate caches.
	Vacuum(ctx context.Context, tableID uint32, oldestActiveXID uint64) (removed uint64, err error)
}

// WAL emits the host's standard insert/delete log records so crash
// recovery replays through the host's own mechanism.
type WAL interface {
	EmitInsert(ctx context.Context, tableID uint32, loc Location, row RawRow) error
	EmitDelete(ctx context.Context, tableID uint32, loc Location, deletingXID uint64) error
}

// Snapshot answers MVCC visibility questions for one transaction context.
type Snapshot interface {
	// Visible reports whether a row inserted by xmin and (if nonzero)
	// deleted by xmax is visible under this snapshot.
	Visible(xmin, xmax uint64) bool
	// IncludesSelf reports whether this snapshot sees the current
	// transaction's own uncommitted modifications — required for the
	// stats rescan after a delete to see the rows it just marked deleted.
	IncludesSelf() bool
	// CurrentXID is the transaction id this snapshot considers "self".
	CurrentXID() uint64
}

// AdvisoryLocker acquires transaction-scoped advisory locks keyed by a
// process-defined integer lock id. The returned release func is
// idempotent; the host releases any still-held lock automatically at
// transaction end regardless.
type AdvisoryLocker interface {
	Acquire(ctx context.Context, lockID uint64) (release func(), err error)
}

// Toast is the host's large-value out-of-line storage, used for each
// delta blob longer than TableConfig.TOASTThreshold.
type Toast interface {
	Store(ctx context.Context, tableID uint32, data []byte) (ref []byte, err error)
	Fetch(ctx context.Context, ref []byte) ([]byte, error)
}

// GroupStatsDelta is one group's incremental (or, from a rescan, absolute)
// contribution to the persistent stats table: `(table_id, group_hash[16],
// row_count, keyframe_count, max_seq, raw_size, compressed_size,
// sum_avg_tag)`.
type GroupStatsDelta struct {
	RowCount       int64
	KeyframeCount  int64
	MaxSeq         int64
	RawSize        int64
	CompressedSize int64
	SumAvgTag      float64
}

// GroupStats is one group's full persisted row.
type GroupStats struct {
	TableID        uint32
	Group          [2]uint64 // Hi, Lo of the group's hashkey.Key
	RowCount       int64
	KeyframeCount  int64
	MaxSeq         int64
	RawSize        int64
	CompressedSize int64
	SumAvgTag      float64
}

// StatsStore is the host's persistent per-group stats table.
type StatsStore interface {
	// UpsertGroup sums delta's fields into the stored row (creating it if
	// absent) and max-merges MaxSeq, per the StatsAccumulator flush path.
	UpsertGroup(ctx context.Context, tableID uint32, groupHi, groupLo uint64, delta GroupStatsDelta) error
	// ReplaceGroup overwrites the stored row with delta's fields verbatim,
	// used by the delete-path bounded rescan which recomputes absolute
	// counts rather than incremental ones.
	ReplaceGroup(ctx context.Context, tableID uint32, groupHi, groupLo uint64, delta GroupStatsDelta) error
	DeleteGroup(ctx context.Context, tableID uint32, groupHi, groupLo uint64) error
	DeleteTable(ctx context.Context, tableID uint32) error
	GetGroup(ctx context.Context, tableID uint32, groupHi, groupLo uint64) (GroupStats, bool, error)
	ScanGroups(ctx context.Context, tableID uint32) ([]GroupStats, error)
}
