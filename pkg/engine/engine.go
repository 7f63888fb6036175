// Package engine implements DeltaEngine, the heart of the delta-chain
// table-access method: insert, reconstruction, delete with cascade, and
// the keyframe/compression-depth policy that governs both. It composes
// every other pkg/* collaborator behind pkg/host's interfaces, so it
// never assumes a particular storage engine.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/block/deltatable/pkg/codec"
	"github.com/block/deltatable/pkg/config"
	"github.com/block/deltatable/pkg/contentcache"
	"github.com/block/deltatable/pkg/encodepool"
	"github.com/block/deltatable/pkg/hashkey"
	"github.com/block/deltatable/pkg/host"
	"github.com/block/deltatable/pkg/insertfifo"
	"github.com/block/deltatable/pkg/seqcache"
	"github.com/block/deltatable/pkg/stats"
	"github.com/pingcap/errors"
	"github.com/siddontang/loggers"
	"golang.org/x/sync/singleflight"
)

// DeltaEngine owns every process-wide cache and dispatches the host's
// external collaborators (catalog, pages, WAL, advisory locks, TOAST, and
// the persistent stats table) through pkg/host's interfaces.
type DeltaEngine struct {
	cfg     *config.EngineConfig
	configs *config.Cache

	catalog    config.Catalog
	pages      host.PageStore
	wal        host.WAL
	locker     host.AdvisoryLocker
	toast      host.Toast
	statsStore host.StatsStore

	content *contentcache.Cache
	seq     *seqcache.Cache
	fifo    *insertfifo.FIFO
	pool    *encodepool.Pool
	sf      singleflight.Group

	logger loggers.Advanced
}

// New builds a DeltaEngine with fresh, empty caches sized from cfg.
func New(cfg *config.EngineConfig, catalog config.Catalog, pages host.PageStore, wal host.WAL, locker host.AdvisoryLocker, toast host.Toast, statsStore host.StatsStore, logger loggers.Advanced) *DeltaEngine {
	// The three SeqCache sub-caches share one size knob; EngineConfig keeps
	// a per-subcache MiB budget for the operator-facing config surface, so
	// take the largest of the three as a rough entries-per-MiB estimate.
	seqSize := cfg.SeqCacheMiB[0]
	for _, mib := range cfg.SeqCacheMiB[1:] {
		if mib > seqSize {
			seqSize = mib
		}
	}
	return &DeltaEngine{
		cfg:        cfg,
		configs:    config.NewCache(),
		catalog:    catalog,
		pages:      pages,
		wal:        wal,
		locker:     locker,
		toast:      toast,
		statsStore: statsStore,
		content:    contentcache.New(cfg.StripeCount, cfg.SharedCacheMiB*1024, cfg.MaxEntrySize),
		seq:        seqcache.New(seqSize * 1024),
		fifo:       insertfifo.New(cfg.InsertFIFOSlots),
		pool:       encodepool.New(cfg.EncodeThreads),
		logger:     logger,
	}
}

// Close releases the engine's background worker pool.
func (e *DeltaEngine) Close() {
	e.pool.Close()
}

func (e *DeltaEngine) resolve(ctx context.Context, tableID uint32) (*config.TableConfig, error) {
	tc, err := e.configs.Resolve(ctx, e.catalog, e.cfg, tableID)
	if err != nil {
		return nil, errors.Annotatef(err, "resolve config for table %d", tableID)
	}
	return tc, nil
}

// ResolveTableConfig exposes the cached TableConfig lookup for collaborators
// (pkg/tableam, pkg/introspect) that need a table's column layout without
// duplicating the engine's own resolve-and-cache path.
func (e *DeltaEngine) ResolveTableConfig(ctx context.Context, tableID uint32) (*config.TableConfig, error) {
	return e.resolve(ctx, tableID)
}

// InvalidateCaches drops every process cache's entries for tableID (content,
// sequence, and insert FIFO), without touching the cached TableConfig. Used
// after vacuum compacts pages or a truncate/set-new-file replaces them.
func (e *DeltaEngine) InvalidateCaches(tableID uint32) {
	e.content.InvalidateRelation(tableID)
	e.seq.InvalidateTable(tableID)
	e.fifo.InvalidateTable(tableID)
}

// InvalidateConfig drops tableID's cached TableConfig, forcing the next
// resolve to re-read it from the catalog. It is the operator-facing
// invalidate_config entry point, for use after a table's column
// configuration changes out from under a running process.
func (e *DeltaEngine) InvalidateConfig(tableID uint32) {
	e.configs.Invalidate(tableID)
}

// CacheCounters reports the process-wide hit/miss/eviction counters for
// every cache the engine owns, plus how many encode batches ran on the
// worker pool versus inline. These are global, not scoped to one table:
// every backend attached to this process shares the same caches.
type CacheCounters struct {
	Content       contentcache.Stats
	FIFO          insertfifo.Stats
	GroupMaxSeq   seqcache.Counters
	LocationSeq   seqcache.Counters
	GroupLocation seqcache.Counters

	PoolDispatched uint64
	PoolInline     uint64
}

// CacheCounters snapshots every cache's counters for pkg/introspect's stats
// operation.
func (e *DeltaEngine) CacheCounters() CacheCounters {
	dispatched, inline := e.pool.Stats()
	return CacheCounters{
		Content:        e.content.Stats(),
		FIFO:           e.fifo.Stats(),
		GroupMaxSeq:    e.seq.GroupMaxCounters(),
		LocationSeq:    e.seq.LocationSeqCounters(),
		GroupLocation:  e.seq.GroupLocationCounters(),
		PoolDispatched: dispatched,
		PoolInline:     inline,
	}
}

// GroupOf computes the group hash a row belongs to under tc's configured
// group-by column, or hashkey.Zero if the table has no group-by.
func (e *DeltaEngine) GroupOf(tc *config.TableConfig, row host.RawRow) hashkey.Key {
	if !tc.HasGroupBy() {
		return hashkey.Zero
	}
	return hashkey.Hash(uint64(tc.TableID), hashkey.CanonicalBytes(row.Columns[tc.GroupByColumn]))
}

func (e *DeltaEngine) isKeyframeSeq(tc *config.TableConfig, seq int64) bool {
	return seq == 1 || seq%int64(tc.KeyframePeriod) == 1
}

// IsKeyframeSeq exposes isKeyframeSeq for pkg/introspect's inspect/physical
// output, which reports whether each row is a keyframe.
func (e *DeltaEngine) IsKeyframeSeq(tc *config.TableConfig, seq int64) bool {
	return e.isKeyframeSeq(tc, seq)
}

func entropyFor(tc *config.TableConfig) config.EntropyCodec {
	if !tc.EnableEntropy {
		return config.EntropyNone
	}
	return tc.EntropyCodec
}

// --- Insert ---

// InsertInput is one logical row to append to a delta chain.
type InsertInput struct {
	TableID uint32
	XID     uint64 // the inserting transaction's id

	// GroupValue is the raw value of the group-by column, or nil if the
	// table has no group-by configured.
	GroupValue any

	// Columns holds every non-delta column verbatim, addressed by
	// position, including the group-by and order-by columns themselves.
	Columns map[int]any

	// DeltaValues holds the new, uncompressed bytes for each configured
	// delta column, addressed by column position.
	DeltaValues map[int][]byte

	// ExplicitSeq, if > 0, puts the insert in restore mode: the caller
	// supplies the sequence (e.g. replaying a WAL or a logical dump)
	// rather than letting the engine allocate the next one.
	ExplicitSeq int64
}

// InsertResult describes where and as what the row landed.
type InsertResult struct {
	Location   host.Location
	Seq        int64
	IsKeyframe bool
}

// Insert appends in as the next (or, in restore mode, the given) version in
// its group's delta chain. acc accumulates this transaction's stats
// contribution; the caller is responsible for flushing or discarding it at
// transaction end.
func (e *DeltaEngine) Insert(ctx context.Context, acc *stats.Accumulator, in InsertInput) (InsertResult, error) {
	tc, err := e.resolve(ctx, in.TableID)
	if err != nil {
		return InsertResult{}, err
	}

	g := hashkey.Hash(uint64(tc.TableID), hashkey.CanonicalBytes(in.GroupValue))
	lockID := hashkey.LockID(in.TableID, g)
	release, err := e.locker.Acquire(ctx, lockID)
	if err != nil {
		return InsertResult{}, errors.Annotatef(err, "acquire group lock for table %d", in.TableID)
	}
	defer release()

	restore := in.ExplicitSeq > 0
	var seq int64
	if restore {
		seq = in.ExplicitSeq
		if cached, ok := e.seq.GetMaxSeq(in.TableID, g); !ok || seq > cached {
			e.seq.SetMaxSeq(in.TableID, g, seq)
		}
	} else {
		seq = e.seq.NextSeq(in.TableID, g)
		if seq == 0 {
			max, err := e.scanMaxSeq(ctx, in.TableID, g, tc)
			if err != nil {
				return InsertResult{}, errors.Annotatef(err, "scan max sequence for table %d", in.TableID)
			}
			seq = max + 1
			e.seq.SetMaxSeq(in.TableID, g, seq)
		}
	}

	if !restore {
		if err := e.checkVersionIncreasing(ctx, in, tc, g, seq); err != nil {
			e.seq.RollbackSeq(in.TableID, g, seq)
			return InsertResult{}, err
		}
	}

	result, err := e.insertAt(ctx, acc, in, tc, g, seq)
	if err != nil {
		// RollbackSeq is a compare-and-decrement: it is a safe no-op if
		// another insert already raced past this sequence, and correct
		// whether seq came from NextSeq or restore mode's cache bump.
		e.seq.RollbackSeq(in.TableID, g, seq)
		return InsertResult{}, err
	}
	return result, nil
}

// checkVersionIncreasing enforces that in's order-by value is strictly
// greater than the current last version in its group. A missing order-by
// value in in.Columns, or an insert that is the first version in its group,
// is permissive: there is nothing to compare against.
func (e *DeltaEngine) checkVersionIncreasing(ctx context.Context, in InsertInput, tc *config.TableConfig, g hashkey.Key, seq int64) error {
	newValue, ok := in.Columns[tc.OrderByColumn]
	if !ok || seq <= 1 {
		return nil
	}

	prevRow, err := e.rowAtSeq(ctx, in.TableID, g, seq-1)
	if err != nil {
		return errors.Annotatef(err, "locate previous version for table %d", in.TableID)
	}

	cmp, err := compareOrderValues(newValue, prevRow.Columns[tc.OrderByColumn])
	if err != nil {
		return errors.Annotatef(err, "compare order-by values for table %d", in.TableID)
	}
	if cmp <= 0 {
		return errors.Annotatef(ErrVersionNotIncreasing, "table %d", in.TableID)
	}
	return nil
}

// rowAtSeq returns the row at (g, seq), consulting SeqCache's warm
// location cache before falling back to a full-table scan.
func (e *DeltaEngine) rowAtSeq(ctx context.Context, tableID uint32, g hashkey.Key, seq int64) (host.RawRow, error) {
	if loc, ok := e.seq.GetLocation(tableID, g, seq); ok {
		row, found, err := e.pages.ReadRow(ctx, tableID, loc)
		if err != nil {
			return host.RawRow{}, errors.Annotatef(err, "read row for table %d seq %d", tableID, seq)
		}
		if found {
			return row, nil
		}
	}
	row, _, err := e.scanForGroupSeq(ctx, tableID, g, seq)
	return row, err
}

// compareOrderValues orders two order-by column values, returning a
// negative, zero, or positive int as newValue is less than, equal to, or
// greater than oldValue. Strings compare lexically; every other supported
// type is compared numerically. Mismatched or unsupported types are an
// error, since there is no sane ordering to fall back to.
func compareOrderValues(newValue, oldValue any) (int, error) {
	if ns, ok := newValue.(string); ok {
		os, ok := oldValue.(string)
		if !ok {
			return 0, fmt.Errorf("order-by value type mismatch: %T vs %T", newValue, oldValue)
		}
		return strings.Compare(ns, os), nil
	}

	nf, ok := orderValueAsFloat(newValue)
	if !ok {
		return 0, fmt.Errorf("unsupported order-by value type %T", newValue)
	}
	of, ok := orderValueAsFloat(oldValue)
	if !ok {
		return 0, fmt.Errorf("unsupported order-by value type %T", oldValue)
	}
	switch {
	case nf > of:
		return 1, nil
	case nf < of:
		return -1, nil
	default:
		return 0, nil
	}
}

func orderValueAsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

func (e *DeltaEngine) insertAt(ctx context.Context, acc *stats.Accumulator, in InsertInput, tc *config.TableConfig, g hashkey.Key, seq int64) (InsertResult, error) {
	isKeyframe := e.isKeyframeSeq(tc, seq)
	entropy := entropyFor(tc)

	slot, isNew := e.fifo.Acquire(in.TableID, g, tc.CompressDepth, len(tc.DeltaColumns))
	if isNew && seq > 1 && !isKeyframe {
		if err := e.populateFIFO(ctx, in.TableID, g, seq, tc, slot); err != nil {
			return InsertResult{}, errors.Annotatef(err, "populate insert FIFO for table %d", in.TableID)
		}
	}

	blobs := make(map[int][]byte, len(tc.DeltaColumns))
	var tagSum, tagCount int64
	for idx, pos := range tc.DeltaColumns {
		newBytes := in.DeltaValues[pos]
		blob, tag, err := e.encodeColumn(ctx, in.TableID, g, seq, pos, idx, newBytes, tc, slot, isKeyframe, entropy)
		if err != nil {
			return InsertResult{}, errors.Annotatef(err, "encode delta column %d for table %d", pos, in.TableID)
		}
		blobs[pos] = blob
		tagSum += int64(tag)
		tagCount++
	}
	e.fifo.CommitEntry(slot, in.TableID, g, seq)

	row, rawSize, compressedSize, err := e.formRow(ctx, in, seq, blobs, tc)
	if err != nil {
		return InsertResult{}, errors.Annotatef(err, "form physical row for table %d", in.TableID)
	}

	loc, err := e.pages.InsertRow(ctx, in.TableID, row)
	if err != nil {
		return InsertResult{}, errors.Annotatef(err, "insert row into table %d", in.TableID)
	}
	if err := e.wal.EmitInsert(ctx, in.TableID, loc, row); err != nil {
		return InsertResult{}, errors.Annotatef(err, "emit WAL insert for table %d", in.TableID)
	}

	e.seq.SetLocation(in.TableID, g, seq, loc)
	e.seq.SetSeqForLocation(in.TableID, loc, seq)

	var avgTag float64
	if tagCount > 0 {
		avgTag = float64(tagSum) / float64(tagCount)
	}
	if acc != nil {
		acc.RecordInsert(in.TableID, g, isKeyframe, seq, rawSize, compressedSize, avgTag)
	}

	return InsertResult{Location: loc, Seq: seq, IsKeyframe: isKeyframe}, nil
}

// populateFIFO fills a freshly created slot with the group's last up-to-D
// versions, so the very first candidate-encode has something to diff
// against.
func (e *DeltaEngine) populateFIFO(ctx context.Context, tableID uint32, g hashkey.Key, seq int64, tc *config.TableConfig, slot *insertfifo.Slot) error {
	start := seq - int64(tc.CompressDepth)
	if start < 1 {
		start = 1
	}
	for s := start; s <= seq-1; s++ {
		for idx, pos := range tc.DeltaColumns {
			val, err := e.Reconstruct(ctx, tableID, g, s, pos)
			if err != nil {
				return err
			}
			e.fifo.Push(slot, tableID, g, s, idx, val)
		}
		e.fifo.CommitEntry(slot, tableID, g, s)
	}
	return nil
}

// encodeColumn picks the smallest available encoding for one delta column
// of an insert, falling back through candidate-encode, sequential
// reconstruction-then-encode, and finally a self-healing keyframe encode.
func (e *DeltaEngine) encodeColumn(ctx context.Context, tableID uint32, g hashkey.Key, seq int64, pos, idx int, newBytes []byte, tc *config.TableConfig, slot *insertfifo.Slot, rowIsKeyframe bool, entropy config.EntropyCodec) ([]byte, int, error) {
	key := contentcache.Key{TableID: tableID, Group: g, Seq: seq, Column: pos}
	defer func() {
		e.content.Put(key, newBytes)
		e.fifo.Push(slot, tableID, g, seq, idx, newBytes)
	}()

	if rowIsKeyframe {
		blob, err := codec.Encode(0, nil, newBytes, entropy)
		if err != nil {
			return nil, 0, err
		}
		return blob, 0, nil
	}

	bases := e.fifo.GetBases(slot, tableID, g, seq, idx)
	if blob, tag, ok := e.encodeBestCandidate(bases, newBytes, entropy); ok {
		return blob, tag, nil
	}

	if blob, tag, ok := e.encodeSequentialFallback(ctx, tableID, g, seq, pos, newBytes, tc, entropy); ok {
		return blob, tag, nil
	}

	// Self-healing: neither a FIFO candidate nor a sequential
	// reconstruction produced a usable base, so fall back to a
	// self-contained keyframe encode for this column only.
	blob, err := codec.Encode(0, nil, newBytes, entropy)
	if err != nil {
		return nil, 0, err
	}
	return blob, 0, nil
}

func (e *DeltaEngine) encodeBestCandidate(bases []insertfifo.Base, newBytes []byte, entropy config.EntropyCodec) ([]byte, int, bool) {
	if len(bases) == 0 {
		return nil, 0, false
	}
	tasks := make([]encodepool.Task, len(bases))
	for i, b := range bases {
		tasks[i] = encodepool.Task{Tag: b.Tag, Base: b.Bytes, New: newBytes, Entropy: entropy}
	}
	results := e.pool.Execute(tasks)
	var best []byte
	bestTag := 0
	for i, r := range results {
		if r.Err != nil || r.Blob == nil {
			continue
		}
		if best == nil || len(r.Blob) < len(best) {
			best = r.Blob
			bestTag = tasks[i].Tag
		}
	}
	if best == nil {
		return nil, 0, false
	}
	return best, bestTag, true
}

func (e *DeltaEngine) encodeSequentialFallback(ctx context.Context, tableID uint32, g hashkey.Key, seq int64, pos int, newBytes []byte, tc *config.TableConfig, entropy config.EntropyCodec) ([]byte, int, bool) {
	var best []byte
	bestTag := 0
	for t := 1; t <= tc.CompressDepth; t++ {
		baseSeq := seq - int64(t)
		if baseSeq < 1 {
			break
		}
		base, err := e.Reconstruct(ctx, tableID, g, baseSeq, pos)
		if err != nil {
			continue
		}
		blob, err := codec.Encode(t, base, newBytes, entropy)
		if err != nil {
			continue
		}
		if best == nil || len(blob) < len(best) {
			best = blob
			bestTag = t
		}
	}
	if best == nil {
		return nil, 0, false
	}
	return best, bestTag, true
}

// formRow assembles the physical row, handing any delta blob past
// tc.TOASTThreshold off to the host TOAST service.
func (e *DeltaEngine) formRow(ctx context.Context, in InsertInput, seq int64, blobs map[int][]byte, tc *config.TableConfig) (host.RawRow, int64, int64, error) {
	row := host.RawRow{
		Columns:    make(map[int]any, len(in.Columns)),
		DeltaBlobs: make(map[int][]byte, len(blobs)),
		Toasted:    make(map[int]bool),
		Seq:        seq,
		XMin:       in.XID,
	}
	for k, v := range in.Columns {
		row.Columns[k] = v
	}

	var rawSize, compressedSize int64
	for _, pos := range tc.DeltaColumns {
		rawSize += int64(len(in.DeltaValues[pos]))
	}

	for pos, blob := range blobs {
		compressedSize += int64(len(blob))
		if len(blob) > tc.TOASTThreshold {
			ref, err := e.toast.Store(ctx, in.TableID, blob)
			if err != nil {
				return host.RawRow{}, 0, 0, errors.Annotatef(err, "toast delta column %d", pos)
			}
			row.DeltaBlobs[pos] = ref
			row.Toasted[pos] = true
			continue
		}
		row.DeltaBlobs[pos] = blob
	}
	return row, rawSize, compressedSize, nil
}

// --- Reconstruction ---

// Reconstruct rebuilds the logical bytes of one delta column at (table,
// group, seq), consulting the StripedContentCache first and coalescing
// concurrent identical reconstructs through a singleflight.Group.
func (e *DeltaEngine) Reconstruct(ctx context.Context, tableID uint32, g hashkey.Key, seq int64, col int) ([]byte, error) {
	key := contentcache.Key{TableID: tableID, Group: g, Seq: seq, Column: col}
	if data, ok := e.content.Get(key); ok {
		return data, nil
	}

	v, err, _ := e.sf.Do(reconstructKey(tableID, g, seq, col), func() (any, error) {
		if data, ok := e.content.Get(key); ok {
			return data, nil
		}
		return e.reconstructSlow(ctx, tableID, g, seq, col)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (e *DeltaEngine) reconstructSlow(ctx context.Context, tableID uint32, g hashkey.Key, seq int64, col int) ([]byte, error) {
	var row host.RawRow
	loc, ok := e.seq.GetLocation(tableID, g, seq)
	if ok {
		r, found, err := e.pages.ReadRow(ctx, tableID, loc)
		if err != nil {
			return nil, errors.Annotatef(err, "read row at cached location for table %d", tableID)
		}
		if found {
			row = r
		} else {
			ok = false
		}
	}
	if !ok {
		r, foundLoc, err := e.scanForGroupSeq(ctx, tableID, g, seq)
		if err != nil {
			return nil, err
		}
		row, loc = r, foundLoc
		e.seq.SetLocation(tableID, g, seq, loc)
		e.seq.SetSeqForLocation(tableID, loc, seq)
	}
	return e.reconstructFromRow(ctx, tableID, g, seq, col, row)
}

// ReconstructFromRow is the fast variant for callers that already hold the
// physical row (the scan path): it skips the location lookup entirely.
// The row's own Seq field is used in place of the caller-passed seq,
// since the two must agree for any row actually stored at (g, seq).
func (e *DeltaEngine) ReconstructFromRow(ctx context.Context, tableID uint32, g hashkey.Key, row host.RawRow, col int) ([]byte, error) {
	key := contentcache.Key{TableID: tableID, Group: g, Seq: row.Seq, Column: col}
	if data, ok := e.content.Get(key); ok {
		return data, nil
	}
	return e.reconstructFromRow(ctx, tableID, g, row.Seq, col, row)
}

func (e *DeltaEngine) reconstructFromRow(ctx context.Context, tableID uint32, g hashkey.Key, seq int64, col int, row host.RawRow) ([]byte, error) {
	key := contentcache.Key{TableID: tableID, Group: g, Seq: seq, Column: col}

	blobBytes, err := e.readDeltaBlob(ctx, tableID, row, col)
	if err != nil {
		return nil, errors.Annotatef(err, "read delta blob for column %d", col)
	}
	blob := codec.DeltaBlob(blobBytes)

	tag, err := codec.TagOf(blob)
	if err != nil {
		return nil, errors.Annotatef(err, "parse tag for table %d column %d seq %d", tableID, col, seq)
	}
	if tag == 0 {
		out, err := codec.Decode(nil, blob)
		if err != nil {
			return nil, errors.Annotatef(err, "decode keyframe for table %d column %d seq %d", tableID, col, seq)
		}
		e.content.Put(key, out)
		return out, nil
	}

	baseSeq := seq - int64(tag)
	if baseSeq < 1 {
		return nil, errors.Annotatef(codec.ErrCorruptedDelta, "table %d column %d seq %d references base seq %d", tableID, col, seq, baseSeq)
	}
	base, err := e.Reconstruct(ctx, tableID, g, baseSeq, col)
	if err != nil {
		return nil, err
	}
	out, err := codec.Decode(base, blob)
	if err != nil {
		return nil, errors.Annotatef(err, "decode delta for table %d column %d seq %d", tableID, col, seq)
	}
	e.content.Put(key, out)
	return out, nil
}

func (e *DeltaEngine) readDeltaBlob(ctx context.Context, tableID uint32, row host.RawRow, col int) ([]byte, error) {
	blob := row.DeltaBlobs[col]
	if row.Toasted[col] {
		return e.toast.Fetch(ctx, blob)
	}
	return blob, nil
}

// ReadDeltaBlob exposes readDeltaBlob to pkg/introspect, which reports raw
// DeltaBlob bytes (or just the decoded header) without ever reconstructing
// a logical value.
func (e *DeltaEngine) ReadDeltaBlob(ctx context.Context, tableID uint32, row host.RawRow, col int) ([]byte, error) {
	return e.readDeltaBlob(ctx, tableID, row, col)
}

func (e *DeltaEngine) scanMaxSeq(ctx context.Context, tableID uint32, g hashkey.Key, tc *config.TableConfig) (int64, error) {
	it, err := e.pages.ScanTable(ctx, tableID)
	if err != nil {
		return 0, errors.Annotatef(err, "scan table %d for max sequence", tableID)
	}
	defer it.Close()

	var max int64
	for {
		loc, row, ok, err := it.Next(ctx)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if !ok {
			break
		}
		if !e.GroupOf(tc, row).Equal(g) {
			continue
		}
		e.seq.SetLocation(tableID, g, row.Seq, loc)
		e.seq.SetSeqForLocation(tableID, loc, row.Seq)
		if row.Seq > max {
			max = row.Seq
		}
	}
	return max, nil
}

func (e *DeltaEngine) scanForGroupSeq(ctx context.Context, tableID uint32, g hashkey.Key, seq int64) (host.RawRow, host.Location, error) {
	tc, err := e.resolve(ctx, tableID)
	if err != nil {
		return host.RawRow{}, host.Location{}, err
	}
	it, err := e.pages.ScanTable(ctx, tableID)
	if err != nil {
		return host.RawRow{}, host.Location{}, errors.Annotatef(err, "scan table %d for group/seq", tableID)
	}
	defer it.Close()

	for {
		loc, row, ok, err := it.Next(ctx)
		if err != nil {
			return host.RawRow{}, host.Location{}, errors.Trace(err)
		}
		if !ok {
			break
		}
		if row.Seq == seq && e.GroupOf(tc, row).Equal(g) {
			return row, loc, nil
		}
	}
	return host.RawRow{}, host.Location{}, errors.Annotatef(ErrGroupNotFound, "table %d seq %d", tableID, seq)
}

// reconstructKey builds a stable singleflight key without resorting to
// fmt's reflection-based formatting on the hot reconstruction path.
func reconstructKey(tableID uint32, g hashkey.Key, seq int64, col int) string {
	var buf [4 + 8 + 8 + 8 + 8]byte
	putUint32(buf[0:4], tableID)
	putUint64(buf[4:12], g.Hi)
	putUint64(buf[12:20], g.Lo)
	putUint64(buf[20:28], uint64(seq))
	putUint64(buf[28:36], uint64(col))
	return string(buf[:])
}

func putUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

// --- Delete with cascade ---

// Delete removes the row at loc and every later version in its group (a
// hard delete of the whole tail, physical removal deferred to vacuum),
// then refreshes that group's stats via a bounded rescan. snap must
// include the deleting transaction's own modifications, since the stats
// rescan that follows the cascade must see the rows it just marked deleted.
func (e *DeltaEngine) Delete(ctx context.Context, tableID uint32, loc host.Location, deletingXID uint64, snap host.Snapshot) error {
	target, found, err := e.pages.ReadRow(ctx, tableID, loc)
	if err != nil {
		return errors.Annotatef(err, "read target row for delete in table %d", tableID)
	}
	if !found {
		return errors.Annotatef(ErrRowNotFound, "table %d location %+v", tableID, loc)
	}

	tc, err := e.resolve(ctx, tableID)
	if err != nil {
		return err
	}
	g := e.GroupOf(tc, target)
	targetSeq := target.Seq

	lockID := hashkey.LockID(tableID, g)
	release, err := e.locker.Acquire(ctx, lockID)
	if err != nil {
		return errors.Annotatef(err, "acquire group lock for delete in table %d", tableID)
	}
	defer release()

	if err := e.cascadeDeleteTail(ctx, tableID, g, targetSeq, deletingXID, snap, tc); err != nil {
		return err
	}

	e.InvalidateCaches(tableID)

	newMax := targetSeq - 1
	if newMax < 0 {
		newMax = 0
	}
	e.seq.SetMaxSeq(tableID, g, newMax)

	if _, _, err := e.RefreshGroupStats(ctx, tableID, []hashkey.Key{g}, snap); err != nil {
		return err
	}
	return nil
}

func (e *DeltaEngine) cascadeDeleteTail(ctx context.Context, tableID uint32, g hashkey.Key, targetSeq int64, deletingXID uint64, snap host.Snapshot, tc *config.TableConfig) error {
	it, err := e.pages.ScanTable(ctx, tableID)
	if err != nil {
		return errors.Annotatef(err, "scan table %d for delete cascade", tableID)
	}
	defer it.Close()

	for {
		loc, row, ok, err := it.Next(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			break
		}
		if !snap.Visible(row.XMin, row.XMax) {
			continue
		}
		if !e.GroupOf(tc, row).Equal(g) {
			continue
		}
		if row.Seq < targetSeq {
			continue
		}
		if err := e.pages.MarkDeleted(ctx, tableID, loc, deletingXID); err != nil {
			return errors.Annotatef(err, "mark row deleted in table %d", tableID)
		}
		if err := e.wal.EmitDelete(ctx, tableID, loc, deletingXID); err != nil {
			return errors.Annotatef(err, "emit WAL delete for table %d", tableID)
		}
	}
	return nil
}

// RefreshGroupStats recomputes the persisted stats row for each of groups
// from a full visible-rows rescan. It is exposed standalone (beyond being
// called from Delete) so pkg/introspect's refresh-stats operator call can
// reuse it directly.
func (e *DeltaEngine) RefreshGroupStats(ctx context.Context, tableID uint32, groups []hashkey.Key, snap host.Snapshot) (groupsRefreshed, rowsScanned int64, err error) {
	tc, err := e.resolve(ctx, tableID)
	if err != nil {
		return 0, 0, err
	}
	groupOf := func(row host.RawRow) hashkey.Key { return e.GroupOf(tc, row) }
	inspect := func(ctx context.Context, tableID uint32, row host.RawRow) (bool, int64, int64, float64, error) {
		return e.inspectRow(ctx, tableID, row, tc)
	}
	return stats.RefreshGroups(ctx, e.statsStore, e.pages, snap, tableID, groups, groupOf, inspect, e.cfg.Concurrency)
}

func (e *DeltaEngine) inspectRow(ctx context.Context, tableID uint32, row host.RawRow, tc *config.TableConfig) (bool, int64, int64, float64, error) {
	isKeyframe := e.isKeyframeSeq(tc, row.Seq)
	g := e.GroupOf(tc, row)

	var rawSize, compressedSize, tagSum, tagCount int64
	for _, pos := range tc.DeltaColumns {
		blob, err := e.readDeltaBlob(ctx, tableID, row, pos)
		if err != nil {
			return false, 0, 0, 0, errors.Annotatef(err, "read delta blob for column %d", pos)
		}
		compressedSize += int64(len(blob))

		tag, err := codec.TagOf(codec.DeltaBlob(blob))
		if err != nil {
			return false, 0, 0, 0, errors.Annotatef(err, "parse tag for table %d column %d", tableID, pos)
		}
		tagSum += int64(tag)
		tagCount++

		val, err := e.ReconstructFromRow(ctx, tableID, g, row, pos)
		if err != nil {
			return false, 0, 0, 0, err
		}
		rawSize += int64(len(val))
	}

	var avgTag float64
	if tagCount > 0 {
		avgTag = float64(tagSum) / float64(tagCount)
	}
	return isKeyframe, rawSize, compressedSize, avgTag, nil
}
