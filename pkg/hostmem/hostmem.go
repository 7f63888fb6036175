// Package hostmem is the in-memory reference implementation of every
// pkg/host interface (and pkg/config.Catalog), used by every other
// package's tests in place of a live database process. It is not meant to
// be fast or crash-safe; it exists so the core engine is testable purely
// against Go interfaces, with no live database process required.
package hostmem

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/block/deltatable/pkg/config"
	"github.com/block/deltatable/pkg/host"
	"github.com/google/uuid"
)

type statsKey struct {
	tableID uint32
	hi, lo  uint64
}

// Store is one fake backend: pages, WAL, advisory locks, TOAST, config
// catalog and the stats table, all in process memory behind a handful of
// mutexes — the same "one dedicated mutex-guarded handle" shape as the
// teacher's MetadataLock, scaled up to stand in for a whole host.
type Store struct {
	tablesMu sync.RWMutex
	tables   map[uint32]*table

	walMu sync.Mutex
	wal   []WALRecord

	lockTableMu sync.Mutex
	lockTable   map[uint64]*sync.Mutex

	toastMu sync.Mutex
	toast   map[string][]byte

	configMu sync.RWMutex
	configs  map[uint32]*config.TableConfig

	statsMu sync.RWMutex
	stats   map[statsKey]host.GroupStats

	nextXID atomic.Uint64
}

type table struct {
	mu         sync.RWMutex
	rows       map[host.Location]host.RawRow
	nextPageID uint64
}

// WALRecord is one emitted log entry, kept only so tests can assert on it.
type WALRecord struct {
	ID      string
	TableID uint32
	Loc     host.Location
	Kind    string // "insert" or "delete"
}

var (
	_ host.PageStore      = (*Store)(nil)
	_ host.WAL            = (*Store)(nil)
	_ host.AdvisoryLocker = (*Store)(nil)
	_ host.Toast          = (*Store)(nil)
	_ host.StatsStore     = (*Store)(nil)
	_ config.Catalog      = (*Store)(nil)
	_ host.Snapshot       = Snapshot{}
)

// New builds an empty Store.
func New() *Store {
	return &Store{
		tables:    make(map[uint32]*table),
		lockTable: make(map[uint64]*sync.Mutex),
		toast:     make(map[string][]byte),
		configs:   make(map[uint32]*config.TableConfig),
		stats:     make(map[statsKey]host.GroupStats),
	}
}

func (s *Store) tableFor(tableID uint32) *table {
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	t, ok := s.tables[tableID]
	if !ok {
		t = &table{rows: make(map[host.Location]host.RawRow)}
		s.tables[tableID] = t
	}
	return t
}

// --- host.PageStore ---

func (s *Store) ReadRow(_ context.Context, tableID uint32, loc host.Location) (host.RawRow, bool, error) {
	t := s.tableFor(tableID)
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[loc]
	if !ok {
		return host.RawRow{}, false, nil
	}
	return row.Clone(), true, nil
}

func (s *Store) InsertRow(_ context.Context, tableID uint32, row host.RawRow) (host.Location, error) {
	t := s.tableFor(tableID)
	t.mu.Lock()
	defer t.mu.Unlock()
	loc := host.Location{PageID: t.nextPageID, Offset: 1}
	t.nextPageID++
	t.rows[loc] = row.Clone()
	return loc, nil
}

func (s *Store) MarkDeleted(_ context.Context, tableID uint32, loc host.Location, deletingXID uint64) error {
	t := s.tableFor(tableID)
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[loc]
	if !ok {
		return nil
	}
	row.Deleted = true
	row.XMax = deletingXID
	t.rows[loc] = row
	return nil
}

func (s *Store) ScanTable(_ context.Context, tableID uint32) (host.RowIterator, error) {
	t := s.tableFor(tableID)
	t.mu.RLock()
	locs := make([]host.Location, 0, len(t.rows))
	rows := make(map[host.Location]host.RawRow, len(t.rows))
	for loc, row := range t.rows {
		locs = append(locs, loc)
		rows[loc] = row.Clone()
	}
	t.mu.RUnlock()

	sort.Slice(locs, func(i, j int) bool {
		if locs[i].PageID != locs[j].PageID {
			return locs[i].PageID < locs[j].PageID
		}
		return locs[i].Offset < locs[j].Offset
	})

	return &rowIterator{locs: locs, rows: rows}, nil
}

func (s *Store) EstimateSize(_ context.Context, tableID uint32) (pages, tuples uint64, err error) {
	t := s.tableFor(tableID)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextPageID, uint64(len(t.rows)), nil
}

func (s *Store) Vacuum(_ context.Context, tableID uint32, oldestActiveXID uint64) (uint64, error) {
	t := s.tableFor(tableID)
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed uint64
	for loc, row := range t.rows {
		if row.Deleted && row.XMax != 0 && row.XMax < oldestActiveXID {
			delete(t.rows, loc)
			removed++
		}
	}
	return removed, nil
}

type rowIterator struct {
	locs []host.Location
	rows map[host.Location]host.RawRow
	pos  int
}

func (it *rowIterator) Next(_ context.Context) (host.Location, host.RawRow, bool, error) {
	if it.pos >= len(it.locs) {
		return host.Location{}, host.RawRow{}, false, nil
	}
	loc := it.locs[it.pos]
	it.pos++
	return loc, it.rows[loc], true, nil
}

func (it *rowIterator) Close() error { return nil }

// --- host.WAL ---

func (s *Store) EmitInsert(_ context.Context, tableID uint32, loc host.Location, _ host.RawRow) error {
	s.walMu.Lock()
	defer s.walMu.Unlock()
	s.wal = append(s.wal, WALRecord{ID: uuid.NewString(), TableID: tableID, Loc: loc, Kind: "insert"})
	return nil
}

func (s *Store) EmitDelete(_ context.Context, tableID uint32, loc host.Location, _ uint64) error {
	s.walMu.Lock()
	defer s.walMu.Unlock()
	s.wal = append(s.wal, WALRecord{ID: uuid.NewString(), TableID: tableID, Loc: loc, Kind: "delete"})
	return nil
}

// WALRecords returns a copy of every emitted record, for test assertions.
func (s *Store) WALRecords() []WALRecord {
	s.walMu.Lock()
	defer s.walMu.Unlock()
	return append([]WALRecord(nil), s.wal...)
}

// --- host.Snapshot ---

// Snapshot is a minimal MVCC stand-in: every xmin is treated as already
// committed (hostmem has no deferred-commit model), and a row deleted by
// the current transaction stays visible only if includesSelf is not set.
type Snapshot struct {
	xid          uint64
	includesSelf bool
}

// NewSnapshot builds a Snapshot as of the current transaction xid.
func (s *Store) NewSnapshot(includesSelf bool) Snapshot {
	return Snapshot{xid: s.nextXID.Load(), includesSelf: includesSelf}
}

func (sn Snapshot) Visible(_ uint64, xmax uint64) bool {
	if xmax == 0 {
		return true
	}
	if xmax == sn.xid {
		return !sn.includesSelf
	}
	return false
}

func (sn Snapshot) IncludesSelf() bool { return sn.includesSelf }
func (sn Snapshot) CurrentXID() uint64 { return sn.xid }

// NextXID allocates a fresh transaction id, simulating the host's
// transaction manager handing one out at BEGIN.
func (s *Store) NextXID() uint64 {
	return s.nextXID.Add(1)
}

// --- host.AdvisoryLocker ---

func (s *Store) Acquire(_ context.Context, lockID uint64) (func(), error) {
	s.lockTableMu.Lock()
	mu, ok := s.lockTable[lockID]
	if !ok {
		mu = &sync.Mutex{}
		s.lockTable[lockID] = mu
	}
	s.lockTableMu.Unlock()

	mu.Lock()
	var once sync.Once
	return func() { once.Do(mu.Unlock) }, nil
}

// --- host.Toast ---

func (s *Store) Store(_ context.Context, _ uint32, data []byte) ([]byte, error) {
	ref := uuid.NewString()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.toastMu.Lock()
	s.toast[ref] = cp
	s.toastMu.Unlock()
	return []byte(ref), nil
}

func (s *Store) Fetch(_ context.Context, ref []byte) ([]byte, error) {
	s.toastMu.Lock()
	defer s.toastMu.Unlock()
	data, ok := s.toast[string(ref)]
	if !ok {
		return nil, errToastNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// --- config.Catalog ---

// SetTableConfig seeds the catalog for tableID, for test setup.
func (s *Store) SetTableConfig(tableID uint32, tc *config.TableConfig) {
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.configs[tableID] = tc
}

func (s *Store) TableConfig(_ context.Context, tableID uint32) (*config.TableConfig, error) {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	tc, ok := s.configs[tableID]
	if !ok {
		return nil, errUnconfiguredTable
	}
	return tc, nil
}

// --- host.StatsStore ---

func (s *Store) UpsertGroup(_ context.Context, tableID uint32, hi, lo uint64, d host.GroupStatsDelta) error {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	k := statsKey{tableID: tableID, hi: hi, lo: lo}
	g := s.stats[k]
	g.TableID = tableID
	g.Group = [2]uint64{hi, lo}
	g.RowCount += d.RowCount
	g.KeyframeCount += d.KeyframeCount
	if d.MaxSeq > g.MaxSeq {
		g.MaxSeq = d.MaxSeq
	}
	g.RawSize += d.RawSize
	g.CompressedSize += d.CompressedSize
	g.SumAvgTag += d.SumAvgTag
	s.stats[k] = g
	return nil
}

func (s *Store) ReplaceGroup(_ context.Context, tableID uint32, hi, lo uint64, d host.GroupStatsDelta) error {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	k := statsKey{tableID: tableID, hi: hi, lo: lo}
	s.stats[k] = host.GroupStats{
		TableID:        tableID,
		Group:          [2]uint64{hi, lo},
		RowCount:       d.RowCount,
		KeyframeCount:  d.KeyframeCount,
		MaxSeq:         d.MaxSeq,
		RawSize:        d.RawSize,
		CompressedSize: d.CompressedSize,
		SumAvgTag:      d.SumAvgTag,
	}
	return nil
}

func (s *Store) DeleteGroup(_ context.Context, tableID uint32, hi, lo uint64) error {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	delete(s.stats, statsKey{tableID: tableID, hi: hi, lo: lo})
	return nil
}

func (s *Store) DeleteTable(_ context.Context, tableID uint32) error {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	for k := range s.stats {
		if k.tableID == tableID {
			delete(s.stats, k)
		}
	}
	return nil
}

func (s *Store) GetGroup(_ context.Context, tableID uint32, hi, lo uint64) (host.GroupStats, bool, error) {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	g, ok := s.stats[statsKey{tableID: tableID, hi: hi, lo: lo}]
	return g, ok, nil
}

func (s *Store) ScanGroups(_ context.Context, tableID uint32) ([]host.GroupStats, error) {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	var out []host.GroupStats
	for k, g := range s.stats {
		if k.tableID == tableID {
			out = append(out, g)
		}
	}
	return out, nil
}
