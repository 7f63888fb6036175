// Package config holds the tunables for the delta-chain table-access
// engine: process-global cache sizing and per-table delta-column layout.
package config

import (
	"context"
	"fmt"
	"sync"
)

const (
	// MaxSharedCacheMiB is the hard ceiling on the shared content cache.
	MaxSharedCacheMiB = 1024

	// DefaultKeyframePeriod is K, the default keyframe period.
	DefaultKeyframePeriod = 100
	// DefaultCompressDepth is D, the default maximum candidate distance.
	DefaultCompressDepth = 1
	// MaxCompressDepth is the largest D a table may configure.
	MaxCompressDepth = 65535

	// DefaultStripeCount is the default number of StripedContentCache stripes.
	DefaultStripeCount = 32
	// DefaultSlotSize is the default content-cache slot size, in bytes.
	DefaultSlotSize = 4 * 1024
	// DefaultMaxEntrySize is the default per-entry cacheability bound.
	DefaultMaxEntrySize = 256 * 1024

	// DefaultInsertFIFOSlots is the default number of InsertFIFO slots.
	DefaultInsertFIFOSlots = 16
	// DefaultMaxDeltaColumns bounds the number of delta columns per table.
	DefaultMaxDeltaColumns = 32

	// DefaultEncodeThreads is "sequential only".
	DefaultEncodeThreads = 0
	// MaxEncodeThreads is the largest encode-pool worker count.
	MaxEncodeThreads = 64
)

// EntropyCodec names the optional entropy-compression backend applied by
// pkg/codec after delta/keyframe encoding.
type EntropyCodec int

const (
	// EntropyNone disables the entropy pass.
	EntropyNone EntropyCodec = iota
	// EntropySnappy favors low CPU over ratio.
	EntropySnappy
	// EntropyZstd favors ratio over CPU.
	EntropyZstd
)

// EngineConfig is process-global: fixed at server start, shared by every
// table the engine serves.
type EngineConfig struct {
	SharedCacheMiB   int
	StripeCount      int
	SlotSize         int
	MaxEntrySize     int
	SeqCacheMiB      [3]int // group-max, location-to-seq, (group,seq)-to-location
	InsertFIFOSlots  int
	MaxDeltaColumns  int
	EncodeThreads    int
	Concurrency      int // errgroup fan-out cap for vacuum/analyze/rescan
}

// NewEngineConfig returns an EngineConfig populated with reasonable process
// defaults. Functional options may override individual fields.
func NewEngineConfig(optionFns ...func(*EngineConfig)) *EngineConfig {
	c := &EngineConfig{
		SharedCacheMiB:  256,
		StripeCount:     DefaultStripeCount,
		SlotSize:        DefaultSlotSize,
		MaxEntrySize:    DefaultMaxEntrySize,
		SeqCacheMiB:     [3]int{32, 32, 32},
		InsertFIFOSlots: DefaultInsertFIFOSlots,
		MaxDeltaColumns: DefaultMaxDeltaColumns,
		EncodeThreads:   DefaultEncodeThreads,
		Concurrency:     4,
	}
	for _, optionFn := range optionFns {
		optionFn(c)
	}
	return c
}

// Validate checks the engine config is internally consistent.
func (c *EngineConfig) Validate() error {
	if c.SharedCacheMiB <= 0 || c.SharedCacheMiB > MaxSharedCacheMiB {
		return fmt.Errorf("%w: shared cache size %dMiB out of range (1..%d)", ErrInvalidConfig, c.SharedCacheMiB, MaxSharedCacheMiB)
	}
	if c.StripeCount <= 0 {
		return fmt.Errorf("%w: stripe count must be positive", ErrInvalidConfig)
	}
	if c.EncodeThreads < 0 || c.EncodeThreads > MaxEncodeThreads {
		return fmt.Errorf("%w: encode threads %d out of range (0..%d)", ErrInvalidConfig, c.EncodeThreads, MaxEncodeThreads)
	}
	return nil
}

// TableConfig is resolved once per table and cached by the engine for the
// life of the process. Discovery of these values (reading a config row, or
// auto-detecting delta columns by type) is an external collaborator's job;
// this package only validates an already-resolved TableConfig.
type TableConfig struct {
	TableID uint32

	// DeltaColumns is the ordered list of column positions holding
	// large blob/text/JSON values that are delta-compressed.
	DeltaColumns []int

	// GroupByColumn is the column position used to scope sequence
	// chains, or -1 if there is no group-by (one chain for the table).
	GroupByColumn int

	// OrderByColumn is the monotone-per-group version column position.
	OrderByColumn int

	KeyframePeriod int // K
	CompressDepth  int // D
	EnableEntropy  bool
	EntropyCodec   EntropyCodec

	TOASTThreshold int // bytes; delta blobs longer than this go to host.Toast
}

// NewTableConfig returns a TableConfig with reasonable defaults for the
// fields that are not identifying (table id, columns).
func NewTableConfig(tableID uint32, orderByColumn int, deltaColumns []int) *TableConfig {
	return &TableConfig{
		TableID:        tableID,
		DeltaColumns:   deltaColumns,
		GroupByColumn:  -1,
		OrderByColumn:  orderByColumn,
		KeyframePeriod: DefaultKeyframePeriod,
		CompressDepth:  DefaultCompressDepth,
		EnableEntropy:  false,
		EntropyCodec:   EntropyNone,
		TOASTThreshold: 2 * 1024,
	}
}

// HasGroupBy reports whether sequence chains are scoped by a group column.
func (t *TableConfig) HasGroupBy() bool {
	return t.GroupByColumn >= 0
}

// Validate checks a TableConfig against the limits an EngineConfig allows.
func (t *TableConfig) Validate(ec *EngineConfig) error {
	if t.OrderByColumn < 0 {
		return fmt.Errorf("%w: table %d missing required version column", ErrInvalidConfig, t.TableID)
	}
	if len(t.DeltaColumns) == 0 {
		return fmt.Errorf("%w: table %d has no delta columns configured", ErrInvalidConfig, t.TableID)
	}
	if len(t.DeltaColumns) > ec.MaxDeltaColumns {
		return fmt.Errorf("%w: table %d has %d delta columns, max is %d", ErrInvalidConfig, t.TableID, len(t.DeltaColumns), ec.MaxDeltaColumns)
	}
	if t.KeyframePeriod <= 0 {
		return fmt.Errorf("%w: table %d keyframe period must be positive", ErrInvalidConfig, t.TableID)
	}
	if t.CompressDepth <= 0 || t.CompressDepth > MaxCompressDepth {
		return fmt.Errorf("%w: table %d compress depth %d out of range (1..%d)", ErrInvalidConfig, t.TableID, t.CompressDepth, MaxCompressDepth)
	}
	for _, pos := range t.DeltaColumns {
		if pos == t.OrderByColumn || pos == t.GroupByColumn {
			return fmt.Errorf("%w: table %d delta column %d collides with version/group column", ErrInvalidConfig, t.TableID, pos)
		}
	}
	return nil
}

// Catalog resolves a TableConfig for a table id; it is the external
// collaborator boundary the engine talks to for table configuration.
// pkg/hostmem provides a trivial in-memory implementation for tests.
type Catalog interface {
	TableConfig(ctx context.Context, tableID uint32) (*TableConfig, error)
}

// Cache is a process-wide resolved-TableConfig cache, invalidated by the
// operator's invalidate_config(table) call.
type Cache struct {
	mu      sync.RWMutex
	byTable map[uint32]*TableConfig
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{byTable: make(map[uint32]*TableConfig)}
}

// Resolve returns the cached TableConfig for tableID, consulting cat on a
// miss and validating the result before caching it.
func (c *Cache) Resolve(ctx context.Context, cat Catalog, ec *EngineConfig, tableID uint32) (*TableConfig, error) {
	c.mu.RLock()
	tc, ok := c.byTable[tableID]
	c.mu.RUnlock()
	if ok {
		return tc, nil
	}
	tc, err := cat.TableConfig(ctx, tableID)
	if err != nil {
		return nil, fmt.Errorf("resolving config for table %d: %w", tableID, err)
	}
	if err := tc.Validate(ec); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.byTable[tableID] = tc
	c.mu.Unlock()
	return tc, nil
}

// Invalidate drops the cached TableConfig for tableID, if any.
func (c *Cache) Invalidate(tableID uint32) {
	c.mu.Lock()
	delete(c.byTable, tableID)
	c.mu.Unlock()
}
