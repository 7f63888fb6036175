// Command deltatablectl is a local-exploration CLI for the delta-chain
// engine: it builds a fresh hostmem-backed engine in-process, seeds it with
// synthetic rows, and runs one operator query against it. There is no
// persistence between invocations — it stands in for the SQL-callable
// operator interface a live host would otherwise expose.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	"github.com/block/deltatable/pkg/config"
	"github.com/block/deltatable/pkg/engine"
	"github.com/block/deltatable/pkg/host"
	"github.com/block/deltatable/pkg/hostmem"
	"github.com/block/deltatable/pkg/introspect"
	"github.com/block/deltatable/pkg/stats"
	"github.com/sirupsen/logrus"
)

var cli struct {
	Stats            StatsCmd            `cmd:"" help:"Print per-group aggregate stats and live cache counters for a table."`
	Inspect          InspectCmd          `cmd:"" help:"List physical delta rows for a table, header only."`
	Physical         PhysicalCmd         `cmd:"" help:"List physical delta rows for a table, including raw bytes."`
	RefreshStats     RefreshStatsCmd     `cmd:"refresh-stats" help:"Recompute a table's persisted stats from a full rescan."`
	InvalidateConfig InvalidateConfigCmd `cmd:"invalidate-config" help:"Drop a table's cached column configuration."`
	Version          VersionCmd          `cmd:"" help:"Print the version string."`
}

func main() {
	ctx := kong.Parse(&cli, kong.Description("Local exploration CLI for the delta-chain table-access method."))
	ctx.FatalIfErrorf(ctx.Run())
}

// seedFlags are the flags shared by every subcommand: since there is no
// live host to attach to, each invocation builds its own table and seeds it
// with synthetic rows before querying.
type seedFlags struct {
	TableID  uint32 `default:"1" help:"Table id to operate on."`
	Groups   int    `default:"2" help:"Number of distinct synthetic groups to seed."`
	SeedRows int    `default:"5" help:"Number of synthetic rows to insert per group."`
}

func (f seedFlags) build(ctx context.Context) (*introspect.Introspector, host.Snapshot, error) {
	store := hostmem.New()
	tc := config.NewTableConfig(f.TableID, 2, []int{1})
	tc.GroupByColumn = 0
	store.SetTableConfig(f.TableID, tc)

	ec := config.NewEngineConfig()
	eng := engine.New(ec, store, store, store, store, store, store, logrus.New())

	acc := stats.New(logrus.New())
	for g := 0; g < f.Groups; g++ {
		group := fmt.Sprintf("group-%d", g)
		for i := 0; i < f.SeedRows; i++ {
			_, err := eng.Insert(ctx, acc, engine.InsertInput{
				TableID:    f.TableID,
				GroupValue: group,
				Columns:    map[int]any{0: group},
				DeltaValues: map[int][]byte{
					1: []byte(fmt.Sprintf("%s-payload-%d", group, i)),
				},
			})
			if err != nil {
				return nil, nil, fmt.Errorf("seed table %d: %w", f.TableID, err)
			}
		}
	}
	if err := acc.Flush(ctx, store); err != nil {
		return nil, nil, fmt.Errorf("flush seeded stats for table %d: %w", f.TableID, err)
	}

	return introspect.New(eng, store, store), store.NewSnapshot(false), nil
}

type StatsCmd struct {
	seedFlags
}

func (c *StatsCmd) Run() error {
	ctx := context.Background()
	ti, _, err := c.build(ctx)
	if err != nil {
		return err
	}
	st, err := ti.Stats(ctx, c.TableID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintf(w, "table\t%d\n", st.TableID)
	fmt.Fprintf(w, "groups\t%d\n", st.GroupCount)
	fmt.Fprintf(w, "rows\t%d\n", st.RowCount)
	fmt.Fprintf(w, "keyframes\t%d\n", st.KeyframeCount)
	fmt.Fprintf(w, "raw_size\t%d\n", st.RawSize)
	fmt.Fprintf(w, "compressed_size\t%d\n", st.CompressedSize)
	fmt.Fprintf(w, "content_cache_hits\t%d\n", st.Caches.Content.Hits)
	fmt.Fprintf(w, "content_cache_misses\t%d\n", st.Caches.Content.Misses)
	fmt.Fprintf(w, "fifo_hits\t%d\n", st.Caches.FIFO.Hits)
	fmt.Fprintf(w, "fifo_misses\t%d\n", st.Caches.FIFO.Misses)
	fmt.Fprintf(w, "encode_pool_dispatched\t%d\n", st.Caches.PoolDispatched)
	fmt.Fprintf(w, "encode_pool_inline\t%d\n", st.Caches.PoolInline)
	return w.Flush()
}

type InspectCmd struct {
	seedFlags
}

func (c *InspectCmd) Run() error {
	ctx := context.Background()
	ti, snap, err := c.build(ctx)
	if err != nil {
		return err
	}
	rows, err := ti.Inspect(ctx, c.TableID, nil, snap)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "group\tseq\tis_keyframe\tcolumn\ttag\tsize")
	for _, r := range rows {
		fmt.Fprintf(w, "%x%x\t%d\t%t\t%d\t%d\t%d\n", r.Group.Hi, r.Group.Lo, r.Seq, r.IsKeyframe, r.Column, r.Tag, r.Size)
	}
	return w.Flush()
}

type PhysicalCmd struct {
	seedFlags
	FromSeq int64 `default:"0" help:"Only list rows with sequence >= this value."`
}

func (c *PhysicalCmd) Run() error {
	ctx := context.Background()
	ti, snap, err := c.build(ctx)
	if err != nil {
		return err
	}
	rows, err := ti.Physical(ctx, c.TableID, nil, c.FromSeq, snap)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "group\tseq\tis_keyframe\tcolumn\ttag\tsize\tbytes")
	for _, r := range rows {
		fmt.Fprintf(w, "%x%x\t%d\t%t\t%d\t%d\t%d\t%x\n", r.Group.Hi, r.Group.Lo, r.Seq, r.IsKeyframe, r.Column, r.Tag, r.Size, r.Bytes)
	}
	return w.Flush()
}

type RefreshStatsCmd struct {
	seedFlags
}

func (c *RefreshStatsCmd) Run() error {
	ctx := context.Background()
	ti, snap, err := c.build(ctx)
	if err != nil {
		return err
	}
	groupsRefreshed, rowsScanned, err := ti.RefreshStats(ctx, c.TableID, snap)
	if err != nil {
		return err
	}
	fmt.Printf("refreshed %d groups from %d scanned rows\n", groupsRefreshed, rowsScanned)
	return nil
}

type InvalidateConfigCmd struct {
	seedFlags
}

func (c *InvalidateConfigCmd) Run() error {
	ctx := context.Background()
	ti, _, err := c.build(ctx)
	if err != nil {
		return err
	}
	ti.InvalidateConfig(c.TableID)
	fmt.Printf("invalidated cached config for table %d\n", c.TableID)
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(introspect.Version())
	return nil
}
