package catalog

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/guileen/querycore/codec"
	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/storage"
	"github.com/guileen/querycore/types"
)

// CollectorOptions tune ANALYZE.
type CollectorOptions struct {
	SampleSize    int           // rows kept by reservoir sampling; 0 scans everything
	Buckets       int           // histogram buckets per column
	MCVs          int           // most-common values kept per column
	HistogramKind HistogramKind // shape of the histograms built
	Parallelism   int           // columns analysed concurrently
}

// DefaultCollectorOptions returns the options used by the engine.
func DefaultCollectorOptions() CollectorOptions {
	return CollectorOptions{
		SampleSize:    30000,
		Buckets:       32,
		MCVs:          10,
		HistogramKind: HistogramHybrid,
		Parallelism:   4,
	}
}

// StatsCollector samples tables and publishes their statistics.
type StatsCollector struct {
	catalog  SchemaManager
	store    storage.Engine
	registry *StatsRegistry
	opts     CollectorOptions
	rand     *rand.Rand
}

// NewStatsCollector creates a collector writing into registry.
func NewStatsCollector(cat SchemaManager, store storage.Engine, registry *StatsRegistry, opts CollectorOptions) *StatsCollector {
	if opts.Buckets <= 0 {
		opts.Buckets = 32
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	return &StatsCollector{
		catalog:  cat,
		store:    store,
		registry: registry,
		opts:     opts,
		rand:     rand.New(rand.NewSource(1)),
	}
}

// Analyze collects statistics for one table and publishes them.
func (sc *StatsCollector) Analyze(ctx context.Context, tableName string) (*TableStatistics, error) {
	start := time.Now()
	def, err := sc.catalog.GetTableDefinition(ctx, tableName)
	if err != nil {
		return nil, err
	}
	size, err := sc.store.TableSize(ctx, def.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read table size: %w", err)
	}
	sample, seen, err := sc.sample(ctx, def.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to sample table %s: %w", def.Name, err)
	}

	stats := &TableStatistics{
		TableName:   def.Name,
		RowCount:    seen,
		PageCount:   size.Pages,
		CollectedAt: time.Now(),
		Columns:     make(map[string]*ColumnStatistics, len(def.Columns)),
		Indexes:     make(map[string]*IndexStatistics, len(def.Indexes)),
	}
	if seen > 0 {
		stats.AvgRowWidth = int(size.Bytes / seen)
	}

	columns := make([]*ColumnStatistics, len(def.Columns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sc.opts.Parallelism)
	for i := range def.Columns {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			columns[i] = sc.columnStats(def.Columns[i], i, sample, seen)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, c := range columns {
		stats.Columns[lower(c.ColumnName)] = c
	}
	for _, idx := range def.Indexes {
		stats.Indexes[lower(idx.Name)] = indexStats(def, idx, sample, seen, size)
	}

	sc.registry.Publish(stats)
	logger.InfoContext(ctx, "table analyzed",
		logger.Table(def.Name),
		logger.Rows(seen),
		"sampled", len(sample),
		logger.Duration("duration", time.Since(start)))
	return stats, nil
}

// sample scans the table keeping a uniform reservoir of rows.
func (sc *StatsCollector) sample(ctx context.Context, table string) ([]types.Row, int64, error) {
	it, err := sc.store.Scan(ctx, table, storage.ScanOptions{})
	if err != nil {
		return nil, 0, err
	}
	defer it.Close()

	limit := sc.opts.SampleSize
	var rows []types.Row
	var seen int64
	for {
		row, err := it.Next(ctx)
		if err == io.EOF {
			return rows, seen, nil
		}
		if err != nil {
			return nil, 0, err
		}
		seen++
		if limit <= 0 || len(rows) < limit {
			rows = append(rows, row)
			continue
		}
		if j := sc.rand.Int63n(seen); j < int64(limit) {
			rows[j] = row
		}
	}
}

func (sc *StatsCollector) columnStats(col types.ColumnDefinition, pos int, sample []types.Row, total int64) *ColumnStatistics {
	cs := &ColumnStatistics{ColumnName: col.Name, DataType: string(col.Type)}
	if len(sample) == 0 {
		return cs
	}

	values := make([]types.Value, 0, len(sample))
	counts := make(map[string]int)
	firsts := make(map[string]types.Value)
	nulls, width := 0, 0
	for _, row := range sample {
		v := row[pos]
		if v.IsNull() {
			nulls++
			continue
		}
		values = append(values, v)
		width += v.Size()
		k := codec.KeyString(v)
		if counts[k] == 0 {
			firsts[k] = v
		}
		counts[k]++
	}
	n := float64(len(sample))
	cs.NullFraction = float64(nulls) / n
	if len(values) == 0 {
		return cs
	}
	cs.AvgWidth = width / len(values)
	cs.DistinctCount = scaleDistinct(len(counts), len(values), len(sample), total)

	type freq struct {
		key   string
		count int
	}
	freqs := make([]freq, 0, len(counts))
	for k, c := range counts {
		freqs = append(freqs, freq{k, c})
	}
	sort.Slice(freqs, func(i, j int) bool {
		if freqs[i].count != freqs[j].count {
			return freqs[i].count > freqs[j].count
		}
		return freqs[i].key < freqs[j].key
	})
	// Only values repeated more often than average are worth keeping.
	avg := float64(len(values)) / float64(len(counts))
	for _, f := range freqs {
		if len(cs.MostCommon) >= sc.opts.MCVs || f.count < 2 || float64(f.count) <= avg {
			break
		}
		cs.MostCommon = append(cs.MostCommon, MCV{Value: firsts[f.key], Frequency: float64(f.count) / n})
	}

	cs.Histogram = BuildHistogram(sc.opts.HistogramKind, values, sc.opts.Buckets)
	cs.Min = values[0]
	cs.Max = values[len(values)-1]
	return cs
}

// scaleDistinct extrapolates a sample's distinct count to the whole table
// with the Haas-Stokes style estimator used by PostgreSQL.
func scaleDistinct(distinct, nonNull, sampled int, total int64) int64 {
	if int64(sampled) >= total || distinct == nonNull {
		if distinct == nonNull && int64(sampled) < total {
			// every sampled value unique: assume a unique column
			return int64(float64(total) * float64(nonNull) / float64(sampled))
		}
		return int64(distinct)
	}
	n := float64(sampled)
	N := float64(total)
	d := float64(distinct)
	est := n * d / (n - d + d*n/N)
	return int64(math.Max(d, math.Min(est, N)))
}

func indexStats(def *types.TableDefinition, idx types.IndexDefinition, sample []types.Row, total int64, size storage.TableSize) *IndexStatistics {
	is := &IndexStatistics{
		IndexName: idx.Name,
		Columns:   append([]string(nil), idx.Columns...),
		Unique:    idx.Unique,
	}
	positions := make([]int, 0, len(idx.Columns))
	for _, c := range idx.Columns {
		positions = append(positions, def.ColumnIndex(c))
	}
	keys := make(map[string]struct{}, len(sample))
	var nulls int64
	for _, row := range sample {
		vals := make([]types.Value, len(positions))
		for i, p := range positions {
			vals[i] = row[p]
		}
		if vals[0].IsNull() {
			nulls++
			continue
		}
		keys[codec.KeyString(vals...)] = struct{}{}
	}
	nonNull := len(sample) - int(nulls)
	is.DistinctKeys = scaleDistinct(len(keys), nonNull, len(sample), total)
	if idx.Unique {
		is.DistinctKeys = total - nulls
	}
	if len(sample) > 0 {
		is.NullKeys = int64(float64(nulls) / float64(len(sample)) * float64(total))
	}
	is.LeafPages = size.Pages/4 + 1
	is.Height = 1
	for fanout := int64(32); fanout < total; fanout *= 32 {
		is.Height++
	}
	return is
}
