package catalog

import (
	"math"
	"time"

	"github.com/guileen/querycore/types"
)

// TableStatistics represents statistics for a table to support cost-based optimization
type TableStatistics struct {
	TableName   string    `json:"table_name"`
	RowCount    int64     `json:"row_count"`
	PageCount   int64     `json:"page_count"`
	AvgRowWidth int       `json:"avg_row_width"`
	CollectedAt time.Time `json:"collected_at"`

	// Column statistics mapping (lower-case column name -> statistics)
	Columns map[string]*ColumnStatistics `json:"columns"`

	// Index statistics mapping (lower-case index name -> statistics)
	Indexes map[string]*IndexStatistics `json:"indexes"`
}

// Column returns the statistics for a column, if collected.
func (t *TableStatistics) Column(name string) (*ColumnStatistics, bool) {
	if t == nil {
		return nil, false
	}
	c, ok := t.Columns[lower(name)]
	return c, ok
}

// MCV is one most-common value and the fraction of all rows holding it.
type MCV struct {
	Value     types.Value `json:"value"`
	Frequency float64     `json:"frequency"`
}

// ColumnStatistics represents detailed statistics for a column to support cost-based optimization
type ColumnStatistics struct {
	ColumnName    string      `json:"column_name"`
	DataType      string      `json:"data_type"`
	DistinctCount int64       `json:"distinct_count"`
	NullFraction  float64     `json:"null_fraction"`
	Min           types.Value `json:"min"`
	Max           types.Value `json:"max"`
	AvgWidth      int         `json:"avg_width"`
	MostCommon    []MCV       `json:"most_common,omitempty"`
	Histogram     *Histogram  `json:"histogram,omitempty"`
}

// IndexStatistics represents statistics for an index to support cost-based optimization
type IndexStatistics struct {
	IndexName    string   `json:"index_name"`
	Columns      []string `json:"columns"`
	Unique       bool     `json:"unique"`
	DistinctKeys int64    `json:"distinct_keys"`
	NullKeys     int64    `json:"null_keys"`
	Height       int      `json:"height"`
	LeafPages    int64    `json:"leaf_pages"`
}

// SelectivityDefaults are used when no statistic answers a predicate. One
// value is owned by the StatsRegistry and shared by every search strategy.
type SelectivityDefaults struct {
	Equality float64 `json:"equality"`
	Range    float64 `json:"range"`
	Like     float64 `json:"like"`
	IsNull   float64 `json:"is_null"`
}

// DefaultSelectivity returns the built-in defaults.
func DefaultSelectivity() SelectivityDefaults {
	return SelectivityDefaults{Equality: 0.005, Range: 0.333, Like: 0.1, IsNull: 0.01}
}

// In is the selectivity of an IN list with n items.
func (d SelectivityDefaults) In(n int) float64 {
	return clamp(float64(n) * d.Equality)
}

// Bound is one side of a range predicate.
type Bound struct {
	Value     types.Value
	Inclusive bool
}

func (c *ColumnStatistics) mcvTotal() float64 {
	var sum float64
	for _, m := range c.MostCommon {
		sum += m.Frequency
	}
	return sum
}

// EqualitySelectivity estimates the fraction of rows where the column equals v.
func (c *ColumnStatistics) EqualitySelectivity(v types.Value, d SelectivityDefaults) float64 {
	if v.IsNull() {
		return 0
	}
	for _, m := range c.MostCommon {
		if types.Equal(m.Value, v) {
			return m.Frequency
		}
	}
	if c.outsideBounds(v) {
		return 0
	}
	rest := 1 - c.NullFraction - c.mcvTotal()
	if rest <= 0 {
		return 0
	}
	if h := c.Histogram; h != nil && h.Kind == HistogramHybrid {
		return clamp(h.EqualitySelectivity(v) * (1 - c.NullFraction))
	}
	if others := c.DistinctCount - int64(len(c.MostCommon)); others > 0 {
		return clamp(rest / float64(others))
	}
	if c.Histogram != nil {
		return clamp(c.Histogram.EqualitySelectivity(v) * (1 - c.NullFraction))
	}
	return d.Equality
}

// RangeSelectivity estimates the fraction of rows with lo <op> col <op> hi.
// A nil bound is open.
func (c *ColumnStatistics) RangeSelectivity(lo, hi *Bound, d SelectivityDefaults) float64 {
	if c.Histogram != nil && c.Histogram.Total > 0 {
		return clamp(c.Histogram.RangeSelectivity(lo, hi) * (1 - c.NullFraction))
	}
	minF, okMin := c.Min.Float()
	maxF, okMax := c.Max.Float()
	if !okMin || !okMax || maxF <= minF {
		return d.Range
	}
	from, to := minF, maxF
	if lo != nil {
		f, ok := lo.Value.Float()
		if !ok {
			return d.Range
		}
		from = math.Max(from, f)
	}
	if hi != nil {
		f, ok := hi.Value.Float()
		if !ok {
			return d.Range
		}
		to = math.Min(to, f)
	}
	if to < from {
		return 0
	}
	return clamp((to - from) / (maxF - minF) * (1 - c.NullFraction))
}

func (c *ColumnStatistics) outsideBounds(v types.Value) bool {
	if c.Min.IsNull() || c.Max.IsNull() {
		return false
	}
	if cmp, ok := types.Compare(v, c.Min); ok && cmp < 0 {
		return true
	}
	if cmp, ok := types.Compare(v, c.Max); ok && cmp > 0 {
		return true
	}
	return false
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
