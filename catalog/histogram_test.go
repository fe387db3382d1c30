package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/guileen/querycore/types"
)

func ints(vals ...int64) []types.Value {
	out := make([]types.Value, len(vals))
	for i, v := range vals {
		out[i] = types.NewInt(v)
	}
	return out
}

func seq(n int) []types.Value {
	out := make([]types.Value, n)
	for i := range out {
		out[i] = types.NewInt(int64(i + 1))
	}
	return out
}

func TestEquiDepthHistogram(t *testing.T) {
	h := BuildHistogram(HistogramEquiDepth, seq(100), 10)
	assert.Len(t, h.Buckets, 10)
	for _, b := range h.Buckets {
		assert.Equal(t, int64(10), b.Count)
	}
	assert.InDelta(t, 0.01, h.EqualitySelectivity(types.NewInt(42)), 1e-9)
	assert.Zero(t, h.EqualitySelectivity(types.NewInt(1000)))
	assert.InDelta(t, 0.5, h.RangeSelectivity(nil, &Bound{Value: types.NewInt(50)}), 0.05)
	assert.InDelta(t, 0.25, h.RangeSelectivity(&Bound{Value: types.NewInt(25), Inclusive: true}, &Bound{Value: types.NewInt(50)}), 0.05)
	assert.Equal(t, 1.0, h.RangeSelectivity(nil, nil))
}

func TestEquiWidthHistogram(t *testing.T) {
	vals := append(seq(10), ints(100, 100, 100)...)
	h := BuildHistogram(HistogramEquiWidth, vals, 10)
	assert.Equal(t, HistogramEquiWidth, h.Kind)
	assert.Len(t, h.Buckets, 10)
	assert.Equal(t, int64(10), h.Buckets[0].Count)
	assert.Equal(t, int64(3), h.Buckets[9].Count)
	assert.InDelta(t, 3.0/13.0, h.EqualitySelectivity(types.NewInt(100)), 1e-9)
}

func TestEquiWidthFallsBackForText(t *testing.T) {
	vals := []types.Value{types.NewText("a"), types.NewText("b"), types.NewText("c")}
	h := BuildHistogram(HistogramEquiWidth, vals, 2)
	assert.Equal(t, HistogramEquiDepth, h.Kind)
}

func TestHybridHistogramKeepsPopularValue(t *testing.T) {
	vals := seq(50)
	for i := 0; i < 50; i++ {
		vals = append(vals, types.NewInt(7))
	}
	h := BuildHistogram(HistogramHybrid, vals, 5)
	for i := 1; i < len(h.Buckets); i++ {
		c := types.SortCompare(h.Buckets[i-1].Upper, h.Buckets[i].Lower)
		assert.Negative(t, c, "a value must not span buckets")
	}
	// 51 of 100 values are 7.
	assert.InDelta(t, 0.51, h.EqualitySelectivity(types.NewInt(7)), 1e-9)
	assert.Less(t, h.EqualitySelectivity(types.NewInt(30)), 0.05)
}

func TestColumnSelectivityFallsBackToDefaults(t *testing.T) {
	d := DefaultSelectivity()
	cs := &ColumnStatistics{}
	assert.Equal(t, d.Equality, cs.EqualitySelectivity(types.NewInt(1), d))
	assert.Equal(t, d.Range, cs.RangeSelectivity(&Bound{Value: types.NewInt(1)}, nil, d))
	assert.InDelta(t, 0.015, d.In(3), 1e-12)
	assert.Equal(t, 1.0, d.In(1000))
}

func TestColumnSelectivityUsesMCV(t *testing.T) {
	d := DefaultSelectivity()
	cs := &ColumnStatistics{
		DistinctCount: 11,
		Min:           types.NewInt(1),
		Max:           types.NewInt(100),
		MostCommon:    []MCV{{Value: types.NewInt(5), Frequency: 0.5}},
	}
	assert.Equal(t, 0.5, cs.EqualitySelectivity(types.NewInt(5), d))
	assert.InDelta(t, 0.05, cs.EqualitySelectivity(types.NewInt(6), d), 1e-9)
	assert.Zero(t, cs.EqualitySelectivity(types.NewInt(500), d))
	assert.InDelta(t, 0.5, cs.RangeSelectivity(nil, &Bound{Value: types.NewFloat(50.5)}, d), 1e-9)
}
