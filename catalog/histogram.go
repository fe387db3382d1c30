package catalog

import (
	"sort"

	"github.com/guileen/querycore/types"
)

// HistogramKind selects how bucket boundaries are chosen.
type HistogramKind string

const (
	// HistogramEquiWidth splits [min, max] into equally wide buckets.
	HistogramEquiWidth HistogramKind = "equi_width"
	// HistogramEquiDepth puts roughly the same number of values in each bucket.
	HistogramEquiDepth HistogramKind = "equi_depth"
	// HistogramHybrid is equi-depth that never splits a value across buckets
	// and records how often each bucket's upper bound repeats.
	HistogramHybrid HistogramKind = "hybrid"
)

// Histogram represents the distribution of the non-null values of a column.
type Histogram struct {
	Kind    HistogramKind `json:"kind"`
	Buckets []Bucket      `json:"buckets"`
	Total   int64         `json:"total"`
}

// Bucket covers values in [Lower, Upper].
type Bucket struct {
	Lower    types.Value `json:"lower"`
	Upper    types.Value `json:"upper"`
	Count    int64       `json:"count"`
	Distinct int64       `json:"distinct"`
	// EndpointRepeats counts occurrences of Upper (hybrid histograms only).
	EndpointRepeats int64 `json:"endpoint_repeats,omitempty"`
}

// BuildHistogram builds a histogram of the given kind from non-null values.
// values is sorted in place. Equi-width histograms over non-numeric data
// fall back to equi-depth.
func BuildHistogram(kind HistogramKind, values []types.Value, buckets int) *Histogram {
	if buckets < 1 {
		buckets = 1
	}
	sort.SliceStable(values, func(i, j int) bool {
		return types.SortCompare(values[i], values[j]) < 0
	})
	h := &Histogram{Kind: kind, Total: int64(len(values))}
	if len(values) == 0 {
		return h
	}
	if buckets > len(values) {
		buckets = len(values)
	}
	switch kind {
	case HistogramEquiWidth:
		if !buildEquiWidth(h, values, buckets) {
			h.Kind = HistogramEquiDepth
			buildEquiDepth(h, values, buckets)
		}
	case HistogramHybrid:
		buildHybrid(h, values, buckets)
	default:
		h.Kind = HistogramEquiDepth
		buildEquiDepth(h, values, buckets)
	}
	return h
}

func buildEquiDepth(h *Histogram, values []types.Value, buckets int) {
	per := len(values) / buckets
	for i := 0; i < buckets; i++ {
		start := i * per
		end := start + per
		if i == buckets-1 {
			end = len(values)
		}
		if start >= end {
			break
		}
		part := values[start:end]
		h.Buckets = append(h.Buckets, Bucket{
			Lower:    part[0],
			Upper:    part[len(part)-1],
			Count:    int64(len(part)),
			Distinct: countDistinct(part),
		})
	}
}

func buildHybrid(h *Histogram, values []types.Value, buckets int) {
	target := (len(values) + buckets - 1) / buckets
	start := 0
	for start < len(values) {
		end := start + target
		if end >= len(values) {
			end = len(values)
		} else {
			// extend to the end of the run of equal values
			for end < len(values) && types.SortCompare(values[end], values[end-1]) == 0 {
				end++
			}
		}
		part := values[start:end]
		upper := part[len(part)-1]
		repeats := int64(0)
		for i := len(part) - 1; i >= 0 && types.SortCompare(part[i], upper) == 0; i-- {
			repeats++
		}
		h.Buckets = append(h.Buckets, Bucket{
			Lower:           part[0],
			Upper:           upper,
			Count:           int64(len(part)),
			Distinct:        countDistinct(part),
			EndpointRepeats: repeats,
		})
		start = end
	}
}

func buildEquiWidth(h *Histogram, values []types.Value, buckets int) bool {
	lo, ok1 := values[0].Float()
	hi, ok2 := values[len(values)-1].Float()
	if !ok1 || !ok2 {
		return false
	}
	if hi == lo {
		h.Buckets = []Bucket{{Lower: values[0], Upper: values[len(values)-1], Count: int64(len(values)), Distinct: 1}}
		return true
	}
	width := (hi - lo) / float64(buckets)
	pos := 0
	for i := 0; i < buckets; i++ {
		edgeLo := lo + float64(i)*width
		edgeHi := lo + float64(i+1)*width
		start := pos
		for pos < len(values) {
			f, ok := values[pos].Float()
			if !ok {
				return false
			}
			if f >= edgeHi && i < buckets-1 {
				break
			}
			pos++
		}
		part := values[start:pos]
		h.Buckets = append(h.Buckets, Bucket{
			Lower:    types.NewFloat(edgeLo),
			Upper:    types.NewFloat(edgeHi),
			Count:    int64(len(part)),
			Distinct: countDistinct(part),
		})
	}
	return true
}

func countDistinct(sorted []types.Value) int64 {
	if len(sorted) == 0 {
		return 0
	}
	n := int64(1)
	for i := 1; i < len(sorted); i++ {
		if types.SortCompare(sorted[i], sorted[i-1]) != 0 {
			n++
		}
	}
	return n
}

// EqualitySelectivity estimates the fraction of histogram values equal to v.
func (h *Histogram) EqualitySelectivity(v types.Value) float64 {
	if h.Total == 0 {
		return 0
	}
	for _, b := range h.Buckets {
		if !b.contains(v) {
			continue
		}
		if h.Kind == HistogramHybrid {
			if types.SortCompare(v, b.Upper) == 0 {
				return float64(b.EndpointRepeats) / float64(h.Total)
			}
			others := b.Distinct - 1
			if others < 1 {
				return 0
			}
			return float64(b.Count-b.EndpointRepeats) / float64(others) / float64(h.Total)
		}
		if b.Distinct == 0 {
			return 0
		}
		return float64(b.Count) / float64(b.Distinct) / float64(h.Total)
	}
	return 0
}

// RangeSelectivity estimates the fraction of histogram values inside the
// range. A nil bound is open.
func (h *Histogram) RangeSelectivity(lo, hi *Bound) float64 {
	if h.Total == 0 {
		return 0
	}
	upper := float64(h.Total)
	if hi != nil {
		upper = h.countBelow(hi.Value, hi.Inclusive)
	}
	lower := 0.0
	if lo != nil {
		lower = h.countBelow(lo.Value, !lo.Inclusive)
	}
	if upper <= lower {
		return 0
	}
	return clamp((upper - lower) / float64(h.Total))
}

// countBelow estimates how many values are < x, or <= x when inclusive.
func (h *Histogram) countBelow(x types.Value, inclusive bool) float64 {
	var n float64
	for _, b := range h.Buckets {
		cmpLo, ok1 := types.Compare(x, b.Lower)
		cmpHi, ok2 := types.Compare(x, b.Upper)
		if !ok1 || !ok2 {
			// incomparable families: assume half the bucket
			n += float64(b.Count) / 2
			continue
		}
		switch {
		case cmpHi > 0 || (cmpHi == 0 && inclusive):
			n += float64(b.Count)
		case cmpLo < 0 || (cmpLo == 0 && !inclusive && h.Kind != HistogramEquiWidth):
		default:
			n += float64(b.Count) * b.fractionBelow(x, inclusive)
		}
	}
	return n
}

// fractionBelow interpolates inside a bucket known to contain x.
func (b Bucket) fractionBelow(x types.Value, inclusive bool) float64 {
	lo, ok1 := b.Lower.Float()
	hi, ok2 := b.Upper.Float()
	xf, ok3 := x.Float()
	if !ok1 || !ok2 || !ok3 || hi <= lo {
		return 0.5
	}
	frac := (xf - lo) / (hi - lo)
	if inclusive && b.Distinct > 0 {
		frac += 1 / float64(b.Distinct)
	}
	return clamp(frac)
}

func (b Bucket) contains(v types.Value) bool {
	lo, ok1 := types.Compare(v, b.Lower)
	hi, ok2 := types.Compare(v, b.Upper)
	return ok1 && ok2 && lo >= 0 && hi <= 0
}
