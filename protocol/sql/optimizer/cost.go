package optimizer

import (
	"math"
)

// SearchStrategy selects how join orders are enumerated. Both strategies
// share the cost model and the selectivity defaults.
type SearchStrategy int

const (
	// StrategyBasic orders joins greedily.
	StrategyBasic SearchStrategy = iota
	// StrategyAdvanced enumerates join orders by dynamic programming up to
	// DPThreshold relations, and greedily beyond.
	StrategyAdvanced
)

// ParseSearchStrategy maps the configuration names onto strategies.
func ParseSearchStrategy(s string) SearchStrategy {
	if s == "basic" {
		return StrategyBasic
	}
	return StrategyAdvanced
}

func (s SearchStrategy) String() string {
	if s == StrategyBasic {
		return "basic"
	}
	return "advanced"
}

// CostModel holds the cost constants and search settings used for every
// candidate plan.
type CostModel struct {
	SeqPageCost       float64
	RandomPageCost    float64
	CPUTupleCost      float64
	CPUIndexTupleCost float64
	CPUOperatorCost   float64
	NetworkTupleCost  float64
	MemoryPerMBCost   float64
	// SpillPageCost is charged per page written to or read from spill.
	SpillPageCost float64
	PageSize      int64

	Search      SearchStrategy
	DPThreshold int
	// WorkMem is the per-operator memory budget in bytes. Sorts, hash
	// tables and aggregates larger than this are costed as spilling.
	WorkMem int64
}

// NewCostModel returns the default constants.
func NewCostModel() *CostModel {
	return &CostModel{
		SeqPageCost:       1.0,
		RandomPageCost:    4.0,
		CPUTupleCost:      0.01,
		CPUIndexTupleCost: 0.005,
		CPUOperatorCost:   0.0025,
		NetworkTupleCost:  0.1,
		MemoryPerMBCost:   0.001,
		SpillPageCost:     2.0,
		PageSize:          8192,
		Search:            StrategyAdvanced,
		DPThreshold:       8,
		WorkMem:           64 << 20,
	}
}

// Cost is the estimated work to produce the first row (Startup) and all
// rows (Total), in abstract page-fetch units.
type Cost struct {
	Startup float64 `json:"startup"`
	Total   float64 `json:"total"`
}

func (m *CostModel) pages(rows float64, width int) float64 {
	return math.Ceil(rows * float64(width) / float64(m.PageSize))
}

func (m *CostModel) memory(bytes float64) float64 {
	return bytes / (1 << 20) * m.MemoryPerMBCost
}

// SeqScan costs reading every page and evaluating quals per row.
func (m *CostModel) SeqScan(pages, rows float64, quals int) Cost {
	return Cost{Total: pages*m.SeqPageCost + rows*(m.CPUTupleCost+float64(quals)*m.CPUOperatorCost)}
}

// IndexScan costs descending the index and fetching matched rows at random.
func (m *CostModel) IndexScan(height int, tablePages, matched float64, quals int) Cost {
	startup := float64(height) * m.RandomPageCost
	fetched := math.Min(matched, tablePages)
	return Cost{
		Startup: startup,
		Total: startup + matched*m.CPUIndexTupleCost + fetched*m.RandomPageCost +
			matched*(m.CPUTupleCost+float64(quals)*m.CPUOperatorCost),
	}
}

// Filter adds per-row predicate evaluation.
func (m *CostModel) Filter(in Cost, rows float64, quals int) Cost {
	return Cost{Startup: in.Startup, Total: in.Total + rows*float64(quals)*m.CPUOperatorCost}
}

// Project adds per-row expression evaluation.
func (m *CostModel) Project(in Cost, rows float64, exprs int) Cost {
	return Cost{Startup: in.Startup, Total: in.Total + rows*float64(exprs)*m.CPUOperatorCost}
}

// NestedLoop buffers the inner side once and rescans it per outer row. An
// inner side over WorkMem is re-read from spill per outer row.
func (m *CostModel) NestedLoop(outer, inner Cost, outerRows, innerRows float64, innerWidth int, quals int, outRows float64) Cost {
	startup := outer.Startup + inner.Total + innerRows*m.CPUTupleCost
	pairs := outerRows * innerRows
	total := outer.Total + inner.Total + innerRows*m.CPUTupleCost +
		pairs*float64(max(quals, 1))*m.CPUOperatorCost + outRows*m.CPUTupleCost
	bytes := innerRows * float64(innerWidth)
	if bytes > float64(m.WorkMem) {
		total += outerRows * m.pages(innerRows, innerWidth) * m.SpillPageCost
	} else {
		total += m.memory(bytes)
	}
	return Cost{Startup: startup, Total: total}
}

// HashJoin builds a table on the inner (right) side and probes it with the
// outer side. A build side over WorkMem partitions both sides to spill.
func (m *CostModel) HashJoin(probe, build Cost, probeRows, buildRows float64, probeWidth, buildWidth int, keys, quals int, outRows float64) Cost {
	k := float64(max(keys, 1))
	startup := build.Total + buildRows*(m.CPUTupleCost+k*m.CPUOperatorCost)
	total := startup + probe.Total + probeRows*k*m.CPUOperatorCost +
		outRows*(m.CPUTupleCost+float64(quals)*m.CPUOperatorCost)
	bytes := buildRows * float64(buildWidth)
	if bytes > float64(m.WorkMem) {
		total += 2 * (m.pages(buildRows, buildWidth) + m.pages(probeRows, probeWidth)) * m.SpillPageCost
	} else {
		total += m.memory(bytes)
	}
	return Cost{Startup: startup + probe.Startup, Total: total}
}

// MergeJoin merges two inputs already sorted on the join keys.
func (m *CostModel) MergeJoin(left, right Cost, leftRows, rightRows float64, keys, quals int, outRows float64) Cost {
	k := float64(max(keys, 1))
	return Cost{
		Startup: left.Startup + right.Startup,
		Total: left.Total + right.Total + (leftRows+rightRows)*k*m.CPUOperatorCost +
			outRows*(m.CPUTupleCost+float64(quals)*m.CPUOperatorCost),
	}
}

// Sort is n log n comparisons; an external sort also writes and reads its
// runs once per merge pass.
func (m *CostModel) Sort(in Cost, rows float64, width, keys int, external bool) Cost {
	cmp := 2 * float64(max(keys, 1)) * m.CPUOperatorCost
	total := in.Total + rows*log2(rows)*cmp + rows*m.CPUTupleCost
	bytes := rows * float64(width)
	if external {
		runs := math.Max(1, math.Ceil(bytes/float64(m.WorkMem)))
		passes := math.Max(1, math.Ceil(log2(runs)/4))
		total += 2 * passes * m.pages(rows, width) * m.SpillPageCost
		total += m.memory(float64(m.WorkMem))
	} else {
		total += m.memory(bytes)
	}
	return Cost{Startup: total, Total: total}
}

// TopN keeps a heap of n rows.
func (m *CostModel) TopN(in Cost, rows, n float64, keys int) Cost {
	cmp := 2 * float64(max(keys, 1)) * m.CPUOperatorCost
	total := in.Total + rows*log2(math.Max(n, 2))*cmp + rows*m.CPUTupleCost
	return Cost{Startup: total, Total: total}
}

// HashAggregate evaluates the group key and updates one accumulator per
// aggregate for each input row. Groups over WorkMem spill their input.
func (m *CostModel) HashAggregate(in Cost, rows, groups float64, width, keys, aggs int) Cost {
	perRow := float64(keys+aggs+1) * m.CPUOperatorCost
	total := in.Total + rows*perRow + groups*m.CPUTupleCost
	bytes := groups * float64(width)
	if bytes > float64(m.WorkMem) {
		total += 2 * m.pages(rows, width) * m.SpillPageCost
	} else {
		total += m.memory(bytes)
	}
	return Cost{Startup: total, Total: total}
}

// SortAggregate streams over input sorted on the group keys.
func (m *CostModel) SortAggregate(in Cost, rows, groups float64, keys, aggs int) Cost {
	perRow := float64(keys+aggs) * m.CPUOperatorCost
	return Cost{Startup: in.Startup, Total: in.Total + rows*perRow + groups*m.CPUTupleCost}
}

// Materialized costs re-reading rows already held in memory.
func (m *CostModel) Materialized(rows float64) Cost {
	return Cost{Total: rows * m.CPUTupleCost}
}

// Deliver adds the cost of shipping the result rows to the caller.
func (m *CostModel) Deliver(in Cost, rows float64) Cost {
	return Cost{Startup: in.Startup, Total: in.Total + rows*m.NetworkTupleCost}
}

func log2(x float64) float64 {
	if x <= 1 {
		return 0
	}
	return math.Log2(x)
}
