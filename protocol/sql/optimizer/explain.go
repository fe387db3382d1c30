package optimizer

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DivergenceRatio is how far actual rows may stray from the estimate before
// EXPLAIN ANALYZE warns.
const DivergenceRatio = 10.0

// Actual is what one operator did during EXPLAIN ANALYZE.
type Actual struct {
	Rows    int64
	Elapsed time.Duration
}

// ExplainNode is one operator of an explained plan.
type ExplainNode struct {
	ID         int            `json:"id"`
	ParentID   int            `json:"parent_id"`
	Depth      int            `json:"depth"`
	Operation  string         `json:"operation"`
	Target     string         `json:"target,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	Cost       Cost           `json:"cost"`
	Rows       float64        `json:"rows"`
	ActualRows *int64         `json:"actual_rows,omitempty"`
	ActualTime *float64       `json:"actual_time_ms,omitempty"`
	Warning    string         `json:"warning,omitempty"`
	Children   []*ExplainNode `json:"-"`
}

// Explain builds the explain tree of p. actual, when non-nil, supplies
// EXPLAIN ANALYZE measurements per plan node.
func Explain(p *PhysicalPlan, actual map[*PhysicalPlan]Actual) *ExplainNode {
	n := &ExplainNode{
		Operation: string(p.Strategy),
		Target:    p.Target(),
		Detail:    p.Detail(),
		Cost:      p.Cost,
		Rows:      p.Rows,
	}
	if a, ok := actual[p]; ok {
		rows := a.Rows
		ms := float64(a.Elapsed.Microseconds()) / 1000
		n.ActualRows, n.ActualTime = &rows, &ms
		if ratio := divergence(p.Rows, float64(rows)); ratio >= DivergenceRatio {
			n.Warning = fmt.Sprintf("row estimate off by %.0fx (estimated %.0f, actual %d)", ratio, p.Rows, rows)
		}
	}
	for _, c := range p.Children {
		n.Children = append(n.Children, Explain(c, actual))
	}
	return n
}

func divergence(est, actual float64) float64 {
	est, actual = math.Max(est, 1), math.Max(actual, 1)
	return math.Max(est/actual, actual/est)
}

// Flatten lists the tree depth-first with ids starting at 1. The root has
// parent id 0.
func (n *ExplainNode) Flatten() []*ExplainNode {
	var out []*ExplainNode
	var walk func(n *ExplainNode, parent, depth int)
	walk = func(n *ExplainNode, parent, depth int) {
		n.ID = len(out) + 1
		n.ParentID = parent
		n.Depth = depth
		out = append(out, n)
		for _, c := range n.Children {
			walk(c, n.ID, depth+1)
		}
	}
	walk(n, 0, 0)
	return out
}

// Text renders the tree one operator per line.
func (n *ExplainNode) Text() string {
	var sb strings.Builder
	var walk func(n *ExplainNode, depth int)
	walk = func(n *ExplainNode, depth int) {
		sb.WriteString(strings.Repeat("  ", depth))
		if depth > 0 {
			sb.WriteString("-> ")
		}
		sb.WriteString(n.Operation)
		if n.Target != "" {
			sb.WriteString(" on " + n.Target)
		}
		if n.Detail != "" {
			sb.WriteString(" " + n.Detail)
		}
		fmt.Fprintf(&sb, "  (cost=%.2f..%.2f rows=%.0f)", n.Cost.Startup, n.Cost.Total, n.Rows)
		if n.ActualRows != nil {
			fmt.Fprintf(&sb, " (actual time=%.3fms rows=%d)", *n.ActualTime, *n.ActualRows)
		}
		if n.Warning != "" {
			sb.WriteString(" [warning: " + n.Warning + "]")
		}
		sb.WriteByte('\n')
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	walk(n, 0)
	return sb.String()
}

// Lines splits Text into rows for a tabular EXPLAIN result.
func (n *ExplainNode) Lines() []string {
	return strings.Split(strings.TrimSuffix(n.Text(), "\n"), "\n")
}
