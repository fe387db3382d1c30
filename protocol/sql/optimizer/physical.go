// Package optimizer turns logical plans into costed physical plans. Every
// candidate is costed with the single shared CostModel; selectivity defaults
// come from the statistics registry.
package optimizer

import (
	"fmt"
	"strings"

	"github.com/guileen/querycore/catalog"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/protocol/sql/planner"
	"github.com/guileen/querycore/types"
)

// Strategy names the physical algorithm of a node.
type Strategy string

const (
	StrategySeqScan          Strategy = "SeqScan"
	StrategyIndexScan        Strategy = "IndexScan"
	StrategyValues           Strategy = "Values"
	StrategyCTEScan          Strategy = "CTEScan"
	StrategyMaterializedScan Strategy = "MaterializedScan"
	StrategySubqueryScan     Strategy = "SubqueryScan"
	StrategyFilter           Strategy = "Filter"
	StrategyProject          Strategy = "Project"
	StrategyNestedLoop       Strategy = "NestedLoop"
	StrategyHashJoin         Strategy = "HashJoin"
	StrategyMergeJoin        Strategy = "MergeJoin"
	StrategyHashAggregate    Strategy = "HashAggregate"
	StrategySortAggregate    Strategy = "SortAggregate"
	StrategySort             Strategy = "Sort"
	StrategyExternalSort     Strategy = "ExternalSort"
	StrategyTopN             Strategy = "TopN"
	StrategyLimit            Strategy = "Limit"
	StrategyDistinct         Strategy = "Distinct"
	StrategyUnion            Strategy = "Union"
	StrategyWith             Strategy = "With"
)

// IsJoin reports whether s is a join algorithm.
func (s Strategy) IsJoin() bool {
	return s == StrategyNestedLoop || s == StrategyHashJoin || s == StrategyMergeJoin
}

// IndexBound is one end of an index range. Value is a constant expression
// (literal or parameter) evaluated when the scan opens, so a cached plan
// serves every parameter binding.
type IndexBound struct {
	Value     ast.Expr
	Inclusive bool
}

// IndexRange restricts an index scan on its leading column.
type IndexRange struct {
	Lower *IndexBound
	Upper *IndexBound
}

func (r *IndexRange) String() string {
	if r == nil {
		return ""
	}
	var parts []string
	if r.Lower != nil {
		op := ">"
		if r.Lower.Inclusive {
			op = ">="
		}
		parts = append(parts, op+" "+r.Lower.Value.String())
	}
	if r.Upper != nil {
		op := "<"
		if r.Upper.Inclusive {
			op = "<="
		}
		parts = append(parts, op+" "+r.Upper.Value.String())
	}
	return strings.Join(parts, " AND ")
}

// CTE is a materialized CTE of a With node.
type CTE struct {
	Name string
	// Body identifies the definition; CTEScan nodes read it by Body.
	Body     string
	Tables   []string
	Schema   expr.Schema
	Plan     *PhysicalPlan
	Base     *PhysicalPlan
	Step     *PhysicalPlan
	UnionAll bool
}

// Recursive reports whether the CTE iterates.
func (c *CTE) Recursive() bool { return c.Step != nil }

// PhysicalPlan is a logical operator with its chosen strategy, cost and
// cardinality estimate. Plans are immutable once built and are shared by
// concurrent executions through the plan cache.
type PhysicalPlan struct {
	Strategy Strategy
	Children []*PhysicalPlan
	Schema   expr.Schema
	Cost     Cost
	Rows     float64
	// Width is the estimated row size in bytes.
	Width int

	// Order lists the qualified expressions the output is sorted on,
	// ascending.
	Order []string

	// Relation identifies the logical relation this node computes,
	// independent of strategy. Adaptive feedback is keyed by it.
	Relation string

	// Scans.
	Table string
	Alias string
	Def   *types.TableDefinition
	Index string
	Range *IndexRange
	// Body names the CTE a CTEScan reads.
	Body string

	// Filter is the predicate of a Filter node, the pushed predicate of a
	// scan, or the residual join condition over the joined layout.
	Filter ast.Expr

	Exprs []ast.Expr
	Names []string

	// Joins. Keys are equi-join operands over the left and right inputs.
	JoinKind  ast.JoinKind
	LeftKeys  []ast.Expr
	RightKeys []ast.Expr

	GroupBy []ast.Expr
	Aggs    []*ast.FuncCall

	Keys          []planner.SortKey
	Count, Offset ast.Expr

	Values [][]ast.Expr
	CTEs   []*CTE

	// Materialized holds the rows of a MaterializedScan.
	Materialized []types.Row

	cols []colEst
	text string
}

// colEst is what the estimator knows about one output column.
type colEst struct {
	stats *catalog.ColumnStatistics
	ndv   float64
}

// Target is the table, index or CTE the node reads, if any.
func (p *PhysicalPlan) Target() string {
	switch p.Strategy {
	case StrategySeqScan:
		return p.refName()
	case StrategyIndexScan:
		return p.refName() + " USING " + p.Index
	case StrategyCTEScan:
		if p.Alias != "" && p.Alias != p.Table {
			return p.Table + " AS " + p.Alias
		}
		return p.Table
	case StrategySubqueryScan:
		return p.Alias
	}
	return ""
}

func (p *PhysicalPlan) refName() string {
	if p.Alias != "" && p.Alias != p.Table {
		return p.Table + " AS " + p.Alias
	}
	return p.Table
}

// Detail describes the node's arguments without its children.
func (p *PhysicalPlan) Detail() string {
	var parts []string
	switch p.Strategy {
	case StrategyIndexScan:
		if r := p.Range.String(); r != "" {
			parts = append(parts, "range "+r)
		}
	case StrategyValues:
		parts = append(parts, fmt.Sprintf("%d rows", len(p.Values)))
	case StrategyMaterializedScan:
		parts = append(parts, fmt.Sprintf("%d rows", len(p.Materialized)))
	case StrategyProject:
		parts = append(parts, exprList(p.Exprs))
	case StrategyNestedLoop, StrategyHashJoin, StrategyMergeJoin:
		parts = append(parts, p.JoinKind.String())
		if len(p.LeftKeys) > 0 {
			keys := make([]string, len(p.LeftKeys))
			for i := range p.LeftKeys {
				keys[i] = p.LeftKeys[i].String() + " = " + p.RightKeys[i].String()
			}
			parts = append(parts, "keys "+strings.Join(keys, ", "))
		}
	case StrategyHashAggregate, StrategySortAggregate:
		if len(p.GroupBy) > 0 {
			parts = append(parts, "by "+exprList(p.GroupBy))
		}
		if len(p.Aggs) > 0 {
			aggs := make([]string, len(p.Aggs))
			for i, a := range p.Aggs {
				aggs[i] = a.String()
			}
			parts = append(parts, strings.Join(aggs, ", "))
		}
	case StrategySort, StrategyExternalSort, StrategyTopN:
		keys := make([]string, len(p.Keys))
		for i, k := range p.Keys {
			keys[i] = k.String()
		}
		parts = append(parts, strings.Join(keys, ", "))
		if p.Strategy == StrategyTopN && p.Count != nil {
			parts = append(parts, "limit "+p.Count.String())
		}
	case StrategyLimit:
		if p.Count != nil {
			parts = append(parts, p.Count.String())
		}
		if p.Offset != nil {
			parts = append(parts, "offset "+p.Offset.String())
		}
	case StrategyUnion:
		parts = append(parts, "ALL")
	case StrategyWith:
		names := make([]string, len(p.CTEs))
		for i, c := range p.CTEs {
			names[i] = c.Name
			if c.Recursive() {
				names[i] += " (recursive)"
			}
		}
		parts = append(parts, strings.Join(names, ", "))
	}
	if p.Filter != nil {
		label := "filter "
		if p.Strategy.IsJoin() {
			label = "on "
		}
		parts = append(parts, label+p.Filter.String())
	}
	return strings.Join(parts, " ")
}

func exprList(exprs []ast.Expr) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

// String describes the node itself.
func (p *PhysicalPlan) String() string {
	s := string(p.Strategy)
	if t := p.Target(); t != "" {
		s += " " + t
	}
	if d := p.Detail(); d != "" {
		s += " " + d
	}
	return s
}

// Format renders the plan as an indented tree with estimates.
func Format(p *PhysicalPlan) string {
	var sb strings.Builder
	var walk func(p *PhysicalPlan, depth int)
	walk = func(p *PhysicalPlan, depth int) {
		fmt.Fprintf(&sb, "%s%s (cost=%.2f..%.2f rows=%.0f)\n", strings.Repeat("  ", depth), p, p.Cost.Startup, p.Cost.Total, p.Rows)
		for _, c := range p.Children {
			walk(c, depth+1)
		}
	}
	walk(p, 0)
	return sb.String()
}

// shape renders the plan without estimates; it breaks cost ties.
func shape(p *PhysicalPlan) string {
	if p.text != "" {
		return p.text
	}
	var sb strings.Builder
	sb.WriteString(p.String())
	if len(p.Children) > 0 {
		sb.WriteString("(")
		for i, c := range p.Children {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(shape(c))
		}
		sb.WriteString(")")
	}
	p.text = sb.String()
	return p.text
}

// Walk visits p and its descendants depth-first, parents first.
func Walk(p *PhysicalPlan, fn func(*PhysicalPlan)) {
	fn(p)
	for _, c := range p.Children {
		Walk(c, fn)
	}
}

// Tables lists the base tables the plan reads, including through CTEs.
func Tables(p *PhysicalPlan) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(t string) {
		t = strings.ToLower(t)
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	Walk(p, func(n *PhysicalPlan) {
		switch n.Strategy {
		case StrategySeqScan, StrategyIndexScan:
			add(n.Table)
		case StrategyWith:
			for _, c := range n.CTEs {
				for _, t := range c.Tables {
					add(t)
				}
			}
		}
	})
	return out
}

// Strategies lists the strategies used by the plan in walk order.
func Strategies(p *PhysicalPlan) []Strategy {
	var out []Strategy
	Walk(p, func(n *PhysicalPlan) { out = append(out, n.Strategy) })
	return out
}
