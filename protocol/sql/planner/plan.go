// Package planner translates parsed queries into logical plans and applies
// equivalence-preserving rewrites to them. Logical nodes carry intent only:
// no strategy, no cost.
package planner

import (
	"fmt"
	"strings"

	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/types"
)

// Node is a logical plan operator.
type Node interface {
	// Schema is the layout of the rows the node produces.
	Schema() expr.Schema
	Children() []Node
	// String describes the node itself, without its children.
	String() string
}

// Scan reads a stored table. Filters are conjuncts pushed down from above.
type Scan struct {
	Table   string
	Alias   string
	Def     *types.TableDefinition
	Filters []ast.Expr
	schema  expr.Schema
}

// NewScan builds a scan of def visible under alias.
func NewScan(def *types.TableDefinition, alias string) *Scan {
	return &Scan{Table: def.Name, Alias: alias, Def: def, schema: expr.FromTable(def, alias)}
}

// RefName is the name the scan's columns are qualified with.
func (s *Scan) RefName() string {
	if s.Alias != "" {
		return s.Alias
	}
	return s.Table
}

// CTERef reads a materialized CTE, or the working table of a recursive one.
// Key equals the Body of the CTEPlan it reads.
type CTERef struct {
	Name   string
	Alias  string
	Key    string
	schema expr.Schema
}

// Values produces constant rows.
type Values struct {
	Rows   [][]ast.Expr
	schema expr.Schema
}

// Alias renames the output of a derived table or inlined CTE.
type Alias struct {
	Input  Node
	Name   string
	schema expr.Schema
}

// Filter keeps rows for which Cond is true.
type Filter struct {
	Input Node
	Cond  ast.Expr
}

// Project computes the output columns.
type Project struct {
	Input  Node
	Exprs  []ast.Expr
	Names  []string
	schema expr.Schema
}

// Join combines two inputs. Cond is nil for cross joins.
type Join struct {
	Kind   ast.JoinKind
	Left   Node
	Right  Node
	Cond   ast.Expr
	schema expr.Schema
}

// Aggregate groups its input. The output holds the group expressions
// followed by the aggregates; non-column expressions are named by their
// canonical text so later operators can refer to them.
type Aggregate struct {
	Input   Node
	GroupBy []ast.Expr
	Aggs    []*ast.FuncCall
	schema  expr.Schema
}

// SortKey is one ORDER BY key. Column >= 0 selects an input position
// directly; otherwise Expr is evaluated.
type SortKey struct {
	Expr       ast.Expr
	Column     int
	Desc       bool
	NullsFirst bool
}

func (k SortKey) String() string {
	s := fmt.Sprintf("#%d", k.Column+1)
	if k.Column < 0 {
		s = k.Expr.String()
	}
	if k.Desc {
		s += " DESC"
	}
	if k.NullsFirst != k.Desc {
		if k.NullsFirst {
			s += " NULLS FIRST"
		} else {
			s += " NULLS LAST"
		}
	}
	return s
}

// Sort orders its input.
type Sort struct {
	Input Node
	Keys  []SortKey
}

// Limit applies LIMIT and OFFSET. Both are constant expressions (literals or
// parameters) evaluated when execution starts.
type Limit struct {
	Input  Node
	Count  ast.Expr
	Offset ast.Expr
}

// Distinct removes duplicate rows.
type Distinct struct {
	Input Node
}

// Union concatenates two inputs. UNION without ALL is planned as Distinct
// over Union{All: true}.
type Union struct {
	Left   Node
	Right  Node
	All    bool
	schema expr.Schema
}

// CTEPlan is a CTE computed once per query and bound by name.
type CTEPlan struct {
	Name    string
	Columns []string
	// Plan computes a non-recursive CTE.
	Plan Node
	// Base and Step compute a recursive one: Step reads the previous
	// iteration through a CTERef to Name.
	Base     Node
	Step     Node
	UnionAll bool
	// Body identifies the materialization in the CTE store.
	Body string
	// Tables are the base tables the CTE reads.
	Tables []string
	schema expr.Schema
}

// Recursive reports whether the CTE iterates.
func (c *CTEPlan) Recursive() bool { return c.Step != nil }

// Schema is the layout of the materialized rows.
func (c *CTEPlan) Schema() expr.Schema { return c.schema }

// With materializes CTEs in order before running Input.
type With struct {
	CTEs  []*CTEPlan
	Input Node
}

func (s *Scan) Schema() expr.Schema      { return s.schema }
func (c *CTERef) Schema() expr.Schema    { return c.schema }
func (v *Values) Schema() expr.Schema    { return v.schema }
func (a *Alias) Schema() expr.Schema     { return a.schema }
func (f *Filter) Schema() expr.Schema    { return f.Input.Schema() }
func (p *Project) Schema() expr.Schema   { return p.schema }
func (j *Join) Schema() expr.Schema      { return j.schema }
func (a *Aggregate) Schema() expr.Schema { return a.schema }
func (s *Sort) Schema() expr.Schema      { return s.Input.Schema() }
func (l *Limit) Schema() expr.Schema     { return l.Input.Schema() }
func (d *Distinct) Schema() expr.Schema  { return d.Input.Schema() }
func (u *Union) Schema() expr.Schema     { return u.schema }
func (w *With) Schema() expr.Schema      { return w.Input.Schema() }

func (*Scan) Children() []Node        { return nil }
func (*CTERef) Children() []Node      { return nil }
func (*Values) Children() []Node      { return nil }
func (a *Alias) Children() []Node     { return []Node{a.Input} }
func (f *Filter) Children() []Node    { return []Node{f.Input} }
func (p *Project) Children() []Node   { return []Node{p.Input} }
func (j *Join) Children() []Node      { return []Node{j.Left, j.Right} }
func (a *Aggregate) Children() []Node { return []Node{a.Input} }
func (s *Sort) Children() []Node      { return []Node{s.Input} }
func (l *Limit) Children() []Node     { return []Node{l.Input} }
func (d *Distinct) Children() []Node  { return []Node{d.Input} }
func (u *Union) Children() []Node     { return []Node{u.Left, u.Right} }

func (w *With) Children() []Node {
	var out []Node
	for _, c := range w.CTEs {
		if c.Recursive() {
			out = append(out, c.Base, c.Step)
		} else {
			out = append(out, c.Plan)
		}
	}
	return append(out, w.Input)
}

func (s *Scan) String() string {
	out := "Scan " + s.Table
	if s.Alias != "" && s.Alias != s.Table {
		out += " AS " + s.Alias
	}
	if len(s.Filters) > 0 {
		out += " [" + joinExprs(s.Filters, " AND ") + "]"
	}
	return out
}

func (c *CTERef) String() string {
	out := "CTERef " + c.Name
	if c.Alias != "" && c.Alias != c.Name {
		out += " AS " + c.Alias
	}
	return out
}

func (v *Values) String() string { return fmt.Sprintf("Values (%d rows)", len(v.Rows)) }

func (a *Alias) String() string { return "Alias " + a.Name }

func (f *Filter) String() string { return "Filter " + f.Cond.String() }

func (p *Project) String() string { return "Project " + joinExprs(p.Exprs, ", ") }

func (j *Join) String() string {
	out := "Join " + j.Kind.String()
	if j.Cond != nil {
		out += " ON " + j.Cond.String()
	}
	return out
}

func (a *Aggregate) String() string {
	out := "Aggregate"
	if len(a.GroupBy) > 0 {
		out += " BY " + joinExprs(a.GroupBy, ", ")
	}
	if len(a.Aggs) > 0 {
		parts := make([]string, len(a.Aggs))
		for i, f := range a.Aggs {
			parts[i] = f.String()
		}
		out += " [" + strings.Join(parts, ", ") + "]"
	}
	return out
}

func (s *Sort) String() string {
	parts := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		parts[i] = k.String()
	}
	return "Sort " + strings.Join(parts, ", ")
}

func (l *Limit) String() string {
	out := "Limit"
	if l.Count != nil {
		out += " " + l.Count.String()
	}
	if l.Offset != nil {
		out += " OFFSET " + l.Offset.String()
	}
	return out
}

func (*Distinct) String() string { return "Distinct" }

func (u *Union) String() string {
	if u.All {
		return "Union ALL"
	}
	return "Union"
}

func (w *With) String() string {
	names := make([]string, len(w.CTEs))
	for i, c := range w.CTEs {
		names[i] = c.Name
		if c.Recursive() {
			names[i] += " (recursive)"
		}
	}
	return "With " + strings.Join(names, ", ")
}

func joinExprs(exprs []ast.Expr, sep string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, sep)
}

// Format renders the plan as an indented tree, one node per line.
func Format(n Node) string {
	var sb strings.Builder
	var walk func(n Node, depth int)
	walk = func(n Node, depth int) {
		sb.WriteString(strings.Repeat("  ", depth))
		sb.WriteString(n.String())
		sb.WriteByte('\n')
		for _, c := range n.Children() {
			walk(c, depth+1)
		}
	}
	walk(n, 0)
	return sb.String()
}

// Tables returns the base tables a plan reads, in first-seen order.
func Tables(n Node) []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(n Node)
	walk = func(n Node) {
		switch x := n.(type) {
		case *Scan:
			name := strings.ToLower(x.Table)
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		case *With:
			for _, c := range x.CTEs {
				for _, t := range c.Tables {
					if !seen[t] {
						seen[t] = true
						out = append(out, t)
					}
				}
			}
		}
		for _, c := range n.Children() {
			walk(c)
		}
	}
	walk(n)
	return out
}

// WithChildren returns a shallow copy of n with its children replaced.
// children must match n.Children() in length and order.
func WithChildren(n Node, children []Node) Node {
	switch x := n.(type) {
	case *Scan, *CTERef, *Values:
		return n
	case *Alias:
		c := *x
		c.Input = children[0]
		return &c
	case *Filter:
		c := *x
		c.Input = children[0]
		return &c
	case *Project:
		c := *x
		c.Input = children[0]
		return &c
	case *Join:
		c := *x
		c.Left, c.Right = children[0], children[1]
		return &c
	case *Aggregate:
		c := *x
		c.Input = children[0]
		return &c
	case *Sort:
		c := *x
		c.Input = children[0]
		return &c
	case *Limit:
		c := *x
		c.Input = children[0]
		return &c
	case *Distinct:
		return &Distinct{Input: children[0]}
	case *Union:
		c := *x
		c.Left, c.Right = children[0], children[1]
		return &c
	case *With:
		out := &With{Input: children[len(children)-1]}
		i := 0
		for _, cp := range x.CTEs {
			c := *cp
			if c.Recursive() {
				c.Base, c.Step = children[i], children[i+1]
				i += 2
			} else {
				c.Plan = children[i]
				i++
			}
			out.CTEs = append(out.CTEs, &c)
		}
		return out
	}
	panic(fmt.Sprintf("planner: unknown node %T", n))
}
