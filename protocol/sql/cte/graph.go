// Package cte analyzes WITH clauses and holds CTE materializations.
package cte

import (
	"sort"
	"strings"

	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/protocol/sql/ast"
)

const op = "cte"

// Node is one CTE of a WITH clause.
type Node struct {
	CTE *ast.CTE
	// Deps are the other CTEs of the same clause the body reads.
	Deps []string
	// SelfRef is set when the body reads its own name.
	SelfRef bool
	// Refs counts references from the main query and other CTE bodies.
	Refs  int
	index int
}

// Name is the lower-cased CTE name.
func (n *Node) Name() string { return strings.ToLower(n.CTE.Name) }

// Recursive reports whether the CTE reads itself.
func (n *Node) Recursive() bool { return n.SelfRef }

// Graph is the dependency graph of one WITH clause.
type Graph struct {
	recursive bool
	nodes     map[string]*Node
	order     []string
}

// BuildGraph builds the dependency graph of with. Cycles are rejected unless
// the clause is WITH RECURSIVE, and even then only self-recursion is allowed.
func BuildGraph(with *ast.WithClause) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*Node)}
	if with == nil {
		return g, nil
	}
	g.recursive = with.Recursive
	for i, c := range with.CTEs {
		name := strings.ToLower(c.Name)
		if _, dup := g.nodes[name]; dup {
			return nil, qerrors.NewPlanningErrorf(op, "WITH query name %q specified more than once", c.Name)
		}
		g.nodes[name] = &Node{CTE: c, index: i}
	}
	for _, n := range g.nodes {
		refs := make(map[string]int)
		collectRefs(n.CTE.Query, nil, refs)
		for name := range refs {
			if _, ok := g.nodes[name]; !ok {
				continue
			}
			if name == n.Name() {
				n.SelfRef = true
				continue
			}
			n.Deps = append(n.Deps, name)
		}
		sort.Strings(n.Deps)
		if n.SelfRef {
			if !with.Recursive {
				return nil, qerrors.NewPlanningErrorf(op, "recursive reference to query %q requires WITH RECURSIVE", n.CTE.Name)
			}
			if err := checkRecursiveShape(n.CTE); err != nil {
				return nil, err
			}
		}
	}
	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

func checkRecursiveShape(c *ast.CTE) error {
	q := c.Query
	if q.SetOp == nil {
		return qerrors.NewPlanningErrorf(op, "recursive query %q must have the form base UNION [ALL] recursive-term", c.Name)
	}
	left := make(map[string]int)
	collectRefs(q.SetOp.Left, nil, left)
	if left[strings.ToLower(c.Name)] > 0 {
		return qerrors.NewPlanningErrorf(op, "recursive reference to query %q must not appear within its non-recursive term", c.Name)
	}
	right := make(map[string]int)
	collectRefs(q.SetOp.Right, nil, right)
	if right[strings.ToLower(c.Name)] > 1 {
		return qerrors.NewPlanningErrorf(op, "recursive reference to query %q must not appear more than once", c.Name)
	}
	return nil
}

// topoSort orders nodes so every CTE follows its dependencies. Among ready
// nodes the one declared first goes first.
func (g *Graph) topoSort() ([]string, error) {
	pending := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string)
	for name, n := range g.nodes {
		pending[name] = len(n.Deps)
		for _, d := range n.Deps {
			dependents[d] = append(dependents[d], name)
		}
	}
	var ready []*Node
	for name, cnt := range pending {
		if cnt == 0 {
			ready = append(ready, g.nodes[name])
		}
	}
	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].index < ready[j].index })
		n := ready[0]
		ready = ready[1:]
		order = append(order, n.Name())
		for _, d := range dependents[n.Name()] {
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, g.nodes[d])
			}
		}
	}
	if len(order) != len(g.nodes) {
		var stuck []string
		for name, cnt := range pending {
			if cnt > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, qerrors.NewPlanningErrorf(op, "mutual recursion between WITH queries is not supported: %s", strings.Join(stuck, ", "))
	}
	return order, nil
}

// Order returns CTE names with dependencies first.
func (g *Graph) Order() []string { return g.order }

// Node returns the CTE called name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[strings.ToLower(name)]
	return n, ok
}

// Len is the number of CTEs.
func (g *Graph) Len() int { return len(g.nodes) }

// AddReferences counts how often each CTE is read by main and by the other
// CTE bodies. Self references are not counted.
func (g *Graph) AddReferences(main *ast.SelectStmt) {
	refs := make(map[string]int)
	if main != nil {
		// main's own WITH binds the names being counted.
		body := *main
		body.With = nil
		collectRefs(&body, nil, refs)
	}
	for _, n := range g.nodes {
		body := make(map[string]int)
		collectRefs(n.CTE.Query, nil, body)
		for name, cnt := range body {
			if name != n.Name() {
				refs[name] += cnt
			}
		}
	}
	for name, n := range g.nodes {
		n.Refs = refs[name]
	}
}

// Materialize reports whether the CTE should be computed once and stored
// rather than inlined at its reference.
func (g *Graph) Materialize(name string) bool {
	n, ok := g.Node(name)
	if !ok {
		return false
	}
	if n.SelfRef {
		return true
	}
	switch n.CTE.Materialized {
	case ast.MaterializeAlways:
		return true
	case ast.MaterializeNever:
		return false
	}
	return n.Refs > 1
}

// collectRefs counts unqualified relation names read by q. Names bound by a
// nested WITH are not counted inside their scope.
func collectRefs(q *ast.SelectStmt, shadow map[string]bool, out map[string]int) {
	if q == nil {
		return
	}
	if q.With != nil {
		inner := make(map[string]bool, len(shadow)+len(q.With.CTEs))
		for k := range shadow {
			inner[k] = true
		}
		for _, c := range q.With.CTEs {
			inner[strings.ToLower(c.Name)] = true
		}
		shadow = inner
		for _, c := range q.With.CTEs {
			collectRefs(c.Query, shadow, out)
		}
	}
	if q.SetOp != nil {
		collectRefs(q.SetOp.Left, shadow, out)
		collectRefs(q.SetOp.Right, shadow, out)
	}
	for _, t := range q.From {
		collectTableRefs(t, shadow, out)
	}
}

func collectTableRefs(t ast.TableExpr, shadow map[string]bool, out map[string]int) {
	switch x := t.(type) {
	case *ast.TableRef:
		name := strings.ToLower(x.Name)
		if !shadow[name] {
			out[name]++
		}
	case *ast.JoinExpr:
		collectTableRefs(x.Left, shadow, out)
		collectTableRefs(x.Right, shadow, out)
	case *ast.SubqueryRef:
		collectRefs(x.Query, shadow, out)
	}
}
