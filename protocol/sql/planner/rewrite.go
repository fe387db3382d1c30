package planner

import (
	"fmt"
	"strings"

	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/types"
)

var (
	trueLiteral  = types.NewBool(true)
	falseLiteral = types.NewBool(false)
)

// Rewrite applies constant folding, predicate pushdown and common
// subexpression elimination. Each step preserves the query result.
func Rewrite(n Node) Node {
	return EliminateCommonSubexpressions(PushDown(FoldConstants(n)))
}

// transformUp rebuilds the plan bottom-up, applying fn to every node after
// its children.
func transformUp(n Node, fn func(Node) Node) Node {
	children := n.Children()
	if len(children) > 0 {
		mapped := make([]Node, len(children))
		for i, c := range children {
			mapped[i] = transformUp(c, fn)
		}
		n = WithChildren(n, mapped)
	}
	return fn(n)
}

// mapExprs returns a copy of n with fn applied to the expressions the node
// evaluates. Aggregate expressions are left alone: their text names the
// aggregate's output columns.
func mapExprs(n Node, fn func(ast.Expr) ast.Expr) Node {
	switch x := n.(type) {
	case *Scan:
		c := *x
		c.Filters = mapList(x.Filters, fn)
		return &c
	case *Filter:
		c := *x
		c.Cond = fn(x.Cond)
		return &c
	case *Project:
		c := *x
		c.Exprs = mapList(x.Exprs, fn)
		return &c
	case *Join:
		c := *x
		if x.Cond != nil {
			c.Cond = fn(x.Cond)
		}
		return &c
	case *Sort:
		c := *x
		c.Keys = make([]SortKey, len(x.Keys))
		for i, k := range x.Keys {
			if k.Column < 0 {
				k.Expr = fn(k.Expr)
			}
			c.Keys[i] = k
		}
		return &c
	case *Limit:
		c := *x
		if x.Count != nil {
			c.Count = fn(x.Count)
		}
		if x.Offset != nil {
			c.Offset = fn(x.Offset)
		}
		return &c
	case *Values:
		c := *x
		c.Rows = make([][]ast.Expr, len(x.Rows))
		for i, r := range x.Rows {
			c.Rows[i] = mapList(r, fn)
		}
		return &c
	}
	return n
}

func mapList(exprs []ast.Expr, fn func(ast.Expr) ast.Expr) []ast.Expr {
	if exprs == nil {
		return nil
	}
	out := make([]ast.Expr, len(exprs))
	for i, e := range exprs {
		out[i] = fn(e)
	}
	return out
}

// ---- constant folding ----

// FoldConstants evaluates literal-only subexpressions and drops filters that
// fold to TRUE. Expressions whose evaluation fails are kept so the error
// surfaces at execution.
func FoldConstants(n Node) Node {
	return transformUp(n, func(n Node) Node {
		n = mapExprs(n, FoldExpr)
		switch x := n.(type) {
		case *Filter:
			if isTrue(x.Cond) {
				return x.Input
			}
		case *Scan:
			kept := x.Filters[:0:0]
			for _, f := range x.Filters {
				if !isTrue(f) {
					kept = append(kept, f)
				}
			}
			x.Filters = kept
		}
		return n
	})
}

func isTrue(e ast.Expr) bool {
	lit, ok := e.(*ast.Literal)
	if !ok {
		return false
	}
	b, ok := lit.Value.Bool()
	return ok && b
}

func isFalse(e ast.Expr) bool {
	lit, ok := e.(*ast.Literal)
	if !ok {
		return false
	}
	b, ok := lit.Value.Bool()
	return ok && !b
}

// FoldExpr folds the literal-only subexpressions of e.
func FoldExpr(e ast.Expr) ast.Expr {
	return ast.Transform(e, func(e ast.Expr) ast.Expr {
		switch x := e.(type) {
		case *ast.ColumnRef, *ast.Literal, *ast.Param:
			return e
		case *ast.FuncCall:
			if ast.IsAggregate(x.Name) {
				return e
			}
		case *ast.BinaryExpr:
			if r, ok := simplifyLogic(x); ok {
				return r
			}
		}
		for _, c := range ast.Children(e) {
			if _, ok := c.(*ast.Literal); !ok {
				return e
			}
		}
		v, err := expr.Evaluate(e, nil, nil, nil)
		if err != nil {
			return e
		}
		return &ast.Literal{Value: v}
	})
}

func simplifyLogic(b *ast.BinaryExpr) (ast.Expr, bool) {
	switch b.Op {
	case "AND":
		switch {
		case isFalse(b.Left) || isFalse(b.Right):
			return &ast.Literal{Value: falseLiteral}, true
		case isTrue(b.Left):
			return b.Right, true
		case isTrue(b.Right):
			return b.Left, true
		}
	case "OR":
		switch {
		case isTrue(b.Left) || isTrue(b.Right):
			return &ast.Literal{Value: trueLiteral}, true
		case isFalse(b.Left):
			return b.Right, true
		case isFalse(b.Right):
			return b.Left, true
		}
	}
	return nil, false
}

// ---- predicate pushdown ----

// PushDown moves filter conjuncts toward the scans. Conjuncts reaching a
// scan become its pushed filters; conjuncts over both sides of an inner join
// become join conditions. Outer joins only receive conjuncts that cannot
// change which rows are null-extended.
func PushDown(n Node) Node {
	return push(n, nil)
}

func wrap(n Node, preds []ast.Expr) Node {
	if len(preds) == 0 {
		return n
	}
	return &Filter{Input: n, Cond: ast.And(preds...)}
}

func push(n Node, preds []ast.Expr) Node {
	switch x := n.(type) {
	case *Filter:
		all := append(append([]ast.Expr(nil), preds...), ast.Conjuncts(x.Cond)...)
		return push(x.Input, all)
	case *Scan:
		if len(preds) == 0 {
			return x
		}
		c := *x
		c.Filters = append(append([]ast.Expr(nil), x.Filters...), preds...)
		return &c
	case *Join:
		return pushJoin(x, preds)
	case *Sort:
		c := *x
		c.Input = push(x.Input, preds)
		return &c
	case *Distinct:
		return &Distinct{Input: push(x.Input, preds)}
	case *With:
		children := x.Children()
		mapped := make([]Node, len(children))
		for i, c := range children[:len(children)-1] {
			mapped[i] = push(c, nil)
		}
		mapped[len(mapped)-1] = push(x.Input, preds)
		return WithChildren(x, mapped)
	case *Alias:
		below, above := rebaseAll(preds, x.schema, positional(x.Input.Schema(), 0))
		c := *x
		c.Input = push(x.Input, below)
		return wrap(&c, above)
	case *Project:
		below, above := rebaseAll(preds, x.schema, func(i int) (ast.Expr, bool) {
			return ast.CloneExpr(x.Exprs[i]), true
		})
		c := *x
		c.Input = push(x.Input, below)
		return wrap(&c, above)
	case *Aggregate:
		below, above := rebaseAll(preds, x.schema, func(i int) (ast.Expr, bool) {
			if i < len(x.GroupBy) {
				return ast.CloneExpr(x.GroupBy[i]), true
			}
			return nil, false
		})
		c := *x
		c.Input = push(x.Input, below)
		return wrap(&c, above)
	case *Union:
		var left, right, above []ast.Expr
		for _, p := range preds {
			l, okL := rebase(p, x.schema, positional(x.Left.Schema(), 0))
			r, okR := rebase(p, x.schema, positional(x.Right.Schema(), 0))
			if okL && okR {
				left, right = append(left, l), append(right, r)
			} else {
				above = append(above, p)
			}
		}
		c := *x
		c.Left, c.Right = push(x.Left, left), push(x.Right, right)
		return wrap(&c, above)
	}
	children := n.Children()
	if len(children) > 0 {
		mapped := make([]Node, len(children))
		for i, c := range children {
			mapped[i] = push(c, nil)
		}
		n = WithChildren(n, mapped)
	}
	return wrap(n, preds)
}

// positional maps position i+offset of an outer layout to a column reference
// that resolves to position i of child.
func positional(child expr.Schema, offset int) func(int) (ast.Expr, bool) {
	return func(i int) (ast.Expr, bool) {
		i -= offset
		if i < 0 || i >= len(child) {
			return nil, false
		}
		c := child[i]
		if j, err := child.Resolve(c.Table, c.Name); err != nil || j != i {
			return nil, false
		}
		return columnRef(c), true
	}
}

// rebase rewrites pred, resolved over from, in terms of another layout. Each
// column is replaced by colExpr of its position.
func rebase(pred ast.Expr, from expr.Schema, colExpr func(int) (ast.Expr, bool)) (ast.Expr, bool) {
	ok := true
	out := ast.Replace(pred, func(e ast.Expr) (ast.Expr, bool) {
		cr, isRef := e.(*ast.ColumnRef)
		if !isRef || !ok {
			return nil, false
		}
		idx, err := from.Resolve(cr.Table, cr.Name)
		if err != nil {
			ok = false
			return e, true
		}
		r, good := colExpr(idx)
		if !good {
			ok = false
			return e, true
		}
		return r, true
	})
	return out, ok
}

func rebaseAll(preds []ast.Expr, from expr.Schema, colExpr func(int) (ast.Expr, bool)) (below, above []ast.Expr) {
	for _, p := range preds {
		if r, ok := rebase(p, from, colExpr); ok {
			below = append(below, r)
		} else {
			above = append(above, p)
		}
	}
	return below, above
}

// sides reports whether every column of e lies in the left (positions below
// split) or right part of schema. A column-free expression lies in both.
func sides(e ast.Expr, schema expr.Schema, split int) (left, right bool) {
	left, right = true, true
	ast.Walk(e, func(n ast.Expr) bool {
		cr, ok := n.(*ast.ColumnRef)
		if !ok {
			return true
		}
		idx, err := schema.Resolve(cr.Table, cr.Name)
		if err != nil {
			left, right = false, false
			return false
		}
		if idx < split {
			right = false
		} else {
			left = false
		}
		return true
	})
	return left, right
}

func pushJoin(j *Join, preds []ast.Expr) Node {
	split := len(j.Left.Schema())
	toLeft := positional(j.Left.Schema(), 0)
	toRight := positional(j.Right.Schema(), split)
	var left, right, cond, above []ast.Expr

	// sendLeft and sendRight fall back to keep when a conjunct cannot be
	// expressed over the child's layout.
	sendLeft := func(p ast.Expr, keep *[]ast.Expr) {
		if r, ok := rebase(p, j.schema, toLeft); ok {
			left = append(left, r)
		} else {
			*keep = append(*keep, p)
		}
	}
	sendRight := func(p ast.Expr, keep *[]ast.Expr) {
		if r, ok := rebase(p, j.schema, toRight); ok {
			right = append(right, r)
		} else {
			*keep = append(*keep, p)
		}
	}

	switch j.Kind {
	case ast.JoinInner, ast.JoinCross:
		all := append(append([]ast.Expr(nil), preds...), ast.Conjuncts(j.Cond)...)
		for _, p := range all {
			l, r := sides(p, j.schema, split)
			switch {
			case l:
				sendLeft(p, &cond)
			case r:
				sendRight(p, &cond)
			default:
				cond = append(cond, p)
			}
		}
	case ast.JoinLeft:
		for _, p := range preds {
			if l, _ := sides(p, j.schema, split); l {
				sendLeft(p, &above)
			} else {
				above = append(above, p)
			}
		}
		for _, p := range ast.Conjuncts(j.Cond) {
			if l, r := sides(p, j.schema, split); r && !l {
				sendRight(p, &cond)
			} else {
				cond = append(cond, p)
			}
		}
	case ast.JoinRight:
		for _, p := range preds {
			if _, r := sides(p, j.schema, split); r {
				sendRight(p, &above)
			} else {
				above = append(above, p)
			}
		}
		for _, p := range ast.Conjuncts(j.Cond) {
			if l, r := sides(p, j.schema, split); l && !r {
				sendLeft(p, &cond)
			} else {
				cond = append(cond, p)
			}
		}
	default:
		above = preds
		cond = ast.Conjuncts(j.Cond)
	}

	kind := j.Kind
	if kind == ast.JoinCross && len(cond) > 0 {
		kind = ast.JoinInner
	}
	out := &Join{
		Kind:   kind,
		Left:   push(j.Left, left),
		Right:  push(j.Right, right),
		Cond:   ast.And(cond...),
		schema: j.schema,
	}
	return wrap(out, above)
}

// ---- common subexpressions ----

// EliminateCommonSubexpressions removes duplicate conjuncts and computes
// expressions repeated within a projection once, in a projection below it.
func EliminateCommonSubexpressions(n Node) Node {
	return transformUp(n, func(n Node) Node {
		switch x := n.(type) {
		case *Filter:
			c := *x
			c.Cond = ast.And(dedupConjuncts(ast.Conjuncts(x.Cond))...)
			return &c
		case *Scan:
			c := *x
			c.Filters = dedupConjuncts(x.Filters)
			return &c
		case *Join:
			if x.Cond == nil {
				return n
			}
			c := *x
			c.Cond = ast.And(dedupConjuncts(ast.Conjuncts(x.Cond))...)
			return &c
		case *Project:
			return hoistCommon(x)
		}
		return n
	})
}

func dedupConjuncts(exprs []ast.Expr) []ast.Expr {
	seen := make(map[string]bool, len(exprs))
	var out []ast.Expr
	for _, e := range exprs {
		key := ast.NormalizeExpr(e).String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

func hoistCommon(p *Project) Node {
	in := p.Input.Schema()
	for i, c := range in {
		if j, err := in.Resolve(c.Table, c.Name); err != nil || j != i {
			return p
		}
	}
	exprs := append([]ast.Expr(nil), p.Exprs...)
	var hoisted []ast.Expr
	var names []string
	for {
		counts := make(map[string]int)
		first := make(map[string]ast.Expr)
		for _, e := range exprs {
			countCommon(e, counts, first)
		}
		best := ""
		for k, c := range counts {
			if c < 2 {
				continue
			}
			if len(k) > len(best) || (len(k) == len(best) && k < best) {
				best = k
			}
		}
		if best == "" {
			break
		}
		name := cseName(in, len(hoisted)+1)
		hoisted = append(hoisted, first[best])
		names = append(names, name)
		for i, e := range exprs {
			exprs[i] = ast.Replace(e, func(n ast.Expr) (ast.Expr, bool) {
				if n.String() == best {
					return &ast.ColumnRef{Name: name}, true
				}
				return nil, false
			})
		}
	}
	if len(hoisted) == 0 {
		return p
	}

	lower := &Project{Input: p.Input}
	lower.schema = append(lower.schema, in...)
	for _, c := range in {
		lower.Exprs = append(lower.Exprs, columnRef(c))
		lower.Names = append(lower.Names, c.Name)
	}
	for i, h := range hoisted {
		lower.Exprs = append(lower.Exprs, h)
		lower.Names = append(lower.Names, names[i])
		lower.schema = append(lower.schema, expr.Column{Name: names[i], Type: expr.TypeOf(h, in)})
	}
	return &Project{Input: lower, Exprs: exprs, Names: p.Names, schema: p.schema}
}

func cseName(in expr.Schema, n int) string {
	for {
		name := fmt.Sprintf("_cse%d", n)
		if _, err := in.Resolve("", name); err != nil {
			return name
		}
		n++
	}
}

// countCommon counts the non-trivial subexpressions of e that are evaluated
// unconditionally. Branches of CASE, COALESCE and the right operand of
// AND/OR may be skipped at runtime, so hoisting them could raise errors the
// query would not.
func countCommon(e ast.Expr, counts map[string]int, first map[string]ast.Expr) {
	switch e.(type) {
	case *ast.ColumnRef, *ast.Literal, *ast.Param:
		return
	}
	key := e.String()
	counts[key]++
	if _, ok := first[key]; !ok {
		first[key] = e
	}
	switch x := e.(type) {
	case *ast.CaseExpr:
		if x.Operand != nil {
			countCommon(x.Operand, counts, first)
		} else if len(x.Whens) > 0 {
			countCommon(x.Whens[0].Cond, counts, first)
		}
		return
	case *ast.BinaryExpr:
		if x.Op == "AND" || x.Op == "OR" {
			countCommon(x.Left, counts, first)
			return
		}
	case *ast.FuncCall:
		if strings.EqualFold(x.Name, "COALESCE") {
			if len(x.Args) > 0 {
				countCommon(x.Args[0], counts, first)
			}
			return
		}
	}
	for _, c := range ast.Children(e) {
		countCommon(c, counts, first)
	}
}
