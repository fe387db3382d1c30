package ast

// Children returns the direct sub-expressions of e in evaluation order.
func Children(e Expr) []Expr {
	switch x := e.(type) {
	case *UnaryExpr:
		return []Expr{x.Expr}
	case *BinaryExpr:
		return []Expr{x.Left, x.Right}
	case *FuncCall:
		return x.Args
	case *CaseExpr:
		var out []Expr
		if x.Operand != nil {
			out = append(out, x.Operand)
		}
		for _, w := range x.Whens {
			out = append(out, w.Cond, w.Result)
		}
		if x.Else != nil {
			out = append(out, x.Else)
		}
		return out
	case *BetweenExpr:
		return []Expr{x.Expr, x.Low, x.High}
	case *InExpr:
		return append([]Expr{x.Expr}, x.List...)
	case *LikeExpr:
		return []Expr{x.Expr, x.Pattern}
	case *IsNullExpr:
		return []Expr{x.Expr}
	case *CastExpr:
		return []Expr{x.Expr}
	}
	return nil
}

// Walk visits e and its descendants in pre-order. Returning false from fn
// skips the node's children.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	for _, c := range Children(e) {
		Walk(c, fn)
	}
}

// Transform rebuilds e bottom-up. Every node is copied before fn sees it, so
// fn may modify its argument freely.
func Transform(e Expr, fn func(Expr) Expr) Expr {
	if e == nil {
		return nil
	}
	return fn(mapChildren(e, func(c Expr) Expr { return Transform(c, fn) }))
}

// Replace rebuilds e top-down. When fn returns a replacement for a node the
// replacement is used as is and the node's children are not visited.
func Replace(e Expr, fn func(Expr) (Expr, bool)) Expr {
	if e == nil {
		return nil
	}
	if r, ok := fn(e); ok {
		return r
	}
	return mapChildren(e, func(c Expr) Expr { return Replace(c, fn) })
}

// mapChildren returns a shallow copy of e whose children are replaced by f.
func mapChildren(e Expr, f func(Expr) Expr) Expr {
	switch x := e.(type) {
	case *ColumnRef:
		c := *x
		return &c
	case *Literal:
		c := *x
		return &c
	case *Param:
		c := *x
		return &c
	case *UnaryExpr:
		return &UnaryExpr{Op: x.Op, Expr: f(x.Expr)}
	case *BinaryExpr:
		return &BinaryExpr{Op: x.Op, Left: f(x.Left), Right: f(x.Right)}
	case *FuncCall:
		return &FuncCall{Name: x.Name, Args: mapAll(x.Args, f), Star: x.Star, Distinct: x.Distinct}
	case *CaseExpr:
		c := &CaseExpr{Operand: mapOptional(x.Operand, f), Else: mapOptional(x.Else, f)}
		for _, w := range x.Whens {
			c.Whens = append(c.Whens, When{Cond: f(w.Cond), Result: f(w.Result)})
		}
		return c
	case *BetweenExpr:
		return &BetweenExpr{Expr: f(x.Expr), Low: f(x.Low), High: f(x.High), Not: x.Not}
	case *InExpr:
		return &InExpr{Expr: f(x.Expr), List: mapAll(x.List, f), Not: x.Not}
	case *LikeExpr:
		return &LikeExpr{Expr: f(x.Expr), Pattern: f(x.Pattern), Not: x.Not, CaseInsensitive: x.CaseInsensitive}
	case *IsNullExpr:
		return &IsNullExpr{Expr: f(x.Expr), Not: x.Not}
	case *CastExpr:
		return &CastExpr{Expr: f(x.Expr), Type: x.Type}
	}
	return e
}

func mapOptional(e Expr, f func(Expr) Expr) Expr {
	if e == nil {
		return nil
	}
	return f(e)
}

func mapAll(exprs []Expr, f func(Expr) Expr) []Expr {
	if exprs == nil {
		return nil
	}
	out := make([]Expr, len(exprs))
	for i, e := range exprs {
		out[i] = f(e)
	}
	return out
}

func transformAll(exprs []Expr, fn func(Expr) Expr) []Expr {
	if exprs == nil {
		return nil
	}
	out := make([]Expr, len(exprs))
	for i, e := range exprs {
		out[i] = Transform(e, fn)
	}
	return out
}

func identity(e Expr) Expr { return e }

// CloneExpr returns a deep copy of e.
func CloneExpr(e Expr) Expr { return Transform(e, identity) }

// ContainsAggregate reports whether e calls an aggregate function.
func ContainsAggregate(e Expr) bool {
	found := false
	Walk(e, func(n Expr) bool {
		if f, ok := n.(*FuncCall); ok && IsAggregate(f.Name) {
			found = true
		}
		return !found
	})
	return found
}

// Clone returns a deep copy of the query.
func (s *SelectStmt) Clone() *SelectStmt {
	return s.rewrite(identity, identity)
}

// rewrite copies the query applying where to WHERE and JOIN ON expressions
// and other to every remaining expression, recursing into subqueries, CTE
// bodies and set-operation branches.
func (s *SelectStmt) rewrite(where, other func(Expr) Expr) *SelectStmt {
	if s == nil {
		return nil
	}
	out := &SelectStmt{Distinct: s.Distinct}
	if s.With != nil {
		w := &WithClause{Recursive: s.With.Recursive}
		for _, c := range s.With.CTEs {
			w.CTEs = append(w.CTEs, &CTE{
				Name:         c.Name,
				Columns:      append([]string(nil), c.Columns...),
				Query:        c.Query.rewrite(where, other),
				Materialized: c.Materialized,
			})
		}
		out.With = w
	}
	if s.SetOp != nil {
		out.SetOp = &SetOp{All: s.SetOp.All, Left: s.SetOp.Left.rewrite(where, other), Right: s.SetOp.Right.rewrite(where, other)}
	}
	for _, t := range s.Targets {
		t.Expr = Transform(t.Expr, other)
		out.Targets = append(out.Targets, t)
	}
	for _, f := range s.From {
		out.From = append(out.From, rewriteTable(f, where, other))
	}
	out.Where = Transform(s.Where, where)
	out.GroupBy = transformAll(s.GroupBy, other)
	out.Having = Transform(s.Having, other)
	for _, o := range s.OrderBy {
		o.Expr = Transform(o.Expr, other)
		out.OrderBy = append(out.OrderBy, o)
	}
	out.Limit = Transform(s.Limit, other)
	out.Offset = Transform(s.Offset, other)
	return out
}

func rewriteTable(t TableExpr, where, other func(Expr) Expr) TableExpr {
	switch x := t.(type) {
	case *TableRef:
		c := *x
		return &c
	case *JoinExpr:
		return &JoinExpr{
			Kind:  x.Kind,
			Left:  rewriteTable(x.Left, where, other),
			Right: rewriteTable(x.Right, where, other),
			On:    Transform(x.On, where),
			Using: append([]string(nil), x.Using...),
		}
	case *SubqueryRef:
		return &SubqueryRef{Query: x.Query.rewrite(where, other), Alias: x.Alias}
	}
	return t
}
