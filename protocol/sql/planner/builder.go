package planner

import (
	"context"
	"sort"
	"strings"

	"github.com/guileen/querycore/catalog"
	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/cte"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/types"
)

const op = "plan"

// Plan translates a query into its logical plan. Clauses map one to one onto
// operators: FROM to Scan and Join, WHERE to Filter, GROUP BY and aggregates
// to Aggregate, HAVING to Filter, the select list to Project, then Distinct,
// Sort and Limit. Only SELECT statements have a plan.
func Plan(ctx context.Context, stmt ast.Statement, cat catalog.SchemaManager) (Node, error) {
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok {
		return nil, qerrors.NewUnsupportedError(op, "%s statements have no query plan", stmt.Verb())
	}
	b := &builder{ctx: ctx, cat: cat}
	return b.planQuery(sel, nil)
}

type builder struct {
	ctx context.Context
	cat catalog.SchemaManager
}

// scope holds the CTE names visible to a query.
type scope struct {
	parent *scope
	ctes   map[string]*binding
}

type binding struct {
	cte          *ast.CTE
	scope        *scope
	materialized bool
	// planning is set while the recursive term of the CTE is planned.
	planning bool
	plan     *CTEPlan
	schema   expr.Schema
}

func (s *scope) lookup(name string) *binding {
	name = strings.ToLower(name)
	for sc := s; sc != nil; sc = sc.parent {
		if b, ok := sc.ctes[name]; ok {
			return b
		}
	}
	return nil
}

func (b *builder) planQuery(q *ast.SelectStmt, sc *scope) (Node, error) {
	var ctes []*CTEPlan
	if q.With != nil {
		inner, plans, err := b.planWith(q, sc)
		if err != nil {
			return nil, err
		}
		sc, ctes = inner, plans
	}
	var (
		node Node
		err  error
	)
	if q.SetOp != nil {
		node, err = b.planSetOp(q, sc)
	} else {
		node, err = b.planSelect(q, sc)
	}
	if err != nil {
		return nil, err
	}
	if len(ctes) > 0 {
		node = &With{CTEs: ctes, Input: node}
	}
	return node, nil
}

func (b *builder) planWith(q *ast.SelectStmt, parent *scope) (*scope, []*CTEPlan, error) {
	g, err := cte.BuildGraph(q.With)
	if err != nil {
		return nil, nil, err
	}
	g.AddReferences(q)
	sc := &scope{parent: parent, ctes: make(map[string]*binding, g.Len())}
	for _, c := range q.With.CTEs {
		sc.ctes[strings.ToLower(c.Name)] = &binding{cte: c, scope: sc, materialized: g.Materialize(c.Name)}
	}
	var plans []*CTEPlan
	for _, name := range g.Order() {
		n, _ := g.Node(name)
		bd := sc.ctes[name]
		if !bd.materialized || n.Refs == 0 {
			continue
		}
		p, err := b.planCTE(bd, n.Recursive())
		if err != nil {
			return nil, nil, err
		}
		plans = append(plans, p)
	}
	return sc, plans, nil
}

func (b *builder) planCTE(bd *binding, recursive bool) (*CTEPlan, error) {
	c := bd.cte
	p := &CTEPlan{Name: strings.ToLower(c.Name), Columns: c.Columns, Body: bodyKey(bd)}
	if recursive {
		q := c.Query
		if len(q.OrderBy) > 0 || q.Limit != nil || q.Offset != nil {
			return nil, qerrors.NewUnsupportedError(op, "ORDER BY and LIMIT are not supported in recursive query %q", c.Name)
		}
		base, err := b.planQuery(q.SetOp.Left, bd.scope)
		if err != nil {
			return nil, err
		}
		schema, err := cteSchema(c, base.Schema())
		if err != nil {
			return nil, err
		}
		bd.schema = schema
		bd.planning = true
		step, err := b.planQuery(q.SetOp.Right, bd.scope)
		bd.planning = false
		if err != nil {
			return nil, err
		}
		if len(step.Schema()) != len(schema) {
			return nil, qerrors.NewPlanningErrorf(op, "recursive query %q: each UNION query must have the same number of columns", c.Name)
		}
		p.Base, p.Step, p.UnionAll, p.schema = base, step, q.SetOp.All, schema
	} else {
		plan, err := b.planQuery(c.Query, bd.scope)
		if err != nil {
			return nil, err
		}
		schema, err := cteSchema(c, plan.Schema())
		if err != nil {
			return nil, err
		}
		p.Plan, p.schema = plan, schema
	}
	p.Tables = cteTables(p, bd.scope)
	bd.plan, bd.schema = p, p.schema
	return p, nil
}

// bodyKey identifies a CTE by its own text and every CTE visible to it, so
// equal names with different definitions never share a materialization.
func bodyKey(bd *binding) string {
	var others []string
	for sc := bd.scope; sc != nil; sc = sc.parent {
		for _, o := range sc.ctes {
			if o != bd {
				others = append(others, cteText(o.cte))
			}
		}
	}
	sort.Strings(others)
	return strings.Join(append([]string{cteText(bd.cte)}, others...), "; ")
}

func cteText(c *ast.CTE) string {
	s := strings.ToLower(c.Name)
	if len(c.Columns) > 0 {
		s += "(" + strings.Join(c.Columns, ", ") + ")"
	}
	return s + " AS (" + c.Query.String() + ")"
}

func cteTables(p *CTEPlan, sc *scope) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	var walk func(n Node)
	walk = func(n Node) {
		switch x := n.(type) {
		case *Scan:
			add(strings.ToLower(x.Table))
		case *CTERef:
			if x.Name != p.Name {
				if bd := sc.lookup(x.Name); bd != nil && bd.plan != nil {
					for _, t := range bd.plan.Tables {
						add(t)
					}
				}
			}
		}
		for _, c := range n.Children() {
			walk(c)
		}
	}
	for _, n := range []Node{p.Plan, p.Base, p.Step} {
		if n != nil {
			walk(n)
		}
	}
	sort.Strings(out)
	return out
}

func cteSchema(c *ast.CTE, body expr.Schema) (expr.Schema, error) {
	if len(c.Columns) > len(body) {
		return nil, qerrors.NewPlanningErrorf(op, "WITH query %q has %d columns available but %d columns specified", c.Name, len(body), len(c.Columns))
	}
	out := make(expr.Schema, len(body))
	for i, col := range body {
		name := col.Name
		if i < len(c.Columns) {
			name = c.Columns[i]
		}
		out[i] = expr.Column{Name: name, Type: col.Type}
	}
	return out, nil
}

// ---- FROM ----

func (b *builder) planFrom(from []ast.TableExpr, sc *scope) (Node, error) {
	if len(from) == 0 {
		return &Values{Rows: [][]ast.Expr{{}}, schema: expr.Schema{}}, nil
	}
	var out Node
	for _, t := range from {
		n, err := b.planTable(t, sc)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = n
		} else {
			out = newJoin(ast.JoinCross, out, n, nil)
		}
	}
	return out, nil
}

func (b *builder) planTable(t ast.TableExpr, sc *scope) (Node, error) {
	switch x := t.(type) {
	case *ast.TableRef:
		return b.planTableRef(x, sc)
	case *ast.SubqueryRef:
		n, err := b.planQuery(x.Query, sc)
		if err != nil {
			return nil, err
		}
		return newAlias(n, x.Alias), nil
	case *ast.JoinExpr:
		return b.planJoin(x, sc)
	}
	return nil, qerrors.NewUnsupportedError(op, "FROM item %T is not supported", t)
}

func (b *builder) planTableRef(ref *ast.TableRef, sc *scope) (Node, error) {
	alias := ref.RefName()
	if bd := sc.lookup(ref.Name); bd != nil {
		name := strings.ToLower(bd.cte.Name)
		if bd.planning || bd.materialized {
			if bd.schema == nil {
				return nil, qerrors.NewPlanningErrorf(op, "WITH query %q is referenced before it is defined", bd.cte.Name)
			}
			return &CTERef{Name: name, Alias: alias, Key: bodyKey(bd), schema: bd.schema.WithTable(alias)}, nil
		}
		body, err := b.planQuery(bd.cte.Query, bd.scope)
		if err != nil {
			return nil, err
		}
		schema, err := cteSchema(bd.cte, body.Schema())
		if err != nil {
			return nil, err
		}
		return &Alias{Input: body, Name: alias, schema: schema.WithTable(alias)}, nil
	}
	def, err := b.cat.GetTableDefinition(b.ctx, ref.Name)
	if err != nil {
		return nil, qerrors.Wrapf(err, qerrors.KindPlanning, qerrors.ErrCodeUnresolved, op, "relation %q does not exist", ref.Name)
	}
	if ref.Alias == "" {
		alias = ""
	}
	return NewScan(def, alias), nil
}

func newAlias(n Node, name string) *Alias {
	return &Alias{Input: n, Name: name, schema: n.Schema().WithTable(name)}
}

func newJoin(kind ast.JoinKind, left, right Node, cond ast.Expr) *Join {
	return &Join{Kind: kind, Left: left, Right: right, Cond: cond, schema: left.Schema().Concat(right.Schema())}
}

func columnRef(c expr.Column) *ast.ColumnRef {
	return &ast.ColumnRef{Table: c.Table, Name: c.Name}
}

func (b *builder) planJoin(j *ast.JoinExpr, sc *scope) (Node, error) {
	left, err := b.planTable(j.Left, sc)
	if err != nil {
		return nil, err
	}
	right, err := b.planTable(j.Right, sc)
	if err != nil {
		return nil, err
	}
	join := newJoin(j.Kind, left, right, j.On)
	if len(j.Using) > 0 {
		ls, rs := left.Schema(), right.Schema()
		var eqs []ast.Expr
		for _, name := range j.Using {
			li, err := ls.Resolve("", name)
			if err != nil {
				return nil, qerrors.NewPlanningErrorf(op, "column %q specified in USING clause does not exist in left table", name)
			}
			ri, err := rs.Resolve("", name)
			if err != nil {
				return nil, qerrors.NewPlanningErrorf(op, "column %q specified in USING clause does not exist in right table", name)
			}
			eqs = append(eqs, &ast.BinaryExpr{Op: "=", Left: columnRef(ls[li]), Right: columnRef(rs[ri])})
			if j.Kind == ast.JoinRight {
				join.schema[li].Hidden = true
			} else {
				join.schema[len(ls)+ri].Hidden = true
			}
		}
		join.Cond = ast.And(eqs...)
	}
	if join.Cond != nil {
		if ast.ContainsAggregate(join.Cond) {
			return nil, qerrors.NewPlanningError(op, "aggregate functions are not allowed in JOIN conditions")
		}
		if err := check(join.Cond, join.schema); err != nil {
			return nil, err
		}
	}
	return join, nil
}

// check verifies that e resolves and compiles over schema.
func check(e ast.Expr, schema expr.Schema) error {
	_, err := expr.Compile(e, schema)
	return err
}

// ---- SELECT ----

type target struct {
	expr ast.Expr
	name string
}

func (b *builder) planSelect(q *ast.SelectStmt, sc *scope) (Node, error) {
	input, err := b.planFrom(q.From, sc)
	if err != nil {
		return nil, err
	}
	if q.Where != nil {
		if ast.ContainsAggregate(q.Where) {
			return nil, qerrors.NewPlanningError(op, "aggregate functions are not allowed in WHERE")
		}
		if err := check(q.Where, input.Schema()); err != nil {
			return nil, err
		}
		input = &Filter{Input: input, Cond: q.Where}
	}

	targets, err := expandTargets(q.Targets, input.Schema())
	if err != nil {
		return nil, err
	}
	groupBy, err := resolveGroupBy(q.GroupBy, targets, input.Schema())
	if err != nil {
		return nil, err
	}
	orderBy, err := resolveOrderBy(q.OrderBy, targets)
	if err != nil {
		return nil, err
	}

	having := q.Having
	uses := make([]ast.Expr, 0, len(targets)+len(orderBy)+1)
	for _, t := range targets {
		uses = append(uses, t.expr)
	}
	for _, o := range orderBy {
		uses = append(uses, o.Expr)
	}
	if having != nil {
		uses = append(uses, having)
	}
	aggregated := len(groupBy) > 0 || having != nil
	for _, u := range uses {
		aggregated = aggregated || ast.ContainsAggregate(u)
	}

	if aggregated {
		agg, rewrite, err := planAggregate(input, groupBy, uses)
		if err != nil {
			return nil, err
		}
		input = agg
		for i := range targets {
			if targets[i].expr, err = rewrite(targets[i].expr); err != nil {
				return nil, err
			}
		}
		for i := range orderBy {
			if orderBy[i].Expr, err = rewrite(orderBy[i].Expr); err != nil {
				return nil, err
			}
		}
		if having != nil {
			if having, err = rewrite(having); err != nil {
				return nil, err
			}
			input = &Filter{Input: input, Cond: having}
		}
	}

	exprs := make([]ast.Expr, len(targets))
	names := make([]string, len(targets))
	for i, t := range targets {
		if err := check(t.expr, input.Schema()); err != nil {
			return nil, err
		}
		exprs[i], names[i] = t.expr, t.name
	}

	var node Node
	if q.Distinct {
		node = &Distinct{Input: newProject(input, exprs, names)}
		if len(orderBy) > 0 {
			keys, err := outputSortKeys(orderBy, exprs, names, false, "for SELECT DISTINCT, ORDER BY expressions must appear in select list")
			if err != nil {
				return nil, err
			}
			node = &Sort{Input: node, Keys: keys}
		}
	} else {
		if len(orderBy) > 0 {
			keys := make([]SortKey, len(orderBy))
			for i, o := range orderBy {
				if err := check(o.Expr, input.Schema()); err != nil {
					return nil, err
				}
				keys[i] = sortKey(o, o.Expr, -1)
			}
			input = &Sort{Input: input, Keys: keys}
		}
		node = newProject(input, exprs, names)
	}
	return planLimit(node, q)
}

func newProject(input Node, exprs []ast.Expr, names []string) *Project {
	in := input.Schema()
	schema := make(expr.Schema, len(exprs))
	for i, e := range exprs {
		schema[i] = expr.Column{Name: names[i], Type: expr.TypeOf(e, in)}
	}
	return &Project{Input: input, Exprs: exprs, Names: names, schema: schema}
}

func sortKey(o ast.OrderItem, e ast.Expr, column int) SortKey {
	k := SortKey{Expr: e, Column: column, Desc: o.Desc, NullsFirst: o.Desc}
	if o.NullsFirst != nil {
		k.NullsFirst = *o.NullsFirst
	}
	return k
}

func planLimit(node Node, q *ast.SelectStmt) (Node, error) {
	if q.Limit == nil && q.Offset == nil {
		return node, nil
	}
	for _, e := range []ast.Expr{q.Limit, q.Offset} {
		if e == nil {
			continue
		}
		if err := check(e, nil); err != nil {
			return nil, qerrors.NewPlanningErrorf(op, "argument of LIMIT or OFFSET must be constant: %s", e)
		}
	}
	return &Limit{Input: node, Count: q.Limit, Offset: q.Offset}, nil
}

func expandTargets(items []ast.SelectItem, schema expr.Schema) ([]target, error) {
	var out []target
	for _, it := range items {
		if !it.Star {
			name := it.Alias
			if name == "" {
				name = outputName(it.Expr)
			}
			out = append(out, target{expr: it.Expr, name: name})
			continue
		}
		n := len(out)
		if it.StarTable == "" {
			if len(schema) == 0 {
				return nil, qerrors.NewPlanningError(op, "SELECT * with no tables specified is not valid")
			}
			for _, i := range schema.Visible() {
				out = append(out, target{expr: columnRef(schema[i]), name: schema[i].Name})
			}
			continue
		}
		for _, c := range schema {
			if strings.EqualFold(c.Table, it.StarTable) {
				out = append(out, target{expr: columnRef(c), name: c.Name})
			}
		}
		if len(out) == n {
			return nil, qerrors.NewPlanningErrorf(op, "missing FROM-clause entry for table %q", it.StarTable)
		}
	}
	return out, nil
}

func outputName(e ast.Expr) string {
	switch x := e.(type) {
	case *ast.ColumnRef:
		return x.Name
	case *ast.FuncCall:
		return strings.ToLower(x.Name)
	case *ast.CastExpr:
		return outputName(x.Expr)
	case *ast.CaseExpr:
		return "case"
	}
	return "?column?"
}

// positionRef returns k when e is the integer literal k.
func positionRef(e ast.Expr) (int, bool) {
	lit, ok := e.(*ast.Literal)
	if !ok {
		return 0, false
	}
	k, ok := lit.Value.Int()
	return int(k), ok
}

func resolveGroupBy(groupBy []ast.Expr, targets []target, in expr.Schema) ([]ast.Expr, error) {
	out := make([]ast.Expr, len(groupBy))
	for i, g := range groupBy {
		out[i] = g
		if k, ok := positionRef(g); ok {
			if k < 1 || k > len(targets) {
				return nil, qerrors.NewPlanningErrorf(op, "GROUP BY position %d is not in select list", k)
			}
			out[i] = targets[k-1].expr
			continue
		}
		cr, ok := g.(*ast.ColumnRef)
		if !ok || cr.Table != "" {
			continue
		}
		if _, err := in.Resolve("", cr.Name); err == nil {
			continue
		}
		for _, t := range targets {
			if strings.EqualFold(t.name, cr.Name) {
				out[i] = t.expr
				break
			}
		}
	}
	return out, nil
}

// resolveOrderBy replaces output-column names and positions by the select
// list expressions they denote.
func resolveOrderBy(items []ast.OrderItem, targets []target) ([]ast.OrderItem, error) {
	out := make([]ast.OrderItem, len(items))
	for i, o := range items {
		out[i] = o
		if k, ok := positionRef(o.Expr); ok {
			if k < 1 || k > len(targets) {
				return nil, qerrors.NewPlanningErrorf(op, "ORDER BY position %d is not in select list", k)
			}
			out[i].Expr = targets[k-1].expr
			continue
		}
		if cr, ok := o.Expr.(*ast.ColumnRef); ok && cr.Table == "" {
			for _, t := range targets {
				if strings.EqualFold(t.name, cr.Name) {
					out[i].Expr = t.expr
					break
				}
			}
		}
	}
	return out, nil
}

// outputSortKeys maps ORDER BY items onto output positions, for sorts that
// run above the projection.
func outputSortKeys(items []ast.OrderItem, exprs []ast.Expr, names []string, positions bool, msg string) ([]SortKey, error) {
	keys := make([]SortKey, len(items))
	for i, o := range items {
		if k, ok := positionRef(o.Expr); ok && positions {
			if k < 1 || k > len(names) {
				return nil, qerrors.NewPlanningErrorf(op, "ORDER BY position %d is not in select list", k)
			}
			keys[i] = sortKey(o, &ast.ColumnRef{Name: names[k-1]}, k-1)
			continue
		}
		pos := -1
		text := o.Expr.String()
		for j, e := range exprs {
			if e.String() == text {
				pos = j
				break
			}
		}
		if pos < 0 {
			if cr, ok := o.Expr.(*ast.ColumnRef); ok && cr.Table == "" {
				for j, n := range names {
					if strings.EqualFold(n, cr.Name) {
						pos = j
						break
					}
				}
			}
		}
		if pos < 0 {
			return nil, qerrors.NewPlanningError(op, msg)
		}
		keys[i] = sortKey(o, &ast.ColumnRef{Name: names[pos]}, pos)
	}
	return keys, nil
}

// ---- aggregation ----

func planAggregate(input Node, groupBy []ast.Expr, uses []ast.Expr) (*Aggregate, func(ast.Expr) (ast.Expr, error), error) {
	in := input.Schema()
	agg := &Aggregate{Input: input}
	groups := make(map[string]bool)
	for _, g := range groupBy {
		if ast.ContainsAggregate(g) {
			return nil, nil, qerrors.NewPlanningError(op, "aggregate functions are not allowed in GROUP BY")
		}
		if err := check(g, in); err != nil {
			return nil, nil, err
		}
		key := g.String()
		if groups[key] {
			continue
		}
		groups[key] = true
		col := expr.Column{Name: key, Type: expr.TypeOf(g, in)}
		if cr, ok := g.(*ast.ColumnRef); ok {
			idx, _ := in.Resolve(cr.Table, cr.Name)
			col = in[idx]
			col.Hidden = false
		}
		agg.GroupBy = append(agg.GroupBy, g)
		agg.schema = append(agg.schema, col)
	}

	seen := make(map[string]bool)
	var aggErr error
	for _, u := range uses {
		ast.Walk(u, func(e ast.Expr) bool {
			f, ok := e.(*ast.FuncCall)
			if !ok || !ast.IsAggregate(f.Name) || aggErr != nil {
				return aggErr == nil
			}
			key := f.String()
			if !seen[key] {
				seen[key] = true
				if aggErr = checkAggregate(f, in); aggErr == nil {
					agg.Aggs = append(agg.Aggs, f)
					agg.schema = append(agg.schema, expr.Column{Name: key, Type: expr.TypeOf(f, in)})
				}
			}
			return false
		})
	}
	if aggErr != nil {
		return nil, nil, aggErr
	}

	rewrite := func(e ast.Expr) (ast.Expr, error) {
		out := ast.Replace(e, func(n ast.Expr) (ast.Expr, bool) {
			switch x := n.(type) {
			case *ast.FuncCall:
				if ast.IsAggregate(x.Name) {
					return &ast.ColumnRef{Name: x.String()}, true
				}
			case *ast.ColumnRef:
				return nil, false
			}
			if groups[n.String()] {
				return &ast.ColumnRef{Name: n.String()}, true
			}
			return nil, false
		})
		var missing *ast.ColumnRef
		ast.Walk(out, func(n ast.Expr) bool {
			if cr, ok := n.(*ast.ColumnRef); ok && missing == nil {
				if _, err := agg.schema.Resolve(cr.Table, cr.Name); err != nil {
					missing = cr
				}
			}
			return missing == nil
		})
		if missing != nil {
			return nil, qerrors.NewPlanningErrorf(op, "column %q must appear in the GROUP BY clause or be used in an aggregate function", missing.String())
		}
		return out, nil
	}
	return agg, rewrite, nil
}

func checkAggregate(f *ast.FuncCall, in expr.Schema) error {
	name := strings.ToUpper(f.Name)
	if f.Star {
		if name != "COUNT" {
			return qerrors.NewPlanningErrorf(op, "%s(*) is not valid", name)
		}
		return nil
	}
	if len(f.Args) != 1 {
		return qerrors.NewPlanningErrorf(op, "function %s takes exactly one argument", name)
	}
	if ast.ContainsAggregate(f.Args[0]) {
		return qerrors.NewPlanningError(op, "aggregate function calls cannot be nested")
	}
	if err := check(f.Args[0], in); err != nil {
		return err
	}
	if name == "SUM" || name == "AVG" {
		if t := expr.TypeOf(f.Args[0], in); t != types.ColumnTypeUnknown && !t.IsNumeric() {
			return qerrors.NewPlanningErrorf(op, "function %s(%s) does not exist", name, t)
		}
	}
	return nil
}

// ---- UNION ----

func (b *builder) planSetOp(q *ast.SelectStmt, sc *scope) (Node, error) {
	left, err := b.planQuery(q.SetOp.Left, sc)
	if err != nil {
		return nil, err
	}
	right, err := b.planQuery(q.SetOp.Right, sc)
	if err != nil {
		return nil, err
	}
	ls, rs := left.Schema(), right.Schema()
	if len(ls) != len(rs) {
		return nil, qerrors.NewPlanningError(op, "each UNION query must have the same number of columns")
	}
	schema := make(expr.Schema, len(ls))
	names := make([]string, len(ls))
	exprs := make([]ast.Expr, len(ls))
	for i, c := range ls {
		typ := c.Type
		if typ == types.ColumnTypeUnknown {
			typ = rs[i].Type
		}
		schema[i] = expr.Column{Name: c.Name, Type: typ}
		names[i] = c.Name
		exprs[i] = &ast.ColumnRef{Name: c.Name}
	}
	var node Node = &Union{Left: left, Right: right, All: true, schema: schema}
	if !q.SetOp.All {
		node = &Distinct{Input: node}
	}
	if len(q.OrderBy) > 0 {
		keys, err := outputSortKeys(q.OrderBy, exprs, names, true, "invalid UNION ORDER BY clause: only result column names or positions are allowed")
		if err != nil {
			return nil, err
		}
		node = &Sort{Input: node, Keys: keys}
	}
	return planLimit(node, q)
}
