package optimizer

import (
	"math"
	"math/bits"
	"sort"
	"strings"

	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/protocol/sql/planner"
)

// maxRegion is the most relations a reorderable region may hold.
const maxRegion = 62

// joinSpec describes one join to build over a pair of inputs.
type joinSpec struct {
	kind ast.JoinKind
	// schema is the output layout; nil means the concatenation of the
	// chosen inputs.
	schema expr.Schema
	// cond is the whole join condition over the concatenated inputs.
	cond      ast.Expr
	leftKeys  []ast.Expr
	rightKeys []ast.Expr
	residual  ast.Expr
	rows      float64
	relation  string
}

func (s *joinSpec) layout(l, r *PhysicalPlan) expr.Schema {
	if s.schema != nil {
		return s.schema
	}
	return l.Schema.Concat(r.Schema)
}

func concatCols(l, r *PhysicalPlan, rows float64) []colEst {
	cols := make([]colEst, 0, len(l.cols)+len(r.cols))
	cols = append(cols, l.cols...)
	cols = append(cols, r.cols...)
	return capNDV(cols, rows)
}

// joinCandidates builds every applicable algorithm for one join.
func (o *optimization) joinCandidates(spec *joinSpec, lc, rc []*PhysicalPlan) []*PhysicalPlan {
	var out []*PhysicalPlan
	r := rc[0]
	for _, l := range lc {
		out = append(out, o.nestedLoop(spec, l, r))
		if len(spec.leftKeys) > 0 {
			out = append(out, o.hashJoin(spec, l, r))
		}
	}
	if len(spec.leftKeys) > 0 && spec.kind == ast.JoinInner {
		out = append(out, o.mergeJoin(spec, lc, rc))
	}
	return out
}

func (o *optimization) joinNode(spec *joinSpec, strategy Strategy, l, r *PhysicalPlan, cost Cost) *PhysicalPlan {
	p := &PhysicalPlan{
		Strategy: strategy,
		Children: []*PhysicalPlan{l, r},
		Schema:   spec.layout(l, r),
		JoinKind: spec.kind,
		Rows:     spec.rows,
		Width:    l.Width + r.Width,
		Cost:     cost,
		Relation: spec.relation,
		cols:     concatCols(l, r, spec.rows),
	}
	if strategy == StrategyNestedLoop {
		p.Filter = spec.cond
	} else {
		p.LeftKeys, p.RightKeys, p.Filter = spec.leftKeys, spec.rightKeys, spec.residual
	}
	return p
}

func (o *optimization) nestedLoop(spec *joinSpec, l, r *PhysicalPlan) *PhysicalPlan {
	quals := len(ast.Conjuncts(spec.cond))
	p := o.joinNode(spec, StrategyNestedLoop, l, r, o.model.NestedLoop(l.Cost, r.Cost, l.Rows, r.Rows, r.Width, quals, spec.rows))
	if spec.kind == ast.JoinInner || spec.kind == ast.JoinCross || spec.kind == ast.JoinLeft {
		p.Order = l.Order
	}
	return p
}

// hashJoin probes with the left input and builds on the right.
func (o *optimization) hashJoin(spec *joinSpec, l, r *PhysicalPlan) *PhysicalPlan {
	quals := len(ast.Conjuncts(spec.residual))
	cost := o.model.HashJoin(l.Cost, r.Cost, l.Rows, r.Rows, l.Width, r.Width, len(spec.leftKeys), quals, spec.rows)
	return o.joinNode(spec, StrategyHashJoin, l, r, cost)
}

// mergeJoin uses the cheapest input already ordered on the keys, or sorts
// the cheapest input when that is cheaper.
func (o *optimization) mergeJoin(spec *joinSpec, lc, rc []*PhysicalPlan) *PhysicalPlan {
	pick := func(cands []*PhysicalPlan, keys []ast.Expr) *PhysicalPlan {
		var best *PhysicalPlan
		for _, c := range cands {
			names := make([]string, len(keys))
			for i, k := range keys {
				names[i] = orderName(k, c.Schema)
			}
			if hasPrefix(c.Order, names) && (best == nil || c.Cost.Total < best.Cost.Total) {
				best = c
			}
		}
		sorted := o.sortNode(cands[0], exprKeys(keys))
		if best == nil || sorted.Cost.Total < best.Cost.Total {
			best = sorted
		}
		return best
	}
	l := pick(lc, spec.leftKeys)
	r := pick(rc, spec.rightKeys)
	quals := len(ast.Conjuncts(spec.residual))
	p := o.joinNode(spec, StrategyMergeJoin, l, r, o.model.MergeJoin(l.Cost, r.Cost, l.Rows, r.Rows, len(spec.leftKeys), quals, spec.rows))
	p.Order = make([]string, len(spec.leftKeys))
	for i, k := range spec.leftKeys {
		p.Order[i] = orderName(k, l.Schema)
	}
	return p
}

// ---- joins kept in syntactic order ----

// binaryJoin plans an outer join, or an inner join whose region cannot be
// reordered, as written.
func (o *optimization) binaryJoin(x *planner.Join) ([]*PhysicalPlan, error) {
	lc, err := o.candidates(x.Left)
	if err != nil {
		return nil, err
	}
	rc, err := o.candidates(x.Right)
	if err != nil {
		return nil, err
	}
	schema := x.Schema()
	ls, rs := x.Left.Schema(), x.Right.Schema()
	spec := &joinSpec{kind: x.Kind, schema: schema, cond: x.Cond}
	var residual []ast.Expr
	for _, c := range ast.Conjuncts(x.Cond) {
		if lk, rk, ok := equiKey(c, schema, ls, rs); ok {
			spec.leftKeys = append(spec.leftKeys, lk)
			spec.rightKeys = append(spec.rightKeys, rk)
			continue
		}
		residual = append(residual, c)
	}
	spec.residual = ast.And(residual...)
	if spec.kind == ast.JoinCross && x.Cond != nil {
		spec.kind = ast.JoinInner
	}

	l, r := lc[0], rc[0]
	est := o.estimator(schema, concatCols(l, r, l.Rows*r.Rows))
	rows := l.Rows * r.Rows * est.selectivity(x.Cond)
	switch x.Kind {
	case ast.JoinLeft:
		rows = math.Max(rows, l.Rows)
	case ast.JoinRight:
		rows = math.Max(rows, r.Rows)
	case ast.JoinFull:
		rows = math.Max(rows, l.Rows+r.Rows)
	}
	spec.rows = clampRows(rows)
	return o.joinCandidates(spec, lc, rc), nil
}

// equiKey splits a = b into an operand over each input. Both operands must
// read columns, and each must resolve over its own input.
func equiKey(c ast.Expr, schema, ls, rs expr.Schema) (ast.Expr, ast.Expr, bool) {
	b, ok := c.(*ast.BinaryExpr)
	if !ok || b.Op != "=" {
		return nil, nil, false
	}
	split := len(ls)
	if l, ok := remap(b.Left, schema, ls, 0); ok {
		if r, ok := remap(b.Right, schema, rs, split); ok {
			return l, r, true
		}
	}
	if l, ok := remap(b.Right, schema, ls, 0); ok {
		if r, ok := remap(b.Left, schema, rs, split); ok {
			return l, r, true
		}
	}
	return nil, nil, false
}

// remap rewrites e, resolved over from, over the part of from that starts
// at offset and has layout to. It fails when e reads no column or a column
// outside that part.
func remap(e ast.Expr, from, to expr.Schema, offset int) (ast.Expr, bool) {
	ok, found := true, false
	out := ast.Replace(e, func(n ast.Expr) (ast.Expr, bool) {
		cr, isRef := n.(*ast.ColumnRef)
		if !isRef || !ok {
			return nil, false
		}
		i, err := from.Resolve(cr.Table, cr.Name)
		i -= offset
		if err != nil || i < 0 || i >= len(to) {
			ok = false
			return n, true
		}
		ref := &ast.ColumnRef{Table: to[i].Table, Name: to[i].Name}
		if j, err := to.Resolve(ref.Table, ref.Name); err != nil || j != i {
			ok = false
			return n, true
		}
		found = true
		return ref, true
	})
	if !ok || !found || ast.ContainsAggregate(out) {
		return nil, false
	}
	return out, true
}

// ---- reorderable regions ----

// region is a maximal tree of inner and cross joins. Its conditions are
// rewritten over qualified column names, which are unique across the
// region, so they resolve in any join order.
type region struct {
	root    *planner.Join
	leaves  []planner.Node
	schemas []expr.Schema
	// colLeaf maps a lower-case qualified column name to its leaf.
	colLeaf  map[string]int
	conds    []*regionCond
	filters  [][]ast.Expr
	constant []ast.Expr
}

type regionCond struct {
	expr ast.Expr
	mask uint64
	sel  float64
	// left and right are the operands of an equality between relations.
	left, right  ast.Expr
	lmask, rmask uint64
}

func flattenRegion(root *planner.Join) (*region, bool) {
	r := &region{root: root, colLeaf: make(map[string]int)}
	var raw []struct {
		e      ast.Expr
		schema expr.Schema
		first  int
	}
	var walk func(n planner.Node)
	walk = func(n planner.Node) {
		j, ok := n.(*planner.Join)
		if !ok || (j.Kind != ast.JoinInner && j.Kind != ast.JoinCross) {
			r.leaves = append(r.leaves, n)
			r.schemas = append(r.schemas, n.Schema())
			return
		}
		first := len(r.leaves)
		walk(j.Left)
		walk(j.Right)
		for _, c := range ast.Conjuncts(j.Cond) {
			raw = append(raw, struct {
				e      ast.Expr
				schema expr.Schema
				first  int
			}{c, j.Schema(), first})
		}
	}
	walk(root)
	if len(r.leaves) > maxRegion {
		return nil, false
	}
	for li, s := range r.schemas {
		for _, c := range s {
			if c.Table == "" {
				return nil, false
			}
			key := strings.ToLower(c.QualifiedName())
			if _, dup := r.colLeaf[key]; dup {
				return nil, false
			}
			r.colLeaf[key] = li
		}
	}
	r.filters = make([][]ast.Expr, len(r.leaves))
	for _, c := range raw {
		q, ok := r.qualify(c.e, c.schema, c.first)
		if !ok {
			return nil, false
		}
		r.add(q)
	}
	return r, true
}

// qualify rewrites e, resolved over the layout of a join whose first leaf is
// first, in terms of qualified leaf columns.
func (r *region) qualify(e ast.Expr, schema expr.Schema, first int) (ast.Expr, bool) {
	ok := true
	out := ast.Replace(e, func(n ast.Expr) (ast.Expr, bool) {
		cr, isRef := n.(*ast.ColumnRef)
		if !isRef || !ok {
			return nil, false
		}
		p, err := schema.Resolve(cr.Table, cr.Name)
		if err != nil {
			ok = false
			return n, true
		}
		li := first
		for li < len(r.schemas) && p >= len(r.schemas[li]) {
			p -= len(r.schemas[li])
			li++
		}
		if li >= len(r.schemas) {
			ok = false
			return n, true
		}
		c := r.schemas[li][p]
		return &ast.ColumnRef{Table: c.Table, Name: c.Name}, true
	})
	return out, ok
}

func (r *region) mask(e ast.Expr) uint64 {
	var m uint64
	ast.Walk(e, func(n ast.Expr) bool {
		if cr, ok := n.(*ast.ColumnRef); ok {
			if li, ok := r.colLeaf[strings.ToLower(cr.String())]; ok {
				m |= 1 << uint(li)
			}
		}
		return true
	})
	return m
}

func (r *region) add(q ast.Expr) {
	m := r.mask(q)
	switch {
	case m == 0:
		r.constant = append(r.constant, q)
		return
	case bits.OnesCount64(m) == 1:
		li := bits.TrailingZeros64(m)
		r.filters[li] = append(r.filters[li], q)
		return
	}
	c := &regionCond{expr: q, mask: m}
	if b, ok := q.(*ast.BinaryExpr); ok && b.Op == "=" && !ast.ContainsAggregate(q) {
		lm, rm := r.mask(b.Left), r.mask(b.Right)
		if lm != 0 && rm != 0 && lm&rm == 0 {
			c.left, c.right, c.lmask, c.rmask = b.Left, b.Right, lm, rm
		}
	}
	r.conds = append(r.conds, c)
}

// regionPlanner enumerates join orders for one region.
type regionPlanner struct {
	o        *optimization
	r        *region
	leafRels []string
	leafRows []float64
	best     map[uint64][]*PhysicalPlan
	rows     map[uint64]float64
	observed map[uint64]float64
}

func (o *optimization) region(x *planner.Join) ([]*PhysicalPlan, error) {
	r, ok := flattenRegion(x)
	if !ok {
		return o.binaryJoin(x)
	}
	rp := &regionPlanner{
		o:        o,
		r:        r,
		best:     make(map[uint64][]*PhysicalPlan),
		rows:     make(map[uint64]float64),
		observed: make(map[uint64]float64),
	}
	var (
		layout expr.Schema
		cols   []colEst
	)
	for i, leaf := range r.leaves {
		cands, err := o.candidates(leaf)
		if err != nil {
			return nil, err
		}
		rel := o.relation(leaf)
		if len(r.filters[i]) > 0 {
			cond := ast.And(r.filters[i]...)
			rel += " [" + cond.String() + "]"
			filtered := make([]*PhysicalPlan, len(cands))
			for j, c := range cands {
				filtered[j] = o.filterNode(c, cond, len(r.filters[i]))
				filtered[j].Relation = rel
			}
			cands = prune(o.observe(rel, filtered))
		}
		rp.best[1<<uint(i)] = cands
		rp.leafRels = append(rp.leafRels, rel)
		rp.leafRows = append(rp.leafRows, cands[0].Rows)
		layout = layout.Concat(cands[0].Schema)
		cols = append(cols, cands[0].cols...)
	}
	est := o.estimator(layout, cols)
	for _, c := range r.conds {
		c.sel = est.selectivity(c.expr)
	}

	n := len(r.leaves)
	full := uint64(1)<<uint(n) - 1
	if o.model.Search == StrategyAdvanced && n <= o.model.DPThreshold {
		if err := rp.dynamic(n); err != nil {
			return nil, err
		}
	} else if err := rp.greedy(n); err != nil {
		return nil, err
	}
	return rp.finish(rp.best[full]), nil
}

func (rp *regionPlanner) relation(mask uint64) string {
	var rels []string
	for m := mask; m != 0; m &= m - 1 {
		rels = append(rels, rp.leafRels[bits.TrailingZeros64(m)])
	}
	sort.Strings(rels)
	return "join(" + strings.Join(rels, "; ") + ")"
}

// subsetRows estimates a joined subset consistently for every join order:
// the product of its relations and of the conditions inside it, starting
// from the largest observed subset when there is one.
func (rp *regionPlanner) subsetRows(mask uint64) float64 {
	if r, ok := rp.rows[mask]; ok {
		return r
	}
	var base uint64
	rows := 1.0
	for m, obs := range rp.observed {
		if m&mask != m {
			continue
		}
		if bits.OnesCount64(m) > bits.OnesCount64(base) || (bits.OnesCount64(m) == bits.OnesCount64(base) && m < base) {
			base, rows = m, obs
		}
	}
	for m := mask &^ base; m != 0; m &= m - 1 {
		rows *= rp.leafRows[bits.TrailingZeros64(m)]
	}
	for _, c := range rp.r.conds {
		if c.mask&mask == c.mask && c.mask&base != c.mask {
			rows *= c.sel
		}
	}
	rows = clampRows(rows)
	rp.rows[mask] = rows
	return rows
}

func (rp *regionPlanner) connected(a, b uint64) bool {
	for _, c := range rp.r.conds {
		if c.mask&(a|b) == c.mask && c.mask&a != 0 && c.mask&b != 0 {
			return true
		}
	}
	return false
}

// pair builds the joins of subset a (left) with subset b (right).
func (rp *regionPlanner) pair(a, b uint64) []*PhysicalPlan {
	mask := a | b
	spec := &joinSpec{kind: ast.JoinCross, rows: rp.subsetRows(mask), relation: rp.relation(mask)}
	var all, residual []ast.Expr
	for _, c := range rp.r.conds {
		if c.mask&mask != c.mask || c.mask&a == c.mask || c.mask&b == c.mask {
			continue
		}
		all = append(all, c.expr)
		switch {
		case c.left != nil && c.lmask&a == c.lmask && c.rmask&b == c.rmask:
			spec.leftKeys = append(spec.leftKeys, c.left)
			spec.rightKeys = append(spec.rightKeys, c.right)
		case c.left != nil && c.rmask&a == c.rmask && c.lmask&b == c.lmask:
			spec.leftKeys = append(spec.leftKeys, c.right)
			spec.rightKeys = append(spec.rightKeys, c.left)
		default:
			residual = append(residual, c.expr)
		}
	}
	if len(all) > 0 {
		spec.kind = ast.JoinInner
	}
	spec.cond = ast.And(all...)
	spec.residual = ast.And(residual...)
	return rp.o.joinCandidates(spec, rp.best[a], rp.best[b])
}

// settle records the candidates of a subset, applying feedback first.
func (rp *regionPlanner) settle(mask uint64, cands []*PhysicalPlan) {
	rp.best[mask] = prune(rp.o.observe(rp.relation(mask), cands))
}

// prepare registers an observed cardinality for the subset before its
// joins are built.
func (rp *regionPlanner) prepare(mask uint64) {
	if obs, ok := rp.o.feedback[rp.relation(mask)]; ok {
		rp.observed[mask] = clampRows(float64(obs.Rows))
		delete(rp.rows, mask)
	}
}

// dynamic enumerates every subset by increasing size. Cross products are
// only considered for subsets with no connected split.
func (rp *regionPlanner) dynamic(n int) error {
	full := uint64(1)<<uint(n) - 1
	for size := 2; size <= n; size++ {
		if err := rp.o.ctx.Err(); err != nil {
			return err
		}
		for mask := uint64(1); mask <= full; mask++ {
			if bits.OnesCount64(mask) != size {
				continue
			}
			rp.prepare(mask)
			var cands []*PhysicalPlan
			for sub := (mask - 1) & mask; sub > 0; sub = (sub - 1) & mask {
				if rp.connected(sub, mask^sub) {
					cands = append(cands, rp.pair(sub, mask^sub)...)
				}
			}
			if len(cands) == 0 {
				for sub := (mask - 1) & mask; sub > 0; sub = (sub - 1) & mask {
					cands = append(cands, rp.pair(sub, mask^sub)...)
				}
			}
			rp.settle(mask, cands)
		}
	}
	return nil
}

// greedy starts from the cheapest connected pair and repeatedly joins the
// relation that makes the cheapest next step.
func (rp *regionPlanner) greedy(n int) error {
	type step struct {
		mask  uint64
		cands []*PhysicalPlan
	}
	better := func(a *step, b *step) bool {
		if b == nil {
			return true
		}
		ca, cb := a.cands[0].Cost.Total, b.cands[0].Cost.Total
		return ca < cb || (ca == cb && shape(a.cands[0]) < shape(b.cands[0]))
	}
	var cur uint64
	for _, connectedOnly := range []bool{true, false} {
		var pick *step
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				a, b := uint64(1)<<uint(i), uint64(1)<<uint(j)
				if i == j || (connectedOnly && !rp.connected(a, b)) {
					continue
				}
				rp.prepare(a | b)
				s := &step{mask: a | b, cands: prune(rp.o.observe(rp.relation(a|b), rp.pair(a, b)))}
				if better(s, pick) {
					pick = s
				}
			}
		}
		if pick != nil {
			rp.best[pick.mask] = pick.cands
			cur = pick.mask
			break
		}
	}
	for bits.OnesCount64(cur) < n {
		if err := rp.o.ctx.Err(); err != nil {
			return err
		}
		var pick *step
		for _, connectedOnly := range []bool{true, false} {
			for i := 0; i < n; i++ {
				leaf := uint64(1) << uint(i)
				if cur&leaf != 0 || (connectedOnly && !rp.connected(cur, leaf)) {
					continue
				}
				mask := cur | leaf
				rp.prepare(mask)
				cands := append(rp.pair(cur, leaf), rp.pair(leaf, cur)...)
				s := &step{mask: mask, cands: prune(rp.o.observe(rp.relation(mask), cands))}
				if better(s, pick) {
					pick = s
				}
			}
			if pick != nil {
				break
			}
		}
		rp.best[pick.mask] = pick.cands
		cur = pick.mask
	}
	return nil
}

// finish applies constant conditions and restores the region's column
// order on top of each complete join.
func (rp *regionPlanner) finish(cands []*PhysicalPlan) []*PhysicalPlan {
	root := rp.r.root.Schema()
	exprs := make([]ast.Expr, len(root))
	names := make([]string, len(root))
	for i, c := range root {
		exprs[i] = &ast.ColumnRef{Table: c.Table, Name: c.Name}
		names[i] = c.Name
	}
	out := make([]*PhysicalPlan, 0, len(cands))
	for _, p := range cands {
		if len(rp.r.constant) > 0 {
			rel := p.Relation
			p = rp.o.filterNode(p, ast.And(rp.r.constant...), len(rp.r.constant))
			p.Relation = rel
		}
		if sameOrder(p.Schema, root) {
			c := clone(p)
			c.Schema = root
			out = append(out, c)
			continue
		}
		proj := rp.o.projectNode(p, exprs, names, root)
		out = append(out, proj)
	}
	return out
}

func sameOrder(a, b expr.Schema) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i].QualifiedName(), b[i].QualifiedName()) {
			return false
		}
	}
	return true
}
