package optimizer

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/guileen/querycore/catalog"
	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/protocol/sql/planner"
	"github.com/guileen/querycore/types"
)

const op = "optimize"

// maxCandidates bounds the plans kept per logical node: the cheapest plan
// plus cheaper-than-sorting alternatives that deliver useful orders.
const maxCandidates = 4

// recursiveIterations is the assumed depth of a recursive CTE.
const recursiveIterations = 10

// Observation is what execution learned about one relation.
type Observation struct {
	Rows int64
	// Schema and Materialized are set when the rows were kept. A replanned
	// query reads them instead of recomputing the relation.
	Schema       expr.Schema
	Materialized []types.Row
}

// Feedback maps PhysicalPlan.Relation keys to observations.
type Feedback map[string]*Observation

// Optimizer chooses physical plans. It is safe for concurrent use.
type Optimizer struct {
	model *CostModel
	stats *catalog.StatsRegistry
	sizes TableSizer
}

// New creates an optimizer. sizes may be nil; tables without statistics are
// then assumed to hold defaultRows rows.
func New(model *CostModel, stats *catalog.StatsRegistry, sizes TableSizer) *Optimizer {
	if model == nil {
		model = NewCostModel()
	}
	if stats == nil {
		stats = catalog.NewStatsRegistry(catalog.DefaultSelectivity())
	}
	return &Optimizer{model: model, stats: stats, sizes: sizes}
}

// Model returns the shared cost model.
func (o *Optimizer) Model() *CostModel { return o.model }

// Optimize returns the cheapest physical plan for a rewritten logical plan.
// params are the values bound for this execution; they sharpen estimates but
// the plan is valid for any binding.
func (o *Optimizer) Optimize(ctx context.Context, logical planner.Node, params []types.Value) (*PhysicalPlan, error) {
	return o.OptimizeWithFeedback(ctx, logical, params, nil)
}

// OptimizeWithFeedback optimizes using observed cardinalities in place of
// estimates. Relations with materialized rows may be read back directly.
func (o *Optimizer) OptimizeWithFeedback(ctx context.Context, logical planner.Node, params []types.Value, fb Feedback) (*PhysicalPlan, error) {
	run := &optimization{
		ctx:       ctx,
		opt:       o,
		model:     o.model,
		defaults:  o.stats.Defaults(),
		params:    params,
		feedback:  fb,
		tables:    make(map[string]*tableInfo),
		memo:      make(map[planner.Node][]*PhysicalPlan),
		relations: make(map[planner.Node]string),
		cteRows:   make(map[string]float64),
	}
	cands, err := run.candidates(logical)
	if err != nil {
		return nil, err
	}
	best := clone(cands[0])
	best.Cost = o.model.Deliver(best.Cost, best.Rows)
	logger.Debug("physical plan chosen",
		logger.Component("optimizer"),
		"strategy", string(best.Strategy),
		"cost", best.Cost.Total,
		"rows", best.Rows,
		"feedback", len(fb))
	return best, nil
}

// optimization is the state of one Optimize call.
type optimization struct {
	ctx       context.Context
	opt       *Optimizer
	model     *CostModel
	defaults  catalog.SelectivityDefaults
	params    []types.Value
	feedback  Feedback
	tables    map[string]*tableInfo
	memo      map[planner.Node][]*PhysicalPlan
	relations map[planner.Node]string
	cteRows   map[string]float64
}

func (o *optimization) relation(n planner.Node) string {
	if r, ok := o.relations[n]; ok {
		return r
	}
	r := strings.TrimSuffix(planner.Format(n), "\n")
	o.relations[n] = r
	return r
}

func (o *optimization) best(n planner.Node) (*PhysicalPlan, error) {
	cands, err := o.candidates(n)
	if err != nil {
		return nil, err
	}
	return cands[0], nil
}

// candidates returns the pruned physical alternatives for n, cheapest first.
func (o *optimization) candidates(n planner.Node) ([]*PhysicalPlan, error) {
	if c, ok := o.memo[n]; ok {
		return c, nil
	}
	if err := o.ctx.Err(); err != nil {
		return nil, qerrors.FromContext(err, op)
	}
	var (
		cands []*PhysicalPlan
		err   error
	)
	switch x := n.(type) {
	case *planner.Scan:
		cands = o.scan(x)
	case *planner.Values:
		cands = []*PhysicalPlan{o.values(x)}
	case *planner.CTERef:
		cands = []*PhysicalPlan{o.cteScan(x)}
	case *planner.Alias:
		cands, err = o.subquery(x)
	case *planner.Filter:
		cands, err = o.filter(x)
	case *planner.Project:
		cands, err = o.project(x)
	case *planner.Join:
		if x.Kind == ast.JoinInner || x.Kind == ast.JoinCross {
			cands, err = o.region(x)
		} else {
			cands, err = o.binaryJoin(x)
		}
	case *planner.Aggregate:
		cands, err = o.aggregate(x)
	case *planner.Sort:
		cands, err = o.sort(x)
	case *planner.Limit:
		cands, err = o.limit(x)
	case *planner.Distinct:
		cands, err = o.distinct(x)
	case *planner.Union:
		cands, err = o.union(x)
	case *planner.With:
		cands, err = o.with(x)
	default:
		return nil, qerrors.NewPlanningErrorf(op, "no physical operator for %T", n)
	}
	if err != nil {
		return nil, err
	}
	rel := o.relation(n)
	for _, c := range cands {
		if c.Relation == "" {
			c.Relation = rel
		}
	}
	cands = prune(o.observe(rel, cands))
	o.memo[n] = cands
	return cands, nil
}

// observe replaces the estimated cardinality of a relation by an observed
// one and offers the materialized rows as a candidate.
func (o *optimization) observe(rel string, cands []*PhysicalPlan) []*PhysicalPlan {
	obs, ok := o.feedback[rel]
	if !ok || len(cands) == 0 {
		return cands
	}
	rows := clampRows(float64(obs.Rows))
	out := make([]*PhysicalPlan, 0, len(cands)+1)
	for _, c := range cands {
		c = clone(c)
		c.Rows = rows
		c.cols = capNDV(c.cols, rows)
		out = append(out, c)
	}
	if obs.Materialized == nil {
		return out
	}
	sig := obs.Schema.Signature()
	for _, c := range cands {
		if c.Schema.Signature() != sig {
			continue
		}
		out = append(out, &PhysicalPlan{
			Strategy:     StrategyMaterializedScan,
			Schema:       c.Schema,
			Rows:         rows,
			Width:        c.Width,
			Cost:         o.model.Materialized(rows),
			Relation:     rel,
			Materialized: obs.Materialized,
			cols:         capNDV(c.cols, rows),
		})
		break
	}
	return out
}

// prune orders candidates by cost and drops every plan that a cheaper kept
// plan dominates: one whose output order starts with this plan's order.
func prune(cands []*PhysicalPlan) []*PhysicalPlan {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Cost.Total != b.Cost.Total {
			return a.Cost.Total < b.Cost.Total
		}
		if a.Rows != b.Rows {
			return a.Rows < b.Rows
		}
		return shape(a) < shape(b)
	})
	var kept []*PhysicalPlan
	for _, c := range cands {
		dominated := false
		for _, k := range kept {
			if hasPrefix(k.Order, c.Order) {
				dominated = true
				break
			}
		}
		if !dominated {
			kept = append(kept, c)
			if len(kept) == maxCandidates {
				break
			}
		}
	}
	return kept
}

func hasPrefix(order, prefix []string) bool {
	if len(prefix) > len(order) {
		return false
	}
	for i, p := range prefix {
		if !strings.EqualFold(order[i], p) {
			return false
		}
	}
	return true
}

func clone(p *PhysicalPlan) *PhysicalPlan {
	c := *p
	c.text = ""
	return &c
}

// ---- order bookkeeping ----

// orderName names what e sorts by over schema: the qualified column for a
// column reference, the expression text otherwise.
func orderName(e ast.Expr, schema expr.Schema) string {
	if cr, ok := e.(*ast.ColumnRef); ok {
		if i, err := schema.Resolve(cr.Table, cr.Name); err == nil {
			return schema[i].QualifiedName()
		}
	}
	return e.String()
}

func sortKeyName(k planner.SortKey, schema expr.Schema) string {
	if k.Column >= 0 && k.Column < len(schema) {
		return schema[k.Column].QualifiedName()
	}
	return orderName(k.Expr, schema)
}

// ascendingNames names the leading keys that sort ascending with NULLs last,
// the order every sorted operator produces.
func ascendingNames(keys []planner.SortKey, schema expr.Schema) []string {
	var out []string
	for _, k := range keys {
		if k.Desc || k.NullsFirst {
			break
		}
		out = append(out, sortKeyName(k, schema))
	}
	return out
}

func columnPosition(name string, schema expr.Schema) int {
	for i, c := range schema {
		if strings.EqualFold(c.QualifiedName(), name) {
			return i
		}
	}
	return -1
}

// renameOrder carries an order through an operator that maps input
// position i to output position i.
func renameOrder(order []string, in, out expr.Schema) []string {
	var res []string
	for _, name := range order {
		i := columnPosition(name, in)
		if i < 0 || i >= len(out) {
			break
		}
		res = append(res, out[i].QualifiedName())
	}
	return res
}

// projectOrder carries an order through a projection of column references.
func projectOrder(order []string, in expr.Schema, exprs []ast.Expr, out expr.Schema) []string {
	var res []string
	for _, name := range order {
		found := -1
		for j, e := range exprs {
			if cr, ok := e.(*ast.ColumnRef); ok {
				if i, err := in.Resolve(cr.Table, cr.Name); err == nil && strings.EqualFold(in[i].QualifiedName(), name) {
					found = j
					break
				}
			}
		}
		if found < 0 {
			break
		}
		res = append(res, out[found].QualifiedName())
	}
	return res
}

// ---- leaves ----

func (o *optimization) values(x *planner.Values) *PhysicalPlan {
	rows := clampRows(float64(len(x.Rows)))
	cols := make([]colEst, len(x.Schema()))
	for i := range cols {
		cols[i].ndv = rows
	}
	return &PhysicalPlan{
		Strategy: StrategyValues,
		Schema:   x.Schema(),
		Values:   x.Rows,
		Rows:     rows,
		Width:    defaultColumnSize * len(x.Schema()),
		Cost:     Cost{Total: rows * o.model.CPUTupleCost},
		cols:     cols,
	}
}

func (o *optimization) cteScan(x *planner.CTERef) *PhysicalPlan {
	rows, ok := o.cteRows[x.Key]
	if !ok {
		rows = defaultRows
	}
	cols := make([]colEst, len(x.Schema()))
	for i := range cols {
		cols[i].ndv = rows
	}
	return &PhysicalPlan{
		Strategy: StrategyCTEScan,
		Schema:   x.Schema(),
		Table:    x.Name,
		Alias:    x.Alias,
		Body:     x.Key,
		Rows:     rows,
		Width:    defaultColumnSize * len(x.Schema()),
		Cost:     o.model.Materialized(rows),
		cols:     cols,
	}
}

func (o *optimization) subquery(x *planner.Alias) ([]*PhysicalPlan, error) {
	ins, err := o.candidates(x.Input)
	if err != nil {
		return nil, err
	}
	out := make([]*PhysicalPlan, 0, len(ins))
	for _, in := range ins {
		out = append(out, &PhysicalPlan{
			Strategy: StrategySubqueryScan,
			Children: []*PhysicalPlan{in},
			Schema:   x.Schema(),
			Alias:    x.Name,
			Rows:     in.Rows,
			Width:    in.Width,
			Cost:     in.Cost,
			Order:    renameOrder(in.Order, in.Schema, x.Schema()),
			cols:     in.cols,
		})
	}
	return out, nil
}

// ---- row-by-row operators ----

func (o *optimization) filter(x *planner.Filter) ([]*PhysicalPlan, error) {
	ins, err := o.candidates(x.Input)
	if err != nil {
		return nil, err
	}
	quals := len(ast.Conjuncts(x.Cond))
	out := make([]*PhysicalPlan, 0, len(ins))
	for _, in := range ins {
		out = append(out, o.filterNode(in, x.Cond, quals))
	}
	return out, nil
}

func (o *optimization) filterNode(in *PhysicalPlan, cond ast.Expr, quals int) *PhysicalPlan {
	rows := clampRows(in.Rows * o.estimator(in.Schema, in.cols).selectivity(cond))
	return &PhysicalPlan{
		Strategy: StrategyFilter,
		Children: []*PhysicalPlan{in},
		Schema:   in.Schema,
		Filter:   cond,
		Rows:     rows,
		Width:    in.Width,
		Cost:     o.model.Filter(in.Cost, in.Rows, quals),
		Order:    in.Order,
		cols:     capNDV(in.cols, rows),
	}
}

func (o *optimization) project(x *planner.Project) ([]*PhysicalPlan, error) {
	ins, err := o.candidates(x.Input)
	if err != nil {
		return nil, err
	}
	out := make([]*PhysicalPlan, 0, len(ins))
	for _, in := range ins {
		out = append(out, o.projectNode(in, x.Exprs, x.Names, x.Schema()))
	}
	return out, nil
}

func (o *optimization) projectNode(in *PhysicalPlan, exprs []ast.Expr, names []string, schema expr.Schema) *PhysicalPlan {
	cols := make([]colEst, len(exprs))
	for i, e := range exprs {
		cols[i].ndv = in.Rows
		if cr, ok := e.(*ast.ColumnRef); ok {
			if j, err := in.Schema.Resolve(cr.Table, cr.Name); err == nil && j < len(in.cols) {
				cols[i] = in.cols[j]
			}
		}
	}
	width := defaultColumnSize * len(exprs)
	if len(in.Schema) > 0 && in.Width > 0 {
		width = max(1, in.Width*len(exprs)/len(in.Schema))
	}
	return &PhysicalPlan{
		Strategy: StrategyProject,
		Children: []*PhysicalPlan{in},
		Schema:   schema,
		Exprs:    exprs,
		Names:    names,
		Rows:     in.Rows,
		Width:    width,
		Cost:     o.model.Project(in.Cost, in.Rows, len(exprs)),
		Order:    projectOrder(in.Order, in.Schema, exprs, schema),
		cols:     cols,
	}
}

// ---- blocking operators ----

func (o *optimization) sortNode(in *PhysicalPlan, keys []planner.SortKey) *PhysicalPlan {
	external := in.Rows*float64(in.Width) > float64(o.model.WorkMem)
	strategy := StrategySort
	if external {
		strategy = StrategyExternalSort
	}
	return &PhysicalPlan{
		Strategy: strategy,
		Children: []*PhysicalPlan{in},
		Schema:   in.Schema,
		Keys:     keys,
		Rows:     in.Rows,
		Width:    in.Width,
		Cost:     o.model.Sort(in.Cost, in.Rows, in.Width, len(keys), external),
		Order:    ascendingNames(keys, in.Schema),
		Relation: in.Relation,
		cols:     in.cols,
	}
}

func exprKeys(exprs []ast.Expr) []planner.SortKey {
	keys := make([]planner.SortKey, len(exprs))
	for i, e := range exprs {
		keys[i] = planner.SortKey{Expr: e, Column: -1}
	}
	return keys
}

func (o *optimization) sort(x *planner.Sort) ([]*PhysicalPlan, error) {
	ins, err := o.candidates(x.Input)
	if err != nil {
		return nil, err
	}
	schema := x.Schema()
	asc := ascendingNames(x.Keys, schema)
	var out []*PhysicalPlan
	for _, in := range ins {
		if len(asc) == len(x.Keys) && hasPrefix(in.Order, asc) {
			out = append(out, in)
			continue
		}
		out = append(out, o.sortNode(in, x.Keys))
	}
	return out, nil
}

func (o *optimization) aggregate(x *planner.Aggregate) ([]*PhysicalPlan, error) {
	ins, err := o.candidates(x.Input)
	if err != nil {
		return nil, err
	}
	schema := x.Schema()
	width := defaultColumnSize * len(schema)
	nkeys, naggs := len(x.GroupBy), len(x.Aggs)
	var out []*PhysicalPlan
	for _, in := range ins {
		est := o.estimator(in.Schema, in.cols)
		groups := est.groups(x.GroupBy, in.Rows)
		if nkeys == 0 {
			groups = 1
		}
		cols := make([]colEst, len(schema))
		for i := range cols {
			cols[i].ndv = groups
			if i < nkeys {
				if c, ok := est.column(x.GroupBy[i]); ok {
					cols[i] = c
					cols[i].ndv = math.Min(c.ndv, groups)
				}
			}
		}
		node := func(strategy Strategy, child *PhysicalPlan, cost Cost, order []string) *PhysicalPlan {
			return &PhysicalPlan{
				Strategy: strategy,
				Children: []*PhysicalPlan{child},
				Schema:   schema,
				GroupBy:  x.GroupBy,
				Aggs:     x.Aggs,
				Rows:     groups,
				Width:    width,
				Cost:     cost,
				Order:    order,
				cols:     cols,
			}
		}
		out = append(out, node(StrategyHashAggregate, in, o.model.HashAggregate(in.Cost, in.Rows, groups, width, nkeys, naggs), nil))
		if nkeys == 0 {
			continue
		}
		names := make([]string, nkeys)
		for i, g := range x.GroupBy {
			names[i] = orderName(g, in.Schema)
		}
		sorted := in
		order := coveredOrder(in.Order, names)
		if order == nil {
			sorted = o.sortNode(in, exprKeys(x.GroupBy))
			order = names
		}
		out = append(out, node(StrategySortAggregate, sorted, o.model.SortAggregate(sorted.Cost, in.Rows, groups, nkeys, naggs), order))
	}
	return out, nil
}

// coveredOrder returns the leading len(names) entries of order when they
// are a permutation of names, so equal groups are adjacent.
func coveredOrder(order, names []string) []string {
	if len(order) < len(names) {
		return nil
	}
	want := make(map[string]int, len(names))
	for _, n := range names {
		want[strings.ToLower(n)]++
	}
	for _, o := range order[:len(names)] {
		k := strings.ToLower(o)
		if want[k] == 0 {
			return nil
		}
		want[k]--
	}
	return order[:len(names)]
}

func (o *optimization) distinct(x *planner.Distinct) ([]*PhysicalPlan, error) {
	ins, err := o.candidates(x.Input)
	if err != nil {
		return nil, err
	}
	out := make([]*PhysicalPlan, 0, len(ins))
	for _, in := range ins {
		groups := 1.0
		for _, c := range in.cols {
			groups *= math.Max(1, c.ndv)
			if groups >= in.Rows {
				break
			}
		}
		groups = clampRows(math.Min(groups, in.Rows))
		out = append(out, &PhysicalPlan{
			Strategy: StrategyDistinct,
			Children: []*PhysicalPlan{in},
			Schema:   x.Schema(),
			Rows:     groups,
			Width:    in.Width,
			Cost:     o.model.HashAggregate(in.Cost, in.Rows, groups, in.Width, len(in.Schema), 0),
			cols:     capNDV(in.cols, groups),
		})
	}
	return out, nil
}

// union concatenates both inputs; UNION without ALL arrives as a Distinct
// over it.
func (o *optimization) union(x *planner.Union) ([]*PhysicalPlan, error) {
	l, err := o.best(x.Left)
	if err != nil {
		return nil, err
	}
	r, err := o.best(x.Right)
	if err != nil {
		return nil, err
	}
	rows := l.Rows + r.Rows
	cols := make([]colEst, len(x.Schema()))
	for i := range cols {
		cols[i].ndv = rows
		if i < len(l.cols) && i < len(r.cols) {
			cols[i].ndv = math.Min(rows, l.cols[i].ndv+r.cols[i].ndv)
		}
	}
	node := &PhysicalPlan{
		Strategy: StrategyUnion,
		Children: []*PhysicalPlan{l, r},
		Schema:   x.Schema(),
		Rows:     rows,
		Width:    max(l.Width, r.Width),
		Cost:     Cost{Startup: l.Cost.Startup, Total: l.Cost.Total + r.Cost.Total},
		cols:     cols,
	}
	return []*PhysicalPlan{node}, nil
}

// ---- limits ----

// constant evaluates a LIMIT or OFFSET operand for estimation.
func (o *optimization) constant(e ast.Expr) (float64, bool) {
	if e == nil {
		return 0, false
	}
	v, ok := o.estimator(nil, nil).constant(e)
	if !ok {
		return 0, false
	}
	if n, ok := v.Int(); ok {
		return float64(max(n, 0)), true
	}
	return 0, false
}

func (o *optimization) limit(x *planner.Limit) ([]*PhysicalPlan, error) {
	ins, err := o.candidates(x.Input)
	if err != nil {
		return nil, err
	}
	count, hasCount := o.constant(x.Count)
	offset, _ := o.constant(x.Offset)
	var out []*PhysicalPlan
	for _, in := range ins {
		out = append(out, o.limitNode(x, in, count, hasCount, offset))
		if x.Count == nil {
			continue
		}
		n := in.Rows
		if hasCount {
			n = math.Min(in.Rows, count+offset)
		}
		if top := o.topN(in, x, n); top != nil {
			out = append(out, o.limitNode(x, top, count, hasCount, offset))
		}
	}
	return out, nil
}

func (o *optimization) limitNode(x *planner.Limit, in *PhysicalPlan, count float64, hasCount bool, offset float64) *PhysicalPlan {
	rows := math.Max(in.Rows-offset, 0)
	if hasCount {
		rows = math.Min(rows, count)
	}
	rows = clampRows(rows)
	frac := 1.0
	if in.Rows > 0 {
		frac = math.Min(1, (rows+offset)/in.Rows)
	}
	return &PhysicalPlan{
		Strategy: StrategyLimit,
		Children: []*PhysicalPlan{in},
		Schema:   in.Schema,
		Count:    x.Count,
		Offset:   x.Offset,
		Rows:     rows,
		Width:    in.Width,
		Cost:     Cost{Startup: in.Cost.Startup, Total: in.Cost.Startup + (in.Cost.Total-in.Cost.Startup)*frac},
		Order:    in.Order,
		cols:     capNDV(in.cols, rows),
	}
}

// topN replaces a full sort under a limit, possibly below a projection, by
// a bounded heap.
func (o *optimization) topN(in *PhysicalPlan, x *planner.Limit, n float64) *PhysicalPlan {
	switch in.Strategy {
	case StrategySort, StrategyExternalSort:
		child := in.Children[0]
		return &PhysicalPlan{
			Strategy: StrategyTopN,
			Children: []*PhysicalPlan{child},
			Schema:   in.Schema,
			Keys:     in.Keys,
			Count:    x.Count,
			Offset:   x.Offset,
			Rows:     clampRows(n),
			Width:    in.Width,
			Cost:     o.model.TopN(child.Cost, child.Rows, n, len(in.Keys)),
			Order:    in.Order,
			Relation: in.Relation,
			cols:     capNDV(in.cols, n),
		}
	case StrategyProject:
		top := o.topN(in.Children[0], x, n)
		if top == nil {
			return nil
		}
		p := o.projectNode(top, in.Exprs, in.Names, in.Schema)
		p.Relation = in.Relation
		return p
	}
	return nil
}

// ---- CTEs ----

func (o *optimization) with(x *planner.With) ([]*PhysicalPlan, error) {
	var (
		ctes     []*CTE
		children []*PhysicalPlan
		cost     float64
	)
	for _, c := range x.CTEs {
		pc := &CTE{Name: c.Name, Body: c.Body, Tables: c.Tables, Schema: c.Schema(), UnionAll: c.UnionAll}
		if c.Recursive() {
			base, err := o.best(c.Base)
			if err != nil {
				return nil, err
			}
			o.cteRows[c.Body] = base.Rows
			step, err := o.best(c.Step)
			if err != nil {
				return nil, err
			}
			pc.Base, pc.Step = base, step
			o.cteRows[c.Body] = base.Rows + step.Rows*recursiveIterations
			cost += base.Cost.Total + step.Cost.Total*recursiveIterations
			children = append(children, base, step)
		} else {
			plan, err := o.best(c.Plan)
			if err != nil {
				return nil, err
			}
			pc.Plan = plan
			o.cteRows[c.Body] = plan.Rows
			cost += plan.Cost.Total
			children = append(children, plan)
		}
		ctes = append(ctes, pc)
	}
	ins, err := o.candidates(x.Input)
	if err != nil {
		return nil, err
	}
	out := make([]*PhysicalPlan, 0, len(ins))
	for _, in := range ins {
		out = append(out, &PhysicalPlan{
			Strategy: StrategyWith,
			Children: append(append([]*PhysicalPlan(nil), children...), in),
			Schema:   in.Schema,
			CTEs:     ctes,
			Rows:     in.Rows,
			Width:    in.Width,
			Cost:     Cost{Startup: cost + in.Cost.Startup, Total: cost + in.Cost.Total},
			Order:    in.Order,
			cols:     in.cols,
		})
	}
	return out, nil
}

// Equivalent reports whether next computes the same operators as prev, a
// MaterializedScan in next standing for the prev subtree of its relation.
func Equivalent(prev, next *PhysicalPlan) bool {
	if next.Strategy == StrategyMaterializedScan && prev.Relation == next.Relation {
		return true
	}
	if prev.String() != next.String() || len(prev.Children) != len(next.Children) {
		return false
	}
	for i := range prev.Children {
		if !Equivalent(prev.Children[i], next.Children[i]) {
			return false
		}
	}
	return true
}
