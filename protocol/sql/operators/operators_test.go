package operators

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guileen/querycore/catalog"
	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/cte"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/protocol/sql/optimizer"
	"github.com/guileen/querycore/protocol/sql/parser"
	"github.com/guileen/querycore/protocol/sql/planner"
	"github.com/guileen/querycore/storage/memstore"
	"github.com/guileen/querycore/storage/spill"
	"github.com/guileen/querycore/types"
	"github.com/guileen/querycore/workpool"
)

// capped is a fixed-size budget that refuses once full.
type capped struct {
	limit, used int64
}

func (b *capped) Reserve(n int64) bool {
	if b.used+n > b.limit {
		return false
	}
	b.used += n
	return true
}
func (b *capped) Release(n int64) { b.used -= n }
func (b *capped) Force(n int64)   { b.used += n }

func tableDef(name string, cols ...string) *types.TableDefinition {
	def := &types.TableDefinition{Name: name}
	for _, c := range cols {
		typ := types.ColumnTypeBigInt
		if c == "v" || c == "w" {
			typ = types.ColumnTypeText
		}
		def.Columns = append(def.Columns, types.ColumnDefinition{Name: c, Type: typ, Nullable: true})
	}
	return def
}

type fixture struct {
	store *memstore.Store
	cat   *catalog.MemoryCatalog
	defs  map[string]*types.TableDefinition
	data  map[string][]types.Row
}

func keyOrNull(id, mod, nullEvery int64) types.Value {
	if id%nullEvery == 0 {
		return types.Null()
	}
	return types.NewInt(id % mod)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store: memstore.New(),
		cat:   catalog.NewMemoryCatalog(),
		defs:  make(map[string]*types.TableDefinition),
		data:  make(map[string][]types.Row),
	}
	add := func(def *types.TableDefinition, rows []types.Row) {
		require.NoError(t, f.cat.CreateTable(ctx, def))
		require.NoError(t, f.store.CreateTable(ctx, def))
		if len(rows) > 0 {
			_, err := f.store.Insert(ctx, def.Name, rows)
			require.NoError(t, err)
		}
		f.defs[def.Name] = def
		f.data[def.Name] = rows
	}

	var l, r, d, edges []types.Row
	for id := int64(1); id <= 200; id++ {
		l = append(l, types.Row{types.NewInt(id), keyOrNull(id, 17, 25), types.NewText(fmt.Sprintf("v%03d", id%40))})
	}
	for id := int64(1); id <= 150; id++ {
		r = append(r, types.Row{types.NewInt(id), keyOrNull(id, 13, 20), types.NewText(fmt.Sprintf("w%d", id))})
	}
	for i := int64(0); i < 300; i++ {
		d = append(d, types.Row{types.NewInt(i % 37), types.NewInt(i % 5)})
	}
	for _, e := range [][2]int64{{1, 2}, {2, 3}, {3, 1}, {4, 5}} {
		edges = append(edges, types.Row{types.NewInt(e[0]), types.NewInt(e[1])})
	}
	add(tableDef("l", "id", "k", "v"), l)
	add(tableDef("r", "id", "k", "w"), r)
	add(tableDef("d", "a", "b"), d)
	add(tableDef("e", "id", "k", "v"), nil)
	add(tableDef("edges", "src", "dst"), edges)
	return f
}

func (f *fixture) scan(name string) *optimizer.PhysicalPlan {
	def := f.defs[name]
	return &optimizer.PhysicalPlan{
		Strategy: optimizer.StrategySeqScan,
		Table:    def.Name,
		Def:      def,
		Schema:   expr.FromTable(def, ""),
	}
}

func col(table, name string) *ast.ColumnRef { return &ast.ColumnRef{Table: table, Name: name} }

func lit(v int64) *ast.Literal { return &ast.Literal{Value: types.NewInt(v)} }

func newEnv(f *fixture) *Env {
	return &Env{Storage: f.store, Eval: expr.NewEvalContext(nil)}
}

// spilling returns an env whose budget is too small for any operator to
// stay in memory.
func spilling(t *testing.T, f *fixture, limit int64) (*Env, *spill.Manager) {
	t.Helper()
	store, err := spill.Open("", 0)
	require.NoError(t, err)
	m := store.NewManager(t.Name())
	t.Cleanup(func() {
		assert.NoError(t, m.Cleanup())
		assert.NoError(t, store.Close())
	})
	env := newEnv(f)
	env.Budget = &capped{limit: limit}
	env.Spill = m
	env.HashPartitions = 4
	return env, m
}

func collect(t *testing.T, env *Env, p *optimizer.PhysicalPlan) []types.Row {
	t.Helper()
	rows, err := Collect(context.Background(), env, p)
	require.NoError(t, err)
	return rows
}

func multiset(rows []types.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.String()
	}
	sort.Strings(out)
	return out
}

func joinNode(strategy optimizer.Strategy, kind ast.JoinKind, left, right *optimizer.PhysicalPlan) *optimizer.PhysicalPlan {
	n := &optimizer.PhysicalPlan{
		Strategy: strategy,
		Children: []*optimizer.PhysicalPlan{left, right},
		Schema:   left.Schema.Concat(right.Schema),
		JoinKind: kind,
	}
	lk, rk := col(left.Table, "k"), col(right.Table, "k")
	if strategy == optimizer.StrategyNestedLoop {
		n.Filter = &ast.BinaryExpr{Op: "=", Left: lk, Right: rk}
	} else {
		n.LeftKeys, n.RightKeys = []ast.Expr{lk}, []ast.Expr{rk}
	}
	return n
}

func sorted(in *optimizer.PhysicalPlan, keys ...planner.SortKey) *optimizer.PhysicalPlan {
	return &optimizer.PhysicalPlan{
		Strategy: optimizer.StrategySort,
		Children: []*optimizer.PhysicalPlan{in},
		Schema:   in.Schema,
		Keys:     keys,
	}
}

// referenceJoin joins stored rows of l and r on k with plain loops.
func referenceJoin(f *fixture, kind ast.JoinKind) []types.Row {
	left, right := f.data["l"], f.data["r"]
	var out []types.Row
	rightMatched := make([]bool, len(right))
	for _, lr := range left {
		matched := false
		for j, rr := range right {
			if types.Equal(lr[1], rr[1]) {
				out = append(out, types.Concat(lr, rr))
				matched = true
				rightMatched[j] = true
			}
		}
		if !matched && (kind == ast.JoinLeft || kind == ast.JoinFull) {
			out = append(out, types.Concat(lr, types.NullRow(3)))
		}
	}
	if kind == ast.JoinRight || kind == ast.JoinFull {
		for j, rr := range right {
			if !rightMatched[j] {
				out = append(out, types.Concat(types.NullRow(3), rr))
			}
		}
	}
	return out
}

func TestJoinStrategiesAgree(t *testing.T) {
	f := newFixture(t)
	want := multiset(referenceJoin(f, ast.JoinInner))
	require.NotEmpty(t, want)

	key := func(table string) planner.SortKey { return planner.SortKey{Expr: col(table, "k"), Column: -1} }
	cases := map[string]*optimizer.PhysicalPlan{
		"nested loop":    joinNode(optimizer.StrategyNestedLoop, ast.JoinInner, f.scan("l"), f.scan("r")),
		"hash":           joinNode(optimizer.StrategyHashJoin, ast.JoinInner, f.scan("l"), f.scan("r")),
		"merge":          joinNode(optimizer.StrategyMergeJoin, ast.JoinInner, sorted(f.scan("l"), key("l")), sorted(f.scan("r"), key("r"))),
		"merge unsorted": joinNode(optimizer.StrategyMergeJoin, ast.JoinInner, f.scan("l"), f.scan("r")),
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, want, multiset(collect(t, newEnv(f), p)))
		})
		t.Run(name+" spilled", func(t *testing.T) {
			env, _ := spilling(t, f, 512)
			assert.Equal(t, want, multiset(collect(t, env, p)))
		})
	}
}

func TestOuterJoins(t *testing.T) {
	f := newFixture(t)
	for _, kind := range []ast.JoinKind{ast.JoinLeft, ast.JoinRight, ast.JoinFull} {
		want := multiset(referenceJoin(f, kind))
		for _, strategy := range []optimizer.Strategy{optimizer.StrategyNestedLoop, optimizer.StrategyHashJoin} {
			p := joinNode(strategy, kind, f.scan("l"), f.scan("r"))
			t.Run(fmt.Sprintf("%s %s", kind, strategy), func(t *testing.T) {
				assert.Equal(t, want, multiset(collect(t, newEnv(f), p)))
			})
			t.Run(fmt.Sprintf("%s %s spilled", kind, strategy), func(t *testing.T) {
				env, m := spilling(t, f, 512)
				assert.Equal(t, want, multiset(collect(t, env, p)))
				assert.Positive(t, m.SpilledRows())
			})
		}
	}
}

func TestParallelScanAndBuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := tableDef("big", "id", "k")
	require.NoError(t, f.store.CreateTable(ctx, def))
	rows := make([]types.Row, 5000)
	for i := range rows {
		rows[i] = types.Row{types.NewInt(int64(i)), types.NewInt(int64(i % 50))}
	}
	_, err := f.store.Insert(ctx, "big", rows)
	require.NoError(t, err)
	f.defs["big"] = def

	p := joinNode(optimizer.StrategyHashJoin, ast.JoinInner, f.scan("l"), f.scan("big"))
	serial := collect(t, newEnv(f), p)

	env := newEnv(f)
	env.Parallelism = 4
	env.Pool = workpool.New(4)
	parallel := collect(t, env, p)
	assert.Equal(t, multiset(serial), multiset(parallel))
	assert.Positive(t, env.Pool.Metrics().Executed)

	all := collect(t, env, f.scan("big"))
	assert.Len(t, all, 5000)
}

func TestParallelBuildKeepsNullKeyedRowsForOuterJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := tableDef("bign", "id", "k")
	require.NoError(t, f.store.CreateTable(ctx, def))
	rows := make([]types.Row, 5000)
	for i := range rows {
		rows[i] = types.Row{types.NewInt(int64(i)), keyOrNull(int64(i), 50, 10)}
	}
	_, err := f.store.Insert(ctx, "bign", rows)
	require.NoError(t, err)
	f.defs["bign"] = def

	p := joinNode(optimizer.StrategyHashJoin, ast.JoinFull, f.scan("l"), f.scan("bign"))
	serial := collect(t, newEnv(f), p)

	env := newEnv(f)
	env.Parallelism = 4
	env.Pool = workpool.New(4)
	parallel := collect(t, env, p)
	assert.Equal(t, multiset(serial), multiset(parallel))

	unmatchedNulls := 0
	for _, r := range parallel {
		if r[0].IsNull() && r[4].IsNull() {
			unmatchedNulls++
		}
	}
	assert.Equal(t, 500, unmatchedNulls)
}

func sortPlan(f *fixture) *optimizer.PhysicalPlan {
	return sorted(f.scan("l"),
		planner.SortKey{Expr: col("l", "k"), Column: -1, Desc: true, NullsFirst: true},
		planner.SortKey{Column: 0},
	)
}

func TestExternalSortMatchesInMemory(t *testing.T) {
	f := newFixture(t)
	p := sortPlan(f)
	inMemory := collect(t, newEnv(f), p)
	require.Len(t, inMemory, 200)
	assert.True(t, inMemory[0][1].IsNull())
	assert.Equal(t, "25", inMemory[0][0].String())
	for i := 9; i < len(inMemory); i++ {
		prev, cur := inMemory[i-1], inMemory[i]
		c := types.SortCompare(prev[1], cur[1])
		assert.True(t, c > 0 || (c == 0 && types.SortCompare(prev[0], cur[0]) < 0), "rows %d and %d out of order", i-1, i)
	}

	env, m := spilling(t, f, 2048)
	external := collect(t, env, p)
	assert.Equal(t, inMemory, external)
	assert.Positive(t, m.SpilledRows())
}

func TestTopNAndLimit(t *testing.T) {
	f := newFixture(t)
	top := &optimizer.PhysicalPlan{
		Strategy: optimizer.StrategyTopN,
		Children: []*optimizer.PhysicalPlan{f.scan("l")},
		Schema:   f.scan("l").Schema,
		Keys:     []planner.SortKey{{Column: 0, Desc: true, NullsFirst: true}},
		Count:    lit(5),
		Offset:   lit(2),
	}
	rows := collect(t, newEnv(f), top)
	require.Len(t, rows, 7)
	assert.Equal(t, "200", rows[0][0].String())

	limit := &optimizer.PhysicalPlan{
		Strategy: optimizer.StrategyLimit,
		Children: []*optimizer.PhysicalPlan{top},
		Schema:   top.Schema,
		Count:    lit(5),
		Offset:   lit(2),
	}
	rows = collect(t, newEnv(f), limit)
	var ids []string
	for _, r := range rows {
		ids = append(ids, r[0].String())
	}
	assert.Equal(t, []string{"198", "197", "196", "195", "194"}, ids)

	zero := &optimizer.PhysicalPlan{Strategy: optimizer.StrategyLimit, Children: []*optimizer.PhysicalPlan{f.scan("l")}, Schema: top.Schema, Count: lit(0)}
	assert.Empty(t, collect(t, newEnv(f), zero))

	bad := &optimizer.PhysicalPlan{Strategy: optimizer.StrategyLimit, Children: []*optimizer.PhysicalPlan{f.scan("l")}, Schema: top.Schema, Count: lit(-1)}
	_, err := Collect(context.Background(), newEnv(f), bad)
	assert.True(t, qerrors.IsExecutionError(err))
}

func aggregatePlan(f *fixture, strategy optimizer.Strategy, table string, groupBy bool) *optimizer.PhysicalPlan {
	in := f.scan(table)
	n := &optimizer.PhysicalPlan{
		Strategy: strategy,
		Aggs: []*ast.FuncCall{
			{Name: "count", Star: true},
			{Name: "sum", Args: []ast.Expr{col(table, "id")}},
			{Name: "avg", Args: []ast.Expr{col(table, "id")}},
			{Name: "min", Args: []ast.Expr{col(table, "v")}},
			{Name: "max", Args: []ast.Expr{col(table, "v")}},
			{Name: "count", Args: []ast.Expr{col(table, "v")}, Distinct: true},
		},
	}
	if groupBy {
		n.GroupBy = []ast.Expr{col(table, "k")}
		if strategy == optimizer.StrategySortAggregate {
			in = sorted(in, planner.SortKey{Expr: col(table, "k"), Column: -1})
		}
	}
	n.Children = []*optimizer.PhysicalPlan{in}
	return n
}

func TestAggregation(t *testing.T) {
	f := newFixture(t)
	hashed := collect(t, newEnv(f), aggregatePlan(f, optimizer.StrategyHashAggregate, "l", true))
	require.Len(t, hashed, 18)

	var nullGroup types.Row
	for _, r := range hashed {
		if r[0].IsNull() {
			nullGroup = r
		}
	}
	require.NotNil(t, nullGroup)
	assert.Equal(t, "8", nullGroup[1].String())
	assert.Equal(t, "900", nullGroup[2].String())
	avg, _ := nullGroup[3].Float()
	assert.InDelta(t, 112.5, avg, 1e-9)
	assert.Equal(t, "v000", nullGroup[4].String())
	assert.Equal(t, "v035", nullGroup[5].String())
	assert.Equal(t, "8", nullGroup[6].String())

	want := multiset(hashed)
	streamed := collect(t, newEnv(f), aggregatePlan(f, optimizer.StrategySortAggregate, "l", true))
	assert.Equal(t, want, multiset(streamed))

	env, m := spilling(t, f, 2000)
	spilled := collect(t, env, aggregatePlan(f, optimizer.StrategyHashAggregate, "l", true))
	assert.Equal(t, want, multiset(spilled))
	assert.Positive(t, m.SpilledRows())
}

func TestAggregateWithoutGroupsOnEmptyInput(t *testing.T) {
	f := newFixture(t)
	for _, strategy := range []optimizer.Strategy{optimizer.StrategyHashAggregate, optimizer.StrategySortAggregate} {
		rows := collect(t, newEnv(f), aggregatePlan(f, strategy, "e", false))
		require.Len(t, rows, 1, strategy)
		assert.Equal(t, "0", rows[0][0].String())
		for _, v := range rows[0][1:5] {
			assert.True(t, v.IsNull())
		}
		assert.Equal(t, "0", rows[0][5].String())
	}
	grouped := collect(t, newEnv(f), aggregatePlan(f, optimizer.StrategyHashAggregate, "e", true))
	assert.Empty(t, grouped)
}

func TestDistinct(t *testing.T) {
	f := newFixture(t)
	p := &optimizer.PhysicalPlan{
		Strategy: optimizer.StrategyDistinct,
		Children: []*optimizer.PhysicalPlan{f.scan("d")},
		Schema:   f.scan("d").Schema,
	}
	rows := collect(t, newEnv(f), p)
	// (i%37, i%5) repeats with period 185.
	assert.Len(t, rows, 185)

	env, m := spilling(t, f, 1024)
	spilled := collect(t, env, p)
	assert.Equal(t, multiset(rows), multiset(spilled))
	assert.Positive(t, m.SpilledRows())
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := &optimizer.PhysicalPlan{Strategy: optimizer.StrategyValues, Values: [][]ast.Expr{{lit(1)}, {lit(2)}}}
	o, err := Build(newEnv(f), p)
	require.NoError(t, err)
	tr := o.(*tracked)

	_, err = o.Next(ctx)
	require.Error(t, err)
	assert.Equal(t, StateError, tr.State())

	o, err = Build(newEnv(f), p)
	require.NoError(t, err)
	tr = o.(*tracked)
	assert.Equal(t, StatePending, tr.State())
	require.NoError(t, o.Open(ctx))
	assert.Equal(t, StateOpen, tr.State())
	assert.Error(t, o.Open(ctx))

	o, _ = Build(newEnv(f), p)
	tr = o.(*tracked)
	require.NoError(t, o.Open(ctx))
	rows, err := drain(ctx, o)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, StateExhausted, tr.State())
	_, err = o.Next(ctx)
	assert.Equal(t, EOF, err)
	assert.NoError(t, o.Close())
	assert.NoError(t, o.Close())
}

func TestCancellationStopsScan(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	o, err := Build(newEnv(f), f.scan("l"))
	require.NoError(t, err)
	require.NoError(t, o.Open(ctx))
	_, err = o.Next(ctx)
	require.NoError(t, err)
	cancel()
	_, err = o.Next(ctx)
	assert.True(t, qerrors.IsCancelledError(err), "%v", err)
	assert.NoError(t, o.Close())
}

func TestProfileCountsRows(t *testing.T) {
	f := newFixture(t)
	env := newEnv(f)
	env.Profile = NewProfile()
	scan := f.scan("l")
	filter := &optimizer.PhysicalPlan{
		Strategy: optimizer.StrategyFilter,
		Children: []*optimizer.PhysicalPlan{scan},
		Schema:   scan.Schema,
		Filter:   &ast.BinaryExpr{Op: "<=", Left: col("l", "id"), Right: lit(10)},
	}
	rows := collect(t, env, filter)
	assert.Len(t, rows, 10)
	actual := env.Profile.Actual()
	assert.Equal(t, int64(200), actual[scan].Rows)
	assert.Equal(t, int64(10), actual[filter].Rows)
}

func planSQL(t *testing.T, f *fixture, sql string) *optimizer.PhysicalPlan {
	t.Helper()
	stmts, err := parser.Parse(sql)
	require.NoError(t, err)
	n, err := planner.Plan(context.Background(), stmts[0], f.cat)
	require.NoError(t, err)
	p, err := optimizer.New(nil, nil, f.store).Optimize(context.Background(), planner.Rewrite(n), nil)
	require.NoError(t, err)
	return p
}

func TestRecursiveCTE(t *testing.T) {
	f := newFixture(t)
	env := newEnv(f)
	env.CTEs = cte.NewContext(cte.NewStore(8))
	rows := collect(t, env, planSQL(t, f, "WITH RECURSIVE r(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM r WHERE n < 10) SELECT n FROM r"))
	require.Len(t, rows, 10)
	assert.Equal(t, "10", rows[9][0].String())
}

func TestRecursiveCTEOnCycleTerminates(t *testing.T) {
	f := newFixture(t)
	env := newEnv(f)
	env.CTEs = cte.NewContext(nil)
	env.MaxRecursiveIterations = 100
	rows := collect(t, env, planSQL(t, f,
		"WITH RECURSIVE reach(x) AS (SELECT 1 UNION SELECT edges.dst FROM reach JOIN edges ON edges.src = reach.x) SELECT x FROM reach"))
	assert.Equal(t, []string{"(1)", "(2)", "(3)"}, multiset(rows))
	assert.False(t, env.CTEs.Truncated())
}

func TestRecursiveCTEIterationBound(t *testing.T) {
	f := newFixture(t)
	env := newEnv(f)
	env.CTEs = cte.NewContext(nil)
	env.MaxRecursiveIterations = 5
	rows := collect(t, env, planSQL(t, f, "WITH RECURSIVE r(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM r) SELECT n FROM r"))
	assert.Len(t, rows, 6)
	assert.True(t, env.CTEs.Truncated())
	require.Len(t, env.CTEs.Warnings(), 1)
}
