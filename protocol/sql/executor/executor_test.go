package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guileen/querycore/catalog"
	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/metrics"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/protocol/sql/optimizer"
	"github.com/guileen/querycore/protocol/sql/parser"
	"github.com/guileen/querycore/protocol/sql/planner"
	"github.com/guileen/querycore/storage/memstore"
	"github.com/guileen/querycore/storage/spill"
	"github.com/guileen/querycore/types"
)

type fixture struct {
	store *memstore.Store
	cat   *catalog.MemoryCatalog
	opt   *optimizer.Optimizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: memstore.New(), cat: catalog.NewMemoryCatalog()}
	f.opt = optimizer.New(nil, nil, f.store)
	add := func(name string, cols []string, rows []types.Row) {
		def := &types.TableDefinition{Name: name}
		for _, c := range cols {
			typ := types.ColumnTypeBigInt
			if c == "w" {
				typ = types.ColumnTypeText
			}
			def.Columns = append(def.Columns, types.ColumnDefinition{Name: c, Type: typ, Nullable: true})
		}
		require.NoError(t, f.cat.CreateTable(ctx, def))
		require.NoError(t, f.store.CreateTable(ctx, def))
		_, err := f.store.Insert(ctx, name, rows)
		require.NoError(t, err)
	}
	var l, r []types.Row
	for id := int64(1); id <= 200; id++ {
		l = append(l, types.Row{types.NewInt(id), types.NewInt(id % 17)})
	}
	for id := int64(1); id <= 150; id++ {
		r = append(r, types.Row{types.NewInt(id), types.NewText(fmt.Sprintf("w%d", id))})
	}
	add("l", []string{"id", "k"}, l)
	add("r", []string{"id", "w"}, r)
	return f
}

func (f *fixture) plan(t *testing.T, sql string) (planner.Node, *optimizer.PhysicalPlan) {
	t.Helper()
	stmts, err := parser.Parse(sql)
	require.NoError(t, err)
	n, err := planner.Plan(context.Background(), stmts[0], f.cat)
	require.NoError(t, err)
	logical := planner.Rewrite(n)
	p, err := f.opt.Optimize(context.Background(), logical, nil)
	require.NoError(t, err)
	return logical, p
}

func (f *fixture) scan(name, relation string, rows float64) *optimizer.PhysicalPlan {
	def, err := f.cat.GetTableDefinition(context.Background(), name)
	if err != nil {
		panic(err)
	}
	return &optimizer.PhysicalPlan{
		Strategy: optimizer.StrategySeqScan,
		Table:    name,
		Def:      def,
		Schema:   expr.FromTable(def, ""),
		Relation: relation,
		Rows:     rows,
	}
}

func rendered(rows []types.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.String()
	}
	sort.Strings(out)
	return out
}

func TestExecuteReturnsRows(t *testing.T) {
	f := newFixture(t)
	e := New(DefaultOptions(), Deps{Storage: f.store})
	_, p := f.plan(t, "SELECT id FROM l WHERE k = 3")
	res, err := e.Execute(context.Background(), p, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, res.Columns)
	assert.EqualValues(t, 12, res.Count)
	assert.False(t, res.Truncated)
	assert.Zero(t, e.Memory().Used())
}

func TestResultTruncation(t *testing.T) {
	f := newFixture(t)
	m := metrics.New()
	opts := DefaultOptions()
	opts.MaxResultRows = 50
	e := New(opts, Deps{Storage: f.store, Metrics: m})
	_, p := f.plan(t, "SELECT id FROM l")
	res, err := e.Execute(context.Background(), p, nil)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 50)
	assert.EqualValues(t, 50, res.Count)
	assert.True(t, res.Truncated)
	assert.NotEmpty(t, res.Warnings)
}

func TestResultAtExactlyTheCapIsNotTruncated(t *testing.T) {
	f := newFixture(t)
	opts := DefaultOptions()
	opts.MaxResultRows = 200
	e := New(opts, Deps{Storage: f.store})
	_, p := f.plan(t, "SELECT id FROM l")
	res, err := e.Execute(context.Background(), p, nil)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 200)
	assert.False(t, res.Truncated)
}

func TestCancelledQuery(t *testing.T) {
	f := newFixture(t)
	e := New(DefaultOptions(), Deps{Storage: f.store})
	_, p := f.plan(t, "SELECT id FROM l ORDER BY k")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Execute(ctx, p, nil)
	require.Error(t, err)
	assert.True(t, qerrors.IsCancelledError(err), "%v", err)
	assert.Zero(t, e.Memory().Used())
}

func TestErrorAfterRowsIsPartial(t *testing.T) {
	f := newFixture(t)
	e := New(DefaultOptions(), Deps{Storage: f.store})
	_, p := f.plan(t, "SELECT 10 / (id - 50) FROM l")
	_, err := e.Execute(context.Background(), p, nil)
	require.Error(t, err)
	var qe *qerrors.QueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, qerrors.ErrCodeDivisionByZero, qe.Code)
	assert.True(t, qe.Partial)
}

func TestSpillIsRemovedAfterQuery(t *testing.T) {
	f := newFixture(t)
	store, err := spill.Open(t.TempDir(), 0)
	require.NoError(t, err)
	defer store.Close()

	m := metrics.New()
	opts := DefaultOptions()
	opts.WorkMem = 2048
	e := New(opts, Deps{Storage: f.store, Spill: store, Metrics: m})
	_, p := f.plan(t, "SELECT id, k FROM l ORDER BY k DESC, id")
	out, err := e.Run(context.Background(), &Query{Plan: p})
	require.NoError(t, err)

	require.Len(t, out.Result.Rows, 200)
	assert.Equal(t, "(16, 16)", out.Result.Rows[0].String())
	assert.Greater(t, out.SpilledRows, int64(0))
	assert.Greater(t, out.Memory.Refusals, uint64(0))
	assert.Zero(t, store.Used())
	assert.Zero(t, e.Memory().Used())
}

func TestAnalyzeCollectsActuals(t *testing.T) {
	f := newFixture(t)
	e := New(DefaultOptions(), Deps{Storage: f.store})
	_, p := f.plan(t, "SELECT id FROM l WHERE id <= 10")
	out, err := e.Run(context.Background(), &Query{Plan: p, Analyze: true})
	require.NoError(t, err)
	require.NotNil(t, out.Actual)
	assert.EqualValues(t, 10, out.Actual[out.Plan].Rows)
}

// misestimated is a valid plan for the join below whose build side claims a
// single row, so the first pipeline breaker reports a large divergence.
func misestimated(f *fixture) *optimizer.PhysicalPlan {
	l, r := f.scan("l", "", 200), f.scan("r", "scan r (misestimated)", 1)
	join := &optimizer.PhysicalPlan{
		Strategy:  optimizer.StrategyHashJoin,
		Children:  []*optimizer.PhysicalPlan{l, r},
		Schema:    l.Schema.Concat(r.Schema),
		JoinKind:  ast.JoinInner,
		LeftKeys:  []ast.Expr{&ast.ColumnRef{Table: "l", Name: "id"}},
		RightKeys: []ast.Expr{&ast.ColumnRef{Table: "r", Name: "id"}},
		Rows:      1,
	}
	return &optimizer.PhysicalPlan{
		Strategy: optimizer.StrategyFilter,
		Children: []*optimizer.PhysicalPlan{join},
		Schema:   join.Schema,
		Filter:   &ast.Literal{Value: types.NewBool(true)},
		Rows:     1,
	}
}

func TestAdaptiveReplan(t *testing.T) {
	f := newFixture(t)
	m := metrics.New()
	opts := DefaultOptions()
	opts.Adaptive = true
	e := New(opts, Deps{Storage: f.store, Optimizer: f.opt, Metrics: m})

	logical, best := f.plan(t, "SELECT l.id, r.w FROM l JOIN r ON l.id = r.id")
	want, err := e.Execute(context.Background(), best, nil)
	require.NoError(t, err)
	require.EqualValues(t, 150, want.Count)

	out, err := e.Run(context.Background(), &Query{Logical: logical, Plan: misestimated(f)})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Result.Replans)
	assert.NotSame(t, out.Plan, best)
	assert.Equal(t, []string{"id", "w"}, out.Result.Columns)
	assert.Equal(t, rendered(want.Rows), rendered(out.Result.Rows))
	assert.Zero(t, e.Memory().Used())
}

func TestAdaptiveDisabledRunsPlanAsIs(t *testing.T) {
	f := newFixture(t)
	e := New(DefaultOptions(), Deps{Storage: f.store, Optimizer: f.opt})
	logical, _ := f.plan(t, "SELECT l.id, r.w FROM l JOIN r ON l.id = r.id")
	out, err := e.Run(context.Background(), &Query{Logical: logical, Plan: misestimated(f)})
	require.NoError(t, err)
	assert.Zero(t, out.Result.Replans)
	assert.EqualValues(t, 150, out.Result.Count)
	assert.Len(t, out.Result.Columns, 4)
}

func TestObserverIgnoresSmallDivergence(t *testing.T) {
	f := newFixture(t)
	opts := DefaultOptions()
	opts.Adaptive = true
	e := New(opts, Deps{Storage: f.store, Optimizer: f.opt})
	logical, p := f.plan(t, "SELECT l.id, r.w FROM l JOIN r ON l.id = r.id")
	fb := optimizer.Feedback{}
	observe := e.observer(&Query{Logical: logical}, p, fb)

	input := f.scan("r", "scan r", 100)
	require.NoError(t, observe(context.Background(), input, nil, 150))
	assert.Empty(t, fb)

	input.Relation = ""
	require.NoError(t, observe(context.Background(), input, nil, 100000))
	assert.Empty(t, fb)
}

func TestMemoryBudgetHierarchy(t *testing.T) {
	root := NewMemoryBudget("engine", 1000)
	a := root.Child("a", 600)
	b := root.Child("b", 600)

	assert.True(t, a.Reserve(500))
	assert.False(t, a.Reserve(200), "child limit")
	assert.True(t, b.Reserve(400))
	assert.False(t, b.Reserve(200), "parent limit")
	assert.EqualValues(t, 900, root.Used())

	b.Force(300)
	assert.EqualValues(t, 1200, root.Used())
	b.Release(700)
	a.Release(500)
	assert.Zero(t, root.Used())
	assert.EqualValues(t, 1200, root.Stats().Peak)
	assert.EqualValues(t, 1, a.Stats().Refusals)
	assert.EqualValues(t, 1, b.Stats().Refusals)
}

func TestClassifyGivesEveryErrorAKind(t *testing.T) {
	err := classify(fmt.Errorf("sort run: %w", spill.ErrSpillExhausted))
	assert.Equal(t, qerrors.KindResource, qerrors.KindOf(err))
	assert.ErrorIs(t, err, spill.ErrSpillExhausted)

	assert.Equal(t, qerrors.KindCancelled, qerrors.KindOf(classify(context.Canceled)))
	assert.Equal(t, qerrors.KindExecution, qerrors.KindOf(classify(errors.New("disk on fire"))))

	div := qerrors.NewExecutionError("eval", "division by zero")
	assert.Same(t, div, classify(div))
}
