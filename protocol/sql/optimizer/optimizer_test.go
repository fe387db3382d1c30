package optimizer

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guileen/querycore/catalog"
	"github.com/guileen/querycore/protocol/sql/parser"
	"github.com/guileen/querycore/protocol/sql/planner"
	"github.com/guileen/querycore/storage"
	"github.com/guileen/querycore/types"
)

type sizes map[string]storage.TableSize

func (s sizes) TableSize(_ context.Context, table string) (storage.TableSize, error) {
	if sz, ok := s[strings.ToLower(table)]; ok {
		return sz, nil
	}
	return storage.TableSize{}, storage.ErrTableNotFound
}

func table(name string, cols ...string) *types.TableDefinition {
	def := &types.TableDefinition{Name: name}
	for _, c := range cols {
		parts := strings.Fields(c)
		typ := types.ColumnTypeBigInt
		if len(parts) > 1 {
			typ, _ = types.ParseColumnType(parts[1])
		}
		def.Columns = append(def.Columns, types.ColumnDefinition{Name: parts[0], Type: typ, Nullable: true})
	}
	return def
}

func testCatalog(t *testing.T) *catalog.MemoryCatalog {
	t.Helper()
	users := table("users", "id", "name text", "age")
	users.Indexes = []types.IndexDefinition{{Name: "users_age", Columns: []string{"age"}}}
	cat := catalog.NewMemoryCatalog()
	for _, def := range []*types.TableDefinition{
		users,
		table("orders", "id", "customer_id", "total double"),
		table("customers", "id", "name text", "region text"),
		table("a", "id", "x", "z"),
		table("b", "a_id", "x", "y"),
	} {
		require.NoError(t, cat.CreateTable(context.Background(), def))
	}
	return cat
}

var shopSizes = sizes{
	"orders":    {Rows: 10000, Pages: 100, Bytes: 400000},
	"customers": {Rows: 1000, Pages: 10, Bytes: 40000},
}

func logical(t *testing.T, cat *catalog.MemoryCatalog, sql string) planner.Node {
	t.Helper()
	stmts, err := parser.Parse(sql)
	require.NoError(t, err)
	n, err := planner.Plan(context.Background(), stmts[0], cat)
	require.NoError(t, err)
	return planner.Rewrite(n)
}

func optimize(t *testing.T, o *Optimizer, cat *catalog.MemoryCatalog, sql string) *PhysicalPlan {
	t.Helper()
	p, err := o.Optimize(context.Background(), logical(t, cat, sql), nil)
	require.NoError(t, err)
	return p
}

func find(p *PhysicalPlan, s Strategy) *PhysicalPlan {
	var out *PhysicalPlan
	Walk(p, func(n *PhysicalPlan) {
		if out == nil && n.Strategy == s {
			out = n
		}
	})
	return out
}

const shopJoin = "SELECT o.id, c.name FROM orders o JOIN customers c ON o.customer_id = c.id WHERE o.total > 100"

func TestHashJoinBuildsOnSmallerSide(t *testing.T) {
	cat := testCatalog(t)
	o := New(nil, nil, shopSizes)
	p := optimize(t, o, cat, shopJoin)

	hj := find(p, StrategyHashJoin)
	require.NotNil(t, hj, Format(p))
	assert.Equal(t, "orders", hj.Children[0].Table)
	assert.Equal(t, "customers", hj.Children[1].Table)
	require.Len(t, hj.LeftKeys, 1)
	assert.Equal(t, "o.customer_id", hj.LeftKeys[0].String())
	assert.Equal(t, "c.id", hj.RightKeys[0].String())
	assert.Equal(t, "o.total > 100", hj.Children[0].Filter.String())
	assert.Nil(t, find(p, StrategyNestedLoop))

	text := Explain(p, nil).Text()
	assert.Contains(t, text, "HashJoin")
	assert.Contains(t, text, "SeqScan on orders AS o")
}

func TestIndexScanForSelectiveEquality(t *testing.T) {
	cat := testCatalog(t)
	o := New(nil, nil, sizes{"users": {Rows: 100000, Pages: 5000, Bytes: 4000000}})
	p := optimize(t, o, cat, "SELECT name FROM users WHERE age = 30")

	scan := find(p, StrategyIndexScan)
	require.NotNil(t, scan, Format(p))
	assert.Equal(t, "users_age", scan.Index)
	assert.Equal(t, ">= 30 AND <= 30", scan.Range.String())
	assert.Equal(t, []string{"users.age"}, scan.Order)
	assert.Equal(t, "age = 30", scan.Filter.String(), "bounds keep the filter as a residual")

	p = optimize(t, o, cat, "SELECT name FROM users WHERE name = 'x'")
	assert.Nil(t, find(p, StrategyIndexScan))
}

func TestTopNReplacesSortUnderLimit(t *testing.T) {
	cat := testCatalog(t)
	p := optimize(t, New(nil, nil, nil), cat, "SELECT id FROM users ORDER BY name LIMIT 5")
	assert.Equal(t, []Strategy{StrategyLimit, StrategyProject, StrategyTopN, StrategySeqScan}, Strategies(p))
}

func TestSortSpillsBeyondWorkMem(t *testing.T) {
	cat := testCatalog(t)
	model := NewCostModel()
	model.WorkMem = 1024
	p := optimize(t, New(model, nil, nil), cat, "SELECT id FROM users ORDER BY name")
	assert.Equal(t, []Strategy{StrategyProject, StrategyExternalSort, StrategySeqScan}, Strategies(p))

	p = optimize(t, New(nil, nil, nil), cat, "SELECT id FROM users ORDER BY name")
	assert.Equal(t, []Strategy{StrategyProject, StrategySort, StrategySeqScan}, Strategies(p))
}

func TestStatisticsDriveSelectivity(t *testing.T) {
	cat := testCatalog(t)
	reg := catalog.NewStatsRegistry(catalog.DefaultSelectivity())
	reg.Publish(&catalog.TableStatistics{
		TableName:   "customers",
		RowCount:    1000,
		PageCount:   10,
		AvgRowWidth: 40,
		Columns: map[string]*catalog.ColumnStatistics{
			"region": {
				DistinctCount: 3,
				MostCommon:    []catalog.MCV{{Value: types.NewText("eu"), Frequency: 0.4}},
			},
		},
	})
	o := New(nil, reg, nil)

	p := optimize(t, o, cat, "SELECT id FROM customers WHERE region = 'eu'")
	assert.Equal(t, 400.0, find(p, StrategySeqScan).Rows)

	p = optimize(t, o, cat, "SELECT id FROM customers WHERE 'eu' = region")
	assert.Equal(t, 400.0, find(p, StrategySeqScan).Rows)

	// Without column statistics the shared defaults apply.
	p = optimize(t, o, cat, "SELECT id FROM customers WHERE name = 'x'")
	assert.Equal(t, 5.0, find(p, StrategySeqScan).Rows)
}

func TestJoinSearchStrategies(t *testing.T) {
	cat := testCatalog(t)
	sql := `SELECT a.id, b.y, c.name FROM a JOIN b ON a.id = b.a_id JOIN customers c ON c.id = a.x WHERE b.y > 3`
	for _, search := range []SearchStrategy{StrategyBasic, StrategyAdvanced} {
		t.Run(search.String(), func(t *testing.T) {
			model := NewCostModel()
			model.Search = search
			o := New(model, nil, shopSizes)
			first := optimize(t, o, cat, sql)
			again := optimize(t, o, cat, sql)
			assert.Equal(t, Format(first), Format(again))

			tables := Tables(first)
			sort.Strings(tables)
			assert.Equal(t, []string{"a", "b", "customers"}, tables)
			assert.Equal(t, []string{"id", "y", "name"}, first.Schema.Names())
			assert.Nil(t, find(first, StrategyNestedLoop), Format(first))
		})
	}
}

func TestOuterJoinKeepsSides(t *testing.T) {
	cat := testCatalog(t)
	p := optimize(t, New(nil, nil, shopSizes), cat,
		"SELECT c.name, o.id FROM customers c LEFT JOIN orders o ON o.customer_id = c.id")
	var join *PhysicalPlan
	Walk(p, func(n *PhysicalPlan) {
		if join == nil && n.Strategy.IsJoin() {
			join = n
		}
	})
	require.NotNil(t, join)
	assert.Equal(t, "LEFT", join.JoinKind.String())
	assert.Equal(t, "customers", join.Children[0].Table)
	assert.Equal(t, "orders", join.Children[1].Table)
	assert.GreaterOrEqual(t, join.Rows, join.Children[0].Rows)
}

func TestFeedbackReplacesEstimates(t *testing.T) {
	cat := testCatalog(t)
	o := New(nil, nil, shopSizes)
	n := logical(t, cat, shopJoin)
	first, err := o.Optimize(context.Background(), n, nil)
	require.NoError(t, err)
	build := find(first, StrategyHashJoin).Children[1]
	require.Equal(t, "customers", build.Table)

	// Far more customers than estimated: the build side moves to orders.
	fb := Feedback{build.Relation: {Rows: 50000}}
	second, err := o.OptimizeWithFeedback(context.Background(), n, nil, fb)
	require.NoError(t, err)
	hj := find(second, StrategyHashJoin)
	require.NotNil(t, hj, Format(second))
	assert.Equal(t, "orders", hj.Children[1].Table)
	assert.False(t, Equivalent(first, second))

	// Kept rows are read back instead of rescanning.
	fb = Feedback{build.Relation: {Rows: 1000, Schema: build.Schema, Materialized: []types.Row{}}}
	third, err := o.OptimizeWithFeedback(context.Background(), n, nil, fb)
	require.NoError(t, err)
	m := find(third, StrategyMaterializedScan)
	require.NotNil(t, m, Format(third))
	assert.Equal(t, build.Relation, m.Relation)
	assert.True(t, Equivalent(first, third))
}

func TestOptimizeHonoursCancellation(t *testing.T) {
	cat := testCatalog(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil, nil, nil).Optimize(ctx, logical(t, cat, shopJoin), nil)
	require.Error(t, err)
}

func TestExplainFlatten(t *testing.T) {
	cat := testCatalog(t)
	p := optimize(t, New(nil, nil, shopSizes), cat, shopJoin)
	scan := find(p, StrategySeqScan)
	actual := map[*PhysicalPlan]Actual{
		p:    {Rows: int64(p.Rows), Elapsed: 2 * time.Millisecond},
		scan: {Rows: int64(scan.Rows) * 100, Elapsed: time.Millisecond},
	}
	root := Explain(p, actual)
	flat := root.Flatten()
	require.Len(t, flat, len(Strategies(p)))
	assert.Equal(t, 1, flat[0].ID)
	assert.Equal(t, 0, flat[0].ParentID)
	assert.Equal(t, 0, flat[0].Depth)
	for _, n := range flat[1:] {
		assert.Less(t, n.ParentID, n.ID)
		assert.Greater(t, n.Depth, 0)
	}
	require.NotNil(t, root.ActualRows)
	assert.Equal(t, int64(p.Rows), *root.ActualRows)

	var warned []string
	for _, n := range flat {
		if n.Warning != "" {
			warned = append(warned, n.Target)
		}
	}
	assert.Equal(t, []string{"orders AS o"}, warned)
	assert.Contains(t, root.Text(), "warning: row estimate off by 100x")
}

func TestPlanCache(t *testing.T) {
	cat := testCatalog(t)
	p := optimize(t, New(nil, nil, shopSizes), cat, shopJoin)
	pc := NewPlanCache(2)

	entry := pc.Put("join", p, nil, 0)
	assert.ElementsMatch(t, []string{"orders", "customers"}, entry.Tables)
	got, ok := pc.Get("join")
	require.True(t, ok)
	assert.Same(t, entry, got)

	got.Acquire()
	assert.Equal(t, int64(1), got.InFlight())
	got.Release()
	assert.Equal(t, int64(0), got.InFlight())

	pc.Put("users", optimize(t, New(nil, nil, nil), cat, "SELECT id FROM users"), nil, 0)
	assert.Equal(t, 0, pc.InvalidateTable("a"))
	assert.Equal(t, 1, pc.InvalidateTable("CUSTOMERS"))
	_, ok = pc.Get("join")
	assert.False(t, ok)
	assert.Equal(t, 1, pc.Len())

	pc.Put("x", p, nil, 0)
	pc.Put("y", p, nil, 0)
	assert.Equal(t, 2, pc.Len())
	assert.Equal(t, uint64(1), pc.Stats().Evictions)
}
