package cte

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/parser"
	"github.com/guileen/querycore/types"
)

func parseSelect(t *testing.T, sql string) *ast.SelectStmt {
	t.Helper()
	stmts, err := parser.Parse(sql)
	require.NoError(t, err)
	return stmts[0].(*ast.SelectStmt)
}

func TestBuildGraphOrder(t *testing.T) {
	q := parseSelect(t, "WITH c AS (SELECT * FROM b), a AS (SELECT 1 AS x), b AS (SELECT * FROM a) SELECT * FROM c")
	g, err := BuildGraph(q.With)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, g.Order())

	n, ok := g.Node("B")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, n.Deps)
}

func TestBuildGraphTiesFollowDeclaration(t *testing.T) {
	q := parseSelect(t, "WITH z AS (SELECT 1 AS x), y AS (SELECT 2 AS x), w AS (SELECT * FROM z, y) SELECT * FROM w")
	for i := 0; i < 5; i++ {
		g, err := BuildGraph(q.With)
		require.NoError(t, err)
		assert.Equal(t, []string{"z", "y", "w"}, g.Order())
	}
}

func TestBuildGraphRejectsCycles(t *testing.T) {
	q := parseSelect(t, "WITH RECURSIVE a AS (SELECT * FROM b), b AS (SELECT * FROM a) SELECT * FROM a")
	_, err := BuildGraph(q.With)
	require.Error(t, err)
	assert.True(t, qerrors.IsPlanningError(err))

	q = parseSelect(t, "WITH a AS (SELECT 1 AS n UNION ALL SELECT n + 1 FROM a) SELECT * FROM a")
	_, err = BuildGraph(q.With)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WITH RECURSIVE")
}

func TestBuildGraphSelfRecursion(t *testing.T) {
	q := parseSelect(t, "WITH RECURSIVE r(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM r WHERE n < 5) SELECT * FROM r")
	g, err := BuildGraph(q.With)
	require.NoError(t, err)
	n, _ := g.Node("r")
	assert.True(t, n.Recursive())
	assert.Empty(t, n.Deps)
	assert.True(t, g.Materialize("r"))

	bad := parseSelect(t, "WITH RECURSIVE r(n) AS (SELECT n FROM r) SELECT * FROM r")
	_, err = BuildGraph(bad.With)
	require.Error(t, err)
}

func TestMaterializeDecision(t *testing.T) {
	tests := []struct {
		sql  string
		want bool
	}{
		{"WITH a AS (SELECT 1 AS x) SELECT * FROM a", false},
		{"WITH a AS (SELECT 1 AS x) SELECT * FROM a, a AS b", true},
		{"WITH a AS (SELECT 1 AS x), b AS (SELECT * FROM a) SELECT * FROM a, b", true},
		{"WITH a AS MATERIALIZED (SELECT 1 AS x) SELECT * FROM a", true},
		{"WITH a AS NOT MATERIALIZED (SELECT 1 AS x) SELECT * FROM a, a AS b", false},
		{"WITH a AS (SELECT 1 AS x) SELECT * FROM (SELECT * FROM a) s, a", true},
		{"WITH a AS (SELECT 1 AS x) SELECT * FROM (WITH a AS (SELECT 2 AS x) SELECT * FROM a) s, a", false},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			q := parseSelect(t, tt.sql)
			g, err := BuildGraph(q.With)
			require.NoError(t, err)
			g.AddReferences(q)
			assert.Equal(t, tt.want, g.Materialize("a"))
		})
	}
}

func TestAddReferencesCountsMainQuery(t *testing.T) {
	q := parseSelect(t, "WITH c AS (SELECT a FROM t) SELECT c.a FROM c, c AS d")
	g, err := BuildGraph(q.With)
	require.NoError(t, err)
	g.AddReferences(q)
	n, _ := g.Node("c")
	assert.Equal(t, 2, n.Refs)

	q = parseSelect(t, "WITH RECURSIVE r(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM r WHERE n < 3) SELECT n FROM r")
	g, err = BuildGraph(q.With)
	require.NoError(t, err)
	g.AddReferences(q)
	n, _ = g.Node("r")
	assert.Equal(t, 1, n.Refs, "self references are not counted")
	assert.NotNil(t, q.With, "counting must not modify the statement")
}

func TestStoreCapacityAndInvalidation(t *testing.T) {
	s := NewStore(2)
	s.Put(Key("q1", nil), &Result{Rows: []types.Row{{types.NewInt(1)}}}, []string{"Orders"})
	s.Put(Key("q2", nil), &Result{}, []string{"customers"})
	_, ok := s.Get("q1")
	require.True(t, ok)

	s.Put(Key("q3", nil), &Result{}, []string{"orders"})
	assert.Equal(t, 2, s.Len())
	_, ok = s.Get("q2")
	assert.False(t, ok, "least recently used entry must be evicted")

	assert.Equal(t, 2, s.InvalidateTable("ORDERS"))
	assert.Equal(t, 0, s.Len())
}

func TestStoreKeyIncludesParams(t *testing.T) {
	assert.NotEqual(t, Key("body", []types.Value{types.NewInt(1)}), Key("body", []types.Value{types.NewInt(2)}))
	assert.Equal(t, "body", Key("body", nil))
}

func TestContextMaterializeRecomputesAfterEviction(t *testing.T) {
	store := NewStore(1)
	computed := 0
	compute := func(context.Context) (*Result, error) {
		computed++
		return &Result{Rows: []types.Row{{types.NewInt(int64(computed))}}}, nil
	}
	ctx := context.Background()

	c1 := NewContext(store)
	_, err := c1.Materialize(ctx, "a", "ka", nil, compute)
	require.NoError(t, err)
	_, err = NewContext(store).Materialize(ctx, "a", "ka", nil, compute)
	require.NoError(t, err)
	assert.Equal(t, 1, computed)

	store.Put("other", &Result{}, nil)
	c3 := NewContext(store)
	r, err := c3.Materialize(ctx, "a", "ka", nil, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, computed)
	got, ok := c3.Lookup("A")
	require.True(t, ok)
	assert.Same(t, r, got)
}

func TestContextWorkingTableShadows(t *testing.T) {
	c := NewContext(nil)
	final := &Result{Rows: []types.Row{{types.NewInt(1)}}}
	c.Bind("r", final)
	c.SetWorking("r", &Result{})
	got, _ := c.Lookup("r")
	assert.Empty(t, got.Rows)
	c.SetWorking("r", nil)
	got, _ = c.Lookup("r")
	assert.Same(t, final, got)
}

func intRows(vals ...int64) []types.Row {
	out := make([]types.Row, len(vals))
	for i, v := range vals {
		out[i] = types.Row{types.NewInt(v)}
	}
	return out
}

func TestEvaluateRecursiveCounts(t *testing.T) {
	base := func(context.Context) ([]types.Row, error) { return intRows(1), nil }
	step := func(_ context.Context, delta []types.Row) ([]types.Row, error) {
		var out []types.Row
		for _, r := range delta {
			n, _ := r[0].Int()
			if n < 5 {
				out = append(out, types.Row{types.NewInt(n + 1)})
			}
		}
		return out, nil
	}
	r, err := EvaluateRecursive(context.Background(), "r", base, step, RecursiveOptions{MaxIterations: 100, UnionAll: true})
	require.NoError(t, err)
	assert.Equal(t, intRows(1, 2, 3, 4, 5), r.Rows)
	assert.False(t, r.Truncated)
}

func TestEvaluateRecursiveCycleTerminates(t *testing.T) {
	edges := map[int64][]int64{1: {2}, 2: {3}, 3: {1}}
	base := func(context.Context) ([]types.Row, error) { return intRows(1), nil }
	step := func(_ context.Context, delta []types.Row) ([]types.Row, error) {
		var out []types.Row
		for _, r := range delta {
			n, _ := r[0].Int()
			for _, m := range edges[n] {
				out = append(out, types.Row{types.NewInt(m)})
			}
		}
		return out, nil
	}
	r, err := EvaluateRecursive(context.Background(), "walk", base, step, RecursiveOptions{MaxIterations: 1000, UnionAll: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, intRows(1, 2, 3), r.Rows)
	assert.False(t, r.Truncated)
}

func TestEvaluateRecursiveIterationBound(t *testing.T) {
	base := func(context.Context) ([]types.Row, error) { return intRows(0), nil }
	step := func(_ context.Context, delta []types.Row) ([]types.Row, error) {
		n, _ := delta[0][0].Int()
		return intRows(n + 1), nil
	}
	r, err := EvaluateRecursive(context.Background(), "inf", base, step, RecursiveOptions{MaxIterations: 10})
	require.NoError(t, err)
	assert.True(t, r.Truncated)
	assert.Len(t, r.Rows, 11)
	assert.Equal(t, fmt.Sprintf("recursive query %q stopped after %d iterations", "inf", 10), r.Warning)
}

func TestEvaluateRecursiveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	base := func(context.Context) ([]types.Row, error) { return intRows(0), nil }
	step := func(_ context.Context, delta []types.Row) ([]types.Row, error) { return delta, nil }
	_, err := EvaluateRecursive(ctx, "r", base, step, RecursiveOptions{MaxIterations: 10})
	require.Error(t, err)
	assert.True(t, qerrors.IsCancelledError(err))
}
