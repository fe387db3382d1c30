package planner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guileen/querycore/catalog"
	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/protocol/sql/parser"
	"github.com/guileen/querycore/types"
)

// table builds a definition from "name type" column specs.
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

func testCatalog(t *testing.T) catalog.Catalog {
	t.Helper()
	cat := catalog.NewMemoryCatalog()
	ctx := context.Background()
	for _, def := range []*types.TableDefinition{
		table("users", "id", "name text", "age"),
		table("orders", "id", "customer_id", "total double"),
		table("customers", "id", "name text", "region text"),
		table("t", "id", "a", "b"),
		table("a", "id", "x", "z"),
		table("b", "a_id", "x", "y"),
		table("u1", "id", "v"),
		table("u2", "id", "w"),
	} {
		require.NoError(t, cat.CreateTable(ctx, def))
	}
	return cat
}

func plan(t *testing.T, cat catalog.Catalog, sql string) Node {
	t.Helper()
	stmts, err := parser.Parse(sql)
	require.NoError(t, err)
	n, err := Plan(context.Background(), stmts[0], cat)
	require.NoError(t, err)
	return n
}

func tree(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func TestPlanClauses(t *testing.T) {
	cat := testCatalog(t)
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{
			name: "filter",
			sql:  "SELECT id, name FROM users WHERE age > 30",
			want: tree(
				"Project id, name",
				"  Filter age > 30",
				"    Scan users"),
		},
		{
			name: "aggregate",
			sql:  "SELECT customer_id, SUM(total) AS s FROM orders GROUP BY customer_id HAVING SUM(total) > 100 ORDER BY s DESC",
			want: tree(
				"Project customer_id, SUM(total)",
				"  Sort SUM(total) DESC",
				"    Filter SUM(total) > 100",
				"      Aggregate BY customer_id [SUM(total)]",
				"        Scan orders"),
		},
		{
			name: "union",
			sql:  "SELECT id FROM t UNION SELECT a FROM t ORDER BY 1 LIMIT 3",
			want: tree(
				"Limit 3",
				"  Sort #1",
				"    Distinct",
				"      Union ALL",
				"        Project id",
				"          Scan t",
				"        Project a",
				"          Scan t"),
		},
		{
			name: "distinct order",
			sql:  "SELECT DISTINCT a FROM t ORDER BY a DESC",
			want: tree(
				"Sort #1 DESC",
				"  Distinct",
				"    Project a",
				"      Scan t"),
		},
		{
			name: "limit parameter",
			sql:  "SELECT id FROM t ORDER BY a LIMIT $1",
			want: tree(
				"Limit $1",
				"  Project id",
				"    Sort a",
				"      Scan t"),
		},
		{
			name: "no from",
			sql:  "SELECT 1",
			want: tree(
				"Project 1",
				"  Values (1 rows)"),
		},
		{
			name: "inline cte",
			sql:  "WITH x AS (SELECT id FROM t) SELECT id FROM x",
			want: tree(
				"Project id",
				"  Alias x",
				"    Project id",
				"      Scan t"),
		},
		{
			name: "materialized cte",
			sql:  "WITH x AS (SELECT id FROM t) SELECT * FROM x, x AS y",
			want: tree(
				"With x",
				"  Project id",
				"    Scan t",
				"  Project x.id, y.id",
				"    Join CROSS",
				"      CTERef x",
				"      CTERef x AS y"),
		},
		{
			name: "recursive cte",
			sql:  "WITH RECURSIVE r(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM r WHERE n < 5) SELECT n FROM r",
			want: tree(
				"With r (recursive)",
				"  Project 1",
				"    Values (1 rows)",
				"  Project n + 1",
				"    Filter n < 5",
				"      CTERef r",
				"  Project n",
				"    CTERef r"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(plan(t, cat, tt.sql)))
		})
	}
}

func TestPlanOutputNames(t *testing.T) {
	cat := testCatalog(t)
	n := plan(t, cat, "SELECT customer_id, SUM(total) AS s, COUNT(*), total * 2 FROM orders GROUP BY customer_id, total")
	assert.Equal(t, []string{"customer_id", "s", "count", "?column?"}, n.Schema().Names())

	using := plan(t, cat, "SELECT * FROM u1 JOIN u2 USING (id)")
	assert.Equal(t, []string{"id", "v", "w"}, using.Schema().Names())

	qualified := plan(t, cat, "SELECT u2.* FROM u1 JOIN u2 USING (id)")
	assert.Equal(t, []string{"id", "w"}, qualified.Schema().Names())
}

func TestPlanErrors(t *testing.T) {
	cat := testCatalog(t)
	tests := []struct {
		sql  string
		want string
	}{
		{"SELECT * FROM missing", "missing"},
		{"SELECT nope FROM users", "nope"},
		{"SELECT name, COUNT(*) FROM users GROUP BY age", "GROUP BY"},
		{"SELECT id FROM users WHERE COUNT(*) > 1", "WHERE"},
		{"SELECT DISTINCT name FROM users ORDER BY age", "DISTINCT"},
		{"SELECT id FROM users UNION SELECT id, name FROM users", "same number of columns"},
		{"SELECT * FROM users u JOIN orders o ON id = 1", "ambiguous"},
		{"SELECT id FROM users LIMIT id", "LIMIT"},
		{"SELECT SUM(name) FROM users", "SUM"},
		{"SELECT id FROM users ORDER BY 3", "position 3"},
		{"WITH x(a, b) AS (SELECT id FROM t) SELECT * FROM x", "columns"},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			stmts, err := parser.Parse(tt.sql)
			require.NoError(t, err)
			_, err = Plan(context.Background(), stmts[0], cat)
			require.Error(t, err)
			assert.True(t, qerrors.IsPlanningError(err), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	cat := testCatalog(t)
	sql := "WITH x AS (SELECT id FROM t), y AS (SELECT x.id, z.id AS zid FROM x, x AS z) " +
		"SELECT * FROM y, y AS w JOIN orders o ON o.id = w.id WHERE o.total > 1"
	first := Format(Rewrite(plan(t, cat, sql)))
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Format(Rewrite(plan(t, cat, sql))))
	}
}

func TestCTETables(t *testing.T) {
	cat := testCatalog(t)
	n := plan(t, cat, "WITH x AS (SELECT id FROM t), y AS (SELECT * FROM x, x AS z) SELECT * FROM y, y AS w, orders")
	w, ok := n.(*With)
	require.True(t, ok)
	require.Len(t, w.CTEs, 2)
	assert.Equal(t, "x", w.CTEs[0].Name)
	assert.Equal(t, []string{"t"}, w.CTEs[1].Tables)
	assert.Equal(t, []string{"orders", "t"}, sortedTables(n))
	assert.NotEqual(t, w.CTEs[0].Body, w.CTEs[1].Body)
}

func sortedTables(n Node) []string {
	out := Tables(n)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func TestRewritePushdown(t *testing.T) {
	cat := testCatalog(t)
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{
			name: "scan",
			sql:  "SELECT id, name FROM users WHERE age > 30",
			want: tree(
				"Project id, name",
				"  Scan users [age > 30]"),
		},
		{
			name: "inner join",
			sql:  "SELECT o.id FROM orders o JOIN customers c ON o.customer_id = c.id WHERE c.region = 'EU' AND o.total > 10",
			want: tree(
				"Project o.id",
				"  Join INNER ON o.customer_id = c.id",
				"    Scan orders AS o [o.total > 10]",
				"    Scan customers AS c [c.region = 'EU']"),
		},
		{
			name: "cross join becomes inner",
			sql:  "SELECT o.id FROM orders o, customers c WHERE o.customer_id = c.id",
			want: tree(
				"Project o.id",
				"  Join INNER ON o.customer_id = c.id",
				"    Scan orders AS o",
				"    Scan customers AS c"),
		},
		{
			name: "left join",
			sql:  "SELECT a.id FROM a LEFT JOIN b ON a.id = b.a_id AND b.x > 1 WHERE b.y = 2 AND a.z = 3",
			want: tree(
				"Project a.id",
				"  Filter b.y = 2",
				"    Join LEFT ON a.id = b.a_id",
				"      Scan a [a.z = 3]",
				"      Scan b [b.x > 1]"),
		},
		{
			name: "left join keeps preserved-side ON conjunct",
			sql:  "SELECT a.id FROM a LEFT JOIN b ON a.id = b.a_id AND a.z = 1",
			want: tree(
				"Project a.id",
				"  Join LEFT ON a.id = b.a_id AND a.z = 1",
				"    Scan a",
				"    Scan b"),
		},
		{
			name: "full join",
			sql:  "SELECT a.id FROM a FULL JOIN b ON a.id = b.a_id WHERE a.z = 3",
			want: tree(
				"Project a.id",
				"  Filter a.z = 3",
				"    Join FULL ON a.id = b.a_id",
				"      Scan a",
				"      Scan b"),
		},
		{
			name: "derived table",
			sql:  "SELECT * FROM (SELECT id, x + 1 AS y FROM a) s WHERE s.y > 5",
			want: tree(
				"Project s.id, s.y",
				"  Alias s",
				"    Project id, x + 1",
				"      Scan a [x + 1 > 5]"),
		},
		{
			name: "having on group key",
			sql:  "SELECT customer_id, COUNT(*) FROM orders GROUP BY customer_id HAVING customer_id > 5 AND COUNT(*) > 1",
			want: tree(
				"Project customer_id, COUNT(*)",
				"  Filter COUNT(*) > 1",
				"    Aggregate BY customer_id [COUNT(*)]",
				"      Scan orders [customer_id > 5]"),
		},
		{
			name: "constant folding",
			sql:  "SELECT 1 + 2 AS x FROM t WHERE 1 = 1 AND a > 2 * 3",
			want: tree(
				"Project 3",
				"  Scan t [a > 6]"),
		},
		{
			name: "duplicate conjuncts",
			sql:  "SELECT id FROM t WHERE a = 1 AND a = 1 AND 1 = a",
			want: tree(
				"Project id",
				"  Scan t [a = 1]"),
		},
		{
			name: "common subexpression",
			sql:  "SELECT (a + b) * 2, (a + b) * 3 FROM t",
			want: tree(
				"Project _cse1 * 2, _cse1 * 3",
				"  Project t.id, t.a, t.b, a + b",
				"    Scan t"),
		},
		{
			name: "conditional branches are not hoisted",
			sql:  "SELECT CASE WHEN a > 0 THEN 10 / a END, COALESCE(b, 10 / a) FROM t",
			want: tree(
				"Project CASE WHEN a > 0 THEN 10 / a END, COALESCE(b, 10 / a)",
				"  Scan t"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(Rewrite(plan(t, cat, tt.sql))))
		})
	}
}

func TestRewriteKeepsSchema(t *testing.T) {
	cat := testCatalog(t)
	n := plan(t, cat, "SELECT (a + b) * 2 AS x, (a + b) * 3 AS y FROM t WHERE a > 1")
	r := Rewrite(n)
	assert.Equal(t, n.Schema(), r.Schema())
}
