package sql

import (
	"context"
	dbsql "database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/guileen/querycore/catalog"
	"github.com/guileen/querycore/config"
	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/storage/memstore"
	"github.com/guileen/querycore/types"
)

func newEngine(t *testing.T, tweak func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	if tweak != nil {
		tweak(cfg)
	}
	e, err := New(cfg, memstore.New(), catalog.NewMemoryCatalog())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func exec(t *testing.T, e *Engine, sql string, params ...types.Value) *types.QueryResult {
	t.Helper()
	r, err := e.Execute(context.Background(), sql, params...)
	require.NoError(t, err, sql)
	return r
}

// insertBatches inserts n generated rows in statements of at most 500 rows.
func insertBatches(t *testing.T, e *Engine, table string, n int, row func(i int) string) {
	t.Helper()
	for lo := 1; lo <= n; lo += 500 {
		var values []string
		for i := lo; i < lo+500 && i <= n; i++ {
			values = append(values, row(i))
		}
		exec(t, e, fmt.Sprintf("INSERT INTO %s VALUES %s", table, strings.Join(values, ", ")))
	}
}

func multiset(rows []types.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		cells := make([]string, len(r))
		for j, v := range r {
			cells[j] = normalize(v.Interface())
		}
		out[i] = strings.Join(cells, "|")
	}
	sort.Strings(out)
	return out
}

func normalize(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', 4, 64)
	case bool:
		return strconv.FormatBool(x)
	case []byte:
		return string(x)
	case string:
		return x
	}
	return fmt.Sprint(v)
}

func TestDDLAndDML(t *testing.T) {
	e := newEngine(t, nil)
	exec(t, e, "CREATE TABLE items (id BIGINT PRIMARY KEY, name TEXT NOT NULL, qty INT DEFAULT 1)")
	exec(t, e, "CREATE TABLE IF NOT EXISTS items (id BIGINT)")

	_, err := e.Execute(context.Background(), "CREATE TABLE items (id BIGINT)")
	require.Error(t, err)
	assert.Equal(t, qerrors.KindExecution, qerrors.KindOf(err))

	r := exec(t, e, "INSERT INTO items (id, name) VALUES (1, 'a'), (2, 'b'), (3, 'c')")
	require.NotNil(t, r.AffectedRows)
	assert.Equal(t, int64(3), *r.AffectedRows)

	r = exec(t, e, "SELECT qty FROM items WHERE id = 2")
	require.Len(t, r.Rows, 1)
	assert.Equal(t, "1", r.Rows[0][0].String())

	r = exec(t, e, "UPDATE items SET qty = qty + 10 WHERE id >= 2")
	assert.Equal(t, int64(2), *r.AffectedRows)

	r = exec(t, e, "DELETE FROM items WHERE id = $1", types.NewInt(1))
	assert.Equal(t, int64(1), *r.AffectedRows)

	r = exec(t, e, "SELECT id, qty FROM items ORDER BY id")
	assert.Equal(t, []string{"2|11", "3|11"}, multiset(r.Rows))

	_, err = e.Execute(context.Background(), "INSERT INTO items (id) VALUES (9)")
	require.Error(t, err)
	var qe *qerrors.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, qerrors.ErrCodeConstraint, qe.Code)

	exec(t, e, "CREATE TABLE archive (id BIGINT, name TEXT)")
	r = exec(t, e, "INSERT INTO archive SELECT id, name FROM items")
	assert.Equal(t, int64(2), *r.AffectedRows)

	exec(t, e, "DROP TABLE archive")
	exec(t, e, "DROP TABLE IF EXISTS archive")
	_, err = e.Execute(context.Background(), "SELECT * FROM archive")
	require.Error(t, err)
	assert.Equal(t, qerrors.KindPlanning, qerrors.KindOf(err))
}

func TestIndexLifecycle(t *testing.T) {
	e := newEngine(t, nil)
	exec(t, e, "CREATE TABLE t (id BIGINT, v BIGINT)")
	insertBatches(t, e, "t", 1000, func(i int) string { return fmt.Sprintf("(%d, %d)", i, i%10) })
	exec(t, e, "CREATE INDEX t_id ON t (id)")
	exec(t, e, "CREATE INDEX IF NOT EXISTS t_id ON t (id)")

	r := exec(t, e, "SELECT v FROM t WHERE id = 77")
	assert.Equal(t, []string{"7"}, multiset(r.Rows))

	exec(t, e, "DROP INDEX t_id")
	exec(t, e, "DROP INDEX IF EXISTS t_id")
	r = exec(t, e, "SELECT v FROM t WHERE id = 77")
	assert.Equal(t, []string{"7"}, multiset(r.Rows))
}

func TestGrantAndRevoke(t *testing.T) {
	e := newEngine(t, nil)
	ctx := context.Background()
	exec(t, e, "CREATE TABLE docs (id BIGINT)")
	r := exec(t, e, "GRANT SELECT, INSERT ON docs TO alice")
	assert.Equal(t, int64(2), *r.AffectedRows)
	assert.Len(t, e.Catalog().Privileges(ctx, "docs"), 2)

	exec(t, e, "REVOKE INSERT ON docs FROM alice")
	privs := e.Catalog().Privileges(ctx, "docs")
	require.Len(t, privs, 1)
	assert.Equal(t, catalog.Privilege{Grantee: "alice", Table: "docs", Action: "SELECT"}, privs[0])

	_, err := e.Execute(ctx, "GRANT SELECT ON missing TO alice")
	require.Error(t, err)
}

func TestAnalyzePublishesStatistics(t *testing.T) {
	e := newEngine(t, nil)
	exec(t, e, "CREATE TABLE t (id BIGINT, v BIGINT)")
	insertBatches(t, e, "t", 300, func(i int) string { return fmt.Sprintf("(%d, %d)", i, i%3) })

	exec(t, e, "SELECT id FROM t WHERE v = 1")
	require.Equal(t, 1, e.PlanCache().Len())

	r := exec(t, e, "ANALYZE t")
	require.Len(t, r.Rows, 1)
	assert.Equal(t, "t", r.Rows[0][0].String())
	assert.Equal(t, "300", r.Rows[0][1].String())
	assert.Equal(t, 0, e.PlanCache().Len())

	ts, ok := e.Statistics().Table("t")
	require.True(t, ok)
	assert.Equal(t, int64(300), ts.RowCount)
	assert.Contains(t, e.Stats().Tables, "t")
}

func TestPredicateCacheSharedAcrossEquivalentQueries(t *testing.T) {
	e := newEngine(t, nil)
	exec(t, e, "CREATE TABLE t (a BIGINT, b BIGINT)")
	insertBatches(t, e, "t", 100, func(i int) string { return fmt.Sprintf("(%d, %d)", i%5, i%7) })

	first := exec(t, e, "SELECT a, b FROM t WHERE a = 1 AND b = 2")
	hits := e.PredicateCache().Hits()
	planHits := e.PlanCache().Stats().Hits

	second := exec(t, e, "SELECT a, b FROM t WHERE b = 2 AND a = 1")
	assert.Greater(t, e.PredicateCache().Hits(), hits)
	assert.Greater(t, e.PlanCache().Stats().Hits, planHits)
	assert.Equal(t, multiset(first.Rows), multiset(second.Rows))
	assert.NotEmpty(t, first.Rows)
}

func TestLiteralsDoNotSplitThePlanCache(t *testing.T) {
	e := newEngine(t, nil)
	exec(t, e, "CREATE TABLE t (a BIGINT)")
	insertBatches(t, e, "t", 20, func(i int) string { return fmt.Sprintf("(%d)", i) })

	r1 := exec(t, e, "SELECT a FROM t WHERE a = 3")
	r2 := exec(t, e, "SELECT a FROM t WHERE a = 4")
	assert.Equal(t, []string{"3"}, multiset(r1.Rows))
	assert.Equal(t, []string{"4"}, multiset(r2.Rows))
	assert.Equal(t, 1, e.PlanCache().Len())
}

func seedOrders(t *testing.T, e *Engine) {
	t.Helper()
	exec(t, e, "CREATE TABLE customers (id BIGINT, name TEXT, region TEXT)")
	exec(t, e, "CREATE TABLE orders (id BIGINT, customer_id BIGINT, amount DOUBLE PRECISION)")
	insertBatches(t, e, "customers", 1000, func(i int) string {
		return fmt.Sprintf("(%d, 'c%d', 'r%d')", i, i, i%4)
	})
	insertBatches(t, e, "orders", 10000, func(i int) string {
		return fmt.Sprintf("(%d, %d, %d.5)", i, i%1000+1, i%50)
	})
	exec(t, e, "ANALYZE")
}

func TestExplainChoosesHashJoin(t *testing.T) {
	e := newEngine(t, nil)
	seedOrders(t, e)

	node, err := e.Explain(context.Background(),
		"SELECT o.id, c.name FROM orders o JOIN customers c ON o.customer_id = c.id", false)
	require.NoError(t, err)
	var ops []string
	for _, n := range node.Flatten() {
		ops = append(ops, n.Operation)
	}
	assert.Contains(t, ops, "HashJoin")
	assert.Nil(t, node.ActualRows)
}

func TestExplainStatementFormats(t *testing.T) {
	e := newEngine(t, nil)
	seedOrders(t, e)
	query := "SELECT c.region, COUNT(*) FROM orders o JOIN customers c ON o.customer_id = c.id GROUP BY c.region"

	text := exec(t, e, "EXPLAIN "+query)
	assert.Equal(t, []string{"QUERY PLAN"}, text.Columns)
	assert.Greater(t, len(text.Rows), 2)

	js := exec(t, e, "EXPLAIN (FORMAT JSON) "+query)
	require.Len(t, js.Rows, 1)
	var nodes []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(js.Rows[0][0].String()), &nodes))
	require.NotEmpty(t, nodes)
	assert.EqualValues(t, 1, nodes[0]["id"])
	assert.EqualValues(t, 0, nodes[0]["parent_id"])

	analyzed, err := e.Explain(context.Background(), "EXPLAIN ANALYZE "+query, false)
	require.NoError(t, err)
	require.NotNil(t, analyzed.ActualRows)
	assert.Equal(t, int64(4), *analyzed.ActualRows)
}

func TestExplainRejectsDML(t *testing.T) {
	e := newEngine(t, nil)
	exec(t, e, "CREATE TABLE t (a BIGINT)")
	_, err := e.Execute(context.Background(), "EXPLAIN DELETE FROM t")
	require.Error(t, err)
	var qe *qerrors.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, qerrors.ErrCodeUnsupported, qe.Code)
}

func TestDeterministicResults(t *testing.T) {
	e := newEngine(t, func(c *config.Config) { c.Execution.Parallelism = 4 })
	seedOrders(t, e)
	query := "SELECT c.region, COUNT(*), SUM(o.amount) FROM orders o JOIN customers c ON o.customer_id = c.id GROUP BY c.region"
	a := exec(t, e, query)
	b := exec(t, e, query)
	assert.Equal(t, multiset(a.Rows), multiset(b.Rows))
	assert.Len(t, a.Rows, 4)
}

func TestResultTruncatedAtLimit(t *testing.T) {
	e := newEngine(t, func(c *config.Config) { c.Query.MaxResultRows = 10 })
	exec(t, e, "CREATE TABLE t (a BIGINT)")
	insertBatches(t, e, "t", 30, func(i int) string { return fmt.Sprintf("(%d)", i) })

	r := exec(t, e, "SELECT a FROM t")
	assert.Len(t, r.Rows, 10)
	assert.True(t, r.Truncated)
	assert.NotEmpty(t, r.Warnings)

	exec(t, e, "CREATE TABLE u (a BIGINT)")
	_, err := e.Execute(context.Background(), "INSERT INTO u SELECT a FROM t")
	require.Error(t, err)
	assert.Equal(t, qerrors.KindResource, qerrors.KindOf(err))
}

func TestSpillSpaceExhausted(t *testing.T) {
	e := newEngine(t, func(c *config.Config) {
		c.Execution.WorkMem = 64 * config.KiB
		c.Execution.MaxSpillBytes = 4 * config.KiB
	})
	exec(t, e, "CREATE TABLE t (a BIGINT, b TEXT)")
	insertBatches(t, e, "t", 5000, func(i int) string {
		return fmt.Sprintf("(%d, 'row-%08d-padding-text')", i, (i*7919)%5000)
	})

	_, err := e.Execute(context.Background(), "SELECT a, b FROM t ORDER BY b")
	require.Error(t, err)
	assert.Equal(t, qerrors.KindResource, qerrors.KindOf(err))
	var qe *qerrors.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, qerrors.ErrCodeSpillExhausted, qe.Code)
}

func TestDefaultRowCapOnLargeCrossJoin(t *testing.T) {
	if testing.Short() {
		t.Skip("produces a million rows")
	}
	e := newEngine(t, nil)
	exec(t, e, "CREATE TABLE a (x BIGINT)")
	exec(t, e, "CREATE TABLE b (y BIGINT)")
	insertBatches(t, e, "a", 1200, func(i int) string { return fmt.Sprintf("(%d)", i) })
	insertBatches(t, e, "b", 1000, func(i int) string { return fmt.Sprintf("(%d)", i) })

	r := exec(t, e, "SELECT a.x FROM a, b")
	assert.Len(t, r.Rows, 1_000_000)
	assert.True(t, r.Truncated)
}

func TestRecursiveCTEOverCyclicGraph(t *testing.T) {
	e := newEngine(t, nil)
	exec(t, e, "CREATE TABLE edges (src BIGINT, dst BIGINT)")
	exec(t, e, "INSERT INTO edges VALUES (1, 2), (2, 3), (3, 1), (3, 4)")
	r := exec(t, e, `WITH RECURSIVE reach(x) AS (
		SELECT 1 UNION SELECT edges.dst FROM reach JOIN edges ON edges.src = reach.x
	) SELECT x FROM reach`)
	assert.Equal(t, []string{"1", "2", "3", "4"}, multiset(r.Rows))
	assert.False(t, r.Truncated)
}

func TestRecursiveCTEIterationLimit(t *testing.T) {
	e := newEngine(t, func(c *config.Config) { c.Query.MaxRecursiveIterations = 5 })
	r := exec(t, e, "WITH RECURSIVE r(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM r) SELECT n FROM r")
	assert.Len(t, r.Rows, 6)
	assert.True(t, r.Truncated)
	assert.NotEmpty(t, r.Warnings)
}

func TestRejectedStatements(t *testing.T) {
	e := newEngine(t, func(c *config.Config) { c.Query.AllowedStatements = []string{"SELECT"} })
	_, err := e.Execute(context.Background(), "CREATE TABLE t (a BIGINT)")
	require.Error(t, err)
	assert.Equal(t, qerrors.KindValidation, qerrors.KindOf(err))

	_, err = e.Execute(context.Background(), "SELECT 1; -- trailing")
	require.Error(t, err)
}

func TestCancelledStatement(t *testing.T) {
	e := newEngine(t, nil)
	exec(t, e, "CREATE TABLE t (a BIGINT)")
	insertBatches(t, e, "t", 100, func(i int) string { return fmt.Sprintf("(%d)", i) })
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	_, err := e.Execute(ctx, "SELECT a FROM t")
	require.Error(t, err)
	assert.True(t, qerrors.IsCancelledError(err))
}

func TestMetricsExposeCacheGauges(t *testing.T) {
	e := newEngine(t, nil)
	exec(t, e, "SELECT 1")
	families, err := e.Metrics().Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["querycore_plan_cache_entries"])
	assert.True(t, names["querycore_queries_total"])
}

// TestMatchesSQLite runs the same data and queries through SQLite and
// compares the multisets.
func TestMatchesSQLite(t *testing.T) {
	e := newEngine(t, func(c *config.Config) { c.Execution.WorkMem = 64 * config.KiB })
	db, err := dbsql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	schema := []string{
		"CREATE TABLE l (id BIGINT, k BIGINT, v TEXT)",
		"CREATE TABLE r (id BIGINT, k BIGINT, w TEXT)",
	}
	for _, s := range schema {
		exec(t, e, s)
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	load := func(table string, n int, row func(i int) string) {
		insertBatches(t, e, table, n, row)
		var values []string
		for i := 1; i <= n; i++ {
			values = append(values, row(i))
		}
		_, err := db.Exec(fmt.Sprintf("INSERT INTO %s VALUES %s", table, strings.Join(values, ", ")))
		require.NoError(t, err)
	}
	load("l", 400, func(i int) string {
		if i%13 == 0 {
			return fmt.Sprintf("(%d, NULL, 'v%d')", i, i%9)
		}
		return fmt.Sprintf("(%d, %d, 'v%d')", i, i%23, i%9)
	})
	load("r", 120, func(i int) string { return fmt.Sprintf("(%d, %d, 'w%d')", i, i%29, i) })

	queries := []string{
		"SELECT l.id, r.w FROM l JOIN r ON l.k = r.k WHERE l.id < 100",
		"SELECT l.id, r.id FROM l LEFT JOIN r ON l.k = r.k WHERE l.id <= 60",
		"SELECT k, COUNT(*), SUM(id), MIN(v), MAX(v) FROM l GROUP BY k",
		"SELECT k, AVG(id) FROM l WHERE k IS NOT NULL GROUP BY k HAVING COUNT(*) > 15",
		"SELECT DISTINCT v FROM l",
		"SELECT COUNT(DISTINCT v) FROM l WHERE k > 5",
		"SELECT r.k, COUNT(l.id) FROM r JOIN l ON l.k = r.k GROUP BY r.k",
		"SELECT id FROM l WHERE v LIKE 'v1%' AND id BETWEEN 10 AND 200",
		"SELECT id FROM l WHERE k IN (1, 2, 3) OR v = 'v8'",
	}
	for _, q := range queries {
		t.Run(q, func(t *testing.T) {
			got := exec(t, e, q)
			rows, err := db.Query(q)
			require.NoError(t, err)
			defer rows.Close()
			cols, err := rows.Columns()
			require.NoError(t, err)
			var want []string
			for rows.Next() {
				cells := make([]interface{}, len(cols))
				ptrs := make([]interface{}, len(cols))
				for i := range cells {
					ptrs[i] = &cells[i]
				}
				require.NoError(t, rows.Scan(ptrs...))
				parts := make([]string, len(cells))
				for i, c := range cells {
					parts[i] = normalize(c)
				}
				want = append(want, strings.Join(parts, "|"))
			}
			require.NoError(t, rows.Err())
			sort.Strings(want)
			assert.Equal(t, want, multiset(got.Rows))
		})
	}
}
