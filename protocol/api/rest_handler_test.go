package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guileen/querycore/catalog"
	"github.com/guileen/querycore/protocol/sql"
	"github.com/guileen/querycore/storage/memstore"
)

func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	engine, err := sql.New(nil, memstore.New(), catalog.NewMemoryCatalog())
	require.NoError(t, err)
	srv := httptest.NewServer(NewRESTHandler(engine, 0).Router())
	t.Cleanup(func() {
		srv.Close()
		_ = engine.Close()
	})
	mustQuery(t, srv, "CREATE TABLE users (id BIGINT PRIMARY KEY, name TEXT NOT NULL, age INT)")
	mustQuery(t, srv, "INSERT INTO users VALUES (1, 'ann', 31), (2, 'bob', 42), (3, 'cy', 42)")
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func mustQuery(t *testing.T, srv *httptest.Server, stmt string, params ...interface{}) QueryResponse {
	t.Helper()
	status, body := do(t, srv, http.MethodPost, "/query", QueryRequest{SQL: stmt, Params: params})
	require.Equal(t, http.StatusOK, status, string(body))
	var resp QueryResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestQueryEndpoint(t *testing.T) {
	srv := setupTestServer(t)
	resp := mustQuery(t, srv, "SELECT name FROM users WHERE age = $1 ORDER BY name", 42)
	assert.Equal(t, []string{"name"}, resp.Columns)
	require.Len(t, resp.Rows, 2)
	assert.Equal(t, "bob", resp.Rows[0][0])
	assert.Equal(t, "cy", resp.Rows[1][0])
	assert.EqualValues(t, 2, resp.Count)
}

func TestQueryErrorsMapToStatus(t *testing.T) {
	srv := setupTestServer(t)
	cases := []struct {
		sql    string
		status int
		kind   string
	}{
		{"SELECT * FROM missing", http.StatusNotFound, "PlanningError"},
		{"SELECT 1; DROP TABLE users -- x", http.StatusBadRequest, "ValidationError"},
		{"INSERT INTO users (id, name) VALUES (1, 'dup')", http.StatusConflict, "ExecutionError"},
		{"SELECT 1 / 0", http.StatusBadRequest, "ExecutionError"},
	}
	for _, tc := range cases {
		status, body := do(t, srv, http.MethodPost, "/query", QueryRequest{SQL: tc.sql})
		assert.Equal(t, tc.status, status, tc.sql)
		var e ErrorResponse
		require.NoError(t, json.Unmarshal(body, &e))
		assert.Equal(t, tc.kind, e.Kind, tc.sql)
		assert.NotEmpty(t, e.Error)
	}

	status, _ := do(t, srv, http.MethodPost, "/query", "not an object")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestExplainEndpoint(t *testing.T) {
	srv := setupTestServer(t)
	status, body := do(t, srv, http.MethodPost, "/explain", ExplainRequest{
		SQL:     "SELECT age, COUNT(*) FROM users GROUP BY age",
		Analyze: true,
	})
	require.Equal(t, http.StatusOK, status, string(body))
	var resp struct {
		Plan []struct {
			ID         int    `json:"id"`
			ParentID   int    `json:"parent_id"`
			Operation  string `json:"operation"`
			ActualRows *int64 `json:"actual_rows"`
		} `json:"plan"`
		Lines []string `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotEmpty(t, resp.Plan)
	assert.Equal(t, 1, resp.Plan[0].ID)
	assert.Equal(t, 0, resp.Plan[0].ParentID)
	require.NotNil(t, resp.Plan[0].ActualRows)
	assert.Equal(t, int64(2), *resp.Plan[0].ActualRows)
	assert.Len(t, resp.Lines, len(resp.Plan))
}

func TestStatsHealthAndMetrics(t *testing.T) {
	srv := setupTestServer(t)
	mustQuery(t, srv, "ANALYZE users")

	status, body := do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "ok")

	status, body = do(t, srv, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, status)
	var stats sql.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	require.Contains(t, stats.Tables, "users")
	assert.Equal(t, int64(3), stats.Tables["users"].Rows)

	status, body = do(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, strings.Contains(string(body), "querycore_queries_total"))
}

func TestTableRoutes(t *testing.T) {
	srv := setupTestServer(t)

	status, body := do(t, srv, http.MethodPost, "/api/table/users", map[string]interface{}{
		"id": 4, "name": "dee", "age": 19,
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	status, body = do(t, srv, http.MethodGet, "/api/table/users/4", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "dee", rec["name"])

	status, body = do(t, srv, http.MethodPatch, "/api/table/users/4", map[string]interface{}{"age": 20})
	require.Equal(t, http.StatusOK, status, string(body))
	var upd QueryResponse
	require.NoError(t, json.Unmarshal(body, &upd))
	require.NotNil(t, upd.AffectedRows)
	assert.Equal(t, int64(1), *upd.AffectedRows)

	status, body = do(t, srv, http.MethodGet, "/api/table/users?where.age=42&limit=10", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var list RecordsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 2, list.Count)

	status, _ = do(t, srv, http.MethodDelete, "/api/table/users/4", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = do(t, srv, http.MethodGet, "/api/table/users/4", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, srv, http.MethodGet, "/api/table/users;drop", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}
