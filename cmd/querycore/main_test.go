package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guileen/querycore/catalog"
	"github.com/guileen/querycore/protocol/sql"
	"github.com/guileen/querycore/storage/memstore"
)

func TestParseOptions(t *testing.T) {
	var opts Options
	_, err := flags.ParseArgs(&opts, []string{"-a", ":9999", "--seed", "100", "--timeout", "2s", "-q", "SELECT 1"})
	require.NoError(t, err)
	assert.Equal(t, ":9999", opts.Addr)
	assert.Equal(t, 100, opts.Seed)
	assert.Equal(t, "2s", opts.Timeout.String())
	assert.Equal(t, "SELECT 1", opts.Query)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "querycore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":7000\"\nlog:\n  level: WARN\n"), 0o600))

	cfg, err := loadConfig(Options{Config: path})
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "WARN", cfg.Log.Level)

	cfg, err = loadConfig(Options{Config: path, Addr: ":7001", LogLevel: "DEBUG"})
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.Server.Addr)
	assert.Equal(t, "DEBUG", cfg.Log.Level)
}

func TestSeedAndQuery(t *testing.T) {
	engine, err := sql.New(nil, memstore.New(), catalog.NewMemoryCatalog())
	require.NoError(t, err)
	defer engine.Close()
	ctx := context.Background()

	require.NoError(t, seed(ctx, engine, 1200))
	result, err := engine.Execute(ctx, "SELECT COUNT(*) FROM orders o JOIN customers c ON o.customer_id = c.id")
	require.NoError(t, err)
	assert.Equal(t, "1200", result.Rows[0][0].String())

	stats := engine.Stats()
	require.Contains(t, stats.Tables, "customers")
	assert.Equal(t, int64(120), stats.Tables["customers"].Rows)

	var out bytes.Buffer
	result, err = engine.Execute(ctx, "SELECT region, COUNT(*) FROM customers GROUP BY region ORDER BY region")
	require.NoError(t, err)
	require.NoError(t, printResult(&out, result))
	assert.Contains(t, out.String(), "north")
	assert.Contains(t, out.String(), "(4 rows")
}

func TestRunSingleQuery(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(Options{Seed: 50, Query: "SELECT COUNT(*) FROM orders"}, &out))
	assert.Contains(t, out.String(), "50")

	out.Reset()
	require.NoError(t, run(Options{Seed: 50, Query: "SELECT * FROM orders WHERE id = 7", Explain: true}, &out))
	assert.Contains(t, out.String(), "Scan")
}
