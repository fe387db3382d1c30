package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/guileen/querycore/errors"
)

func stageOf(t *testing.T, err error) string {
	t.Helper()
	var qe *qerrors.QueryError
	require.True(t, errors.As(err, &qe), "expected QueryError, got %v", err)
	assert.Equal(t, qerrors.KindValidation, qe.Kind)
	return qe.Stage
}

func TestValidateAcceptsOrdinaryQueries(t *testing.T) {
	v := New(Options{})
	queries := []string{
		"SELECT id, name FROM users WHERE id = $1",
		"SELECT * FROM t WHERE note = 'has -- dashes and # and /* inside'",
		`SELECT "weird--name" FROM t`,
		"SELECT a % 20 FROM t",
		"WITH x AS (SELECT 1) SELECT * FROM x",
		"INSERT INTO t VALUES (1, 'it''s')",
		"SELECT 'tab\\tend' FROM t",
		"SELECT 'Привет' FROM t",
		"SELECT 1 FROM t WHERE a = 1 OR b = 2",
	}
	for _, q := range queries {
		_, err := v.Validate(q)
		assert.NoError(t, err, q)
	}
}

func TestValidateStages(t *testing.T) {
	v := New(Options{MaxLength: 200, AllowedStatements: []string{"SELECT", "INSERT"}})
	tests := []struct {
		name  string
		query string
		stage string
	}{
		{"too long", "SELECT " + strings.Repeat("a", 300), StageNormalize},
		{"zero width", "SELECT\u200b 1", StageNormalize},
		{"control char", "SELECT \x01 1", StageNormalize},
		{"cyrillic homograph", "SELECT * FROM us\u0435rs", StageNormalize},
		{"line comment", "SELECT 1 -- drop", StageDangerous},
		{"block comment", "SELECT /* x */ 1", StageDangerous},
		{"hash comment", "SELECT 1 # x", StageDangerous},
		{"stacked drop", "SELECT 1; DROP TABLE users", StageDangerous},
		{"blocked keyword", "SELECT pg_sleep(10)", StageDangerous},
		{"numeric tautology", "SELECT * FROM t WHERE a = 1 OR 1=1", StageDangerous},
		{"string tautology", "SELECT * FROM t WHERE a = 'x' OR 'a'='a'", StageDangerous},
		{"hex blob", "SELECT 0x414243", StageDangerous},
		{"percent encoding", "SELECT%27 1", StageDangerous},
		{"unterminated quote", "SELECT 'abc", StageStructure},
		{"unterminated identifier", `SELECT "abc`, StageStructure},
		{"unbalanced parens", "SELECT (1 + 2", StageStructure},
		{"closing paren first", "SELECT 1)(", StageStructure},
		{"bad escape", "SELECT 'a\\qb'", StageEscape},
		{"verb not allowed", "DELETE FROM t", StageAllowList},
		{"second statement not allowed", "SELECT 1; VALUES (1)", StageAllowList},
		{"empty", "   ;; ", StageSanitize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.query)
			require.Error(t, err)
			assert.Equal(t, tt.stage, stageOf(t, err))
		})
	}
}

func TestValidateCanonicalizes(t *testing.T) {
	v := New(Options{})
	out, err := v.Validate("\ufeff  SELECT \uff46\uff4f\uff4f FROM t;;  ")
	require.NoError(t, err)
	assert.Equal(t, "SELECT foo FROM t", out)
}

func TestCheckFunction(t *testing.T) {
	v := New(Options{})
	assert.NoError(t, v.CheckFunction("upper"))
	assert.NoError(t, v.CheckFunction("COUNT"))
	err := v.CheckFunction("pg_terminate_backend")
	require.Error(t, err)
	assert.Equal(t, StageAllowList, stageOf(t, err))
}
