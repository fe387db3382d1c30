package ast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guileen/querycore/types"
)

func col(name string) *ColumnRef { return &ColumnRef{Name: name} }
func lit(v int64) *Literal       { return &Literal{Value: types.NewInt(v)} }
func eq(l, r Expr) *BinaryExpr   { return &BinaryExpr{Op: "=", Left: l, Right: r} }

func selectFrom(targets []SelectItem, where Expr) *SelectStmt {
	return &SelectStmt{
		Targets: targets,
		From:    []TableExpr{&TableRef{Name: "t"}},
		Where:   where,
	}
}

func TestExprString(t *testing.T) {
	tests := []struct {
		expr Expr
		want string
	}{
		{And(eq(col("a"), lit(1)), eq(col("b"), lit(2)), eq(col("c"), lit(3))), "a = 1 AND b = 2 AND c = 3"},
		{&BinaryExpr{Op: "OR", Left: eq(col("a"), lit(1)), Right: And(eq(col("b"), lit(2)), eq(col("c"), lit(3)))}, "a = 1 OR (b = 2 AND c = 3)"},
		{&BinaryExpr{Op: "-", Left: col("a"), Right: &BinaryExpr{Op: "-", Left: col("b"), Right: col("c")}}, "a - (b - c)"},
		{&UnaryExpr{Op: "NOT", Expr: eq(col("a"), lit(1))}, "NOT (a = 1)"},
		{&FuncCall{Name: "count", Star: true}, "COUNT(*)"},
		{&FuncCall{Name: "count", Args: []Expr{col("a")}, Distinct: true}, "COUNT(DISTINCT a)"},
		{&InExpr{Expr: col("a"), List: []Expr{lit(1), lit(2)}, Not: true}, "a NOT IN (1, 2)"},
		{&LikeExpr{Expr: col("s"), Pattern: &Literal{Value: types.NewText("a%")}, CaseInsensitive: true}, "s ILIKE 'a%'"},
		{&BetweenExpr{Expr: col("a"), Low: lit(1), High: lit(5)}, "a BETWEEN 1 AND 5"},
		{&IsNullExpr{Expr: &ColumnRef{Table: "t", Name: "a"}, Not: true}, "t.a IS NOT NULL"},
		{&CastExpr{Expr: col("a"), Type: types.ColumnTypeText}, "CAST(a AS TEXT)"},
		{&CaseExpr{Whens: []When{{Cond: eq(col("a"), lit(1)), Result: &Literal{Value: types.NewText("one")}}}, Else: &Literal{}}, "CASE WHEN a = 1 THEN 'one' ELSE NULL END"},
		{&Literal{Value: types.NewText("it's")}, "'it''s'"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.expr.String())
	}
}

func TestNormalizeSortsCommutativeOperands(t *testing.T) {
	a := NormalizeExpr(And(eq(col("b"), lit(2)), eq(col("a"), lit(1))))
	b := NormalizeExpr(And(eq(lit(1), col("a")), eq(col("b"), lit(2))))
	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, "a = 1 AND b = 2", a.String())
}

func TestNormalizeFlattensNestedChains(t *testing.T) {
	nested := &BinaryExpr{Op: "AND",
		Left:  eq(col("c"), lit(3)),
		Right: &BinaryExpr{Op: "AND", Left: eq(col("b"), lit(2)), Right: eq(col("a"), lit(1))},
	}
	assert.Equal(t, "a = 1 AND b = 2 AND c = 3", NormalizeExpr(nested).String())
}

func TestFingerprintIgnoresWhereLiterals(t *testing.T) {
	star := []SelectItem{{Star: true}}
	q1 := selectFrom(star, And(eq(col("a"), lit(1)), eq(col("b"), lit(2))))
	q2 := selectFrom(star, And(eq(col("b"), lit(20)), eq(col("a"), lit(10))))

	n1, fp1, vals1 := PrepareForCache(q1, 0)
	_, fp2, vals2 := PrepareForCache(q2, 0)
	assert.Equal(t, fp1, fp2)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", n1.String())
	assert.Equal(t, []types.Value{types.NewInt(1), types.NewInt(2)}, vals1)
	assert.Equal(t, []types.Value{types.NewInt(10), types.NewInt(20)}, vals2)

	// the original is untouched
	assert.Equal(t, "SELECT * FROM t WHERE a = 1 AND b = 2", q1.String())
}

func TestFingerprintKeepsProjectionLiterals(t *testing.T) {
	q1 := selectFrom([]SelectItem{{Expr: lit(1)}}, nil)
	q2 := selectFrom([]SelectItem{{Expr: lit(2)}}, nil)
	_, fp1, _ := PrepareForCache(q1, 0)
	_, fp2, _ := PrepareForCache(q2, 0)
	assert.NotEqual(t, fp1, fp2)
}

func TestParameterizeNumbersAfterUserParams(t *testing.T) {
	q := selectFrom([]SelectItem{{Star: true}}, And(eq(col("a"), &Param{Index: 1}), eq(col("b"), lit(7))))
	n, fp, vals := PrepareForCache(q, 1)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", n.String())
	assert.Equal(t, []types.Value{types.NewInt(7)}, vals)
	assert.Contains(t, fp, "params=1")
}

func TestParameterizeJoinAndSubquery(t *testing.T) {
	inner := selectFrom([]SelectItem{{Expr: col("id")}}, eq(col("flag"), lit(1)))
	q := &SelectStmt{
		Targets: []SelectItem{{Star: true}},
		From: []TableExpr{&JoinExpr{
			Kind:  JoinInner,
			Left:  &TableRef{Name: "o"},
			Right: &SubqueryRef{Query: inner, Alias: "s"},
			On:    And(eq(&ColumnRef{Table: "o", Name: "id"}, &ColumnRef{Table: "s", Name: "id"}), eq(&ColumnRef{Table: "o", Name: "kind"}, &Literal{Value: types.NewText("x")})),
		}},
		Limit: lit(10),
	}
	n, _, vals := PrepareForCache(q, 0)
	require.Len(t, vals, 2)
	assert.Contains(t, n.String(), "LIMIT 10")
	assert.NotContains(t, n.String(), "'x'")
	assert.NotContains(t, n.String(), "flag = 1")
}

func TestConjuncts(t *testing.T) {
	e := And(eq(col("a"), lit(1)), eq(col("b"), lit(2)), eq(col("c"), lit(3)))
	assert.Len(t, Conjuncts(e), 3)
	assert.Nil(t, Conjuncts(nil))
	assert.True(t, ContainsAggregate(&BinaryExpr{Op: "+", Left: &FuncCall{Name: "sum", Args: []Expr{col("a")}}, Right: lit(1)}))
}

func TestReplaceIsTopDown(t *testing.T) {
	sum := &FuncCall{Name: "SUM", Args: []Expr{col("a")}}
	e := &BinaryExpr{Op: "+", Left: sum, Right: &FuncCall{Name: "SUM", Args: []Expr{col("a")}}}
	calls := 0
	out := Replace(e, func(n Expr) (Expr, bool) {
		if f, ok := n.(*FuncCall); ok && IsAggregate(f.Name) {
			calls++
			return &ColumnRef{Name: f.String()}, true
		}
		if _, ok := n.(*ColumnRef); ok {
			t.Fatalf("descended into a replaced node")
		}
		return nil, false
	})
	assert.Equal(t, 2, calls)
	assert.Equal(t, "SUM(a) + SUM(a)", out.String())
	assert.Equal(t, &ColumnRef{Name: "SUM(a)"}, out.(*BinaryExpr).Left)
}
