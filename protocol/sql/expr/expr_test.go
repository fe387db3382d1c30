package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/types"
)

var testSchema = Schema{
	{Table: "t", Name: "a", Type: types.ColumnTypeBigInt},
	{Table: "t", Name: "b", Type: types.ColumnTypeDouble},
	{Table: "t", Name: "s", Type: types.ColumnTypeText},
	{Table: "t", Name: "f", Type: types.ColumnTypeBoolean},
}

var testRows = []types.Row{
	{types.NewInt(1), types.NewFloat(1.5), types.NewText("apple"), types.NewBool(true)},
	{types.NewInt(2), types.NewFloat(-3), types.NewText("Banana"), types.NewBool(false)},
	{types.NewInt(0), types.Null(), types.NewText("cherry pie"), types.Null()},
	{types.Null(), types.NewFloat(10), types.Null(), types.NewBool(true)},
	{types.NewInt(7), types.NewFloat(7), types.NewText("a_b%c"), types.NewBool(false)},
}

func col(name string) ast.Expr    { return &ast.ColumnRef{Name: name} }
func num(i int64) ast.Expr        { return &ast.Literal{Value: types.NewInt(i)} }
func flt(f float64) ast.Expr      { return &ast.Literal{Value: types.NewFloat(f)} }
func str(s string) ast.Expr       { return &ast.Literal{Value: types.NewText(s)} }
func null() ast.Expr              { return &ast.Literal{} }
func bin(op string, l, r ast.Expr) ast.Expr {
	return &ast.BinaryExpr{Op: op, Left: l, Right: r}
}
func call(name string, args ...ast.Expr) ast.Expr {
	return &ast.FuncCall{Name: name, Args: args}
}

func equivalenceCases() map[string]ast.Expr {
	return map[string]ast.Expr{
		"comparison":      bin(">", col("a"), num(1)),
		"mixed numeric":   bin("=", col("a"), col("b")),
		"text coercion":   bin("=", col("a"), str("2")),
		"and with null":   bin("AND", bin(">", col("b"), flt(0)), col("f")),
		"or with null":    bin("OR", bin("<", col("a"), num(1)), col("f")),
		"not":             &ast.UnaryExpr{Op: "NOT", Expr: col("f")},
		"arith":           bin("+", bin("*", col("a"), num(3)), col("b")),
		"int division":    bin("/", num(7), bin("+", col("a"), num(1))),
		"negate":          &ast.UnaryExpr{Op: "-", Expr: col("b")},
		"concat":          bin("||", col("s"), str("!")),
		"between":         &ast.BetweenExpr{Expr: col("b"), Low: num(1), High: num(7)},
		"not between":     &ast.BetweenExpr{Expr: col("a"), Low: num(1), High: num(2), Not: true},
		"in":              &ast.InExpr{Expr: col("a"), List: []ast.Expr{num(1), num(7), flt(2.0)}},
		"in with null":    &ast.InExpr{Expr: col("a"), List: []ast.Expr{num(5), null()}},
		"not in":          &ast.InExpr{Expr: col("s"), List: []ast.Expr{str("apple")}, Not: true},
		"in columns":      &ast.InExpr{Expr: col("a"), List: []ast.Expr{col("b"), num(0)}},
		"like":            &ast.LikeExpr{Expr: col("s"), Pattern: str("%an%")},
		"ilike":           &ast.LikeExpr{Expr: col("s"), Pattern: str("b%"), CaseInsensitive: true},
		"like escape":     &ast.LikeExpr{Expr: col("s"), Pattern: str(`a\_b\%_`)},
		"not like":        &ast.LikeExpr{Expr: col("s"), Pattern: str("_____"), Not: true},
		"is null":         &ast.IsNullExpr{Expr: col("b")},
		"is not null":     &ast.IsNullExpr{Expr: col("s"), Not: true},
		"cast":            &ast.CastExpr{Expr: col("a"), Type: types.ColumnTypeText},
		"searched case":   &ast.CaseExpr{Whens: []ast.When{{Cond: bin(">", col("a"), num(1)), Result: str("big")}}, Else: str("small")},
		"simple case":     &ast.CaseExpr{Operand: col("a"), Whens: []ast.When{{Cond: num(1), Result: str("one")}, {Cond: num(2), Result: str("two")}}},
		"coalesce":        call("COALESCE", col("b"), col("a"), num(-1)),
		"upper lower":     bin("||", call("UPPER", col("s")), call("lower", col("s"))),
		"length":          call("LENGTH", col("s")),
		"substring":       call("SUBSTRING", col("s"), num(2), num(3)),
		"trim":            call("TRIM", bin("||", str("  "), col("s"))),
		"replace":         call("REPLACE", col("s"), str("a"), str("o")),
		"abs ceil floor":  bin("+", call("ABS", col("b")), bin("+", call("CEIL", col("b")), call("FLOOR", col("b")))),
		"round":           call("ROUND", bin("/", col("b"), num(3)), num(2)),
		"mod":             call("MOD", col("a"), num(2)),
		"power sqrt":      bin("+", call("POWER", col("a"), num(2)), call("SQRT", call("ABS", col("b")))),
		"nullif":          call("NULLIF", col("a"), num(1)),
		"concat function": call("CONCAT", col("s"), col("a"), null()),
		"param":           bin(">=", col("a"), &ast.Param{Index: 1}),
		"param like":      &ast.LikeExpr{Expr: col("s"), Pattern: &ast.Param{Index: 2}},
		"param in":        &ast.InExpr{Expr: col("a"), List: []ast.Expr{&ast.Param{Index: 1}, num(0)}},
	}
}

func TestCompiledMatchesReference(t *testing.T) {
	params := []types.Value{types.NewInt(2), types.NewText("%e%")}
	for name, e := range equivalenceCases() {
		t.Run(name, func(t *testing.T) {
			compiled, err := Compile(e, testSchema)
			require.NoError(t, err)
			ctx := NewEvalContext(params)
			for i, row := range testRows {
				want, wantErr := Evaluate(e, testSchema, row, params)
				got, gotErr := compiled.Eval(row, ctx)
				if wantErr != nil {
					assert.Error(t, gotErr, "row %d", i)
					continue
				}
				require.NoError(t, gotErr, "row %d", i)
				assert.Equal(t, want, got, "row %d", i)
			}
		})
	}
}

func TestThreeValuedLogic(t *testing.T) {
	tests := []struct {
		expr ast.Expr
		want types.Value
	}{
		{bin("AND", null(), &ast.Literal{Value: types.NewBool(false)}), types.NewBool(false)},
		{bin("AND", null(), &ast.Literal{Value: types.NewBool(true)}), types.Null()},
		{bin("OR", null(), &ast.Literal{Value: types.NewBool(true)}), types.NewBool(true)},
		{bin("OR", null(), &ast.Literal{Value: types.NewBool(false)}), types.Null()},
		{&ast.UnaryExpr{Op: "NOT", Expr: null()}, types.Null()},
		{bin("=", null(), null()), types.Null()},
		{&ast.InExpr{Expr: num(3), List: []ast.Expr{num(1), null()}}, types.Null()},
		{&ast.InExpr{Expr: num(1), List: []ast.Expr{num(1), null()}}, types.NewBool(true)},
	}
	for _, tt := range tests {
		c, err := Compile(tt.expr, nil)
		require.NoError(t, err)
		got, err := c.Eval(nil, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.expr.String())
	}
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile(col("missing"), testSchema)
	assert.True(t, qerrors.IsPlanningError(err))

	joined := testSchema.Concat(testSchema.WithTable("u"))
	_, err = Compile(col("a"), joined)
	assert.True(t, qerrors.IsPlanningError(err))
	c, err := Compile(&ast.ColumnRef{Table: "u", Name: "a"}, joined)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, c.Columns())

	_, err = Compile(call("SUM", col("a")), testSchema)
	assert.True(t, qerrors.IsPlanningError(err))
	_, err = Compile(call("NOPE", col("a")), testSchema)
	assert.True(t, qerrors.IsPlanningError(err))
	_, err = Compile(call("UPPER"), testSchema)
	assert.True(t, qerrors.IsPlanningError(err))
}

func TestEvalErrors(t *testing.T) {
	c, err := Compile(bin("/", col("a"), num(0)), testSchema)
	require.NoError(t, err)
	_, err = c.Eval(testRows[0], nil)
	require.Error(t, err)
	var qe *qerrors.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, qerrors.ErrCodeDivisionByZero, qe.Code)

	c, err = Compile(bin("+", col("s"), num(1)), testSchema)
	require.NoError(t, err)
	_, err = c.Eval(testRows[0], nil)
	assert.True(t, qerrors.IsExecutionError(err))

	c, err = Compile(&ast.Param{Index: 3}, testSchema)
	require.NoError(t, err)
	_, err = c.Eval(testRows[0], NewEvalContext(nil))
	assert.Error(t, err)
}

func TestMatches(t *testing.T) {
	c, err := Compile(bin(">", col("b"), num(0)), testSchema)
	require.NoError(t, err)
	var matched []int
	for i, row := range testRows {
		ok, err := c.Matches(row, nil)
		require.NoError(t, err)
		if ok {
			matched = append(matched, i)
		}
	}
	assert.Equal(t, []int{0, 3, 4}, matched)
}

func TestParamLikeMemoizedPerContext(t *testing.T) {
	e := &ast.LikeExpr{Expr: col("s"), Pattern: &ast.Param{Index: 1}}
	c, err := Compile(e, testSchema)
	require.NoError(t, err)

	ctx := NewEvalContext([]types.Value{types.NewText("a%")})
	v, err := c.Eval(testRows[0], ctx)
	require.NoError(t, err)
	assert.Equal(t, types.NewBool(true), v)
	_, memoized := ctx.memo.Load(c.root)
	assert.True(t, memoized)

	// a new execution binds a different pattern to the same compiled tree
	other := NewEvalContext([]types.Value{types.NewText("B%")})
	v, err = c.Eval(testRows[1], other)
	require.NoError(t, err)
	assert.Equal(t, types.NewBool(true), v)
	v, err = c.Eval(testRows[0], other)
	require.NoError(t, err)
	assert.Equal(t, types.NewBool(false), v)
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, types.ColumnTypeBigInt, TypeOf(bin("+", col("a"), num(1)), testSchema))
	assert.Equal(t, types.ColumnTypeDouble, TypeOf(bin("+", col("a"), col("b")), testSchema))
	assert.Equal(t, types.ColumnTypeBoolean, TypeOf(&ast.LikeExpr{Expr: col("s"), Pattern: str("x")}, testSchema))
	assert.Equal(t, types.ColumnTypeText, TypeOf(call("UPPER", col("s")), testSchema))
	assert.Equal(t, types.ColumnTypeBigInt, TypeOf(call("COUNT", col("s")), testSchema))
}

func TestPredicateCacheSharesCommutedPredicates(t *testing.T) {
	pc := NewPredicateCache(8)
	p1 := bin("AND", bin("=", col("a"), &ast.Param{Index: 1}), bin("=", col("s"), &ast.Param{Index: 2}))
	p2 := bin("AND", bin("=", col("s"), &ast.Param{Index: 2}), bin("=", col("a"), &ast.Param{Index: 1}))

	c1, err := pc.Compile(p1, testSchema)
	require.NoError(t, err)
	c2, err := pc.Compile(p2, testSchema)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, uint64(1), pc.Hits())
	assert.Equal(t, uint64(1), pc.Misses())

	// a different input layout is a different entry
	_, err = pc.Compile(p1, testSchema.WithTable("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pc.Misses())
	assert.Equal(t, 2, pc.Len())
}

func TestPredicateCacheBounded(t *testing.T) {
	pc := NewPredicateCache(2)
	for i := int64(0); i < 5; i++ {
		_, err := pc.Compile(bin("=", col("a"), num(i)), testSchema)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, pc.Len())
}
