package expr

import (
	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/types"
)

// Evaluate interprets e directly over the AST. Column names are resolved and
// LIKE patterns translated on every call, so it is only meant as the
// reference the compiled form is checked against.
func Evaluate(e ast.Expr, schema Schema, row types.Row, params []types.Value) (types.Value, error) {
	switch x := e.(type) {
	case *ast.ColumnRef:
		idx, err := schema.Resolve(x.Table, x.Name)
		if err != nil {
			return types.Null(), err
		}
		return row[idx], nil
	case *ast.Literal:
		return x.Value, nil
	case *ast.Param:
		if x.Index < 1 || x.Index > len(params) {
			return types.Null(), qerrors.NewExecutionErrorf(op, "no value supplied for parameter $%d", x.Index)
		}
		return params[x.Index-1], nil
	case *ast.UnaryExpr:
		v, err := Evaluate(x.Expr, schema, row, params)
		if err != nil {
			return types.Null(), err
		}
		switch x.Op {
		case "NOT":
			return not3(v)
		case "-":
			return negate(v)
		case "+":
			return v, nil
		}
	case *ast.BinaryExpr:
		l, err := Evaluate(x.Left, schema, row, params)
		if err != nil {
			return types.Null(), err
		}
		switch x.Op {
		case "AND", "OR":
			b, null, err := truth(l)
			if err != nil {
				return types.Null(), err
			}
			if !null && b == (x.Op == "OR") {
				return boolValue(b), nil
			}
			r, err := Evaluate(x.Right, schema, row, params)
			if err != nil {
				return types.Null(), err
			}
			if x.Op == "AND" {
				return and3(l, r)
			}
			return or3(l, r)
		}
		r, err := Evaluate(x.Right, schema, row, params)
		if err != nil {
			return types.Null(), err
		}
		return binary(x.Op, l, r)
	case *ast.BetweenExpr:
		vals, err := evaluateAll([]ast.Expr{x.Expr, x.Low, x.High}, schema, row, params)
		if err != nil {
			return types.Null(), err
		}
		return between(vals[0], vals[1], vals[2], x.Not)
	case *ast.InExpr:
		v, err := Evaluate(x.Expr, schema, row, params)
		if err != nil {
			return types.Null(), err
		}
		if v.IsNull() {
			return types.Null(), nil
		}
		items, err := evaluateAll(x.List, schema, row, params)
		if err != nil {
			return types.Null(), err
		}
		return inList(v, items, x.Not)
	case *ast.LikeExpr:
		v, err := Evaluate(x.Expr, schema, row, params)
		if err != nil {
			return types.Null(), err
		}
		p, err := Evaluate(x.Pattern, schema, row, params)
		if err != nil || p.IsNull() || v.IsNull() {
			return types.Null(), err
		}
		re, err := compileLike(textOf(p), x.CaseInsensitive)
		if err != nil {
			return types.Null(), err
		}
		return likeMatch(v, re, x.Not), nil
	case *ast.IsNullExpr:
		v, err := Evaluate(x.Expr, schema, row, params)
		if err != nil {
			return types.Null(), err
		}
		return isNullTest(v, x.Not), nil
	case *ast.CastExpr:
		v, err := Evaluate(x.Expr, schema, row, params)
		if err != nil {
			return types.Null(), err
		}
		return castValue(v, x.Type)
	case *ast.CaseExpr:
		var subject types.Value
		if x.Operand != nil {
			v, err := Evaluate(x.Operand, schema, row, params)
			if err != nil {
				return types.Null(), err
			}
			subject = v
		}
		for _, w := range x.Whens {
			c, err := Evaluate(w.Cond, schema, row, params)
			if err != nil {
				return types.Null(), err
			}
			if x.Operand != nil {
				if c, err = compare("=", subject, c); err != nil {
					return types.Null(), err
				}
			}
			if IsTrue(c) {
				return Evaluate(w.Result, schema, row, params)
			}
		}
		if x.Else != nil {
			return Evaluate(x.Else, schema, row, params)
		}
		return types.Null(), nil
	case *ast.FuncCall:
		name := upperName(x.Name)
		if name == "COALESCE" {
			for _, a := range x.Args {
				v, err := Evaluate(a, schema, row, params)
				if err != nil || !v.IsNull() {
					return v, err
				}
			}
			return types.Null(), nil
		}
		if ast.IsAggregate(name) {
			return types.Null(), qerrors.NewPlanningErrorf(op, "aggregate function %s is not allowed here", name)
		}
		fn, err := lookupFunction(name, len(x.Args))
		if err != nil {
			return types.Null(), err
		}
		args, err := evaluateAll(x.Args, schema, row, params)
		if err != nil {
			return types.Null(), err
		}
		return callFunction(fn, args)
	}
	return types.Null(), qerrors.NewUnsupportedError(op, "expression %T is not supported", e)
}

func evaluateAll(exprs []ast.Expr, schema Schema, row types.Row, params []types.Value) ([]types.Value, error) {
	out := make([]types.Value, len(exprs))
	for i, e := range exprs {
		v, err := Evaluate(e, schema, row, params)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
