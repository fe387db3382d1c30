package parser

import (
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/types"
)

func convertOptional(n *pg_query.Node) (ast.Expr, error) {
	if n == nil {
		return nil, nil
	}
	return convertExpr(n)
}

func convertExprs(nodes []*pg_query.Node) ([]ast.Expr, error) {
	out := make([]ast.Expr, 0, len(nodes))
	for _, n := range nodes {
		e, err := convertExpr(n)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func convertExpr(n *pg_query.Node) (ast.Expr, error) {
	switch {
	case n == nil:
		return nil, unsupported("missing expression")
	case n.GetColumnRef() != nil:
		return convertColumnRef(n.GetColumnRef())
	case n.GetAConst() != nil:
		v, err := constValue(n.GetAConst())
		if err != nil {
			return nil, err
		}
		return &ast.Literal{Value: v}, nil
	case n.GetParamRef() != nil:
		return &ast.Param{Index: int(n.GetParamRef().GetNumber())}, nil
	case n.GetAExpr() != nil:
		return convertAExpr(n.GetAExpr())
	case n.GetBoolExpr() != nil:
		return convertBoolExpr(n.GetBoolExpr())
	case n.GetNullTest() != nil:
		nt := n.GetNullTest()
		arg, err := convertExpr(nt.GetArg())
		if err != nil {
			return nil, err
		}
		return &ast.IsNullExpr{Expr: arg, Not: nt.GetNulltesttype() == pg_query.NullTestType_IS_NOT_NULL}, nil
	case n.GetFuncCall() != nil:
		return convertFuncCall(n.GetFuncCall())
	case n.GetCoalesceExpr() != nil:
		args, err := convertExprs(n.GetCoalesceExpr().GetArgs())
		if err != nil {
			return nil, err
		}
		return &ast.FuncCall{Name: "COALESCE", Args: args}, nil
	case n.GetTypeCast() != nil:
		tc := n.GetTypeCast()
		arg, err := convertExpr(tc.GetArg())
		if err != nil {
			return nil, err
		}
		typ, err := typeName(tc.GetTypeName())
		if err != nil {
			return nil, err
		}
		// Fold casts of constants so DEFAULT and VALUES entries stay literals.
		if lit, ok := arg.(*ast.Literal); ok {
			if v, err := types.Coerce(lit.Value, typ); err == nil {
				return &ast.Literal{Value: v}, nil
			}
		}
		return &ast.CastExpr{Expr: arg, Type: typ}, nil
	case n.GetCaseExpr() != nil:
		return convertCase(n.GetCaseExpr())
	case n.GetSubLink() != nil:
		return nil, unsupported("subqueries in expressions are not supported")
	case n.GetMinMaxExpr() != nil:
		return nil, unsupported("GREATEST and LEAST are not supported")
	}
	return nil, unsupported("unsupported expression %T", n.GetNode())
}

func convertColumnRef(cr *pg_query.ColumnRef) (ast.Expr, error) {
	var parts []string
	for _, f := range cr.GetFields() {
		if f.GetAStar() != nil {
			return nil, unsupported("* is only allowed in the select list and COUNT(*)")
		}
		parts = append(parts, lowerName(f.GetString_().GetSval()))
	}
	switch len(parts) {
	case 1:
		return &ast.ColumnRef{Name: parts[0]}, nil
	case 2:
		return &ast.ColumnRef{Table: parts[0], Name: parts[1]}, nil
	}
	return nil, unsupported("column reference %s is not supported", strings.Join(parts, "."))
}

func constValue(c *pg_query.A_Const) (types.Value, error) {
	if c.GetIsnull() {
		return types.Null(), nil
	}
	switch {
	case c.GetIval() != nil:
		return types.NewInt(int64(c.GetIval().GetIval())), nil
	case c.GetFval() != nil:
		// Integers beyond int32 arrive as Float nodes.
		s := c.GetFval().GetFval()
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return types.NewInt(i), nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return types.Value{}, unsupported("numeric constant %s is out of range", s)
		}
		return types.NewFloat(f), nil
	case c.GetBoolval() != nil:
		return types.NewBool(c.GetBoolval().GetBoolval()), nil
	case c.GetSval() != nil:
		return types.NewText(c.GetSval().GetSval()), nil
	}
	return types.Value{}, unsupported("bit-string constants are not supported")
}

var comparisonOps = map[string]string{
	"=": "=", "<>": "<>", "!=": "<>", "<": "<", "<=": "<=", ">": ">", ">=": ">=",
	"+": "+", "-": "-", "*": "*", "/": "/", "%": "%", "||": "||",
}

func opName(names []*pg_query.Node) string {
	if len(names) == 0 {
		return ""
	}
	return names[len(names)-1].GetString_().GetSval()
}

func convertAExpr(a *pg_query.A_Expr) (ast.Expr, error) {
	name := opName(a.GetName())
	switch a.GetKind() {
	case pg_query.A_Expr_Kind_AEXPR_OP:
		op, ok := comparisonOps[name]
		if !ok {
			return nil, unsupported("operator %s is not supported", name)
		}
		right, err := convertExpr(a.GetRexpr())
		if err != nil {
			return nil, err
		}
		if a.GetLexpr() == nil {
			if op != "-" && op != "+" {
				return nil, unsupported("prefix operator %s is not supported", name)
			}
			if lit, ok := right.(*ast.Literal); ok && op == "-" {
				if i, ok := lit.Value.Int(); ok {
					return &ast.Literal{Value: types.NewInt(-i)}, nil
				}
				if f, ok := lit.Value.Float(); ok {
					return &ast.Literal{Value: types.NewFloat(-f)}, nil
				}
			}
			return &ast.UnaryExpr{Op: op, Expr: right}, nil
		}
		left, err := convertExpr(a.GetLexpr())
		if err != nil {
			return nil, err
		}
		return &ast.BinaryExpr{Op: op, Left: left, Right: right}, nil

	case pg_query.A_Expr_Kind_AEXPR_IN:
		left, err := convertExpr(a.GetLexpr())
		if err != nil {
			return nil, err
		}
		list, err := convertExprs(a.GetRexpr().GetList().GetItems())
		if err != nil {
			return nil, err
		}
		return &ast.InExpr{Expr: left, List: list, Not: name == "<>"}, nil

	case pg_query.A_Expr_Kind_AEXPR_LIKE, pg_query.A_Expr_Kind_AEXPR_ILIKE:
		left, err := convertExpr(a.GetLexpr())
		if err != nil {
			return nil, err
		}
		pattern, err := convertExpr(a.GetRexpr())
		if err != nil {
			return nil, err
		}
		return &ast.LikeExpr{
			Expr:            left,
			Pattern:         pattern,
			Not:             strings.HasPrefix(name, "!"),
			CaseInsensitive: a.GetKind() == pg_query.A_Expr_Kind_AEXPR_ILIKE,
		}, nil

	case pg_query.A_Expr_Kind_AEXPR_BETWEEN, pg_query.A_Expr_Kind_AEXPR_NOT_BETWEEN:
		left, err := convertExpr(a.GetLexpr())
		if err != nil {
			return nil, err
		}
		bounds, err := convertExprs(a.GetRexpr().GetList().GetItems())
		if err != nil {
			return nil, err
		}
		if len(bounds) != 2 {
			return nil, unsupported("malformed BETWEEN")
		}
		return &ast.BetweenExpr{Expr: left, Low: bounds[0], High: bounds[1], Not: a.GetKind() == pg_query.A_Expr_Kind_AEXPR_NOT_BETWEEN}, nil

	case pg_query.A_Expr_Kind_AEXPR_NULLIF:
		args, err := convertExprs([]*pg_query.Node{a.GetLexpr(), a.GetRexpr()})
		if err != nil {
			return nil, err
		}
		return &ast.FuncCall{Name: "NULLIF", Args: args}, nil
	}
	return nil, unsupported("expression kind %s is not supported", a.GetKind())
}

func convertBoolExpr(b *pg_query.BoolExpr) (ast.Expr, error) {
	args, err := convertExprs(b.GetArgs())
	if err != nil {
		return nil, err
	}
	switch b.GetBoolop() {
	case pg_query.BoolExprType_NOT_EXPR:
		return &ast.UnaryExpr{Op: "NOT", Expr: args[0]}, nil
	case pg_query.BoolExprType_AND_EXPR, pg_query.BoolExprType_OR_EXPR:
		op := "AND"
		if b.GetBoolop() == pg_query.BoolExprType_OR_EXPR {
			op = "OR"
		}
		out := args[0]
		for _, a := range args[1:] {
			out = &ast.BinaryExpr{Op: op, Left: out, Right: a}
		}
		return out, nil
	}
	return nil, unsupported("boolean operator %s is not supported", b.GetBoolop())
}

func convertFuncCall(f *pg_query.FuncCall) (ast.Expr, error) {
	if f.GetOver() != nil {
		return nil, unsupported("window functions are not supported")
	}
	if len(f.GetAggOrder()) > 0 || f.GetAggFilter() != nil {
		return nil, unsupported("ordered or filtered aggregates are not supported")
	}
	name := strings.ToUpper(opName(f.GetFuncname()))
	// TRIM(x) arrives as btrim.
	if name == "BTRIM" {
		name = "TRIM"
	}
	args, err := convertExprs(f.GetArgs())
	if err != nil {
		return nil, err
	}
	return &ast.FuncCall{Name: name, Args: args, Star: f.GetAggStar(), Distinct: f.GetAggDistinct()}, nil
}

func convertCase(c *pg_query.CaseExpr) (ast.Expr, error) {
	out := &ast.CaseExpr{}
	var err error
	if out.Operand, err = convertOptional(c.GetArg()); err != nil {
		return nil, err
	}
	for _, n := range c.GetArgs() {
		w := n.GetCaseWhen()
		cond, err := convertExpr(w.GetExpr())
		if err != nil {
			return nil, err
		}
		res, err := convertExpr(w.GetResult())
		if err != nil {
			return nil, err
		}
		out.Whens = append(out.Whens, ast.When{Cond: cond, Result: res})
	}
	if out.Else, err = convertOptional(c.GetDefresult()); err != nil {
		return nil, err
	}
	return out, nil
}

func typeName(tn *pg_query.TypeName) (types.ColumnType, error) {
	names := tn.GetNames()
	if len(names) == 0 {
		return types.ColumnTypeUnknown, unsupported("missing type name")
	}
	if len(tn.GetArrayBounds()) > 0 {
		return types.ColumnTypeUnknown, unsupported("array types are not supported")
	}
	name := names[len(names)-1].GetString_().GetSval()
	typ, ok := types.ParseColumnType(name)
	if !ok {
		return types.ColumnTypeUnknown, unsupported("type %s is not supported", name)
	}
	return typ, nil
}
