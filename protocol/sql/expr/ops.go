package expr

import (
	"math"
	"strings"

	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/types"
)

const op = "eval"

var (
	trueValue  = types.NewBool(true)
	falseValue = types.NewBool(false)
)

func boolValue(b bool) types.Value {
	if b {
		return trueValue
	}
	return falseValue
}

// truth interprets v as a SQL boolean. null reports UNKNOWN.
func truth(v types.Value) (b bool, null bool, err error) {
	if v.IsNull() {
		return false, true, nil
	}
	if b, ok := v.Bool(); ok {
		return b, false, nil
	}
	return false, false, qerrors.NewTypeError(op, "argument of type %s is not boolean", v.Type)
}

// IsTrue reports whether a predicate result selects the row.
func IsTrue(v types.Value) bool {
	b, ok := v.Bool()
	return ok && b
}

// compareValues orders two values, coercing a text operand to the family of
// the other side. null is set when either side is NULL.
func compareValues(a, b types.Value) (cmp int, null bool, err error) {
	if a.IsNull() || b.IsNull() {
		return 0, true, nil
	}
	if c, ok := types.Compare(a, b); ok {
		return c, false, nil
	}
	if _, ok := a.Text(); ok {
		if ca, cerr := types.Coerce(a, comparisonFamily(b)); cerr == nil {
			if c, ok := types.Compare(ca, b); ok {
				return c, false, nil
			}
		}
	} else if _, ok := b.Text(); ok {
		if cb, cerr := types.Coerce(b, comparisonFamily(a)); cerr == nil {
			if c, ok := types.Compare(a, cb); ok {
				return c, false, nil
			}
		}
	}
	return 0, false, qerrors.NewTypeError(op, "cannot compare %s with %s", a.Type, b.Type)
}

func comparisonFamily(v types.Value) types.ColumnType {
	if v.Type == types.ColumnTypeBigInt {
		return types.ColumnTypeDouble
	}
	return v.Type
}

func compare(opName string, a, b types.Value) (types.Value, error) {
	c, null, err := compareValues(a, b)
	if err != nil || null {
		return types.Null(), err
	}
	switch opName {
	case "=":
		return boolValue(c == 0), nil
	case "<>":
		return boolValue(c != 0), nil
	case "<":
		return boolValue(c < 0), nil
	case "<=":
		return boolValue(c <= 0), nil
	case ">":
		return boolValue(c > 0), nil
	case ">=":
		return boolValue(c >= 0), nil
	}
	return types.Null(), qerrors.NewUnsupportedError(op, "operator %s is not supported", opName)
}

func isComparison(opName string) bool {
	switch opName {
	case "=", "<>", "<", "<=", ">", ">=":
		return true
	}
	return false
}

func arith(opName string, a, b types.Value) (types.Value, error) {
	if a.IsNull() || b.IsNull() {
		return types.Null(), nil
	}
	ai, aInt := a.Int()
	bi, bInt := b.Int()
	if aInt && bInt {
		switch opName {
		case "+":
			return types.NewInt(ai + bi), nil
		case "-":
			return types.NewInt(ai - bi), nil
		case "*":
			return types.NewInt(ai * bi), nil
		case "/":
			if bi == 0 {
				return types.Null(), qerrors.NewDivisionByZero(op)
			}
			return types.NewInt(ai / bi), nil
		case "%":
			if bi == 0 {
				return types.Null(), qerrors.NewDivisionByZero(op)
			}
			return types.NewInt(ai % bi), nil
		}
	}
	af, aok := a.Float()
	bf, bok := b.Float()
	if !aok || !bok {
		return types.Null(), qerrors.NewTypeError(op, "operator %s is not defined for %s and %s", opName, a.Type, b.Type)
	}
	switch opName {
	case "+":
		return types.NewFloat(af + bf), nil
	case "-":
		return types.NewFloat(af - bf), nil
	case "*":
		return types.NewFloat(af * bf), nil
	case "/":
		if bf == 0 {
			return types.Null(), qerrors.NewDivisionByZero(op)
		}
		return types.NewFloat(af / bf), nil
	case "%":
		if bf == 0 {
			return types.Null(), qerrors.NewDivisionByZero(op)
		}
		return types.NewFloat(math.Mod(af, bf)), nil
	}
	return types.Null(), qerrors.NewUnsupportedError(op, "operator %s is not supported", opName)
}

func isArithmetic(opName string) bool {
	switch opName {
	case "+", "-", "*", "/", "%":
		return true
	}
	return false
}

func negate(v types.Value) (types.Value, error) {
	if v.IsNull() {
		return v, nil
	}
	if i, ok := v.Int(); ok {
		return types.NewInt(-i), nil
	}
	if f, ok := v.Float(); ok {
		return types.NewFloat(-f), nil
	}
	return types.Null(), qerrors.NewTypeError(op, "cannot negate %s", v.Type)
}

func concat(a, b types.Value) types.Value {
	if a.IsNull() || b.IsNull() {
		return types.Null()
	}
	return types.NewText(a.String() + b.String())
}

func castValue(v types.Value, t types.ColumnType) (types.Value, error) {
	out, err := types.Coerce(v, t)
	if err != nil {
		return types.Null(), qerrors.NewTypeError(op, "%s", err.Error())
	}
	return out, nil
}

// binary evaluates a non-logical binary operator.
func binary(opName string, a, b types.Value) (types.Value, error) {
	switch {
	case isComparison(opName):
		return compare(opName, a, b)
	case isArithmetic(opName):
		return arith(opName, a, b)
	case opName == "||":
		return concat(a, b), nil
	}
	return types.Null(), qerrors.NewUnsupportedError(op, "operator %s is not supported", opName)
}

// and3 and or3 combine already evaluated operands under three-valued logic.
func and3(a, b types.Value) (types.Value, error) {
	av, an, err := truth(a)
	if err != nil {
		return types.Null(), err
	}
	bv, bn, err := truth(b)
	if err != nil {
		return types.Null(), err
	}
	switch {
	case (!an && !av) || (!bn && !bv):
		return falseValue, nil
	case an || bn:
		return types.Null(), nil
	}
	return trueValue, nil
}

func or3(a, b types.Value) (types.Value, error) {
	av, an, err := truth(a)
	if err != nil {
		return types.Null(), err
	}
	bv, bn, err := truth(b)
	if err != nil {
		return types.Null(), err
	}
	switch {
	case (!an && av) || (!bn && bv):
		return trueValue, nil
	case an || bn:
		return types.Null(), nil
	}
	return falseValue, nil
}

func not3(v types.Value) (types.Value, error) {
	b, null, err := truth(v)
	if err != nil || null {
		return types.Null(), err
	}
	return boolValue(!b), nil
}

func between(v, lo, hi types.Value, not bool) (types.Value, error) {
	ge, err := compare(">=", v, lo)
	if err != nil {
		return types.Null(), err
	}
	le, err := compare("<=", v, hi)
	if err != nil {
		return types.Null(), err
	}
	out, err := and3(ge, le)
	if err != nil || !not {
		return out, err
	}
	return not3(out)
}

// inList applies SQL IN semantics: a match is TRUE, otherwise NULL if any
// item was NULL, otherwise FALSE.
func inList(v types.Value, items []types.Value, not bool) (types.Value, error) {
	if v.IsNull() {
		return types.Null(), nil
	}
	sawNull := false
	for _, it := range items {
		c, null, err := compareValues(v, it)
		if err != nil {
			return types.Null(), err
		}
		if null {
			sawNull = true
			continue
		}
		if c == 0 {
			return boolValue(!not), nil
		}
	}
	if sawNull {
		return types.Null(), nil
	}
	return boolValue(not), nil
}

func textOf(v types.Value) string {
	if s, ok := v.Text(); ok {
		return s
	}
	return v.String()
}

func isNullTest(v types.Value, not bool) types.Value {
	return boolValue(v.IsNull() != not)
}

func upperName(s string) string { return strings.ToUpper(s) }
