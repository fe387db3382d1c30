package expr

import (
	"math"
	"strings"
	"unicode/utf8"

	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/types"
)

type function struct {
	minArgs int
	maxArgs int // -1 for variadic
	// strict functions return NULL when any argument is NULL.
	strict bool
	ret    types.ColumnType
	call   func(args []types.Value) (types.Value, error)
}

var functions map[string]function

func init() {
	functions = map[string]function{
		"UPPER":     {1, 1, true, types.ColumnTypeText, textFn(strings.ToUpper)},
		"LOWER":     {1, 1, true, types.ColumnTypeText, textFn(strings.ToLower)},
		"LENGTH":    {1, 1, true, types.ColumnTypeBigInt, lengthFn},
		"TRIM":      {1, 2, true, types.ColumnTypeText, trimFn(strings.Trim)},
		"LTRIM":     {1, 2, true, types.ColumnTypeText, trimFn(strings.TrimLeft)},
		"RTRIM":     {1, 2, true, types.ColumnTypeText, trimFn(strings.TrimRight)},
		"SUBSTRING": {2, 3, true, types.ColumnTypeText, substringFn},
		"SUBSTR":    {2, 3, true, types.ColumnTypeText, substringFn},
		"REPLACE":   {3, 3, true, types.ColumnTypeText, replaceFn},
		"CONCAT":    {1, -1, false, types.ColumnTypeText, concatFn},
		"ABS":       {1, 1, true, types.ColumnTypeUnknown, absFn},
		"CEIL":      {1, 1, true, types.ColumnTypeUnknown, roundingFn(math.Ceil)},
		"CEILING":   {1, 1, true, types.ColumnTypeUnknown, roundingFn(math.Ceil)},
		"FLOOR":     {1, 1, true, types.ColumnTypeUnknown, roundingFn(math.Floor)},
		"ROUND":     {1, 2, true, types.ColumnTypeUnknown, roundFn},
		"MOD":       {2, 2, true, types.ColumnTypeUnknown, modFn},
		"POWER":     {2, 2, true, types.ColumnTypeDouble, powerFn},
		"SQRT":      {1, 1, true, types.ColumnTypeDouble, sqrtFn},
		"NULLIF":    {2, 2, false, types.ColumnTypeUnknown, nullifFn},
	}
}

func lookupFunction(name string, nargs int) (function, error) {
	f, ok := functions[upperName(name)]
	if !ok {
		return function{}, qerrors.NewUnsupportedError("compile", "function %s does not exist", name)
	}
	if nargs < f.minArgs || (f.maxArgs >= 0 && nargs > f.maxArgs) {
		return function{}, qerrors.NewPlanningErrorf("compile", "wrong number of arguments to %s", upperName(name))
	}
	return f, nil
}

func callFunction(f function, args []types.Value) (types.Value, error) {
	if f.strict {
		for _, a := range args {
			if a.IsNull() {
				return types.Null(), nil
			}
		}
	}
	return f.call(args)
}

func textFn(fn func(string) string) func([]types.Value) (types.Value, error) {
	return func(args []types.Value) (types.Value, error) {
		return types.NewText(fn(textOf(args[0]))), nil
	}
}

func lengthFn(args []types.Value) (types.Value, error) {
	return types.NewInt(int64(utf8.RuneCountInString(textOf(args[0])))), nil
}

func trimFn(fn func(string, string) string) func([]types.Value) (types.Value, error) {
	return func(args []types.Value) (types.Value, error) {
		cutset := " "
		if len(args) == 2 {
			cutset = textOf(args[1])
		}
		return types.NewText(fn(textOf(args[0]), cutset)), nil
	}
}

func intArg(name string, v types.Value) (int64, error) {
	if i, ok := v.Int(); ok {
		return i, nil
	}
	if f, ok := v.Float(); ok && f == math.Trunc(f) {
		return int64(f), nil
	}
	return 0, qerrors.NewTypeError(op, "%s expects an integer argument, got %s", name, v.Type)
}

func substringFn(args []types.Value) (types.Value, error) {
	runes := []rune(textOf(args[0]))
	start, err := intArg("SUBSTRING", args[1])
	if err != nil {
		return types.Null(), err
	}
	end := int64(len(runes)) + 1
	if len(args) == 3 {
		n, err := intArg("SUBSTRING", args[2])
		if err != nil {
			return types.Null(), err
		}
		if n < 0 {
			return types.Null(), qerrors.NewExecutionError(op, "negative substring length not allowed")
		}
		end = start + n
	}
	if start < 1 {
		start = 1
	}
	if end > int64(len(runes))+1 {
		end = int64(len(runes)) + 1
	}
	if end <= start {
		return types.NewText(""), nil
	}
	return types.NewText(string(runes[start-1 : end-1])), nil
}

func replaceFn(args []types.Value) (types.Value, error) {
	from := textOf(args[1])
	if from == "" {
		return types.NewText(textOf(args[0])), nil
	}
	return types.NewText(strings.ReplaceAll(textOf(args[0]), from, textOf(args[2]))), nil
}

func concatFn(args []types.Value) (types.Value, error) {
	var sb strings.Builder
	for _, a := range args {
		if !a.IsNull() {
			sb.WriteString(textOf(a))
		}
	}
	return types.NewText(sb.String()), nil
}

func numericArg(name string, v types.Value) (float64, error) {
	f, ok := v.Float()
	if !ok {
		return 0, qerrors.NewTypeError(op, "%s expects a numeric argument, got %s", name, v.Type)
	}
	return f, nil
}

func absFn(args []types.Value) (types.Value, error) {
	if i, ok := args[0].Int(); ok {
		if i < 0 {
			i = -i
		}
		return types.NewInt(i), nil
	}
	f, err := numericArg("ABS", args[0])
	if err != nil {
		return types.Null(), err
	}
	return types.NewFloat(math.Abs(f)), nil
}

func roundingFn(fn func(float64) float64) func([]types.Value) (types.Value, error) {
	return func(args []types.Value) (types.Value, error) {
		if _, ok := args[0].Int(); ok {
			return args[0], nil
		}
		f, err := numericArg("rounding", args[0])
		if err != nil {
			return types.Null(), err
		}
		return types.NewFloat(fn(f)), nil
	}
}

func roundFn(args []types.Value) (types.Value, error) {
	var digits int64
	if len(args) == 2 {
		d, err := intArg("ROUND", args[1])
		if err != nil {
			return types.Null(), err
		}
		digits = d
	}
	if _, ok := args[0].Int(); ok && digits >= 0 {
		return args[0], nil
	}
	f, err := numericArg("ROUND", args[0])
	if err != nil {
		return types.Null(), err
	}
	scale := math.Pow(10, float64(digits))
	return types.NewFloat(math.Round(f*scale) / scale), nil
}

func modFn(args []types.Value) (types.Value, error) {
	return arith("%", args[0], args[1])
}

func powerFn(args []types.Value) (types.Value, error) {
	x, err := numericArg("POWER", args[0])
	if err != nil {
		return types.Null(), err
	}
	y, err := numericArg("POWER", args[1])
	if err != nil {
		return types.Null(), err
	}
	return types.NewFloat(math.Pow(x, y)), nil
}

func sqrtFn(args []types.Value) (types.Value, error) {
	x, err := numericArg("SQRT", args[0])
	if err != nil {
		return types.Null(), err
	}
	if x < 0 {
		return types.Null(), qerrors.NewExecutionError(op, "cannot take square root of a negative number")
	}
	return types.NewFloat(math.Sqrt(x)), nil
}

func nullifFn(args []types.Value) (types.Value, error) {
	c, null, err := compareValues(args[0], args[1])
	if err != nil {
		return types.Null(), err
	}
	if !null && c == 0 {
		return types.Null(), nil
	}
	return args[0], nil
}
