package types

import (
	"fmt"
	"math"
	"strconv"
)

// Value represents a column value. Data holds nil, bool, int64, float64 or string.
type Value struct {
	Data interface{} `json:"data"`
	Type ColumnType  `json:"type"`
}

// Null is the SQL NULL value.
func Null() Value { return Value{} }

// NewInt creates a BIGINT value.
func NewInt(i int64) Value { return Value{Data: i, Type: ColumnTypeBigInt} }

// NewFloat creates a DOUBLE value.
func NewFloat(f float64) Value { return Value{Data: f, Type: ColumnTypeDouble} }

// NewText creates a TEXT value.
func NewText(s string) Value { return Value{Data: s, Type: ColumnTypeText} }

// NewBool creates a BOOLEAN value.
func NewBool(b bool) Value { return Value{Data: b, Type: ColumnTypeBoolean} }

// FromGo converts a Go value (as supplied for bound parameters) into a Value.
func FromGo(v interface{}) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case bool:
		return NewBool(x), nil
	case int:
		return NewInt(int64(x)), nil
	case int8:
		return NewInt(int64(x)), nil
	case int16:
		return NewInt(int64(x)), nil
	case int32:
		return NewInt(int64(x)), nil
	case int64:
		return NewInt(x), nil
	case uint8:
		return NewInt(int64(x)), nil
	case uint16:
		return NewInt(int64(x)), nil
	case uint32:
		return NewInt(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return Value{}, fmt.Errorf("value %d overflows bigint", x)
		}
		return NewInt(int64(x)), nil
	case float32:
		return NewFloat(float64(x)), nil
	case float64:
		return NewFloat(x), nil
	case string:
		return NewText(x), nil
	case []byte:
		return NewText(string(x)), nil
	}
	return Value{}, fmt.Errorf("unsupported parameter type %T", v)
}

// IsNull reports whether v is SQL NULL.
func (v Value) IsNull() bool { return v.Data == nil }

// Int returns the integer payload and whether v holds one.
func (v Value) Int() (int64, bool) {
	i, ok := v.Data.(int64)
	return i, ok
}

// Float returns v as a float64 for either numeric type.
func (v Value) Float() (float64, bool) {
	switch x := v.Data.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// Text returns the string payload and whether v holds one.
func (v Value) Text() (string, bool) {
	s, ok := v.Data.(string)
	return s, ok
}

// Bool returns the boolean payload and whether v holds one.
func (v Value) Bool() (bool, bool) {
	b, ok := v.Data.(bool)
	return b, ok
}

// Interface returns the Go representation of v.
func (v Value) Interface() interface{} { return v.Data }

// String renders v for display.
func (v Value) String() string {
	switch x := v.Data.(type) {
	case nil:
		return "NULL"
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return x
	}
	return fmt.Sprint(v.Data)
}

// SQL renders v as a SQL literal.
func (v Value) SQL() string {
	if s, ok := v.Data.(string); ok {
		out := make([]byte, 0, len(s)+2)
		out = append(out, '\'')
		for i := 0; i < len(s); i++ {
			if s[i] == '\'' {
				out = append(out, '\'')
			}
			out = append(out, s[i])
		}
		return string(append(out, '\''))
	}
	return v.String()
}

// Size is an estimate of the in-memory footprint of v in bytes.
func (v Value) Size() int {
	if s, ok := v.Data.(string); ok {
		return 32 + len(s)
	}
	return 32
}

// typeRank orders values of different families for total ordering.
func typeRank(v Value) int {
	switch v.Data.(type) {
	case nil:
		return 4
	case bool:
		return 0
	case int64, float64:
		return 1
	case string:
		return 2
	}
	return 3
}

// Compare compares two non-null values. ok is false when either side is NULL
// or the values belong to incomparable families.
func Compare(a, b Value) (cmp int, ok bool) {
	switch x := a.Data.(type) {
	case int64:
		switch y := b.Data.(type) {
		case int64:
			return cmpOrdered(x, y), true
		case float64:
			return cmpFloat(float64(x), y), true
		}
	case float64:
		if y, isNum := b.Float(); isNum {
			return cmpFloat(x, y), true
		}
	case string:
		if y, isStr := b.Data.(string); isStr {
			return cmpOrdered(x, y), true
		}
	case bool:
		if y, isBool := b.Data.(bool); isBool {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}

// SortCompare is a total order used by sorts, merges and grouping: NULLs sort
// last and mixed families order by family.
func SortCompare(a, b Value) int {
	if c, ok := Compare(a, b); ok {
		return c
	}
	return cmpOrdered(typeRank(a), typeRank(b))
}

// Equal reports SQL-style equality; NULL is never equal to anything.
func Equal(a, b Value) bool {
	c, ok := Compare(a, b)
	return ok && c == 0
}

func cmpOrdered[T int | int64 | string](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func cmpFloat(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	case x == y:
		return 0
	case math.IsNaN(x) && math.IsNaN(y):
		return 0
	case math.IsNaN(x):
		return 1
	}
	return -1
}

// Coerce converts v to the column type t for storage.
func Coerce(v Value, t ColumnType) (Value, error) {
	if v.IsNull() || t == ColumnTypeUnknown || v.Type == t {
		return v, nil
	}
	switch t {
	case ColumnTypeBigInt:
		switch x := v.Data.(type) {
		case float64:
			if x != math.Trunc(x) {
				return Value{}, fmt.Errorf("cannot store %v in bigint column", x)
			}
			return NewInt(int64(x)), nil
		case string:
			i, err := strconv.ParseInt(x, 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("invalid bigint %q", x)
			}
			return NewInt(i), nil
		case bool:
			if x {
				return NewInt(1), nil
			}
			return NewInt(0), nil
		}
	case ColumnTypeDouble:
		switch x := v.Data.(type) {
		case int64:
			return NewFloat(float64(x)), nil
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return Value{}, fmt.Errorf("invalid double %q", x)
			}
			return NewFloat(f), nil
		}
	case ColumnTypeText:
		return NewText(v.String()), nil
	case ColumnTypeBoolean:
		switch x := v.Data.(type) {
		case int64:
			return NewBool(x != 0), nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				switch x {
				case "t", "yes", "on", "y":
					return NewBool(true), nil
				case "f", "no", "off", "n":
					return NewBool(false), nil
				}
				return Value{}, fmt.Errorf("invalid boolean %q", x)
			}
			return NewBool(b), nil
		}
	}
	return Value{}, fmt.Errorf("cannot convert %s to %s", v.Type, t)
}
