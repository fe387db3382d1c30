package types

import "strings"

// Row is a positional tuple; column positions are resolved at plan time.
type Row []Value

// Size estimates the in-memory footprint of the row in bytes.
func (r Row) Size() int {
	n := 24
	for _, v := range r {
		n += v.Size()
	}
	return n
}

// Clone returns a copy that does not share the backing array.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Concat joins two rows, used by join operators.
func Concat(left, right Row) Row {
	out := make(Row, 0, len(left)+len(right))
	out = append(out, left...)
	return append(out, right...)
}

// NullRow returns a row of n NULLs for outer-join padding.
func NullRow(n int) Row {
	return make(Row, n)
}

func (r Row) String() string {
	parts := make([]string, len(r))
	for i, v := range r {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
