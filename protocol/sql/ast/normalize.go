package ast

import (
	"sort"
	"strconv"

	"github.com/guileen/querycore/types"
)

// Normalize returns a copy of the query in canonical form: AND/OR chains are
// flattened and their operands sorted, and the operands of = and <> are
// ordered with constants on the right. Sorting uses the text with literals masked so that queries
// differing only in constants normalize identically.
func Normalize(s *SelectStmt) *SelectStmt {
	return s.rewrite(normalizeExpr, normalizeExpr)
}

// NormalizeExpr applies the same canonicalization to a single expression.
func NormalizeExpr(e Expr) Expr {
	return Transform(e, normalizeExpr)
}

func normalizeExpr(e Expr) Expr {
	b, ok := e.(*BinaryExpr)
	if !ok {
		return e
	}
	switch b.Op {
	case "AND", "OR":
		operands := flatten(b, b.Op, nil)
		keys := make([]string, len(operands))
		for i, o := range operands {
			keys[i] = MaskedString(o)
		}
		idx := make([]int, len(operands))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(i, j int) bool { return keys[idx[i]] < keys[idx[j]] })
		var out Expr
		for _, i := range idx {
			if out == nil {
				out = operands[i]
			} else {
				out = &BinaryExpr{Op: b.Op, Left: out, Right: operands[i]}
			}
		}
		return out
	case "=", "<>":
		if operandLess(b.Right, b.Left) {
			b.Left, b.Right = b.Right, b.Left
		}
	}
	return b
}

// operandLess orders comparison operands column first: constants go to the
// right, anything else by masked text.
func operandLess(x, y Expr) bool {
	cx, cy := isConstant(x), isConstant(y)
	if cx != cy {
		return cy
	}
	return MaskedString(x) < MaskedString(y)
}

func isConstant(e Expr) bool {
	switch e.(type) {
	case *Literal, *Param:
		return true
	}
	return false
}

func flatten(e Expr, op string, acc []Expr) []Expr {
	if b, ok := e.(*BinaryExpr); ok && b.Op == op {
		acc = flatten(b.Left, op, acc)
		return flatten(b.Right, op, acc)
	}
	return append(acc, e)
}

var maskedLiteral = &ColumnRef{Name: "?"}

// MaskedString renders e with every literal replaced by '?'.
func MaskedString(e Expr) string {
	return Transform(e, func(n Expr) Expr {
		if _, ok := n.(*Literal); ok {
			return maskedLiteral
		}
		return n
	}).String()
}

// Parameterize lifts the non-NULL literals of WHERE and JOIN ON clauses
// (including those of subqueries and CTE bodies) into parameters numbered
// after the userParams supplied by the caller. It returns the rewritten
// query and the lifted values in parameter order.
func Parameterize(s *SelectStmt, userParams int) (*SelectStmt, []types.Value) {
	var lifted []types.Value
	lift := func(e Expr) Expr {
		if l, ok := e.(*Literal); ok && !l.Value.IsNull() {
			lifted = append(lifted, l.Value)
			return &Param{Index: userParams + len(lifted)}
		}
		return e
	}
	return s.rewrite(lift, identity), lifted
}

// Fingerprint identifies a normalized, parameterized query for plan caching.
func Fingerprint(s *SelectStmt, userParams int) string {
	return s.String() + "|params=" + strconv.Itoa(userParams)
}

// PrepareForCache normalizes and parameterizes a query in one step and
// returns its fingerprint together with the lifted literal values.
func PrepareForCache(s *SelectStmt, userParams int) (*SelectStmt, string, []types.Value) {
	normalized, lifted := Parameterize(Normalize(s), userParams)
	return normalized, Fingerprint(normalized, userParams), lifted
}
