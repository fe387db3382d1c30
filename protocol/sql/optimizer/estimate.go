package optimizer

import (
	"context"
	"math"
	"strings"

	"github.com/guileen/querycore/catalog"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/storage"
	"github.com/guileen/querycore/types"
)

// TableSizer reports storage sizes; storage.Engine satisfies it.
type TableSizer interface {
	TableSize(ctx context.Context, table string) (storage.TableSize, error)
}

// Fallbacks for tables that were never analyzed and whose storage size is
// unknown.
const (
	defaultRows       = 1000
	defaultColumnSize = 16
)

type tableInfo struct {
	rows  float64
	pages float64
	width int
	stats *catalog.TableStatistics
}

// tableInfo prefers collected statistics, then the storage engine's live
// size.
func (o *optimization) tableInfo(def *types.TableDefinition) *tableInfo {
	key := strings.ToLower(def.Name)
	if ti, ok := o.tables[key]; ok {
		return ti
	}
	ti := &tableInfo{rows: defaultRows, width: defaultColumnSize * len(def.Columns)}
	if st, ok := o.opt.stats.Table(def.Name); ok {
		ti.stats = st
		ti.rows = float64(st.RowCount)
		ti.pages = float64(st.PageCount)
		if st.AvgRowWidth > 0 {
			ti.width = st.AvgRowWidth
		}
	} else if o.opt.sizes != nil {
		if sz, err := o.opt.sizes.TableSize(o.ctx, def.Name); err == nil {
			ti.rows = float64(sz.Rows)
			ti.pages = float64(sz.Pages)
			if sz.Rows > 0 && sz.Bytes > 0 {
				ti.width = int(sz.Bytes / sz.Rows)
			}
		}
	}
	if ti.pages <= 0 {
		ti.pages = math.Max(1, o.model.pages(ti.rows, ti.width))
	}
	o.tables[key] = ti
	return ti
}

func (ti *tableInfo) columns(def *types.TableDefinition) []colEst {
	cols := make([]colEst, len(def.Columns))
	for i, c := range def.Columns {
		cols[i].ndv = ti.rows
		if cs, ok := ti.stats.Column(c.Name); ok {
			cols[i].stats = cs
			if cs.DistinctCount > 0 {
				cols[i].ndv = float64(cs.DistinctCount)
			}
		}
	}
	return cols
}

// capNDV limits distinct counts to a new row estimate.
func capNDV(cols []colEst, rows float64) []colEst {
	out := make([]colEst, len(cols))
	for i, c := range cols {
		c.ndv = math.Max(1, math.Min(c.ndv, rows))
		out[i] = c
	}
	return out
}

func clampRows(rows float64) float64 {
	if rows < 1 {
		return 1
	}
	return math.Round(rows)
}

func clampSel(s float64) float64 {
	switch {
	case math.IsNaN(s) || s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// estimator answers selectivity questions for predicates over one layout.
type estimator struct {
	o      *optimization
	schema expr.Schema
	cols   []colEst
}

func (o *optimization) estimator(schema expr.Schema, cols []colEst) *estimator {
	return &estimator{o: o, schema: schema, cols: cols}
}

func (e *estimator) column(x ast.Expr) (colEst, bool) {
	cr, ok := x.(*ast.ColumnRef)
	if !ok {
		return colEst{}, false
	}
	idx, err := e.schema.Resolve(cr.Table, cr.Name)
	if err != nil || idx >= len(e.cols) {
		return colEst{}, false
	}
	return e.cols[idx], true
}

// constant evaluates a column-free expression with the optimization's
// parameters.
func (e *estimator) constant(x ast.Expr) (types.Value, bool) {
	if !isConstant(x) {
		return types.Null(), false
	}
	v, err := expr.Evaluate(x, nil, nil, e.o.params)
	if err != nil {
		return types.Null(), false
	}
	return v, true
}

// isConstant reports whether x reads no columns and no aggregates.
func isConstant(x ast.Expr) bool {
	ok := true
	ast.Walk(x, func(n ast.Expr) bool {
		switch f := n.(type) {
		case *ast.ColumnRef:
			ok = false
		case *ast.FuncCall:
			if ast.IsAggregate(f.Name) {
				ok = false
			}
		}
		return ok
	})
	return ok
}

var flipped = map[string]string{"=": "=", "<>": "<>", "<": ">", "<=": ">=", ">": "<", ">=": "<="}

// selectivity estimates the fraction of rows for which pred is true.
func (e *estimator) selectivity(pred ast.Expr) float64 {
	if pred == nil {
		return 1
	}
	d := e.o.defaults
	switch x := pred.(type) {
	case *ast.Literal:
		if b, ok := x.Value.Bool(); ok && b {
			return 1
		}
		return 0
	case *ast.UnaryExpr:
		if x.Op == "NOT" {
			return clampSel(1 - e.selectivity(x.Expr))
		}
	case *ast.BinaryExpr:
		switch x.Op {
		case "AND":
			return e.selectivity(x.Left) * e.selectivity(x.Right)
		case "OR":
			l, r := e.selectivity(x.Left), e.selectivity(x.Right)
			return clampSel(l + r - l*r)
		case "=", "<>", "<", "<=", ">", ">=":
			return e.comparison(x.Op, x.Left, x.Right)
		}
	case *ast.BetweenExpr:
		s := d.Range
		if c, ok := e.column(x.Expr); ok && c.stats != nil {
			lo, okLo := e.constant(x.Low)
			hi, okHi := e.constant(x.High)
			if okLo && okHi {
				s = c.stats.RangeSelectivity(&catalog.Bound{Value: lo, Inclusive: true}, &catalog.Bound{Value: hi, Inclusive: true}, d)
			}
		}
		if x.Not {
			return clampSel(1 - s)
		}
		return s
	case *ast.InExpr:
		s := d.In(len(x.List))
		if c, ok := e.column(x.Expr); ok && c.stats != nil {
			sum := 0.0
			for _, item := range x.List {
				v, ok := e.constant(item)
				if !ok {
					sum += d.Equality
					continue
				}
				sum += c.stats.EqualitySelectivity(v, d)
			}
			s = clampSel(sum)
		}
		if x.Not {
			return clampSel(1 - s)
		}
		return s
	case *ast.LikeExpr:
		if x.Not {
			return 1 - d.Like
		}
		return d.Like
	case *ast.IsNullExpr:
		s := d.IsNull
		if c, ok := e.column(x.Expr); ok && c.stats != nil {
			s = c.stats.NullFraction
		}
		if x.Not {
			return clampSel(1 - s)
		}
		return s
	}
	return d.Range
}

func (e *estimator) comparison(op string, left, right ast.Expr) float64 {
	d := e.o.defaults
	lc, lok := e.column(left)
	rc, rok := e.column(right)
	if lok && rok {
		if op == "=" {
			return 1 / math.Max(1, math.Max(lc.ndv, rc.ndv))
		}
		if op == "<>" {
			return clampSel(1 - 1/math.Max(1, math.Max(lc.ndv, rc.ndv)))
		}
		return d.Range
	}
	col, value := lc, right
	if !lok {
		if !rok {
			if op == "=" {
				return d.Equality
			}
			if op == "<>" {
				return 1 - d.Equality
			}
			return d.Range
		}
		col, value, op = rc, left, flipped[op]
	}
	v, known := e.constant(value)
	switch op {
	case "=", "<>":
		s := d.Equality
		switch {
		case col.stats != nil && known:
			s = col.stats.EqualitySelectivity(v, d)
		case col.stats != nil && col.ndv > 0:
			s = 1 / col.ndv
		}
		if op == "<>" {
			return clampSel(1 - s)
		}
		return s
	}
	if col.stats == nil || !known {
		return d.Range
	}
	b := &catalog.Bound{Value: v, Inclusive: op == "<=" || op == ">="}
	if op == "<" || op == "<=" {
		return col.stats.RangeSelectivity(nil, b, d)
	}
	return col.stats.RangeSelectivity(b, nil, d)
}

// groups estimates the number of distinct values of exprs over rows.
func (e *estimator) groups(exprs []ast.Expr, rows float64) float64 {
	if len(exprs) == 0 {
		return 1
	}
	n := 1.0
	for _, x := range exprs {
		if c, ok := e.column(x); ok {
			n *= math.Max(1, c.ndv)
		} else {
			n *= math.Max(1, rows/10)
		}
		if n >= rows {
			return clampRows(rows)
		}
	}
	return clampRows(n)
}
