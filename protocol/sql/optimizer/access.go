package optimizer

import (
	"math"
	"strings"

	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/protocol/sql/planner"
	"github.com/guileen/querycore/types"
)

// scan offers a sequential scan and one index scan per index whose leading
// column is restricted by a pushed filter. Index scans keep every filter as
// a residual, so the bounds only narrow what is read.
func (o *optimization) scan(x *planner.Scan) []*PhysicalPlan {
	ti := o.tableInfo(x.Def)
	schema := x.Schema()
	cols := ti.columns(x.Def)
	est := o.estimator(schema, cols)
	sel := 1.0
	for _, f := range x.Filters {
		sel *= est.selectivity(f)
	}
	rows := clampRows(ti.rows * sel)
	outCols := capNDV(cols, rows)
	filter := ast.And(x.Filters...)

	cands := []*PhysicalPlan{{
		Strategy: StrategySeqScan,
		Schema:   schema,
		Table:    x.Table,
		Alias:    x.Alias,
		Def:      x.Def,
		Filter:   filter,
		Rows:     rows,
		Width:    ti.width,
		Cost:     o.model.SeqScan(ti.pages, ti.rows, len(x.Filters)),
		cols:     outCols,
	}}
	for _, idx := range x.Def.Indexes {
		if len(idx.Columns) == 0 {
			continue
		}
		rng, used := indexRange(x, schema, idx)
		if rng == nil {
			continue
		}
		matchSel := 1.0
		for _, u := range used {
			matchSel *= est.selectivity(u)
		}
		matched := clampRows(ti.rows * matchSel)
		var order []string
		for _, c := range idx.Columns {
			i, err := schema.Resolve(x.RefName(), c)
			if err != nil {
				break
			}
			order = append(order, schema[i].QualifiedName())
		}
		cands = append(cands, &PhysicalPlan{
			Strategy: StrategyIndexScan,
			Schema:   schema,
			Table:    x.Table,
			Alias:    x.Alias,
			Def:      x.Def,
			Index:    idx.Name,
			Range:    rng,
			Filter:   filter,
			Rows:     rows,
			Width:    ti.width,
			Cost:     o.model.IndexScan(indexHeight(ti, idx.Name), ti.pages, matched, len(x.Filters)),
			Order:    order,
			cols:     outCols,
		})
	}
	return cands
}

// indexRange derives bounds on the leading index column from the scan's
// filters, returning the conjuncts it used.
func indexRange(x *planner.Scan, schema expr.Schema, idx types.IndexDefinition) (*IndexRange, []ast.Expr) {
	pos, err := schema.Resolve(x.RefName(), idx.Columns[0])
	if err != nil {
		return nil, nil
	}
	isLead := func(e ast.Expr) bool {
		cr, ok := e.(*ast.ColumnRef)
		if !ok {
			return false
		}
		i, err := schema.Resolve(cr.Table, cr.Name)
		return err == nil && i == pos
	}
	rng := &IndexRange{}
	var used []ast.Expr
	for _, f := range x.Filters {
		switch c := f.(type) {
		case *ast.BinaryExpr:
			opr, col, val := c.Op, c.Left, c.Right
			if !isLead(col) {
				opr, col, val = flipped[c.Op], c.Right, c.Left
			}
			if opr == "" || opr == "<>" || !isLead(col) || !isConstant(val) {
				continue
			}
			b := &IndexBound{Value: val, Inclusive: opr == "=" || opr == "<=" || opr == ">="}
			set := false
			if (opr == "=" || opr == ">" || opr == ">=") && rng.Lower == nil {
				rng.Lower, set = b, true
			}
			if (opr == "=" || opr == "<" || opr == "<=") && rng.Upper == nil {
				rng.Upper, set = b, true
			}
			if set {
				used = append(used, f)
			}
		case *ast.BetweenExpr:
			if c.Not || !isLead(c.Expr) || !isConstant(c.Low) || !isConstant(c.High) {
				continue
			}
			set := false
			if rng.Lower == nil {
				rng.Lower, set = &IndexBound{Value: c.Low, Inclusive: true}, true
			}
			if rng.Upper == nil {
				rng.Upper, set = &IndexBound{Value: c.High, Inclusive: true}, true
			}
			if set {
				used = append(used, f)
			}
		}
	}
	if rng.Lower == nil && rng.Upper == nil {
		return nil, nil
	}
	return rng, used
}

func indexHeight(ti *tableInfo, index string) int {
	if ti.stats != nil {
		if st, ok := ti.stats.Indexes[strings.ToLower(index)]; ok && st.Height > 0 {
			return st.Height
		}
	}
	return 1 + int(math.Ceil(math.Log(math.Max(ti.rows, 2))/math.Log(256)))
}
