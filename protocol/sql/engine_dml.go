package sql

import (
	"context"
	"errors"
	"strings"
	"time"

	cerrors "github.com/guileen/querycore/catalog/errors"
	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/storage"
	"github.com/guileen/querycore/types"
)

// table resolves a table definition, reporting unknown tables as planning
// errors.
func (e *Engine) table(ctx context.Context, name string) (*types.TableDefinition, error) {
	def, err := e.catalog.GetTableDefinition(ctx, name)
	if err != nil {
		if cerrors.IsTableNotFoundError(err) {
			return nil, qerrors.Wrap(err, qerrors.KindPlanning, qerrors.ErrCodeUnresolved, op)
		}
		return nil, qerrors.Wrap(err, qerrors.KindExecution, qerrors.ErrCodeStorage, op)
	}
	return def, nil
}

// storageError classifies an error returned by the storage engine.
func storageError(err error) error {
	if qe := qerrors.FromContext(err, op); qe != nil {
		return qe
	}
	switch {
	case errors.Is(err, storage.ErrNotNull), errors.Is(err, storage.ErrUniqueKey):
		return qerrors.Wrap(err, qerrors.KindExecution, qerrors.ErrCodeConstraint, op)
	case errors.Is(err, storage.ErrTableNotFound):
		return qerrors.Wrap(err, qerrors.KindPlanning, qerrors.ErrCodeUnresolved, op)
	}
	return qerrors.Wrap(err, qerrors.KindExecution, qerrors.ErrCodeStorage, op)
}

func columnIndex(def *types.TableDefinition, name string) int {
	for i, c := range def.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// targetColumns maps the INSERT column list onto table positions. An empty
// list means every column in table order.
func targetColumns(def *types.TableDefinition, cols []string) ([]int, error) {
	if len(cols) == 0 {
		out := make([]int, len(def.Columns))
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	out := make([]int, len(cols))
	seen := make(map[int]bool, len(cols))
	for i, name := range cols {
		pos := columnIndex(def, name)
		if pos < 0 {
			return nil, qerrors.Errorf(qerrors.KindPlanning, qerrors.ErrCodeUnresolved, "column %q of table %s does not exist", name, def.Name)
		}
		if seen[pos] {
			return nil, qerrors.NewPlanningErrorf(op, "column %q specified more than once", name)
		}
		seen[pos] = true
		out[i] = pos
	}
	return out, nil
}

// fullRow places values at the target positions; other columns take their
// default, or NULL.
func fullRow(def *types.TableDefinition, targets []int, values types.Row) types.Row {
	row := make(types.Row, len(def.Columns))
	for i, c := range def.Columns {
		if c.Default != nil {
			row[i] = *c.Default
		} else {
			row[i] = types.Null()
		}
	}
	for i, pos := range targets {
		row[pos] = values[i]
	}
	return row
}

func (e *Engine) insert(ctx context.Context, s *ast.InsertStmt, params []types.Value) (*types.QueryResult, error) {
	start := time.Now()
	def, err := e.table(ctx, s.Table)
	if err != nil {
		return nil, err
	}
	targets, err := targetColumns(def, s.Columns)
	if err != nil {
		return nil, err
	}

	var rows []types.Row
	if s.Query != nil {
		out, err := e.query(ctx, s.Query, params, false)
		if err != nil {
			return nil, err
		}
		if out.Result.Truncated {
			return nil, qerrors.NewResourceErrorf(op, "INSERT source exceeds the %d row result limit", e.cfg.Query.MaxResultRows)
		}
		for _, r := range out.Result.Rows {
			if len(r) != len(targets) {
				return nil, qerrors.NewPlanningErrorf(op, "INSERT has %d target columns but the query returns %d", len(targets), len(r))
			}
			rows = append(rows, fullRow(def, targets, r))
		}
	} else {
		ectx := expr.NewEvalContext(params)
		for _, exprs := range s.Values {
			if len(exprs) != len(targets) {
				return nil, qerrors.NewPlanningErrorf(op, "INSERT has %d target columns but %d values", len(targets), len(exprs))
			}
			compiled, err := expr.CompileAll(exprs, nil)
			if err != nil {
				return nil, err
			}
			values := make(types.Row, len(compiled))
			for i, c := range compiled {
				if values[i], err = c.Eval(nil, ectx); err != nil {
					return nil, err
				}
			}
			rows = append(rows, fullRow(def, targets, values))
		}
	}

	n, err := e.storage.Insert(ctx, def.Name, rows)
	if n > 0 {
		e.invalidate(def.Name, false)
	}
	if err != nil {
		return nil, storageError(err)
	}
	logger.DebugContext(ctx, "rows inserted", logger.Component("engine"), logger.Table(def.Name), logger.Rows(n))
	return affected(n, start), nil
}

type assignment struct {
	pos   int
	value *expr.Compiled
}

func (e *Engine) update(ctx context.Context, s *ast.UpdateStmt, params []types.Value) (*types.QueryResult, error) {
	start := time.Now()
	def, err := e.table(ctx, s.Table)
	if err != nil {
		return nil, err
	}
	schema := expr.FromTable(def, s.Alias)
	match, err := e.matcher(s.Where, schema, params)
	if err != nil {
		return nil, err
	}
	sets := make([]assignment, len(s.Set))
	for i, a := range s.Set {
		pos := columnIndex(def, a.Column)
		if pos < 0 {
			return nil, qerrors.Errorf(qerrors.KindPlanning, qerrors.ErrCodeUnresolved, "column %q of table %s does not exist", a.Column, def.Name)
		}
		c, err := expr.Compile(a.Value, schema)
		if err != nil {
			return nil, err
		}
		sets[i] = assignment{pos: pos, value: c}
	}

	ectx := expr.NewEvalContext(params)
	n, err := e.storage.Update(ctx, def.Name, match, func(row types.Row) (types.Row, error) {
		out := append(types.Row(nil), row...)
		for _, set := range sets {
			v, err := set.value.Eval(row, ectx)
			if err != nil {
				return nil, err
			}
			out[set.pos] = v
		}
		return out, nil
	})
	if n > 0 {
		e.invalidate(def.Name, false)
	}
	if err != nil {
		return nil, dmlError(err)
	}
	return affected(n, start), nil
}

func (e *Engine) delete(ctx context.Context, s *ast.DeleteStmt, params []types.Value) (*types.QueryResult, error) {
	start := time.Now()
	def, err := e.table(ctx, s.Table)
	if err != nil {
		return nil, err
	}
	match, err := e.matcher(s.Where, expr.FromTable(def, s.Alias), params)
	if err != nil {
		return nil, err
	}
	n, err := e.storage.Delete(ctx, def.Name, match)
	if n > 0 {
		e.invalidate(def.Name, false)
	}
	if err != nil {
		return nil, dmlError(err)
	}
	return affected(n, start), nil
}

// matcher compiles a WHERE clause into a storage predicate. No clause
// matches every row.
func (e *Engine) matcher(where ast.Expr, schema expr.Schema, params []types.Value) (storage.Predicate, error) {
	if where == nil {
		return func(types.Row) (bool, error) { return true, nil }, nil
	}
	cond, err := e.predicates.Compile(where, schema)
	if err != nil {
		return nil, err
	}
	ectx := expr.NewEvalContext(params)
	return func(row types.Row) (bool, error) { return cond.Matches(row, ectx) }, nil
}

// dmlError keeps evaluation errors raised inside storage callbacks as they
// are and classifies the rest.
func dmlError(err error) error {
	var qe *qerrors.QueryError
	if errors.As(err, &qe) {
		return err
	}
	return storageError(err)
}
