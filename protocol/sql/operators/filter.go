package operators

import (
	"context"

	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/protocol/sql/optimizer"
	"github.com/guileen/querycore/types"
)

// constant evaluates an expression that reads no columns, such as a LIMIT
// operand, an index bound or a VALUES item.
func constant(env *Env, e ast.Expr) (types.Value, error) {
	c, err := expr.Compile(e, nil)
	if err != nil {
		return types.Null(), err
	}
	return c.Eval(nil, env.Eval)
}

// FilterOperator keeps the rows its predicate accepts.
type FilterOperator struct {
	env   *Env
	node  *optimizer.PhysicalPlan
	input Operator
	pred  *expr.Compiled
}

func NewFilter(env *Env, node *optimizer.PhysicalPlan, input Operator) *FilterOperator {
	return &FilterOperator{env: env, node: node, input: input}
}

func (op *FilterOperator) Open(ctx context.Context) error {
	pred, err := op.env.predicate(op.node.Filter, op.node.Children[0].Schema)
	if err != nil {
		return err
	}
	op.pred = pred
	return op.input.Open(ctx)
}

func (op *FilterOperator) Next(ctx context.Context) (types.Row, error) {
	for {
		row, err := op.input.Next(ctx)
		if err != nil {
			return nil, err
		}
		if op.pred == nil {
			return row, nil
		}
		ok, err := op.pred.Matches(row, op.env.Eval)
		if err != nil {
			return nil, err
		}
		if ok {
			return row, nil
		}
	}
}

func (op *FilterOperator) Close() error { return op.input.Close() }

// ProjectOperator computes the output columns.
type ProjectOperator struct {
	env   *Env
	node  *optimizer.PhysicalPlan
	input Operator
	exprs []*expr.Compiled
}

func NewProject(env *Env, node *optimizer.PhysicalPlan, input Operator) *ProjectOperator {
	return &ProjectOperator{env: env, node: node, input: input}
}

func (op *ProjectOperator) Open(ctx context.Context) error {
	exprs, err := expr.CompileAll(op.node.Exprs, op.node.Children[0].Schema)
	if err != nil {
		return err
	}
	op.exprs = exprs
	return op.input.Open(ctx)
}

func (op *ProjectOperator) Next(ctx context.Context) (types.Row, error) {
	row, err := op.input.Next(ctx)
	if err != nil {
		return nil, err
	}
	out := make(types.Row, len(op.exprs))
	for i, e := range op.exprs {
		if out[i], err = e.Eval(row, op.env.Eval); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (op *ProjectOperator) Close() error { return op.input.Close() }

// limitValue evaluates a LIMIT or OFFSET operand. A nil operand or NULL
// means no limit (-1).
func limitValue(env *Env, e ast.Expr, what string) (int64, error) {
	if e == nil {
		return -1, nil
	}
	v, err := constant(env, e)
	if err != nil {
		return 0, err
	}
	if v.IsNull() {
		return -1, nil
	}
	n, ok := v.Int()
	if !ok {
		f, isNum := v.Float()
		if !isNum || f != float64(int64(f)) {
			return 0, qerrors.NewTypeError(op, "%s must be an integer, got %s", what, v)
		}
		n = int64(f)
	}
	if n < 0 {
		return 0, qerrors.NewExecutionErrorf(op, "%s must not be negative", what)
	}
	return n, nil
}

// LimitOperator skips Offset rows and stops pulling after Count.
type LimitOperator struct {
	env    *Env
	node   *optimizer.PhysicalPlan
	input  Operator
	count  int64
	offset int64
	seen   int64
}

func NewLimit(env *Env, node *optimizer.PhysicalPlan, input Operator) *LimitOperator {
	return &LimitOperator{env: env, node: node, input: input}
}

func (op *LimitOperator) Open(ctx context.Context) error {
	var err error
	if op.count, err = limitValue(op.env, op.node.Count, "LIMIT"); err != nil {
		return err
	}
	if op.offset, err = limitValue(op.env, op.node.Offset, "OFFSET"); err != nil {
		return err
	}
	if op.offset < 0 {
		op.offset = 0
	}
	if op.count == 0 {
		return nil
	}
	return op.input.Open(ctx)
}

func (op *LimitOperator) Next(ctx context.Context) (types.Row, error) {
	if op.count == 0 {
		return nil, EOF
	}
	for op.seen < op.offset {
		if _, err := op.input.Next(ctx); err != nil {
			return nil, err
		}
		op.seen++
	}
	if op.count > 0 && op.seen-op.offset >= op.count {
		return nil, EOF
	}
	row, err := op.input.Next(ctx)
	if err != nil {
		return nil, err
	}
	op.seen++
	return row, nil
}

func (op *LimitOperator) Close() error { return op.input.Close() }

// UnionOperator yields its left input and then its right input.
type UnionOperator struct {
	inputs []Operator
	cur    int
}

func NewUnion(left, right Operator) *UnionOperator {
	return &UnionOperator{inputs: []Operator{left, right}}
}

func (op *UnionOperator) Open(ctx context.Context) error {
	return op.inputs[0].Open(ctx)
}

func (op *UnionOperator) Next(ctx context.Context) (types.Row, error) {
	for {
		row, err := op.inputs[op.cur].Next(ctx)
		if err != EOF {
			return row, err
		}
		if op.cur == len(op.inputs)-1 {
			return nil, EOF
		}
		op.cur++
		if err := op.inputs[op.cur].Open(ctx); err != nil {
			return nil, err
		}
	}
}

func (op *UnionOperator) Close() error { return closeAll(op.inputs...) }
