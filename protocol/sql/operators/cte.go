package operators

import (
	"context"

	"github.com/guileen/querycore/protocol/sql/cte"
	"github.com/guileen/querycore/protocol/sql/optimizer"
	"github.com/guileen/querycore/types"
)

// WithOperator materializes the query's CTEs in dependency order and then
// runs the main plan, which reads them through CTEScan nodes. A recursive
// CTE builds a fresh operator tree for its recursive term on every
// iteration.
type WithOperator struct {
	env  *Env
	node *optimizer.PhysicalPlan
	main Operator
}

func NewWith(env *Env, node *optimizer.PhysicalPlan) *WithOperator {
	return &WithOperator{env: env, node: node}
}

func (op *WithOperator) Open(ctx context.Context) error {
	if op.env.CTEs == nil {
		op.env.CTEs = cte.NewContext(nil)
	}
	var params []types.Value
	if op.env.Eval != nil {
		params = op.env.Eval.Params
	}
	for _, c := range op.node.CTEs {
		_, err := op.env.CTEs.Materialize(ctx, c.Body, cte.Key(c.Body, params), c.Tables, func(ctx context.Context) (*cte.Result, error) {
			return op.materialize(ctx, c)
		})
		if err != nil {
			return err
		}
	}
	main, err := Build(op.env, op.node.Children[len(op.node.Children)-1])
	if err != nil {
		return err
	}
	op.main = main
	return main.Open(ctx)
}

func (op *WithOperator) materialize(ctx context.Context, c *optimizer.CTE) (*cte.Result, error) {
	if !c.Recursive() {
		rows, err := Collect(ctx, op.env, c.Plan)
		if err != nil {
			return nil, err
		}
		return &cte.Result{Columns: c.Schema.Names(), Rows: rows}, nil
	}
	base := func(ctx context.Context) ([]types.Row, error) {
		return Collect(ctx, op.env, c.Base)
	}
	step := func(ctx context.Context, delta []types.Row) ([]types.Row, error) {
		op.env.CTEs.SetWorking(c.Body, &cte.Result{Columns: c.Schema.Names(), Rows: delta})
		defer op.env.CTEs.SetWorking(c.Body, nil)
		return Collect(ctx, op.env, c.Step)
	}
	r, err := cte.EvaluateRecursive(ctx, c.Name, base, step, cte.RecursiveOptions{
		MaxIterations: op.env.MaxRecursiveIterations,
		UnionAll:      c.UnionAll,
	})
	if err != nil {
		return nil, err
	}
	r.Columns = c.Schema.Names()
	return r, nil
}

func (op *WithOperator) Next(ctx context.Context) (types.Row, error) {
	return op.main.Next(ctx)
}

func (op *WithOperator) Close() error {
	if op.main == nil {
		return nil
	}
	return op.main.Close()
}
