package operators

import (
	"context"
	"sync"

	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/protocol/sql/optimizer"
	"github.com/guileen/querycore/storage"
	"github.com/guileen/querycore/types"
	"github.com/guileen/querycore/workpool"
)

// TableScanOperator reads a table in storage order and applies the pushed
// predicate.
type TableScanOperator struct {
	env    *Env
	node   *optimizer.PhysicalPlan
	filter *expr.Compiled
	iter   storage.RowIterator
}

func NewTableScan(env *Env, node *optimizer.PhysicalPlan) *TableScanOperator {
	return &TableScanOperator{env: env, node: node}
}

func (op *TableScanOperator) Open(ctx context.Context) error {
	filter, err := op.env.predicate(op.node.Filter, op.node.Schema)
	if err != nil {
		return err
	}
	op.filter = filter
	op.iter, err = op.env.Storage.Scan(ctx, op.node.Table, storage.ScanOptions{Snapshot: op.env.Snapshot})
	return err
}

func (op *TableScanOperator) Next(ctx context.Context) (types.Row, error) {
	return nextMatching(ctx, op.iter, op.filter, op.env.Eval)
}

func (op *TableScanOperator) Close() error {
	if op.iter == nil {
		return nil
	}
	return op.iter.Close()
}

func nextMatching(ctx context.Context, iter storage.RowIterator, filter *expr.Compiled, ec *expr.EvalContext) (types.Row, error) {
	for {
		row, err := iter.Next(ctx)
		if err != nil {
			return nil, err
		}
		if filter == nil {
			return row, nil
		}
		ok, err := filter.Matches(row, ec)
		if err != nil {
			return nil, err
		}
		if ok {
			return row, nil
		}
	}
}

// ParallelScanOperator scans the partitions of a table on the work pool and
// hands matching rows to Next. Row order is unspecified.
type ParallelScanOperator struct {
	env    *Env
	node   *optimizer.PhysicalPlan
	parts  storage.PartitionedScanner
	rows   chan types.Row
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
}

// partitionsPerWorker oversplits the table so idle workers have work to steal.
const partitionsPerWorker = 4

func NewParallelScan(env *Env, node *optimizer.PhysicalPlan, parts storage.PartitionedScanner) *ParallelScanOperator {
	return &ParallelScanOperator{env: env, node: node, parts: parts}
}

func (op *ParallelScanOperator) Open(ctx context.Context) error {
	filter, err := op.env.predicate(op.node.Filter, op.node.Schema)
	if err != nil {
		return err
	}
	pool := op.env.Pool
	if pool == nil {
		pool = workpool.New(op.env.Parallelism)
	}
	iters, err := op.parts.ScanPartitions(ctx, op.node.Table, pool.Workers()*partitionsPerWorker, storage.ScanOptions{Snapshot: op.env.Snapshot})
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	op.cancel = cancel
	op.rows = make(chan types.Row, 256)
	op.done = make(chan struct{})

	tasks := make([]workpool.Task, len(iters))
	for i, it := range iters {
		tasks[i] = func(ctx context.Context) error {
			defer it.Close()
			for {
				row, err := nextMatching(ctx, it, filter, op.env.Eval)
				if err == storage.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				select {
				case op.rows <- row:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
	logger.Debug("parallel scan started",
		logger.Component("operators"),
		logger.Table(op.node.Table),
		"partitions", len(iters),
		"workers", pool.Workers())
	go func() {
		defer close(op.done)
		op.err = pool.Run(runCtx, tasks)
		close(op.rows)
	}()
	return nil
}

func (op *ParallelScanOperator) Next(ctx context.Context) (types.Row, error) {
	select {
	case row, ok := <-op.rows:
		if ok {
			return row, nil
		}
		<-op.done
		if op.err != nil {
			return nil, op.err
		}
		return nil, EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (op *ParallelScanOperator) Close() error {
	op.once.Do(func() {
		if op.cancel == nil {
			return
		}
		op.cancel()
		for range op.rows {
		}
		<-op.done
	})
	return nil
}

// IndexScanOperator reads rows in index order within the range derived at
// plan time, evaluating the bounds when it opens.
type IndexScanOperator struct {
	env    *Env
	node   *optimizer.PhysicalPlan
	filter *expr.Compiled
	iter   storage.RowIterator
}

func NewIndexScan(env *Env, node *optimizer.PhysicalPlan) *IndexScanOperator {
	return &IndexScanOperator{env: env, node: node}
}

func (op *IndexScanOperator) bound(b *optimizer.IndexBound) (*storage.KeyBound, bool, error) {
	if b == nil {
		return nil, true, nil
	}
	v, err := constant(op.env, b.Value)
	if err != nil {
		return nil, false, err
	}
	if v.IsNull() {
		return nil, false, nil
	}
	return &storage.KeyBound{Values: []types.Value{v}, Inclusive: b.Inclusive}, true, nil
}

func (op *IndexScanOperator) Open(ctx context.Context) error {
	filter, err := op.env.predicate(op.node.Filter, op.node.Schema)
	if err != nil {
		return err
	}
	op.filter = filter
	var rng storage.KeyRange
	if r := op.node.Range; r != nil {
		lower, ok, err := op.bound(r.Lower)
		if err != nil {
			return err
		}
		upper, ok2, err := op.bound(r.Upper)
		if err != nil {
			return err
		}
		if !ok || !ok2 {
			// A NULL bound matches nothing.
			op.iter = storage.NewSliceIterator(nil)
			return nil
		}
		rng = storage.KeyRange{Lower: lower, Upper: upper}
	}
	op.iter, err = op.env.Storage.IndexScan(ctx, op.node.Table, op.node.Index, rng, storage.ScanOptions{Snapshot: op.env.Snapshot})
	return err
}

func (op *IndexScanOperator) Next(ctx context.Context) (types.Row, error) {
	return nextMatching(ctx, op.iter, op.filter, op.env.Eval)
}

func (op *IndexScanOperator) Close() error {
	if op.iter == nil {
		return nil
	}
	return op.iter.Close()
}

// ValuesOperator evaluates constant rows.
type ValuesOperator struct {
	env  *Env
	node *optimizer.PhysicalPlan
	pos  int
}

func NewValues(env *Env, node *optimizer.PhysicalPlan) *ValuesOperator {
	return &ValuesOperator{env: env, node: node}
}

func (op *ValuesOperator) Open(ctx context.Context) error { return nil }

func (op *ValuesOperator) Next(ctx context.Context) (types.Row, error) {
	if op.pos >= len(op.node.Values) {
		return nil, EOF
	}
	exprs := op.node.Values[op.pos]
	op.pos++
	row := make(types.Row, len(exprs))
	for i, e := range exprs {
		v, err := constant(op.env, e)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

func (op *ValuesOperator) Close() error { return nil }

// rowsOperator replays rows already in memory: a CTE binding or rows kept
// from an aborted plan.
type rowsOperator struct {
	load func() ([]types.Row, error)
	rows []types.Row
	pos  int
}

func (op *rowsOperator) Open(ctx context.Context) error {
	rows, err := op.load()
	op.rows = rows
	return err
}

func (op *rowsOperator) Next(ctx context.Context) (types.Row, error) {
	if op.pos >= len(op.rows) {
		return nil, EOF
	}
	row := op.rows[op.pos]
	op.pos++
	return row, nil
}

func (op *rowsOperator) Close() error {
	op.rows = nil
	return nil
}

// NewCTEScan reads the rows bound to a CTE body in the query's CTE context.
func NewCTEScan(env *Env, node *optimizer.PhysicalPlan) Operator {
	return &rowsOperator{load: func() ([]types.Row, error) {
		if env.CTEs == nil {
			return nil, qerrors.NewExecutionErrorf(op, "WITH query %q is not available", node.Table)
		}
		r, ok := env.CTEs.Lookup(node.Body)
		if !ok {
			return nil, qerrors.NewExecutionErrorf(op, "WITH query %q was not materialized", node.Table)
		}
		return r.Rows, nil
	}}
}

// NewMaterializedScan replays rows kept from an earlier run of the query.
func NewMaterializedScan(node *optimizer.PhysicalPlan) Operator {
	return &rowsOperator{load: func() ([]types.Row, error) { return node.Materialized, nil }}
}

// passthrough renames its input without touching rows.
type passthrough struct{ input Operator }

func (op *passthrough) Open(ctx context.Context) error { return op.input.Open(ctx) }
func (op *passthrough) Next(ctx context.Context) (types.Row, error) {
	return op.input.Next(ctx)
}
func (op *passthrough) Close() error { return op.input.Close() }
