package sql

import (
	"context"

	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/executor"
	"github.com/guileen/querycore/protocol/sql/optimizer"
	"github.com/guileen/querycore/protocol/sql/planner"
	"github.com/guileen/querycore/storage"
	"github.com/guileen/querycore/types"
)

type snapshotKey struct{}

// WithSnapshot attaches the transaction manager's snapshot to ctx. Scans
// receive it unchanged.
func WithSnapshot(ctx context.Context, snap storage.Snapshot) context.Context {
	return context.WithValue(ctx, snapshotKey{}, snap)
}

func snapshotFrom(ctx context.Context) storage.Snapshot {
	return ctx.Value(snapshotKey{})
}

// prepare returns the cached plan for sel, planning and caching it on a
// miss, together with the full parameter list: the caller's params followed
// by the literals lifted out of the query.
func (e *Engine) prepare(ctx context.Context, sel *ast.SelectStmt, params []types.Value) (*optimizer.CachedPlan, []types.Value, error) {
	normalized, key, lifted := ast.PrepareForCache(sel, len(params))
	all := make([]types.Value, 0, len(params)+len(lifted))
	all = append(append(all, params...), lifted...)

	if entry, ok := e.plans.Get(key); ok {
		e.metrics.CacheHit("plan")
		return entry, all, nil
	}
	e.metrics.CacheMiss("plan")

	n, err := planner.Plan(ctx, normalized, e.catalog)
	if err != nil {
		return nil, nil, err
	}
	logical := planner.Rewrite(n)
	plan, err := e.optimizer.Optimize(ctx, logical, all)
	if err != nil {
		return nil, nil, err
	}
	return e.plans.Put(key, plan, logical, len(params)), all, nil
}

// query runs a SELECT through the plan cache.
func (e *Engine) query(ctx context.Context, sel *ast.SelectStmt, params []types.Value, analyze bool) (*executor.Outcome, error) {
	entry, all, err := e.prepare(ctx, sel, params)
	if err != nil {
		return nil, err
	}
	entry.Acquire()
	defer entry.Release()
	return e.executor.Run(ctx, &executor.Query{
		Logical:  entry.Logical,
		Plan:     entry.Plan,
		Params:   all,
		Snapshot: snapshotFrom(ctx),
		Analyze:  analyze,
	})
}
