// Package executor runs physical plans: it gives each query its memory
// budget, spill namespace and CTE context, bounds the result, and
// re-optimizes mid-flight when a pipeline breaker sees far more or fewer
// rows than the plan assumed.
package executor

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/metrics"
	"github.com/guileen/querycore/protocol/sql/cte"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/protocol/sql/operators"
	"github.com/guileen/querycore/protocol/sql/optimizer"
	"github.com/guileen/querycore/protocol/sql/planner"
	"github.com/guileen/querycore/storage"
	"github.com/guileen/querycore/storage/spill"
	"github.com/guileen/querycore/types"
	"github.com/guileen/querycore/workpool"
)

// Options tune execution.
type Options struct {
	// MaxResultRows caps the rows returned; the rest are dropped and the
	// result is marked truncated. 0 means no cap.
	MaxResultRows int64
	// WorkMem is each query's memory budget in bytes. 0 means unlimited.
	WorkMem int64
	// MaxMemory bounds the sum of all query budgets. 0 means unlimited.
	MaxMemory              int64
	HashPartitions         int
	Parallelism            int
	MaxRecursiveIterations int

	Adaptive    bool
	ReplanRatio float64
	MaxReplans  int
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxResultRows:          1_000_000,
		WorkMem:                64 << 20,
		HashPartitions:         16,
		Parallelism:            1,
		MaxRecursiveIterations: 1000,
		ReplanRatio:            10,
		MaxReplans:             1,
	}
}

// Executor runs plans against a storage engine. It is safe for concurrent
// use; per-query state lives in the call.
type Executor struct {
	opts       Options
	storage    storage.Engine
	optimizer  *optimizer.Optimizer
	spill      *spill.Store
	pool       *workpool.Pool
	predicates *expr.PredicateCache
	ctes       *cte.Store
	memory     *MemoryBudget
	metrics    *metrics.Metrics
}

// Deps are the collaborators an Executor shares with the rest of the engine.
// Everything but Storage may be nil.
type Deps struct {
	Storage    storage.Engine
	Optimizer  *optimizer.Optimizer
	Spill      *spill.Store
	Pool       *workpool.Pool
	Predicates *expr.PredicateCache
	CTEs       *cte.Store
	Metrics    *metrics.Metrics
}

func New(opts Options, deps Deps) *Executor {
	pool := deps.Pool
	if pool == nil && opts.Parallelism > 1 {
		pool = workpool.New(opts.Parallelism)
	}
	return &Executor{
		opts:       opts,
		storage:    deps.Storage,
		optimizer:  deps.Optimizer,
		spill:      deps.Spill,
		pool:       pool,
		predicates: deps.Predicates,
		ctes:       deps.CTEs,
		memory:     NewMemoryBudget("engine", opts.MaxMemory),
		metrics:    deps.Metrics,
	}
}

// Memory is the engine-wide budget every query budget draws from.
func (e *Executor) Memory() *MemoryBudget { return e.memory }

// Query is one execution request.
type Query struct {
	// Logical is needed to re-optimize; without it the plan runs as is.
	Logical  planner.Node
	Plan     *optimizer.PhysicalPlan
	Params   []types.Value
	Snapshot storage.Snapshot
	// Analyze collects per-operator row counts and timings.
	Analyze bool
}

// Outcome is the result of a query with what was learned running it.
type Outcome struct {
	Result *types.QueryResult
	// Plan is the plan that produced the result, after any replans.
	Plan        *optimizer.PhysicalPlan
	Actual      map[*optimizer.PhysicalPlan]optimizer.Actual
	SpilledRows int64
	Memory      BudgetStats
}

// Execute runs plan and returns its rows.
func (e *Executor) Execute(ctx context.Context, plan *optimizer.PhysicalPlan, params []types.Value) (*types.QueryResult, error) {
	out, err := e.Run(ctx, &Query{Plan: plan, Params: params})
	if err != nil {
		return nil, err
	}
	return out.Result, nil
}

// replan aborts the running plan in favour of next.
type replan struct {
	next *optimizer.PhysicalPlan
}

func (r *replan) Error() string { return "plan replaced during execution" }

// Run executes q. Spill written by the query is removed before Run returns,
// whether it succeeds, fails or is cancelled.
func (e *Executor) Run(ctx context.Context, q *Query) (*Outcome, error) {
	start := time.Now()
	queryID := logger.QueryID(ctx)
	if queryID == "" {
		queryID = uuid.NewString()
		ctx = logger.WithQueryID(ctx, queryID)
	}

	var sm *spill.Manager
	if e.spill != nil {
		sm = e.spill.NewManager(queryID)
		defer func() {
			if err := sm.Cleanup(); err != nil {
				logger.WarnContext(ctx, "spill cleanup failed",
					logger.Component("executor"),
					logger.ErrorField(err))
			}
		}()
	}
	budget := e.memory.Child(queryID, e.opts.WorkMem)
	defer func() { budget.Release(budget.Used()) }()

	plan := q.Plan
	feedback := optimizer.Feedback{}
	ctes := cte.NewContext(e.ctes)
	replans := 0
	for {
		env := &operators.Env{
			Storage:                e.storage,
			Snapshot:               q.Snapshot,
			Eval:                   expr.NewEvalContext(q.Params),
			Budget:                 budget,
			Spill:                  sm,
			Pool:                   e.pool,
			Predicates:             e.predicates,
			CTEs:                   ctes,
			HashPartitions:         e.opts.HashPartitions,
			Parallelism:            e.opts.Parallelism,
			MaxRecursiveIterations: e.opts.MaxRecursiveIterations,
		}
		if q.Analyze {
			env.Profile = operators.NewProfile()
		}
		if e.adaptive(q) && replans < e.opts.MaxReplans {
			env.Observe = e.observer(q, plan, feedback)
		}

		rows, truncated, err := e.drive(ctx, env, plan)
		var rp *replan
		if errors.As(err, &rp) {
			replans++
			e.metrics.Replanned()
			logger.InfoContext(ctx, "query replanned",
				logger.Component("executor"),
				logger.Replans(replans))
			plan = rp.next
			continue
		}
		if err != nil {
			err = classify(err)
			if len(rows) > 0 {
				err = qerrors.MarkPartial(err)
			}
			return nil, err
		}

		result := &types.QueryResult{
			Columns:       plan.Schema.Names(),
			Rows:          rows,
			Count:         int64(len(rows)),
			ExecutionTime: time.Since(start),
			Truncated:     truncated || ctes.Truncated(),
			Warnings:      ctes.Warnings(),
			Replans:       replans,
		}
		if truncated {
			e.metrics.Truncated()
			result.Warnings = append(result.Warnings, "result truncated to the row limit")
		}
		out := &Outcome{Result: result, Plan: plan, Memory: budget.Stats()}
		if env.Profile != nil {
			out.Actual = env.Profile.Actual()
		}
		if sm != nil {
			out.SpilledRows = sm.SpilledRows()
			e.metrics.Spilled(out.SpilledRows)
		}
		logger.DebugContext(ctx, "query executed",
			logger.Component("executor"),
			logger.Rows(result.Count),
			logger.Duration("elapsed", result.ExecutionTime),
			logger.Replans(replans),
			"spilled_rows", out.SpilledRows,
			"peak_memory", out.Memory.Peak)
		return out, nil
	}
}

func (e *Executor) adaptive(q *Query) bool {
	return e.opts.Adaptive && q.Logical != nil && e.optimizer != nil && e.opts.MaxReplans > 0
}

// drive builds and drains the operator tree, stopping at the row cap.
func (e *Executor) drive(ctx context.Context, env *operators.Env, plan *optimizer.PhysicalPlan) (rows []types.Row, truncated bool, err error) {
	root, err := operators.Build(env, plan)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if cerr := root.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := root.Open(ctx); err != nil {
		return nil, false, err
	}
	limit := e.opts.MaxResultRows
	for {
		row, err := root.Next(ctx)
		if err == operators.EOF {
			return rows, false, nil
		}
		if err != nil {
			return rows, false, err
		}
		if limit > 0 && int64(len(rows)) >= limit {
			logger.WarnContext(ctx, "result truncated",
				logger.Component("executor"),
				"limit", limit)
			return rows, true, nil
		}
		rows = append(rows, row)
	}
}

// observer compares what a pipeline breaker consumed with the estimate and
// re-optimizes when they diverge by ReplanRatio or more. A different plan
// aborts the running one; kept rows are reused by the new plan.
func (e *Executor) observer(q *Query, current *optimizer.PhysicalPlan, feedback optimizer.Feedback) operators.Observer {
	return func(ctx context.Context, input *optimizer.PhysicalPlan, rows []types.Row, count int64) error {
		if input.Relation == "" {
			return nil
		}
		est := math.Max(input.Rows, 1)
		actual := math.Max(float64(count), 1)
		if math.Max(est/actual, actual/est) < e.opts.ReplanRatio {
			return nil
		}
		obs := &optimizer.Observation{Rows: count}
		if rows != nil {
			obs.Schema, obs.Materialized = input.Schema, rows
		}
		feedback[input.Relation] = obs
		logger.DebugContext(ctx, "cardinality misestimate",
			logger.Component("executor"),
			"relation", input.Relation,
			"estimated", int64(input.Rows),
			"actual", count)
		next, err := e.optimizer.OptimizeWithFeedback(ctx, q.Logical, q.Params, feedback)
		if err != nil {
			logger.WarnContext(ctx, "re-optimization failed, continuing",
				logger.Component("executor"),
				logger.ErrorField(err))
			return nil
		}
		if optimizer.Equivalent(current, next) {
			return nil
		}
		return &replan{next: next}
	}
}

// classify gives errors raised below the operators a kind.
func classify(err error) error {
	var qe *qerrors.QueryError
	switch {
	case errors.As(err, &qe):
		return err
	case errors.Is(err, spill.ErrSpillExhausted):
		return qerrors.Wrap(err, qerrors.KindResource, qerrors.ErrCodeSpillExhausted, "execute")
	}
	if ce := qerrors.FromContext(err, "execute"); ce != nil {
		return ce
	}
	return qerrors.Wrap(err, qerrors.KindExecution, qerrors.ErrCodeStorage, "execute")
}
