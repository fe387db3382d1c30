// Package sql is the query-processing facade: it takes SQL text through
// validation, parsing, planning, optimization and execution, and owns the
// caches those stages share.
package sql

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/guileen/querycore/catalog"
	"github.com/guileen/querycore/config"
	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/metrics"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/cache"
	"github.com/guileen/querycore/protocol/sql/cte"
	"github.com/guileen/querycore/protocol/sql/executor"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/protocol/sql/optimizer"
	"github.com/guileen/querycore/protocol/sql/parser"
	"github.com/guileen/querycore/protocol/sql/validation"
	"github.com/guileen/querycore/storage"
	"github.com/guileen/querycore/storage/spill"
	"github.com/guileen/querycore/types"
	"github.com/guileen/querycore/workpool"
)

const op = "engine"

// Engine executes SQL statements against a storage engine and catalog. It is
// safe for concurrent use.
type Engine struct {
	cfg       *config.Config
	storage   storage.Engine
	catalog   catalog.Catalog
	stats     *catalog.StatsRegistry
	collector *catalog.StatsCollector
	parser    *parser.Parser
	optimizer *optimizer.Optimizer

	plans      *optimizer.PlanCache
	predicates *expr.PredicateCache
	ctes       *cte.Store

	spill    *spill.Store
	pool     *workpool.Pool
	executor *executor.Executor
	metrics  *metrics.Metrics
}

// New builds an engine from cfg. A nil cfg uses the defaults.
func New(cfg *config.Config, store storage.Engine, cat catalog.Catalog) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defaults := catalog.DefaultSelectivity()
	defaults.Equality = cfg.Optimizer.EqualitySelectivity
	defaults.Range = cfg.Optimizer.RangeSelectivity
	stats := catalog.NewStatsRegistry(defaults)

	model := optimizer.NewCostModel()
	model.Search = optimizer.ParseSearchStrategy(cfg.Optimizer.SearchStrategy)
	model.DPThreshold = cfg.Optimizer.DPJoinThreshold
	model.WorkMem = int64(cfg.Execution.WorkMem)

	sp, err := spill.Open(cfg.Execution.SpillDir, int64(cfg.Execution.MaxSpillBytes))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		storage:   store,
		catalog:   cat,
		stats:     stats,
		collector: catalog.NewStatsCollector(cat, store, stats, catalog.DefaultCollectorOptions()),
		parser: parser.New(validation.New(validation.Options{
			MaxLength:         cfg.Query.MaxQueryLength,
			AllowedStatements: cfg.Query.AllowedStatements,
		})),
		optimizer:  optimizer.New(model, stats, store),
		plans:      optimizer.NewPlanCache(cfg.Cache.PlanCacheSize),
		predicates: expr.NewPredicateCache(cfg.Cache.PredicateCacheSize),
		ctes:       cte.NewStore(cfg.Query.MaxMaterializedCTEs),
		spill:      sp,
		metrics:    metrics.New(),
	}
	if cfg.Execution.Parallelism > 1 {
		e.pool = workpool.New(cfg.Execution.Parallelism)
	}
	e.executor = executor.New(executor.Options{
		MaxResultRows:          cfg.Query.MaxResultRows,
		WorkMem:                int64(cfg.Execution.WorkMem),
		MaxMemory:              int64(cfg.Execution.MaxMemory),
		HashPartitions:         cfg.Execution.HashPartitions,
		Parallelism:            cfg.Execution.Parallelism,
		MaxRecursiveIterations: cfg.Query.MaxRecursiveIterations,
		Adaptive:               cfg.Execution.AdaptiveExecution,
		ReplanRatio:            cfg.Execution.AdaptiveReplanRatio,
		MaxReplans:             cfg.Execution.AdaptiveMaxReplans,
	}, executor.Deps{
		Storage:    store,
		Optimizer:  e.optimizer,
		Spill:      sp,
		Pool:       e.pool,
		Predicates: e.predicates,
		CTEs:       e.ctes,
		Metrics:    e.metrics,
	})
	e.registerGauges()
	return e, nil
}

func (e *Engine) registerGauges() {
	e.metrics.Gauge("plan_cache_entries", "Physical plans currently cached.", func() float64 {
		return float64(e.plans.Len())
	})
	e.metrics.Gauge("predicate_cache_entries", "Compiled predicates currently cached.", func() float64 {
		return float64(e.predicates.Len())
	})
	e.metrics.Gauge("cte_cache_entries", "Materialized CTE results currently cached.", func() float64 {
		return float64(e.ctes.Len())
	})
	e.metrics.Gauge("memory_reserved_bytes", "Operator memory currently reserved across queries.", func() float64 {
		return float64(e.executor.Memory().Used())
	})
	e.metrics.Gauge("spill_bytes", "Live spill bytes across queries.", func() float64 {
		return float64(e.spill.Used())
	})
}

// Close releases the spill store. In-flight queries must have finished.
func (e *Engine) Close() error {
	return e.spill.Close()
}

func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

func (e *Engine) Catalog() catalog.Catalog { return e.catalog }

func (e *Engine) Statistics() *catalog.StatsRegistry { return e.stats }

func (e *Engine) PredicateCache() *expr.PredicateCache { return e.predicates }

func (e *Engine) PlanCache() *optimizer.PlanCache { return e.plans }

// Execute runs every statement in sql and returns the result of the last.
// params bind $1..$n.
func (e *Engine) Execute(ctx context.Context, sql string, params ...types.Value) (*types.QueryResult, error) {
	stmts, err := e.parser.Parse(sql)
	if err != nil {
		e.metrics.ObserveQuery("invalid", 0, err)
		return nil, err
	}
	var result *types.QueryResult
	for _, stmt := range stmts {
		result, err = e.ExecuteStatement(ctx, stmt, params)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ExecuteStatement runs one parsed statement.
func (e *Engine) ExecuteStatement(ctx context.Context, stmt ast.Statement, params []types.Value) (*types.QueryResult, error) {
	start := time.Now()
	result, err := e.dispatch(ctx, stmt, params)
	elapsed := time.Since(start)
	e.metrics.ObserveQuery(stmt.Verb(), elapsed, err)
	if err != nil {
		var qe *qerrors.QueryError
		if errors.As(err, &qe) {
			level := slog.LevelWarn
			if qe.Kind == qerrors.KindExecution || qe.Kind == qerrors.KindResource {
				level = slog.LevelError
			}
			qe.Log(ctx, level)
		}
		return nil, err
	}
	if result.ExecutionTime == 0 {
		result.ExecutionTime = elapsed
	}
	logger.DebugContext(ctx, "statement executed",
		logger.Component("engine"),
		logger.Operation(stmt.Verb()),
		logger.Duration("elapsed", elapsed))
	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, stmt ast.Statement, params []types.Value) (*types.QueryResult, error) {
	switch s := stmt.(type) {
	case *ast.SelectStmt:
		out, err := e.query(ctx, s, params, false)
		if err != nil {
			return nil, err
		}
		return out.Result, nil
	case *ast.InsertStmt:
		return e.insert(ctx, s, params)
	case *ast.UpdateStmt:
		return e.update(ctx, s, params)
	case *ast.DeleteStmt:
		return e.delete(ctx, s, params)
	case *ast.CreateTableStmt:
		return e.createTable(ctx, s)
	case *ast.CreateIndexStmt:
		return e.createIndex(ctx, s)
	case *ast.DropStmt:
		return e.drop(ctx, s)
	case *ast.GrantStmt:
		return e.grant(ctx, s)
	case *ast.AnalyzeStmt:
		return e.analyze(ctx, s)
	case *ast.ExplainStmt:
		return e.explainStatement(ctx, s, params)
	}
	return nil, qerrors.NewUnsupportedError(op, "%s is not supported", stmt.Verb())
}

// Stats is a point-in-time view of the engine's shared structures.
type Stats struct {
	PlanCache      cache.Stats                 `json:"plan_cache"`
	PredicateCache cache.Stats                 `json:"predicate_cache"`
	CTECache       cache.Stats                 `json:"cte_cache"`
	Memory         executor.BudgetStats        `json:"memory"`
	SpillBytes     int64                       `json:"spill_bytes"`
	CatalogVersion uint64                      `json:"catalog_version"`
	Tables         map[string]*tableStatsBrief `json:"tables"`
}

type tableStatsBrief struct {
	Rows        int64     `json:"rows"`
	Pages       int64     `json:"pages"`
	AvgRowWidth int       `json:"avg_row_width"`
	CollectedAt time.Time `json:"collected_at"`
}

// Stats reports cache, memory and statistics state.
func (e *Engine) Stats() Stats {
	s := Stats{
		PlanCache:      e.plans.Stats(),
		PredicateCache: e.predicates.Stats(),
		CTECache:       e.ctes.Stats(),
		Memory:         e.executor.Memory().Stats(),
		SpillBytes:     e.spill.Used(),
		CatalogVersion: e.catalog.Version(),
		Tables:         make(map[string]*tableStatsBrief),
	}
	for name, ts := range e.stats.Snapshot() {
		s.Tables[name] = &tableStatsBrief{
			Rows:        ts.RowCount,
			Pages:       ts.PageCount,
			AvgRowWidth: ts.AvgRowWidth,
			CollectedAt: ts.CollectedAt,
		}
	}
	return s
}

// invalidate drops cached plans and CTE results that read table.
func (e *Engine) invalidate(table string, plans bool) {
	if plans {
		e.plans.InvalidateTable(table)
	}
	e.ctes.InvalidateTable(table)
}

func affected(n int64, start time.Time) *types.QueryResult {
	r := types.Affected(n)
	r.ExecutionTime = time.Since(start)
	return r
}
