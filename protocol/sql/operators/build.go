package operators

import (
	"context"

	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/protocol/sql/optimizer"
	"github.com/guileen/querycore/storage"
	"github.com/guileen/querycore/types"
)

// Build turns a physical plan into an operator tree. Every operator is
// wrapped so it follows the lifecycle and reports to env.Profile.
func Build(env *Env, plan *optimizer.PhysicalPlan) (Operator, error) {
	children := make([]Operator, len(plan.Children))
	if plan.Strategy != optimizer.StrategyWith {
		for i, c := range plan.Children {
			child, err := Build(env, c)
			if err != nil {
				return nil, err
			}
			children[i] = child
		}
	}
	var o Operator
	switch plan.Strategy {
	case optimizer.StrategySeqScan:
		if parts, ok := env.Storage.(storage.PartitionedScanner); ok && env.Parallelism > 1 {
			o = NewParallelScan(env, plan, parts)
		} else {
			o = NewTableScan(env, plan)
		}
	case optimizer.StrategyIndexScan:
		o = NewIndexScan(env, plan)
	case optimizer.StrategyValues:
		o = NewValues(env, plan)
	case optimizer.StrategyCTEScan:
		o = NewCTEScan(env, plan)
	case optimizer.StrategyMaterializedScan:
		o = NewMaterializedScan(plan)
	case optimizer.StrategySubqueryScan:
		o = &passthrough{input: children[0]}
	case optimizer.StrategyFilter:
		o = NewFilter(env, plan, children[0])
	case optimizer.StrategyProject:
		o = NewProject(env, plan, children[0])
	case optimizer.StrategyNestedLoop:
		o = NewNestedLoopJoin(env, plan, children[0], children[1])
	case optimizer.StrategyHashJoin:
		o = NewHashJoin(env, plan, children[0], children[1])
	case optimizer.StrategyMergeJoin:
		o = NewMergeJoin(env, plan, children[0], children[1])
	case optimizer.StrategyHashAggregate:
		o = NewHashAggregate(env, plan, children[0])
	case optimizer.StrategySortAggregate:
		o = NewSortAggregate(env, plan, children[0])
	case optimizer.StrategySort, optimizer.StrategyExternalSort:
		o = NewSort(env, plan, children[0])
	case optimizer.StrategyTopN:
		o = NewTopN(env, plan, children[0])
	case optimizer.StrategyLimit:
		o = NewLimit(env, plan, children[0])
	case optimizer.StrategyDistinct:
		o = NewDistinct(env, plan, children[0])
	case optimizer.StrategyUnion:
		o = NewUnion(children[0], children[1])
	case optimizer.StrategyWith:
		o = NewWith(env, plan)
	default:
		return nil, qerrors.NewExecutionErrorf(op, "no operator for strategy %s", plan.Strategy)
	}
	return track(env, plan, o), nil
}

// Collect builds plan, runs it to completion and returns its rows.
func Collect(ctx context.Context, env *Env, plan *optimizer.PhysicalPlan) (rows []types.Row, err error) {
	o, err := Build(env, plan)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := o.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := o.Open(ctx); err != nil {
		return nil, err
	}
	return drain(ctx, o)
}
