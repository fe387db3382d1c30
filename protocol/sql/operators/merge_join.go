package operators

import (
	"context"

	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/protocol/sql/optimizer"
	"github.com/guileen/querycore/types"
)

// MergeJoinOperator joins two inputs sorted ascending on their join keys by
// advancing both in step. Inputs are checked as they are read; if either
// turns out unsorted the operator finishes as a nested loop over everything
// read so far, skipping pairs already produced.
type MergeJoinOperator struct {
	env                 *Env
	node                *optimizer.PhysicalPlan
	left, right         Operator
	leftKeys, rightKeys []*expr.Compiled
	residual            *expr.Compiled

	lrows, rrows []types.Row
	lkeys, rkeys [][]types.Value
	reserved     int64

	cur       int
	hasCur    bool
	gs, ge    int
	hasGroup  bool
	rightDone bool
	mi        int

	emitted  map[uint64]struct{}
	fallback bool
	fi, fj   int
}

func NewMergeJoin(env *Env, node *optimizer.PhysicalPlan, left, right Operator) *MergeJoinOperator {
	return &MergeJoinOperator{env: env, node: node, left: left, right: right, emitted: make(map[uint64]struct{})}
}

func (op *MergeJoinOperator) Open(ctx context.Context) error {
	var err error
	if op.leftKeys, err = expr.CompileAll(op.node.LeftKeys, op.node.Children[0].Schema); err != nil {
		return err
	}
	if op.rightKeys, err = expr.CompileAll(op.node.RightKeys, op.node.Children[1].Schema); err != nil {
		return err
	}
	if op.residual, err = op.env.predicate(op.node.Filter, op.node.Schema); err != nil {
		return err
	}
	if err := op.left.Open(ctx); err != nil {
		return err
	}
	return op.right.Open(ctx)
}

func compareKeys(a, b []types.Value) int {
	for i := range a {
		if c := types.SortCompare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

func evalKeys(keys []*expr.Compiled, row types.Row, ec *expr.EvalContext) ([]types.Value, bool, error) {
	vals := make([]types.Value, len(keys))
	null := false
	for i, k := range keys {
		v, err := k.Eval(row, ec)
		if err != nil {
			return nil, false, err
		}
		null = null || v.IsNull()
		vals[i] = v
	}
	return vals, null, nil
}

// pull reads the next row with a non-NULL key from one side and reports
// whether it breaks the ascending order.
func (op *MergeJoinOperator) pull(ctx context.Context, in Operator, keys []*expr.Compiled, rows *[]types.Row, keyed *[][]types.Value) (idx int, unsorted bool, err error) {
	for {
		row, err := in.Next(ctx)
		if err != nil {
			return 0, false, err
		}
		k, null, err := evalKeys(keys, row, op.env.Eval)
		if err != nil {
			return 0, false, err
		}
		if null {
			continue
		}
		n := rowBytes(row)
		op.env.budget().Force(n)
		op.reserved += n
		if last := len(*keyed); last > 0 && compareKeys(k, (*keyed)[last-1]) < 0 {
			unsorted = true
		}
		*rows = append(*rows, row)
		*keyed = append(*keyed, k)
		return len(*rows) - 1, unsorted, nil
	}
}

func (op *MergeJoinOperator) pullLeft(ctx context.Context) (int, bool, error) {
	return op.pull(ctx, op.left, op.leftKeys, &op.lrows, &op.lkeys)
}

func (op *MergeJoinOperator) pullRight(ctx context.Context) (int, bool, error) {
	return op.pull(ctx, op.right, op.rightKeys, &op.rrows, &op.rkeys)
}

// loadGroup advances to the next run of equal right keys. The first row of
// the following run stays buffered at index ge.
func (op *MergeJoinOperator) loadGroup(ctx context.Context) (unsorted bool, err error) {
	op.gs = op.ge
	op.hasGroup = false
	if len(op.rrows) == op.ge {
		if op.rightDone {
			return false, nil
		}
		_, unsorted, err := op.pullRight(ctx)
		if err == EOF {
			op.rightDone = true
			return false, nil
		}
		if err != nil || unsorted {
			return unsorted, err
		}
	}
	op.hasGroup = true
	op.ge = op.gs + 1
	for !op.rightDone {
		idx, unsorted, err := op.pullRight(ctx)
		if err == EOF {
			op.rightDone = true
			break
		}
		if err != nil || unsorted {
			return unsorted, err
		}
		if compareKeys(op.rkeys[idx], op.rkeys[op.gs]) != 0 {
			break
		}
		op.ge++
	}
	return false, nil
}

func (op *MergeJoinOperator) Next(ctx context.Context) (types.Row, error) {
	if op.fallback {
		return op.nextFallback()
	}
	for {
		if op.hasCur && op.mi < op.ge {
			ri := op.mi
			op.mi++
			out, ok, err := op.pair(op.cur, ri)
			if err != nil {
				return nil, err
			}
			if ok {
				return out, nil
			}
			continue
		}
		idx, unsorted, err := op.pullLeft(ctx)
		if err == EOF {
			return nil, EOF
		}
		if err != nil {
			return nil, err
		}
		if unsorted {
			return op.startFallback(ctx)
		}
		op.cur, op.hasCur = idx, true
		op.mi = op.ge
		for {
			if !op.hasGroup {
				unsorted, err := op.loadGroup(ctx)
				if err != nil {
					return nil, err
				}
				if unsorted {
					return op.startFallback(ctx)
				}
				if !op.hasGroup {
					return nil, EOF
				}
			}
			c := compareKeys(op.lkeys[idx], op.rkeys[op.gs])
			if c == 0 {
				op.mi = op.gs
				break
			}
			if c < 0 {
				break
			}
			op.hasGroup = false
		}
	}
}

// pair joins left row li with right row ri, applying the residual.
func (op *MergeJoinOperator) pair(li, ri int) (types.Row, bool, error) {
	out := types.Concat(op.lrows[li], op.rrows[ri])
	if op.residual != nil {
		ok, err := op.residual.Matches(out, op.env.Eval)
		if err != nil || !ok {
			return nil, false, err
		}
	}
	op.emitted[uint64(li)<<32|uint64(ri)] = struct{}{}
	return out, true, nil
}

func (op *MergeJoinOperator) startFallback(ctx context.Context) (types.Row, error) {
	logger.WarnContext(ctx, "merge join input not sorted, falling back to nested loop",
		logger.Component("operators"),
		"left_rows", len(op.lrows),
		"right_rows", len(op.rrows))
	for {
		if _, _, err := op.pullLeft(ctx); err == EOF {
			break
		} else if err != nil {
			return nil, err
		}
	}
	for !op.rightDone {
		if _, _, err := op.pullRight(ctx); err == EOF {
			op.rightDone = true
		} else if err != nil {
			return nil, err
		}
	}
	op.fallback = true
	return op.nextFallback()
}

func (op *MergeJoinOperator) nextFallback() (types.Row, error) {
	for op.fi < len(op.lrows) {
		for op.fj < len(op.rrows) {
			li, ri := op.fi, op.fj
			op.fj++
			if compareKeys(op.lkeys[li], op.rkeys[ri]) != 0 {
				continue
			}
			if _, done := op.emitted[uint64(li)<<32|uint64(ri)]; done {
				continue
			}
			out, ok, err := op.pair(li, ri)
			if err != nil {
				return nil, err
			}
			if ok {
				return out, nil
			}
		}
		op.fi++
		op.fj = 0
	}
	return nil, EOF
}

func (op *MergeJoinOperator) Close() error {
	op.lrows, op.rrows, op.lkeys, op.rkeys = nil, nil, nil, nil
	op.emitted = nil
	op.env.budget().Release(op.reserved)
	op.reserved = 0
	return closeAll(op.left, op.right)
}
