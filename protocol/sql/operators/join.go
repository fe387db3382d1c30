package operators

import (
	"context"

	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/protocol/sql/optimizer"
	"github.com/guileen/querycore/storage/spill"
	"github.com/guileen/querycore/types"
)

// NestedLoopJoinOperator compares every left row with every right row. The
// right input is read once and kept in memory, overflowing to spill when
// the budget refuses it.
type NestedLoopJoinOperator struct {
	env         *Env
	node        *optimizer.PhysicalPlan
	left, right Operator
	cond        *expr.Compiled
	leftWidth   int
	rightWidth  int

	inner    []types.Row
	overflow *spill.Stream
	reserved int64
	matched  []bool

	outer        types.Row
	outerMatched bool
	pos          int
	reader       *spill.Reader
	outerDone    bool
	tail         int
	tailReader   *spill.Reader
}

func NewNestedLoopJoin(env *Env, node *optimizer.PhysicalPlan, left, right Operator) *NestedLoopJoinOperator {
	return &NestedLoopJoinOperator{
		env:        env,
		node:       node,
		left:       left,
		right:      right,
		leftWidth:  len(node.Children[0].Schema),
		rightWidth: len(node.Children[1].Schema),
	}
}

func (op *NestedLoopJoinOperator) keepsInner() bool {
	return op.node.JoinKind == ast.JoinRight || op.node.JoinKind == ast.JoinFull
}

func (op *NestedLoopJoinOperator) keepsOuter() bool {
	return op.node.JoinKind == ast.JoinLeft || op.node.JoinKind == ast.JoinFull
}

func (op *NestedLoopJoinOperator) Open(ctx context.Context) error {
	cond, err := op.env.predicate(op.node.Filter, op.node.Schema)
	if err != nil {
		return err
	}
	op.cond = cond
	if err := op.right.Open(ctx); err != nil {
		return err
	}
	budget := op.env.budget()
	var (
		w     *spill.Writer
		count int64
	)
	for {
		row, err := op.right.Next(ctx)
		if err == EOF {
			break
		}
		if err != nil {
			if w != nil {
				w.Abort()
			}
			return err
		}
		count++
		if w != nil {
			if err := w.Append(row); err != nil {
				w.Abort()
				return err
			}
			continue
		}
		n := rowBytes(row)
		if !budget.Reserve(n) {
			if op.env.Spill != nil {
				logger.DebugContext(ctx, "nested loop inner side spilling",
					logger.Component("operators"),
					"rows_in_memory", len(op.inner))
				if w, err = op.env.Spill.NewWriter(); err != nil {
					return err
				}
				if err := w.Append(row); err != nil {
					w.Abort()
					return err
				}
				continue
			}
			budget.Force(n)
		}
		op.reserved += n
		op.inner = append(op.inner, row)
	}
	if w != nil {
		if op.overflow, err = w.Finish(); err != nil {
			return err
		}
	}
	if err := op.right.Close(); err != nil {
		return err
	}
	var kept []types.Row
	if op.overflow == nil {
		kept = op.inner
	}
	if err := op.env.observe(ctx, op.node.Children[1], kept, count); err != nil {
		return err
	}
	if op.keepsInner() {
		op.matched = make([]bool, count)
	}
	return op.left.Open(ctx)
}

// innerRow returns the inner row at op.pos, reading spilled rows after the
// in-memory ones.
func (op *NestedLoopJoinOperator) innerRow(ctx context.Context) (types.Row, bool, error) {
	if op.pos < len(op.inner) {
		return op.inner[op.pos], true, nil
	}
	if op.overflow == nil {
		return nil, false, nil
	}
	if op.reader == nil {
		r, err := op.env.Spill.Open(op.overflow)
		if err != nil {
			return nil, false, err
		}
		op.reader = r
	}
	row, err := op.reader.Next(ctx)
	if err == EOF {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (op *NestedLoopJoinOperator) closeReader() {
	if op.reader != nil {
		_ = op.reader.Close()
		op.reader = nil
	}
}

func (op *NestedLoopJoinOperator) Next(ctx context.Context) (types.Row, error) {
	for !op.outerDone {
		if op.outer == nil {
			row, err := op.left.Next(ctx)
			if err == EOF {
				op.outerDone = true
				break
			}
			if err != nil {
				return nil, err
			}
			op.outer, op.outerMatched, op.pos = row, false, 0
			op.closeReader()
		}
		for {
			in, ok, err := op.innerRow(ctx)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			idx := op.pos
			op.pos++
			out := types.Concat(op.outer, in)
			if op.cond != nil {
				match, err := op.cond.Matches(out, op.env.Eval)
				if err != nil {
					return nil, err
				}
				if !match {
					continue
				}
			}
			op.outerMatched = true
			if op.matched != nil {
				op.matched[idx] = true
			}
			return out, nil
		}
		row, matched := op.outer, op.outerMatched
		op.outer = nil
		if !matched && op.keepsOuter() {
			return types.Concat(row, types.NullRow(op.rightWidth)), nil
		}
	}
	return op.nextUnmatchedInner(ctx)
}

func (op *NestedLoopJoinOperator) nextUnmatchedInner(ctx context.Context) (types.Row, error) {
	if op.matched == nil {
		return nil, EOF
	}
	for op.tail < len(op.matched) {
		i := op.tail
		op.tail++
		var row types.Row
		if i < len(op.inner) {
			row = op.inner[i]
		} else {
			if op.tailReader == nil {
				r, err := op.env.Spill.Open(op.overflow)
				if err != nil {
					return nil, err
				}
				op.tailReader = r
			}
			var err error
			if row, err = op.tailReader.Next(ctx); err != nil {
				return nil, err
			}
		}
		if !op.matched[i] {
			return types.Concat(types.NullRow(op.leftWidth), row), nil
		}
	}
	return nil, EOF
}

func (op *NestedLoopJoinOperator) Close() error {
	op.closeReader()
	if op.tailReader != nil {
		_ = op.tailReader.Close()
		op.tailReader = nil
	}
	if op.overflow != nil {
		_ = op.env.Spill.Drop(op.overflow)
		op.overflow = nil
	}
	op.inner = nil
	op.env.budget().Release(op.reserved)
	op.reserved = 0
	return closeAll(op.left, op.right)
}
