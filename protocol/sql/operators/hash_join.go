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

type rowSource interface {
	Next(ctx context.Context) (types.Row, error)
}

type partitionPair struct {
	build, probe *spill.Stream
	level        int
}

// HashJoinOperator builds a hash table on its right input and probes it with
// the left. When the build side outgrows the memory budget both sides are
// partitioned to spill (grace hash join) and joined one partition at a time;
// partitions that still do not fit are partitioned again.
type HashJoinOperator struct {
	env         *Env
	node        *optimizer.PhysicalPlan
	left, right Operator

	leftKeys, rightKeys []*expr.Compiled
	residual            *expr.Compiled
	leftWidth           int
	rightWidth          int

	table    *hashTable
	reserved int64

	probe       rowSource
	probeReader *spill.Reader
	probeDone   bool

	pending []partitionPair
	grace   bool

	probeRow     types.Row
	probeMatched bool
	matches      []int
	mpos         int
	tail         int
	keyBuf       []byte
}

func NewHashJoin(env *Env, node *optimizer.PhysicalPlan, left, right Operator) *HashJoinOperator {
	return &HashJoinOperator{
		env:        env,
		node:       node,
		left:       left,
		right:      right,
		leftWidth:  len(node.Children[0].Schema),
		rightWidth: len(node.Children[1].Schema),
	}
}

func (op *HashJoinOperator) keepsBuild() bool {
	return op.node.JoinKind == ast.JoinRight || op.node.JoinKind == ast.JoinFull
}

func (op *HashJoinOperator) keepsProbe() bool {
	return op.node.JoinKind == ast.JoinLeft || op.node.JoinKind == ast.JoinFull
}

func (op *HashJoinOperator) Open(ctx context.Context) error {
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

	if err := op.right.Open(ctx); err != nil {
		return err
	}
	budget := op.env.budget()
	var (
		rows  []types.Row
		count int64
		parts *partitioner
	)
	for {
		row, err := op.right.Next(ctx)
		if err == EOF {
			break
		}
		if err != nil {
			return err
		}
		count++
		if parts != nil {
			if err := parts.add(row, op.rightKeys, op.env.Eval); err != nil {
				return err
			}
			continue
		}
		n := rowBytes(row)
		if budget.Reserve(n) {
			op.reserved += n
			rows = append(rows, row)
			continue
		}
		if op.env.Spill == nil {
			budget.Force(n)
			op.reserved += n
			rows = append(rows, row)
			continue
		}
		logger.DebugContext(ctx, "hash join build spilling",
			logger.Component("operators"),
			"rows_in_memory", len(rows),
			"partitions", op.env.partitions())
		if parts, err = newPartitioner(op.env.Spill, op.env.partitions(), 0); err != nil {
			return err
		}
		for _, r := range append(rows, row) {
			if err := parts.add(r, op.rightKeys, op.env.Eval); err != nil {
				parts.abort()
				return err
			}
		}
		rows = nil
		budget.Release(op.reserved)
		op.reserved = 0
	}
	if err := op.right.Close(); err != nil {
		return err
	}
	if err := op.env.observe(ctx, op.node.Children[1], rows, count); err != nil {
		if parts != nil {
			parts.abort()
		}
		return err
	}

	if err := op.left.Open(ctx); err != nil {
		return err
	}
	if parts == nil {
		if op.table, err = buildHashTable(ctx, op.env, rows, op.rightKeys, op.keepsBuild()); err != nil {
			return err
		}
		op.probe = op.left
		return nil
	}

	op.grace = true
	builds, err := parts.finish()
	if err != nil {
		return err
	}
	probes, err := op.partitionSource(ctx, op.left, op.leftKeys, 0)
	if err != nil {
		return err
	}
	for i := len(builds) - 1; i >= 0; i-- {
		op.pending = append(op.pending, partitionPair{build: builds[i], probe: probes[i]})
	}
	op.probeDone = true
	return nil
}

func (op *HashJoinOperator) partitionSource(ctx context.Context, src rowSource, keys []*expr.Compiled, level int) ([]*spill.Stream, error) {
	parts, err := newPartitioner(op.env.Spill, op.env.partitions(), level)
	if err != nil {
		return nil, err
	}
	for {
		row, err := src.Next(ctx)
		if err == EOF {
			break
		}
		if err != nil {
			parts.abort()
			return nil, err
		}
		if err := parts.add(row, keys, op.env.Eval); err != nil {
			parts.abort()
			return nil, err
		}
	}
	return parts.finish()
}

func (op *HashJoinOperator) repartition(ctx context.Context, s *spill.Stream, keys []*expr.Compiled, level int) ([]*spill.Stream, error) {
	r, err := op.env.Spill.Open(s)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	streams, err := op.partitionSource(ctx, r, keys, level)
	if err != nil {
		return nil, err
	}
	return streams, op.env.Spill.Drop(s)
}

// nextPartition loads the next partition that fits in memory, splitting
// those that do not. It reports false when none remain.
func (op *HashJoinOperator) nextPartition(ctx context.Context) (bool, error) {
	budget := op.env.budget()
	op.releaseTable()
	for len(op.pending) > 0 {
		p := op.pending[len(op.pending)-1]
		op.pending = op.pending[:len(op.pending)-1]
		if (p.build.Rows == 0 && !op.keepsProbe()) || (p.probe.Rows == 0 && !op.keepsBuild()) {
			_ = op.env.Spill.Drop(p.build)
			_ = op.env.Spill.Drop(p.probe)
			continue
		}
		bytes := p.build.Bytes + p.build.Rows*24
		if !budget.Reserve(bytes) {
			if p.level+1 < maxPartitionDepth {
				logger.DebugContext(ctx, "hash join partition repartitioned",
					logger.Component("operators"),
					logger.Rows(p.build.Rows),
					"level", p.level+1)
				builds, err := op.repartition(ctx, p.build, op.rightKeys, p.level+1)
				if err != nil {
					return false, err
				}
				probes, err := op.repartition(ctx, p.probe, op.leftKeys, p.level+1)
				if err != nil {
					return false, err
				}
				for i := len(builds) - 1; i >= 0; i-- {
					op.pending = append(op.pending, partitionPair{build: builds[i], probe: probes[i], level: p.level + 1})
				}
				continue
			}
			logger.WarnContext(ctx, "hash join partition exceeds memory budget",
				logger.Component("operators"),
				logger.Rows(p.build.Rows),
				"bytes", bytes)
			budget.Force(bytes)
		}
		op.reserved = bytes
		rows, err := op.env.Spill.ReadAll(ctx, p.build)
		if err != nil {
			return false, err
		}
		_ = op.env.Spill.Drop(p.build)
		if op.table, err = buildHashTable(ctx, op.env, rows, op.rightKeys, op.keepsBuild()); err != nil {
			return false, err
		}
		if op.probeReader, err = op.env.Spill.Open(p.probe); err != nil {
			return false, err
		}
		op.probe, op.probeDone, op.tail = op.probeReader, false, 0
		return true, nil
	}
	return false, nil
}

func (op *HashJoinOperator) releaseTable() {
	if op.probeReader != nil {
		_ = op.probeReader.Close()
		op.probeReader = nil
	}
	op.table = nil
	op.env.budget().Release(op.reserved)
	op.reserved = 0
}

func (op *HashJoinOperator) Next(ctx context.Context) (types.Row, error) {
	for {
		if op.probeRow == nil {
			if op.probeDone {
				if row, ok := op.nextUnmatchedBuild(); ok {
					return row, nil
				}
				if !op.grace {
					return nil, EOF
				}
				ok, err := op.nextPartition(ctx)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, EOF
				}
				continue
			}
			row, err := op.probe.Next(ctx)
			if err == EOF {
				op.probeDone = true
				continue
			}
			if err != nil {
				return nil, err
			}
			key, null, err := encodeKeys(op.keyBuf[:0], op.leftKeys, row, op.env.Eval)
			if err != nil {
				return nil, err
			}
			op.keyBuf = key
			op.probeRow, op.probeMatched, op.mpos, op.matches = row, false, 0, nil
			if !null {
				op.matches = op.table.lookup(key)
			}
		}
		if op.mpos < len(op.matches) {
			idx := op.matches[op.mpos]
			op.mpos++
			out := types.Concat(op.probeRow, op.table.rows[idx])
			if op.residual != nil {
				ok, err := op.residual.Matches(out, op.env.Eval)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			op.probeMatched = true
			if op.table.matched != nil {
				op.table.matched[idx] = true
			}
			return out, nil
		}
		row, matched := op.probeRow, op.probeMatched
		op.probeRow = nil
		if !matched && op.keepsProbe() {
			return types.Concat(row, types.NullRow(op.rightWidth)), nil
		}
	}
}

// nextUnmatchedBuild yields build rows no probe row matched, for RIGHT and
// FULL joins, once the probe side of the current partition is drained.
func (op *HashJoinOperator) nextUnmatchedBuild() (types.Row, bool) {
	if op.table == nil || op.table.matched == nil {
		return nil, false
	}
	for op.tail < len(op.table.rows) {
		i := op.tail
		op.tail++
		if !op.table.matched[i] {
			return types.Concat(types.NullRow(op.leftWidth), op.table.rows[i]), true
		}
	}
	return nil, false
}

func (op *HashJoinOperator) Close() error {
	op.releaseTable()
	if op.env.Spill != nil {
		for _, p := range op.pending {
			_ = op.env.Spill.Drop(p.build)
			_ = op.env.Spill.Drop(p.probe)
		}
	}
	op.pending = nil
	return closeAll(op.left, op.right)
}
