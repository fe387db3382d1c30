package operators

import (
	"context"
	"strings"

	"github.com/guileen/querycore/codec"
	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/protocol/sql/optimizer"
	"github.com/guileen/querycore/storage/spill"
	"github.com/guileen/querycore/types"
)

// aggFunc is one compiled aggregate call.
type aggFunc struct {
	name     string
	star     bool
	distinct bool
	arg      *expr.Compiled
}

func compileAggs(node *optimizer.PhysicalPlan) ([]aggFunc, error) {
	schema := node.Children[0].Schema
	out := make([]aggFunc, len(node.Aggs))
	for i, f := range node.Aggs {
		a := aggFunc{name: strings.ToUpper(f.Name), star: f.Star, distinct: f.Distinct}
		if !f.Star {
			if len(f.Args) != 1 {
				return nil, qerrors.NewExecutionErrorf(op, "function %s takes exactly one argument", a.name)
			}
			c, err := expr.Compile(f.Args[0], schema)
			if err != nil {
				return nil, err
			}
			a.arg = c
		}
		out[i] = a
	}
	return out, nil
}

// aggState accumulates one aggregate for one group.
type aggState struct {
	count   int64
	sumInt  int64
	sumFlt  float64
	isFloat bool
	best    types.Value
	seen    map[string]struct{}
}

func (s *aggState) update(f *aggFunc, row types.Row, ec *expr.EvalContext) error {
	if f.star {
		s.count++
		return nil
	}
	v, err := f.arg.Eval(row, ec)
	if err != nil {
		return err
	}
	if v.IsNull() {
		return nil
	}
	if f.distinct {
		k := codec.KeyString(v)
		if s.seen == nil {
			s.seen = make(map[string]struct{})
		}
		if _, dup := s.seen[k]; dup {
			return nil
		}
		s.seen[k] = struct{}{}
	}
	s.count++
	switch f.name {
	case "SUM", "AVG":
		if i, ok := v.Int(); ok && !s.isFloat {
			sum := s.sumInt + i
			if (i > 0 && sum < s.sumInt) || (i < 0 && sum > s.sumInt) {
				s.isFloat = true
				s.sumFlt = float64(s.sumInt) + float64(i)
				return nil
			}
			s.sumInt = sum
			return nil
		}
		x, ok := v.Float()
		if !ok {
			return qerrors.NewTypeError(op, "cannot %s value %s", f.name, v.SQL())
		}
		if !s.isFloat {
			s.isFloat = true
			s.sumFlt = float64(s.sumInt)
		}
		s.sumFlt += x
	case "MIN", "MAX":
		if s.count == 1 {
			s.best = v
			return nil
		}
		c := types.SortCompare(v, s.best)
		if (f.name == "MIN" && c < 0) || (f.name == "MAX" && c > 0) {
			s.best = v
		}
	}
	return nil
}

func (s *aggState) result(f *aggFunc) types.Value {
	switch f.name {
	case "COUNT":
		return types.NewInt(s.count)
	case "SUM":
		if s.count == 0 {
			return types.Null()
		}
		if s.isFloat {
			return types.NewFloat(s.sumFlt)
		}
		return types.NewInt(s.sumInt)
	case "AVG":
		if s.count == 0 {
			return types.Null()
		}
		sum := s.sumFlt
		if !s.isFloat {
			sum = float64(s.sumInt)
		}
		return types.NewFloat(sum / float64(s.count))
	case "MIN", "MAX":
		if s.count == 0 {
			return types.Null()
		}
		return s.best
	}
	return types.Null()
}

type aggGroup struct {
	key  types.Row
	aggs []aggState
}

func (g *aggGroup) row(funcs []aggFunc) types.Row {
	out := make(types.Row, 0, len(g.key)+len(funcs))
	out = append(out, g.key...)
	for i := range funcs {
		out = append(out, g.aggs[i].result(&funcs[i]))
	}
	return out
}

func (g *aggGroup) update(funcs []aggFunc, row types.Row, ec *expr.EvalContext) error {
	for i := range funcs {
		if err := g.aggs[i].update(&funcs[i], row, ec); err != nil {
			return err
		}
	}
	return nil
}

func groupValues(keys []*expr.Compiled, row types.Row, ec *expr.EvalContext) (types.Row, error) {
	vals := make(types.Row, len(keys))
	for i, k := range keys {
		v, err := k.Eval(row, ec)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

// pendingPartition is spilled input still to be processed.
type pendingPartition struct {
	stream *spill.Stream
	level  int
}

// HashAggregateOperator groups rows in a hash table. Once the budget refuses
// a new group, rows of every group not yet in memory are partitioned to
// spill and aggregated partition by partition after the in-memory groups
// are emitted.
type HashAggregateOperator struct {
	env   *Env
	node  *optimizer.PhysicalPlan
	input Operator
	keys  []*expr.Compiled
	funcs []aggFunc

	index    map[string]int
	groups   []*aggGroup
	pos      int
	reserved int64
	pending  []pendingPartition
}

func NewHashAggregate(env *Env, node *optimizer.PhysicalPlan, input Operator) *HashAggregateOperator {
	return &HashAggregateOperator{env: env, node: node, input: input}
}

func (op *HashAggregateOperator) Open(ctx context.Context) error {
	var err error
	if op.keys, err = expr.CompileAll(op.node.GroupBy, op.node.Children[0].Schema); err != nil {
		return err
	}
	if op.funcs, err = compileAggs(op.node); err != nil {
		return err
	}
	if err := op.input.Open(ctx); err != nil {
		return err
	}
	count, err := op.aggregate(ctx, op.input, 0)
	if err != nil {
		return err
	}
	if len(op.keys) == 0 && len(op.groups) == 0 {
		op.groups = append(op.groups, &aggGroup{aggs: make([]aggState, len(op.funcs))})
	}
	return op.env.observe(ctx, op.node.Children[0], nil, count)
}

// aggregate consumes src into the in-memory groups, spilling rows of new
// groups once memory runs out.
func (op *HashAggregateOperator) aggregate(ctx context.Context, src rowSource, level int) (int64, error) {
	budget := op.env.budget()
	op.index = make(map[string]int)
	op.groups, op.pos = nil, 0
	var (
		parts *partitioner
		count int64
		buf   []byte
	)
	for {
		row, err := src.Next(ctx)
		if err == EOF {
			break
		}
		if err != nil {
			if parts != nil {
				parts.abort()
			}
			return 0, err
		}
		count++
		vals, err := groupValues(op.keys, row, op.env.Eval)
		if err != nil {
			return 0, err
		}
		buf = codec.EncodeKey(buf[:0], vals...)
		idx, ok := op.index[string(buf)]
		if !ok {
			if parts != nil {
				if err := parts.addKey(buf, row); err != nil {
					parts.abort()
					return 0, err
				}
				continue
			}
			n := rowBytes(vals) + int64(len(buf)) + int64(len(op.funcs))*64
			if !budget.Reserve(n) {
				if op.env.Spill != nil && len(op.keys) > 0 && level < maxPartitionDepth {
					logger.DebugContext(ctx, "hash aggregate spilling",
						logger.Component("operators"),
						"groups", len(op.groups),
						"level", level)
					if parts, err = newPartitioner(op.env.Spill, op.env.partitions(), level); err != nil {
						return 0, err
					}
					if err := parts.addKey(buf, row); err != nil {
						parts.abort()
						return 0, err
					}
					continue
				}
				budget.Force(n)
			}
			op.reserved += n
			idx = len(op.groups)
			op.index[string(buf)] = idx
			op.groups = append(op.groups, &aggGroup{key: vals, aggs: make([]aggState, len(op.funcs))})
		}
		if err := op.groups[idx].update(op.funcs, row, op.env.Eval); err != nil {
			return 0, err
		}
	}
	if parts != nil {
		streams, err := parts.finish()
		if err != nil {
			return 0, err
		}
		for i := len(streams) - 1; i >= 0; i-- {
			op.pending = append(op.pending, pendingPartition{stream: streams[i], level: level + 1})
		}
	}
	return count, nil
}

func (op *HashAggregateOperator) Next(ctx context.Context) (types.Row, error) {
	for op.pos >= len(op.groups) {
		op.releaseGroups()
		if len(op.pending) == 0 {
			return nil, EOF
		}
		p := op.pending[len(op.pending)-1]
		op.pending = op.pending[:len(op.pending)-1]
		if p.stream.Rows == 0 {
			_ = op.env.Spill.Drop(p.stream)
			continue
		}
		r, err := op.env.Spill.Open(p.stream)
		if err != nil {
			return nil, err
		}
		_, err = op.aggregate(ctx, r, p.level)
		_ = r.Close()
		_ = op.env.Spill.Drop(p.stream)
		if err != nil {
			return nil, err
		}
	}
	g := op.groups[op.pos]
	op.pos++
	return g.row(op.funcs), nil
}

func (op *HashAggregateOperator) releaseGroups() {
	op.groups, op.index, op.pos = nil, nil, 0
	op.env.budget().Release(op.reserved)
	op.reserved = 0
}

func (op *HashAggregateOperator) Close() error {
	op.releaseGroups()
	if op.env.Spill != nil {
		for _, p := range op.pending {
			_ = op.env.Spill.Drop(p.stream)
		}
	}
	op.pending = nil
	return op.input.Close()
}

// SortAggregateOperator aggregates input sorted on the grouping keys,
// emitting each group when the key changes.
type SortAggregateOperator struct {
	env   *Env
	node  *optimizer.PhysicalPlan
	input Operator
	keys  []*expr.Compiled
	funcs []aggFunc

	cur    *aggGroup
	curKey []byte
	count  int64
	done   bool
}

func NewSortAggregate(env *Env, node *optimizer.PhysicalPlan, input Operator) *SortAggregateOperator {
	return &SortAggregateOperator{env: env, node: node, input: input}
}

func (op *SortAggregateOperator) Open(ctx context.Context) error {
	var err error
	if op.keys, err = expr.CompileAll(op.node.GroupBy, op.node.Children[0].Schema); err != nil {
		return err
	}
	if op.funcs, err = compileAggs(op.node); err != nil {
		return err
	}
	return op.input.Open(ctx)
}

func (op *SortAggregateOperator) Next(ctx context.Context) (types.Row, error) {
	for !op.done {
		row, err := op.input.Next(ctx)
		if err == EOF {
			op.done = true
			if err := op.env.observe(ctx, op.node.Children[0], nil, op.count); err != nil {
				return nil, err
			}
			if op.cur == nil && len(op.keys) == 0 {
				op.cur = &aggGroup{aggs: make([]aggState, len(op.funcs))}
			}
			break
		}
		if err != nil {
			return nil, err
		}
		op.count++
		vals, err := groupValues(op.keys, row, op.env.Eval)
		if err != nil {
			return nil, err
		}
		key := codec.EncodeKey(nil, vals...)
		var out types.Row
		if op.cur != nil && string(key) != string(op.curKey) {
			out = op.cur.row(op.funcs)
			op.cur = nil
		}
		if op.cur == nil {
			op.cur = &aggGroup{key: vals, aggs: make([]aggState, len(op.funcs))}
			op.curKey = key
		}
		if err := op.cur.update(op.funcs, row, op.env.Eval); err != nil {
			return nil, err
		}
		if out != nil {
			return out, nil
		}
	}
	if op.cur == nil {
		return nil, EOF
	}
	out := op.cur.row(op.funcs)
	op.cur = nil
	return out, nil
}

func (op *SortAggregateOperator) Close() error {
	op.cur = nil
	return op.input.Close()
}

// DistinctOperator emits each distinct row the first time it is seen. When
// the budget refuses the seen set, unseen rows are partitioned to spill and
// deduplicated partition by partition.
type DistinctOperator struct {
	env   *Env
	node  *optimizer.PhysicalPlan
	input Operator

	src      rowSource
	reader   *spill.Reader
	current  *spill.Stream
	seen     map[string]struct{}
	reserved int64
	parts    *partitioner
	level    int
	pending  []pendingPartition
	buf      []byte
	count    int64
	observed bool
}

func NewDistinct(env *Env, node *optimizer.PhysicalPlan, input Operator) *DistinctOperator {
	return &DistinctOperator{env: env, node: node, input: input}
}

func (op *DistinctOperator) Open(ctx context.Context) error {
	op.src = op.input
	op.seen = make(map[string]struct{})
	return op.input.Open(ctx)
}

func (op *DistinctOperator) Next(ctx context.Context) (types.Row, error) {
	budget := op.env.budget()
	for {
		row, err := op.src.Next(ctx)
		if err == EOF {
			if err := op.finishSource(ctx); err != nil {
				return nil, err
			}
			if op.src == nil {
				return nil, EOF
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if op.level == 0 {
			op.count++
		}
		op.buf = codec.EncodeKey(op.buf[:0], row...)
		if _, dup := op.seen[string(op.buf)]; dup {
			continue
		}
		if op.parts != nil {
			if err := op.parts.addKey(op.buf, row); err != nil {
				return nil, err
			}
			continue
		}
		n := int64(len(op.buf)) + 48
		if !budget.Reserve(n) {
			if op.env.Spill != nil && op.level < maxPartitionDepth {
				logger.DebugContext(ctx, "distinct spilling",
					logger.Component("operators"),
					logger.Rows(len(op.seen)),
					"level", op.level)
				if op.parts, err = newPartitioner(op.env.Spill, op.env.partitions(), op.level); err != nil {
					return nil, err
				}
				if err := op.parts.addKey(op.buf, row); err != nil {
					return nil, err
				}
				continue
			}
			budget.Force(n)
		}
		op.reserved += n
		op.seen[string(op.buf)] = struct{}{}
		return row, nil
	}
}

// finishSource moves to the next spilled partition, leaving src nil when
// none remain.
func (op *DistinctOperator) finishSource(ctx context.Context) error {
	if !op.observed {
		op.observed = true
		if err := op.env.observe(ctx, op.node.Children[0], nil, op.count); err != nil {
			return err
		}
	}
	if op.reader != nil {
		_ = op.reader.Close()
		_ = op.env.Spill.Drop(op.current)
		op.reader, op.current = nil, nil
	}
	if op.parts != nil {
		streams, err := op.parts.finish()
		op.parts = nil
		if err != nil {
			return err
		}
		for i := len(streams) - 1; i >= 0; i-- {
			op.pending = append(op.pending, pendingPartition{stream: streams[i], level: op.level + 1})
		}
	}
	op.seen = make(map[string]struct{})
	op.env.budget().Release(op.reserved)
	op.reserved = 0
	op.src = nil
	for len(op.pending) > 0 {
		p := op.pending[len(op.pending)-1]
		op.pending = op.pending[:len(op.pending)-1]
		if p.stream.Rows == 0 {
			_ = op.env.Spill.Drop(p.stream)
			continue
		}
		r, err := op.env.Spill.Open(p.stream)
		if err != nil {
			return err
		}
		op.reader, op.current, op.src, op.level = r, p.stream, r, p.level
		return nil
	}
	return nil
}

func (op *DistinctOperator) Close() error {
	if op.reader != nil {
		_ = op.reader.Close()
		op.reader = nil
	}
	if op.parts != nil {
		op.parts.abort()
		op.parts = nil
	}
	if op.env.Spill != nil {
		for _, p := range op.pending {
			_ = op.env.Spill.Drop(p.stream)
		}
	}
	op.pending = nil
	op.seen = nil
	op.env.budget().Release(op.reserved)
	op.reserved = 0
	return op.input.Close()
}
