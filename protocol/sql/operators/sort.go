package operators

import (
	"container/heap"
	"context"
	"slices"

	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/protocol/sql/optimizer"
	"github.com/guileen/querycore/protocol/sql/planner"
	"github.com/guileen/querycore/storage/spill"
	"github.com/guileen/querycore/types"
)

// sortItem carries a row with its evaluated sort key. seq breaks ties so
// equal keys keep input order.
type sortItem struct {
	row types.Row
	key []types.Value
	seq int64
}

type sortKeys struct {
	keys  []planner.SortKey
	exprs []*expr.Compiled
	ec    *expr.EvalContext
}

func newSortKeys(env *Env, keys []planner.SortKey, schema expr.Schema) (*sortKeys, error) {
	s := &sortKeys{keys: keys, exprs: make([]*expr.Compiled, len(keys)), ec: env.Eval}
	for i, k := range keys {
		if k.Column >= 0 {
			continue
		}
		c, err := expr.Compile(k.Expr, schema)
		if err != nil {
			return nil, err
		}
		s.exprs[i] = c
	}
	return s, nil
}

func (s *sortKeys) item(row types.Row, seq int64) (sortItem, error) {
	key := make([]types.Value, len(s.keys))
	for i, k := range s.keys {
		if k.Column >= 0 {
			key[i] = row[k.Column]
			continue
		}
		v, err := s.exprs[i].Eval(row, s.ec)
		if err != nil {
			return sortItem{}, err
		}
		key[i] = v
	}
	return sortItem{row: row, key: key, seq: seq}, nil
}

func (s *sortKeys) compare(a, b sortItem) int {
	for i, k := range s.keys {
		x, y := a.key[i], b.key[i]
		switch {
		case x.IsNull() && y.IsNull():
			continue
		case x.IsNull():
			if k.NullsFirst {
				return -1
			}
			return 1
		case y.IsNull():
			if k.NullsFirst {
				return 1
			}
			return -1
		}
		c := types.SortCompare(x, y)
		if k.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

// SortOperator orders its input. Rows stay in memory while the budget
// allows; beyond that sorted runs are written to spill and merged.
type SortOperator struct {
	env   *Env
	node  *optimizer.PhysicalPlan
	input Operator
	keys  *sortKeys

	items    []sortItem
	pos      int
	reserved int64

	runs   []*spill.Stream
	merger *runMerger
}

func NewSort(env *Env, node *optimizer.PhysicalPlan, input Operator) *SortOperator {
	return &SortOperator{env: env, node: node, input: input}
}

func (op *SortOperator) Open(ctx context.Context) error {
	keys, err := newSortKeys(op.env, op.node.Keys, op.node.Children[0].Schema)
	if err != nil {
		return err
	}
	op.keys = keys
	if err := op.input.Open(ctx); err != nil {
		return err
	}
	budget := op.env.budget()
	var (
		seq  int64
		kept []types.Row
	)
	for {
		row, err := op.input.Next(ctx)
		if err == EOF {
			break
		}
		if err != nil {
			return err
		}
		it, err := op.keys.item(row, seq)
		if err != nil {
			return err
		}
		seq++
		n := rowBytes(row) + int64(len(it.key))*16
		if !budget.Reserve(n) {
			if op.env.Spill == nil {
				budget.Force(n)
			} else {
				if err := op.writeRun(ctx); err != nil {
					return err
				}
				if !budget.Reserve(n) {
					budget.Force(n)
				}
			}
		}
		op.reserved += n
		op.items = append(op.items, it)
	}
	slices.SortFunc(op.items, op.keys.compare)
	if len(op.runs) == 0 {
		kept = make([]types.Row, len(op.items))
		for i, it := range op.items {
			kept[i] = it.row
		}
		return op.env.observe(ctx, op.node.Children[0], kept, seq)
	}
	if err := op.env.observe(ctx, op.node.Children[0], nil, seq); err != nil {
		return err
	}
	logger.DebugContext(ctx, "external sort merging runs",
		logger.Component("operators"),
		"runs", len(op.runs),
		logger.Rows(seq))
	op.merger, err = newRunMerger(ctx, op.env.Spill, op.keys, op.runs, op.items)
	return err
}

// writeRun sorts the buffered rows and moves them to spill.
func (op *SortOperator) writeRun(ctx context.Context) error {
	if len(op.items) == 0 {
		return nil
	}
	slices.SortFunc(op.items, op.keys.compare)
	w, err := op.env.Spill.NewWriter()
	if err != nil {
		return err
	}
	for _, it := range op.items {
		if err := w.Append(it.row); err != nil {
			w.Abort()
			return err
		}
	}
	s, err := w.Finish()
	if err != nil {
		return err
	}
	logger.DebugContext(ctx, "sort run spilled",
		logger.Component("operators"),
		logger.Rows(len(op.items)),
		"bytes", s.Bytes)
	op.runs = append(op.runs, s)
	op.items = op.items[:0]
	op.env.budget().Release(op.reserved)
	op.reserved = 0
	return nil
}

func (op *SortOperator) Next(ctx context.Context) (types.Row, error) {
	if op.merger != nil {
		return op.merger.next(ctx)
	}
	if op.pos >= len(op.items) {
		return nil, EOF
	}
	row := op.items[op.pos].row
	op.pos++
	return row, nil
}

func (op *SortOperator) Close() error {
	if op.merger != nil {
		op.merger.close()
		op.merger = nil
	}
	if op.env.Spill != nil {
		for _, s := range op.runs {
			_ = op.env.Spill.Drop(s)
		}
	}
	op.runs = nil
	op.items = nil
	op.env.budget().Release(op.reserved)
	op.reserved = 0
	return op.input.Close()
}

// runMerger is a k-way merge over sorted spill runs and one in-memory run.
type runMerger struct {
	keys    *sortKeys
	readers []*spill.Reader
	mem     []sortItem
	memPos  int
	h       mergeHeap
	seq     int64
}

type mergeEntry struct {
	item sortItem
	src  int // index into readers, or -1 for the in-memory run
}

type mergeHeap struct {
	entries []mergeEntry
	keys    *sortKeys
}

func (h *mergeHeap) Len() int { return len(h.entries) }
func (h *mergeHeap) Less(i, j int) bool {
	return h.keys.compare(h.entries[i].item, h.entries[j].item) < 0
}
func (h *mergeHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *mergeHeap) Push(x any)   { h.entries = append(h.entries, x.(mergeEntry)) }
func (h *mergeHeap) Pop() any {
	last := h.entries[len(h.entries)-1]
	h.entries = h.entries[:len(h.entries)-1]
	return last
}

func newRunMerger(ctx context.Context, m *spill.Manager, keys *sortKeys, runs []*spill.Stream, mem []sortItem) (*runMerger, error) {
	rm := &runMerger{keys: keys, mem: mem, h: mergeHeap{keys: keys}}
	for i, s := range runs {
		r, err := m.Open(s)
		if err != nil {
			rm.close()
			return nil, err
		}
		rm.readers = append(rm.readers, r)
		if err := rm.advance(ctx, i); err != nil {
			rm.close()
			return nil, err
		}
	}
	if err := rm.advance(ctx, -1); err != nil {
		rm.close()
		return nil, err
	}
	heap.Init(&rm.h)
	return rm, nil
}

// advance pushes the next row of source src onto the heap. Runs are
// numbered in the order they were written, so seq keeps ties stable.
func (rm *runMerger) advance(ctx context.Context, src int) error {
	var row types.Row
	if src < 0 {
		if rm.memPos >= len(rm.mem) {
			return nil
		}
		row = rm.mem[rm.memPos].row
		rm.memPos++
	} else {
		r, err := rm.readers[src].Next(ctx)
		if err == EOF {
			return nil
		}
		if err != nil {
			return err
		}
		row = r
	}
	order := int64(src)
	if src < 0 {
		order = int64(len(rm.readers))
	}
	it, err := rm.keys.item(row, order<<40|rm.seq)
	if err != nil {
		return err
	}
	rm.seq++
	heap.Push(&rm.h, mergeEntry{item: it, src: src})
	return nil
}

func (rm *runMerger) next(ctx context.Context) (types.Row, error) {
	if rm.h.Len() == 0 {
		return nil, EOF
	}
	e := heap.Pop(&rm.h).(mergeEntry)
	if err := rm.advance(ctx, e.src); err != nil {
		return nil, err
	}
	return e.item.row, nil
}

func (rm *runMerger) close() {
	for _, r := range rm.readers {
		_ = r.Close()
	}
	rm.readers = nil
}

// TopNOperator keeps the first Count+Offset rows of the requested order in
// a bounded heap. The Limit above it applies the offset.
type TopNOperator struct {
	env   *Env
	node  *optimizer.PhysicalPlan
	input Operator
	keys  *sortKeys

	out []sortItem
	pos int
}

func NewTopN(env *Env, node *optimizer.PhysicalPlan, input Operator) *TopNOperator {
	return &TopNOperator{env: env, node: node, input: input}
}

// topHeap is a max-heap: the root is the row to evict first.
type topHeap struct {
	items []sortItem
	keys  *sortKeys
}

func (h *topHeap) Len() int           { return len(h.items) }
func (h *topHeap) Less(i, j int) bool { return h.keys.compare(h.items[i], h.items[j]) > 0 }
func (h *topHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *topHeap) Push(x any)         { h.items = append(h.items, x.(sortItem)) }
func (h *topHeap) Pop() any {
	last := h.items[len(h.items)-1]
	h.items = h.items[:len(h.items)-1]
	return last
}

func (op *TopNOperator) Open(ctx context.Context) error {
	keys, err := newSortKeys(op.env, op.node.Keys, op.node.Children[0].Schema)
	if err != nil {
		return err
	}
	op.keys = keys
	count, err := limitValue(op.env, op.node.Count, "LIMIT")
	if err != nil {
		return err
	}
	offset, err := limitValue(op.env, op.node.Offset, "OFFSET")
	if err != nil {
		return err
	}
	bound := int64(-1)
	if count >= 0 {
		bound = count + max(offset, 0)
	}
	if bound == 0 {
		return nil
	}
	if err := op.input.Open(ctx); err != nil {
		return err
	}
	h := &topHeap{keys: keys}
	var seq int64
	for {
		row, err := op.input.Next(ctx)
		if err == EOF {
			break
		}
		if err != nil {
			return err
		}
		it, err := keys.item(row, seq)
		if err != nil {
			return err
		}
		seq++
		if bound < 0 || int64(h.Len()) < bound {
			heap.Push(h, it)
			continue
		}
		if keys.compare(it, h.items[0]) < 0 {
			h.items[0] = it
			heap.Fix(h, 0)
		}
	}
	op.out = h.items
	slices.SortFunc(op.out, keys.compare)
	return nil
}

func (op *TopNOperator) Next(ctx context.Context) (types.Row, error) {
	if op.pos >= len(op.out) {
		return nil, EOF
	}
	row := op.out[op.pos].row
	op.pos++
	return row, nil
}

func (op *TopNOperator) Close() error {
	op.out = nil
	return op.input.Close()
}
