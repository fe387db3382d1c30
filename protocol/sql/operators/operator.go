// Package operators implements the physical operators as pull-based
// iterators: Open prepares, Next yields one row at a time and Close releases
// memory and spill.
package operators

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/cte"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/protocol/sql/optimizer"
	"github.com/guileen/querycore/storage"
	"github.com/guileen/querycore/storage/spill"
	"github.com/guileen/querycore/types"
	"github.com/guileen/querycore/workpool"
)

const op = "execute"

// EOF is returned by Next once an operator is drained.
var EOF = io.EOF

// Operator is a physical operator.
type Operator interface {
	Open(ctx context.Context) error
	Next(ctx context.Context) (types.Row, error)
	Close() error
}

// State is an operator's position in its lifecycle. Error is reachable from
// every other state.
type State int32

const (
	StatePending State = iota
	StateOpen
	StateProducing
	StateExhausted
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateProducing:
		return "producing"
	case StateExhausted:
		return "exhausted"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Budget is the per-query memory account.
type Budget interface {
	Reserve(n int64) bool
	Release(n int64)
	Force(n int64)
}

type unlimited struct{}

func (unlimited) Reserve(int64) bool { return true }
func (unlimited) Release(int64)      {}
func (unlimited) Force(int64)        {}

// Observer is called when a pipeline breaker has consumed its input. rows
// holds that input when it was kept in memory. A returned error aborts the
// operator.
type Observer func(ctx context.Context, input *optimizer.PhysicalPlan, rows []types.Row, count int64) error

// Env is what operators of one execution share.
type Env struct {
	Storage    storage.Engine
	Snapshot   storage.Snapshot
	Eval       *expr.EvalContext
	Budget     Budget
	Spill      *spill.Manager
	Pool       *workpool.Pool
	Predicates *expr.PredicateCache
	CTEs       *cte.Context

	HashPartitions         int
	Parallelism            int
	MaxRecursiveIterations int

	Observe Observer
	Profile *Profile
}

func (e *Env) budget() Budget {
	if e.Budget == nil {
		return unlimited{}
	}
	return e.Budget
}

func (e *Env) partitions() int {
	if e.HashPartitions < 2 {
		return 16
	}
	return e.HashPartitions
}

func (e *Env) observe(ctx context.Context, input *optimizer.PhysicalPlan, rows []types.Row, count int64) error {
	if e.Observe == nil {
		return nil
	}
	return e.Observe(ctx, input, rows, count)
}

// predicate compiles a filter through the shared predicate cache.
func (e *Env) predicate(cond ast.Expr, schema expr.Schema) (*expr.Compiled, error) {
	if cond == nil {
		return nil, nil
	}
	if e.Predicates != nil {
		return e.Predicates.Compile(cond, schema)
	}
	return expr.Compile(cond, schema)
}

// Stats are the runtime measurements of one plan node, summed over every
// operator instance built for it.
type Stats struct {
	rows    atomic.Int64
	elapsed atomic.Int64
}

// Rows is the number of rows produced.
func (s *Stats) Rows() int64 { return s.rows.Load() }

// Elapsed is the time spent inside the node, children included.
func (s *Stats) Elapsed() time.Duration { return time.Duration(s.elapsed.Load()) }

// Profile collects Stats per plan node for EXPLAIN ANALYZE.
type Profile struct {
	mu    sync.Mutex
	nodes map[*optimizer.PhysicalPlan]*Stats
}

// NewProfile creates an empty profile.
func NewProfile() *Profile {
	return &Profile{nodes: make(map[*optimizer.PhysicalPlan]*Stats)}
}

func (p *Profile) stats(n *optimizer.PhysicalPlan) *Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.nodes[n]
	if !ok {
		s = &Stats{}
		p.nodes[n] = s
	}
	return s
}

// Actual returns the measurements in the form EXPLAIN consumes.
func (p *Profile) Actual() map[*optimizer.PhysicalPlan]optimizer.Actual {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[*optimizer.PhysicalPlan]optimizer.Actual, len(p.nodes))
	for n, s := range p.nodes {
		out[n] = optimizer.Actual{Rows: s.Rows(), Elapsed: s.Elapsed()}
	}
	return out
}

// tracked enforces the lifecycle, checks cancellation on every Next and
// records Stats when profiling.
type tracked struct {
	inner  Operator
	state  State
	err    error
	closed bool
	stats  *Stats
}

func track(env *Env, node *optimizer.PhysicalPlan, inner Operator) *tracked {
	t := &tracked{inner: inner}
	if env.Profile != nil {
		t.stats = env.Profile.stats(node)
	}
	return t
}

func (t *tracked) fail(err error) error {
	if qe := qerrors.FromContext(err, op); qe != nil {
		err = qe
	}
	t.state, t.err = StateError, err
	return err
}

func (t *tracked) Open(ctx context.Context) error {
	if t.state != StatePending {
		return t.fail(qerrors.NewExecutionErrorf(op, "operator opened in state %s", t.state))
	}
	if err := ctx.Err(); err != nil {
		return t.fail(err)
	}
	start := time.Now()
	err := t.inner.Open(ctx)
	if t.stats != nil {
		t.stats.elapsed.Add(int64(time.Since(start)))
	}
	if err != nil {
		return t.fail(err)
	}
	t.state = StateOpen
	return nil
}

func (t *tracked) Next(ctx context.Context) (types.Row, error) {
	switch t.state {
	case StateExhausted:
		return nil, EOF
	case StateError:
		return nil, t.err
	case StatePending:
		return nil, t.fail(qerrors.NewExecutionError(op, "operator read before open"))
	}
	if err := ctx.Err(); err != nil {
		return nil, t.fail(err)
	}
	var start time.Time
	if t.stats != nil {
		start = time.Now()
	}
	row, err := t.inner.Next(ctx)
	if t.stats != nil {
		t.stats.elapsed.Add(int64(time.Since(start)))
	}
	if err == EOF {
		t.state = StateExhausted
		return nil, EOF
	}
	if err != nil {
		return nil, t.fail(err)
	}
	t.state = StateProducing
	if t.stats != nil {
		t.stats.rows.Add(1)
	}
	return row, nil
}

func (t *tracked) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.inner.Close()
}

// State reports the lifecycle state.
func (t *tracked) State() State { return t.state }

// drain reads every remaining row of o.
func drain(ctx context.Context, o Operator) ([]types.Row, error) {
	var rows []types.Row
	for {
		row, err := o.Next(ctx)
		if err == EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

// closeAll closes every operator and returns the first error.
func closeAll(ops ...Operator) error {
	var first error
	for _, o := range ops {
		if o == nil {
			continue
		}
		if err := o.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func rowBytes(row types.Row) int64 { return int64(row.Size()) + 24 }
