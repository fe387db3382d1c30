// Package workpool runs batches of tasks on a fixed set of workers. Each
// worker owns a deque; an idle worker steals from the others.
package workpool

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of work.
type Task func(ctx context.Context) error

// Metrics tracks pool activity.
type Metrics struct {
	Runs     int64 // Number of Run calls
	Executed int64 // Tasks executed
	Stolen   int64 // Tasks executed by a worker other than the one they were queued on
}

// Pool is safe for concurrent Run calls; each call gets its own deques.
type Pool struct {
	workers int

	runs     atomic.Int64
	executed atomic.Int64
	stolen   atomic.Int64
}

// New creates a pool of n workers. n < 1 means one worker.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{workers: n}
}

// Workers is the number of workers per Run.
func (p *Pool) Workers() int { return p.workers }

// deque is a mutex-guarded double-ended queue. The owner pops from the back
// and thieves take from the front.
type deque struct {
	mu    sync.Mutex
	tasks []Task
}

func (d *deque) popBack() (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.tasks)
	if n == 0 {
		return nil, false
	}
	t := d.tasks[n-1]
	d.tasks[n-1] = nil
	d.tasks = d.tasks[:n-1]
	return t, true
}

func (d *deque) popFront() (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tasks) == 0 {
		return nil, false
	}
	t := d.tasks[0]
	d.tasks[0] = nil
	d.tasks = d.tasks[1:]
	return t, true
}

// Run executes every task and waits for them. The first error cancels the
// context passed to the remaining tasks and is returned.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	p.runs.Add(1)
	if len(tasks) == 0 {
		return nil
	}
	n := min(p.workers, len(tasks))
	deques := make([]*deque, n)
	for i := range deques {
		deques[i] = &deque{}
	}
	for i, t := range tasks {
		d := deques[i%n]
		d.tasks = append(d.tasks, t)
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < n; w++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				t, ok := deques[w].popBack()
				if !ok {
					t, ok = p.steal(deques, w)
					if !ok {
						return nil
					}
				}
				p.executed.Add(1)
				if err := t(gctx); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

// steal takes the oldest task of the first non-empty victim after self.
// Tasks are only queued before workers start, so an empty sweep means the
// run is drained.
func (p *Pool) steal(deques []*deque, self int) (Task, bool) {
	for i := 1; i < len(deques); i++ {
		victim := deques[(self+i)%len(deques)]
		if t, ok := victim.popFront(); ok {
			p.stolen.Add(1)
			return t, true
		}
	}
	return nil, false
}

// Metrics returns the current pool metrics.
func (p *Pool) Metrics() Metrics {
	return Metrics{
		Runs:     p.runs.Load(),
		Executed: p.executed.Load(),
		Stolen:   p.stolen.Load(),
	}
}
