package executor

import (
	"fmt"
	"sync/atomic"
)

// MemoryBudget tracks the memory held by one query's operators. Operators
// reserve before growing and spill when a reservation is refused. A query's
// budget is a child of the engine-wide one, which only accounts.
type MemoryBudget struct {
	parent *MemoryBudget
	name   string
	limit  int64

	used         atomic.Int64
	peak         atomic.Int64
	reservations atomic.Uint64
	refusals     atomic.Uint64
}

// BudgetStats is a snapshot of a budget's counters.
type BudgetStats struct {
	Used         int64  `json:"used"`
	Peak         int64  `json:"peak"`
	Limit        int64  `json:"limit"`
	Reservations uint64 `json:"reservations"`
	Refusals     uint64 `json:"refusals"`
}

// NewMemoryBudget creates a root budget. limit <= 0 means unlimited.
func NewMemoryBudget(name string, limit int64) *MemoryBudget {
	return &MemoryBudget{name: name, limit: limit}
}

// Child creates a budget whose reservations also count against b.
func (b *MemoryBudget) Child(name string, limit int64) *MemoryBudget {
	return &MemoryBudget{parent: b, name: name, limit: limit}
}

// Reserve grants n bytes unless that would exceed the limit of b or any
// ancestor.
func (b *MemoryBudget) Reserve(n int64) bool {
	if n <= 0 {
		return true
	}
	b.reservations.Add(1)
	if !b.take(n) {
		b.refusals.Add(1)
		return false
	}
	if b.parent != nil && !b.parent.Reserve(n) {
		b.used.Add(-n)
		b.refusals.Add(1)
		return false
	}
	b.notePeak()
	return true
}

// Force reserves n bytes regardless of the limit. It is used when an
// operator has no smaller unit of work left to spill.
func (b *MemoryBudget) Force(n int64) {
	for m := b; m != nil; m = m.parent {
		m.used.Add(n)
		m.notePeak()
	}
}

func (b *MemoryBudget) take(n int64) bool {
	for {
		cur := b.used.Load()
		if b.limit > 0 && cur+n > b.limit {
			return false
		}
		if b.used.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

func (b *MemoryBudget) notePeak() {
	cur := b.used.Load()
	for {
		peak := b.peak.Load()
		if cur <= peak || b.peak.CompareAndSwap(peak, cur) {
			return
		}
	}
}

// Release returns n bytes.
func (b *MemoryBudget) Release(n int64) {
	if n <= 0 {
		return
	}
	for m := b; m != nil; m = m.parent {
		m.used.Add(-n)
	}
}

// Used is the number of bytes currently reserved.
func (b *MemoryBudget) Used() int64 { return b.used.Load() }

// Limit is the budget's own limit; zero means unlimited.
func (b *MemoryBudget) Limit() int64 { return b.limit }

// Stats returns the budget counters.
func (b *MemoryBudget) Stats() BudgetStats {
	return BudgetStats{
		Used:         b.used.Load(),
		Peak:         b.peak.Load(),
		Limit:        b.limit,
		Reservations: b.reservations.Load(),
		Refusals:     b.refusals.Load(),
	}
}

func (b *MemoryBudget) String() string {
	return fmt.Sprintf("%s: used=%d peak=%d limit=%d", b.name, b.used.Load(), b.peak.Load(), b.limit)
}
