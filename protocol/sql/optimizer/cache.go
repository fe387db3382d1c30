package optimizer

import (
	"strings"
	"sync/atomic"

	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/protocol/sql/cache"
	"github.com/guileen/querycore/protocol/sql/planner"
)

// CachedPlan is a physical plan shared by every execution of one query
// fingerprint.
type CachedPlan struct {
	Key  string
	Plan *PhysicalPlan
	// Logical is the rewritten logical plan Plan was chosen for. Adaptive
	// execution re-optimizes from it.
	Logical planner.Node
	// Tables are the lower-case base tables the plan reads.
	Tables []string
	// Params is how many parameters the cached query expects.
	Params int
	refs   atomic.Int64
}

// Acquire marks the plan in use by one execution.
func (c *CachedPlan) Acquire() { c.refs.Add(1) }

// Release ends an execution started with Acquire.
func (c *CachedPlan) Release() { c.refs.Add(-1) }

// InFlight is the number of executions currently using the plan.
func (c *CachedPlan) InFlight() int64 { return c.refs.Load() }

func (c *CachedPlan) reads(table string) bool {
	for _, t := range c.Tables {
		if t == table {
			return true
		}
	}
	return false
}

// PlanCache holds physical plans by normalized query fingerprint. Evicted
// or invalidated entries stay valid for executions still holding them.
type PlanCache struct {
	lru *cache.LRUCache[string, *CachedPlan]
}

// NewPlanCache creates a plan cache holding at most capacity plans.
func NewPlanCache(capacity int) *PlanCache {
	pc := &PlanCache{lru: cache.NewLRUCache[string, *CachedPlan](capacity)}
	pc.lru.OnEvict(func(key string, p *CachedPlan) {
		logger.Debug("plan evicted", logger.Component("plan_cache"), "in_flight", p.InFlight())
	})
	return pc
}

// Get returns the cached plan for a fingerprint.
func (pc *PlanCache) Get(key string) (*CachedPlan, bool) {
	return pc.lru.Get(key)
}

// Put caches plan, chosen for logical, under key and returns the entry.
func (pc *PlanCache) Put(key string, plan *PhysicalPlan, logical planner.Node, params int) *CachedPlan {
	entry := &CachedPlan{Key: key, Plan: plan, Logical: logical, Tables: Tables(plan), Params: params}
	pc.lru.Put(key, entry)
	return entry
}

// InvalidateTable drops every plan reading table and reports how many were
// dropped.
func (pc *PlanCache) InvalidateTable(table string) int {
	table = strings.ToLower(table)
	n := pc.lru.RemoveIf(func(_ string, p *CachedPlan) bool { return p.reads(table) })
	if n > 0 {
		logger.Debug("plans invalidated", logger.Component("plan_cache"), logger.Table(table), "count", n)
	}
	return n
}

// Clear drops every plan.
func (pc *PlanCache) Clear() { pc.lru.Clear() }

// Len is the number of cached plans.
func (pc *PlanCache) Len() int { return pc.lru.Len() }

// Stats returns hit, miss and eviction counters.
func (pc *PlanCache) Stats() cache.Stats { return pc.lru.Stats() }
