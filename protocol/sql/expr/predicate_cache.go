package expr

import (
	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/cache"
)

// PredicateCache shares compiled predicates between queries. Entries are
// keyed by the canonical predicate text and the input schema, so operand
// order of AND/OR does not matter.
type PredicateCache struct {
	lru *cache.LRUCache[string, *Compiled]
}

// NewPredicateCache creates a cache holding at most capacity predicates.
func NewPredicateCache(capacity int) *PredicateCache {
	pc := &PredicateCache{lru: cache.NewLRUCache[string, *Compiled](capacity)}
	pc.lru.OnEvict(func(key string, _ *Compiled) {
		logger.Debug("predicate evicted", logger.Component("predicate_cache"), "key", key)
	})
	return pc
}

// Key is the cache key of e over schema.
func Key(e ast.Expr, schema Schema) string {
	return ast.NormalizeExpr(e).String() + "|" + schema.Signature()
}

// Compile returns the cached compilation of e or compiles and stores it.
func (pc *PredicateCache) Compile(e ast.Expr, schema Schema) (*Compiled, error) {
	if pc == nil {
		return Compile(e, schema)
	}
	normalized := ast.NormalizeExpr(e)
	key := normalized.String() + "|" + schema.Signature()
	if c, ok := pc.lru.Get(key); ok {
		return c, nil
	}
	c, err := Compile(normalized, schema)
	if err != nil {
		return nil, err
	}
	pc.lru.Put(key, c)
	return c, nil
}

// Hits is the number of lookups served from the cache.
func (pc *PredicateCache) Hits() uint64 { return pc.lru.Stats().Hits }

// Misses is the number of lookups that compiled.
func (pc *PredicateCache) Misses() uint64 { return pc.lru.Stats().Misses }

// Stats returns the underlying cache counters.
func (pc *PredicateCache) Stats() cache.Stats { return pc.lru.Stats() }

// Len is the number of cached predicates.
func (pc *PredicateCache) Len() int { return pc.lru.Len() }
