package cte

import (
	"strings"

	"github.com/guileen/querycore/codec"
	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/protocol/sql/cache"
	"github.com/guileen/querycore/types"
)

// Result is a materialized CTE.
type Result struct {
	Columns   []string
	Rows      []types.Row
	Truncated bool
	Warning   string
}

type entry struct {
	result *Result
	tables []string
}

// Store keeps materialized CTE results across queries. It holds at most its
// capacity and evicts the least recently used entry on insertion. A lookup
// that misses is answered by recomputing, so eviction never fails a query.
type Store struct {
	lru *cache.LRUCache[string, *entry]
}

// NewStore creates a store holding at most capacity materializations.
func NewStore(capacity int) *Store {
	s := &Store{lru: cache.NewLRUCache[string, *entry](capacity)}
	s.lru.OnEvict(func(key string, e *entry) {
		logger.Debug("cte materialization evicted",
			logger.Component("cte_store"),
			"key", key,
			logger.Rows(len(e.result.Rows)))
	})
	return s
}

// Key identifies a materialization by its body and the query parameters.
func Key(body string, params []types.Value) string {
	if len(params) == 0 {
		return body
	}
	return body + "|" + codec.KeyString(params...)
}

// Get returns a stored materialization.
func (s *Store) Get(key string) (*Result, bool) {
	if s == nil {
		return nil, false
	}
	e, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	return e.result, true
}

// Put stores r. tables are the base tables the body reads; a change to any
// of them drops the entry.
func (s *Store) Put(key string, r *Result, tables []string) {
	if s == nil {
		return
	}
	lowered := make([]string, len(tables))
	for i, t := range tables {
		lowered[i] = strings.ToLower(t)
	}
	s.lru.Put(key, &entry{result: r, tables: lowered})
}

// InvalidateTable drops every materialization reading table and returns how
// many were dropped.
func (s *Store) InvalidateTable(table string) int {
	if s == nil {
		return 0
	}
	table = strings.ToLower(table)
	return s.lru.RemoveIf(func(_ string, e *entry) bool {
		for _, t := range e.tables {
			if t == table {
				return true
			}
		}
		return false
	})
}

// Len is the number of stored materializations.
func (s *Store) Len() int { return s.lru.Len() }

// Capacity is the configured maximum.
func (s *Store) Capacity() int { return s.lru.Capacity() }

// Stats returns the store's cache counters.
func (s *Store) Stats() cache.Stats { return s.lru.Stats() }
