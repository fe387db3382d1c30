package catalog

import (
	"strings"
	"sync"
)

func lower(s string) string { return strings.ToLower(s) }

// StatsRegistry publishes table statistics to the optimizer. Readers get an
// immutable snapshot; the collector replaces whole tables atomically.
type StatsRegistry struct {
	mu       sync.RWMutex
	tables   map[string]*TableStatistics
	defaults SelectivityDefaults
	version  uint64
}

// NewStatsRegistry creates an empty registry using the given defaults.
func NewStatsRegistry(defaults SelectivityDefaults) *StatsRegistry {
	return &StatsRegistry{tables: make(map[string]*TableStatistics), defaults: defaults}
}

// Defaults returns the shared selectivity defaults.
func (r *StatsRegistry) Defaults() SelectivityDefaults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

func (r *StatsRegistry) SetDefaults(d SelectivityDefaults) {
	r.mu.Lock()
	r.defaults = d
	r.version++
	r.mu.Unlock()
}

// Table returns the published statistics for a table.
func (r *StatsRegistry) Table(name string) (*TableStatistics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[lower(name)]
	return t, ok
}

// Snapshot returns the current table map. The map must not be modified.
func (r *StatsRegistry) Snapshot() map[string]*TableStatistics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tables
}

// Publish replaces the statistics of one table.
func (r *StatsRegistry) Publish(stats *TableStatistics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]*TableStatistics, len(r.tables)+1)
	for k, v := range r.tables {
		next[k] = v
	}
	next[lower(stats.TableName)] = stats
	r.tables = next
	r.version++
}

// Remove drops the statistics of a table, used on DROP TABLE.
func (r *StatsRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tables[lower(name)]; !ok {
		return
	}
	next := make(map[string]*TableStatistics, len(r.tables))
	for k, v := range r.tables {
		if k != lower(name) {
			next[k] = v
		}
	}
	r.tables = next
	r.version++
}

// Version increases whenever statistics or defaults change.
func (r *StatsRegistry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
