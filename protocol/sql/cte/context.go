package cte

import (
	"context"
	"strings"
	"sync"
)

// Context binds CTE names to their rows for the duration of one query.
type Context struct {
	store *Store

	mu        sync.Mutex
	bound     map[string]*Result
	working   map[string]*Result
	warnings  []string
	truncated bool
}

// NewContext creates a query's CTE context backed by store, which may be nil.
func NewContext(store *Store) *Context {
	return &Context{
		store:   store,
		bound:   make(map[string]*Result),
		working: make(map[string]*Result),
	}
}

// Bind makes r visible under name.
func (c *Context) Bind(name string, r *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bound[strings.ToLower(name)] = r
	if r.Truncated {
		c.truncated = true
	}
	if r.Warning != "" {
		c.warnings = append(c.warnings, r.Warning)
	}
}

// Lookup returns the rows bound to name. While a recursive CTE iterates, its
// working table shadows the final binding.
func (c *Context) Lookup(name string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name = strings.ToLower(name)
	if r, ok := c.working[name]; ok {
		return r, true
	}
	r, ok := c.bound[name]
	return r, ok
}

// SetWorking replaces the working table of a recursive CTE. A nil result
// removes it.
func (c *Context) SetWorking(name string, r *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name = strings.ToLower(name)
	if r == nil {
		delete(c.working, name)
		return
	}
	c.working[name] = r
}

// Materialize binds name to the stored result for key, computing and storing
// it on a miss.
func (c *Context) Materialize(ctx context.Context, name, key string, tables []string, compute func(context.Context) (*Result, error)) (*Result, error) {
	if r, ok := c.store.Get(key); ok {
		c.Bind(name, r)
		return r, nil
	}
	r, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	c.store.Put(key, r, tables)
	c.Bind(name, r)
	return r, nil
}

// Warnings collects the warnings of every bound CTE.
func (c *Context) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.warnings...)
}

// Truncated reports whether any bound CTE hit its iteration bound.
func (c *Context) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
