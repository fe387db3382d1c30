package internal

import (
	"strings"
	"sync"

	"github.com/guileen/querycore/types"
)

// SchemaCache holds table definitions and the index name to table mapping.
// Definitions stored here are never mutated; writers replace them.
type SchemaCache struct {
	tables  sync.Map // name -> *types.TableDefinition
	indexes sync.Map // index name -> table name
}

func NewSchemaCache() *SchemaCache {
	return &SchemaCache{}
}

func key(name string) string { return strings.ToLower(name) }

func (c *SchemaCache) Get(name string) (*types.TableDefinition, bool) {
	v, ok := c.tables.Load(key(name))
	if !ok {
		return nil, false
	}
	return v.(*types.TableDefinition), true
}

// Set stores def and registers all of its indexes.
func (c *SchemaCache) Set(def *types.TableDefinition) {
	c.tables.Store(key(def.Name), def)
	for _, idx := range def.Indexes {
		c.indexes.Store(key(idx.Name), key(def.Name))
	}
}

// Delete removes the table and its index registrations.
func (c *SchemaCache) Delete(name string) {
	v, ok := c.tables.LoadAndDelete(key(name))
	if !ok {
		return
	}
	for _, idx := range v.(*types.TableDefinition).Indexes {
		c.indexes.Delete(key(idx.Name))
	}
}

// IndexTable returns the table owning the named index.
func (c *SchemaCache) IndexTable(index string) (string, bool) {
	v, ok := c.indexes.Load(key(index))
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (c *SchemaCache) DeleteIndex(index string) {
	c.indexes.Delete(key(index))
}

func (c *SchemaCache) Exists(name string) bool {
	_, ok := c.tables.Load(key(name))
	return ok
}

func (c *SchemaCache) Range(fn func(name string, def *types.TableDefinition) bool) {
	c.tables.Range(func(k, v interface{}) bool {
		return fn(k.(string), v.(*types.TableDefinition))
	})
}
