package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	cerrors "github.com/guileen/querycore/catalog/errors"
	"github.com/guileen/querycore/catalog/internal"
	"github.com/guileen/querycore/types"
)

var _ Catalog = (*MemoryCatalog)(nil)

// MemoryCatalog keeps schemas in process memory.
type MemoryCatalog struct {
	mu      sync.Mutex // serializes writers; readers go through the cache
	cache   *internal.SchemaCache
	version atomic.Uint64

	privMu sync.RWMutex
	privs  map[Privilege]struct{}
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		cache: internal.NewSchemaCache(),
		privs: make(map[Privilege]struct{}),
	}
}

func (c *MemoryCatalog) Version() uint64 {
	return c.version.Load()
}

func (c *MemoryCatalog) CreateTable(ctx context.Context, def *types.TableDefinition) error {
	if len(def.Columns) == 0 {
		return cerrors.New("invalid_table", "table %q has no columns", def.Name)
	}
	seen := make(map[string]bool, len(def.Columns))
	for _, col := range def.Columns {
		name := strings.ToLower(col.Name)
		if seen[name] {
			return cerrors.New("duplicate_column", "column %q specified more than once", col.Name)
		}
		seen[name] = true
		if col.Type == types.ColumnTypeUnknown {
			return cerrors.Wrap(cerrors.ErrInvalidColumnType, "invalid_column_type", "column %q", col.Name)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache.Exists(def.Name) {
		return cerrors.Wrap(cerrors.ErrTableAlreadyExists, "table_already_exists", "table %q", def.Name)
	}
	for _, idx := range def.Indexes {
		if _, taken := c.cache.IndexTable(idx.Name); taken {
			return cerrors.Wrap(cerrors.ErrIndexAlreadyExists, "index_already_exists", "index %q", idx.Name)
		}
	}
	c.cache.Set(def.Clone())
	c.version.Add(1)
	return nil
}

func (c *MemoryCatalog) DropTable(ctx context.Context, tableName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cache.Exists(tableName) {
		return cerrors.NotFound(tableName)
	}
	c.cache.Delete(tableName)

	c.privMu.Lock()
	for p := range c.privs {
		if strings.EqualFold(p.Table, tableName) {
			delete(c.privs, p)
		}
	}
	c.privMu.Unlock()
	c.version.Add(1)
	return nil
}

// GetTableDefinition returns the stored definition. Callers must not modify it.
func (c *MemoryCatalog) GetTableDefinition(ctx context.Context, tableName string) (*types.TableDefinition, error) {
	def, ok := c.cache.Get(tableName)
	if !ok {
		return nil, cerrors.NotFound(tableName)
	}
	return def, nil
}

func (c *MemoryCatalog) ListTables(ctx context.Context) ([]*types.TableDefinition, error) {
	var out []*types.TableDefinition
	c.cache.Range(func(_ string, def *types.TableDefinition) bool {
		out = append(out, def)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *MemoryCatalog) CreateIndex(ctx context.Context, tableName string, indexDef types.IndexDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.cache.Get(tableName)
	if !ok {
		return cerrors.NotFound(tableName)
	}
	if _, taken := c.cache.IndexTable(indexDef.Name); taken {
		return cerrors.Wrap(cerrors.ErrIndexAlreadyExists, "index_already_exists", "index %q", indexDef.Name)
	}
	for _, col := range indexDef.Columns {
		if def.ColumnIndex(col) < 0 {
			return cerrors.Wrap(cerrors.ErrColumnNotFound, "column_not_found", "column %q of table %q", col, tableName)
		}
	}
	next := def.Clone()
	next.Indexes = append(next.Indexes, indexDef)
	c.cache.Set(next)
	c.version.Add(1)
	return nil
}

func (c *MemoryCatalog) DropIndex(ctx context.Context, indexName string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tableName, ok := c.cache.IndexTable(indexName)
	if !ok {
		return "", cerrors.Wrap(cerrors.ErrIndexNotFound, "index_not_found", "index %q", indexName)
	}
	def, ok := c.cache.Get(tableName)
	if !ok {
		c.cache.DeleteIndex(indexName)
		return "", cerrors.NotFound(tableName)
	}
	next := def.Clone()
	kept := next.Indexes[:0]
	for _, idx := range next.Indexes {
		if !strings.EqualFold(idx.Name, indexName) {
			kept = append(kept, idx)
		}
	}
	next.Indexes = kept
	c.cache.DeleteIndex(indexName)
	c.cache.Set(next)
	c.version.Add(1)
	return def.Name, nil
}

func (c *MemoryCatalog) IndexTable(ctx context.Context, indexName string) (string, bool) {
	return c.cache.IndexTable(indexName)
}

func normalizePrivilege(p Privilege) (Privilege, error) {
	p.Action = strings.ToUpper(p.Action)
	p.Table = strings.ToLower(p.Table)
	p.Grantee = strings.ToLower(p.Grantee)
	for _, a := range ValidActions {
		if a == p.Action {
			return p, nil
		}
	}
	return p, cerrors.Wrap(cerrors.ErrInvalidPrivilege, "invalid_privilege", "privilege %q", p.Action)
}

func (c *MemoryCatalog) Grant(ctx context.Context, p Privilege) error {
	p, err := normalizePrivilege(p)
	if err != nil {
		return err
	}
	if !c.cache.Exists(p.Table) {
		return cerrors.NotFound(p.Table)
	}
	c.privMu.Lock()
	c.privs[p] = struct{}{}
	c.privMu.Unlock()
	return nil
}

func (c *MemoryCatalog) Revoke(ctx context.Context, p Privilege) error {
	p, err := normalizePrivilege(p)
	if err != nil {
		return err
	}
	if !c.cache.Exists(p.Table) {
		return cerrors.NotFound(p.Table)
	}
	c.privMu.Lock()
	if p.Action == "ALL" {
		for q := range c.privs {
			if q.Table == p.Table && q.Grantee == p.Grantee {
				delete(c.privs, q)
			}
		}
	} else {
		delete(c.privs, p)
	}
	c.privMu.Unlock()
	return nil
}

// Privileges lists grants on a table ordered by grantee and action.
func (c *MemoryCatalog) Privileges(ctx context.Context, tableName string) []Privilege {
	table := strings.ToLower(tableName)
	c.privMu.RLock()
	var out []Privilege
	for p := range c.privs {
		if p.Table == table {
			out = append(out, p)
		}
	}
	c.privMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Grantee != out[j].Grantee {
			return out[i].Grantee < out[j].Grantee
		}
		return out[i].Action < out[j].Action
	})
	return out
}
