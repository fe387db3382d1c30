// Package memstore is an in-memory storage engine with B-tree secondary
// indexes. It is the reference collaborator used by the CLI and tests.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/guileen/querycore/codec"
	"github.com/guileen/querycore/storage"
	"github.com/guileen/querycore/types"
)

const (
	pageSize   = 8192
	btreeOrder = 32
	scanBatch  = 256
)

var _ storage.Engine = (*Store)(nil)
var _ storage.PartitionedScanner = (*Store)(nil)

// Store holds every table in memory.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table
}

type table struct {
	mu      sync.RWMutex
	def     *types.TableDefinition
	rows    []types.Row // nil entries are deleted rows
	live    int64
	bytes   int64
	indexes map[string]*index
}

type index struct {
	def     types.IndexDefinition
	columns []int
	tree    *btree.BTree
}

// Item is one index entry: the memcomparable key plus the row slot.
type Item struct {
	Key   []byte
	RowID int
}

func (i Item) Less(than btree.Item) bool {
	o := than.(Item)
	if c := bytes.Compare(i.Key, o.Key); c != 0 {
		return c < 0
	}
	return i.RowID < o.RowID
}

// New creates an empty store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

func normalize(name string) string { return strings.ToLower(name) }

func (s *Store) table(name string) (*table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[normalize(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrTableNotFound, name)
	}
	return t, nil
}

func (s *Store) CreateTable(ctx context.Context, def *types.TableDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalize(def.Name)
	if _, ok := s.tables[key]; ok {
		return fmt.Errorf("%w: %s", storage.ErrTableExists, def.Name)
	}
	t := &table{def: def.Clone(), indexes: make(map[string]*index)}
	for _, idx := range def.Indexes {
		if err := t.addIndex(idx); err != nil {
			return err
		}
	}
	s.tables[key] = t
	return nil
}

func (s *Store) DropTable(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalize(name)
	if _, ok := s.tables[key]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrTableNotFound, name)
	}
	delete(s.tables, key)
	return nil
}

func (s *Store) CreateIndex(ctx context.Context, tableName string, idx types.IndexDefinition) error {
	t, err := s.table(tableName)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.addIndex(idx); err != nil {
		return err
	}
	t.def.Indexes = append(t.def.Indexes, idx)
	return nil
}

func (s *Store) DropIndex(ctx context.Context, tableName, name string) error {
	t, err := s.table(tableName)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := normalize(name)
	if _, ok := t.indexes[key]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrIndexNotFound, name)
	}
	delete(t.indexes, key)
	kept := t.def.Indexes[:0]
	for _, d := range t.def.Indexes {
		if normalize(d.Name) != key {
			kept = append(kept, d)
		}
	}
	t.def.Indexes = kept
	return nil
}

// addIndex builds an index over existing rows. Caller holds t.mu for writing
// (or owns t exclusively).
func (t *table) addIndex(def types.IndexDefinition) error {
	key := normalize(def.Name)
	if _, ok := t.indexes[key]; ok {
		return fmt.Errorf("%w: %s", storage.ErrIndexExists, def.Name)
	}
	idx := &index{def: def, tree: btree.New(btreeOrder)}
	for _, col := range def.Columns {
		pos := t.def.ColumnIndex(col)
		if pos < 0 {
			return fmt.Errorf("index %s: column %q does not exist", def.Name, col)
		}
		idx.columns = append(idx.columns, pos)
	}
	for id, row := range t.rows {
		if row == nil {
			continue
		}
		if err := idx.insert(row, id); err != nil {
			return err
		}
	}
	t.indexes[key] = idx
	return nil
}

func (idx *index) key(row types.Row) []byte {
	vals := make([]types.Value, len(idx.columns))
	for i, c := range idx.columns {
		vals[i] = row[c]
	}
	return codec.EncodeKey(nil, vals...)
}

func (idx *index) insert(row types.Row, id int) error {
	k := idx.key(row)
	if idx.def.Unique && !codec.IsNullKey(k) {
		dup := false
		idx.tree.AscendGreaterOrEqual(Item{Key: k, RowID: -1}, func(i btree.Item) bool {
			dup = bytes.Equal(i.(Item).Key, k)
			return false
		})
		if dup {
			return fmt.Errorf("%w: index %s", storage.ErrUniqueKey, idx.def.Name)
		}
	}
	idx.tree.ReplaceOrInsert(Item{Key: k, RowID: id})
	return nil
}

func (idx *index) remove(row types.Row, id int) {
	idx.tree.Delete(Item{Key: idx.key(row), RowID: id})
}

func (t *table) checkRow(row types.Row) (types.Row, error) {
	if len(row) != len(t.def.Columns) {
		return nil, fmt.Errorf("table %s expects %d columns, got %d", t.def.Name, len(t.def.Columns), len(row))
	}
	out := make(types.Row, len(row))
	for i, col := range t.def.Columns {
		v, err := types.Coerce(row[i], col.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		if v.IsNull() && (!col.Nullable || col.PrimaryKey) {
			return nil, fmt.Errorf("%w: column %s", storage.ErrNotNull, col.Name)
		}
		out[i] = v
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, tableName string, rows []types.Row) (int64, error) {
	t, err := s.table(tableName)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int64
	for _, raw := range rows {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		row, err := t.checkRow(raw)
		if err != nil {
			return n, err
		}
		id := len(t.rows)
		for _, idx := range t.indexes {
			if err := idx.insert(row, id); err != nil {
				t.unindex(row, id)
				return n, err
			}
		}
		t.rows = append(t.rows, row)
		t.live++
		t.bytes += int64(row.Size())
		n++
	}
	return n, nil
}

// unindex removes a row from every index; missing entries are ignored.
func (t *table) unindex(row types.Row, id int) {
	for _, idx := range t.indexes {
		idx.remove(row, id)
	}
}

func (s *Store) Update(ctx context.Context, tableName string, match storage.Predicate, apply func(types.Row) (types.Row, error)) (int64, error) {
	t, err := s.table(tableName)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int64
	for id, row := range t.rows {
		if row == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := match(row)
		if err != nil || !ok {
			if err != nil {
				return n, err
			}
			continue
		}
		updated, err := apply(row)
		if err != nil {
			return n, err
		}
		if updated, err = t.checkRow(updated); err != nil {
			return n, err
		}
		t.unindex(row, id)
		for _, idx := range t.indexes {
			if err := idx.insert(updated, id); err != nil {
				t.unindex(updated, id)
				for _, restore := range t.indexes {
					_ = restore.insert(row, id)
				}
				return n, err
			}
		}
		t.rows[id] = updated
		t.bytes += int64(updated.Size() - row.Size())
		n++
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, tableName string, match storage.Predicate) (int64, error) {
	t, err := s.table(tableName)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int64
	for id, row := range t.rows {
		if row == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := match(row)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		t.unindex(row, id)
		t.rows[id] = nil
		t.live--
		t.bytes -= int64(row.Size())
		n++
	}
	return n, nil
}

func (s *Store) TableSize(ctx context.Context, tableName string) (storage.TableSize, error) {
	t, err := s.table(tableName)
	if err != nil {
		return storage.TableSize{}, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	pages := (t.bytes + pageSize - 1) / pageSize
	if pages == 0 && t.live > 0 {
		pages = 1
	}
	return storage.TableSize{Rows: t.live, Pages: pages, Bytes: t.bytes}, nil
}

func (s *Store) Scan(ctx context.Context, tableName string, opts storage.ScanOptions) (storage.RowIterator, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	end := len(t.rows)
	t.mu.RUnlock()
	return &tableIterator{t: t, pos: 0, end: end}, nil
}

func (s *Store) ScanPartitions(ctx context.Context, tableName string, n int, opts storage.ScanOptions) ([]storage.RowIterator, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		n = 1
	}
	t.mu.RLock()
	total := len(t.rows)
	t.mu.RUnlock()

	step := (total + n - 1) / n
	if step == 0 {
		step = 1
	}
	var its []storage.RowIterator
	for start := 0; start < total; start += step {
		end := start + step
		if end > total {
			end = total
		}
		its = append(its, &tableIterator{t: t, pos: start, end: end})
	}
	if len(its) == 0 {
		its = append(its, &tableIterator{t: t})
	}
	return its, nil
}

// tableIterator copies rows out in batches so the table lock is held briefly.
type tableIterator struct {
	t     *table
	pos   int
	end   int
	batch []types.Row
	bi    int
}

func (it *tableIterator) Next(ctx context.Context) (types.Row, error) {
	for {
		if it.bi < len(it.batch) {
			row := it.batch[it.bi]
			it.bi++
			return row, nil
		}
		if it.pos >= it.end {
			return nil, storage.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		it.batch = it.batch[:0]
		it.bi = 0
		it.t.mu.RLock()
		for it.pos < it.end && len(it.batch) < scanBatch {
			if it.pos < len(it.t.rows) && it.t.rows[it.pos] != nil {
				it.batch = append(it.batch, it.t.rows[it.pos])
			}
			it.pos++
		}
		it.t.mu.RUnlock()
	}
}

func (it *tableIterator) Close() error {
	it.batch = nil
	return nil
}

func (s *Store) IndexScan(ctx context.Context, tableName, indexName string, rng storage.KeyRange, opts storage.ScanOptions) (storage.RowIterator, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, ok := t.indexes[normalize(indexName)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrIndexNotFound, indexName)
	}

	var lower, upper []byte
	if rng.Lower != nil {
		lower = codec.EncodeKey(nil, rng.Lower.Values...)
	}
	if rng.Upper != nil {
		upper = codec.EncodeKey(nil, rng.Upper.Values...)
	}
	bounded := rng.Lower != nil || rng.Upper != nil

	var rows []types.Row
	visit := func(i btree.Item) bool {
		item := i.(Item)
		if lower != nil && !rng.Lower.Inclusive && bytes.HasPrefix(item.Key, lower) {
			return true
		}
		if upper != nil {
			c := bytes.Compare(item.Key, upper)
			inPrefix := bytes.HasPrefix(item.Key, upper)
			if rng.Upper.Inclusive && c > 0 && !inPrefix {
				return false
			}
			if !rng.Upper.Inclusive && (c >= 0 || inPrefix) {
				return false
			}
		}
		if bounded && codec.IsNullKey(item.Key) {
			return false
		}
		if row := t.rows[item.RowID]; row != nil {
			rows = append(rows, row)
		}
		return true
	}
	if lower != nil {
		idx.tree.AscendGreaterOrEqual(Item{Key: lower, RowID: -1}, visit)
	} else {
		idx.tree.Ascend(visit)
	}
	return storage.NewSliceIterator(rows), nil
}
