// Package storage defines the storage collaborator consumed by the query core.
// The core never assumes an on-disk format: it only needs row and index
// iterators, table sizes, and DDL/DML hooks.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/guileen/querycore/types"
)

// EOF is returned by RowIterator.Next once the iterator is drained.
var EOF = io.EOF

// Error types
var (
	ErrTableNotFound = errors.New("table not found")
	ErrTableExists   = errors.New("table already exists")
	ErrIndexNotFound = errors.New("index not found")
	ErrIndexExists   = errors.New("index already exists")
	ErrUniqueKey     = errors.New("unique constraint violation")
	ErrNotNull       = errors.New("not-null constraint violation")
)

// Snapshot is the transaction manager's isolation context. The core passes it
// through to scans without looking inside.
type Snapshot interface{}

// ScanOptions carries per-scan settings.
type ScanOptions struct {
	Snapshot Snapshot
}

// KeyBound is one end of an index range over the leading index columns.
type KeyBound struct {
	Values    []types.Value
	Inclusive bool
}

// KeyRange restricts an index scan. A nil bound is unbounded.
type KeyRange struct {
	Lower *KeyBound
	Upper *KeyBound
}

// TableSize is what the storage engine reports for costing.
type TableSize struct {
	Rows  int64
	Pages int64
	Bytes int64
}

// RowIterator yields rows until it returns EOF.
type RowIterator interface {
	Next(ctx context.Context) (types.Row, error)
	Close() error
}

// Predicate selects rows for Update and Delete.
type Predicate func(types.Row) (bool, error)

// Engine is the storage engine contract.
type Engine interface {
	CreateTable(ctx context.Context, def *types.TableDefinition) error
	DropTable(ctx context.Context, name string) error
	CreateIndex(ctx context.Context, table string, idx types.IndexDefinition) error
	DropIndex(ctx context.Context, table, index string) error

	// Scan returns rows in storage order.
	Scan(ctx context.Context, table string, opts ScanOptions) (RowIterator, error)
	// IndexScan returns rows ordered by the index key. Rows whose leading key
	// column is NULL are excluded whenever either bound is set.
	IndexScan(ctx context.Context, table, index string, rng KeyRange, opts ScanOptions) (RowIterator, error)
	TableSize(ctx context.Context, table string) (TableSize, error)

	Insert(ctx context.Context, table string, rows []types.Row) (int64, error)
	Update(ctx context.Context, table string, match Predicate, apply func(types.Row) (types.Row, error)) (int64, error)
	Delete(ctx context.Context, table string, match Predicate) (int64, error)
}

// PartitionedScanner is implemented by engines that can split a table scan
// into independent ranges for parallel scanning.
type PartitionedScanner interface {
	ScanPartitions(ctx context.Context, table string, n int, opts ScanOptions) ([]RowIterator, error)
}

// SliceIterator iterates over an in-memory slice of rows.
type SliceIterator struct {
	rows []types.Row
	pos  int
}

// NewSliceIterator wraps rows in a RowIterator.
func NewSliceIterator(rows []types.Row) *SliceIterator {
	return &SliceIterator{rows: rows}
}

func (it *SliceIterator) Next(ctx context.Context) (types.Row, error) {
	if it.pos >= len(it.rows) {
		return nil, EOF
	}
	row := it.rows[it.pos]
	it.pos++
	return row, nil
}

func (it *SliceIterator) Close() error { return nil }
