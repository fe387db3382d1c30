// Package spill stores operator state that does not fit in the per-query
// memory budget: hash join partitions, sorted runs and aggregate partitions.
package spill

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/guileen/querycore/codec"
	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/types"
)

// ErrSpillExhausted is returned when the configured spill space is used up.
var ErrSpillExhausted = errors.New("spill space exhausted")

const batchFlushBytes = 1 << 20

// Store owns the pebble instance shared by all queries' spill data.
type Store struct {
	db    *pebble.DB
	used  atomic.Int64
	limit int64
}

// Open creates a spill store in dir. An empty dir keeps everything in an
// in-memory filesystem. limit caps live spill bytes; zero means unlimited.
func Open(dir string, limit int64) (*Store, error) {
	opts := &pebble.Options{
		DisableWAL: true,
	}
	if dir == "" {
		opts.FS = vfs.NewMem()
		dir = "spill"
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open spill store: %w", err)
	}
	return &Store{db: db, limit: limit}, nil
}

// Close releases the pebble instance.
func (s *Store) Close() error {
	return s.db.Close()
}

// Used reports live spill bytes across all queries.
func (s *Store) Used() int64 {
	return s.used.Load()
}

func (s *Store) reserve(n int64) error {
	if s.limit <= 0 {
		s.used.Add(n)
		return nil
	}
	if s.used.Add(n) > s.limit {
		s.used.Add(-n)
		return ErrSpillExhausted
	}
	return nil
}

// Manager namespaces one query's spill streams.
type Manager struct {
	store   *Store
	queryID string
	prefix  []byte

	mu      sync.Mutex
	next    uint32
	streams map[uint32]int64 // stream id -> bytes
	closed  bool

	spilledRows atomic.Int64
}

// NewManager creates the spill namespace for a query.
func (s *Store) NewManager(queryID string) *Manager {
	return &Manager{
		store:   s,
		queryID: queryID,
		prefix:  []byte(fmt.Sprintf("spill/%s/", queryID)),
		streams: make(map[uint32]int64),
	}
}

// SpilledRows is the number of rows written by this query so far.
func (m *Manager) SpilledRows() int64 {
	return m.spilledRows.Load()
}

// Stream identifies a sequence of spilled rows.
type Stream struct {
	id    uint32
	Rows  int64
	Bytes int64
}

func (m *Manager) streamPrefix(id uint32) []byte {
	p := make([]byte, len(m.prefix), len(m.prefix)+4)
	copy(p, m.prefix)
	return binary.BigEndian.AppendUint32(p, id)
}

// Writer appends rows to a new stream.
type Writer struct {
	m      *Manager
	stream *Stream
	prefix []byte
	batch  *pebble.Batch
	seq    uint64
	buf    []byte
}

// NewWriter opens a new stream for writing.
func (m *Manager) NewWriter() (*Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("spill manager for query %s is closed", m.queryID)
	}
	id := m.next
	m.next++
	m.streams[id] = 0
	return &Writer{
		m:      m,
		stream: &Stream{id: id},
		prefix: m.streamPrefix(id),
		batch:  m.store.db.NewBatch(),
	}, nil
}

// Append writes one row.
func (w *Writer) Append(row types.Row) error {
	key := binary.BigEndian.AppendUint64(append(make([]byte, 0, len(w.prefix)+8), w.prefix...), w.seq)
	w.buf = codec.EncodeRow(w.buf[:0], row)
	n := int64(len(key) + len(w.buf))
	if err := w.m.store.reserve(n); err != nil {
		return err
	}
	if err := w.batch.Set(key, w.buf, nil); err != nil {
		return fmt.Errorf("spill batch set: %w", err)
	}
	w.seq++
	w.stream.Rows++
	w.stream.Bytes += n
	w.m.spilledRows.Add(1)
	if w.batch.Len() >= batchFlushBytes {
		return w.flush()
	}
	return nil
}

func (w *Writer) flush() error {
	if w.batch.Empty() {
		return nil
	}
	if err := w.batch.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("spill commit: %w", err)
	}
	_ = w.batch.Close()
	w.batch = w.m.store.db.NewBatch()
	return nil
}

// Finish commits pending rows and returns the readable stream.
func (w *Writer) Finish() (*Stream, error) {
	err := w.flush()
	_ = w.batch.Close()
	w.batch = nil
	w.m.mu.Lock()
	w.m.streams[w.stream.id] = w.stream.Bytes
	w.m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return w.stream, nil
}

// Abort discards the writer's uncommitted rows.
func (w *Writer) Abort() {
	if w.batch != nil {
		_ = w.batch.Close()
		w.batch = nil
	}
	w.m.mu.Lock()
	w.m.streams[w.stream.id] = w.stream.Bytes
	w.m.mu.Unlock()
}

// Reader iterates a finished stream in write order.
type Reader struct {
	iter *pebble.Iterator
	init bool
}

// Open returns a reader positioned before the first row of s.
func (m *Manager) Open(s *Stream) (*Reader, error) {
	prefix := m.streamPrefix(s.id)
	iter, err := m.store.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("spill iterator: %w", err)
	}
	return &Reader{iter: iter}, nil
}

// Next returns the next row or io.EOF.
func (r *Reader) Next(ctx context.Context) (types.Row, error) {
	if !r.init {
		r.init = true
		if !r.iter.First() {
			return nil, r.eof()
		}
	} else if !r.iter.Next() {
		return nil, r.eof()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return codec.DecodeRow(r.iter.Value())
}

func (r *Reader) eof() error {
	if err := r.iter.Error(); err != nil {
		return err
	}
	return io.EOF
}

// Close releases the reader.
func (r *Reader) Close() error {
	return r.iter.Close()
}

// ReadAll loads a whole stream into memory.
func (m *Manager) ReadAll(ctx context.Context, s *Stream) ([]types.Row, error) {
	r, err := m.Open(s)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	rows := make([]types.Row, 0, s.Rows)
	for {
		row, err := r.Next(ctx)
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

// Drop deletes a stream's rows.
func (m *Manager) Drop(s *Stream) error {
	if s == nil {
		return nil
	}
	m.mu.Lock()
	bytes, ok := m.streams[s.id]
	delete(m.streams, s.id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	prefix := m.streamPrefix(s.id)
	m.store.used.Add(-bytes)
	return m.store.db.DeleteRange(prefix, prefixEnd(prefix), pebble.NoSync)
}

// Cleanup deletes everything the query spilled. It is safe to call twice.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var total int64
	for _, b := range m.streams {
		total += b
	}
	m.streams = nil
	m.mu.Unlock()

	m.store.used.Add(-total)
	if err := m.store.db.DeleteRange(m.prefix, prefixEnd(m.prefix), pebble.NoSync); err != nil {
		logger.Warn("spill cleanup failed", logger.QueryIDField(m.queryID), logger.ErrorField(err))
		return err
	}
	return nil
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
