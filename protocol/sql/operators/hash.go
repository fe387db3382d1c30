package operators

import (
	"context"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/guileen/querycore/codec"
	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/protocol/sql/expr"
	"github.com/guileen/querycore/storage/spill"
	"github.com/guileen/querycore/types"
	"github.com/guileen/querycore/workpool"
)

// maxPartitionDepth bounds recursive repartitioning of hot partitions.
const maxPartitionDepth = 3

// parallelBuildRows is the smallest build side worth sharding across workers.
const parallelBuildRows = 4096

// encodeKeys evaluates key expressions and encodes them so SQL-equal values
// (1 and 1.0) produce equal bytes. null reports a NULL component, which can
// never join.
func encodeKeys(dst []byte, keys []*expr.Compiled, row types.Row, ec *expr.EvalContext) (key []byte, null bool, err error) {
	vals := make([]types.Value, len(keys))
	for i, k := range keys {
		v, err := k.Eval(row, ec)
		if err != nil {
			return nil, false, err
		}
		if v.IsNull() {
			null = true
		}
		vals[i] = v
	}
	return codec.EncodeKey(dst, vals...), null, nil
}

// partitionOf routes a key to one of n partitions. Each level rehashes so a
// hot partition splits differently when repartitioned.
func partitionOf(key []byte, level, n int) int {
	h := xxhash.Sum64(key)
	var b [8]byte
	for i := 0; i < level; i++ {
		binary.LittleEndian.PutUint64(b[:], h)
		h = xxhash.Sum64(b[:])
	}
	return int(h % uint64(n))
}

// hashTable indexes build rows by encoded key. It is sharded when built in
// parallel; every key lives in exactly one shard.
type hashTable struct {
	shards  []map[string][]int
	rows    []types.Row
	matched []bool
}

type keyedRow struct {
	key  []byte
	null bool
}

func buildHashTable(ctx context.Context, env *Env, rows []types.Row, keys []*expr.Compiled, trackMatches bool) (*hashTable, error) {
	ht := &hashTable{rows: rows}
	if trackMatches {
		ht.matched = make([]bool, len(rows))
	}
	encoded := make([]keyedRow, len(rows))
	shards := 1
	if env.Parallelism > 1 && len(rows) >= parallelBuildRows {
		shards = env.Parallelism
	}
	if shards == 1 {
		for i, row := range rows {
			k, null, err := encodeKeys(nil, keys, row, env.Eval)
			if err != nil {
				return nil, err
			}
			encoded[i] = keyedRow{k, null}
		}
		ht.shards = []map[string][]int{make(map[string][]int, len(rows))}
		ht.fill(0, 1, encoded)
		return ht, nil
	}

	pool := env.Pool
	if pool == nil {
		pool = workpool.New(shards)
	}
	chunk := (len(rows) + shards - 1) / shards
	var tasks []workpool.Task
	for start := 0; start < len(rows); start += chunk {
		end := min(start+chunk, len(rows))
		tasks = append(tasks, func(ctx context.Context) error {
			for i := start; i < end; i++ {
				k, null, err := encodeKeys(nil, keys, rows[i], env.Eval)
				if err != nil {
					return err
				}
				encoded[i] = keyedRow{k, null}
			}
			return nil
		})
	}
	if err := pool.Run(ctx, tasks); err != nil {
		return nil, err
	}
	ht.shards = make([]map[string][]int, shards)
	tasks = tasks[:0]
	for s := range ht.shards {
		ht.shards[s] = make(map[string][]int, len(rows)/shards+1)
		tasks = append(tasks, func(context.Context) error {
			ht.fill(s, shards, encoded)
			return nil
		})
	}
	if err := pool.Run(ctx, tasks); err != nil {
		return nil, err
	}
	logger.Debug("hash table built in parallel",
		logger.Component("operators"),
		logger.Rows(len(rows)),
		"shards", shards)
	return ht, nil
}

// fill inserts the keys belonging to shard s. NULL keys never match and are
// left out; outer joins find them through matched.
func (ht *hashTable) fill(s, shards int, encoded []keyedRow) {
	m := ht.shards[s]
	for i, k := range encoded {
		if k.null {
			continue
		}
		if shards > 1 && int(xxhash.Sum64(k.key)%uint64(shards)) != s {
			continue
		}
		m[string(k.key)] = append(m[string(k.key)], i)
	}
}

func (ht *hashTable) lookup(key []byte) []int {
	s := 0
	if len(ht.shards) > 1 {
		s = int(xxhash.Sum64(key) % uint64(len(ht.shards)))
	}
	return ht.shards[s][string(key)]
}

// partitioner routes rows into spill streams by key.
type partitioner struct {
	writers []*spill.Writer
	level   int
	buf     []byte
}

func newPartitioner(m *spill.Manager, n, level int) (*partitioner, error) {
	p := &partitioner{writers: make([]*spill.Writer, n), level: level}
	for i := range p.writers {
		w, err := m.NewWriter()
		if err != nil {
			p.abort()
			return nil, err
		}
		p.writers[i] = w
	}
	return p, nil
}

func (p *partitioner) add(row types.Row, keys []*expr.Compiled, ec *expr.EvalContext) error {
	key, _, err := encodeKeys(p.buf[:0], keys, row, ec)
	if err != nil {
		return err
	}
	p.buf = key
	return p.addKey(key, row)
}

// addKey routes row by an already encoded key.
func (p *partitioner) addKey(key []byte, row types.Row) error {
	return p.writers[partitionOf(key, p.level, len(p.writers))].Append(row)
}

func (p *partitioner) finish() ([]*spill.Stream, error) {
	streams := make([]*spill.Stream, len(p.writers))
	for i, w := range p.writers {
		s, err := w.Finish()
		if err != nil {
			for _, w := range p.writers[i+1:] {
				w.Abort()
			}
			return nil, err
		}
		streams[i] = s
	}
	return streams, nil
}

func (p *partitioner) abort() {
	for _, w := range p.writers {
		if w != nil {
			w.Abort()
		}
	}
}
