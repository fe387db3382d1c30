package spill

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guileen/querycore/types"
)

func openStore(t *testing.T, limit int64) *Store {
	t.Helper()
	s, err := Open("", limit)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSpillRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := openStore(t, 0).NewManager("q1")

	w, err := m.NewWriter()
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		require.NoError(t, w.Append(types.Row{types.NewInt(int64(i)), types.NewText("row")}))
	}
	stream, err := w.Finish()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stream.Rows)

	r, err := m.Open(stream)
	require.NoError(t, err)
	defer r.Close()
	for i := 0; i < 1000; i++ {
		row, err := r.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.NewInt(int64(i)), row[0])
	}
	_, err = r.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestSpillStreamsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, 0)
	a := store.NewManager("a")
	b := store.NewManager("b")

	wa, _ := a.NewWriter()
	require.NoError(t, wa.Append(types.Row{types.NewText("from a")}))
	sa, err := wa.Finish()
	require.NoError(t, err)

	wb, _ := b.NewWriter()
	require.NoError(t, wb.Append(types.Row{types.NewText("from b")}))
	sb, err := wb.Finish()
	require.NoError(t, err)

	rows, err := a.ReadAll(ctx, sa)
	require.NoError(t, err)
	assert.Equal(t, []types.Row{{types.NewText("from a")}}, rows)

	require.NoError(t, a.Cleanup())
	rows, err = b.ReadAll(ctx, sb)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSpillCleanupReleasesSpace(t *testing.T) {
	store := openStore(t, 0)
	m := store.NewManager("q")
	w, _ := m.NewWriter()
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Append(types.Row{types.NewInt(int64(i))}))
	}
	_, err := w.Finish()
	require.NoError(t, err)
	assert.Positive(t, store.Used())

	require.NoError(t, m.Cleanup())
	assert.Zero(t, store.Used())
	require.NoError(t, m.Cleanup())

	_, err = m.NewWriter()
	assert.Error(t, err)
}

func TestSpillLimit(t *testing.T) {
	m := openStore(t, 64).NewManager("q")
	w, _ := m.NewWriter()
	var err error
	for i := 0; i < 100 && err == nil; i++ {
		err = w.Append(types.Row{types.NewText("0123456789")})
	}
	assert.ErrorIs(t, err, ErrSpillExhausted)
	w.Abort()
	require.NoError(t, m.Cleanup())
}

func TestDropStream(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, 0)
	m := store.NewManager("q")
	w, _ := m.NewWriter()
	require.NoError(t, w.Append(types.Row{types.NewInt(1)}))
	s, err := w.Finish()
	require.NoError(t, err)
	require.NoError(t, m.Drop(s))
	assert.Zero(t, store.Used())

	rows, err := m.ReadAll(ctx, s)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
