package cache

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCache_NeverExceedsCapacity(t *testing.T) {
	c := NewLRUCache[string, int](8)
	for i := 0; i < 100; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
		assert.LessOrEqual(t, c.Len(), 8)
	}
	assert.Equal(t, 8, c.Len())
	assert.Equal(t, uint64(92), c.Stats().Evictions)
}

func TestLRUCache_EvictsLeastRecentlyAccessed(t *testing.T) {
	c := NewLRUCache[string, int](3)
	var evicted []string
	c.OnEvict(func(k string, _ int) { evicted = append(evicted, k) })

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	// a becomes most recent; b is now the oldest access.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("d", 4)
	assert.Equal(t, []string{"b"}, evicted)

	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, []string{"d", "a", "c"}, c.Keys())
}

func TestLRUCache_ReadBetweenPlacements(t *testing.T) {
	c := NewLRUCache[string, int](3)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a") // a read after b placed
	c.Put("c", 3)
	// Order by last access: b < a < c.
	assert.Equal(t, []string{"c", "a", "b"}, c.Keys())
}

// Exactness against a reference model under a random workload.
func TestLRUCache_MatchesReferenceModel(t *testing.T) {
	const capacity = 16
	c := NewLRUCache[int, int](capacity)
	var order []int // least recent first
	touch := func(k int) {
		for i, x := range order {
			if x == k {
				order = append(order[:i], order[i+1:]...)
				break
			}
		}
		order = append(order, k)
	}
	var lastEvicted int
	c.OnEvict(func(k, _ int) { lastEvicted = k })

	rng := rand.New(rand.NewSource(7))
	for step := 0; step < 5000; step++ {
		k := rng.Intn(40)
		if rng.Intn(3) == 0 {
			_, inModel := indexOf(order, k)
			_, ok := c.Get(k)
			require.Equal(t, inModel, ok, "step %d key %d", step, k)
			if ok {
				touch(k)
			}
			continue
		}
		_, exists := indexOf(order, k)
		wantVictim := -1
		if !exists && len(order) == capacity {
			wantVictim = order[0]
			order = order[1:]
		}
		lastEvicted = -1
		c.Put(k, step)
		touch(k)
		require.Equal(t, wantVictim, lastEvicted, "step %d", step)
	}
}

func indexOf(s []int, k int) (int, bool) {
	for i, x := range s {
		if x == k {
			return i, true
		}
	}
	return -1, false
}

func TestLRUCache_ZeroCapacityDisables(t *testing.T) {
	c := NewLRUCache[string, int](0)
	c.Put("a", 1)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUCache_RemoveIfAndStats(t *testing.T) {
	c := NewLRUCache[string, int](10)
	for i := 0; i < 6; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
	}
	removed := c.RemoveIf(func(_ string, v int) bool { return v%2 == 0 })
	assert.Equal(t, 3, removed)
	c.Get("k1")
	c.Get("k0")
	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, 3, st.Size)
}

func TestLRUCache_ConcurrentAccess(t *testing.T) {
	c := NewLRUCache[int, int](32)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				k := (i * (g + 1)) % 64
				if i%4 == 0 {
					c.Put(k, i)
				} else {
					c.Get(k)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 32)
}
