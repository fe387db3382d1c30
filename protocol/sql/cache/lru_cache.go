// Package cache provides the bounded recency-evicting map shared by the plan
// cache, the predicate cache and the CTE materialization store.
package cache

import (
	"container/list"
	"sort"
	"sync"
	"sync/atomic"
)

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
}

// LRUCache is a fixed-capacity map evicting the least recently accessed entry.
//
// Lookups only take the read lock: they stamp the entry with a logical clock
// instead of moving it in the list. Writers reconcile the list against those
// stamps before choosing a victim, so the eviction order is exact recency.
type LRUCache[K comparable, V any] struct {
	capacity  int
	cache     map[K]*list.Element
	evictList *list.List
	mutex     sync.RWMutex
	clock     atomic.Uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	onEvict func(K, V)
}

type cacheEntry[K comparable, V any] struct {
	key    K
	value  V
	placed uint64
	access atomic.Uint64
}

// NewLRUCache creates a new LRU cache with the specified capacity. A
// capacity of zero disables caching.
func NewLRUCache[K comparable, V any](capacity int) *LRUCache[K, V] {
	if capacity < 0 {
		capacity = 0
	}
	return &LRUCache[K, V]{
		capacity:  capacity,
		cache:     make(map[K]*list.Element),
		evictList: list.New(),
	}
}

// OnEvict registers a callback run for every entry evicted for capacity.
// It runs after the cache lock is released.
func (c *LRUCache[K, V]) OnEvict(fn func(K, V)) {
	c.mutex.Lock()
	c.onEvict = fn
	c.mutex.Unlock()
}

// Get retrieves a value from the cache and marks it most recently used.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	var value V
	c.mutex.RLock()
	element, exists := c.cache[key]
	if exists {
		entry := element.Value.(*cacheEntry[K, V])
		entry.access.Store(c.clock.Add(1))
		value = entry.value
	}
	c.mutex.RUnlock()

	if !exists {
		c.misses.Add(1)
		return value, false
	}
	c.hits.Add(1)
	return value, true
}

// Peek returns a value without touching its recency or the counters.
func (c *LRUCache[K, V]) Peek(key K) (V, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if element, ok := c.cache[key]; ok {
		return element.Value.(*cacheEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Put adds or replaces a value. Capacity is checked before the map grows.
func (c *LRUCache[K, V]) Put(key K, value V) {
	var evicted []*cacheEntry[K, V]

	c.mutex.Lock()
	if c.capacity == 0 {
		c.mutex.Unlock()
		return
	}
	stamp := c.clock.Add(1)
	if element, exists := c.cache[key]; exists {
		entry := element.Value.(*cacheEntry[K, V])
		entry.value = value
		entry.placed = stamp
		entry.access.Store(stamp)
		c.evictList.MoveToFront(element)
		c.mutex.Unlock()
		return
	}

	if c.evictList.Len() >= c.capacity {
		c.reconcile()
		for c.evictList.Len() >= c.capacity {
			evicted = append(evicted, c.removeElement(c.evictList.Back()))
		}
	}

	entry := &cacheEntry[K, V]{key: key, value: value, placed: stamp}
	entry.access.Store(stamp)
	c.cache[key] = c.evictList.PushFront(entry)
	onEvict := c.onEvict
	c.mutex.Unlock()

	c.evictions.Add(uint64(len(evicted)))
	if onEvict != nil {
		for _, e := range evicted {
			onEvict(e.key, e.value)
		}
	}
}

// Remove removes a key from the cache
func (c *LRUCache[K, V]) Remove(key K) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if element, exists := c.cache[key]; exists {
		c.removeElement(element)
		return true
	}
	return false
}

// RemoveIf drops every entry matching pred and returns how many were removed.
func (c *LRUCache[K, V]) RemoveIf(pred func(K, V) bool) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	removed := 0
	for element := c.evictList.Front(); element != nil; {
		next := element.Next()
		entry := element.Value.(*cacheEntry[K, V])
		if pred(entry.key, entry.value) {
			c.removeElement(element)
			removed++
		}
		element = next
	}
	return removed
}

// Len returns the number of items in the cache
func (c *LRUCache[K, V]) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.evictList.Len()
}

// Capacity returns the configured bound.
func (c *LRUCache[K, V]) Capacity() int {
	return c.capacity
}

// Keys returns keys from most to least recently used.
func (c *LRUCache[K, V]) Keys() []K {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.reconcile()
	keys := make([]K, 0, c.evictList.Len())
	for element := c.evictList.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*cacheEntry[K, V]).key)
	}
	return keys
}

// Clear removes all items from the cache
func (c *LRUCache[K, V]) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache = make(map[K]*list.Element)
	c.evictList.Init()
}

// Stats returns the current counters.
func (c *LRUCache[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(),
		Capacity:  c.capacity,
	}
}

// reconcile reorders the list by access stamp. Entries read since they were
// placed are merged back in stamp order. Must hold the write lock.
func (c *LRUCache[K, V]) reconcile() {
	var clean, dirty []*list.Element
	for element := c.evictList.Back(); element != nil; element = element.Prev() {
		entry := element.Value.(*cacheEntry[K, V])
		if entry.access.Load() == entry.placed {
			clean = append(clean, element)
		} else {
			dirty = append(dirty, element)
		}
	}
	if len(dirty) == 0 {
		return
	}
	stampOf := func(e *list.Element) uint64 { return e.Value.(*cacheEntry[K, V]).access.Load() }
	sort.Slice(dirty, func(i, j int) bool { return stampOf(dirty[i]) < stampOf(dirty[j]) })

	// Both slices ascend by stamp; merge them oldest first, pushing each to
	// the front so the newest ends up at the head.
	i, j := 0, 0
	for i < len(clean) || j < len(dirty) {
		var next *list.Element
		if j >= len(dirty) || (i < len(clean) && stampOf(clean[i]) < stampOf(dirty[j])) {
			next = clean[i]
			i++
		} else {
			next = dirty[j]
			j++
		}
		entry := next.Value.(*cacheEntry[K, V])
		entry.placed = entry.access.Load()
		c.evictList.MoveToFront(next)
	}
}

func (c *LRUCache[K, V]) removeElement(element *list.Element) *cacheEntry[K, V] {
	entry := element.Value.(*cacheEntry[K, V])
	c.evictList.Remove(element)
	delete(c.cache, entry.key)
	return entry
}
