package policy

import (
	"container/list"
	"sync"
)

type cacheEntry struct {
	key     uint64
	value   string
	outcome MatchOutcome
}

// outcomeCache is a bounded LRU of match outcomes keyed by xxhash. It lives
// inside a Snapshot, so a reload discards it along with the old rules.
// The raw value is kept next to the hash and compared on lookup; a hash
// collision is treated as a miss.
type outcomeCache struct {
	mu      sync.Mutex
	entries map[uint64]*list.Element
	order   *list.List // front is most recently used
	maxSize int
}

func newOutcomeCache(maxSize int) *outcomeCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &outcomeCache{
		entries: make(map[uint64]*list.Element, maxSize),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// Get returns the cached outcome for key and promotes it.
func (c *outcomeCache) Get(key uint64, value string) (MatchOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return MatchOutcome{}, false
	}
	e := el.Value.(*cacheEntry)
	if e.value != value {
		return MatchOutcome{}, false
	}
	c.order.MoveToFront(el)
	return e.outcome, true
}

// Put stores an outcome, evicting the least recently used entry at capacity.
func (c *outcomeCache) Put(key uint64, value string, outcome MatchOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value = &cacheEntry{key: key, value: value, outcome: outcome}
		c.order.MoveToFront(el)
		return
	}
	if len(c.entries) >= c.maxSize {
		if tail := c.order.Back(); tail != nil {
			delete(c.entries, tail.Value.(*cacheEntry).key)
			c.order.Remove(tail)
		}
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, value: value, outcome: outcome})
}

// Len returns the number of cached outcomes.
func (c *outcomeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
