package audit

import (
	"sync"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/audit"
)

// entryCache is a ring buffer of recent audit entries.
type entryCache struct {
	entries []audit.Entry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

func newEntryCache(size int) *entryCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &entryCache{
		entries: make([]audit.Entry, size),
		size:    size,
	}
}

// Add adds an entry, overwriting the oldest when full.
func (c *entryCache) Add(e audit.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[c.head] = e
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

// Recent returns the last n entries, newest first.
func (c *entryCache) Recent(n int) []audit.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || c.count == 0 {
		return nil
	}
	if n > c.count {
		n = c.count
	}
	result := make([]audit.Entry, n)
	for i := 0; i < n; i++ {
		// head is the next write slot
		idx := (c.head - 1 - i + c.size) % c.size
		result[i] = c.entries[idx]
	}
	return result
}

// Len returns the number of cached entries.
func (c *entryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}
