package mesh

import (
	"sync"
	"time"
)

// DedupEntry records the first time a router saw a message id.
type DedupEntry struct {
	MessageID    string
	FirstSeenAt  time.Time
	HopCountSeen uint
	// ExpiresAt is when the message itself stops being acceptable. The
	// entry is kept until then so a late copy is still caught.
	ExpiresAt time.Time
}

// dedupCache is a bounded map of recently seen message ids. The insertion
// queue is the eviction order when the cache is full.
type dedupCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]DedupEntry
	order    []string
}

func newDedupCache(capacity int) *dedupCache {
	return &dedupCache{
		capacity: capacity,
		entries:  make(map[string]DedupEntry),
	}
}

func (c *dedupCache) contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// remember inserts id unless it is already present. It reports whether the
// entry was newly added.
func (c *dedupCache) remember(id string, now time.Time, hops uint, expiresAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		return false
	}
	for c.capacity > 0 && len(c.entries) >= c.capacity && len(c.order) > 0 {
		c.popLocked()
	}
	c.entries[id] = DedupEntry{MessageID: id, FirstSeenAt: now, HopCountSeen: hops, ExpiresAt: expiresAt}
	c.order = append(c.order, id)
	return true
}

// sweep drops entries whose message has expired and returns how many were
// removed.
func (c *dedupCache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.order[:0]
	for _, id := range c.order {
		entry, ok := c.entries[id]
		if ok && !now.After(entry.ExpiresAt) {
			kept = append(kept, id)
			continue
		}
		delete(c.entries, id)
	}
	removed := len(c.order) - len(kept)
	clear(c.order[len(kept):])
	c.order = kept
	if len(c.order) == 0 {
		c.order = nil
	}
	return removed
}

func (c *dedupCache) popLocked() {
	id := c.order[0]
	c.order[0] = ""
	c.order = c.order[1:]
	delete(c.entries, id)
}

func (c *dedupCache) get(id string) (DedupEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	return entry, ok
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *dedupCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]DedupEntry)
	c.order = nil
}
