package requestctl

import (
	"container/list"
	"sync"
	"time"

	"rigup.app/pkg/models"
	"rigup.app/pkg/utils"
)

// Cache stores the last successful result per request key.
//
// Entries are never deleted when they go stale; they stop being served and
// stay visible to Peek until overwritten or invalidated. When maxEntries is
// positive the least recently used entry is evicted on insert.
//
// Trade-offs:
// - A single Mutex instead of RWMutex: every hit moves the entry to the LRU
//   front, so reads write too.
// - DeleteTarget scans all entries. The key space of a UI session is small.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lruList    *list.List
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewCache creates a cache. maxEntries 0 means unbounded.
func NewCache(ttl time.Duration, maxEntries int, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		entries:    make(map[string]*list.Element),
		lruList:    list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
	}
}

// Get returns the stored value only if the entry is fresh.
// Complexity: O(1).
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	entry := el.Value.(*models.Entry)
	if !entry.IsFresh(c.now(), c.ttl) {
		return nil, false
	}

	entry.Touch()
	c.lruList.MoveToFront(el)
	return entry.Value, true
}

// Put unconditionally stores value for key with storedAt = now.
// Complexity: O(1).
func (c *Cache) Put(key, target string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := models.NewEntry(key, target, value, c.now())

	if el, ok := c.entries[key]; ok {
		el.Value = entry
		c.lruList.MoveToFront(el)
		return
	}

	if c.maxEntries > 0 && c.lruList.Len() >= c.maxEntries {
		c.evictLRUUnsafe()
	}

	c.entries[key] = c.lruList.PushFront(entry)
}

// Peek returns the entry for key, fresh or stale, without touching it.
func (c *Cache) Peek(key string) (models.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return models.Entry{}, false
	}
	e := el.Value.(*models.Entry)
	return models.Entry{
		Key:      e.Key,
		Value:    e.Value,
		Target:   e.Target,
		StoredAt: e.StoredAt,
		Hits:     e.GetHits(),
	}, true
}

// Delete removes a key. Returns true if it existed.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteUnsafe(key)
}

// DeleteTarget removes every entry whose target is in scope of scope (the
// scope itself, below it, or one of its ancestors).
// Returns number of entries deleted.
func (c *Cache) DeleteTarget(scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Collect matching keys first to avoid modification during iteration
	var toDelete []string
	for key, el := range c.entries {
		if utils.InScope(scope, el.Value.(*models.Entry).Target) {
			toDelete = append(toDelete, key)
		}
	}

	count := 0
	for _, key := range toDelete {
		if c.deleteUnsafe(key) {
			count++
		}
	}
	return count
}

// Clear removes every entry. Returns number of entries deleted.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*list.Element)
	c.lruList.Init()
	return n
}

// Keys returns every stored key, most recently used first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for el := c.lruList.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*models.Entry).Key)
	}
	return keys
}

// Size returns the number of stored entries, fresh or stale.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats describes every entry, most recently used first.
func (c *Cache) Stats() []models.EntryStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	stats := make([]models.EntryStats, 0, len(c.entries))
	for el := c.lruList.Front(); el != nil; el = el.Next() {
		stats = append(stats, el.Value.(*models.Entry).Stats(now, c.ttl))
	}
	return stats
}

// deleteUnsafe is the non-locking internal delete implementation.
func (c *Cache) deleteUnsafe(key string) bool {
	el, ok := c.entries[key]
	if !ok {
		return false
	}
	c.lruList.Remove(el)
	delete(c.entries, key)
	return true
}

// evictLRUUnsafe removes the least recently used entry.
// Must be called with lock held.
func (c *Cache) evictLRUUnsafe() {
	oldest := c.lruList.Back()
	if oldest == nil {
		return
	}
	c.lruList.Remove(oldest)
	delete(c.entries, oldest.Value.(*models.Entry).Key)
}
