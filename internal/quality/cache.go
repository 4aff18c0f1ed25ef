package quality

import (
	"container/list"
	"sync"
	"time"
)

// ResultCache is a thread-safe LRU cache for check results
type ResultCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	hits    int64
	misses  int64
}

type cacheItem struct {
	key       string
	value     Result
	expiresAt time.Time
}

// NewResultCache creates a new result cache. A non-positive maxSize disables it.
func NewResultCache(maxSize int, ttl time.Duration) *ResultCache {
	return &ResultCache{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a copy of the cached result for key.
func (c *ResultCache) Get(key string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	item := elem.Value.(*cacheItem)
	if c.now().After(item.expiresAt) {
		c.removeElement(elem)
		c.misses++
		return nil, false
	}
	c.lru.MoveToFront(elem)
	c.hits++

	result := item.value
	result.Issues = append([]Issue(nil), item.value.Issues...)
	return &result, true
}

// Set stores a value in the cache
func (c *ResultCache) Set(key string, value *Result) {
	if c.maxSize <= 0 || value == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := *value
	stored.Issues = append([]Issue(nil), value.Issues...)
	stored.CacheHit = false

	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		item := elem.Value.(*cacheItem)
		item.value = stored
		item.expiresAt = c.now().Add(c.ttl)
		return
	}

	elem := c.lru.PushFront(&cacheItem{key: key, value: stored, expiresAt: c.now().Add(c.ttl)})
	c.items[key] = elem

	for c.lru.Len() > c.maxSize {
		c.evictOldest()
	}
	if c.lru.Len()%100 == 0 {
		c.cleanExpired()
	}
}

// Clear removes all items from the cache
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.lru = list.New()
}

func (c *ResultCache) evictOldest() {
	if elem := c.lru.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func (c *ResultCache) removeElement(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.items, elem.Value.(*cacheItem).key)
}

func (c *ResultCache) cleanExpired() {
	now := c.now()
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if now.After(elem.Value.(*cacheItem).expiresAt) {
			c.removeElement(elem)
		}
		elem = prev
	}
}

// Stats returns cache statistics
func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Size: c.lru.Len(), MaxSize: c.maxSize, Hits: c.hits, Misses: c.misses}
}

type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
}
