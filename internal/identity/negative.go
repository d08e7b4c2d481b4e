package identity

import (
	"container/list"
	"sync"
	"time"
)

type negativeEntry struct {
	hostname  string
	expiresAt time.Time
}

// negativeCache is a bounded LRU of hostnames recently found to be
// unregistered. Entries expire after ttl.
type negativeCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time

	// front is most recently added
	lru   *list.List
	items map[string]*list.Element
}

func newNegativeCache(capacity int, ttl time.Duration) *negativeCache {
	return &negativeCache{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		lru:      list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *negativeCache) Contains(hostname string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[hostname]
	if !ok {
		return false
	}
	if c.now().After(elem.Value.(*negativeEntry).expiresAt) {
		c.lru.Remove(elem)
		delete(c.items, hostname)
		return false
	}
	return true
}

func (c *negativeCache) Add(hostname string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[hostname]; ok {
		elem.Value.(*negativeEntry).expiresAt = c.now().Add(c.ttl)
		c.lru.MoveToFront(elem)
		return
	}

	for c.lru.Len() >= c.capacity {
		oldest := c.lru.Back()
		delete(c.items, oldest.Value.(*negativeEntry).hostname)
		c.lru.Remove(oldest)
	}
	c.items[hostname] = c.lru.PushFront(&negativeEntry{hostname: hostname, expiresAt: c.now().Add(c.ttl)})
}

func (c *negativeCache) Remove(hostname string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[hostname]; ok {
		c.lru.Remove(elem)
		delete(c.items, hostname)
	}
}

func (c *negativeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
