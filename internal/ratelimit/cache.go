package ratelimit

import (
	"sync"

	"bronisync/internal/models"
)

// fifoCache keeps at most size states; the oldest inserted key is evicted
// first. Updating a key does not refresh its position.
type fifoCache struct {
	mu    sync.Mutex
	size  int
	order []string
	items map[string]models.RateLimitState
}

func newFIFOCache(size int) *fifoCache {
	if size <= 0 {
		size = models.RateLimitCacheSize
	}
	return &fifoCache{
		size:  size,
		order: make([]string, 0, size),
		items: make(map[string]models.RateLimitState, size),
	}
}

func (c *fifoCache) get(key string) (models.RateLimitState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.items[key]
	return state, ok
}

func (c *fifoCache) put(key string, state models.RateLimitState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		c.items[key] = state
		return
	}
	for len(c.order) >= c.size {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
	c.order = append(c.order, key)
	c.items[key] = state
}

func (c *fifoCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; !ok {
		return
	}
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *fifoCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
