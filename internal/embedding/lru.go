package embedding

import "container/list"

// lruCache is a size-bounded cache with least-recently-used eviction.
// Not safe for concurrent use; Client holds the lock.
type lruCache struct {
	capacity int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
}

type lruEntry struct {
	key string
	vec []float32
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

func (c *lruCache) get(key string) ([]float32, bool) {
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).vec, true
}

func (c *lruCache) put(key string, vec []float32) {
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*lruEntry).vec = vec
		return
	}
	el := c.order.PushFront(&lruEntry{key: key, vec: vec})
	c.entries[key] = el

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}
}

func (c *lruCache) purge() {
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.capacity)
}

func (c *lruCache) len() int {
	return c.order.Len()
}
