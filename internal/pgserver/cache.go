package pgserver

import "sync"

// cacheMap is a string cache safe for concurrent use.
type cacheMap struct {
	mu sync.RWMutex
	m  map[string]string
}

func (c *cacheMap) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *cacheMap) put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]string)
	}
	c.m[key] = value
}
