package backend

import "sync"

// TokenCache holds the bearer token shared by every call of a Client.
type TokenCache interface {
	Get() string
	Set(token string)
	Invalidate()
}

// MemoryTokenCache is a process-lifetime TokenCache. Two goroutines may both
// log in when the token is missing; the last Set wins.
type MemoryTokenCache struct {
	mu    sync.RWMutex
	token string
}

// NewMemoryTokenCache returns an empty cache.
func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{}
}

func (c *MemoryTokenCache) Get() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *MemoryTokenCache) Set(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *MemoryTokenCache) Invalidate() {
	c.Set("")
}
