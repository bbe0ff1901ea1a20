package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/keelhq/keel/internal/access"
)

type memoryEntry struct {
	session   *access.Session
	createdAt time.Time
}

// MemoryCache is an in-process LRU bounded by capacity whose entries expire
// after ttl.
type MemoryCache struct {
	lru *expirable.LRU[string, memoryEntry]
	ttl time.Duration
	now func() time.Time
}

// NewMemoryCache creates a cache holding at most capacity sessions.
func NewMemoryCache(capacity int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		lru: expirable.NewLRU[string, memoryEntry](capacity, nil, ttl),
		ttl: ttl,
		now: time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*access.Session, error) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, nil
	}
	if c.now().Sub(e.createdAt) >= c.ttl {
		c.lru.Remove(key)
		return nil, nil
	}
	return e.session, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, s *access.Session) error {
	c.lru.Add(key, memoryEntry{session: s, createdAt: c.now()})
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}
