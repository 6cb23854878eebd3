package cache

import (
	"context"
	"sync"
	"time"

	"feedhub/internal/market"
)

// Memory is an in-process cache. A zero ttl keeps entries until overwritten.
type Memory struct {
	mu   sync.RWMutex
	data map[market.ConfigKey]Entry
	ttl  time.Duration
	now  func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{data: make(map[market.ConfigKey]Entry), ttl: ttl, now: time.Now}
}

func (c *Memory) Set(_ context.Context, e Entry) error {
	if e.Key == "" {
		return nil
	}
	c.mu.Lock()
	c.data[e.Key] = e
	c.mu.Unlock()
	return nil
}

func (c *Memory) Get(_ context.Context, key market.ConfigKey) (Entry, error) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, ErrMiss
	}
	if c.ttl > 0 && c.now().Sub(e.ObservedAt) > c.ttl {
		return Entry{}, ErrMiss
	}
	return e, nil
}

func (c *Memory) Delete(_ context.Context, key market.ConfigKey) error {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
	return nil
}

// Len is the number of stored entries, expired ones included.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
