// Package cache provides the kernel's channel-config cache: an in-process
// TTL map plus
// a Redis-backed tier (redis.go) for multi-instance deployments. Channel
// rows change rarely (admin-driven) and are read on every engine call, so
// caching them is the kernel's one hot read path worth short-circuiting.
package cache

import (
	"sync"
	"time"

	"github.com/omniman/kernel/internal/domain"
)

type entry struct {
	channel    domain.Channel
	expiration time.Time
}

// ChannelCache is a thread-safe, in-process TTL cache of Channel rows
// keyed by channel code.
type ChannelCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
}

// NewChannelCache returns a ChannelCache with the given TTL, defaulting to
// 30s (channel config changes are infrequent but should never require a
// restart to propagate).
func NewChannelCache(ttl time.Duration) *ChannelCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ChannelCache{entries: map[string]entry{}, ttl: ttl}
}

// Get returns the cached channel for code, or ok=false on miss or expiry.
func (c *ChannelCache) Get(code string) (domain.Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[code]
	if !ok || time.Now().After(e.expiration) {
		return domain.Channel{}, false
	}
	return e.channel, true
}

// Set stores channel under its own code, resetting the entry's expiry.
func (c *ChannelCache) Set(channel domain.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[channel.Code] = entry{channel: channel, expiration: time.Now().Add(c.ttl)}
}

// Invalidate drops one channel's cached entry, used after an admin update.
func (c *ChannelCache) Invalidate(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, code)
}

// InvalidateAll drops every cached entry.
func (c *ChannelCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]entry{}
}

// Size reports the number of stored entries, expired ones included.
func (c *ChannelCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
