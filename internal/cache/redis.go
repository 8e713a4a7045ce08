// This file wires go-redis/redis/v8, the only cross-instance layer the
// kernel carries: a cache tier that survives process restarts, and a
// publish/subscribe "wake" signal so directive workers notice new work
// faster than their poll interval without busy-polling Redis itself.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/omniman/kernel/internal/domain"
)

const wakeChannel = "omniman:directives:wake"

// RedisCache stores channels in Redis under a TTL (GetChannel/SetChannel)
// and carries the directive wake signal. It is a standalone tier: a miss
// here does not consult ChannelCache or the store.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache dials addrURL (a redis:// URL) and returns a RedisCache
// with the given TTL for cached channel entries.
func NewRedisCache(addrURL string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(addrURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parsing redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCache{client: redis.NewClient(opt), ttl: ttl}, nil
}

func channelKey(code string) string { return "omniman:channel:" + code }

// GetChannel looks up a cached channel by code.
func (c *RedisCache) GetChannel(ctx context.Context, code string) (domain.Channel, bool) {
	raw, err := c.client.Get(ctx, channelKey(code)).Bytes()
	if err != nil {
		return domain.Channel{}, false
	}
	var ch domain.Channel
	if err := json.Unmarshal(raw, &ch); err != nil {
		return domain.Channel{}, false
	}
	return ch, true
}

// SetChannel caches channel under its code with the configured TTL.
func (c *RedisCache) SetChannel(ctx context.Context, channel domain.Channel) error {
	raw, err := json.Marshal(channel)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, channelKey(channel.Code), raw, c.ttl).Err()
}

// InvalidateChannel drops one channel's cached entry.
func (c *RedisCache) InvalidateChannel(ctx context.Context, code string) error {
	return c.client.Del(ctx, channelKey(code)).Err()
}

// PublishWake notifies subscribed directive workers that new work is
// available, called by the modify/commit engines right after
// EnqueueDirective so a worker blocked in WaitForWake doesn't have to
// wait out its poll interval.
func (c *RedisCache) PublishWake(ctx context.Context, topic string) error {
	return c.client.Publish(ctx, wakeChannel, topic).Err()
}

// WaitForWake blocks until a wake signal arrives, the context is
// cancelled, or timeout elapses, returning the topic that was published
// (or "" on timeout/cancellation). Callers still fall back to their own
// ticker — this only shortens the common-case latency.
func (c *RedisCache) WaitForWake(ctx context.Context, timeout time.Duration) string {
	sub := c.client.Subscribe(ctx, wakeChannel)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		return ""
	}
	return msg.Payload
}

// Close releases the underlying Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
