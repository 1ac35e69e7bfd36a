// Package cache is an optional Redis read-through cache for approval views.
// A nil *Cache is valid and disables caching entirely; workflow payloads are
// never cached anywhere.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * time.Second

type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and verifies the connection on startup.
func New(addr string, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &Cache{client: client, ttl: ttl}, nil
}

func approvalKey(id int64) string {
	return fmt.Sprintf("signoff:approval:%d", id)
}

// GetApproval returns a cached approval view, if any. Cache errors are
// treated as misses.
func (c *Cache) GetApproval(ctx context.Context, id int64) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, approvalKey(id)).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *Cache) SetApproval(ctx context.Context, id int64, data []byte) {
	if c == nil {
		return
	}
	c.client.Set(ctx, approvalKey(id), data, c.ttl)
}

// InvalidateApproval drops the cached view after a committed transition.
func (c *Cache) InvalidateApproval(ctx context.Context, id int64) {
	if c == nil {
		return
	}
	c.client.Del(ctx, approvalKey(id))
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
