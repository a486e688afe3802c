package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a read-through accelerator for session lookups. It is never
// authoritative: a miss or any suspicious signal forces a durable read.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache constructs a session cache.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func cacheKey(id string) string {
	return "session:" + id
}

// Get returns the cached session or nil on miss.
func (c *Cache) Get(ctx context.Context, id string) (*Session, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	payload, err := c.client.Get(ctx, cacheKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Set stores the session with the configured TTL.
func (c *Cache) Set(ctx context.Context, sess *Session) error {
	if c == nil || c.client == nil || sess == nil {
		return nil
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(sess.ID), payload, c.ttl).Err()
}

// Delete drops the cache entry.
func (c *Cache) Delete(ctx context.Context, id string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKey(id)).Err()
}

// Extend refreshes the entry's TTL without rewriting the payload.
func (c *Cache) Extend(ctx context.Context, id string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Expire(ctx, cacheKey(id), c.ttl).Err()
}
