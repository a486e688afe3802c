package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the fast-path permission cache. All methods are nil-safe so the
// engine degrades to durable reads when redis is absent.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache wraps a redis client with the permission TTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func permKey(userID int64) string {
	return "perms:" + strconv.FormatInt(userID, 10)
}

// Get returns the cached permission set, or nil on a miss.
func (c *Cache) Get(ctx context.Context, userID int64) ([]EffectivePermission, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	raw, err := c.client.Get(ctx, permKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var perms []EffectivePermission
	if err := json.Unmarshal(raw, &perms); err != nil {
		return nil, err
	}
	return perms, nil
}

// Set stores the permission set under the configured TTL.
func (c *Cache) Set(ctx context.Context, userID int64, perms []EffectivePermission) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, permKey(userID), raw, c.ttl).Err()
}

// Invalidate drops one user's cached set.
func (c *Cache) Invalidate(ctx context.Context, userID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, permKey(userID)).Err()
}

// InvalidateMany drops several users' cached sets in one round trip.
func (c *Cache) InvalidateMany(ctx context.Context, userIDs []int64) error {
	if c == nil || c.client == nil || len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = permKey(id)
	}
	return c.client.Del(ctx, keys...).Err()
}
