package mfa

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// pendingSetup is the ephemeral state held between setup initiation and
// verification. The unencrypted secret lives only here, under a short TTL;
// nothing touches the durable store until the user proves possession.
type pendingSetup struct {
	UserID       int64  `json:"user_id"`
	Secret       []byte `json:"secret"`
	SecretBase32 string `json:"secret_b32"`
}

// SetupCache stores pending setups in Redis keyed by the random setup token.
type SetupCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSetupCache constructs a SetupCache.
func NewSetupCache(client *redis.Client, ttl time.Duration) *SetupCache {
	return &SetupCache{client: client, ttl: ttl}
}

func setupKey(token string) string {
	return "mfa:setup:" + token
}

// Put stores the pending setup under its token.
func (c *SetupCache) Put(ctx context.Context, token string, setup pendingSetup) error {
	payload, err := json.Marshal(setup)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, setupKey(token), payload, c.ttl).Err()
}

// Get returns the pending setup or nil when the token is unknown or expired.
func (c *SetupCache) Get(ctx context.Context, token string) (*pendingSetup, error) {
	payload, err := c.client.Get(ctx, setupKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var setup pendingSetup
	if err := json.Unmarshal(payload, &setup); err != nil {
		return nil, err
	}
	return &setup, nil
}

// Discard removes the pending setup once consumed.
func (c *SetupCache) Discard(ctx context.Context, token string) error {
	return c.client.Del(ctx, setupKey(token)).Err()
}
