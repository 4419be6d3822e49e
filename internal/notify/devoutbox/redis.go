package devoutbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dev:sms_confirmation:"

// RedisStore is a Store backed by Redis, for dev setups running several server replicas.
type RedisStore struct {
	client *redis.Client
	nowF   func() time.Time
}

// NewRedisStore returns a store using client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, nowF: func() time.Time { return time.Now().UTC() }}
}

// Put stores token for key with a TTL ending at expiresAt. Already expired tokens are not stored.
func (s *RedisStore) Put(ctx context.Context, key, token string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.nowF())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, keyPrefix+key, token, ttl).Err(); err != nil {
		return fmt.Errorf("redis set dev token: %w", err)
	}
	return nil
}

// Get returns the token for key; Redis expiry handles stale entries.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	token, err := s.client.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis get dev token: %w", err)
	}
	return token, true, nil
}
