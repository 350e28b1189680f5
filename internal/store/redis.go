package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists the shared keys in Redis, where the other
// on-device processes already look for them.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	// No TTL, the values stay valid until replaced
	return s.client.Set(ctx, key, value, 0).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
