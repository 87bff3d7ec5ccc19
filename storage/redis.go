package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "easel:blob:"

// RedisStore implements BlobStore on Redis. Each blob lives in a hash
// with data and content_type fields.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client as a blob store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	err := s.client.HSet(ctx, redisKeyPrefix+key,
		"data", data,
		"content_type", contentType,
	).Err()
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Blob, error) {
	vals, err := s.client.HGetAll(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return &Blob{
		Data:        []byte(vals["data"]),
		ContentType: vals["content_type"],
	}, nil
}

func (s *RedisStore) Close() error { return nil }
