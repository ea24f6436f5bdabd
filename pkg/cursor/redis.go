package cursor

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces cursor keys.
const DefaultRedisPrefix = "assetflow:cursor:"

// RedisStore keeps each cursor in a plain string key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps client. An empty prefix selects DefaultRedisPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(instanceID string) string {
	return s.prefix + instanceID
}

func (s *RedisStore) Load(ctx context.Context, instanceID string) (string, error) {
	if err := validateInstance(instanceID); err != nil {
		return "", err
	}
	v, err := s.client.Get(ctx, s.key(instanceID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return v, nil
}

func (s *RedisStore) Save(ctx context.Context, instanceID, cursor string) error {
	if err := validateInstance(instanceID); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(instanceID), cursor, 0).Err(); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func (s *RedisStore) Reset(ctx context.Context, instanceID string) error {
	if err := validateInstance(instanceID); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(instanceID)).Err(); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
