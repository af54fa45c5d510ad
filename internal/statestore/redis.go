package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	statePrefix  = "state:"
	metaPrefix   = "meta:"
	objectPrefix = "obj:"
)

// RedisStore keeps the state tree in redis. Each leaf lives under "state:<path>"
// as a JSON-encoded value, unit metadata under "meta:<path>", object markers
// under "obj:<path>".
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// EnsureObject marks an object node. SETNX keeps the call idempotent.
func (s *RedisStore) EnsureObject(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("statestore: empty path")
	}
	return s.client.SetNX(ctx, objectPrefix+path, "1", 0).Err()
}

// EnsureState declares a leaf with unit metadata.
func (s *RedisStore) EnsureState(ctx context.Context, path, unit string) error {
	if path == "" {
		return errors.New("statestore: empty path")
	}
	if unit == "" {
		return nil
	}
	return s.client.SetNX(ctx, metaPrefix+path, unit, 0).Err()
}

// SetIfChanged writes a value only when the stored JSON encoding differs.
func (s *RedisStore) SetIfChanged(ctx context.Context, path string, value interface{}) error {
	if path == "" {
		return errors.New("statestore: empty path")
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("statestore: encode %s: %w", path, err)
	}

	key := statePrefix + path
	current, err := s.client.Get(ctx, key).Result()
	if err == nil && current == string(encoded) {
		return nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("statestore: read %s: %w", path, err)
	}
	return s.client.Set(ctx, key, encoded, 0).Err()
}
