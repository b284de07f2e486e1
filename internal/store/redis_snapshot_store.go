package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSnapshotStore keeps snapshots as plain string values under a key prefix.
// A zero ttl keeps keys until they are deleted.
type RedisSnapshotStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisSnapshotStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSnapshotStore {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "waitlist:snapshots"
	}
	return &RedisSnapshotStore{client: client, prefix: trimmedPrefix, ttl: ttl}
}

func (s *RedisSnapshotStore) key(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisSnapshotStore) Load(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return b, nil
}

func (s *RedisSnapshotStore) Save(ctx context.Context, key string, data []byte) error {
	return s.client.Set(ctx, s.key(key), data, s.ttl).Err()
}

func (s *RedisSnapshotStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}
