// internal/app/store/checkpoints/redis.go
package checkpointstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
)

// DefaultRedisPrefix namespaces checkpoint keys.
const DefaultRedisPrefix = "workwatch:checkpoint:"

// RedisStore keeps checkpoints as raw BSON strings under prefix+name.
// Keys never expire.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis-backed checkpoint store.
func NewRedis(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Load returns the saved token for the watcher, or nil if none was saved.
func (s *RedisStore) Load(ctx context.Context, name string) (bson.Raw, error) {
	b, err := s.client.Get(ctx, s.prefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw := bson.Raw(b)
	if err := raw.Validate(); err != nil {
		// A corrupt token is treated as absent; the watcher starts from now.
		return nil, nil
	}
	return raw, nil
}

// Save stores the watcher's token.
func (s *RedisStore) Save(ctx context.Context, name string, token bson.Raw) error {
	return s.client.Set(ctx, s.prefix+name, []byte(token), 0).Err()
}

// Clear removes the watcher's checkpoint.
func (s *RedisStore) Clear(ctx context.Context, name string) error {
	return s.client.Del(ctx, s.prefix+name).Err()
}
