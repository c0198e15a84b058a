package continuity

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"scenegen/internal/domain"
)

// RedisBackend keeps documents under continuity:{entity:08d}:{sequence:04d}.
// Records live for the lifetime of the story, so keys carry no TTL.
type RedisBackend struct {
	client redis.Cmdable
}

func NewRedisBackend(client redis.Cmdable) *RedisBackend {
	return &RedisBackend{client: client}
}

// NewRedisClient connects and pings so a bad address fails at boot.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("continuity: ping redis %s: %w", addr, err)
	}
	return client, nil
}

func redisKey(key domain.ContinuityKey) string {
	return fmt.Sprintf("continuity:%08d:%04d", key.EntityID, key.SequenceID)
}

func (b *RedisBackend) Load(ctx context.Context, key domain.ContinuityKey) ([]byte, error) {
	data, err := b.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("continuity: redis get %s: %w", key, err)
	}
	return data, nil
}

func (b *RedisBackend) Save(ctx context.Context, key domain.ContinuityKey, doc []byte) error {
	if err := b.client.Set(ctx, redisKey(key), doc, 0).Err(); err != nil {
		return fmt.Errorf("continuity: redis set %s: %w", key, err)
	}
	return nil
}

var _ Backend = (*RedisBackend)(nil)
