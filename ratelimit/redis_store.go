package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCounterStore implements CounterStore on Redis sorted sets so
// counters are shared across worker processes. Each call is one member
// scored by its timestamp; the pipeline trims, adds and counts in a
// single round trip.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

func NewRedisCounterStore(client *redis.Client, prefix string) *RedisCounterStore {
	return &RedisCounterStore{client: client, prefix: prefix}
}

func (r *RedisCounterStore) key(scope string) string {
	return fmt.Sprintf("%s:ratelimit:%s", r.prefix, scope)
}

func (r *RedisCounterStore) overrideKey(scope string) string {
	return fmt.Sprintf("%s:ratelimit-override:%s", r.prefix, scope)
}

func (r *RedisCounterStore) Increment(ctx context.Context, scope string, now time.Time, window time.Duration) (int64, error) {
	key := r.key(scope)
	cutoff := now.Add(-window)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	return card.Val(), nil
}

func (r *RedisCounterStore) SetOverride(ctx context.Context, scope string, remaining int64, reset time.Duration) error {
	if err := r.client.Set(ctx, r.overrideKey(scope), remaining, reset).Err(); err != nil {
		return fmt.Errorf("failed to set quota override: %w", err)
	}
	return nil
}

func (r *RedisCounterStore) GetOverride(ctx context.Context, scope string) (int64, bool, error) {
	val, err := r.client.Get(ctx, r.overrideKey(scope)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read quota override: %w", err)
	}
	return val, true, nil
}

var _ CounterStore = (*RedisCounterStore)(nil)
