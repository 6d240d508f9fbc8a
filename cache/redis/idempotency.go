package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulseline/fitsync/domain"
)

// IdempotencyStore implements domain.IdempotencyStore with SET NX EX so
// duplicate webhook deliveries are suppressed across processes.
type IdempotencyStore struct {
	client *redis.Client
	prefix string
}

func NewIdempotencyStore(client *redis.Client, prefix string) *IdempotencyStore {
	return &IdempotencyStore{client: client, prefix: prefix}
}

func (s *IdempotencyStore) FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	redisKey := fmt.Sprintf("%s:seen:%s", s.prefix, key)
	first, err := s.client.SetNX(ctx, redisKey, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record delivery key: %w", err)
	}
	return first, nil
}

var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)
