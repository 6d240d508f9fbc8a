package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pulseline/fitsync/domain"
)

// Locker implements domain.Locker with SET NX PX. The TTL bounds how
// long a crashed holder can block others; release only deletes the key
// when the holder token still matches.
type Locker struct {
	client *redis.Client
	prefix string
}

func NewLocker(client *redis.Client, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	redisKey := fmt.Sprintf("%s:lock:%s", l.prefix, key)
	holder := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, holder, ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return func() {}, false, nil
	}

	release := func() {
		// Use a fresh context so release still runs when the caller's
		// context was already canceled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, holder).Err(); err != nil {
			log.Warn().Err(err).Str("lock", key).Msg("failed to release lock, TTL will reap it")
		}
	}
	return release, true, nil
}

var _ domain.Locker = (*Locker)(nil)
