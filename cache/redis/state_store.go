package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulseline/fitsync/domain"
)

// StateStore implements domain.StateStore on Redis so an OAuth exchange
// callback can be served by any worker process.
type StateStore struct {
	client *redis.Client
	prefix string
}

func NewStateStore(client *redis.Client, prefix string) *StateStore {
	return &StateStore{client: client, prefix: prefix}
}

func (s *StateStore) key(token string) string {
	return fmt.Sprintf("%s:oauthstate:%s", s.prefix, token)
}

func (s *StateStore) Save(ctx context.Context, state *domain.OAuthState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal oauth state: %w", err)
	}
	ttl := time.Until(state.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("oauth state already expired")
	}
	if err := s.client.Set(ctx, s.key(state.Token), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store oauth state: %w", err)
	}
	return nil
}

// Consume redeems a state token exactly once: GETDEL makes read and
// invalidation a single atomic operation.
func (s *StateStore) Consume(ctx context.Context, token string) (*domain.OAuthState, error) {
	data, err := s.client.GetDel(ctx, s.key(token)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}
	var state domain.OAuthState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal oauth state: %w", err)
	}
	return &state, nil
}

var _ domain.StateStore = (*StateStore)(nil)
