package coordination

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hgschmie/marathon/scheduler"
)

const frameworkIDKey = "marathon:framework_id"

// FrameworkIDStore is a Redis-backed scheduler.FrameworkIDStore. It shares
// the same Redis client as Elector so the framework id survives leader
// handovers the way spec.md §6 requires, without a separate durable store.
type FrameworkIDStore struct {
	redis *redis.Client
}

// NewFrameworkIDStore returns a store backed by redisClient.
func NewFrameworkIDStore(redisClient *redis.Client) *FrameworkIDStore {
	return &FrameworkIDStore{redis: redisClient}
}

// Load implements scheduler.FrameworkIDStore.
func (s *FrameworkIDStore) Load(ctx context.Context) (string, bool, error) {
	val, err := s.redis.Get(ctx, frameworkIDKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("coordination: loading framework id: %w", err)
	}
	return val, true, nil
}

// Save implements scheduler.FrameworkIDStore.
func (s *FrameworkIDStore) Save(ctx context.Context, frameworkID string) error {
	if err := s.redis.Set(ctx, frameworkIDKey, frameworkID, 0).Err(); err != nil {
		return fmt.Errorf("coordination: persisting framework id: %w", err)
	}
	return nil
}

var _ scheduler.FrameworkIDStore = (*FrameworkIDStore)(nil)
