package affinity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps bindings in Redis so affinity holds across gateway
// replicas. TTL is enforced by Redis key expiry.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func (s *RedisStore) Lookup(ctx context.Context, consumerID, assistantID string) (string, bool) {
	endpointID, err := s.client.Get(ctx, s.key(consumerID, assistantID)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		s.logger.Warn("affinity lookup failed", zap.Error(err))
		return "", false
	}
	return endpointID, true
}

func (s *RedisStore) Record(ctx context.Context, consumerID, assistantID, endpointID string) {
	if err := s.client.Set(ctx, s.key(consumerID, assistantID), endpointID, s.ttl).Err(); err != nil {
		s.logger.Warn("affinity record failed",
			zap.String("assistant", assistantID),
			zap.Error(err))
	}
}

func (s *RedisStore) key(consumerID, assistantID string) string {
	return fmt.Sprintf("aicentral:affinity:%s:%s", consumerID, assistantID)
}
