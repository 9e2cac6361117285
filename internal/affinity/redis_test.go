package affinity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ttl, zap.NewNop()), mr
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()

	t.Run("record then lookup", func(t *testing.T) {
		s, mr := newRedisStore(t, time.Minute)
		s.Record(ctx, "team-a", "asst_1", "ep-east")

		id, ok := s.Lookup(ctx, "team-a", "asst_1")
		require.True(t, ok)
		assert.Equal(t, "ep-east", id)

		// Bindings live under a namespaced key with the TTL applied.
		assert.True(t, mr.Exists("aicentral:affinity:team-a:asst_1"))
		assert.Equal(t, time.Minute, mr.TTL("aicentral:affinity:team-a:asst_1"))
	})

	t.Run("miss on unknown pair", func(t *testing.T) {
		s, _ := newRedisStore(t, time.Minute)
		_, ok := s.Lookup(ctx, "team-a", "asst_404")
		assert.False(t, ok)
	})

	t.Run("entries expire with the ttl", func(t *testing.T) {
		s, mr := newRedisStore(t, 100*time.Millisecond)
		s.Record(ctx, "team-a", "asst_1", "ep-east")

		mr.FastForward(200 * time.Millisecond)
		_, ok := s.Lookup(ctx, "team-a", "asst_1")
		assert.False(t, ok)
	})

	t.Run("redis outage degrades to a miss", func(t *testing.T) {
		s, mr := newRedisStore(t, time.Minute)
		mr.Close()

		s.Record(ctx, "team-a", "asst_1", "ep-east")
		_, ok := s.Lookup(ctx, "team-a", "asst_1")
		assert.False(t, ok)
	})
}
