package limiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/parkerroan/rategate/limiter"
	"github.com/parkerroan/rategate/rule"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBackend_ErrorsAreBackendUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	b := limiter.NewRedisBackend(client)
	r := rule.Rule{Name: "api", Limit: 5, Window: time.Second}
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	mr.SetError("LOADING Redis is loading the dataset in memory")

	_, err := b.Consume(ctx, "alice", r, 1, t0)
	assert.ErrorIs(t, err, limiter.ErrBackendUnavailable)

	_, err = b.Check(ctx, "alice", r, t0)
	assert.ErrorIs(t, err, limiter.ErrBackendUnavailable)

	err = b.Reset(ctx, "alice", r.Name)
	assert.ErrorIs(t, err, limiter.ErrBackendUnavailable)

	mr.SetError("")
	res, err := b.Consume(ctx, "alice", r, 1, t0)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisBackend_KeyLayoutAndExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b := limiter.NewRedisBackend(client, limiter.WithKeyPrefix("test"))
	r := rule.Rule{Name: "api", Limit: 5, Window: 2 * time.Second}

	_, err := b.Consume(context.Background(), "10.0.0.1", r, 2, t0)
	require.NoError(t, err)

	key := `test:{"10.0.0.1"}:api`
	require.True(t, mr.Exists(key))

	members, err := mr.ZMembers(key)
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.Equal(t, 2*time.Second, mr.TTL(key))

	mr.FastForward(2 * time.Second)
	assert.False(t, mr.Exists(key))
}

func BenchmarkRedisBackend(b *testing.B) {
	backend := newRedisBackend(b)
	r := rule.Rule{Name: "api", Limit: 10, Window: time.Second}
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < b.N; i++ {
		_, _ = backend.Consume(ctx, "bench", r, 1, now.Add(time.Duration(i)*time.Millisecond))
	}
}
