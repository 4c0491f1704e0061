package limiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/parkerroan/rategate/limiter"
	"github.com/parkerroan/rategate/rule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBackend_Sweep(t *testing.T) {
	b := limiter.NewLocalBackend()
	ctx := context.Background()

	short := rule.Rule{Name: "short", Limit: 5, Window: time.Second}
	long := rule.Rule{Name: "long", Limit: 5, Window: time.Hour}

	_, err := b.Consume(ctx, "alice", short, 1, t0)
	require.NoError(t, err)
	_, err = b.Consume(ctx, "alice", long, 1, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Len())

	assert.Equal(t, 0, b.Sweep(t0.Add(500*time.Millisecond)))
	assert.Equal(t, 1, b.Sweep(t0.Add(time.Second)))
	assert.Equal(t, 1, b.Len())

	res, err := b.Check(ctx, "alice", long, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Used)
}

func TestLocalBackend_UnlimitedCreatesNoState(t *testing.T) {
	b := limiter.NewLocalBackend()
	_, err := b.Consume(context.Background(), "alice", rule.Rule{Name: "free", Limit: rule.Unlimited, Window: time.Second}, 1, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())
}

func TestLocalBackend_OutOfOrderTimestamps(t *testing.T) {
	b := limiter.NewLocalBackend()
	ctx := context.Background()
	r := rule.Rule{Name: "api", Limit: 3, Window: 10 * time.Second}

	for _, offset := range []time.Duration{3 * time.Second, time.Second, 2 * time.Second} {
		res, err := b.Consume(ctx, "alice", r, 1, t0.Add(offset))
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := b.Check(ctx, "alice", r, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(11*time.Second), res.ResetAt)

	// Only the timestamp at +1s has left the window.
	res, err = b.Check(ctx, "alice", r, t0.Add(11*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Used)
	assert.Equal(t, t0.Add(12*time.Second), res.ResetAt)
}

func BenchmarkLocalBackend(b *testing.B) {
	backend := limiter.NewLocalBackend()
	r := rule.Rule{Name: "api", Limit: 10, Window: time.Second}
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < b.N; i++ {
		_, _ = backend.Consume(ctx, "bench", r, 1, now.Add(time.Duration(i)*time.Millisecond))
	}
}
