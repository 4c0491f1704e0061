package clock_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parkerroan/rategate/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_AdvanceAndSet(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)

	assert.Equal(t, start, c.Now())

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, start.Add(1500*time.Millisecond), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestNTP_SyncAppliesOffset(t *testing.T) {
	c := clock.NewNTP("pool.example", clock.WithQueryFunc(func(host string) (time.Duration, error) {
		assert.Equal(t, "pool.example", host)
		return time.Hour, nil
	}))

	require.NoError(t, c.Sync())
	assert.Equal(t, time.Hour, c.Offset())

	diff := c.Now().Sub(time.Now())
	assert.InDelta(t, float64(time.Hour), float64(diff), float64(time.Second))
}

func TestNTP_SyncErrorKeepsOffset(t *testing.T) {
	calls := 0
	c := clock.NewNTP("pool.example", clock.WithQueryFunc(func(string) (time.Duration, error) {
		calls++
		if calls == 1 {
			return 2 * time.Second, nil
		}
		return 0, errors.New("timeout")
	}))

	require.NoError(t, c.Sync())
	require.Error(t, c.Sync())
	assert.Equal(t, 2*time.Second, c.Offset())
}

func TestNTP_StartSyncsInBackground(t *testing.T) {
	var calls atomic.Int32
	c := clock.NewNTP("pool.example",
		clock.WithResyncInterval(10*time.Millisecond),
		clock.WithQueryFunc(func(string) (time.Duration, error) {
			calls.Add(1)
			return time.Minute, nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Minute, c.Offset())
}
