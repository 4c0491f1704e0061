package rategate_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/parkerroan/rategate"
	"github.com/parkerroan/rategate/broker"
	"github.com/parkerroan/rategate/clock"
	"github.com/parkerroan/rategate/ipclass"
	"github.com/parkerroan/rategate/rule"
	"github.com/parkerroan/rategate/tier"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClassifier(t *testing.T, clk clock.Clock, opts ...ipclass.Option) *ipclass.Classifier {
	t.Helper()
	tiers, err := tier.NewResolver(
		tier.WithTiers(
			tier.Tier{Name: "basic", Limits: map[string]rule.Rule{
				"login":  {Limit: 5, Window: time.Minute},
				"search": {Limit: 10, Window: time.Minute},
			}},
			tier.Tier{Name: "premium", Limits: map[string]rule.Rule{
				"login":  {Limit: 50, Window: time.Minute},
				"search": {Limit: rule.Unlimited, Window: time.Minute},
			}},
			tier.Tier{Name: "strict", Limits: map[string]rule.Rule{
				"login": {Limit: 1, Window: time.Minute},
			}},
		),
		tier.WithDefaultTier("basic"),
	)
	require.NoError(t, err)

	opts = append([]ipclass.Option{ipclass.WithClock(clk)}, opts...)
	c, err := ipclass.NewClassifier(tiers, opts...)
	require.NoError(t, err)
	return c
}

func TestGate_Blacklisted(t *testing.T) {
	clk := clock.NewFake(t0)
	c := newClassifier(t, clk, ipclass.WithBlacklist("192.0.2.0/24"))
	var rec recorder
	g := newGate(t, clk, nil, rategate.WithPolicy(c), rategate.WithListener(&rec))

	d, err := g.Evaluate(context.Background(), "192.0.2.44", "search", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, rategate.ReasonBlacklisted, d.Reason)
	assert.Equal(t, int64(0), d.Limit)
	assert.Equal(t, int64(0), d.Remaining)

	d, err = g.Check(context.Background(), "192.0.2.44", "search")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	violations, _, _ := rec.snapshot()
	assert.Empty(t, violations)
}

func TestGate_WhitelistedGetsMostPermissive(t *testing.T) {
	clk := clock.NewFake(t0)
	c := newClassifier(t, clk, ipclass.WithWhitelist("10.0.0.0/8"))
	g := newGate(t, clk, nil, rategate.WithPolicy(c))

	d, err := g.Evaluate(context.Background(), "10.20.30.40", "search", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Unlimited())
	assert.Equal(t, "premium", d.Tier)
}

func TestGate_SensitiveViolationDowngrades(t *testing.T) {
	clk := clock.NewFake(t0)
	c := newClassifier(t, clk, ipclass.WithSensitiveResources("login"))
	// The classifier is subscribed as a listener because it is the policy.
	g := newGate(t, clk, nil, rategate.WithPolicy(c))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := g.Evaluate(ctx, "198.51.100.9", "login", 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := g.Evaluate(ctx, "198.51.100.9", "login", 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	assert.Equal(t, ipclass.Suspicious, c.Classify("198.51.100.9"))

	d, err = g.Check(ctx, "198.51.100.9", "login")
	require.NoError(t, err)
	assert.Equal(t, "strict", d.Tier)
	assert.Equal(t, int64(1), d.Limit)

	// Resetting the window does not lift the mark.
	require.NoError(t, g.ResetLimit(ctx, "198.51.100.9", "login"))
	assert.Equal(t, ipclass.Suspicious, c.Classify("198.51.100.9"))

	clk.Advance(ipclass.DefaultSuspicionTTL)
	assert.Equal(t, ipclass.Normal, c.Classify("198.51.100.9"))
}

func TestGate_RemoteViolationsReachOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	clk := clock.NewFake(t0)
	brokerOpts := []func(*broker.RedisBroker){
		broker.WithStream("gate-test"),
		broker.WithInitLoadOffset(time.Hour),
	}

	var recA, recB recorder
	a := newGate(t, clk, []rule.Rule{{Name: "login", Limit: 1, Window: time.Minute}},
		rategate.WithBroker(broker.NewRedisBroker(rdb, brokerOpts...)),
		rategate.WithListener(&recA),
	)
	classifierB := newClassifier(t, clk, ipclass.WithSensitiveResources("login"))
	b := newGate(t, clk, nil,
		rategate.WithPolicy(classifierB),
		rategate.WithBroker(broker.NewRedisBroker(rdb, brokerOpts...)),
		rategate.WithListener(&recB),
	)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer a.Close()
	defer b.Close()

	_, _ = a.Evaluate(ctx, "198.51.100.9", "login", 1)
	d, err := a.Evaluate(ctx, "198.51.100.9", "login", 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	assert.Eventually(t, func() bool {
		return classifierB.Classify("198.51.100.9") == ipclass.Suspicious
	}, 5*time.Second, 20*time.Millisecond)

	_, _, remoteB := recB.snapshot()
	assert.Equal(t, []string{"198.51.100.9/login"}, remoteB)

	_, _, remoteA := recA.snapshot()
	assert.Empty(t, remoteA)
}
