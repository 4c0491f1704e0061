package metrics_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/parkerroan/rategate"
	"github.com/parkerroan/rategate/clock"
	"github.com/parkerroan/rategate/metrics"
	"github.com/parkerroan/rategate/rule"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_CountsGateActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector("test")
	require.NoError(t, c.Register(reg))

	g, err := rategate.New(
		rategate.WithClock(clock.NewFake(time.Unix(1_700_000_000, 0))),
		rategate.WithListener(c),
	)
	require.NoError(t, err)
	require.NoError(t, g.SetRule(rule.Rule{Name: "login", Limit: 1, Window: time.Minute, BlockDuration: time.Minute}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := g.Evaluate(ctx, "alice", "login", 1)
		require.NoError(t, err)
	}

	expected := `
# HELP test_decisions_total Rate limit decisions by resource and outcome
# TYPE test_decisions_total counter
test_decisions_total{outcome="allowed",resource="login"} 1
test_decisions_total{outcome="blocked",resource="login"} 1
test_decisions_total{outcome="limit_exceeded",resource="login"} 1
# HELP test_violations_total Requests denied for exceeding their limit
# TYPE test_violations_total counter
test_violations_total{resource="login"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_decisions_total", "test_violations_total"))
}

func TestCollector_FailOpenAndRemote(t *testing.T) {
	c := metrics.NewCollector("")
	c.OnFailOpen("alice", "search", rategate.ErrBackendUnavailable)
	c.OnRemoteViolation("bob", "login")
	c.OnRemoteViolation("bob", "login")

	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	n, err := testutil.GatherAndCount(reg, "rategate_fail_open_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := testutil.GatherAndCount(reg, "rategate_remote_violations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCollector_RegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector("dup")
	require.NoError(t, c.Register(reg))
	assert.Error(t, c.Register(reg))
}
