/*
Package rategate provides a rate limiting engine that can be shared by many
servers to limit requests per identifier over sliding time windows.

A Gate resolves the rule for an (identifier, resource) pair, consults the block
manager, and consumes tokens from a backend. Rules come from tiers assigned to
identifiers, with the rule registry as a fallback. Backends and block managers
are either in memory or in Redis, so several processes can share one view of
every window.

# Local gate
Example:

	import (
		"time"
		"github.com/parkerroan/rategate"
		"github.com/parkerroan/rategate/rule"
	)

	gate, _ := rategate.New()
	_ = gate.SetRule(rule.Rule{Name: "login", Limit: 5, Window: time.Minute, BlockDuration: 15 * time.Minute})

	d, err := gate.Evaluate(ctx, "203.0.113.7", "login", 1)

# Distributed gate
Example:

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	gate, _ := rategate.New(
		rategate.WithBackend(limiter.NewRedisBackend(rdb)),
		rategate.WithBlockManager(block.NewRedisManager(rdb)),
		rategate.WithBroker(broker.NewRedisBroker(rdb)),
	)
	_ = gate.Start(ctx)
	defer gate.Close()

When the backend cannot be reached the gate fails open: the request is allowed
and the decision carries ReasonFailOpen and the error.

HTTPMiddleware adapts a gate to net/http and gorilla/mux.
*/
package rategate
