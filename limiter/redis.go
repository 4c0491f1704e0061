package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/parkerroan/rategate/rule"
	"github.com/redis/go-redis/v9"
)

// windowScript prunes, counts and conditionally commits in one round trip so
// concurrent callers sharing the key can never both take the last slot.
// Scores are passed as strings so large millisecond values are never
// reformatted by the Lua number conversion.
//
// KEYS[1] window key
// ARGV[1] now (ms), ARGV[2] prune cutoff (ms), ARGV[3] window (ms),
// ARGV[4] limit, ARGV[5] tokens, ARGV[6] "1" to commit, ARGV[7] member prefix
//
// Returns {allowed, used, oldestMs} with oldestMs -1 for an empty window.
var windowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[4])
local tokens = tonumber(ARGV[5])
local commit = ARGV[6] == "1"

redis.call("ZREMRANGEBYSCORE", key, "-inf", ARGV[2])
local used = redis.call("ZCARD", key)

local allowed = 0
if used + tokens <= limit then
	allowed = 1
	if commit then
		for i = 1, tokens do
			redis.call("ZADD", key, ARGV[1], ARGV[7] .. ":" .. i)
		end
		used = used + tokens
		redis.call("PEXPIRE", key, ARGV[3])
	end
end

local oldest = -1
local head = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if #head == 2 then
	oldest = tonumber(head[2])
end

return {allowed, used, oldest}
`)

// RedisBackend keeps each window in a Redis sorted set scored by consumption
// time in milliseconds. Times always come from the caller, so every process
// sharing the server must share a clock source (see clock.NTP).
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend returns a backend storing windows through client.
func NewRedisBackend(client redis.UniversalClient, opts ...func(*RedisBackend)) *RedisBackend {
	b := &RedisBackend{
		client: client,
		prefix: "rategate:window",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithKeyPrefix sets the prefix of every window key.
func WithKeyPrefix(prefix string) func(*RedisBackend) {
	return func(b *RedisBackend) {
		b.prefix = prefix
	}
}

// Check implements Backend.
func (b *RedisBackend) Check(ctx context.Context, identifier string, r rule.Rule, now time.Time) (Result, error) {
	return b.run(ctx, identifier, r, 1, now, false)
}

// Consume implements Backend.
func (b *RedisBackend) Consume(ctx context.Context, identifier string, r rule.Rule, tokens int64, now time.Time) (Result, error) {
	return b.run(ctx, identifier, r, tokens, now, true)
}

// Reset implements Backend.
func (b *RedisBackend) Reset(ctx context.Context, identifier, ruleName string) error {
	if err := b.client.Del(ctx, b.key(identifier, ruleName)).Err(); err != nil {
		return fmt.Errorf("%w: reset %s: %v", ErrBackendUnavailable, identifier, err)
	}
	return nil
}

func (b *RedisBackend) run(ctx context.Context, identifier string, r rule.Rule, tokens int64, now time.Time, commit bool) (Result, error) {
	if r.Unlimited() {
		return UnlimitedResult(), nil
	}

	commitArg := "0"
	if commit {
		commitArg = "1"
	}

	vals, err := windowScript.Run(ctx, b.client, []string{b.key(identifier, r.Name)},
		now.UnixMilli(),
		now.Add(-r.Window).UnixMilli(),
		r.Window.Milliseconds(),
		r.Limit,
		tokens,
		commitArg,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("%w: unexpected script reply of %d values", ErrBackendUnavailable, len(vals))
	}

	resetAt := now.Add(r.Window)
	if vals[2] >= 0 {
		resetAt = time.UnixMilli(vals[2]).Add(r.Window)
	}
	return newResult(r, vals[0] == 1, vals[1], resetAt), nil
}

// key hash-tags the identifier so every rule of one identifier lands on the
// same cluster slot.
func (b *RedisBackend) key(identifier, ruleName string) string {
	return b.prefix + ":{" + strconv.Quote(identifier) + "}:" + ruleName
}

var _ Backend = (*RedisBackend)(nil)
