package block

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/parkerroan/rategate/limiter"
	"github.com/redis/go-redis/v9"
)

// RedisManager stores each block as a string holding its expiry in Unix
// milliseconds, with a matching PX so Redis drops it on its own.
type RedisManager struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisManager(client redis.UniversalClient, opts ...func(*RedisManager)) *RedisManager {
	m := &RedisManager{
		client: client,
		prefix: "rategate:block",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithKeyPrefix sets the prefix of every block key.
func WithKeyPrefix(prefix string) func(*RedisManager) {
	return func(m *RedisManager) {
		m.prefix = prefix
	}
}

func (m *RedisManager) Lookup(ctx context.Context, identifier, ruleName string, now time.Time) (time.Time, bool, error) {
	k := m.key(identifier, ruleName)

	raw, err := m.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: lookup block: %v", limiter.ErrBackendUnavailable, err)
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: corrupt block %s: %v", limiter.ErrBackendUnavailable, k, err)
	}

	expiresAt := time.UnixMilli(ms)
	if !now.Before(expiresAt) {
		// The caller's clock can run ahead of the server TTL.
		_ = m.client.Del(ctx, k).Err()
		return time.Time{}, false, nil
	}
	return expiresAt, true, nil
}

func (m *RedisManager) Block(ctx context.Context, identifier, ruleName string, now time.Time, d time.Duration) (time.Time, error) {
	expiresAt := now.Add(d)
	if d <= 0 {
		return expiresAt, nil
	}

	err := m.client.Set(ctx, m.key(identifier, ruleName), strconv.FormatInt(expiresAt.UnixMilli(), 10), d).Err()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: set block: %v", limiter.ErrBackendUnavailable, err)
	}
	return expiresAt, nil
}

func (m *RedisManager) Clear(ctx context.Context, identifier, ruleName string) error {
	if err := m.client.Del(ctx, m.key(identifier, ruleName)).Err(); err != nil {
		return fmt.Errorf("%w: clear block: %v", limiter.ErrBackendUnavailable, err)
	}
	return nil
}

func (m *RedisManager) key(identifier, ruleName string) string {
	return m.prefix + ":{" + strconv.Quote(identifier) + "}:" + ruleName
}

var _ Manager = (*RedisManager)(nil)
