package tier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/parkerroan/rategate/limiter"
	"github.com/redis/go-redis/v9"
)

// Assignments persists the identifier to tier mapping.
type Assignments interface {
	Get(ctx context.Context, identifier string) (tierName string, ok bool, err error)
	Set(ctx context.Context, identifier, tierName string) error
}

// MemoryAssignments keeps assignments in a map.
type MemoryAssignments struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemoryAssignments() *MemoryAssignments {
	return &MemoryAssignments{m: make(map[string]string)}
}

func (a *MemoryAssignments) Get(_ context.Context, identifier string) (string, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	name, ok := a.m[identifier]
	return name, ok, nil
}

func (a *MemoryAssignments) Set(_ context.Context, identifier, tierName string) error {
	a.mu.Lock()
	a.m[identifier] = tierName
	a.mu.Unlock()
	return nil
}

// RedisAssignments stores all assignments in a single hash so every process
// sharing the server resolves the same tier.
type RedisAssignments struct {
	client redis.UniversalClient
	key    string
}

func NewRedisAssignments(client redis.UniversalClient, key string) *RedisAssignments {
	if key == "" {
		key = "rategate:tiers"
	}
	return &RedisAssignments{client: client, key: key}
}

func (a *RedisAssignments) Get(ctx context.Context, identifier string) (string, bool, error) {
	name, err := a.client.HGet(ctx, a.key, identifier).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get tier: %v", limiter.ErrBackendUnavailable, err)
	}
	return name, true, nil
}

func (a *RedisAssignments) Set(ctx context.Context, identifier, tierName string) error {
	if err := a.client.HSet(ctx, a.key, identifier, tierName).Err(); err != nil {
		return fmt.Errorf("%w: set tier: %v", limiter.ErrBackendUnavailable, err)
	}
	return nil
}

// CachedAssignments is a read-through cache in front of another store. Writes
// go through this process's cache, so only assignments made by other processes
// can be stale, and for at most the TTL.
type CachedAssignments struct {
	next  Assignments
	cache *ristretto.Cache
	ttl   time.Duration
}

// unassigned is cached for identifiers without an assignment.
const unassigned = ""

// NewCachedAssignments caches up to maxEntries lookups for ttl each.
func NewCachedAssignments(next Assignments, maxEntries int64, ttl time.Duration) (*CachedAssignments, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("tier cache: %w", err)
	}
	return &CachedAssignments{next: next, cache: cache, ttl: ttl}, nil
}

func (a *CachedAssignments) Get(ctx context.Context, identifier string) (string, bool, error) {
	if v, ok := a.cache.Get(identifier); ok {
		name := v.(string)
		return name, name != unassigned, nil
	}

	name, ok, err := a.next.Get(ctx, identifier)
	if err != nil {
		return "", false, err
	}
	if !ok {
		name = unassigned
	}
	a.cache.SetWithTTL(identifier, name, 1, a.ttl)
	return name, ok, nil
}

func (a *CachedAssignments) Set(ctx context.Context, identifier, tierName string) error {
	if err := a.next.Set(ctx, identifier, tierName); err != nil {
		return err
	}
	a.cache.Del(identifier)
	a.cache.SetWithTTL(identifier, tierName, 1, a.ttl)
	// Sets are buffered; make the new value visible before returning.
	a.cache.Wait()
	return nil
}

// Close releases the cache goroutines.
func (a *CachedAssignments) Close() {
	a.cache.Close()
}

var (
	_ Assignments = (*MemoryAssignments)(nil)
	_ Assignments = (*RedisAssignments)(nil)
	_ Assignments = (*CachedAssignments)(nil)
)
