package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/parkerroan/rategate/rule"
)

type localKey struct {
	identifier string
	rule       string
}

type localEntry struct {
	mu     sync.Mutex
	log    windowLog
	window time.Duration
}

// LocalBackend keeps windows in process memory. The map lock is only taken for
// writing to create or drop entries; the per-entry mutex serialises the
// check-then-commit of a single key so unrelated keys never contend.
type LocalBackend struct {
	mu      sync.RWMutex
	entries map[localKey]*localEntry
}

// NewLocalBackend returns an empty in-memory backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		entries: make(map[localKey]*localEntry),
	}
}

// Check implements Backend.
func (b *LocalBackend) Check(_ context.Context, identifier string, r rule.Rule, now time.Time) (Result, error) {
	if r.Unlimited() {
		return UnlimitedResult(), nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[localKey{identifier, r.Name}]
	if !ok {
		return newResult(r, r.Limit >= 1, 0, now.Add(r.Window)), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.log.prune(now, r.Window)
	used := e.log.len()
	return newResult(r, used+1 <= r.Limit, used, e.log.resetAt(now, r.Window)), nil
}

// Consume implements Backend.
func (b *LocalBackend) Consume(_ context.Context, identifier string, r rule.Rule, tokens int64, now time.Time) (Result, error) {
	if r.Unlimited() {
		return UnlimitedResult(), nil
	}

	var res Result
	b.withEntry(localKey{identifier, r.Name}, func(e *localEntry) {
		e.window = r.Window
		e.log.prune(now, r.Window)

		used := e.log.len()
		allowed := used+tokens <= r.Limit
		if allowed {
			e.log.add(now, tokens)
			used += tokens
		}
		res = newResult(r, allowed, used, e.log.resetAt(now, r.Window))
	})
	return res, nil
}

// Reset implements Backend.
func (b *LocalBackend) Reset(_ context.Context, identifier, ruleName string) error {
	b.mu.Lock()
	delete(b.entries, localKey{identifier, ruleName})
	b.mu.Unlock()
	return nil
}

// Sweep drops every key whose window is empty at now and returns how many were removed.
func (b *LocalBackend) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for k, e := range b.entries {
		e.mu.Lock()
		e.log.prune(now, e.window)
		empty := e.log.len() == 0
		e.mu.Unlock()

		if empty {
			delete(b.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (b *LocalBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// withEntry runs fn with the entry for k locked, creating it on first use.
// The read lock is held for the duration of fn so Sweep cannot drop the entry
// out from under a commit.
func (b *LocalBackend) withEntry(k localKey, fn func(*localEntry)) {
	for {
		b.mu.RLock()
		if e, ok := b.entries[k]; ok {
			e.mu.Lock()
			fn(e)
			e.mu.Unlock()
			b.mu.RUnlock()
			return
		}
		b.mu.RUnlock()

		b.mu.Lock()
		if _, ok := b.entries[k]; !ok {
			b.entries[k] = &localEntry{}
		}
		b.mu.Unlock()
	}
}

var _ Backend = (*LocalBackend)(nil)
