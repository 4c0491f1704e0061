package block

import (
	"context"
	"sync"
	"time"
)

type key struct {
	identifier string
	rule       string
}

// MemoryManager keeps blocks in process memory.
type MemoryManager struct {
	mu     sync.RWMutex
	blocks map[key]time.Time
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{blocks: make(map[key]time.Time)}
}

func (m *MemoryManager) Lookup(_ context.Context, identifier, ruleName string, now time.Time) (time.Time, bool, error) {
	k := key{identifier, ruleName}

	m.mu.RLock()
	expiresAt, ok := m.blocks[k]
	m.mu.RUnlock()

	if !ok {
		return time.Time{}, false, nil
	}
	if !now.Before(expiresAt) {
		m.mu.Lock()
		// Only drop the entry if nobody re-blocked in the meantime.
		if cur, ok := m.blocks[k]; ok && !now.Before(cur) {
			delete(m.blocks, k)
		}
		m.mu.Unlock()
		return time.Time{}, false, nil
	}
	return expiresAt, true, nil
}

func (m *MemoryManager) Block(_ context.Context, identifier, ruleName string, now time.Time, d time.Duration) (time.Time, error) {
	expiresAt := now.Add(d)

	m.mu.Lock()
	m.blocks[key{identifier, ruleName}] = expiresAt
	m.mu.Unlock()

	return expiresAt, nil
}

func (m *MemoryManager) Clear(_ context.Context, identifier, ruleName string) error {
	m.mu.Lock()
	delete(m.blocks, key{identifier, ruleName})
	m.mu.Unlock()
	return nil
}

// Sweep removes blocks that expired at or before now and returns how many were removed.
func (m *MemoryManager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, expiresAt := range m.blocks {
		if !now.Before(expiresAt) {
			delete(m.blocks, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored blocks, expired ones included.
func (m *MemoryManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}

var _ Manager = (*MemoryManager)(nil)
