// Package block tracks temporary blocks placed on an identifier after it
// violates a rule that carries a block duration.
package block

import (
	"context"
	"time"
)

// Manager stores blocks keyed by (identifier, rule name). A block is active
// while now is before its expiry; expired blocks are treated as absent.
type Manager interface {
	// Lookup returns the expiry of the active block, if any.
	Lookup(ctx context.Context, identifier, ruleName string, now time.Time) (expiresAt time.Time, blocked bool, err error)
	// Block sets (or replaces) a block lasting d from now and returns its expiry.
	Block(ctx context.Context, identifier, ruleName string, now time.Time, d time.Duration) (time.Time, error)
	// Clear removes any block for (identifier, ruleName).
	Clear(ctx context.Context, identifier, ruleName string) error
}

// IsBlocked reports whether identifier is currently blocked on ruleName.
func IsBlocked(ctx context.Context, m Manager, identifier, ruleName string, now time.Time) (bool, error) {
	_, blocked, err := m.Lookup(ctx, identifier, ruleName, now)
	return blocked, err
}
