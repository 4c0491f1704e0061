// Package limiter implements sliding-window log consumption backends.
//
// Every backend keeps, per (identifier, rule), the timestamps of the consumptions
// that are still inside the rule's window. A timestamp t is part of the window at
// time now while now - window < t, so a request arriving exactly at ResetAt
// already sees the freed slot.
package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/parkerroan/rategate/rule"
)

// ErrBackendUnavailable wraps every storage failure a backend reports.
var ErrBackendUnavailable = errors.New("rate limit backend unavailable")

// Result describes the state of one window after a check or a consume.
type Result struct {
	Allowed   bool
	Used      int64
	Limit     int64
	Remaining int64
	// ResetAt is when the oldest counted timestamp leaves the window. It is the
	// zero time for unlimited rules.
	ResetAt time.Time
}

// Backend is the storage abstraction behind the gate. Implementations must make
// the check-then-commit of Consume atomic per (identifier, rule).
type Backend interface {
	// Check reports whether one more token would be accepted without recording it.
	Check(ctx context.Context, identifier string, r rule.Rule, now time.Time) (Result, error)
	// Consume records tokens at now when they all fit in the window.
	Consume(ctx context.Context, identifier string, r rule.Rule, tokens int64, now time.Time) (Result, error)
	// Reset drops the window for (identifier, ruleName).
	Reset(ctx context.Context, identifier, ruleName string) error
}

// UnlimitedResult is the answer for a rule whose Limit is rule.Unlimited.
func UnlimitedResult() Result {
	return Result{
		Allowed:   true,
		Limit:     rule.Unlimited,
		Remaining: rule.Unlimited,
	}
}

func newResult(r rule.Rule, allowed bool, used int64, resetAt time.Time) Result {
	remaining := r.Limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   allowed,
		Used:      used,
		Limit:     r.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
