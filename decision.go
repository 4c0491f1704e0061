package rategate

import (
	"math"
	"time"

	"github.com/parkerroan/rategate/rule"
)

// Reason explains a decision.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonLimitExceeded Reason = "limit_exceeded"
	ReasonBlocked       Reason = "blocked"
	ReasonBlacklisted   Reason = "blacklisted"
	ReasonFailOpen      Reason = "fail_open"
)

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed bool
	// Blocked is set while the identifier serves a block for an earlier
	// violation, including the violation that placed the block.
	Blocked bool

	Tier string
	Rule string

	// Limit and Remaining are rule.Unlimited for unlimited rules.
	Limit     int64
	Remaining int64
	// ResetAt is when capacity frees up, or the block expires. Zero when
	// there is nothing to wait for.
	ResetAt time.Time

	Reason Reason
	// Err is the backend failure behind a fail-open decision.
	Err error
}

// Unlimited reports whether the decision came from an unlimited rule.
func (d Decision) Unlimited() bool {
	return d.Limit == rule.Unlimited
}

// RetryAfter returns the whole seconds to wait before ResetAt, rounded up.
func (d Decision) RetryAfter(now time.Time) int64 {
	if d.ResetAt.IsZero() || !now.Before(d.ResetAt) {
		return 0
	}
	return int64(math.Ceil(d.ResetAt.Sub(now).Seconds()))
}
