// Package rule defines named rate limit rules and the registry that serves them.
package rule

import (
	"errors"
	"fmt"
	"time"
)

// Unlimited is the Limit value of a rule that never rejects.
const Unlimited int64 = -1

var (
	// ErrNotFound is returned when no rule exists for a name.
	ErrNotFound = errors.New("rule not found")

	// ErrInvalid is returned when a rule fails validation.
	ErrInvalid = errors.New("invalid rule")
)

// Rule limits an identifier to Limit consumptions within a trailing Window.
// A non-zero BlockDuration blocks the identifier for that long after a violation.
type Rule struct {
	Name          string        `yaml:"name"`
	Limit         int64         `yaml:"limit"`
	Window        time.Duration `yaml:"window"`
	BlockDuration time.Duration `yaml:"block_duration,omitempty"`
}

// Unlimited reports whether the rule skips window accounting entirely.
func (r Rule) Unlimited() bool {
	return r.Limit == Unlimited
}

// Validate checks the rule invariants.
func (r Rule) Validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalid)
	case r.Limit < 0 && r.Limit != Unlimited:
		return fmt.Errorf("%w: %s: limit must be >= 0 or %d, got %d", ErrInvalid, r.Name, Unlimited, r.Limit)
	case r.Window < time.Millisecond:
		// Distributed windows are kept at millisecond resolution.
		return fmt.Errorf("%w: %s: window must be >= 1ms, got %s", ErrInvalid, r.Name, r.Window)
	case r.BlockDuration < 0:
		return fmt.Errorf("%w: %s: block duration must be >= 0, got %s", ErrInvalid, r.Name, r.BlockDuration)
	}
	return nil
}

// Source looks rules up by name.
type Source interface {
	Get(name string) (Rule, error)
}
