package rategate

import (
	"errors"

	"github.com/parkerroan/rategate/limiter"
	"github.com/parkerroan/rategate/rule"
)

var (
	// ErrInvalidArgument is returned for a missing identifier, rule or resource,
	// or a token count below one.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRuleNotFound is returned when no rule applies to the request.
	ErrRuleNotFound = rule.ErrNotFound

	// ErrBackendUnavailable marks storage failures. The gate never returns it
	// from a limit decision; it is attached to fail-open decisions instead.
	ErrBackendUnavailable = limiter.ErrBackendUnavailable

	// ErrAlreadyStarted is returned by Start on a running gate.
	ErrAlreadyStarted = errors.New("gate already started")
)
