package rategate

// Listener is notified synchronously whenever a request is denied for
// exceeding its limit. Requests rejected by an active block or the blacklist
// are not violations. Implementations must be fast and safe for concurrent use.
type Listener interface {
	OnViolation(identifier, resource string)
}

// FailOpenListener is implemented by listeners that also want to know when a
// backend failure let a request through unchecked.
type FailOpenListener interface {
	OnFailOpen(identifier, resource string, err error)
}

// RemoteViolationListener is implemented by listeners that react to
// violations seen by other instances sharing the broker.
type RemoteViolationListener interface {
	OnRemoteViolation(identifier, resource string)
}

// DecisionObserver is implemented by listeners that record every decision.
type DecisionObserver interface {
	ObserveDecision(resource string, d Decision)
}
