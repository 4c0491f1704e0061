// Package broker shares rate limit events between processes.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrQueueFull is returned by Publish when the event was dropped because the
// outgoing queue is full.
var ErrQueueFull = errors.New("broker publish queue full")

const (
	// Violation is the kind of event published when a request is denied for
	// exceeding its limit.
	Violation = "VIOLATION"
)

// Event is one occurrence published to the other processes.
type Event struct {
	InstanceID string    `json:"instance_id"` // The publishing process
	Kind       string    `json:"kind"`
	Identifier string    `json:"identifier"`
	Resource   string    `json:"resource"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e Event) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// Broker publishes events and delivers the events of other processes. An
// implementation never hands a process its own events back, and Publish
// must not block on the network.
type Broker interface {
	Start(ctx context.Context, handlerFunc func(Event))
	Publish(ctx context.Context, e Event) error
}
