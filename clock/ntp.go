package clock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
	"github.com/jpillora/backoff"
	"golang.org/x/exp/slog"
)

// QueryFunc returns the offset between the local clock and the time source at host.
type QueryFunc func(host string) (time.Duration, error)

// NTP is a Clock corrected by the offset reported by an NTP server. Processes that
// share a distributed backend should use it so their sliding windows line up.
type NTP struct {
	host   string
	query  QueryFunc
	every  time.Duration
	offset atomic.Int64

	backoff *backoff.Backoff
	logger  *slog.Logger
}

// NewNTP returns an NTP clock for host. The offset starts at zero until Sync or
// Start succeeds.
func NewNTP(host string, opts ...func(*NTP)) *NTP {
	c := &NTP{
		host:  host,
		query: queryOffset,
		every: 10 * time.Minute,
		backoff: &backoff.Backoff{
			Min:    time.Second,
			Max:    2 * time.Minute,
			Factor: 2,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithQueryFunc replaces the NTP query, mostly for tests.
func WithQueryFunc(q QueryFunc) func(*NTP) {
	return func(c *NTP) {
		c.query = q
	}
}

// WithResyncInterval sets how often Start refreshes the offset.
// default: 10m
func WithResyncInterval(d time.Duration) func(*NTP) {
	return func(c *NTP) {
		c.every = d
	}
}

// WithNTPLogger sets the logger used for sync failures.
func WithNTPLogger(l *slog.Logger) func(*NTP) {
	return func(c *NTP) {
		c.logger = l
	}
}

// Now returns the local time corrected by the last known offset.
func (c *NTP) Now() time.Time {
	return time.Now().Add(c.Offset())
}

// Offset returns the last offset measured against the server.
func (c *NTP) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

// Sync queries the server once and stores the new offset.
func (c *NTP) Sync() error {
	off, err := c.query(c.host)
	if err != nil {
		return fmt.Errorf("ntp query %s: %w", c.host, err)
	}
	c.offset.Store(int64(off))
	return nil
}

// Start keeps the offset fresh in the background until ctx is done. Failed syncs
// are retried with exponential backoff.
func (c *NTP) Start(ctx context.Context) {
	go func() {
		t := time.NewTimer(0)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}

			if err := c.Sync(); err != nil {
				wait := c.backoff.Duration()
				c.logger.Warn("ntp sync failed",
					slog.String("host", c.host),
					slog.Any("error", err),
					slog.Duration("retry_in", wait))
				t.Reset(wait)
				continue
			}

			c.backoff.Reset()
			t.Reset(c.every)
		}
	}()
}

func queryOffset(host string) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: 2 * time.Second})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}
