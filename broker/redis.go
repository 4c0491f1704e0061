package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/semaphore"
)

const batchSize = 100

// RedisBroker publishes batches of events to a Redis stream and reads the
// stream back for events from other instances.
type RedisBroker struct {
	id     string
	stream string
	client redis.UniversalClient
	logger *slog.Logger

	// initialLoadOffset replays events this old on startup.
	initialLoadOffset time.Duration
	maxStreamLen      int64
	readBlock         time.Duration

	backoff        *backoff.Backoff
	publishChannel chan Event

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewRedisBroker(rdb redis.UniversalClient, opts ...func(*RedisBroker)) *RedisBroker {
	b := backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: false,
	}

	rb := &RedisBroker{
		id:             uuid.NewString(),
		client:         rdb,
		stream:         "rategate:events",
		logger:         slog.Default(),
		readBlock:      time.Second,
		backoff:        &b,
		publishChannel: make(chan Event, batchSize),
		sem:            semaphore.NewWeighted(int64(100)),
	}

	for _, opt := range opts {
		opt(rb)
	}

	return rb
}

// WithMaxThreads bounds the number of concurrent stream writes.
func WithMaxThreads(maxThreads int) func(*RedisBroker) {
	return func(rb *RedisBroker) {
		rb.sem = semaphore.NewWeighted(int64(maxThreads))
	}
}

// WithStream sets the stream name. Instances only see each other when they use
// the same stream.
// default: "rategate:events"
func WithStream(stream string) func(*RedisBroker) {
	return func(rb *RedisBroker) {
		rb.stream = stream
	}
}

// WithCappedStream trims the stream to roughly maxLen entries on every write.
func WithCappedStream(maxLen int64) func(*RedisBroker) {
	return func(rb *RedisBroker) {
		rb.maxStreamLen = maxLen
	}
}

// WithInitLoadOffset replays events up to offset old when consumption starts,
// so a restarted instance relearns recent violations.
func WithInitLoadOffset(offset time.Duration) func(*RedisBroker) {
	return func(rb *RedisBroker) {
		rb.initialLoadOffset = offset
	}
}

// WithInstanceID overrides the random instance id.
func WithInstanceID(id string) func(*RedisBroker) {
	return func(rb *RedisBroker) {
		rb.id = id
	}
}

func WithLogger(logger *slog.Logger) func(*RedisBroker) {
	return func(rb *RedisBroker) {
		rb.logger = logger
	}
}

// InstanceID identifies this process on the stream.
func (r *RedisBroker) InstanceID() string {
	return r.id
}

// Start runs the publisher and the consumer until ctx is done.
func (r *RedisBroker) Start(ctx context.Context, handlerFunc func(Event)) {
	r.wg.Add(2)

	go func() {
		defer r.wg.Done()
		if err := r.StartPublisher(ctx); err != nil {
			r.logger.Error("error publishing events", slog.Any("error", err.Error()))
		}
	}()

	go func() {
		defer r.wg.Done()
		if err := r.Consume(ctx, handlerFunc); err != nil {
			r.logger.Error("error consuming events", slog.Any("error", err.Error()))
		}
	}()
}

// Wait blocks until the goroutines launched by Start have returned.
func (r *RedisBroker) Wait() {
	r.wg.Wait()
}

// StartPublisher drains the publish channel, writing one stream entry per batch.
func (r *RedisBroker) StartPublisher(ctx context.Context) error {
	for {
		events := make([]Event, 0, batchSize)

		// Block until we receive the first event
		select {
		case event := <-r.publishChannel:
			events = append(events, event)
		case <-ctx.Done():
			return nil
		}

	gather:
		for len(events) < batchSize {
			select {
			case event := <-r.publishChannel:
				events = append(events, event)
			default:
				break gather
			}
		}

		if err := r.sem.Acquire(ctx, 1); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		go func(events []Event) {
			defer r.sem.Release(1)

			// The parent may already be cancelled on shutdown; give the last batch
			// a chance to land.
			publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 500*time.Millisecond)
			defer cancel()

			if err := r.publish(publishCtx, events); err != nil {
				r.logger.Error("error publishing events to redis",
					slog.Any("error", err.Error()),
					slog.Int("events", len(events)),
				)
			}
		}(events)
	}
}

// Publish queues e for the next batch, stamping it with this instance's id.
// It never waits: when the queue is full the event is dropped and
// ErrQueueFull returned.
func (r *RedisBroker) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.InstanceID = r.id
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	select {
	case r.publishChannel <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Consume reads the stream and hands every event published by another
// instance to handlerFunc.
func (r *RedisBroker) Consume(ctx context.Context, handlerFunc func(Event)) error {
	lastMessageID := r.loadInitialMessageID(time.Now())

	for {
		if ctx.Err() != nil {
			return nil
		}

		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{r.stream, lastMessageID},
			Count:   batchSize,
			Block:   r.readBlock,
		}).Result()

		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d := r.backoff.Duration()
			r.logger.Error("error reading events from stream",
				slog.Any("error", err),
				slog.Duration("retry_in", d),
			)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		r.backoff.Reset()

		var wg sync.WaitGroup
		for _, stream := range streams {
			for _, xMessage := range stream.Messages {
				lastMessageID = xMessage.ID

				events, err := decodeEvents(xMessage.Values)
				if err != nil {
					r.logger.Warn("skipping malformed stream entry",
						slog.String("id", xMessage.ID),
						slog.Any("error", err),
					)
					continue
				}

				for _, event := range events {
					if event.InstanceID == r.id {
						continue
					}
					wg.Add(1)
					go func(event Event) {
						defer wg.Done()
						handlerFunc(event)
					}(event)
				}
			}
		}
		wg.Wait()
	}
}

func (r *RedisBroker) loadInitialMessageID(now time.Time) string {
	if r.initialLoadOffset <= 0 {
		return "$"
	}
	// Stream ids start with the entry's Unix time in milliseconds.
	return strconv.FormatInt(now.Add(-r.initialLoadOffset).UnixMilli(), 10) + "-0"
}

func (r *RedisBroker) publish(ctx context.Context, events []Event) error {
	payload, err := json.Marshal(events)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{"events": payload},
	}
	if r.maxStreamLen > 0 {
		args.MaxLen = r.maxStreamLen
		args.Approx = true
	}
	return r.client.XAdd(ctx, args).Err()
}

func decodeEvents(values map[string]interface{}) ([]Event, error) {
	raw, ok := values["events"].(string)
	if !ok {
		return nil, errors.New("missing events field")
	}

	var events []Event
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		return nil, err
	}
	return events, nil
}

var _ Broker = (*RedisBroker)(nil)
