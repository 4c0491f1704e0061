//go:build integration

package broker_test

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/parkerroan/rategate/broker"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	if _, err := os.Stat("test.env"); err == nil {
		if err := godotenv.Load("test.env"); err != nil {
			log.Fatalf("Error loading test.env file: %s", err)
		}
	}
}

func TestRedisBroker_Integration(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr: os.Getenv("REDIS_TEST_URL"),
	})
	defer rdb.Close()

	_, err := rdb.Ping(context.Background()).Result()
	require.NoError(t, err)

	stream := "rategate-integration-" + time.Now().Format("150405.000")
	defer rdb.Del(context.Background(), stream)

	publisher := broker.NewRedisBroker(rdb, broker.WithStream(stream))
	consumer := broker.NewRedisBroker(rdb, broker.WithStream(stream))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	received := make(chan broker.Event, 1)
	consumer.Start(ctx, func(e broker.Event) { received <- e })
	publisher.Start(ctx, func(broker.Event) {})

	// "$" only sees entries written after the first XREAD is issued.
	time.Sleep(200 * time.Millisecond)

	now := time.Now().Truncate(time.Second)
	require.NoError(t, publisher.Publish(ctx, broker.Event{
		Kind:       broker.Violation,
		Identifier: "test-key-1",
		Resource:   "login",
		Timestamp:  now,
	}))

	select {
	case e := <-received:
		assert.Equal(t, publisher.InstanceID(), e.InstanceID)
		assert.Equal(t, "test-key-1", e.Identifier)
		assert.True(t, now.Equal(e.Timestamp))
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}
