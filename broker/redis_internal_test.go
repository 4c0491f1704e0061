package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadInitialMessageID(t *testing.T) {
	now := time.UnixMilli(1_700_000_060_000)

	rb := NewRedisBroker(nil)
	assert.Equal(t, "$", rb.loadInitialMessageID(now))

	rb = NewRedisBroker(nil, WithInitLoadOffset(time.Minute))
	assert.Equal(t, "1700000000000-0", rb.loadInitialMessageID(now))
}

func TestDecodeEvents(t *testing.T) {
	events, err := decodeEvents(map[string]interface{}{
		"events": `[{"instance_id":"a","kind":"VIOLATION","identifier":"x","resource":"login","timestamp":"2023-11-14T22:13:20Z"}]`,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "x", events[0].Identifier)

	_, err = decodeEvents(map[string]interface{}{})
	assert.Error(t, err)

	_, err = decodeEvents(map[string]interface{}{"events": "{"})
	assert.Error(t, err)
}
