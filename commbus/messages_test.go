package commbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishJSON(t *testing.T) {
	bus := newTestBus()
	consumer, err := bus.Subscribe(TopicFlow, "flow-service")
	require.NoError(t, err)

	type sample struct {
		Intent string `json:"intent"`
		TurnID string `json:"turn_id"`
	}
	require.NoError(t, PublishJSON(context.Background(), bus, TopicFlow, sample{Intent: "user_input", TurnID: "t-1"}))

	assert.JSONEq(t, `{"intent":"user_input","turn_id":"t-1"}`, string(receiveOne(t, consumer)))
}

func TestPublishJSONRejectsUnmarshalablePayload(t *testing.T) {
	bus := newTestBus()
	err := PublishJSON(context.Background(), bus, TopicFlow, make(chan int))
	require.Error(t, err)
}
