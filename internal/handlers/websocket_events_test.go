package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/common"
	"github.com/ternarybob/laboro/internal/interfaces"
	"github.com/ternarybob/laboro/internal/models"
	"github.com/ternarybob/laboro/internal/services/events"
)

func TestEventSubscriberBridgesEvents(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	defer eventService.Close()

	handler := NewWebSocketHandler(logger)
	NewEventSubscriber(handler, eventService, logger, nil)

	server, conn := dialTestServer(t, handler)
	defer server.Close()
	defer conn.Close()

	msg := readMessage(t, conn)
	require.Equal(t, "status", msg.Type)

	// PublishSync so the broadcast lands before the read below
	err := eventService.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobCompleted,
		Payload: sampleJob("5", "u", models.PhaseCompleted).Description(),
	})
	require.NoError(t, err)

	msg = readMessage(t, conn)
	assert.Equal(t, "job_completed", msg.Type)

	payload, err := json.Marshal(msg.Payload)
	require.NoError(t, err)
	var desc map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &desc))
	assert.Equal(t, "5", desc["job_id"])
}

func TestEventSubscriberWhitelist(t *testing.T) {
	logger := arbor.NewLogger()
	s := NewEventSubscriber(NewWebSocketHandler(logger), nil, logger, &common.WebSocketConfig{
		AllowedEvents: []string{"job_completed", "job_failed"},
	})

	assert.True(t, s.shouldBroadcastEvent("job_completed"))
	assert.True(t, s.shouldBroadcastEvent("job_failed"))
	assert.False(t, s.shouldBroadcastEvent("job_queued"))
}

func TestEventSubscriberAllowsAllByDefault(t *testing.T) {
	logger := arbor.NewLogger()
	s := NewEventSubscriber(NewWebSocketHandler(logger), nil, logger, nil)

	assert.True(t, s.shouldBroadcastEvent("job_created"))
	assert.True(t, s.shouldBroadcastEvent("job_deleted"))
}

func TestEventSubscriberThrottling(t *testing.T) {
	logger := arbor.NewLogger()
	s := NewEventSubscriber(NewWebSocketHandler(logger), nil, logger, &common.WebSocketConfig{
		ThrottleIntervals: map[string]string{"job_queued": "1h"},
	})

	assert.True(t, s.shouldBroadcastEvent("job_queued"))
	assert.False(t, s.shouldBroadcastEvent("job_queued"))

	// Other event types are unaffected by the throttler
	assert.True(t, s.shouldBroadcastEvent("job_completed"))
}

func TestEventSubscriberBadThrottleInterval(t *testing.T) {
	logger := arbor.NewLogger()
	s := NewEventSubscriber(NewWebSocketHandler(logger), nil, logger, &common.WebSocketConfig{
		ThrottleIntervals: map[string]string{"job_queued": "not-a-duration"},
	})

	// Unparsable intervals are skipped rather than blocking the event
	for i := 0; i < 3; i++ {
		assert.True(t, s.shouldBroadcastEvent("job_queued"))
	}
}
