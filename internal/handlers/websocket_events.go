package handlers

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/common"
	"github.com/ternarybob/laboro/internal/interfaces"
	"golang.org/x/time/rate"
)

// EventSubscriber bridges job lifecycle events onto the monitor WebSocket
// with config-driven filtering and throttling
type EventSubscriber struct {
	handler       *WebSocketHandler
	eventService  interfaces.EventService
	logger        arbor.ILogger
	allowedEvents map[string]bool          // Whitelist of events to broadcast (empty = allow all)
	throttlers    map[string]*rate.Limiter // Rate limiters for high-frequency events
}

// NewEventSubscriber creates and initializes an event subscriber.
// Automatically subscribes to all job lifecycle events.
func NewEventSubscriber(handler *WebSocketHandler, eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *EventSubscriber {
	s := &EventSubscriber{
		handler:      handler,
		eventService: eventService,
		logger:       logger,
	}

	// Empty whitelist means allow all events
	s.allowedEvents = make(map[string]bool)
	if config != nil && len(config.AllowedEvents) > 0 {
		for _, eventType := range config.AllowedEvents {
			s.allowedEvents[eventType] = true
		}
	}

	s.throttlers = make(map[string]*rate.Limiter)
	if config != nil && len(config.ThrottleIntervals) > 0 {
		for eventType, intervalStr := range config.ThrottleIntervals {
			if duration, err := time.ParseDuration(intervalStr); err == nil {
				s.throttlers[eventType] = rate.NewLimiter(rate.Every(duration), 1)
				logger.Debug().
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Throttler initialized for event type")
			} else {
				logger.Warn().
					Err(err).
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Failed to parse throttle interval - skipping throttler")
			}
		}
	}

	if eventService == nil {
		logger.Warn().Msg("EventSubscriber created with nil eventService - subscriptions will be skipped")
		return s
	}

	s.SubscribeAll()

	return s
}

// SubscribeAll registers subscriptions for all job lifecycle events
func (s *EventSubscriber) SubscribeAll() {
	if s.eventService == nil {
		s.logger.Warn().Msg("Cannot subscribe to events - eventService is nil")
		return
	}

	jobEvents := []interfaces.EventType{
		interfaces.EventJobCreated,
		interfaces.EventJobQueued,
		interfaces.EventJobStarted,
		interfaces.EventJobCompleted,
		interfaces.EventJobFailed,
		interfaces.EventJobDeleted,
	}
	for _, eventType := range jobEvents {
		s.eventService.Subscribe(eventType, s.handleJobEvent(eventType))
	}

	s.logger.Info().Msg("EventSubscriber registered for all job lifecycle events (created, queued, started, completed, failed, deleted)")
}

// handleJobEvent builds the bridge for one event type. Every lifecycle event
// forwards the same way, so one closure covers them all.
func (s *EventSubscriber) handleJobEvent(eventType interfaces.EventType) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		if !s.shouldBroadcastEvent(string(eventType)) {
			return nil
		}

		s.handler.BroadcastJobEvent(string(eventType), event.Payload)
		return nil
	}
}

// shouldBroadcastEvent checks if an event should be broadcast based on whitelist and throttling
func (s *EventSubscriber) shouldBroadcastEvent(eventType string) bool {
	// Check whitelist (empty allowedEvents = allow all)
	if len(s.allowedEvents) > 0 && !s.allowedEvents[eventType] {
		return false
	}

	if limiter, ok := s.throttlers[eventType]; ok {
		if !limiter.Allow() {
			s.logger.Debug().
				Str("event_type", eventType).
				Msg("Event throttled - rate limit exceeded")
			return false
		}
	}

	return true
}
