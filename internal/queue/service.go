package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/laboro/internal/interfaces"
)

// Service submits messages to one named queue on a shared manager
type Service struct {
	manager   *Manager
	queueName string
	logger    arbor.ILogger
}

// NewService creates a submission service bound to the named queue
func NewService(manager *Manager, queueName string, logger arbor.ILogger) *Service {
	return &Service{
		manager:   manager,
		queueName: queueName,
		logger:    logger,
	}
}

// Submit enqueues one message for the actor and returns its message id
func (s *Service) Submit(ctx context.Context, actor string, args map[string]interface{}, opts interfaces.SubmitOptions) (string, error) {
	if actor == "" {
		return "", errors.New("actor name is required")
	}

	msg := &Message{
		ID:        uuid.New().String(),
		Actor:     actor,
		Args:      args,
		TimeoutMs: opts.TimeoutMs,
		OnSuccess: opts.OnSuccess,
		OnFailure: opts.OnFailure,
	}

	if err := s.manager.Enqueue(ctx, s.queueName, msg); err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}

	s.logger.Debug().
		Str("queue", s.queueName).
		Str("actor", actor).
		Str("message_id", msg.ID).
		Msg("Message submitted")

	return msg.ID, nil
}

// Length reports the number of messages currently in the queue
func (s *Service) Length(ctx context.Context) (int, error) {
	return s.manager.Length(ctx, s.queueName)
}
