package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/laboro/internal/interfaces"
	"github.com/ternarybob/laboro/internal/models"
)

// WorkerPool runs registered actors against messages on one named queue.
// When a finished message carries OnSuccess or OnFailure, the outcome is
// enqueued for that actor on the pool's callback queue.
type WorkerPool struct {
	manager       *Manager
	queueName     string
	callbackQueue string
	config        Config
	actors        map[string]interfaces.ActorFunc
	logger        arbor.ILogger
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewWorkerPool creates a worker pool for the named queue. callbackQueue
// receives outcome messages; pass "" for a pool whose actors have no
// callbacks of their own (the callback pool itself).
func NewWorkerPool(manager *Manager, config Config, queueName, callbackQueue string, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	defaults := NewDefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}

	return &WorkerPool{
		manager:       manager,
		queueName:     queueName,
		callbackQueue: callbackQueue,
		config:        config,
		actors:        make(map[string]interfaces.ActorFunc),
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// RegisterActor registers the function invoked for messages naming the actor
func (wp *WorkerPool) RegisterActor(name string, actor interfaces.ActorFunc) {
	wp.actors[name] = actor
	wp.logger.Debug().
		Str("queue", wp.queueName).
		Str("actor", name).
		Msg("Actor registered")
}

// Start starts the worker goroutines
func (wp *WorkerPool) Start() error {
	wp.logger.Info().
		Str("queue", wp.queueName).
		Int("concurrency", wp.config.Concurrency).
		Msg("Starting worker pool")

	for i := 0; i < wp.config.Concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	return nil
}

// Stop cancels the workers and waits for in-flight messages to finish
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().
		Str("queue", wp.queueName).
		Msg("Stopping worker pool")
	wp.cancel()
	wp.wg.Wait()
	return nil
}

func (wp *WorkerPool) worker(workerID int) {
	defer wp.wg.Done()

	// Stagger worker starts so pollers spread across the interval
	stagger := (wp.config.PollInterval / time.Duration(wp.config.Concurrency)) * time.Duration(workerID)
	if stagger > 0 {
		select {
		case <-wp.ctx.Done():
			return
		case <-time.After(stagger):
		}
	}

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Str("queue", wp.queueName).
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			// Drain until the queue is empty, then wait for the next tick
			for wp.ctx.Err() == nil {
				err := wp.processMessage(workerID)
				if err == nil {
					continue
				}
				if !errors.Is(err, ErrNoMessage) {
					wp.logger.Warn().
						Err(err).
						Str("queue", wp.queueName).
						Int("worker_id", workerID).
						Msg("Error processing message")
				}
				break
			}
		}
	}
}

func (wp *WorkerPool) processMessage(workerID int) error {
	msg, deleteFn, err := wp.manager.Receive(wp.ctx, wp.queueName)
	if err != nil {
		return err
	}

	actor, ok := wp.actors[msg.Actor]
	if !ok {
		wp.logger.Error().
			Str("queue", wp.queueName).
			Str("actor", msg.Actor).
			Str("message_id", msg.ID).
			Msg("No actor registered for message")
		if delErr := deleteFn(); delErr != nil {
			wp.logger.Warn().Err(delErr).Msg("Failed to delete unroutable message")
		}
		return nil
	}

	wp.logger.Debug().
		Str("queue", wp.queueName).
		Str("actor", msg.Actor).
		Str("message_id", msg.ID).
		Int("worker_id", workerID).
		Msg("Processing message")

	actorCtx := wp.ctx
	if msg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		actorCtx, cancel = context.WithTimeout(wp.ctx, time.Duration(msg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	payload, actorErr := actor(actorCtx, wp.actorArgs(msg))
	duration := time.Since(start)

	if actorErr != nil {
		wp.logger.Error().
			Err(actorErr).
			Str("queue", wp.queueName).
			Str("actor", msg.Actor).
			Str("message_id", msg.ID).
			Dur("duration", duration).
			Msg("Actor failed")
		wp.dispatchFailure(msg, actorErr)
	} else {
		wp.logger.Info().
			Str("queue", wp.queueName).
			Str("actor", msg.Actor).
			Str("message_id", msg.ID).
			Dur("duration", duration).
			Msg("Actor completed")
		wp.dispatchSuccess(msg, payload)
	}

	if err := deleteFn(); err != nil {
		wp.logger.Warn().
			Err(err).
			Str("message_id", msg.ID).
			Msg("Failed to delete processed message")
		return err
	}
	return actorErr
}

// actorArgs clones the message args and injects the delivery's message id,
// the equivalent of the queue exposing its current message to the actor.
// Callback messages already name the originating work message; that id is
// the one their actors must see, so an existing value is left alone.
func (wp *WorkerPool) actorArgs(msg *Message) map[string]interface{} {
	args := make(map[string]interface{}, len(msg.Args)+1)
	for k, v := range msg.Args {
		args[k] = v
	}
	if _, ok := args["message_id"]; !ok {
		args["message_id"] = msg.ID
	}
	return args
}

func (wp *WorkerPool) dispatchSuccess(msg *Message, payload map[string]interface{}) {
	if wp.callbackQueue == "" || msg.OnSuccess == "" {
		return
	}

	args := wp.actorArgs(msg)
	for k, v := range payload {
		args[k] = v
	}
	wp.enqueueCallback(msg, msg.OnSuccess, args)
}

func (wp *WorkerPool) dispatchFailure(msg *Message, actorErr error) {
	if wp.callbackQueue == "" || msg.OnFailure == "" {
		return
	}

	// The failure travels as a {type, message} envelope. Structured task
	// errors keep their fields by serializing themselves into message.
	errType := "Error"
	errMessage := actorErr.Error()
	var taskErr *models.TaskError
	if errors.As(actorErr, &taskErr) {
		errType = models.TaskErrorType
		errMessage = taskErr.Error()
	}

	args := wp.actorArgs(msg)
	args["type"] = errType
	args["message"] = errMessage
	wp.enqueueCallback(msg, msg.OnFailure, args)
}

func (wp *WorkerPool) enqueueCallback(msg *Message, actor string, args map[string]interface{}) {
	callback := &Message{Actor: actor, Args: args}
	if err := wp.manager.Enqueue(wp.ctx, wp.callbackQueue, callback); err != nil {
		wp.logger.Error().
			Err(err).
			Str("queue", wp.callbackQueue).
			Str("actor", actor).
			Str("message_id", msg.ID).
			Msg("Failed to enqueue callback")
	}
}
