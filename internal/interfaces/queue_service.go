package interfaces

import "context"

// SubmitOptions carries per-message delivery settings for Submit
type SubmitOptions struct {
	// TimeoutMs bounds actor execution in milliseconds (0 = queue default)
	TimeoutMs int64

	// OnSuccess and OnFailure name callback actors that receive the outcome
	// of the message's actor
	OnSuccess string
	OnFailure string
}

// QueueService submits work to named actors on the persistent work queue
type QueueService interface {
	// Submit enqueues one message for the actor and returns its message id
	Submit(ctx context.Context, actor string, args map[string]interface{}, opts SubmitOptions) (string, error)

	// Length reports the number of messages in the queue, in flight included
	Length(ctx context.Context) (int, error)
}

// WorkerPool runs registered actors against queue messages
type WorkerPool interface {
	RegisterActor(name string, actor ActorFunc)
	Start() error
	Stop() error
}

// ActorFunc executes one message. The args map is the message payload; the
// returned payload travels to the message's OnSuccess callback, a returned
// error to its OnFailure callback.
type ActorFunc func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)
