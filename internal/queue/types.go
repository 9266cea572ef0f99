package queue

import (
	"errors"
	"time"
)

// ErrNoMessage is returned by Receive when no message is currently visible
var ErrNoMessage = errors.New("no message")

// Message is one unit of work on a named queue. Args is the payload handed
// to the actor; OnSuccess and OnFailure name callback actors that receive
// the outcome of the delivery.
type Message struct {
	ID           string                 `json:"id"`
	Queue        string                 `json:"queue"`
	Actor        string                 `json:"actor"`
	Args         map[string]interface{} `json:"args"`
	TimeoutMs    int64                  `json:"timeout_ms,omitempty"`
	OnSuccess    string                 `json:"on_success,omitempty"`
	OnFailure    string                 `json:"on_failure,omitempty"`
	EnqueuedAt   time.Time              `json:"enqueued_at"`
	VisibleAt    time.Time              `json:"visible_at"`
	ReceiveCount int                    `json:"receive_count"`
}
