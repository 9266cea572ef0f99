package queue

import "time"

// Config holds configuration for the queue manager and its worker pools
type Config struct {
	// PollInterval is how often workers poll for messages
	PollInterval time.Duration

	// Concurrency is the number of concurrent workers in a pool
	Concurrency int

	// VisibilityTimeout is the redelivery deadline for in-flight messages
	VisibilityTimeout time.Duration

	// MaxReceive is the maximum deliveries before a message is dropped
	MaxReceive int
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		PollInterval:      250 * time.Millisecond,
		Concurrency:       3,
		VisibilityTimeout: 10 * time.Minute,
		MaxReceive:        3,
	}
}
