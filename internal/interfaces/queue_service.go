package interfaces

import (
	"context"
	"time"

	"github.com/aphrodite-media/aphrodite/internal/queue"
)

// QueueManager manages the persistent dispatch queue. Messages carry a
// job ID and priority; receive order is priority then enqueue time.
type QueueManager interface {
	Start() error
	Stop() error
	Enqueue(ctx context.Context, msg *queue.JobMessage) error
	Receive(ctx context.Context) (*queue.Message, error)
	Delete(ctx context.Context, id string) error
	Extend(ctx context.Context, id string, duration time.Duration) error
	Length(ctx context.Context) (int, error)
}

// JobProcessor runs one batch job to a terminal state. The dispatcher
// holds a processor per concurrency slot.
type JobProcessor interface {
	Process(ctx context.Context, jobID string) error
}

// Dispatcher pulls queued jobs and runs them up to the concurrency cap.
type Dispatcher interface {
	Start() error
	Stop() error
	InFlight() []string
}
