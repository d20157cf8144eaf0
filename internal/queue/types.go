package queue

import (
	"errors"
	"time"
)

// ErrNoMessage is returned when the queue has no visible messages.
var ErrNoMessage = errors.New("no messages in queue")

// JobMessage is the dispatch payload: which job to run and at what
// priority. The job itself lives in the repository; the queue only
// carries its identity.
type JobMessage struct {
	JobID      string    `json:"job_id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Message is a received queue entry. ID doubles as the job ID so an
// interrupted job can be re-enqueued without creating duplicates.
type Message struct {
	ID           string
	Job          JobMessage
	ReceiveCount int
}
