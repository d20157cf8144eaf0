package models

import "time"

// -----------------------------------------------------------------------
// Progress events - one per poster status transition
// -----------------------------------------------------------------------

// Poster pipeline stages surfaced between status transitions.
const (
	StageStarted  = "started"
	StageComposed = "composed"
	StageUploaded = "uploaded"
)

// ProgressCounts is the job-level counter snapshot carried on every event.
type ProgressCounts struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Percent   float64 `json:"percent"`
}

// ProgressEvent is emitted for every poster status transition and for
// sub-poster pipeline stages. Consumers must be idempotent on
// (poster_id, status); duplicate suppression is not promised.
type ProgressEvent struct {
	JobID     string         `json:"job_id"`
	PosterID  string         `json:"poster_id,omitempty"`
	Status    PosterState    `json:"status,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	JobStatus JobStatus      `json:"job_status"`
	Counts    ProgressCounts `json:"counts"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Terminal reports whether this event closes the job's subscription set.
func (e *ProgressEvent) Terminal() bool {
	return e.JobStatus.IsTerminal()
}

// JobProgress is the aggregate answer to "how far along is this job".
type JobProgress struct {
	JobID     string     `json:"job_id"`
	Status    JobStatus  `json:"status"`
	Total     int        `json:"total"`
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	Percent   float64    `json:"percent"`
	ETA       *time.Time `json:"eta,omitempty"`
}
