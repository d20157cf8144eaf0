package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/aphrodite-media/aphrodite/internal/models"
)

// Sentinel errors returned by JobRepository implementations.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrPosterNotFound    = errors.New("poster status not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCounterOverflow   = errors.New("poster counters exceed total")
)

// ListOptions controls job listing.
type ListOptions struct {
	Status string // filter by job status, empty for all
	Limit  int
	Offset int
}

// JobRepository persists batch jobs and their per-poster rows.
// Counter updates and paired job/poster writes are atomic per job.
type JobRepository interface {
	// Job lifecycle
	CreateJob(ctx context.Context, job *models.BatchJob) error
	GetJob(ctx context.Context, jobID string) (*models.BatchJob, error)
	UpdateJob(ctx context.Context, job *models.BatchJob) error
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus) (*models.BatchJob, error)
	SetJobError(ctx context.Context, jobID string, summary string) error
	Heartbeat(ctx context.Context, jobID string) error
	DeleteJob(ctx context.Context, jobID string) error

	// Counters. Each call increments exactly one counter and returns
	// the job as stored after the increment.
	IncrementCompleted(ctx context.Context, jobID string) (*models.BatchJob, error)
	IncrementFailed(ctx context.Context, jobID string) (*models.BatchJob, error)

	// Poster rows
	GetPosterStatus(ctx context.Context, jobID, posterID string) (*models.PosterStatus, error)
	UpdatePosterStatus(ctx context.Context, status *models.PosterStatus) error
	GetPosterStatuses(ctx context.Context, jobID string) ([]*models.PosterStatus, error)

	// Queries
	ListJobs(ctx context.Context, opts *ListOptions) ([]*models.BatchJob, error)
	CountJobs(ctx context.Context, opts *ListOptions) (int, error)
	GetActiveJobs(ctx context.Context) ([]*models.BatchJob, error)
	GetQueuedJobs(ctx context.Context) ([]*models.BatchJob, error)

	// RequeueInterrupted returns jobs left in processing by a previous
	// run to the queued state. Used during startup recovery.
	RequeueInterrupted(ctx context.Context) ([]*models.BatchJob, error)

	// FindStale returns processing jobs whose heartbeat is older than
	// the given timeout.
	FindStale(ctx context.Context, timeout time.Duration) ([]*models.BatchJob, error)
}
