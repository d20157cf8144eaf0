// Package progress aggregates per-poster status changes into job-level
// progress and turns them into events for connected clients.
package progress

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
)

// Tracker builds one event per poster transition from the owning
// worker's job snapshot and hands it to the broadcaster. The worker is
// the single writer per job, so events leave here in transition order.
type Tracker struct {
	repo   interfaces.JobRepository
	hub    interfaces.ProgressBroadcaster
	logger arbor.ILogger
}

// NewTracker creates the tracker. hub may be nil when nothing consumes
// events (tests, one-shot tools).
func NewTracker(repo interfaces.JobRepository, hub interfaces.ProgressBroadcaster, logger arbor.ILogger) *Tracker {
	return &Tracker{
		repo:   repo,
		hub:    hub,
		logger: logger,
	}
}

// PosterTransition emits exactly one event for a poster status change.
// job must carry the counter values current as of this transition.
func (t *Tracker) PosterTransition(job *models.BatchJob, poster *models.PosterStatus) *models.ProgressEvent {
	event := &models.ProgressEvent{
		JobID:     job.ID,
		PosterID:  poster.PosterID,
		Status:    poster.Status,
		JobStatus: job.Status,
		Counts:    counts(job),
		Error:     poster.ErrorMessage,
		Timestamp: time.Now().UTC(),
	}
	t.emit(event)
	return event
}

// JobTransition emits an event for a job-level status change (started,
// paused, resumed, terminal). Terminal events close the job's
// subscriber set after fan-out.
func (t *Tracker) JobTransition(job *models.BatchJob) *models.ProgressEvent {
	event := &models.ProgressEvent{
		JobID:     job.ID,
		JobStatus: job.Status,
		Counts:    counts(job),
		Error:     job.ErrorSummary,
		Timestamp: time.Now().UTC(),
	}
	t.emit(event)
	if event.Terminal() && t.hub != nil {
		t.hub.CloseJob(job.ID)
	}
	return event
}

// Stage surfaces a sub-poster pipeline stage. Stage events do not carry
// a poster status and never change counters.
func (t *Tracker) Stage(job *models.BatchJob, posterID, stage string) {
	t.emit(&models.ProgressEvent{
		JobID:     job.ID,
		PosterID:  posterID,
		Stage:     stage,
		JobStatus: job.Status,
		Counts:    counts(job),
		Timestamp: time.Now().UTC(),
	})
}

// Progress answers "how far along is this job" from the durable row.
func (t *Tracker) Progress(ctx context.Context, jobID string) (*models.JobProgress, error) {
	job, err := t.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return Snapshot(job), nil
}

// Snapshot builds the aggregate progress view from a job row.
func Snapshot(job *models.BatchJob) *models.JobProgress {
	return &models.JobProgress{
		JobID:     job.ID,
		Status:    job.Status,
		Total:     job.TotalPosters,
		Completed: job.CompletedPosters,
		Failed:    job.FailedPosters,
		Percent:   job.PercentComplete(),
		ETA:       eta(job),
	}
}

func (t *Tracker) emit(event *models.ProgressEvent) {
	t.logger.Debug().
		Str("job_id", event.JobID).
		Str("poster_id", event.PosterID).
		Str("status", string(event.Status)).
		Str("stage", event.Stage).
		Float64("percent", event.Counts.Percent).
		Msg("Progress event")
	if t.hub != nil {
		t.hub.BroadcastProgress(event)
	}
}

func counts(job *models.BatchJob) models.ProgressCounts {
	return models.ProgressCounts{
		Total:     job.TotalPosters,
		Completed: job.CompletedPosters,
		Failed:    job.FailedPosters,
		Percent:   job.PercentComplete(),
	}
}

// eta projects completion from the observed per-poster pace. Nil until
// the job is processing and at least one poster has been attempted.
func eta(job *models.BatchJob) *time.Time {
	if job.Status != models.JobStatusProcessing || job.StartedAt == nil {
		return nil
	}
	attempted := job.CompletedPosters + job.FailedPosters
	if attempted == 0 {
		return nil
	}
	remaining := job.TotalPosters - attempted
	if remaining <= 0 {
		return nil
	}
	elapsed := time.Since(*job.StartedAt)
	perPoster := elapsed / time.Duration(attempted)
	estimate := time.Now().UTC().Add(perPoster * time.Duration(remaining))
	return &estimate
}
