package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/aphrodite-media/aphrodite/internal/apperrors"
	"github.com/aphrodite-media/aphrodite/internal/common"
	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
	"github.com/aphrodite-media/aphrodite/internal/services/progress"
)

// maxSummaryErrors caps how many per-poster messages land in the
// terminal error summary.
const maxSummaryErrors = 5

// posterProcessor is the slice of the poster pipeline the worker drives.
type posterProcessor interface {
	ProcessPoster(ctx context.Context, posterID string, badgeTypes []models.BadgeType, jobID string) (*models.PosterResult, error)
}

// Worker executes one batch job end to end. Posters run serially in
// selection order; parallelism exists only across jobs. The worker is
// the job's single writer for status and counters while it runs.
type Worker struct {
	repo      interfaces.JobRepository
	processor posterProcessor
	tracker   *progress.Tracker
	cfg       common.BatchConfig
	logger    arbor.ILogger
}

var _ interfaces.JobProcessor = (*Worker)(nil)

// NewWorker creates a batch worker. One instance is safe for concurrent
// Process calls on distinct jobs.
func NewWorker(repo interfaces.JobRepository, processor posterProcessor, tracker *progress.Tracker, cfg common.BatchConfig, logger arbor.ILogger) *Worker {
	return &Worker{
		repo:      repo,
		processor: processor,
		tracker:   tracker,
		cfg:       cfg,
		logger:    logger,
	}
}

// Process runs the job to a terminal state, or parks it when it is
// cancelled, paused, or the process is shutting down. A ctx cancellation
// leaves the job in processing for startup recovery to requeue.
func (w *Worker) Process(ctx context.Context, jobID string) error {
	job, err := w.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() || job.Status == models.JobStatusPaused {
		// Stale queue message for a job that no longer wants a worker.
		return nil
	}

	job, err = w.repo.UpdateJobStatus(ctx, jobID, models.JobStatusProcessing)
	if err != nil {
		return err
	}
	w.tracker.JobTransition(job)
	w.logger.Info().
		Str("job_id", jobID).
		Int("posters", job.TotalPosters).
		Int("completed", job.CompletedPosters).
		Msg("Worker started batch job")

	var (
		interrupted models.JobStatus
		failures    []string
	)

	for i, posterID := range job.SelectedPosterIDs {
		if ctx.Err() != nil {
			// Shutdown: leave the job in processing, recovery requeues it.
			return ctx.Err()
		}

		// Cooperative cancel/pause check, never mid-poster.
		current, err := w.repo.GetJob(ctx, jobID)
		if err != nil {
			return w.failJob(ctx, jobID, fmt.Sprintf("repository failure: %v", err), err)
		}
		if current.Status == models.JobStatusCancelled || current.Status == models.JobStatusPaused {
			interrupted = current.Status
			job = current
			break
		}
		job = current

		ps, err := w.posterRow(ctx, jobID, posterID)
		if err != nil {
			return w.failJob(ctx, jobID, fmt.Sprintf("repository failure: %v", err), err)
		}
		if ps.IsTerminal() {
			// Already settled by a previous pass of a recovered job.
			continue
		}

		job = w.runPoster(ctx, job, ps)
		if ps.Status == models.PosterFailed {
			failures = append(failures, fmt.Sprintf("%s: %s", posterID, ps.ErrorMessage))
		}

		if err := w.repo.Heartbeat(ctx, jobID); err != nil {
			w.logger.Warn().Err(err).Str("job_id", jobID).Msg("Heartbeat update failed")
		}

		if i < len(job.SelectedPosterIDs)-1 {
			if err := w.throttle(ctx); err != nil {
				return err
			}
		}
	}

	return w.finalize(ctx, jobID, interrupted, failures)
}

// runPoster drives one poster through attempts until it settles. The
// returned job carries counters current after the poster's terminal
// transition.
func (w *Worker) runPoster(ctx context.Context, job *models.BatchJob, ps *models.PosterStatus) *models.BatchJob {
	for {
		if err := ps.MarkProcessing(); err != nil {
			w.logger.Error().Err(err).Str("poster", ps.Key).Msg("Poster row in unexpected state")
			return w.settleFailed(ctx, job, ps, err.Error())
		}
		w.persistPoster(ctx, ps)
		w.tracker.PosterTransition(job, ps)

		result, err := w.attempt(ctx, job, ps.PosterID)
		if err == nil {
			if mErr := ps.MarkCompleted(result.OutputPath, result.AppliedBadges); mErr != nil {
				return w.settleFailed(ctx, job, ps, mErr.Error())
			}
			w.persistPoster(ctx, ps)
			if updated, cErr := w.repo.IncrementCompleted(ctx, job.ID); cErr == nil {
				job = updated
			} else {
				w.logger.Error().Err(cErr).Str("job_id", job.ID).Msg("Completed counter update failed")
			}
			w.tracker.PosterTransition(job, ps)
			return job
		}

		if apperrors.IsRetryable(err) && ps.RetryCount < w.cfg.MaxRetriesPerPoster {
			if mErr := ps.MarkRetrying(err.Error()); mErr == nil {
				w.logger.Warn().
					Err(err).
					Str("poster", ps.Key).
					Int("retry", ps.RetryCount).
					Msg("Poster attempt failed, retrying")
				w.persistPoster(ctx, ps)
				w.tracker.PosterTransition(job, ps)
				continue
			}
		}

		return w.settleFailed(ctx, job, ps, err.Error())
	}
}

// settleFailed marks the poster failed, bumps the failed counter, and
// emits the transition event.
func (w *Worker) settleFailed(ctx context.Context, job *models.BatchJob, ps *models.PosterStatus, msg string) *models.BatchJob {
	if err := ps.MarkFailed(msg); err != nil {
		// Row was already terminal; keep the stored state.
		w.logger.Error().Err(err).Str("poster", ps.Key).Msg("Could not mark poster failed")
		return job
	}
	w.persistPoster(ctx, ps)
	if updated, cErr := w.repo.IncrementFailed(ctx, job.ID); cErr == nil {
		job = updated
	} else {
		w.logger.Error().Err(cErr).Str("job_id", job.ID).Msg("Failed counter update failed")
	}
	w.tracker.PosterTransition(job, ps)
	return job
}

// attempt invokes the pipeline with panic containment: a panic in one
// poster is a poster failure, never a worker crash.
func (w *Worker) attempt(ctx context.Context, job *models.BatchJob, posterID string) (result *models.PosterResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Str("job_id", job.ID).
				Str("poster_id", posterID).
				Str("panic", fmt.Sprint(r)).
				Msg("Poster attempt panicked")
			err = fmt.Errorf("poster attempt panicked: %v", r)
		}
	}()
	return w.processor.ProcessPoster(ctx, posterID, job.BadgeTypes, job.ID)
}

// finalize settles the job after the poster loop exits for any reason.
func (w *Worker) finalize(ctx context.Context, jobID string, interrupted models.JobStatus, failures []string) error {
	switch interrupted {
	case models.JobStatusCancelled, models.JobStatusPaused:
		job, err := w.repo.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		w.tracker.JobTransition(job)
		w.logger.Info().
			Str("job_id", jobID).
			Str("status", string(job.Status)).
			Msg("Worker stopped cooperatively")
		return nil
	}

	job, err := w.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.FailedPosters == 0 {
		job, err = w.repo.UpdateJobStatus(ctx, jobID, models.JobStatusCompleted)
		if err != nil {
			return err
		}
	} else {
		if err := w.repo.SetJobError(ctx, jobID, summarize(job, failures)); err != nil {
			w.logger.Error().Err(err).Str("job_id", jobID).Msg("Could not store error summary")
		}
		job, err = w.repo.UpdateJobStatus(ctx, jobID, models.JobStatusFailed)
		if err != nil {
			return err
		}
	}

	w.tracker.JobTransition(job)
	w.logger.Info().
		Str("job_id", jobID).
		Str("status", string(job.Status)).
		Int("completed", job.CompletedPosters).
		Int("failed", job.FailedPosters).
		Msg("Batch job finished")
	return nil
}

// failJob is the catastrophic path: the repository itself is failing, so
// best-effort mark the job failed and surface the cause.
func (w *Worker) failJob(ctx context.Context, jobID, summary string, cause error) error {
	if err := w.repo.SetJobError(ctx, jobID, summary); err != nil {
		w.logger.Error().Err(err).Str("job_id", jobID).Msg("Could not store error summary")
	}
	if job, err := w.repo.UpdateJobStatus(ctx, jobID, models.JobStatusFailed); err == nil {
		w.tracker.JobTransition(job)
	} else {
		w.logger.Error().Err(err).Str("job_id", jobID).Msg("Could not fail job after repository error")
	}
	return cause
}

// posterRow loads the poster row, creating a pending one when the eager
// insert is missing for any reason.
func (w *Worker) posterRow(ctx context.Context, jobID, posterID string) (*models.PosterStatus, error) {
	ps, err := w.repo.GetPosterStatus(ctx, jobID, posterID)
	if err == nil {
		return ps, nil
	}
	if errors.Is(err, interfaces.ErrPosterNotFound) {
		return models.NewPosterStatus(jobID, posterID), nil
	}
	return nil, err
}

func (w *Worker) persistPoster(ctx context.Context, ps *models.PosterStatus) {
	if err := w.repo.UpdatePosterStatus(ctx, ps); err != nil {
		w.logger.Error().Err(err).Str("poster", ps.Key).Msg("Could not persist poster status")
	}
}

// throttle sleeps the inter-poster interval, cut short by shutdown.
func (w *Worker) throttle(ctx context.Context) error {
	interval := w.cfg.Throttle()
	if interval <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(interval):
		return nil
	}
}

// summarize builds the terminal error summary from collected failures.
func summarize(job *models.BatchJob, failures []string) string {
	shown := failures
	if len(shown) > maxSummaryErrors {
		shown = shown[:maxSummaryErrors]
	}
	summary := fmt.Sprintf("%d of %d posters failed", job.FailedPosters, job.TotalPosters)
	if len(shown) > 0 {
		summary += ": " + strings.Join(shown, "; ")
	}
	if len(failures) > maxSummaryErrors {
		summary += fmt.Sprintf(" (and %d more)", len(failures)-maxSummaryErrors)
	}
	return summary
}
