// Package batch turns submissions into durable jobs and runs them:
// the creator validates and persists, the dispatcher pulls job ids off
// the queue, and one worker executes each job to a terminal state.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/aphrodite-media/aphrodite/internal/apperrors"
	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
	"github.com/aphrodite-media/aphrodite/internal/queue"
)

// MaxPostersPerJob caps a single submission.
const MaxPostersPerJob = 1000

// Per-poster duration estimate inputs: a flat cost plus one per badge.
const (
	estimateBasePerPoster  = 5 * time.Second
	estimatePerBadgeFactor = 2 * time.Second
)

// Named validation failures. Each submission failure maps to exactly one.
var (
	ErrEmptyPosters     = apperrors.New(apperrors.KindValidation, "batch.create", "empty_posters: no poster ids selected")
	ErrTooManyPosters   = apperrors.New(apperrors.KindValidation, "batch.create", fmt.Sprintf("too_many_posters: selection exceeds %d", MaxPostersPerJob))
	ErrEmptyBadgeTypes  = apperrors.New(apperrors.KindValidation, "batch.create", "empty_badge_types: no badge types selected")
	ErrUnknownBadgeType = apperrors.New(apperrors.KindValidation, "batch.create", "unknown_badge_type")
	ErrDuplicatePosters = apperrors.New(apperrors.KindValidation, "batch.create", "duplicate_posters: poster ids must be unique")
)

// Creator validates submissions, decides method and priority, persists
// the job, and enqueues its id for dispatch.
type Creator struct {
	repo   interfaces.JobRepository
	queue  interfaces.QueueManager
	events interfaces.EventService
	logger arbor.ILogger
}

var _ interfaces.JobSubmitter = (*Creator)(nil)

// NewCreator creates the job creator. events may be nil.
func NewCreator(repo interfaces.JobRepository, qm interfaces.QueueManager, events interfaces.EventService, logger arbor.ILogger) *Creator {
	return &Creator{
		repo:   repo,
		queue:  qm,
		events: events,
		logger: logger,
	}
}

// Submit validates the request and creates the job. On success the job
// is durably queued and its id is on the dispatch queue.
func (c *Creator) Submit(ctx context.Context, req *models.BatchRequest) (*models.BatchJob, error) {
	badgeTypes, err := validate(req)
	if err != nil {
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = models.SourceManual
	}
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("Batch %s", time.Now().UTC().Format("2006-01-02 15:04"))
	}

	job := models.NewBatchJob(req.UserID, name, req.PosterIDs, badgeTypes, source)
	job.Method = selectMethod(source, len(req.PosterIDs))
	job.Priority = selectPriority(source, req.UserTier)

	estimate := job.CreatedAt.Add(estimateDuration(len(req.PosterIDs), len(badgeTypes)))
	job.EstimatedCompletion = &estimate

	if err := c.repo.CreateJob(ctx, job); err != nil {
		return nil, apperrors.Wrap(apperrors.KindRepository, "batch.create", err)
	}

	if err := c.queue.Enqueue(ctx, &queue.JobMessage{
		JobID:      job.ID,
		Priority:   job.Priority,
		EnqueuedAt: job.CreatedAt,
	}); err != nil {
		// The job row exists; startup recovery re-enqueues queued jobs,
		// so the submission is reported failed but not lost.
		c.logger.Error().
			Err(err).
			Str("job_id", job.ID).
			Msg("Failed to enqueue created job")
		return nil, apperrors.Wrap(apperrors.KindRepository, "batch.enqueue", err)
	}

	c.logger.Info().
		Str("job_id", job.ID).
		Str("source", string(source)).
		Str("method", string(job.Method)).
		Int("priority", job.Priority).
		Int("posters", job.TotalPosters).
		Int("badge_types", len(badgeTypes)).
		Msg("Batch job created")

	if c.events != nil {
		_ = c.events.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventJobCreated,
			Payload: job.ID,
		})
	}

	return job, nil
}

// validate applies the submission rules and normalises badge types.
func validate(req *models.BatchRequest) ([]models.BadgeType, error) {
	if req == nil || len(req.PosterIDs) == 0 {
		return nil, ErrEmptyPosters
	}
	if len(req.PosterIDs) > MaxPostersPerJob {
		return nil, ErrTooManyPosters
	}
	if len(req.BadgeTypes) == 0 {
		return nil, ErrEmptyBadgeTypes
	}

	seen := make(map[string]struct{}, len(req.PosterIDs))
	for _, id := range req.PosterIDs {
		if _, dup := seen[id]; dup {
			return nil, ErrDuplicatePosters
		}
		seen[id] = struct{}{}
	}

	badgeTypes := make([]models.BadgeType, 0, len(req.BadgeTypes))
	seenBadges := make(map[models.BadgeType]struct{}, len(req.BadgeTypes))
	for _, raw := range req.BadgeTypes {
		bt := models.BadgeType(raw)
		if !models.ValidBadgeType(bt) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownBadgeType, raw)
		}
		if _, dup := seenBadges[bt]; dup {
			continue
		}
		seenBadges[bt] = struct{}{}
		badgeTypes = append(badgeTypes, bt)
	}
	return badgeTypes, nil
}

// selectMethod picks the scheduling hint: scheduled submissions always
// batch; a single manual poster runs immediate. Both share one pipeline.
func selectMethod(source models.JobSource, posterCount int) models.ProcessingMethod {
	if source == models.SourceScheduled {
		return models.MethodBatch
	}
	if posterCount == 1 {
		return models.MethodImmediate
	}
	return models.MethodBatch
}

// selectPriority derives queue priority from source and tier. Unknown
// tiers fall back to normal.
func selectPriority(source models.JobSource, tier models.UserTier) int {
	if source == models.SourceScheduled {
		return models.PriorityScheduled
	}
	if tier == models.TierPremium {
		return models.PriorityHigh
	}
	return models.PriorityNormal
}

// estimateDuration is the advisory completion estimate:
// posters x (5s + 2s x badges).
func estimateDuration(posterCount, badgeCount int) time.Duration {
	perPoster := estimateBasePerPoster + estimatePerBadgeFactor*time.Duration(badgeCount)
	return time.Duration(posterCount) * perPoster
}
