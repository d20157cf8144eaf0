package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------
// Batch job - root aggregate for one poster enrichment submission
// -----------------------------------------------------------------------

// JobStatus represents the lifecycle state of a batch job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusPaused     JobStatus = "paused"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal returns true when no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsActive reports whether the job still owns, or is waiting for, a
// worker slot.
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusProcessing || s == JobStatusPaused
}

// jobTransitions is the legal status lattice. processing → queued covers
// startup recovery of jobs interrupted by a crash.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusPaused, JobStatusCancelled, JobStatusCompleted, JobStatusFailed, JobStatusQueued},
	JobStatusPaused:     {JobStatusQueued, JobStatusCancelled},
}

// CanTransitionTo reports whether moving from s to target is legal.
// Terminal states allow nothing.
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// JobSource identifies where a submission came from.
type JobSource string

const (
	SourceManual    JobSource = "manual"
	SourceScheduled JobSource = "scheduled"
	SourceAPI       JobSource = "api"
)

// UserTier feeds priority selection for manual submissions.
type UserTier string

const (
	TierStandard UserTier = "standard"
	TierPremium  UserTier = "premium"
)

// Priority values: lower runs first.
const (
	PriorityHigh      = 3
	PriorityNormal    = 5
	PriorityScheduled = 7
)

// ProcessingMethod is a dispatcher hint; both values run the same pipeline.
type ProcessingMethod string

const (
	MethodImmediate ProcessingMethod = "immediate"
	MethodBatch     ProcessingMethod = "batch"
)

// BadgeType enumerates the overlay kinds a job may request.
type BadgeType string

const (
	BadgeAudio      BadgeType = "audio"
	BadgeResolution BadgeType = "resolution"
	BadgeReview     BadgeType = "review"
	BadgeAwards     BadgeType = "awards"
)

// AllBadgeTypes lists every recognised badge type.
var AllBadgeTypes = []BadgeType{BadgeAudio, BadgeResolution, BadgeReview, BadgeAwards}

// ValidBadgeType reports whether t is a recognised badge type.
func ValidBadgeType(t BadgeType) bool {
	switch t {
	case BadgeAudio, BadgeResolution, BadgeReview, BadgeAwards:
		return true
	}
	return false
}

// BatchJob is the durable record of one enrichment submission. The owning
// worker is the only writer of status and counters after creation;
// administrative cancel/pause touches the status field only.
type BatchJob struct {
	ID     string    `json:"id" badgerhold:"key"`
	UserID string    `json:"user_id"`
	Name   string    `json:"name"`
	Source JobSource `json:"source"`

	Status   JobStatus        `json:"status" badgerhold:"index"`
	Priority int              `json:"priority"`
	Method   ProcessingMethod `json:"processing_method"`

	BadgeTypes        []BadgeType `json:"badge_types"`
	SelectedPosterIDs []string    `json:"selected_poster_ids"`

	TotalPosters     int `json:"total_posters"`
	CompletedPosters int `json:"completed_posters"`
	FailedPosters    int `json:"failed_posters"`

	CreatedAt           time.Time  `json:"created_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	LastHeartbeat       *time.Time `json:"last_heartbeat,omitempty"`

	ErrorSummary string `json:"error_summary,omitempty"`
}

// NewBatchJob creates a queued job with a fresh id. Counters start at
// zero and TotalPosters mirrors the selection length.
func NewBatchJob(userID, name string, posterIDs []string, badgeTypes []BadgeType, source JobSource) *BatchJob {
	now := time.Now().UTC()
	return &BatchJob{
		ID:                uuid.New().String(),
		UserID:            userID,
		Name:              name,
		Source:            source,
		Status:            JobStatusQueued,
		Priority:          PriorityNormal,
		Method:            MethodBatch,
		BadgeTypes:        badgeTypes,
		SelectedPosterIDs: posterIDs,
		TotalPosters:      len(posterIDs),
		CreatedAt:         now,
	}
}

// MarkProcessing transitions queued → processing and stamps StartedAt.
func (j *BatchJob) MarkProcessing() {
	now := time.Now().UTC()
	j.Status = JobStatusProcessing
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.LastHeartbeat = &now
}

// MarkCompleted transitions the job to its successful terminal state.
func (j *BatchJob) MarkCompleted() {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
}

// MarkFailed transitions to the failed terminal state with a summary of
// what went wrong.
func (j *BatchJob) MarkFailed(summary string) {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	j.ErrorSummary = summary
}

// MarkCancelled transitions to the cancelled terminal state.
func (j *BatchJob) MarkCancelled() {
	now := time.Now().UTC()
	j.Status = JobStatusCancelled
	j.CompletedAt = &now
}

// MarkPaused parks the job; a later resume re-queues it.
func (j *BatchJob) MarkPaused() {
	j.Status = JobStatusPaused
}

// MarkQueued returns a paused or recovered job to the queue.
func (j *BatchJob) MarkQueued() {
	j.Status = JobStatusQueued
}

// Heartbeat refreshes the liveness stamp the stale-job detector watches.
func (j *BatchJob) Heartbeat() {
	now := time.Now().UTC()
	j.LastHeartbeat = &now
}

// PercentComplete returns attempted posters over total, 0-100.
func (j *BatchJob) PercentComplete() float64 {
	if j.TotalPosters == 0 {
		return 0
	}
	return float64(j.CompletedPosters+j.FailedPosters) / float64(j.TotalPosters) * 100
}

// CountersConsistent verifies completed + failed never exceeds total,
// and that a terminal job accounts for every poster.
func (j *BatchJob) CountersConsistent() bool {
	if j.CompletedPosters < 0 || j.FailedPosters < 0 {
		return false
	}
	attempted := j.CompletedPosters + j.FailedPosters
	if attempted > j.TotalPosters {
		return false
	}
	if j.Status.IsTerminal() && j.Status != JobStatusCancelled {
		return attempted == j.TotalPosters
	}
	return true
}

// ToJSON serialises the job for transport.
func (j *BatchJob) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch job: %w", err)
	}
	return data, nil
}

// BatchJobFromJSON deserialises a job.
func BatchJobFromJSON(data []byte) (*BatchJob, error) {
	var job BatchJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch job: %w", err)
	}
	return &job, nil
}
