package models

import (
	"fmt"
	"time"
)

// -----------------------------------------------------------------------
// Poster status - per-item sub-state within a batch job
// -----------------------------------------------------------------------

// PosterState is the per-poster lifecycle within one job.
type PosterState string

const (
	PosterPending    PosterState = "pending"
	PosterProcessing PosterState = "processing"
	PosterCompleted  PosterState = "completed"
	PosterFailed     PosterState = "failed"
	PosterRetrying   PosterState = "retrying"
)

// MaxPosterRetries bounds attempts for a single poster within a job.
const MaxPosterRetries = 3

// posterTransitions encodes the forward-only lattice:
// pending → processing → {completed | failed | retrying}, retrying → processing.
var posterTransitions = map[PosterState][]PosterState{
	PosterPending:    {PosterProcessing},
	PosterProcessing: {PosterCompleted, PosterFailed, PosterRetrying},
	PosterRetrying:   {PosterProcessing},
	PosterCompleted:  {},
	PosterFailed:     {},
}

// CanTransition reports whether from → to is a legal poster move.
func CanTransition(from, to PosterState) bool {
	for _, next := range posterTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PosterStatus is the durable per-poster row, unique per (job, poster).
type PosterStatus struct {
	Key      string `json:"-" badgerhold:"key"`
	JobID    string `json:"job_id" badgerhold:"index"`
	PosterID string `json:"poster_id"`

	Status PosterState `json:"status"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	OutputPath   string `json:"output_path,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`

	// AppliedBadges records which of the requested badge types actually
	// made it onto the composed image.
	AppliedBadges []BadgeType `json:"applied_badges,omitempty"`
}

// PosterKey builds the composite storage key for a poster row.
func PosterKey(jobID, posterID string) string {
	return jobID + ":" + posterID
}

// NewPosterStatus creates a pending row for (jobID, posterID).
func NewPosterStatus(jobID, posterID string) *PosterStatus {
	return &PosterStatus{
		Key:      PosterKey(jobID, posterID),
		JobID:    jobID,
		PosterID: posterID,
		Status:   PosterPending,
	}
}

// Transition moves the row to next, enforcing the lattice.
func (p *PosterStatus) Transition(next PosterState) error {
	if !CanTransition(p.Status, next) {
		return fmt.Errorf("illegal poster transition %s → %s for %s", p.Status, next, p.Key)
	}
	p.Status = next
	return nil
}

// MarkProcessing starts an attempt and stamps StartedAt on the first one.
func (p *PosterStatus) MarkProcessing() error {
	if err := p.Transition(PosterProcessing); err != nil {
		return err
	}
	if p.StartedAt == nil {
		now := time.Now().UTC()
		p.StartedAt = &now
	}
	return nil
}

// MarkCompleted finishes the poster with its composed output path.
func (p *PosterStatus) MarkCompleted(outputPath string, applied []BadgeType) error {
	if outputPath == "" {
		return fmt.Errorf("poster %s cannot complete without an output path", p.Key)
	}
	if err := p.Transition(PosterCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	p.CompletedAt = &now
	p.OutputPath = outputPath
	p.AppliedBadges = applied
	p.ErrorMessage = ""
	return nil
}

// MarkFailed finishes the poster with its last error.
func (p *PosterStatus) MarkFailed(msg string) error {
	if err := p.Transition(PosterFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	p.CompletedAt = &now
	p.ErrorMessage = msg
	return nil
}

// MarkRetrying records a retry-eligible failure. The retry counter is
// capped at MaxPosterRetries.
func (p *PosterStatus) MarkRetrying(msg string) error {
	if p.RetryCount >= MaxPosterRetries {
		return fmt.Errorf("poster %s exhausted retries (%d)", p.Key, p.RetryCount)
	}
	if err := p.Transition(PosterRetrying); err != nil {
		return err
	}
	p.RetryCount++
	p.ErrorMessage = msg
	return nil
}

// IsTerminal reports whether the poster reached a final state.
func (p *PosterStatus) IsTerminal() bool {
	return p.Status == PosterCompleted || p.Status == PosterFailed
}
