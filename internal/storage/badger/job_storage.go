package badger

import (
	"context"
	"fmt"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
)

// JobStorage implements the JobRepository interface for Badger.
//
// Badger has no row-level locking, so read-modify-write cycles on a job
// document race when invoked concurrently. A per-job mutex serialises
// every mutation of one job (status, counters, heartbeat) while leaving
// unrelated jobs free to proceed in parallel.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobRepository {
	return &JobStorage{
		db:     db,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *JobStorage) lockFor(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[jobID] = l
	}
	return l
}

func (s *JobStorage) forgetLock(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, jobID)
}

// -----------------------------------------------------------------------
// Job lifecycle
// -----------------------------------------------------------------------

// createChunkSize bounds how many poster rows land in one badger
// transaction; a full-size selection would exceed the transaction
// limit if written in one go.
const createChunkSize = 100

// CreateJob persists the job and one pending poster row per selected
// poster. Poster rows are written in chunks; a failure mid-way removes
// the job again, so the caller still sees an all-or-nothing submission.
func (s *JobStorage) CreateJob(ctx context.Context, job *models.BatchJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	err := s.db.Store().Badger().Update(func(tx *badgerdb.Txn) error {
		return s.db.Store().TxInsert(tx, job.ID, job)
	})
	if err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("%w: %s", interfaces.ErrJobExists, job.ID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	ids := job.SelectedPosterIDs
	for start := 0; start < len(ids); start += createChunkSize {
		end := start + createChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		err := s.db.Store().Badger().Update(func(tx *badgerdb.Txn) error {
			for _, posterID := range chunk {
				row := models.NewPosterStatus(job.ID, posterID)
				if err := s.db.Store().TxInsert(tx, row.Key, row); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.rollbackCreate(job.ID)
			return fmt.Errorf("failed to create poster rows: %w", err)
		}
	}

	return nil
}

// rollbackCreate undoes a partially persisted submission.
func (s *JobStorage) rollbackCreate(jobID string) {
	if err := s.db.Store().Delete(jobID, &models.BatchJob{}); err != nil && err != badgerhold.ErrNotFound {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Could not remove job after failed create")
	}
	if err := s.deletePosterRows(jobID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Could not remove poster rows after failed create")
	}
}

// deletePosterRows removes a job's poster rows in chunks, for the same
// transaction-size reason as CreateJob.
func (s *JobStorage) deletePosterRows(jobID string) error {
	var rows []models.PosterStatus
	if err := s.db.Store().Find(&rows, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return err
	}
	for start := 0; start < len(rows); start += createChunkSize {
		end := start + createChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		err := s.db.Store().Badger().Update(func(tx *badgerdb.Txn) error {
			for _, row := range chunk {
				if err := s.db.Store().TxDelete(tx, row.Key, &models.PosterStatus{}); err != nil && err != badgerhold.ErrNotFound {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.BatchJob, error) {
	var job models.BatchJob
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) UpdateJob(ctx context.Context, job *models.BatchJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	lock := s.lockFor(job.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// UpdateJobStatus applies a status transition after validating it
// against the lifecycle lattice. Setting the current status again is a
// no-op, which keeps administrative cancel idempotent. The stored job
// after the change is returned.
func (s *JobStorage) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus) (*models.BatchJob, error) {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	var job models.BatchJob
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if job.Status == status {
		return &job, nil
	}
	if !job.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("%w: %s -> %s", interfaces.ErrInvalidTransition, job.Status, status)
	}

	switch status {
	case models.JobStatusProcessing:
		job.MarkProcessing()
	case models.JobStatusCompleted:
		job.MarkCompleted()
	case models.JobStatusFailed:
		job.MarkFailed(job.ErrorSummary)
	case models.JobStatusCancelled:
		job.MarkCancelled()
	case models.JobStatusPaused:
		job.MarkPaused()
	case models.JobStatusQueued:
		job.MarkQueued()
	default:
		return nil, fmt.Errorf("%w: unknown status %s", interfaces.ErrInvalidTransition, status)
	}

	if err := s.db.Store().Update(jobID, &job); err != nil {
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) SetJobError(ctx context.Context, jobID string, summary string) error {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	var job models.BatchJob
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, jobID)
		}
		return fmt.Errorf("failed to get job: %w", err)
	}
	job.ErrorSummary = summary
	if err := s.db.Store().Update(jobID, &job); err != nil {
		return fmt.Errorf("failed to set error summary: %w", err)
	}
	return nil
}

func (s *JobStorage) Heartbeat(ctx context.Context, jobID string) error {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	var job models.BatchJob
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, jobID)
		}
		return fmt.Errorf("failed to get job: %w", err)
	}
	job.Heartbeat()
	if err := s.db.Store().Update(jobID, &job); err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

// DeleteJob removes a job and every poster row belonging to it.
func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.db.Store().Delete(jobID, &models.BatchJob{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if err := s.deletePosterRows(jobID); err != nil {
		return fmt.Errorf("failed to delete poster rows: %w", err)
	}
	s.forgetLock(jobID)
	return nil
}

// -----------------------------------------------------------------------
// Counters
// -----------------------------------------------------------------------

func (s *JobStorage) IncrementCompleted(ctx context.Context, jobID string) (*models.BatchJob, error) {
	return s.incrementCounter(jobID, true)
}

func (s *JobStorage) IncrementFailed(ctx context.Context, jobID string) (*models.BatchJob, error) {
	return s.incrementCounter(jobID, false)
}

func (s *JobStorage) incrementCounter(jobID string, completed bool) (*models.BatchJob, error) {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	var job models.BatchJob
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if job.CompletedPosters+job.FailedPosters >= job.TotalPosters {
		return nil, fmt.Errorf("%w: job %s already at %d/%d", interfaces.ErrCounterOverflow,
			jobID, job.CompletedPosters+job.FailedPosters, job.TotalPosters)
	}

	if completed {
		job.CompletedPosters++
	} else {
		job.FailedPosters++
	}

	if err := s.db.Store().Update(jobID, &job); err != nil {
		return nil, fmt.Errorf("failed to update counters: %w", err)
	}
	return &job, nil
}

// -----------------------------------------------------------------------
// Poster rows
// -----------------------------------------------------------------------

func (s *JobStorage) GetPosterStatus(ctx context.Context, jobID, posterID string) (*models.PosterStatus, error) {
	var row models.PosterStatus
	key := models.PosterKey(jobID, posterID)
	if err := s.db.Store().Get(key, &row); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("%w: %s/%s", interfaces.ErrPosterNotFound, jobID, posterID)
		}
		return nil, fmt.Errorf("failed to get poster status: %w", err)
	}
	return &row, nil
}

func (s *JobStorage) UpdatePosterStatus(ctx context.Context, status *models.PosterStatus) error {
	if status == nil || status.Key == "" {
		return fmt.Errorf("poster status key is required")
	}
	if err := s.db.Store().Upsert(status.Key, status); err != nil {
		return fmt.Errorf("failed to save poster status: %w", err)
	}
	return nil
}

// GetPosterStatuses returns every poster row of a job in key order.
// Callers wanting submission order should walk job.SelectedPosterIDs.
func (s *JobStorage) GetPosterStatuses(ctx context.Context, jobID string) ([]*models.PosterStatus, error) {
	var rows []models.PosterStatus
	if err := s.db.Store().Find(&rows, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, fmt.Errorf("failed to list poster statuses: %w", err)
	}
	result := make([]*models.PosterStatus, len(rows))
	for i := range rows {
		result[i] = &rows[i]
	}
	return result, nil
}

// -----------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.ListOptions) ([]*models.BatchJob, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(models.JobStatus(opts.Status))
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()

	var jobs []models.BatchJob
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.BatchJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) CountJobs(ctx context.Context, opts *interfaces.ListOptions) (int, error) {
	query := badgerhold.Where("ID").Ne("")
	if opts != nil && opts.Status != "" {
		query = query.And("Status").Eq(models.JobStatus(opts.Status))
	}
	count, err := s.db.Store().Count(&models.BatchJob{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

func (s *JobStorage) GetActiveJobs(ctx context.Context) ([]*models.BatchJob, error) {
	var jobs []models.BatchJob
	query := badgerhold.Where("Status").In(
		models.JobStatusQueued, models.JobStatusProcessing, models.JobStatusPaused)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to get active jobs: %w", err)
	}
	result := make([]*models.BatchJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// GetQueuedJobs returns queued jobs ordered by priority (lower first),
// ties broken by creation time ascending.
func (s *JobStorage) GetQueuedJobs(ctx context.Context) ([]*models.BatchJob, error) {
	var jobs []models.BatchJob
	query := badgerhold.Where("Status").Eq(models.JobStatusQueued).SortBy("Priority", "CreatedAt")
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to get queued jobs: %w", err)
	}
	result := make([]*models.BatchJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// -----------------------------------------------------------------------
// Recovery
// -----------------------------------------------------------------------

// RequeueInterrupted returns jobs stuck in processing to the queued
// state. Called once at startup: any job still marked processing at
// that point was interrupted by a crash or hard stop.
func (s *JobStorage) RequeueInterrupted(ctx context.Context) ([]*models.BatchJob, error) {
	var jobs []models.BatchJob
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(models.JobStatusProcessing)); err != nil {
		return nil, fmt.Errorf("failed to find interrupted jobs: %w", err)
	}

	requeued := make([]*models.BatchJob, 0, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		job.MarkQueued()
		if err := s.db.Store().Update(job.ID, job); err != nil {
			return nil, fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
		}
		s.logger.Info().
			Str("job_id", job.ID).
			Int("completed", job.CompletedPosters).
			Int("total", job.TotalPosters).
			Msg("Requeued job interrupted by previous shutdown")
		requeued = append(requeued, job)
	}
	return requeued, nil
}

// FindStale returns processing jobs whose heartbeat (or start, if no
// heartbeat was ever written) is older than the timeout.
func (s *JobStorage) FindStale(ctx context.Context, timeout time.Duration) ([]*models.BatchJob, error) {
	var jobs []models.BatchJob
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(models.JobStatusProcessing)); err != nil {
		return nil, fmt.Errorf("failed to find processing jobs: %w", err)
	}

	cutoff := time.Now().Add(-timeout)
	var stale []*models.BatchJob
	for i := range jobs {
		job := &jobs[i]
		beat := job.LastHeartbeat
		if beat == nil {
			beat = job.StartedAt
		}
		if beat == nil {
			beat = &job.CreatedAt
		}
		if beat.Before(cutoff) {
			stale = append(stale, job)
		}
	}
	return stale, nil
}
