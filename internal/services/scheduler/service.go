package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/aphrodite-media/aphrodite/internal/common"
	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
	"github.com/aphrodite-media/aphrodite/internal/services/batch"
)

// staleCheckInterval is how often the stale job detector runs.
const staleCheckInterval = 5 * time.Minute

// scheduleEntry tracks one registered schedule.
type scheduleEntry struct {
	config    common.ScheduleConfig
	cronID    cron.EntryID
	lastRun   *time.Time
	isRunning bool
	lastError string
}

// ScheduleStatus is the introspection view of one schedule.
type ScheduleStatus struct {
	Name      string     `json:"name"`
	Cron      string     `json:"cron"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	IsRunning bool       `json:"is_running"`
	LastError string     `json:"last_error,omitempty"`
}

// Service submits recurring library sweeps as scheduled batch jobs and
// marks jobs whose heartbeat has gone stale.
type Service struct {
	media     interfaces.MediaServer
	submitter interfaces.JobSubmitter
	repo      interfaces.JobRepository
	events    interfaces.EventService
	cron      *cron.Cron
	logger    arbor.ILogger

	staleTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*scheduleEntry
	running bool

	staleTicker *time.Ticker
	staleStop   chan struct{}
}

// NewService creates the scheduler. Disabled schedules are kept out of
// the cron table entirely.
func NewService(media interfaces.MediaServer, submitter interfaces.JobSubmitter, repo interfaces.JobRepository, events interfaces.EventService, staleTimeout time.Duration, logger arbor.ILogger) *Service {
	return &Service{
		media:        media,
		submitter:    submitter,
		repo:         repo,
		events:       events,
		cron:         cron.New(),
		logger:       logger,
		staleTimeout: staleTimeout,
		entries:      make(map[string]*scheduleEntry),
		staleStop:    make(chan struct{}),
	}
}

// Register adds one schedule to the cron table. Must be called before
// Start.
func (s *Service) Register(cfg common.ScheduleConfig) error {
	if !cfg.Enabled {
		s.logger.Debug().Str("schedule", cfg.Name).Msg("Schedule disabled, skipping registration")
		return nil
	}
	if cfg.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if _, err := cron.ParseStandard(cfg.Cron); err != nil {
		return fmt.Errorf("invalid cron expression %q for schedule %s: %w", cfg.Cron, cfg.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[cfg.Name]; exists {
		return fmt.Errorf("schedule %s already registered", cfg.Name)
	}

	name := cfg.Name
	cronID, err := s.cron.AddFunc(cfg.Cron, func() {
		s.runSchedule(name)
	})
	if err != nil {
		return fmt.Errorf("failed to add schedule to cron: %w", err)
	}

	s.entries[name] = &scheduleEntry{config: cfg, cronID: cronID}

	s.logger.Info().
		Str("schedule", name).
		Str("cron", cfg.Cron).
		Str("library_id", cfg.LibraryID).
		Msg("Schedule registered")
	return nil
}

// Start begins cron execution and the stale job detector.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	count := len(s.entries)
	s.mu.Unlock()

	s.cron.Start()

	if s.repo != nil && s.staleTimeout > 0 {
		s.staleTicker = time.NewTicker(staleCheckInterval)
		common.SafeGo(s.logger, "scheduler.stale", s.staleLoop)
		s.logger.Info().
			Dur("stale_timeout", s.staleTimeout).
			Msg("Stale job detector started")
	}

	s.logger.Info().Int("schedules", count).Msg("Scheduler started")
	return nil
}

// Stop halts cron execution and waits for a running fire to finish.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.staleTicker != nil {
		s.staleTicker.Stop()
		close(s.staleStop)
	}

	ctx := s.cron.Stop()
	<-ctx.Done()

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning reports whether the scheduler is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// TriggerSchedule fires one schedule immediately, outside its cron slot.
func (s *Service) TriggerSchedule(name string) error {
	s.mu.Lock()
	entry, exists := s.entries[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("schedule %s not found", name)
	}
	if entry.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("schedule %s is already running", name)
	}
	s.mu.Unlock()

	s.logger.Info().Str("schedule", name).Msg("Manually triggering schedule")
	common.SafeGo(s.logger, "scheduler.trigger", func() {
		s.runSchedule(name)
	})
	return nil
}

// Statuses returns the current view of all registered schedules.
func (s *Service) Statuses() []ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]ScheduleStatus, 0, len(s.entries))
	for _, entry := range s.entries {
		status := ScheduleStatus{
			Name:      entry.config.Name,
			Cron:      entry.config.Cron,
			LastRun:   entry.lastRun,
			IsRunning: entry.isRunning,
			LastError: entry.lastError,
		}
		for _, cronEntry := range s.cron.Entries() {
			if cronEntry.ID == entry.cronID {
				next := cronEntry.Next
				status.NextRun = &next
				break
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// runSchedule executes one schedule fire: list the library, skip if a
// sweep for this schedule is still active, then submit the batch.
func (s *Service) runSchedule(name string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("schedule", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Panic recovered in schedule run")
			s.setResult(name, fmt.Errorf("panic: %v", r))
		}
	}()

	s.mu.Lock()
	entry, exists := s.entries[name]
	if !exists {
		s.mu.Unlock()
		return
	}
	if entry.isRunning {
		s.mu.Unlock()
		s.logger.Warn().Str("schedule", name).Msg("Previous fire still running, skipping")
		return
	}
	entry.isRunning = true
	cfg := entry.config
	s.mu.Unlock()

	start := time.Now()
	s.logger.Info().Str("schedule", name).Msg("Schedule fired")

	err := s.submitSweep(context.Background(), cfg)
	s.setResult(name, err)

	if err != nil {
		s.logger.Error().
			Str("schedule", name).
			Err(err).
			Dur("duration", time.Since(start)).
			Msg("Schedule run failed")
		return
	}
	s.logger.Info().
		Str("schedule", name).
		Dur("duration", time.Since(start)).
		Msg("Schedule run completed")
}

// submitSweep builds and submits the scheduled batch jobs for one
// schedule. Libraries larger than the per-job poster cap are split
// into multiple jobs.
func (s *Service) submitSweep(ctx context.Context, cfg common.ScheduleConfig) error {
	active, err := s.activeSweepExists(ctx, cfg.Name)
	if err != nil {
		return err
	}
	if active {
		s.logger.Info().Str("schedule", cfg.Name).Msg("Previous sweep still active, skipping this fire")
		return nil
	}

	items, err := s.media.GetLibraryItems(ctx, cfg.LibraryID)
	if err != nil {
		return fmt.Errorf("failed to list library %s: %w", cfg.LibraryID, err)
	}
	if len(items) == 0 {
		s.logger.Info().Str("schedule", cfg.Name).Str("library_id", cfg.LibraryID).Msg("Library empty, nothing to submit")
		return nil
	}

	posterIDs := make([]string, 0, len(items))
	for _, item := range items {
		posterIDs = append(posterIDs, item.ID)
	}

	jobIDs := make([]string, 0, 1)
	for start := 0; start < len(posterIDs); start += batch.MaxPostersPerJob {
		end := start + batch.MaxPostersPerJob
		if end > len(posterIDs) {
			end = len(posterIDs)
		}

		job, err := s.submitter.Submit(ctx, &models.BatchRequest{
			UserID:     cfg.UserID,
			Name:       cfg.Name,
			PosterIDs:  posterIDs[start:end],
			BadgeTypes: cfg.BadgeTypes,
			Source:     models.SourceScheduled,
		})
		if err != nil {
			return fmt.Errorf("failed to submit sweep for schedule %s: %w", cfg.Name, err)
		}
		jobIDs = append(jobIDs, job.ID)
	}

	s.logger.Info().
		Str("schedule", cfg.Name).
		Int("posters", len(posterIDs)).
		Int("jobs", len(jobIDs)).
		Msg("Scheduled sweep submitted")

	if s.events != nil {
		_ = s.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventScheduleFired,
			Payload: map[string]interface{}{
				"schedule": cfg.Name,
				"job_ids":  jobIDs,
				"posters":  len(posterIDs),
			},
		})
	}
	return nil
}

// activeSweepExists reports whether a scheduled job from this schedule
// is still queued or running.
func (s *Service) activeSweepExists(ctx context.Context, name string) (bool, error) {
	active, err := s.repo.GetActiveJobs(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check active jobs: %w", err)
	}
	queued, err := s.repo.GetQueuedJobs(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check queued jobs: %w", err)
	}

	for _, job := range append(active, queued...) {
		if job.Source == models.SourceScheduled && job.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// setResult records the outcome of a schedule fire.
func (s *Service) setResult(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.entries[name]
	if !exists {
		return
	}
	now := time.Now()
	entry.isRunning = false
	entry.lastRun = &now
	if err != nil {
		entry.lastError = err.Error()
	} else {
		entry.lastError = ""
	}
}

// staleLoop periodically fails processing jobs whose heartbeat stopped.
func (s *Service) staleLoop() {
	for {
		select {
		case <-s.staleStop:
			return
		case <-s.staleTicker.C:
			if err := s.DetectStaleJobs(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("Stale job detection failed")
			}
		}
	}
}

// DetectStaleJobs fails processing jobs whose heartbeat is older than
// the stale timeout. Their workers are presumed dead.
func (s *Service) DetectStaleJobs(ctx context.Context) error {
	stale, err := s.repo.FindStale(ctx, s.staleTimeout)
	if err != nil {
		return fmt.Errorf("failed to find stale jobs: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	s.logger.Warn().Int("count", len(stale)).Msg("Detected stale jobs")

	reason := fmt.Sprintf("job stale: no heartbeat for %s", s.staleTimeout)
	for _, job := range stale {
		if err := s.repo.SetJobError(ctx, job.ID, reason); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record stale job error")
			continue
		}
		if _, err := s.repo.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to fail stale job")
			continue
		}
		s.logger.Info().Str("job_id", job.ID).Msg("Marked stale job as failed")
	}
	return nil
}
