package batch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aphrodite-media/aphrodite/internal/common"
	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
	"github.com/aphrodite-media/aphrodite/internal/queue"
	"github.com/aphrodite-media/aphrodite/internal/services/progress"
	storage "github.com/aphrodite-media/aphrodite/internal/storage/badger"
)

// harness wires a real Badger store and queue against scripted fakes for
// everything external.
type harness struct {
	repo    interfaces.JobRepository
	queue   interfaces.QueueManager
	hub     *recordingHub
	tracker *progress.Tracker
	cfg     common.BatchConfig
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithQueue(t, time.Minute, 3)
}

func newHarnessWithQueue(t *testing.T, visibility time.Duration, maxReceive int) *harness {
	t.Helper()

	logger := common.GetLogger()
	db, err := storage.NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "db"),
	})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	qm, err := queue.NewBadgerQueue(db.Store().Badger(), logger, "test_batch", visibility, maxReceive)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}

	hub := &recordingHub{}
	repo := storage.NewJobStorage(db, logger)
	return &harness{
		repo:    repo,
		queue:   qm,
		hub:     hub,
		tracker: progress.NewTracker(repo, hub, logger),
		cfg: common.BatchConfig{
			MaxConcurrentJobs:   2,
			MaxRetriesPerPoster: 3,
		},
	}
}

func (h *harness) worker(p posterProcessor) *Worker {
	return NewWorker(h.repo, p, h.tracker, h.cfg, common.GetLogger())
}

func (h *harness) createJob(t *testing.T, posterIDs []string, badges []models.BadgeType) *models.BatchJob {
	t.Helper()
	job := models.NewBatchJob("u1", "test job", posterIDs, badges, models.SourceManual)
	if err := h.repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

// recordingHub captures the event stream for assertions.
type recordingHub struct {
	mu     sync.Mutex
	events []*models.ProgressEvent
	closed []string
}

func (h *recordingHub) BroadcastProgress(event *models.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	copied := *event
	h.events = append(h.events, &copied)
}

func (h *recordingHub) CloseJob(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, jobID)
}

// posterEvents returns the poster status sequence observed for one poster.
func (h *recordingHub) posterEvents(posterID string) []models.PosterState {
	h.mu.Lock()
	defer h.mu.Unlock()
	var states []models.PosterState
	for _, e := range h.events {
		if e.PosterID == posterID && e.Status != "" {
			states = append(states, e.Status)
		}
	}
	return states
}

func (h *recordingHub) lastEvent() *models.ProgressEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) == 0 {
		return nil
	}
	return h.events[len(h.events)-1]
}

// scriptedProcessor fails posters per script, then succeeds. onCall runs
// before each attempt and can poke at the repository (admin actions).
type scriptedProcessor struct {
	mu     sync.Mutex
	errs   map[string][]error
	calls  map[string]int
	onCall func(posterID string, call int)
}

func newScriptedProcessor() *scriptedProcessor {
	return &scriptedProcessor{
		errs:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

func (s *scriptedProcessor) failWith(posterID string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[posterID] = errs
}

func (s *scriptedProcessor) callCount(posterID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[posterID]
}

func (s *scriptedProcessor) ProcessPoster(ctx context.Context, posterID string, badgeTypes []models.BadgeType, jobID string) (*models.PosterResult, error) {
	s.mu.Lock()
	call := s.calls[posterID]
	s.calls[posterID]++
	script := s.errs[posterID]
	hook := s.onCall
	s.mu.Unlock()

	if hook != nil {
		hook(posterID, call)
	}
	if call < len(script) && script[call] != nil {
		return nil, script[call]
	}
	return &models.PosterResult{
		PosterID:      posterID,
		OutputPath:    "/output/processed/" + posterID + ".jpg",
		AppliedBadges: badgeTypes,
	}, nil
}
