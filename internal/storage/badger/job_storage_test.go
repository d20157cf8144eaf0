package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
)

func newTestStorage(t *testing.T) interfaces.JobRepository {
	t.Helper()

	tmpDir := t.TempDir()

	options := badgerhold.DefaultOptions
	options.Dir = tmpDir
	options.ValueDir = tmpDir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	db := &BadgerDB{store: store}
	return NewJobStorage(db, arbor.NewLogger())
}

func newTestJob(posterIDs []string) *models.BatchJob {
	return models.NewBatchJob("user-1", "test job", posterIDs, []models.BadgeType{models.BadgeAudio}, models.SourceManual)
}

func TestCreateJobWritesPosterRows(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob([]string{"p1", "p2", "p3"})
	if err := storage.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := storage.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != models.JobStatusQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
	if got.TotalPosters != 3 {
		t.Errorf("total posters = %d, want 3", got.TotalPosters)
	}

	rows, err := storage.GetPosterStatuses(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetPosterStatuses: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("poster rows = %d, want 3", len(rows))
	}
	for _, row := range rows {
		if row.Status != models.PosterPending {
			t.Errorf("poster %s status = %s, want pending", row.PosterID, row.Status)
		}
	}
}

func TestCreateJobAtSelectionCap(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = fmt.Sprintf("poster-%04d", i)
	}

	job := newTestJob(ids)
	if err := storage.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob with %d posters: %v", len(ids), err)
	}

	rows, err := storage.GetPosterStatuses(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetPosterStatuses: %v", err)
	}
	if len(rows) != len(ids) {
		t.Errorf("poster rows = %d, want %d", len(rows), len(ids))
	}

	if err := storage.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	rows, err = storage.GetPosterStatuses(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetPosterStatuses after delete: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("poster rows after delete = %d, want 0", len(rows))
	}
}

func TestCreateJobDuplicateID(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob([]string{"p1"})
	if err := storage.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	err := storage.CreateJob(ctx, job)
	if !errors.Is(err, interfaces.ErrJobExists) {
		t.Errorf("expected ErrJobExists, got %v", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	storage := newTestStorage(t)

	_, err := storage.GetJob(context.Background(), "missing")
	if !errors.Is(err, interfaces.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestUpdateJobStatusEnforcesLattice(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob([]string{"p1"})
	if err := storage.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	// queued -> completed is illegal
	if _, err := storage.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted); !errors.Is(err, interfaces.ErrInvalidTransition) {
		t.Errorf("queued->completed: expected ErrInvalidTransition, got %v", err)
	}

	// queued -> processing stamps started_at
	updated, err := storage.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing)
	if err != nil {
		t.Fatalf("queued->processing: %v", err)
	}
	if updated.StartedAt == nil {
		t.Error("started_at not stamped")
	}

	// processing -> completed stamps completed_at
	updated, err = storage.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted)
	if err != nil {
		t.Fatalf("processing->completed: %v", err)
	}
	if updated.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}

	// terminal jobs never move again
	if _, err := storage.UpdateJobStatus(ctx, job.ID, models.JobStatusQueued); !errors.Is(err, interfaces.ErrInvalidTransition) {
		t.Errorf("completed->queued: expected ErrInvalidTransition, got %v", err)
	}
}

func TestUpdateJobStatusSameStateIsNoOp(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob([]string{"p1"})
	if err := storage.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.UpdateJobStatus(ctx, job.ID, models.JobStatusCancelled); err != nil {
		t.Fatal(err)
	}

	// Double cancel stays quiet.
	got, err := storage.UpdateJobStatus(ctx, job.ID, models.JobStatusCancelled)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if got.Status != models.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestCounterIncrementsAreSerialised(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	posterIDs := make([]string, 50)
	for i := range posterIDs {
		posterIDs[i] = fmt.Sprintf("p%02d", i)
	}
	job := newTestJob(posterIDs)
	if err := storage.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := storage.IncrementCompleted(ctx, job.ID); err != nil {
				t.Errorf("IncrementCompleted: %v", err)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := storage.IncrementFailed(ctx, job.ID); err != nil {
				t.Errorf("IncrementFailed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := storage.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedPosters != 30 || got.FailedPosters != 20 {
		t.Errorf("counters = %d/%d, want 30/20", got.CompletedPosters, got.FailedPosters)
	}
	if !got.CountersConsistent() {
		t.Error("counters inconsistent after concurrent increments")
	}
}

func TestCounterOverflowRejected(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob([]string{"p1"})
	if err := storage.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.IncrementCompleted(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	_, err := storage.IncrementFailed(ctx, job.ID)
	if !errors.Is(err, interfaces.ErrCounterOverflow) {
		t.Errorf("expected ErrCounterOverflow, got %v", err)
	}
}

func TestPosterStatusRoundTrip(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob([]string{"p1", "p2"})
	if err := storage.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	row, err := storage.GetPosterStatus(ctx, job.ID, "p1")
	if err != nil {
		t.Fatalf("GetPosterStatus: %v", err)
	}
	if err := row.MarkProcessing(); err != nil {
		t.Fatal(err)
	}
	if err := row.MarkCompleted("/output/processed/abc.jpg", []models.BadgeType{models.BadgeAudio}); err != nil {
		t.Fatal(err)
	}
	if err := storage.UpdatePosterStatus(ctx, row); err != nil {
		t.Fatalf("UpdatePosterStatus: %v", err)
	}

	got, err := storage.GetPosterStatus(ctx, job.ID, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.PosterCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.OutputPath != "/output/processed/abc.jpg" {
		t.Errorf("output path = %q", got.OutputPath)
	}

	_, err = storage.GetPosterStatus(ctx, job.ID, "p9")
	if !errors.Is(err, interfaces.ErrPosterNotFound) {
		t.Errorf("expected ErrPosterNotFound, got %v", err)
	}
}

func TestPosterRowsIsolatedPerJob(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	jobA := newTestJob([]string{"p1", "p2"})
	jobB := newTestJob([]string{"p1"}) // same poster id in a different job
	if err := storage.CreateJob(ctx, jobA); err != nil {
		t.Fatal(err)
	}
	if err := storage.CreateJob(ctx, jobB); err != nil {
		t.Fatal(err)
	}

	rowsA, err := storage.GetPosterStatuses(ctx, jobA.ID)
	if err != nil {
		t.Fatal(err)
	}
	rowsB, err := storage.GetPosterStatuses(ctx, jobB.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rowsA) != 2 || len(rowsB) != 1 {
		t.Errorf("rows = %d/%d, want 2/1", len(rowsA), len(rowsB))
	}
}

func TestGetQueuedJobsPriorityOrder(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	low := newTestJob([]string{"p1"})
	low.Priority = models.PriorityScheduled
	low.CreatedAt = time.Now().Add(-3 * time.Hour)

	high := newTestJob([]string{"p1"})
	high.Priority = models.PriorityHigh
	high.CreatedAt = time.Now().Add(-1 * time.Hour)

	normalOld := newTestJob([]string{"p1"})
	normalOld.Priority = models.PriorityNormal
	normalOld.CreatedAt = time.Now().Add(-2 * time.Hour)

	normalNew := newTestJob([]string{"p1"})
	normalNew.Priority = models.PriorityNormal
	normalNew.CreatedAt = time.Now().Add(-1 * time.Minute)

	for _, j := range []*models.BatchJob{low, high, normalOld, normalNew} {
		if err := storage.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	queued, err := storage.GetQueuedJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 4 {
		t.Fatalf("queued = %d, want 4", len(queued))
	}

	wantOrder := []string{high.ID, normalOld.ID, normalNew.ID, low.ID}
	for i, want := range wantOrder {
		if queued[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, queued[i].ID, want)
		}
	}
}

func TestListJobsFilterAndPaging(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job := newTestJob([]string{"p1"})
		job.CreatedAt = time.Now().Add(time.Duration(-i) * time.Hour)
		if err := storage.CreateJob(ctx, job); err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			if _, err := storage.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing); err != nil {
				t.Fatal(err)
			}
		}
	}

	all, err := storage.ListJobs(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("all jobs = %d, want 5", len(all))
	}
	// Newest first.
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Error("jobs not sorted newest first")
		}
	}

	queued, err := storage.ListJobs(ctx, &interfaces.ListOptions{Status: string(models.JobStatusQueued)})
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 4 {
		t.Errorf("queued jobs = %d, want 4", len(queued))
	}

	page, err := storage.ListJobs(ctx, &interfaces.ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Errorf("page size = %d, want 2", len(page))
	}

	count, err := storage.CountJobs(ctx, &interfaces.ListOptions{Status: string(models.JobStatusQueued)})
	if err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Errorf("count = %d, want 4", count)
	}
}

func TestRequeueInterrupted(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	running := newTestJob([]string{"p1", "p2"})
	queued := newTestJob([]string{"p1"})
	done := newTestJob([]string{"p1"})

	for _, j := range []*models.BatchJob{running, queued, done} {
		if err := storage.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := storage.UpdateJobStatus(ctx, running.ID, models.JobStatusProcessing); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.UpdateJobStatus(ctx, done.ID, models.JobStatusProcessing); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.IncrementCompleted(ctx, done.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.UpdateJobStatus(ctx, done.ID, models.JobStatusCompleted); err != nil {
		t.Fatal(err)
	}

	requeued, err := storage.RequeueInterrupted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(requeued) != 1 || requeued[0].ID != running.ID {
		t.Fatalf("requeued = %v, want just the processing job", len(requeued))
	}

	got, err := storage.GetJob(ctx, running.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.JobStatusQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
	// StartedAt survives so resumed jobs keep their history.
	if got.StartedAt == nil {
		t.Error("started_at lost during requeue")
	}
}

func TestFindStale(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	fresh := newTestJob([]string{"p1"})
	stale := newTestJob([]string{"p1"})
	for _, j := range []*models.BatchJob{fresh, stale} {
		if err := storage.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
		if _, err := storage.UpdateJobStatus(ctx, j.ID, models.JobStatusProcessing); err != nil {
			t.Fatal(err)
		}
	}

	// Age the stale job's heartbeat well past any timeout.
	old := time.Now().Add(-time.Hour)
	aged, err := storage.GetJob(ctx, stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	aged.LastHeartbeat = &old
	if err := storage.UpdateJob(ctx, aged); err != nil {
		t.Fatal(err)
	}
	if err := storage.Heartbeat(ctx, fresh.ID); err != nil {
		t.Fatal(err)
	}

	found, err := storage.FindStale(ctx, 15*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].ID != stale.ID {
		t.Errorf("stale = %d jobs, want just the aged one", len(found))
	}
}

func TestDeleteJobRemovesPosterRows(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob([]string{"p1", "p2"})
	if err := storage.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := storage.DeleteJob(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := storage.GetJob(ctx, job.ID); !errors.Is(err, interfaces.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound after delete, got %v", err)
	}
	rows, err := storage.GetPosterStatuses(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("poster rows = %d, want 0 after delete", len(rows))
	}

	// Deleting again is a no-op.
	if err := storage.DeleteJob(ctx, job.ID); err != nil {
		t.Errorf("second delete: %v", err)
	}
}
