package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/aphrodite-media/aphrodite/internal/apperrors"
	"github.com/aphrodite-media/aphrodite/internal/common"
	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
	"github.com/aphrodite-media/aphrodite/internal/queue"
	"github.com/aphrodite-media/aphrodite/internal/services/progress"
	storage "github.com/aphrodite-media/aphrodite/internal/storage/badger"
)

type fakeSubmitter struct {
	repo    interfaces.JobRepository
	queue   interfaces.QueueManager
	lastReq *models.BatchRequest
	err     error
}

func (f *fakeSubmitter) Submit(ctx context.Context, req *models.BatchRequest) (*models.BatchJob, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	badges := make([]models.BadgeType, 0, len(req.BadgeTypes))
	for _, b := range req.BadgeTypes {
		badges = append(badges, models.BadgeType(b))
	}
	job := models.NewBatchJob(req.UserID, req.Name, req.PosterIDs, badges, req.Source)
	if err := f.repo.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

type fakeMedia struct {
	pingErr   error
	libraries []models.Library
}

func (f *fakeMedia) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeMedia) DownloadPrimary(ctx context.Context, itemID string) ([]byte, error) {
	return nil, nil
}
func (f *fakeMedia) UploadPrimary(ctx context.Context, itemID string, jpeg []byte) error { return nil }
func (f *fakeMedia) AddTag(ctx context.Context, itemID, tag string) error                { return nil }
func (f *fakeMedia) GetMedia(ctx context.Context, itemID string) (*models.MediaRecord, error) {
	return &models.MediaRecord{ID: itemID}, nil
}
func (f *fakeMedia) ListLibraries(ctx context.Context) ([]models.Library, error) {
	return f.libraries, nil
}
func (f *fakeMedia) GetLibraryItems(ctx context.Context, libraryID string) ([]models.MediaRecord, error) {
	return nil, nil
}

var _ interfaces.MediaServer = (*fakeMedia)(nil)

type handlerHarness struct {
	handler   *BatchHandler
	repo      interfaces.JobRepository
	queue     interfaces.QueueManager
	submitter *fakeSubmitter
	media     *fakeMedia
}

func newHandlerHarness(t *testing.T) *handlerHarness {
	t.Helper()

	logger := common.GetLogger()
	db, err := storage.NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "db"),
	})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	qm, err := queue.NewBadgerQueue(db.Store().Badger(), logger, "test_api", time.Minute, 3)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}

	repo := storage.NewJobStorage(db, logger)
	tracker := progress.NewTracker(repo, nil, logger)
	submitter := &fakeSubmitter{repo: repo, queue: qm}
	media := &fakeMedia{libraries: []models.Library{{ID: "lib1", Name: "Movies", CollectionType: "movies"}}}

	return &handlerHarness{
		handler:   NewBatchHandler(submitter, repo, qm, tracker, media, "1.2.3", logger),
		repo:      repo,
		queue:     qm,
		submitter: submitter,
		media:     media,
	}
}

func (h *handlerHarness) createJob(t *testing.T, status models.JobStatus) *models.BatchJob {
	t.Helper()
	ctx := context.Background()
	job := models.NewBatchJob("u1", "api test", []string{"P1", "P2"}, []models.BadgeType{models.BadgeAudio}, models.SourceManual)
	if err := h.repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	for _, step := range pathTo(status) {
		var err error
		if job, err = h.repo.UpdateJobStatus(ctx, job.ID, step); err != nil {
			t.Fatalf("UpdateJobStatus(%s): %v", step, err)
		}
	}
	return job
}

// pathTo returns the transition chain from queued to the target status.
func pathTo(status models.JobStatus) []models.JobStatus {
	switch status {
	case models.JobStatusQueued:
		return nil
	case models.JobStatusProcessing:
		return []models.JobStatus{models.JobStatusProcessing}
	case models.JobStatusPaused:
		return []models.JobStatus{models.JobStatusProcessing, models.JobStatusPaused}
	default:
		return []models.JobStatus{models.JobStatusProcessing, status}
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestCreateJobReturnsCreated(t *testing.T) {
	h := newHandlerHarness(t)

	payload, _ := json.Marshal(models.BatchRequest{
		UserID:     "u1",
		PosterIDs:  []string{"P1"},
		BadgeTypes: []string{"audio"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/batch/jobs", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.handler.CreateJobHandler(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if h.submitter.lastReq.Source != models.SourceAPI {
		t.Errorf("source = %s, want api default", h.submitter.lastReq.Source)
	}
}

func TestCreateJobValidationErrorIsBadRequest(t *testing.T) {
	h := newHandlerHarness(t)
	h.submitter.err = apperrors.New(apperrors.KindValidation, "batch.create", "empty_posters: at least one poster id is required")

	payload, _ := json.Marshal(models.BatchRequest{BadgeTypes: []string{"audio"}})
	req := httptest.NewRequest(http.MethodPost, "/api/batch/jobs", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.handler.CreateJobHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateJobRejectsMalformedBody(t *testing.T) {
	h := newHandlerHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/batch/jobs", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.handler.CreateJobHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	h := newHandlerHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/api/batch/jobs/missing", nil)
	rec := httptest.NewRecorder()
	h.handler.GetJobHandler(rec, req, "missing")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListJobsPagination(t *testing.T) {
	h := newHandlerHarness(t)
	for i := 0; i < 3; i++ {
		h.createJob(t, models.JobStatusQueued)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/batch/jobs?page=0&pageSize=2", nil)
	rec := httptest.NewRecorder()
	h.handler.ListJobsHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	jobs := body["jobs"].([]interface{})
	if len(jobs) != 2 {
		t.Errorf("page size = %d, want 2", len(jobs))
	}
	pagination := body["pagination"].(map[string]interface{})
	if int(pagination["total_items"].(float64)) != 3 {
		t.Errorf("total_items = %v, want 3", pagination["total_items"])
	}
	if int(pagination["total_pages"].(float64)) != 2 {
		t.Errorf("total_pages = %v, want 2", pagination["total_pages"])
	}
}

func TestCancelJobIsIdempotent(t *testing.T) {
	h := newHandlerHarness(t)
	job := h.createJob(t, models.JobStatusQueued)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/batch/jobs/"+job.ID+"/cancel", nil)
		rec := httptest.NewRecorder()
		h.handler.CancelJobHandler(rec, req, job.ID)
		if rec.Code != http.StatusOK {
			t.Fatalf("cancel %d: status = %d: %s", i+1, rec.Code, rec.Body.String())
		}
	}

	stored, err := h.repo.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != models.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", stored.Status)
	}
}

func TestCancelTerminalJobIsNoOp(t *testing.T) {
	h := newHandlerHarness(t)

	for _, status := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed} {
		job := h.createJob(t, status)

		req := httptest.NewRequest(http.MethodPost, "/api/batch/jobs/"+job.ID+"/cancel", nil)
		rec := httptest.NewRecorder()
		h.handler.CancelJobHandler(rec, req, job.ID)

		if rec.Code != http.StatusOK {
			t.Fatalf("cancel %s: status = %d, want 200: %s", status, rec.Code, rec.Body.String())
		}
		stored, err := h.repo.GetJob(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if stored.Status != status {
			t.Errorf("status after cancel = %s, want %s unchanged", stored.Status, status)
		}
	}
}

func TestPauseRequiresProcessing(t *testing.T) {
	h := newHandlerHarness(t)

	queued := h.createJob(t, models.JobStatusQueued)
	req := httptest.NewRequest(http.MethodPost, "/api/batch/jobs/"+queued.ID+"/pause", nil)
	rec := httptest.NewRecorder()
	h.handler.PauseJobHandler(rec, req, queued.ID)
	if rec.Code != http.StatusConflict {
		t.Errorf("pause queued: status = %d, want 409", rec.Code)
	}

	running := h.createJob(t, models.JobStatusProcessing)
	req = httptest.NewRequest(http.MethodPost, "/api/batch/jobs/"+running.ID+"/pause", nil)
	rec = httptest.NewRecorder()
	h.handler.PauseJobHandler(rec, req, running.ID)
	if rec.Code != http.StatusOK {
		t.Errorf("pause processing: status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestResumePausedReEnqueues(t *testing.T) {
	h := newHandlerHarness(t)
	job := h.createJob(t, models.JobStatusPaused)

	req := httptest.NewRequest(http.MethodPost, "/api/batch/jobs/"+job.ID+"/resume", nil)
	rec := httptest.NewRecorder()
	h.handler.ResumeJobHandler(rec, req, job.ID)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	stored, err := h.repo.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != models.JobStatusQueued {
		t.Errorf("status = %s, want queued", stored.Status)
	}

	length, err := h.queue.Length(context.Background())
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if length != 1 {
		t.Errorf("queue length = %d, want 1", length)
	}
}

func TestResumeQueuedJobIsNoOp(t *testing.T) {
	h := newHandlerHarness(t)
	job := h.createJob(t, models.JobStatusQueued)

	req := httptest.NewRequest(http.MethodPost, "/api/batch/jobs/"+job.ID+"/resume", nil)
	rec := httptest.NewRecorder()
	h.handler.ResumeJobHandler(rec, req, job.ID)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	length, err := h.queue.Length(context.Background())
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if length != 0 {
		t.Errorf("queue length = %d, want 0 for no-op resume", length)
	}
}

func TestResumeCancelledJobConflicts(t *testing.T) {
	h := newHandlerHarness(t)
	job := h.createJob(t, models.JobStatusCancelled)

	req := httptest.NewRequest(http.MethodPost, "/api/batch/jobs/"+job.ID+"/resume", nil)
	rec := httptest.NewRecorder()
	h.handler.ResumeJobHandler(rec, req, job.ID)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestProgressEndpoint(t *testing.T) {
	h := newHandlerHarness(t)
	job := h.createJob(t, models.JobStatusProcessing)
	if _, err := h.repo.IncrementCompleted(context.Background(), job.ID); err != nil {
		t.Fatalf("IncrementCompleted: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/batch/jobs/"+job.ID+"/progress", nil)
	rec := httptest.NewRecorder()
	h.handler.GetProgressHandler(rec, req, job.ID)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["job_id"] != job.ID {
		t.Errorf("job_id = %v", body["job_id"])
	}
	if int(body["completed"].(float64)) != 1 {
		t.Errorf("completed = %v, want 1", body["completed"])
	}
	if body["percent"].(float64) != 50 {
		t.Errorf("percent = %v, want 50", body["percent"])
	}
}

func TestListLibraries(t *testing.T) {
	h := newHandlerHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/api/libraries", nil)
	rec := httptest.NewRecorder()
	h.handler.ListLibrariesHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if int(body["count"].(float64)) != 1 {
		t.Errorf("count = %v, want 1", body["count"])
	}
}

func TestHealthDegradedWhenMediaServerDown(t *testing.T) {
	h := newHandlerHarness(t)
	h.media.pingErr = apperrors.New(apperrors.KindTransientNetwork, "jellyfin.ping", "connection refused")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	h.handler.HealthHandler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["media_server"] != "unreachable" {
		t.Errorf("media_server = %v", body["media_server"])
	}
}

func TestVersionHandler(t *testing.T) {
	h := newHandlerHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	rec := httptest.NewRecorder()
	h.handler.VersionHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["version"] != "1.2.3" {
		t.Errorf("version = %v", body["version"])
	}
}

type fakeDispatcher struct {
	ids []string
}

func (f *fakeDispatcher) Start() error       { return nil }
func (f *fakeDispatcher) Stop() error        { return nil }
func (f *fakeDispatcher) InFlight() []string { return f.ids }

var _ interfaces.Dispatcher = (*fakeDispatcher)(nil)

func TestStatusHandlerReportsQueueAndInFlight(t *testing.T) {
	h := newHandlerHarness(t)
	h.handler.SetDispatcher(&fakeDispatcher{ids: []string{"job-1", "job-2"}})

	if err := h.queue.Enqueue(context.Background(), &queue.JobMessage{JobID: "job-3"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/batch/status", nil)
	rec := httptest.NewRecorder()
	h.handler.StatusHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["in_flight_count"] != float64(2) {
		t.Errorf("in_flight_count = %v, want 2", body["in_flight_count"])
	}
	if body["queue_depth"] != float64(1) {
		t.Errorf("queue_depth = %v, want 1", body["queue_depth"])
	}
}

func TestStatusHandlerWithoutDispatcher(t *testing.T) {
	h := newHandlerHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/api/batch/status", nil)
	rec := httptest.NewRecorder()
	h.handler.StatusHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["in_flight_count"] != float64(0) {
		t.Errorf("in_flight_count = %v, want 0", body["in_flight_count"])
	}
}
