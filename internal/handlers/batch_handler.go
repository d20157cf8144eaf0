package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/aphrodite-media/aphrodite/internal/apperrors"
	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
	"github.com/aphrodite-media/aphrodite/internal/queue"
	"github.com/aphrodite-media/aphrodite/internal/services/progress"
)

// BatchHandler serves the batch job REST API.
type BatchHandler struct {
	submitter  interfaces.JobSubmitter
	repo       interfaces.JobRepository
	queue      interfaces.QueueManager
	tracker    *progress.Tracker
	media      interfaces.MediaServer
	dispatcher interfaces.Dispatcher
	logger     arbor.ILogger
	version    string
}

func NewBatchHandler(submitter interfaces.JobSubmitter, repo interfaces.JobRepository, qm interfaces.QueueManager, tracker *progress.Tracker, media interfaces.MediaServer, version string, logger arbor.ILogger) *BatchHandler {
	return &BatchHandler{
		submitter: submitter,
		repo:      repo,
		queue:     qm,
		tracker:   tracker,
		media:     media,
		logger:    logger,
		version:   version,
	}
}

// SetDispatcher wires the dispatcher for the status endpoint. Without
// it the status report omits in-flight jobs.
func (h *BatchHandler) SetDispatcher(d interfaces.Dispatcher) {
	h.dispatcher = d
}

// CreateJobHandler handles POST /api/batch/jobs.
func (h *BatchHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req models.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Source == "" {
		req.Source = models.SourceAPI
	}

	job, err := h.submitter.Submit(r.Context(), &req)
	if err != nil {
		if apperrors.IsValidation(err) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("Job submission failed")
		WriteError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	WriteJSON(w, http.StatusCreated, job)
}

// ListJobsHandler handles GET /api/batch/jobs with optional status filter
// and pagination.
func (h *BatchHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	page, pageSize := GetPaginationParams(r)
	opts := &interfaces.ListOptions{
		Status: r.URL.Query().Get("status"),
		Limit:  pageSize,
		Offset: page * pageSize,
	}

	jobs, err := h.repo.ListJobs(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	total, err := h.repo.CountJobs(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to count jobs")
		WriteError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*models.BatchJob{}
	}

	totalPages := 0
	if pageSize > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": jobs,
		"pagination": PaginationResponse{
			Page:       page,
			PageSize:   pageSize,
			TotalItems: total,
			TotalPages: totalPages,
		},
	})
}

// GetJobHandler handles GET /api/batch/jobs/{id}.
func (h *BatchHandler) GetJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	job, err := h.repo.GetJob(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// GetPostersHandler handles GET /api/batch/jobs/{id}/posters.
func (h *BatchHandler) GetPostersHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	if _, err := h.repo.GetJob(r.Context(), jobID); err != nil {
		h.writeJobError(w, jobID, err)
		return
	}

	posters, err := h.repo.GetPosterStatuses(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to read poster statuses")
		WriteError(w, http.StatusInternalServerError, "failed to read poster statuses")
		return
	}
	if posters == nil {
		posters = []*models.PosterStatus{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"posters": posters,
		"count":   len(posters),
	})
}

// GetProgressHandler handles GET /api/batch/jobs/{id}/progress.
func (h *BatchHandler) GetProgressHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	snapshot, err := h.tracker.Progress(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}
	WriteJSON(w, http.StatusOK, snapshot)
}

// CancelJobHandler handles POST /api/batch/jobs/{id}/cancel. Cancel is
// idempotent: a job already in any terminal state is returned unchanged.
func (h *BatchHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	job, err := h.repo.GetJob(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}
	if job.Status.IsTerminal() {
		WriteJSON(w, http.StatusOK, job)
		return
	}
	h.transition(w, r, jobID, models.JobStatusCancelled)
}

// PauseJobHandler handles POST /api/batch/jobs/{id}/pause. Only a
// processing job can be paused; the worker parks it at the next poster
// boundary.
func (h *BatchHandler) PauseJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	h.transition(w, r, jobID, models.JobStatusPaused)
}

// ResumeJobHandler handles POST /api/batch/jobs/{id}/resume. A paused
// job returns to queued and is re-enqueued for dispatch; a job already
// queued or processing is left alone.
func (h *BatchHandler) ResumeJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	job, err := h.repo.GetJob(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}

	switch job.Status {
	case models.JobStatusQueued, models.JobStatusProcessing:
		WriteJSON(w, http.StatusOK, job)
		return
	case models.JobStatusPaused:
	default:
		WriteError(w, http.StatusConflict, "cannot resume a "+string(job.Status)+" job")
		return
	}

	updated, err := h.repo.UpdateJobStatus(r.Context(), jobID, models.JobStatusQueued)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}

	if err := h.queue.Enqueue(r.Context(), &queue.JobMessage{JobID: jobID, Priority: updated.Priority}); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to re-enqueue resumed job")
		WriteError(w, http.StatusInternalServerError, "job resumed but could not be re-enqueued")
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job resumed")
	WriteJSON(w, http.StatusOK, updated)
}

// transition applies a status change requested over the API.
func (h *BatchHandler) transition(w http.ResponseWriter, r *http.Request, jobID string, target models.JobStatus) {
	job, err := h.repo.UpdateJobStatus(r.Context(), jobID, target)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}
	h.logger.Info().Str("job_id", jobID).Str("status", string(target)).Msg("Job status changed via API")
	WriteJSON(w, http.StatusOK, job)
}

// ListLibrariesHandler handles GET /api/libraries.
func (h *BatchHandler) ListLibrariesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	libraries, err := h.media.ListLibraries(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list libraries")
		WriteError(w, http.StatusBadGateway, "media server unavailable")
		return
	}
	if libraries == nil {
		libraries = []models.Library{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"libraries": libraries,
		"count":     len(libraries),
	})
}

// HealthHandler handles GET /api/health. The media server check runs
// with a short timeout so a dead Jellyfin cannot hang the probe.
func (h *BatchHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	health := map[string]interface{}{
		"status":  "healthy",
		"version": h.version,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.media.Ping(ctx); err != nil {
		health["status"] = "degraded"
		health["media_server"] = "unreachable"
	} else {
		health["media_server"] = "connected"
	}

	if length, err := h.queue.Length(r.Context()); err == nil {
		health["queue_depth"] = length
	}

	code := http.StatusOK
	if health["status"] != "healthy" {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, health)
}

// StatusHandler handles GET /api/batch/status: the dispatcher snapshot
// plus queue depth.
func (h *BatchHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	inFlight := []string{}
	if h.dispatcher != nil {
		if ids := h.dispatcher.InFlight(); ids != nil {
			inFlight = ids
		}
	}

	status := map[string]interface{}{
		"in_flight":       inFlight,
		"in_flight_count": len(inFlight),
	}
	if length, err := h.queue.Length(r.Context()); err == nil {
		status["queue_depth"] = length
	}

	WriteJSON(w, http.StatusOK, status)
}

// VersionHandler handles GET /api/version.
func (h *BatchHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"version": h.version})
}

// writeJobError maps repository errors onto HTTP status codes.
func (h *BatchHandler) writeJobError(w http.ResponseWriter, jobID string, err error) {
	switch {
	case errors.Is(err, interfaces.ErrJobNotFound):
		WriteError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, interfaces.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Repository error")
		WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
