package server

import (
	"net/http"
	"strings"
)

// setupRoutes builds the route table. Job subresources are routed by
// path suffix off the collection prefix.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	batch := s.app.BatchHandler
	ws := s.app.WSHandler

	// WebSocket: progress subscriptions (?job_id=) and log streaming
	mux.HandleFunc("/ws", ws.HandleWebSocket)

	// Service endpoints
	mux.HandleFunc("/health", batch.HealthHandler)
	mux.HandleFunc("/api/health", batch.HealthHandler)
	mux.HandleFunc("/api/version", batch.VersionHandler)
	mux.HandleFunc("/api/logs", ws.GetRecentLogsHandler)
	mux.HandleFunc("/api/libraries", batch.ListLibrariesHandler)

	// Batch jobs
	mux.HandleFunc("/api/batch/status", batch.StatusHandler)
	mux.HandleFunc("/api/batch/jobs", s.handleJobsCollection)
	mux.HandleFunc("/api/batch/jobs/", s.handleJobRoutes)

	return mux
}

// handleJobsCollection serves the job collection endpoint.
func (s *Server) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.app.BatchHandler.CreateJobHandler(w, r)
	case http.MethodGet:
		s.app.BatchHandler.ListJobsHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobRoutes dispatches /api/batch/jobs/{id}[/action] requests.
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/batch/jobs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	jobID := parts[0]

	if len(parts) == 1 {
		s.app.BatchHandler.GetJobHandler(w, r, jobID)
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "posters":
			s.app.BatchHandler.GetPostersHandler(w, r, jobID)
		case "progress":
			s.app.BatchHandler.GetProgressHandler(w, r, jobID)
		case "cancel":
			s.app.BatchHandler.CancelJobHandler(w, r, jobID)
		case "pause":
			s.app.BatchHandler.PauseJobHandler(w, r, jobID)
		case "resume":
			s.app.BatchHandler.ResumeJobHandler(w, r, jobID)
		default:
			http.NotFound(w, r)
		}
		return
	}

	http.NotFound(w, r)
}
