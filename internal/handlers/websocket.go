package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
	"github.com/aphrodite-media/aphrodite/internal/services/progress"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope for every message sent to a client.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// LogEntry is one log line shipped to log-stream clients.
type LogEntry struct {
	Index     int    `json:"index,omitempty"`
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// StatusUpdate is the greeting sent to every new log-stream client.
type StatusUpdate struct {
	Service          string `json:"service"`
	Status           string `json:"status"`
	Database         string `json:"database"`
	ServerInstanceID string `json:"serverInstanceId"` // Clients clear state when this changes
}

// WebSocketHandler fans progress events out to per-job subscriber sets
// and streams service logs to unscoped clients. Events for one job are
// written in the order BroadcastProgress is called.
type WebSocketHandler struct {
	logger arbor.ILogger
	repo   interfaces.JobRepository

	mu          sync.RWMutex
	clients     map[*websocket.Conn]bool            // log/status stream
	jobClients  map[string]map[*websocket.Conn]bool // keyed by job id
	clientMutex map[*websocket.Conn]*sync.Mutex

	serverInstanceID string // Unique ID generated on startup - clients use to detect server restart
}

var _ interfaces.ProgressBroadcaster = (*WebSocketHandler)(nil)

func NewWebSocketHandler(repo interfaces.JobRepository, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		repo:             repo,
		clients:          make(map[*websocket.Conn]bool),
		jobClients:       make(map[string]map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		serverInstanceID: uuid.New().String(),
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized with server instance ID")
	return h
}

// HandleWebSocket upgrades the connection. With a job_id query parameter
// the client is subscribed to that job's progress stream and receives a
// snapshot of the current aggregate progress first; without one it joins
// the service log stream.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	jobID := r.URL.Query().Get("job_id")

	h.mu.Lock()
	h.clientMutex[conn] = &sync.Mutex{}
	if jobID != "" {
		if h.jobClients[jobID] == nil {
			h.jobClients[jobID] = make(map[*websocket.Conn]bool)
		}
		h.jobClients[jobID][conn] = true
	} else {
		h.clients[conn] = true
	}
	h.mu.Unlock()

	h.logger.Debug().Str("job_id", jobID).Msg("WebSocket client connected")

	if jobID != "" {
		h.sendSnapshot(conn, jobID)
	} else {
		h.sendStatus(conn)
	}

	defer func() {
		h.removeConn(conn)
		conn.Close()
		h.logger.Debug().Str("job_id", jobID).Msg("WebSocket client disconnected")
	}()

	// Read messages from client (keep connection alive)
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// BroadcastProgress sends one progress event to every subscriber of the
// event's job. A subscriber that fails a write is dropped.
func (h *WebSocketHandler) BroadcastProgress(event *models.ProgressEvent) {
	msg := WSMessage{
		Type:    "progress",
		Payload: event,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal progress message")
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.jobClients[event.JobID]))
	mutexes := make([]*sync.Mutex, 0, len(h.jobClients[event.JobID]))
	for conn := range h.jobClients[event.JobID] {
		conns = append(conns, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("job_id", event.JobID).Msg("Dropping progress subscriber after failed write")
			h.removeConn(conn)
			conn.Close()
		}
	}
}

// CloseJob closes every subscription for a job after its terminal event
// has been delivered.
func (h *WebSocketHandler) CloseJob(jobID string) {
	h.mu.Lock()
	set := h.jobClients[jobID]
	delete(h.jobClients, jobID)
	mutexes := make(map[*websocket.Conn]*sync.Mutex, len(set))
	for conn := range set {
		mutexes[conn] = h.clientMutex[conn]
		delete(h.clientMutex, conn)
	}
	h.mu.Unlock()

	closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	for conn, mutex := range mutexes {
		if mutex != nil {
			mutex.Lock()
			conn.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(time.Second))
			mutex.Unlock()
		}
		conn.Close()
	}

	if len(set) > 0 {
		h.logger.Debug().Str("job_id", jobID).Int("subscribers", len(set)).Msg("Closed job subscriptions")
	}
}

// BroadcastLog sends a log line to every log-stream client.
func (h *WebSocketHandler) BroadcastLog(entry LogEntry) {
	msg := WSMessage{
		Type:    "log",
		Payload: entry,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.removeConn(conn)
			conn.Close()
		}
	}
}

// sendSnapshot sends the current aggregate progress to a new subscriber
// so it can render state before the next transition arrives.
func (h *WebSocketHandler) sendSnapshot(conn *websocket.Conn, jobID string) {
	job, err := h.repo.GetJob(context.Background(), jobID)
	if err != nil {
		h.writeTo(conn, WSMessage{
			Type:    "error",
			Payload: map[string]string{"job_id": jobID, "error": "job not found"},
		})
		h.removeConn(conn)
		conn.Close()
		return
	}

	h.writeTo(conn, WSMessage{
		Type:    "snapshot",
		Payload: progress.Snapshot(job),
	})
}

// sendStatus sends the greeting to a new log-stream client.
func (h *WebSocketHandler) sendStatus(conn *websocket.Conn) {
	h.writeTo(conn, WSMessage{
		Type: "status",
		Payload: StatusUpdate{
			Service:          "ONLINE",
			Status:           "ONLINE",
			Database:         "CONNECTED",
			ServerInstanceID: h.serverInstanceID,
		},
	})
}

func (h *WebSocketHandler) writeTo(conn *websocket.Conn, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal message")
		return
	}

	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()

	if mutex != nil {
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
		}
	}
}

// removeConn forgets a connection in all maps. Safe to call twice.
func (h *WebSocketHandler) removeConn(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
	delete(h.clientMutex, conn)
	for jobID, set := range h.jobClients {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.jobClients, jobID)
		}
	}
}

// GetRecentLogsHandler returns recent service logs as JSON.
func (h *WebSocketHandler) GetRecentLogsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	memWriter := arbor.GetRegisteredMemoryWriter(arbor.WRITER_MEMORY)
	var logs []LogEntry

	if memWriter != nil {
		entries, err := memWriter.GetEntriesWithLimit(100)
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to get log entries")
			http.Error(w, "Failed to retrieve logs", http.StatusInternalServerError)
			return
		}

		// Map keys are timestamps - sorting gives chronological order
		keys := make([]string, 0, len(entries))
		for key := range entries {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			logLine := entries[key]
			// Skip internal handler logs
			if strings.Contains(logLine, "WebSocket client connected") ||
				strings.Contains(logLine, "WebSocket client disconnected") ||
				strings.Contains(logLine, "HTTP request") ||
				strings.Contains(logLine, "HTTP response") {
				continue
			}

			parts := strings.SplitN(logLine, "|", 3)
			if len(parts) != 3 {
				continue
			}

			levelStr := strings.TrimSpace(parts[0])
			dateTime := strings.TrimSpace(parts[1])
			message := strings.TrimSpace(parts[2])

			// Parse timestamp from "Oct  2 16:27:13" format
			timeParts := strings.Fields(dateTime)
			var timestamp string
			if len(timeParts) >= 3 {
				timestamp = timeParts[len(timeParts)-1]
			} else {
				timestamp = time.Now().Format("15:04:05")
			}

			level := "INF"
			switch levelStr {
			case "ERR", "ERROR", "FATAL", "PANIC":
				level = "ERR"
			case "WRN", "WARN":
				level = "WRN"
			case "INF", "INFO":
				level = "INF"
			case "DBG", "DEBUG":
				level = "DBG"
			}

			logs = append(logs, LogEntry{
				Index:     len(logs),
				Timestamp: timestamp,
				Level:     level,
				Message:   message,
			})
		}
	}

	if logs == nil {
		logs = []LogEntry{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}
