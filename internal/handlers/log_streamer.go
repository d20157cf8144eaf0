package handlers

import (
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	arborlevels "github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/aphrodite-media/aphrodite/internal/common"
)

// logStreamBuffer bounds the number of batches queued for streaming
// before the logger starts dropping them.
const logStreamBuffer = 10

// LogStreamer drains log batches from arbor's context channel and
// forwards them to WebSocket log-stream clients. Entries below the
// configured level or matching an exclude pattern are dropped.
type LogStreamer struct {
	handler         *WebSocketHandler
	channel         chan []arbormodels.LogEvent
	minLevel        arborlevels.LogLevel
	excludePatterns []string
	stop            chan struct{}
	wg              sync.WaitGroup
}

// NewLogStreamer creates a streamer for the given hub. Filtering is
// driven by the websocket section of the config.
func NewLogStreamer(handler *WebSocketHandler, wsConfig *common.WebSocketConfig) *LogStreamer {
	minLevel := arborlevels.InfoLevel
	var excludePatterns []string

	if wsConfig != nil {
		minLevel = parseLogLevel(wsConfig.MinLevel)
		excludePatterns = wsConfig.ExcludePatterns
	}
	if len(excludePatterns) == 0 {
		excludePatterns = []string{
			"WebSocket client connected",
			"WebSocket client disconnected",
			"HTTP request",
			"HTTP response",
		}
	}

	return &LogStreamer{
		handler:         handler,
		channel:         make(chan []arbormodels.LogEvent, logStreamBuffer),
		minLevel:        minLevel,
		excludePatterns: excludePatterns,
		stop:            make(chan struct{}),
	}
}

// Channel returns the channel to hand to arbor via SetChannel.
func (s *LogStreamer) Channel() chan []arbormodels.LogEvent {
	return s.channel
}

// Start launches the drain goroutine.
func (s *LogStreamer) Start() {
	s.wg.Add(1)
	go s.drain()
}

// Stop shuts the streamer down and waits for the drain loop to exit.
func (s *LogStreamer) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *LogStreamer) drain() {
	defer s.wg.Done()

	for {
		select {
		case batch, ok := <-s.channel:
			if !ok {
				return
			}
			for _, event := range batch {
				s.forward(event)
			}
		case <-s.stop:
			return
		}
	}
}

func (s *LogStreamer) forward(event arbormodels.LogEvent) {
	level := arborlevels.FromLogLevel(event.Level)
	if level < s.minLevel {
		return
	}
	for _, pattern := range s.excludePatterns {
		if strings.Contains(event.Message, pattern) {
			return
		}
	}

	s.handler.BroadcastLog(LogEntry{
		Timestamp: event.Timestamp.Format("15:04:05"),
		Level:     levelName(level),
		Message:   event.Message,
	})
}

// Attach registers the streamer's channel on the logger.
func (s *LogStreamer) Attach(logger arbor.ILogger) {
	logger.SetChannel("websocket", s.channel)
}

// parseLogLevel converts a config log level string to an arbor level.
func parseLogLevel(level string) arborlevels.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return arborlevels.ErrorLevel
	case "warn", "warning":
		return arborlevels.WarnLevel
	case "info":
		return arborlevels.InfoLevel
	case "debug":
		return arborlevels.DebugLevel
	default:
		return arborlevels.InfoLevel
	}
}

// levelName maps arbor log levels to the strings the UI expects.
func levelName(level arborlevels.LogLevel) string {
	switch level {
	case arborlevels.ErrorLevel:
		return "error"
	case arborlevels.WarnLevel:
		return "warn"
	case arborlevels.InfoLevel:
		return "info"
	case arborlevels.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}
