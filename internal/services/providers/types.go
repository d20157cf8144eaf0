// Package providers holds typed clients for the external metadata
// services used during badge enrichment: TMDB, OMDB, and Fanart.tv.
// Every client is rate limited and honours request contexts.
package providers

import (
	"fmt"
	"time"
)

// APIError represents a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: %s (status: %d, endpoint: %s)", e.Provider, e.Message, e.StatusCode, e.Endpoint)
}

// RateLimitError signals the provider asked us to back off.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded, retry after %s", e.Provider, e.RetryAfter)
}
