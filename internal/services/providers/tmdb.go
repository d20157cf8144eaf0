package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

const (
	// TMDBDefaultBaseURL is the base URL for the TMDB v3 API.
	TMDBDefaultBaseURL = "https://api.themoviedb.org/3"

	tmdbDefaultTimeout = 15 * time.Second
)

// TMDBMovie is the subset of a TMDB movie document the extractors read.
type TMDBMovie struct {
	ID          int     `json:"id"`
	Title       string  `json:"title"`
	VoteAverage float64 `json:"vote_average"`
	VoteCount   int     `json:"vote_count"`
}

// TMDBClient is a TMDB API client.
type TMDBClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
}

// TMDBOption configures the TMDBClient.
type TMDBOption func(*TMDBClient)

// WithTMDBBaseURL sets a custom base URL.
func WithTMDBBaseURL(baseURL string) TMDBOption {
	return func(c *TMDBClient) {
		c.baseURL = baseURL
	}
}

// WithTMDBHTTPClient sets a custom HTTP client.
func WithTMDBHTTPClient(httpClient *http.Client) TMDBOption {
	return func(c *TMDBClient) {
		c.httpClient = httpClient
	}
}

// WithTMDBLogger sets a logger.
func WithTMDBLogger(logger arbor.ILogger) TMDBOption {
	return func(c *TMDBClient) {
		c.logger = logger
	}
}

// WithTMDBRateLimit sets the minimum interval between requests.
func WithTMDBRateLimit(interval time.Duration) TMDBOption {
	return func(c *TMDBClient) {
		if interval > 0 {
			c.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
}

// NewTMDBClient creates a new TMDB API client.
func NewTMDBClient(apiKey string, opts ...TMDBOption) *TMDBClient {
	c := &TMDBClient{
		baseURL: TMDBDefaultBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: tmdbDefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetMovie retrieves a movie document by TMDB id.
func (c *TMDBClient) GetMovie(ctx context.Context, tmdbID string) (*TMDBMovie, error) {
	var movie TMDBMovie
	if err := c.get(ctx, "/movie/"+tmdbID, nil, &movie); err != nil {
		return nil, err
	}
	return &movie, nil
}

func (c *TMDBClient) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &RateLimitError{Provider: "TMDB", RetryAfter: time.Second}
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", c.apiKey)

	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if c.logger != nil {
		c.logger.Debug().Str("path", path).Msg("TMDB API request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Provider: "TMDB", RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{
			Provider:   "TMDB",
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Endpoint:   path,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// retryAfter reads the Retry-After header, defaulting to one second.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		var seconds int
		if _, err := fmt.Sscanf(v, "%d", &seconds); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return time.Second
}
