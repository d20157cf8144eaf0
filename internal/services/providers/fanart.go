package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

const (
	// FanartDefaultBaseURL is the base URL for the Fanart.tv v3 API.
	FanartDefaultBaseURL = "https://webservice.fanart.tv/v3"

	fanartDefaultTimeout = 15 * time.Second
)

// FanartImage is one artwork entry with its community like count.
type FanartImage struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Lang  string `json:"lang"`
	Likes string `json:"likes"`
}

// FanartMovie is the artwork document for one movie.
type FanartMovie struct {
	Name        string        `json:"name"`
	TMDBID      string        `json:"tmdb_id"`
	MoviePoster []FanartImage `json:"movieposter"`
}

// FanartClient is a Fanart.tv API client.
type FanartClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
}

// FanartOption configures the FanartClient.
type FanartOption func(*FanartClient)

// WithFanartBaseURL sets a custom base URL.
func WithFanartBaseURL(baseURL string) FanartOption {
	return func(c *FanartClient) {
		c.baseURL = baseURL
	}
}

// WithFanartHTTPClient sets a custom HTTP client.
func WithFanartHTTPClient(httpClient *http.Client) FanartOption {
	return func(c *FanartClient) {
		c.httpClient = httpClient
	}
}

// WithFanartLogger sets a logger.
func WithFanartLogger(logger arbor.ILogger) FanartOption {
	return func(c *FanartClient) {
		c.logger = logger
	}
}

// WithFanartRateLimit sets the minimum interval between requests.
func WithFanartRateLimit(interval time.Duration) FanartOption {
	return func(c *FanartClient) {
		if interval > 0 {
			c.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
}

// NewFanartClient creates a new Fanart.tv API client.
func NewFanartClient(apiKey string, opts ...FanartOption) *FanartClient {
	c := &FanartClient{
		baseURL: FanartDefaultBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: fanartDefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetMovie retrieves the artwork document for a movie by TMDB id.
func (c *FanartClient) GetMovie(ctx context.Context, tmdbID string) (*FanartMovie, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &RateLimitError{Provider: "Fanart", RetryAfter: time.Second}
	}

	reqURL := fmt.Sprintf("%s/movies/%s?api_key=%s", c.baseURL, tmdbID, c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.logger != nil {
		c.logger.Debug().Str("tmdb_id", tmdbID).Msg("Fanart API request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{Provider: "Fanart", RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{
			Provider:   "Fanart",
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Endpoint:   "/movies/" + tmdbID,
		}
	}

	var movie FanartMovie
	if err := json.NewDecoder(resp.Body).Decode(&movie); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &movie, nil
}
