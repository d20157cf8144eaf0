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
	// OMDBDefaultBaseURL is the base URL for the OMDB API.
	OMDBDefaultBaseURL = "https://www.omdbapi.com"

	omdbDefaultTimeout = 15 * time.Second
)

// OMDBRating is one entry of OMDB's Ratings array, e.g.
// {"Source": "Rotten Tomatoes", "Value": "91%"}.
type OMDBRating struct {
	Source string `json:"Source"`
	Value  string `json:"Value"`
}

// OMDBTitle is the subset of an OMDB title document the extractors read.
// OMDB reports errors inside a 200 response via Response/Error.
type OMDBTitle struct {
	Title      string       `json:"Title"`
	IMDBRating string       `json:"imdbRating"`
	IMDBVotes  string       `json:"imdbVotes"`
	Metascore  string       `json:"Metascore"`
	Ratings    []OMDBRating `json:"Ratings"`
	Response   string       `json:"Response"`
	Error      string       `json:"Error"`
}

// OMDBClient is an OMDB API client.
type OMDBClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
}

// OMDBOption configures the OMDBClient.
type OMDBOption func(*OMDBClient)

// WithOMDBBaseURL sets a custom base URL.
func WithOMDBBaseURL(baseURL string) OMDBOption {
	return func(c *OMDBClient) {
		c.baseURL = baseURL
	}
}

// WithOMDBHTTPClient sets a custom HTTP client.
func WithOMDBHTTPClient(httpClient *http.Client) OMDBOption {
	return func(c *OMDBClient) {
		c.httpClient = httpClient
	}
}

// WithOMDBLogger sets a logger.
func WithOMDBLogger(logger arbor.ILogger) OMDBOption {
	return func(c *OMDBClient) {
		c.logger = logger
	}
}

// WithOMDBRateLimit sets the minimum interval between requests.
func WithOMDBRateLimit(interval time.Duration) OMDBOption {
	return func(c *OMDBClient) {
		if interval > 0 {
			c.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
}

// NewOMDBClient creates a new OMDB API client.
func NewOMDBClient(apiKey string, opts ...OMDBOption) *OMDBClient {
	c := &OMDBClient{
		baseURL: OMDBDefaultBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: omdbDefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetByIMDBID retrieves a title document by IMDb id (e.g. "tt0111161").
func (c *OMDBClient) GetByIMDBID(ctx context.Context, imdbID string) (*OMDBTitle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &RateLimitError{Provider: "OMDB", RetryAfter: time.Second}
	}

	params := url.Values{}
	params.Set("apikey", c.apiKey)
	params.Set("i", imdbID)

	reqURL := fmt.Sprintf("%s/?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.logger != nil {
		c.logger.Debug().Str("imdb_id", imdbID).Msg("OMDB API request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{Provider: "OMDB", RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{
			Provider:   "OMDB",
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Endpoint:   "/",
		}
	}

	var title OMDBTitle
	if err := json.NewDecoder(resp.Body).Decode(&title); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if title.Response == "False" {
		return nil, &APIError{
			Provider:   "OMDB",
			StatusCode: http.StatusNotFound,
			Message:    title.Error,
			Endpoint:   "/",
		}
	}
	return &title, nil
}
