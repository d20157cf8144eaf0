package jellyfin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/aphrodite-media/aphrodite/internal/apperrors"
	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
)

const (
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// itemFields asks Jellyfin to include the metadata the extractors read.
	itemFields = "MediaStreams,ProviderIds,Tags,ProductionYear"
)

// Client is a Jellyfin API client. Authentication uses the API token
// header on every request; base URL and token are fixed at construction.
type Client struct {
	baseURL    string
	apiKey     string
	userID     string
	httpClient *http.Client
	logger     arbor.ILogger
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new Jellyfin API client.
func NewClient(baseURL, apiKey, userID string, opts ...ClientOption) interfaces.MediaServer {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		userID:  userID,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// -----------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------

// Ping verifies connectivity and the API token.
func (c *Client) Ping(ctx context.Context) error {
	body, err := c.do(ctx, http.MethodGet, "/System/Info", nil, nil, "", "jellyfin.ping")
	if err != nil {
		return err
	}
	body.Close()
	return nil
}

// DownloadPrimary fetches the current primary poster bytes for an item.
func (c *Client) DownloadPrimary(ctx context.Context, itemID string) ([]byte, error) {
	const op = "jellyfin.download_primary"

	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/Items/%s/Images/Primary", itemID), nil, nil, "", op)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientNetwork, op, err)
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.KindPermanentRemote, op, "empty image response")
	}

	if c.logger != nil {
		c.logger.Debug().Str("item_id", itemID).Int("bytes", len(data)).Msg("Downloaded primary image")
	}
	return data, nil
}

// UploadPrimary replaces the primary poster for an item. Jellyfin
// expects the image body base64 encoded.
func (c *Client) UploadPrimary(ctx context.Context, itemID string, jpeg []byte) error {
	const op = "jellyfin.upload_primary"

	if len(jpeg) == 0 {
		return apperrors.New(apperrors.KindPermanentRemote, op, "refusing to upload empty image")
	}

	encoded := base64.StdEncoding.EncodeToString(jpeg)
	body, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/Items/%s/Images/Primary", itemID),
		nil, bytes.NewReader([]byte(encoded)), "image/jpeg", op)
	if err != nil {
		return err
	}
	body.Close()

	if c.logger != nil {
		c.logger.Debug().Str("item_id", itemID).Int("bytes", len(jpeg)).Msg("Uploaded primary image")
	}
	return nil
}

// AddTag adds a tag to an item, preserving every other field. Jellyfin
// has no tag endpoint, so the item document is fetched, amended, and
// posted back whole. Adding an existing tag is a no-op.
func (c *Client) AddTag(ctx context.Context, itemID, tag string) error {
	const op = "jellyfin.add_tag"

	body, err := c.do(ctx, http.MethodGet, c.userItemPath(itemID), nil, nil, "", op)
	if err != nil {
		return err
	}
	raw, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransientNetwork, op, err)
	}

	var item map[string]interface{}
	if err := json.Unmarshal(raw, &item); err != nil {
		return apperrors.Wrap(apperrors.KindPermanentRemote, op, err)
	}

	tags := stringSlice(item["Tags"])
	for _, t := range tags {
		if t == tag {
			return nil
		}
	}
	item["Tags"] = append(tags, tag)

	payload, err := json.Marshal(item)
	if err != nil {
		return apperrors.Wrap(apperrors.KindPermanentRemote, op, err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/Items/"+itemID, nil, bytes.NewReader(payload), "application/json", op)
	if err != nil {
		return err
	}
	resp.Close()

	if c.logger != nil {
		c.logger.Debug().Str("item_id", itemID).Str("tag", tag).Msg("Tagged item")
	}
	return nil
}

// GetMedia fetches the technical metadata record for an item.
func (c *Client) GetMedia(ctx context.Context, itemID string) (*models.MediaRecord, error) {
	const op = "jellyfin.get_media"

	params := url.Values{}
	params.Set("Fields", itemFields)

	body, err := c.do(ctx, http.MethodGet, c.userItemPath(itemID), params, nil, "", op)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var item itemDTO
	if err := json.NewDecoder(body).Decode(&item); err != nil {
		return nil, apperrors.Wrap(apperrors.KindPermanentRemote, op, err)
	}
	return item.toMediaRecord(), nil
}

// ListLibraries returns the server's media libraries.
func (c *Client) ListLibraries(ctx context.Context) ([]models.Library, error) {
	const op = "jellyfin.list_libraries"

	body, err := c.do(ctx, http.MethodGet, "/Library/VirtualFolders", nil, nil, "", op)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var folders []virtualFolderDTO
	if err := json.NewDecoder(body).Decode(&folders); err != nil {
		return nil, apperrors.Wrap(apperrors.KindPermanentRemote, op, err)
	}

	libraries := make([]models.Library, len(folders))
	for i, f := range folders {
		libraries[i] = models.Library{
			ID:             f.ItemID,
			Name:           f.Name,
			CollectionType: f.CollectionType,
		}
	}
	return libraries, nil
}

// GetLibraryItems lists movies and series in a library. Scheduled runs
// use this to build their poster selections.
func (c *Client) GetLibraryItems(ctx context.Context, libraryID string) ([]models.MediaRecord, error) {
	const op = "jellyfin.get_library_items"

	params := url.Values{}
	params.Set("ParentId", libraryID)
	params.Set("IncludeItemTypes", "Movie,Series")
	params.Set("Recursive", "true")
	params.Set("Fields", itemFields)

	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/Users/%s/Items", c.userID), params, nil, "", op)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var page itemsPageDTO
	if err := json.NewDecoder(body).Decode(&page); err != nil {
		return nil, apperrors.Wrap(apperrors.KindPermanentRemote, op, err)
	}

	records := make([]models.MediaRecord, len(page.Items))
	for i := range page.Items {
		records[i] = *page.Items[i].toMediaRecord()
	}
	return records, nil
}

// -----------------------------------------------------------------------
// Transport
// -----------------------------------------------------------------------

// do executes one request and classifies any failure. The caller owns
// the returned body and must close it.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body io.Reader, contentType, op string) (io.ReadCloser, error) {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindPermanentRemote, op, err)
	}
	req.Header.Set("X-Emby-Token", c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if c.logger != nil {
		c.logger.Trace().Str("method", method).Str("path", path).Msg("Jellyfin API request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientNetwork, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, apperrors.New(kindForStatus(resp.StatusCode), op,
			fmt.Sprintf("jellyfin returned %d: %s", resp.StatusCode, string(snippet)))
	}

	return resp.Body, nil
}

func (c *Client) userItemPath(itemID string) string {
	return fmt.Sprintf("/Users/%s/Items/%s", c.userID, itemID)
}

// kindForStatus maps HTTP status classes to the retry taxonomy: 429 is
// rate limiting, 5xx is transient, everything else 4xx is permanent.
func kindForStatus(code int) apperrors.Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return apperrors.KindRateLimited
	case code >= 500:
		return apperrors.KindTransientNetwork
	default:
		return apperrors.KindPermanentRemote
	}
}

func stringSlice(v interface{}) []interface{} {
	if s, ok := v.([]interface{}); ok {
		return s
	}
	return nil
}
