package interfaces

import (
	"context"

	"github.com/aphrodite-media/aphrodite/internal/models"
)

// MediaServer is the contract for the Jellyfin HTTP client. All methods
// return classified errors: 404 and 4xx map to permanent failures, 429
// to rate limiting, transport errors and 5xx to transient failures.
type MediaServer interface {
	// Ping verifies connectivity and credentials.
	Ping(ctx context.Context) error

	// DownloadPrimary fetches the primary poster image bytes for an item.
	DownloadPrimary(ctx context.Context, itemID string) ([]byte, error)

	// UploadPrimary replaces the primary poster image for an item.
	UploadPrimary(ctx context.Context, itemID string, jpeg []byte) error

	// AddTag adds a tag to an item, preserving existing tags. Adding a
	// tag that is already present is a no-op.
	AddTag(ctx context.Context, itemID, tag string) error

	// GetMedia fetches the technical metadata record for an item.
	GetMedia(ctx context.Context, itemID string) (*models.MediaRecord, error)

	// ListLibraries returns the server's media libraries.
	ListLibraries(ctx context.Context) ([]models.Library, error)

	// GetLibraryItems lists items in a library, used by scheduled runs.
	GetLibraryItems(ctx context.Context, libraryID string) ([]models.MediaRecord, error)
}
