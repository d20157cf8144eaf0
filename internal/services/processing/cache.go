package processing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aphrodite-media/aphrodite/internal/common"
)

// cacheMeta is the sidecar written next to every cached download so
// operators can trace a cache file back to its upstream item.
type cacheMeta struct {
	JellyfinID       string    `json:"jellyfin_id"`
	OriginalPosterID string    `json:"original_poster_id"`
	CachedAt         time.Time `json:"cached_at"`
}

// writeCache persists freshly downloaded poster bytes under
// cache/posters/batch_<poster_id>_<short-uuid>.jpg with a .meta sidecar.
// The short uuid keeps concurrent attempts for the same poster from
// clobbering each other; downloads are never reused across jobs.
func writeCache(cacheDir, posterID string, data []byte) (string, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	name := fmt.Sprintf("batch_%s_%s.jpg", posterID, common.ShortID())
	path := filepath.Join(cacheDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write cached poster: %w", err)
	}

	meta := cacheMeta{
		JellyfinID:       posterID,
		OriginalPosterID: posterID,
		CachedAt:         time.Now().UTC(),
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cache metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0o644); err != nil {
		return "", fmt.Errorf("failed to write cache metadata: %w", err)
	}

	return path, nil
}
