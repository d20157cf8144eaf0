package metadata

import (
	"context"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/aphrodite-media/aphrodite/internal/common"
	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
)

// ResolutionExtractor bins video height into display tiers and augments
// them with HDR / Dolby Vision markers.
type ResolutionExtractor struct {
	style  common.BadgeStyleConfig
	logger arbor.ILogger
}

// NewResolutionExtractor creates the resolution badge extractor.
func NewResolutionExtractor(style common.BadgeStyleConfig, logger arbor.ILogger) interfaces.BadgeExtractor {
	return &ResolutionExtractor{style: style, logger: logger}
}

func (e *ResolutionExtractor) Type() models.BadgeType {
	return models.BadgeResolution
}

// Extract picks the largest video stream, bins it, and attaches the
// range marker. Items without video streams are not applicable.
func (e *ResolutionExtractor) Extract(ctx context.Context, media *models.MediaRecord) (*models.BadgePayload, error) {
	if media == nil || len(media.VideoStreams) == 0 {
		return nil, nil
	}

	best := media.VideoStreams[0]
	for _, s := range media.VideoStreams[1:] {
		if s.Height > best.Height || (s.Height == best.Height && s.Width > best.Width) {
			best = s
		}
	}

	tier := resolutionTier(best.Height)
	marker := rangeMarker(best)

	text := tier
	if marker != "" {
		text = tier + " " + marker
	}

	e.logger.Debug().
		Str("item_id", media.ID).
		Int("height", best.Height).
		Str("tier", text).
		Msg("Binned video resolution")

	return &models.BadgePayload{
		Type: models.BadgeResolution,
		Items: []models.BadgeItem{{
			Text:      text,
			ImageFile: imageForToken(e.style, text),
		}},
	}, nil
}

// resolutionTier bins a pixel height into the display tiers. Thresholds
// sit below the nominal heights to absorb crop and anamorphic variants
// (a 1600-high 4K scope film still reads as 4K).
func resolutionTier(height int) string {
	switch {
	case height >= 1600:
		return "4K"
	case height >= 1000:
		return "1080p"
	case height >= 700:
		return "720p"
	case height >= 560:
		return "576p"
	default:
		return "480p"
	}
}

// rangeMarker detects Dolby Vision or HDR from the stream's range
// fields and titles. Dolby Vision wins when both are present.
func rangeMarker(s models.VideoStream) string {
	haystack := strings.ToLower(strings.Join([]string{
		s.VideoRange, s.VideoRangeType, s.Title, s.DisplayTitle,
	}, " "))

	switch {
	case strings.Contains(haystack, "dovi") ||
		strings.Contains(haystack, "dolby vision") ||
		strings.Contains(haystack, "dv profile"):
		return "DV"
	case strings.Contains(haystack, "hdr"):
		return "HDR"
	}
	return ""
}
