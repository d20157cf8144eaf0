// Package metadata derives badge payloads from media records: one
// extractor per badge type, each a pure function over the record plus
// whatever external lookups its badge needs.
package metadata

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/aphrodite-media/aphrodite/internal/common"
	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
)

// codecScores ranks codec families: lossless object audio at the top,
// basic stereo codecs at the bottom.
var codecScores = map[string]int{
	"truehd": 100,
	"dtshd":  85,
	"flac":   80,
	"pcm":    78,
	"eac3":   70,
	"dts":    60,
	"ac3":    50,
	"opus":   30,
	"aac":    28,
	"vorbis": 24,
	"mp3":    20,
}

// AudioExtractor derives the audio codec badge from a record's audio
// streams.
type AudioExtractor struct {
	style  common.BadgeStyleConfig
	logger arbor.ILogger
}

// NewAudioExtractor creates the audio badge extractor.
func NewAudioExtractor(style common.BadgeStyleConfig, logger arbor.ILogger) interfaces.BadgeExtractor {
	return &AudioExtractor{style: style, logger: logger}
}

func (e *AudioExtractor) Type() models.BadgeType {
	return models.BadgeAudio
}

// Extract scores every audio stream and renders the winner as a display
// codec string. Items without audio streams are not applicable.
func (e *AudioExtractor) Extract(ctx context.Context, media *models.MediaRecord) (*models.BadgePayload, error) {
	if media == nil || len(media.AudioStreams) == 0 {
		return nil, nil
	}

	best := media.AudioStreams[0]
	bestScore := streamScore(best)
	for _, s := range media.AudioStreams[1:] {
		if score := streamScore(s); score > bestScore {
			best = s
			bestScore = score
		}
	}

	display := displayCodec(best)
	if display == "" {
		return nil, nil
	}

	e.logger.Debug().
		Str("item_id", media.ID).
		Str("codec", best.Codec).
		Str("display", display).
		Int("score", bestScore).
		Msg("Selected primary audio stream")

	return &models.BadgePayload{
		Type: models.BadgeAudio,
		Items: []models.BadgeItem{{
			Text:      display,
			ImageFile: imageForToken(e.style, display),
		}},
	}, nil
}

// streamScore combines codec family, channel count, bitrate, and the
// default flag into one comparable quality number.
func streamScore(s models.AudioStream) int {
	score := codecScores[normaliseCodec(s.Codec)]

	haystack := audioHaystack(s)
	if strings.Contains(haystack, "atmos") {
		score += 30
	}
	if hasDTSX(haystack) {
		score += 25
	}

	score += s.Channels * 2
	if s.BitRate > 0 {
		mbps := int(s.BitRate / 1_000_000)
		if mbps > 10 {
			mbps = 10
		}
		score += mbps
	}
	if s.IsDefault {
		score += 5
	}
	return score
}

// displayCodec renders the user-facing codec string, scanning codec,
// profile, title, and display title for the object-audio tokens that
// containers often bury outside the codec field.
func displayCodec(s models.AudioStream) string {
	haystack := audioHaystack(s)
	codec := normaliseCodec(s.Codec)

	switch {
	case strings.Contains(haystack, "atmos"):
		if codec == "truehd" {
			return "TrueHD Atmos"
		}
		return "Atmos"
	case hasDTSX(haystack):
		return "DTS-X"
	case codec == "truehd":
		return "TrueHD"
	case codec == "dtshd" || strings.Contains(haystack, "dts-hd ma") || strings.Contains(haystack, "dts-hd"):
		return "DTS-HD MA"
	case codec == "dts":
		return "DTS"
	case codec == "eac3":
		return "DD+"
	case codec == "ac3":
		return "Dolby Digital"
	case codec == "flac":
		return "FLAC"
	case codec == "pcm":
		return "PCM"
	case codec == "aac":
		return "AAC"
	case codec == "mp3":
		return "MP3"
	case codec == "opus":
		return "Opus"
	case codec == "vorbis":
		return "Vorbis"
	case codec != "":
		return strings.ToUpper(codec)
	}
	return ""
}

func audioHaystack(s models.AudioStream) string {
	return strings.ToLower(strings.Join([]string{s.Codec, s.Profile, s.Title, s.DisplayTitle}, " "))
}

func normaliseCodec(codec string) string {
	c := strings.ToLower(strings.TrimSpace(codec))
	c = strings.ReplaceAll(c, "-", "")
	c = strings.ReplaceAll(c, "_", "")
	switch c {
	case "dtsma", "dtshdma", "dtshd":
		return "dtshd"
	case "pcms16le", "pcms24le", "lpcm":
		return "pcm"
	}
	return c
}

func hasDTSX(haystack string) bool {
	return strings.Contains(haystack, "dts-x") ||
		strings.Contains(haystack, "dts:x") ||
		strings.Contains(haystack, "dtsx")
}

// imageForToken resolves the badge asset filename for a display token.
// An explicit mapping entry wins; otherwise the token is slugified into
// the conventional asset name. The composer falls back to text when the
// file does not exist.
func imageForToken(style common.BadgeStyleConfig, token string) string {
	key := tokenKey(token)
	if style.ImageMapping != nil {
		if file, ok := style.ImageMapping[key]; ok {
			return file
		}
	}
	return fmt.Sprintf("%s.png", key)
}

// tokenKey slugifies a display token: "TrueHD Atmos" -> "truehd-atmos",
// "DD+" -> "ddplus".
func tokenKey(token string) string {
	key := strings.ToLower(strings.TrimSpace(token))
	key = strings.ReplaceAll(key, "+", "plus")
	key = strings.ReplaceAll(key, " ", "-")
	return key
}
