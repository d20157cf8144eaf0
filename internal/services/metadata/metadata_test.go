package metadata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aphrodite-media/aphrodite/internal/apperrors"
	"github.com/aphrodite-media/aphrodite/internal/common"
	"github.com/aphrodite-media/aphrodite/internal/models"
)

func testStyle() common.BadgeStyleConfig {
	return common.BadgeStyleConfig{
		Enabled:  true,
		Position: "top-right",
		BaseSize: 100,
	}
}

// -----------------------------------------------------------------------
// Audio
// -----------------------------------------------------------------------

func TestAudioExtractorPicksBestStream(t *testing.T) {
	e := NewAudioExtractor(testStyle(), common.GetLogger())

	media := &models.MediaRecord{
		ID: "m1",
		AudioStreams: []models.AudioStream{
			{Codec: "aac", Channels: 2, IsDefault: true},
			{Codec: "truehd", Title: "TrueHD Atmos 7.1", Channels: 8},
			{Codec: "ac3", Channels: 6},
		},
	}

	payload, err := e.Extract(context.Background(), media)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if payload == nil || len(payload.Items) != 1 {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.Items[0].Text != "TrueHD Atmos" {
		t.Errorf("display = %q, want TrueHD Atmos", payload.Items[0].Text)
	}
	if payload.Items[0].ImageFile != "truehd-atmos.png" {
		t.Errorf("image = %q", payload.Items[0].ImageFile)
	}
}

func TestAudioExtractorDisplayCodecs(t *testing.T) {
	tests := []struct {
		name   string
		stream models.AudioStream
		want   string
	}{
		{"atmos in display title", models.AudioStream{Codec: "eac3", DisplayTitle: "DD+ Atmos 5.1"}, "Atmos"},
		{"dts-x in profile", models.AudioStream{Codec: "dts", Profile: "DTS-X"}, "DTS-X"},
		{"dts-hd ma", models.AudioStream{Codec: "dts", Title: "DTS-HD MA 5.1"}, "DTS-HD MA"},
		{"plain truehd", models.AudioStream{Codec: "truehd"}, "TrueHD"},
		{"eac3", models.AudioStream{Codec: "eac3"}, "DD+"},
		{"ac3", models.AudioStream{Codec: "ac3"}, "Dolby Digital"},
		{"lpcm normalised", models.AudioStream{Codec: "lpcm"}, "PCM"},
		{"unknown codec upper-cased", models.AudioStream{Codec: "wma"}, "WMA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := displayCodec(tt.stream); got != tt.want {
				t.Errorf("displayCodec(%+v) = %q, want %q", tt.stream, got, tt.want)
			}
		})
	}
}

func TestAudioExtractorNotApplicable(t *testing.T) {
	e := NewAudioExtractor(testStyle(), common.GetLogger())

	payload, err := e.Extract(context.Background(), &models.MediaRecord{ID: "m1"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if payload != nil {
		t.Errorf("expected nil payload for item without audio, got %+v", payload)
	}
}

func TestAudioImageMappingOverride(t *testing.T) {
	style := testStyle()
	style.ImageMapping = map[string]string{"ddplus": "dolby-digital-plus.png"}
	e := NewAudioExtractor(style, common.GetLogger())

	payload, err := e.Extract(context.Background(), &models.MediaRecord{
		ID:           "m1",
		AudioStreams: []models.AudioStream{{Codec: "eac3", Channels: 6}},
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if payload.Items[0].ImageFile != "dolby-digital-plus.png" {
		t.Errorf("image = %q, want mapping override", payload.Items[0].ImageFile)
	}
}

// -----------------------------------------------------------------------
// Resolution
// -----------------------------------------------------------------------

func TestResolutionTiers(t *testing.T) {
	tests := []struct {
		height int
		want   string
	}{
		{2160, "4K"},
		{1600, "4K"},
		{1080, "1080p"},
		{1040, "1080p"}, // cropped scope
		{720, "720p"},
		{576, "576p"},
		{480, "480p"},
		{360, "480p"},
	}
	for _, tt := range tests {
		if got := resolutionTier(tt.height); got != tt.want {
			t.Errorf("resolutionTier(%d) = %q, want %q", tt.height, got, tt.want)
		}
	}
}

func TestResolutionExtractorWithRangeMarker(t *testing.T) {
	e := NewResolutionExtractor(testStyle(), common.GetLogger())

	payload, err := e.Extract(context.Background(), &models.MediaRecord{
		ID: "m1",
		VideoStreams: []models.VideoStream{
			{Codec: "hevc", Width: 3840, Height: 2160, VideoRangeType: "DOVI"},
		},
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if payload.Items[0].Text != "4K DV" {
		t.Errorf("text = %q, want 4K DV", payload.Items[0].Text)
	}
}

func TestResolutionExtractorPicksLargestStream(t *testing.T) {
	e := NewResolutionExtractor(testStyle(), common.GetLogger())

	payload, err := e.Extract(context.Background(), &models.MediaRecord{
		ID: "m1",
		VideoStreams: []models.VideoStream{
			{Codec: "h264", Width: 1280, Height: 720},
			{Codec: "hevc", Width: 1920, Height: 1080, VideoRange: "HDR10"},
		},
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if payload.Items[0].Text != "1080p HDR" {
		t.Errorf("text = %q, want 1080p HDR", payload.Items[0].Text)
	}
}

// -----------------------------------------------------------------------
// Review
// -----------------------------------------------------------------------

type stubProvider struct {
	name   string
	scores []models.ReviewScore
	err    error
	calls  int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Scores(ctx context.Context, media *models.MediaRecord) ([]models.ReviewScore, error) {
	p.calls++
	return p.scores, p.err
}

func reviewConfig() common.ReviewConfig {
	return common.ReviewConfig{
		SourcesEnabled: []string{"imdb", "rotten_tomatoes", "tmdb"},
		SourcePriority: []string{"imdb", "rotten_tomatoes", "metacritic", "tmdb"},
		MinVotes:       10,
		MaxBadges:      2,
	}
}

func TestReviewExtractorOrdersAndCaps(t *testing.T) {
	omdb := &stubProvider{name: "omdb", scores: []models.ReviewScore{
		{Source: "rotten_tomatoes", Score: 91, Votes: models.VotesUnknown, Display: "91%"},
		{Source: "imdb", Score: 9.3, Votes: 2847503, Display: "9.3"},
	}}
	tmdb := &stubProvider{name: "tmdb", scores: []models.ReviewScore{
		{Source: "tmdb", Score: 8.7, Votes: 26000, Display: "8.7"},
	}}

	e := NewReviewExtractor(testStyle(), reviewConfig(), []ReviewProvider{omdb, tmdb}, common.GetLogger())

	payload, err := e.Extract(context.Background(), &models.MediaRecord{ID: "m1"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(payload.Items) != 2 {
		t.Fatalf("items = %d, want max_badges cap of 2", len(payload.Items))
	}
	// Priority order: imdb first, rotten tomatoes second, tmdb capped out.
	if payload.Items[0].Text != "9.3" || payload.Items[1].Text != "91%" {
		t.Errorf("items = %+v", payload.Items)
	}
}

func TestReviewExtractorMinVotesFilter(t *testing.T) {
	p := &stubProvider{name: "omdb", scores: []models.ReviewScore{
		{Source: "imdb", Score: 6.1, Votes: 4, Display: "6.1"},
	}}
	e := NewReviewExtractor(testStyle(), reviewConfig(), []ReviewProvider{p}, common.GetLogger())

	payload, err := e.Extract(context.Background(), &models.MediaRecord{ID: "m1"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if payload != nil {
		t.Errorf("expected nil payload when every score is under min_votes, got %+v", payload)
	}
}

func TestReviewExtractorProviderFallback(t *testing.T) {
	failing := &stubProvider{name: "omdb", err: errors.New("connection refused")}
	working := &stubProvider{name: "tmdb", scores: []models.ReviewScore{
		{Source: "tmdb", Score: 7.9, Votes: 1200, Display: "7.9"},
	}}

	e := NewReviewExtractor(testStyle(), reviewConfig(), []ReviewProvider{failing, working}, common.GetLogger())

	payload, err := e.Extract(context.Background(), &models.MediaRecord{ID: "m1"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].Text != "7.9" {
		t.Errorf("items = %+v", payload.Items)
	}
	if failing.calls != 1 || working.calls != 1 {
		t.Errorf("calls = %d/%d, want both providers attempted", failing.calls, working.calls)
	}
}

func TestReviewExtractorAllProvidersFailed(t *testing.T) {
	p := &stubProvider{name: "omdb", err: errors.New("timeout")}
	e := NewReviewExtractor(testStyle(), reviewConfig(), []ReviewProvider{p}, common.GetLogger())

	_, err := e.Extract(context.Background(), &models.MediaRecord{ID: "m1"})
	if !apperrors.IsMetadataMissing(err) {
		t.Fatalf("expected metadata-missing classification, got %v", err)
	}
}

// -----------------------------------------------------------------------
// Awards
// -----------------------------------------------------------------------

func writeAwardsDataset(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "awards.yaml")
	data := []byte(`movies:
  "278": [oscars]
  "872585": [oscars, bafta, golden]
series:
  "1396": [emmys, golden]
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	return path
}

func awardsConfig(dataset string) common.AwardsConfig {
	return common.AwardsConfig{
		ColorScheme:    "black",
		SourcesEnabled: []string{"oscars", "emmys", "golden"},
		DatasetFile:    dataset,
	}
}

func TestAwardsExtractorMovie(t *testing.T) {
	e, err := NewAwardsExtractor(testStyle(), awardsConfig(writeAwardsDataset(t)), common.GetLogger())
	if err != nil {
		t.Fatalf("NewAwardsExtractor: %v", err)
	}

	payload, err := e.Extract(context.Background(), &models.MediaRecord{
		ID:          "m1",
		Type:        "Movie",
		ProviderIDs: map[string]string{"Tmdb": "872585"},
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	// bafta is not in SourcesEnabled and must be dropped.
	if len(payload.Items) != 2 {
		t.Fatalf("items = %+v, want oscars and golden", payload.Items)
	}
	if payload.Items[0].ImageFile != "oscars-black.png" {
		t.Errorf("image = %q, want colour-scheme asset", payload.Items[0].ImageFile)
	}
}

func TestAwardsExtractorSeries(t *testing.T) {
	e, err := NewAwardsExtractor(testStyle(), awardsConfig(writeAwardsDataset(t)), common.GetLogger())
	if err != nil {
		t.Fatalf("NewAwardsExtractor: %v", err)
	}

	payload, err := e.Extract(context.Background(), &models.MediaRecord{
		ID:          "s1",
		Type:        "Series",
		ProviderIDs: map[string]string{"Tmdb": "1396"},
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(payload.Items) != 2 {
		t.Errorf("items = %+v", payload.Items)
	}
}

func TestAwardsExtractorNotApplicable(t *testing.T) {
	e, err := NewAwardsExtractor(testStyle(), awardsConfig(writeAwardsDataset(t)), common.GetLogger())
	if err != nil {
		t.Fatalf("NewAwardsExtractor: %v", err)
	}

	for _, media := range []*models.MediaRecord{
		{ID: "no-tmdb-id"},
		{ID: "no-awards", ProviderIDs: map[string]string{"Tmdb": "999999"}},
	} {
		payload, err := e.Extract(context.Background(), media)
		if err != nil {
			t.Fatalf("Extract(%s): %v", media.ID, err)
		}
		if payload != nil {
			t.Errorf("Extract(%s) = %+v, want nil", media.ID, payload)
		}
	}
}

func TestAwardsExtractorMissingDataset(t *testing.T) {
	_, err := NewAwardsExtractor(testStyle(), awardsConfig("/nonexistent/awards.yaml"), common.GetLogger())
	if err == nil {
		t.Fatal("expected error for missing dataset file")
	}
}
