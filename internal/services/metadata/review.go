package metadata

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/aphrodite-media/aphrodite/internal/apperrors"
	"github.com/aphrodite-media/aphrodite/internal/common"
	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
	"github.com/aphrodite-media/aphrodite/internal/services/providers"
)

// ReviewProvider supplies aggregated scores for a media record. One
// provider may yield scores for several sources (OMDB carries IMDb,
// Rotten Tomatoes, and Metacritic in a single document).
type ReviewProvider interface {
	Name() string
	Scores(ctx context.Context, media *models.MediaRecord) ([]models.ReviewScore, error)
}

// ReviewExtractor aggregates provider scores into review badge items:
// sources in configured priority order, filtered by the minimum-votes
// threshold, capped at the configured badge count.
type ReviewExtractor struct {
	style     common.BadgeStyleConfig
	cfg       common.ReviewConfig
	providers []ReviewProvider
	logger    arbor.ILogger
}

// NewReviewExtractor creates the review badge extractor.
func NewReviewExtractor(style common.BadgeStyleConfig, cfg common.ReviewConfig, reviewProviders []ReviewProvider, logger arbor.ILogger) interfaces.BadgeExtractor {
	return &ReviewExtractor{
		style:     style,
		cfg:       cfg,
		providers: reviewProviders,
		logger:    logger,
	}
}

func (e *ReviewExtractor) Type() models.BadgeType {
	return models.BadgeReview
}

// Extract walks the provider chain and keeps the first score seen per
// source. Provider failures are logged and the chain continues; a fully
// failed chain reports missing metadata so the poster can proceed with
// its other badges.
func (e *ReviewExtractor) Extract(ctx context.Context, media *models.MediaRecord) (*models.BadgePayload, error) {
	if media == nil || len(e.providers) == 0 {
		return nil, nil
	}

	bySource := make(map[string]models.ReviewScore)
	var lastErr error

	for _, provider := range e.providers {
		scores, err := provider.Scores(ctx, media)
		if err != nil {
			lastErr = err
			e.logger.Warn().
				Err(err).
				Str("provider", provider.Name()).
				Str("item_id", media.ID).
				Msg("Review provider lookup failed, trying next")
			continue
		}
		for _, score := range scores {
			if _, seen := bySource[score.Source]; !seen {
				bySource[score.Source] = score
			}
		}
	}

	if len(bySource) == 0 {
		if lastErr != nil {
			return nil, apperrors.Wrap(apperrors.KindMetadataMissing, "metadata.review", lastErr)
		}
		return nil, nil
	}

	items := make([]models.BadgeItem, 0, e.cfg.MaxBadges)
	for _, source := range e.orderedSources() {
		score, ok := bySource[source]
		if !ok {
			continue
		}
		if score.Votes != models.VotesUnknown && score.Votes < e.cfg.MinVotes {
			e.logger.Debug().
				Str("source", source).
				Int("votes", score.Votes).
				Int("min_votes", e.cfg.MinVotes).
				Msg("Dropping review score below vote threshold")
			continue
		}
		items = append(items, models.BadgeItem{
			Text:      score.Display,
			ImageFile: imageForToken(e.style, source),
		})
		if len(items) >= e.cfg.MaxBadges {
			break
		}
	}

	if len(items) == 0 {
		return nil, nil
	}

	return &models.BadgePayload{
		Type:  models.BadgeReview,
		Items: items,
	}, nil
}

// orderedSources is the priority list restricted to enabled sources,
// followed by enabled sources the priority list does not mention.
func (e *ReviewExtractor) orderedSources() []string {
	enabled := make(map[string]bool, len(e.cfg.SourcesEnabled))
	for _, s := range e.cfg.SourcesEnabled {
		enabled[s] = true
	}

	ordered := make([]string, 0, len(enabled))
	for _, s := range e.cfg.SourcePriority {
		if enabled[s] {
			ordered = append(ordered, s)
			delete(enabled, s)
		}
	}
	for _, s := range e.cfg.SourcesEnabled {
		if enabled[s] {
			ordered = append(ordered, s)
			delete(enabled, s)
		}
	}
	return ordered
}

// -----------------------------------------------------------------------
// Provider adapters
// -----------------------------------------------------------------------

// TMDBReviewProvider adapts the TMDB client to the provider contract.
type TMDBReviewProvider struct {
	client *providers.TMDBClient
}

// NewTMDBReviewProvider wraps a TMDB client.
func NewTMDBReviewProvider(client *providers.TMDBClient) *TMDBReviewProvider {
	return &TMDBReviewProvider{client: client}
}

func (p *TMDBReviewProvider) Name() string { return "tmdb" }

func (p *TMDBReviewProvider) Scores(ctx context.Context, media *models.MediaRecord) ([]models.ReviewScore, error) {
	tmdbID := media.TMDBID()
	if tmdbID == "" {
		return nil, nil
	}
	movie, err := p.client.GetMovie(ctx, tmdbID)
	if err != nil {
		return nil, err
	}
	if movie.VoteAverage <= 0 {
		return nil, nil
	}
	return []models.ReviewScore{{
		Source:  "tmdb",
		Score:   movie.VoteAverage,
		Votes:   movie.VoteCount,
		Display: fmt.Sprintf("%.1f", movie.VoteAverage),
	}}, nil
}

// OMDBReviewProvider adapts the OMDB client. One OMDB document yields
// IMDb, Rotten Tomatoes, and Metacritic scores.
type OMDBReviewProvider struct {
	client *providers.OMDBClient
}

// NewOMDBReviewProvider wraps an OMDB client.
func NewOMDBReviewProvider(client *providers.OMDBClient) *OMDBReviewProvider {
	return &OMDBReviewProvider{client: client}
}

func (p *OMDBReviewProvider) Name() string { return "omdb" }

func (p *OMDBReviewProvider) Scores(ctx context.Context, media *models.MediaRecord) ([]models.ReviewScore, error) {
	imdbID := media.IMDBID()
	if imdbID == "" {
		return nil, nil
	}
	title, err := p.client.GetByIMDBID(ctx, imdbID)
	if err != nil {
		return nil, err
	}

	var scores []models.ReviewScore

	if rating, err := strconv.ParseFloat(title.IMDBRating, 64); err == nil && rating > 0 {
		scores = append(scores, models.ReviewScore{
			Source:  "imdb",
			Score:   rating,
			Votes:   parseVotes(title.IMDBVotes),
			Display: title.IMDBRating,
		})
	}

	for _, r := range title.Ratings {
		switch r.Source {
		case "Rotten Tomatoes":
			if pct, ok := parsePercent(r.Value); ok {
				scores = append(scores, models.ReviewScore{
					Source:  "rotten_tomatoes",
					Score:   pct,
					Votes:   models.VotesUnknown,
					Display: r.Value,
				})
			}
		case "Metacritic":
			if n, ok := parseFraction(r.Value); ok {
				scores = append(scores, models.ReviewScore{
					Source:  "metacritic",
					Score:   n,
					Votes:   models.VotesUnknown,
					Display: strconv.Itoa(int(n)),
				})
			}
		}
	}

	return scores, nil
}

// FanartReviewProvider derives a community score from Fanart.tv artwork
// likes. Disabled by default; enable by adding "fanart" to the review
// sources.
type FanartReviewProvider struct {
	client *providers.FanartClient
}

// NewFanartReviewProvider wraps a Fanart client.
func NewFanartReviewProvider(client *providers.FanartClient) *FanartReviewProvider {
	return &FanartReviewProvider{client: client}
}

func (p *FanartReviewProvider) Name() string { return "fanart" }

func (p *FanartReviewProvider) Scores(ctx context.Context, media *models.MediaRecord) ([]models.ReviewScore, error) {
	tmdbID := media.TMDBID()
	if tmdbID == "" {
		return nil, nil
	}
	movie, err := p.client.GetMovie(ctx, tmdbID)
	if err != nil {
		return nil, err
	}

	maxLikes := 0
	for _, img := range movie.MoviePoster {
		if likes, err := strconv.Atoi(img.Likes); err == nil && likes > maxLikes {
			maxLikes = likes
		}
	}
	if maxLikes == 0 {
		return nil, nil
	}
	return []models.ReviewScore{{
		Source:  "fanart",
		Score:   float64(maxLikes),
		Votes:   models.VotesUnknown,
		Display: strconv.Itoa(maxLikes),
	}}, nil
}

// -----------------------------------------------------------------------
// Parsing helpers
// -----------------------------------------------------------------------

// parseVotes reads OMDB's comma-grouped vote counts ("2,847,503").
func parseVotes(v string) int {
	n, err := strconv.Atoi(strings.ReplaceAll(v, ",", ""))
	if err != nil {
		return models.VotesUnknown
	}
	return n
}

// parsePercent reads "91%" into 91.
func parsePercent(v string) (float64, bool) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(v), "%")
	if trimmed == v {
		return 0, false
	}
	n, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseFraction reads "82/100" into 82.
func parseFraction(v string) (float64, bool) {
	parts := strings.SplitN(strings.TrimSpace(v), "/", 2)
	n, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
