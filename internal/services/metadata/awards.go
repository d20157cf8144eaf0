package metadata

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/aphrodite-media/aphrodite/internal/common"
	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
)

// awardsDataset is the bundled award index: external ids mapped to the
// award sources the title has won.
type awardsDataset struct {
	// Movies and Series key TMDB ids to award source lists.
	Movies map[string][]string `yaml:"movies"`
	Series map[string][]string `yaml:"series"`
}

// AwardsExtractor looks up a media item in the bundled awards dataset
// and emits one flush badge per award source won.
type AwardsExtractor struct {
	style   common.BadgeStyleConfig
	cfg     common.AwardsConfig
	dataset *awardsDataset
	enabled map[string]bool
	logger  arbor.ILogger
}

// NewAwardsExtractor creates the awards badge extractor, loading the
// dataset file once. A missing dataset is an error: the extractor has
// nothing to work from without it.
func NewAwardsExtractor(style common.BadgeStyleConfig, cfg common.AwardsConfig, logger arbor.ILogger) (interfaces.BadgeExtractor, error) {
	data, err := os.ReadFile(cfg.DatasetFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read awards dataset %s: %w", cfg.DatasetFile, err)
	}

	var dataset awardsDataset
	if err := yaml.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to parse awards dataset %s: %w", cfg.DatasetFile, err)
	}

	enabled := make(map[string]bool, len(cfg.SourcesEnabled))
	for _, s := range cfg.SourcesEnabled {
		enabled[s] = true
	}

	logger.Info().
		Int("movies", len(dataset.Movies)).
		Int("series", len(dataset.Series)).
		Str("color_scheme", cfg.ColorScheme).
		Msg("Loaded awards dataset")

	return &AwardsExtractor{
		style:   style,
		cfg:     cfg,
		dataset: &dataset,
		enabled: enabled,
		logger:  logger,
	}, nil
}

func (e *AwardsExtractor) Type() models.BadgeType {
	return models.BadgeAwards
}

// Extract returns one badge item per enabled award source the title has
// won, in dataset order. Items without a TMDB id, or with no wins, are
// not applicable.
func (e *AwardsExtractor) Extract(ctx context.Context, media *models.MediaRecord) (*models.BadgePayload, error) {
	if media == nil {
		return nil, nil
	}
	tmdbID := media.TMDBID()
	if tmdbID == "" {
		return nil, nil
	}

	sources := e.dataset.Movies[tmdbID]
	if media.Type == "Series" {
		sources = e.dataset.Series[tmdbID]
	}
	if len(sources) == 0 {
		return nil, nil
	}

	items := make([]models.BadgeItem, 0, len(sources))
	for _, source := range sources {
		if !e.enabled[source] {
			continue
		}
		items = append(items, models.BadgeItem{
			Text:      source,
			ImageFile: e.assetFor(source),
		})
	}
	if len(items) == 0 {
		return nil, nil
	}

	e.logger.Debug().
		Str("item_id", media.ID).
		Str("tmdb_id", tmdbID).
		Int("awards", len(items)).
		Msg("Matched awards for item")

	return &models.BadgePayload{
		Type:  models.BadgeAwards,
		Items: items,
	}, nil
}

// assetFor resolves the colour-scheme-specific asset name. An explicit
// mapping entry wins over the conventional "<source>-<scheme>.png".
func (e *AwardsExtractor) assetFor(source string) string {
	if e.style.ImageMapping != nil {
		if file, ok := e.style.ImageMapping[source]; ok {
			return file
		}
	}
	scheme := e.cfg.ColorScheme
	if scheme == "" {
		scheme = "black"
	}
	return fmt.Sprintf("%s-%s.png", source, scheme)
}
