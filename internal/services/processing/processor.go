// Package processing runs the per-poster pipeline: download the current
// poster from the media server, derive badge payloads, compose the
// overlay, upload the result, and tag the item.
package processing

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/aphrodite-media/aphrodite/internal/apperrors"
	"github.com/aphrodite-media/aphrodite/internal/common"
	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
)

// OverlayTag marks media items that already carry a composed poster.
const OverlayTag = "aphrodite-overlay"

// StageFunc receives sub-poster pipeline notifications (started,
// composed, uploaded) keyed by job and poster.
type StageFunc func(jobID, posterID, stage string)

// Processor executes the pipeline for one poster at a time. It is
// stateless across calls and safe to share between workers.
type Processor struct {
	media      interfaces.MediaServer
	extractors map[models.BadgeType]interfaces.BadgeExtractor
	composer   interfaces.PosterComposer
	cfg        common.BatchConfig
	stage      StageFunc
	logger     arbor.ILogger
}

// NewProcessor creates the poster processor.
func NewProcessor(media interfaces.MediaServer, extractors []interfaces.BadgeExtractor, composer interfaces.PosterComposer, cfg common.BatchConfig, logger arbor.ILogger) *Processor {
	byType := make(map[models.BadgeType]interfaces.BadgeExtractor, len(extractors))
	for _, e := range extractors {
		byType[e.Type()] = e
	}
	return &Processor{
		media:      media,
		extractors: byType,
		composer:   composer,
		cfg:        cfg,
		logger:     logger,
	}
}

// OnStage registers the sub-poster progress callback.
func (p *Processor) OnStage(fn StageFunc) {
	p.stage = fn
}

// ProcessPoster runs the full pipeline for one poster. The returned
// error carries its retry classification; the worker decides what to do
// with it.
func (p *Processor) ProcessPoster(ctx context.Context, posterID string, badgeTypes []models.BadgeType, jobID string) (*models.PosterResult, error) {
	p.notify(jobID, posterID, models.StageStarted)

	// 1. Fetch the current upstream image. Always a fresh download:
	// reusing a cached copy could re-enrich an already-composed poster.
	data, err := p.downloadWithRetry(ctx, posterID)
	if err != nil {
		return nil, err
	}
	cachePath, err := writeCache(p.cfg.CacheDir, posterID, data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindRepository, "processing.cache", err)
	}

	// 2. Extract badge payloads. A badge without metadata is skipped;
	// the poster proceeds with whatever applies.
	media, err := p.getMedia(ctx, posterID)
	if err != nil {
		return nil, err
	}

	payloads := make([]models.BadgePayload, 0, len(badgeTypes))
	applied := make([]models.BadgeType, 0, len(badgeTypes))
	for _, badgeType := range badgeTypes {
		extractor, ok := p.extractors[badgeType]
		if !ok {
			p.logger.Warn().
				Str("badge_type", string(badgeType)).
				Msg("No extractor registered for requested badge type")
			continue
		}

		payload, err := extractor.Extract(ctx, media)
		if err != nil {
			p.logger.Warn().
				Err(err).
				Str("poster_id", posterID).
				Str("badge_type", string(badgeType)).
				Msg("Badge extraction failed, continuing without it")
			continue
		}
		if payload == nil || len(payload.Items) == 0 {
			p.logger.Debug().
				Str("poster_id", posterID).
				Str("badge_type", string(badgeType)).
				Msg("Badge not applicable to item")
			continue
		}
		payloads = append(payloads, *payload)
		applied = append(applied, badgeType)
	}

	// 3. Compose. Runs even with zero applicable badges so the poster
	// result is always a well-formed output file.
	outputPath, err := p.composer.Compose(ctx, cachePath, payloads)
	if err != nil {
		return nil, err
	}
	p.notify(jobID, posterID, models.StageComposed)

	// 4. Upload the composed image back as the primary poster.
	composed, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindCompose, "processing.read_output", err)
	}
	if err := p.upload(ctx, posterID, composed); err != nil {
		return nil, err
	}
	p.notify(jobID, posterID, models.StageUploaded)

	// 5. Tag the item. The image is already written, so a tag failure
	// only warrants a warning.
	if err := p.tag(ctx, posterID); err != nil {
		p.logger.Warn().
			Err(err).
			Str("poster_id", posterID).
			Msg("Failed to tag item after upload")
	}

	p.logger.Info().
		Str("job_id", jobID).
		Str("poster_id", posterID).
		Int("badges", len(applied)).
		Str("output", outputPath).
		Msg("Poster processed")

	return &models.PosterResult{
		PosterID:      posterID,
		OutputPath:    outputPath,
		AppliedBadges: applied,
	}, nil
}

// downloadWithRetry fetches the poster with exponential backoff on
// retryable failures. Permanent failures surface immediately.
func (p *Processor) downloadWithRetry(ctx context.Context, posterID string) ([]byte, error) {
	retries := p.cfg.PosterDownloadRetries
	backoff := p.cfg.DownloadBackoff()

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			p.logger.Debug().
				Str("poster_id", posterID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("Retrying poster download")
			select {
			case <-ctx.Done():
				return nil, apperrors.Wrap(apperrors.KindTransientNetwork, "processing.download", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		callCtx, cancel := p.callContext(ctx)
		data, err := p.media.DownloadPrimary(callCtx, posterID)
		cancel()
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !apperrors.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("poster download exhausted %d retries: %w", retries, lastErr)
}

func (p *Processor) getMedia(ctx context.Context, posterID string) (*models.MediaRecord, error) {
	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	return p.media.GetMedia(callCtx, posterID)
}

func (p *Processor) upload(ctx context.Context, posterID string, jpeg []byte) error {
	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	return p.media.UploadPrimary(callCtx, posterID, jpeg)
}

func (p *Processor) tag(ctx context.Context, posterID string) error {
	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	return p.media.AddTag(callCtx, posterID, OverlayTag)
}

// callContext bounds one external call; timeouts classify as transient
// through the client, so a hung upstream becomes a retryable failure.
func (p *Processor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.ExternalCallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.ExternalCallTimeout)
}

func (p *Processor) notify(jobID, posterID, stage string) {
	if p.stage != nil {
		p.stage(jobID, posterID, stage)
	}
}
