// Package badges composes badge overlays onto poster images. The
// composer is deterministic: the same source image, payloads, and style
// configuration produce byte-identical output.
package badges

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"golang.org/x/image/font/opentype"

	"github.com/aphrodite-media/aphrodite/internal/apperrors"
	"github.com/aphrodite-media/aphrodite/internal/common"
	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
)

// jpegQuality is fixed so repeated compositions stay byte-identical.
const jpegQuality = 95

// Composer renders badge payloads onto poster images.
type Composer struct {
	styles    map[models.BadgeType]common.BadgeStyleConfig
	fonts     map[models.BadgeType]*opentype.Font
	outputDir string
	logger    arbor.ILogger
}

// NewComposer creates the composer, parsing every badge type's font up
// front so composition never touches mutable global state.
func NewComposer(cfg *common.Config, logger arbor.ILogger) (interfaces.PosterComposer, error) {
	if err := os.MkdirAll(cfg.Batch.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	styles := map[models.BadgeType]common.BadgeStyleConfig{
		models.BadgeAudio:      cfg.Badges.Audio,
		models.BadgeResolution: cfg.Badges.Resolution,
		models.BadgeReview:     cfg.Badges.Review,
		models.BadgeAwards:     cfg.Badges.Awards,
	}

	fonts := make(map[models.BadgeType]*opentype.Font, len(styles))
	for badgeType, style := range styles {
		fnt, err := loadFont(style)
		if err != nil {
			return nil, fmt.Errorf("failed to load font for %s badges: %w", badgeType, err)
		}
		fonts[badgeType] = fnt
	}

	return &Composer{
		styles:    styles,
		fonts:     fonts,
		outputDir: cfg.Batch.OutputDir,
		logger:    logger,
	}, nil
}

// Compose overlays the payloads onto the source image and writes the
// result to the output directory. Payloads whose items cannot be
// rendered (missing asset, no text fallback) are skipped silently; a
// corrupt source or an unwritable output is a compose error.
func (c *Composer) Compose(ctx context.Context, sourcePath string, payloads []models.BadgePayload) (string, error) {
	const op = "badges.compose"

	src, err := imaging.Open(sourcePath)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindCompose, op, fmt.Errorf("failed to open source image %s: %w", sourcePath, err))
	}

	canvas := imaging.Clone(src)
	posterW := canvas.Bounds().Dx()
	posterH := canvas.Bounds().Dy()

	// Stack offsets accumulate per anchor so badge types sharing a
	// position stack instead of overlapping.
	offsets := make(map[string]int)

	for _, payload := range payloads {
		if err := ctx.Err(); err != nil {
			return "", apperrors.Wrap(apperrors.KindCompose, op, err)
		}

		style, ok := c.styles[payload.Type]
		if !ok || !style.Enabled {
			continue
		}
		a := parseAnchor(style.Position)
		anchorKey := style.Position

		for _, item := range payload.Items {
			badge, err := c.renderItem(payload.Type, style, item, posterW)
			if err != nil {
				return "", apperrors.Wrap(apperrors.KindCompose, op, err)
			}
			if badge == nil {
				c.logger.Debug().
					Str("badge_type", string(payload.Type)).
					Str("text", item.Text).
					Msg("Skipping badge item with no renderable content")
				continue
			}

			w := badge.Bounds().Dx()
			h := badge.Bounds().Dy()
			x, y := a.origin(posterW, posterH, w, h, style.EdgePadding)
			x, y = a.shift(x, y, offsets[anchorKey])
			offsets[anchorKey] += a.extent(w, h) + style.Spacing

			if style.Shadow.Enabled {
				c.drawShadow(canvas, badge, x, y, style.Shadow)
			}
			canvas = imaging.Overlay(canvas, badge, image.Pt(x, y), 1.0)
		}
	}

	outputPath := filepath.Join(c.outputDir, uuid.New().String()+".jpg")
	if err := imaging.Save(canvas, outputPath, imaging.JPEGQuality(jpegQuality)); err != nil {
		return "", apperrors.Wrap(apperrors.KindCompose, op, fmt.Errorf("failed to save composed image: %w", err))
	}

	c.logger.Debug().
		Str("source", sourcePath).
		Str("output", outputPath).
		Int("payloads", len(payloads)).
		Msg("Composed poster")

	return outputPath, nil
}

// renderItem produces the badge image for one item: the mapped asset
// when it exists, otherwise rendered text when the style allows it. A
// nil image with nil error means the item has nothing to render.
func (c *Composer) renderItem(badgeType models.BadgeType, style common.BadgeStyleConfig, item models.BadgeItem, posterW int) (image.Image, error) {
	size := scaledSize(style.BaseSize, posterW, style.DynamicSizing)
	if size <= 0 {
		return nil, nil
	}

	if item.ImageFile != "" && style.AssetDir != "" {
		assetPath := filepath.Join(style.AssetDir, item.ImageFile)
		if _, err := os.Stat(assetPath); err == nil {
			asset, err := imaging.Open(assetPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open badge asset %s: %w", assetPath, err)
			}
			return imaging.Resize(asset, 0, size, imaging.Lanczos), nil
		}
	}

	if item.Text == "" || (!style.FallbackToText && item.ImageFile != "") {
		return nil, nil
	}

	fontSize := scaledSize(style.FontSize, posterW, style.DynamicSizing)
	bg := parseHexColor(style.BackgroundColor, style.BackgroundOpacity)
	fg := parseHexColor(style.TextColor, 100)
	radius := scaledSize(style.CornerRadius, posterW, style.DynamicSizing)

	return renderText(c.fonts[badgeType], item.Text, size, fontSize, radius, bg, fg)
}

// drawShadow paints a blurred dark silhouette of the badge at the
// configured offset before the badge itself lands.
func (c *Composer) drawShadow(canvas *image.NRGBA, badge image.Image, x, y int, shadow common.ShadowConfig) {
	bounds := badge.Bounds()
	silhouette := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.DrawMask(silhouette, silhouette.Bounds(),
		image.NewUniform(color.NRGBA{A: 160}), image.Point{},
		imaging.Clone(badge), bounds.Min, draw.Over)

	shadowImg := image.Image(silhouette)
	if shadow.Blur > 0 {
		shadowImg = imaging.Blur(silhouette, shadow.Blur)
	}
	*canvas = *imaging.Overlay(canvas, shadowImg, image.Pt(x+shadow.OffsetX, y+shadow.OffsetY), 1.0)
}

// scaledSize applies dynamic sizing: round(base x posterWidth / 1000).
func scaledSize(base, posterW int, dynamic bool) int {
	if !dynamic || posterW <= 0 {
		return base
	}
	return int(math.Round(float64(base) * float64(posterW) / 1000.0))
}
