package badges

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"strconv"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/aphrodite-media/aphrodite/internal/common"
)

// loadFont parses the style's configured font, its fallback, or the
// bundled Go Regular face when neither is set or readable. The result
// is fixed at construction so rendering stays deterministic.
func loadFont(style common.BadgeStyleConfig) (*opentype.Font, error) {
	for _, path := range []string{style.FontFile, style.FallbackFontFile} {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		fnt, err := opentype.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse font %s: %w", path, err)
		}
		return fnt, nil
	}

	fnt, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bundled font: %w", err)
	}
	return fnt, nil
}

// renderText draws text centred on a rounded background rectangle and
// returns the finished badge image. height fixes the badge height; the
// width follows the measured text plus side padding.
func renderText(fnt *opentype.Font, text string, height, fontSize, cornerRadius int, bg, fg color.NRGBA) (image.Image, error) {
	if fontSize <= 0 {
		fontSize = height * 6 / 10
	}
	face, err := opentype.NewFace(fnt, &opentype.FaceOptions{
		Size:    float64(fontSize),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build font face: %w", err)
	}
	defer face.Close()

	drawer := &font.Drawer{Face: face}
	textWidth := drawer.MeasureString(text).Ceil()

	sidePad := height / 4
	width := textWidth + 2*sidePad
	if width < height {
		width = height
	}

	badge := image.NewNRGBA(image.Rect(0, 0, width, height))
	fillRounded(badge, bg, cornerRadius)

	metrics := face.Metrics()
	textHeight := (metrics.Ascent + metrics.Descent).Ceil()
	baseline := (height-textHeight)/2 + metrics.Ascent.Ceil()

	drawer.Dst = badge
	drawer.Src = image.NewUniform(fg)
	drawer.Dot = fixed.Point26_6{
		X: fixed.I((width - textWidth) / 2),
		Y: fixed.I(baseline),
	}
	drawer.DrawString(text)

	return badge, nil
}

// fillRounded fills dst with a colour clipped to a rounded rectangle
// covering the whole image.
func fillRounded(dst *image.NRGBA, c color.NRGBA, radius int) {
	bounds := dst.Bounds()
	mask := roundedMask(bounds.Dx(), bounds.Dy(), radius)
	draw.DrawMask(dst, bounds, image.NewUniform(c), image.Point{}, mask, image.Point{}, draw.Over)
}

// roundedMask builds the alpha mask of a w x h rectangle with the given
// corner radius.
func roundedMask(w, h, radius int) *image.Alpha {
	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	if radius <= 0 {
		for i := range mask.Pix {
			mask.Pix[i] = 0xff
		}
		return mask
	}
	if max := minInt(w, h) / 2; radius > max {
		radius = max
	}

	r2 := radius * radius
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			inside := true
			// Corner test: distance from the nearest corner circle centre.
			cx, cy := -1, -1
			if x < radius && y < radius {
				cx, cy = radius-1, radius-1
			} else if x >= w-radius && y < radius {
				cx, cy = w-radius, radius-1
			} else if x < radius && y >= h-radius {
				cx, cy = radius-1, h-radius
			} else if x >= w-radius && y >= h-radius {
				cx, cy = w-radius, h-radius
			}
			if cx >= 0 {
				dx, dy := x-cx, y-cy
				inside = dx*dx+dy*dy <= r2
			}
			if inside {
				mask.SetAlpha(x, y, color.Alpha{A: 0xff})
			}
		}
	}
	return mask
}

// parseHexColor reads "#RRGGBB" with an opacity percentage (0-100) into
// an NRGBA. Unparseable strings fall back to opaque black.
func parseHexColor(hex string, opacityPercent int) color.NRGBA {
	c := color.NRGBA{A: alphaFromPercent(opacityPercent)}

	s := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(s) != 6 {
		return c
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return c
	}
	c.R = uint8(v >> 16)
	c.G = uint8(v >> 8)
	c.B = uint8(v)
	return c
}

func alphaFromPercent(percent int) uint8 {
	if percent <= 0 {
		return 0xff // unset opacity means fully opaque
	}
	if percent > 100 {
		percent = 100
	}
	return uint8(percent * 255 / 100)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
