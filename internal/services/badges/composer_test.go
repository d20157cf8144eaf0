package badges

import (
	"context"
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/aphrodite-media/aphrodite/internal/common"
	"github.com/aphrodite-media/aphrodite/internal/models"
)

func testComposer(t *testing.T) (*Composer, string) {
	t.Helper()

	cfg := common.NewDefaultConfig()
	cfg.Batch.OutputDir = t.TempDir()
	// No asset directories in tests; everything renders as text.
	cfg.Badges.Audio.AssetDir = ""
	cfg.Badges.Resolution.AssetDir = ""
	cfg.Badges.Review.AssetDir = ""
	cfg.Badges.Awards.AssetDir = ""
	cfg.Badges.Awards.FallbackToText = true

	composer, err := NewComposer(cfg, common.GetLogger())
	if err != nil {
		t.Fatalf("NewComposer: %v", err)
	}

	source := filepath.Join(t.TempDir(), "poster.jpg")
	img := imaging.New(600, 900, color.NRGBA{R: 20, G: 40, B: 60, A: 255})
	if err := imaging.Save(img, source, imaging.JPEGQuality(jpegQuality)); err != nil {
		t.Fatalf("save source: %v", err)
	}
	return composer.(*Composer), source
}

func TestComposeWritesOutput(t *testing.T) {
	composer, source := testComposer(t)

	payloads := []models.BadgePayload{
		{Type: models.BadgeAudio, Items: []models.BadgeItem{{Text: "TrueHD Atmos"}}},
		{Type: models.BadgeResolution, Items: []models.BadgeItem{{Text: "4K HDR"}}},
	}

	out, err := composer.Compose(context.Background(), source, payloads)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if info.Size() == 0 {
		t.Error("output image is empty")
	}
}

func TestComposeDeterministic(t *testing.T) {
	composer, source := testComposer(t)

	payloads := []models.BadgePayload{
		{Type: models.BadgeAudio, Items: []models.BadgeItem{{Text: "DTS-HD MA"}}},
		{Type: models.BadgeReview, Items: []models.BadgeItem{
			{Text: "9.3"},
			{Text: "91%"},
		}},
	}

	first, err := composer.Compose(context.Background(), source, payloads)
	if err != nil {
		t.Fatalf("first Compose: %v", err)
	}
	second, err := composer.Compose(context.Background(), source, payloads)
	if err != nil {
		t.Fatalf("second Compose: %v", err)
	}

	a, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("compositions of identical inputs differ")
	}
}

func TestComposeChangesAnchoredRegion(t *testing.T) {
	composer, source := testComposer(t)

	out, err := composer.Compose(context.Background(), source, []models.BadgePayload{
		{Type: models.BadgeAudio, Items: []models.BadgeItem{{Text: "Atmos"}}}, // top-right
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	before, err := imaging.Open(source)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	after, err := imaging.Open(out)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}

	if !regionDiffers(before, after, image.Rect(400, 0, 600, 150)) {
		t.Error("top-right region unchanged, badge not placed")
	}
	if regionDiffers(before, after, image.Rect(0, 400, 200, 600)) {
		t.Error("unrelated region changed")
	}
}

func TestComposeSkipsUnrenderableItems(t *testing.T) {
	composer, source := testComposer(t)

	// Image-only item with no asset dir and text fallback disabled.
	style := composer.styles[models.BadgeAwards]
	style.FallbackToText = false
	composer.styles[models.BadgeAwards] = style

	out, err := composer.Compose(context.Background(), source, []models.BadgePayload{
		{Type: models.BadgeAwards, Items: []models.BadgeItem{{ImageFile: "oscars-black.png"}}},
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	before, err := imaging.Open(source)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	after, err := imaging.Open(out)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	if regionDiffers(before, after, after.Bounds()) {
		t.Error("poster changed although nothing was renderable")
	}
}

func TestComposeMissingSource(t *testing.T) {
	composer, _ := testComposer(t)

	_, err := composer.Compose(context.Background(), "/nonexistent/poster.jpg", nil)
	if err == nil {
		t.Fatal("expected error for missing source image")
	}
}

func TestParseAnchor(t *testing.T) {
	tests := []struct {
		pos   string
		h, v  int
		flush bool
	}{
		{"top-left", 0, 0, false},
		{"top-center", 1, 0, false},
		{"bottom-right", 2, 2, false},
		{"center", 1, 1, false},
		{"center-left", 0, 1, false},
		{"bottom-right-flush", 2, 2, true},
		{"top-left-flush", 0, 0, true},
	}
	for _, tt := range tests {
		a := parseAnchor(tt.pos)
		if a.horizontal != tt.h || a.vertical != tt.v || a.flush != tt.flush {
			t.Errorf("parseAnchor(%q) = %+v", tt.pos, a)
		}
	}
}

func TestAnchorStacking(t *testing.T) {
	// Bottom-left stacks upward.
	a := parseAnchor("bottom-left")
	x, y := a.origin(600, 900, 100, 50, 30)
	if x != 30 || y != 820 {
		t.Errorf("origin = (%d, %d)", x, y)
	}
	x2, y2 := a.shift(x, y, 60)
	if x2 != x || y2 != y-60 {
		t.Errorf("shift = (%d, %d)", x2, y2)
	}

	// Top-center stacks rightward.
	b := parseAnchor("top-center")
	if b.stacksVertically() {
		t.Error("top-center should stack horizontally")
	}

	// Flush anchors ignore configured padding.
	f := parseAnchor("bottom-right-flush")
	fx, fy := f.origin(600, 900, 100, 50, 30)
	if fx != 500 || fy != 850 {
		t.Errorf("flush origin = (%d, %d)", fx, fy)
	}
}

// regionDiffers reports whether any pixel inside rect differs between
// the two images beyond JPEG noise.
func regionDiffers(a, b image.Image, rect image.Rectangle) bool {
	const tolerance = 12
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			ar, ag, ab, _ := a.At(x, y).RGBA()
			br, bg, bb, _ := b.At(x, y).RGBA()
			if absDiff(ar, br) > tolerance*257 || absDiff(ag, bg) > tolerance*257 || absDiff(ab, bb) > tolerance*257 {
				return true
			}
		}
	}
	return false
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
