package media

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"github.com/disintegration/imaging"
)

// thumbnailMaxDimension bounds the generated image thumbnail's longest
// side, matching FallicoFunctions-OmniNudge's 300x300 target box.
const thumbnailMaxDimension = 300

// generateImageThumbnail resizes path into a temp PNG file, preserving
// aspect ratio, and returns its path. The caller owns cleanup.
func generateImageThumbnail(path string) (string, error) {
	src, err := imaging.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image %q: %w", path, err)
	}
	thumb := imaging.Fit(src, thumbnailMaxDimension, thumbnailMaxDimension, imaging.Lanczos)

	f, err := os.CreateTemp("", "attachment-thumb-*.png")
	if err != nil {
		return "", fmt.Errorf("create thumbnail temp file: %w", err)
	}
	defer f.Close()

	if err := imaging.Encode(f, thumb, imaging.PNG); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	return f.Name(), nil
}

// writeFallbackThumbnail writes a 1x1 transparent PNG to a temp file, used
// when no VideoProcessHook produced a real video thumbnail (SPEC_FULL.md
// §4.J step 1: "if false, use a 1x1 transparent PNG").
func writeFallbackThumbnail() (string, error) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{0, 0, 0, 0})

	f, err := os.CreateTemp("", "fallback-thumb-*.png")
	if err != nil {
		return "", fmt.Errorf("create fallback thumbnail temp file: %w", err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("encode fallback thumbnail: %w", err)
	}
	return f.Name(), nil
}

func removeTempFile(path string) {
	_ = os.Remove(path)
}
