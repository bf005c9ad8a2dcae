package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// DefaultQuality is the JPEG quality used for captured stills.
const DefaultQuality = 90

// DefaultPreviewWidth is the width of persisted preview copies.
const DefaultPreviewWidth = 300

// EncodeJPEG encodes img at the given quality (DefaultQuality if out of range).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Preview returns a JPEG copy of img scaled down to at most maxWidth pixels
// wide, keeping the aspect ratio. Smaller images are re-encoded unscaled.
func Preview(img image.Image, maxWidth int) ([]byte, error) {
	if maxWidth <= 0 {
		maxWidth = DefaultPreviewWidth
	}
	b := img.Bounds()
	if b.Dx() <= maxWidth {
		return EncodeJPEG(img, 75)
	}
	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return EncodeJPEG(dst, 75)
}

// DecodeConfig returns the dimensions of an encoded image.
func DecodeConfig(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
