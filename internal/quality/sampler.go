package quality

import (
	"errors"
	"fmt"

	"github.com/omgasolutions/omrcam/internal/camera"
)

// DefaultStride is the pixel step between sampled points on both axes.
const DefaultStride = 20

// ErrSourceNotReady is returned while the video source has no dimensions yet.
var ErrSourceNotReady = errors.New("video source not ready")

// Point is one sampled pixel.
type Point struct {
	X, Y    int
	R, G, B uint8
}

// Luma is the unweighted mean of the three channels.
func (p Point) Luma() float64 {
	return (float64(p.R) + float64(p.G) + float64(p.B)) / 3
}

// PixelSample is a sparse grid of pixels taken from one frame.
type PixelSample struct {
	Width  int
	Height int
	Stride int
	Points []Point
}

// Sampler pulls a pixel grid from the current frame of a source.
type Sampler struct {
	Stride int
}

// NewSampler returns a sampler with the given stride (DefaultStride if <= 0).
func NewSampler(stride int) *Sampler {
	if stride <= 0 {
		stride = DefaultStride
	}
	return &Sampler{Stride: stride}
}

// Sample reads the instantaneous frame of src. The source is not modified.
func (s *Sampler) Sample(src camera.FrameSource) (PixelSample, error) {
	w, h := src.Dimensions()
	if w <= 0 || h <= 0 {
		// A source that died before its first frame reports why.
		if e, ok := src.(interface{ Err() error }); ok && e.Err() != nil {
			return PixelSample{}, e.Err()
		}
		return PixelSample{}, ErrSourceNotReady
	}

	frame, err := src.Frame()
	if errors.Is(err, camera.ErrNoFrame) {
		return PixelSample{}, ErrSourceNotReady
	}
	if err != nil {
		return PixelSample{}, fmt.Errorf("read frame: %w", err)
	}

	stride := s.Stride
	if stride <= 0 {
		stride = DefaultStride
	}
	b := frame.Bounds()
	sample := PixelSample{
		Width:  b.Dx(),
		Height: b.Dy(),
		Stride: stride,
		Points: make([]Point, 0, (b.Dx()/stride+1)*(b.Dy()/stride+1)),
	}
	for y := 0; y < sample.Height; y += stride {
		for x := 0; x < sample.Width; x += stride {
			r, g, bl, _ := frame.At(b.Min.X+x, b.Min.Y+y).RGBA()
			sample.Points = append(sample.Points, Point{
				X: x, Y: y,
				R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(bl >> 8),
			})
		}
	}
	return sample, nil
}
