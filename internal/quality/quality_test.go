package quality

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/omgasolutions/omrcam/internal/camera"
	"github.com/omgasolutions/omrcam/internal/model"
)

type imageSource struct {
	img image.Image
	err error
}

func (s imageSource) Dimensions() (int, int) {
	if s.img == nil {
		return 0, 0
	}
	return s.img.Bounds().Dx(), s.img.Bounds().Dy()
}

func (s imageSource) Frame() (image.Image, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.img, nil
}

// splitImage fills the left and right halves with different grays.
func splitImage(w, h int, left, right uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := left
			if x >= w/2 {
				g = right
			}
			img.Set(x, y, color.RGBA{g, g, g, 255})
		}
	}
	return img
}

func TestSampleStride(t *testing.T) {
	s := NewSampler(20)
	sample, err := s.Sample(imageSource{img: splitImage(640, 480, 100, 100)})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if len(sample.Points) != 32*24 {
		t.Errorf("got %d points, want %d", len(sample.Points), 32*24)
	}
	if sample.Width != 640 || sample.Height != 480 {
		t.Errorf("sample geometry = %dx%d", sample.Width, sample.Height)
	}
	p := sample.Points[1]
	if p.X != 20 || p.Y != 0 || p.R != 100 {
		t.Errorf("unexpected second point %+v", p)
	}
}

func TestSampleNotReady(t *testing.T) {
	s := NewSampler(0)
	if s.Stride != DefaultStride {
		t.Errorf("default stride = %d, want %d", s.Stride, DefaultStride)
	}
	if _, err := s.Sample(imageSource{}); !errors.Is(err, ErrSourceNotReady) {
		t.Errorf("Sample() error = %v, want ErrSourceNotReady", err)
	}
	src := imageSource{img: splitImage(4, 4, 0, 0), err: camera.ErrNoFrame}
	if _, err := s.Sample(src); !errors.Is(err, ErrSourceNotReady) {
		t.Errorf("Sample() error = %v, want ErrSourceNotReady", err)
	}
	src.err = camera.ErrStreamStopped
	if _, err := s.Sample(src); !errors.Is(err, camera.ErrStreamStopped) {
		t.Errorf("Sample() error = %v, want ErrStreamStopped", err)
	}
}

func TestBrightnessBounds(t *testing.T) {
	th := DefaultThresholds()
	for b := 0; b <= 255; b++ {
		ok, g := judge(model.Verdict{BrightnessMean: float64(b)}, th)
		want := b >= 60 && b <= 230
		if ok != want {
			t.Errorf("brightness %d: acceptable = %v, want %v", b, ok, want)
		}
		switch {
		case b < 60 && g != model.GuidanceIncreaseLighting:
			t.Errorf("brightness %d: guidance %q", b, g)
		case b > 230 && g != model.GuidanceReduceLighting:
			t.Errorf("brightness %d: guidance %q", b, g)
		case want && g != model.GuidanceReady:
			t.Errorf("brightness %d: guidance %q", b, g)
		}
	}
}

func TestImbalanceAlwaysRejected(t *testing.T) {
	th := DefaultThresholds()
	for _, b := range []float64{0, 59, 60, 150, 230, 231, 255} {
		for _, imb := range []float64{300001, 450000, 1e7} {
			for _, v := range []model.Verdict{
				{BrightnessMean: b, HorizontalImbalance: imb},
				{BrightnessMean: b, HorizontalImbalance: -imb},
				{BrightnessMean: b, VerticalImbalance: imb},
				{BrightnessMean: b, VerticalImbalance: -imb},
			} {
				if ok, _ := judge(v, th); ok {
					t.Errorf("verdict %+v accepted", v)
				}
			}
		}
	}
}

func TestGuidancePrecedence(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name string
		v    model.Verdict
		want model.Guidance
	}{
		{"dark beats imbalance", model.Verdict{BrightnessMean: 10, HorizontalImbalance: 1e6}, model.GuidanceIncreaseLighting},
		{"bright beats imbalance", model.Verdict{BrightnessMean: 250, VerticalImbalance: 1e6}, model.GuidanceReduceLighting},
		{"right heavy", model.Verdict{BrightnessMean: 150, HorizontalImbalance: 400000}, model.GuidanceShiftRight},
		{"left heavy", model.Verdict{BrightnessMean: 150, HorizontalImbalance: -400000}, model.GuidanceShiftLeft},
		{"horizontal beats vertical", model.Verdict{BrightnessMean: 150, HorizontalImbalance: -400000, VerticalImbalance: 400000}, model.GuidanceShiftLeft},
		{"bottom heavy", model.Verdict{BrightnessMean: 150, VerticalImbalance: 400000}, model.GuidanceLower},
		{"top heavy", model.Verdict{BrightnessMean: 150, VerticalImbalance: -400000}, model.GuidanceRaise},
		{"just inside", model.Verdict{BrightnessMean: 150, HorizontalImbalance: 299999, VerticalImbalance: -299999}, model.GuidanceReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, got := judge(tt.v, th); got != tt.want {
				t.Errorf("guidance = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestScoreUniformFrame(t *testing.T) {
	sample, err := NewSampler(20).Sample(imageSource{img: splitImage(640, 480, 150, 150)})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	a := NewAnalyzer(DefaultThresholds())
	v := a.Score(sample)
	if v.BrightnessMean != 150 {
		t.Errorf("BrightnessMean = %v, want 150", v.BrightnessMean)
	}
	if v.HorizontalImbalance != 0 || v.VerticalImbalance != 0 {
		t.Errorf("imbalance = (%v, %v), want 0", v.HorizontalImbalance, v.VerticalImbalance)
	}
	if !v.Acceptable || v.Guidance != model.GuidanceReady {
		t.Errorf("verdict = %+v, want acceptable", v)
	}

	// Pure: same input, same verdict.
	if again := a.Score(sample); again != v {
		t.Errorf("Score not deterministic: %+v vs %+v", again, v)
	}
}

func TestScoreSkewedFrame(t *testing.T) {
	// 384 points per half cannot reach the default threshold.
	sample, err := NewSampler(20).Sample(imageSource{img: splitImage(640, 480, 80, 220)})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	v := NewAnalyzer(Thresholds{MinBrightness: 60, MaxBrightness: 230, MaxImbalance: 1000}).Score(sample)
	if v.HorizontalImbalance != 384*140 {
		t.Errorf("HorizontalImbalance = %v, want %v", v.HorizontalImbalance, 384*140)
	}
	if v.Acceptable || v.Guidance != model.GuidanceShiftRight {
		t.Errorf("verdict = %+v, want shift_right", v)
	}
}

func TestScoreEmptySample(t *testing.T) {
	v := NewAnalyzer(DefaultThresholds()).Score(PixelSample{})
	if v.Acceptable {
		t.Error("empty sample must not be acceptable")
	}
}

func TestThresholdsScaled(t *testing.T) {
	base := DefaultThresholds()
	if got := base.Scaled(640, 480, 20).MaxImbalance; got != 300000 {
		t.Errorf("reference geometry MaxImbalance = %v, want 300000", got)
	}
	if got := base.Scaled(1280, 960, 20).MaxImbalance; got != 1200000 {
		t.Errorf("4x points MaxImbalance = %v, want 1200000", got)
	}
	if got := base.Scaled(640, 480, 40).MaxImbalance; got != 75000 {
		t.Errorf("quarter points MaxImbalance = %v, want 75000", got)
	}
	if got := base.Scaled(0, 0, 20); got != base {
		t.Errorf("unknown geometry should leave thresholds unchanged, got %+v", got)
	}
}
