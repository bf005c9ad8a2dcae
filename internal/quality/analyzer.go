package quality

import (
	"math"

	"github.com/omgasolutions/omrcam/internal/model"
)

// Reference geometry the default imbalance threshold was tuned for.
const (
	referenceWidth  = 640
	referenceHeight = 480
	referenceStride = DefaultStride
)

// Thresholds bound an acceptable frame.
type Thresholds struct {
	MinBrightness float64 // inclusive
	MaxBrightness float64 // inclusive
	MaxImbalance  float64 // exclusive, absolute, both axes
}

// DefaultThresholds returns the thresholds tuned for 640x480 at stride 20.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinBrightness: 60,
		MaxBrightness: 230,
		MaxImbalance:  300000,
	}
}

// Scaled rescales MaxImbalance to the number of points sampled from a
// width x height frame at the given stride. Imbalances are sums over sampled
// points, so the threshold grows linearly with the point count.
func (t Thresholds) Scaled(width, height, stride int) Thresholds {
	if width <= 0 || height <= 0 {
		return t
	}
	if stride <= 0 {
		stride = DefaultStride
	}
	ref := float64(gridPoints(referenceWidth, referenceHeight, referenceStride))
	got := float64(gridPoints(width, height, stride))
	t.MaxImbalance = math.Round(t.MaxImbalance * got / ref)
	return t
}

func gridPoints(w, h, stride int) int {
	return ((w + stride - 1) / stride) * ((h + stride - 1) / stride)
}

// Analyzer scores pixel samples.
type Analyzer struct {
	Thresholds Thresholds
	// AutoScale rescales the imbalance threshold to each sample's geometry.
	AutoScale bool
}

// NewAnalyzer returns an analyzer using t.
func NewAnalyzer(t Thresholds) *Analyzer {
	return &Analyzer{Thresholds: t}
}

// Score computes the verdict for one sample. It has no side effects.
func (a *Analyzer) Score(s PixelSample) model.Verdict {
	th := a.Thresholds
	if a.AutoScale {
		th = th.Scaled(s.Width, s.Height, s.Stride)
	}

	var v model.Verdict
	if len(s.Points) == 0 {
		v.Guidance = model.GuidanceIncreaseLighting
		return v
	}

	midX, midY := s.Width/2, s.Height/2
	var total, left, right, top, bottom float64
	for _, p := range s.Points {
		l := p.Luma()
		total += l
		if p.X < midX {
			left += l
		} else {
			right += l
		}
		if p.Y < midY {
			top += l
		} else {
			bottom += l
		}
	}

	v.BrightnessMean = total / float64(len(s.Points))
	v.HorizontalImbalance = right - left
	v.VerticalImbalance = bottom - top
	v.Acceptable, v.Guidance = judge(v, th)
	return v
}

// judge applies the guidance precedence: lighting first, then horizontal,
// then vertical alignment.
func judge(v model.Verdict, th Thresholds) (bool, model.Guidance) {
	switch {
	case v.BrightnessMean < th.MinBrightness:
		return false, model.GuidanceIncreaseLighting
	case v.BrightnessMean > th.MaxBrightness:
		return false, model.GuidanceReduceLighting
	case math.Abs(v.HorizontalImbalance) >= th.MaxImbalance:
		if v.HorizontalImbalance > 0 {
			return false, model.GuidanceShiftRight
		}
		return false, model.GuidanceShiftLeft
	case math.Abs(v.VerticalImbalance) >= th.MaxImbalance:
		if v.VerticalImbalance > 0 {
			return false, model.GuidanceLower
		}
		return false, model.GuidanceRaise
	}
	return true, model.GuidanceReady
}
