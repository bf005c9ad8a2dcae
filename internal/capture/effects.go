package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/omgasolutions/omrcam/internal/camera"
	"github.com/omgasolutions/omrcam/internal/imaging"
	"github.com/omgasolutions/omrcam/internal/model"
)

var (
	// ErrImageTooSmall means the encoded still is too small to be a usable sheet.
	ErrImageTooSmall = errors.New("captured image too small or unclear")
	// ErrInvalidChoreography means the grab would not follow the flash.
	ErrInvalidChoreography = errors.New("grab must be scheduled after the overlay fade")
)

// Effects renders the capture feedback.
type Effects interface {
	ShowOverlay()
	FadeOverlay()
	RemoveOverlay()
	PlayShutter(ctx context.Context) error
}

// Choreography holds the step offsets measured from the trigger.
type Choreography struct {
	FadeAfter time.Duration
	GrabAfter time.Duration
}

// DefaultChoreography fades at 200ms and grabs at 400ms.
func DefaultChoreography() Choreography {
	return Choreography{FadeAfter: 200 * time.Millisecond, GrabAfter: 400 * time.Millisecond}
}

func (c Choreography) validate() error {
	if c.FadeAfter < 0 || c.GrabAfter <= c.FadeAfter {
		return fmt.Errorf("%w (fade %s, grab %s)", ErrInvalidChoreography, c.FadeAfter, c.GrabAfter)
	}
	return nil
}

// step is one entry of the ordered effect pipeline.
type step struct {
	name string
	at   time.Duration
	run  func(ctx context.Context) error
}

// runSteps executes steps in order, each no earlier than its offset from
// the start. Cancelling ctx abandons the remaining steps.
func runSteps(ctx context.Context, steps []step) error {
	start := time.Now()
	for _, st := range steps {
		if wait := st.at - time.Since(start); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := st.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", st.name, err)
		}
	}
	return nil
}

// EffectCoordinator runs the flash, shutter and grab sequence.
type EffectCoordinator struct {
	Effects       Effects
	Timing        Choreography
	JPEGQuality   int
	PreviewWidth  int
	MinImageBytes int // 0 disables the size check
}

// NewEffectCoordinator returns a coordinator with the default timing.
func NewEffectCoordinator(fx Effects) *EffectCoordinator {
	if fx == nil {
		fx = NopEffects{}
	}
	return &EffectCoordinator{
		Effects:      fx,
		Timing:       DefaultChoreography(),
		JPEGQuality:  imaging.DefaultQuality,
		PreviewWidth: imaging.DefaultPreviewWidth,
	}
}

// Trigger flashes, plays the shutter and grabs a full-resolution still from
// src. The overlay is always removed before Trigger returns.
func (c *EffectCoordinator) Trigger(ctx context.Context, src camera.FrameSource) (*model.CapturedImage, error) {
	if err := c.Timing.validate(); err != nil {
		return nil, err
	}
	fx := c.Effects
	if fx == nil {
		fx = NopEffects{}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	defer fx.RemoveOverlay()

	var captured *model.CapturedImage
	steps := []step{
		{name: "flash", at: 0, run: func(context.Context) error {
			fx.ShowOverlay()
			g.Go(func() error {
				if err := fx.PlayShutter(gctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Warn("shutter sound failed", "error", err)
				}
				return nil
			})
			return nil
		}},
		{name: "fade", at: c.Timing.FadeAfter, run: func(context.Context) error {
			fx.FadeOverlay()
			return nil
		}},
		{name: "grab", at: c.Timing.GrabAfter, run: func(context.Context) error {
			img, err := c.grab(src)
			captured = img
			return err
		}},
	}

	err := runSteps(ctx, steps)
	if err != nil {
		cancel()
	}
	_ = g.Wait()
	if err != nil {
		return nil, err
	}
	return captured, nil
}

func (c *EffectCoordinator) grab(src camera.FrameSource) (*model.CapturedImage, error) {
	frame, err := src.Frame()
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	data, err := imaging.EncodeJPEG(frame, c.JPEGQuality)
	if err != nil {
		return nil, err
	}
	if c.MinImageBytes > 0 && len(data) < c.MinImageBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrImageTooSmall, len(data))
	}
	preview, err := imaging.Preview(frame, c.PreviewWidth)
	if err != nil {
		return nil, fmt.Errorf("render preview: %w", err)
	}
	b := frame.Bounds()
	return &model.CapturedImage{
		ID:         uuid.NewString(),
		JPEG:       data,
		Preview:    preview,
		Width:      b.Dx(),
		Height:     b.Dy(),
		CapturedAt: time.Now(),
	}, nil
}

// NopEffects renders nothing.
type NopEffects struct{}

func (NopEffects) ShowOverlay()                      {}
func (NopEffects) FadeOverlay()                      {}
func (NopEffects) RemoveOverlay()                    {}
func (NopEffects) PlayShutter(context.Context) error { return nil }

// OverlayState records the overlay phase and shutter count so a rendering
// shell can poll them.
type OverlayState struct {
	mu       sync.Mutex
	phase    model.OverlayPhase
	shutters int
}

func (o *OverlayState) ShowOverlay()   { o.set(model.OverlayOpaque) }
func (o *OverlayState) FadeOverlay()   { o.set(model.OverlayFading) }
func (o *OverlayState) RemoveOverlay() { o.set(model.OverlayHidden) }

func (o *OverlayState) PlayShutter(context.Context) error {
	o.mu.Lock()
	o.shutters++
	o.mu.Unlock()
	return nil
}

func (o *OverlayState) set(p model.OverlayPhase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

// Phase returns the current overlay phase.
func (o *OverlayState) Phase() model.OverlayPhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase == "" {
		return model.OverlayHidden
	}
	return o.phase
}

// Shutters returns how many shutter cues were played.
func (o *OverlayState) Shutters() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shutters
}

// TerminalEffects rings the terminal bell for the shutter and logs the flash.
type TerminalEffects struct {
	W io.Writer
}

func (t TerminalEffects) ShowOverlay()   { slog.Debug("flash on") }
func (t TerminalEffects) FadeOverlay()   { slog.Debug("flash fading") }
func (t TerminalEffects) RemoveOverlay() { slog.Debug("flash off") }

func (t TerminalEffects) PlayShutter(context.Context) error {
	if t.W == nil {
		return nil
	}
	_, err := io.WriteString(t.W, "\a")
	return err
}
