package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omgasolutions/omrcam/internal/camera"
	"github.com/omgasolutions/omrcam/internal/model"
)

// DefaultSettleDelay lets exposure and focus stabilise before sampling.
const DefaultSettleDelay = 2 * time.Second

// ErrInvalidTransition is returned when an operation is not allowed in the
// current state.
var ErrInvalidTransition = errors.New("invalid capture state transition")

// Config holds session behaviour.
type Config struct {
	Mode        model.CaptureMode
	SettleDelay time.Duration
}

// Session owns the camera stream and drives one capture lifecycle at a time.
// The stream is open exactly while the state is previewing, sampling or
// triggering_effects.
type Session struct {
	camera      camera.Camera
	scheduler   *Scheduler
	coordinator *EffectCoordinator
	store       model.StateStore
	cfg         Config

	mu      sync.Mutex
	gen     uint64 // bumped whenever pending callbacks must be ignored
	id      string
	state   model.CaptureState
	err     error
	opening bool
	stream  camera.Stream
	verdict *model.Verdict
	image   *model.CapturedImage
	settle  *time.Timer
	stopFx  context.CancelFunc
	changed chan struct{}
	effects sync.WaitGroup

	listeners []func(model.SessionStatus)
}

// NewSession wires a session. store may be nil when previews need not persist.
func NewSession(cam camera.Camera, sched *Scheduler, coord *EffectCoordinator, store model.StateStore, cfg Config) *Session {
	if cfg.Mode == "" {
		cfg.Mode = model.ModeAuto
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	s := &Session{
		camera:      cam,
		scheduler:   sched,
		coordinator: coord,
		store:       store,
		cfg:         cfg,
		state:       model.StateIdle,
		changed:     make(chan struct{}),
	}
	sched.OnError = s.samplingFailed
	return s
}

// OnChange registers fn to receive a status snapshot after every transition.
func (s *Session) OnChange(fn func(model.SessionStatus)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Mode returns the configured capture mode.
func (s *Session) Mode() model.CaptureMode { return s.cfg.Mode }

// Start acquires the camera: idle -> previewing. Camera failures move the
// session to failed; only misuse is returned as an error.
func (s *Session) Start(ctx context.Context, cons camera.Constraints) error {
	s.mu.Lock()
	if s.state != model.StateIdle || s.opening {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, st)
	}
	s.gen++
	gen := s.gen
	s.opening = true
	s.id = uuid.NewString()
	s.mu.Unlock()

	stream, err := s.camera.Open(ctx, cons)

	s.mu.Lock()
	s.opening = false
	if gen != s.gen {
		// Cancelled or closed while the device was opening.
		s.mu.Unlock()
		if stream != nil {
			camera.StopAll(stream)
		}
		return nil
	}
	if err != nil {
		s.failLocked(fmt.Errorf("open camera: %w", err))
		s.mu.Unlock()
		s.notify()
		return nil
	}
	s.stream = stream
	s.state = model.StatePreviewing
	s.verdict = nil
	s.err = nil
	if s.cfg.Mode == model.ModeAuto {
		s.settle = time.AfterFunc(s.cfg.SettleDelay, func() { s.beginSampling(gen) })
	}
	slog.Info("camera stream open", "session", s.id, "device", stream.Device().ID, "mode", s.cfg.Mode)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Session) beginSampling(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != model.StatePreviewing {
		s.mu.Unlock()
		return
	}
	s.state = model.StateSampling
	stream := s.stream
	err := s.scheduler.Start(stream,
		func(v model.Verdict) { s.onVerdict(gen, v) },
		func() { s.onAccept(gen) },
	)
	if err != nil {
		s.failLocked(fmt.Errorf("start sampling: %w", err))
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) onVerdict(gen uint64, v model.Verdict) {
	s.mu.Lock()
	if gen != s.gen || s.state != model.StateSampling {
		s.mu.Unlock()
		return
	}
	s.verdict = &v
	s.mu.Unlock()
	s.notify()
}

func (s *Session) onAccept(gen uint64) {
	s.mu.Lock()
	defer s.notify()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != model.StateSampling {
		return
	}
	s.triggerLocked()
}

func (s *Session) samplingFailed(err error) {
	s.mu.Lock()
	if s.state != model.StateSampling {
		s.mu.Unlock()
		return
	}
	s.failLocked(fmt.Errorf("sample frame: %w", err))
	s.mu.Unlock()
	s.notify()
}

// Snap triggers the capture immediately. It is the only way out of
// previewing in manual mode; in auto mode it overrides sampling.
func (s *Session) Snap() error {
	s.mu.Lock()
	if s.state != model.StatePreviewing && s.state != model.StateSampling {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: snap from %s", ErrInvalidTransition, st)
	}
	s.stopTimersLocked()
	s.triggerLocked()
	s.mu.Unlock()
	s.notify()
	return nil
}

// triggerLocked moves to triggering_effects and runs the coordinator.
func (s *Session) triggerLocked() {
	s.state = model.StateTriggeringEffects
	gen := s.gen
	stream := s.stream
	ctx, cancel := context.WithCancel(context.Background())
	s.stopFx = cancel

	s.effects.Add(1)
	go func() {
		defer s.effects.Done()
		img, err := s.coordinator.Trigger(ctx, stream)
		s.finishCapture(gen, img, err)
	}()
}

func (s *Session) finishCapture(gen uint64, img *model.CapturedImage, err error) {
	s.mu.Lock()
	if gen != s.gen || s.state != model.StateTriggeringEffects {
		s.mu.Unlock()
		return
	}
	if s.stopFx != nil {
		s.stopFx()
		s.stopFx = nil
	}
	if errors.Is(err, ErrImageTooSmall) {
		// The camera stays live so the user can simply try again.
		s.err = fmt.Errorf("capture: %w", err)
		s.state = model.StatePreviewing
		if s.cfg.Mode == model.ModeAuto {
			s.settle = time.AfterFunc(s.cfg.SettleDelay, func() { s.beginSampling(gen) })
		}
		slog.Info("still rejected, capture again", "session", s.id, "error", err)
		s.mu.Unlock()
		s.notify()
		return
	}
	if err != nil {
		s.failLocked(fmt.Errorf("capture: %w", err))
		s.mu.Unlock()
		s.notify()
		return
	}
	// Capture is single-shot: the stream is released as soon as we have the still.
	s.releaseLocked()
	s.image = img
	s.err = nil
	s.state = model.StateCaptured
	id := s.id
	s.mu.Unlock()

	slog.Info("sheet captured", "session", id, "image", img.ID, "bytes", len(img.JPEG), "width", img.Width, "height", img.Height)
	if s.store != nil {
		if err := s.store.WriteState(model.LastCaptureKey, img.Preview); err != nil {
			slog.Warn("persist preview failed", "error", err)
		}
	}
	s.notify()
}

// Cancel abandons the running capture: -> stopped.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if !s.state.StreamOpen() && !s.opening {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, st)
	}
	s.gen++
	s.opening = false
	s.stopTimersLocked()
	s.releaseLocked()
	s.state = model.StateStopped
	s.err = nil
	s.mu.Unlock()
	s.notify()
	return nil
}

// Retake discards nothing until the next still replaces the current one:
// captured -> previewing.
func (s *Session) Retake(ctx context.Context, cons camera.Constraints) error {
	s.mu.Lock()
	if s.state != model.StateCaptured {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: retake from %s", ErrInvalidTransition, st)
	}
	s.state = model.StateIdle
	s.mu.Unlock()
	return s.Start(ctx, cons)
}

// Reset returns a finished session to idle.
func (s *Session) Reset() error {
	s.mu.Lock()
	if s.state.StreamOpen() || s.opening {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: reset from %s", ErrInvalidTransition, st)
	}
	s.state = model.StateIdle
	s.err = nil
	s.verdict = nil
	s.mu.Unlock()
	s.notify()
	return nil
}

// Close tears the session down from any state, releasing the camera, and
// waits for an in-flight effect sequence to unwind.
func (s *Session) Close() {
	s.mu.Lock()
	s.gen++
	s.opening = false
	s.stopTimersLocked()
	s.releaseLocked()
	if s.state.StreamOpen() {
		s.state = model.StateStopped
	}
	s.mu.Unlock()
	s.effects.Wait()
	s.notify()
}

// failLocked records err and releases everything; stale callbacks are ignored.
func (s *Session) failLocked(err error) {
	s.gen++
	s.stopTimersLocked()
	s.releaseLocked()
	s.state = model.StateFailed
	s.err = err
	slog.Warn("capture session failed", "session", s.id, "error", err)
}

func (s *Session) stopTimersLocked() {
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	s.scheduler.Stop()
	if s.stopFx != nil {
		s.stopFx()
		s.stopFx = nil
	}
}

func (s *Session) releaseLocked() {
	if s.stream == nil {
		return
	}
	camera.StopAll(s.stream)
	slog.Debug("camera stream released", "session", s.id, "device", s.stream.Device().ID)
	s.stream = nil
}

// Err returns the failure cause while the session is failed, or the reason
// the last still was rejected while the camera stays live for another try.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current state.
func (s *Session) State() model.CaptureState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the session.
func (s *Session) Status() model.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

type overlayReporter interface {
	Phase() model.OverlayPhase
	Shutters() int
}

func (s *Session) statusLocked() model.SessionStatus {
	st := model.SessionStatus{
		SessionID: s.id,
		Mode:      s.cfg.Mode,
		State:     s.state,
		HasImage:  s.image != nil,
		Overlay:   model.OverlayHidden,
	}
	if s.err != nil {
		st.Reason = s.err.Error()
	}
	st.Rejected = s.state != model.StateFailed && errors.Is(s.err, ErrImageTooSmall)
	if s.verdict != nil {
		v := *s.verdict
		st.Verdict = &v
	}
	if s.stream != nil {
		st.Device = s.stream.Device().ID
	}
	if r, ok := s.coordinator.Effects.(overlayReporter); ok {
		st.Overlay = r.Phase()
		st.Shutters = r.Shutters()
	}
	return st
}

// notify wakes waiters and calls listeners outside the lock.
func (s *Session) notify() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	status := s.statusLocked()
	listeners := append([]func(model.SessionStatus){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(status)
	}
}

// Wait blocks until the session reaches captured, stopped or failed.
func (s *Session) Wait(ctx context.Context) (model.SessionStatus, error) {
	for {
		s.mu.Lock()
		status := s.statusLocked()
		changed := s.changed
		s.mu.Unlock()
		switch status.State {
		case model.StateCaptured, model.StateStopped, model.StateFailed:
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-changed:
		}
	}
}

// Image returns the captured still, or nil.
func (s *Session) Image() *model.CapturedImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.image
}

// ClearCapture drops the captured still and its persisted preview when the
// session still holds the image with the given ID. An empty ID clears
// whatever is held. A still that replaced imageID in the meantime is kept.
func (s *Session) ClearCapture(imageID string) error {
	s.mu.Lock()
	if s.image == nil || (imageID != "" && s.image.ID != imageID) {
		s.mu.Unlock()
		slog.Debug("capture not cleared, image replaced", "session", s.id, "image", imageID)
		return nil
	}
	s.image = nil
	s.mu.Unlock()
	s.notify()
	if s.store == nil {
		return nil
	}
	return s.store.ClearState(model.LastCaptureKey)
}

// Preview returns the persisted preview of the last capture, which survives
// restarts; nil when there is none.
func (s *Session) Preview() ([]byte, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ReadState(model.LastCaptureKey)
}
