package capture

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/omgasolutions/omrcam/internal/camera"
	"github.com/omgasolutions/omrcam/internal/model"
	"github.com/omgasolutions/omrcam/internal/quality"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func grayFrame(w, h int, g uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{g, g, g, 255}}, image.Point{}, draw.Src)
	return img
}

// fakeStream replays a sequence of gray levels; the last one repeats.
type fakeStream struct {
	mu     sync.Mutex
	levels []uint8
	reads  int
	err    error
	tracks []*camera.Track
}

func newFakeStream(levels ...uint8) *fakeStream {
	s := &fakeStream{levels: levels}
	s.tracks = []*camera.Track{camera.NewTrack("video", nil)}
	return s
}

func (s *fakeStream) Dimensions() (int, int) { return 640, 480 }

func (s *fakeStream) Frame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	i := s.reads
	if i >= len(s.levels) {
		i = len(s.levels) - 1
	}
	s.reads++
	return grayFrame(640, 480, s.levels[i]), nil
}

func (s *fakeStream) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *fakeStream) Device() model.Device {
	return model.Device{ID: "fake", Facing: model.FacingEnvironment}
}

func (s *fakeStream) Tracks() []*camera.Track { return s.tracks }

// fakeCamera hands out fresh streams built by next.
type fakeCamera struct {
	mu      sync.Mutex
	next    func() *fakeStream
	err     error
	opened  []*fakeStream
	block   chan struct{}
	lastCon camera.Constraints
}

func (c *fakeCamera) Open(ctx context.Context, cons camera.Constraints) (camera.Stream, error) {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCon = cons
	if c.err != nil {
		return nil, c.err
	}
	s := c.next()
	c.opened = append(c.opened, s)
	return s, nil
}

func (c *fakeCamera) Devices() []model.Device { return []model.Device{{ID: "fake"}} }

func (c *fakeCamera) streams() []*fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeStream(nil), c.opened...)
}

type memStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemStore() *memStore { return &memStore{m: map[string][]byte{}} }

func (s *memStore) ReadState(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key], nil
}

func (s *memStore) WriteState(key string, v []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = v
	return nil
}

func (s *memStore) ClearState(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func fastScheduler() *Scheduler {
	return NewScheduler(5*time.Millisecond, quality.NewSampler(20), quality.NewAnalyzer(quality.DefaultThresholds()))
}

func fastCoordinator(fx Effects) *EffectCoordinator {
	c := NewEffectCoordinator(fx)
	c.Timing = Choreography{FadeAfter: 5 * time.Millisecond, GrabAfter: 10 * time.Millisecond}
	return c
}
