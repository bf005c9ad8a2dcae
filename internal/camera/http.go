package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/omgasolutions/omrcam/internal/model"
)

// HTTPCamera opens MJPEG and JPEG-snapshot cameras served over HTTP.
type HTTPCamera struct {
	devices    []model.Device
	httpClient *http.Client
	// connectTimeout bounds the wait for the first response of a stream.
	connectTimeout time.Duration
}

// NewHTTP creates a camera backed by the given devices.
func NewHTTP(devices []model.Device, connectTimeout time.Duration) *HTTPCamera {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &HTTPCamera{
		devices:        devices,
		httpClient:     &http.Client{},
		connectTimeout: connectTimeout,
	}
}

// Devices returns the configured devices.
func (c *HTTPCamera) Devices() []model.Device {
	out := make([]model.Device, len(c.devices))
	copy(out, c.devices)
	return out
}

// Open acquires the device selected by cons.
func (c *HTTPCamera) Open(ctx context.Context, cons Constraints) (Stream, error) {
	dev, err := SelectDevice(c.devices, cons)
	if err != nil {
		return nil, err
	}
	slog.Debug("opening camera", "device", dev.ID, "kind", dev.Kind, "url", dev.URL)

	switch dev.Kind {
	case model.DeviceSnapshot:
		return c.openSnapshot(ctx, dev)
	case model.DeviceMJPEG, "":
		return c.openMJPEG(ctx, dev)
	default:
		return nil, fmt.Errorf("%w: unsupported device kind %q", ErrCameraUnavailable, dev.Kind)
	}
}

// statusError maps an HTTP status to the acquisition error taxonomy.
func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrPermissionDenied
	case http.StatusNotFound:
		return ErrNoDevice
	case http.StatusConflict, http.StatusLocked, http.StatusServiceUnavailable:
		return ErrDeviceBusy
	}
	return fmt.Errorf("%w: status %s", ErrCameraUnavailable, resp.Status)
}

func (c *HTTPCamera) openMJPEG(ctx context.Context, dev model.Device) (Stream, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	// Abort the connect if the caller gives up or the device never answers.
	stopAbort := context.AfterFunc(ctx, cancel)
	timer := time.AfterFunc(c.connectTimeout, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, dev.URL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "multipart/x-mixed-replace")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	stopAbort()
	timer.Stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, statusError(resp)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: not an MJPEG stream (content type %q)", ErrCameraUnavailable, resp.Header.Get("Content-Type"))
	}

	s := &mjpegStream{device: dev, done: make(chan struct{})}
	s.track = NewTrack(dev.ID+"/video", func() {
		cancel()
		<-s.done
	})
	go s.readLoop(streamCtx, resp.Body, params["boundary"])
	return s, nil
}

// mjpegStream keeps the most recent frame of a multipart JPEG stream.
type mjpegStream struct {
	device model.Device
	track  *Track
	done   chan struct{}

	mu     sync.RWMutex
	latest image.Image
	err    error
}

func (s *mjpegStream) readLoop(ctx context.Context, body io.ReadCloser, boundary string) {
	defer close(s.done)
	defer body.Close()

	mr := multipart.NewReader(body, boundary)
	buf := new(bytes.Buffer)
	for {
		part, err := mr.NextPart()
		if err != nil {
			if ctx.Err() != nil {
				err = ErrStreamStopped
			} else if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: stream ended", ErrCameraUnavailable)
			}
			s.setErr(err)
			return
		}

		buf.Reset()
		_, err = io.Copy(buf, part)
		part.Close()
		if err != nil {
			if ctx.Err() != nil {
				s.setErr(ErrStreamStopped)
				return
			}
			slog.Debug("mjpeg part copy failed", "device", s.device.ID, "error", err)
			continue
		}

		img, err := jpeg.Decode(bytes.NewReader(buf.Bytes()))
		if err != nil {
			slog.Debug("mjpeg frame decode failed", "device", s.device.ID, "bytes", buf.Len(), "error", err)
			continue
		}
		s.mu.Lock()
		s.latest = img
		s.mu.Unlock()
	}
}

func (s *mjpegStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *mjpegStream) Device() model.Device { return s.device }
func (s *mjpegStream) Tracks() []*Track     { return []*Track{s.track} }

func (s *mjpegStream) Dimensions() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return 0, 0
	}
	b := s.latest.Bounds()
	return b.Dx(), b.Dy()
}

func (s *mjpegStream) Frame() (image.Image, error) {
	if s.track.Stopped() {
		return nil, ErrStreamStopped
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.latest == nil {
		return nil, ErrNoFrame
	}
	return s.latest, nil
}

// Err reports why the stream ended, or nil while it is live.
func (s *mjpegStream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (c *HTTPCamera) openSnapshot(ctx context.Context, dev model.Device) (Stream, error) {
	s := &snapshotStream{device: dev, client: c.httpClient, timeout: c.connectTimeout}
	s.track = NewTrack(dev.ID+"/video", nil)
	// Probe once so the device is known to answer and dimensions are set.
	if _, err := s.fetch(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// snapshotStream pulls one JPEG per Frame call.
type snapshotStream struct {
	device  model.Device
	client  *http.Client
	timeout time.Duration
	track   *Track

	mu     sync.RWMutex
	width  int
	height int
}

func (s *snapshotStream) fetch(ctx context.Context) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.device.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	img, err := jpeg.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	b := img.Bounds()
	s.mu.Lock()
	s.width, s.height = b.Dx(), b.Dy()
	s.mu.Unlock()
	return img, nil
}

func (s *snapshotStream) Device() model.Device { return s.device }
func (s *snapshotStream) Tracks() []*Track     { return []*Track{s.track} }

func (s *snapshotStream) Dimensions() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.width, s.height
}

func (s *snapshotStream) Frame() (image.Image, error) {
	if s.track.Stopped() {
		return nil, ErrStreamStopped
	}
	return s.fetch(context.Background())
}
