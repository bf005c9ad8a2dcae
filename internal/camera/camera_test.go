package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/omgasolutions/omrcam/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testJPEG(t *testing.T, w, h int, gray uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{gray, gray, gray, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestSelectDevice(t *testing.T) {
	devices := []model.Device{
		{ID: "front", Facing: model.FacingUser},
		{ID: "back", Facing: model.FacingEnvironment},
		{ID: "usb"},
	}

	tests := []struct {
		name    string
		devices []model.Device
		cons    Constraints
		wantID  string
		wantErr error
	}{
		{"default prefers environment", devices, Constraints{}, "back", nil},
		{"user facing", devices, Constraints{FacingMode: model.FacingUser}, "front", nil},
		{"exact id wins", devices, Constraints{DeviceID: "usb", FacingMode: model.FacingUser}, "usb", nil},
		{"unknown id", devices, Constraints{DeviceID: "nope"}, "", ErrNoDevice},
		{"no facing match falls back to first", devices[2:], Constraints{}, "usb", nil},
		{"no devices", nil, Constraints{}, "", ErrNoDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectDevice(tt.devices, tt.cons)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("SelectDevice() error = %v, want %v", err, tt.wantErr)
				}
				if !errors.Is(err, ErrCameraUnavailable) {
					t.Errorf("error %v should wrap ErrCameraUnavailable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectDevice: %v", err)
			}
			if got.ID != tt.wantID {
				t.Errorf("SelectDevice() = %q, want %q", got.ID, tt.wantID)
			}
		})
	}
}

func TestTrackStopOnce(t *testing.T) {
	calls := 0
	tr := NewTrack("t", func() { calls++ })
	if tr.Stopped() {
		t.Fatal("new track should be live")
	}
	tr.Stop()
	tr.Stop()
	if !tr.Stopped() {
		t.Error("track should be stopped")
	}
	if calls != 1 {
		t.Errorf("onStop called %d times, want 1", calls)
	}
}

func mjpegServer(t *testing.T, frame []byte, frames int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mw := multipart.NewWriter(w)
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
		w.WriteHeader(http.StatusOK)
		for i := 0; i < frames; i++ {
			part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"image/jpeg"}})
			if err != nil {
				return
			}
			_, _ = part.Write(frame)
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
}

func waitReady(t *testing.T, s FrameSource) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w, _ := s.Dimensions(); w > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("stream never produced a frame")
}

func TestMJPEGStream(t *testing.T) {
	srv := mjpegServer(t, testJPEG(t, 64, 48, 128), 3)
	defer srv.Close()

	cam := NewHTTP([]model.Device{{ID: "cam", URL: srv.URL, Kind: model.DeviceMJPEG, Facing: model.FacingEnvironment}}, time.Second)
	s, err := cam.Open(context.Background(), Constraints{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitReady(t, s)

	w, h := s.Dimensions()
	if w != 64 || h != 48 {
		t.Errorf("Dimensions() = %dx%d, want 64x48", w, h)
	}
	img, err := s.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if img.Bounds().Dx() != 64 {
		t.Errorf("frame width = %d, want 64", img.Bounds().Dx())
	}

	StopAll(s)
	if !AllStopped(s) {
		t.Error("tracks should be stopped")
	}
	if _, err := s.Frame(); !errors.Is(err, ErrStreamStopped) {
		t.Errorf("Frame after stop = %v, want ErrStreamStopped", err)
	}
}

func TestOpenStatusErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"forbidden", http.StatusForbidden, ErrPermissionDenied},
		{"unauthorized", http.StatusUnauthorized, ErrPermissionDenied},
		{"busy", http.StatusServiceUnavailable, ErrDeviceBusy},
		{"missing", http.StatusNotFound, ErrNoDevice},
		{"other", http.StatusTeapot, ErrCameraUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			for _, kind := range []model.DeviceKind{model.DeviceMJPEG, model.DeviceSnapshot} {
				cam := NewHTTP([]model.Device{{ID: "cam", URL: srv.URL, Kind: kind}}, time.Second)
				_, err := cam.Open(context.Background(), Constraints{})
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("%s: Open() error = %v, want %v", kind, err, tt.wantErr)
				}
			}
		})
	}
}

func TestOpenUnreachable(t *testing.T) {
	cam := NewHTTP([]model.Device{{ID: "cam", URL: "http://127.0.0.1:1/video"}}, time.Second)
	_, err := cam.Open(context.Background(), Constraints{})
	if !errors.Is(err, ErrCameraUnavailable) {
		t.Errorf("Open() error = %v, want ErrCameraUnavailable", err)
	}
}

func TestOpenRejectsNonMultipart(t *testing.T) {
	frame := testJPEG(t, 8, 8, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(frame)
	}))
	defer srv.Close()

	cam := NewHTTP([]model.Device{{ID: "cam", URL: srv.URL, Kind: model.DeviceMJPEG}}, time.Second)
	if _, err := cam.Open(context.Background(), Constraints{}); !errors.Is(err, ErrCameraUnavailable) {
		t.Errorf("Open() error = %v, want ErrCameraUnavailable", err)
	}
}

func TestSnapshotStream(t *testing.T) {
	frame := testJPEG(t, 32, 16, 200)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(frame)
	}))
	defer srv.Close()

	cam := NewHTTP([]model.Device{{ID: "snap", URL: srv.URL, Kind: model.DeviceSnapshot}}, time.Second)
	s, err := cam.Open(context.Background(), Constraints{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if w, h := s.Dimensions(); w != 32 || h != 16 {
		t.Errorf("Dimensions() = %dx%d, want 32x16", w, h)
	}
	if _, err := s.Frame(); err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("server hits = %d, want 2 (probe + frame)", n)
	}

	StopAll(s)
	if _, err := s.Frame(); !errors.Is(err, ErrStreamStopped) {
		t.Errorf("Frame after stop = %v, want ErrStreamStopped", err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("stopped stream should not hit the device, hits = %d", n)
	}
}
