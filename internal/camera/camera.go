package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/omgasolutions/omrcam/internal/model"
)

var (
	// ErrCameraUnavailable is the root of every acquisition failure.
	ErrCameraUnavailable = errors.New("camera unavailable")
	ErrPermissionDenied  = fmt.Errorf("%w: permission denied", ErrCameraUnavailable)
	ErrNoDevice          = fmt.Errorf("%w: no device", ErrCameraUnavailable)
	ErrDeviceBusy        = fmt.Errorf("%w: device busy", ErrCameraUnavailable)

	// ErrNoFrame is returned by Frame before the device delivered an image.
	ErrNoFrame = errors.New("no frame received yet")
	// ErrStreamStopped is returned by Frame after the stream was stopped.
	ErrStreamStopped = errors.New("stream stopped")
)

// FrameSource yields the instantaneous camera image.
type FrameSource interface {
	// Dimensions reports the current frame size; 0x0 until the source is ready.
	Dimensions() (width, height int)
	Frame() (image.Image, error)
}

// Stream is an open camera stream.
type Stream interface {
	FrameSource
	Device() model.Device
	Tracks() []*Track
}

// Camera opens video streams.
type Camera interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
	Devices() []model.Device
}

// Constraints select the device to open.
type Constraints struct {
	FacingMode model.Facing
	DeviceID   string
}

// Track is one media track of a stream.
type Track struct {
	id      string
	stopped atomic.Bool
	onStop  func()
}

// NewTrack returns a live track; onStop runs once, on the first Stop.
func NewTrack(id string, onStop func()) *Track {
	return &Track{id: id, onStop: onStop}
}

func (t *Track) ID() string { return t.id }

// Stop ends the track. Safe to call repeatedly.
func (t *Track) Stop() {
	if t.stopped.CompareAndSwap(false, true) && t.onStop != nil {
		t.onStop()
	}
}

func (t *Track) Stopped() bool { return t.stopped.Load() }

// StopAll stops every track of s.
func StopAll(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// AllStopped reports whether every track of s is stopped.
func AllStopped(s Stream) bool {
	for _, t := range s.Tracks() {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

// SelectDevice picks the device matching c: an exact ID wins, then the first
// device with the preferred facing mode, then the first device.
func SelectDevice(devices []model.Device, c Constraints) (model.Device, error) {
	if len(devices) == 0 {
		return model.Device{}, ErrNoDevice
	}
	if c.DeviceID != "" {
		for _, d := range devices {
			if d.ID == c.DeviceID {
				return d, nil
			}
		}
		return model.Device{}, fmt.Errorf("%w: %q", ErrNoDevice, c.DeviceID)
	}
	facing := c.FacingMode
	if facing == "" {
		facing = model.FacingEnvironment
	}
	for _, d := range devices {
		if d.Facing == facing {
			return d, nil
		}
	}
	return devices[0], nil
}
