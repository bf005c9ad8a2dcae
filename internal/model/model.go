package model

import (
	"strings"
	"time"
)

// CaptureState represents the lifecycle state of a capture session.
type CaptureState string

const (
	StateIdle              CaptureState = "idle"
	StatePreviewing        CaptureState = "previewing"
	StateSampling          CaptureState = "sampling"
	StateTriggeringEffects CaptureState = "triggering_effects"
	StateCaptured          CaptureState = "captured"
	StateStopped           CaptureState = "stopped"
	StateFailed            CaptureState = "failed"
)

// StreamOpen reports whether the camera stream must be open in this state.
func (s CaptureState) StreamOpen() bool {
	switch s {
	case StatePreviewing, StateSampling, StateTriggeringEffects:
		return true
	}
	return false
}

// CaptureMode selects between quality-gated and user-triggered capture.
type CaptureMode string

const (
	// ModeAuto samples frames and captures once a frame is acceptable.
	ModeAuto CaptureMode = "auto"
	// ModeManual skips sampling; the user triggers the capture.
	ModeManual CaptureMode = "manual"
)

// Facing is the camera facing-mode preference.
type Facing string

const (
	FacingEnvironment Facing = "environment"
	FacingUser        Facing = "user"
)

// DeviceKind selects how frames are pulled from a device.
type DeviceKind string

const (
	// DeviceMJPEG is a multipart/x-mixed-replace JPEG stream.
	DeviceMJPEG DeviceKind = "mjpeg"
	// DeviceSnapshot serves one JPEG per request.
	DeviceSnapshot DeviceKind = "snapshot"
)

// Device describes a camera reachable by the host.
type Device struct {
	ID     string     `json:"id" mapstructure:"id"`
	Label  string     `json:"label" mapstructure:"label"`
	Facing Facing     `json:"facing" mapstructure:"facing"`
	URL    string     `json:"url" mapstructure:"url"`
	Kind   DeviceKind `json:"kind" mapstructure:"kind"`
}

// Guidance is the message ID of a human-readable capture hint.
type Guidance string

const (
	GuidanceIncreaseLighting Guidance = "increase_lighting"
	GuidanceReduceLighting   Guidance = "reduce_lighting"
	GuidanceShiftLeft        Guidance = "shift_left"
	GuidanceShiftRight       Guidance = "shift_right"
	GuidanceRaise            Guidance = "raise"
	GuidanceLower            Guidance = "lower"
	GuidanceReady            Guidance = "ready"
)

// Verdict is the quality score of one sampled frame.
type Verdict struct {
	BrightnessMean      float64  `json:"brightness_mean"`
	HorizontalImbalance float64  `json:"horizontal_imbalance"`
	VerticalImbalance   float64  `json:"vertical_imbalance"`
	Acceptable          bool     `json:"acceptable"`
	Guidance            Guidance `json:"guidance"`
}

// CapturedImage is a still grabbed from the camera.
type CapturedImage struct {
	ID         string    `json:"id"`
	JPEG       []byte    `json:"-"`
	Preview    []byte    `json:"-"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
}

// OverlayPhase is the visible state of the capture flash overlay.
type OverlayPhase string

const (
	OverlayHidden OverlayPhase = "hidden"
	OverlayOpaque OverlayPhase = "opaque"
	OverlayFading OverlayPhase = "fading"
)

// SessionStatus is a snapshot of a capture session.
type SessionStatus struct {
	SessionID string       `json:"session_id"`
	Mode      CaptureMode  `json:"mode"`
	State     CaptureState `json:"state"`
	Reason    string       `json:"reason,omitempty"`
	Rejected  bool         `json:"rejected,omitempty"` // last still was too small, camera still live
	Verdict   *Verdict     `json:"verdict,omitempty"`
	HasImage  bool         `json:"has_image"`
	Device    string       `json:"device,omitempty"`
	Overlay   OverlayPhase `json:"overlay"`
	Shutters  int          `json:"shutters"`
}

// StateStore persists small client-side values across sessions.
type StateStore interface {
	ReadState(key string) ([]byte, error)
	WriteState(key string, value []byte) error
	ClearState(key string) error
}

// LastCaptureKey is the state-store key of the last captured preview.
const LastCaptureKey = "last_captured_photo"

// ExamForm holds the user-entered grading parameters.
type ExamForm struct {
	ModelAnswers       string `json:"model_answers"`
	NumQuestions       int    `json:"num_questions,omitempty"`        // 0 means not provided
	OptionsPerQuestion int    `json:"options_per_question,omitempty"` // 0 means not provided
}

// Answers returns the non-empty trimmed answer tokens in order.
func (f ExamForm) Answers() []string {
	var out []string
	for _, a := range strings.Split(f.ModelAnswers, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Operator is an account allowed to use the HTTP API.
type Operator struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}
