package main

import (
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/omgasolutions/omrcam/internal/chat"
	"github.com/omgasolutions/omrcam/internal/model"
)

func configViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(yaml)); err != nil {
		t.Fatalf("read config: %v", err)
	}
	return v
}

func TestDevicesFromConfig(t *testing.T) {
	v := configViper(t, `
cameras:
  - id: rear
    label: Document camera
    facing: environment
    url: http://cam.local/stream
  - label: Front
    facing: user
    url: http://cam.local/snap.jpg
    kind: snapshot
`)
	devices, err := devicesFromConfig(v)
	if err != nil {
		t.Fatalf("devicesFromConfig: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if devices[0].ID != "rear" || devices[0].Kind != model.DeviceMJPEG || devices[0].Facing != model.FacingEnvironment {
		t.Errorf("devices[0] = %+v", devices[0])
	}
	if devices[1].ID != "camera-1" || devices[1].Kind != model.DeviceSnapshot || devices[1].Facing != model.FacingUser {
		t.Errorf("devices[1] = %+v", devices[1])
	}
}

func TestDevicesFromConfigCameraURL(t *testing.T) {
	v := configViper(t, "cameras:\n  - url: http://ignored\n")
	v.Set("camera-url", "http://phone:8080/video")
	v.Set("facing", "user")

	devices, err := devicesFromConfig(v)
	if err != nil {
		t.Fatalf("devicesFromConfig: %v", err)
	}
	if len(devices) != 1 || devices[0].URL != "http://phone:8080/video" || devices[0].Facing != model.FacingUser {
		t.Errorf("devices = %+v", devices)
	}
}

func TestDevicesFromConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing url", "cameras:\n  - id: x\n"},
		{"unknown kind", "cameras:\n  - url: http://x\n    kind: rtsp\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := devicesFromConfig(configViper(t, tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestThresholdsFromConfig(t *testing.T) {
	v := viper.New()
	v.Set("min-brightness", 50)
	v.Set("max-brightness", 200)
	v.Set("max-imbalance", 1000)
	th, err := thresholdsFromConfig(v)
	if err != nil {
		t.Fatalf("thresholdsFromConfig: %v", err)
	}
	if th.MinBrightness != 50 || th.MaxBrightness != 200 || th.MaxImbalance != 1000 {
		t.Errorf("thresholds = %+v", th)
	}

	v.Set("min-brightness", 250)
	if _, err := thresholdsFromConfig(v); err == nil {
		t.Error("expected error for min above max")
	}
}

func TestBuildSessionRejectsUnknownMode(t *testing.T) {
	v := viper.New()
	v.Set("min-brightness", 60)
	v.Set("max-brightness", 230)
	v.Set("max-imbalance", 300000)
	v.Set("mode", "burst")
	if _, _, err := buildSession(v, nil, nil, nil); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestBuildAnswerer(t *testing.T) {
	tests := []struct {
		backend string
		wantNil bool
		wantErr bool
	}{
		{backend: "echo"},
		{backend: "remote"},
		{backend: "llm"},
		{backend: "none", wantNil: true},
		{backend: "carrier-pigeon", wantNil: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			v := viper.New()
			v.Set("chat-backend", tt.backend)
			v.Set("chat-url", "http://127.0.0.1:1")
			v.Set("llm-url", "http://127.0.0.1:1/v1")
			a, err := buildAnswerer(v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if (a == nil) != tt.wantNil {
				t.Errorf("answerer = %v, wantNil %v", a, tt.wantNil)
			}
		})
	}
	if a, _ := buildAnswerer(viper.New()); a != (chat.Echo{}) {
		t.Errorf("default answerer = %T, want chat.Echo", a)
	}
}
