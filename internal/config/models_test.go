package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
	"github.com/rs/zerolog"
)

func init() {
	logger.SetOutput(io.Discard, zerolog.Disabled)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestNewManagerCreatesDefaults(t *testing.T) {
	m := newTestManager(t)

	if _, err := os.Stat(m.GetConfigPath()); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	cfg := m.Get()
	if cfg.Capture.ResFactor != 2 || cfg.Pipeline.FrameInterval != 1.0 || cfg.ServerPort != 8080 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("capture:\n  backend: synthetic\nserver_port: 9090\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cfg := m.Get()
	if cfg.Capture.Backend != BackendSynthetic || cfg.ServerPort != 9090 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Output.Width != 1920 || cfg.Capture.PollTimeoutMs != 1 {
		t.Fatalf("defaults lost for missing keys: %+v", cfg)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("capture:\n  backend: dxgi\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(path); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestValidateClamps(t *testing.T) {
	cfg := Defaults()
	cfg.Capture.ResFactor = 0
	cfg.Capture.PollTimeoutMs = -3
	cfg.Pipeline.FrameInterval = 0
	cfg.Output.JPEGQuality = 400

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Capture.ResFactor != 1 || cfg.Capture.PollTimeoutMs != 1 || cfg.Pipeline.FrameInterval != 1.0 || cfg.Output.JPEGQuality != 85 {
		t.Fatalf("values not clamped: %+v", cfg)
	}
}

func TestSetTypedValues(t *testing.T) {
	m := newTestManager(t)

	tests := []struct {
		key     string
		value   string
		wantErr bool
	}{
		{key: "capture.backend", value: "synthetic"},
		{key: "output.width", value: "1280"},
		{key: "output.mjpeg", value: "false"},
		{key: "pipeline.frame_interval", value: "0.5"},
		{key: "log_level", value: "debug"},
		{key: "log_level", value: "verbose", wantErr: true},
		{key: "output.width", value: "wide", wantErr: true},
		{key: "no.such.key", value: "1", wantErr: true},
		{key: "capture.backend", value: "dxgi", wantErr: true},
	}
	for _, tt := range tests {
		err := m.Set(tt.key, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("Set(%s, %s): err=%v, wantErr=%v", tt.key, tt.value, err, tt.wantErr)
		}
	}

	cfg := m.Get()
	if cfg.Capture.Backend != BackendSynthetic || cfg.Output.Width != 1280 || cfg.Output.MJPEG || cfg.Pipeline.FrameInterval != 0.5 || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config after Set: %+v", cfg)
	}

	// Changes are persisted.
	reloaded, err := NewManager(m.GetConfigPath())
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Get().Output.Width != 1280 {
		t.Fatalf("Set was not saved")
	}
}

func TestLookup(t *testing.T) {
	m := newTestManager(t)

	v, err := m.Lookup("server_port")
	if err != nil {
		t.Fatal(err)
	}
	if v != 8080 {
		t.Fatalf("expected 8080, got %v (%T)", v, v)
	}
	if _, err := m.Lookup("missing"); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestRegionRect(t *testing.T) {
	if !(Region{}).Rect().Empty() {
		t.Fatal("zero region should be empty")
	}
	r := Region{X: 1920, Y: 0, Width: 1280, Height: 720}.Rect()
	if r.Min.X != 1920 || r.Dx() != 1280 || r.Dy() != 720 {
		t.Fatalf("unexpected rect %v", r)
	}
}
