package config

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Capture backends
const (
	BackendX11        = "x11"
	BackendScreenshot = "screenshot"
	BackendSynthetic  = "synthetic"
	BackendPipeWire   = "pipewire"
)

// Region is a rectangle in desktop coordinates. A zero width or height
// selects the whole screen.
type Region struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Rect converts the region to an image.Rectangle
func (r Region) Rect() image.Rectangle {
	if r.Width <= 0 || r.Height <= 0 {
		return image.Rectangle{}
	}
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// CaptureConfig selects and tunes the desktop capture backend
type CaptureConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	Region  Region `json:"region" yaml:"region"`
	// ResFactor downscales captured frames before they enter the pipeline
	ResFactor       int `json:"res_factor" yaml:"res_factor"`
	PollTimeoutMs   int `json:"poll_timeout_ms" yaml:"poll_timeout_ms"`
	SyntheticFPS    int `json:"synthetic_fps" yaml:"synthetic_fps"`
	SyntheticWidth  int `json:"synthetic_width" yaml:"synthetic_width"`
	SyntheticHeight int `json:"synthetic_height" yaml:"synthetic_height"`
	// EmbedCursor asks the pipewire portal to draw the pointer into frames
	EmbedCursor bool `json:"embed_cursor" yaml:"embed_cursor"`
}

// PollTimeout returns the per-attempt capture timeout
func (c CaptureConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMs) * time.Millisecond
}

// PipelineConfig tunes the frame scheduler
type PipelineConfig struct {
	Engine            string  `json:"engine" yaml:"engine"`
	FrameInterval     float64 `json:"frame_interval" yaml:"frame_interval"`
	CaptureDeadlineMs int     `json:"capture_deadline_ms" yaml:"capture_deadline_ms"`
	InterpTimeoutMs   int     `json:"interp_timeout_ms" yaml:"interp_timeout_ms"`
	LatencyWindow     int     `json:"latency_window" yaml:"latency_window"`
	StatsIntervalSec  int     `json:"stats_interval_sec" yaml:"stats_interval_sec"`
}

// CaptureDeadline bounds one real tick's capture poll. Zero means no bound.
func (c PipelineConfig) CaptureDeadline() time.Duration {
	return time.Duration(c.CaptureDeadlineMs) * time.Millisecond
}

// InterpTimeout bounds one engine call. Zero means no bound.
func (c PipelineConfig) InterpTimeout() time.Duration {
	return time.Duration(c.InterpTimeoutMs) * time.Millisecond
}

// StatsInterval is the period of the stats log line
func (c PipelineConfig) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalSec) * time.Second
}

// PresenterConfig controls compositing extras
type PresenterConfig struct {
	Cursor      bool   `json:"cursor" yaml:"cursor"`
	CursorImage string `json:"cursor_image" yaml:"cursor_image"`
	HUD         bool   `json:"hud" yaml:"hud"`
}

// OutputConfig describes the presentation target
type OutputConfig struct {
	Width       int  `json:"width" yaml:"width"`
	Height      int  `json:"height" yaml:"height"`
	FPS         int  `json:"fps" yaml:"fps"`
	MJPEG       bool `json:"mjpeg" yaml:"mjpeg"`
	X11Window   bool `json:"x11_window" yaml:"x11_window"`
	JPEGQuality int  `json:"jpeg_quality" yaml:"jpeg_quality"`
}

// Config represents the application configuration
type Config struct {
	Capture            CaptureConfig   `json:"capture" yaml:"capture"`
	Pipeline           PipelineConfig  `json:"pipeline" yaml:"pipeline"`
	Presenter          PresenterConfig `json:"presenter" yaml:"presenter"`
	Output             OutputConfig    `json:"output" yaml:"output"`
	ServerPort         int             `json:"server_port" yaml:"server_port"`
	LogLevel           string          `json:"log_level" yaml:"log_level"`
	InhibitScreensaver bool            `json:"inhibit_screensaver" yaml:"inhibit_screensaver"`
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		Capture: CaptureConfig{
			Backend:         BackendX11,
			ResFactor:       2,
			PollTimeoutMs:   1,
			SyntheticFPS:    60,
			SyntheticWidth:  1280,
			SyntheticHeight: 720,
			EmbedCursor:     true,
		},
		Pipeline: PipelineConfig{
			Engine:           "blend",
			FrameInterval:    1.0,
			StatsIntervalSec: 5,
		},
		Presenter: PresenterConfig{
			Cursor: true,
		},
		Output: OutputConfig{
			Width:       1920,
			Height:      1080,
			FPS:         120,
			MJPEG:       true,
			JPEGQuality: 85,
		},
		ServerPort: 8080,
		LogLevel:   "info",
	}
}

// Validate rejects unusable settings and clamps out-of-range ones.
func (c *Config) Validate() error {
	switch c.Capture.Backend {
	case BackendX11, BackendScreenshot, BackendSynthetic, BackendPipeWire:
	default:
		return fmt.Errorf("unknown capture backend %q (use %s, %s, %s or %s)",
			c.Capture.Backend, BackendX11, BackendPipeWire, BackendScreenshot, BackendSynthetic)
	}
	if c.Output.Width <= 0 || c.Output.Height <= 0 {
		return fmt.Errorf("invalid output size %dx%d", c.Output.Width, c.Output.Height)
	}
	if c.Capture.Region.Width < 0 || c.Capture.Region.Height < 0 {
		return fmt.Errorf("invalid capture region %dx%d", c.Capture.Region.Width, c.Capture.Region.Height)
	}
	if c.Capture.Backend == BackendSynthetic && (c.Capture.SyntheticWidth <= 0 || c.Capture.SyntheticHeight <= 0) {
		return fmt.Errorf("invalid synthetic size %dx%d", c.Capture.SyntheticWidth, c.Capture.SyntheticHeight)
	}

	if c.Capture.ResFactor < 1 {
		c.Capture.ResFactor = 1
	}
	if c.Capture.PollTimeoutMs < 1 {
		c.Capture.PollTimeoutMs = 1
	}
	if c.Pipeline.FrameInterval <= 0 {
		c.Pipeline.FrameInterval = 1.0
	}
	if c.Pipeline.CaptureDeadlineMs < 0 {
		c.Pipeline.CaptureDeadlineMs = 0
	}
	if c.Pipeline.InterpTimeoutMs < 0 {
		c.Pipeline.InterpTimeoutMs = 0
	}
	if c.Pipeline.LatencyWindow < 0 {
		c.Pipeline.LatencyWindow = 0
	}
	if c.Pipeline.StatsIntervalSec < 0 {
		c.Pipeline.StatsIntervalSec = 0
	}
	if c.Output.JPEGQuality < 1 || c.Output.JPEGQuality > 100 {
		c.Output.JPEGQuality = 85
	}
	if c.Output.FPS <= 0 {
		c.Output.FPS = 120
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port %d", c.ServerPort)
	}
	return nil
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		actualConfigPath = filepath.Join(homeDir, ".config", "framedoubler", "config.yaml")
	}

	m := &Manager{
		configPath: actualConfigPath,
	}

	// Try to read config file
	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = Defaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("backend", m.config.Capture.Backend).
		Str("engine", m.config.Pipeline.Engine).
		Msg("Config loaded")

	return m, nil
}

// load reads the config file over the defaults, so keys missing from older
// files keep their default values.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// Update replaces the configuration and saves it
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// SetPort updates the server port in memory (flag override, not saved)
func (m *Manager) SetPort(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.ServerPort = port
}

// SetLogLevel updates the log level in memory (flag override, not saved)
func (m *Manager) SetLogLevel(level string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.LogLevel = level
}

// SetBackend updates the capture backend in memory (flag override, not saved)
func (m *Manager) SetBackend(backend string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Capture.Backend = backend
}

// SetEngine updates the interpolation engine in memory (flag override, not saved)
func (m *Manager) SetEngine(engine string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Pipeline.Engine = engine
}

// SetOutputSize records a new output size in memory
func (m *Manager) SetOutputSize(width, height int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Output.Width = width
	m.config.Output.Height = height
}

// GetViper returns a viper view of the current configuration, addressable
// with dotted keys such as "capture.backend".
func (m *Manager) GetViper() (*viper.Viper, error) {
	data, err := yaml.Marshal(m.Get())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to read config into viper: %w", err)
	}
	return v, nil
}

// Lookup returns the value at a dotted key
func (m *Manager) Lookup(key string) (interface{}, error) {
	v, err := m.GetViper()
	if err != nil {
		return nil, err
	}
	if !v.IsSet(key) {
		return nil, fmt.Errorf("configuration key not found: %s", key)
	}
	return v.Get(key), nil
}

// Set parses value according to the type of the existing key, validates the
// result and saves it.
func (m *Manager) Set(key, value string) error {
	v, err := m.GetViper()
	if err != nil {
		return err
	}
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	switch current := v.Get(key).(type) {
	case int, int64:
		// Whole floats such as frame_interval 1.0 round-trip as ints.
		if n, err := strconv.Atoi(value); err == nil {
			v.Set(key, n)
		} else if f, err := strconv.ParseFloat(value, 64); err == nil {
			v.Set(key, f)
		} else {
			return fmt.Errorf("invalid number for %s: %s", key, value)
		}
	case float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number for %s: %s", key, value)
		}
		v.Set(key, f)
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %s (use: true or false)", key, value)
		}
		v.Set(key, b)
	case string:
		if key == "log_level" {
			validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
			if !validLevels[strings.ToLower(value)] {
				return fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", value)
			}
		}
		v.Set(key, value)
	default:
		return fmt.Errorf("cannot set %s: unsupported type %T", key, current)
	}

	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse updated config: %w", err)
	}
	return m.Update(cfg)
}

// GetConfigPath returns the configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}
