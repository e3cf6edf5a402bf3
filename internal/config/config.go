package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/e7canasta/hdr-capture/internal/capture"
	"github.com/e7canasta/hdr-capture/internal/media"
	"github.com/e7canasta/hdr-capture/internal/pipeline"
	"github.com/e7canasta/hdr-capture/internal/recording"
	"github.com/e7canasta/hdr-capture/internal/server"
	"github.com/e7canasta/hdr-capture/internal/storage"
)

// EnvPrefix is the prefix of environment overrides, e.g. HDRCAP_DEVICE_BACKEND.
const EnvPrefix = "hdrcap"

// Backend names accepted in device.backend.
const (
	BackendSimulated = "simulated"
	BackendGStreamer = "gstreamer"
	BackendWebcam    = "webcam"
)

// Config represents the complete hdr-capture configuration
type Config struct {
	Device          DeviceConfig    `yaml:"device"`
	Video           VideoConfig     `yaml:"video"`
	Audio           AudioConfig     `yaml:"audio"`
	Render          RenderConfig    `yaml:"render"`
	Recording       RecordingConfig `yaml:"recording"`
	Storage         StorageConfig   `yaml:"storage"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
	HTTP            HTTPConfig      `yaml:"http"`
	MQTT            MQTTConfig      `yaml:"mqtt"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" split_words:"true"` // Graceful shutdown timeout (default: 5s)
}

// DeviceConfig selects the capture backend and device
type DeviceConfig struct {
	Backend         string        `yaml:"backend"` // simulated, gstreamer, webcam
	ID              string        `yaml:"id"`      // /dev/video0, camera label, sim0
	OpenTimeout     time.Duration `yaml:"open_timeout" split_words:"true"`
	BuildTimeout    time.Duration `yaml:"build_timeout" split_words:"true"`
	BuildAttempts   int           `yaml:"build_attempts" split_words:"true"`
	BuildRetryDelay time.Duration `yaml:"build_retry_delay" split_words:"true"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout" split_words:"true"` // per-format 10-bit probe (gstreamer)
	SimulateHDR     bool          `yaml:"simulate_hdr" split_words:"true"`  // simulated backend advertises 10-bit
}

// VideoConfig contains encoded video settings
type VideoConfig struct {
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	FPS     int    `yaml:"fps"`
	BitRate int    `yaml:"bitrate"` // bits per second
	Codec   string `yaml:"codec"`
}

// AudioConfig contains encoded audio settings
type AudioConfig struct {
	Enabled    bool `yaml:"enabled"`
	BitRate    int  `yaml:"bitrate"`
	SampleRate int  `yaml:"sample_rate" split_words:"true"`
	Channels   int  `yaml:"channels"`
}

// RenderConfig contains compositor settings
type RenderConfig struct {
	RotationDegrees float64 `yaml:"rotation_degrees" split_words:"true"`
	Filter          string  `yaml:"filter"` // nearest, approx-bilinear, bilinear, catmullrom
	CadenceWindow   int     `yaml:"cadence_window" split_words:"true"`
}

// RecordingConfig contains encoder session settings
type RecordingConfig struct {
	TempDir     string        `yaml:"temp_dir" split_words:"true"`
	StopTimeout time.Duration `yaml:"stop_timeout" split_words:"true"` // bound on encoder finalization (default: 10s)
}

// StorageConfig contains the media library settings
type StorageConfig struct {
	Dir      string        `yaml:"dir"`
	Subdir   string        `yaml:"subdir"`
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	Validate bool          `yaml:"validate"`
}

// ReconnectConfig contains device reopen backoff settings
type ReconnectConfig struct {
	MaxRetries    int           `yaml:"max_retries" split_words:"true"`
	RetryDelay    time.Duration `yaml:"retry_delay" split_words:"true"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" split_words:"true"`
}

// HTTPConfig contains the control/preview server settings
type HTTPConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	PreviewWidth  int    `yaml:"preview_width" split_words:"true"`
	PreviewHeight int    `yaml:"preview_height" split_words:"true"`
	JPEGQuality   int    `yaml:"jpeg_quality" envconfig:"JPEG_QUALITY"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker   string     `yaml:"broker"`
	ClientID string     `yaml:"client_id" split_words:"true"`
	Topics   MQTTTopics `yaml:"topics"`
	QoS      byte       `yaml:"qos"`
	Encoding string     `yaml:"encoding"` // json (default) or msgpack
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control  string `yaml:"control"`
	Response string `yaml:"response"`
	State    string `yaml:"state"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Device: DeviceConfig{
			Backend:         BackendSimulated,
			ID:              "sim0",
			OpenTimeout:     5 * time.Second,
			BuildTimeout:    5 * time.Second,
			BuildAttempts:   3,
			BuildRetryDelay: 200 * time.Millisecond,
			ProbeTimeout:    2 * time.Second,
			SimulateHDR:     true,
		},
		Video: VideoConfig{Width: 1920, Height: 1080, FPS: 60, BitRate: 20_000_000, Codec: "hevc"},
		Audio: AudioConfig{Enabled: true, BitRate: 192_000, SampleRate: 48_000, Channels: 2},
		Render: RenderConfig{
			RotationDegrees: 90,
			Filter:          "approx-bilinear",
			CadenceWindow:   240,
		},
		Recording: RecordingConfig{
			TempDir:     filepath.Join(os.TempDir(), "hdr-capture"),
			StopTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Dir:      filepath.Join(home, "Movies"),
			Subdir:   "HdrCapture",
			Attempts: 3,
			Delay:    200 * time.Millisecond,
			Validate: true,
		},
		Reconnect: ReconnectConfig{
			MaxRetries:    5,
			RetryDelay:    500 * time.Millisecond,
			MaxRetryDelay: 10 * time.Second,
		},
		HTTP: HTTPConfig{
			Enabled:       true,
			Addr:          ":8080",
			PreviewWidth:  720,
			PreviewHeight: 1280,
			JPEGQuality:   75,
		},
		ShutdownTimeout: 5 * time.Second,
	}
}

// Load reads a YAML configuration file over the defaults, applies HDRCAP_*
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// VideoSize returns the configured frame size.
func (c *Config) VideoSize() media.Size {
	return media.Size{Width: c.Video.Width, Height: c.Video.Height}
}

// CaptureConfig derives the capture manager configuration.
func (c *Config) CaptureConfig() capture.Config {
	return capture.Config{
		DeviceID:        c.Device.ID,
		FPS:             c.Video.FPS,
		OpenTimeout:     c.Device.OpenTimeout,
		BuildTimeout:    c.Device.BuildTimeout,
		BuildAttempts:   c.Device.BuildAttempts,
		BuildRetryDelay: c.Device.BuildRetryDelay,
		Reconnect: capture.ReconnectConfig{
			MaxRetries:    c.Reconnect.MaxRetries,
			RetryDelay:    c.Reconnect.RetryDelay,
			MaxRetryDelay: c.Reconnect.MaxRetryDelay,
		},
	}
}

// PipelineConfig derives the pipeline configuration.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		RotationDegrees: c.Render.RotationDegrees,
		Filter:          c.Render.Filter,
		CadenceWindow:   c.Render.CadenceWindow,
	}
}

// RecordingConfig derives the recording controller configuration.
func (c *Config) RecordingConfig() recording.Config {
	return recording.Config{
		TempDir:     c.Recording.TempDir,
		StopTimeout: c.Recording.StopTimeout,
		Video: recording.VideoSettings{
			Size:    c.VideoSize(),
			FPS:     c.Video.FPS,
			BitRate: c.Video.BitRate,
			Codec:   c.Video.Codec,
		},
		Audio: recording.AudioSettings{
			Enabled:    c.Audio.Enabled,
			BitRate:    c.Audio.BitRate,
			SampleRate: c.Audio.SampleRate,
			Channels:   c.Audio.Channels,
		},
	}
}

// StorageConfig derives the media library configuration.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Dir:      c.Storage.Dir,
		Subdir:   c.Storage.Subdir,
		Attempts: uint(c.Storage.Attempts),
		Delay:    c.Storage.Delay,
		Validate: c.Storage.Validate,
	}
}

// ServerConfig derives the HTTP server configuration.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		Addr:        c.HTTP.Addr,
		PreviewSize: media.Size{Width: c.HTTP.PreviewWidth, Height: c.HTTP.PreviewHeight},
		JPEGQuality: c.HTTP.JPEGQuality,
	}
}
