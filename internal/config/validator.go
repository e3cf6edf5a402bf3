package config

import (
	"fmt"
	"math"
	"time"

	"github.com/e7canasta/hdr-capture/internal/gpu"
)

var knownFilters = map[string]bool{
	gpu.FilterNearest:        true,
	gpu.FilterApproxBiLinear: true,
	gpu.FilterBiLinear:       true,
	gpu.FilterCatmullRom:     true,
}

// Validate checks if the configuration is valid and fills unset defaults
func Validate(cfg *Config) error {
	// Validate device
	switch cfg.Device.Backend {
	case BackendSimulated, BackendGStreamer, BackendWebcam:
	case "":
		cfg.Device.Backend = BackendSimulated
	default:
		return fmt.Errorf("device.backend must be one of simulated, gstreamer, webcam, got %q", cfg.Device.Backend)
	}
	if cfg.Device.ID == "" {
		switch cfg.Device.Backend {
		case BackendGStreamer:
			cfg.Device.ID = "/dev/video0"
		case BackendSimulated:
			cfg.Device.ID = "sim0"
		}
	}
	if cfg.Device.OpenTimeout <= 0 {
		cfg.Device.OpenTimeout = 5 * time.Second
	}
	if cfg.Device.BuildTimeout <= 0 {
		cfg.Device.BuildTimeout = 5 * time.Second
	}
	if cfg.Device.BuildAttempts <= 0 {
		cfg.Device.BuildAttempts = 3
	}

	// Validate video
	if cfg.Video.Width <= 0 || cfg.Video.Height <= 0 {
		return fmt.Errorf("video.width and video.height must be > 0")
	}
	if cfg.Video.Width%2 != 0 || cfg.Video.Height%2 != 0 {
		return fmt.Errorf("video size %dx%d must be even for 4:2:0 encoding", cfg.Video.Width, cfg.Video.Height)
	}
	if cfg.Video.FPS <= 0 {
		return fmt.Errorf("video.fps must be > 0")
	}
	if cfg.Video.BitRate <= 0 {
		cfg.Video.BitRate = 20_000_000
	}
	if cfg.Video.Codec == "" {
		cfg.Video.Codec = "hevc"
	}

	// Validate audio
	if cfg.Audio.Enabled {
		if cfg.Audio.SampleRate <= 0 {
			cfg.Audio.SampleRate = 48_000
		}
		if cfg.Audio.Channels <= 0 {
			cfg.Audio.Channels = 2
		}
		if cfg.Audio.BitRate <= 0 {
			cfg.Audio.BitRate = 192_000
		}
	}

	// Validate render
	if math.IsNaN(cfg.Render.RotationDegrees) || math.IsInf(cfg.Render.RotationDegrees, 0) {
		return fmt.Errorf("render.rotation_degrees must be finite")
	}
	if cfg.Render.Filter == "" {
		cfg.Render.Filter = gpu.FilterApproxBiLinear
	}
	if !knownFilters[cfg.Render.Filter] {
		return fmt.Errorf("render.filter %q is not supported", cfg.Render.Filter)
	}
	if cfg.Render.CadenceWindow <= 0 {
		cfg.Render.CadenceWindow = 240
	}

	// Validate recording and storage
	if cfg.Recording.TempDir == "" {
		return fmt.Errorf("recording.temp_dir is required")
	}
	if cfg.Recording.StopTimeout <= 0 {
		cfg.Recording.StopTimeout = 10 * time.Second
	}
	if cfg.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}
	if cfg.Storage.Attempts <= 0 {
		cfg.Storage.Attempts = 3
	}

	// Validate reconnect
	if cfg.Reconnect.MaxRetries <= 0 {
		cfg.Reconnect.MaxRetries = 5
	}
	if cfg.Reconnect.RetryDelay <= 0 {
		cfg.Reconnect.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Reconnect.MaxRetryDelay < cfg.Reconnect.RetryDelay {
		return fmt.Errorf("reconnect.max_retry_delay (%v) must be >= retry_delay (%v)",
			cfg.Reconnect.MaxRetryDelay, cfg.Reconnect.RetryDelay)
	}

	// Validate HTTP
	if cfg.HTTP.Enabled && cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.PreviewWidth < 0 || cfg.HTTP.PreviewHeight < 0 {
		return fmt.Errorf("http preview size must be >= 0")
	}
	if cfg.HTTP.JPEGQuality < 0 || cfg.HTTP.JPEGQuality > 100 {
		return fmt.Errorf("http.jpeg_quality must be between 0 and 100")
	}

	// Set default MQTT topics if a broker is configured
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "hdr-capture"
		}
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("hdrcap/control/%s", cfg.MQTT.ClientID)
		}
		if cfg.MQTT.Topics.Response == "" {
			cfg.MQTT.Topics.Response = fmt.Sprintf("hdrcap/response/%s", cfg.MQTT.ClientID)
		}
		if cfg.MQTT.Topics.State == "" {
			cfg.MQTT.Topics.State = fmt.Sprintf("hdrcap/state/%s", cfg.MQTT.ClientID)
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		switch cfg.MQTT.Encoding {
		case "":
			cfg.MQTT.Encoding = "json"
		case "json", "msgpack":
		default:
			return fmt.Errorf("mqtt.encoding must be json or msgpack, got %q", cfg.MQTT.Encoding)
		}
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return nil
}
