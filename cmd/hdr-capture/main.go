package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	hdrcapture "github.com/e7canasta/hdr-capture"
	"github.com/e7canasta/hdr-capture/internal/config"
	"github.com/e7canasta/hdr-capture/internal/gstreamer"
	"github.com/e7canasta/hdr-capture/internal/simulated"
	"github.com/e7canasta/hdr-capture/internal/webcam"
)

const defaultConfigPath = "config/hdr-capture.yaml"

type globalOptions struct {
	configPath string
	debug      bool
	simulate   bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:          "hdr-capture",
		Short:        "HDR camera recorder with live preview",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogger(opts.debug)
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "Path to configuration file (empty for defaults)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&opts.simulate, "simulate", false, "Use the simulated camera and encoder")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newDevicesCmd(opts))
	root.AddCommand(newProbeCmd(opts))
	return root
}

func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}

// loadConfig loads the file if it exists. The default path is optional, an
// explicit one is not.
func loadConfig(opts *globalOptions) (*hdrcapture.Config, error) {
	path := opts.configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}

	cfg, err := hdrcapture.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if opts.simulate {
		cfg.Device.Backend = config.BackendSimulated
		cfg.Device.ID = "sim0"
	}
	return cfg, nil
}

// newBackends selects the capture platform and encoder for the configured
// backend. Only the simulated backend records without GStreamer.
func newBackends(cfg *hdrcapture.Config) (hdrcapture.Backends, error) {
	switch cfg.Device.Backend {
	case config.BackendSimulated:
		platform := simulated.NewPlatform(simulated.Options{
			Size:      cfg.VideoSize(),
			FPS:       cfg.Video.FPS,
			TenBitHDR: cfg.Device.SimulateHDR,
		})
		encoders := simulated.NewEncoderFactory(simulated.EncoderOptions{})
		return hdrcapture.Backends{Platform: platform, Encoders: encoders.New}, nil

	case config.BackendGStreamer:
		platform, err := gstreamer.NewPlatform(gstreamer.PlatformConfig{
			Size:         cfg.VideoSize(),
			FPS:          cfg.Video.FPS,
			ProbeTimeout: cfg.Device.ProbeTimeout,
		})
		if err != nil {
			return hdrcapture.Backends{}, err
		}
		return hdrcapture.Backends{Platform: platform, Encoders: gstreamer.NewEncoder}, nil

	case config.BackendWebcam:
		platform := webcam.NewPlatform(webcam.Config{
			Size: cfg.VideoSize(),
			FPS:  cfg.Video.FPS,
		})
		return hdrcapture.Backends{Platform: platform, Encoders: gstreamer.NewEncoder}, nil

	default:
		return hdrcapture.Backends{}, fmt.Errorf("unknown backend %q", cfg.Device.Backend)
	}
}
