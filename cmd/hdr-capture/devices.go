package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/e7canasta/hdr-capture/internal/config"
	"github.com/e7canasta/hdr-capture/internal/gstreamer"
	"github.com/e7canasta/hdr-capture/internal/media"
)

func newDevicesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List cameras visible to the configured backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			backends, err := newBackends(cfg)
			if err != nil {
				return err
			}
			devices, err := backends.Platform.Devices()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s backend: %d device(s)\n", backends.Platform.Name(), len(devices))
			for _, d := range devices {
				fmt.Fprintf(out, "  %-24s %s\n", d.ID, d.Label)
			}
			return nil
		},
	}
}

func newProbeCmd(opts *globalOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe [device]",
		Short: "Report whether a camera can produce 10-bit HLG output",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			id := cfg.Device.ID
			if len(args) == 1 {
				id = args[0]
			}
			out := cmd.OutOrStdout()

			if cfg.Device.Backend == config.BackendGStreamer {
				// Probe formats directly so the output names them.
				start := time.Now()
				formats := gstreamer.ProbeFormats(cmd.Context(), id, timeout)
				fmt.Fprintf(out, "%s: %s (%d 10-bit format(s), probed in %s)\n",
					id, media.RangeFor(len(formats) > 0), len(formats), time.Since(start).Round(time.Millisecond))
				if len(formats) > 0 {
					fmt.Fprintf(out, "  10-bit formats: %s\n", strings.Join(formats, ", "))
				}
				return nil
			}

			backends, err := newBackends(cfg)
			if err != nil {
				return err
			}
			caps, err := backends.Platform.Capabilities(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %s\n", id, media.RangeFor(caps.TenBitHDR))
			if caps.MaxSize.Valid() {
				fmt.Fprintf(out, "  max size: %s (%s pixels)\n", caps.MaxSize,
					humanize.Comma(int64(caps.MaxSize.Width*caps.MaxSize.Height)))
			}
			if len(caps.Formats) > 0 {
				fmt.Fprintf(out, "  formats: %s\n", strings.Join(caps.Formats, ", "))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "Per-format probe timeout")
	return cmd
}
