package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// tenBitFormats are the raw 10-bit layouts V4L2 drivers expose for HDR
// capture, in preference order.
var tenBitFormats = []string{"P010_10LE", "I420_10LE", "NV12_10LE32", "Y210"}

// ProbeFormats negotiates each candidate 10-bit format against the device
// and returns the ones that produced a buffer.
//
// Each probe pulls a single buffer (num-buffers=1): EOS means the format
// negotiated, an error or timeout means it did not.
func ProbeFormats(ctx context.Context, device string, timeout time.Duration) []string {
	gst.Init(nil)

	var supported []string
	for _, format := range tenBitFormats {
		ok, err := probeFormat(ctx, device, format, timeout)
		if err != nil {
			slog.Debug("gstreamer: format probe failed",
				"device", device,
				"format", format,
				"error", err,
			)
		}
		if ok {
			supported = append(supported, format)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return supported
}

func probeFormat(ctx context.Context, device, format string, timeout time.Duration) (bool, error) {
	pipelineStr := fmt.Sprintf(
		"v4l2src device=%s num-buffers=1 ! video/x-raw,format=(string)%s ! fakesink sync=false",
		device, format,
	)

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return false, fmt.Errorf("create probe pipeline: %w", err)
	}
	defer pipeline.SetState(gst.StateNull)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return false, fmt.Errorf("start probe pipeline: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = watchBus(probeCtx, pipeline, "probe-"+format, nil)
	switch {
	case errors.Is(err, errEndOfStream):
		return true, nil
	case err != nil:
		return false, err
	default:
		return false, fmt.Errorf("probe timeout after %v", timeout)
	}
}
