package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// errEndOfStream is returned by watchBus when the pipeline drains.
var errEndOfStream = errors.New("gstreamer: end of stream")

// ErrorCounters holds atomic counters for different error categories
type ErrorCounters struct {
	Device   atomic.Uint64
	Codec    atomic.Uint64
	Resource atomic.Uint64
	Unknown  atomic.Uint64
}

// ErrorStats is a snapshot of ErrorCounters.
type ErrorStats struct {
	Device   uint64 `json:"device"`
	Codec    uint64 `json:"codec"`
	Resource uint64 `json:"resource"`
	Unknown  uint64 `json:"unknown"`
}

func (c *ErrorCounters) add(category ErrorCategory) {
	switch category {
	case ErrCategoryDevice:
		c.Device.Add(1)
	case ErrCategoryCodec:
		c.Codec.Add(1)
	case ErrCategoryResource:
		c.Resource.Add(1)
	default:
		c.Unknown.Add(1)
	}
}

// Snapshot returns the current counts.
func (c *ErrorCounters) Snapshot() ErrorStats {
	return ErrorStats{
		Device:   c.Device.Load(),
		Codec:    c.Codec.Load(),
		Resource: c.Resource.Load(),
		Unknown:  c.Unknown.Load(),
	}
}

// watchBus polls the pipeline bus until EOS, an error, or ctx is done.
//
// Returns errEndOfStream on EOS, a classified error on a bus error, and nil
// when ctx is cancelled.
func watchBus(ctx context.Context, pipeline *gst.Pipeline, name string, counters *ErrorCounters) error {
	if pipeline == nil {
		return fmt.Errorf("gstreamer: pipeline not initialized")
	}

	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("gstreamer: context cancelled, stopping bus monitor", "pipeline", name)
			return nil
		default:
		}

		// Short timeout keeps shutdown responsive
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Debug("gstreamer: end of stream", "pipeline", name)
			return errEndOfStream

		case gst.MessageError:
			gerr := msg.ParseError()
			category := classifyGError(gerr)
			if counters != nil {
				counters.add(category)
			}
			slog.Error("gstreamer: pipeline error",
				"pipeline", name,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
			)
			return wrapGError(gerr)

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				slog.Debug("gstreamer: pipeline state changed",
					"pipeline", name,
					"from", old,
					"to", new,
				)
			}
		}
	}
}
