package gstreamer

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/hdr-capture/internal/media"
)

// captureConfig describes one capture pipeline.
type captureConfig struct {
	Device string
	Size   media.Size
	FPS    int
	Range  media.DynamicRange
}

// captureElements holds references to the elements a session needs after
// construction.
type captureElements struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
	Format   string
}

// rawFormat is the appsink format for a dynamic range. HLG10 frames are
// delivered as 16-bit big-endian RGBA so they map directly onto image.RGBA64.
func rawFormat(rng media.DynamicRange) string {
	if rng == media.HLG10 {
		return "RGBA64_BE"
	}
	return "RGBA"
}

// bytesPerPixel for the formats rawFormat returns.
func bytesPerPixel(format string) int {
	if format == "RGBA64_BE" {
		return 8
	}
	return 4
}

// createCapturePipeline builds
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter → appsink
//
// The pipeline is left in NULL state.
func createCapturePipeline(cfg captureConfig) (*captureElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", cfg.Device)
	src.SetProperty("do-timestamp", true)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)

	format := rawFormat(cfg.Range)
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1",
		format, cfg.Size.Width, cfg.Size.Height, cfg.FPS)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	// Latest frame wins; the render loop never wants a backlog
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", uint(1))
	sink.SetProperty("drop", true)
	sink.SetProperty("emit-signals", false)

	elements := []*gst.Element{src, converter, scaler, videorate, capsfilter, sink.Element}
	if err := pipeline.AddMany(elements...); err != nil {
		return nil, fmt.Errorf("failed to add elements to pipeline: %w", err)
	}
	if err := gst.ElementLinkMany(elements...); err != nil {
		return nil, fmt.Errorf("failed to link elements: %w", err)
	}

	slog.Debug("gstreamer: capture pipeline created",
		"device", cfg.Device,
		"caps", capsStr,
	)

	return &captureElements{Pipeline: pipeline, AppSink: sink, Format: format}, nil
}

// destroyPipeline moves a pipeline to NULL. Safe on nil.
func destroyPipeline(pipeline *gst.Pipeline) {
	if pipeline == nil {
		return
	}
	if err := pipeline.SetState(gst.StateNull); err != nil {
		slog.Warn("gstreamer: failed to stop pipeline", "error", err)
	}
}
