package gstreamer

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/hdr-capture/internal/capture"
	"github.com/e7canasta/hdr-capture/internal/media"
)

type session struct {
	id     string
	device *device
	cfg    capture.SessionConfig
	elems  *captureElements
	rng    media.DynamicRange
	size   media.Size
	fanout *capture.Fanout

	seq       atomic.Uint64
	streaming atomic.Bool
	dropped   atomic.Uint64

	mu      sync.Mutex
	closed  bool
	cancel  context.CancelFunc
	monitor sync.WaitGroup
}

func newSession(d *device, cfg capture.SessionConfig, elems *captureElements, rng media.DynamicRange) *session {
	s := &session{
		id:     uuid.NewString(),
		device: d,
		cfg:    cfg,
		elems:  elems,
		rng:    rng,
		size:   d.platform.cfg.Size,
		fanout: capture.NewFanout(),
	}
	elems.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})
	return s
}

func (s *session) ID() string                    { return s.id }
func (s *session) Config() capture.SessionConfig { return s.cfg }

func (s *session) SetRepeatingRequest(req capture.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("gstreamer: session %s closed", s.id)
	}

	s.fanout.SetTargets(req.Targets)
	if s.streaming.Load() {
		return nil
	}

	if err := s.elems.Pipeline.SetState(gst.StatePlaying); err != nil {
		s.fanout.Clear()
		return fmt.Errorf("gstreamer: start session %s: %w", s.id, err)
	}
	s.streaming.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.monitor.Add(1)
	go func() {
		defer s.monitor.Done()
		err := watchBus(ctx, s.elems.Pipeline, s.id, &s.device.platform.errors)
		if err != nil && ctx.Err() == nil {
			s.device.lost(err)
		}
	}()

	slog.Info("gstreamer: repeating request started",
		"session", s.id,
		"template", req.Template.String(),
		"targets", len(req.Targets),
		"range", s.rng.String(),
		"format", s.elems.Format,
	)
	return nil
}

func (s *session) StopRepeating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *session) stopLocked() error {
	if !s.streaming.Load() {
		return nil
	}
	s.streaming.Store(false)
	s.fanout.Clear()
	s.cancel()
	s.monitor.Wait()

	if err := s.elems.Pipeline.SetState(gst.StateReady); err != nil {
		return fmt.Errorf("gstreamer: stop session %s: %w", s.id, err)
	}
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	err := s.stopLocked()
	s.closed = true
	s.fanout.Close()
	destroyPipeline(s.elems.Pipeline)
	s.mu.Unlock()

	s.device.remove(s)
	slog.Debug("gstreamer: session closed",
		"session", s.id,
		"frames", s.seq.Load(),
		"dropped", s.dropped.Load(),
	)
	return err
}

// onNewSample copies each appsink buffer into an image and publishes it.
func (s *session) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		// Skip the frame rather than terminate the stream
		return gst.FlowOK
	}
	if !s.streaming.Load() {
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return gst.FlowOK
	}
	img, err := s.toImage(mapInfo.Bytes())
	buffer.Unmap()
	if err != nil {
		s.dropped.Add(1)
		slog.Warn("gstreamer: malformed buffer", "session", s.id, "error", err)
		return gst.FlowOK
	}

	s.fanout.Publish(&media.Frame{
		Seq:       s.seq.Add(1),
		Timestamp: time.Now(),
		Image:     img,
		Range:     s.rng,
		TraceID:   uuid.NewString(),
	})
	return gst.FlowOK
}

// toImage copies a packed RGBA or RGBA64_BE buffer. The GStreamer buffer is
// reused after the callback returns.
func (s *session) toImage(data []byte) (image.Image, error) {
	bpp := bytesPerPixel(s.elems.Format)
	stride := s.size.Width * bpp
	want := stride * s.size.Height
	if len(data) < want {
		return nil, fmt.Errorf("buffer %d bytes, want %d", len(data), want)
	}

	pix := make([]byte, want)
	copy(pix, data[:want])
	rect := image.Rect(0, 0, s.size.Width, s.size.Height)

	if bpp == 8 {
		return &image.RGBA64{Pix: pix, Stride: stride, Rect: rect}, nil
	}
	return &image.RGBA{Pix: pix, Stride: stride, Rect: rect}, nil
}
