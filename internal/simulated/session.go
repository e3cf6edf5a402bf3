package simulated

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/hdr-capture/internal/capture"
	"github.com/e7canasta/hdr-capture/internal/media"
)

type session struct {
	id     string
	device *device
	cfg    capture.SessionConfig
	fanout *capture.Fanout

	mu        sync.Mutex
	streaming bool
	closed    bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	seq       uint64
}

func newSession(d *device, cfg capture.SessionConfig) *session {
	return &session{
		id:     uuid.NewString(),
		device: d,
		cfg:    cfg,
		fanout: capture.NewFanout(),
	}
}

func (s *session) ID() string                   { return s.id }
func (s *session) Config() capture.SessionConfig { return s.cfg }

func (s *session) SetRepeatingRequest(req capture.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("simulated: session %s closed", s.id)
	}

	s.fanout.SetTargets(req.Targets)
	if s.streaming {
		return nil
	}

	rec := RequestRecord{
		SessionID: s.id,
		At:        time.Now(),
		FPS:       req.FPS,
		Template:  req.Template,
	}
	for _, oc := range s.cfg.Outputs {
		rec.Targets = append(rec.Targets, oc.Output.SinkID())
		rec.Ranges = append(rec.Ranges, oc.DynamicRange)
	}
	s.device.platform.sessionStarted(rec)

	s.streaming = true
	s.stopCh = make(chan struct{})
	fps := req.FPS.Max
	if fps <= 0 {
		fps = s.device.platform.opts.FPS
	}
	s.wg.Add(1)
	go s.generateFrames(fps, s.stopCh)

	slog.Debug("simulated: repeating request started",
		"session", s.id,
		"targets", rec.Targets,
		"fps", fps,
	)
	return nil
}

func (s *session) StopRepeating() error {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return nil
	}
	s.streaming = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.fanout.Clear()
	s.device.platform.sessionStopped()
	return nil
}

func (s *session) Close() error {
	_ = s.StopRepeating()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.fanout.Close()
	return nil
}

func (s *session) hdr() bool {
	for _, oc := range s.cfg.Outputs {
		if oc.DynamicRange == media.HLG10 {
			return true
		}
	}
	return false
}

// generateFrames produces frames at the requested FPS
func (s *session) generateFrames(fps int, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	size := s.device.platform.opts.Size
	rng := media.RangeFor(s.hdr())

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.seq++
			s.fanout.Publish(&media.Frame{
				Seq:       s.seq,
				Timestamp: time.Now(),
				Image:     TestPattern(size, rng, s.seq),
				Range:     rng,
				TraceID:   uuid.NewString(),
			})
		}
	}
}

// TestPattern draws eight vertical color bars with a white marker column
// that advances one position per frame.
func TestPattern(size media.Size, rng media.DynamicRange, seq uint64) image.Image {
	bars := []color.RGBA64{
		{0xffff, 0xffff, 0xffff, 0xffff},
		{0xffff, 0xffff, 0, 0xffff},
		{0, 0xffff, 0xffff, 0xffff},
		{0, 0xffff, 0, 0xffff},
		{0xffff, 0, 0xffff, 0xffff},
		{0xffff, 0, 0, 0xffff},
		{0, 0, 0xffff, 0xffff},
		{0, 0, 0, 0xffff},
	}

	rect := image.Rect(0, 0, size.Width, size.Height)
	marker := int(seq % uint64(size.Width))

	var img interface {
		image.Image
		SetRGBA64(x, y int, c color.RGBA64)
	}
	if rng == media.HLG10 {
		img = image.NewRGBA64(rect)
	} else {
		img = image.NewRGBA(rect)
	}

	barWidth := size.Width / len(bars)
	if barWidth == 0 {
		barWidth = 1
	}
	for x := 0; x < size.Width; x++ {
		c := bars[min(x/barWidth, len(bars)-1)]
		if x == marker {
			c = color.RGBA64{0xffff, 0xffff, 0xffff, 0xffff}
		}
		for y := 0; y < size.Height; y++ {
			img.SetRGBA64(x, y, c)
		}
	}
	return img
}
