// Package webcam is a portable SDR capture backend built on pion/mediadevices.
// It never advertises 10-bit output, so sessions over it always run SDR.
package webcam

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers the camera driver
	"github.com/pion/mediadevices/pkg/prop"
	xdraw "golang.org/x/image/draw"

	"github.com/e7canasta/hdr-capture/internal/capture"
	"github.com/e7canasta/hdr-capture/internal/media"
)

// Config is the requested capture mode. The driver treats it as a preference.
type Config struct {
	Size media.Size
	FPS  int
}

// Platform is a capture.Platform over mediadevices cameras.
type Platform struct {
	cfg Config
}

// NewPlatform returns the backend.
func NewPlatform(cfg Config) *Platform {
	return &Platform{cfg: cfg}
}

// Name identifies the backend.
func (p *Platform) Name() string { return "webcam" }

// Devices lists video inputs.
func (p *Platform) Devices() ([]capture.DeviceInfo, error) {
	devices := mediadevices.EnumerateDevices()
	result := make([]capture.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		if d.Kind != mediadevices.VideoInput {
			continue
		}
		result = append(result, capture.DeviceInfo{ID: d.DeviceID, Label: d.Label})
	}
	return result, nil
}

// OpenDevice acquires the camera track on a background goroutine.
func (p *Platform) OpenDevice(id string, cb capture.DeviceStateCallback) error {
	go func() {
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: func(c *mediadevices.MediaTrackConstraints) {
				if p.cfg.Size.Valid() {
					c.Width = prop.Int(p.cfg.Size.Width)
					c.Height = prop.Int(p.cfg.Size.Height)
				}
				if p.cfg.FPS > 0 {
					c.FrameRate = prop.Float(float32(p.cfg.FPS))
				}
				if id != "" {
					c.DeviceID = prop.String(id)
				}
			},
		})
		if err != nil {
			if cb.OnError != nil {
				cb.OnError(nil, err)
			}
			return
		}

		tracks := stream.GetVideoTracks()
		if len(tracks) == 0 {
			if cb.OnError != nil {
				cb.OnError(nil, errors.New("webcam: no video track"))
			}
			return
		}
		track, ok := tracks[0].(*mediadevices.VideoTrack)
		if !ok {
			_ = tracks[0].Close()
			if cb.OnError != nil {
				cb.OnError(nil, fmt.Errorf("webcam: unexpected track type %T", tracks[0]))
			}
			return
		}

		d := &device{id: id, track: track, cb: cb}
		slog.Info("webcam: device opened", "device", id, "track", track.ID())
		if cb.OnOpened != nil {
			cb.OnOpened(d)
		}
	}()
	return nil
}

// Capabilities always reports SDR.
func (p *Platform) Capabilities(id string) (media.Capabilities, error) {
	return media.Capabilities{
		TenBitHDR: false,
		Formats:   []string{"RGBA"},
		MaxSize:   p.cfg.Size,
	}, nil
}

type device struct {
	id    string
	track *mediadevices.VideoTrack
	cb    capture.DeviceStateCallback

	mu       sync.Mutex
	session  *session
	closed   bool
	lostOnce sync.Once
}

func (d *device) ID() string { return d.id }

func (d *device) CreateCaptureSession(cfg capture.SessionConfig, cb capture.SessionStateCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("webcam: device %s closed", d.id)
	}

	for _, oc := range cfg.Outputs {
		if oc.DynamicRange != media.SDR {
			go cb.OnConfigureFailed(fmt.Errorf("webcam: %s output not supported", oc.DynamicRange))
			return nil
		}
	}

	// One reader per track; the previous session is superseded
	prev := d.session
	s := &session{id: uuid.NewString(), device: d, cfg: cfg, fanout: capture.NewFanout()}
	d.session = s
	go func() {
		if prev != nil {
			_ = prev.Close()
		}
		cb.OnConfigured(s)
	}()
	return nil
}

func (d *device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	s := d.session
	d.session = nil
	d.mu.Unlock()

	if s != nil {
		_ = s.Close()
	}
	return d.track.Close()
}

func (d *device) lost(err error) {
	d.lostOnce.Do(func() {
		go func() {
			if d.cb.OnError != nil {
				d.cb.OnError(d, err)
			}
		}()
	})
}

type session struct {
	id     string
	device *device
	cfg    capture.SessionConfig
	fanout *capture.Fanout

	seq atomic.Uint64

	mu        sync.Mutex
	streaming bool
	closed    bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

func (s *session) ID() string                    { return s.id }
func (s *session) Config() capture.SessionConfig { return s.cfg }

func (s *session) SetRepeatingRequest(req capture.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("webcam: session %s closed", s.id)
	}

	s.fanout.SetTargets(req.Targets)
	if s.streaming {
		return nil
	}
	s.streaming = true
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.read(s.stop)
	return nil
}

func (s *session) StopRepeating() error {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return nil
	}
	s.streaming = false
	s.fanout.Clear()
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *session) Close() error {
	_ = s.StopRepeating()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.fanout.Close()
	}
	return nil
}

// read pulls decoded frames and publishes RGBA copies until stop closes.
func (s *session) read(stop <-chan struct{}) {
	defer s.wg.Done()

	reader := s.device.track.NewReader(false)
	for {
		select {
		case <-stop:
			return
		default:
		}

		img, release, err := reader.Read()
		if err != nil {
			select {
			case <-stop:
			default:
				slog.Warn("webcam: read failed", "session", s.id, "error", err)
				s.device.lost(err)
			}
			return
		}

		rgba := toRGBA(img)
		release()

		s.fanout.Publish(&media.Frame{
			Seq:       s.seq.Add(1),
			Timestamp: time.Now(),
			Image:     rgba,
			Range:     media.SDR,
			TraceID:   uuid.NewString(),
		})
	}
}

// toRGBA copies a driver frame (usually YCbCr) into a fresh RGBA image.
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Copy(dst, image.Point{}, img, b, xdraw.Src, nil)
	return dst
}
