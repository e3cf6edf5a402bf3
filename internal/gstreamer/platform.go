// Package gstreamer is the hardware backend: V4L2 capture through an appsink
// pipeline and HEVC recording through an appsrc pipeline.
package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/hdr-capture/internal/capture"
	"github.com/e7canasta/hdr-capture/internal/media"
)

// PlatformConfig configures the V4L2 backend.
type PlatformConfig struct {
	// Size and FPS are the capture mode requested from the device.
	Size media.Size
	FPS  int
	// ProbeTimeout bounds each 10-bit format probe. Zero disables probing
	// and reports SDR only.
	ProbeTimeout time.Duration
}

// Platform is a capture.Platform over V4L2 devices.
type Platform struct {
	cfg    PlatformConfig
	errors ErrorCounters

	mu    sync.Mutex
	probe map[string][]string
}

// NewPlatform initializes GStreamer and returns the backend.
func NewPlatform(cfg PlatformConfig) (*Platform, error) {
	if !cfg.Size.Valid() {
		return nil, fmt.Errorf("gstreamer: invalid capture size %s", cfg.Size)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("gstreamer: invalid fps %d", cfg.FPS)
	}
	gst.Init(nil)
	return &Platform{cfg: cfg, probe: make(map[string][]string)}, nil
}

// Name identifies the backend.
func (p *Platform) Name() string { return "gstreamer" }

// Errors returns bus error counts per category.
func (p *Platform) Errors() ErrorStats { return p.errors.Snapshot() }

// Devices lists /dev/video* nodes with their sysfs names.
func (p *Platform) Devices() ([]capture.DeviceInfo, error) {
	nodes, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("gstreamer: enumerate devices: %w", err)
	}
	sort.Strings(nodes)

	infos := make([]capture.DeviceInfo, 0, len(nodes))
	for _, node := range nodes {
		label := filepath.Base(node)
		if name, err := os.ReadFile(filepath.Join("/sys/class/video4linux", label, "name")); err == nil {
			label = strings.TrimSpace(string(name))
		}
		infos = append(infos, capture.DeviceInfo{ID: node, Label: label})
	}
	return infos, nil
}

// OpenDevice checks the node exists and probes it on a background goroutine.
func (p *Platform) OpenDevice(id string, cb capture.DeviceStateCallback) error {
	go func() {
		if _, err := os.Stat(id); err != nil {
			if cb.OnError != nil {
				cb.OnError(nil, err)
			}
			return
		}
		p.ensureProbed(id)

		d := &device{id: id, platform: p, cb: cb}
		slog.Info("gstreamer: device opened", "device", id)
		if cb.OnOpened != nil {
			cb.OnOpened(d)
		}
	}()
	return nil
}

// Capabilities reports the 10-bit formats found when the device was opened.
func (p *Platform) Capabilities(id string) (media.Capabilities, error) {
	formats := p.ensureProbed(id)
	return media.Capabilities{
		TenBitHDR: len(formats) > 0,
		Formats:   append([]string{"RGBA"}, formats...),
		MaxSize:   p.cfg.Size,
	}, nil
}

func (p *Platform) ensureProbed(id string) []string {
	p.mu.Lock()
	formats, ok := p.probe[id]
	p.mu.Unlock()
	if ok {
		return formats
	}

	if p.cfg.ProbeTimeout > 0 {
		formats = ProbeFormats(context.Background(), id, p.cfg.ProbeTimeout)
	}
	slog.Info("gstreamer: device probed", "device", id, "ten_bit_formats", formats)

	p.mu.Lock()
	p.probe[id] = formats
	p.mu.Unlock()
	return formats
}

// forget drops cached probe results so a reopened device is probed again.
func (p *Platform) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.probe, id)
}

type device struct {
	id       string
	platform *Platform
	cb       capture.DeviceStateCallback

	mu       sync.Mutex
	sessions []*session
	closed   bool
	lostOnce sync.Once
}

func (d *device) ID() string { return d.id }

func (d *device) CreateCaptureSession(cfg capture.SessionConfig, cb capture.SessionStateCallback) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("gstreamer: device %s closed", d.id)
	}
	d.mu.Unlock()

	rng := media.SDR
	for _, oc := range cfg.Outputs {
		if oc.DynamicRange == media.HLG10 {
			rng = media.HLG10
		}
	}

	go func() {
		elems, err := createCapturePipeline(captureConfig{
			Device: d.id,
			Size:   d.platform.cfg.Size,
			FPS:    d.platform.cfg.FPS,
			Range:  rng,
		})
		if err != nil {
			cb.OnConfigureFailed(err)
			return
		}
		// READY opens the V4L2 node, which surfaces busy devices here
		if err := elems.Pipeline.SetState(gst.StateReady); err != nil {
			destroyPipeline(elems.Pipeline)
			cb.OnConfigureFailed(fmt.Errorf("gstreamer: open %s: %w", d.id, err))
			return
		}

		s := newSession(d, cfg, elems, rng)
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			_ = s.Close()
			cb.OnConfigureFailed(fmt.Errorf("gstreamer: device %s closed", d.id))
			return
		}
		d.sessions = append(d.sessions, s)
		d.mu.Unlock()
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
	sessions := d.sessions
	d.sessions = nil
	d.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	d.platform.forget(d.id)
	slog.Debug("gstreamer: device closed", "device", d.id)
	return nil
}

func (d *device) remove(s *session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.sessions {
		if cur == s {
			d.sessions = append(d.sessions[:i], d.sessions[i+1:]...)
			return
		}
	}
}

// lost reports a streaming failure once. It runs on its own goroutine since
// the manager stops the session from inside the callback.
func (d *device) lost(err error) {
	d.lostOnce.Do(func() {
		go func() {
			if errors.Is(err, errEndOfStream) {
				if d.cb.OnDisconnected != nil {
					d.cb.OnDisconnected(d)
				}
				return
			}
			if d.cb.OnError != nil {
				d.cb.OnError(d, err)
			}
		}()
	})
}
