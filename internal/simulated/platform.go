// Package simulated is a capture and encode backend that needs no hardware.
// It generates a moving test pattern, lets tests inject open, configure and
// disconnect failures, and records the ordering of session activity.
package simulated

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/hdr-capture/internal/capture"
	"github.com/e7canasta/hdr-capture/internal/media"
)

// Options configures the simulated device.
type Options struct {
	Size      media.Size
	FPS       int
	TenBitHDR bool
	OpenDelay time.Duration
	// ConfigureDelay delays session configuration callbacks.
	ConfigureDelay time.Duration
}

// Platform is a simulated capture.Platform with one device.
type Platform struct {
	opts Options

	tenBit atomic.Bool

	mu                sync.Mutex
	failOpens         int
	failConfigures    int
	failCapabilities  int
	current           *device
	openCount         int
	activeSessions    int
	maxActiveSessions int
	requests          []RequestRecord
}

// RequestRecord is one observed SetRepeatingRequest.
type RequestRecord struct {
	SessionID      string
	At             time.Time
	Targets        []string
	Ranges         []media.DynamicRange
	FPS            capture.FPSRange
	Template       capture.Template
	ActiveSessions int
}

// NewPlatform creates a simulated platform.
func NewPlatform(opts Options) *Platform {
	if !opts.Size.Valid() {
		opts.Size = media.Size{Width: 1920, Height: 1080}
	}
	if opts.FPS <= 0 {
		opts.FPS = 60
	}
	p := &Platform{opts: opts}
	p.tenBit.Store(opts.TenBitHDR)
	return p
}

// Name identifies the backend.
func (p *Platform) Name() string { return "simulated" }

// Devices lists the single simulated device.
func (p *Platform) Devices() ([]capture.DeviceInfo, error) {
	return []capture.DeviceInfo{{ID: "sim0", Label: fmt.Sprintf("Test pattern %s@%d", p.opts.Size, p.opts.FPS)}}, nil
}

// SetTenBitHDR changes the capability reported on the next Capabilities query.
func (p *Platform) SetTenBitHDR(v bool) { p.tenBit.Store(v) }

// FailNextOpens makes the next n OpenDevice calls report an error.
func (p *Platform) FailNextOpens(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failOpens = n
}

// FailNextConfigures makes the next n session builds fail.
func (p *Platform) FailNextConfigures(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failConfigures = n
}

// FailNextCapabilities makes the next n capability queries fail.
func (p *Platform) FailNextCapabilities(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failCapabilities = n
}

// Disconnect simulates the device going away.
func (p *Platform) Disconnect() {
	p.mu.Lock()
	d := p.current
	p.mu.Unlock()
	if d != nil {
		d.disconnect()
	}
}

// Requests returns every repeating request observed so far.
func (p *Platform) Requests() []RequestRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RequestRecord(nil), p.requests...)
}

// MaxActiveSessions returns the largest number of simultaneously streaming
// sessions observed.
func (p *Platform) MaxActiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActiveSessions
}

// ActiveSessions returns the number of sessions currently streaming.
func (p *Platform) ActiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeSessions
}

// Opens returns how many times a device was successfully opened.
func (p *Platform) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openCount
}

// OpenDevice opens the device asynchronously.
func (p *Platform) OpenDevice(id string, cb capture.DeviceStateCallback) error {
	p.mu.Lock()
	fail := p.failOpens > 0
	if fail {
		p.failOpens--
	}
	p.mu.Unlock()

	go func() {
		if p.opts.OpenDelay > 0 {
			time.Sleep(p.opts.OpenDelay)
		}
		if fail {
			if cb.OnError != nil {
				cb.OnError(nil, errors.New("simulated: device busy"))
			}
			return
		}

		d := &device{id: id, platform: p, cb: cb}
		p.mu.Lock()
		p.current = d
		p.openCount++
		p.mu.Unlock()

		slog.Debug("simulated: device opened", "device", id)
		if cb.OnOpened != nil {
			cb.OnOpened(d)
		}
	}()
	return nil
}

// Capabilities reports the configured capability.
func (p *Platform) Capabilities(id string) (media.Capabilities, error) {
	p.mu.Lock()
	fail := p.failCapabilities > 0
	if fail {
		p.failCapabilities--
	}
	p.mu.Unlock()
	if fail {
		return media.Capabilities{}, errors.New("simulated: capability query timed out")
	}

	caps := media.Capabilities{
		TenBitHDR: p.tenBit.Load(),
		Formats:   []string{"RGBA"},
		MaxSize:   p.opts.Size,
	}
	if caps.TenBitHDR {
		caps.Formats = append(caps.Formats, "RGBA64_BE")
	}
	return caps, nil
}

func (p *Platform) takeConfigureFailure() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failConfigures > 0 {
		p.failConfigures--
		return true
	}
	return false
}

func (p *Platform) sessionStarted(rec RequestRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeSessions++
	if p.activeSessions > p.maxActiveSessions {
		p.maxActiveSessions = p.activeSessions
	}
	rec.ActiveSessions = p.activeSessions
	p.requests = append(p.requests, rec)
}

func (p *Platform) sessionStopped() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeSessions--
}

type device struct {
	id       string
	platform *Platform
	cb       capture.DeviceStateCallback

	mu       sync.Mutex
	sessions []*session
	closed   bool
	gone     bool
}

func (d *device) ID() string { return d.id }

func (d *device) CreateCaptureSession(cfg capture.SessionConfig, cb capture.SessionStateCallback) error {
	d.mu.Lock()
	if d.closed || d.gone {
		d.mu.Unlock()
		return fmt.Errorf("simulated: device %s closed", d.id)
	}
	d.mu.Unlock()

	fail := d.platform.takeConfigureFailure()

	go func() {
		if delay := d.platform.opts.ConfigureDelay; delay > 0 {
			time.Sleep(delay)
		}
		if fail {
			cb.OnConfigureFailed(errors.New("simulated: stream configuration rejected"))
			return
		}
		s := newSession(d, cfg)
		d.mu.Lock()
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
	return nil
}

func (d *device) disconnect() {
	d.mu.Lock()
	if d.gone || d.closed {
		d.mu.Unlock()
		return
	}
	d.gone = true
	sessions := d.sessions
	d.mu.Unlock()

	for _, s := range sessions {
		_ = s.StopRepeating()
	}
	slog.Debug("simulated: device disconnected", "device", d.id)
	if d.cb.OnDisconnected != nil {
		d.cb.OnDisconnected(d)
	}
}
