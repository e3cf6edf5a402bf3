// Package capture owns the capture device handle, HDR negotiation and the
// capture session state machine.
//
// Platforms expose a callback-based API, the way camera stacks do: opening a
// device and configuring a session both complete later on a platform
// goroutine. The Manager wraps each of those into a one-shot future and
// drives the state machine from a single control goroutine.
package capture

import (
	"github.com/e7canasta/hdr-capture/internal/media"
)

// Output is a consumer of device frames, one per sink.
type Output interface {
	SinkID() string
	Size() media.Size
	// Offer hands a frame to the output. Must never block.
	Offer(frame *media.Frame)
}

// OutputConfiguration wraps one output with the dynamic range profile the
// device must produce for it.
type OutputConfiguration struct {
	Output       Output
	DynamicRange media.DynamicRange
}

// SessionConfig is the immutable description of a capture session.
type SessionConfig struct {
	Outputs []OutputConfiguration
}

// Template selects the device tuning for a repeating request.
type Template int

const (
	TemplatePreview Template = iota
	TemplateRecord
)

func (t Template) String() string {
	if t == TemplateRecord {
		return "record"
	}
	return "preview"
}

// FPSRange is an inclusive frame rate range.
type FPSRange struct {
	Min int
	Max int
}

// Request is a repeating capture request.
type Request struct {
	Template Template
	Targets  []Output
	FPS      FPSRange
}

// DeviceInfo describes an enumerable device.
type DeviceInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// DeviceStateCallback receives device lifecycle events. Callbacks may run on
// any goroutine, including synchronously inside OpenDevice.
type DeviceStateCallback struct {
	OnOpened       func(dev Device)
	OnDisconnected func(dev Device)
	OnError        func(dev Device, err error)
}

// SessionStateCallback receives the outcome of CreateCaptureSession.
type SessionStateCallback struct {
	OnConfigured      func(s Session)
	OnConfigureFailed func(err error)
}

// Platform is a capture backend.
type Platform interface {
	Name() string
	Devices() ([]DeviceInfo, error)
	// OpenDevice starts opening the device; the outcome arrives on cb.
	OpenDevice(id string, cb DeviceStateCallback) error
	// Capabilities queries what the device can produce.
	Capabilities(id string) (media.Capabilities, error)
}

// Device is an opened capture device.
type Device interface {
	ID() string
	// CreateCaptureSession starts building a session; the outcome arrives on cb.
	CreateCaptureSession(cfg SessionConfig, cb SessionStateCallback) error
	Close() error
}

// Session is a configured capture session.
type Session interface {
	ID() string
	Config() SessionConfig
	// SetRepeatingRequest starts delivering frames to the request targets.
	SetRepeatingRequest(req Request) error
	StopRepeating() error
	Close() error
}
