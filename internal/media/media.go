// Package media holds the value types shared by every stage of the capture
// pipeline: frames, sink surfaces, dynamic range and device capabilities.
package media

import (
	"fmt"
	"image"
	"time"
)

// DynamicRange is the transfer/bit-depth profile a buffer is produced in.
type DynamicRange int

const (
	// SDR is 8-bit standard dynamic range.
	SDR DynamicRange = iota
	// HLG10 is 10-bit Hybrid Log-Gamma. It is the only HDR profile the
	// pipeline ever requests.
	HLG10
)

// String returns a human-readable representation of the dynamic range
func (d DynamicRange) String() string {
	switch d {
	case SDR:
		return "sdr"
	case HLG10:
		return "hlg10"
	default:
		return "unknown"
	}
}

// RangeFor returns HLG10 when the device advertises 10-bit output, SDR otherwise.
func RangeFor(tenBit bool) DynamicRange {
	if tenBit {
		return HLG10
	}
	return SDR
}

// SinkKind distinguishes the two consumers of rendered frames.
type SinkKind int

const (
	// SinkPreview is the on-screen viewfinder. It may come and go.
	SinkPreview SinkKind = iota
	// SinkRecord is the encoder input surface. It exists only while a
	// recording session is prepared.
	SinkRecord
)

// String returns a human-readable representation of the sink kind
func (k SinkKind) String() string {
	switch k {
	case SinkPreview:
		return "preview"
	case SinkRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Size is a width/height pair in pixels.
type Size struct {
	Width  int
	Height int
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Frame is one image produced by a capture device.
//
// Image MUST NOT be modified after the frame is offered downstream; the same
// frame is shared by reference with every output of the session.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     image.Image
	Range     DynamicRange
	TraceID   string
}

// Size returns the frame dimensions.
func (f *Frame) Size() Size {
	if f == nil || f.Image == nil {
		return Size{}
	}
	b := f.Image.Bounds()
	return Size{Width: b.Dx(), Height: b.Dy()}
}

// Capabilities is what a device reports when it is opened.
type Capabilities struct {
	// TenBitHDR is true when the device can produce 10-bit HLG output.
	TenBitHDR bool
	// Formats lists the raw formats the device negotiated during probing.
	Formats []string
	// MaxSize is the largest frame the device advertises (zero if unknown).
	MaxSize Size
}

// SinkSurface is a drawable target owned outside the pipeline: a viewer
// window or an encoder input.
//
// Present is called from the render worker with the finished back buffer and
// the presentation timestamp of that buffer. Implementations must not retain
// img after Present returns. Returning ErrSurfaceReleased tells the render
// loop that no further frames can be delivered.
type SinkSurface interface {
	ID() string
	Kind() SinkKind
	Size() Size
	Present(img image.Image, pts time.Duration) error
}
