package gstreamer

import (
	"fmt"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/hdr-capture/internal/media"
)

// ErrorCategory represents the classification of GStreamer errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryDevice indicates the capture device failed or went away
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryCodec indicates caps negotiation or encoder failures
	ErrCategoryCodec
	// ErrCategoryResource indicates the output file could not be written
	ErrCategoryResource
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Sentinel maps a category to the pipeline error it surfaces as.
func (e ErrorCategory) Sentinel() error {
	switch e {
	case ErrCategoryDevice:
		return media.ErrDeviceUnavailable
	case ErrCategoryCodec, ErrCategoryResource:
		return media.ErrEncoderFailure
	default:
		return media.ErrDeviceUnavailable
	}
}

// Classify categorizes a GStreamer error from its message and debug string.
//
// go-gst's GError does not expose the error domain, so classification relies
// on keyword matching. Resource keywords are checked first since a full disk
// also reports the writing element.
func Classify(message, debug string) ErrorCategory {
	combined := strings.ToLower(message) + " " + strings.ToLower(debug)

	switch {
	case containsAny(combined, resourceKeywords):
		return ErrCategoryResource
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	default:
		return ErrCategoryUnknown
	}
}

func classifyGError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return Classify(gerr.Error(), gerr.DebugString())
}

// wrapGError turns a bus error into a Go error carrying the category sentinel.
func wrapGError(gerr *gst.GError) error {
	category := classifyGError(gerr)
	if gerr == nil {
		return fmt.Errorf("gstreamer: %s error: %w", category, category.Sentinel())
	}
	return fmt.Errorf("gstreamer: %s error: %w: %s", category, category.Sentinel(), gerr.Error())
}

var resourceKeywords = []string{
	"no space",
	"disk full",
	"permission denied",
	"could not open file",
	"could not write",
	"error while writing",
	"read-only file system",
}

var codecKeywords = []string{
	"not negotiated",
	"negotiation",
	"caps",
	"codec",
	"encode",
	"x265",
	"h265",
	"hevc",
	"aac",
	"mux",
	"missing plugin",
	"no element",
}

var deviceKeywords = []string{
	"v4l2",
	"/dev/video",
	"device",
	"busy",
	"no such file",
	"resource not found",
	"disconnected",
	"failed to allocate",
	"poll error",
	"internal data stream error",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
