package gstreamer

import (
	"errors"
	"strings"
	"testing"

	"github.com/e7canasta/hdr-capture/internal/media"
	"github.com/e7canasta/hdr-capture/internal/recording"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		message string
		debug   string
		want    ErrorCategory
	}{
		{
			name:    "device busy",
			message: "Device '/dev/video0' is busy",
			debug:   "../sys/v4l2/v4l2_calls.c(642): gst_v4l2_open",
			want:    ErrCategoryDevice,
		},
		{
			name:    "device unplugged",
			message: "Could not read from resource.",
			debug:   "poll error 1: No such device (19)",
			want:    ErrCategoryDevice,
		},
		{
			name:    "caps not negotiated",
			message: "Internal data stream error.",
			debug:   "streaming stopped, reason not-negotiated (not negotiated)",
			want:    ErrCategoryCodec,
		},
		{
			name:    "missing encoder",
			message: "no element \"x265enc\"",
			want:    ErrCategoryCodec,
		},
		{
			name:    "disk full",
			message: "Error while writing to file \"/tmp/rec.mp4\".",
			debug:   "No space left on device",
			want:    ErrCategoryResource,
		},
		{
			name:    "unclassified",
			message: "something odd happened",
			want:    ErrCategoryUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.message, tt.debug)
			if got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestErrorCategorySentinel(t *testing.T) {
	tests := []struct {
		category ErrorCategory
		want     error
	}{
		{ErrCategoryDevice, media.ErrDeviceUnavailable},
		{ErrCategoryCodec, media.ErrEncoderFailure},
		{ErrCategoryResource, media.ErrEncoderFailure},
		{ErrCategoryUnknown, media.ErrDeviceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.category.String(), func(t *testing.T) {
			if !errors.Is(tt.category.Sentinel(), tt.want) {
				t.Errorf("Sentinel() = %v, want %v", tt.category.Sentinel(), tt.want)
			}
		})
	}
}

func TestErrorCounters(t *testing.T) {
	var c ErrorCounters
	c.add(ErrCategoryDevice)
	c.add(ErrCategoryDevice)
	c.add(ErrCategoryCodec)
	c.add(ErrCategoryUnknown)

	got := c.Snapshot()
	want := ErrorStats{Device: 2, Codec: 1, Unknown: 1}
	if got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestEncoderPipelineString(t *testing.T) {
	base := recording.EncoderSettings{
		ID:    "rec",
		Path:  "/tmp/out file.mp4",
		Video: recording.VideoSettings{Size: media.Size{Width: 1920, Height: 1080}, FPS: 60, BitRate: 20_000_000},
		Audio: recording.AudioSettings{BitRate: 192_000, SampleRate: 48_000, Channels: 2},
	}

	tests := []struct {
		name     string
		rng      media.DynamicRange
		audio    bool
		contains []string
		excludes []string
	}{
		{
			name:     "HLG10 is main-10 with HLG transfer",
			rng:      media.HLG10,
			contains: []string{"format=I420_10LE", "profile=main-10", "arib-std-b67", "bitrate=20000"},
			excludes: []string{"avenc_aac"},
		},
		{
			name:     "SDR is 8-bit main",
			rng:      media.SDR,
			contains: []string{"format=I420 ", "profile=main "},
			excludes: []string{"arib-std-b67"},
		},
		{
			name:     "audio branch joins the muxer",
			rng:      media.SDR,
			audio:    true,
			contains: []string{"avenc_aac bitrate=192000", "rate=48000,channels=2", "mux."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			s.DynamicRange = tt.rng
			s.Audio.Enabled = tt.audio
			got := encoderPipelineString(s)

			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("pipeline missing %q:\n%s", want, got)
				}
			}
			for _, bad := range tt.excludes {
				if strings.Contains(got, bad) {
					t.Errorf("pipeline contains %q:\n%s", bad, got)
				}
			}
			if !strings.Contains(got, `location="/tmp/out file.mp4"`) {
				t.Errorf("output path not quoted:\n%s", got)
			}
		})
	}
}
