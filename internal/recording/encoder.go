package recording

import (
	"context"

	"github.com/e7canasta/hdr-capture/internal/media"
)

// Encoder is a one-shot encoder session bound to one output file. Its input
// is a record sink surface; frames presented before Start are discarded.
type Encoder interface {
	media.SinkSurface

	// Start begins writing presented frames to the output file.
	Start() error
	// Stop finalizes the container and closes the file. The file is
	// complete when Stop returns nil.
	Stop(ctx context.Context) error
	// Release frees the encoder. Idempotent; Present fails afterwards.
	Release() error
}

// VideoSettings are the video track parameters.
type VideoSettings struct {
	Size    media.Size
	FPS     int
	BitRate int
	Codec   string
}

// AudioSettings are the audio track parameters. The audio path is opaque to
// the pipeline; encoders pair it with the video track.
type AudioSettings struct {
	BitRate    int
	SampleRate int
	Channels   int
	Enabled    bool
}

// EncoderSettings describe one encoder session.
type EncoderSettings struct {
	ID           string
	Path         string
	Video        VideoSettings
	Audio        AudioSettings
	DynamicRange media.DynamicRange
}

// EncoderFactory creates a prepared (not started) encoder.
type EncoderFactory func(settings EncoderSettings) (Encoder, error)
