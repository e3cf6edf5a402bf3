// Package hdrcapture records HDR video from a camera while showing a live
// preview.
//
// A single capture session feeds two sinks, an optional preview surface and
// an encoder input surface, through one GPU context. Every frame is rotated
// by the configured angle before it is presented. The pipeline requests
// 10-bit HLG output whenever the device advertises it and falls back to SDR
// otherwise; both sinks always agree on the dynamic range.
//
// Typical use:
//
//	cfg, err := hdrcapture.LoadConfig("hdr-capture.yaml")
//	rec, err := hdrcapture.New(cfg, hdrcapture.Backends{Platform: p, Encoders: f})
//	err = rec.Prepare(ctx)
//	err = rec.AttachPreview(surface)
//	err = rec.StartRecording()
//	res, err := rec.StopRecording(ctx)
//	err = rec.Close(ctx)
package hdrcapture

import (
	"context"
	"fmt"

	"github.com/e7canasta/hdr-capture/internal/capture"
	"github.com/e7canasta/hdr-capture/internal/config"
	"github.com/e7canasta/hdr-capture/internal/media"
	"github.com/e7canasta/hdr-capture/internal/observable"
	"github.com/e7canasta/hdr-capture/internal/pipeline"
	"github.com/e7canasta/hdr-capture/internal/recording"
	"github.com/e7canasta/hdr-capture/internal/storage"
)

type (
	Config         = config.Config
	Frame          = media.Frame
	Size           = media.Size
	SinkSurface    = media.SinkSurface
	SinkKind       = media.SinkKind
	DynamicRange   = media.DynamicRange
	Capabilities   = media.Capabilities
	Platform       = capture.Platform
	EncoderFactory = recording.EncoderFactory
	State          = pipeline.State
	Status         = pipeline.Status
	Result         = recording.Result
	Flag           = observable.Value[bool]
)

const (
	SDR   = media.SDR
	HLG10 = media.HLG10

	SinkPreview = media.SinkPreview
	SinkRecord  = media.SinkRecord
)

var (
	ErrDeviceUnavailable          = media.ErrDeviceUnavailable
	ErrSessionConfigurationFailed = media.ErrSessionConfigurationFailed
	ErrEncoderFailure             = media.ErrEncoderFailure
	ErrShaderCompile              = media.ErrShaderCompile
	ErrNotPrepared                = media.ErrNotPrepared
	ErrAlreadyRecording           = media.ErrAlreadyRecording
	ErrNotRecording               = media.ErrNotRecording
	ErrSurfaceReleased            = media.ErrSurfaceReleased
	ErrClosed                     = media.ErrClosed
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a YAML file, applies HDRCAP_* environment overrides and
// validates the result.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Backends supplies the platform-specific halves of the pipeline.
type Backends struct {
	Platform Platform
	Encoders EncoderFactory
}

// Recorder owns one camera, its GPU context, the encoder and the media
// library a finished recording is delivered to.
type Recorder struct {
	cfg      *Config
	library  *storage.Library
	pipeline *pipeline.Pipeline
}

// New wires a recorder. Nothing is opened until Prepare.
func New(cfg *Config, b Backends) (*Recorder, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("hdrcapture: invalid configuration: %w", err)
	}
	if b.Platform == nil || b.Encoders == nil {
		return nil, fmt.Errorf("hdrcapture: platform and encoder factory are required")
	}

	manager, err := capture.NewManager(b.Platform, cfg.CaptureConfig())
	if err != nil {
		return nil, fmt.Errorf("hdrcapture: %w", err)
	}
	library, err := storage.NewLibrary(cfg.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("hdrcapture: %w", err)
	}
	recorder, err := recording.NewController(cfg.RecordingConfig(), b.Encoders, library)
	if err != nil {
		return nil, fmt.Errorf("hdrcapture: %w", err)
	}
	p, err := pipeline.New(cfg.PipelineConfig(), manager, recorder)
	if err != nil {
		return nil, fmt.Errorf("hdrcapture: %w", err)
	}
	return &Recorder{cfg: cfg, library: library, pipeline: p}, nil
}

// Prepare opens the camera, builds the GPU program and starts streaming to
// a prepared encoder.
func (r *Recorder) Prepare(ctx context.Context) error { return r.pipeline.Prepare(ctx) }

// AttachPreview makes surface the preview sink.
func (r *Recorder) AttachPreview(surface SinkSurface) error {
	return r.pipeline.AttachPreviewSurface(surface)
}

// DetachPreview removes the preview sink, if any.
func (r *Recorder) DetachPreview() { r.pipeline.DetachPreviewSurface() }

// StartRecording starts encoding.
func (r *Recorder) StartRecording() error { return r.pipeline.StartRecording() }

// StopRecording finalizes the file, moves it into the media library and
// prepares the next session.
func (r *Recorder) StopRecording(ctx context.Context) (Result, error) {
	return r.pipeline.StopRecording(ctx)
}

// IsRecording reports whether a recording is in progress.
func (r *Recorder) IsRecording() bool { return r.pipeline.IsRecording() }

// Recording exposes the is-recording flag for watching.
func (r *Recorder) Recording() *Flag { return r.pipeline.Recording() }

// State returns the pipeline state.
func (r *Recorder) State() State { return r.pipeline.State() }

// Status returns a snapshot of every stage.
func (r *Recorder) Status() Status { return r.pipeline.Status() }

// Ready reports whether frames are flowing to the sinks.
func (r *Recorder) Ready() bool { return r.pipeline.Ready() }

// LibraryDir is where finished recordings are delivered.
func (r *Recorder) LibraryDir() string { return r.library.Root() }

// Pipeline exposes the underlying pipeline for transports that attach their
// own preview surfaces.
func (r *Recorder) Pipeline() *pipeline.Pipeline { return r.pipeline }

// Close stops any recording, releases the camera and tears down the GPU
// context. Idempotent.
func (r *Recorder) Close(ctx context.Context) error { return r.pipeline.Close(ctx) }
