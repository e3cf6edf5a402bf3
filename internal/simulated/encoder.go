package simulated

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/e7canasta/hdr-capture/internal/media"
	"github.com/e7canasta/hdr-capture/internal/recording"
)

const (
	mp4Timescale = 90000
	digestSide   = 8 // sample payload is an 8x8 luma digest of the frame
)

// EncoderOptions injects encoder failures.
type EncoderOptions struct {
	FailCreate error
	FailStart  error
	FailStop   error
	// StopDelay stalls Stop as a slow muxer would. A context that ends
	// first fails the stop.
	StopDelay time.Duration
}

// EncoderFactory creates simulated encoders and remembers them for inspection.
type EncoderFactory struct {
	mu       sync.Mutex
	opts     EncoderOptions
	encoders []*Encoder
}

// NewEncoderFactory creates a factory.
func NewEncoderFactory(opts EncoderOptions) *EncoderFactory {
	return &EncoderFactory{opts: opts}
}

// SetOptions replaces the failure injection for encoders created afterwards.
func (f *EncoderFactory) SetOptions(opts EncoderOptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = opts
}

// Encoders returns every encoder created so far.
func (f *EncoderFactory) Encoders() []*Encoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Encoder(nil), f.encoders...)
}

// New implements recording.EncoderFactory.
func (f *EncoderFactory) New(settings recording.EncoderSettings) (recording.Encoder, error) {
	f.mu.Lock()
	opts := f.opts
	f.mu.Unlock()

	if opts.FailCreate != nil {
		return nil, opts.FailCreate
	}
	if !settings.Video.Size.Valid() {
		return nil, fmt.Errorf("simulated: invalid video size %s", settings.Video.Size)
	}

	file, err := os.OpenFile(settings.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("simulated: create output: %w", err)
	}

	e := &Encoder{
		settings: settings,
		opts:     opts,
		file:     file,
		w:        bufio.NewWriter(file),
	}

	f.mu.Lock()
	f.encoders = append(f.encoders, e)
	f.mu.Unlock()
	return e, nil
}

// Encoder writes a fragmented MP4 with one fragment per presented frame.
type Encoder struct {
	settings recording.EncoderSettings
	opts     EncoderOptions

	mu       sync.Mutex
	file     *os.File
	w        *bufio.Writer
	started  bool
	stopped  bool
	released bool

	fragments   uint32
	discarded   uint64
	lastPTS     time.Duration
	firstPTS    time.Duration
	timestamps  []time.Duration
	presentedAt []time.Time
}

func (e *Encoder) ID() string           { return e.settings.ID }
func (e *Encoder) Kind() media.SinkKind { return media.SinkRecord }
func (e *Encoder) Size() media.Size     { return e.settings.Video.Size }

// Path returns the output file path.
func (e *Encoder) Path() string { return e.settings.Path }

// Range returns the dynamic range the encoder was prepared with.
func (e *Encoder) Range() media.DynamicRange { return e.settings.DynamicRange }

func (e *Encoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released || e.stopped {
		return fmt.Errorf("simulated: start: %w", media.ErrClosed)
	}
	if e.opts.FailStart != nil {
		return e.opts.FailStart
	}
	if e.started {
		return nil
	}

	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(mp4Timescale, "video", "und")
	if err := init.Encode(e.w); err != nil {
		return fmt.Errorf("simulated: write init segment: %w", err)
	}
	e.started = true
	return nil
}

func (e *Encoder) Present(img image.Image, pts time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return media.ErrSurfaceReleased
	}
	if !e.started || e.stopped {
		e.discarded++
		return nil
	}

	if e.fragments == 0 {
		e.firstPTS = pts
	}
	dur := uint32(mp4Timescale / max(e.settings.Video.FPS, 1))
	if e.fragments > 0 && pts > e.lastPTS {
		dur = uint32((pts - e.lastPTS) * mp4Timescale / time.Second)
	}

	e.fragments++
	frag, err := mp4.CreateFragment(e.fragments, 1)
	if err != nil {
		return fmt.Errorf("simulated: create fragment: %w", err)
	}
	data := digest(img)
	frag.AddFullSample(mp4.FullSample{
		Sample: mp4.Sample{
			Flags: mp4.SyncSampleFlags,
			Dur:   dur,
			Size:  uint32(len(data)),
		},
		DecodeTime: uint64((pts - e.firstPTS) * mp4Timescale / time.Second),
		Data:       data,
	})
	if err := frag.Encode(e.w); err != nil {
		return fmt.Errorf("simulated: write fragment: %w", err)
	}

	e.lastPTS = pts
	e.timestamps = append(e.timestamps, pts)
	e.presentedAt = append(e.presentedAt, time.Now())
	return nil
}

func (e *Encoder) Stop(ctx context.Context) error {
	if d := e.opts.StopDelay; d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			e.mu.Lock()
			defer e.mu.Unlock()
			if !e.stopped {
				e.stopped = true
				_ = e.file.Close()
			}
			return fmt.Errorf("simulated: finalize: %w", ctx.Err())
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil
	}
	e.stopped = true

	if e.opts.FailStop != nil {
		_ = e.file.Close()
		return e.opts.FailStop
	}
	if !e.started {
		_ = e.file.Close()
		return errors.New("simulated: stop called before start")
	}

	if err := e.w.Flush(); err != nil {
		_ = e.file.Close()
		return fmt.Errorf("simulated: flush: %w", err)
	}
	if err := e.file.Sync(); err != nil {
		_ = e.file.Close()
		return fmt.Errorf("simulated: sync: %w", err)
	}
	if err := e.file.Close(); err != nil {
		return fmt.Errorf("simulated: close: %w", err)
	}

	slog.Debug("simulated: encoder stopped",
		"path", e.settings.Path,
		"fragments", e.fragments,
		"discarded", e.discarded,
	)
	return ctx.Err()
}

func (e *Encoder) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil
	}
	e.released = true
	if !e.stopped {
		_ = e.file.Close()
	}
	return nil
}

// Fragments returns how many frames were written.
func (e *Encoder) Fragments() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int(e.fragments)
}

// Timestamps returns the presentation timestamps of written frames.
func (e *Encoder) Timestamps() []time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Duration(nil), e.timestamps...)
}

// Released reports whether Release was called.
func (e *Encoder) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

func digest(img image.Image) []byte {
	b := img.Bounds()
	out := make([]byte, 0, digestSide*digestSide)
	for j := 0; j < digestSide; j++ {
		for i := 0; i < digestSide; i++ {
			x := b.Min.X + (2*i+1)*b.Dx()/(2*digestSide)
			y := b.Min.Y + (2*j+1)*b.Dy()/(2*digestSide)
			r, g, bl, _ := img.At(x, y).RGBA()
			out = append(out, byte((299*r+587*g+114*bl)/1000>>8))
		}
	}
	return out
}
