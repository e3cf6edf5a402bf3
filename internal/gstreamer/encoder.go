package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	xdraw "golang.org/x/image/draw"

	"github.com/e7canasta/hdr-capture/internal/media"
	"github.com/e7canasta/hdr-capture/internal/recording"
)

// hlgColorOptions tags the HEVC stream as BT.2020 primaries with the ARIB
// STD-B67 (HLG) transfer.
const hlgColorOptions = "colorprim=bt2020:transfer=arib-std-b67:colormatrix=bt2020nc"

// Encoder records presented frames to an MP4 file through
//
//	appsrc → videoconvert → x265enc → h265parse → mp4mux → filesink
//
// with an optional autoaudiosrc → avenc_aac branch into the same muxer.
type Encoder struct {
	settings recording.EncoderSettings
	format   string
	pipeline *gst.Pipeline
	src      *app.Source
	counters ErrorCounters

	started  atomic.Bool
	stopped  atomic.Bool
	released atomic.Bool
	pushed   atomic.Uint64
	rejected atomic.Uint64

	mu      sync.Mutex
	basePTS time.Duration
	hasBase bool
	scratch image.Image
	cancel  context.CancelFunc
	result  chan error
	failure error
}

var _ recording.Encoder = (*Encoder)(nil)

// NewEncoder implements recording.EncoderFactory. The pipeline is built and
// paused; nothing is written until Start.
func NewEncoder(settings recording.EncoderSettings) (recording.Encoder, error) {
	if !settings.Video.Size.Valid() {
		return nil, fmt.Errorf("gstreamer: invalid video size %s", settings.Video.Size)
	}
	if settings.Video.FPS <= 0 {
		return nil, fmt.Errorf("gstreamer: invalid fps %d", settings.Video.FPS)
	}
	gst.Init(nil)

	format := rawFormat(settings.DynamicRange)
	pipelineStr := encoderPipelineString(settings)
	slog.Debug("gstreamer: creating encoder pipeline", "encoder", settings.ID, "pipeline", pipelineStr)

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return nil, fmt.Errorf("gstreamer: parse encoder pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName("videosrc")
	if err != nil {
		destroyPipeline(pipeline)
		return nil, fmt.Errorf("gstreamer: get appsrc: %w", err)
	}
	src := app.SrcFromElement(elem)

	src.SetProperty("format", gst.FormatTime)
	src.SetProperty("is-live", true)
	src.SetProperty("do-timestamp", false)
	src.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1",
		format, settings.Video.Size.Width, settings.Video.Size.Height, settings.Video.FPS,
	)))

	if err := pipeline.SetState(gst.StatePaused); err != nil {
		destroyPipeline(pipeline)
		return nil, fmt.Errorf("gstreamer: pause encoder pipeline: %w", err)
	}

	return &Encoder{
		settings: settings,
		format:   format,
		pipeline: pipeline,
		src:      src,
		result:   make(chan error, 1),
	}, nil
}

func encoderPipelineString(s recording.EncoderSettings) string {
	var b strings.Builder

	kbps := s.Video.BitRate / 1000
	if kbps <= 0 {
		kbps = 20000
	}

	b.WriteString("appsrc name=videosrc ! queue ! videoconvert ! ")
	if s.DynamicRange == media.HLG10 {
		fmt.Fprintf(&b, "video/x-raw,format=I420_10LE ! x265enc bitrate=%d speed-preset=ultrafast option-string=%q ! ", kbps, hlgColorOptions)
		b.WriteString("video/x-h265,profile=main-10 ! ")
	} else {
		fmt.Fprintf(&b, "video/x-raw,format=I420 ! x265enc bitrate=%d speed-preset=ultrafast ! ", kbps)
		b.WriteString("video/x-h265,profile=main ! ")
	}
	fmt.Fprintf(&b, "h265parse ! mp4mux name=mux ! filesink location=%q", s.Path)

	if s.Audio.Enabled {
		fmt.Fprintf(&b, " autoaudiosrc ! audioconvert ! audioresample ! audio/x-raw,rate=%d,channels=%d ! avenc_aac bitrate=%d ! aacparse ! queue ! mux.",
			s.Audio.SampleRate, s.Audio.Channels, s.Audio.BitRate)
	}
	return b.String()
}

// ID identifies the encoder session.
func (e *Encoder) ID() string { return e.settings.ID }

// Kind is always SinkRecord.
func (e *Encoder) Kind() media.SinkKind { return media.SinkRecord }

// Size is the encoded frame size.
func (e *Encoder) Size() media.Size { return e.settings.Video.Size }

// Start moves the pipeline to PLAYING and starts watching its bus.
func (e *Encoder) Start() error {
	if e.released.Load() {
		return media.ErrSurfaceReleased
	}
	if e.started.Load() {
		return nil
	}
	if err := e.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstreamer: start encoder: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	go func() {
		err := watchBus(ctx, e.pipeline, e.settings.ID, &e.counters)
		if err != nil && !errors.Is(err, errEndOfStream) {
			e.mu.Lock()
			e.failure = err
			e.mu.Unlock()
		}
		e.result <- err
	}()

	e.started.Store(true)
	slog.Info("gstreamer: encoder started",
		"encoder", e.settings.ID,
		"path", e.settings.Path,
		"range", e.settings.DynamicRange.String(),
	)
	return nil
}

// Present pushes one frame. Frames before Start or after Stop are dropped.
func (e *Encoder) Present(img image.Image, pts time.Duration) error {
	if e.released.Load() {
		return media.ErrSurfaceReleased
	}
	if !e.started.Load() || e.stopped.Load() {
		return nil
	}

	e.mu.Lock()
	if e.failure != nil {
		err := e.failure
		e.mu.Unlock()
		return err
	}
	if !e.hasBase {
		e.basePTS = pts
		e.hasBase = true
	}
	rel := pts - e.basePTS
	data := e.pixels(img)
	e.mu.Unlock()

	buffer := gst.NewBufferFromBytes(data)
	buffer.SetPresentationTimestamp(rel)
	buffer.SetDuration(time.Second / time.Duration(e.settings.Video.FPS))

	if ret := e.src.PushBuffer(buffer); ret != gst.FlowOK {
		e.rejected.Add(1)
		slog.Debug("gstreamer: encoder rejected buffer", "encoder", e.settings.ID, "ret", ret)
		return nil
	}
	e.pushed.Add(1)
	return nil
}

// pixels returns a fresh copy of img in the appsrc format. Must hold e.mu.
func (e *Encoder) pixels(img image.Image) []byte {
	switch src := img.(type) {
	case *image.RGBA:
		if e.format == "RGBA" && src.Bounds().Min == (image.Point{}) && src.Stride == src.Bounds().Dx()*4 {
			return append([]byte(nil), src.Pix...)
		}
	case *image.RGBA64:
		if e.format == "RGBA64_BE" && src.Bounds().Min == (image.Point{}) && src.Stride == src.Bounds().Dx()*8 {
			return append([]byte(nil), src.Pix...)
		}
	}

	rect := image.Rect(0, 0, e.settings.Video.Size.Width, e.settings.Video.Size.Height)
	if e.scratch == nil {
		if e.format == "RGBA64_BE" {
			e.scratch = image.NewRGBA64(rect)
		} else {
			e.scratch = image.NewRGBA(rect)
		}
	}
	switch dst := e.scratch.(type) {
	case *image.RGBA64:
		xdraw.Copy(dst, image.Point{}, img, img.Bounds(), xdraw.Src, nil)
		return append([]byte(nil), dst.Pix...)
	case *image.RGBA:
		xdraw.Copy(dst, image.Point{}, img, img.Bounds(), xdraw.Src, nil)
		return append([]byte(nil), dst.Pix...)
	}
	return nil
}

// Stop sends EOS and waits for the muxer to finalize the file.
func (e *Encoder) Stop(ctx context.Context) error {
	if !e.started.Load() {
		return fmt.Errorf("gstreamer: encoder %s never started", e.settings.ID)
	}
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}

	if ret := e.src.EndStream(); ret != gst.FlowOK {
		slog.Warn("gstreamer: end of stream not accepted", "encoder", e.settings.ID, "ret", ret)
	}

	var err error
	select {
	case err = <-e.result:
	case <-ctx.Done():
		err = ctx.Err()
	}

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	destroyPipeline(e.pipeline)

	slog.Info("gstreamer: encoder stopped",
		"encoder", e.settings.ID,
		"frames", e.pushed.Load(),
		"rejected", e.rejected.Load(),
	)

	if err != nil && !errors.Is(err, errEndOfStream) {
		return fmt.Errorf("gstreamer: finalize %s: %w", e.settings.Path, err)
	}
	return nil
}

// Release tears the pipeline down. Idempotent.
func (e *Encoder) Release() error {
	if !e.released.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	destroyPipeline(e.pipeline)
	return nil
}

// Errors returns bus error counts for this encoder.
func (e *Encoder) Errors() ErrorStats { return e.counters.Snapshot() }
