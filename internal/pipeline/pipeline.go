// Package pipeline orchestrates the capture device, the GPU context, the
// preview surface and the recording controller.
//
// One generation of the pipeline is active at a time. A generation watches
// the preview surface and rebuilds the capture session whenever the sink set
// changes; each rebuild (an iteration) cancels and joins the render loops of
// the previous one before the new session issues its first request.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/hdr-capture/internal/cadence"
	"github.com/e7canasta/hdr-capture/internal/capture"
	"github.com/e7canasta/hdr-capture/internal/gpu"
	"github.com/e7canasta/hdr-capture/internal/media"
	"github.com/e7canasta/hdr-capture/internal/observable"
	"github.com/e7canasta/hdr-capture/internal/recording"
)

// State is the pipeline state.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateRunning
	StateRecovering
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateRunning:
		return "running"
	case StateRecovering:
		return "recovering"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures a Pipeline.
type Config struct {
	// RotationDegrees is applied to every sink.
	RotationDegrees float64
	// Filter is the sampling filter of both compositors.
	Filter string
	// CadenceWindow is the number of presents kept for cadence statistics.
	CadenceWindow int
}

// Pipeline is the top-level owner of the GPU context and the pipeline
// generations.
type Pipeline struct {
	cfg       Config
	gl        *gpu.Context
	manager   *capture.Manager
	recorder  *recording.Controller
	transform gpu.Transform

	previewComp *gpu.Compositor
	recordComp  *gpu.Compositor

	previewCadence *cadence.Recorder
	recordCadence  *cadence.Recorder

	preview *observable.Value[media.SinkSurface]
	state   *observable.Value[State]

	base       context.Context
	baseCancel context.CancelFunc

	prepMu sync.Mutex

	mu        sync.Mutex
	genCancel context.CancelFunc
	genDone   chan struct{}
	loops     []*gpu.RenderLoop
	bindings  []*gpu.Binding
	lastErr   error
	closed    bool

	generations atomic.Uint64
	iterations  atomic.Uint64
	recoveries  atomic.Uint64
}

// New creates a pipeline. The GPU context is acquired on the first Prepare.
func New(cfg Config, manager *capture.Manager, recorder *recording.Controller) (*Pipeline, error) {
	if manager == nil {
		return nil, fmt.Errorf("pipeline: capture manager is required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("pipeline: recording controller is required")
	}
	if cfg.Filter == "" {
		cfg.Filter = gpu.FilterApproxBiLinear
	}
	if cfg.CadenceWindow <= 0 {
		cfg.CadenceWindow = cadence.DefaultWindow
	}

	base, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:            cfg,
		gl:             gpu.NewContext("pipeline"),
		manager:        manager,
		recorder:       recorder,
		transform:      gpu.Rotation(cfg.RotationDegrees),
		previewComp:    gpu.NewCompositor("preview", cfg.Filter),
		recordComp:     gpu.NewCompositor("record", cfg.Filter),
		previewCadence: cadence.NewRecorder(cfg.CadenceWindow),
		recordCadence:  cadence.NewRecorder(cfg.CadenceWindow),
		preview:        observable.New[media.SinkSurface](nil),
		state:          observable.New(StateIdle),
		base:           base,
		baseCancel:     cancel,
	}

	recorder.SetHooks(recording.Hooks{
		Teardown: func(ctx context.Context) error {
			p.cancelAndJoin()
			return nil
		},
		Reprepare: p.Prepare,
	})
	return p, nil
}

// Prepare acquires the GPU context, opens the device, prepares a recording
// session and starts a new generation. The previous generation is cancelled
// and joined first. Prepare also leaves the Failed state.
func (p *Pipeline) Prepare(ctx context.Context) error {
	// Checked before prepMu too: Close may be waiting on a Stop whose
	// re-prepare lands here.
	if p.isClosed() {
		return fmt.Errorf("pipeline: prepare: %w", media.ErrClosed)
	}
	p.prepMu.Lock()
	defer p.prepMu.Unlock()

	if p.isClosed() {
		return fmt.Errorf("pipeline: prepare: %w", media.ErrClosed)
	}
	if p.recorder.IsRecording() {
		return fmt.Errorf("pipeline: prepare: %w", media.ErrAlreadyRecording)
	}

	p.state.Store(StatePreparing)
	p.cancelAndJoin()

	if err := p.gl.Acquire(ctx); err != nil {
		return p.fail(fmt.Errorf("pipeline: acquire gpu: %w", err))
	}
	for _, comp := range []*gpu.Compositor{p.previewComp, p.recordComp} {
		if err := p.gl.Do(ctx, comp.PrepareShader); err != nil {
			return p.fail(fmt.Errorf("pipeline: prepare %s program: %w", comp.Name(), err))
		}
	}
	if p.manager.State() == capture.StateClosed {
		if err := p.manager.Open(ctx); err != nil {
			return p.fail(fmt.Errorf("pipeline: open device: %w", err))
		}
	}

	rng := media.RangeFor(p.manager.HDREnabled())
	sess, err := p.recorder.Prepare(ctx, rng)
	if errors.Is(err, media.ErrClosed) {
		return fmt.Errorf("pipeline: prepare recording: %w", err)
	}
	if err != nil {
		return p.fail(fmt.Errorf("pipeline: prepare recording: %w", err))
	}

	if !p.startGeneration(sess) {
		return fmt.Errorf("pipeline: prepare: %w", media.ErrClosed)
	}
	return nil
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pipeline) fail(err error) error {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	p.state.Store(StateFailed)
	slog.Error("pipeline: failed", "error", err)
	return err
}

// startGeneration reports false, starting nothing, once Close has begun.
func (p *Pipeline) startGeneration(sess *recording.Session) bool {
	gctx, cancel := context.WithCancel(p.base)
	done := make(chan struct{})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return false
	}
	p.genCancel = cancel
	p.genDone = done
	p.lastErr = nil
	p.state.Store(StateRunning)
	p.mu.Unlock()
	gen := p.generations.Add(1)

	slog.Info("pipeline: generation started",
		"generation", gen,
		"session", sess.ID,
		"range", sess.DynamicRange.String(),
	)

	go func() {
		defer close(done)
		p.runGeneration(gctx, gen, sess)
	}()
	return true
}

// cancelAndJoin stops the active generation and waits until its render loops
// have released their bindings and its capture session is suspended.
func (p *Pipeline) cancelAndJoin() {
	p.mu.Lock()
	cancel, done := p.genCancel, p.genDone
	p.genCancel, p.genDone = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// AttachPreviewSurface makes surface the preview sink. The active generation
// rebuilds the capture session to include it.
func (p *Pipeline) AttachPreviewSurface(surface media.SinkSurface) error {
	if surface == nil {
		return fmt.Errorf("pipeline: attach preview: nil surface")
	}
	if surface.Kind() != media.SinkPreview {
		return fmt.Errorf("pipeline: attach preview: surface %s is a %s sink", surface.ID(), surface.Kind())
	}
	if !surface.Size().Valid() {
		return fmt.Errorf("pipeline: attach preview: invalid size %s", surface.Size())
	}

	changed := p.preview.Update(func(cur media.SinkSurface) (media.SinkSurface, bool) {
		return surface, cur != surface
	})
	if changed {
		slog.Info("pipeline: preview attached", "surface", surface.ID(), "size", surface.Size().String())
	}
	return nil
}

// DetachPreviewSurface removes the preview sink, if any.
func (p *Pipeline) DetachPreviewSurface() {
	if p.preview.Update(func(cur media.SinkSurface) (media.SinkSurface, bool) {
		return nil, cur != nil
	}) {
		slog.Info("pipeline: preview detached")
	}
}

// DetachPreview removes surface if it is still the preview sink.
func (p *Pipeline) DetachPreview(surface media.SinkSurface) {
	if p.preview.Update(func(cur media.SinkSurface) (media.SinkSurface, bool) {
		return nil, cur != nil && cur == surface
	}) {
		slog.Info("pipeline: preview detached", "surface", surface.ID())
	}
}

// Preview exposes the preview surface for watching. A nil value means no
// preview is attached.
func (p *Pipeline) Preview() *observable.Value[media.SinkSurface] { return p.preview }

// StartRecording starts encoding the prepared session. It waits for a
// Prepare in progress.
func (p *Pipeline) StartRecording() error {
	p.prepMu.Lock()
	defer p.prepMu.Unlock()

	switch s := p.state.Load(); s {
	case StateRunning, StateRecovering:
	default:
		return fmt.Errorf("pipeline: start recording in state %s: %w", s, media.ErrNotPrepared)
	}
	return p.recorder.Start()
}

// StopRecording finalizes the recording, delivers the file and prepares the
// next session.
func (p *Pipeline) StopRecording(ctx context.Context) (recording.Result, error) {
	return p.recorder.Stop(ctx)
}

// IsRecording reports whether a recording is in progress.
func (p *Pipeline) IsRecording() bool { return p.recorder.IsRecording() }

// Recording exposes the is-recording flag for watching.
func (p *Pipeline) Recording() *observable.Value[bool] { return p.recorder.Recording() }

// State returns the pipeline state.
func (p *Pipeline) State() State { return p.state.Load() }

// States exposes the pipeline state for watching.
func (p *Pipeline) States() *observable.Value[State] { return p.state }

// Err returns the error that moved the pipeline to Failed.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Manager returns the capture manager.
func (p *Pipeline) Manager() *capture.Manager { return p.manager }

// GPU returns the render context.
func (p *Pipeline) GPU() *gpu.Context { return p.gl }

// Close stops any recording (delivering its file), cancels the active
// generation, closes the device and tears down the GPU context. Idempotent.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// No generation starts after closed is set.
	p.cancelAndJoin()

	// prepMu is not held here. A Stop in flight holds the recorder until its
	// re-prepare returns, and that re-prepare goes through Prepare.
	var errs []error
	if err := p.recorder.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	// Wait out a Prepare that passed the closed check before the device and
	// GPU go away.
	p.prepMu.Lock()
	defer p.prepMu.Unlock()

	if err := p.manager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: close device: %w", err))
	}
	p.gl.Teardown()
	p.baseCancel()

	p.state.Store(StateClosed)
	slog.Info("pipeline: closed",
		"generations", p.generations.Load(),
		"iterations", p.iterations.Load(),
	)
	return errors.Join(errs...)
}
