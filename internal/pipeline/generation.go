package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/conc"

	"github.com/e7canasta/hdr-capture/internal/capture"
	"github.com/e7canasta/hdr-capture/internal/gpu"
	"github.com/e7canasta/hdr-capture/internal/media"
	"github.com/e7canasta/hdr-capture/internal/recording"
)

type outcome int

const (
	outcomeCancelled outcome = iota
	outcomePreviewChanged
	outcomeDeviceLost
	outcomeConfigFailed
	outcomePreviewEnded
	outcomeFatal
)

type iterationResult struct {
	outcome outcome
	surface media.SinkSurface // preview surface of the iteration
	err     error
}

type loopExit struct {
	kind media.SinkKind
	err  error
}

// runGeneration reacts to preview surface changes with collect-latest
// semantics: a change cancels the running iteration and starts a new one
// with whatever surface is current by then.
func (p *Pipeline) runGeneration(ctx context.Context, gen uint64, sess *recording.Session) {
	clock := gpu.NewPresentationClock()
	log := slog.With("generation", gen, "session", sess.ID)

	for {
		surface, _, changed := p.preview.Snapshot()
		res := p.runIteration(ctx, sess, surface, changed, clock)

		switch res.outcome {
		case outcomeCancelled:
			return

		case outcomePreviewChanged:
			log.Debug("pipeline: preview changed, rebuilding")

		case outcomePreviewEnded:
			log.Info("pipeline: preview surface ended", "surface", res.surface.ID(), "error", res.err)
			p.DetachPreview(res.surface)

		case outcomeConfigFailed:
			log.Warn("pipeline: session configuration failed, waiting for next change", "error", res.err)
			select {
			case <-ctx.Done():
				return
			case <-changed:
				continue
			case <-p.manager.Lost():
			}
			if !p.recover(ctx, sess, log) {
				return
			}

		case outcomeDeviceLost:
			if !p.recover(ctx, sess, log) {
				return
			}

		case outcomeFatal:
			if ctx.Err() == nil {
				_ = p.fail(res.err)
			}
			return
		}
	}
}

// recover reopens the device with bounded backoff. Returns false when the
// generation must end.
func (p *Pipeline) recover(ctx context.Context, sess *recording.Session, log *slog.Logger) bool {
	if ctx.Err() != nil {
		return false
	}
	p.state.Store(StateRecovering)
	p.recoveries.Add(1)
	log.Warn("pipeline: device lost, reopening")

	if err := p.manager.Reopen(ctx); err != nil {
		if ctx.Err() == nil {
			_ = p.fail(fmt.Errorf("pipeline: reopen device: %w", err))
		}
		return false
	}

	if media.RangeFor(p.manager.HDREnabled()) != sess.DynamicRange {
		_ = p.fail(fmt.Errorf("pipeline: device reopened with %s, session prepared for %s: %w",
			media.RangeFor(p.manager.HDREnabled()), sess.DynamicRange, media.ErrCapabilityChanged))
		return false
	}

	if ctx.Err() != nil {
		return false
	}
	p.state.Store(StateRunning)
	log.Info("pipeline: device recovered")
	return true
}

// runIteration binds the current sink set, configures a capture session for
// it and runs one render loop per sink until something changes. On return
// the session is suspended and every binding of the iteration is released.
func (p *Pipeline) runIteration(
	ctx context.Context,
	sess *recording.Session,
	surface media.SinkSurface,
	changed <-chan struct{},
	clock gpu.Clock,
) iterationResult {
	if ctx.Err() != nil {
		return iterationResult{outcome: outcomeCancelled}
	}
	p.iterations.Add(1)

	ictx, cancel := context.WithCancel(ctx)
	defer cancel()

	rng := sess.DynamicRange

	recBinding, err := p.gl.Bind(ictx, sess.Encoder, rng)
	if err != nil {
		if ctx.Err() != nil {
			return iterationResult{outcome: outcomeCancelled}
		}
		return iterationResult{outcome: outcomeFatal, err: fmt.Errorf("pipeline: bind record sink: %w", err)}
	}
	bindings := []*gpu.Binding{recBinding}

	var prevBinding *gpu.Binding
	if surface != nil {
		prevBinding, err = p.gl.Bind(ictx, surface, rng)
		if err != nil {
			recBinding.Release(ctx)
			if ctx.Err() != nil {
				return iterationResult{outcome: outcomeCancelled}
			}
			return iterationResult{outcome: outcomePreviewEnded, surface: surface, err: err}
		}
		bindings = append([]*gpu.Binding{prevBinding}, bindings...)
	}

	outputs := make([]capture.Output, len(bindings))
	for i, b := range bindings {
		outputs[i] = b.Bridge()
	}

	if err := p.manager.Configure(ictx, outputs); err != nil {
		for _, b := range bindings {
			b.Release(ctx)
		}
		switch {
		case ctx.Err() != nil:
			return iterationResult{outcome: outcomeCancelled}
		case errors.Is(err, media.ErrDeviceUnavailable):
			return iterationResult{outcome: outcomeDeviceLost, err: err}
		case errors.Is(err, media.ErrSessionConfigurationFailed):
			return iterationResult{outcome: outcomeConfigFailed, err: err}
		default:
			// Superseded by a concurrent Configure
			return iterationResult{outcome: outcomePreviewChanged, err: err}
		}
	}
	lost := p.manager.Lost()

	loops, err := p.newLoops(prevBinding, recBinding, clock)
	if err != nil {
		p.manager.Suspend()
		for _, b := range bindings {
			b.Release(ctx)
		}
		return iterationResult{outcome: outcomeFatal, err: err}
	}
	p.setActive(loops, bindings)
	defer p.setActive(nil, nil)

	exits := make(chan loopExit, len(loops))
	var wg conc.WaitGroup
	for _, l := range loops {
		l := l
		wg.Go(func() {
			exits <- loopExit{kind: l.kind, err: l.loop.Run(ictx)}
		})
	}

	var res iterationResult
	select {
	case <-ctx.Done():
		res.outcome = outcomeCancelled
	case <-changed:
		res.outcome = outcomePreviewChanged
	case <-lost:
		res.outcome = outcomeDeviceLost
	case ex := <-exits:
		res = classifyExit(ex, surface)
	}

	// No output may receive frames once its binding is gone
	p.manager.Suspend()
	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		res.outcome = outcomeCancelled
	}
	return res
}

type sinkLoop struct {
	kind media.SinkKind
	loop *gpu.RenderLoop
}

func (p *Pipeline) newLoops(preview, record *gpu.Binding, clock gpu.Clock) ([]sinkLoop, error) {
	var loops []sinkLoop

	if preview != nil {
		l, err := gpu.NewRenderLoop(gpu.RenderLoopConfig{
			Context:    p.gl,
			Binding:    preview,
			Compositor: p.previewComp,
			Transform:  p.transform,
			Clock:      gpu.ZeroClock{},
			Cadence:    p.previewCadence,
		})
		if err != nil {
			return nil, err
		}
		loops = append(loops, sinkLoop{kind: media.SinkPreview, loop: l})
	}

	l, err := gpu.NewRenderLoop(gpu.RenderLoopConfig{
		Context:    p.gl,
		Binding:    record,
		Compositor: p.recordComp,
		Transform:  p.transform,
		Clock:      clock,
		Cadence:    p.recordCadence,
	})
	if err != nil {
		return nil, err
	}
	return append(loops, sinkLoop{kind: media.SinkRecord, loop: l}), nil
}

func classifyExit(ex loopExit, surface media.SinkSurface) iterationResult {
	if ex.kind == media.SinkPreview {
		return iterationResult{outcome: outcomePreviewEnded, surface: surface, err: ex.err}
	}
	err := ex.err
	if err == nil {
		err = errors.New("record sink stopped accepting frames")
	}
	return iterationResult{
		outcome: outcomeFatal,
		err:     fmt.Errorf("pipeline: record loop: %w: %v", media.ErrEncoderFailure, err),
	}
}

func (p *Pipeline) setActive(loops []sinkLoop, bindings []*gpu.Binding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loops = p.loops[:0]
	for _, l := range loops {
		p.loops = append(p.loops, l.loop)
	}
	p.bindings = bindings
}
