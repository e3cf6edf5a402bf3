package gpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/hdr-capture/internal/cadence"
	"github.com/e7canasta/hdr-capture/internal/media"
)

// Clock supplies presentation timestamps.
type Clock interface {
	Now() time.Duration
}

// PresentationClock is a monotonic clock starting at zero when created.
type PresentationClock struct {
	start time.Time
	last  atomic.Int64
}

// NewPresentationClock starts a clock.
func NewPresentationClock() *PresentationClock {
	return &PresentationClock{start: time.Now()}
}

// Now returns the elapsed time since the clock started. Successive calls
// never go backwards.
func (c *PresentationClock) Now() time.Duration {
	now := int64(time.Since(c.start))
	for {
		last := c.last.Load()
		if now <= last {
			now = last + 1
		}
		if c.last.CompareAndSwap(last, now) {
			return time.Duration(now)
		}
	}
}

// ZeroClock always reports zero. Preview sinks present without timestamps.
type ZeroClock struct{}

// Now returns 0.
func (ZeroClock) Now() time.Duration { return 0 }

// RenderLoopConfig configures a RenderLoop.
type RenderLoopConfig struct {
	Context    *Context
	Binding    *Binding
	Compositor *Compositor
	Transform  Transform
	Clock      Clock

	// Cadence receives presentation times (optional).
	Cadence *cadence.Recorder

	// Continue is asked after every presented frame; returning false ends the
	// loop normally (optional).
	Continue func() bool
}

// RenderLoop drives the draw cycle of one sink.
type RenderLoop struct {
	cfg RenderLoopConfig

	frames  atomic.Uint64
	skipped atomic.Uint64
}

// RenderLoopStats reports loop activity.
type RenderLoopStats struct {
	Sink    string `json:"sink"`
	Frames  uint64 `json:"frames"`
	Skipped uint64 `json:"skipped"`
}

// NewRenderLoop validates cfg and creates a loop. The loop owns cfg.Binding
// from this point on and releases it when Run returns.
func NewRenderLoop(cfg RenderLoopConfig) (*RenderLoop, error) {
	if cfg.Context == nil {
		return nil, fmt.Errorf("gpu: render loop: context is required")
	}
	if cfg.Binding == nil {
		return nil, fmt.Errorf("gpu: render loop: binding is required")
	}
	if cfg.Compositor == nil {
		return nil, fmt.Errorf("gpu: render loop: compositor is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = ZeroClock{}
	}
	return &RenderLoop{cfg: cfg}, nil
}

// Run draws frames until ctx is cancelled, the sink reports it can take no
// more frames, or Continue returns false. All three are normal exits and
// return nil. The binding is released on every exit path, shielded from
// cancellation.
func (l *RenderLoop) Run(ctx context.Context) error {
	b := l.cfg.Binding
	gl := l.cfg.Context
	sinkID := b.Sink().ID()

	defer b.Release(context.WithoutCancel(ctx))

	if err := gl.Do(ctx, l.cfg.Compositor.PrepareShader); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("gpu: render loop %s: %w", sinkID, err)
	}

	slog.Debug("gpu: render loop started", "sink", sinkID, "kind", b.Sink().Kind().String())
	defer func() {
		slog.Debug("gpu: render loop stopped",
			"sink", sinkID,
			"frames", l.frames.Load(),
			"skipped", l.skipped.Load(),
		)
	}()

	ready := b.Bridge().Ready()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ready:
		}
		if ctx.Err() != nil {
			return nil
		}

		err := gl.Do(ctx, l.draw)
		switch {
		case err == nil:
		case errors.Is(err, media.ErrNoFrameReady):
			l.skipped.Add(1)
			continue
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, media.ErrSurfaceReleased):
			slog.Info("gpu: sink released, ending render loop", "sink", sinkID)
			return nil
		default:
			return fmt.Errorf("gpu: render loop %s: %w", sinkID, err)
		}

		l.frames.Add(1)
		if l.cfg.Cadence != nil {
			l.cfg.Cadence.Mark(time.Now())
		}
		if l.cfg.Continue != nil && !l.cfg.Continue() {
			return nil
		}
	}
}

func (l *RenderLoop) draw(cur *Current) error {
	b := l.cfg.Binding
	if err := cur.MakeCurrent(b.target); err != nil {
		return err
	}
	if err := cur.Latch(b.bridge, b.texture); err != nil {
		return err
	}
	if err := cur.Clear(); err != nil {
		return err
	}
	if err := l.cfg.Compositor.Render(cur, b, l.cfg.Transform); err != nil {
		return err
	}
	if err := cur.SetPresentationTime(l.cfg.Clock.Now()); err != nil {
		return err
	}
	return cur.SwapBuffers()
}

// Stats returns loop counters.
func (l *RenderLoop) Stats() RenderLoopStats {
	return RenderLoopStats{
		Sink:    l.cfg.Binding.Sink().ID(),
		Frames:  l.frames.Load(),
		Skipped: l.skipped.Load(),
	}
}
