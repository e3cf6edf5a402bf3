package gpu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/hdr-capture/internal/media"
)

// Binding is the exclusive link between one sink's render target and the
// texture receiving device frames for it. Never shared between sinks.
type Binding struct {
	sink   media.SinkSurface
	rng    media.DynamicRange
	bridge *Bridge

	owner   *Context
	texture *Texture
	target  *RenderTarget

	releaseOnce sync.Once
	released    atomic.Bool
}

// Bind allocates a texture, a render target and a configured bridge for sink.
func (c *Context) Bind(ctx context.Context, sink media.SinkSurface, rng media.DynamicRange) (*Binding, error) {
	if sink == nil {
		return nil, fmt.Errorf("gpu: bind: nil sink")
	}

	bridge := NewBridge(sink.ID())
	if err := bridge.Configure(sink.Size()); err != nil {
		return nil, err
	}

	b := &Binding{sink: sink, rng: rng, bridge: bridge, owner: c}
	err := c.Do(ctx, func(cur *Current) error {
		tex, err := cur.NewTexture(sink.Size(), rng)
		if err != nil {
			return err
		}
		rt, err := cur.NewRenderTarget(sink, rng)
		if err != nil {
			cur.DeleteTexture(tex)
			return err
		}
		b.texture, b.target = tex, rt
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: bind %s: %w", sink.ID(), err)
	}

	c.liveBindings.Add(1)
	slog.Debug("gpu: binding created",
		"sink", sink.ID(),
		"kind", sink.Kind().String(),
		"size", sink.Size().String(),
		"range", rng.String(),
	)
	return b, nil
}

// Sink returns the bound surface.
func (b *Binding) Sink() media.SinkSurface { return b.sink }

// Range returns the dynamic range of the texture and back buffer.
func (b *Binding) Range() media.DynamicRange { return b.rng }

// Bridge returns the capture output feeding this binding.
func (b *Binding) Bridge() *Bridge { return b.bridge }

// Texture returns the texture. Only meaningful on the worker.
func (b *Binding) Texture() *Texture { return b.texture }

// Target returns the render target. Only meaningful on the worker.
func (b *Binding) Target() *RenderTarget { return b.target }

// Released reports whether Release has run.
func (b *Binding) Released() bool { return b.released.Load() }

// Release frees the texture and render target exactly once. It ignores
// cancellation of ctx. If the context was already torn down the resources
// were freed with it and only the bookkeeping runs.
func (b *Binding) Release(ctx context.Context) {
	b.releaseOnce.Do(func() {
		b.bridge.Release()

		err := b.owner.Do(context.WithoutCancel(ctx), func(cur *Current) error {
			cur.DeleteRenderTarget(b.target)
			cur.DeleteTexture(b.texture)
			return nil
		})
		if err != nil {
			slog.Debug("gpu: binding release skipped worker", "sink", b.sink.ID(), "error", err)
		}

		b.released.Store(true)
		b.owner.liveBindings.Add(-1)
		slog.Debug("gpu: binding released", "sink", b.sink.ID())
	})
}
