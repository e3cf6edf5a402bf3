package gpu

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/e7canasta/hdr-capture/internal/media"
)

// Current is the made-current render state. It exists only on the worker
// goroutine and is handed to functions passed to Context.Do.
type Current struct {
	owner *Context

	nextID   uint64
	textures map[uint64]*Texture
	targets  map[uint64]*RenderTarget
	programs map[string]*program

	bound *RenderTarget
}

func newCurrent(owner *Context) *Current {
	return &Current{
		owner:    owner,
		textures: make(map[uint64]*Texture),
		targets:  make(map[uint64]*RenderTarget),
		programs: make(map[string]*program),
	}
}

// Texture receives device frames. HLG10 textures are 16 bits per channel.
type Texture struct {
	id       uint64
	rng      media.DynamicRange
	img      xdraw.Image
	released bool
	uploads  uint64
}

// Size returns the texture dimensions.
func (t *Texture) Size() media.Size {
	b := t.img.Bounds()
	return media.Size{Width: b.Dx(), Height: b.Dy()}
}

// RenderTarget is the back buffer of one sink surface.
type RenderTarget struct {
	id       uint64
	sink     media.SinkSurface
	back     xdraw.Image
	pts      time.Duration
	swaps    uint64
	released bool
}

// Sink returns the surface this target presents to.
func (r *RenderTarget) Sink() media.SinkSurface { return r.sink }

func newBuffer(size media.Size, rng media.DynamicRange) xdraw.Image {
	rect := image.Rect(0, 0, size.Width, size.Height)
	if rng == media.HLG10 {
		return image.NewRGBA64(rect)
	}
	return image.NewRGBA(rect)
}

// NewTexture allocates a texture of the given size and range.
func (cur *Current) NewTexture(size media.Size, rng media.DynamicRange) (*Texture, error) {
	if !size.Valid() {
		return nil, fmt.Errorf("gpu: invalid texture size %s", size)
	}
	cur.nextID++
	t := &Texture{id: cur.nextID, rng: rng, img: newBuffer(size, rng)}
	cur.textures[t.id] = t
	cur.owner.liveTextures.Add(1)
	return t, nil
}

// DeleteTexture releases a texture. Idempotent.
func (cur *Current) DeleteTexture(t *Texture) {
	if t == nil || t.released {
		return
	}
	t.released = true
	t.img = nil
	delete(cur.textures, t.id)
	cur.owner.liveTextures.Add(-1)
}

// Upload copies src into the texture, scaling when sizes differ.
func (cur *Current) Upload(t *Texture, src image.Image) error {
	if t.released {
		return fmt.Errorf("gpu: upload to released texture: %w", media.ErrClosed)
	}
	dr := t.img.Bounds()
	sr := src.Bounds()
	if dr.Dx() == sr.Dx() && dr.Dy() == sr.Dy() {
		xdraw.Copy(t.img, dr.Min, src, sr, xdraw.Src, nil)
	} else {
		xdraw.ApproxBiLinear.Scale(t.img, dr, src, sr, xdraw.Src, nil)
	}
	t.uploads++
	return nil
}

// NewRenderTarget creates the back buffer presenting to sink.
func (cur *Current) NewRenderTarget(sink media.SinkSurface, rng media.DynamicRange) (*RenderTarget, error) {
	size := sink.Size()
	if !size.Valid() {
		return nil, fmt.Errorf("gpu: sink %s has invalid size %s", sink.ID(), size)
	}
	cur.nextID++
	rt := &RenderTarget{id: cur.nextID, sink: sink, back: newBuffer(size, rng)}
	cur.targets[rt.id] = rt
	cur.owner.liveTargets.Add(1)
	return rt, nil
}

// DeleteRenderTarget releases a render target. Idempotent.
func (cur *Current) DeleteRenderTarget(rt *RenderTarget) {
	if rt == nil || rt.released {
		return
	}
	rt.released = true
	rt.back = nil
	if cur.bound == rt {
		cur.bound = nil
	}
	delete(cur.targets, rt.id)
	cur.owner.liveTargets.Add(-1)
}

// MakeCurrent binds rt as the target of subsequent draw calls.
func (cur *Current) MakeCurrent(rt *RenderTarget) error {
	if rt == nil || rt.released {
		return fmt.Errorf("gpu: make current: %w", media.ErrClosed)
	}
	cur.bound = rt
	return nil
}

// Clear fills the bound target with opaque black.
func (cur *Current) Clear() error {
	if cur.bound == nil {
		return fmt.Errorf("gpu: clear: no target bound: %w", media.ErrNotPrepared)
	}
	xdraw.Draw(cur.bound.back, cur.bound.back.Bounds(), image.NewUniform(color.Black), image.Point{}, xdraw.Src)
	return nil
}

// SetPresentationTime stamps the next swap of the bound target.
func (cur *Current) SetPresentationTime(pts time.Duration) error {
	if cur.bound == nil {
		return fmt.Errorf("gpu: set presentation time: no target bound: %w", media.ErrNotPrepared)
	}
	cur.bound.pts = pts
	return nil
}

// SwapBuffers presents the bound target's back buffer to its sink.
func (cur *Current) SwapBuffers() error {
	rt := cur.bound
	if rt == nil {
		return fmt.Errorf("gpu: swap: no target bound: %w", media.ErrNotPrepared)
	}
	if err := rt.sink.Present(rt.back, rt.pts); err != nil {
		return fmt.Errorf("gpu: present to %s: %w", rt.sink.ID(), err)
	}
	rt.swaps++
	return nil
}

func (cur *Current) releaseAll() {
	for _, rt := range cur.targets {
		cur.DeleteRenderTarget(rt)
	}
	for _, t := range cur.textures {
		cur.DeleteTexture(t)
	}
	if n := len(cur.programs); n > 0 {
		slog.Debug("gpu: deleting programs", "count", n)
	}
	cur.programs = make(map[string]*program)
}
