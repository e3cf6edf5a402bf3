package gpu

import (
	"fmt"
	"log/slog"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/e7canasta/hdr-capture/internal/media"
)

// Sampling filters accepted by NewCompositor.
const (
	FilterNearest        = "nearest"
	FilterApproxBiLinear = "approx-bilinear"
	FilterBiLinear       = "bilinear"
	FilterCatmullRom     = "catmullrom"
)

// Transform is a 2D transform applied in normalized device coordinates
// (x right, y up, both in [-1, 1]).
type Transform struct {
	RotationDegrees float64
}

// Rotation returns a rotation about the z axis, counter-clockwise.
func Rotation(degrees float64) Transform {
	return Transform{RotationDegrees: degrees}
}

// Matrix maps source pixel coordinates to destination pixel coordinates:
// source pixels are normalized to NDC, rotated, then mapped onto the
// destination so that the NDC square always fills it.
func (t Transform) Matrix(src, dst media.Size) f64.Aff3 {
	rad := t.RotationDegrees * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	// Snap so 90° multiples are exact.
	cos, sin = snap(cos), snap(sin)

	ws, hs := float64(src.Width), float64(src.Height)
	wd, hd := float64(dst.Width), float64(dst.Height)

	return f64.Aff3{
		wd * cos / ws, wd * sin / hs, wd / 2 * (1 - cos - sin),
		-hd * sin / ws, hd * cos / hs, hd / 2 * (1 + sin - cos),
	}
}

func snap(v float64) float64 {
	const eps = 1e-12
	switch {
	case math.Abs(v) < eps:
		return 0
	case math.Abs(v-1) < eps:
		return 1
	case math.Abs(v+1) < eps:
		return -1
	}
	return v
}

type program struct {
	filter string
	interp xdraw.Interpolator
}

// Compositor is the per-sink program that samples a binding's texture into
// its render target.
type Compositor struct {
	name   string
	filter string
}

// NewCompositor creates a compositor. The program is compiled by
// PrepareShader on the worker.
func NewCompositor(name, filter string) *Compositor {
	if filter == "" {
		filter = FilterApproxBiLinear
	}
	return &Compositor{name: name, filter: filter}
}

// Name identifies the program.
func (c *Compositor) Name() string { return c.name }

// PrepareShader compiles the program once per context lifetime.
//
// Returns media.ErrShaderCompile if the sampling filter is not supported.
func (c *Compositor) PrepareShader(cur *Current) error {
	if _, ok := cur.programs[c.name]; ok {
		return nil
	}

	var interp xdraw.Interpolator
	switch c.filter {
	case FilterNearest:
		interp = xdraw.NearestNeighbor
	case FilterApproxBiLinear:
		interp = xdraw.ApproxBiLinear
	case FilterBiLinear:
		interp = xdraw.BiLinear
	case FilterCatmullRom:
		interp = xdraw.CatmullRom
	default:
		return fmt.Errorf("gpu: program %s: unknown filter %q: %w", c.name, c.filter, media.ErrShaderCompile)
	}

	cur.programs[c.name] = &program{filter: c.filter, interp: interp}
	slog.Debug("gpu: program compiled", "program", c.name, "filter", c.filter)
	return nil
}

// Render samples the binding's texture with transform into the binding's
// render target. The target must be current.
func (c *Compositor) Render(cur *Current, b *Binding, transform Transform) error {
	prog, ok := cur.programs[c.name]
	if !ok {
		return fmt.Errorf("gpu: program %s: %w", c.name, media.ErrNotPrepared)
	}
	if cur.bound != b.target {
		return fmt.Errorf("gpu: render %s: binding target is not current: %w", c.name, media.ErrNotPrepared)
	}
	if b.texture == nil || b.texture.released || b.target.released {
		return fmt.Errorf("gpu: render %s: %w", c.name, media.ErrClosed)
	}

	src := b.texture.img
	dst := b.target.back
	m := transform.Matrix(b.texture.Size(), media.Size{Width: dst.Bounds().Dx(), Height: dst.Bounds().Dy()})
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("gpu: render %s: degenerate transform: %w", c.name, media.ErrShaderCompile)
		}
	}

	prog.interp.Transform(dst, m, src, src.Bounds(), xdraw.Src, nil)
	return nil
}
