package simulated

import (
	"image"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/e7canasta/hdr-capture/internal/media"
)

// Surface is a preview sink that keeps the last presented image.
type Surface struct {
	id   string
	size media.Size

	mu       sync.Mutex
	last     image.Image
	pts      []time.Duration
	presents int
	released bool
	notify   chan struct{}
}

// NewSurface creates a preview surface.
func NewSurface(id string, size media.Size) *Surface {
	return &Surface{id: id, size: size, notify: make(chan struct{}, 1)}
}

func (s *Surface) ID() string           { return s.id }
func (s *Surface) Kind() media.SinkKind { return media.SinkPreview }
func (s *Surface) Size() media.Size     { return s.size }

func (s *Surface) Present(img image.Image, pts time.Duration) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return media.ErrSurfaceReleased
	}
	// The back buffer is reused by the next draw
	cp := image.NewRGBA(img.Bounds())
	xdraw.Copy(cp, cp.Bounds().Min, img, img.Bounds(), xdraw.Src, nil)
	s.last = cp
	s.pts = append(s.pts, pts)
	s.presents++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Release makes further presents fail, as when a window is destroyed.
func (s *Surface) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
}

// Presented signals after each present (conflated).
func (s *Surface) Presented() <-chan struct{} { return s.notify }

// Presents returns the number of presented frames.
func (s *Surface) Presents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presents
}

// Timestamps returns the presentation timestamps received.
func (s *Surface) Timestamps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.pts...)
}

// Last returns the last presented image.
func (s *Surface) Last() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
