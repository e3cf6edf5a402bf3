package server

import (
	"bytes"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/image/draw"

	"github.com/e7canasta/hdr-capture/internal/media"
)

const writeWait = 2 * time.Second

// Viewer is a preview sink backed by a WebSocket connection. Each presented
// frame replaces the pending one; a writer goroutine sends the latest frame
// as a JPEG binary message.
type Viewer struct {
	id      string
	size    media.Size
	quality int
	conn    *websocket.Conn

	slot chan *image.RGBA
	done chan struct{}
	once sync.Once

	presented atomic.Uint64
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// ViewerStats reports per-viewer counters.
type ViewerStats struct {
	ID        string `json:"id"`
	Presented uint64 `json:"presented"`
	Sent      uint64 `json:"sent"`
	Dropped   uint64 `json:"dropped"`
}

func newViewer(conn *websocket.Conn, size media.Size, quality int) *Viewer {
	return &Viewer{
		id:      "ws-" + uuid.NewString()[:8],
		size:    size,
		quality: quality,
		conn:    conn,
		slot:    make(chan *image.RGBA, 1),
		done:    make(chan struct{}),
	}
}

func (v *Viewer) ID() string           { return v.id }
func (v *Viewer) Kind() media.SinkKind { return media.SinkPreview }
func (v *Viewer) Size() media.Size     { return v.size }

// Present copies img into a new frame and queues it for the writer.
func (v *Viewer) Present(img image.Image, pts time.Duration) error {
	select {
	case <-v.done:
		return media.ErrSurfaceReleased
	default:
	}

	dst := image.NewRGBA(image.Rect(0, 0, v.size.Width, v.size.Height))
	if img.Bounds().Size() == dst.Bounds().Size() {
		draw.Copy(dst, image.Point{}, img, img.Bounds(), draw.Src, nil)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	}
	v.presented.Add(1)

	select {
	case v.slot <- dst:
		return nil
	default:
	}
	// Latest wins.
	select {
	case <-v.slot:
		v.dropped.Add(1)
	default:
	}
	select {
	case v.slot <- dst:
	default:
		v.dropped.Add(1)
	}
	return nil
}

// Close releases the viewer. Safe to call more than once.
func (v *Viewer) Close() {
	v.once.Do(func() {
		close(v.done)
		_ = v.conn.Close()
	})
}

// Done is closed when the viewer is released.
func (v *Viewer) Done() <-chan struct{} { return v.done }

// Stats returns a snapshot of the viewer counters.
func (v *Viewer) Stats() ViewerStats {
	return ViewerStats{
		ID:        v.id,
		Presented: v.presented.Load(),
		Sent:      v.sent.Load(),
		Dropped:   v.dropped.Load(),
	}
}

func (v *Viewer) writeLoop() {
	defer v.Close()

	var buf bytes.Buffer
	for {
		var img *image.RGBA
		select {
		case <-v.done:
			return
		case img = <-v.slot:
		}

		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: v.quality}); err != nil {
			slog.Warn("server: preview encode failed", "viewer", v.id, "error", err)
			continue
		}
		_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := v.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
			slog.Debug("server: preview write failed", "viewer", v.id, "error", err)
			return
		}
		v.sent.Add(1)
	}
}

// readLoop drains client messages until the connection closes.
func (v *Viewer) readLoop() {
	defer v.Close()
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handlePreview upgrades the request and attaches a new viewer as the preview
// sink. The newest viewer replaces any previous one.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("server: websocket upgrade failed", "error", err)
		return
	}

	v := newViewer(conn, s.cfg.PreviewSize, s.cfg.JPEGQuality)
	if err := s.ctrl.AttachPreviewSurface(v); err != nil {
		slog.Warn("server: preview attach failed", "viewer", v.id, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(writeWait))
		v.Close()
		return
	}

	s.viewers.Store(v.id, v)
	s.mu.Lock()
	prev := s.active
	s.active = v
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	slog.Info("server: preview viewer connected", "viewer", v.id, "remote", r.RemoteAddr)

	go v.writeLoop()
	v.readLoop()
	<-v.done

	s.viewers.Delete(v.id)
	s.mu.Lock()
	if s.active == v {
		s.active = nil
	}
	s.mu.Unlock()
	s.ctrl.DetachPreview(v)

	st := v.Stats()
	slog.Info("server: preview viewer disconnected",
		"viewer", v.id,
		"presented", st.Presented,
		"sent", st.Sent,
		"dropped", st.Dropped,
	)
}

// Viewers returns stats for connected viewers.
func (s *Server) Viewers() []ViewerStats {
	var out []ViewerStats
	s.viewers.Range(func(_ string, v *Viewer) bool {
		out = append(out, v.Stats())
		return true
	})
	return out
}

func (s *Server) closeViewers() {
	s.viewers.Range(func(_ string, v *Viewer) bool {
		v.Close()
		return true
	})
}
