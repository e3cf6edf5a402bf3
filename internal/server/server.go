// Package server exposes health, recording control and a WebSocket preview
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/e7canasta/hdr-capture/internal/media"
	"github.com/e7canasta/hdr-capture/internal/pipeline"
	"github.com/e7canasta/hdr-capture/internal/recording"
)

// Controller is the pipeline surface the server drives.
type Controller interface {
	Prepare(ctx context.Context) error
	StartRecording() error
	StopRecording(ctx context.Context) (recording.Result, error)
	IsRecording() bool
	Status() pipeline.Status
	Ready() bool
	AttachPreviewSurface(surface media.SinkSurface) error
	DetachPreview(surface media.SinkSurface)
}

// Config configures the server.
type Config struct {
	Addr string

	// PreviewSize is the size of the viewer surface the pipeline renders.
	PreviewSize media.Size
	// JPEGQuality applies to preview frames sent to viewers.
	JPEGQuality int

	// RequestTimeout bounds prepare and stop requests.
	RequestTimeout time.Duration
}

// Server is the HTTP front end.
type Server struct {
	cfg     Config
	ctrl    Controller
	router  *mux.Router
	started time.Time

	upgrader websocket.Upgrader
	viewers  *xsync.MapOf[string, *Viewer]

	mu     sync.Mutex
	active *Viewer

	requests atomic.Uint64
}

// Stats reports server counters.
type Stats struct {
	UptimeSeconds int64  `json:"uptime_seconds"`
	Requests      uint64 `json:"requests"`
	Viewers       int    `json:"viewers"`
	ActiveViewer  string `json:"active_viewer,omitempty"`
}

// New creates the server and its routes.
func New(cfg Config, ctrl Controller) (*Server, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("server: controller is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if !cfg.PreviewSize.Valid() {
		cfg.PreviewSize = media.Size{Width: 1280, Height: 720}
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 75
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		started: time.Now(),
		viewers: xsync.NewMapOf[string, *Viewer](),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.countRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readiness", s.handleReadiness).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/prepare", s.handlePrepare).Methods(http.MethodPost)
	api.HandleFunc("/recording", s.handleRecordingState).Methods(http.MethodGet)
	api.HandleFunc("/recording/start", s.handleStartRecording).Methods(http.MethodPost)
	api.HandleFunc("/recording/stop", s.handleStopRecording).Methods(http.MethodPost)

	r.HandleFunc("/preview", s.handlePreview)
	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	s.closeViewers()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	slog.Info("server: stopped")
	return nil
}

// Stats returns counters.
func (s *Server) Stats() Stats {
	st := Stats{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Requests:      s.requests.Load(),
		Viewers:       s.viewers.Size(),
	}
	s.mu.Lock()
	if s.active != nil {
		st.ActiveViewer = s.active.ID()
	}
	s.mu.Unlock()
	return st
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		next.ServeHTTP(w, r)
	})
}

// handleHealth is the liveness check: 200 while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// handleReadiness returns 200 only while frames flow to the sinks.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status := s.ctrl.Status()
	code := http.StatusOK
	ready := s.ctrl.Ready()
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ready":     ready,
		"state":     status.State,
		"capture":   status.Capture.State,
		"recording": status.Recording.Recording,
		"error":     status.Error,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pipeline": s.ctrl.Status(),
		"server":   s.Stats(),
		"viewers":  s.Viewers(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleRecordingState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"recording": s.ctrl.IsRecording()})
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.ctrl.Prepare(ctx); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.ctrl.Status().State})
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StartRecording(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recording": true})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	res, err := s.ctrl.StopRecording(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recording":  false,
		"session_id": res.SessionID,
		"path":       res.Path,
		"duration":   res.Duration.String(),
	})
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, media.ErrAlreadyRecording), errors.Is(err, media.ErrNotRecording):
		return http.StatusConflict
	case errors.Is(err, media.ErrNotPrepared):
		return http.StatusPreconditionFailed
	case errors.Is(err, media.ErrDeviceUnavailable), errors.Is(err, media.ErrSessionConfigurationFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, media.ErrClosed):
		return http.StatusGone
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("server: failed to write response", "error", err)
	}
}
