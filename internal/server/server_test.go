package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/hdr-capture/internal/capture"
	"github.com/e7canasta/hdr-capture/internal/media"
	"github.com/e7canasta/hdr-capture/internal/pipeline"
	"github.com/e7canasta/hdr-capture/internal/recording"
	"github.com/e7canasta/hdr-capture/internal/simulated"
	"github.com/e7canasta/hdr-capture/internal/storage"
)

var previewSize = media.Size{Width: 32, Height: 18}

func newTestServer(t *testing.T) (*Server, *pipeline.Pipeline, *httptest.Server) {
	t.Helper()

	size := media.Size{Width: 64, Height: 36}
	platform := simulated.NewPlatform(simulated.Options{Size: size, FPS: 120, TenBitHDR: true})
	manager, err := capture.NewManager(platform, capture.Config{
		DeviceID:        "sim0",
		FPS:             120,
		OpenTimeout:     time.Second,
		BuildTimeout:    time.Second,
		BuildAttempts:   2,
		BuildRetryDelay: time.Millisecond,
		Reconnect: capture.ReconnectConfig{
			MaxRetries:    2,
			RetryDelay:    time.Millisecond,
			MaxRetryDelay: 5 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	library, err := storage.NewLibrary(storage.Config{Dir: t.TempDir(), Subdir: "HdrCapture"})
	if err != nil {
		t.Fatalf("NewLibrary() failed: %v", err)
	}
	encoders := simulated.NewEncoderFactory(simulated.EncoderOptions{})
	recorder, err := recording.NewController(recording.Config{
		TempDir: t.TempDir(),
		Video:   recording.VideoSettings{Size: size, FPS: 120, BitRate: 20_000_000, Codec: "hevc"},
	}, encoders.New, library)
	if err != nil {
		t.Fatalf("NewController() failed: %v", err)
	}
	p, err := pipeline.New(pipeline.Config{RotationDegrees: 90}, manager, recorder)
	if err != nil {
		t.Fatalf("pipeline.New() failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	s, err := New(Config{PreviewSize: previewSize, RequestTimeout: 5 * time.Second}, p)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, p, ts
}

func do(t *testing.T, method, url string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest() failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("%s %s: response not JSON: %v", method, url, err)
	}
	return resp.StatusCode, body
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRequiresController(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected error for nil controller")
	}
}

func TestHealthAndReadiness(t *testing.T) {
	_, p, ts := newTestServer(t)

	code, body := do(t, http.MethodGet, ts.URL+"/health")
	if code != http.StatusOK || body["status"] != "alive" {
		t.Errorf("/health = %d %v, want 200 alive", code, body)
	}

	if code, _ := do(t, http.MethodGet, ts.URL+"/readiness"); code != http.StatusServiceUnavailable {
		t.Errorf("/readiness before prepare = %d, want 503", code)
	}

	if code, body := do(t, http.MethodPost, ts.URL+"/api/prepare"); code != http.StatusOK {
		t.Fatalf("/api/prepare = %d %v", code, body)
	}
	waitUntil(t, 5*time.Second, "pipeline ready", p.Ready)

	code, body = do(t, http.MethodGet, ts.URL+"/readiness")
	if code != http.StatusOK || body["ready"] != true {
		t.Errorf("/readiness after prepare = %d %v, want 200 ready", code, body)
	}
	t.Logf("✅ readiness follows pipeline state: %v", body["state"])
}

func TestRecordingEndpoints(t *testing.T) {
	_, p, ts := newTestServer(t)

	if code, _ := do(t, http.MethodPost, ts.URL+"/api/recording/start"); code != http.StatusPreconditionFailed {
		t.Errorf("start before prepare = %d, want 412", code)
	}

	if code, body := do(t, http.MethodPost, ts.URL+"/api/prepare"); code != http.StatusOK {
		t.Fatalf("/api/prepare = %d %v", code, body)
	}
	waitUntil(t, 5*time.Second, "pipeline ready", p.Ready)

	steps := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"start", http.MethodPost, "/api/recording/start", http.StatusOK},
		{"start twice", http.MethodPost, "/api/recording/start", http.StatusConflict},
		{"state", http.MethodGet, "/api/recording", http.StatusOK},
		{"stop", http.MethodPost, "/api/recording/stop", http.StatusOK},
		{"stop twice", http.MethodPost, "/api/recording/stop", http.StatusConflict},
	}
	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			if step.name == "stop" {
				// Let a few frames reach the encoder.
				time.Sleep(50 * time.Millisecond)
			}
			code, body := do(t, step.method, ts.URL+step.path)
			if code != step.want {
				t.Fatalf("%s %s = %d %v, want %d", step.method, step.path, code, body, step.want)
			}
			if step.name == "stop" {
				path, _ := body["path"].(string)
				if !strings.HasSuffix(path, ".mp4") {
					t.Errorf("stop path = %q, want an .mp4 in the library", path)
				}
				t.Logf("✅ recording delivered to %s", path)
			}
		})
	}

	if code, body := do(t, http.MethodGet, ts.URL+"/metrics"); code != http.StatusOK || body["pipeline"] == nil {
		t.Errorf("/metrics = %d %v", code, body)
	}
}

func TestPreviewWebSocket(t *testing.T) {
	s, p, ts := newTestServer(t)
	if err := p.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() failed: %v", err)
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/preview"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() failed: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("message kind = %d, want binary", kind)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("frame is not a JPEG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != previewSize.Width || b.Dy() != previewSize.Height {
		t.Errorf("frame size = %dx%d, want %s", b.Dx(), b.Dy(), previewSize)
	}
	if st := s.Stats(); st.ActiveViewer == "" || st.Viewers != 1 {
		t.Errorf("Stats() = %+v, want one active viewer", st)
	}

	_ = conn.Close()
	waitUntil(t, 5*time.Second, "preview detached", func() bool {
		return p.Status().Preview == nil && s.Stats().Viewers == 0
	})
	t.Logf("✅ preview streamed %d bytes and detached on disconnect", len(data))
}

func TestNewViewerReplacesPrevious(t *testing.T) {
	s, p, ts := newTestServer(t)
	if err := p.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() failed: %v", err)
	}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/preview"

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer first.Close()
	waitUntil(t, 5*time.Second, "first viewer", func() bool { return s.Stats().ActiveViewer != "" })
	firstID := s.Stats().ActiveViewer

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer second.Close()
	waitUntil(t, 5*time.Second, "second viewer", func() bool {
		st := s.Stats()
		return st.ActiveViewer != "" && st.ActiveViewer != firstID && st.Viewers == 1
	})

	// The replaced connection is closed by the server.
	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	if prev := p.Status().Preview; prev == nil || prev.ID == firstID {
		t.Errorf("preview = %+v, want the second viewer", prev)
	}
}

func TestViewerPresentAfterClose(t *testing.T) {
	v := &Viewer{
		id:   "ws-test",
		size: previewSize,
		slot: make(chan *image.RGBA, 1),
		done: make(chan struct{}),
	}
	close(v.done)
	if err := v.Present(nil, 0); !errors.Is(err, media.ErrSurfaceReleased) {
		t.Errorf("Present() after close = %v, want ErrSurfaceReleased", err)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", media.ErrAlreadyRecording), http.StatusConflict},
		{media.ErrNotRecording, http.StatusConflict},
		{fmt.Errorf("x: %w", media.ErrNotPrepared), http.StatusPreconditionFailed},
		{media.ErrDeviceUnavailable, http.StatusServiceUnavailable},
		{media.ErrClosed, http.StatusGone},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
