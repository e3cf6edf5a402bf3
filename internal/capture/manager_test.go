package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/hdr-capture/internal/capture"
	"github.com/e7canasta/hdr-capture/internal/media"
	"github.com/e7canasta/hdr-capture/internal/simulated"
)

// countingOutput counts the frames offered to it.
type countingOutput struct {
	id   string
	size media.Size

	mu     sync.Mutex
	offers int
	ranges map[media.DynamicRange]int
}

func newCountingOutput(id string) *countingOutput {
	return &countingOutput{
		id:     id,
		size:   media.Size{Width: 32, Height: 18},
		ranges: make(map[media.DynamicRange]int),
	}
}

func (o *countingOutput) SinkID() string   { return o.id }
func (o *countingOutput) Size() media.Size { return o.size }

func (o *countingOutput) Offer(f *media.Frame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offers++
	o.ranges[f.Range]++
}

func (o *countingOutput) Offers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.offers
}

func newPlatform(hdr bool) *simulated.Platform {
	return simulated.NewPlatform(simulated.Options{
		Size:      media.Size{Width: 32, Height: 18},
		FPS:       200,
		TenBitHDR: hdr,
	})
}

func newManager(t *testing.T, p capture.Platform, mutate func(*capture.Config)) *capture.Manager {
	t.Helper()
	cfg := capture.Config{
		DeviceID:        "sim0",
		FPS:             200,
		OpenTimeout:     time.Second,
		BuildTimeout:    time.Second,
		BuildAttempts:   2,
		BuildRetryDelay: time.Millisecond,
		Reconnect: capture.ReconnectConfig{
			MaxRetries:    2,
			RetryDelay:    time.Millisecond,
			MaxRetryDelay: 5 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := capture.NewManager(p, cfg)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestNewManagerValidation(t *testing.T) {
	tests := []struct {
		name     string
		platform capture.Platform
		fps      int
	}{
		{"nil platform", nil, 60},
		{"zero fps", newPlatform(false), 0},
		{"fps too high", newPlatform(false), 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := capture.NewManager(tt.platform, capture.Config{FPS: tt.fps})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

// TestConfigureDynamicRangeFollowsCapability checks that every output of the
// session carries HLG10 when the device is 10-bit capable, and none does
// otherwise.
func TestConfigureDynamicRangeFollowsCapability(t *testing.T) {
	tests := []struct {
		name string
		hdr  bool
		want media.DynamicRange
	}{
		{"10-bit device", true, media.HLG10},
		{"8-bit device", false, media.SDR},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPlatform(tt.hdr)
			m := newManager(t, p, nil)
			ctx := context.Background()

			if err := m.Open(ctx); err != nil {
				t.Fatalf("Open() failed: %v", err)
			}
			if m.HDREnabled() != tt.hdr {
				t.Fatalf("HDREnabled() = %v, want %v", m.HDREnabled(), tt.hdr)
			}

			preview, record := newCountingOutput("preview"), newCountingOutput("record")
			if err := m.Configure(ctx, []capture.Output{preview, record}); err != nil {
				t.Fatalf("Configure() failed: %v", err)
			}
			if m.State() != capture.StateStreaming {
				t.Fatalf("State() = %s, want streaming", m.State())
			}

			for _, oc := range m.ActiveOutputs() {
				if oc.DynamicRange != tt.want {
					t.Errorf("output %s range = %s, want %s", oc.Output.SinkID(), oc.DynamicRange, tt.want)
				}
			}
			for _, req := range p.Requests() {
				for i, r := range req.Ranges {
					if r != tt.want {
						t.Errorf("request %s target %s range = %s, want %s", req.SessionID, req.Targets[i], r, tt.want)
					}
				}
				if req.FPS.Min != 200 || req.FPS.Max != 200 {
					t.Errorf("request FPS = %+v, want [200, 200]", req.FPS)
				}
			}

			if !waitUntil(t, 2*time.Second, func() bool { return preview.Offers() > 0 && record.Offers() > 0 }) {
				t.Fatal("outputs received no frames")
			}
			t.Logf("✅ %s: %d outputs tagged %s", tt.name, len(m.ActiveOutputs()), tt.want)
		})
	}
}

func TestConfigureRetriesTransientFailure(t *testing.T) {
	p := newPlatform(true)
	m := newManager(t, p, func(c *capture.Config) { c.BuildAttempts = 3 })
	ctx := context.Background()

	if err := m.Open(ctx); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	p.FailNextConfigures(2)

	if err := m.Configure(ctx, []capture.Output{newCountingOutput("record")}); err != nil {
		t.Fatalf("Configure() failed after retries: %v", err)
	}

	stats := m.Stats()
	if stats.SessionsBuilt != 1 || stats.BuildFailures != 0 {
		t.Errorf("stats = %+v, want 1 session built and no failures", stats)
	}
	t.Logf("✅ session built after 2 rejected attempts")
}

func TestConfigureFailureReturnsToOpen(t *testing.T) {
	p := newPlatform(true)
	m := newManager(t, p, nil)
	ctx := context.Background()

	if err := m.Open(ctx); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	p.FailNextConfigures(2)

	err := m.Configure(ctx, []capture.Output{newCountingOutput("record")})
	if !errors.Is(err, media.ErrSessionConfigurationFailed) {
		t.Fatalf("Configure() error = %v, want ErrSessionConfigurationFailed", err)
	}
	if m.State() != capture.StateOpen {
		t.Errorf("State() = %s, want open", m.State())
	}
	if len(m.ActiveOutputs()) != 0 {
		t.Errorf("ActiveOutputs() = %d, want 0 after failed build", len(m.ActiveOutputs()))
	}

	// Next trigger retries and succeeds
	if err := m.Configure(ctx, []capture.Output{newCountingOutput("record")}); err != nil {
		t.Fatalf("second Configure() failed: %v", err)
	}
	if m.State() != capture.StateStreaming {
		t.Errorf("State() = %s, want streaming", m.State())
	}
}

func TestConfigureRequiresOpenDevice(t *testing.T) {
	m := newManager(t, newPlatform(false), nil)

	err := m.Configure(context.Background(), []capture.Output{newCountingOutput("record")})
	if !errors.Is(err, media.ErrDeviceUnavailable) {
		t.Fatalf("Configure() error = %v, want ErrDeviceUnavailable", err)
	}
}

// TestRebuildReplacesSession checks that at most one session streams per
// device and that outputs of a replaced session stop receiving frames.
func TestRebuildReplacesSession(t *testing.T) {
	p := newPlatform(false)
	m := newManager(t, p, nil)
	ctx := context.Background()

	if err := m.Open(ctx); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	first := newCountingOutput("first")
	if err := m.Configure(ctx, []capture.Output{first}); err != nil {
		t.Fatalf("Configure(first) failed: %v", err)
	}
	if !waitUntil(t, 2*time.Second, func() bool { return first.Offers() > 0 }) {
		t.Fatal("first output received no frames")
	}

	second := newCountingOutput("second")
	if err := m.Configure(ctx, []capture.Output{second}); err != nil {
		t.Fatalf("Configure(second) failed: %v", err)
	}
	stale := first.Offers()

	if !waitUntil(t, 2*time.Second, func() bool { return second.Offers() > 5 }) {
		t.Fatal("second output received no frames")
	}
	if got := first.Offers(); got != stale {
		t.Errorf("replaced output kept receiving frames: %d → %d", stale, got)
	}
	if p.MaxActiveSessions() != 1 {
		t.Errorf("MaxActiveSessions() = %d, want 1", p.MaxActiveSessions())
	}
	t.Logf("✅ %d sessions built, never more than one streaming", m.Stats().SessionsBuilt)
}

// TestConfigureSupersededDuringBuild changes the sink set while the first
// session is still being built. The first build is cancelled, its late
// session never streams, and only the second one delivers frames.
func TestConfigureSupersededDuringBuild(t *testing.T) {
	p := simulated.NewPlatform(simulated.Options{
		Size:           media.Size{Width: 32, Height: 18},
		FPS:            200,
		ConfigureDelay: 100 * time.Millisecond,
	})
	m := newManager(t, p, nil)
	ctx := context.Background()

	if err := m.Open(ctx); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	first, second := newCountingOutput("first"), newCountingOutput("second")
	firstErr := make(chan error, 1)
	go func() { firstErr <- m.Configure(ctx, []capture.Output{first}) }()

	if !waitUntil(t, 2*time.Second, func() bool { return m.State() == capture.StateSessionBuilding }) {
		t.Fatal("first build never started")
	}
	if err := m.Configure(ctx, []capture.Output{second}); err != nil {
		t.Fatalf("Configure(second) failed: %v", err)
	}

	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Configure(first) error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Configure(first) did not return")
	}

	if !waitUntil(t, 2*time.Second, func() bool { return second.Offers() > 5 }) {
		t.Fatal("second output received no frames")
	}
	// Let the late callback of the first build land.
	time.Sleep(150 * time.Millisecond)

	if got := first.Offers(); got != 0 {
		t.Errorf("superseded output received %d frames, want 0", got)
	}
	if m.State() != capture.StateStreaming {
		t.Errorf("State() = %s, want streaming", m.State())
	}
	if p.MaxActiveSessions() != 1 {
		t.Errorf("MaxActiveSessions() = %d, want 1", p.MaxActiveSessions())
	}
	if outs := m.ActiveOutputs(); len(outs) != 1 || outs[0].Output.SinkID() != "second" {
		t.Errorf("ActiveOutputs() = %+v, want only second", outs)
	}
	t.Logf("✅ superseded build dropped, second streams %d frames", second.Offers())
}

func TestSuspendStopsDelivery(t *testing.T) {
	p := newPlatform(false)
	m := newManager(t, p, nil)
	ctx := context.Background()

	if err := m.Open(ctx); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	out := newCountingOutput("record")
	if err := m.Configure(ctx, []capture.Output{out}); err != nil {
		t.Fatalf("Configure() failed: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return out.Offers() > 0 })

	m.Suspend()
	after := out.Offers()
	time.Sleep(30 * time.Millisecond)

	if out.Offers() != after {
		t.Errorf("output received frames after Suspend: %d → %d", after, out.Offers())
	}
	if m.State() != capture.StateOpen {
		t.Errorf("State() = %s, want open", m.State())
	}
	if p.ActiveSessions() != 0 {
		t.Errorf("ActiveSessions() = %d, want 0", p.ActiveSessions())
	}
}

func TestDisconnectClosesDevice(t *testing.T) {
	p := newPlatform(true)
	m := newManager(t, p, nil)
	ctx := context.Background()

	if err := m.Open(ctx); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := m.Configure(ctx, []capture.Output{newCountingOutput("record")}); err != nil {
		t.Fatalf("Configure() failed: %v", err)
	}
	lost := m.Lost()

	p.Disconnect()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("Lost() not closed after disconnect")
	}
	if m.State() != capture.StateClosed {
		t.Errorf("State() = %s, want closed", m.State())
	}
	if !errors.Is(m.Err(), media.ErrDeviceUnavailable) {
		t.Errorf("Err() = %v, want ErrDeviceUnavailable", m.Err())
	}
	if p.ActiveSessions() != 0 {
		t.Errorf("ActiveSessions() = %d, want 0", p.ActiveSessions())
	}
}

func TestOpenFailure(t *testing.T) {
	p := newPlatform(false)
	m := newManager(t, p, nil)
	p.FailNextOpens(1)

	err := m.Open(context.Background())
	if !errors.Is(err, media.ErrDeviceUnavailable) {
		t.Fatalf("Open() error = %v, want ErrDeviceUnavailable", err)
	}
	if m.State() != capture.StateClosed {
		t.Errorf("State() = %s, want closed", m.State())
	}
}

func TestOpenRetriesCapabilityQuery(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantErr   bool
		wantState capture.State
	}{
		{"transient failure", 1, false, capture.StateOpen},
		{"persistent failure", 2, true, capture.StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPlatform(true)
			m := newManager(t, p, nil)
			p.FailNextCapabilities(tt.failures)

			err := m.Open(context.Background())
			if tt.wantErr {
				if !errors.Is(err, media.ErrDeviceUnavailable) {
					t.Fatalf("Open() error = %v, want ErrDeviceUnavailable", err)
				}
			} else if err != nil {
				t.Fatalf("Open() failed: %v", err)
			}
			if m.State() != tt.wantState {
				t.Errorf("State() = %s, want %s", m.State(), tt.wantState)
			}
			if !tt.wantErr && !m.HDREnabled() {
				t.Error("HDREnabled() = false after retried query")
			}
		})
	}
}

func TestOpenTimeout(t *testing.T) {
	p := simulated.NewPlatform(simulated.Options{
		Size:      media.Size{Width: 32, Height: 18},
		OpenDelay: 200 * time.Millisecond,
	})
	m := newManager(t, p, func(c *capture.Config) { c.OpenTimeout = 20 * time.Millisecond })

	err := m.Open(context.Background())
	if !errors.Is(err, media.ErrDeviceUnavailable) {
		t.Fatalf("Open() error = %v, want ErrDeviceUnavailable", err)
	}
	if m.State() != capture.StateClosed {
		t.Errorf("State() = %s, want closed", m.State())
	}
}

func TestReopen(t *testing.T) {
	t.Run("recovers after transient failures", func(t *testing.T) {
		p := newPlatform(false)
		m := newManager(t, p, nil)
		ctx := context.Background()

		if err := m.Open(ctx); err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		p.Disconnect()
		<-m.Lost()

		p.FailNextOpens(2)
		if err := m.Reopen(ctx); err != nil {
			t.Fatalf("Reopen() failed: %v", err)
		}
		if m.State() != capture.StateOpen {
			t.Errorf("State() = %s, want open", m.State())
		}
		if p.Opens() != 2 {
			t.Errorf("Opens() = %d, want 2", p.Opens())
		}
	})

	t.Run("surfaces device unavailable when budget exhausted", func(t *testing.T) {
		p := newPlatform(false)
		m := newManager(t, p, nil)
		ctx := context.Background()

		if err := m.Open(ctx); err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		p.Disconnect()
		<-m.Lost()

		p.FailNextOpens(100)
		err := m.Reopen(ctx)
		if !errors.Is(err, media.ErrDeviceUnavailable) {
			t.Fatalf("Reopen() error = %v, want ErrDeviceUnavailable", err)
		}
		// MaxRetries = 2: initial attempt plus two retries
		if got := m.Stats().Reopens; got != 3 {
			t.Errorf("Reopens = %d, want 3", got)
		}
	})
}
