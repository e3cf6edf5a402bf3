package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/hdr-capture/internal/media"
	"github.com/e7canasta/hdr-capture/internal/observable"
)

// State is the capture session state.
//
//	Closed → Opening → Open → SessionBuilding → Streaming
//	any state → Closed on disconnect or error
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateSessionBuilding
	StateStreaming
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateSessionBuilding:
		return "session_building"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Config configures a Manager.
type Config struct {
	DeviceID        string
	FPS             int
	OpenTimeout     time.Duration
	BuildTimeout    time.Duration
	BuildAttempts   int
	BuildRetryDelay time.Duration
	Reconnect       ReconnectConfig
}

// Manager owns the device handle and the capture session.
//
// Thread-safety: all methods are safe for concurrent use. Open and Reopen are
// serialized; Configure calls supersede each other (cancel-and-rebuild).
type Manager struct {
	cfg      Config
	platform Platform

	state *observable.Value[State]

	openMu sync.Mutex

	mu          sync.Mutex
	device      Device
	attempt     *openAttempt
	caps        media.Capabilities
	hdrEnabled  bool
	session     Session
	outputs     []OutputConfiguration
	lost        chan struct{}
	buildGen    uint64
	buildCancel context.CancelFunc
	lastErr     error

	reconnect ReconnectState

	opens         atomic.Uint64
	disconnects   atomic.Uint64
	sessionsBuilt atomic.Uint64
	buildFailures atomic.Uint64
}

// ManagerStats reports state machine activity.
type ManagerStats struct {
	State         string `json:"state"`
	DeviceID      string `json:"device_id"`
	HDREnabled    bool   `json:"hdr_enabled"`
	Opens         uint64 `json:"opens"`
	Disconnects   uint64 `json:"disconnects"`
	Reopens       uint32 `json:"reopens"`
	SessionsBuilt uint64 `json:"sessions_built"`
	BuildFailures uint64 `json:"build_failures"`
	Outputs       int    `json:"outputs"`
}

type openAttempt struct {
	result    *future[openResult]
	lostEarly bool // guarded by Manager.mu
}

type openResult struct {
	dev Device
	err error
}

type buildResult struct {
	session Session
	err     error
}

// NewManager creates a manager with fail-fast validation.
func NewManager(platform Platform, cfg Config) (*Manager, error) {
	if platform == nil {
		return nil, fmt.Errorf("capture: platform is required")
	}
	if cfg.FPS <= 0 || cfg.FPS > 240 {
		return nil, fmt.Errorf("capture: invalid FPS %d (must be 1-240)", cfg.FPS)
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 5 * time.Second
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 5 * time.Second
	}
	if cfg.BuildAttempts <= 0 {
		cfg.BuildAttempts = 3
	}
	if cfg.BuildRetryDelay <= 0 {
		cfg.BuildRetryDelay = 100 * time.Millisecond
	}
	if cfg.Reconnect.MaxRetryDelay <= 0 {
		cfg.Reconnect = DefaultReconnectConfig()
	}

	slog.Info("capture: manager created",
		"platform", platform.Name(),
		"device", cfg.DeviceID,
		"fps", cfg.FPS,
	)

	return &Manager{
		cfg:      cfg,
		platform: platform,
		state:    observable.New(StateClosed),
	}, nil
}

// Open opens the device and caches its HDR capability. No-op unless Closed.
func (m *Manager) Open(ctx context.Context) error {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	if m.state.Load() != StateClosed {
		return nil
	}
	m.state.Store(StateOpening)

	dev, att, err := m.awaitOpen(ctx)
	if err != nil {
		m.setClosed(err)
		return err
	}

	caps, err := m.queryCapabilities(ctx, dev.ID())
	if err != nil {
		_ = dev.Close()
		err = fmt.Errorf("capture: query capabilities: %w: %v", media.ErrDeviceUnavailable, err)
		m.setClosed(err)
		return err
	}

	m.mu.Lock()
	if att.lostEarly {
		m.mu.Unlock()
		_ = dev.Close()
		err = fmt.Errorf("capture: device lost while opening: %w", media.ErrDeviceUnavailable)
		m.setClosed(err)
		return err
	}
	m.device = dev
	m.attempt = att
	m.caps = caps
	m.hdrEnabled = caps.TenBitHDR
	m.lost = make(chan struct{})
	m.lastErr = nil
	m.state.Store(StateOpen)
	m.mu.Unlock()

	m.opens.Add(1)
	slog.Info("capture: device opened",
		"device", dev.ID(),
		"hdr_enabled", caps.TenBitHDR,
		"formats", caps.Formats,
	)
	return nil
}

// queryCapabilities asks once more after a short pause before the failure
// closes the device.
func (m *Manager) queryCapabilities(ctx context.Context, id string) (media.Capabilities, error) {
	caps, err := m.platform.Capabilities(id)
	if err == nil {
		return caps, nil
	}
	slog.Warn("capture: capability query failed, retrying", "device", id, "error", err)

	select {
	case <-time.After(m.cfg.BuildRetryDelay):
	case <-ctx.Done():
		return media.Capabilities{}, ctx.Err()
	}
	return m.platform.Capabilities(id)
}

func (m *Manager) awaitOpen(ctx context.Context) (Device, *openAttempt, error) {
	att := &openAttempt{result: newFuture[openResult]()}

	cb := DeviceStateCallback{
		OnOpened: func(d Device) {
			if !att.result.resolve(openResult{dev: d}) {
				_ = d.Close() // opened after we gave up
			}
		},
		OnDisconnected: func(d Device) {
			err := fmt.Errorf("capture: device disconnected: %w", media.ErrDeviceUnavailable)
			if att.result.resolve(openResult{err: err}) {
				if d != nil {
					_ = d.Close()
				}
				return
			}
			m.onDeviceLost(att, d, errors.New("disconnected"))
		},
		OnError: func(d Device, cause error) {
			err := fmt.Errorf("capture: open device: %w: %v", media.ErrDeviceUnavailable, cause)
			if att.result.resolve(openResult{err: err}) {
				if d != nil {
					_ = d.Close()
				}
				return
			}
			m.onDeviceLost(att, d, cause)
		},
	}

	if err := m.platform.OpenDevice(m.cfg.DeviceID, cb); err != nil {
		return nil, att, fmt.Errorf("capture: open device: %w: %v", media.ErrDeviceUnavailable, err)
	}

	timer := time.NewTimer(m.cfg.OpenTimeout)
	defer timer.Stop()

	var cause error
	select {
	case r := <-att.result.done():
		return r.dev, att, r.err
	case <-ctx.Done():
		cause = ctx.Err()
	case <-timer.C:
		cause = fmt.Errorf("capture: open timeout after %v: %w", m.cfg.OpenTimeout, media.ErrDeviceUnavailable)
	}

	if !att.result.resolve(openResult{err: cause}) {
		// Lost the race: a real result is waiting
		if r := <-att.result.done(); r.dev != nil {
			_ = r.dev.Close()
		}
	}
	return nil, att, cause
}

func (m *Manager) onDeviceLost(att *openAttempt, d Device, cause error) {
	m.mu.Lock()
	if m.device == nil || m.device != d {
		att.lostEarly = true
		m.mu.Unlock()
		return
	}

	sess := m.session
	m.session = nil
	m.outputs = nil
	if m.buildCancel != nil {
		m.buildCancel()
		m.buildCancel = nil
	}
	m.buildGen++
	m.device = nil
	close(m.lost)
	m.lastErr = fmt.Errorf("capture: device lost: %w: %v", media.ErrDeviceUnavailable, cause)
	m.state.Store(StateClosed)
	m.mu.Unlock()

	m.disconnects.Add(1)
	slog.Warn("capture: device lost", "device", d.ID(), "cause", cause)

	if sess != nil {
		_ = sess.StopRepeating()
		_ = sess.Close()
	}
	_ = d.Close()
}

func (m *Manager) setClosed(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.state.Store(StateClosed)
	m.mu.Unlock()
}

// Reopen opens the device with bounded exponential backoff. Returns an error
// wrapping media.ErrDeviceUnavailable when the retry budget is exhausted.
func (m *Manager) Reopen(ctx context.Context) error {
	err := RunWithReconnect(ctx, m.Open, m.cfg.Reconnect, &m.reconnect)
	if err != nil && ctx.Err() == nil && !errors.Is(err, media.ErrDeviceUnavailable) {
		err = fmt.Errorf("%w: %v", media.ErrDeviceUnavailable, err)
	}
	return err
}

// Configure builds a session delivering to outputs, replacing the current
// one. Every output is tagged HLG10 when the device is 10-bit capable, SDR
// otherwise. A Configure in progress is cancelled by a newer one.
//
// On failure the manager returns to Open and the change is not applied.
func (m *Manager) Configure(ctx context.Context, outputs []Output) error {
	if len(outputs) == 0 {
		return fmt.Errorf("capture: configure: no outputs: %w", media.ErrSessionConfigurationFailed)
	}

	m.mu.Lock()
	if m.device == nil {
		m.mu.Unlock()
		return fmt.Errorf("capture: configure: %w", media.ErrDeviceUnavailable)
	}
	if m.buildCancel != nil {
		m.buildCancel()
	}
	m.buildGen++
	gen := m.buildGen
	prev := m.session
	m.session = nil
	m.outputs = nil
	dev := m.device

	rng := media.RangeFor(m.hdrEnabled)
	cfgs := make([]OutputConfiguration, len(outputs))
	for i, out := range outputs {
		cfgs[i] = OutputConfiguration{Output: out, DynamicRange: rng}
	}

	bctx, cancel := context.WithCancel(ctx)
	m.buildCancel = cancel
	m.state.Store(StateSessionBuilding)
	m.mu.Unlock()
	defer cancel()

	if prev != nil {
		_ = prev.StopRepeating()
		_ = prev.Close()
	}

	sess, err := m.buildWithRetry(bctx, dev, SessionConfig{Outputs: cfgs})

	if err == nil {
		req := Request{
			Template: TemplateRecord,
			Targets:  outputs,
			FPS:      FPSRange{Min: m.cfg.FPS, Max: m.cfg.FPS},
		}
		if rerr := sess.SetRepeatingRequest(req); rerr != nil {
			_ = sess.Close()
			sess, err = nil, fmt.Errorf("set repeating request: %w", rerr)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.buildGen || m.device != dev {
		if sess != nil {
			_ = sess.StopRepeating()
			_ = sess.Close()
		}
		if m.device != dev {
			return fmt.Errorf("capture: configure: device lost during build: %w", media.ErrDeviceUnavailable)
		}
		return fmt.Errorf("capture: configure superseded: %w", context.Canceled)
	}
	m.buildCancel = nil

	if err != nil && ctx.Err() != nil {
		m.state.Store(StateOpen)
		return fmt.Errorf("capture: configure cancelled: %w", ctx.Err())
	}
	if err != nil {
		m.buildFailures.Add(1)
		m.lastErr = fmt.Errorf("capture: %w: %v", media.ErrSessionConfigurationFailed, err)
		m.state.Store(StateOpen)
		slog.Error("capture: session configuration failed",
			"device", dev.ID(),
			"outputs", len(outputs),
			"error", err,
		)
		return m.lastErr
	}

	m.session = sess
	m.outputs = cfgs
	m.lastErr = nil
	m.state.Store(StateStreaming)
	m.sessionsBuilt.Add(1)

	slog.Info("capture: session streaming",
		"device", dev.ID(),
		"session", sess.ID(),
		"outputs", len(outputs),
		"range", rng.String(),
		"fps", m.cfg.FPS,
	)
	return nil
}

func (m *Manager) buildWithRetry(ctx context.Context, dev Device, cfg SessionConfig) (Session, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.BuildAttempts; attempt++ {
		sess, err := m.build(ctx, dev, cfg)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == m.cfg.BuildAttempts {
			break
		}

		delay := calculateBackoff(attempt, ReconnectConfig{
			RetryDelay:    m.cfg.BuildRetryDelay,
			MaxRetryDelay: m.cfg.BuildTimeout,
		})
		slog.Warn("capture: retrying session build",
			"attempt", attempt,
			"max_attempts", m.cfg.BuildAttempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (m *Manager) build(ctx context.Context, dev Device, cfg SessionConfig) (Session, error) {
	result := newFuture[buildResult]()

	cb := SessionStateCallback{
		OnConfigured: func(s Session) {
			if !result.resolve(buildResult{session: s}) {
				_ = s.Close() // configured after we gave up
			}
		},
		OnConfigureFailed: func(err error) {
			result.resolve(buildResult{err: err})
		},
	}

	if err := dev.CreateCaptureSession(cfg, cb); err != nil {
		return nil, err
	}

	timer := time.NewTimer(m.cfg.BuildTimeout)
	defer timer.Stop()

	var cause error
	select {
	case r := <-result.done():
		return r.session, r.err
	case <-ctx.Done():
		cause = ctx.Err()
	case <-timer.C:
		cause = fmt.Errorf("session build timeout after %v", m.cfg.BuildTimeout)
	}

	if !result.resolve(buildResult{err: cause}) {
		if r := <-result.done(); r.session != nil {
			_ = r.session.Close()
		}
	}
	return nil, cause
}

// Suspend stops the current session (or cancels a build in progress) and
// returns to Open. After Suspend returns no output of the previous session
// receives further frames.
func (m *Manager) Suspend() {
	m.mu.Lock()
	if m.buildCancel != nil {
		m.buildCancel()
		m.buildCancel = nil
	}
	m.buildGen++
	sess := m.session
	m.session = nil
	m.outputs = nil
	if m.device != nil {
		m.state.Store(StateOpen)
	}
	m.mu.Unlock()

	if sess != nil {
		_ = sess.StopRepeating()
		_ = sess.Close()
		slog.Debug("capture: session suspended", "session", sess.ID())
	}
}

// Close suspends the session and closes the device. Idempotent.
func (m *Manager) Close() error {
	m.Suspend()

	m.mu.Lock()
	dev := m.device
	m.device = nil
	m.state.Store(StateClosed)
	m.mu.Unlock()

	if dev == nil {
		return nil
	}
	slog.Info("capture: device closed", "device", dev.ID())
	return dev.Close()
}

// AwaitOpen blocks until the device is open (or streaming).
func (m *Manager) AwaitOpen(ctx context.Context) error {
	_, err := m.state.WaitFor(ctx, func(s State) bool { return s >= StateOpen })
	return err
}

// State returns the current state.
func (m *Manager) State() State { return m.state.Load() }

// States exposes the state for watching.
func (m *Manager) States() *observable.Value[State] { return m.state }

// HDREnabled reports the capability cached when the device was opened.
func (m *Manager) HDREnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hdrEnabled
}

// Capabilities returns the capabilities cached at open.
func (m *Manager) Capabilities() media.Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps
}

// ActiveOutputs returns the output configurations of the streaming session.
func (m *Manager) ActiveOutputs() []OutputConfiguration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutputConfiguration(nil), m.outputs...)
}

// Lost returns a channel closed when the currently open device disconnects.
// If no device is open the channel is already closed.
func (m *Manager) Lost() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.lost
}

// Err returns the last error recorded by the state machine.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Stats returns counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	outputs := len(m.outputs)
	hdr := m.hdrEnabled
	m.mu.Unlock()

	return ManagerStats{
		State:         m.state.Load().String(),
		DeviceID:      m.cfg.DeviceID,
		HDREnabled:    hdr,
		Opens:         m.opens.Load(),
		Disconnects:   m.disconnects.Load(),
		Reopens:       m.reconnect.Reconnects.Load(),
		SessionsBuilt: m.sessionsBuilt.Load(),
		BuildFailures: m.buildFailures.Load(),
		Outputs:       outputs,
	}
}
