// Package recording owns the one-shot encoder sessions and the is-recording
// state.
//
// Lifecycle:
//
//	Prepare → Start → Stop → (handoff) → Prepare → ...
//
// Each Prepare creates a brand-new encoder with a fresh output path; an
// encoder is never restarted.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/hdr-capture/internal/media"
	"github.com/e7canasta/hdr-capture/internal/observable"
)

// Handoff moves a finished file into user-visible storage and returns its
// final location.
type Handoff interface {
	Deliver(ctx context.Context, path string) (string, error)
}

// HandoffFunc adapts a function to Handoff.
type HandoffFunc func(ctx context.Context, path string) (string, error)

// Deliver calls f.
func (f HandoffFunc) Deliver(ctx context.Context, path string) (string, error) {
	return f(ctx, path)
}

// Hooks connect the controller to the pipeline that renders into the record
// sink.
type Hooks struct {
	// Teardown cancels and joins every render and capture activity tied to
	// the record sink. Runs before the encoder is stopped.
	Teardown func(ctx context.Context) error
	// Reprepare builds the next session. Defaults to Prepare with the range
	// of the session that just ended.
	Reprepare func(ctx context.Context) error
}

// Config configures a Controller.
type Config struct {
	TempDir string
	// StopTimeout bounds encoder finalization when the caller's context has
	// no deadline.
	StopTimeout time.Duration
	Video       VideoSettings
	Audio       AudioSettings
}

// Session is one disposable encoder bound to one output path.
type Session struct {
	ID           string
	Path         string
	Encoder      Encoder
	DynamicRange media.DynamicRange
	CreatedAt    time.Time
	StartedAt    time.Time
}

// Result describes a finished recording.
type Result struct {
	SessionID string        `json:"session_id"`
	TempPath  string        `json:"temp_path"`
	Path      string        `json:"path"`
	Duration  time.Duration `json:"duration"`
}

// Stats reports controller activity.
type Stats struct {
	Recording     bool   `json:"recording"`
	SessionID     string `json:"session_id,omitempty"`
	Path          string `json:"path,omitempty"`
	Range         string `json:"range,omitempty"`
	Prepared      uint64 `json:"prepared"`
	Started       uint64 `json:"started"`
	Completed     uint64 `json:"completed"`
	Failures      uint64 `json:"failures"`
	LastDelivered string `json:"last_delivered,omitempty"`
}

// Controller prepares, starts and stops recording sessions.
//
// Thread-safety: all methods are safe for concurrent use. Stop calls are
// serialized.
type Controller struct {
	cfg     Config
	factory EncoderFactory
	handoff Handoff

	recording *observable.Value[bool]

	stopMu sync.Mutex

	mu            sync.Mutex
	hooks         Hooks
	current       *Session
	closed        bool
	lastDelivered string

	prepared  atomic.Uint64
	started   atomic.Uint64
	completed atomic.Uint64
	failures  atomic.Uint64
}

// NewController creates a controller with fail-fast validation.
func NewController(cfg Config, factory EncoderFactory, handoff Handoff) (*Controller, error) {
	if factory == nil {
		return nil, fmt.Errorf("recording: encoder factory is required")
	}
	if handoff == nil {
		return nil, fmt.Errorf("recording: handoff is required")
	}
	if !cfg.Video.Size.Valid() {
		return nil, fmt.Errorf("recording: invalid video size %s", cfg.Video.Size)
	}
	if cfg.Video.FPS <= 0 {
		return nil, fmt.Errorf("recording: invalid FPS %d", cfg.Video.FPS)
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("recording: create temp dir: %w", err)
	}

	return &Controller{
		cfg:       cfg,
		factory:   factory,
		handoff:   handoff,
		recording: observable.New(false),
	}, nil
}

// SetHooks installs the pipeline hooks. Must be called before Stop.
func (c *Controller) SetHooks(h Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = h
}

// Prepare creates a new session with a fresh output path. A prepared but
// unstarted session is discarded and its temp file removed.
func (c *Controller) Prepare(ctx context.Context, rng media.DynamicRange) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("recording: prepare: %w", media.ErrClosed)
	}
	if c.recording.Load() {
		return nil, fmt.Errorf("recording: prepare: %w", media.ErrAlreadyRecording)
	}
	if prev := c.current; prev != nil {
		c.current = nil
		discard(prev)
	}

	id := uuid.NewString()
	now := time.Now()
	path := filepath.Join(c.cfg.TempDir, fmt.Sprintf("%d-%s.mp4", now.UnixMilli(), id))

	enc, err := c.factory(EncoderSettings{
		ID:           id,
		Path:         path,
		Video:        c.cfg.Video,
		Audio:        c.cfg.Audio,
		DynamicRange: rng,
	})
	if err != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("recording: prepare encoder: %w: %v", media.ErrEncoderFailure, err)
	}

	sess := &Session{
		ID:           id,
		Path:         path,
		Encoder:      enc,
		DynamicRange: rng,
		CreatedAt:    now,
	}
	c.current = sess
	c.prepared.Add(1)

	slog.Info("recording: session prepared",
		"session", id,
		"path", path,
		"range", rng.String(),
		"size", c.cfg.Video.Size.String(),
	)
	return sess, nil
}

// Current returns the prepared session, or nil.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Start begins encoding the prepared session.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return fmt.Errorf("recording: start: %w", media.ErrNotPrepared)
	}
	if c.recording.Load() {
		return fmt.Errorf("recording: start: %w", media.ErrAlreadyRecording)
	}
	if err := c.current.Encoder.Start(); err != nil {
		c.failures.Add(1)
		return fmt.Errorf("recording: start: %w: %v", media.ErrEncoderFailure, err)
	}

	c.current.StartedAt = time.Now()
	c.recording.Store(true)
	c.started.Add(1)

	slog.Info("recording: started", "session", c.current.ID, "path", c.current.Path)
	return nil
}

// Stop ends the active recording, hands the file to storage and prepares the
// next session. The returned result is valid whenever the file was delivered,
// even if preparing the next session failed.
func (c *Controller) Stop(ctx context.Context) (Result, error) {
	return c.stop(ctx, true)
}

func (c *Controller) stop(ctx context.Context, reprepare bool) (Result, error) {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	c.mu.Lock()
	if !c.recording.Load() || c.current == nil {
		c.mu.Unlock()
		return Result{}, fmt.Errorf("recording: stop: %w", media.ErrNotRecording)
	}
	sess := c.current
	hooks := c.hooks
	c.mu.Unlock()

	// Teardown and the next prepare run to completion even if the caller
	// gives up. The encoder only gets until the deadline.
	shielded := context.WithoutCancel(ctx)

	if hooks.Teardown != nil {
		if err := hooks.Teardown(shielded); err != nil {
			slog.Warn("recording: teardown hook failed", "session", sess.ID, "error", err)
		}
	}

	stopCtx, cancel := c.stopContext(ctx)
	stopErr := sess.Encoder.Stop(stopCtx)
	cancel()
	_ = sess.Encoder.Release()

	c.mu.Lock()
	if c.current == sess {
		c.current = nil
	}
	c.recording.Store(false)
	c.mu.Unlock()

	res := Result{
		SessionID: sess.ID,
		TempPath:  sess.Path,
		Duration:  time.Since(sess.StartedAt),
	}

	var err error
	if stopErr != nil {
		c.failures.Add(1)
		removeFile(sess.Path)
		err = fmt.Errorf("recording: stop %s: %w: %v", sess.ID, media.ErrEncoderFailure, stopErr)
		slog.Error("recording: encoder stop failed", "session", sess.ID, "error", stopErr)
	} else {
		dest, derr := c.handoff.Deliver(ctx, sess.Path)
		if derr != nil {
			c.failures.Add(1)
			err = fmt.Errorf("recording: handoff %s: %w", sess.Path, derr)
			slog.Error("recording: handoff failed, keeping temp file",
				"session", sess.ID,
				"path", sess.Path,
				"error", derr,
			)
		} else {
			removeFile(sess.Path)
			res.Path = dest
			c.completed.Add(1)

			c.mu.Lock()
			c.lastDelivered = dest
			c.mu.Unlock()

			slog.Info("recording: completed",
				"session", sess.ID,
				"path", dest,
				"duration", res.Duration,
			)
		}
	}

	if !reprepare {
		return res, err
	}

	var prepErr error
	if hooks.Reprepare != nil {
		prepErr = hooks.Reprepare(shielded)
	} else {
		_, prepErr = c.Prepare(shielded, sess.DynamicRange)
	}
	if errors.Is(prepErr, media.ErrClosed) {
		slog.Debug("recording: shutting down, no next session", "session", sess.ID)
		prepErr = nil
	}
	if prepErr != nil {
		slog.Error("recording: prepare after stop failed", "error", prepErr)
		err = errors.Join(err, fmt.Errorf("recording: prepare next session: %w", prepErr))
	}
	return res, err
}

// stopContext keeps the caller's deadline, or applies StopTimeout when there
// is none, but ignores cancellation.
func (c *Controller) stopContext(ctx context.Context) (context.Context, context.CancelFunc) {
	shielded := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(shielded, deadline)
	}
	return context.WithTimeout(shielded, c.cfg.StopTimeout)
}

// IsRecording reports whether a session is being encoded.
func (c *Controller) IsRecording() bool { return c.recording.Load() }

// Recording exposes the is-recording flag for watching.
func (c *Controller) Recording() *observable.Value[bool] { return c.recording }

// Close finishes an active recording (delivering the file) and discards a
// prepared session. Idempotent.
func (c *Controller) Close(ctx context.Context) error {
	var err error
	if c.IsRecording() {
		_, err = c.stop(ctx, false)
		if errors.Is(err, media.ErrNotRecording) {
			// A concurrent Stop finished first
			err = nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if prev := c.current; prev != nil {
		c.current = nil
		discard(prev)
	}
	return err
}

// Stats returns counters and the current session.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Recording:     c.recording.Load(),
		Prepared:      c.prepared.Load(),
		Started:       c.started.Load(),
		Completed:     c.completed.Load(),
		Failures:      c.failures.Load(),
		LastDelivered: c.lastDelivered,
	}
	if c.current != nil {
		s.SessionID = c.current.ID
		s.Path = c.current.Path
		s.Range = c.current.DynamicRange.String()
	}
	return s
}

func discard(s *Session) {
	_ = s.Encoder.Release()
	removeFile(s.Path)
	slog.Debug("recording: prepared session discarded", "session", s.ID)
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("recording: remove temp file", "path", path, "error", err)
	}
}
