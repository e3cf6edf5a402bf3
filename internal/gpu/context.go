// Package gpu implements the single-threaded render context shared by the
// preview and record render loops.
//
// Every GPU operation runs on one worker goroutine locked to its OS thread.
// Code only ever obtains a *Current inside Context.Do, so functions that take
// a *Current cannot be called from any other goroutine.
package gpu

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/hdr-capture/internal/media"
)

type job struct {
	fn     func(*Current) error
	result chan error
}

// Context owns the render worker.
//
// Lifecycle: NewContext() → Acquire() → Do()... → Teardown()
type Context struct {
	name string

	mu       sync.Mutex
	acquired bool

	jobs chan job
	quit chan struct{}
	done chan struct{}

	teardownOnce sync.Once

	// Live resource counters (read from any goroutine)
	liveTextures atomic.Int64
	liveTargets  atomic.Int64
	liveBindings atomic.Int64
	jobsRun      atomic.Uint64
}

// ContextStats reports live GPU resources.
type ContextStats struct {
	LiveTextures int64  `json:"live_textures"`
	LiveTargets  int64  `json:"live_targets"`
	LiveBindings int64  `json:"live_bindings"`
	JobsRun      uint64 `json:"jobs_run"`
}

// NewContext creates a render context. The worker does not exist until Acquire.
func NewContext(name string) *Context {
	return &Context{
		name: name,
		jobs: make(chan job),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Acquire starts the worker and makes the context current on it.
//
// Idempotent while the context is live. Returns media.ErrClosed after Teardown.
func (c *Context) Acquire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return fmt.Errorf("gpu: acquire %s: %w", c.name, media.ErrClosed)
	default:
	}

	if c.acquired {
		return nil
	}

	ready := make(chan struct{})
	go c.run(ready)

	select {
	case <-ready:
	case <-ctx.Done():
		// Worker keeps starting; Teardown still stops it.
		c.acquired = true
		return ctx.Err()
	}

	c.acquired = true
	slog.Info("gpu: context acquired", "context", c.name)
	return nil
}

func (c *Context) run(ready chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)

	cur := newCurrent(c)
	close(ready)

	for {
		select {
		case j := <-c.jobs:
			j.result <- j.fn(cur)
			c.jobsRun.Add(1)
		case <-c.quit:
			cur.releaseAll()
			return
		}
	}
}

// Do runs fn on the worker and returns its error.
//
// Do returns ctx.Err() if ctx is done before the worker accepts fn. Once
// accepted, fn runs to completion and Do waits for it, so GPU work is never
// abandoned halfway. Use context.WithoutCancel for teardown work that must
// run even when the caller is being cancelled.
func (c *Context) Do(ctx context.Context, fn func(cur *Current) error) error {
	c.mu.Lock()
	acquired := c.acquired
	c.mu.Unlock()
	if !acquired {
		return fmt.Errorf("gpu: %s: %w", c.name, media.ErrNotPrepared)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	j := job{fn: fn, result: make(chan error, 1)}
	select {
	case c.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("gpu: %s: %w", c.name, media.ErrClosed)
	}

	return <-j.result
}

// Teardown releases every live texture and render target and stops the
// worker. It ignores cancellation, waits for in-flight work and runs at most
// once. Safe to call on a context that was never acquired.
func (c *Context) Teardown() {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		acquired := c.acquired
		c.acquired = true // Do now fails with ErrClosed instead of ErrNotPrepared
		c.mu.Unlock()

		if !acquired {
			close(c.done)
			return
		}

		close(c.quit)

		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			slog.Warn("gpu: teardown timeout exceeded, worker still busy", "context", c.name)
			<-c.done
		}

		slog.Info("gpu: context torn down",
			"context", c.name,
			"jobs_run", c.jobsRun.Load(),
			"live_textures", c.liveTextures.Load(),
			"live_targets", c.liveTargets.Load(),
		)
	})
}

// Stats returns live resource counts.
func (c *Context) Stats() ContextStats {
	return ContextStats{
		LiveTextures: c.liveTextures.Load(),
		LiveTargets:  c.liveTargets.Load(),
		LiveBindings: c.liveBindings.Load(),
		JobsRun:      c.jobsRun.Load(),
	}
}

// LiveBindings returns the number of bindings that have not been released.
func (c *Context) LiveBindings() int {
	return int(c.liveBindings.Load())
}
