// Package observable provides a latest-wins value that many readers can
// watch for changes.
package observable

import (
	"context"
	"sync"
)

// Value holds the most recent value of T and a version that increases on
// every Store. Readers never see intermediate values they were too slow for;
// they only ever see the latest.
//
// Thread-safety: all methods are safe for concurrent use.
type Value[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
	changed chan struct{} // closed and replaced on every Store
}

// New creates a Value holding initial at version 0.
func New[T any](initial T) *Value[T] {
	return &Value[T]{
		value:   initial,
		changed: make(chan struct{}),
	}
}

// Load returns the current value.
func (v *Value[T]) Load() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Snapshot returns the current value, its version, and a channel that is
// closed by the next Store.
func (v *Value[T]) Snapshot() (T, uint64, <-chan struct{}) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value, v.version, v.changed
}

// Store replaces the value and wakes every watcher. Returns the new version.
func (v *Value[T]) Store(value T) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.value = value
	v.version++
	close(v.changed)
	v.changed = make(chan struct{})
	return v.version
}

// Update applies fn to the current value under the write lock and stores the
// result if fn reports a change.
func (v *Value[T]) Update(fn func(current T) (T, bool)) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	next, ok := fn(v.value)
	if !ok {
		return false
	}
	v.value = next
	v.version++
	close(v.changed)
	v.changed = make(chan struct{})
	return true
}

// Wait blocks until the version is greater than since, then returns the
// value and its version. Returns ctx.Err() if ctx is done first.
func (v *Value[T]) Wait(ctx context.Context, since uint64) (T, uint64, error) {
	for {
		value, version, changed := v.Snapshot()
		if version > since {
			return value, version, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			var zero T
			return zero, since, ctx.Err()
		}
	}
}

// WaitFor blocks until pred holds for the current value.
func (v *Value[T]) WaitFor(ctx context.Context, pred func(T) bool) (T, error) {
	for {
		value, _, changed := v.Snapshot()
		if pred(value) {
			return value, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}
