package capture

import (
	"sync"
	"sync/atomic"

	"github.com/e7canasta/hdr-capture/internal/media"
)

// Fanout distributes device frames to the targets of the active repeating
// request. Backends publish every frame they produce; only the current
// targets receive it.
//
// Thread-safety: Publish may run concurrently with SetTargets/Clear. After
// Clear returns no further Offer reaches the previous targets.
type Fanout struct {
	mu      sync.RWMutex
	targets []Output
	closed  bool

	published atomic.Uint64
	delivered atomic.Uint64
	idle      atomic.Uint64 // frames published with no targets
}

// FanoutStats reports distribution counters.
type FanoutStats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Idle      uint64 `json:"idle"`
	Targets   int    `json:"targets"`
}

// NewFanout creates an empty fan-out.
func NewFanout() *Fanout {
	return &Fanout{}
}

// SetTargets replaces the target set.
func (f *Fanout) SetTargets(targets []Output) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.targets = append([]Output(nil), targets...)
}

// Clear removes every target.
func (f *Fanout) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = nil
}

// Close clears targets and makes Publish a no-op. Idempotent.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = nil
	f.closed = true
}

// Publish offers frame to every target. Never blocks; targets are
// latest-wins slots.
func (f *Fanout) Publish(frame *media.Frame) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return
	}

	f.published.Add(1)
	if len(f.targets) == 0 {
		f.idle.Add(1)
		return
	}

	for _, t := range f.targets {
		t.Offer(frame)
		f.delivered.Add(1)
	}
}

// Stats returns counters.
func (f *Fanout) Stats() FanoutStats {
	f.mu.RLock()
	n := len(f.targets)
	f.mu.RUnlock()
	return FanoutStats{
		Published: f.published.Load(),
		Delivered: f.delivered.Load(),
		Idle:      f.idle.Load(),
		Targets:   n,
	}
}
