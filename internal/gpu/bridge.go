package gpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/e7canasta/hdr-capture/internal/media"
)

// Bridge is the single texture slot between a capture device and one sink.
//
// Mailbox semantics:
//   - Single-slot buffer (frame *media.Frame)
//   - Overwrite policy (newest frame replaces an unconsumed one)
//   - Non-blocking Offer from device goroutines
//   - Conflated Ready notification for the render loop
//
// Thread-safety: all fields protected by mu. Offer may be called from any
// goroutine; Latch only on the render worker.
type Bridge struct {
	sinkID string

	mu         sync.Mutex
	frame      *media.Frame
	size       media.Size
	configured bool
	released   bool

	ready chan struct{} // capacity 1

	offered          uint64
	latched          uint64
	consecutiveDrops uint64
	totalDrops       uint64
	lastLatchedSeq   uint64
	lastLatchedAt    time.Time
}

// BridgeStats reports slot activity.
type BridgeStats struct {
	SinkID           string `json:"sink_id"`
	Offered          uint64 `json:"offered"`
	Latched          uint64 `json:"latched"`
	TotalDrops       uint64 `json:"total_drops"`
	ConsecutiveDrops uint64 `json:"consecutive_drops"`
	LastLatchedSeq   uint64 `json:"last_latched_seq"`
}

// NewBridge creates an unconfigured bridge for the sink with the given ID.
func NewBridge(sinkID string) *Bridge {
	return &Bridge{
		sinkID: sinkID,
		ready:  make(chan struct{}, 1),
	}
}

// Configure sets the texture dimensions frames are bound at. Must be called
// before the bridge is used as a capture output.
func (b *Bridge) Configure(size media.Size) error {
	if !size.Valid() {
		return fmt.Errorf("gpu: bridge %s: invalid size %s", b.sinkID, size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.size = size
	b.configured = true
	return nil
}

// SinkID identifies the sink this bridge feeds.
func (b *Bridge) SinkID() string { return b.sinkID }

// Size returns the configured texture size.
func (b *Bridge) Size() media.Size {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Offer hands a frame to the slot. Never blocks.
//
// After Release, or before Configure, frames are dropped.
func (b *Bridge) Offer(frame *media.Frame) {
	if frame == nil {
		return
	}

	b.mu.Lock()
	if b.released || !b.configured {
		b.totalDrops++
		b.mu.Unlock()
		return
	}

	b.offered++
	if b.frame != nil {
		b.consecutiveDrops++
		b.totalDrops++
	}
	b.frame = frame
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
		// Notification already pending
	}
}

// Ready signals that at least one frame has been offered since the last
// notification was consumed.
func (b *Bridge) Ready() <-chan struct{} { return b.ready }

func (b *Bridge) take() *media.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	frame := b.frame
	if frame == nil {
		return nil
	}
	b.frame = nil
	b.latched++
	b.consecutiveDrops = 0
	b.lastLatchedSeq = frame.Seq
	b.lastLatchedAt = time.Now()
	return frame
}

// Release stops the bridge from accepting frames. Idempotent.
func (b *Bridge) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
	b.frame = nil
}

// Released reports whether Release was called.
func (b *Bridge) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Stats returns slot counters.
func (b *Bridge) Stats() BridgeStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BridgeStats{
		SinkID:           b.sinkID,
		Offered:          b.offered,
		Latched:          b.latched,
		TotalDrops:       b.totalDrops,
		ConsecutiveDrops: b.consecutiveDrops,
		LastLatchedSeq:   b.lastLatchedSeq,
	}
}

// Latch uploads the pending frame into tex.
//
// Returns media.ErrNoFrameReady when nothing was offered since the last latch.
func (cur *Current) Latch(b *Bridge, tex *Texture) error {
	frame := b.take()
	if frame == nil || frame.Image == nil {
		return media.ErrNoFrameReady
	}
	return cur.Upload(tex, frame.Image)
}
