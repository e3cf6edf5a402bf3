package capture

import "sync/atomic"

// future is a one-shot result slot bridging a platform callback to a waiting
// goroutine. The first resolve wins; later ones report false so the caller
// can dispose of whatever it was going to deliver.
type future[T any] struct {
	resolved atomic.Bool
	ch       chan T
}

func newFuture[T any]() *future[T] {
	return &future[T]{ch: make(chan T, 1)}
}

func (f *future[T]) resolve(v T) bool {
	if !f.resolved.CompareAndSwap(false, true) {
		return false
	}
	f.ch <- v
	return true
}

func (f *future[T]) done() <-chan T { return f.ch }
