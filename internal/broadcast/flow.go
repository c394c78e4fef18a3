// Package broadcast fans values out to any number of subscribers.
//
// Flow is a hot stream with a single replay slot and bounded per-subscriber
// buffering. TryEmit never blocks: if any subscriber has no room left the
// value is dropped for everyone and TryEmit returns false.
//
// State holds one current value. Subscribers always see the latest value and
// may miss intermediate ones.
package broadcast

import (
	"context"
	"sync"

	"github.com/srg/blecount/internal/groutine"
)

const (
	// DefaultReplay is the number of past values handed to a new subscriber.
	DefaultReplay = 1

	// DefaultExtraCapacity is the per-subscriber buffer beyond the replay slot.
	DefaultExtraCapacity = 64
)

// Flow is a multi-subscriber broadcast with replay of the most recent value.
// The zero value is not usable; use NewFlow.
type Flow[T any] struct {
	mu      sync.Mutex
	extra   int
	last    T
	hasLast bool
	subs    map[*RingChannel[T]]struct{}
	metrics Metrics
	closed  bool
}

// NewFlow creates a flow whose subscribers buffer up to extra values.
func NewFlow[T any](extra int) *Flow[T] {
	if extra <= 0 {
		extra = DefaultExtraCapacity
	}
	return &Flow[T]{
		extra: extra,
		subs:  make(map[*RingChannel[T]]struct{}),
	}
}

// TryEmit delivers v to every subscriber without blocking. It returns false,
// leaving subscribers and the replay slot untouched, when the flow is closed or
// any subscriber buffer is full.
func (f *Flow[T]) TryEmit(v T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false
	}

	// Only emitters write under f.mu, so a buffer with room now still has room
	// below.
	for sub := range f.subs {
		if !sub.hasRoom() {
			f.metrics.addDropped(1)
			return false
		}
	}
	for sub := range f.subs {
		sub.TrySend(v)
	}

	f.last = v
	f.hasLast = true
	f.metrics.addWritten(1)
	return true
}

// Subscribe returns a channel that first yields the replayed value, if any,
// then every value emitted afterwards. The channel is closed when ctx is done
// or the flow is closed. The subscription holds a goroutine until one of the
// two happens, so a flow that is never closed needs a cancellable ctx.
func (f *Flow[T]) Subscribe(ctx context.Context) <-chan T {
	sub := NewRingChannel[T](f.extra + DefaultReplay)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		sub.Close()
		return sub.C()
	}
	if f.hasLast {
		sub.TrySend(f.last)
	}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	groutine.Go(ctx, "broadcast-unsubscribe", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			f.remove(sub)
		case <-sub.Done():
		}
	})

	return sub.C()
}

// ClearReplay forgets the replayed value so later subscribers start empty.
func (f *Flow[T]) ClearReplay() {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	f.last = zero
	f.hasLast = false
}

// Last returns the replayed value.
func (f *Flow[T]) Last() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.hasLast
}

// Subscribers returns the number of live subscribers.
func (f *Flow[T]) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Metrics returns emit counters. Dropped counts rejected TryEmit calls.
func (f *Flow[T]) Metrics() Metrics {
	return f.metrics.snapshot()
}

// Close closes every subscriber channel. Later emits return false.
func (f *Flow[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for sub := range f.subs {
		sub.Close()
		delete(f.subs, sub)
	}
}

func (f *Flow[T]) remove(sub *RingChannel[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.subs[sub]; ok {
		delete(f.subs, sub)
		sub.Close()
	}
}
