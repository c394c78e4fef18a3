package broadcast

import (
	"context"
	"sync"

	"github.com/srg/blecount/internal/groutine"
)

// State holds a current value and conflates updates for subscribers: a slow
// subscriber skips intermediate values but always ends on the latest one.
// Setting a value equal to the current one is a no-op.
type State[T comparable] struct {
	mu      sync.Mutex
	value   T
	subs    map[*RingChannel[T]]struct{}
	metrics Metrics
	closed  bool
}

// NewState creates a state holder with an initial value.
func NewState[T comparable](initial T) *State[T] {
	return &State[T]{
		value: initial,
		subs:  make(map[*RingChannel[T]]struct{}),
	}
}

// Value returns the current value.
func (s *State[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set replaces the current value and reports whether it changed.
func (s *State[T]) Set(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.value == v {
		return false
	}
	s.value = v
	s.metrics.addWritten(1)
	for sub := range s.subs {
		if sub.ForceSend(v) {
			s.metrics.addDropped(1)
		}
	}
	return true
}

// Subscribe returns a channel that yields the current value immediately and
// then every change. It is closed when ctx is done or the state is closed; the
// subscription holds a goroutine until then.
func (s *State[T]) Subscribe(ctx context.Context) <-chan T {
	sub := NewRingChannel[T](1)

	s.mu.Lock()
	sub.TrySend(s.value)
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		return sub.C()
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	groutine.Go(ctx, "state-unsubscribe", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			delete(s.subs, sub)
			sub.Close()
			s.mu.Unlock()
		case <-sub.Done():
		}
	})

	return sub.C()
}

// Close closes every subscriber channel. The value can still be read and set;
// later subscribers get the current value on an already closed channel.
func (s *State[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for sub := range s.subs {
		sub.Close()
		delete(s.subs, sub)
	}
}

// Metrics returns update counters. Dropped counts values a subscriber never saw.
func (s *State[T]) Metrics() Metrics {
	return s.metrics.snapshot()
}
