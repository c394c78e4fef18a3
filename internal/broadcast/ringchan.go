package broadcast

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel with overwrite-oldest semantics. Writers
// never block: when the buffer is full the oldest element is discarded.
// Readers consume C() like a normal channel.
//
//	rc := broadcast.NewRingChannel[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.ForceSend(i)
//	}
//	// C() now holds 7, 8, 9.
type RingChannel[T any] struct {
	ch      chan T
	done    chan struct{}
	once    sync.Once
	metrics Metrics
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("broadcast: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity), done: make(chan struct{})}
}

// C returns the underlying receive-only channel.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// TrySend inserts without blocking and reports whether there was room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
		return true
	default:
		return false
	}
}

// ForceSend always succeeds, discarding the oldest element if needed.
// Returns true when an element was dropped.
// Callers must serialise writers; reads may race freely.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	dropped := false

	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
	default:
		select {
		case <-rc.ch:
			rc.metrics.addDropped(1)
			dropped = true
		default:
		}
		rc.ch <- v
		rc.metrics.addWritten(1)
	}

	return dropped
}

func (rc *RingChannel[T]) hasRoom() bool {
	return len(rc.ch) < cap(rc.ch)
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Metrics returns a snapshot of the write counters.
func (rc *RingChannel[T]) Metrics() Metrics {
	return rc.metrics.snapshot()
}

// Close closes the underlying channel. Later sends panic; repeated Close
// calls are no-ops.
func (rc *RingChannel[T]) Close() {
	rc.once.Do(func() {
		close(rc.ch)
		close(rc.done)
	})
}

// Done is closed once the channel is closed.
func (rc *RingChannel[T]) Done() <-chan struct{} {
	return rc.done
}

// Metrics is a lock-free counter snapshot shared by RingChannel, Flow and State.
type Metrics struct {
	Written int64
	Dropped int64
}

func (m *Metrics) addWritten(n int) {
	atomic.AddInt64(&m.Written, int64(n))
}

func (m *Metrics) addDropped(n int) {
	atomic.AddInt64(&m.Dropped, int64(n))
}

func (m *Metrics) snapshot() Metrics {
	return Metrics{
		Written: atomic.LoadInt64(&m.Written),
		Dropped: atomic.LoadInt64(&m.Dropped),
	}
}
