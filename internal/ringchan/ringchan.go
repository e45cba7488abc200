// Package ringchan provides a bounded channel with overwrite-oldest
// semantics, used to fan out discovery events without ever blocking the
// producer.
package ringchan

// RingChannel wraps a buffered channel and guarantees that sends never
// block: when the buffer is full the oldest element is discarded.
type RingChannel[T any] struct {
	ch chan T
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range over
// it until Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest buffered element if needed.
// It reports whether an element was discarded.
func (rc *RingChannel[T]) Send(v T) bool {
	select {
	case rc.ch <- v:
		return false
	default:
	}

	dropped := false
	select {
	case <-rc.ch:
		dropped = true
	default:
	}
	rc.ch <- v
	return dropped
}

// TrySend attempts a non-blocking insert and reports whether it succeeded.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		return true
	default:
		return false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int { return len(rc.ch) }

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close closes the underlying channel. Sends after Close panic.
func (rc *RingChannel[T]) Close() { close(rc.ch) }
