package daemon

// Ring is a bounded, asynchronous single-producer/single-consumer buffer
// connecting two pipeline stages (spec §4.F: "each stage connected by a
// bounded, asynchronous ring buffer; producer blocks on full, consumer
// blocks on empty"). It is a thin typed wrapper over a buffered channel plus
// a "finished" signal so a shut-down producer can unblock a waiting
// consumer without the consumer mistaking a closed ring for more data.
type Ring[T any] struct {
	ch       chan T
	finished chan struct{}
}

// NewRing creates a ring buffer of the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	return &Ring[T]{
		ch:       make(chan T, capacity),
		finished: make(chan struct{}),
	}
}

// Put enqueues an item, blocking if the ring is full. Returns false if the
// ring was finished before the item could be placed.
func (r *Ring[T]) Put(item T) bool {
	select {
	case r.ch <- item:
		return true
	case <-r.finished:
		return false
	}
}

// Get dequeues an item, blocking if the ring is empty. ok is false once the
// ring is finished and fully drained. Buffered items are always returned
// before Get reports finished, even if Finish was called concurrently.
func (r *Ring[T]) Get() (item T, ok bool) {
	select {
	case item, ok = <-r.ch:
		return item, ok
	default:
	}
	select {
	case item, ok = <-r.ch:
		return item, ok
	case <-r.finished:
		select {
		case item, ok = <-r.ch:
			return item, ok
		default:
			var zero T
			return zero, false
		}
	}
}

// Finish reports "finished" to unblock producers and consumers on shutdown
// (spec §4.F). Safe to call more than once; it never closes the data
// channel, so a Put racing a concurrent Finish can never panic on send to a
// closed channel.
func (r *Ring[T]) Finish() {
	select {
	case <-r.finished:
		// already finished
	default:
		close(r.finished)
	}
}
