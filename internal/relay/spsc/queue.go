// Package spsc provides a fixed-capacity, lock-free single-producer
// single-consumer ring buffer. It hands reconstructed media items from
// the network-receive goroutine to the pacing/output goroutine without
// either side ever blocking the other.
//
// Exactly one goroutine may call TryEnqueue and exactly one (different)
// goroutine may call TryDequeue. Each index is written by a single
// side only — the producer advances tail, the consumer advances head —
// which is what makes the structure correct without a lock.
package spsc

import (
	"errors"
	"sync/atomic"
)

// ErrInvalidCapacity is returned by New when the requested capacity is
// not a power of two >= 2. The power-of-two requirement keeps slot
// indexing a single mask operation.
var ErrInvalidCapacity = errors.New("spsc: capacity must be a power of two >= 2")

// Queue is a bounded SPSC ring buffer.
//
// head and tail grow monotonically; the slot for position p is
// buf[p&mask]. The producer publishes tail with a release store after
// writing the slot, so the consumer can never observe the new tail
// before the slot contents are visible. Symmetrically the consumer
// publishes head after clearing the slot, so the producer never reuses
// a slot the consumer is still reading.
type Queue[T any] struct {
	buf  []T
	mask uint32

	// Padded apart so producer and consumer traffic does not share a
	// cache line.
	head atomic.Uint32
	_    [64]byte
	tail atomic.Uint32
}

// New creates a Queue with the given capacity, which must be a power
// of two and at least 2.
func New[T any](capacity uint32) (*Queue[T], error) {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return nil, ErrInvalidCapacity
	}
	return &Queue[T]{
		buf:  make([]T, capacity),
		mask: capacity - 1,
	}, nil
}

// TryEnqueue appends item to the queue. It returns false without
// blocking or mutating state when the queue is full; the caller decides
// whether to drop, back off, or log. Producer side only.
func (q *Queue[T]) TryEnqueue(item T) bool {
	tail := q.tail.Load()
	if tail-q.head.Load() == uint32(len(q.buf)) {
		return false
	}
	q.buf[tail&q.mask] = item
	q.tail.Store(tail + 1)
	return true
}

// TryDequeue removes and returns the oldest item. It returns the zero
// value and false without blocking when the queue is empty. Consumer
// side only.
func (q *Queue[T]) TryDequeue() (T, bool) {
	var zero T
	head := q.head.Load()
	if head == q.tail.Load() {
		return zero, false
	}
	item := q.buf[head&q.mask]
	q.buf[head&q.mask] = zero // release the reference held by the slot
	q.head.Store(head + 1)
	return item, true
}

// Len returns a best-effort snapshot of the number of queued items.
// The value can be stale the instant it is read, since the other side
// may be mutating its index concurrently; use it for diagnostics only.
func (q *Queue[T]) Len() uint32 {
	return q.tail.Load() - q.head.Load()
}

// IsEmpty reports whether the queue appears empty. Best-effort, same
// caveat as Len.
func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Cap returns the fixed capacity of the queue.
func (q *Queue[T]) Cap() uint32 {
	return uint32(len(q.buf))
}

// Clear dequeues until the queue is empty, dropping the items. It is
// intended for non-concurrent teardown only: the producer must have
// stopped enqueuing before Clear is called.
func (q *Queue[T]) Clear() {
	for {
		if _, ok := q.TryDequeue(); !ok {
			return
		}
	}
}
