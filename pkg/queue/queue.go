package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a FIFO mailbox with at most one registered waiter. Push is safe
// from any number of goroutines; Next must be driven by a single consumer.
type Queue[T any] struct {
	mu     sync.Mutex
	buf    []T
	waiter chan T
	closed bool
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push enqueues an item and returns the queue depth after the call. When a
// consumer is suspended in Next, the item is handed to it directly and the
// returned depth is 0. Items pushed after Close are dropped and Push
// returns -1.
func (q *Queue[T]) Push(item T) int {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return -1
	}

	// Hand off directly to a suspended consumer. The waiter channel is
	// buffered, so the send cannot block even if the consumer has already
	// given up due to context cancellation.
	if q.waiter != nil {
		w := q.waiter
		q.waiter = nil
		q.mu.Unlock()
		w <- item
		return 0
	}

	q.buf = append(q.buf, item)
	depth := len(q.buf)
	q.mu.Unlock()
	return depth
}

// Next returns the oldest queued item, suspending until one is pushed. It
// returns ctx.Err() on cancellation and ErrClosed once the queue is closed
// and empty.
func (q *Queue[T]) Next(ctx context.Context) (T, error) {
	var zero T

	q.mu.Lock()
	if len(q.buf) > 0 {
		item := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()
		return item, nil
	}
	if q.closed {
		q.mu.Unlock()
		return zero, ErrClosed
	}

	w := make(chan T, 1)
	q.waiter = w
	q.mu.Unlock()

	select {
	case item, ok := <-w:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	case <-ctx.Done():
		q.mu.Lock()
		if q.waiter == w {
			q.waiter = nil
		}
		q.mu.Unlock()
		// A push may have raced the cancellation and landed in the
		// waiter channel. Prefer delivering it over dropping it.
		select {
		case item, ok := <-w:
			if !ok {
				return zero, ErrClosed
			}
			return item, nil
		default:
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Drain removes and returns all buffered items without suspending.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.buf
	q.buf = nil
	return items
}

// Close marks the queue closed and wakes a suspended consumer with ErrClosed.
// Safe to call multiple times.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true

	if q.waiter != nil {
		close(q.waiter)
		q.waiter = nil
	}
}
