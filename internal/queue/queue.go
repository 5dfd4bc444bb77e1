package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// WorkQueue is an unbounded, thread-safe FIFO with a completion barrier.
// Every item returned by Dequeue must be acknowledged with exactly one call
// to Done; Join blocks until all enqueued items have been acknowledged.
type WorkQueue[T any] struct {
	mu         sync.Mutex
	items      []T
	unfinished int // enqueued but not yet marked done
	taken      int // dequeued but not yet marked done
	closed     bool
	changed    chan struct{} // closed and replaced on every state change
}

// New creates an empty work queue.
func New[T any]() *WorkQueue[T] {
	return &WorkQueue[T]{
		changed: make(chan struct{}),
	}
}

// broadcast wakes every goroutine waiting on the current state. Caller holds mu.
func (q *WorkQueue[T]) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Enqueue adds an item to the back of the queue.
// Enqueueing into a closed queue is a programming error and panics.
func (q *WorkQueue[T]) Enqueue(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		panic("queue: Enqueue called on closed queue")
	}
	q.items = append(q.items, item)
	q.unfinished++
	q.broadcast()
}

// Dequeue removes and returns the item at the front of the queue.
// Blocks while the queue is empty and open. Returns ErrClosed when the queue
// is closed and empty, or the context error once ctx is cancelled, even if
// items remain.
func (q *WorkQueue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.taken++
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// Done marks one dequeued item as processed.
// Calling Done without an outstanding dequeued item panics.
func (q *WorkQueue[T]) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.taken <= 0 || q.unfinished <= 0 {
		panic("queue: Done called more times than items were dequeued")
	}
	q.taken--
	q.unfinished--
	q.broadcast()
}

// Join blocks until every enqueued item has been marked done, or ctx ends.
func (q *WorkQueue[T]) Join(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.unfinished == 0 {
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Close prevents further enqueues and releases idle Dequeue callers once
// the remaining items are drained. Close is idempotent.
func (q *WorkQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// Len returns the number of items waiting to be dequeued.
func (q *WorkQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a copy of the items waiting to be dequeued, front first.
func (q *WorkQueue[T]) Pending() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Unfinished returns the number of enqueued items not yet marked done.
func (q *WorkQueue[T]) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}
