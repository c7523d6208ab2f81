package queue

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Queue is an unbounded FIFO safe for many producers and a single consumer.
// Enqueue never blocks; Dequeue is reserved for the one consumer.
type Queue[T any] struct {
	mu     sync.Mutex
	items  *list.List
	closed bool

	// signal carries at most one pending wake-up for the consumer.
	signal chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		items:  list.New(),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends v to the tail.
func (q *Queue[T]) Enqueue(v T) {
	q.mu.Lock()
	q.items.PushBack(v)
	q.mu.Unlock()
	q.wake()
}

// Dequeue claims the oldest item. It waits up to idle for one to arrive and
// returns ok=false if none did, or straight away when the queue is closed and
// empty. An error is returned only when ctx is done; a done ctx claims
// nothing, even if items are waiting.
func (q *Queue[T]) Dequeue(ctx context.Context, idle time.Duration) (T, bool, error) {
	var zero T

	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return zero, false, err
		}
		if v, ok, closed := q.pop(); ok {
			return v, true, nil
		} else if closed {
			return zero, false, nil
		}

		select {
		case <-ctx.Done():
			return zero, false, ctx.Err()
		case <-q.signal:
		case <-timer.C:
			if v, ok, _ := q.pop(); ok {
				return v, true, nil
			}
			return zero, false, nil
		}
	}
}

func (q *Queue[T]) pop() (v T, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		return v, false, q.closed
	}
	q.items.Remove(front)
	return front.Value.(T), true, q.closed
}

// Len returns the number of items waiting.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close makes Dequeue stop waiting once the queue is empty. Items already
// queued, and items enqueued afterwards, are still handed out.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Drain removes and returns every waiting item.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = q.items.Front() {
		out = append(out, q.items.Remove(e).(T))
	}
	return out
}

func (q *Queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
