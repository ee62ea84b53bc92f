package utils

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("[syncpad] feed/drain queue is closed")
var ErrOverflow = errors.New("[syncpad] feed/drain queue is overflowed")

// FDQueue is a bounded single-consumer feed/drain queue. Producers Drain
// elements in, the one consumer Feeds them out in FIFO order, blocking
// until an element is available. The editor's "next local edit" chain is
// one of these.
type FDQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	limit  int
	closed bool
	wake   chan struct{}
}

func NewFDQueue[T any](limit int) *FDQueue[T] {
	if limit <= 0 {
		limit = 1 << 10
	}
	return &FDQueue[T]{
		limit: limit,
		wake:  make(chan struct{}, 1),
	}
}

func (q *FDQueue[T]) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.wake)
	}
	q.mu.Unlock()
	return nil
}

func (q *FDQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain appends elements to the queue, waking the consumer.
func (q *FDQueue[T]) Drain(items ...T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(q.items)+len(items) > q.limit {
		q.mu.Unlock()
		return ErrOverflow
	}
	q.items = append(q.items, items...)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Feed pops the oldest element, blocking until one exists or the context
// is done.
func (q *FDQueue[T]) Feed(ctx context.Context) (item T, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return item, ErrClosed
		}
		select {
		case <-ctx.Done():
			return item, ctx.Err()
		case _, ok := <-q.wake:
			if !ok {
				return item, ErrClosed
			}
		}
	}
}

// TryFeed pops the oldest element without blocking.
func (q *FDQueue[T]) TryFeed() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return item, false
	}
	item = q.items[0]
	q.items = q.items[1:]
	return item, true
}
