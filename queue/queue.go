// Package queue provides the blocking handoff queues that pass protocol
// units between the concurrent activities of one connection.
//
// Each queue carries exactly one category of unit (incoming lengths, digests,
// chunks, acknowledgements, outbound messages) and has a single consumer, so
// no multi-consumer fairness logic is needed.
package queue

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of items handed off between activities. Push
// never blocks; Pop suspends the caller until an item is available. The name
// only serves diagnostics.
type Queue[T any] struct {
	name   string
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

// New creates an empty queue with a diagnostic name.
func New[T any](name string) *Queue[T] {
	q := &Queue[T]{name: name}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an item and wakes one waiting consumer. Items pushed after
// Close are dropped.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		logrus.WithFields(logrus.Fields{
			"function": "Push",
			"queue":    q.name,
		}).Debug("Dropping item pushed to closed queue")
		return
	}
	q.items = append(q.items, item)
	q.cond.Signal()
}

// Pop removes and returns the oldest unconsumed item, suspending the caller
// while the queue is empty. It returns ErrClosed once the queue is closed
// and no items remain.
func (q *Queue[T]) Pop() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		var zero T
		return zero, ErrClosed
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, nil
}

// Len reports the number of unconsumed items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close releases any blocked consumer. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}
